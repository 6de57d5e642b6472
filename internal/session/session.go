// Package session drives connections through search and download
// request-response cycles against the channel's distribution bots.
package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bookdash/bookdash/internal/config"
	"github.com/bookdash/bookdash/internal/dcc"
	"github.com/bookdash/bookdash/internal/errors"
	"github.com/bookdash/bookdash/internal/ircconn"
	"github.com/bookdash/bookdash/internal/results"
)

const (
	// DefaultSearchWindow bounds how long a search collects replies.
	DefaultSearchWindow = 15 * time.Second
	// DefaultOfferWindow bounds the wait for a download's transfer offer.
	DefaultOfferWindow = 60 * time.Second

	searchCommand   = "@search %s"
	downloadCommand = "@download %s"
)

var (
	trailingExtRe = regexp.MustCompile(`\.[a-zA-Z0-9]{1,5}$`)
	punctRe       = regexp.MustCompile(`[^\w\s'-]`)
	spacesRe      = regexp.MustCompile(`\s+`)
)

// SanitizeQuery normalizes a query the way the channel bots expect: a
// trailing file extension is dropped, punctuation the bots treat as syntax
// becomes whitespace, the author is appended, and runs of whitespace
// collapse.
func SanitizeQuery(query, author string) string {
	q := strings.TrimSpace(query)
	q = trailingExtRe.ReplaceAllString(q, "")
	q = punctRe.ReplaceAllString(q, " ")
	if author != "" {
		q = q + " " + author
	}
	return strings.TrimSpace(spacesRe.ReplaceAllString(q, " "))
}

// Session runs one-shot request-response cycles, each on a fresh
// connection. The configuration snapshot is taken at construction; later
// configuration changes never affect it.
type Session struct {
	snap config.Snapshot

	searchWindow time.Duration
	offerWindow  time.Duration

	// newManager is swappable for tests.
	newManager func() *ircconn.Manager
}

// Option adjusts session behavior.
type Option func(*Session)

// WithSearchWindow overrides the reply-collection window.
func WithSearchWindow(d time.Duration) Option {
	return func(s *Session) { s.searchWindow = d }
}

// WithOfferWindow overrides the transfer-offer wait.
func WithOfferWindow(d time.Duration) Option {
	return func(s *Session) { s.offerWindow = d }
}

// New creates a one-shot session over the given configuration snapshot.
func New(snap config.Snapshot, opts ...Option) *Session {
	s := &Session{
		snap:         snap,
		searchWindow: DefaultSearchWindow,
		offerWindow:  DefaultOfferWindow,
	}
	s.newManager = func() *ircconn.Manager {
		return ircconn.New(managerConfig(snap))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func managerConfig(snap config.Snapshot) ircconn.Config {
	return ircconn.Config{
		Address:   snap.Address(),
		TLS:       snap.TLS,
		TLSVerify: snap.TLSVerify,
		Nick:      snap.Nick,
		Realname:  snap.Realname,
		Channel:   snap.Channel,
	}
}

// Search sends the formatted search command and collects results for the
// search window: inline reply lines are parsed as they arrive, and a
// results-payload offer, when one comes, is transferred and parsed.
// Payload-derived results win whenever they are non-empty.
func (s *Session) Search(query, author string) ([]results.Result, error) {
	mgr := s.newManager()
	if err := mgr.Connect(); err != nil {
		return nil, err
	}
	defer mgr.Disconnect("search done")

	text := SanitizeQuery(query, author)
	slog.Info("search dispatched", "query", text, "channel", s.snap.Channel)

	if err := mgr.Send(s.snap.Channel, fmt.Sprintf(searchCommand, text)); err != nil {
		return nil, err
	}

	collector := newSearchCollector(&s.snap)
	deadline := time.After(s.searchWindow)

	for {
		select {
		case ev, ok := <-mgr.Events():
			if !ok {
				return collector.finish(), nil
			}
			collector.handle(ev)
		case <-deadline:
			return collector.finish(), nil
		}
	}
}

// Download sends the formatted download command and waits for exactly one
// accepted transfer offer, which is received into the staging area. Zero
// offers before the deadline fail with a transfer-category error; an offer
// from a disallowed sender fails with a policy-category error.
func (s *Session) Download(resultID, bot string) (string, error) {
	mgr := s.newManager()
	if err := mgr.Connect(); err != nil {
		return "", err
	}
	defer mgr.Disconnect("download done")

	slog.Info("download dispatched", "id", resultID, "bot", bot, "channel", s.snap.Channel)

	if err := mgr.Send(s.snap.Channel, fmt.Sprintf(downloadCommand, resultID)); err != nil {
		return "", err
	}

	deadline := time.After(s.offerWindow)

	for {
		select {
		case ev, ok := <-mgr.Events():
			if !ok {
				return "", errors.NewTransferError(errors.New("connection lost before an offer arrived"), s.snap.Address())
			}
			if ev.Kind != ircconn.EventOffer {
				continue
			}
			if bot != "" && !strings.EqualFold(ev.Sender, bot) {
				slog.Info("offer from non-requested bot ignored", "sender", ev.Sender, "want", bot)
				continue
			}
			if !s.snap.Allowed(ev.Sender) {
				return "", errors.NewPolicyError(fmt.Errorf("sender %s not in allow-list", ev.Sender), ev.Sender)
			}

			offer, err := dcc.ParseOffer(ev.Sender, ev.Text, s.snap.MaxDownloadBytes)
			if err != nil {
				return "", err
			}

			dest := filepath.Join(s.snap.StagingDir, filepath.Base(offer.Filename))
			slog.Info("accepting transfer offer", "file", offer.Filename, "sender", offer.Sender, "peer", offer.Addr(), "size", offer.Size)

			if _, err := dcc.Receive(offer, dest); err != nil {
				return "", err
			}

			return dest, nil

		case <-deadline:
			return "", errors.NewTransferError(errors.ErrNoOffer, resultID)
		}
	}
}

// searchCollector accumulates inline and payload-derived results for one
// search request. Shared by the one-shot and persistent paths.
type searchCollector struct {
	snap    *config.Snapshot
	inline  []results.Result
	payload []results.Result
}

func newSearchCollector(snap *config.Snapshot) *searchCollector {
	return &searchCollector{snap: snap}
}

func (c *searchCollector) handle(ev ircconn.Event) {
	switch ev.Kind {
	case ircconn.EventMessage:
		if r, ok := results.ParseLine(ev.Text); ok {
			r.Bot = ev.Sender
			c.inline = append(c.inline, r)
		}

	case ircconn.EventOffer:
		if !c.snap.Allowed(ev.Sender) {
			slog.Warn("results offer from disallowed sender rejected", "sender", ev.Sender)
			return
		}

		offer, err := dcc.ParseOffer(ev.Sender, ev.Text, c.snap.MaxDownloadBytes)
		if err != nil {
			slog.Warn("results offer rejected", "sender", ev.Sender, "error", err)
			return
		}

		dest := filepath.Join(c.snap.StagingDir, filepath.Base(offer.Filename))
		if _, err := dcc.Receive(offer, dest); err != nil {
			slog.Warn("results transfer failed", "sender", ev.Sender, "error", err)
			return
		}

		blob, err := os.ReadFile(dest)
		if err != nil {
			slog.Warn("results payload unreadable", "path", dest, "error", err)
			return
		}

		c.payload = append(c.payload, results.ParsePayload(blob)...)
	}
}

// empty reports whether nothing at all was collected yet.
func (c *searchCollector) empty() bool {
	return len(c.inline) == 0 && len(c.payload) == 0
}

// finish returns the collected set: payload results take precedence.
func (c *searchCollector) finish() []results.Result {
	if len(c.payload) > 0 {
		return c.payload
	}
	return c.inline
}
