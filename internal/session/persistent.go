package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bookdash/bookdash/internal/config"
	"github.com/bookdash/bookdash/internal/errors"
	"github.com/bookdash/bookdash/internal/ircconn"
	"github.com/bookdash/bookdash/internal/results"
)

const requestQueueDepth = 64

// request is one queued search. Owned by the session until its done
// channel closes, then read-only for the caller.
type request struct {
	query  string
	author string

	done    chan struct{}
	results []results.Result
	err     error
}

// Persistent maintains one long-lived connection shared by many logical
// search requests. Requests queue FIFO; the session's single loop wires
// exactly one request to the protocol at a time, which is what prevents
// cross-talk between concurrent callers on the shared socket.
type Persistent struct {
	searchWindow time.Duration

	newManager func(config.Snapshot) *ircconn.Manager

	mu       sync.Mutex
	snap     config.Snapshot
	mgr      *ircconn.Manager
	requests chan *request
	stop     chan struct{}
	loopDone chan struct{}
	running  bool
	lastErr  string
}

// NewPersistent creates a disconnected persistent session.
func NewPersistent(opts ...PersistentOption) *Persistent {
	p := &Persistent{
		searchWindow: DefaultSearchWindow,
		newManager: func(snap config.Snapshot) *ircconn.Manager {
			return ircconn.New(managerConfig(snap))
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PersistentOption adjusts persistent-session behavior.
type PersistentOption func(*Persistent)

// WithPersistentSearchWindow overrides the per-request search window.
func WithPersistentSearchWindow(d time.Duration) PersistentOption {
	return func(p *Persistent) { p.searchWindow = d }
}

// Connect establishes the long-lived connection using the given snapshot
// and starts the session loop. Connecting while connected is a no-op.
func (p *Persistent) Connect(snap config.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		slog.Info("session already connected")
		return nil
	}

	mgr := p.newManager(snap)
	if err := mgr.Connect(); err != nil {
		p.lastErr = err.Error()
		return err
	}

	p.snap = snap
	p.mgr = mgr
	p.requests = make(chan *request, requestQueueDepth)
	p.stop = make(chan struct{})
	p.loopDone = make(chan struct{})
	p.running = true
	p.lastErr = ""

	go p.run(mgr, p.requests, p.stop, p.loopDone, snap)

	slog.Info("session connected and idle", "server", snap.Address())

	return nil
}

// Disconnect stops the loop and tears the connection down.
func (p *Persistent) Disconnect() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	loopDone := p.loopDone
	p.mu.Unlock()

	<-loopDone
	slog.Info("session disconnected")
}

// Status reports whether the session is connected and the last error seen.
func (p *Persistent) Status() (connected bool, lastErr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running, p.lastErr
}

// Search queues a request and blocks until it completes or the caller's
// wait budget runs out. The session keeps servicing an abandoned request
// until its own window expires, after which its handlers are torn down.
func (p *Persistent) Search(query, author string, wait time.Duration) ([]results.Result, error) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil, errors.NewConnectionError(errors.New("session not connected"), "")
	}
	requests := p.requests
	p.mu.Unlock()

	req := &request{
		query:  query,
		author: author,
		done:   make(chan struct{}),
	}

	select {
	case requests <- req:
	default:
		return nil, errors.NewConnectionError(errors.New("session request queue full"), "")
	}

	select {
	case <-req.done:
		return req.results, req.err
	case <-time.After(wait):
		return nil, errors.NewConnectionError(errors.New("search wait timed out"), query)
	}
}

// run is the session's single loop. Each iteration does at most one of:
// admit the next queued request when none is active, service one inbound
// event, or expire the active request. Teardown of the active request is
// mandatory before the next one is admitted.
func (p *Persistent) run(mgr *ircconn.Manager, requests chan *request, stop <-chan struct{}, loopDone chan struct{}, snap config.Snapshot) {
	defer close(loopDone)
	defer mgr.Disconnect("session closed")

	var (
		active    *request
		collector *searchCollector
		started   time.Time
	)

	finish := func(err error) {
		if active == nil {
			return
		}
		active.err = err
		if err == nil {
			active.results = collector.finish()
		}
		close(active.done)
		active = nil
		collector = nil
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		// The request queue is only eligible while no request is active.
		var admit <-chan *request
		if active == nil {
			admit = requests
		}

		select {
		case <-stop:
			finish(errors.NewConnectionError(errors.New("session stopped"), ""))
			return

		case req := <-admit:
			active = req
			collector = newSearchCollector(&snap)
			started = time.Now()

			text := SanitizeQuery(req.query, req.author)
			slog.Info("session search dispatched", "query", text)
			if err := mgr.Send(snap.Channel, fmt.Sprintf(searchCommand, text)); err != nil {
				finish(err)
			}

		case ev, ok := <-mgr.Events():
			if !ok {
				err := errors.NewConnectionError(errors.New("connection lost"), snap.Address())
				finish(err)
				p.fail("connection lost")
				return
			}
			if ev.Kind == ircconn.EventDisconnect {
				continue
			}
			if active != nil {
				collector.handle(ev)
			}

		case <-ticker.C:
			if active != nil && time.Since(started) > p.searchWindow {
				if collector.empty() {
					slog.Warn("session search window elapsed with no replies", "query", active.query)
					finish(errors.NewConnectionError(errors.New("search timed out"), active.query))
				} else {
					slog.Info("session search window elapsed", "query", active.query)
					finish(nil)
				}
			}
		}
	}
}

// fail records a terminal session error and flips the connected flag.
func (p *Persistent) fail(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	p.lastErr = msg
	slog.Error("session error", "error", msg)
}
