// Package ircconn drives a single physical connection to the chat server
// through its registration and channel-join state machine and fans inbound
// protocol traffic out as typed events.
package ircconn

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bookdash/bookdash/internal/dcc"
	"github.com/bookdash/bookdash/internal/errors"
	"github.com/bookdash/bookdash/pkg/irc"
)

// State is the connection lifecycle stage. Owned exclusively by the
// manager; mutated only by its own goroutines.
type State int32

const (
	Disconnected State = iota
	Connecting
	Registered
	Joined
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Registered:
		return "registered"
	case Joined:
		return "joined"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventKind classifies inbound traffic for subscribers.
type EventKind int

const (
	// EventMessage is channel or private text.
	EventMessage EventKind = iota
	// EventOffer is a CTCP peer-transfer offer; Text holds the raw payload.
	EventOffer
	// EventJoin is a join confirmation; Target names the channel.
	EventJoin
	// EventDisconnect is emitted once when the connection dies; the event
	// stream is closed right after it.
	EventDisconnect
)

// Event is one item on the inbound event stream.
type Event struct {
	Kind   EventKind
	Sender string
	Target string
	Text   string
}

// Config holds everything needed to stand up one connection.
type Config struct {
	Address   string
	TLS       bool
	TLSVerify bool
	Nick      string
	Realname  string
	Channel   string

	// WelcomeTimeout bounds the wait for the server registration
	// acknowledgement on each attempt. Zero means DefaultWelcomeTimeout.
	WelcomeTimeout time.Duration
	// JoinTimeout bounds the wait for the channel-join confirmation.
	JoinTimeout time.Duration
	// MaxNickAttempts is the total number of registration attempts; after
	// the first, an incrementing numeric suffix is appended to the nick.
	MaxNickAttempts int
}

const (
	DefaultWelcomeTimeout  = 10 * time.Second
	DefaultJoinTimeout     = 10 * time.Second
	DefaultMaxNickAttempts = 3

	eventBuffer = 256
)

// Registration retry reasons; both trigger the next nick attempt.
var (
	errNickInUse      = errors.New("nickname in use")
	errWelcomeTimeout = errors.New("welcome timeout")
)

// Manager owns one physical connection. Construct with New, bring up with
// Connect, consume Events, and always Disconnect when done.
type Manager struct {
	cfg Config

	state atomic.Int32

	// closing marks a caller-initiated teardown so the reader's resulting
	// error is not mistaken for a lost connection.
	closing atomic.Bool

	mu     sync.Mutex
	conn   *irc.Conn
	nick   string
	events chan Event

	dispatchDone chan struct{}
}

// New creates a manager in the Disconnected state.
func New(cfg Config) *Manager {
	if cfg.WelcomeTimeout <= 0 {
		cfg.WelcomeTimeout = DefaultWelcomeTimeout
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if cfg.MaxNickAttempts <= 0 {
		cfg.MaxNickAttempts = DefaultMaxNickAttempts
	}

	return &Manager{cfg: cfg}
}

// State returns the current lifecycle stage.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	old := State(m.state.Swap(int32(s)))
	if old != s {
		slog.Info("connection state changed", "server", m.cfg.Address, "from", old, "to", s)
	}
}

// Nick returns the nickname the server accepted, which may carry a numeric
// suffix after a collision retry.
func (m *Manager) Nick() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nick
}

// Events returns the inbound event stream. Valid after a successful
// Connect; closed when the connection ends.
func (m *Manager) Events() <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events
}

// Connect dials the server, registers, and joins the configured channel.
// On nickname collision or welcome timeout it retries with a suffixed nick
// up to the configured attempt count. Any other failure, and exhaustion of
// the retry budget, surface as a connection-category error.
func (m *Manager) Connect() error {
	if m.cfg.TLS && !m.cfg.TLSVerify {
		slog.Warn("certificate verification disabled for chat connection; transport trust is reduced", "server", m.cfg.Address)
	}

	var lastErr error

	for attempt := 0; attempt < m.cfg.MaxNickAttempts; attempt++ {
		nick := m.cfg.Nick
		if attempt > 0 {
			nick = fmt.Sprintf("%s%d", m.cfg.Nick, attempt)
		}

		err := m.connectOnce(nick)
		if err == nil {
			return nil
		}

		if errors.Is(err, errNickInUse) || errors.Is(err, errWelcomeTimeout) {
			slog.Warn("registration attempt failed, retrying with suffixed nick", "server", m.cfg.Address, "nick", nick, "attempt", attempt+1, "error", err)
			lastErr = err
			continue
		}

		m.setState(Failed)
		return errors.NewConnectionError(err, m.cfg.Address)
	}

	m.setState(Failed)
	return errors.NewConnectionError(fmt.Errorf("%w after %d attempts: %w", errors.ErrRetryExhausted, m.cfg.MaxNickAttempts, lastErr), m.cfg.Address)
}

// connectOnce runs a single registration attempt through to the joined
// state. Retryable outcomes are reported as errNickInUse/errWelcomeTimeout.
func (m *Manager) connectOnce(nick string) error {
	m.closing.Store(false)
	m.setState(Connecting)

	conn, err := irc.Dial(m.cfg.Address, irc.DialConfig{
		TLS:                m.cfg.TLS,
		InsecureSkipVerify: !m.cfg.TLSVerify,
	})
	if err != nil {
		return err
	}

	slog.Info("connected, registering", "server", m.cfg.Address, "nick", nick)

	// One reader goroutine owns all reads on this connection; registration
	// waits consume from raw so timeouts are wall-clock bounds, not socket
	// deadlines.
	raw := make(chan irc.Message, eventBuffer)
	readDone := make(chan error, 1)
	go func() {
		defer close(raw)
		for {
			msg, err := conn.ReadMessage()
			if err != nil {
				readDone <- err
				return
			}
			raw <- msg
		}
	}()

	fail := func(err error) error {
		conn.Close()
		return err
	}

	if err := conn.Register(nick, m.cfg.Realname); err != nil {
		return fail(err)
	}

	if err := m.awaitWelcome(conn, raw, readDone); err != nil {
		conn.Quit("registration failed")
		return fail(err)
	}

	m.setState(Registered)

	if err := conn.Join(m.cfg.Channel); err != nil {
		return fail(err)
	}

	if err := m.awaitJoin(conn, raw, readDone, nick); err != nil {
		conn.Quit("join failed")
		return fail(err)
	}

	m.mu.Lock()
	m.conn = conn
	m.nick = nick
	m.events = make(chan Event, eventBuffer)
	m.dispatchDone = make(chan struct{})
	m.mu.Unlock()

	m.setState(Joined)

	go m.dispatch(conn, raw, readDone)

	return nil
}

// awaitWelcome pumps raw messages until the server acknowledges the
// registration. Registration is never assumed from send success.
func (m *Manager) awaitWelcome(conn *irc.Conn, raw <-chan irc.Message, readDone <-chan error) error {
	deadline := time.After(m.cfg.WelcomeTimeout)

	for {
		select {
		case msg, ok := <-raw:
			if !ok {
				return <-readDone
			}
			switch msg.Command {
			case irc.CmdPing:
				_ = conn.WriteLine("%s :%s", irc.CmdPong, msg.Trailing())
			case irc.RplWelcome:
				slog.Info("registration acknowledged", "server", m.cfg.Address)
				return nil
			case irc.ErrNicknameInUse:
				return errNickInUse
			case irc.CmdError:
				return fmt.Errorf("server error during registration: %s", msg.Trailing())
			}
		case <-deadline:
			return errWelcomeTimeout
		}
	}
}

// awaitJoin pumps raw messages until the join confirmation names the target
// channel for our own nick.
func (m *Manager) awaitJoin(conn *irc.Conn, raw <-chan irc.Message, readDone <-chan error, nick string) error {
	deadline := time.After(m.cfg.JoinTimeout)

	for {
		select {
		case msg, ok := <-raw:
			if !ok {
				return <-readDone
			}
			switch msg.Command {
			case irc.CmdPing:
				_ = conn.WriteLine("%s :%s", irc.CmdPong, msg.Trailing())
			case irc.CmdJoin:
				if strings.EqualFold(msg.Nick(), nick) && strings.EqualFold(msg.Trailing(), m.cfg.Channel) {
					slog.Info("joined channel", "channel", m.cfg.Channel)
					return nil
				}
			case irc.CmdError:
				return fmt.Errorf("server error during join: %s", msg.Trailing())
			}
		case <-deadline:
			return fmt.Errorf("join timeout for %s", m.cfg.Channel)
		}
	}
}

// dispatch translates raw protocol traffic into typed events until the
// connection dies, then emits EventDisconnect and closes the stream.
func (m *Manager) dispatch(conn *irc.Conn, raw <-chan irc.Message, readDone <-chan error) {
	defer close(m.dispatchDone)

	for msg := range raw {
		switch msg.Command {
		case irc.CmdPing:
			_ = conn.WriteLine("%s :%s", irc.CmdPong, msg.Trailing())

		case irc.CmdPrivmsg, irc.CmdNotice:
			if payload, ok := msg.CTCP(); ok {
				if dcc.IsOfferPayload(payload) {
					m.emit(Event{Kind: EventOffer, Sender: msg.Nick(), Text: payload})
				}
				continue
			}
			target := ""
			if len(msg.Params) > 0 {
				target = msg.Params[0]
			}
			m.emit(Event{Kind: EventMessage, Sender: msg.Nick(), Target: target, Text: msg.Trailing()})

		case irc.CmdJoin:
			m.emit(Event{Kind: EventJoin, Sender: msg.Nick(), Target: msg.Trailing()})

		case irc.CmdError:
			slog.Warn("server error notice", "server", m.cfg.Address, "text", msg.Trailing())
		}
	}

	err := <-readDone
	if m.State() == Joined && !m.closing.Load() {
		slog.Warn("connection lost", "server", m.cfg.Address, "error", err)
		m.setState(Failed)
	}

	m.emit(Event{Kind: EventDisconnect, Text: fmt.Sprint(err)})
	close(m.events)
}

// emit delivers without blocking; the stream buffer absorbs bursts while a
// subscriber is busy with a transfer, and overflow is dropped loudly.
func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		slog.Warn("event stream full, dropping event", "kind", ev.Kind, "sender", ev.Sender)
	}
}

// Send delivers a message to a channel or nick on the live connection.
func (m *Manager) Send(target, text string) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil || m.State() != Joined {
		return errors.NewConnectionError(errors.New("not connected"), m.cfg.Address)
	}

	return conn.Privmsg(target, text)
}

// Disconnect tears the connection down and resets the state machine. Safe
// to call in any state, more than once.
func (m *Manager) Disconnect(reason string) {
	m.closing.Store(true)

	m.mu.Lock()
	conn := m.conn
	done := m.dispatchDone
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		conn.Quit(reason)
		conn.Close()
	}
	if done != nil {
		<-done
	}

	m.setState(Disconnected)
}
