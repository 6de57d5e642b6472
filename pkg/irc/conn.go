package irc

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	// DefaultDialTimeout is the timeout used when establishing the TCP
	// connection to the chat server.
	DefaultDialTimeout = 30 * time.Second
	// DefaultWriteTimeout is the per-line write timeout.
	DefaultWriteTimeout = 30 * time.Second

	// maxLineLen bounds a single protocol line; the RFC caps lines at 512
	// bytes but some servers tag on metadata.
	maxLineLen = 4096
)

// DialConfig controls how a connection is established.
type DialConfig struct {
	// TLS enables transport security.
	TLS bool
	// InsecureSkipVerify disables certificate verification. Callers must
	// surface this reduced-trust mode to the operator.
	InsecureSkipVerify bool
	// DialTimeout bounds the TCP connect; zero means DefaultDialTimeout.
	DialTimeout time.Duration
}

// Conn is a goroutine-safe IRC connection. Reads are expected from a single
// reader goroutine; writes may come from any goroutine.
type Conn struct {
	netConn net.Conn
	r       *bufio.Reader
	mu      sync.Mutex // protects writes to netConn

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to addr (host:port) according to cfg.
func Dial(addr string, cfg DialConfig) (*Conn, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	dialer := &net.Dialer{Timeout: timeout}

	var (
		netConn net.Conn
		err     error
	)

	if cfg.TLS {
		host, _, splitErr := net.SplitHostPort(addr)
		if splitErr != nil {
			return nil, splitErr
		}
		tlsCfg := &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}
		netConn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
	} else {
		netConn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	return &Conn{
		netConn: netConn,
		r:       bufio.NewReaderSize(netConn, maxLineLen),
	}, nil
}

// ReadMessage blocks until the next protocol line arrives, the peer closes
// the connection, or Close is called from another goroutine.
func (c *Conn) ReadMessage() (Message, error) {
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return Message{}, err
		}

		msg, err := ParseMessage(line)
		if err != nil {
			// Skip blank keep-alive lines rather than failing the stream.
			if err == ErrEmptyMessage {
				continue
			}
			return Message{}, err
		}

		return msg, nil
	}
}

// WriteLine sends a single protocol line, appending CRLF.
func (c *Conn) WriteLine(format string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.netConn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout)); err != nil {
		return err
	}

	_, err := fmt.Fprintf(c.netConn, format+"\r\n", args...)

	return err
}

// Privmsg sends a channel or user message.
func (c *Conn) Privmsg(target, text string) error {
	return c.WriteLine("%s %s :%s", CmdPrivmsg, target, text)
}

// Register sends the NICK/USER registration pair.
func (c *Conn) Register(nick, realname string) error {
	if err := c.WriteLine("%s %s", CmdNick, nick); err != nil {
		return err
	}
	return c.WriteLine("%s %s 0 * :%s", CmdUser, nick, realname)
}

// Join requests membership of a channel.
func (c *Conn) Join(channel string) error {
	return c.WriteLine("%s %s", CmdJoin, channel)
}

// Quit sends QUIT with the given reason; write errors are ignored because
// the connection is being torn down anyway.
func (c *Conn) Quit(reason string) {
	_ = c.WriteLine("%s :%s", CmdQuit, reason)
}

// RemoteAddr returns the remote address of the connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.netConn.RemoteAddr()
}

// Close shuts the connection down. Safe to call more than once; a blocked
// ReadMessage returns with an error once the socket closes.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.netConn.Close()
	})
	return c.closeErr
}
