// Package irctest provides a scriptable in-process chat server for
// exercising the connection and session layers over real TCP sockets.
package irctest

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/bookdash/bookdash/pkg/irc"
)

// Server is a minimal scriptable IRC server. Behavior knobs must be set
// before the client connects.
type Server struct {
	t  *testing.T
	ln net.Listener

	// NicksInUse lists nicknames the server rejects with a collision reply.
	NicksInUse map[string]bool
	// SilentRegistration suppresses the welcome reply entirely.
	SilentRegistration bool
	// SilentJoin suppresses the join confirmation.
	SilentJoin bool
	// OnPrivmsg runs for every PRIVMSG the client sends, after join.
	OnPrivmsg func(c *Client, target, text string)

	mu      sync.Mutex
	clients []*Client
}

// Client is one accepted connection, with helpers to script replies.
type Client struct {
	mu   sync.Mutex
	conn net.Conn

	// Nick is the nickname the connection registered with.
	Nick string
}

// NewServer starts a server on a loopback port.
func NewServer(t *testing.T) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("irctest listen: %v", err)
	}

	s := &Server{t: t, ln: ln}
	t.Cleanup(s.Close)

	go s.acceptLoop()

	return s
}

// Addr returns the host:port clients should dial.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close stops accepting and closes every live connection.
func (s *Server) Close() {
	s.ln.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		c.conn.Close()
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		c := &Client{conn: conn}
		s.mu.Lock()
		s.clients = append(s.clients, c)
		s.mu.Unlock()

		go s.serve(c)
	}
}

func (s *Server) serve(c *Client) {
	defer c.conn.Close()

	r := bufio.NewReader(c.conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}

		msg, err := irc.ParseMessage(line)
		if err != nil {
			continue
		}

		switch msg.Command {
		case irc.CmdNick:
			if len(msg.Params) > 0 {
				c.Nick = msg.Params[0]
			}

		case irc.CmdUser:
			if s.SilentRegistration {
				continue
			}
			if s.NicksInUse[c.Nick] {
				c.SendLine(":irctest 433 * %s :Nickname is already in use", c.Nick)
				continue
			}
			c.SendLine(":irctest 001 %s :Welcome to the test network", c.Nick)

		case irc.CmdJoin:
			if s.SilentJoin {
				continue
			}
			c.SendLine(":%s!test@irctest JOIN :%s", c.Nick, msg.Trailing())

		case irc.CmdPrivmsg:
			if s.OnPrivmsg != nil && len(msg.Params) >= 2 {
				s.OnPrivmsg(c, msg.Params[0], msg.Trailing())
			}

		case irc.CmdPing:
			c.SendLine(":irctest PONG irctest :%s", msg.Trailing())

		case irc.CmdQuit:
			return
		}
	}
}

// SendLine writes one raw protocol line to the client.
func (c *Client) SendLine(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.conn, format+"\r\n", args...)
}

// SendPrivmsg delivers channel or private text from a scripted bot.
func (c *Client) SendPrivmsg(from, target, text string) {
	c.SendLine(":%s!bot@irctest %s %s :%s", from, irc.CmdPrivmsg, target, text)
}

// SendOffer delivers a CTCP DCC SEND from a scripted bot.
func (c *Client) SendOffer(from, payload string) {
	c.SendLine(":%s!bot@irctest %s %s :\x01%s\x01", from, irc.CmdPrivmsg, c.Nick, payload)
}

// SendPing sends a server-side keep-alive probe.
func (c *Client) SendPing(token string) {
	c.SendLine("%s :%s", irc.CmdPing, token)
}

// OfferPayload formats a DCC SEND payload for a loopback transfer endpoint.
func OfferPayload(filename string, addr net.Addr, size int64) string {
	tcp := addr.(*net.TCPAddr)
	ip := tcp.IP.To4()

	ipInt := uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])

	payload := fmt.Sprintf("DCC SEND %s %d %d", filename, ipInt, tcp.Port)
	if size > 0 {
		payload += fmt.Sprintf(" %d", size)
	}

	return payload
}

// ServeFile listens on a loopback port and sends content to the first
// connection, draining acks, then closes. Returns the listener address.
func ServeFile(t *testing.T, content []byte) net.Addr {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("irctest file listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		go func() {
			// Drain cumulative acks so the client's writes never block.
			buf := make([]byte, 64)
			for {
				if _, err := conn.Read(buf); err != nil {
					return
				}
			}
		}()

		conn.Write(content)
	}()

	return ln.Addr()
}

// Trigger returns true when text looks like the given command invocation.
func Trigger(text, command string) (string, bool) {
	if !strings.HasPrefix(text, command+" ") {
		return "", false
	}
	return strings.TrimPrefix(text, command+" "), true
}
