// Package irc implements the subset of the IRC client protocol needed to
// register, join a channel, exchange messages, and receive CTCP notices.
package irc

import (
	"errors"
	"strings"
)

// Reply codes and commands this client reacts to.
const (
	RplWelcome       = "001"
	ErrNicknameInUse = "433"

	CmdPing    = "PING"
	CmdPong    = "PONG"
	CmdJoin    = "JOIN"
	CmdPrivmsg = "PRIVMSG"
	CmdNotice  = "NOTICE"
	CmdNick    = "NICK"
	CmdUser    = "USER"
	CmdQuit    = "QUIT"
	CmdError   = "ERROR"
)

const ctcpDelim = "\x01"

// ErrEmptyMessage indicates a blank protocol line.
var ErrEmptyMessage = errors.New("empty message")

// Message is a single parsed IRC protocol line.
type Message struct {
	// Prefix is the message source without the leading colon, typically
	// nick!user@host for user-originated messages.
	Prefix  string
	Command string
	Params  []string
}

// ParseMessage parses a raw protocol line (without trailing CRLF).
func ParseMessage(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return Message{}, ErrEmptyMessage
	}

	var msg Message

	if strings.HasPrefix(line, ":") {
		idx := strings.IndexByte(line, ' ')
		if idx < 0 {
			return Message{}, errors.New("message has prefix but no command")
		}
		msg.Prefix = line[1:idx]
		line = line[idx+1:]
	}

	// Everything after " :" is a single trailing parameter.
	var trailing string
	hasTrailing := false
	if idx := strings.Index(line, " :"); idx >= 0 {
		trailing = line[idx+2:]
		line = line[:idx]
		hasTrailing = true
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Message{}, errors.New("message has no command")
	}

	msg.Command = strings.ToUpper(fields[0])
	msg.Params = fields[1:]
	if hasTrailing {
		msg.Params = append(msg.Params, trailing)
	}

	return msg, nil
}

// Nick returns the nickname portion of the prefix.
func (m Message) Nick() string {
	if idx := strings.IndexByte(m.Prefix, '!'); idx >= 0 {
		return m.Prefix[:idx]
	}
	return m.Prefix
}

// Trailing returns the last parameter, or "" when there is none.
func (m Message) Trailing() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[len(m.Params)-1]
}

// CTCP extracts a CTCP payload from a PRIVMSG or NOTICE. The payload is the
// text between the 0x01 delimiters, e.g. "DCC SEND file 3232235521 4000".
func (m Message) CTCP() (string, bool) {
	if m.Command != CmdPrivmsg && m.Command != CmdNotice {
		return "", false
	}

	text := m.Trailing()
	if !strings.HasPrefix(text, ctcpDelim) {
		return "", false
	}

	payload := strings.TrimPrefix(text, ctcpDelim)
	payload = strings.TrimSuffix(payload, ctcpDelim)
	if payload == "" {
		return "", false
	}

	return payload, true
}
