// Package dcc implements the DCC SEND side of the chat network's
// peer-to-peer transfer extension: offer parsing and the binary
// receive loop with its cumulative acknowledgement protocol.
package dcc

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/bookdash/bookdash/internal/errors"
)

// minOfferTokens is the smallest valid payload: DCC SEND <file> <ip> <port>.
const minOfferTokens = 5

// Offer is a validated peer-transfer offer. Derived once per accepted
// offer and never mutated.
type Offer struct {
	Filename string
	// Host is the sender's IPv4 address in dotted-quad form.
	Host string
	Port int
	// Size is the declared transfer size in bytes; 0 means the sender did
	// not declare one.
	Size int64
	// Sender is the offering nick.
	Sender string
}

// Addr returns the host:port dial target for the transfer socket.
func (o Offer) Addr() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// ParseOffer decodes a CTCP DCC SEND payload of the form
//
//	DCC SEND <filename> <ip-uint32> <port> [<size>]
//
// tokenized on whitespace. A quoted filename has its quotes stripped. The
// IP token is a 32-bit unsigned integer in network byte order. When
// maxBytes is positive, a declared size above it is rejected before any
// socket is opened.
func ParseOffer(sender, payload string, maxBytes int64) (Offer, error) {
	parts := strings.Fields(payload)
	if len(parts) < minOfferTokens {
		return Offer{}, errors.NewProtocolError(fmt.Errorf("offer has %d tokens, want at least %d", len(parts), minOfferTokens), payload)
	}

	filename := strings.Trim(parts[2], `"`)

	ipRaw, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return Offer{}, errors.NewProtocolError(fmt.Errorf("bad ip token %q: %w", parts[3], err), payload)
	}

	var ip [4]byte
	binary.BigEndian.PutUint32(ip[:], uint32(ipRaw))
	host := netip.AddrFrom4(ip).String()

	port, err := strconv.Atoi(parts[4])
	if err != nil || port < 0 || port > 65535 {
		return Offer{}, errors.NewProtocolError(fmt.Errorf("bad port token %q", parts[4]), payload)
	}

	var size int64
	if len(parts) > minOfferTokens {
		size, err = strconv.ParseInt(parts[5], 10, 64)
		if err != nil || size < 0 {
			return Offer{}, errors.NewProtocolError(fmt.Errorf("bad size token %q", parts[5]), payload)
		}
	}

	if maxBytes > 0 && size > maxBytes {
		return Offer{}, errors.NewPolicyError(fmt.Errorf("declared size %d exceeds ceiling %d", size, maxBytes), filename)
	}

	return Offer{
		Filename: filename,
		Host:     host,
		Port:     port,
		Size:     size,
		Sender:   sender,
	}, nil
}

// IsOfferPayload reports whether a CTCP payload looks like a transfer offer.
func IsOfferPayload(payload string) bool {
	return strings.HasPrefix(strings.ToUpper(payload), "DCC SEND")
}
