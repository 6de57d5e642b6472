package dcc_test

import (
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookdash/bookdash/internal/dcc"
	"github.com/bookdash/bookdash/internal/errors"
)

// serveTransfer listens on a loopback port and runs script against the
// first accepted connection. It returns the offer endpoint.
func serveTransfer(t *testing.T, script func(conn net.Conn)) (host string, port int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}()

	addr := ln.Addr().(*net.TCPAddr)

	return addr.IP.String(), addr.Port
}

func readAck(t *testing.T, conn net.Conn) uint32 {
	t.Helper()

	var buf [4]byte
	_, err := io.ReadFull(conn, buf[:])
	require.NoError(t, err)

	return binary.BigEndian.Uint32(buf[:])
}

func TestReceive_DeclaredSize(t *testing.T) {
	acks := make(chan uint32, 2)
	host, port := serveTransfer(t, func(conn net.Conn) {
		conn.Write([]byte("hel"))
		acks <- readAck(t, conn)
		conn.Write([]byte("lo"))
		acks <- readAck(t, conn)
	})

	dest := filepath.Join(t.TempDir(), "nested", "out.bin")
	offer := dcc.Offer{Filename: "out.bin", Host: host, Port: port, Size: 5, Sender: "bot"}

	total, err := dcc.Receive(offer, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))

	// Acks carry the cumulative byte count.
	assert.Equal(t, uint32(3), <-acks)
	assert.Equal(t, uint32(5), <-acks)
}

func TestReceive_UnknownSizeEndsAtEOF(t *testing.T) {
	host, port := serveTransfer(t, func(conn net.Conn) {
		conn.Write([]byte("payload without declared size"))
	})

	dest := filepath.Join(t.TempDir(), "out.bin")
	offer := dcc.Offer{Filename: "out.bin", Host: host, Port: port, Sender: "bot"}

	total, err := dcc.Receive(offer, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len("payload without declared size")), total)
}

func TestReceive_MidTransferFailure(t *testing.T) {
	host, port := serveTransfer(t, func(conn net.Conn) {
		conn.Write([]byte("part"))
		readAck(t, conn)
		// Close before the declared size is reached.
	})

	dest := filepath.Join(t.TempDir(), "out.bin")
	offer := dcc.Offer{Filename: "out.bin", Host: host, Port: port, Size: 100, Sender: "bot"}

	total, err := dcc.Receive(offer, dest)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryTransfer), "got %v", err)
	assert.Equal(t, int64(4), total)

	// The partial file is retained for inspection.
	content, readErr := os.ReadFile(dest)
	require.NoError(t, readErr)
	assert.Equal(t, "part", string(content))
}

func TestReceive_ConnectFailure(t *testing.T) {
	// Grab a port and close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	offer := dcc.Offer{Filename: "out.bin", Host: "127.0.0.1", Port: port, Size: 10, Sender: "bot"}

	_, err = dcc.Receive(offer, dest)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryTransfer))

	// The destination file exists even though nothing arrived.
	info, statErr := os.Stat(dest)
	require.NoError(t, statErr)
	assert.Zero(t, info.Size())
}

func TestProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	addr := ln.Addr().String()
	assert.True(t, dcc.Probe(addr, dcc.DefaultConnectTimeout))

	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)
	ln.Close()
	assert.False(t, dcc.Probe(net.JoinHostPort(host, strconv.Itoa(port)), dcc.DefaultConnectTimeout))
}
