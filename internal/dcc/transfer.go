package dcc

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/bookdash/bookdash/internal/errors"
)

const (
	// DefaultConnectTimeout bounds the TCP connect to the offering peer.
	DefaultConnectTimeout = 60 * time.Second
	// readIdleTimeout bounds how long a transfer may sit with no bytes
	// arriving before it is considered dead.
	readIdleTimeout = 60 * time.Second

	chunkSize = 4096
)

// Receive connects to the offered endpoint and streams the transfer into
// destPath, creating parent directories as needed. After each chunk a
// 4-byte big-endian cumulative byte count is written back on the same
// socket; the flow-control convention requires it, but a failed ack write
// is logged and does not abort the transfer.
//
// The transfer completes when the declared size has arrived, or on EOF when
// no size was declared. Any socket error before the declared size is
// reached fails with a transfer-category error; the partial file is left in
// place for the caller to inspect. The destination file exists, possibly
// empty, even on failure.
func Receive(offer Offer, destPath string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, errors.NewIOError(err, destPath)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return 0, errors.NewIOError(err, destPath)
	}
	defer out.Close()

	conn, err := net.DialTimeout("tcp", offer.Addr(), DefaultConnectTimeout)
	if err != nil {
		return 0, errors.NewTransferError(err, offer.Addr())
	}
	defer conn.Close()

	slog.Info("transfer socket established", "peer", offer.Addr(), "file", offer.Filename, "size", offer.Size)

	var (
		total     int64
		remaining = offer.Size
		buf       = make([]byte, chunkSize)
		ack       [4]byte
	)

	start := time.Now()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readIdleTimeout)); err != nil {
			return total, errors.NewTransferError(err, offer.Addr())
		}

		n, readErr := conn.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return total, errors.NewIOError(err, destPath)
			}
			total += int64(n)

			binary.BigEndian.PutUint32(ack[:], uint32(total))
			if _, err := conn.Write(ack[:]); err != nil {
				slog.Warn("transfer ack send failed", "peer", offer.Addr(), "received", total, "error", err)
			}

			if offer.Size > 0 {
				remaining -= int64(n)
				if remaining <= 0 {
					slog.Info("transfer reached declared size", "peer", offer.Addr(), "bytes", total, "elapsed", time.Since(start))
					return total, nil
				}
			}
		}

		if readErr != nil {
			if readErr == io.EOF && offer.Size == 0 {
				slog.Info("transfer ended at EOF", "peer", offer.Addr(), "bytes", total, "elapsed", time.Since(start))
				return total, nil
			}
			slog.Error("transfer socket failed", "peer", offer.Addr(), "received", total, "error", readErr)
			return total, errors.NewTransferError(readErr, offer.Addr())
		}
	}
}

// Probe checks that the offered endpoint accepts a TCP connection. Used as
// a cheap liveness hint before committing to a transfer; a failed probe is
// advisory, not fatal.
func Probe(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
