// Package logring keeps the most recent log lines in memory so the API can
// serve a live trace without touching the log file.
package logring

import (
	"bytes"
	"sync"
)

const DefaultLimit = 200

// Buffer is an io.Writer that retains the last N complete lines written to
// it. It imposes no back-pressure: writes always succeed.
type Buffer struct {
	mu      sync.Mutex
	lines   []string
	limit   int
	partial bytes.Buffer
}

// New creates a Buffer retaining up to limit lines.
func New(limit int) *Buffer {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Buffer{limit: limit}
}

// Write appends p, splitting on newlines. A trailing fragment without a
// newline is held until completed by a later write.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		idx := bytes.IndexByte(b.partial.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(b.partial.Next(idx + 1))
		b.append(line[:len(line)-1])
	}

	return len(p), nil
}

func (b *Buffer) append(line string) {
	b.lines = append(b.lines, line)
	if len(b.lines) > b.limit {
		b.lines = b.lines[len(b.lines)-b.limit:]
	}
}

// Lines returns a copy of the retained lines, oldest first.
func (b *Buffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, len(b.lines))
	copy(out, b.lines)

	return out
}

// Clear drops all retained lines.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines = nil
	b.partial.Reset()
}
