// Package results turns raw bot reply text into structured search results.
package results

import (
	"bytes"
	"io"
	"log/slog"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Result is one parsed search hit. Immutable once constructed; results keep
// the order they were first seen in the reply stream.
type Result struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Author      string `json:"author,omitempty"`
	Description string `json:"description,omitempty"`
	// Bot is the nick the line came from, when known.
	Bot string `json:"bot,omitempty"`
	// SizeBytes is the advertised size, when the bot includes one.
	SizeBytes int64 `json:"size_bytes,omitempty"`
}

var zipMagic = []byte("PK\x03\x04")

// textExtensions marks archive members worth parsing as reply text.
var textExtensions = map[string]bool{".txt": true}

// ParseLine applies the reply-line heuristic: a leading run of digits is
// the result identifier and the text up to (not including) the first '|'
// is the title. The full line is kept verbatim as the description. Lines
// with no leading digits yield no result.
func ParseLine(line string) (Result, bool) {
	trimmed := strings.TrimSpace(line)

	i := 0
	for i < len(trimmed) && trimmed[i] >= '0' && trimmed[i] <= '9' {
		i++
	}
	if i == 0 {
		return Result{}, false
	}

	id := trimmed[:i]

	rest := trimmed[i:]
	title := rest
	if idx := strings.IndexByte(rest, '|'); idx >= 0 {
		title = rest[:idx]
	}
	title = strings.TrimLeft(title, " ")

	return Result{
		ID:          id,
		Title:       title,
		Description: trimmed,
	}, true
}

// ParseText parses every line of text, in order, without deduplication.
func ParseText(text string) []Result {
	var out []Result
	for _, line := range strings.Split(text, "\n") {
		if r, ok := ParseLine(line); ok {
			out = append(out, r)
		}
	}
	return out
}

// ParsePayload parses a downloaded results blob. A blob whose leading bytes
// match the zip signature is opened as an archive and only members with a
// text extension are parsed (concatenated in archive order); anything else
// is decoded as single-byte-per-character text in full.
func ParsePayload(blob []byte) []Result {
	if !bytes.HasPrefix(blob, zipMagic) {
		return ParseText(decodeLatin1(blob))
	}

	r, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		slog.Warn("results payload has zip signature but does not open", "error", err)
		return ParseText(decodeLatin1(blob))
	}

	var out []Result
	for _, f := range r.File {
		name := strings.ToLower(f.Name)
		if !textExtensions[ext(name)] {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			slog.Warn("results payload member does not open", "member", f.Name, "error", err)
			continue
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			slog.Warn("results payload member read failed", "member", f.Name, "error", err)
			continue
		}

		out = append(out, ParseText(decodeLatin1(data))...)
	}

	return out
}

func ext(name string) string {
	if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
		return name[idx:]
	}
	return ""
}

// decodeLatin1 maps each byte to the rune with the same value, so reply
// files in legacy encodings never fail to decode.
func decodeLatin1(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return sb.String()
}
