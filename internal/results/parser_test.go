package results_test

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookdash/bookdash/internal/results"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name  string
		line  string
		want  results.Result
		match bool
	}{
		{
			name: "id title and pipe",
			line: "12345 Some Title | extra",
			want: results.Result{
				ID:          "12345",
				Title:       "Some Title ",
				Description: "12345 Some Title | extra",
			},
			match: true,
		},
		{
			name: "no pipe takes whole rest",
			line: "7 The Odyssey",
			want: results.Result{
				ID:          "7",
				Title:       "The Odyssey",
				Description: "7 The Odyssey",
			},
			match: true,
		},
		{
			name:  "no leading digits",
			line:  "no id here",
			match: false,
		},
		{
			name:  "blank line",
			line:  "   ",
			match: false,
		},
		{
			name: "digits only",
			line: "99",
			want: results.Result{
				ID:          "99",
				Title:       "",
				Description: "99",
			},
			match: true,
		},
		{
			name: "leading whitespace trimmed before id",
			line: "  42 Answer | things",
			want: results.Result{
				ID:          "42",
				Title:       "Answer ",
				Description: "42 Answer | things",
			},
			match: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := results.ParseLine(tt.line)
			assert.Equal(t, tt.match, ok)
			if tt.match {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestParseText_OrderAndIdempotence(t *testing.T) {
	text := "100 First Book | epub\nskip me\n200 Second Book | pdf\n"

	first := results.ParseText(text)
	second := results.ParseText(text)

	require.Len(t, first, 2)
	assert.Equal(t, "100", first[0].ID)
	assert.Equal(t, "200", first[1].ID)
	assert.Equal(t, first, second)
}

func TestParsePayload_PlainText(t *testing.T) {
	blob := []byte("300 Caf\xe9 Stories | epub\n")

	got := results.ParsePayload(blob)
	require.Len(t, got, 1)
	assert.Equal(t, "300", got[0].ID)
	assert.Equal(t, "Café Stories ", got[0].Title)
}

func TestParsePayload_ZipArchive(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	w, err := zw.Create("SearchBot_results.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("400 Zipped Result | mobi\n401 Another | epub\n"))
	require.NoError(t, err)

	// Non-text members are ignored.
	w, err = zw.Create("banner.jpg")
	require.NoError(t, err)
	_, err = w.Write([]byte("500 not parsed"))
	require.NoError(t, err)

	require.NoError(t, zw.Close())

	got := results.ParsePayload(buf.Bytes())
	require.Len(t, got, 2)
	assert.Equal(t, "400", got[0].ID)
	assert.Equal(t, "401", got[1].ID)
}

func TestParsePayload_CorruptZipFallsBackToText(t *testing.T) {
	blob := []byte("PK\x03\x04 not actually a zip\n600 Rescued Line\n")

	got := results.ParsePayload(blob)
	require.Len(t, got, 1)
	assert.Equal(t, "600", got[0].ID)
}
