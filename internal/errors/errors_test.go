package errors_test

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookdash/bookdash/internal/errors"
)

func TestFetchError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *errors.FetchError
		expected string
	}{
		{
			name:     "with resource",
			err:      errors.NewTransferError(stderrors.New("connection reset"), "198.51.100.7:4000"),
			expected: "[TRANSFER] 198.51.100.7:4000: connection reset",
		},
		{
			name:     "without resource",
			err:      errors.NewProtocolError(errors.ErrNoFiles, ""),
			expected: "[PROTOCOL] no files found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestFetchError_Unwrap(t *testing.T) {
	cause := stderrors.New("dial tcp: refused")
	err := errors.NewConnectionError(cause, "irc.example.net:6667")

	require.ErrorIs(t, err, cause)
}

func TestCategoryHelpers(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category errors.Category
	}{
		{"connection", errors.NewConnectionError(errors.ErrRetryExhausted, "x"), errors.CategoryConnection},
		{"protocol", errors.NewProtocolError(errors.ErrEmptyArtifact, "x"), errors.CategoryProtocol},
		{"policy", errors.NewPolicyError(stderrors.New("sender not allowed"), "x"), errors.CategoryPolicy},
		{"transfer", errors.NewTransferError(errors.ErrNoOffer, "x"), errors.CategoryTransfer},
		{"extraction", errors.NewExtractionError(stderrors.New("entry escapes root"), "x"), errors.CategoryExtraction},
		{"io", errors.NewIOError(stderrors.New("permission denied"), "x"), errors.CategoryIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.IsCategory(tt.err, tt.category))
			assert.Equal(t, tt.category, errors.GetCategory(tt.err))
		})
	}

	assert.Equal(t, errors.CategoryUnknown, errors.GetCategory(stderrors.New("plain")))
	assert.False(t, errors.IsCategory(nil, errors.CategoryTransfer))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, errors.IsRetryable(nil))
	assert.False(t, errors.IsRetryable(stderrors.New("plain")))
	assert.False(t, errors.IsRetryable(errors.NewTransferError(errors.ErrNoOffer, "x")))
}
