package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	Is     = errors.Is
	As     = errors.As
	New    = errors.New
	Unwrap = errors.Unwrap
)

type Category string

const (
	CategoryConnection Category = "CONNECTION" // registration/join timeout, connect failure, retry exhaustion
	CategoryProtocol   Category = "PROTOCOL"   // malformed offer, empty artifact, empty archive
	CategoryPolicy     Category = "POLICY"     // disallowed sender, size ceiling exceeded
	CategoryTransfer   Category = "TRANSFER"   // mid-transfer socket failure, no offer before deadline
	CategoryExtraction Category = "EXTRACTION" // archive entry escaping the extraction root
	CategoryIO         Category = "IO"         // file system issues
	CategoryUnknown    Category = "UNKNOWN"    // unclassified
)

// FetchError is the error type surfaced by every stage of the retrieval
// path. Category tells the caller which contract was violated; Resource
// names what was being worked on (server address, offer payload, file path).
type FetchError struct {
	Err       error
	Category  Category
	Retryable bool
	Timestamp time.Time
	Resource  string
}

func (e *FetchError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("[%s] %v", e.Category, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Resource, e.Err)
}

// Unwrap provides the underlying cause for error unwrapping (compatible with errors.As)
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Common sentinel errors
var (
	ErrNoOffer        = New("no transfer offered")
	ErrEmptyArtifact  = New("downloaded artifact is empty")
	ErrNoFiles        = New("no files found")
	ErrRetryExhausted = New("registration retries exhausted")
)

func newError(err error, category Category, resource string, retryable bool) *FetchError {
	return &FetchError{
		Err:       err,
		Category:  category,
		Retryable: retryable,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewConnectionError creates a connection-stage error. Connection failures
// other than a nickname collision are not retried automatically.
func NewConnectionError(err error, resource string) *FetchError {
	return newError(err, CategoryConnection, resource, false)
}

// NewProtocolError creates a protocol-violation error.
func NewProtocolError(err error, resource string) *FetchError {
	return newError(err, CategoryProtocol, resource, false)
}

// NewPolicyError creates a policy-rejection error. Policy rejections happen
// before any transfer socket opens, so there is never partial I/O behind one.
func NewPolicyError(err error, resource string) *FetchError {
	return newError(err, CategoryPolicy, resource, false)
}

// NewTransferError creates a transfer-stage error. The partial file, if any,
// is retained for the caller to inspect.
func NewTransferError(err error, resource string) *FetchError {
	return newError(err, CategoryTransfer, resource, false)
}

// NewExtractionError creates an extraction-stage error. The half-extracted
// scratch directory is left in place for diagnosis.
func NewExtractionError(err error, resource string) *FetchError {
	return newError(err, CategoryExtraction, resource, false)
}

// NewIOError creates an I/O related error
func NewIOError(err error, resource string) *FetchError {
	return newError(err, CategoryIO, resource, false)
}

// GetCategory extracts the category from an error.
func GetCategory(err error) Category {
	var fe *FetchError
	if As(err, &fe) {
		return fe.Category
	}
	return CategoryUnknown
}

// IsCategory reports whether err carries the given category.
func IsCategory(err error, category Category) bool {
	var fe *FetchError
	return As(err, &fe) && fe.Category == category
}

// IsRetryable determines if an error should be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var fe *FetchError
	if As(err, &fe) {
		return fe.Retryable
	}

	return false
}
