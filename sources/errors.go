package sources

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// BackendError wraps a failure from a single backend with enough
// context for the resolver to decide whether to retry.
type BackendError struct {
	Backend string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// TimeoutError signals that a backend call exceeded its deadline.
// Retryable within the same backend.
type TimeoutError struct {
	Backend string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Backend, e.Elapsed)
}

// ProtocolError signals a malformed or unexpected upstream response.
// The backend is skipped for the rest of the call, no retries.
type ProtocolError struct {
	Backend string
	Detail  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s returned a malformed response: %s", e.Backend, e.Detail)
}

// UnavailableError signals a transport-level failure (connection
// refused, DNS, 5xx). Retryable within the same backend.
type UnavailableError struct {
	Backend string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Backend, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// NoResultsError is returned when every enabled backend, including
// the corrected-query pass, produced nothing.
type NoResultsError struct {
	Query string
	Tried []string
}

func (e *NoResultsError) Error() string {
	if len(e.Tried) == 0 {
		return fmt.Sprintf("no results for %q (no enabled backends)", e.Query)
	}
	return fmt.Sprintf("no results for %q (tried: %s)", e.Query, strings.Join(e.Tried, ", "))
}

// ErrUnsupportedURL is returned when no backend claims a URL.
var ErrUnsupportedURL = errors.New("no backend accepts this URL")

// IsRetryable reports whether a backend failure is worth another
// attempt against the same backend.
func IsRetryable(err error) bool {
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return false
	}
	return true
}
