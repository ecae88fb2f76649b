package upstream

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrServiceUnavailable marks transport-level failures reaching the
// upstream: timeout, connection refused, DNS. Match with errors.Is.
var ErrServiceUnavailable = errors.New("upstream: service unavailable")

// Error is an upstream failure relayed verbatim. StatusCode and Message
// mirror the upstream response unchanged so clients can tell an outage
// from a permission failure.
type Error struct {
	StatusCode int
	Message    string

	cause error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("upstream: %d %s", e.StatusCode, e.Message)
}

// Unwrap exposes the transport cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// transportError wraps a transport-level failure as a generic 503. The
// upstream never responded, so there is no status to relay.
func transportError(err error) *Error {
	return &Error{
		StatusCode: http.StatusServiceUnavailable,
		Message:    http.StatusText(http.StatusServiceUnavailable),
		cause:      fmt.Errorf("%w: %v", ErrServiceUnavailable, err),
	}
}
