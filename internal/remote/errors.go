// Package remote provides the transport to the authoritative replica: a
// narrow push/pull contract, an HTTP reference client with retry and
// backoff, payload schema validation, and a websocket change notifier.
package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for transport failure classification.
// Use errors.Is(err, remote.ErrUnavailable) to check.
var (
	// ErrUnavailable is a transient transport failure: network unreachable,
	// timeout, or a 5xx from the remote. The scheduler retries the whole
	// cycle with backoff; pending entries are untouched.
	ErrUnavailable = errors.New("remote: unavailable")

	// ErrThrottled is a transient rate-limit response.
	ErrThrottled = errors.New("remote: throttled")

	// ErrRejected is a permanent application-level rejection (schema or
	// validation failure). The offending entry is marked failed; other
	// records keep draining.
	ErrRejected = errors.New("remote: payload rejected")

	// ErrBadRequest indicates a malformed request the remote will never
	// accept. Treated as permanent.
	ErrBadRequest = errors.New("remote: bad request")

	// ErrNotFound indicates the record or endpoint does not exist remotely.
	ErrNotFound = errors.New("remote: not found")
)

// TransportError wraps a sentinel error with the HTTP status code and the
// response body for debugging.
type TransportError struct {
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch {
	case code >= http.StatusOK && code < http.StatusMultipleChoices:
		return nil
	case code == http.StatusTooManyRequests:
		return ErrThrottled
	case code == http.StatusBadRequest:
		return ErrBadRequest
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusUnprocessableEntity:
		return ErrRejected
	case code >= http.StatusInternalServerError:
		return ErrUnavailable
	default:
		return ErrBadRequest
	}
}

// IsTransient reports whether the error is worth retrying: the failure is
// in the transport, not in the payload. Transient failures abandon the
// cycle and surface only as a backoff status flag, never as a hard error
// to the application.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrThrottled)
}

// isRetryableStatus reports whether an HTTP status merits an in-request
// retry before the scheduler-level backoff takes over.
func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout ||
		code == http.StatusInternalServerError
}
