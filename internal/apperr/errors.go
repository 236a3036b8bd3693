// Package apperr holds the error taxonomy shared by every service. Errors are
// wrapped with detail via fmt.Errorf("%w: ...") and matched with errors.Is.
package apperr

import "errors"

var (
	// ErrInvalidRequest marks malformed or missing input. Not retryable without a client fix.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrForbidden marks ACL, membership or block failures.
	ErrForbidden = errors.New("forbidden")
	// ErrBusy is returned when a call participant is already engaged in another call.
	ErrBusy = errors.New("busy")
	// ErrRateLimited is transient; clients should back off and retry.
	ErrRateLimited = errors.New("rate limited")
	// ErrNotFound marks an absent room, call, message or device.
	ErrNotFound = errors.New("not found")
)

// Code returns the wire code for err, used in websocket error frames.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return "INVALID_REQUEST"
	case errors.Is(err, ErrForbidden):
		return "FORBIDDEN"
	case errors.Is(err, ErrBusy):
		return "BUSY"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	default:
		return "INTERNAL"
	}
}
