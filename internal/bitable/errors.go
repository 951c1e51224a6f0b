// Package bitable provides an HTTP client for the upstream
// multi-dimensional table service: tenant token acquisition, paginated
// record listing, attachment URL resolution, and error classification.
package bitable

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for classifying upstream failures. Use
// errors.Is(err, bitable.ErrThrottled) to check.
var (
	ErrBadRequest   = errors.New("bitable: bad request")
	ErrAuthExpired  = errors.New("bitable: access token expired")
	ErrForbidden    = errors.New("bitable: forbidden")
	ErrNotFound     = errors.New("bitable: not found")
	ErrThrottled    = errors.New("bitable: throttled")
	ErrServerError  = errors.New("bitable: server error")
	ErrURLExpired   = errors.New("bitable: signed download url expired")
	ErrUnauthorized = errors.New("bitable: unauthorized")
)

// Vendor error codes that signal an expired tenant token. The HTTP status
// for these is 400 or 401 depending on endpoint, so classification keys
// on the code, not the status.
const (
	codeTokenExpired  = 99991663
	codeTokenInvalid  = 99991661
	codeRateLimited   = 99991400
	codeRecordMissing = 1254043
)

// APIError wraps a sentinel with the HTTP status, vendor code, and message
// body returned by the upstream service.
type APIError struct {
	StatusCode int
	Code       int // vendor error code from the response envelope
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("bitable: HTTP %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}

	return fmt.Sprintf("bitable: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classify maps an HTTP status and vendor code to a sentinel error.
// Returns nil for success responses.
func classify(status, code int) error {
	switch code {
	case codeTokenExpired, codeTokenInvalid:
		return ErrAuthExpired
	case codeRateLimited:
		return ErrThrottled
	case codeRecordMissing:
		return ErrNotFound
	}

	switch status {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if status >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// IsRetryable reports whether the error is a transient upstream failure
// that should be retried with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrServerError)
}

// IsAuthExpired reports whether the error indicates an expired tenant
// token that a single silent refresh can repair.
func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrUnauthorized)
}
