// Package drive provides an HTTP client for the Google Drive API
// with automatic retry, error classification, and OAuth2 login flows.
package drive

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, drive.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("drive: bad request")
	ErrUnauthorized = errors.New("drive: unauthorized")
	ErrForbidden    = errors.New("drive: forbidden")
	ErrNotFound     = errors.New("drive: not found")
	ErrRateLimited  = errors.New("drive: rate limited")
	ErrServerError  = errors.New("drive: server error")
)

// ErrNotLoggedIn is returned when no saved token exists. The CLI maps this
// to a "run 'drivesync login' first" message.
var ErrNotLoggedIn = errors.New("drive: not logged in")

// APIError wraps a sentinel error with HTTP status code, the API error
// reason, and the message body for debugging.
type APIError struct {
	StatusCode int
	Reason     string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("drive: HTTP %d (%s): %s", e.StatusCode, e.Reason, e.Message)
	}

	return fmt.Sprintf("drive: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// errorBody mirrors the Drive API error envelope:
//
//	{"error": {"errors": [{"reason": "...", "message": "..."}], "code": 403, "message": "..."}}
type errorBody struct {
	Error struct {
		Errors []struct {
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"errors"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// parseErrorReason extracts the first error reason from a Drive API error
// response body. Returns empty strings if the body is not the standard
// error envelope.
func parseErrorReason(body []byte) (reason, message string) {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return "", ""
	}

	message = eb.Error.Message
	if len(eb.Error.Errors) > 0 {
		reason = eb.Error.Errors[0].Reason
	}

	return reason, message
}

// rateLimitReasons are 403 reasons that signal quota exhaustion rather than
// a real permission problem. The API hands these out under load; they must
// be retried with backoff, not surfaced as forbidden.
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
}

// classifyStatus maps an HTTP status code and API reason to a sentinel
// error. Returns nil for 2xx success codes.
func classifyStatus(code int, reason string) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		if rateLimitReasons[reason] {
			return ErrRateLimited
		}

		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether a response with the given status code and
// API reason should be retried.
func isRetryable(code int, reason string) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	case http.StatusForbidden:
		return rateLimitReasons[reason]
	default:
		return false
	}
}
