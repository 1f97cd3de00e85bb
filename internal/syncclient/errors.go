package syncclient

import (
	"fmt"
	"time"
)

type Code string

const (
	CodeTransport      Code = "transport"
	CodeServerError    Code = "server_error"
	CodeRateLimited    Code = "rate_limited"
	CodeClientError    Code = "client_error"
	CodeUnauthorized   Code = "unauthorized"
	CodeRetryExhausted Code = "retry_exhausted"
	CodeInvalidRequest Code = "invalid_request"
)

// Error is the normalized terminal error shape handed to effect handlers.
// Callers never see the raw transport error.
type Error struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Status    int            `json:"status,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("sync %s (status %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("sync %s: %s", e.Code, e.Message)
}

func newError(code Code, status int, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
}

// Normalize converts an arbitrary error into the terminal error shape.
// Already-normalized errors pass through unchanged.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	if normalized, ok := err.(*Error); ok {
		return normalized
	}
	return newError(CodeTransport, 0, err.Error())
}

func codeForStatus(status int) Code {
	switch {
	case status == 401:
		return CodeUnauthorized
	case status == 429:
		return CodeRateLimited
	case status >= 500:
		return CodeServerError
	default:
		return CodeClientError
	}
}

func retryableStatus(status int) bool {
	return status >= 500 || status == 429
}
