package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies provider failures into the retry taxonomy.
type ErrorKind string

const (
	// KindRateLimited is a 429 — transient, counts toward breaker failures.
	KindRateLimited ErrorKind = "rate_limited"
	// KindAuth is a credential failure — permanent.
	KindAuth ErrorKind = "auth"
	// KindTransient is a network error or 5xx — retried once.
	KindTransient ErrorKind = "transient"
	// KindInvalidRequest is a 4xx (bad model, malformed input) — permanent.
	KindInvalidRequest ErrorKind = "invalid_request"
	// KindUnknown is anything unclassified — treated as permanent.
	KindUnknown ErrorKind = "unknown"
)

// Error is a typed provider failure.
type Error struct {
	Kind     ErrorKind
	Provider string
	Message  string
	Err      error
}

// Error returns the formatted error message.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a typed provider error.
func NewError(kind ErrorKind, provider, message string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message, Err: err}
}

// KindOf extracts the error kind, defaulting to unknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTransient reports whether the error may succeed on retry.
// Rate limits and network/5xx failures are transient; auth and invalid
// requests are not.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindTransient:
		return true
	default:
		return false
	}
}

// classifyStatus maps an HTTP status code to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == 429:
		return KindRateLimited
	case status == 401 || status == 403:
		return KindAuth
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindInvalidRequest
	default:
		return KindUnknown
	}
}

// classifyErr maps a non-HTTP error (network, timeout) to an error kind.
func classifyErr(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "connection reset", "timeout", "temporarily unavailable", "eof"} {
		if strings.Contains(msg, marker) {
			return KindTransient
		}
	}
	return KindUnknown
}
