package apicore

import (
	"context"
	"errors"
	"fmt"
)

// ErrorType classifies a terminal failure surfaced by the client.
type ErrorType string

const (
	// TypeNetwork means no HTTP response was received (connection failure,
	// DNS error, reset). Always retryable.
	TypeNetwork ErrorType = "Network"
	// TypeTimeout means the per-attempt timeout elapsed before a response
	// arrived. Treated as a network-class failure and retryable.
	TypeTimeout ErrorType = "Timeout"
	// TypeServer means an allow-listed transient server status was received.
	TypeServer ErrorType = "Server"
	// TypeClient means a non-retryable 4xx status was received.
	TypeClient ErrorType = "Client"
	// TypeCancelled means the request was superseded by a duplicate or
	// cancelled explicitly. Never retried.
	TypeCancelled ErrorType = "Cancelled"
	// TypeValidation means the request was rejected locally before dispatch
	// (malformed batch entry, missing upload file, bad configuration).
	TypeValidation ErrorType = "Validation"
	// TypeRateLimited means the local token bucket denied the request.
	TypeRateLimited ErrorType = "RateLimit"
	// TypeCircuitOpen means the circuit breaker rejected the request.
	TypeCircuitOpen ErrorType = "CircuitOpen"
)

// Sentinel errors for errors.Is checks.
var (
	// ErrSuperseded is the cancellation cause when a newer request with the
	// same key replaces a pending one.
	ErrSuperseded = errors.New("apicore: superseded by duplicate request")

	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("apicore: circuit open")

	// ErrRateLimited is returned when a request is denied by the rate limiter.
	ErrRateLimited = errors.New("apicore: rate limited")

	// ErrNoFile is returned by Upload when no file content is supplied.
	ErrNoFile = errors.New("apicore: no file supplied")
)

// Error is the normalized shape every terminal failure takes before crossing
// the public boundary, regardless of origin (network, HTTP status, local
// validation).
type Error struct {
	Type      ErrorType
	Message   string
	Status    int
	Attempts  int
	RequestID string
	Method    string
	URL       string
	Cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Attempts > 1 {
		msg = fmt.Sprintf("%s (after %d attempts)", msg, e.Attempts)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches errors of the same Type for errors.Is.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*Error); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// IsCancelled reports whether err represents a superseded or explicitly
// cancelled request.
func IsCancelled(err error) bool {
	if errors.Is(err, ErrSuperseded) || errors.Is(err, context.Canceled) {
		return true
	}
	var e *Error
	return errors.As(err, &e) && e.Type == TypeCancelled
}

// RetryableStatus reports whether an HTTP status code represents a transient
// server or gateway condition worth retrying.
func RetryableStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504, 507, 509:
		return true
	}
	return code >= 520 && code <= 524
}

// DefaultRetryPredicate retries network-class failures (no response received,
// timeouts) and the allow-listed transient HTTP statuses. Cancellations,
// local validation failures and other 4xx/5xx statuses are permanent.
func DefaultRetryPredicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrSuperseded) {
		return false
	}

	var e *Error
	if errors.As(err, &e) {
		switch e.Type {
		case TypeNetwork, TypeTimeout:
			return true
		case TypeCancelled, TypeValidation, TypeRateLimited, TypeCircuitOpen:
			return false
		}
		if e.Status > 0 {
			return RetryableStatus(e.Status)
		}
		return true
	}

	// Raw transport errors carry no response: network-class, retryable.
	return true
}
