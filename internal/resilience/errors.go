// Package resilience provides the error taxonomy, retryable-error
// classification, and retry-with-backoff used around provider calls.
package resilience

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError indicates bad parameters or an unresolvable target.
// It is never retried.
type ValidationError struct {
	Message string
	Hint    string
}

func (e *ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Hint)
	}
	return e.Message
}

// NotFoundError indicates an unknown channel or account.
type NotFoundError struct {
	Kind string // "channel", "account", "method"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// TransientNetworkError wraps a provider failure the classifier judged
// retryable. Attempts records how many tries were made before giving up.
type TransientNetworkError struct {
	Attempts int
	Err      error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient failure after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// FatalProviderError indicates an auth/permission or otherwise
// non-retryable provider failure. It surfaces immediately.
type FatalProviderError struct {
	Channel string
	Err     error
}

func (e *FatalProviderError) Error() string {
	return fmt.Sprintf("provider error on %s: %v", e.Channel, e.Err)
}

func (e *FatalProviderError) Unwrap() error { return e.Err }

// TimeoutError indicates a boundary (handshake, request, shutdown)
// exceeded its deadline. It is not retried transparently.
type TimeoutError struct {
	Boundary string
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out: %v", e.Boundary, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// SecurityError indicates a signature or token mismatch. The compared
// secret is never included in the message.
type SecurityError struct {
	Message string
}

func (e *SecurityError) Error() string { return e.Message }

// StatusError carries an HTTP status code from a provider response.
// Channel adapters normalize their SDK error shapes into this type so
// the classifier has one place to look.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}

// RateLimitError indicates the caller exceeded a local send budget.
// It is rejected before any provider attempt and is not retried.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry in %s", e.Key, e.RetryAfter.Round(time.Millisecond))
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRateLimited reports whether err is a RateLimitError.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
