package resilience

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
)

// Classifier decides whether an error is worth retrying. Each channel
// may install its own; DefaultClassifier covers the common provider
// failure shapes.
type Classifier func(err error) bool

// Retryable HTTP status codes. 409 is included because several
// providers return it for concurrent-update races that resolve on a
// second attempt.
var retryableStatusCodes = map[int]bool{
	408: true,
	409: true,
	425: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

var transientKeywords = []string{
	"rate limit",
	"timeout",
	"timed out",
	"connect",
	"reset",
	"closed",
	"unavailable",
	"temporary",
	"socket hang up",
	"network",
}

// DefaultClassifier reports whether err looks transient. Order matters:
// cancellation is never retryable regardless of what the message says.
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return retryableStatusCodes[se.StatusCode]
	}

	if isTransientSyscall(err) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range transientKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

func isTransientSyscall(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	return false
}
