package resilience

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestDefaultClassifierStatusCodes(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{408, true},
		{409, true},
		{425, true},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
		{504, true},
		{400, false},
		{401, false},
		{403, false},
		{404, false},
	}
	for _, tc := range tests {
		err := &StatusError{StatusCode: tc.code, Body: "x"}
		if got := DefaultClassifier(err); got != tc.want {
			t.Errorf("DefaultClassifier(status %d) = %v; want %v", tc.code, got, tc.want)
		}
	}
}

func TestDefaultClassifierCancellationWins(t *testing.T) {
	// Message text would match transient keywords, but cancellation is
	// checked first and is never retryable.
	err := fmt.Errorf("rate limit while waiting: %w", context.Canceled)
	if DefaultClassifier(err) {
		t.Error("cancelled error classified retryable")
	}
	if DefaultClassifier(context.DeadlineExceeded) {
		t.Error("deadline-exceeded classified retryable")
	}
}

func TestDefaultClassifierTransientShapes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"conn reset", syscall.ECONNRESET, true},
		{"conn refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"broken pipe", syscall.EPIPE, true},
		{"keyword rate limit", errors.New("Rate Limit exceeded, slow down"), true},
		{"keyword hang up", errors.New("socket hang up"), true},
		{"keyword unavailable", errors.New("service Unavailable"), true},
		{"plain failure", errors.New("invalid bot token"), false},
	}
	for _, tc := range tests {
		if got := DefaultClassifier(tc.err); got != tc.want {
			t.Errorf("%s: DefaultClassifier = %v; want %v", tc.name, got, tc.want)
		}
	}
}
