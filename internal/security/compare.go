// Package security provides the constant-time comparison primitives
// used for webhook signature and token verification, plus the rate
// limiters and auth guard for the gateway surface.
package security

import (
	"crypto/subtle"
	"strings"
)

// TimingSafeEqual compares two strings in constant time. When lengths
// differ it still burns a full comparison against a same-length dummy
// rather than returning early; a length-based short circuit is itself
// a timing leak.
func TimingSafeEqual(a, b string) bool {
	if len(a) == len(b) {
		return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
	}
	dummy := make([]byte, len(a))
	subtle.ConstantTimeCompare([]byte(a), dummy)
	return false
}

// VerifySignature compares two hex signatures in constant time,
// tolerating an optional "sha256=" style prefix and hex case on either
// side.
func VerifySignature(expected, actual string) bool {
	return verifyWithPrefix("sha256=", expected, actual)
}

// NewSignatureVerifier returns a verifier pre-bound to the
// "{algorithm}=" prefix, e.g. NewSignatureVerifier("sha1") accepts
// signatures prefixed with "sha1=".
func NewSignatureVerifier(algorithm string) func(expected, actual string) bool {
	prefix := algorithm + "="
	return func(expected, actual string) bool {
		return verifyWithPrefix(prefix, expected, actual)
	}
}

func verifyWithPrefix(prefix, expected, actual string) bool {
	prefix = strings.ToLower(prefix)
	e := strings.TrimPrefix(strings.ToLower(expected), prefix)
	a := strings.TrimPrefix(strings.ToLower(actual), prefix)
	return TimingSafeEqual(e, a)
}
