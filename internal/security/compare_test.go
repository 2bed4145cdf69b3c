package security

import "testing"

func TestTimingSafeEqual(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"", "", true},
		{"a", "a", true},
		{"a", "b", false},
		{"abc", "abc", true},
		{"abc", "abd", false},
		{"abc", "ab", false},
		{"", "x", false},
		{"x", "", false},
		{"deadbeef", "deadbeef", true},
	}
	for _, tc := range tests {
		if got := TimingSafeEqual(tc.a, tc.b); got != tc.want {
			t.Errorf("TimingSafeEqual(%q, %q) = %v; want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestVerifySignature(t *testing.T) {
	tests := []struct {
		name             string
		expected, actual string
		want             bool
	}{
		{"prefix on one side", "sha256=deadbeef", "deadbeef", true},
		{"prefix on both sides", "sha256=deadbeef", "sha256=deadbeef", true},
		{"mismatch", "sha256=deadbeef", "deadbeee", false},
		{"hex case folded", "sha256=DEADBEEF", "deadbeef", true},
		{"empty actual", "sha256=deadbeef", "", false},
	}
	for _, tc := range tests {
		if got := VerifySignature(tc.expected, tc.actual); got != tc.want {
			t.Errorf("%s: VerifySignature(%q, %q) = %v; want %v", tc.name, tc.expected, tc.actual, got, tc.want)
		}
	}
}

func TestNewSignatureVerifier(t *testing.T) {
	verify := NewSignatureVerifier("sha1")
	if !verify("sha1=cafe", "cafe") {
		t.Error("sha1 verifier rejected matching signature")
	}
	if verify("sha1=cafe", "beef") {
		t.Error("sha1 verifier accepted mismatched signature")
	}
}
