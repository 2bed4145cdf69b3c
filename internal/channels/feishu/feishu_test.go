package feishu

import (
	"errors"
	"testing"

	"github.com/clawgate/clawgate/internal/resilience"
)

func TestResolverLooksLikeID(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{"ou_7d8a6e6df7621556ce0d21922b676706ccs", true},
		{"oc_a0553eda9014c201e6969b478895c230", true},
		{"  oc_a0553eda9014c201e6969b478895c230  ", true},
		{"om_dc13264520392913993dd051dba21dcf", false},
		{"@someone", false},
		{"123456789", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := (Resolver{}).LooksLikeID(tt.raw); got != tt.want {
			t.Errorf("LooksLikeID(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestResolverNormalizeTarget(t *testing.T) {
	if got, ok := (Resolver{}).NormalizeTarget("  ou_abc123  "); !ok || got != "ou_abc123" {
		t.Fatalf("NormalizeTarget = %q, %v", got, ok)
	}
	if _, ok := (Resolver{}).NormalizeTarget("not-an-id"); ok {
		t.Fatal("expected normalization to fail for non-feishu target")
	}
}

func TestReceiveIDTypeFor(t *testing.T) {
	tests := []struct {
		target  string
		want    string
		wantErr bool
	}{
		{"oc_a0553eda9014c201e6969b478895c230", "chat_id", false},
		{"ou_7d8a6e6df7621556ce0d219", "open_id", false},
		{"bogus", "", true},
	}
	for _, tt := range tests {
		got, err := receiveIDTypeFor(tt.target)
		if tt.wantErr {
			if err == nil {
				t.Errorf("receiveIDTypeFor(%q): expected error", tt.target)
			}
			var verr *resilience.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("receiveIDTypeFor(%q): error is not a ValidationError: %v", tt.target, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("receiveIDTypeFor(%q): %v", tt.target, err)
			continue
		}
		if got != tt.want {
			t.Errorf("receiveIDTypeFor(%q) = %q, want %q", tt.target, got, tt.want)
		}
	}
}

func TestAPIErrorClassification(t *testing.T) {
	tests := []struct {
		code      int
		retryable bool
	}{
		{99991400, true}, // rate limited -> 429
		{99991663, false},
		{500, true},
		{230001, false},
	}
	for _, tt := range tests {
		err := apiError(tt.code, "test")
		if got := resilience.DefaultClassifier(err); got != tt.retryable {
			t.Errorf("apiError(%d): retryable = %v, want %v", tt.code, got, tt.retryable)
		}
	}
}
