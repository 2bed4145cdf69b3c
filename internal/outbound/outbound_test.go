package outbound

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clawgate/clawgate/internal/channels/registry"
	"github.com/clawgate/clawgate/internal/resilience"
	"github.com/clawgate/clawgate/internal/security"
	"github.com/clawgate/clawgate/pkg/pluginsdk"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSender struct {
	mu        sync.Mutex
	prepared  []pluginsdk.MessageContext
	textSends int
	mediaSend int
	failWith  error
	failTimes int
}

func (f *fakeSender) PrepareMessage(_ context.Context, mctx pluginsdk.MessageContext) (pluginsdk.MessageContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared = append(f.prepared, mctx)
	return mctx, nil
}

func (f *fakeSender) SendText(context.Context, pluginsdk.MessageContext) (pluginsdk.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.textSends++
	if f.failTimes > 0 {
		f.failTimes--
		return pluginsdk.SendResult{}, f.failWith
	}
	return pluginsdk.SendResult{MessageID: "msg-1"}, nil
}

func (f *fakeSender) SendMedia(context.Context, pluginsdk.MessageContext) (pluginsdk.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mediaSend++
	return pluginsdk.SendResult{MessageID: "media-1"}, nil
}

type fakeResolver struct {
	prefix string
}

func (r *fakeResolver) LooksLikeID(raw string) bool { return strings.HasPrefix(raw, r.prefix) }
func (r *fakeResolver) NormalizeTarget(raw string) (string, bool) {
	return strings.ToLower(raw), true
}
func (r *fakeResolver) Hint() string { return "targets must start with " + r.prefix }

type fakeStore struct {
	mu       sync.Mutex
	recorded []string
}

func (s *fakeStore) RecordSession(_ context.Context, key, channel, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, key)
	return nil
}

func newPipeline(t *testing.T, plugins ...*pluginsdk.Plugin) (*Pipeline, *fakeStore) {
	t.Helper()
	b := registry.NewBuilder(discardLogger())
	for _, p := range plugins {
		b.Register(p)
	}
	store := &fakeStore{}
	p := New(b.Build(), store, discardLogger())
	p.SetRetryPolicy(resilience.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Factor: 2, CapDelay: 5 * time.Millisecond})
	return p, store
}

func TestRunMessageActionUnknownChannel(t *testing.T) {
	p, _ := newPipeline(t)
	_, err := p.RunMessageAction(context.Background(), MessageActionRequest{Channel: "matrix", Target: "x"})
	if !resilience.IsNotFound(err) {
		t.Errorf("err = %v; want NotFoundError", err)
	}
}

func TestRunMessageActionSessionKeyFromToolContext(t *testing.T) {
	for _, channelID := range []string{"C123", "c123"} {
		sender := &fakeSender{}
		p, store := newPipeline(t, &pluginsdk.Plugin{ID: "slack", Outbound: sender})

		res, err := p.RunMessageAction(context.Background(), MessageActionRequest{
			Channel: "slack",
			Message: "hello",
			AgentID: "main",
			ToolContext: &ToolContext{
				CurrentChannelID: channelID,
				CurrentThreadTs:  "111.222",
				ReplyToMode:      ReplyToModeAll,
			},
		})
		if err != nil {
			t.Fatalf("RunMessageAction error: %v", err)
		}
		if res.HandledBy != "plugin" {
			t.Errorf("HandledBy = %q; want plugin", res.HandledBy)
		}

		want := "agent:main:slack:channel:c123:thread:111.222"
		if len(sender.prepared) != 1 || sender.prepared[0].SessionKey != want {
			t.Errorf("channelID %q: session key = %q; want %q", channelID, sender.prepared[0].SessionKey, want)
		}
		if len(store.recorded) != 1 || store.recorded[0] != want {
			t.Errorf("channelID %q: recorded = %v; want [%s]", channelID, store.recorded, want)
		}
	}
}

func TestRunMessageActionNoTargetNoReplyMode(t *testing.T) {
	p, _ := newPipeline(t, &pluginsdk.Plugin{ID: "slack", Outbound: &fakeSender{}})
	_, err := p.RunMessageAction(context.Background(), MessageActionRequest{
		Channel:     "slack",
		Message:     "hello",
		ToolContext: &ToolContext{CurrentChannelID: "C123", ReplyToMode: "thread"},
	})
	if !resilience.IsValidation(err) {
		t.Errorf("err = %v; want ValidationError", err)
	}
}

func TestRunMessageActionResolverRejectsTarget(t *testing.T) {
	sender := &fakeSender{}
	p, _ := newPipeline(t, &pluginsdk.Plugin{
		ID:       "whatsapp",
		Outbound: sender,
		Resolver: &fakeResolver{prefix: "+"},
	})

	_, err := p.RunMessageAction(context.Background(), MessageActionRequest{
		Channel: "whatsapp",
		Target:  "not-a-number",
		Message: "hi",
	})
	var ve *resilience.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v; want ValidationError", err)
	}
	if !strings.Contains(ve.Hint, "targets must start with") {
		t.Errorf("Hint = %q; want resolver hint", ve.Hint)
	}
	if sender.textSends != 0 {
		t.Error("send attempted despite validation failure")
	}
}

func TestRunMessageActionNormalizesTarget(t *testing.T) {
	sender := &fakeSender{}
	p, _ := newPipeline(t, &pluginsdk.Plugin{
		ID:       "telegram",
		Outbound: sender,
		Resolver: &fakeResolver{prefix: "@"},
	})

	_, err := p.RunMessageAction(context.Background(), MessageActionRequest{
		Channel: "telegram",
		Target:  "@Alice",
		Message: "hi",
	})
	if err != nil {
		t.Fatalf("RunMessageAction error: %v", err)
	}
	if sender.prepared[0].Target != "@alice" {
		t.Errorf("Target = %q; want normalized @alice", sender.prepared[0].Target)
	}
}

func TestRunMessageActionRetriesTransient(t *testing.T) {
	sender := &fakeSender{
		failWith:  &resilience.StatusError{StatusCode: 503, Body: "unavailable"},
		failTimes: 2,
	}
	p, store := newPipeline(t, &pluginsdk.Plugin{ID: "telegram", Outbound: sender})

	res, err := p.RunMessageAction(context.Background(), MessageActionRequest{
		Channel: "telegram",
		Target:  "12345",
		Message: "hi",
	})
	if err != nil {
		t.Fatalf("RunMessageAction error: %v", err)
	}
	if sender.textSends != 3 {
		t.Errorf("send attempts = %d; want 3", sender.textSends)
	}
	if res.Payload.MessageID != "msg-1" {
		t.Errorf("MessageID = %q; want msg-1", res.Payload.MessageID)
	}
	if len(store.recorded) != 1 {
		t.Errorf("session writes = %d; want exactly 1", len(store.recorded))
	}
}

func TestRunMessageActionFatalNotRetried(t *testing.T) {
	sender := &fakeSender{
		failWith:  &resilience.StatusError{StatusCode: 401, Body: "bad token"},
		failTimes: 5,
	}
	p, store := newPipeline(t, &pluginsdk.Plugin{ID: "telegram", Outbound: sender})

	_, err := p.RunMessageAction(context.Background(), MessageActionRequest{
		Channel: "telegram",
		Target:  "12345",
		Message: "hi",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if sender.textSends != 1 {
		t.Errorf("send attempts = %d; want 1", sender.textSends)
	}
	if len(store.recorded) != 0 {
		t.Error("session recorded despite failed send")
	}
}

func TestRunMessageActionMediaPath(t *testing.T) {
	sender := &fakeSender{}
	p, _ := newPipeline(t, &pluginsdk.Plugin{
		ID:           "telegram",
		Capabilities: pluginsdk.Capabilities{Media: true},
		Outbound:     sender,
	})

	res, err := p.RunMessageAction(context.Background(), MessageActionRequest{
		Channel: "telegram",
		Target:  "12345",
		Media:   &pluginsdk.Media{URL: "https://example.com/x.png", MimeType: "image/png"},
	})
	if err != nil {
		t.Fatalf("RunMessageAction error: %v", err)
	}
	if sender.mediaSend != 1 || sender.textSends != 0 {
		t.Errorf("media=%d text=%d; want media path only", sender.mediaSend, sender.textSends)
	}
	if res.Payload.MessageID != "media-1" {
		t.Errorf("MessageID = %q; want media-1", res.Payload.MessageID)
	}
}

func TestRunMessageActionMediaUnsupported(t *testing.T) {
	sender := &fakeSender{}
	p, _ := newPipeline(t, &pluginsdk.Plugin{ID: "feishu", Outbound: sender})

	_, err := p.RunMessageAction(context.Background(), MessageActionRequest{
		Channel: "feishu",
		Target:  "oc_abc",
		Media:   &pluginsdk.Media{URL: "https://example.com/x.png", MimeType: "image/png"},
	})
	if !resilience.IsValidation(err) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if sender.mediaSend != 0 {
		t.Errorf("mediaSend = %d, want 0", sender.mediaSend)
	}
}

func TestRunMessageActionRateLimited(t *testing.T) {
	sender := &fakeSender{}
	p, _ := newPipeline(t, &pluginsdk.Plugin{ID: "slack", Outbound: sender})
	p.SetRateLimiter(security.NewSlidingWindowLimiter(2, time.Minute))

	req := MessageActionRequest{Channel: "slack", Target: "C1", Message: "hi"}
	for i := 0; i < 2; i++ {
		if _, err := p.RunMessageAction(context.Background(), req); err != nil {
			t.Fatalf("send %d: %v", i+1, err)
		}
	}

	_, err := p.RunMessageAction(context.Background(), req)
	var rl *resilience.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rl.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", rl.RetryAfter)
	}
	if sender.textSends != 2 {
		t.Errorf("textSends = %d, want 2; limited call must not reach the provider", sender.textSends)
	}

	// A different target keeps its own budget.
	if _, err := p.RunMessageAction(context.Background(), MessageActionRequest{Channel: "slack", Target: "C2", Message: "hi"}); err != nil {
		t.Fatalf("send to other target: %v", err)
	}
}

func TestSendLocksReleasedAfterCompletion(t *testing.T) {
	sender := &fakeSender{}
	p, _ := newPipeline(t, &pluginsdk.Plugin{ID: "slack", Outbound: sender})

	var wg sync.WaitGroup
	for _, target := range []string{"C1", "C2", "C3"} {
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(target string) {
				defer wg.Done()
				_, _ = p.RunMessageAction(context.Background(), MessageActionRequest{Channel: "slack", Target: target, Message: "hi"})
			}(target)
		}
	}
	wg.Wait()

	p.mu.Lock()
	n := len(p.sendMu)
	p.mu.Unlock()
	if n != 0 {
		t.Errorf("sendMu holds %d entries after all sends completed, want 0", n)
	}
}
