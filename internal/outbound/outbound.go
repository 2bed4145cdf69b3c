// Package outbound resolves a message-action request to a concrete
// channel, account, target, and thread, and drives it through the
// plugin contract with retry around the provider call.
package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/clawgate/clawgate/internal/channels/registry"
	"github.com/clawgate/clawgate/internal/resilience"
	"github.com/clawgate/clawgate/internal/security"
	"github.com/clawgate/clawgate/pkg/pluginsdk"
)

// ReplyToModeAll lets the pipeline derive the target from the tool
// context instead of requiring an explicit one.
const ReplyToModeAll = "all"

// Default per-target send budget. Conversational traffic stays well
// under it; runaway loops hit it within a minute.
const (
	defaultSendLimit  = 30
	defaultSendWindow = time.Minute
)

// ToolContext carries the conversation the triggering message came
// from, so a reply can be routed back without an explicit target.
type ToolContext struct {
	CurrentChannelID string `json:"currentChannelId"`
	CurrentThreadTs  string `json:"currentThreadTs"`
	ReplyToMode      string `json:"replyToMode"`
}

// MessageActionRequest is the immutable input to the pipeline.
type MessageActionRequest struct {
	Channel     string           `json:"channel"`
	Target      string           `json:"target,omitempty"`
	Message     string           `json:"message"`
	Media       *pluginsdk.Media `json:"media,omitempty"`
	ToolContext *ToolContext     `json:"toolContext,omitempty"`
	AgentID     string           `json:"agentId"`
}

// ActionResult is returned on success.
type ActionResult struct {
	HandledBy string               `json:"handledBy"`
	Payload   pluginsdk.SendResult `json:"payload"`
}

// SessionStore persists the session/thread association after a
// successful send. The write is best-effort and not transactional
// with the send; storage lives outside this package.
type SessionStore interface {
	RecordSession(ctx context.Context, sessionKey, channel, target string) error
}

// Pipeline executes message actions against the plugin registry.
type Pipeline struct {
	registry *registry.Registry
	sessions SessionStore
	logger   *slog.Logger
	policy   resilience.Policy

	// classifiers maps channel id to its error classifier; channels
	// without one use the default.
	classifiers map[string]resilience.Classifier

	// limiter caps sends per channel|target key before any provider
	// attempt is made.
	limiter RateLimiter

	// sendMu serializes sends per normalized target. Concurrent sends
	// to different targets proceed independently. Entries are
	// reference-counted and removed once the last holder releases.
	mu     sync.Mutex
	sendMu map[string]*targetLock
}

// RateLimiter decides whether a keyed call may proceed.
type RateLimiter interface {
	Allow(key string) security.Decision
}

type targetLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a pipeline over a sealed registry.
func New(reg *registry.Registry, sessions SessionStore, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		registry:    reg,
		sessions:    sessions,
		logger:      logger.With("component", "outbound"),
		policy:      resilience.DefaultPolicy(),
		classifiers: map[string]resilience.Classifier{},
		limiter:     security.NewSlidingWindowLimiter(defaultSendLimit, defaultSendWindow),
		sendMu:      map[string]*targetLock{},
	}
}

// SetRetryPolicy overrides the default retry pacing.
func (p *Pipeline) SetRetryPolicy(policy resilience.Policy) { p.policy = policy }

// SetRateLimiter overrides the default per-target send limiter. A nil
// limiter disables local rate limiting.
func (p *Pipeline) SetRateLimiter(l RateLimiter) { p.limiter = l }

// SetClassifier installs a channel-specific error classifier.
func (p *Pipeline) SetClassifier(channel string, c resilience.Classifier) {
	p.classifiers[strings.ToLower(channel)] = c
}

// SessionKey builds the canonical conversation key. Channel-id folding
// is case-insensitive: two requests differing only in channelID case
// yield an identical key.
func SessionKey(agentID, channel, channelID, threadID string) string {
	return fmt.Sprintf("agent:%s:%s:channel:%s:thread:%s",
		agentID, channel, strings.ToLower(channelID), threadID)
}

// RunMessageAction resolves and executes one send request. Exactly one
// provider send attempt sequence happens per call (1..maxAttempts via
// retry); the session write happens on success only.
func (p *Pipeline) RunMessageAction(ctx context.Context, req MessageActionRequest) (*ActionResult, error) {
	plugin, err := p.registry.Get(req.Channel)
	if err != nil {
		return nil, err
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = "main"
	}

	target := strings.TrimSpace(req.Target)
	threadID := ""
	if target == "" {
		tc := req.ToolContext
		if tc == nil || tc.ReplyToMode != ReplyToModeAll || tc.CurrentChannelID == "" {
			return nil, &resilience.ValidationError{Message: fmt.Sprintf("no target for channel %s", req.Channel)}
		}
		target = tc.CurrentChannelID
		threadID = tc.CurrentThreadTs
	} else if req.ToolContext != nil {
		threadID = req.ToolContext.CurrentThreadTs
	}

	if plugin.Resolver != nil {
		if !plugin.Resolver.LooksLikeID(target) {
			return nil, &resilience.ValidationError{
				Message: fmt.Sprintf("invalid %s target %q", plugin.ID, target),
				Hint:    plugin.Resolver.Hint(),
			}
		}
		normalized, ok := plugin.Resolver.NormalizeTarget(target)
		if !ok {
			return nil, &resilience.ValidationError{
				Message: fmt.Sprintf("cannot normalize %s target %q", plugin.ID, target),
				Hint:    plugin.Resolver.Hint(),
			}
		}
		target = normalized
	}

	if plugin.Outbound == nil {
		return nil, &resilience.ValidationError{
			Message: fmt.Sprintf("channel %s does not support outbound sends", plugin.ID),
		}
	}
	if req.Media != nil && !plugin.Capabilities.Media {
		return nil, &resilience.ValidationError{
			Message: fmt.Sprintf("channel %s does not support media sends", plugin.ID),
		}
	}

	if p.limiter != nil {
		key := plugin.ID + "|" + target
		if d := p.limiter.Allow(key); !d.Allowed {
			return nil, &resilience.RateLimitError{Key: key, RetryAfter: d.RetryAfter}
		}
	}

	mctx := pluginsdk.MessageContext{
		Channel:    plugin.ID,
		Target:     target,
		SessionKey: SessionKey(agentID, plugin.ID, target, threadID),
		Text:       req.Message,
		Media:      req.Media,
	}

	mctx, err = plugin.Outbound.PrepareMessage(ctx, mctx)
	if err != nil {
		return nil, err
	}

	unlock := p.lockTarget(plugin.ID + "|" + mctx.Target)
	defer unlock()

	classify := p.classifiers[strings.ToLower(plugin.ID)]
	var result pluginsdk.SendResult
	err = resilience.Retry(ctx, p.policy, classify, func() error {
		var sendErr error
		if mctx.Media != nil {
			result, sendErr = plugin.Outbound.SendMedia(ctx, mctx)
		} else {
			result, sendErr = plugin.Outbound.SendText(ctx, mctx)
		}
		return sendErr
	})
	if err != nil {
		return nil, err
	}

	if p.sessions != nil {
		if err := p.sessions.RecordSession(ctx, mctx.SessionKey, plugin.ID, mctx.Target); err != nil {
			p.logger.Warn("session record failed", "sessionKey", mctx.SessionKey, "error", err)
		}
	}

	return &ActionResult{HandledBy: "plugin", Payload: result}, nil
}

// lockTarget acquires the per-target mutex and returns its unlocker.
// The map entry is dropped once no send holds or waits on it, so the
// map size tracks in-flight sends rather than distinct targets seen.
func (p *Pipeline) lockTarget(key string) func() {
	p.mu.Lock()
	l, ok := p.sendMu[key]
	if !ok {
		l = &targetLock{}
		p.sendMu[key] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.sendMu, key)
		}
		p.mu.Unlock()
	}
}
