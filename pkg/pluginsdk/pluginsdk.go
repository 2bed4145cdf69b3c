// Package pluginsdk defines the public contract channel plugins
// implement to integrate with the gateway. Each transport (WhatsApp,
// Telegram, Signal, Discord, LINE, ...) is one Plugin value; provider
// SDK bindings live entirely behind this boundary.
package pluginsdk

import (
	"context"
	"time"
)

// ChatType classifies a conversation.
type ChatType string

const (
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
)

// Capabilities describes what a channel can do.
type Capabilities struct {
	ChatTypes []ChatType `json:"chatTypes"`
	Media     bool       `json:"media"`
}

// Plugin is the registration unit for one transport. The capability
// groups are independently optional: a nil field means the channel
// does not support that group, and callers check absence once at the
// boundary instead of probing at call sites. Plugins are immutable
// after registration.
type Plugin struct {
	ID           string
	Label        string
	Capabilities Capabilities

	Config   ConfigProvider // optional
	Status   StatusProvider // optional
	Gateway  GatewayRunner  // optional
	Outbound Sender         // optional
	Resolver TargetResolver // optional (the messaging group)
}

// Account is one configured identity for a channel.
type Account struct {
	ID       string
	Label    string
	Enabled  bool
	Settings map[string]string
}

// AccountStatus tracks one account's runtime state. It has exactly one
// writer: that account's gateway monitor.
type AccountStatus struct {
	AccountID         string `json:"accountId"`
	Running           bool   `json:"running"`
	Connected         bool   `json:"connected"`
	Linked            bool   `json:"linked"`
	LastError         string `json:"lastError,omitempty"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
}

// ConfigProvider exposes the channel's configured accounts.
type ConfigProvider interface {
	// ListAccountIDs returns configured account ids in stable order.
	ListAccountIDs() []string

	// ResolveAccount returns the account config for an id.
	ResolveAccount(accountID string) (Account, error)

	// IsConfigured reports whether the account has usable credentials.
	// Advisory: a false result is a status issue, not a hard failure.
	IsConfigured(accountID string) bool
}

// ProbeResult is the outcome of an active connectivity check.
type ProbeResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// StatusIssue describes a configuration or runtime problem surfaced by
// health aggregation.
type StatusIssue struct {
	Channel   string `json:"channel"`
	AccountID string `json:"accountId"`
	Kind      string `json:"kind"` // "auth" or "runtime"
	Message   string `json:"message"`
}

// StatusProvider exposes health checks for a channel's accounts.
type StatusProvider interface {
	ProbeAccount(ctx context.Context, accountID string, timeout time.Duration) ProbeResult
	CollectStatusIssues(accountIDs []string) []StatusIssue
}

// SetStatus is the callback an account monitor uses to publish status
// transitions. The gateway owns the stored AccountStatus; monitors
// never share it.
type SetStatus func(AccountStatus)

// GatewayRunner runs a channel account's long-lived connection.
type GatewayRunner interface {
	// StartAccount blocks until ctx is cancelled or the connection
	// fails unrecoverably. It must publish running/connected/linked
	// transitions through setStatus as connectivity changes, and on
	// unrecoverable failure set running=false with lastError before
	// returning the failure.
	StartAccount(ctx context.Context, accountID string, setStatus SetStatus) error
}

// Media is an outbound attachment.
type Media struct {
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
	MimeType string `json:"mimeType"`
	Filename string `json:"filename,omitempty"`
}

// MessageContext carries one outbound send through the pipeline.
type MessageContext struct {
	Channel    string
	AccountID  string
	Target     string // normalized by the channel's resolver
	SessionKey string // for downstream correlation
	Text       string
	Media      *Media
	ReplyToID  string
}

// SendResult reports a completed provider send.
type SendResult struct {
	MessageID string `json:"messageId"`
}

// Sender is the outbound capability group.
type Sender interface {
	// PrepareMessage validates and enriches the context before the
	// actual send (account selection, per-channel formatting).
	PrepareMessage(ctx context.Context, mctx MessageContext) (MessageContext, error)

	SendText(ctx context.Context, mctx MessageContext) (SendResult, error)
	SendMedia(ctx context.Context, mctx MessageContext) (SendResult, error)
}

// TargetResolver is the messaging capability group: channel-specific
// heuristics for recognizing and canonicalizing raw targets.
type TargetResolver interface {
	// LooksLikeID reports whether raw plausibly addresses this channel
	// (e.g. WhatsApp "@g.us"/"@s.whatsapp.net" suffixes, Telegram
	// numeric ids or "@handle").
	LooksLikeID(raw string) bool

	// NormalizeTarget returns the canonical form of raw, or ok=false
	// when it cannot be normalized.
	NormalizeTarget(raw string) (string, bool)

	// Hint is a human-readable description of valid targets, returned
	// with validation errors.
	Hint() string
}

// InboundEvent is a provider event handed to the gateway by a plugin
// adapter. EventID feeds the dedupe cache.
type InboundEvent struct {
	EventID   string `json:"eventId"`
	Channel   string `json:"channel"`
	AccountID string `json:"accountId"`
	SenderID  string `json:"senderId"`
	ChatID    string `json:"chatId"`
	ChatType  string `json:"chatType"` // "direct" or "group"
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// InboundSink receives inbound events from plugin adapters.
type InboundSink interface {
	HandleInbound(ev InboundEvent)
}
