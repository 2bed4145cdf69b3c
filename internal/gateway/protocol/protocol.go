// Package protocol defines the WebSocket RPC protocol used by the
// gateway and the timing contract both sides rely on.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/clawgate/clawgate/pkg/pluginsdk"
)

// Timing contract. These values are part of the observable protocol;
// clients depend on them.
const (
	HandshakeTimeout        = 10 * time.Second
	PingInterval            = 30 * time.Second
	TickInterval            = 30 * time.Second
	HealthRefreshInterval   = 60 * time.Second
	DedupeTTL               = 5 * time.Minute
	DedupeMax               = 1000
	RequestTimeout          = 5 * time.Minute
	ProviderShutdownTimeout = 10 * time.Second
	AbortTaskTimeout        = 5 * time.Second

	// MaxPayloadBytes caps a single inbound frame; larger frames close
	// the connection instead of being partially processed.
	MaxPayloadBytes = 512 * 1024

	// MaxBufferedBytes caps the per-connection outgoing queue. Beyond
	// it the connection counts as backpressured and drop-if-slow
	// broadcasts skip it.
	MaxBufferedBytes = 3 * 512 * 1024 // 1.5 MiB
)

// RPCRequest is an incoming JSON-RPC style request.
type RPCRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCResponse pairs with a request by id. OK is always explicit.
type RPCResponse struct {
	ID     string    `json:"id"`
	OK     bool      `json:"ok"`
	Result any       `json:"result,omitempty"`
	Error  *RPCError `json:"error,omitempty"`
}

// RPCError is a machine-readable failure.
type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RPCEvent is a server-initiated broadcast.
type RPCEvent struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Error codes.
const (
	ErrInvalidRequest = "INVALID_REQUEST"
	ErrNotFound       = "NOT_FOUND"
	ErrInvalidParams  = "INVALID_PARAMS"
	ErrUnauthorized   = "UNAUTHORIZED"
	ErrTimeout        = "TIMEOUT"
	ErrRateLimited    = "RATE_LIMITED"
	ErrInternal       = "INTERNAL"
)

// ConnectParams is sent by clients during the handshake.
type ConnectParams struct {
	Role       string     `json:"role"` // "agent", "app", "cli"
	Token      string     `json:"token,omitempty"`
	PairCode   string     `json:"pairCode,omitempty"`
	ClientInfo ClientInfo `json:"clientInfo"`
}

// ClientInfo describes the connecting client.
type ClientInfo struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
}

// Gateway events.
const (
	EventMessageReceived = "message.received"
	EventChannelStatus   = "channel.status"
	EventHealthChanged   = "health.changed"
)

// HealthReport is the aggregated channel health served by the
// `health` RPC and the HTTP health endpoint.
type HealthReport struct {
	Status      string                             `json:"status"` // "ok" or "degraded"
	Issues      []pluginsdk.StatusIssue            `json:"issues,omitempty"`
	Accounts    map[string]pluginsdk.AccountStatus `json:"accounts,omitempty"`
	RefreshedAt int64                              `json:"refreshedAt"`
}
