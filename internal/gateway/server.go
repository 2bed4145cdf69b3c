// Package gateway implements the Clawgate gateway server.
// The gateway is the central control plane: it owns WebSocket
// connections, dispatches RPC methods, fans out events, and
// supervises channel account monitors.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/clawgate/clawgate/internal/channels/registry"
	"github.com/clawgate/clawgate/internal/config"
	"github.com/clawgate/clawgate/internal/dedupe"
	"github.com/clawgate/clawgate/internal/gateway/protocol"
	"github.com/clawgate/clawgate/internal/gateway/session"
	"github.com/clawgate/clawgate/internal/outbound"
	"github.com/clawgate/clawgate/internal/resilience"
	"github.com/clawgate/clawgate/internal/security"
	"github.com/clawgate/clawgate/pkg/pluginsdk"
)

// ConnState is the connection lifecycle position.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateHandshaking
	StateOpen
	StateClosing
	StateClosed
)

// AgentHandler executes a long-running agent request. The gateway
// bounds it with the request timeout and propagates aborts.
type AgentHandler func(ctx context.Context, sessionKey, message string) (any, error)

// Server is the gateway server handling WS connections.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	listener net.Listener

	httpServer *http.Server
	upgrader   websocket.Upgrader

	registry *registry.Registry
	pipeline *outbound.Pipeline
	sessions *session.Store
	seen     *dedupe.Cache
	guard    *security.PairingGuard
	accounts *supervisor
	agent    AgentHandler

	clients map[string]*Client
	mu      sync.RWMutex

	health    protocol.HealthReport
	healthSig string
	healthMu  sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Client represents a connected WebSocket client.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Role string
	Info protocol.ClientInfo

	state    atomic.Int32
	sendCh   chan []byte
	buffered atomic.Int64 // bytes queued but not yet written
	done     chan struct{}
	closeOne sync.Once
}

// State returns the client's lifecycle state.
func (c *Client) State() ConnState { return ConnState(c.state.Load()) }

func (c *Client) setState(s ConnState) { c.state.Store(int32(s)) }

// close marks the client closing and tears down the socket once.
func (c *Client) close() {
	c.closeOne.Do(func() {
		c.setState(StateClosing)
		close(c.done)
		c.Conn.Close()
		c.setState(StateClosed)
	})
}

// NewServer creates a gateway server over a sealed registry.
func NewServer(cfg *config.Config, logger *slog.Logger, reg *registry.Registry, pipeline *outbound.Pipeline, sessions *session.Store, agent AgentHandler) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:    cfg,
		logger: logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		registry: reg,
		pipeline: pipeline,
		sessions: sessions,
		seen:     dedupe.NewCache(protocol.DedupeTTL, protocol.DedupeMax),
		guard:    security.NewPairingGuard(cfg.Gateway.Auth.Mode == "token", cfg.Gateway.Auth.Token),
		agent:    agent,
		clients:  make(map[string]*Client),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.accounts = newSupervisor(s)
	return s
}

// Start begins listening and launches account monitors and the
// housekeeping loop.
func (s *Server) Start() error {
	host := "127.0.0.1"
	if s.cfg.Gateway.Bind == "all" {
		host = "0.0.0.0"
	}
	addr := fmt.Sprintf("%s:%d", host, s.cfg.Gateway.Port)

	var err error
	s.listener, err = net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)

	s.httpServer = &http.Server{
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("gateway server error", "error", err)
		}
	}()

	s.accounts.startAll(s.ctx)

	s.wg.Add(1)
	go s.housekeeping()

	s.logger.Info("gateway listening", "address", s.Address())
	return nil
}

// Address returns the address the server is listening on.
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops account monitors, closes connections, and shuts the
// HTTP listener down.
func (s *Server) Shutdown() error {
	s.cancel()

	s.accounts.stopAll()

	s.mu.Lock()
	for id, client := range s.clients {
		s.logger.Debug("closing client", "id", id)
		client.close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// handleWebSocket upgrades the connection and runs its pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		ID:     "conn-" + uuid.NewString(),
		Conn:   conn,
		sendCh: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	client.setState(StateHandshaking)

	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()

	s.logger.Info("client connected", "id", client.ID, "remote", conn.RemoteAddr())

	// The handshake must complete within its window or the connection
	// is dropped.
	handshakeTimer := time.AfterFunc(protocol.HandshakeTimeout, func() {
		if client.State() == StateHandshaking {
			s.logger.Warn("handshake timeout", "id", client.ID)
			client.close()
		}
	})

	go s.writePump(client)
	go s.readPump(client, handshakeTimer)
}

// readPump reads frames from a client until the connection dies.
func (s *Server) readPump(client *Client, handshakeTimer *time.Timer) {
	defer func() {
		handshakeTimer.Stop()
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
		client.close()
		s.logger.Info("client disconnected", "id", client.ID)
	}()

	// A connection missing pongs across two consecutive ping intervals
	// is dead: the read deadline spans exactly two intervals and each
	// pong renews it.
	client.Conn.SetReadLimit(protocol.MaxPayloadBytes)
	client.Conn.SetReadDeadline(time.Now().Add(2 * protocol.PingInterval))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(2 * protocol.PingInterval))
		return nil
	})

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			// Oversized frames close the connection without reaching
			// any handler.
			if errors.Is(err, websocket.ErrReadLimit) {
				s.logger.Warn("frame over payload cap, closing", "id", client.ID)
				client.Conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseMessageTooBig, "payload too large"),
					time.Now().Add(time.Second))
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "id", client.ID, "error", err)
			}
			return
		}

		s.handleMessage(client, message)
	}
}

// writePump drains the send queue and keeps pings flowing.
func (s *Server) writePump(client *Client) {
	ticker := time.NewTicker(protocol.PingInterval)
	defer func() {
		ticker.Stop()
		client.close()
	}()

	for {
		select {
		case msg, ok := <-client.sendCh:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			client.buffered.Add(-int64(len(msg)))
			if err := client.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Warn("websocket write error", "id", client.ID, "error", err)
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-client.done:
			return

		case <-s.ctx.Done():
			return
		}
	}
}

// enqueue puts data on the client's send queue, honoring the buffered
// bytes cap. Best-effort payloads are skipped when the client is
// backpressured; anything else over the cap means the client cannot
// keep up and the connection is closed rather than queued unbounded.
func (s *Server) enqueue(client *Client, data []byte, dropIfSlow bool) bool {
	if client.buffered.Load()+int64(len(data)) > protocol.MaxBufferedBytes {
		if dropIfSlow {
			return false
		}
		s.logger.Warn("client over buffer cap, closing", "id", client.ID)
		client.close()
		return false
	}

	select {
	case client.sendCh <- data:
		client.buffered.Add(int64(len(data)))
		return true
	default:
		if !dropIfSlow {
			s.logger.Warn("client send queue full, closing", "id", client.ID)
			client.close()
		}
		return false
	}
}

// BroadcastOptions filters a broadcast.
type BroadcastOptions struct {
	DropIfSlow bool
	Roles      []string // empty means all roles
}

// Broadcast fans an event out to open connections.
func (s *Server) Broadcast(event string, payload any, opts BroadcastOptions) {
	data, err := json.Marshal(protocol.RPCEvent{Event: event, Payload: payload})
	if err != nil {
		s.logger.Error("broadcast marshal failed", "error", err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, client := range s.clients {
		if client.State() != StateOpen {
			continue
		}
		if len(opts.Roles) > 0 && !containsRole(opts.Roles, client.Role) {
			continue
		}
		if !s.enqueue(client, data, opts.DropIfSlow) && opts.DropIfSlow {
			s.logger.Debug("broadcast skipped for slow client", "id", client.ID, "event", event)
		}
	}
}

func containsRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// HandleInbound receives provider events from plugin adapters,
// suppresses duplicates, and fans the rest out as best-effort events.
func (s *Server) HandleInbound(ev pluginsdk.InboundEvent) {
	if ev.EventID != "" && s.seen.Seen(ev.EventID) {
		s.logger.Debug("duplicate event suppressed", "eventId", ev.EventID, "channel", ev.Channel)
		return
	}

	if s.sessions != nil && ev.SenderID != "" {
		if err := s.sessions.TouchLastHeard(context.Background(), ev.Channel, ev.AccountID, ev.SenderID); err != nil {
			s.logger.Warn("last-heard update failed", "error", err)
		}
	}

	s.Broadcast(protocol.EventMessageReceived, ev, BroadcastOptions{DropIfSlow: true})
}

// housekeeping sweeps the dedupe cache each tick and refreshes the
// aggregated health snapshot on its own cadence.
func (s *Server) housekeeping() {
	defer s.wg.Done()

	tick := time.NewTicker(protocol.TickInterval)
	health := time.NewTicker(protocol.HealthRefreshInterval)
	defer tick.Stop()
	defer health.Stop()

	s.refreshHealth()

	for {
		select {
		case <-tick.C:
			if removed := s.seen.Sweep(); removed > 0 {
				s.logger.Debug("dedupe sweep", "removed", removed)
			}
		case <-health.C:
			s.refreshHealth()
		case <-s.ctx.Done():
			return
		}
	}
}

// PairingCode returns the one-time pairing code clients must present
// when auth is required and no static token is configured. Empty once
// consumed or when pairing is not in play.
func (s *Server) PairingCode() string { return s.guard.PairingCode() }

// Health returns the last aggregated health snapshot.
func (s *Server) Health() protocol.HealthReport {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	return s.health
}

// refreshHealth recomputes aggregated health from status issues and
// account monitor state.
func (s *Server) refreshHealth() {
	report := protocol.HealthReport{
		Status:      "ok",
		Accounts:    s.accounts.snapshot(),
		RefreshedAt: time.Now().UnixMilli(),
	}

	for _, plugin := range s.registry.All() {
		if plugin.Status == nil || plugin.Config == nil {
			continue
		}
		issues := plugin.Status.CollectStatusIssues(plugin.Config.ListAccountIDs())
		report.Issues = append(report.Issues, issues...)
	}
	if len(report.Issues) > 0 {
		report.Status = "degraded"
	}

	sig := issuesFingerprint(report.Issues)

	s.healthMu.Lock()
	changed := report.Status != s.health.Status || sig != s.healthSig
	s.health = report
	s.healthSig = sig
	s.healthMu.Unlock()

	if changed {
		s.Broadcast(protocol.EventHealthChanged, report, BroadcastOptions{DropIfSlow: true})
	}
}

// issuesFingerprint folds the issue set into an order-insensitive key
// so health.changed fires on any content change, not just a different
// issue count.
func issuesFingerprint(issues []pluginsdk.StatusIssue) string {
	if len(issues) == 0 {
		return ""
	}
	keys := make([]string, 0, len(issues))
	for _, is := range issues {
		keys = append(keys, is.Channel+"\x00"+is.AccountID+"\x00"+is.Kind+"\x00"+is.Message)
	}
	sort.Strings(keys)
	return strings.Join(keys, "\n")
}

// handleMessage parses one inbound frame and dispatches it. The
// response is sent exactly once per request id.
func (s *Server) handleMessage(client *Client, data []byte) {
	var msg protocol.RPCRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("invalid RPC message", "id", client.ID, "error", err)
		s.sendError(client, "", protocol.ErrInvalidRequest, "invalid JSON")
		return
	}

	// Before the handshake only connect is accepted.
	if client.State() == StateHandshaking && msg.Method != "connect" {
		s.sendError(client, msg.ID, protocol.ErrUnauthorized, "handshake required")
		return
	}

	s.logger.Debug("RPC request", "id", client.ID, "method", msg.Method, "reqId", msg.ID)

	// Agent requests run long; everything else answers inline.
	if msg.Method == "agent.request" {
		go s.runAgentRequest(client, &msg)
		return
	}

	result, rpcErr := s.dispatchMethod(client, &msg)
	if rpcErr != nil {
		s.sendError(client, msg.ID, rpcErr.Code, rpcErr.Message)
		return
	}
	s.sendResult(client, msg.ID, result)
}

func (s *Server) sendResult(client *Client, reqID string, result any) {
	data, err := json.Marshal(protocol.RPCResponse{ID: reqID, OK: true, Result: result})
	if err != nil {
		s.logger.Error("marshal response failed", "error", err)
		return
	}
	s.enqueue(client, data, false)
}

func (s *Server) sendError(client *Client, reqID, code, message string) {
	data, _ := json.Marshal(protocol.RPCResponse{
		ID:    reqID,
		OK:    false,
		Error: &protocol.RPCError{Code: code, Message: message},
	})
	s.enqueue(client, data, false)
}

// dispatchMethod routes an RPC request to its handler.
func (s *Server) dispatchMethod(client *Client, req *protocol.RPCRequest) (any, *protocol.RPCError) {
	switch req.Method {
	case "connect":
		return s.methodConnect(client, req)
	case "health":
		return s.Health(), nil
	case "channels.status":
		return s.methodChannelsStatus(client, req)
	case "channels.probe":
		return s.methodChannelsProbe(client, req)
	case "send":
		return s.methodSend(client, req)
	case "sessions.list":
		return s.methodSessionsList(client, req)
	case "sessions.resolve":
		return s.methodSessionsResolve(client, req)
	case "last-heard":
		return s.methodLastHeard(client, req)
	default:
		return nil, &protocol.RPCError{Code: protocol.ErrNotFound, Message: fmt.Sprintf("unknown method: %s", req.Method)}
	}
}

// runAgentRequest executes a long-running agent request under the
// request timeout. When the deadline fires, the handler gets the abort
// window to return before it is treated as forcibly terminated.
func (s *Server) runAgentRequest(client *Client, req *protocol.RPCRequest) {
	var params struct {
		SessionKey string `json:"sessionKey"`
		Message    string `json:"message"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(client, req.ID, protocol.ErrInvalidParams, err.Error())
		return
	}
	if s.agent == nil {
		s.sendError(client, req.ID, protocol.ErrNotFound, "no agent runtime attached")
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, protocol.RequestTimeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	resCh := make(chan outcome, 1)
	go func() {
		r, err := s.agent(ctx, params.SessionKey, params.Message)
		resCh <- outcome{r, err}
	}()

	select {
	case out := <-resCh:
		if out.err != nil {
			s.sendError(client, req.ID, protocol.ErrInternal, out.err.Error())
			return
		}
		s.sendResult(client, req.ID, out.result)

	case <-ctx.Done():
		select {
		case out := <-resCh:
			if out.err != nil {
				s.sendError(client, req.ID, protocol.ErrTimeout, out.err.Error())
				return
			}
			s.sendResult(client, req.ID, out.result)
		case <-time.After(protocol.AbortTaskTimeout):
			s.logger.Warn("agent task leaked past abort window", "reqId", req.ID, "sessionKey", params.SessionKey)
			s.sendError(client, req.ID, protocol.ErrTimeout, "request timed out")
		}
	}
}

// --- RPC method implementations ---

func (s *Server) methodConnect(client *Client, req *protocol.RPCRequest) (any, *protocol.RPCError) {
	var params protocol.ConnectParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, &protocol.RPCError{Code: protocol.ErrInvalidParams, Message: err.Error()}
	}

	issuedToken := ""
	if !s.guard.IsAuthenticated(params.Token) {
		token, ok, retryAfter := s.guard.TryPair(params.PairCode)
		if !ok {
			msg := "authentication required"
			if retryAfter > 0 {
				msg = fmt.Sprintf("pairing locked, retry in %s", retryAfter.Round(time.Second))
			}
			return nil, &protocol.RPCError{Code: protocol.ErrUnauthorized, Message: msg}
		}
		issuedToken = token
	}

	client.Role = params.Role
	client.Info = params.ClientInfo
	client.setState(StateOpen)

	s.logger.Info("client identified",
		"id", client.ID,
		"role", params.Role,
		"name", params.ClientInfo.Name,
	)

	result := map[string]any{"connected": true, "channels": s.registry.IDs()}
	if issuedToken != "" {
		result["token"] = issuedToken
	}
	return result, nil
}

func (s *Server) methodChannelsStatus(_ *Client, _ *protocol.RPCRequest) (any, *protocol.RPCError) {
	return s.accounts.snapshot(), nil
}

func (s *Server) methodChannelsProbe(_ *Client, req *protocol.RPCRequest) (any, *protocol.RPCError) {
	var params struct {
		Channel   string `json:"channel"`
		AccountID string `json:"accountId"`
		TimeoutMs int    `json:"timeoutMs"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, &protocol.RPCError{Code: protocol.ErrInvalidParams, Message: err.Error()}
	}

	plugin, err := s.registry.Get(params.Channel)
	if err != nil {
		return nil, &protocol.RPCError{Code: protocol.ErrNotFound, Message: err.Error()}
	}
	if plugin.Status == nil {
		return nil, &protocol.RPCError{Code: protocol.ErrInvalidRequest, Message: fmt.Sprintf("channel %s has no status probe", plugin.ID)}
	}

	timeout := 5 * time.Second
	if params.TimeoutMs > 0 {
		timeout = time.Duration(params.TimeoutMs) * time.Millisecond
	}
	return plugin.Status.ProbeAccount(s.ctx, params.AccountID, timeout), nil
}

func (s *Server) methodSend(_ *Client, req *protocol.RPCRequest) (any, *protocol.RPCError) {
	var params outbound.MessageActionRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, &protocol.RPCError{Code: protocol.ErrInvalidParams, Message: err.Error()}
	}
	if params.AgentID == "" {
		params.AgentID = s.cfg.Agent.ID
	}

	result, err := s.pipeline.RunMessageAction(s.ctx, params)
	if err != nil {
		return nil, rpcErrorFor(err)
	}
	return result, nil
}

func (s *Server) methodSessionsList(_ *Client, _ *protocol.RPCRequest) (any, *protocol.RPCError) {
	if s.sessions == nil {
		return []session.Record{}, nil
	}
	records, err := s.sessions.List(s.ctx)
	if err != nil {
		return nil, &protocol.RPCError{Code: protocol.ErrInternal, Message: err.Error()}
	}
	return records, nil
}

func (s *Server) methodSessionsResolve(_ *Client, req *protocol.RPCRequest) (any, *protocol.RPCError) {
	var params struct {
		Channel string `json:"channel"`
		Target  string `json:"target"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, &protocol.RPCError{Code: protocol.ErrInvalidParams, Message: err.Error()}
	}
	if s.sessions == nil {
		return nil, &protocol.RPCError{Code: protocol.ErrNotFound, Message: "session store not attached"}
	}

	key, ok, err := s.sessions.LookupSession(s.ctx, params.Channel, params.Target)
	if err != nil {
		return nil, &protocol.RPCError{Code: protocol.ErrInternal, Message: err.Error()}
	}
	return map[string]any{"found": ok, "sessionKey": key}, nil
}

func (s *Server) methodLastHeard(_ *Client, req *protocol.RPCRequest) (any, *protocol.RPCError) {
	var params struct {
		Channel   string `json:"channel"`
		AccountID string `json:"accountId"`
		SenderID  string `json:"senderId"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, &protocol.RPCError{Code: protocol.ErrInvalidParams, Message: err.Error()}
	}
	if s.sessions == nil {
		return nil, &protocol.RPCError{Code: protocol.ErrNotFound, Message: "session store not attached"}
	}

	when, ok, err := s.sessions.LastHeard(s.ctx, params.Channel, params.AccountID, params.SenderID)
	if err != nil {
		return nil, &protocol.RPCError{Code: protocol.ErrInternal, Message: err.Error()}
	}
	res := map[string]any{"found": ok}
	if ok {
		res["heardAt"] = when.UnixMilli()
	}
	return res, nil
}

// rpcErrorFor maps pipeline errors onto protocol codes.
func rpcErrorFor(err error) *protocol.RPCError {
	switch {
	case resilience.IsNotFound(err):
		return &protocol.RPCError{Code: protocol.ErrNotFound, Message: err.Error()}
	case resilience.IsValidation(err):
		return &protocol.RPCError{Code: protocol.ErrInvalidParams, Message: err.Error()}
	case resilience.IsRateLimited(err):
		return &protocol.RPCError{Code: protocol.ErrRateLimited, Message: err.Error()}
	default:
		return &protocol.RPCError{Code: protocol.ErrInternal, Message: err.Error()}
	}
}
