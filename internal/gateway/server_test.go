package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawgate/clawgate/internal/channels/registry"
	"github.com/clawgate/clawgate/internal/config"
	"github.com/clawgate/clawgate/internal/gateway/protocol"
	"github.com/clawgate/clawgate/internal/outbound"
	"github.com/clawgate/clawgate/pkg/pluginsdk"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubSender struct {
	sends atomic.Int64
}

func (s *stubSender) PrepareMessage(_ context.Context, mctx pluginsdk.MessageContext) (pluginsdk.MessageContext, error) {
	return mctx, nil
}

func (s *stubSender) SendText(context.Context, pluginsdk.MessageContext) (pluginsdk.SendResult, error) {
	s.sends.Add(1)
	return pluginsdk.SendResult{MessageID: "m1"}, nil
}

func (s *stubSender) SendMedia(context.Context, pluginsdk.MessageContext) (pluginsdk.SendResult, error) {
	s.sends.Add(1)
	return pluginsdk.SendResult{MessageID: "m2"}, nil
}

func startTestServer(t *testing.T, plugins ...*pluginsdk.Plugin) (*Server, *stubSender) {
	t.Helper()

	sender := &stubSender{}
	b := registry.NewBuilder(discardLogger())
	for _, p := range plugins {
		p.Outbound = sender
		b.Register(p)
	}
	reg := b.Build()

	cfg := config.Default()
	cfg.Gateway.Port = 0
	cfg.Gateway.Auth.Mode = "none"

	pipeline := outbound.New(reg, nil, discardLogger())
	s := NewServer(cfg, discardLogger(), reg, pipeline, nil, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Shutdown() })
	return s, sender
}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Address()+"/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func rpc(t *testing.T, conn *websocket.Conn, id, method string, params any) protocol.RPCResponse {
	t.Helper()
	raw, _ := json.Marshal(params)
	req := protocol.RPCRequest{ID: id, Method: method, Params: raw}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp protocol.RPCResponse
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read %s response: %v", method, err)
	}
	return resp
}

func handshake(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	resp := rpc(t, conn, "hs-1", "connect", protocol.ConnectParams{
		Role:       "cli",
		ClientInfo: protocol.ClientInfo{Name: "test", Version: "0"},
	})
	if !resp.OK {
		t.Fatalf("handshake failed: %+v", resp.Error)
	}
}

func TestHandshakeRequiredBeforeOtherMethods(t *testing.T) {
	s, _ := startTestServer(t)
	conn := dial(t, s)

	resp := rpc(t, conn, "r1", "health", nil)
	if resp.OK {
		t.Fatal("health before handshake succeeded")
	}
	if resp.Error == nil || resp.Error.Code != protocol.ErrUnauthorized {
		t.Errorf("error = %+v; want UNAUTHORIZED", resp.Error)
	}

	handshake(t, conn)
	resp = rpc(t, conn, "r2", "health", nil)
	if !resp.OK {
		t.Errorf("health after handshake failed: %+v", resp.Error)
	}
}

func TestUnknownMethodStructuredError(t *testing.T) {
	s, _ := startTestServer(t)
	conn := dial(t, s)
	handshake(t, conn)

	resp := rpc(t, conn, "r1", "definitely.not.a.method", nil)
	if resp.OK {
		t.Fatal("unknown method reported ok")
	}
	if resp.Error == nil || resp.Error.Code != protocol.ErrNotFound {
		t.Errorf("error = %+v; want NOT_FOUND", resp.Error)
	}
	if resp.ID != "r1" {
		t.Errorf("response id = %q; want r1 (request/response pairing)", resp.ID)
	}
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	s, sender := startTestServer(t, &pluginsdk.Plugin{ID: "telegram"})
	conn := dial(t, s)
	handshake(t, conn)

	// A frame over the payload cap must close the connection without
	// reaching any handler.
	big, _ := json.Marshal(protocol.RPCRequest{
		ID:     "huge",
		Method: "send",
		Params: json.RawMessage(`{"channel":"telegram","target":"1","message":"` + strings.Repeat("a", protocol.MaxPayloadBytes) + `"}`),
	})
	if err := conn.WriteMessage(websocket.TextMessage, big); err != nil {
		t.Fatalf("write oversized frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break // connection closed as expected
		}
	}
	if got := sender.sends.Load(); got != 0 {
		t.Errorf("handler invoked %d times for oversized frame; want 0", got)
	}
}

func TestSendRoutesThroughPipeline(t *testing.T) {
	s, sender := startTestServer(t, &pluginsdk.Plugin{ID: "telegram"})
	conn := dial(t, s)
	handshake(t, conn)

	resp := rpc(t, conn, "r1", "send", outbound.MessageActionRequest{
		Channel: "telegram",
		Target:  "12345",
		Message: "hello",
	})
	if !resp.OK {
		t.Fatalf("send failed: %+v", resp.Error)
	}
	if sender.sends.Load() != 1 {
		t.Errorf("sends = %d; want 1", sender.sends.Load())
	}
}

func TestSendUnknownChannel(t *testing.T) {
	s, _ := startTestServer(t, &pluginsdk.Plugin{ID: "telegram"})
	conn := dial(t, s)
	handshake(t, conn)

	resp := rpc(t, conn, "r1", "send", outbound.MessageActionRequest{
		Channel: "matrix",
		Target:  "!room",
		Message: "hello",
	})
	if resp.OK {
		t.Fatal("send to unknown channel succeeded")
	}
	if resp.Error == nil || resp.Error.Code != protocol.ErrNotFound {
		t.Errorf("error = %+v; want NOT_FOUND", resp.Error)
	}
}

func TestInboundDedupeSuppression(t *testing.T) {
	s, _ := startTestServer(t)
	conn := dial(t, s)
	handshake(t, conn)

	ev := pluginsdk.InboundEvent{
		EventID:  "evt-dup",
		Channel:  "telegram",
		SenderID: "",
		Text:     "ping",
	}
	s.HandleInbound(ev)
	s.HandleInbound(ev) // duplicate inside TTL

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	received := 0
	for {
		var frame protocol.RPCEvent
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		if frame.Event == protocol.EventMessageReceived {
			received++
		}
	}
	if received != 1 {
		t.Errorf("message.received broadcasts = %d; want 1 (duplicate suppressed)", received)
	}
}

func TestIssuesFingerprintTracksContent(t *testing.T) {
	auth := pluginsdk.StatusIssue{Channel: "telegram", AccountID: "default", Kind: "auth", Message: "missing bot token"}
	runtime := pluginsdk.StatusIssue{Channel: "telegram", AccountID: "default", Kind: "runtime", Message: "account unreachable"}
	feishu := pluginsdk.StatusIssue{Channel: "feishu", AccountID: "main", Kind: "auth", Message: "missing app secret"}

	if issuesFingerprint(nil) != "" {
		t.Error("fingerprint of no issues should be empty")
	}
	// Same issue count, different content.
	if issuesFingerprint([]pluginsdk.StatusIssue{auth}) == issuesFingerprint([]pluginsdk.StatusIssue{runtime}) {
		t.Error("distinct issues share a fingerprint")
	}
	// Order does not matter.
	ab := issuesFingerprint([]pluginsdk.StatusIssue{auth, feishu})
	ba := issuesFingerprint([]pluginsdk.StatusIssue{feishu, auth})
	if ab != ba {
		t.Errorf("fingerprint is order-sensitive: %q vs %q", ab, ba)
	}
}

func TestPairingCodeHandshake(t *testing.T) {
	reg := registry.NewBuilder(discardLogger()).Build()
	cfg := config.Default()
	cfg.Gateway.Port = 0
	cfg.Gateway.Auth.Mode = "token"
	cfg.Gateway.Auth.Token = ""

	pipeline := outbound.New(reg, nil, discardLogger())
	s := NewServer(cfg, discardLogger(), reg, pipeline, nil, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Shutdown() })

	code := s.PairingCode()
	if len(code) != 6 {
		t.Fatalf("PairingCode() = %q, want 6 digits", code)
	}

	// Without a token or code the handshake is refused.
	conn := dial(t, s)
	resp := rpc(t, conn, "c1", "connect", protocol.ConnectParams{Role: "cli"})
	if resp.OK {
		t.Fatal("connect without credentials succeeded")
	}
	if resp.Error == nil || resp.Error.Code != protocol.ErrUnauthorized {
		t.Fatalf("error = %+v, want %s", resp.Error, protocol.ErrUnauthorized)
	}

	// Pairing with the surfaced code issues a bearer token.
	resp = rpc(t, conn, "c2", "connect", protocol.ConnectParams{Role: "cli", PairCode: code})
	if !resp.OK {
		t.Fatalf("connect with pairing code failed: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("result = %T, want object", resp.Result)
	}
	token, _ := result["token"].(string)
	if token == "" {
		t.Fatalf("expected issued token in result, got %v", result)
	}
	if s.PairingCode() != "" {
		t.Error("pairing code not consumed after successful pair")
	}

	// The issued token authenticates a fresh connection directly.
	conn2 := dial(t, s)
	resp = rpc(t, conn2, "c3", "connect", protocol.ConnectParams{Role: "cli", Token: token})
	if !resp.OK {
		t.Fatalf("connect with issued token failed: %+v", resp.Error)
	}
}
