// Package feishu implements the Feishu/Lark channel plugin. Inbound
// messages arrive over the SDK's websocket long connection; outbound
// replies go through the REST API client, which manages the
// tenant_access_token on its own.
package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/clawgate/clawgate/internal/config"
	"github.com/clawgate/clawgate/internal/resilience"
	"github.com/clawgate/clawgate/pkg/pluginsdk"
)

// connectGrace is how long StartAccount waits for the ws client to
// fail fast on bad credentials before reporting connected.
const connectGrace = 3 * time.Second

// Channel implements all capability groups for Feishu.
type Channel struct {
	cfg    config.FeishuConfig
	logger *slog.Logger
	sink   pluginsdk.InboundSink

	mu      sync.Mutex
	clients map[string]*lark.Client // API clients by account id
}

// New creates the Feishu channel backing object.
func New(cfg config.FeishuConfig, logger *slog.Logger, sink pluginsdk.InboundSink) *Channel {
	return &Channel{
		cfg:     cfg,
		logger:  logger.With("channel", "feishu"),
		sink:    sink,
		clients: map[string]*lark.Client{},
	}
}

// Plugin returns the registration value for the registry.
func (c *Channel) Plugin() *pluginsdk.Plugin {
	return &pluginsdk.Plugin{
		ID:    "feishu",
		Label: "Feishu/Lark",
		Capabilities: pluginsdk.Capabilities{
			ChatTypes: []pluginsdk.ChatType{pluginsdk.ChatDirect, pluginsdk.ChatGroup},
			Media:     false,
		},
		Config:   c,
		Status:   c,
		Gateway:  c,
		Outbound: c,
		Resolver: Resolver{},
	}
}

// --- config group ---

func (c *Channel) ListAccountIDs() []string {
	return config.SortedAccountIDs(c.cfg.Accounts)
}

func (c *Channel) ResolveAccount(accountID string) (pluginsdk.Account, error) {
	acct, ok := c.cfg.Accounts[accountID]
	if !ok {
		return pluginsdk.Account{}, &resilience.NotFoundError{Kind: "account", ID: accountID}
	}
	return pluginsdk.Account{
		ID:      accountID,
		Label:   "Feishu " + accountID,
		Enabled: acct.AppID != "" && acct.AppSecret != "",
		Settings: map[string]string{
			"appId":     acct.AppID,
			"allowFrom": strings.Join(acct.AllowFrom, ","),
		},
	}, nil
}

func (c *Channel) IsConfigured(accountID string) bool {
	acct, ok := c.cfg.Accounts[accountID]
	return ok && acct.AppID != "" && acct.AppSecret != ""
}

// --- status group ---

// ProbeAccount issues a cheap authenticated API call so credential
// problems surface without waiting for the next inbound event.
func (c *Channel) ProbeAccount(ctx context.Context, accountID string, timeout time.Duration) pluginsdk.ProbeResult {
	client := c.client(accountID)
	if client == nil {
		return pluginsdk.ProbeResult{Error: "account not started"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := client.Im.Chat.List(probeCtx, larkim.NewListChatReqBuilder().PageSize(1).Build())
	if err != nil {
		return pluginsdk.ProbeResult{Error: normalizeErr(err).Error()}
	}
	if !resp.Success() {
		return pluginsdk.ProbeResult{Error: fmt.Sprintf("feishu api error: code=%d msg=%s", resp.Code, resp.Msg)}
	}
	return pluginsdk.ProbeResult{OK: true}
}

func (c *Channel) CollectStatusIssues(accountIDs []string) []pluginsdk.StatusIssue {
	var issues []pluginsdk.StatusIssue
	for _, id := range accountIDs {
		if !c.IsConfigured(id) {
			issues = append(issues, pluginsdk.StatusIssue{
				Channel:   "feishu",
				AccountID: id,
				Kind:      "auth",
				Message:   "appId/appSecret not configured",
			})
		}
	}
	return issues
}

// --- gateway group ---

// StartAccount opens the SDK's websocket long connection and blocks
// until ctx is cancelled or the connection fails.
func (c *Channel) StartAccount(ctx context.Context, accountID string, setStatus pluginsdk.SetStatus) error {
	acct, ok := c.cfg.Accounts[accountID]
	if !ok || acct.AppID == "" || acct.AppSecret == "" {
		setStatus(pluginsdk.AccountStatus{Running: false, LastError: "appId/appSecret not configured"})
		return &resilience.FatalProviderError{Channel: "feishu", Err: fmt.Errorf("account %s has no app credentials", accountID)}
	}

	apiClient := lark.NewClient(acct.AppID, acct.AppSecret)
	c.mu.Lock()
	c.clients[accountID] = apiClient
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.clients, accountID)
		c.mu.Unlock()
	}()

	eventHandler := dispatcher.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(func(_ context.Context, event *larkim.P2MessageReceiveV1) error {
			c.handleMessageEvent(accountID, acct, event)
			return nil
		})

	wsClient := larkws.NewClient(acct.AppID, acct.AppSecret,
		larkws.WithEventHandler(eventHandler),
		larkws.WithLogLevel(larkcore.LogLevelWarn),
	)

	// Start blocks for the life of the connection, so it runs in its
	// own goroutine and an early error means bad credentials.
	errCh := make(chan error, 1)
	go func() {
		errCh <- wsClient.Start(ctx)
	}()

	select {
	case err := <-errCh:
		err = fmt.Errorf("feishu connection failed: %w", err)
		setStatus(pluginsdk.AccountStatus{Running: false, LastError: err.Error()})
		return err
	case <-time.After(connectGrace):
	}

	c.logger.Info("feishu long connection established", "accountId", accountID, "appId", acct.AppID)
	setStatus(pluginsdk.AccountStatus{Running: true, Connected: true, Linked: true})

	select {
	case <-ctx.Done():
		setStatus(pluginsdk.AccountStatus{Running: false})
		return nil
	case err := <-errCh:
		if err == nil {
			err = fmt.Errorf("feishu connection closed")
		}
		setStatus(pluginsdk.AccountStatus{Running: false, Connected: false, LastError: err.Error()})
		return &resilience.TransientNetworkError{Attempts: 1, Err: err}
	}
}

func (c *Channel) handleMessageEvent(accountID string, acct config.FeishuAccount, event *larkim.P2MessageReceiveV1) {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return
	}
	msg := event.Event.Message
	sender := event.Event.Sender

	if ptrStr(msg.MessageType) != "text" {
		return
	}

	// Feishu wraps text content in JSON: {"text":"..."}.
	var content struct {
		Text string `json:"text"`
	}
	if msg.Content != nil {
		_ = json.Unmarshal([]byte(*msg.Content), &content)
	}
	text := strings.TrimSpace(content.Text)
	if text == "" {
		return
	}

	senderID := ""
	if sender != nil && sender.SenderId != nil {
		senderID = ptrStr(sender.SenderId.OpenId)
	}
	chatID := ptrStr(msg.ChatId)
	chatType := ptrStr(msg.ChatType)

	if len(acct.AllowFrom) > 0 && !allowed(acct.AllowFrom, senderID) {
		c.logger.Debug("message from non-allowed user", "openId", senderID)
		return
	}
	if chatType == "group" && len(acct.AllowChats) > 0 && !allowed(acct.AllowChats, chatID) {
		c.logger.Debug("message from non-allowed chat", "chatId", chatID)
		return
	}

	ev := pluginsdk.InboundEvent{
		EventID:   "feishu:" + ptrStr(msg.MessageId),
		Channel:   "feishu",
		AccountID: accountID,
		SenderID:  senderID,
		ChatID:    chatID,
		ChatType:  string(pluginsdk.ChatDirect),
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	}
	if chatType == "group" {
		ev.ChatType = string(pluginsdk.ChatGroup)
	}

	if c.sink != nil {
		c.sink.HandleInbound(ev)
	}
}

func allowed(list []string, id string) bool {
	for _, a := range list {
		if a == "*" || a == id {
			return true
		}
	}
	return false
}

// --- outbound group ---

func (c *Channel) PrepareMessage(_ context.Context, mctx pluginsdk.MessageContext) (pluginsdk.MessageContext, error) {
	if mctx.AccountID == "" {
		ids := c.ListAccountIDs()
		if len(ids) == 0 {
			return mctx, &resilience.ValidationError{Message: "no feishu account configured"}
		}
		mctx.AccountID = ids[0]
	}
	return mctx, nil
}

func (c *Channel) SendText(ctx context.Context, mctx pluginsdk.MessageContext) (pluginsdk.SendResult, error) {
	client := c.client(mctx.AccountID)
	if client == nil {
		return pluginsdk.SendResult{}, &resilience.FatalProviderError{Channel: "feishu", Err: fmt.Errorf("account %s not connected", mctx.AccountID)}
	}

	receiveIDType, err := receiveIDTypeFor(mctx.Target)
	if err != nil {
		return pluginsdk.SendResult{}, err
	}

	contentJSON, _ := json.Marshal(map[string]string{"text": mctx.Text})

	if mctx.ReplyToID != "" {
		resp, err := client.Im.Message.Reply(ctx, larkim.NewReplyMessageReqBuilder().
			MessageId(mctx.ReplyToID).
			Body(larkim.NewReplyMessageReqBodyBuilder().
				MsgType("text").
				Content(string(contentJSON)).
				Build()).
			Build())
		if err != nil {
			return pluginsdk.SendResult{}, normalizeErr(err)
		}
		if !resp.Success() {
			return pluginsdk.SendResult{}, apiError(resp.Code, resp.Msg)
		}
		return pluginsdk.SendResult{MessageID: ptrStr(resp.Data.MessageId)}, nil
	}

	resp, err := client.Im.Message.Create(ctx, larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveIDType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(mctx.Target).
			MsgType("text").
			Content(string(contentJSON)).
			Build()).
		Build())
	if err != nil {
		return pluginsdk.SendResult{}, normalizeErr(err)
	}
	if !resp.Success() {
		return pluginsdk.SendResult{}, apiError(resp.Code, resp.Msg)
	}
	return pluginsdk.SendResult{MessageID: ptrStr(resp.Data.MessageId)}, nil
}

// SendMedia is declined: image and file sends need a prior upload step
// this adapter does not carry yet, and the registry advertises
// Media=false so the pipeline rejects media actions before reaching
// here.
func (c *Channel) SendMedia(_ context.Context, _ pluginsdk.MessageContext) (pluginsdk.SendResult, error) {
	return pluginsdk.SendResult{}, &resilience.ValidationError{Message: "feishu channel does not support media sends"}
}

func (c *Channel) client(accountID string) *lark.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clients[accountID]
}

// receiveIDTypeFor maps a normalized target prefix onto the API's
// receive_id_type parameter.
func receiveIDTypeFor(target string) (string, error) {
	switch {
	case strings.HasPrefix(target, "oc_"):
		return "chat_id", nil
	case strings.HasPrefix(target, "ou_"):
		return "open_id", nil
	default:
		return "", &resilience.ValidationError{
			Message: fmt.Sprintf("bad feishu target %q", target),
			Hint:    Resolver{}.Hint(),
		}
	}
}

func apiError(code int, msg string) error {
	// The SDK surfaces API-level failures as (code, msg) on the
	// response rather than as an error value. 99991663/99991668 are
	// token problems, everything in the 4xx-ish app range is treated
	// as a status for the classifier.
	return &resilience.StatusError{StatusCode: statusFor(code), Body: fmt.Sprintf("feishu api error: code=%d msg=%s", code, msg)}
}

// statusFor folds Feishu platform error codes into HTTP-style status
// codes the shared classifier understands.
func statusFor(code int) int {
	switch code {
	case 99991400: // rate limited
		return 429
	case 99991663, 99991664, 99991665, 99991668: // token invalid/expired
		return 401
	default:
		if code >= 500 && code < 600 {
			return code
		}
		return 400
	}
}

// normalizeErr maps SDK transport errors onto the common taxonomy.
func normalizeErr(err error) error {
	if err == nil {
		return nil
	}
	return &resilience.TransientNetworkError{Attempts: 1, Err: err}
}

func ptrStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Resolver recognizes Feishu open ids and chat ids.
type Resolver struct{}

// LooksLikeID accepts the platform's prefixed id forms: ou_ open ids
// for users, oc_ chat ids for group chats.
func (Resolver) LooksLikeID(raw string) bool {
	raw = strings.TrimSpace(raw)
	return strings.HasPrefix(raw, "ou_") || strings.HasPrefix(raw, "oc_")
}

func (Resolver) NormalizeTarget(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if !(Resolver{}).LooksLikeID(raw) {
		return "", false
	}
	return raw, true
}

func (Resolver) Hint() string {
	return "feishu targets are open ids (ou_...) for users or chat ids (oc_...) for group chats"
}
