// Package telegram implements the Telegram Bot channel plugin.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/clawgate/clawgate/internal/config"
	"github.com/clawgate/clawgate/internal/resilience"
	"github.com/clawgate/clawgate/pkg/pluginsdk"
)

// Channel implements all capability groups for Telegram.
type Channel struct {
	cfg    config.TelegramConfig
	logger *slog.Logger
	sink   pluginsdk.InboundSink

	mu   sync.Mutex
	bots map[string]*tgbotapi.BotAPI // by account id
}

// New creates the Telegram channel backing object.
func New(cfg config.TelegramConfig, logger *slog.Logger, sink pluginsdk.InboundSink) *Channel {
	return &Channel{
		cfg:    cfg,
		logger: logger.With("channel", "telegram"),
		sink:   sink,
		bots:   map[string]*tgbotapi.BotAPI{},
	}
}

// Plugin returns the registration value for the registry.
func (c *Channel) Plugin() *pluginsdk.Plugin {
	return &pluginsdk.Plugin{
		ID:    "telegram",
		Label: "Telegram",
		Capabilities: pluginsdk.Capabilities{
			ChatTypes: []pluginsdk.ChatType{pluginsdk.ChatDirect, pluginsdk.ChatGroup},
			Media:     true,
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
		Label:   "Telegram " + accountID,
		Enabled: acct.BotToken != "",
		Settings: map[string]string{
			"allowFrom": strings.Join(acct.AllowFrom, ","),
		},
	}, nil
}

func (c *Channel) IsConfigured(accountID string) bool {
	acct, ok := c.cfg.Accounts[accountID]
	return ok && acct.BotToken != ""
}

// --- status group ---

func (c *Channel) ProbeAccount(ctx context.Context, accountID string, timeout time.Duration) pluginsdk.ProbeResult {
	bot := c.bot(accountID)
	if bot == nil {
		return pluginsdk.ProbeResult{Error: "account not started"}
	}

	done := make(chan error, 1)
	go func() {
		_, err := bot.GetMe()
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return pluginsdk.ProbeResult{Error: normalizeErr(err).Error()}
		}
		return pluginsdk.ProbeResult{OK: true}
	case <-time.After(timeout):
		return pluginsdk.ProbeResult{Error: "probe timed out"}
	case <-ctx.Done():
		return pluginsdk.ProbeResult{Error: ctx.Err().Error()}
	}
}

func (c *Channel) CollectStatusIssues(accountIDs []string) []pluginsdk.StatusIssue {
	var issues []pluginsdk.StatusIssue
	for _, id := range accountIDs {
		if !c.IsConfigured(id) {
			issues = append(issues, pluginsdk.StatusIssue{
				Channel:   "telegram",
				AccountID: id,
				Kind:      "auth",
				Message:   "bot token not configured",
			})
		}
	}
	return issues
}

// --- gateway group ---

// StartAccount connects the bot and long-polls updates until ctx is
// cancelled or the update stream fails.
func (c *Channel) StartAccount(ctx context.Context, accountID string, setStatus pluginsdk.SetStatus) error {
	acct, ok := c.cfg.Accounts[accountID]
	if !ok || acct.BotToken == "" {
		setStatus(pluginsdk.AccountStatus{Running: false, LastError: "bot token not configured"})
		return &resilience.FatalProviderError{Channel: "telegram", Err: fmt.Errorf("account %s has no bot token", accountID)}
	}

	bot, err := tgbotapi.NewBotAPI(acct.BotToken)
	if err != nil {
		err = normalizeErr(err)
		setStatus(pluginsdk.AccountStatus{Running: false, LastError: err.Error()})
		return err
	}

	c.mu.Lock()
	c.bots[accountID] = bot
	c.mu.Unlock()

	c.logger.Info("telegram bot connected", "accountId", accountID, "username", bot.Self.UserName)
	setStatus(pluginsdk.AccountStatus{Running: true, Connected: true, Linked: true})

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)

	defer func() {
		bot.StopReceivingUpdates()
		c.mu.Lock()
		delete(c.bots, accountID)
		c.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			setStatus(pluginsdk.AccountStatus{Running: false})
			return nil
		case update, ok := <-updates:
			if !ok {
				err := fmt.Errorf("telegram update stream closed")
				setStatus(pluginsdk.AccountStatus{Running: false, LastError: err.Error()})
				return err
			}
			if update.Message == nil {
				continue
			}
			c.handleUpdate(accountID, acct, update.Message)
		}
	}
}

func (c *Channel) handleUpdate(accountID string, acct config.TelegramAccount, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	if len(acct.AllowFrom) > 0 && !allowed(acct.AllowFrom, msg.From.UserName) {
		c.logger.Debug("message from non-allowed user", "username", msg.From.UserName)
		return
	}

	ev := pluginsdk.InboundEvent{
		EventID:   fmt.Sprintf("telegram:%d:%d", msg.Chat.ID, msg.MessageID),
		Channel:   "telegram",
		AccountID: accountID,
		SenderID:  strconv.FormatInt(msg.From.ID, 10),
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		ChatType:  string(pluginsdk.ChatDirect),
		Text:      msg.Text,
		Timestamp: time.Now().UnixMilli(),
	}
	if msg.Chat.IsGroup() || msg.Chat.IsSuperGroup() {
		ev.ChatType = string(pluginsdk.ChatGroup)
	}

	if c.sink != nil {
		c.sink.HandleInbound(ev)
	}
}

func allowed(allowFrom []string, username string) bool {
	for _, a := range allowFrom {
		if a == username || a == "@"+username {
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
			return mctx, &resilience.ValidationError{Message: "no telegram account configured"}
		}
		mctx.AccountID = ids[0]
	}
	return mctx, nil
}

func (c *Channel) SendText(_ context.Context, mctx pluginsdk.MessageContext) (pluginsdk.SendResult, error) {
	bot := c.bot(mctx.AccountID)
	if bot == nil {
		return pluginsdk.SendResult{}, &resilience.FatalProviderError{Channel: "telegram", Err: fmt.Errorf("account %s not connected", mctx.AccountID)}
	}

	chatID, err := chatIDFor(mctx.Target)
	if err != nil {
		return pluginsdk.SendResult{}, err
	}

	tgMsg := tgbotapi.NewMessage(chatID, mctx.Text)
	if mctx.ReplyToID != "" {
		if replyID, err := strconv.Atoi(mctx.ReplyToID); err == nil {
			tgMsg.ReplyToMessageID = replyID
		}
	}

	sent, err := bot.Send(tgMsg)
	if err != nil {
		return pluginsdk.SendResult{}, normalizeErr(err)
	}
	return pluginsdk.SendResult{MessageID: strconv.Itoa(sent.MessageID)}, nil
}

func (c *Channel) SendMedia(_ context.Context, mctx pluginsdk.MessageContext) (pluginsdk.SendResult, error) {
	bot := c.bot(mctx.AccountID)
	if bot == nil {
		return pluginsdk.SendResult{}, &resilience.FatalProviderError{Channel: "telegram", Err: fmt.Errorf("account %s not connected", mctx.AccountID)}
	}
	if mctx.Media == nil {
		return pluginsdk.SendResult{}, &resilience.ValidationError{Message: "no media attached"}
	}

	chatID, err := chatIDFor(mctx.Target)
	if err != nil {
		return pluginsdk.SendResult{}, err
	}

	var file tgbotapi.RequestFileData
	if len(mctx.Media.Data) > 0 {
		file = tgbotapi.FileBytes{Name: mctx.Media.Filename, Bytes: mctx.Media.Data}
	} else {
		file = tgbotapi.FileURL(mctx.Media.URL)
	}

	photo := tgbotapi.NewPhoto(chatID, file)
	photo.Caption = mctx.Text
	sent, err := bot.Send(photo)
	if err != nil {
		return pluginsdk.SendResult{}, normalizeErr(err)
	}
	return pluginsdk.SendResult{MessageID: strconv.Itoa(sent.MessageID)}, nil
}

func (c *Channel) bot(accountID string) *tgbotapi.BotAPI {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bots[accountID]
}

// chatIDFor parses a normalized target into a Telegram chat id.
// @handles cannot be sent to directly via chat id, so they resolve at
// prepare time in a fuller deployment; here they are rejected as
// unroutable rather than silently dropped.
func chatIDFor(target string) (int64, error) {
	if strings.HasPrefix(target, "@") {
		return 0, &resilience.ValidationError{
			Message: fmt.Sprintf("target %s must be resolved to a numeric chat id first", target),
			Hint:    Resolver{}.Hint(),
		}
	}
	id, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return 0, &resilience.ValidationError{Message: fmt.Sprintf("bad telegram chat id %q", target), Hint: Resolver{}.Hint()}
	}
	return id, nil
}

// normalizeErr maps the SDK's error shapes onto the common taxonomy so
// the classifier has one place to look.
func normalizeErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return &resilience.StatusError{StatusCode: apiErr.Code, Body: apiErr.Message}
	}
	return err
}

// --- messaging group ---

var numericChatID = regexp.MustCompile(`^-?\d{4,}$`)

// Resolver recognizes Telegram targets: numeric chat ids (possibly
// negative for groups) or @usernames.
type Resolver struct{}

func (Resolver) LooksLikeID(raw string) bool {
	raw = strings.TrimSpace(raw)
	if numericChatID.MatchString(raw) {
		return true
	}
	return strings.HasPrefix(raw, "@") && len(raw) > 1
}

func (Resolver) NormalizeTarget(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if numericChatID.MatchString(raw) {
		return raw, true
	}
	if strings.HasPrefix(raw, "@") && len(raw) > 1 {
		return "@" + strings.ToLower(raw[1:]), true
	}
	return "", false
}

func (Resolver) Hint() string {
	return "telegram targets are numeric chat ids (e.g. 123456789, -100987654321) or @usernames"
}
