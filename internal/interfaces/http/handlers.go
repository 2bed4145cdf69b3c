package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/clawgate/clawgate/internal/outbound"
	"github.com/clawgate/clawgate/internal/resilience"
	"github.com/clawgate/clawgate/pkg/pluginsdk"
)

func (s *Server) handleHealth(c *gin.Context) {
	report := s.health.Health()
	c.JSON(http.StatusOK, gin.H{
		"status":      report.Status,
		"issues":      report.Issues,
		"accounts":    report.Accounts,
		"refreshedAt": report.RefreshedAt,
		"uptime":      time.Since(s.startedAt).String(),
	})
}

type sendRequest struct {
	Target  string           `json:"target"`
	ChatID  string           `json:"chatId"` // accepted alias for target
	Message string           `json:"message"`
	Media   *pluginsdk.Media `json:"media,omitempty"`
}

// handleSend runs a message action for one channel. The response body
// always carries success; failures add error text with a status
// matching the failure class.
func (s *Server) handleSend(c *gin.Context) {
	var body sendRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body: " + err.Error()})
		return
	}

	target := body.Target
	if target == "" {
		target = body.ChatID
	}

	result, err := s.pipeline.RunMessageAction(c.Request.Context(), outbound.MessageActionRequest{
		Channel: c.Param("channel"),
		Target:  target,
		Message: body.Message,
		Media:   body.Media,
		AgentID: s.cfg.Agent.ID,
	})
	if err != nil {
		c.JSON(sendStatusFor(err), gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"handledBy": result.HandledBy,
		"messageId": result.Payload.MessageID,
	})
}

func sendStatusFor(err error) int {
	switch {
	case resilience.IsValidation(err):
		return http.StatusBadRequest
	case resilience.IsNotFound(err):
		return http.StatusNotFound
	case resilience.IsRateLimited(err):
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

// handleTelegramWebhook accepts a bot API update whose signature the
// middleware already verified and feeds it to the inbound path, same
// as a long-poll update.
func (s *Server) handleTelegramWebhook(c *gin.Context) {
	accountID := c.Param("account")

	var update tgbotapi.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid update payload"})
		return
	}
	if update.Message == nil || update.Message.From == nil {
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	msg := update.Message
	ev := pluginsdk.InboundEvent{
		EventID:   "telegram:" + strconv.FormatInt(msg.Chat.ID, 10) + ":" + strconv.Itoa(msg.MessageID),
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

	if s.sink != nil {
		s.sink.HandleInbound(ev)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
