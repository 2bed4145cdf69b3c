package http

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clawgate/clawgate/internal/security"
)

// requestLogger logs each request with its status and latency.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		logger.Info("http request",
			"method", method,
			"path", path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"ip", c.ClientIP(),
		)
	}
}

var verifySHA256 = security.NewSignatureVerifier("sha256")

// webhookSignature verifies the X-Signature-256 header against an
// HMAC-SHA256 of the raw body keyed by the account's webhook secret.
// The body is restored for downstream binding.
func (s *Server) webhookSignature() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Secrets come through the config cache so a rotated webhook
		// secret takes effect without a restart.
		accountID := c.Param("account")
		acct, ok := s.cfgCache.Get().Channels.Telegram.Accounts[accountID]
		if !ok || acct.WebhookSecret == "" {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"ok": false, "error": "unknown webhook account"})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"ok": false, "error": "unreadable body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		mac := hmac.New(sha256.New, []byte(acct.WebhookSecret))
		mac.Write(body)
		expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))

		if !verifySHA256(expected, c.GetHeader("X-Signature-256")) {
			s.logger.Warn("webhook signature mismatch", "account", accountID, "ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "signature mismatch"})
			return
		}

		c.Next()
	}
}
