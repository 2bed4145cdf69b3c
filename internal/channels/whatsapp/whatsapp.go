// Package whatsapp implements the WhatsApp channel plugin's config,
// status, and resolver groups. The gateway and outbound groups are
// absent: linked-device transport lives in a separate companion
// process, and the registry advertises the gap instead of stubbing it.
package whatsapp

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/clawgate/clawgate/internal/config"
	"github.com/clawgate/clawgate/internal/resilience"
	"github.com/clawgate/clawgate/pkg/pluginsdk"
)

// Channel implements the config, status, and resolver groups.
type Channel struct {
	cfg config.WhatsAppConfig
}

// New creates the WhatsApp channel backing object.
func New(cfg config.WhatsAppConfig) *Channel {
	return &Channel{cfg: cfg}
}

// Plugin returns the registration value for the registry. Gateway and
// Outbound stay nil.
func (c *Channel) Plugin() *pluginsdk.Plugin {
	return &pluginsdk.Plugin{
		ID:    "whatsapp",
		Label: "WhatsApp",
		Capabilities: pluginsdk.Capabilities{
			ChatTypes: []pluginsdk.ChatType{pluginsdk.ChatDirect, pluginsdk.ChatGroup},
			Media:     true,
		},
		Config:   c,
		Status:   c,
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
	dmPolicy := acct.DMPolicy
	if dmPolicy == "" {
		dmPolicy = "pairing"
	}
	return pluginsdk.Account{
		ID:      accountID,
		Label:   "WhatsApp " + accountID,
		Enabled: true,
		Settings: map[string]string{
			"dmPolicy":  dmPolicy,
			"allowFrom": strings.Join(acct.AllowFrom, ","),
		},
	}, nil
}

// IsConfigured is always true for declared accounts: WhatsApp links by
// QR pairing at runtime, so there is no credential to check here.
func (c *Channel) IsConfigured(accountID string) bool {
	_, ok := c.cfg.Accounts[accountID]
	return ok
}

// --- status group ---

func (c *Channel) ProbeAccount(_ context.Context, accountID string, _ time.Duration) pluginsdk.ProbeResult {
	if !c.IsConfigured(accountID) {
		return pluginsdk.ProbeResult{Error: "account not configured"}
	}
	return pluginsdk.ProbeResult{Error: "transport not attached; probe unavailable"}
}

func (c *Channel) CollectStatusIssues(accountIDs []string) []pluginsdk.StatusIssue {
	var issues []pluginsdk.StatusIssue
	for _, id := range accountIDs {
		if !c.IsConfigured(id) {
			issues = append(issues, pluginsdk.StatusIssue{
				Channel:   "whatsapp",
				AccountID: id,
				Kind:      "runtime",
				Message:   "account not declared in config",
			})
		}
	}
	return issues
}

// --- resolver group ---

var phoneRe = regexp.MustCompile(`^\+?[0-9]{6,15}$`)

// Resolver recognizes WhatsApp JIDs and E.164-ish phone numbers.
type Resolver struct{}

func (Resolver) LooksLikeID(raw string) bool {
	raw = strings.TrimSpace(raw)
	if strings.HasSuffix(raw, "@g.us") || strings.HasSuffix(raw, "@s.whatsapp.net") {
		return true
	}
	return phoneRe.MatchString(strings.ReplaceAll(raw, " ", ""))
}

// NormalizeTarget canonicalizes phone numbers to the user JID form and
// passes full JIDs through lowercased.
func (Resolver) NormalizeTarget(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if strings.HasSuffix(raw, "@g.us") || strings.HasSuffix(raw, "@s.whatsapp.net") {
		return strings.ToLower(raw), true
	}
	digits := strings.ReplaceAll(raw, " ", "")
	digits = strings.TrimPrefix(digits, "+")
	if !phoneRe.MatchString(digits) {
		return "", false
	}
	return digits + "@s.whatsapp.net", true
}

func (Resolver) Hint() string {
	return "whatsapp targets are phone numbers (+15551234567), user JIDs (...@s.whatsapp.net), or group JIDs (...@g.us)"
}
