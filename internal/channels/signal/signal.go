// Package signal implements the Signal channel plugin's config,
// status, and resolver groups. Like WhatsApp, the wire transport runs
// out of process; the plugin's role here is account declaration and
// target recognition.
package signal

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
	cfg config.SignalConfig
}

// New creates the Signal channel backing object.
func New(cfg config.SignalConfig) *Channel {
	return &Channel{cfg: cfg}
}

// Plugin returns the registration value for the registry.
func (c *Channel) Plugin() *pluginsdk.Plugin {
	return &pluginsdk.Plugin{
		ID:    "signal",
		Label: "Signal",
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
	return pluginsdk.Account{
		ID:      accountID,
		Label:   "Signal " + accountID,
		Enabled: acct.PhoneNumber != "",
		Settings: map[string]string{
			"phoneNumber": acct.PhoneNumber,
			"allowFrom":   strings.Join(acct.AllowFrom, ","),
		},
	}, nil
}

func (c *Channel) IsConfigured(accountID string) bool {
	acct, ok := c.cfg.Accounts[accountID]
	return ok && acct.PhoneNumber != ""
}

// --- status group ---

func (c *Channel) ProbeAccount(_ context.Context, accountID string, _ time.Duration) pluginsdk.ProbeResult {
	if !c.IsConfigured(accountID) {
		return pluginsdk.ProbeResult{Error: "phone number not configured"}
	}
	return pluginsdk.ProbeResult{Error: "transport not attached; probe unavailable"}
}

func (c *Channel) CollectStatusIssues(accountIDs []string) []pluginsdk.StatusIssue {
	var issues []pluginsdk.StatusIssue
	for _, id := range accountIDs {
		if !c.IsConfigured(id) {
			issues = append(issues, pluginsdk.StatusIssue{
				Channel:   "signal",
				AccountID: id,
				Kind:      "auth",
				Message:   "phone number not configured",
			})
		}
	}
	return issues
}

// --- resolver group ---

// Signal addresses are E.164 phone numbers with a mandatory + prefix,
// or base64 group ids.
var (
	e164Re    = regexp.MustCompile(`^\+[1-9][0-9]{5,14}$`)
	groupIDRe = regexp.MustCompile(`^[A-Za-z0-9+/]{40,}={0,2}$`)
)

// Resolver recognizes Signal recipients.
type Resolver struct{}

func (Resolver) LooksLikeID(raw string) bool {
	raw = strings.TrimSpace(raw)
	return e164Re.MatchString(strings.ReplaceAll(raw, " ", "")) || groupIDRe.MatchString(raw)
}

func (Resolver) NormalizeTarget(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if groupIDRe.MatchString(raw) {
		return raw, true
	}
	compact := strings.ReplaceAll(raw, " ", "")
	if !e164Re.MatchString(compact) {
		return "", false
	}
	return compact, true
}

func (Resolver) Hint() string {
	return "signal targets are E.164 phone numbers (+15551234567) or base64 group ids"
}
