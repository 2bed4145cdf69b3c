// Package config handles loading the Clawgate configuration.
// Config is stored at ~/.clawgate/clawgate.yaml, with a JSON fallback
// at ~/.clawgate/clawgate.json. Channel credentials may also arrive
// via environment variables, which win over file values.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-yaml"
)

// Config is the top-level Clawgate configuration.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway" json:"gateway"`
	Channels ChannelsConfig `yaml:"channels" json:"channels"`
	Agent    AgentConfig    `yaml:"agent" json:"agent"`
}

// GatewayConfig configures the gateway server.
type GatewayConfig struct {
	Port     int         `yaml:"port" json:"port"`
	HTTPPort int         `yaml:"httpPort" json:"httpPort"`
	Bind     string      `yaml:"bind" json:"bind"` // "loopback" or "all"
	Auth     GatewayAuth `yaml:"auth" json:"auth"`
}

// GatewayAuth configures gateway authentication.
type GatewayAuth struct {
	Mode  string `yaml:"mode" json:"mode"` // "token" or "none"
	Token string `yaml:"token" json:"token"`
}

// AgentConfig identifies the default agent requests are attributed to.
type AgentConfig struct {
	ID string `yaml:"id" json:"id"`
}

// ChannelsConfig configures messaging channels. Each channel carries a
// map of account id -> account settings; a channel with no accounts is
// not configured.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram" json:"telegram"`
	Feishu   FeishuConfig   `yaml:"feishu" json:"feishu"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp" json:"whatsapp"`
	Signal   SignalConfig   `yaml:"signal" json:"signal"`
}

// TelegramConfig configures Telegram bot accounts.
type TelegramConfig struct {
	Accounts map[string]TelegramAccount `yaml:"accounts" json:"accounts"`
}

// TelegramAccount is one Telegram bot identity.
type TelegramAccount struct {
	BotToken      string   `yaml:"botToken" json:"botToken"`
	AllowFrom     []string `yaml:"allowFrom" json:"allowFrom"`
	WebhookSecret string   `yaml:"webhookSecret" json:"webhookSecret"`
}

// FeishuConfig configures Feishu/Lark app accounts.
type FeishuConfig struct {
	Accounts map[string]FeishuAccount `yaml:"accounts" json:"accounts"`
}

// FeishuAccount is one Feishu app identity.
type FeishuAccount struct {
	AppID      string   `yaml:"appId" json:"appId"`
	AppSecret  string   `yaml:"appSecret" json:"appSecret"`
	AllowFrom  []string `yaml:"allowFrom" json:"allowFrom"`
	AllowChats []string `yaml:"allowChats" json:"allowChats"`
}

// WhatsAppConfig configures WhatsApp accounts.
type WhatsAppConfig struct {
	Accounts map[string]WhatsAppAccount `yaml:"accounts" json:"accounts"`
}

// WhatsAppAccount is one linked WhatsApp identity.
type WhatsAppAccount struct {
	AllowFrom []string `yaml:"allowFrom" json:"allowFrom"`
	DMPolicy  string   `yaml:"dmPolicy" json:"dmPolicy"` // "pairing" or "open"
}

// SignalConfig configures Signal accounts.
type SignalConfig struct {
	Accounts map[string]SignalAccount `yaml:"accounts" json:"accounts"`
}

// SignalAccount is one Signal identity.
type SignalAccount struct {
	PhoneNumber string   `yaml:"phoneNumber" json:"phoneNumber"`
	AllowFrom   []string `yaml:"allowFrom" json:"allowFrom"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Port:     18890,
			HTTPPort: 18891,
			Bind:     "loopback",
			Auth:     GatewayAuth{Mode: "token"},
		},
		Agent: AgentConfig{ID: "main"},
	}
}

// ConfigDir returns the Clawgate config directory (~/.clawgate).
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clawgate"
	}
	return filepath.Join(home, ".clawgate")
}

// Load reads the config file, preferring YAML and falling back to
// JSON. A missing file yields defaults, not an error.
func Load() (*Config, error) {
	cfg := Default()

	path := filepath.Join(ConfigDir(), "clawgate.yaml")
	if envPath := os.Getenv("CLAWGATE_CONFIG"); envPath != "" {
		path = envPath
	}

	data, err := os.ReadFile(path)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		jsonPath := filepath.Join(ConfigDir(), "clawgate.json")
		if jdata, jerr := os.ReadFile(jsonPath); jerr == nil {
			if err := json.Unmarshal(jdata, cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", jsonPath, err)
			}
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		applyEnvOverrides(cfg)
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes the config back as YAML.
func Save(cfg *Config) error {
	path := filepath.Join(ConfigDir(), "clawgate.yaml")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// applyEnvOverrides merges environment variables into configuration.
// A token from the environment creates the "default" account when no
// account is configured for its channel.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		if cfg.Channels.Telegram.Accounts == nil {
			cfg.Channels.Telegram.Accounts = map[string]TelegramAccount{}
		}
		acct := cfg.Channels.Telegram.Accounts["default"]
		acct.BotToken = v
		cfg.Channels.Telegram.Accounts["default"] = acct
	}
	if v := os.Getenv("CLAWGATE_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Token = v
	}
}

// SortedAccountIDs returns map keys in stable order; channels use it
// to satisfy the plugin contract's ordered account listing.
func SortedAccountIDs[T any](accounts map[string]T) []string {
	ids := make([]string, 0, len(accounts))
	for id := range accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
