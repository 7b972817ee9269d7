package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChannelKind enumerates the supported notification channels.
type ChannelKind string

const (
	ChannelTelegram ChannelKind = "telegram"
	ChannelWebhook  ChannelKind = "webhook"
	ChannelSlack    ChannelKind = "slack"
	ChannelLine     ChannelKind = "line"
	ChannelEmail    ChannelKind = "email"
)

// ChannelConfig is the per-kind configuration union. Exactly one variant is
// populated, matching the rule's channel kind; Validate enforces the required
// fields at construction time so a misconfigured rule fails closed before any
// dispatch is attempted.
type ChannelConfig struct {
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Webhook  *WebhookConfig  `json:"webhook,omitempty"`
	Slack    *SlackConfig    `json:"slack,omitempty"`
	Line     *LineConfig     `json:"line,omitempty"`
	Email    *EmailConfig    `json:"email,omitempty"`
}

type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   int64  `json:"chat_id"`
}

type WebhookConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

type SlackConfig struct {
	WebhookURL string `json:"webhook_url"`
	Channel    string `json:"channel"`
}

type LineConfig struct {
	AccessToken string `json:"access_token"`
	To          string `json:"to"`
}

type EmailConfig struct {
	SMTPHost string   `json:"smtp_host"`
	SMTPPort int      `json:"smtp_port"`
	From     string   `json:"from"`
	To       []string `json:"to"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
}

// Validate checks that the variant matching kind is present and carries its
// required fields.
func (c ChannelConfig) Validate(kind ChannelKind) error {
	switch kind {
	case ChannelTelegram:
		if c.Telegram == nil || c.Telegram.BotToken == "" || c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram config requires bot_token and chat_id")
		}
	case ChannelWebhook:
		if c.Webhook == nil || c.Webhook.URL == "" {
			return fmt.Errorf("webhook config requires url")
		}
	case ChannelSlack:
		if c.Slack == nil || c.Slack.WebhookURL == "" || c.Slack.Channel == "" {
			return fmt.Errorf("slack config requires webhook_url and channel")
		}
	case ChannelLine:
		if c.Line == nil || c.Line.AccessToken == "" || c.Line.To == "" {
			return fmt.Errorf("line config requires access_token and to")
		}
	case ChannelEmail:
		if c.Email == nil || c.Email.SMTPHost == "" || c.Email.From == "" || len(c.Email.To) == 0 {
			return fmt.Errorf("email config requires smtp_host, from and at least one recipient")
		}
	default:
		return fmt.Errorf("unknown channel kind %q", kind)
	}
	return nil
}

// NotificationRule routes fused events to a channel. Rules are created and
// edited through the admin surface; the alert engine only reads them.
type NotificationRule struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Channel     ChannelKind   `json:"channel"`
	MinSeverity int           `json:"min_severity"` // 1-10
	Config      ChannelConfig `json:"config"`
	Enabled     bool          `json:"enabled"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// DecodeChannelConfig parses a stored JSONB config document and validates it
// against the rule's channel kind.
func DecodeChannelConfig(kind ChannelKind, raw []byte) (ChannelConfig, error) {
	var cfg ChannelConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ChannelConfig{}, fmt.Errorf("failed to decode channel config: %w", err)
	}
	if err := cfg.Validate(kind); err != nil {
		return ChannelConfig{}, err
	}
	return cfg, nil
}
