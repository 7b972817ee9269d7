package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		kind    ChannelKind
		config  ChannelConfig
		wantErr bool
	}{
		{
			name:   "valid telegram",
			kind:   ChannelTelegram,
			config: ChannelConfig{Telegram: &TelegramConfig{BotToken: "123:abc", ChatID: 42}},
		},
		{
			name:    "telegram missing chat id",
			kind:    ChannelTelegram,
			config:  ChannelConfig{Telegram: &TelegramConfig{BotToken: "123:abc"}},
			wantErr: true,
		},
		{
			name:    "telegram variant absent",
			kind:    ChannelTelegram,
			config:  ChannelConfig{Webhook: &WebhookConfig{URL: "https://example.com"}},
			wantErr: true,
		},
		{
			name:   "valid webhook",
			kind:   ChannelWebhook,
			config: ChannelConfig{Webhook: &WebhookConfig{URL: "https://example.com/hook"}},
		},
		{
			name:    "webhook missing url",
			kind:    ChannelWebhook,
			config:  ChannelConfig{Webhook: &WebhookConfig{}},
			wantErr: true,
		},
		{
			name:   "valid slack",
			kind:   ChannelSlack,
			config: ChannelConfig{Slack: &SlackConfig{WebhookURL: "https://hooks.slack.com/x", Channel: "#alerts"}},
		},
		{
			name:    "slack missing channel",
			kind:    ChannelSlack,
			config:  ChannelConfig{Slack: &SlackConfig{WebhookURL: "https://hooks.slack.com/x"}},
			wantErr: true,
		},
		{
			name:   "valid line",
			kind:   ChannelLine,
			config: ChannelConfig{Line: &LineConfig{AccessToken: "tok", To: "U123"}},
		},
		{
			name:   "valid email",
			kind:   ChannelEmail,
			config: ChannelConfig{Email: &EmailConfig{SMTPHost: "smtp.example.com", From: "a@example.com", To: []string{"b@example.com"}}},
		},
		{
			name:    "email without recipients",
			kind:    ChannelEmail,
			config:  ChannelConfig{Email: &EmailConfig{SMTPHost: "smtp.example.com", From: "a@example.com"}},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			kind:    ChannelKind("pager"),
			config:  ChannelConfig{},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate(tt.kind)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecodeChannelConfig(t *testing.T) {
	raw := []byte(`{"telegram":{"bot_token":"123:abc","chat_id":42}}`)
	cfg, err := DecodeChannelConfig(ChannelTelegram, raw)
	require.NoError(t, err)
	require.NotNil(t, cfg.Telegram)
	assert.Equal(t, int64(42), cfg.Telegram.ChatID)
}

func TestDecodeChannelConfig_InvalidJSON(t *testing.T) {
	_, err := DecodeChannelConfig(ChannelTelegram, []byte(`{not json`))
	assert.Error(t, err)
}

func TestDecodeChannelConfig_WrongVariant(t *testing.T) {
	raw := []byte(`{"webhook":{"url":"https://example.com"}}`)
	_, err := DecodeChannelConfig(ChannelTelegram, raw)
	assert.Error(t, err)
}
