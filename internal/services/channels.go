package services

import (
	"context"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/xiangteng007/signalfuse/internal/models"
)

// Channel delivers one formatted event through one notification medium.
// Implementations classify failures with the ErrChannel* sentinels so the
// alert engine can downgrade them to counts.
type Channel interface {
	Kind() models.ChannelKind
	Send(ctx context.Context, cfg models.ChannelConfig, event *models.FusedEvent, message string) error
}

// NewChannelSet wires the default adapters for every supported channel kind.
func NewChannelSet() map[models.ChannelKind]Channel {
	httpClient := resty.New().SetTimeout(15 * time.Second)
	return map[models.ChannelKind]Channel{
		models.ChannelTelegram: NewTelegramChannel(),
		models.ChannelWebhook:  &WebhookChannel{client: httpClient},
		models.ChannelSlack:    &SlackChannel{client: httpClient},
		models.ChannelLine:     &LineChannel{client: httpClient, pushURL: "https://api.line.me/v2/bot/message/push"},
		models.ChannelEmail:    &EmailChannel{send: smtp.SendMail},
	}
}

// FormatEventMessage renders the operator-facing alert text shared by the
// text-based channels.
func FormatEventMessage(event *models.FusedEvent) string {
	var b strings.Builder
	switch event.Label() {
	case models.SeverityCritical:
		b.WriteString("🚨 *CRITICAL ALERT*")
	case models.SeverityHigh:
		b.WriteString("⚠️ *High Severity Alert*")
	default:
		b.WriteString("📊 *Market Signal*")
	}
	b.WriteString(fmt.Sprintf("\n\n*%s*\n", event.Title))
	b.WriteString(fmt.Sprintf("📍 Subject: %s\n", event.SubjectKey))
	b.WriteString(fmt.Sprintf("🔥 Severity: *%d/10* (%s)\n", event.Severity, event.Label()))
	b.WriteString(fmt.Sprintf("🎯 Confidence: %.0f%%\n", event.Confidence*100))
	b.WriteString(fmt.Sprintf("📈 Sentiment: %s\n", event.Sentiment))

	if event.Breakdown != nil && event.Breakdown.Explain != "" {
		b.WriteString(fmt.Sprintf("🧮 %s\n", event.Breakdown.Explain))
	}

	total := 0
	for _, refs := range event.Sources {
		total += len(refs)
	}
	if total > 1 {
		b.WriteString(fmt.Sprintf("🔗 Evidence: %d signals across %d sources\n", total, len(event.Sources)))
	}
	for _, action := range event.Actions {
		b.WriteString(fmt.Sprintf("👉 %s — %s\n", action.Type, action.Reason))
	}
	return b.String()
}

// TelegramChannel sends through the Bot API. Bot clients are cached by token
// with a fixed TTL so repeated dispatches for the same rule reuse one client;
// the cache lives on the adapter and is injected, never a package singleton.
type TelegramChannel struct {
	mu     sync.Mutex
	bots   map[string]telegramBotEntry
	ttl    time.Duration
	newBot func(token string) (telegramSender, error)
}

type telegramSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
}

type telegramBotEntry struct {
	sender   telegramSender
	cachedAt time.Time
}

func NewTelegramChannel() *TelegramChannel {
	return &TelegramChannel{
		bots: make(map[string]telegramBotEntry),
		ttl:  30 * time.Minute,
		newBot: func(token string) (telegramSender, error) {
			return bot.New(token)
		},
	}
}

func (t *TelegramChannel) Kind() models.ChannelKind { return models.ChannelTelegram }

func (t *TelegramChannel) Send(ctx context.Context, cfg models.ChannelConfig, _ *models.FusedEvent, message string) error {
	if cfg.Telegram == nil || cfg.Telegram.BotToken == "" || cfg.Telegram.ChatID == 0 {
		return fmt.Errorf("%w: telegram requires bot_token and chat_id", ErrChannelConfig)
	}

	sender, err := t.sender(cfg.Telegram.BotToken)
	if err != nil {
		return fmt.Errorf("%w: failed to initialize telegram bot: %v", ErrChannelTransient, err)
	}

	_, err = sender.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    cfg.Telegram.ChatID,
		Text:      message,
		ParseMode: tgmodels.ParseModeMarkdown,
	})
	if err != nil {
		return fmt.Errorf("%w: telegram send failed: %v", ErrChannelTransient, err)
	}
	return nil
}

func (t *TelegramChannel) sender(token string) (telegramSender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.bots[token]; ok && time.Since(entry.cachedAt) < t.ttl {
		return entry.sender, nil
	}
	sender, err := t.newBot(token)
	if err != nil {
		return nil, err
	}
	t.bots[token] = telegramBotEntry{sender: sender, cachedAt: time.Now()}
	return sender, nil
}

// WebhookChannel POSTs the event wire schema to a configured URL.
type WebhookChannel struct {
	client *resty.Client
}

func (w *WebhookChannel) Kind() models.ChannelKind { return models.ChannelWebhook }

func (w *WebhookChannel) Send(ctx context.Context, cfg models.ChannelConfig, event *models.FusedEvent, _ string) error {
	if cfg.Webhook == nil || cfg.Webhook.URL == "" {
		return fmt.Errorf("%w: webhook requires url", ErrChannelConfig)
	}
	req := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(event)
	for k, v := range cfg.Webhook.Headers {
		req.SetHeader(k, v)
	}
	resp, err := req.Post(cfg.Webhook.URL)
	if err != nil {
		return fmt.Errorf("%w: webhook post failed: %v", ErrChannelTransient, err)
	}
	return classifyHTTPStatus("webhook", resp.StatusCode())
}

// SlackChannel posts the rendered message to an incoming-webhook URL.
type SlackChannel struct {
	client *resty.Client
}

func (s *SlackChannel) Kind() models.ChannelKind { return models.ChannelSlack }

func (s *SlackChannel) Send(ctx context.Context, cfg models.ChannelConfig, _ *models.FusedEvent, message string) error {
	if cfg.Slack == nil || cfg.Slack.WebhookURL == "" || cfg.Slack.Channel == "" {
		return fmt.Errorf("%w: slack requires webhook_url and channel", ErrChannelConfig)
	}
	payload := map[string]interface{}{
		"channel": cfg.Slack.Channel,
		"text":    message,
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(cfg.Slack.WebhookURL)
	if err != nil {
		return fmt.Errorf("%w: slack post failed: %v", ErrChannelTransient, err)
	}
	return classifyHTTPStatus("slack", resp.StatusCode())
}

// LineChannel pushes a text message through the LINE Messaging API.
type LineChannel struct {
	client  *resty.Client
	pushURL string
}

func (l *LineChannel) Kind() models.ChannelKind { return models.ChannelLine }

func (l *LineChannel) Send(ctx context.Context, cfg models.ChannelConfig, _ *models.FusedEvent, message string) error {
	if cfg.Line == nil || cfg.Line.AccessToken == "" || cfg.Line.To == "" {
		return fmt.Errorf("%w: line requires access_token and to", ErrChannelConfig)
	}
	payload := map[string]interface{}{
		"to": cfg.Line.To,
		"messages": []map[string]string{
			{"type": "text", "text": message},
		},
	}
	resp, err := l.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(cfg.Line.AccessToken).
		SetBody(payload).
		Post(l.pushURL)
	if err != nil {
		return fmt.Errorf("%w: line push failed: %v", ErrChannelTransient, err)
	}
	return classifyHTTPStatus("line", resp.StatusCode())
}

// EmailChannel sends a plain-text message over SMTP.
type EmailChannel struct {
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (e *EmailChannel) Kind() models.ChannelKind { return models.ChannelEmail }

func (e *EmailChannel) Send(_ context.Context, cfg models.ChannelConfig, event *models.FusedEvent, message string) error {
	if cfg.Email == nil || cfg.Email.SMTPHost == "" || cfg.Email.From == "" || len(cfg.Email.To) == 0 {
		return fmt.Errorf("%w: email requires smtp_host, from and recipients", ErrChannelConfig)
	}
	port := cfg.Email.SMTPPort
	if port == 0 {
		port = 587
	}
	var auth smtp.Auth
	if cfg.Email.Username != "" {
		auth = smtp.PlainAuth("", cfg.Email.Username, cfg.Email.Password, cfg.Email.SMTPHost)
	}
	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [%s] %s\r\n\r\n%s",
		cfg.Email.From, strings.Join(cfg.Email.To, ", "), event.Label(), event.Title, message)
	addr := fmt.Sprintf("%s:%d", cfg.Email.SMTPHost, port)
	if err := e.send(addr, auth, cfg.Email.From, cfg.Email.To, []byte(body)); err != nil {
		return fmt.Errorf("%w: smtp send failed: %v", ErrChannelTransient, err)
	}
	return nil
}

func classifyHTTPStatus(channel string, status int) error {
	switch {
	case status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: %s returned status %d", ErrChannelTransient, channel, status)
	default:
		return fmt.Errorf("%w: %s returned status %d", ErrChannelRejected, channel, status)
	}
}
