package platform

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"chatbridge/internal/domain"
)

type webhookTarget struct {
	id    string
	token string
}

// DiscordWebhook posts to Discord incoming webhooks. It is outbound only:
// Subscribe is accepted but nothing is ever delivered.
type DiscordWebhook struct {
	inbound
	targets map[string]webhookTarget
	maxLen  int
	logger  *slog.Logger

	mu      sync.Mutex
	session *discordgo.Session
}

func NewDiscordWebhook(cfg Config) (*DiscordWebhook, error) {
	if len(cfg.Webhooks) == 0 {
		return nil, fmt.Errorf("discord_webhook: no webhooks configured")
	}
	targets := make(map[string]webhookTarget, len(cfg.Webhooks))
	for conv, raw := range cfg.Webhooks {
		t, err := parseWebhookURL(raw)
		if err != nil {
			return nil, fmt.Errorf("discord_webhook %s: %w", conv, err)
		}
		targets[conv] = t
	}
	return &DiscordWebhook{targets: targets, maxLen: cfg.MaxMessageLength, logger: cfg.Logger}, nil
}

// parseWebhookURL extracts id and token from
// https://discord.com/api/webhooks/{id}/{token}.
func parseWebhookURL(raw string) (webhookTarget, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return webhookTarget{}, fmt.Errorf("parse webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return webhookTarget{id: parts[i+1], token: parts[i+2]}, nil
		}
	}
	return webhookTarget{}, fmt.Errorf("not a discord webhook url: %s", u.Redacted())
}

func (w *DiscordWebhook) Name() string { return TypeDiscordWebhook }

func (w *DiscordWebhook) Connect(ctx context.Context) error {
	session, err := discordgo.New("")
	if err != nil {
		return fmt.Errorf("discord webhook session: %w", err)
	}
	for conv, t := range w.targets {
		if _, err := session.WebhookWithToken(t.id, t.token, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord webhook %s: %w", conv, discordError(err))
		}
	}
	w.mu.Lock()
	w.session = session
	w.mu.Unlock()
	w.logger.Info("discord webhooks verified", "count", len(w.targets))
	return nil
}

func (w *DiscordWebhook) Disconnect(ctx context.Context) error {
	w.mu.Lock()
	w.session = nil
	w.mu.Unlock()
	return nil
}

func (w *DiscordWebhook) Ping(ctx context.Context) error {
	session := w.current()
	if session == nil {
		return domain.ErrNotConnected
	}
	// any one target proves the API is reachable
	for _, t := range w.targets {
		if _, err := session.WebhookWithToken(t.id, t.token, discordgo.WithContext(ctx)); err != nil {
			return discordError(err)
		}
		return nil
	}
	return nil
}

// Send executes the webhook. A ThreadID posts into that Discord thread.
func (w *DiscordWebhook) Send(ctx context.Context, out domain.OutboundMessage) (domain.DeliveryResult, error) {
	session, t, err := w.target(out.ConversationID)
	if err != nil {
		return domain.DeliveryResult{}, err
	}

	var res domain.DeliveryResult
	for _, chunk := range splitMessage(out.Text, w.maxLen) {
		m, err := session.WebhookThreadExecute(t.id, t.token, true, out.ThreadID,
			&discordgo.WebhookParams{Content: chunk}, discordgo.WithContext(ctx))
		if err != nil {
			return res, discordError(err)
		}
		if m != nil {
			res.MessageIDs = append(res.MessageIDs, m.ID)
			res.SentAt = m.Timestamp
		}
	}
	return res, nil
}

// Edit and Delete only work on messages the webhook itself posted.
func (w *DiscordWebhook) Edit(ctx context.Context, conversationID, messageID, content string) error {
	session, t, err := w.target(conversationID)
	if err != nil {
		return err
	}
	if _, err := session.WebhookMessageEdit(t.id, t.token, messageID,
		&discordgo.WebhookEdit{Content: &content}, discordgo.WithContext(ctx)); err != nil {
		return discordError(err)
	}
	return nil
}

func (w *DiscordWebhook) Delete(ctx context.Context, conversationID, messageID string) error {
	session, t, err := w.target(conversationID)
	if err != nil {
		return err
	}
	if err := session.WebhookMessageDelete(t.id, t.token, messageID, discordgo.WithContext(ctx)); err != nil {
		return discordError(err)
	}
	return nil
}

func (w *DiscordWebhook) AddReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return fmt.Errorf("discord webhook reactions: %w", domain.ErrUnsupported)
}

func (w *DiscordWebhook) RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return fmt.Errorf("discord webhook reactions: %w", domain.ErrUnsupported)
}

func (w *DiscordWebhook) target(conversationID string) (*discordgo.Session, webhookTarget, error) {
	session := w.current()
	if session == nil {
		return nil, webhookTarget{}, domain.ErrNotConnected
	}
	t, ok := w.targets[conversationID]
	if !ok {
		return nil, webhookTarget{}, fmt.Errorf("%w: no webhook for conversation %s", domain.ErrInvalidRequest, conversationID)
	}
	return session, t, nil
}

func (w *DiscordWebhook) FetchHistory(ctx context.Context, conversationID string, limit int, cursor string) (domain.HistoryPage, error) {
	return domain.HistoryPage{}, fmt.Errorf("discord webhook history: %w", domain.ErrUnsupported)
}

func (w *DiscordWebhook) current() *discordgo.Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session
}
