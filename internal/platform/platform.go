// Package platform holds the chat platform integrations behind
// domain.PlatformClient.
package platform

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"chatbridge/internal/domain"
)

// Platform types accepted in adapter.type.
const (
	TypeTelegram       = "telegram"
	TypeSlack          = "slack"
	TypeZulip          = "zulip"
	TypeDiscord        = "discord"
	TypeDiscordWebhook = "discord_webhook"
	TypeShell          = "shell"
	TypeTextFile       = "text_file"
)

// Types lists every supported platform type.
var Types = []string{
	TypeTelegram, TypeSlack, TypeZulip, TypeDiscord,
	TypeDiscordWebhook, TypeShell, TypeTextFile,
}

const defaultMaxMessageLength = 4000

// Config carries the platform section of an adapter config.
type Config struct {
	Type      string
	AdapterID string

	BotToken string
	AppToken string // slack socket mode
	GuildID  string // discord

	Site   string // zulip
	Email  string
	APIKey string

	Webhooks map[string]string // discord_webhook: conversation id -> URL

	Command string // shell

	BaseDir      string // text_file
	PollInterval time.Duration

	MaxMessageLength int
	HTTPClient       *http.Client
	Logger           *slog.Logger
}

// New builds the client for cfg.Type.
func New(cfg Config) (domain.PlatformClient, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 90 * time.Second}
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = defaultMaxMessageLength
	}
	cfg.Logger = cfg.Logger.With("platform", cfg.Type)

	switch cfg.Type {
	case TypeTelegram:
		return NewTelegram(cfg), nil
	case TypeSlack:
		return NewSlack(cfg), nil
	case TypeZulip:
		return NewZulip(cfg), nil
	case TypeDiscord:
		return NewDiscord(cfg), nil
	case TypeDiscordWebhook:
		return NewDiscordWebhook(cfg)
	case TypeShell:
		return NewShell(cfg), nil
	case TypeTextFile:
		return NewTextFile(cfg), nil
	default:
		return nil, fmt.Errorf("unknown platform type %q", cfg.Type)
	}
}

// inbound stores the subscribed handler.
type inbound struct {
	mu      sync.RWMutex
	handler func(domain.InboundEvent)
}

func (in *inbound) Subscribe(handler func(domain.InboundEvent)) {
	in.mu.Lock()
	in.handler = handler
	in.mu.Unlock()
}

func (in *inbound) emit(kind domain.InboundKind, msg domain.InboundMessage) {
	in.emitEvent(domain.InboundEvent{Kind: kind, Message: msg})
}

func (in *inbound) emitEvent(ev domain.InboundEvent) {
	in.mu.RLock()
	h := in.handler
	in.mu.RUnlock()
	if h != nil {
		h(ev)
	}
}

// reaction builds a reaction or pin event. actor is the user who acted.
func reaction(kind domain.InboundKind, conversationID, messageID, actor, emoji string) domain.InboundEvent {
	return domain.InboundEvent{
		Kind: kind,
		Message: domain.InboundMessage{
			ID:             messageID,
			ConversationID: conversationID,
			SenderID:       actor,
		},
		Emoji: emoji,
	}
}

// httpOpener returns an attachment opener that downloads url.
func httpOpener(client *http.Client, url string, header http.Header) func(ctx context.Context) (io.ReadCloser, error) {
	return func(ctx context.Context) (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		for k, v := range header {
			req.Header[k] = v
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("download attachment: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("download attachment: status %d", resp.StatusCode)
		}
		return resp.Body, nil
	}
}

func unknownSize(n int) int64 {
	if n <= 0 {
		return -1
	}
	return int64(n)
}
