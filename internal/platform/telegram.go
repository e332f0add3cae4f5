package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"chatbridge/internal/domain"
)

// Telegram is a Bot API client using long polling.
type Telegram struct {
	inbound
	token  string
	maxLen int
	http   *http.Client
	logger *slog.Logger

	mu   sync.Mutex
	bot  *tgbotapi.BotAPI
	done chan struct{}
}

func NewTelegram(cfg Config) *Telegram {
	return &Telegram{
		token:  cfg.BotToken,
		maxLen: cfg.MaxMessageLength,
		http:   cfg.HTTPClient,
		logger: cfg.Logger,
	}
}

func (t *Telegram) Name() string { return TypeTelegram }

func (t *Telegram) Connect(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPIWithClient(t.token, tgbotapi.APIEndpoint, t.http)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", telegramError(err))
	}
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	done := make(chan struct{})
	t.mu.Lock()
	t.bot = bot
	t.done = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		for update := range updates {
			t.handleUpdate(update)
		}
	}()
	return nil
}

// Disconnect stops polling. StopReceivingUpdates panics when called
// twice, so the bot is cleared under the lock first.
func (t *Telegram) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	bot, done := t.bot, t.done
	t.bot, t.done = nil, nil
	t.mu.Unlock()
	if bot == nil {
		return nil
	}

	bot.StopReceivingUpdates()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.logger.Info("telegram polling stopped")
	return nil
}

func (t *Telegram) Ping(ctx context.Context) error {
	bot := t.current()
	if bot == nil {
		return domain.ErrNotConnected
	}
	if _, err := bot.GetMe(); err != nil {
		return telegramError(err)
	}
	return nil
}

// Send posts out.Text, split to the length limit. A ThreadID makes every
// chunk a reply to that message.
func (t *Telegram) Send(ctx context.Context, out domain.OutboundMessage) (domain.DeliveryResult, error) {
	bot := t.current()
	if bot == nil {
		return domain.DeliveryResult{}, domain.ErrNotConnected
	}
	chatID, err := parseChatID(out.ConversationID)
	if err != nil {
		return domain.DeliveryResult{}, err
	}
	replyTo := 0
	if out.ThreadID != "" {
		if replyTo, err = parseMessageID(out.ThreadID); err != nil {
			return domain.DeliveryResult{}, err
		}
	}

	var res domain.DeliveryResult
	for _, chunk := range splitMessage(out.Text, t.maxLen) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		m := tgbotapi.NewMessage(chatID, chunk)
		m.ReplyToMessageID = replyTo
		sent, err := bot.Send(m)
		if err != nil {
			return res, telegramError(err)
		}
		res.MessageIDs = append(res.MessageIDs, strconv.Itoa(sent.MessageID))
		res.SentAt = time.Unix(int64(sent.Date), 0)
	}
	return res, nil
}

func (t *Telegram) Edit(ctx context.Context, conversationID, messageID, content string) error {
	bot, chatID, msgID, err := t.target(conversationID, messageID)
	if err != nil {
		return err
	}
	if _, err := bot.Request(tgbotapi.NewEditMessageText(chatID, msgID, content)); err != nil {
		return telegramError(err)
	}
	return nil
}

func (t *Telegram) Delete(ctx context.Context, conversationID, messageID string) error {
	bot, chatID, msgID, err := t.target(conversationID, messageID)
	if err != nil {
		return err
	}
	if _, err := bot.Request(tgbotapi.NewDeleteMessage(chatID, msgID)); err != nil {
		return telegramError(err)
	}
	return nil
}

// AddReaction sets the bot's reaction. The Bot API keeps one reaction per
// bot, so a new emoji replaces the previous one.
func (t *Telegram) AddReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return t.setReaction(conversationID, messageID, []telegramReaction{{Type: "emoji", Emoji: emoji}})
}

// RemoveReaction clears the bot's reaction whatever emoji it was.
func (t *Telegram) RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return t.setReaction(conversationID, messageID, []telegramReaction{})
}

type telegramReaction struct {
	Type  string `json:"type"`
	Emoji string `json:"emoji"`
}

// setReaction calls setMessageReaction, which the bot library has no
// config type for.
func (t *Telegram) setReaction(conversationID, messageID string, reactions []telegramReaction) error {
	bot, chatID, msgID, err := t.target(conversationID, messageID)
	if err != nil {
		return err
	}
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_id", msgID)
	if err := params.AddInterface("reaction", reactions); err != nil {
		return err
	}
	if _, err := bot.MakeRequest("setMessageReaction", params); err != nil {
		return telegramError(err)
	}
	return nil
}

func (t *Telegram) target(conversationID, messageID string) (*tgbotapi.BotAPI, int64, int, error) {
	bot := t.current()
	if bot == nil {
		return nil, 0, 0, domain.ErrNotConnected
	}
	chatID, err := parseChatID(conversationID)
	if err != nil {
		return nil, 0, 0, err
	}
	msgID, err := parseMessageID(messageID)
	if err != nil {
		return nil, 0, 0, err
	}
	return bot, chatID, msgID, nil
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid chat id %q", domain.ErrInvalidRequest, s)
	}
	return id, nil
}

func parseMessageID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid message id %q", domain.ErrInvalidRequest, s)
	}
	return id, nil
}

// FetchHistory returns an empty page: the Bot API has no history endpoint.
func (t *Telegram) FetchHistory(ctx context.Context, conversationID string, limit int, cursor string) (domain.HistoryPage, error) {
	return domain.HistoryPage{}, nil
}

func (t *Telegram) current() *tgbotapi.BotAPI {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bot
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	switch {
	case update.Message != nil && update.Message.PinnedMessage != nil:
		m := update.Message
		if m.Chat == nil {
			return
		}
		actor := ""
		if m.From != nil {
			actor = strconv.FormatInt(m.From.ID, 10)
		}
		t.emitEvent(reaction(domain.InboundPinnedKind, strconv.FormatInt(m.Chat.ID, 10),
			strconv.Itoa(m.PinnedMessage.MessageID), actor, ""))
	case update.Message != nil:
		if msg, ok := t.convert(update.Message); ok {
			t.logger.Debug("telegram message received", "chat_id", msg.ConversationID, "text_len", len(msg.Text))
			t.emit(domain.InboundMessageKind, msg)
		}
	case update.EditedMessage != nil:
		if msg, ok := t.convert(update.EditedMessage); ok {
			t.emit(domain.InboundEditedKind, msg)
		}
	case update.ChannelPost != nil:
		if msg, ok := t.convert(update.ChannelPost); ok {
			t.emit(domain.InboundMessageKind, msg)
		}
	}
}

func (t *Telegram) convert(m *tgbotapi.Message) (domain.InboundMessage, bool) {
	if m.Chat == nil {
		return domain.InboundMessage{}, false
	}
	msg := domain.InboundMessage{
		ID:             strconv.Itoa(m.MessageID),
		ConversationID: strconv.FormatInt(m.Chat.ID, 10),
		Text:           m.Text,
		Timestamp:      time.Unix(int64(m.Date), 0),
	}
	if msg.Text == "" {
		msg.Text = m.Caption
	}
	if m.From != nil {
		msg.SenderID = strconv.FormatInt(m.From.ID, 10)
		msg.SenderName = m.From.UserName
		if msg.SenderName == "" {
			msg.SenderName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
		}
	}
	if m.ReplyToMessage != nil {
		msg.ThreadID = strconv.Itoa(m.ReplyToMessage.MessageID)
	}

	if n := len(m.Photo); n > 0 {
		p := m.Photo[n-1] // largest size
		msg.Attachments = append(msg.Attachments, t.attachment(p.FileUniqueID, p.FileID, "photo_"+msg.ID+".jpg", "image/jpeg", p.FileSize))
	}
	if d := m.Document; d != nil {
		msg.Attachments = append(msg.Attachments, t.attachment(d.FileUniqueID, d.FileID, d.FileName, d.MimeType, d.FileSize))
	}
	if a := m.Audio; a != nil {
		msg.Attachments = append(msg.Attachments, t.attachment(a.FileUniqueID, a.FileID, a.FileName, a.MimeType, a.FileSize))
	}
	if v := m.Voice; v != nil {
		msg.Attachments = append(msg.Attachments, t.attachment(v.FileUniqueID, v.FileID, "voice_"+msg.ID+".ogg", v.MimeType, v.FileSize))
	}
	if v := m.Video; v != nil {
		msg.Attachments = append(msg.Attachments, t.attachment(v.FileUniqueID, v.FileID, v.FileName, v.MimeType, v.FileSize))
	}

	if msg.Text == "" && len(msg.Attachments) == 0 {
		return domain.InboundMessage{}, false
	}
	return msg, true
}

func (t *Telegram) attachment(uniqueID, fileID, name, contentType string, size int) domain.InboundAttachment {
	return domain.InboundAttachment{
		ID:          uniqueID,
		Filename:    name,
		ContentType: contentType,
		Size:        unknownSize(size),
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			bot := t.current()
			if bot == nil {
				return nil, domain.ErrNotConnected
			}
			url, err := bot.GetFileDirectURL(fileID)
			if err != nil {
				return nil, telegramError(err)
			}
			return httpOpener(t.http, url, nil)(ctx)
		},
	}
}

// telegramError maps Bot API errors onto the domain taxonomy.
func telegramError(err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.Code == http.StatusTooManyRequests || apiErr.RetryAfter > 0:
		return &domain.FloodWaitError{Wait: time.Duration(apiErr.RetryAfter) * time.Second, Err: err}
	case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusNotFound:
		// the Bot API answers 404 for malformed tokens
		return domain.Permanent(err)
	}
	return err
}
