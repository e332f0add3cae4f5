package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"chatbridge/internal/domain"
)

const discordMaxPage = 100

// Discord is a gateway bot client.
type Discord struct {
	inbound
	token   string
	guildID string
	maxLen  int
	http    *http.Client
	logger  *slog.Logger

	mu      sync.Mutex
	session *discordgo.Session
	removes []func()
}

func NewDiscord(cfg Config) *Discord {
	return &Discord{
		token:   cfg.BotToken,
		guildID: cfg.GuildID,
		maxLen:  cfg.MaxMessageLength,
		http:    cfg.HTTPClient,
		logger:  cfg.Logger,
	}
}

func (d *Discord) Name() string { return TypeDiscord }

func (d *Discord) Connect(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent | discordgo.IntentsGuildMessageReactions | discordgo.IntentsDirectMessageReactions

	removes := []func(){
		session.AddHandler(d.onMessageCreate),
		session.AddHandler(d.onMessageUpdate),
		session.AddHandler(d.onMessageDelete),
		session.AddHandler(d.onReactionAdd),
		session.AddHandler(d.onReactionRemove),
	}

	if err := session.Open(); err != nil {
		for _, remove := range removes {
			remove()
		}
		return fmt.Errorf("discord connect: %w", discordError(err))
	}
	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	d.mu.Lock()
	d.session = session
	d.removes = removes
	d.mu.Unlock()
	return nil
}

func (d *Discord) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	session, removes := d.session, d.removes
	d.session, d.removes = nil, nil
	d.mu.Unlock()
	if session == nil {
		return nil
	}
	for _, remove := range removes {
		remove()
	}
	if err := session.Close(); err != nil {
		return fmt.Errorf("discord close: %w", err)
	}
	d.logger.Info("discord bot disconnected")
	return nil
}

func (d *Discord) Ping(ctx context.Context) error {
	session := d.current()
	if session == nil {
		return domain.ErrNotConnected
	}
	if _, err := session.User("@me", discordgo.WithContext(ctx)); err != nil {
		return discordError(err)
	}
	return nil
}

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if d.skip(s, m.Message) {
		return
	}
	d.logger.Debug("discord message received", "channel_id", m.ChannelID, "content_len", len(m.Content))
	d.emit(domain.InboundMessageKind, d.convert(m.Message))
}

func (d *Discord) onMessageUpdate(s *discordgo.Session, m *discordgo.MessageUpdate) {
	if d.skip(s, m.Message) {
		return
	}
	d.emit(domain.InboundEditedKind, d.convert(m.Message))
}

func (d *Discord) onMessageDelete(s *discordgo.Session, m *discordgo.MessageDelete) {
	if m.Message == nil || (d.guildID != "" && m.GuildID != d.guildID) {
		return
	}
	d.emit(domain.InboundDeletedKind, domain.InboundMessage{ID: m.ID, ConversationID: m.ChannelID})
}

func (d *Discord) onReactionAdd(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if ev, ok := d.reactionEvent(s, domain.InboundReactionAddedKind, r.MessageReaction); ok {
		d.emitEvent(ev)
	}
}

func (d *Discord) onReactionRemove(s *discordgo.Session, r *discordgo.MessageReactionRemove) {
	if ev, ok := d.reactionEvent(s, domain.InboundReactionRemovedKind, r.MessageReaction); ok {
		d.emitEvent(ev)
	}
}

// reactionEvent drops reactions made by the bot itself and those outside
// the configured guild.
func (d *Discord) reactionEvent(s *discordgo.Session, kind domain.InboundKind, r *discordgo.MessageReaction) (domain.InboundEvent, bool) {
	if r == nil || (d.guildID != "" && r.GuildID != d.guildID) {
		return domain.InboundEvent{}, false
	}
	if s.State != nil && s.State.User != nil && r.UserID == s.State.User.ID {
		return domain.InboundEvent{}, false
	}
	return reaction(kind, r.ChannelID, r.MessageID, r.UserID, r.Emoji.APIName()), true
}

// Send posts out.Text, split to the length limit. A ThreadID makes the
// first chunk a reply to that message.
func (d *Discord) Send(ctx context.Context, out domain.OutboundMessage) (domain.DeliveryResult, error) {
	session := d.current()
	if session == nil {
		return domain.DeliveryResult{}, domain.ErrNotConnected
	}

	var res domain.DeliveryResult
	for i, chunk := range splitMessage(out.Text, d.maxLen) {
		data := &discordgo.MessageSend{Content: chunk}
		if i == 0 && out.ThreadID != "" {
			data.Reference = &discordgo.MessageReference{MessageID: out.ThreadID, ChannelID: out.ConversationID}
		}
		m, err := session.ChannelMessageSendComplex(out.ConversationID, data, discordgo.WithContext(ctx))
		if err != nil {
			return res, discordError(err)
		}
		res.MessageIDs = append(res.MessageIDs, m.ID)
		res.SentAt = m.Timestamp
	}
	return res, nil
}

func (d *Discord) Edit(ctx context.Context, conversationID, messageID, content string) error {
	session := d.current()
	if session == nil {
		return domain.ErrNotConnected
	}
	if _, err := session.ChannelMessageEdit(conversationID, messageID, content, discordgo.WithContext(ctx)); err != nil {
		return discordError(err)
	}
	return nil
}

func (d *Discord) Delete(ctx context.Context, conversationID, messageID string) error {
	session := d.current()
	if session == nil {
		return domain.ErrNotConnected
	}
	if err := session.ChannelMessageDelete(conversationID, messageID, discordgo.WithContext(ctx)); err != nil {
		return discordError(err)
	}
	return nil
}

func (d *Discord) AddReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	session := d.current()
	if session == nil {
		return domain.ErrNotConnected
	}
	if err := session.MessageReactionAdd(conversationID, messageID, emoji, discordgo.WithContext(ctx)); err != nil {
		return discordError(err)
	}
	return nil
}

// RemoveReaction removes the bot's own reaction.
func (d *Discord) RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	session := d.current()
	if session == nil {
		return domain.ErrNotConnected
	}
	if err := session.MessageReactionRemove(conversationID, messageID, emoji, "@me", discordgo.WithContext(ctx)); err != nil {
		return discordError(err)
	}
	return nil
}

// FetchHistory pages ChannelMessages backwards using the oldest message
// id of the previous page as the before-id cursor.
func (d *Discord) FetchHistory(ctx context.Context, conversationID string, limit int, cursor string) (domain.HistoryPage, error) {
	session := d.current()
	if session == nil {
		return domain.HistoryPage{}, domain.ErrNotConnected
	}
	if limit <= 0 || limit > discordMaxPage {
		limit = discordMaxPage
	}

	msgs, err := session.ChannelMessages(conversationID, limit, cursor, "", "", discordgo.WithContext(ctx))
	if err != nil {
		return domain.HistoryPage{}, discordError(err)
	}

	var page domain.HistoryPage
	for _, m := range msgs {
		page.Messages = append(page.Messages, d.convert(m))
	}
	slices.Reverse(page.Messages) // API returns newest first
	if len(msgs) == limit {
		page.NextCursor = msgs[len(msgs)-1].ID
		page.HasMore = true
	}
	return page, nil
}

func (d *Discord) current() *discordgo.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

func (d *Discord) skip(s *discordgo.Session, m *discordgo.Message) bool {
	if m == nil || m.Author == nil {
		return true
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return true
	}
	return d.guildID != "" && m.GuildID != d.guildID
}

func (d *Discord) convert(m *discordgo.Message) domain.InboundMessage {
	msg := domain.InboundMessage{
		ID:             m.ID,
		ConversationID: m.ChannelID,
		Text:           m.Content,
		Timestamp:      m.Timestamp,
	}
	if m.Author != nil {
		msg.SenderID = m.Author.ID
		msg.SenderName = m.Author.Username
	}
	if m.MessageReference != nil {
		msg.ThreadID = m.MessageReference.MessageID
	}
	for _, a := range m.Attachments {
		msg.Attachments = append(msg.Attachments, domain.InboundAttachment{
			ID:          a.ID,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        unknownSize(a.Size),
			Open:        httpOpener(d.http, a.URL, nil),
		})
	}
	return msg
}

func discordError(err error) error {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) && rl.RateLimit != nil && rl.TooManyRequests != nil {
		return &domain.FloodWaitError{Wait: rl.RetryAfter, Err: err}
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusUnauthorized:
			return domain.Permanent(err)
		case http.StatusTooManyRequests:
			return &domain.FloodWaitError{Wait: time.Second, Err: err}
		case http.StatusNotFound, http.StatusForbidden:
			return fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
		}
	}
	if strings.Contains(err.Error(), "4004") || strings.Contains(err.Error(), "Authentication failed") {
		return domain.Permanent(err)
	}
	return err
}
