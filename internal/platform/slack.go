package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"chatbridge/internal/domain"
)

// Slack connects through Socket Mode and uses the Web API for sends and
// history.
type Slack struct {
	inbound
	botToken string
	appToken string
	maxLen   int
	logger   *slog.Logger

	mu     sync.Mutex
	api    *slack.Client
	botUID string
	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

func NewSlack(cfg Config) *Slack {
	return &Slack{
		botToken: cfg.BotToken,
		appToken: cfg.AppToken,
		maxLen:   cfg.MaxMessageLength,
		logger:   cfg.Logger,
	}
}

func (s *Slack) Name() string { return TypeSlack }

func (s *Slack) Connect(ctx context.Context) error {
	api := slack.New(s.botToken, slack.OptionAppLevelToken(s.appToken))

	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", slackError(err))
	}
	s.logger.Info("slack bot connected", "user", auth.User, "user_id", auth.UserID)

	socket := socketmode.New(api)
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.api = api
	s.botUID = auth.UserID
	s.cancel = cancel
	s.done = done
	s.runErr = nil
	s.mu.Unlock()

	go s.readEvents(runCtx, socket)
	go func() {
		defer close(done)
		err := socket.RunContext(runCtx)
		if runCtx.Err() != nil {
			return
		}
		s.logger.Warn("slack socket mode stopped", "err", err)
		s.mu.Lock()
		if err == nil {
			err = errors.New("socket mode closed")
		}
		s.runErr = err
		s.mu.Unlock()
	}()
	return nil
}

func (s *Slack) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done, s.api = nil, nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("slack bot disconnected")
	return nil
}

func (s *Slack) Ping(ctx context.Context) error {
	s.mu.Lock()
	api, runErr := s.api, s.runErr
	s.mu.Unlock()
	if api == nil {
		return domain.ErrNotConnected
	}
	if runErr != nil {
		return fmt.Errorf("%w: %w", domain.ErrNotConnected, runErr)
	}
	if _, err := api.AuthTestContext(ctx); err != nil {
		return slackError(err)
	}
	return nil
}

// Send posts out.Text, split to the length limit. A ThreadID is the
// parent thread_ts.
func (s *Slack) Send(ctx context.Context, out domain.OutboundMessage) (domain.DeliveryResult, error) {
	api := s.client()
	if api == nil {
		return domain.DeliveryResult{}, domain.ErrNotConnected
	}

	var res domain.DeliveryResult
	for _, chunk := range splitMessage(out.Text, s.maxLen) {
		opts := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
		if out.ThreadID != "" {
			opts = append(opts, slack.MsgOptionTS(out.ThreadID))
		}
		_, ts, err := api.PostMessageContext(ctx, out.ConversationID, opts...)
		if err != nil {
			return res, slackError(err)
		}
		res.MessageIDs = append(res.MessageIDs, ts)
		res.SentAt = slackTime(ts)
	}
	return res, nil
}

func (s *Slack) Edit(ctx context.Context, conversationID, messageID, content string) error {
	api := s.client()
	if api == nil {
		return domain.ErrNotConnected
	}
	if _, _, _, err := api.UpdateMessageContext(ctx, conversationID, messageID, slack.MsgOptionText(content, false)); err != nil {
		return slackError(err)
	}
	return nil
}

func (s *Slack) Delete(ctx context.Context, conversationID, messageID string) error {
	api := s.client()
	if api == nil {
		return domain.ErrNotConnected
	}
	if _, _, err := api.DeleteMessageContext(ctx, conversationID, messageID); err != nil {
		return slackError(err)
	}
	return nil
}

func (s *Slack) AddReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	api := s.client()
	if api == nil {
		return domain.ErrNotConnected
	}
	if err := api.AddReactionContext(ctx, slackEmoji(emoji), slack.NewRefToMessage(conversationID, messageID)); err != nil {
		return slackError(err)
	}
	return nil
}

func (s *Slack) RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	api := s.client()
	if api == nil {
		return domain.ErrNotConnected
	}
	if err := api.RemoveReactionContext(ctx, slackEmoji(emoji), slack.NewRefToMessage(conversationID, messageID)); err != nil {
		return slackError(err)
	}
	return nil
}

// slackEmoji turns ":thumbsup:" into the bare name the API expects.
func slackEmoji(emoji string) string {
	return strings.Trim(emoji, ":")
}

// FetchHistory pages conversations.history. Slack returns newest first
// and its cursor walks towards older messages.
func (s *Slack) FetchHistory(ctx context.Context, conversationID string, limit int, cursor string) (domain.HistoryPage, error) {
	api := s.client()
	if api == nil {
		return domain.HistoryPage{}, domain.ErrNotConnected
	}

	resp, err := api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: conversationID,
		Cursor:    cursor,
		Limit:     limit,
	})
	if err != nil {
		return domain.HistoryPage{}, slackError(err)
	}

	page := domain.HistoryPage{
		NextCursor: resp.ResponseMetaData.NextCursor,
		HasMore:    resp.HasMore && resp.ResponseMetaData.NextCursor != "",
	}
	for _, m := range resp.Messages {
		if m.SubType != "" && m.SubType != "file_share" && m.SubType != "thread_broadcast" {
			continue
		}
		page.Messages = append(page.Messages, s.convertMsg(api, conversationID, m.Msg))
	}
	slices.Reverse(page.Messages)
	return page, nil
}

func (s *Slack) client() *slack.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.api
}

func (s *Slack) readEvents(ctx context.Context, socket *socketmode.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				socket.Ack(*evt.Request)
				s.handleEventsAPI(apiEvent)
			case socketmode.EventTypeConnectionError:
				s.logger.Warn("slack connection error", "data", evt.Data)
			default:
				// unacknowledged requests make Socket Mode disconnect
				if evt.Request != nil {
					socket.Ack(*evt.Request)
				}
			}
		}
	}
}

func (s *Slack) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		s.handleMessage(ev)
	case *slackevents.ReactionAddedEvent:
		s.emitEvent(reaction(domain.InboundReactionAddedKind, ev.Item.Channel, ev.Item.Timestamp, ev.User, ev.Reaction))
	case *slackevents.ReactionRemovedEvent:
		s.emitEvent(reaction(domain.InboundReactionRemovedKind, ev.Item.Channel, ev.Item.Timestamp, ev.User, ev.Reaction))
	case *slackevents.PinAddedEvent:
		s.emitEvent(reaction(domain.InboundPinnedKind, ev.Channel, pinnedTS(ev.Item), ev.User, ""))
	case *slackevents.PinRemovedEvent:
		s.emitEvent(reaction(domain.InboundUnpinnedKind, ev.Channel, pinnedTS(ev.Item), ev.User, ""))
	}
}

func pinnedTS(item slackevents.Item) string {
	if item.Message != nil && item.Message.Timestamp != "" {
		return item.Message.Timestamp
	}
	return item.Timestamp
}

func (s *Slack) handleMessage(ev *slackevents.MessageEvent) {
	s.mu.Lock()
	api, botUID := s.api, s.botUID
	s.mu.Unlock()

	switch ev.SubType {
	case "", "file_share", "thread_broadcast":
		if ev.User == "" || ev.User == botUID {
			return
		}
		s.logger.Debug("slack message received", "channel", ev.Channel, "text_len", len(ev.Text))
		s.emit(domain.InboundMessageKind, s.convertEvent(api, ev.Channel, ev))

	case "message_changed":
		if ev.Message == nil {
			return
		}
		s.emit(domain.InboundEditedKind, s.convertEvent(api, ev.Channel, ev.Message))

	case "message_deleted":
		if ev.PreviousMessage == nil {
			return
		}
		s.emit(domain.InboundDeletedKind, domain.InboundMessage{
			ID:             ev.PreviousMessage.TimeStamp,
			ConversationID: ev.Channel,
		})
	}
}

func (s *Slack) convertEvent(api *slack.Client, channel string, ev *slackevents.MessageEvent) domain.InboundMessage {
	msg := domain.InboundMessage{
		ID:             ev.TimeStamp,
		ConversationID: channel,
		SenderID:       ev.User,
		SenderName:     ev.Username,
		ThreadID:       ev.ThreadTimeStamp,
		Text:           ev.Text,
		Timestamp:      slackTime(ev.TimeStamp),
	}
	if msg.SenderID == "" {
		msg.SenderID = ev.BotID
	}
	for _, f := range ev.Files {
		msg.Attachments = append(msg.Attachments, s.attachment(api, f.ID, f.Name, f.Mimetype, f.Size, f.URLPrivateDownload))
	}
	return msg
}

func (s *Slack) convertMsg(api *slack.Client, channel string, m slack.Msg) domain.InboundMessage {
	msg := domain.InboundMessage{
		ID:             m.Timestamp,
		ConversationID: channel,
		SenderID:       m.User,
		SenderName:     m.Username,
		ThreadID:       m.ThreadTimestamp,
		Text:           m.Text,
		Timestamp:      slackTime(m.Timestamp),
	}
	if msg.SenderID == "" {
		msg.SenderID = m.BotID
	}
	for _, f := range m.Files {
		msg.Attachments = append(msg.Attachments, s.attachment(api, f.ID, f.Name, f.Mimetype, f.Size, f.URLPrivateDownload))
	}
	return msg
}

func (s *Slack) attachment(api *slack.Client, id, name, contentType string, size int, url string) domain.InboundAttachment {
	return domain.InboundAttachment{
		ID:          id,
		Filename:    name,
		ContentType: contentType,
		Size:        unknownSize(size),
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			if api == nil {
				return nil, domain.ErrNotConnected
			}
			pr, pw := io.Pipe()
			go func() {
				pw.CloseWithError(api.GetFileContext(ctx, url, pw))
			}()
			return pr, nil
		},
	}
}

// slackTime parses a Slack "seconds.micros" timestamp.
func slackTime(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var us int64
	if frac != "" {
		us, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, us*int64(time.Microsecond))
}

func slackError(err error) error {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return &domain.FloodWaitError{Wait: rl.RetryAfter, Err: err}
	}
	switch msg := err.Error(); {
	case strings.Contains(msg, "invalid_auth"), strings.Contains(msg, "not_authed"),
		strings.Contains(msg, "account_inactive"), strings.Contains(msg, "token_revoked"):
		return domain.Permanent(err)
	case strings.Contains(msg, "channel_not_found"), strings.Contains(msg, "not_in_channel"):
		return fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
	}
	return err
}
