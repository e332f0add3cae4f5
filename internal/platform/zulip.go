package platform

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatbridge/internal/domain"
)

const (
	zulipRetryDelay   = 2 * time.Second
	zulipMaxPollFails = 5
	zulipSeenLimit    = 4096
)

var zulipUploadRe = regexp.MustCompile(`\[([^\]]*)\]\((/user_uploads/[^)\s]+)\)`)

// Zulip talks to the Zulip REST API: a registered event queue is long
// polled for inbound events.
//
// Conversation ids are "stream/topic" for stream messages and a sorted,
// comma-separated list of participant emails for direct messages.
type Zulip struct {
	inbound
	site   string
	email  string
	apiKey string
	maxLen int
	http   *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	queueID string
	lastID  int64
	cancel  context.CancelFunc
	done    chan struct{}
	pollErr error
	seen    map[int64]string // message id -> conversation id
}

func NewZulip(cfg Config) *Zulip {
	return &Zulip{
		site:   strings.TrimRight(cfg.Site, "/"),
		email:  cfg.Email,
		apiKey: cfg.APIKey,
		maxLen: cfg.MaxMessageLength,
		http:   cfg.HTTPClient,
		logger: cfg.Logger,
		seen:   make(map[int64]string),
	}
}

type zulipResult struct {
	Result     string  `json:"result"`
	Msg        string  `json:"msg"`
	Code       string  `json:"code"`
	RetryAfter float64 `json:"retry-after"`
}

// ZulipError is a non-success API response.
type ZulipError struct {
	Status int
	Code   string
	Msg    string
}

func (e *ZulipError) Error() string {
	return fmt.Sprintf("zulip %d %s: %s", e.Status, e.Code, e.Msg)
}

type zulipRecipient struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

type zulipMessage struct {
	ID               int64           `json:"id"`
	SenderID         int64           `json:"sender_id"`
	SenderEmail      string          `json:"sender_email"`
	SenderFullName   string          `json:"sender_full_name"`
	Content          string          `json:"content"`
	Timestamp        int64           `json:"timestamp"`
	Type             string          `json:"type"`
	Subject          string          `json:"subject"`
	DisplayRecipient json.RawMessage `json:"display_recipient"`
}

type zulipEvent struct {
	Type      string        `json:"type"`
	ID        int64         `json:"id"`
	Message   *zulipMessage `json:"message"`
	MessageID int64         `json:"message_id"`
	Content   *string       `json:"content"`
	EditTime  int64         `json:"edit_timestamp"`
	Op        string        `json:"op"`
	EmojiName string        `json:"emoji_name"`
	UserID    int64         `json:"user_id"`
}

func (z *Zulip) Name() string { return TypeZulip }

func (z *Zulip) Connect(ctx context.Context) error {
	form := url.Values{}
	form.Set("event_types", `["message","update_message","delete_message","reaction"]`)
	form.Set("apply_markdown", "false")

	var resp struct {
		zulipResult
		QueueID     string `json:"queue_id"`
		LastEventID int64  `json:"last_event_id"`
	}
	if err := z.do(ctx, http.MethodPost, "/api/v1/register", form, &resp); err != nil {
		return fmt.Errorf("zulip register: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	z.mu.Lock()
	z.queueID = resp.QueueID
	z.lastID = resp.LastEventID
	z.cancel = cancel
	z.done = done
	z.pollErr = nil
	z.mu.Unlock()

	z.logger.Info("zulip event queue registered", "site", z.site, "queue_id", resp.QueueID)
	go func() {
		defer close(done)
		z.poll(pollCtx)
	}()
	return nil
}

func (z *Zulip) Disconnect(ctx context.Context) error {
	z.mu.Lock()
	cancel, done, queueID := z.cancel, z.done, z.queueID
	z.cancel, z.done, z.queueID = nil, nil, ""
	z.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	form := url.Values{}
	form.Set("queue_id", queueID)
	if err := z.do(ctx, http.MethodDelete, "/api/v1/events", form, nil); err != nil {
		z.logger.Warn("zulip queue delete failed", "err", err)
	}
	return nil
}

func (z *Zulip) Ping(ctx context.Context) error {
	z.mu.Lock()
	queueID, pollErr := z.queueID, z.pollErr
	z.mu.Unlock()
	if queueID == "" {
		return domain.ErrNotConnected
	}
	if pollErr != nil {
		return fmt.Errorf("%w: %w", domain.ErrNotConnected, pollErr)
	}
	return z.do(ctx, http.MethodGet, "/api/v1/users/me", nil, nil)
}

// Send posts out.Text, split to the length limit. For stream
// conversations a ThreadID replaces the topic.
func (z *Zulip) Send(ctx context.Context, out domain.OutboundMessage) (domain.DeliveryResult, error) {
	form, err := zulipTarget(out.ConversationID)
	if err != nil {
		return domain.DeliveryResult{}, err
	}
	if out.ThreadID != "" && form.Get("type") == "stream" {
		form.Set("topic", out.ThreadID)
	}

	var res domain.DeliveryResult
	for _, chunk := range splitMessage(out.Text, z.maxLen) {
		form.Set("content", chunk)
		var resp struct {
			zulipResult
			ID int64 `json:"id"`
		}
		if err := z.do(ctx, http.MethodPost, "/api/v1/messages", form, &resp); err != nil {
			return res, fmt.Errorf("zulip send: %w", err)
		}
		res.MessageIDs = append(res.MessageIDs, strconv.FormatInt(resp.ID, 10))
		res.SentAt = time.Now()
	}
	return res, nil
}

func (z *Zulip) Edit(ctx context.Context, conversationID, messageID, content string) error {
	id, err := zulipMessageID(messageID)
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("content", content)
	if err := z.do(ctx, http.MethodPatch, "/api/v1/messages/"+id, form, nil); err != nil {
		return fmt.Errorf("zulip edit: %w", err)
	}
	return nil
}

func (z *Zulip) Delete(ctx context.Context, conversationID, messageID string) error {
	id, err := zulipMessageID(messageID)
	if err != nil {
		return err
	}
	if err := z.do(ctx, http.MethodDelete, "/api/v1/messages/"+id, nil, nil); err != nil {
		return fmt.Errorf("zulip delete: %w", err)
	}
	return nil
}

func (z *Zulip) AddReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return z.react(ctx, http.MethodPost, messageID, emoji)
}

func (z *Zulip) RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return z.react(ctx, http.MethodDelete, messageID, emoji)
}

func (z *Zulip) react(ctx context.Context, method, messageID, emoji string) error {
	id, err := zulipMessageID(messageID)
	if err != nil {
		return err
	}
	q := url.Values{}
	q.Set("emoji_name", strings.Trim(emoji, ":"))
	if err := z.do(ctx, method, "/api/v1/messages/"+id+"/reactions?"+q.Encode(), nil, nil); err != nil {
		return fmt.Errorf("zulip reaction: %w", err)
	}
	return nil
}

func zulipMessageID(s string) (string, error) {
	if _, err := strconv.ParseInt(s, 10, 64); err != nil {
		return "", fmt.Errorf("%w: invalid zulip message id %q", domain.ErrInvalidRequest, s)
	}
	return s, nil
}

// FetchHistory pages backwards from cursor (a message id, exclusive) or
// from the newest message when cursor is empty.
func (z *Zulip) FetchHistory(ctx context.Context, conversationID string, limit int, cursor string) (domain.HistoryPage, error) {
	narrow, err := zulipNarrow(conversationID)
	if err != nil {
		return domain.HistoryPage{}, err
	}
	if limit <= 0 {
		limit = 100
	}

	q := url.Values{}
	q.Set("narrow", narrow)
	q.Set("num_before", strconv.Itoa(limit))
	q.Set("num_after", "0")
	q.Set("apply_markdown", "false")
	if cursor == "" {
		q.Set("anchor", "newest")
	} else {
		q.Set("anchor", cursor)
		q.Set("include_anchor", "false")
	}

	var resp struct {
		zulipResult
		Messages    []zulipMessage `json:"messages"`
		FoundOldest bool           `json:"found_oldest"`
	}
	if err := z.do(ctx, http.MethodGet, "/api/v1/messages?"+q.Encode(), nil, &resp); err != nil {
		return domain.HistoryPage{}, fmt.Errorf("zulip history: %w", err)
	}

	page := domain.HistoryPage{HasMore: !resp.FoundOldest && len(resp.Messages) > 0}
	for _, m := range resp.Messages {
		page.Messages = append(page.Messages, z.convert(m))
	}
	if page.HasMore {
		page.NextCursor = strconv.FormatInt(resp.Messages[0].ID, 10)
	}
	return page, nil
}

func (z *Zulip) poll(ctx context.Context) {
	fails := 0
	for ctx.Err() == nil {
		z.mu.Lock()
		queueID, lastID := z.queueID, z.lastID
		z.mu.Unlock()

		q := url.Values{}
		q.Set("queue_id", queueID)
		q.Set("last_event_id", strconv.FormatInt(lastID, 10))

		var resp struct {
			zulipResult
			Events []zulipEvent `json:"events"`
		}
		err := z.do(ctx, http.MethodGet, "/api/v1/events?"+q.Encode(), nil, &resp)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			var zerr *ZulipError
			fails++
			if (errors.As(err, &zerr) && zerr.Code == "BAD_EVENT_QUEUE_ID") || fails >= zulipMaxPollFails {
				z.logger.Warn("zulip event polling stopped", "err", err)
				z.mu.Lock()
				z.pollErr = err
				z.mu.Unlock()
				return
			}
			z.logger.Debug("zulip poll failed, retrying", "err", err, "fails", fails)
			select {
			case <-ctx.Done():
				return
			case <-time.After(zulipRetryDelay):
			}
			continue
		}

		fails = 0
		for _, ev := range resp.Events {
			z.mu.Lock()
			if ev.ID > z.lastID {
				z.lastID = ev.ID
			}
			z.mu.Unlock()
			z.handleEvent(ev)
		}
	}
}

func (z *Zulip) handleEvent(ev zulipEvent) {
	switch ev.Type {
	case "message":
		if ev.Message == nil || ev.Message.SenderEmail == z.email {
			return
		}
		msg := z.convert(*ev.Message)
		z.remember(ev.Message.ID, msg.ConversationID)
		z.emit(domain.InboundMessageKind, msg)

	case "update_message":
		conv, ok := z.lookup(ev.MessageID)
		if !ok || ev.Content == nil {
			return
		}
		msg := domain.InboundMessage{
			ID:             strconv.FormatInt(ev.MessageID, 10),
			ConversationID: conv,
			Text:           *ev.Content,
			Timestamp:      time.Unix(ev.EditTime, 0),
		}
		if ev.EditTime == 0 {
			msg.Timestamp = time.Now()
		}
		msg.Attachments = z.uploads(*ev.Content)
		z.emit(domain.InboundEditedKind, msg)

	case "delete_message":
		if conv, ok := z.lookup(ev.MessageID); ok {
			z.emit(domain.InboundDeletedKind, domain.InboundMessage{
				ID:             strconv.FormatInt(ev.MessageID, 10),
				ConversationID: conv,
			})
		}

	case "reaction":
		conv, ok := z.lookup(ev.MessageID)
		if !ok {
			return
		}
		kind := domain.InboundReactionAddedKind
		if ev.Op == "remove" {
			kind = domain.InboundReactionRemovedKind
		}
		z.emitEvent(reaction(kind, conv, strconv.FormatInt(ev.MessageID, 10),
			strconv.FormatInt(ev.UserID, 10), ev.EmojiName))
	}
}

func (z *Zulip) remember(id int64, conv string) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if len(z.seen) >= zulipSeenLimit {
		clear(z.seen)
	}
	z.seen[id] = conv
}

func (z *Zulip) lookup(id int64) (string, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	conv, ok := z.seen[id]
	return conv, ok
}

func (z *Zulip) convert(m zulipMessage) domain.InboundMessage {
	msg := domain.InboundMessage{
		ID:         strconv.FormatInt(m.ID, 10),
		SenderID:   strconv.FormatInt(m.SenderID, 10),
		SenderName: m.SenderFullName,
		Text:       m.Content,
		Timestamp:  time.Unix(m.Timestamp, 0),
	}
	if m.Type == "stream" {
		var stream string
		json.Unmarshal(m.DisplayRecipient, &stream)
		msg.ConversationID = stream + "/" + m.Subject
		msg.ThreadID = m.Subject
	} else {
		var rcpts []zulipRecipient
		json.Unmarshal(m.DisplayRecipient, &rcpts)
		emails := make([]string, 0, len(rcpts))
		for _, r := range rcpts {
			emails = append(emails, r.Email)
		}
		slices.Sort(emails)
		msg.ConversationID = strings.Join(emails, ",")
	}
	msg.Attachments = z.uploads(m.Content)
	return msg
}

// uploads turns markdown links to /user_uploads/ into attachments.
func (z *Zulip) uploads(content string) []domain.InboundAttachment {
	var out []domain.InboundAttachment
	for _, m := range zulipUploadRe.FindAllStringSubmatch(content, -1) {
		name, path := m[1], m[2]
		if name == "" {
			name = path[strings.LastIndex(path, "/")+1:]
		}
		header := http.Header{}
		header.Set("Authorization", "Basic "+basicAuth(z.email, z.apiKey))
		out = append(out, domain.InboundAttachment{
			ID:       path,
			Filename: name,
			Size:     -1,
			Open:     httpOpener(z.http, z.site+path, header),
		})
	}
	return out
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

func zulipTarget(conversationID string) (url.Values, error) {
	form := url.Values{}
	if stream, topic, ok := strings.Cut(conversationID, "/"); ok {
		if stream == "" || topic == "" {
			return nil, fmt.Errorf("%w: zulip conversation %q needs stream/topic", domain.ErrInvalidRequest, conversationID)
		}
		form.Set("type", "stream")
		form.Set("to", stream)
		form.Set("topic", topic)
		return form, nil
	}
	if conversationID == "" {
		return nil, fmt.Errorf("%w: empty zulip conversation", domain.ErrInvalidRequest)
	}
	to, _ := json.Marshal(strings.Split(conversationID, ","))
	form.Set("type", "private")
	form.Set("to", string(to))
	return form, nil
}

func zulipNarrow(conversationID string) (string, error) {
	type term struct {
		Operator string `json:"operator"`
		Operand  string `json:"operand"`
	}
	var narrow []term
	if stream, topic, ok := strings.Cut(conversationID, "/"); ok {
		narrow = []term{{"stream", stream}, {"topic", topic}}
	} else if conversationID != "" {
		narrow = []term{{"pm-with", conversationID}}
	} else {
		return "", fmt.Errorf("%w: empty zulip conversation", domain.ErrInvalidRequest)
	}
	b, err := json.Marshal(narrow)
	return string(b), err
}

func (z *Zulip) do(ctx context.Context, method, path string, form url.Values, out any) error {
	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	} else {
		body = strings.NewReader("")
	}
	req, err := http.NewRequestWithContext(ctx, method, z.site+path, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(z.email, z.apiKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := z.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return domain.Permanent(&ZulipError{Status: resp.StatusCode, Code: "UNAUTHORIZED", Msg: "invalid credentials"})
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return fmt.Errorf("zulip %s %s: decode: %w", method, path, err)
	}
	var result zulipResult
	json.Unmarshal(raw, &result)

	if resp.StatusCode == http.StatusTooManyRequests || result.Code == "RATE_LIMIT_HIT" {
		wait := time.Duration(result.RetryAfter * float64(time.Second))
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.ParseFloat(s, 64); err == nil {
				wait = time.Duration(secs * float64(time.Second))
			}
		}
		return &domain.FloodWaitError{Wait: wait, Err: &ZulipError{Status: resp.StatusCode, Code: result.Code, Msg: result.Msg}}
	}
	if resp.StatusCode >= 400 || (result.Result != "" && result.Result != "success") {
		zerr := &ZulipError{Status: resp.StatusCode, Code: result.Code, Msg: result.Msg}
		if result.Code == "BAD_REQUEST" && strings.Contains(result.Msg, "Invalid API key") {
			return domain.Permanent(zerr)
		}
		return zerr
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("zulip %s %s: decode: %w", method, path, err)
		}
	}
	return nil
}
