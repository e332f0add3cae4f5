// Package session composes a platform client with the rate limiter,
// message cache, attachment store and connection supervisor into one
// running adapter instance.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatbridge/internal/attachment"
	"chatbridge/internal/bus"
	"chatbridge/internal/cache"
	"chatbridge/internal/clock"
	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
	"chatbridge/internal/ratelimit"
	"chatbridge/internal/supervisor"
)

// OutboundMode selects what happens to a send the rate limiter denies.
type OutboundMode string

const (
	OutboundQueue OutboundMode = "queue"
	OutboundFail  OutboundMode = "fail"
)

const (
	requestTypeMessage  = "message"
	requestTypeHistory  = "fetch_history"
	requestTypeEdit     = "edit_message"
	requestTypeDelete   = "delete_message"
	requestTypeReaction = "reaction"
)

// Config configures a Session.
type Config struct {
	AdapterID               string
	OutboundMode            OutboundMode
	QueueSize               int
	WaitTimeout             time.Duration
	MaxHistoryLimit         int
	MaxPaginationIterations int
	CacheMaintenance        time.Duration
	AttachmentCleanup       time.Duration
	Cache                   cache.Config
	Supervisor              supervisor.Config
	Clock                   clock.Clock
	Logger                  *slog.Logger
}

// Deps are the collaborators a Session uses but does not own.
type Deps struct {
	Client  domain.PlatformClient
	Limiter *ratelimit.Limiter
	Store   *attachment.Store
	Events  *bus.EventBus
	Metrics *metrics.AdapterMetrics
}

// FailurePayload is published with message_failed events.
type FailurePayload struct {
	Message domain.Message `json:"message"`
	Error   string         `json:"error"`
}

// DeletedPayload is published with message_deleted events.
type DeletedPayload struct {
	MessageID string `json:"message_id"`
}

// ReactionPayload is published with reaction and pin events. Emoji is
// empty for pins.
type ReactionPayload struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
}

// Session is one adapter instance.
type Session struct {
	cfg     Config
	client  domain.PlatformClient
	limiter *ratelimit.Limiter
	store   *attachment.Store
	events  *bus.EventBus
	metrics *metrics.AdapterMetrics
	cache   *cache.Cache
	sup     *supervisor.Supervisor
	clock   clock.Clock
	logger  *slog.Logger

	// mu serializes conversation, queue and state mutation.
	mu      sync.Mutex
	queue   []*pending
	wake    chan struct{}
	baseCtx context.Context
}

type pending struct {
	msg    domain.Message
	ctx    context.Context
	cancel context.CancelFunc
}

// New wires a session and subscribes it to the client's inbound events.
func New(cfg Config, deps Deps) *Session {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OutboundMode == "" {
		cfg.OutboundMode = OutboundQueue
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if deps.Events == nil {
		deps.Events = bus.NewEventBus(0, cfg.Logger)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Collector.ForAdapter(cfg.AdapterID)
	}

	cfg.Cache.Clock = cfg.Clock
	if cfg.Cache.Logger == nil {
		cfg.Cache.Logger = cfg.Logger
	}

	s := &Session{
		cfg:     cfg,
		client:  deps.Client,
		limiter: deps.Limiter,
		store:   deps.Store,
		events:  deps.Events,
		metrics: deps.Metrics,
		cache:   cache.New(cfg.Cache),
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		wake:    make(chan struct{}, 1),
		baseCtx: context.Background(),
	}

	supCfg := cfg.Supervisor
	supCfg.AdapterID = cfg.AdapterID
	supCfg.Clock = cfg.Clock
	if supCfg.Logger == nil {
		supCfg.Logger = cfg.Logger
	}
	supCfg.OnChange = s.onStateChange
	s.sup = supervisor.New(deps.Client, supCfg)

	deps.Client.Subscribe(s.HandleInbound)
	return s
}

// AdapterID returns the configured adapter id.
func (s *Session) AdapterID() string { return s.cfg.AdapterID }

// Events returns the bus the session publishes on.
func (s *Session) Events() *bus.EventBus { return s.events }

// Cache returns the session's message cache.
func (s *Session) Cache() *cache.Cache { return s.cache }

// State returns the connection state.
func (s *Session) State() domain.ConnectionState { return s.sup.State() }

// Run supervises the platform connection and runs the maintenance timers
// and outbound queue worker until ctx is cancelled or the connection
// fails terminally. Shutdown cancels queued sends and disconnects the
// client.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.logger.Info("session starting",
		"adapter", s.cfg.AdapterID,
		"platform", s.client.Name(),
		"outbound_mode", s.cfg.OutboundMode,
	)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.every(ctx, s.cfg.CacheMaintenance, "cache maintenance", s.maintainCache)
	}()
	go func() {
		defer wg.Done()
		s.every(ctx, s.cfg.AttachmentCleanup, "attachment cleanup", s.cleanupAttachments)
	}()
	go func() {
		defer wg.Done()
		s.drainQueue(ctx)
	}()

	err := s.sup.Run(ctx)
	cancel()
	wg.Wait()
	s.cancelQueued(domain.ErrCancelled)

	if err != nil {
		s.logger.Error("session stopped", "adapter", s.cfg.AdapterID, "err", err)
		return err
	}
	s.logger.Info("session stopped", "adapter", s.cfg.AdapterID)
	return nil
}

func (s *Session) onStateChange(st domain.ConnectionState) {
	switch st.State {
	case domain.StateConnected:
		s.metrics.Connected.Set(1)
	case domain.StateBackoff:
		s.metrics.Connected.Set(0)
		s.metrics.Reconnects.Inc()
	default:
		s.metrics.Connected.Set(0)
	}
	s.publish(bus.EventConnectionState, "", "", st)
}

// every runs fn on a fixed interval. Failures and panics are logged and
// the task waits for its next tick.
func (s *Session) every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	if interval <= 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(interval):
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("maintenance task panic", "task", name, "panic", r)
				}
			}()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("maintenance task failed", "task", name, "err", err)
			}
		}()
	}
}

func (s *Session) maintainCache(ctx context.Context) error {
	s.mu.Lock()
	evicted := s.cache.EvictExpired()
	total := s.cache.Len()
	s.mu.Unlock()

	s.release(evicted)
	s.metrics.CachedMessages.Set(int64(total))
	return nil
}

func (s *Session) cleanupAttachments(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	_, err := s.store.Cleanup(ctx)
	s.metrics.Attachments.Set(int64(s.store.Len()))
	return err
}

// MaintainNow runs cache eviction and attachment cleanup once.
func (s *Session) MaintainNow(ctx context.Context) error {
	if err := s.maintainCache(ctx); err != nil {
		return err
	}
	return s.cleanupAttachments(ctx)
}

// HandleInbound normalizes and stores one platform event, then publishes
// it. Inbound ingestion is never rate limited.
func (s *Session) HandleInbound(ev domain.InboundEvent) {
	ctx := s.runContext()
	in := ev.Message

	switch ev.Kind {
	case domain.InboundDeletedKind:
		s.forget(in.ConversationID, in.ID)
		s.publish(bus.EventMessageDeleted, in.ConversationID, "", DeletedPayload{MessageID: in.ID})
		return

	case domain.InboundEditedKind:
		msg := s.normalize(ctx, in, domain.OriginLive)
		var dropped []domain.Message
		s.mu.Lock()
		if prev, ok := s.cache.Get(in.ConversationID, in.ID); ok && len(msg.Attachments) == 0 {
			// the edit keeps the earlier attachments and their references
			msg.Attachments = prev.Attachments
			dropped = s.cache.Put(in.ConversationID, msg)
		} else {
			dropped = s.cachePutLocked(in.ConversationID, false, msg)
		}
		s.mu.Unlock()
		s.release(dropped)
		s.publish(bus.EventMessageUpdated, msg.ConversationID, "", msg)
		return

	case domain.InboundReactionAddedKind, domain.InboundReactionRemovedKind,
		domain.InboundPinnedKind, domain.InboundUnpinnedKind:
		s.publish(reactionEventType(ev.Kind), in.ConversationID, "",
			ReactionPayload{MessageID: in.ID, UserID: in.SenderID, Emoji: ev.Emoji})
		return
	}

	msg := s.normalize(ctx, in, domain.OriginLive)
	s.mu.Lock()
	dropped := s.cachePutLocked(in.ConversationID, false, msg)
	total := s.cache.Len()
	s.mu.Unlock()

	s.release(dropped)
	s.metrics.MessagesReceived.Inc()
	s.metrics.CachedMessages.Set(int64(total))
	s.publish(bus.EventMessageReceived, msg.ConversationID, "", msg)
}

func reactionEventType(kind domain.InboundKind) string {
	switch kind {
	case domain.InboundReactionAddedKind:
		return bus.EventReactionAdded
	case domain.InboundReactionRemovedKind:
		return bus.EventReactionRemoved
	case domain.InboundPinnedKind:
		return bus.EventMessagePinned
	}
	return bus.EventMessageUnpinned
}

// cachePutLocked stores msgs and returns every message whose attachment
// references the cache no longer holds: evictions and the earlier copy of
// any message replaced by id. Callers hold s.mu.
func (s *Session) cachePutLocked(conversationID string, fetched bool, msgs ...domain.Message) []domain.Message {
	var dropped []domain.Message
	for _, m := range msgs {
		if prev, ok := s.cache.Get(conversationID, m.ID); ok {
			dropped = append(dropped, prev)
		}
		if fetched {
			dropped = append(dropped, s.cache.PutFetched(conversationID, m)...)
		} else {
			dropped = append(dropped, s.cache.Put(conversationID, m)...)
		}
	}
	return dropped
}

// forget removes a message from the cache and releases its attachments.
func (s *Session) forget(conversationID, messageID string) {
	s.mu.Lock()
	removed, ok := s.cache.Delete(conversationID, messageID)
	total := s.cache.Len()
	s.mu.Unlock()
	if ok {
		s.release([]domain.Message{removed})
		s.metrics.CachedMessages.Set(int64(total))
	}
}

func (s *Session) normalize(ctx context.Context, in domain.InboundMessage, origin domain.Origin) domain.Message {
	ts := in.Timestamp
	if ts.IsZero() {
		ts = s.clock.Now()
	}
	msg := domain.Message{
		ID:             in.ID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		SenderName:     in.SenderName,
		ThreadID:       in.ThreadID,
		Body:           in.Text,
		Timestamp:      ts,
		Status:         domain.StatusSent,
		Origin:         origin,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	for _, a := range in.Attachments {
		att, err := s.saveAttachment(ctx, msg.ID, a)
		if err != nil {
			s.logger.Warn("attachment dropped",
				"adapter", s.cfg.AdapterID,
				"message_id", msg.ID,
				"filename", a.Filename,
				"err", err,
			)
			continue
		}
		msg.Attachments = append(msg.Attachments, att)
	}
	return msg
}

func (s *Session) saveAttachment(ctx context.Context, messageID string, a domain.InboundAttachment) (domain.Attachment, error) {
	if s.store == nil {
		return domain.Attachment{}, fmt.Errorf("no attachment store: %w", domain.ErrUnsupported)
	}
	u := attachment.Upload{
		SourceID:    a.ID,
		MessageID:   messageID,
		Filename:    a.Filename,
		ContentType: a.ContentType,
		Size:        a.Size,
		Data:        a.Data,
	}

	var (
		att domain.Attachment
		err error
	)
	if a.Data == nil && a.Open != nil {
		rc, openErr := a.Open(ctx)
		if openErr != nil {
			return domain.Attachment{}, fmt.Errorf("open attachment: %w", openErr)
		}
		att, err = s.store.SaveStream(ctx, u, rc)
		rc.Close()
	} else {
		att, err = s.store.Save(ctx, u)
	}
	if err != nil {
		return domain.Attachment{}, err
	}
	s.metrics.AttachmentBytes.Add(att.Size)
	s.metrics.Attachments.Set(int64(s.store.Len()))
	return att, nil
}

// release drops the store references held by messages that left the
// cache.
func (s *Session) release(evicted []domain.Message) {
	if s.store == nil {
		return
	}
	for _, m := range evicted {
		if ids := m.AttachmentIDs(); len(ids) > 0 {
			s.store.Release(ids...)
		}
	}
}

// Send delivers an outbound message. When the rate limiter denies it the
// request either fails with domain.ErrRateLimited or is queued, depending
// on the outbound mode. Queued requests report their outcome through
// message_sent / message_failed events carrying the request id.
func (s *Session) Send(ctx context.Context, req domain.SendRequest) (domain.SendResult, error) {
	if req.ConversationID == "" || req.Text == "" {
		return domain.SendResult{}, fmt.Errorf("%w: conversation_id and text are required", domain.ErrInvalidRequest)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	msg := domain.Message{
		ID:             req.RequestID,
		ConversationID: req.ConversationID,
		SenderID:       s.cfg.AdapterID,
		ThreadID:       req.ThreadID,
		Body:           req.Text,
		Timestamp:      s.clock.Now(),
		Status:         domain.StatusPending,
		Origin:         domain.OriginOutbound,
	}

	s.mu.Lock()
	queued := len(s.queue) > 0
	s.mu.Unlock()

	// keep FIFO order behind already queued sends
	if !queued && s.limiter.Admit(1, ratelimit.ScopesFor(requestTypeMessage, req.ConversationID)...) {
		return s.deliver(ctx, req.RequestID, msg)
	}

	s.metrics.RateLimited.Inc()
	if s.cfg.OutboundMode == OutboundFail {
		err := fmt.Errorf("%w: conversation %s", domain.ErrRateLimited, req.ConversationID)
		failed, _ := msg.WithStatus(domain.StatusFailed)
		s.metrics.MessagesFailed.Inc()
		s.publish(bus.EventMessageFailed, req.ConversationID, req.RequestID, FailurePayload{Message: failed, Error: err.Error()})
		return domain.SendResult{Message: failed}, err
	}

	s.enqueue(msg)
	return domain.SendResult{Message: msg, Queued: true}, nil
}

func (s *Session) deliver(ctx context.Context, requestID string, msg domain.Message) (domain.SendResult, error) {
	start := time.Now()
	res, err := s.client.Send(ctx, domain.OutboundMessage{
		ConversationID: msg.ConversationID,
		Text:           msg.Body,
		ThreadID:       msg.ThreadID,
	})
	s.metrics.SendLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, domain.ErrNotConnected) {
			s.sup.ReportLost(err)
		}
		failed, _ := msg.WithStatus(domain.StatusFailed)
		s.metrics.MessagesFailed.Inc()
		s.logger.Warn("send failed", "adapter", s.cfg.AdapterID, "conversation_id", msg.ConversationID, "err", err)
		s.publish(bus.EventMessageFailed, msg.ConversationID, requestID, FailurePayload{Message: failed, Error: err.Error()})
		return domain.SendResult{Message: failed}, fmt.Errorf("send to %s: %w", msg.ConversationID, err)
	}

	if len(res.MessageIDs) > 0 {
		msg.ID = res.MessageIDs[0]
	}
	if !res.SentAt.IsZero() {
		msg.Timestamp = res.SentAt
	}
	msg, _ = msg.WithStatus(domain.StatusSent)

	s.mu.Lock()
	dropped := s.cachePutLocked(msg.ConversationID, false, msg)
	total := s.cache.Len()
	s.mu.Unlock()
	s.release(dropped)

	s.metrics.MessagesSent.Inc()
	s.metrics.CachedMessages.Set(int64(total))
	s.publish(bus.EventMessageSent, msg.ConversationID, requestID, msg)
	return domain.SendResult{Message: msg, MessageIDs: res.MessageIDs}, nil
}

func (s *Session) enqueue(msg domain.Message) {
	s.mu.Lock()
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.queue = append(s.queue, &pending{msg: msg, ctx: ctx, cancel: cancel})
	var dropped *pending
	if len(s.queue) > s.cfg.QueueSize {
		dropped = s.queue[0]
		s.queue = s.queue[1:]
	}
	depth := len(s.queue)
	s.mu.Unlock()

	s.metrics.QueueDepth.Set(int64(depth))
	if dropped != nil {
		dropped.cancel()
		s.fail(dropped.msg, domain.ErrQueueFull)
	}
	s.logger.Debug("send queued", "adapter", s.cfg.AdapterID, "request_id", msg.ID, "depth", depth)

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel removes a queued send. It returns false when the request is not
// queued (already delivered, failed or unknown).
func (s *Session) Cancel(requestID string) bool {
	s.mu.Lock()
	var found *pending
	for i, p := range s.queue {
		if p.msg.ID == requestID {
			found = p
			s.queue = append(s.queue[:i:i], s.queue[i+1:]...)
			break
		}
	}
	depth := len(s.queue)
	s.mu.Unlock()

	if found == nil {
		return false
	}
	found.cancel()
	s.metrics.QueueDepth.Set(int64(depth))
	s.fail(found.msg, domain.ErrCancelled)
	return true
}

// QueueLen returns the number of queued sends.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// drainQueue delivers queued sends in FIFO order, waiting for rate limit
// admission on this goroutine only.
func (s *Session) drainQueue(ctx context.Context) {
	for {
		s.mu.Lock()
		var head *pending
		if len(s.queue) > 0 {
			head = s.queue[0]
		}
		s.mu.Unlock()

		if head == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}

		err := s.awaitAdmission(head)
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		still := len(s.queue) > 0 && s.queue[0] == head
		if still {
			s.queue = s.queue[1:]
		}
		depth := len(s.queue)
		s.mu.Unlock()
		s.metrics.QueueDepth.Set(int64(depth))

		if !still || head.ctx.Err() != nil {
			// cancelled or dropped; already reported
			continue
		}
		if err != nil {
			s.fail(head.msg, err)
			continue
		}
		s.deliver(head.ctx, head.msg.ID, head.msg)
		head.cancel()
	}
}

// awaitAdmission waits for a window slot for the queue head. The head is
// re-checked before each admission attempt so a send cancelled or dropped
// while waiting never records a slot.
func (s *Session) awaitAdmission(head *pending) error {
	current := func() bool {
		if head.ctx.Err() != nil {
			return false
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.queue) > 0 && s.queue[0] == head
	}
	return s.limiter.WaitUntilAdmittedIf(head.ctx, s.cfg.WaitTimeout, 1, current,
		ratelimit.ScopesFor(requestTypeMessage, head.msg.ConversationID)...)
}

func (s *Session) cancelQueued(reason error) {
	s.mu.Lock()
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()

	s.metrics.QueueDepth.Set(0)
	for _, p := range queued {
		p.cancel()
		s.fail(p.msg, reason)
	}
}

func (s *Session) fail(msg domain.Message, reason error) {
	failed, _ := msg.WithStatus(domain.StatusFailed)
	s.metrics.MessagesFailed.Inc()
	s.publish(bus.EventMessageFailed, msg.ConversationID, msg.ID, FailurePayload{Message: failed, Error: reason.Error()})
}

// Edit replaces the text of a message on the platform and in the cache.
// Like sends, it is rate limited per conversation; in fail mode a denied
// edit returns domain.ErrRateLimited, in queue mode the caller waits up to
// the configured wait timeout.
func (s *Session) Edit(ctx context.Context, req domain.EditRequest) (domain.Message, error) {
	if req.ConversationID == "" || req.MessageID == "" || req.Text == "" {
		return domain.Message{}, fmt.Errorf("%w: conversation_id, message_id and text are required", domain.ErrInvalidRequest)
	}
	if err := s.admit(ctx, requestTypeEdit, req.ConversationID); err != nil {
		return domain.Message{}, err
	}
	if err := s.client.Edit(ctx, req.ConversationID, req.MessageID, req.Text); err != nil {
		return domain.Message{}, s.actionFailed("edit", req.ConversationID, err)
	}

	s.mu.Lock()
	msg, ok := s.cache.Get(req.ConversationID, req.MessageID)
	if ok {
		msg.Body = req.Text
		s.cache.Put(req.ConversationID, msg)
	}
	s.mu.Unlock()
	if !ok {
		msg = domain.Message{
			ID:             req.MessageID,
			ConversationID: req.ConversationID,
			Body:           req.Text,
			Timestamp:      s.clock.Now(),
			Status:         domain.StatusSent,
			Origin:         domain.OriginOutbound,
		}
	}
	s.publish(bus.EventMessageUpdated, req.ConversationID, "", msg)
	return msg, nil
}

// Delete removes a message on the platform and drops it from the cache.
func (s *Session) Delete(ctx context.Context, conversationID, messageID string) error {
	if conversationID == "" || messageID == "" {
		return fmt.Errorf("%w: conversation_id and message_id are required", domain.ErrInvalidRequest)
	}
	if err := s.admit(ctx, requestTypeDelete, conversationID); err != nil {
		return err
	}
	if err := s.client.Delete(ctx, conversationID, messageID); err != nil {
		return s.actionFailed("delete", conversationID, err)
	}
	s.forget(conversationID, messageID)
	s.publish(bus.EventMessageDeleted, conversationID, "", DeletedPayload{MessageID: messageID})
	return nil
}

// React adds or removes the bridge's reaction on a message.
func (s *Session) React(ctx context.Context, req domain.ReactionRequest, add bool) error {
	if req.ConversationID == "" || req.MessageID == "" || req.Emoji == "" {
		return fmt.Errorf("%w: conversation_id, message_id and emoji are required", domain.ErrInvalidRequest)
	}
	if err := s.admit(ctx, requestTypeReaction, req.ConversationID); err != nil {
		return err
	}

	call, eventType := s.client.RemoveReaction, bus.EventReactionRemoved
	if add {
		call, eventType = s.client.AddReaction, bus.EventReactionAdded
	}
	if err := call(ctx, req.ConversationID, req.MessageID, req.Emoji); err != nil {
		return s.actionFailed("reaction", req.ConversationID, err)
	}
	s.publish(eventType, req.ConversationID, "",
		ReactionPayload{MessageID: req.MessageID, UserID: s.cfg.AdapterID, Emoji: req.Emoji})
	return nil
}

// admit applies the outbound mode to a non-send action.
func (s *Session) admit(ctx context.Context, requestType, conversationID string) error {
	scopes := ratelimit.ScopesFor(requestType, conversationID)
	if s.limiter.Admit(1, scopes...) {
		return nil
	}
	s.metrics.RateLimited.Inc()
	if s.cfg.OutboundMode == OutboundFail {
		return fmt.Errorf("%w: %s in conversation %s", domain.ErrRateLimited, requestType, conversationID)
	}
	if err := s.limiter.WaitUntilAdmitted(ctx, s.cfg.WaitTimeout, 1, scopes...); err != nil {
		return fmt.Errorf("%s: %w", requestType, err)
	}
	return nil
}

func (s *Session) actionFailed(action, conversationID string, err error) error {
	if errors.Is(err, domain.ErrNotConnected) {
		s.sup.ReportLost(err)
	}
	s.logger.Warn(action+" failed", "adapter", s.cfg.AdapterID, "conversation_id", conversationID, "err", err)
	return fmt.Errorf("%s in %s: %w", action, conversationID, err)
}

// FetchHistory backfills up to limit messages (capped at the configured
// max_history_limit), oldest first. Pagination stops when the limit is
// reached, the platform has no more history, or the iteration cap is hit;
// the last case marks the result truncated.
func (s *Session) FetchHistory(ctx context.Context, conversationID string, limit int, cursor string) (domain.HistoryResult, error) {
	result := domain.HistoryResult{ConversationID: conversationID}
	if conversationID == "" {
		return result, fmt.Errorf("%w: conversation_id is required", domain.ErrInvalidRequest)
	}
	if ceiling := s.cfg.MaxHistoryLimit; ceiling > 0 && (limit <= 0 || limit > ceiling) {
		limit = ceiling
	}
	if limit <= 0 {
		limit = 100
	}

	scopes := ratelimit.ScopesFor(requestTypeHistory, conversationID)
	var collected []domain.Message
	iterations := 0
	more := true

	for more && len(collected) < limit {
		if capped := s.cfg.MaxPaginationIterations; capped > 0 && iterations >= capped {
			result.Truncated = true
			s.logger.Info("history pagination capped",
				"adapter", s.cfg.AdapterID,
				"conversation_id", conversationID,
				"iterations", iterations,
				"collected", len(collected),
			)
			break
		}
		if err := s.limiter.WaitUntilAdmitted(ctx, s.cfg.WaitTimeout, 1, scopes...); err != nil {
			result.Messages = collected
			result.NextCursor = cursor
			return result, fmt.Errorf("fetch history: %w", err)
		}

		page, err := s.client.FetchHistory(ctx, conversationID, limit-len(collected), cursor)
		iterations++
		if err != nil {
			result.Messages = collected
			result.NextCursor = cursor
			return result, fmt.Errorf("fetch history page %d: %w", iterations, err)
		}

		msgs := make([]domain.Message, 0, len(page.Messages))
		for _, in := range page.Messages {
			if in.ConversationID == "" {
				in.ConversationID = conversationID
			}
			msgs = append(msgs, s.normalize(ctx, in, domain.OriginHistory))
		}
		// each page is older than the previous one
		collected = append(msgs, collected...)
		cursor = page.NextCursor
		more = page.HasMore && page.NextCursor != ""
		if len(page.Messages) == 0 {
			more = false
		}
	}

	if len(collected) > limit {
		dropped := collected[:len(collected)-limit]
		collected = collected[len(collected)-limit:]
		s.release(dropped)
	}
	if more {
		result.NextCursor = cursor
	}
	result.Messages = collected

	if s.cfg.Cache.CacheFetchedHistory {
		s.mu.Lock()
		dropped := s.cachePutLocked(conversationID, true, collected...)
		s.mu.Unlock()
		s.release(dropped)
	} else {
		s.release(collected)
	}

	s.publish(bus.EventHistoryFetched, conversationID, "", result)
	return result, nil
}

func (s *Session) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

func (s *Session) publish(eventType, conversationID, requestID string, payload any) {
	s.events.Emit(bus.Event{
		Type:           eventType,
		ConversationID: conversationID,
		RequestID:      requestID,
		Payload:        payload,
		Timestamp:      s.clock.Now(),
	})
}
