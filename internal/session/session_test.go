package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"chatbridge/internal/attachment"
	"chatbridge/internal/bus"
	"chatbridge/internal/cache"
	"chatbridge/internal/clock"
	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
	"chatbridge/internal/ratelimit"
	"chatbridge/internal/supervisor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakeClient struct {
	mu          sync.Mutex
	handler     func(domain.InboundEvent)
	sent        []domain.OutboundMessage
	actions     []string
	actionErr   error
	sendErr     error
	connectErr  error
	history     []domain.InboundMessage
	pageSize    int
	fetches     int
	disconnects int
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectErr
}

func (f *fakeClient) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func (f *fakeClient) Send(ctx context.Context, out domain.OutboundMessage) (domain.DeliveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return domain.DeliveryResult{}, f.sendErr
	}
	f.sent = append(f.sent, out)
	return domain.DeliveryResult{MessageIDs: []string{"p" + strconv.Itoa(len(f.sent))}}, nil
}

func (f *fakeClient) act(action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.actionErr != nil {
		return f.actionErr
	}
	f.actions = append(f.actions, action)
	return nil
}

func (f *fakeClient) Edit(ctx context.Context, conversationID, messageID, content string) error {
	return f.act("edit " + messageID + " " + content)
}

func (f *fakeClient) Delete(ctx context.Context, conversationID, messageID string) error {
	return f.act("delete " + messageID)
}

func (f *fakeClient) AddReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return f.act("react " + messageID + " " + emoji)
}

func (f *fakeClient) RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return f.act("unreact " + messageID + " " + emoji)
}

// FetchHistory pages backwards through f.history; the cursor is the
// exclusive end index of the next page.
func (f *fakeClient) FetchHistory(ctx context.Context, conversationID string, limit int, cursor string) (domain.HistoryPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	end := len(f.history)
	if cursor != "" {
		end, _ = strconv.Atoi(cursor)
	}
	n := f.pageSize
	if limit < n {
		n = limit
	}
	start := end - n
	if start < 0 {
		start = 0
	}
	page := append([]domain.InboundMessage(nil), f.history[start:end]...)
	return domain.HistoryPage{Messages: page, NextCursor: strconv.Itoa(start), HasMore: start > 0}, nil
}

func (f *fakeClient) Subscribe(h func(domain.InboundEvent)) { f.handler = h }

func (f *fakeClient) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type eventLog struct {
	ch chan bus.Event
}

func watch(eb *bus.EventBus) *eventLog {
	l := &eventLog{ch: make(chan bus.Event, 256)}
	eb.On("*", func(e bus.Event) { l.ch <- e })
	return l
}

func (l *eventLog) next(t *testing.T, eventType string) bus.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-l.ch:
			if e.Type == eventType {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", eventType)
		}
	}
}

func (l *eventLog) nextState(t *testing.T, want domain.State) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-l.ch:
			if st, ok := e.Payload.(domain.ConnectionState); ok && st.State == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

type harness struct {
	s      *Session
	client *fakeClient
	clock  *clock.Fake
	events *eventLog
	store  *attachment.Store
}

func newHarness(t *testing.T, cfg Config, limits ratelimit.Config) *harness {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	limits.Clock = fc
	limits.Logger = testLogger()

	store, err := attachment.NewStore(context.Background(), attachment.Config{
		Dir: t.TempDir(), MaxFileSize: 1024, Clock: fc, Logger: testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	client := &fakeClient{pageSize: 2}
	eb := bus.NewEventBus(0, testLogger())
	events := watch(eb)

	cfg.AdapterID = "test-" + t.Name()
	cfg.Clock = fc
	cfg.Logger = testLogger()
	s := New(cfg, Deps{
		Client:  client,
		Limiter: ratelimit.New(limits),
		Store:   store,
		Events:  eb,
		Metrics: metrics.NewMetricsCollector().ForAdapter(cfg.AdapterID),
	})
	return &harness{s: s, client: client, clock: fc, events: events, store: store}
}

func waitForWaiters(t *testing.T, fc *clock.Fake, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for fc.Waiters() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d clock waiters", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSession_InboundMessageCachedAndPublished(t *testing.T) {
	h := newHarness(t, Config{Cache: cache.Config{MaxPerConversation: 10}}, ratelimit.Config{})

	h.client.handler(domain.InboundEvent{Kind: domain.InboundMessageKind, Message: domain.InboundMessage{
		ID: "m1", ConversationID: "c1", SenderID: "u1", Text: "hi",
		Attachments: []domain.InboundAttachment{
			{ID: "f1", Filename: "a.png", Size: 3, Data: []byte("png")},
			{ID: "f2", Filename: "huge.bin", Size: 4096, Data: make([]byte, 4096)},
		},
	}})

	e := h.events.next(t, bus.EventMessageReceived)
	msg := e.Payload.(domain.Message)
	if msg.Origin != domain.OriginLive || msg.Status != domain.StatusSent {
		t.Errorf("unexpected origin/status %s/%s", msg.Origin, msg.Status)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Filename != "a.png" {
		t.Fatalf("expected only the small attachment stored, got %+v", msg.Attachments)
	}
	if _, ok := h.s.Cache().Get("c1", "m1"); !ok {
		t.Fatal("message not cached")
	}
	if h.store.Len() != 1 {
		t.Fatalf("expected 1 stored attachment, got %d", h.store.Len())
	}
}

func TestSession_InboundEditAndDelete(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{})

	h.client.handler(domain.InboundEvent{Kind: domain.InboundMessageKind, Message: domain.InboundMessage{
		ID: "m1", ConversationID: "c1", Text: "first",
	}})
	h.client.handler(domain.InboundEvent{Kind: domain.InboundEditedKind, Message: domain.InboundMessage{
		ID: "m1", ConversationID: "c1", Text: "second",
	}})
	h.events.next(t, bus.EventMessageUpdated)
	if got, _ := h.s.Cache().Get("c1", "m1"); got.Body != "second" {
		t.Fatalf("expected edited body, got %q", got.Body)
	}

	h.client.handler(domain.InboundEvent{Kind: domain.InboundDeletedKind, Message: domain.InboundMessage{
		ID: "m1", ConversationID: "c1",
	}})
	e := h.events.next(t, bus.EventMessageDeleted)
	if e.Payload.(DeletedPayload).MessageID != "m1" {
		t.Errorf("unexpected payload %+v", e.Payload)
	}
	if h.s.Cache().Len() != 0 {
		t.Fatal("deleted message still cached")
	}
}

func TestSession_SendAdmitted(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{GlobalRPM: 5})

	res, err := h.s.Send(context.Background(), domain.SendRequest{RequestID: "r1", ConversationID: "c1", Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Queued || res.Message.Status != domain.StatusSent || res.Message.ID != "p1" {
		t.Fatalf("unexpected result %+v", res)
	}
	e := h.events.next(t, bus.EventMessageSent)
	if e.RequestID != "r1" {
		t.Errorf("expected request id r1, got %s", e.RequestID)
	}
	cached, ok := h.s.Cache().Get("c1", "p1")
	if !ok || cached.Origin != domain.OriginOutbound {
		t.Fatalf("outbound message not cached: %+v", cached)
	}
}

func TestSession_SendFailMode(t *testing.T) {
	h := newHarness(t, Config{OutboundMode: OutboundFail}, ratelimit.Config{PerConversationRPM: 1})
	ctx := context.Background()

	if _, err := h.s.Send(ctx, domain.SendRequest{ConversationID: "c1", Text: "one"}); err != nil {
		t.Fatal(err)
	}
	res, err := h.s.Send(ctx, domain.SendRequest{ConversationID: "c1", Text: "two"})
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if res.Message.Status != domain.StatusFailed {
		t.Errorf("expected failed status, got %s", res.Message.Status)
	}
	h.events.next(t, bus.EventMessageFailed)
	if h.client.sentCount() != 1 {
		t.Fatalf("expected 1 platform send, got %d", h.client.sentCount())
	}
}

func TestSession_SendRejectsEmpty(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{})
	_, err := h.s.Send(context.Background(), domain.SendRequest{ConversationID: "c1"})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestSession_SendPlatformError(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{})
	h.client.sendErr = domain.Permanent(errors.New("chat not found"))

	_, err := h.s.Send(context.Background(), domain.SendRequest{ConversationID: "c1", Text: "x"})
	if err == nil || !domain.IsPermanent(err) {
		t.Fatalf("expected permanent platform error surfaced, got %v", err)
	}
	h.events.next(t, bus.EventMessageFailed)
}

func TestSession_QueueDrainsAfterWindow(t *testing.T) {
	h := newHarness(t, Config{OutboundMode: OutboundQueue}, ratelimit.Config{GlobalRPM: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.s.Run(ctx) }()
	h.events.nextState(t, domain.StateConnected)

	if _, err := h.s.Send(ctx, domain.SendRequest{ConversationID: "c1", Text: "one"}); err != nil {
		t.Fatal(err)
	}
	res, err := h.s.Send(ctx, domain.SendRequest{RequestID: "r2", ConversationID: "c1", Text: "two"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Queued || res.Message.Status != domain.StatusPending {
		t.Fatalf("expected queued pending message, got %+v", res)
	}

	waitForWaiters(t, h.clock, 1)
	h.clock.Advance(ratelimit.Window)

	for {
		e := h.events.next(t, bus.EventMessageSent)
		if e.RequestID == "r2" {
			break
		}
	}
	if h.client.sentCount() != 2 {
		t.Fatalf("expected 2 sends, got %d", h.client.sentCount())
	}
	if h.s.QueueLen() != 0 {
		t.Fatalf("queue should be empty, has %d", h.s.QueueLen())
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}

func TestSession_QueueOverflowDropsOldest(t *testing.T) {
	h := newHarness(t, Config{QueueSize: 1}, ratelimit.Config{GlobalRPM: 1})
	ctx := context.Background()

	h.s.Send(ctx, domain.SendRequest{ConversationID: "c1", Text: "sent"})
	h.s.Send(ctx, domain.SendRequest{RequestID: "old", ConversationID: "c1", Text: "old"})
	h.s.Send(ctx, domain.SendRequest{RequestID: "new", ConversationID: "c1", Text: "new"})

	e := h.events.next(t, bus.EventMessageFailed)
	if e.RequestID != "old" {
		t.Fatalf("expected oldest queued request dropped, got %s", e.RequestID)
	}
	if p := e.Payload.(FailurePayload); p.Error != domain.ErrQueueFull.Error() {
		t.Errorf("unexpected failure reason %q", p.Error)
	}
	if h.s.QueueLen() != 1 {
		t.Fatalf("expected queue length 1, got %d", h.s.QueueLen())
	}
}

func TestSession_CancelQueued(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{GlobalRPM: 1})
	ctx := context.Background()

	h.s.Send(ctx, domain.SendRequest{ConversationID: "c1", Text: "sent"})
	h.s.Send(ctx, domain.SendRequest{RequestID: "r2", ConversationID: "c1", Text: "queued"})

	if !h.s.Cancel("r2") {
		t.Fatal("expected queued request to be cancelled")
	}
	if h.s.Cancel("r2") || h.s.Cancel("unknown") {
		t.Fatal("cancel of a non-queued request must report false")
	}
	e := h.events.next(t, bus.EventMessageFailed)
	if e.RequestID != "r2" {
		t.Fatalf("expected failure for r2, got %s", e.RequestID)
	}
}

func historyOf(n int) []domain.InboundMessage {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	out := make([]domain.InboundMessage, n)
	for i := range out {
		out[i] = domain.InboundMessage{
			ID: fmt.Sprintf("h%d", i), Text: fmt.Sprintf("msg %d", i), Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func TestSession_FetchHistoryTruncatedByIterations(t *testing.T) {
	h := newHarness(t, Config{
		MaxHistoryLimit: 100, MaxPaginationIterations: 3,
		Cache: cache.Config{CacheFetchedHistory: true},
	}, ratelimit.Config{})
	h.client.history = historyOf(20)

	res, err := h.s.FetchHistory(context.Background(), "c1", 50, "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated {
		t.Error("expected truncated result")
	}
	if len(res.Messages) != 6 {
		t.Fatalf("expected 3 pages of 2, got %d", len(res.Messages))
	}
	if res.Messages[0].ID != "h14" || res.Messages[5].ID != "h19" {
		t.Errorf("expected h14..h19 oldest first, got %s..%s", res.Messages[0].ID, res.Messages[5].ID)
	}
	if res.NextCursor != "14" {
		t.Errorf("expected cursor 14, got %q", res.NextCursor)
	}
	if res.Messages[0].Origin != domain.OriginHistory {
		t.Errorf("expected history origin, got %s", res.Messages[0].Origin)
	}
	if h.s.Cache().ConversationLen("c1") != 6 {
		t.Errorf("fetched history should be cached")
	}
}

func TestSession_FetchHistoryStopsAtLimit(t *testing.T) {
	h := newHarness(t, Config{MaxHistoryLimit: 3, MaxPaginationIterations: 10}, ratelimit.Config{})
	h.client.history = historyOf(10)

	res, err := h.s.FetchHistory(context.Background(), "c1", 50, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Truncated || len(res.Messages) != 3 {
		t.Fatalf("expected 3 untruncated messages, got %d truncated=%v", len(res.Messages), res.Truncated)
	}
	if h.client.fetches != 2 {
		t.Errorf("expected 2 page requests, got %d", h.client.fetches)
	}
	if h.s.Cache().Len() != 0 {
		t.Error("history must not be cached when cache_fetched_history is off")
	}
}

func TestSession_FetchHistoryExhausted(t *testing.T) {
	h := newHarness(t, Config{MaxHistoryLimit: 100, MaxPaginationIterations: 10}, ratelimit.Config{})
	h.client.history = historyOf(3)

	res, err := h.s.FetchHistory(context.Background(), "c1", 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Truncated || res.NextCursor != "" || len(res.Messages) != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSession_ShutdownDisconnectsAndCancelsQueue(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{GlobalRPM: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.s.Run(ctx) }()
	h.events.nextState(t, domain.StateConnected)

	h.s.Send(ctx, domain.SendRequest{ConversationID: "c1", Text: "sent"})
	h.s.Send(ctx, domain.SendRequest{RequestID: "r2", ConversationID: "c1", Text: "queued"})

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if h.client.disconnects != 1 {
		t.Errorf("expected client disconnected once, got %d", h.client.disconnects)
	}
	if st := h.s.State(); st.State != domain.StateDisconnected {
		t.Errorf("expected disconnected, got %s", st.State)
	}
	if h.s.QueueLen() != 0 {
		t.Error("queued sends should be cancelled on shutdown")
	}
}

func TestSession_ReconnectExhaustedIsTerminal(t *testing.T) {
	h := newHarness(t, Config{Supervisor: supervisor.Config{MaxAttempts: 1}}, ratelimit.Config{})
	h.client.connectErr = errors.New("refused")

	err := h.s.Run(context.Background())
	if !errors.Is(err, domain.ErrReconnectExhausted) {
		t.Fatalf("expected ErrReconnectExhausted, got %v", err)
	}
	h.events.nextState(t, domain.StateFailed)
}

func TestSession_MaintenanceEvictsAndReleases(t *testing.T) {
	h := newHarness(t, Config{Cache: cache.Config{MaxAge: time.Hour}}, ratelimit.Config{})

	h.client.handler(domain.InboundEvent{Kind: domain.InboundMessageKind, Message: domain.InboundMessage{
		ID: "m1", ConversationID: "c1", Timestamp: h.clock.Now(),
		Attachments: []domain.InboundAttachment{{ID: "f1", Filename: "a.txt", Size: 1, Data: []byte("a")}},
	}})
	h.clock.Advance(2 * time.Hour)

	if err := h.s.MaintainNow(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.s.Cache().Len() != 0 {
		t.Fatal("expired message should be evicted")
	}
	if h.store.Len() != 0 {
		t.Fatal("attachment of evicted message should be cleaned up")
	}
}

func TestSession_EditReplacingAttachmentsReleasesOld(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{})

	h.client.handler(domain.InboundEvent{Kind: domain.InboundMessageKind, Message: domain.InboundMessage{
		ID: "m1", ConversationID: "c1", Text: "v1",
		Attachments: []domain.InboundAttachment{{ID: "f1", Filename: "old.txt", Size: 1, Data: []byte("a")}},
	}})
	h.client.handler(domain.InboundEvent{Kind: domain.InboundEditedKind, Message: domain.InboundMessage{
		ID: "m1", ConversationID: "c1", Text: "v2",
		Attachments: []domain.InboundAttachment{{ID: "f2", Filename: "new.txt", Size: 1, Data: []byte("b")}},
	}})

	report, err := h.store.Cleanup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Unreferenced != 1 || h.store.Len() != 1 {
		t.Fatalf("expected only the replaced attachment removed, got %+v with %d left", report, h.store.Len())
	}
	got, _ := h.s.Cache().Get("c1", "m1")
	if len(got.Attachments) != 1 || got.Attachments[0].Filename != "new.txt" {
		t.Fatalf("unexpected attachments %+v", got.Attachments)
	}
}

func inboundWithFile(id, sourceID string) domain.InboundEvent {
	return domain.InboundEvent{Kind: domain.InboundMessageKind, Message: domain.InboundMessage{
		ID: id, ConversationID: "c1", Text: "photo",
		Attachments: []domain.InboundAttachment{{ID: sourceID, Filename: "cat.png", Size: 3, Data: []byte("png")}},
	}}
}

func TestSession_SharedAttachmentSurvivesDelete(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{})

	h.client.handler(inboundWithFile("m1", "f1"))
	h.client.handler(inboundWithFile("m2", "f1"))
	h.client.handler(domain.InboundEvent{Kind: domain.InboundDeletedKind, Message: domain.InboundMessage{
		ID: "m1", ConversationID: "c1",
	}})

	if err := h.s.MaintainNow(context.Background()); err != nil {
		t.Fatal(err)
	}
	m2, ok := h.s.Cache().Get("c1", "m2")
	if !ok || len(m2.Attachments) != 1 {
		t.Fatalf("m2 should still be cached with its attachment: %+v", m2)
	}
	if _, err := os.Stat(m2.Attachments[0].Path); err != nil {
		t.Fatalf("attachment still used by m2 was removed: %v", err)
	}
	if h.store.Len() != 1 {
		t.Fatalf("expected 1 stored attachment, got %d", h.store.Len())
	}
}

func TestSession_UncachedHistoryKeepsLiveAttachment(t *testing.T) {
	h := newHarness(t, Config{MaxHistoryLimit: 10}, ratelimit.Config{})

	h.client.handler(inboundWithFile("m1", "f1"))
	h.client.history = []domain.InboundMessage{inboundWithFile("m1", "f1").Message}

	if _, err := h.s.FetchHistory(context.Background(), "c1", 10, ""); err != nil {
		t.Fatal(err)
	}
	if err := h.s.MaintainNow(context.Background()); err != nil {
		t.Fatal(err)
	}
	live, _ := h.s.Cache().Get("c1", "m1")
	if len(live.Attachments) != 1 {
		t.Fatalf("live message lost its attachment: %+v", live)
	}
	if _, err := os.Stat(live.Attachments[0].Path); err != nil {
		t.Fatalf("live message's file removed after history fetch: %v", err)
	}
}

func TestSession_CachedHistoryReplacementBalancesReferences(t *testing.T) {
	h := newHarness(t, Config{MaxHistoryLimit: 10, Cache: cache.Config{CacheFetchedHistory: true}}, ratelimit.Config{})
	ctx := context.Background()

	h.client.handler(inboundWithFile("m1", "f1"))
	h.client.history = []domain.InboundMessage{inboundWithFile("m1", "f1").Message}
	if _, err := h.s.FetchHistory(ctx, "c1", 10, ""); err != nil {
		t.Fatal(err)
	}
	if err := h.s.MaintainNow(ctx); err != nil {
		t.Fatal(err)
	}
	if h.store.Len() != 1 {
		t.Fatalf("attachment of the refreshed message should be kept, store has %d", h.store.Len())
	}

	h.client.handler(domain.InboundEvent{Kind: domain.InboundDeletedKind, Message: domain.InboundMessage{
		ID: "m1", ConversationID: "c1",
	}})
	if err := h.s.MaintainNow(ctx); err != nil {
		t.Fatal(err)
	}
	if h.store.Len() != 0 {
		t.Fatalf("attachment should go with the last reference, store has %d", h.store.Len())
	}
}

func TestSession_SendPassesThread(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{})

	res, err := h.s.Send(context.Background(), domain.SendRequest{ConversationID: "c1", Text: "hi", ThreadID: "t42"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Message.ThreadID != "t42" {
		t.Errorf("expected thread on result, got %+v", res.Message)
	}
	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	if len(h.client.sent) != 1 || h.client.sent[0].ThreadID != "t42" || h.client.sent[0].Text != "hi" {
		t.Fatalf("platform did not receive the thread: %+v", h.client.sent)
	}
}

func TestSession_EditDeleteAndReact(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{})
	ctx := context.Background()

	h.client.handler(inboundWithFile("m1", "f1"))

	msg, err := h.s.Edit(ctx, domain.EditRequest{ConversationID: "c1", MessageID: "m1", Text: "edited"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Body != "edited" || len(msg.Attachments) != 1 {
		t.Fatalf("unexpected edited message %+v", msg)
	}
	h.events.next(t, bus.EventMessageUpdated)
	if got, _ := h.s.Cache().Get("c1", "m1"); got.Body != "edited" {
		t.Fatalf("cache not updated, got %q", got.Body)
	}

	if err := h.s.React(ctx, domain.ReactionRequest{ConversationID: "c1", MessageID: "m1", Emoji: "tada"}, true); err != nil {
		t.Fatal(err)
	}
	e := h.events.next(t, bus.EventReactionAdded)
	if p := e.Payload.(ReactionPayload); p.MessageID != "m1" || p.Emoji != "tada" {
		t.Fatalf("unexpected reaction payload %+v", p)
	}
	if err := h.s.React(ctx, domain.ReactionRequest{ConversationID: "c1", MessageID: "m1", Emoji: "tada"}, false); err != nil {
		t.Fatal(err)
	}
	h.events.next(t, bus.EventReactionRemoved)

	if err := h.s.Delete(ctx, "c1", "m1"); err != nil {
		t.Fatal(err)
	}
	h.events.next(t, bus.EventMessageDeleted)
	if h.s.Cache().Len() != 0 {
		t.Fatal("deleted message still cached")
	}
	if err := h.s.MaintainNow(ctx); err != nil {
		t.Fatal(err)
	}
	if h.store.Len() != 0 {
		t.Fatalf("attachment of a deleted message should be cleaned up, store has %d", h.store.Len())
	}

	want := []string{"edit m1 edited", "react m1 tada", "unreact m1 tada", "delete m1"}
	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	if fmt.Sprint(h.client.actions) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, h.client.actions)
	}
}

func TestSession_EditRateLimitedInFailMode(t *testing.T) {
	h := newHarness(t, Config{OutboundMode: OutboundFail}, ratelimit.Config{PerConversationRPM: 1})
	ctx := context.Background()

	if _, err := h.s.Edit(ctx, domain.EditRequest{ConversationID: "c1", MessageID: "m1", Text: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := h.s.Delete(ctx, "c1", "m1"); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if _, err := h.s.Edit(ctx, domain.EditRequest{ConversationID: "c1", MessageID: "m1"}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for empty text, got %v", err)
	}
}

func TestSession_ReactionUnsupported(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{})
	h.client.actionErr = domain.ErrUnsupported

	err := h.s.React(context.Background(), domain.ReactionRequest{ConversationID: "c1", MessageID: "m1", Emoji: "+1"}, true)
	if !errors.Is(err, domain.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestSession_InboundReactionsPublished(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{})

	h.client.handler(domain.InboundEvent{
		Kind:    domain.InboundReactionAddedKind,
		Message: domain.InboundMessage{ID: "m1", ConversationID: "c1", SenderID: "u7"},
		Emoji:   "eyes",
	})
	e := h.events.next(t, bus.EventReactionAdded)
	if p := e.Payload.(ReactionPayload); p.MessageID != "m1" || p.UserID != "u7" || p.Emoji != "eyes" || e.ConversationID != "c1" {
		t.Fatalf("unexpected reaction event %+v", e)
	}

	h.client.handler(domain.InboundEvent{
		Kind:    domain.InboundPinnedKind,
		Message: domain.InboundMessage{ID: "m1", ConversationID: "c1", SenderID: "u7"},
	})
	h.events.next(t, bus.EventMessagePinned)
	if h.s.Cache().Len() != 0 {
		t.Fatal("reactions and pins must not be cached as messages")
	}
}

func TestSession_DroppedQueueHeadTakesNoSlot(t *testing.T) {
	h := newHarness(t, Config{}, ratelimit.Config{GlobalRPM: 1})
	ctx := context.Background()

	h.s.Send(ctx, domain.SendRequest{ConversationID: "c1", Text: "sent"})
	h.s.Send(ctx, domain.SendRequest{RequestID: "r2", ConversationID: "c1", Text: "queued"})

	h.s.mu.Lock()
	head := h.s.queue[0]
	h.s.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- h.s.awaitAdmission(head) }()
	waitForWaiters(t, h.clock, 1)

	// the head leaves the queue without its context being cancelled
	h.s.mu.Lock()
	h.s.queue = nil
	h.s.mu.Unlock()
	h.clock.Advance(ratelimit.Window)

	select {
	case err := <-done:
		if !errors.Is(err, domain.ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("admission wait did not end")
	}
	if n := h.s.limiter.Count(ratelimit.Global); n != 0 {
		t.Fatalf("a send that never happened took a slot, count %d", n)
	}
}
