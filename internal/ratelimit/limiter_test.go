package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"chatbridge/internal/clock"
	"chatbridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestLimiter(cfg Config) (*Limiter, *clock.Fake) {
	fc := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg.Clock = fc
	cfg.Logger = testLogger()
	return New(cfg), fc
}

func TestLimiter_SixRapidAdmits(t *testing.T) {
	l, fc := newTestLimiter(Config{GlobalRPM: 5})

	for i := 0; i < 5; i++ {
		if !l.Admit(1, Global) {
			t.Fatalf("admit %d should succeed", i+1)
		}
		fc.Advance(100 * time.Millisecond)
	}
	if l.Admit(1, Global) {
		t.Fatal("6th admit within a second should be denied")
	}
}

func TestLimiter_WindowSlides(t *testing.T) {
	l, fc := newTestLimiter(Config{GlobalRPM: 2})

	l.Admit(1, Global)
	fc.Advance(30 * time.Second)
	l.Admit(1, Global)

	if l.Admit(1, Global) {
		t.Fatal("expected denial while window is full")
	}

	fc.Advance(30 * time.Second) // first entry is now exactly 60s old
	if !l.Admit(1, Global) {
		t.Fatal("expected admission once the oldest entry left the window")
	}
	if got := l.Count(Global); got != 2 {
		t.Fatalf("expected count 2, got %d", got)
	}
}

func TestLimiter_MostRestrictiveScopeWins(t *testing.T) {
	l, _ := newTestLimiter(Config{GlobalRPM: 10, PerConversationRPM: 2})

	a := ScopesFor("message", "a")
	b := ScopesFor("message", "b")

	if !l.Admit(1, a...) || !l.Admit(1, a...) {
		t.Fatal("first two sends to a should pass")
	}
	if l.Admit(1, a...) {
		t.Fatal("third send to a should hit the conversation limit")
	}
	if !l.Admit(1, b...) {
		t.Fatal("conversation b has its own window")
	}
	if got := l.Count(Global); got != 3 {
		t.Fatalf("denied admit must not consume global quota, count=%d", got)
	}
}

func TestLimiter_MessageTypeScope(t *testing.T) {
	l, _ := newTestLimiter(Config{MessageRPM: 1})

	if !l.Admit(1, ScopesFor("message", "c1")...) {
		t.Fatal("first message should pass")
	}
	if l.Admit(1, ScopesFor("message", "c2")...) {
		t.Fatal("message_rpm applies across conversations")
	}
	if !l.Admit(1, ScopesFor("fetch_history", "c2")...) {
		t.Fatal("other request types are not bound by message_rpm")
	}
}

func TestLimiter_Unsatisfiable(t *testing.T) {
	l, _ := newTestLimiter(Config{GlobalRPM: 3})

	if l.Admit(4, Global) {
		t.Fatal("weight above the limit must never be admitted")
	}
	err := l.WaitUntilAdmitted(context.Background(), time.Hour, 4, Global)
	if !errors.Is(err, domain.ErrUnsatisfiable) {
		t.Fatalf("expected ErrUnsatisfiable, got %v", err)
	}
}

func TestLimiter_UnlimitedScope(t *testing.T) {
	l, _ := newTestLimiter(Config{})
	for i := 0; i < 1000; i++ {
		if !l.Admit(1, ScopesFor("message", "c1")...) {
			t.Fatalf("unlimited limiter denied admit %d", i)
		}
	}
}

func TestLimiter_WaitUntilAdmitted(t *testing.T) {
	l, fc := newTestLimiter(Config{GlobalRPM: 1})
	l.Admit(1, Global)

	done := make(chan error, 1)
	go func() {
		done <- l.WaitUntilAdmitted(context.Background(), 2*time.Minute, 1, Global)
	}()

	waitForWaiters(t, fc, 1)
	fc.Advance(Window)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected admission, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not released")
	}
}

func TestLimiter_WaitTimeout(t *testing.T) {
	l, _ := newTestLimiter(Config{GlobalRPM: 1})
	l.Admit(1, Global)

	err := l.WaitUntilAdmitted(context.Background(), 10*time.Second, 1, Global)
	if !errors.Is(err, domain.ErrRateLimitTimeout) {
		t.Fatalf("expected ErrRateLimitTimeout, got %v", err)
	}
}

func TestLimiter_WaitStaleRecordsNothing(t *testing.T) {
	l, fc := newTestLimiter(Config{GlobalRPM: 1})
	l.Admit(1, Global)

	var stale atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- l.WaitUntilAdmittedIf(context.Background(), 0, 1, func() bool { return !stale.Load() }, Global)
	}()

	waitForWaiters(t, fc, 1)
	stale.Store(true)
	fc.Advance(Window)

	select {
	case err := <-done:
		if !errors.Is(err, domain.ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stale waiter was not released")
	}
	if n := l.Count(Global); n != 0 {
		t.Fatalf("stale waiter must not take a slot, count %d", n)
	}
}

func TestLimiter_WaitCancelled(t *testing.T) {
	l, fc := newTestLimiter(Config{GlobalRPM: 1})
	l.Admit(1, Global)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.WaitUntilAdmitted(ctx, 0, 1, Global)
	}()

	waitForWaiters(t, fc, 1)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter ignored cancellation")
	}
}

func TestLimiter_RollingWindowNeverExceedsLimit(t *testing.T) {
	const rpm = 7
	l, fc := newTestLimiter(Config{GlobalRPM: rpm})
	rng := rand.New(rand.NewPCG(1, 2))

	var admitted []time.Time
	for i := 0; i < 2000; i++ {
		fc.Advance(time.Duration(rng.IntN(5000)) * time.Millisecond)
		if l.Admit(1, Global) {
			admitted = append(admitted, fc.Now())
		}
	}

	for i, at := range admitted {
		n := 0
		for j := i; j >= 0 && at.Sub(admitted[j]) < Window; j-- {
			n++
		}
		if n > rpm {
			t.Fatalf("window ending at %v holds %d admits, limit %d", at, n, rpm)
		}
	}
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
