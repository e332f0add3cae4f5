// Package ratelimit enforces requests-per-minute limits over rolling
// 60 second windows, one window per scope.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatbridge/internal/clock"
	"chatbridge/internal/domain"
)

// Window is the rolling window every rpm limit is measured over.
const Window = time.Minute

// Scope keys one rate-limit window.
type Scope string

// Global is the scope every outbound action of an adapter counts against.
const Global Scope = "global"

const (
	conversationPrefix = "conversation:"
	typePrefix         = "type:"
)

// ConversationScope is the per-conversation window for id.
func ConversationScope(id string) Scope { return Scope(conversationPrefix + id) }

// TypeScope is the per-request-type window (e.g. "message", "fetch_history").
func TypeScope(requestType string) Scope { return Scope(typePrefix + requestType) }

// ScopesFor returns the scopes that apply to a request of the given type
// in the given conversation. An empty conversation id skips the
// per-conversation scope.
func ScopesFor(requestType, conversationID string) []Scope {
	scopes := []Scope{Global}
	if conversationID != "" {
		scopes = append(scopes, ConversationScope(conversationID))
	}
	if requestType != "" {
		scopes = append(scopes, TypeScope(requestType))
	}
	return scopes
}

// Config sets the per-scope limits. Zero means unlimited.
type Config struct {
	GlobalRPM          int
	PerConversationRPM int
	MessageRPM         int
	Clock              clock.Clock
	Logger             *slog.Logger
}

// Limiter is safe for concurrent use by several adapter sessions.
type Limiter struct {
	mu         sync.Mutex
	globalRPM  int
	convRPM    int
	messageRPM int
	windows    map[Scope]*window
	clock      clock.Clock
	logger     *slog.Logger
}

type entry struct {
	at     time.Time
	weight int
}

type window struct {
	entries []entry
	total   int
}

// New creates a limiter with the given limits.
func New(cfg Config) *Limiter {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Limiter{
		globalRPM:  cfg.GlobalRPM,
		convRPM:    cfg.PerConversationRPM,
		messageRPM: cfg.MessageRPM,
		windows:    make(map[Scope]*window),
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}
}

// Limit returns the rpm configured for scope, 0 when unlimited.
func (l *Limiter) Limit(scope Scope) int {
	s := string(scope)
	switch {
	case scope == Global:
		return l.globalRPM
	case strings.HasPrefix(s, conversationPrefix):
		return l.convRPM
	case s == typePrefix+"message":
		return l.messageRPM
	default:
		return 0
	}
}

// Admit records an action of the given weight against every scope and
// returns true if all of them stay within their limit. When any scope
// would overflow nothing is recorded and false is returned.
func (l *Limiter) Admit(weight int, scopes ...Scope) bool {
	ok, _, err := l.tryAdmit(weight, scopes)
	return ok && err == nil
}

// WaitUntilAdmitted blocks the calling goroutine until the action is
// admitted. It fails with domain.ErrUnsatisfiable when the weight exceeds
// a scope's limit, and with domain.ErrRateLimitTimeout as soon as it is
// known admission cannot happen before timeout elapses. A timeout <= 0
// waits until ctx is done.
func (l *Limiter) WaitUntilAdmitted(ctx context.Context, timeout time.Duration, weight int, scopes ...Scope) error {
	return l.WaitUntilAdmittedIf(ctx, timeout, weight, nil, scopes...)
}

// WaitUntilAdmittedIf is WaitUntilAdmitted for a waiter that can go stale.
// ready is checked before every admission attempt; once it reports false
// the wait ends with domain.ErrCancelled and nothing is recorded.
func (l *Limiter) WaitUntilAdmittedIf(ctx context.Context, timeout time.Duration, weight int, ready func() bool, scopes ...Scope) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = l.clock.Now().Add(timeout)
	}

	for {
		if ready != nil && !ready() {
			return domain.ErrCancelled
		}
		ok, retryAt, err := l.tryAdmit(weight, scopes)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !deadline.IsZero() && retryAt.After(deadline) {
			return fmt.Errorf("%w after %s", domain.ErrRateLimitTimeout, timeout)
		}

		wait := retryAt.Sub(l.clock.Now())
		l.logger.Debug("waiting for rate limit window", "scopes", scopes, "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(wait):
		}
	}
}

// Count returns the weight admitted for scope within the current window.
func (l *Limiter) Count(scope Scope) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[scope]
	if !ok {
		return 0
	}
	l.prune(scope, w, l.clock.Now())
	return w.total
}

func (l *Limiter) tryAdmit(weight int, scopes []Scope) (bool, time.Time, error) {
	if weight < 1 {
		weight = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	var retryAt time.Time
	blocked := false
	limited := make([]Scope, 0, len(scopes))
	seen := make(map[Scope]bool, len(scopes))

	for _, scope := range scopes {
		if seen[scope] {
			continue
		}
		seen[scope] = true

		limit := l.Limit(scope)
		if limit <= 0 {
			continue
		}
		if weight > limit {
			return false, time.Time{}, fmt.Errorf("%w: weight %d, %s allows %d per minute",
				domain.ErrUnsatisfiable, weight, scope, limit)
		}
		limited = append(limited, scope)

		w := l.windows[scope]
		if w == nil {
			continue
		}
		l.prune(scope, w, now)
		if w.total+weight <= limit {
			continue
		}

		blocked = true
		need := w.total + weight - limit
		freed := 0
		for _, e := range w.entries {
			freed += e.weight
			if freed >= need {
				if at := e.at.Add(Window); at.After(retryAt) {
					retryAt = at
				}
				break
			}
		}
	}

	if blocked {
		return false, retryAt, nil
	}

	for _, scope := range limited {
		w := l.windows[scope]
		if w == nil {
			w = &window{}
			l.windows[scope] = w
		}
		w.entries = append(w.entries, entry{at: now, weight: weight})
		w.total += weight
	}
	return true, time.Time{}, nil
}

// prune drops entries that left the rolling window. Callers hold l.mu.
func (l *Limiter) prune(scope Scope, w *window, now time.Time) {
	i := 0
	for i < len(w.entries) && !now.Before(w.entries[i].at.Add(Window)) {
		w.total -= w.entries[i].weight
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
	if len(w.entries) == 0 {
		delete(l.windows, scope)
	}
}
