package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited is returned when an outbound action is denied and the
	// adapter is configured to fail fast. Retry after the window resets.
	ErrRateLimited = errors.New("rate limited")
	// ErrRateLimitTimeout is returned when waiting for admission exceeded its deadline.
	ErrRateLimitTimeout = errors.New("rate limit wait timed out")
	// ErrUnsatisfiable is returned when a weight can never fit a scope's limit.
	ErrUnsatisfiable = errors.New("rate limit weight exceeds scope limit")

	ErrAttachmentTooLarge = errors.New("attachment too large")
	ErrStoreFull          = errors.New("attachment store full")

	ErrConnectionFailed   = errors.New("connection failed")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrNotConnected       = errors.New("not connected")

	ErrImmutable   = errors.New("message already sent")
	ErrUnsupported = errors.New("operation not supported by platform")
	ErrQueueFull   = errors.New("outbound queue overflow")
	ErrCancelled   = errors.New("request cancelled")

	ErrInvalidRequest = errors.New("invalid request")
)

// FloodWaitError is returned by platform clients when the platform asks
// the bridge to back off for a fixed duration (HTTP 429 retry-after,
// Telegram flood wait).
type FloodWaitError struct {
	Wait time.Duration
	Err  error
}

func (e *FloodWaitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("flood wait %s: %v", e.Wait, e.Err)
	}
	return fmt.Sprintf("flood wait %s", e.Wait)
}

func (e *FloodWaitError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable (authentication failure, malformed
// payload). The supervisor does not reconnect after a permanent error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
