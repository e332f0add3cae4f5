// Package supervisor keeps one platform connection alive: it connects,
// runs periodic health checks and reconnects with bounded backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatbridge/internal/clock"
	"chatbridge/internal/domain"
)

const disconnectTimeout = 10 * time.Second

// Connector is the part of a platform client the supervisor drives.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Config configures reconnect and health-check behaviour.
type Config struct {
	AdapterID           string
	RetryDelay          time.Duration
	CheckInterval       time.Duration // 0 disables health checks
	MaxAttempts         int           // 0 retries forever
	BackoffMultiplier   bool          // delay = RetryDelay * attempts
	FloodSleepThreshold time.Duration // caps platform-requested waits; 0 = uncapped
	Clock               clock.Clock
	Logger              *slog.Logger
	// OnChange is called after every state transition, outside any lock.
	OnChange func(domain.ConnectionState)
}

// Supervisor runs the connection state machine for one adapter.
type Supervisor struct {
	client Connector
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	lost   chan error

	mu    sync.Mutex
	state domain.ConnectionState
}

// New creates a supervisor in the disconnected state.
func New(client Connector, cfg Config) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{
		client: client,
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		lost:   make(chan error, 1),
		state: domain.ConnectionState{
			AdapterID: cfg.AdapterID,
			State:     domain.StateDisconnected,
			Since:     cfg.Clock.Now(),
		},
	}
}

// State returns a snapshot of the current connection state.
func (s *Supervisor) State() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReportLost tells the supervisor the connection dropped outside a health
// check (e.g. the client's read loop ended). It is ignored unless connected.
func (s *Supervisor) ReportLost(err error) {
	if s.State().State != domain.StateConnected {
		return
	}
	select {
	case s.lost <- err:
	default:
	}
}

// Run drives the state machine until ctx is cancelled or the connection
// fails terminally. On cancellation the client is disconnected and nil is
// returned. Terminal failures return domain.ErrReconnectExhausted or, for
// permanent client errors, domain.ErrConnectionFailed.
func (s *Supervisor) Run(ctx context.Context) error {
	attempts := 0
	for {
		s.transition(domain.StateConnecting, attempts, nil)

		err := s.client.Connect(ctx)
		if ctx.Err() != nil {
			s.shutdown(err == nil)
			return nil
		}
		if err == nil {
			attempts = 0
			s.drainLost()
			s.transition(domain.StateConnected, 0, nil)

			err = s.monitor(ctx)
			if ctx.Err() != nil {
				s.shutdown(true)
				return nil
			}
			s.logger.Warn("connection lost", "adapter", s.cfg.AdapterID, "err", err)
			s.disconnect()
		}

		if domain.IsPermanent(err) {
			s.transition(domain.StateFailed, attempts, err)
			return fmt.Errorf("%w: %w", domain.ErrConnectionFailed, err)
		}

		attempts++
		if s.cfg.MaxAttempts > 0 && attempts >= s.cfg.MaxAttempts {
			s.transition(domain.StateFailed, attempts, err)
			return fmt.Errorf("%w after %d attempts: %w", domain.ErrReconnectExhausted, attempts, err)
		}

		delay := s.delay(attempts, err)
		s.transition(domain.StateBackoff, attempts, err)
		s.logger.Info("reconnecting", "adapter", s.cfg.AdapterID, "attempt", attempts, "delay", delay)

		select {
		case <-ctx.Done():
			s.transition(domain.StateDisconnected, attempts, nil)
			return nil
		case <-s.clock.After(delay):
		}
	}
}

// monitor blocks while the connection is healthy. It returns the health
// check or loss error, or nil when ctx is done.
func (s *Supervisor) monitor(ctx context.Context) error {
	var tick <-chan time.Time
	for {
		if s.cfg.CheckInterval > 0 {
			tick = s.clock.After(s.cfg.CheckInterval)
		}
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.lost:
			if err == nil {
				err = domain.ErrNotConnected
			}
			return err
		case <-tick:
			if err := s.client.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("health check: %w", err)
			}
			s.logger.Debug("health check ok", "adapter", s.cfg.AdapterID)
		}
	}
}

func (s *Supervisor) delay(attempts int, err error) time.Duration {
	var flood *domain.FloodWaitError
	if errors.As(err, &flood) {
		d := flood.Wait
		if s.cfg.FloodSleepThreshold > 0 && d > s.cfg.FloodSleepThreshold {
			d = s.cfg.FloodSleepThreshold
		}
		return d
	}
	if s.cfg.BackoffMultiplier {
		return s.cfg.RetryDelay * time.Duration(attempts)
	}
	return s.cfg.RetryDelay
}

func (s *Supervisor) drainLost() {
	select {
	case <-s.lost:
	default:
	}
}

func (s *Supervisor) disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		s.logger.Warn("disconnect failed", "adapter", s.cfg.AdapterID, "err", err)
	}
}

func (s *Supervisor) shutdown(connected bool) {
	if connected {
		s.disconnect()
	}
	s.transition(domain.StateDisconnected, 0, nil)
}

func (s *Supervisor) transition(to domain.State, attempts int, err error) {
	s.mu.Lock()
	from := s.state.State
	s.state = domain.ConnectionState{
		AdapterID: s.cfg.AdapterID,
		State:     to,
		Attempts:  attempts,
		Since:     s.clock.Now(),
	}
	if err != nil {
		s.state.LastError = err.Error()
	}
	snapshot := s.state
	s.mu.Unlock()

	attrs := []any{"adapter", s.cfg.AdapterID, "from", from, "to", to, "attempts", attempts}
	switch {
	case to == domain.StateFailed:
		s.logger.Error("connection failed", append(attrs, "err", err)...)
	case err != nil:
		s.logger.Warn("connection state changed", append(attrs, "err", err)...)
	default:
		s.logger.Info("connection state changed", attrs...)
	}

	if s.cfg.OnChange != nil {
		s.cfg.OnChange(snapshot)
	}
}
