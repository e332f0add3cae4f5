package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chatbridge/internal/config"
)

const shutdownTimeout = 10 * time.Second

func runAdapters(cmd *cobra.Command, args []string) error {
	cfgs, err := loadConfigs()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// one adapter failing never stops the others
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []error
	)
	for _, cfg := range cfgs {
		wg.Add(1)
		go func(cfg *config.Config) {
			defer wg.Done()
			if err := runAdapter(ctx, cfg); err != nil {
				logger.Error("adapter stopped", "adapter", cfg.Adapter.AdapterID, "err", err)
				mu.Lock()
				failed = append(failed, fmt.Errorf("%s: %w", cfg.Adapter.AdapterID, err))
				mu.Unlock()
			}
		}(cfg)
	}
	logger.Info("chatbridge started. Press Ctrl+C to stop.", "adapters", len(cfgs), "version", version)

	wg.Wait()
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d adapters failed: %w", len(failed), len(cfgs), errors.Join(failed...))
	}
	logger.Info("shutdown complete")
	return nil
}

// runAdapter runs one adapter until ctx is cancelled or its control
// channel fails. A session that fails terminally leaves the control
// channel serving so /health reports the failure.
func runAdapter(ctx context.Context, cfg *config.Config) error {
	a, err := newAdapter(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sessionDone := make(chan error, 1)
	controlDone := make(chan error, 1)
	go func() { sessionDone <- a.session.Run(ctx) }()
	go func() { controlDone <- a.control.Run(ctx) }()

	var sessionErr, controlErr error
	sessionRunning := true
	select {
	case controlErr = <-controlDone:
		if controlErr != nil {
			a.logger.Error("control channel failed", "err", controlErr)
		}
	case sessionErr = <-sessionDone:
		sessionRunning = false
		if sessionErr != nil {
			a.logger.Error("session failed, control channel stays up", "err", sessionErr)
		}
		controlErr = <-controlDone
	}
	cancel()

	if sessionRunning {
		a.logger.Info("shutting down adapter")
		select {
		case sessionErr = <-sessionDone:
		case <-time.After(shutdownTimeout):
			a.logger.Warn("session shutdown timed out")
			sessionErr = errors.Join(sessionErr, fmt.Errorf("session shutdown timed out"))
		}
	}
	return errors.Join(sessionErr, controlErr)
}
