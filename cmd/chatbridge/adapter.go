package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"chatbridge/internal/attachment"
	"chatbridge/internal/bus"
	"chatbridge/internal/cache"
	"chatbridge/internal/config"
	"chatbridge/internal/control"
	"chatbridge/internal/metrics"
	"chatbridge/internal/platform"
	"chatbridge/internal/ratelimit"
	"chatbridge/internal/session"
	"chatbridge/internal/supervisor"
)

const eventHistory = 100

// adapter is one running adapter instance built from one config file.
type adapter struct {
	id      string
	logger  *slog.Logger
	session *session.Session
	control *control.Server
	store   *attachment.Store
	logFile io.Closer
}

// newAdapter builds the platform client, limiter, attachment store,
// session and control channel described by cfg.
func newAdapter(ctx context.Context, cfg *config.Config) (*adapter, error) {
	id := cfg.Adapter.AdapterID
	base, logFile, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("adapter %s: %w", id, err)
	}
	log := base.With("adapter", id)

	a := &adapter{id: id, logger: log, logFile: logFile}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	client, err := platform.New(platformConfig(cfg, log))
	if err != nil {
		return nil, fmt.Errorf("adapter %s: %w", id, err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		GlobalRPM:          cfg.RateLimit.GlobalRPM,
		PerConversationRPM: cfg.RateLimit.PerConversationRPM,
		MessageRPM:         cfg.RateLimit.MessageRPM,
		Logger:             log,
	})

	a.store, err = attachment.NewStore(ctx, attachment.Config{
		Dir:                cfg.Attachments.StorageDir,
		IndexPath:          cfg.Attachments.IndexPath,
		MaxFileSize:        cfg.Attachments.MaxFileSize(),
		LargeFileThreshold: cfg.Attachments.LargeFileThreshold(),
		MaxTotal:           cfg.Attachments.MaxTotalAttachments,
		MaxAge:             cfg.Attachments.MaxAge(),
		Logger:             log,
	})
	if err != nil {
		return nil, fmt.Errorf("adapter %s: attachment store: %w", id, err)
	}

	m := metrics.Collector.ForAdapter(id)
	events := bus.NewEventBus(eventHistory, log)

	a.session = session.New(session.Config{
		AdapterID:               id,
		OutboundMode:            session.OutboundMode(cfg.RateLimit.OutboundMode),
		QueueSize:               cfg.RateLimit.QueueSize,
		WaitTimeout:             cfg.RateLimit.WaitFor(),
		MaxHistoryLimit:         cfg.Adapter.MaxHistoryLimit,
		MaxPaginationIterations: cfg.Adapter.MaxPaginationIterations,
		CacheMaintenance:        cfg.Caching.MaintenanceEvery(),
		AttachmentCleanup:       cfg.Attachments.CleanupEvery(),
		Cache: cache.Config{
			MaxPerConversation:  cfg.Caching.MaxMessagesPerConversation,
			MaxTotal:            cfg.Caching.MaxTotalMessages,
			MaxAge:              cfg.Caching.MaxAge(),
			CacheFetchedHistory: cfg.Caching.CacheFetchedHistory,
		},
		Supervisor: supervisor.Config{
			RetryDelay:          cfg.Adapter.RetryAfter(),
			CheckInterval:       cfg.Adapter.CheckEvery(),
			MaxAttempts:         cfg.Adapter.MaxReconnectAttempts,
			BackoffMultiplier:   cfg.Adapter.BackoffMultiplier,
			FloodSleepThreshold: cfg.Adapter.FloodThreshold(),
		},
		Logger: log,
	}, session.Deps{
		Client:  client,
		Limiter: limiter,
		Store:   a.store,
		Events:  events,
		Metrics: m,
	})

	a.control = control.New(control.Config{
		Host:           cfg.SocketIO.Host,
		Port:           cfg.SocketIO.Port,
		AllowedOrigins: cfg.SocketIO.CORSAllowedOrigins,
		Metrics:        metrics.Collector,
		ClientGauge:    m.ControlClients,
		Logger:         log,
	}, a.session, events)

	ok = true
	return a, nil
}

func platformConfig(cfg *config.Config, log *slog.Logger) platform.Config {
	return platform.Config{
		Type:             cfg.Adapter.Type,
		AdapterID:        cfg.Adapter.AdapterID,
		BotToken:         cfg.Adapter.BotToken,
		AppToken:         cfg.Adapter.AppToken,
		GuildID:          cfg.Adapter.GuildID,
		Site:             cfg.Adapter.Site,
		Email:            cfg.Adapter.Email,
		APIKey:           cfg.Adapter.APIKey,
		Webhooks:         cfg.Adapter.Webhooks,
		Command:          cfg.Adapter.Command,
		BaseDir:          cfg.Adapter.BaseDir,
		PollInterval:     cfg.Adapter.PollEvery(),
		MaxMessageLength: cfg.Adapter.MaxMessageLength,
		Logger:           log,
	}
}

func (a *adapter) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("attachment store close failed", "err", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}

// newLogger builds the handler described by the logging section. The
// returned closer is nil when logging to stderr.
func newLogger(lc config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var (
		w      io.Writer = os.Stderr
		closer io.Closer
	)
	if lc.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(lc.FilePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("log directory: %w", err)
		}
		f, err := os.OpenFile(lc.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("log file: %w", err)
		}
		w, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), closer, nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), closer, nil
}
