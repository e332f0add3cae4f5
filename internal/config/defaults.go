package config

// Defaults returns a config with every tunable set. The adapter type and
// its credentials have no default.
func Defaults() *Config {
	return &Config{
		Adapter: AdapterConfig{
			Command:                 "/bin/sh",
			BaseDir:                 "./conversations",
			PollInterval:            2,
			ConnectionCheckInterval: 300,
			MaxReconnectAttempts:    5,
			RetryDelay:              5,
			BackoffMultiplier:       false,
			FloodSleepThreshold:     60,
			MaxHistoryLimit:         100,
			MaxPaginationIterations: 10,
			MaxMessageLength:        4000,
		},
		Attachments: AttachmentConfig{
			StorageDir:           "./attachments",
			MaxFileSizeMB:        8,
			LargeFileThresholdMB: 5,
			MaxTotalAttachments:  1000,
			MaxAgeDays:           30,
			CleanupIntervalHours: 24,
		},
		Caching: CachingConfig{
			MaxMessagesPerConversation: 100,
			MaxTotalMessages:           1000,
			MaxAgeHours:                24,
			MaintenanceInterval:        3600,
			CacheFetchedHistory:        true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		RateLimit: RateLimitConfig{
			GlobalRPM:          50,
			PerConversationRPM: 10,
			MessageRPM:         20,
			OutboundMode:       "queue",
			QueueSize:          32,
			WaitTimeout:        30,
		},
		SocketIO: SocketIOConfig{
			Host:               "127.0.0.1",
			Port:               8081,
			CORSAllowedOrigins: []string{"*"},
		},
	}
}
