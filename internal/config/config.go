package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the configuration of one adapter instance.
type Config struct {
	Adapter     AdapterConfig    `yaml:"adapter"`
	Attachments AttachmentConfig `yaml:"attachments"`
	Caching     CachingConfig    `yaml:"caching"`
	Logging     LoggingConfig    `yaml:"logging"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"`
	SocketIO    SocketIOConfig   `yaml:"socketio"`
}

// AdapterConfig selects the platform and tunes the connection supervisor.
// Intervals and delays are in seconds.
type AdapterConfig struct {
	Type      string `yaml:"type"`
	AdapterID string `yaml:"adapter_id"`

	BotToken string            `yaml:"bot_token,omitempty"`
	AppToken string            `yaml:"app_token,omitempty"` // slack socket mode
	GuildID  string            `yaml:"guild_id,omitempty"`  // discord
	Site     string            `yaml:"site,omitempty"`      // zulip
	Email    string            `yaml:"adapter_email,omitempty"`
	APIKey   string            `yaml:"api_key,omitempty"`
	Webhooks map[string]string `yaml:"webhooks,omitempty"` // conversation id -> webhook URL
	Command  string            `yaml:"command,omitempty"`  // shell
	BaseDir  string            `yaml:"base_dir,omitempty"` // text_file

	PollInterval            int  `yaml:"poll_interval"`
	ConnectionCheckInterval int  `yaml:"connection_check_interval"`
	MaxReconnectAttempts    int  `yaml:"max_reconnect_attempts"`
	RetryDelay              int  `yaml:"retry_delay"`
	BackoffMultiplier       bool `yaml:"backoff_multiplier"`
	FloodSleepThreshold     int  `yaml:"flood_sleep_threshold"`
	MaxHistoryLimit         int  `yaml:"max_history_limit"`
	MaxPaginationIterations int  `yaml:"max_pagination_iterations"`
	MaxMessageLength        int  `yaml:"max_message_length"`
}

type AttachmentConfig struct {
	StorageDir           string `yaml:"storage_dir"`
	IndexPath            string `yaml:"index_path,omitempty"`
	MaxFileSizeMB        int    `yaml:"max_file_size_mb"`
	LargeFileThresholdMB int    `yaml:"large_file_threshold_mb"`
	MaxTotalAttachments  int    `yaml:"max_total_attachments"`
	MaxAgeDays           int    `yaml:"max_age_days"`
	CleanupIntervalHours int    `yaml:"cleanup_interval_hours"`
}

type CachingConfig struct {
	MaxMessagesPerConversation int  `yaml:"max_messages_per_conversation"`
	MaxTotalMessages           int  `yaml:"max_total_messages"`
	MaxAgeHours                int  `yaml:"max_age_hours"`
	MaintenanceInterval        int  `yaml:"cache_maintenance_interval"` // seconds
	CacheFetchedHistory        bool `yaml:"cache_fetched_history"`
}

type LoggingConfig struct {
	Level    string `yaml:"logging_level"`
	Format   string `yaml:"log_format"` // "text" | "json"
	FilePath string `yaml:"log_file_path,omitempty"`
}

type RateLimitConfig struct {
	GlobalRPM          int    `yaml:"global_rpm"`
	PerConversationRPM int    `yaml:"per_conversation_rpm"`
	MessageRPM         int    `yaml:"message_rpm"`
	OutboundMode       string `yaml:"outbound_mode"` // "queue" | "fail"
	QueueSize          int    `yaml:"queue_size"`
	WaitTimeout        int    `yaml:"wait_timeout"` // seconds
}

// SocketIOConfig configures the control channel listener.
type SocketIOConfig struct {
	Host               string   `yaml:"host"`
	Port               int      `yaml:"port"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

const mb = 1 << 20

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (a AdapterConfig) PollEvery() time.Duration      { return seconds(a.PollInterval) }
func (a AdapterConfig) CheckEvery() time.Duration     { return seconds(a.ConnectionCheckInterval) }
func (a AdapterConfig) RetryAfter() time.Duration     { return seconds(a.RetryDelay) }
func (a AdapterConfig) FloodThreshold() time.Duration { return seconds(a.FloodSleepThreshold) }

func (a AttachmentConfig) MaxFileSize() int64        { return int64(a.MaxFileSizeMB) * mb }
func (a AttachmentConfig) LargeFileThreshold() int64 { return int64(a.LargeFileThresholdMB) * mb }
func (a AttachmentConfig) MaxAge() time.Duration     { return time.Duration(a.MaxAgeDays) * 24 * time.Hour }
func (a AttachmentConfig) CleanupEvery() time.Duration {
	return time.Duration(a.CleanupIntervalHours) * time.Hour
}

func (c CachingConfig) MaxAge() time.Duration           { return time.Duration(c.MaxAgeHours) * time.Hour }
func (c CachingConfig) MaintenanceEvery() time.Duration { return seconds(c.MaintenanceInterval) }

func (r RateLimitConfig) WaitFor() time.Duration { return seconds(r.WaitTimeout) }

// Addr is the host:port the control channel listens on.
func (s SocketIOConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// DefaultConfigDir returns the default config directory (~/.chatbridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatbridge"
	}
	return filepath.Join(home, ".chatbridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

func Load(path string) (*Config, error) {
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Adapter.BaseDir = expandPath(cfg.Adapter.BaseDir)
	cfg.Attachments.StorageDir = expandPath(cfg.Attachments.StorageDir)
	cfg.Attachments.IndexPath = expandPath(cfg.Attachments.IndexPath)
	cfg.Logging.FilePath = expandPath(cfg.Logging.FilePath)
	if cfg.Adapter.AdapterID == "" {
		cfg.Adapter.AdapterID = cfg.Adapter.Type
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		name := groups[1]
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, ok := os.LookupEnv(name)
		if !ok || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match // left for Validate to report
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

var adapterTypes = []string{"telegram", "slack", "zulip", "discord", "discord_webhook", "shell", "text_file"}

// Validate checks that the config has valid values. All problems are
// reported together.
func Validate(cfg *Config) error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	a := cfg.Adapter
	switch a.Type {
	case "":
		add("adapter.type is required (one of: %s)", strings.Join(adapterTypes, ", "))
	case "telegram", "discord":
		if a.BotToken == "" {
			add("adapter.bot_token is required for %s", a.Type)
		}
	case "slack":
		if a.BotToken == "" || a.AppToken == "" {
			add("adapter.bot_token and adapter.app_token are required for slack")
		}
	case "zulip":
		if a.Site == "" || a.Email == "" || a.APIKey == "" {
			add("adapter.site, adapter.adapter_email and adapter.api_key are required for zulip")
		} else if u, err := url.Parse(a.Site); err != nil || u.Scheme == "" || u.Host == "" {
			add("adapter.site must be an absolute URL: %q", a.Site)
		}
	case "discord_webhook":
		if len(a.Webhooks) == 0 {
			add("adapter.webhooks needs at least one conversation for discord_webhook")
		}
	case "shell":
		if strings.TrimSpace(a.Command) == "" {
			add("adapter.command is required for shell")
		}
	case "text_file":
		if a.BaseDir == "" {
			add("adapter.base_dir is required for text_file")
		}
		if a.PollInterval < 1 {
			add("adapter.poll_interval must be >= 1")
		}
	default:
		add("adapter.type %q is not one of: %s", a.Type, strings.Join(adapterTypes, ", "))
	}
	for _, secret := range []string{a.BotToken, a.AppToken, a.APIKey} {
		if m := envVarPattern.FindString(secret); m != "" {
			add("unresolved environment variable %s", m)
		}
	}

	if a.ConnectionCheckInterval < 0 {
		add("adapter.connection_check_interval must be >= 0")
	}
	if a.MaxReconnectAttempts < 0 {
		add("adapter.max_reconnect_attempts must be >= 0")
	}
	if a.RetryDelay < 1 {
		add("adapter.retry_delay must be >= 1")
	}
	if a.FloodSleepThreshold < 0 {
		add("adapter.flood_sleep_threshold must be >= 0")
	}
	if a.MaxHistoryLimit < 1 {
		add("adapter.max_history_limit must be >= 1")
	}
	if a.MaxPaginationIterations < 1 {
		add("adapter.max_pagination_iterations must be >= 1")
	}
	if a.MaxMessageLength < 1 {
		add("adapter.max_message_length must be >= 1")
	}

	at := cfg.Attachments
	if at.StorageDir == "" {
		add("attachments.storage_dir is required")
	}
	if at.MaxFileSizeMB < 1 {
		add("attachments.max_file_size_mb must be >= 1")
	}
	if at.LargeFileThresholdMB < 1 || at.LargeFileThresholdMB > at.MaxFileSizeMB {
		add("attachments.large_file_threshold_mb must be between 1 and max_file_size_mb")
	}
	if at.MaxTotalAttachments < 1 {
		add("attachments.max_total_attachments must be >= 1")
	}
	if at.MaxAgeDays < 1 {
		add("attachments.max_age_days must be >= 1")
	}
	if at.CleanupIntervalHours < 1 {
		add("attachments.cleanup_interval_hours must be >= 1")
	}

	c := cfg.Caching
	if c.MaxMessagesPerConversation < 1 {
		add("caching.max_messages_per_conversation must be >= 1")
	}
	if c.MaxTotalMessages < c.MaxMessagesPerConversation {
		add("caching.max_total_messages must be >= max_messages_per_conversation")
	}
	if c.MaxAgeHours < 1 {
		add("caching.max_age_hours must be >= 1")
	}
	if c.MaintenanceInterval < 1 {
		add("caching.cache_maintenance_interval must be >= 1")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.logging_level must be one of: debug, info, warn, error")
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		add("logging.log_format must be one of: text, json")
	}

	r := cfg.RateLimit
	if r.GlobalRPM < 1 || r.PerConversationRPM < 1 || r.MessageRPM < 1 {
		add("rate_limit.global_rpm, per_conversation_rpm and message_rpm must be >= 1")
	}
	switch r.OutboundMode {
	case "queue", "fail":
	default:
		add("rate_limit.outbound_mode must be one of: queue, fail")
	}
	if r.QueueSize < 1 {
		add("rate_limit.queue_size must be >= 1")
	}
	if r.WaitTimeout < 1 {
		add("rate_limit.wait_timeout must be >= 1")
	}

	s := cfg.SocketIO
	if s.Host == "" {
		add("socketio.host is required")
	}
	if s.Port < 0 || s.Port > 65535 {
		add("socketio.port must be between 0 and 65535")
	}
	if len(s.CORSAllowedOrigins) == 0 {
		add("socketio.cors_allowed_origins must list at least one origin (use \"*\" for any)")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func expandPath(path string) string {
	return ExpandPath(path)
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
