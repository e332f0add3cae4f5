package main

import (
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"chatbridge/internal/config"
)

var (
	version     = "0.1.0"
	logger      *slog.Logger
	configPaths []string // one file per adapter, repeatable via --config
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	// a missing .env is normal; anything else is worth a warning
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("cannot load .env", "err", err)
	}

	root := &cobra.Command{
		Use:           "chatbridge",
		Short:         "chatbridge: bridge chat platforms to a local WebSocket control channel",
		Long:          "chatbridge runs one adapter per config file. Each adapter connects a chat platform and exposes it on its own control channel.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringArrayVarP(&configPaths, "config", "c", nil, "adapter config file, repeatable (default: ~/.chatbridge/config.yaml)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		logger.Error("command failed", "err", err)
		os.Exit(1)
	}
}

// resolveConfigPaths returns the --config files or the default path.
func resolveConfigPaths() []string {
	if len(configPaths) > 0 {
		return configPaths
	}
	return []string{config.DefaultConfigPath()}
}

// loadConfigs loads every config file and rejects duplicate adapter ids
// and listener addresses.
func loadConfigs() ([]*config.Config, error) {
	var cfgs []*config.Config
	ids := make(map[string]string)
	addrs := make(map[string]string)
	for _, path := range resolveConfigPaths() {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := ids[cfg.Adapter.AdapterID]; ok {
			return nil, fmt.Errorf("adapter_id %q is used by both %s and %s", cfg.Adapter.AdapterID, prev, path)
		}
		ids[cfg.Adapter.AdapterID] = path
		if cfg.SocketIO.Port != 0 {
			if prev, ok := addrs[cfg.SocketIO.Addr()]; ok {
				return nil, fmt.Errorf("socketio %s is used by both %s and %s", cfg.SocketIO.Addr(), prev, path)
			}
			addrs[cfg.SocketIO.Addr()] = path
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs, nil
}

func initCmd() *cobra.Command {
	var adapterType, adapterID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Long:  "Writes a config with every default filled in. Credentials are left as ${VAR} references to fill from the environment or .env.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := resolveConfigPaths()
			if len(paths) != 1 {
				return fmt.Errorf("init writes exactly one --config file")
			}
			path := config.ExpandPath(paths[0])
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			cfg := config.Defaults()
			cfg.Adapter.Type = adapterType
			cfg.Adapter.AdapterID = adapterID
			if cfg.Adapter.AdapterID == "" {
				cfg.Adapter.AdapterID = adapterType
			}
			switch adapterType {
			case "telegram", "discord":
				cfg.Adapter.BotToken = "${CHATBRIDGE_BOT_TOKEN}"
			case "slack":
				cfg.Adapter.BotToken = "${SLACK_BOT_TOKEN}"
				cfg.Adapter.AppToken = "${SLACK_APP_TOKEN}"
			case "zulip":
				cfg.Adapter.Site = "https://chat.example.com"
				cfg.Adapter.Email = "bot@example.com"
				cfg.Adapter.APIKey = "${ZULIP_API_KEY}"
			case "discord_webhook":
				cfg.Adapter.Webhooks = map[string]string{"general": "${DISCORD_WEBHOOK_URL}"}
			}
			if err := config.Save(path, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", path, "type", adapterType)
			return nil
		},
	}
	cmd.Flags().StringVar(&adapterType, "type", "text_file", "adapter type: telegram, slack, zulip, discord, discord_webhook, shell, text_file")
	cmd.Flags().StringVar(&adapterID, "id", "", "adapter id (default: the type)")
	return cmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run every configured adapter",
		Long:  "Starts one session and control channel per config file. Press Ctrl+C to stop.",
		Args:  cobra.NoArgs,
		RunE:  runAdapters,
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config files without connecting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgs, err := loadConfigs()
			if err != nil {
				return err
			}
			for i, cfg := range cfgs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (adapter %s, type %s, control %s)\n",
					resolveConfigPaths()[i], cfg.Adapter.AdapterID, cfg.Adapter.Type, cfg.SocketIO.Addr())
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatbridge %s\n", version)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long:  "Show the effective configuration or single values. Secrets are masked.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgs, err := loadConfigs()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			for _, cfg := range cfgs {
				if err := enc.Encode(config.Sanitize(cfg)); err != nil {
					return err
				}
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. rate_limit.global_rpm); without a path, list every path",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgs, err := loadConfigs()
			if err != nil {
				return err
			}
			for _, cfg := range cfgs {
				if len(args) == 0 {
					paths := config.ListPaths(config.Sanitize(cfg))
					for _, k := range slices.Sorted(maps.Keys(paths)) {
						fmt.Fprintf(cmd.OutOrStdout(), "%s = %v\n", k, paths[k])
					}
					continue
				}
				val, err := config.GetByPath(config.Sanitize(cfg), args[0])
				if err != nil {
					return err
				}
				out, err := yaml.Marshal(val)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), string(out))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file paths",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, p := range resolveConfigPaths() {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
		},
	})

	return cmd
}
