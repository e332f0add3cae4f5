package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"chatbridge/internal/attachment"
	"chatbridge/internal/config"
	"chatbridge/internal/platform"
)

func doctorCmd() *cobra.Command {
	var connect bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on each adapter config",
		Long: `Verifies that each config loads, its storage and log paths are writable,
the attachment index opens and the control port is free. With --connect the
platform credentials are checked by connecting once.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "chatbridge doctor v%s\n", version)
			fmt.Fprintf(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")

			var r report
			for _, path := range resolveConfigPaths() {
				fmt.Fprintf(out, "\n%s\n", path)
				r.checkFile(cmd.Context(), out, path, connect)
			}

			fmt.Fprintf(out, "\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Fprintf(out, "Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&connect, "connect", false, "connect to each platform once to verify credentials")
	return cmd
}

type report struct {
	passed, warned, failed int
}

func (r *report) pass(w io.Writer, check, detail string) {
	r.passed++
	fmt.Fprintf(w, "  [PASS] %-20s %s\n", check, detail)
}

func (r *report) fail(w io.Writer, check, detail string) {
	r.failed++
	fmt.Fprintf(w, "  [FAIL] %-20s %s\n", check, detail)
}

func (r *report) warn(w io.Writer, check, detail string) {
	r.warned++
	fmt.Fprintf(w, "  [WARN] %-20s %s\n", check, detail)
}

func (r *report) checkFile(ctx context.Context, w io.Writer, path string, connect bool) {
	cfg, err := config.Load(path)
	if err != nil {
		r.fail(w, "Config", err.Error())
		return
	}
	r.pass(w, "Config", fmt.Sprintf("adapter %s (%s)", cfg.Adapter.AdapterID, cfg.Adapter.Type))

	if err := checkWritableDir(cfg.Attachments.StorageDir); err != nil {
		r.fail(w, "Attachment storage", err.Error())
	} else {
		r.pass(w, "Attachment storage", cfg.Attachments.StorageDir)
	}

	if cfg.Attachments.IndexPath != "" {
		if err := checkIndex(cfg.Attachments.IndexPath); err != nil {
			r.fail(w, "Attachment index", err.Error())
		} else {
			r.pass(w, "Attachment index", cfg.Attachments.IndexPath)
		}
	}

	if cfg.Adapter.Type == platform.TypeTextFile {
		if err := checkWritableDir(cfg.Adapter.BaseDir); err != nil {
			r.fail(w, "Conversation dir", err.Error())
		} else {
			r.pass(w, "Conversation dir", cfg.Adapter.BaseDir)
		}
	}

	if err := checkPort(cfg.SocketIO.Addr()); err != nil {
		r.warn(w, "Control port", fmt.Sprintf("%s may be in use: %v", cfg.SocketIO.Addr(), err))
	} else {
		r.pass(w, "Control port", cfg.SocketIO.Addr()+" available")
	}

	if cfg.Logging.FilePath != "" {
		if err := checkWritableDir(filepath.Dir(cfg.Logging.FilePath)); err != nil {
			r.warn(w, "Log file", err.Error())
		} else {
			r.pass(w, "Log file", cfg.Logging.FilePath)
		}
	}

	if connect {
		if err := checkConnect(ctx, cfg); err != nil {
			r.fail(w, "Platform", err.Error())
		} else {
			r.pass(w, "Platform", cfg.Adapter.Type+" connected")
		}
	}
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	f.Close()
	return os.Remove(f.Name())
}

func checkIndex(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create index directory: %w", err)
	}
	idx, err := attachment.OpenIndex(path, logger)
	if err != nil {
		return err
	}
	return idx.Close()
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

func checkConnect(ctx context.Context, cfg *config.Config) error {
	client, err := platform.New(platformConfig(cfg, logger))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect(context.WithoutCancel(ctx))
	return client.Ping(ctx)
}
