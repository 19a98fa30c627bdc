// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jeranaias/minivault/internal/config"
	"github.com/jeranaias/minivault/internal/logging"
	"github.com/jeranaias/minivault/internal/ollama"
	"github.com/jeranaias/minivault/internal/server"
	"github.com/jeranaias/minivault/internal/storage"
)

// backendProbeTimeout bounds the startup reachability check.
const backendProbeTimeout = 3 * time.Second

type serveOptions struct {
	host       string
	port       int
	model      string
	ollamaURL  string
	logBackend string
	logFile    string
	rateLimit  bool
	noWatch    bool
}

func bindServeFlags(cmd *cobra.Command, o *serveOptions) {
	f := cmd.Flags()
	f.StringVar(&o.host, "host", "", "listen host")
	f.IntVarP(&o.port, "port", "p", 0, "listen port")
	f.StringVarP(&o.model, "model", "m", "", "Ollama model name")
	f.StringVar(&o.ollamaURL, "ollama-url", "", "Ollama base URL")
	f.StringVar(&o.logBackend, "log-backend", "", "interaction log backend: jsonl or sqlite")
	f.StringVar(&o.logFile, "log-file", "", "interaction log path")
	f.BoolVar(&o.rateLimit, "rate-limit", false, "enable per-client rate limiting")
	f.BoolVar(&o.noWatch, "no-watch", false, "do not reload the config file when it changes")
}

func newServeCommand(root *rootOptions) *cobra.Command {
	o := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeCommand(cmd, root, o)
		},
	}
	bindServeFlags(cmd, o)
	return cmd
}

// applyServeFlags overlays explicitly set flags onto cfg.
func applyServeFlags(cmd *cobra.Command, o *serveOptions, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Server.Host = o.host
	}
	if f.Changed("port") {
		cfg.Server.Port = o.port
	}
	if f.Changed("model") {
		cfg.Backend.Model = o.model
	}
	if f.Changed("ollama-url") {
		cfg.Backend.URL = o.ollamaURL
	}
	if f.Changed("log-backend") {
		cfg.Log.Backend = o.logBackend
	}
	if f.Changed("log-file") {
		cfg.Log.Path = o.logFile
	}
	if f.Changed("rate-limit") {
		cfg.RateLimit.Enabled = o.rateLimit
	}
	if err := cfg.Validate(); err != nil {
		return newCommandError("config", "load", "invalid flag value", err)
	}
	return nil
}

func runServeCommand(cmd *cobra.Command, root *rootOptions, o *serveOptions) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd, o, cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runServe(ctx, cfg, !o.noWatch, cmd.ErrOrStderr())
}

// runServe serves until ctx is done, then shuts down gracefully.
func runServe(ctx context.Context, cfg *config.Config, watch bool, logOut io.Writer) error {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, logOut)
	if err != nil {
		return newCommandError("config", "load", "invalid log settings", err)
	}

	rec, err := storage.Open(cfg.Log.Backend, cfg.Log.Path)
	if err != nil {
		return newCommandError("serve", "start", "could not open interaction log", err)
	}
	defer rec.Close()

	client := ollama.NewClient(ollama.ClientConfig{
		BaseURL:      cfg.Backend.URL,
		Model:        cfg.Backend.Model,
		Timeout:      cfg.Backend.Timeout,
		StreamBuffer: cfg.Backend.StreamBuffer,
	})
	probeBackend(ctx, client, logger)

	srv := server.NewServer(cfg.Server).
		WithOllamaClient(client).
		WithRecorder(rec).
		WithLogger(logger).
		WithCORS(cfg.CORS).
		WithRateLimit(cfg.RateLimit)

	if watch && cfg.Path != "" {
		go func() {
			err := config.Watch(ctx, cfg.Path, logger, func(next *config.Config) {
				srv.ApplyBackend(next.Backend)
			})
			if err != nil {
				logger.Warn().Err(err).Msg("CONFIG_WATCH_DISABLED")
			}
		}()
	}

	logger.Info().
		Str("addr", cfg.Server.Addr()).
		Str("config", cfg.Path).
		Str("log_backend", cfg.Log.Backend).
		Str("log_file", cfg.Log.Path).
		Str("model", cfg.Backend.Model).
		Msg("MINIVAULT_READY")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return newCommandError("serve", "start", "listener failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx := context.Background()
	if cfg.Server.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(shutdownCtx, cfg.Server.ShutdownTimeout)
		defer cancel()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// probeBackend reports whether Ollama answers. The gateway starts either
// way; requests fall back until the backend comes up.
func probeBackend(ctx context.Context, client *ollama.Client, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, backendProbeTimeout)
	defer cancel()

	version, err := client.Ping(ctx)
	if err != nil {
		logger.Warn().
			Err(err).
			Str("url", client.Config().BaseURL).
			Msg("BACKEND_UNREACHABLE")
		return
	}
	logger.Info().
		Str("url", client.Config().BaseURL).
		Str("ollama_version", version).
		Msg("BACKEND_READY")
}
