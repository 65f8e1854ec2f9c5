package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/storebox/config"
	"github.com/jpalmerr/storebox/internal/hub"
)

// shutdownGrace bounds how long serve waits for the hub after a signal.
const shutdownGrace = 10 * time.Second

// newLogger creates a JSON logger on stderr.
func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// parseLevel accepts the slog level names, case-insensitively.
func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: want debug, info, warn or error", s)
	}
	return level, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the store and its inspector server",
	Long: `Build the store described by a config file and keep it running.

Sources are polled into their state fields, the watch file (if any) is
applied on every save, and the inspector serves the page, JSON API,
SSE and websocket streams and /metrics.

SIGINT or SIGTERM stops polling and closes the server; open streams get
up to 10s to finish.

Example:
  storebox serve -c store.yaml
  storebox serve -c store.yaml --port 9090 --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	serveCmd.Flags().IntP("port", "p", 0, "listen port, overrides the config file")
	serveCmd.Flags().String("log-level", "info", "debug, info, warn or error")
	_ = serveCmd.MarkFlagRequired("config")
}

func runServe(cmd *cobra.Command, args []string) error {
	levelName, _ := cmd.Flags().GetString("log-level")
	level, err := parseLevel(levelName)
	if err != nil {
		return err
	}
	logger := newLogger(level)

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var opts []hub.Option
	if cmd.Flags().Changed("port") {
		port, _ := cmd.Flags().GetInt("port")
		cfg.Port = port
		opts = append(opts, hub.WithPort(port))
	}

	h, err := hub.FromConfig(cfg, logger, opts...)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	logger.Info("serving store",
		"store", cfg.Name,
		"fields", len(cfg.State),
		"actions", len(cfg.Actions),
		"sources", len(cfg.Sources),
		"poll_interval", cfg.PollInterval.Duration().String(),
		"url", fmt.Sprintf("http://localhost:%d", cfg.Port),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		errc <- h.Start(ctx)
	}()

	return waitForHub(ctx, errc, shutdownGrace, logger)
}

// waitForHub returns when the hub exits. Once ctx is done the hub gets grace
// to stop; after that serve gives up on it and returns nil.
func waitForHub(ctx context.Context, errc <-chan error, grace time.Duration, logger *slog.Logger) error {
	select {
	case err := <-errc:
		return hubExited(err, logger)
	case <-ctx.Done():
	}

	logger.Info("stopping", "grace", grace.String())
	select {
	case err := <-errc:
		return hubExited(err, logger)
	case <-time.After(grace):
		logger.Warn("hub still running after grace period, exiting", "grace", grace.String())
		return nil
	}
}

func hubExited(err error, logger *slog.Logger) error {
	if err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
