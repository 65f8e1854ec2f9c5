// Package hub runs a store together with the components that feed and
// expose it: polled HTTP sources, a watched patch file and the inspector
// server.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jpalmerr/storebox"
	"github.com/jpalmerr/storebox/config"
	"github.com/jpalmerr/storebox/dashboard"
	"github.com/jpalmerr/storebox/internal/metrics"
	"github.com/jpalmerr/storebox/internal/poller"
	"github.com/jpalmerr/storebox/internal/server"
	"github.com/jpalmerr/storebox/internal/status"
	"github.com/jpalmerr/storebox/internal/watcher"
)

const (
	defaultPollInterval   = 15 * time.Second
	defaultPort           = 8080
	defaultMaxConcurrency = 10
)

// Hub orchestrates a [storebox.Store] with its sources and inspector.
//
// The typical lifecycle is:
//
//	h, err := hub.New(store, hub.WithSources(src), hub.WithPort(9090))
//	if err != nil {
//	    slog.Error("failed to create hub", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	h.Start(ctx) // blocks until context cancelled
type Hub struct {
	store *storebox.Store
	cfg   hubConfig
	table *status.Table
}

// New creates a [Hub] for st.
//
// Defaults:
//   - Poll interval: 15 seconds
//   - Port: 8080
//   - Max concurrency: 10
//   - Inspector page: the embedded dashboard
//
// Returns an error if st is nil, an option is invalid, or sources are
// misconfigured (duplicate names, missing URL or field).
func New(st *storebox.Store, opts ...Option) (*Hub, error) {
	if st == nil {
		return nil, errors.New("store cannot be nil")
	}

	cfg := hubConfig{
		pollInterval:   defaultPollInterval,
		maxConcurrency: defaultMaxConcurrency,
		port:           defaultPort,
		assets:         dashboard.Assets,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	// source names key the scheduler's interval tracking and the status table
	seen := make(map[string]bool, len(cfg.sources))
	for i, src := range cfg.sources {
		if src.Name == "" {
			return nil, fmt.Errorf("sources[%d]: name is required", i)
		}
		if seen[src.Name] {
			return nil, fmt.Errorf("duplicate source name: %q", src.Name)
		}
		seen[src.Name] = true
		if src.URL == "" {
			return nil, fmt.Errorf("sources[%d] (%s): url is required", i, src.Name)
		}
		if src.Field == "" {
			return nil, fmt.Errorf("sources[%d] (%s): field is required", i, src.Name)
		}
	}

	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.registry == nil {
		cfg.registry = prometheus.NewRegistry()
	}

	return &Hub{
		store: st,
		cfg:   cfg,
		table: status.NewTable(),
	}, nil
}

// FromConfig builds the store and hub described by cfg. Extra options are
// applied after the configured ones.
func FromConfig(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := config.BuildStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build store: %w", err)
	}

	all := []Option{
		WithLogger(logger),
		WithPort(cfg.Port),
		WithPollInterval(cfg.PollInterval.Duration()),
		WithMaxConcurrency(cfg.MaxConcurrency),
		WithSources(config.BuildSources(cfg)...),
	}
	if cfg.Watch != "" {
		all = append(all, WithWatchFile(cfg.Watch))
	}
	all = append(all, opts...)

	return New(st, all...)
}

// Store returns the hub's store.
func (h *Hub) Store() *storebox.Store {
	return h.store
}

// Sources returns the last poll outcome of every source, sorted by name.
func (h *Hub) Sources() []status.SourceStatus {
	return h.table.GetAll()
}

// Start runs the hub until ctx is cancelled.
//
// Start is a blocking call. During execution:
//
//   - All sources are polled immediately, then at their intervals; each
//     successful poll writes its value to the source's field
//   - The watch file, if any, is applied on start and after every write
//   - The inspector server listens on the configured port
//
// Returns nil on graceful shutdown. Returns an error if the inspector server
// or the file watcher fails to start.
func (h *Hub) Start(ctx context.Context) error {
	logger := h.cfg.logger.With("store", h.store.Name())

	logger.Info("storebox starting",
		"source_count", len(h.cfg.sources),
		"actions", len(h.store.Actions()),
	)

	// check if context already cancelled
	if ctx.Err() != nil {
		return nil
	}

	httpServer := server.NewServer(h.store, h.cfg.port, h.cfg.assets, h.cfg.logger,
		server.WithRegistry(h.cfg.registry),
		server.WithSources(h.table),
	)
	m := httpServer.Metrics()

	var wg sync.WaitGroup

	// results drained during shutdown are still applied
	writeCtx := context.WithoutCancel(ctx)

	// the watcher is created up front so a missing directory fails Start
	var fw *watcher.Watcher
	if h.cfg.watchPath != "" {
		var err error
		fw, err = watcher.New(h.cfg.watchPath, h.cfg.debounce, func(patch storebox.State) {
			if err := h.store.Apply(writeCtx, storebox.Set(patch)); err != nil {
				logger.Error("failed to apply patch file", "path", h.cfg.watchPath, "error", err.Error())
			}
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to start file watcher: %w", err)
		}
	}

	var scheduler *poller.Scheduler
	if len(h.cfg.sources) > 0 {
		logger.Info("polling configured", "interval", h.cfg.pollInterval.String())
		scheduler = poller.NewScheduler(h.cfg.sources, h.cfg.pollInterval, h.cfg.maxConcurrency, h.cfg.logger)
		scheduler.Start(ctx)

		// track the results consumer goroutine to ensure clean shutdown
		wg.Add(1)
		go func() {
			defer wg.Done()
			for result := range scheduler.Results() {
				h.handleResult(writeCtx, result, m, logger)
			}
		}()
	}

	if fw != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fw.Start(ctx)
		}()
	}

	// cleanup ensures the scheduler is stopped and all results are processed
	cleanup := func() {
		if scheduler != nil {
			scheduler.Stop() // closes results channel
		}
		if fw != nil {
			_ = fw.Close()
		}
		wg.Wait()
	}

	if err := httpServer.Start(ctx); err != nil {
		cleanup()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	<-ctx.Done()
	cleanup()
	logger.Info("storebox stopped")
	return nil
}

// handleResult applies one poll result to the store and status table, then
// invokes result callbacks.
func (h *Hub) handleResult(ctx context.Context, result poller.Result, m *metrics.Server, logger *slog.Logger) {
	// store update first (callbacks fire after data is applied)
	st := h.table.Update(status.FromResult(result))

	outcome := status.StatusOK
	if result.Error == nil {
		if err := h.store.Apply(ctx, storebox.Set(storebox.State{result.Field: result.Value})); err != nil {
			outcome = status.StatusError
			logger.Error("failed to apply source value", "source", result.Source, "field", result.Field, "error", err.Error())
		}
	} else {
		outcome = status.StatusError
	}
	m.PollResults.WithLabelValues(result.Source, outcome).Inc()

	for _, cb := range h.cfg.callbacks {
		invokeCallbackSafe(cb, st, logger)
	}

	// log poll results (DEBUG level for success to reduce noise)
	logAttrs := []any{
		"source", result.Source,
		"field", result.Field,
		"url", result.URL,
		"latency_ms", result.Latency.Milliseconds(),
	}
	if result.Error != nil {
		logger.Warn("poll completed with error", append(logAttrs, "error", result.Error.Error(), "failures", st.Failures)...)
	} else {
		logger.Debug("poll completed", logAttrs...)
	}
}

// invokeCallbackSafe calls a result callback with panic recovery.
// Panics are logged with a correlation id but do not propagate.
func invokeCallbackSafe(cb func(status.SourceStatus), st status.SourceStatus, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("result callback panicked",
				"correlation_id", uuid.NewString(),
				"panic", r,
				"source", st.Name,
				"stack", string(debug.Stack()),
			)
		}
	}()
	cb(st)
}
