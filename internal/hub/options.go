package hub

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jpalmerr/storebox/internal/poller"
	"github.com/jpalmerr/storebox/internal/status"
)

// hubConfig holds mutable state during Hub construction.
type hubConfig struct {
	sources        []poller.Source
	pollInterval   time.Duration
	maxConcurrency int
	port           int
	watchPath      string
	debounce       time.Duration
	assets         fs.FS
	registry       *prometheus.Registry
	logger         *slog.Logger
	callbacks      []func(status.SourceStatus)
}

// Option configures a [Hub] during construction.
type Option func(*hubConfig) error

// WithSources adds polled sources. Source names must be unique.
func WithSources(sources ...poller.Source) Option {
	return func(cfg *hubConfig) error {
		cfg.sources = append(cfg.sources, sources...)
		return nil
	}
}

// WithPollInterval sets the default interval for sources without their own.
// Defaults to 15 seconds.
func WithPollInterval(d time.Duration) Option {
	return func(cfg *hubConfig) error {
		if d <= 0 {
			return fmt.Errorf("poll interval must be positive, got %v", d)
		}
		cfg.pollInterval = d
		return nil
	}
}

// WithMaxConcurrency limits concurrent source requests. Defaults to 10.
func WithMaxConcurrency(n int) Option {
	return func(cfg *hubConfig) error {
		if n < 1 {
			return fmt.Errorf("max concurrency must be at least 1, got %d", n)
		}
		cfg.maxConcurrency = n
		return nil
	}
}

// WithPort sets the inspector port. 0 picks a free port. Defaults to 8080.
func WithPort(port int) Option {
	return func(cfg *hubConfig) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("port must be between 0 and 65535, got %d", port)
		}
		cfg.port = port
		return nil
	}
}

// WithWatchFile applies the YAML file at path as a state patch on start and
// whenever it is written.
func WithWatchFile(path string) Option {
	return func(cfg *hubConfig) error {
		if path == "" {
			return errors.New("watch path cannot be empty")
		}
		cfg.watchPath = path
		return nil
	}
}

// WithWatchDebounce sets the quiet period before a changed watch file is
// read. Defaults to 100ms.
func WithWatchDebounce(d time.Duration) Option {
	return func(cfg *hubConfig) error {
		cfg.debounce = d
		return nil
	}
}

// WithAssets overrides the inspector page assets. nil disables the page.
func WithAssets(assets fs.FS) Option {
	return func(cfg *hubConfig) error {
		cfg.assets = assets
		return nil
	}
}

// WithRegistry sets the Prometheus registry served on /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(cfg *hubConfig) error {
		cfg.registry = reg
		return nil
	}
}

// WithLogger sets a custom [slog.Logger]. Returns an error if logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *hubConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithResultCallback registers a function invoked after every poll, once the
// result has been applied to the store. Callbacks run sequentially on the
// results goroutine and should return quickly; panics are recovered and
// logged. A nil callback is ignored.
func WithResultCallback(cb func(status.SourceStatus)) Option {
	return func(cfg *hubConfig) error {
		if cb != nil {
			cfg.callbacks = append(cfg.callbacks, cb)
		}
		return nil
	}
}
