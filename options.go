package storebox

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// storeConfig holds mutable state during Store construction.
type storeConfig struct {
	name    string
	logger  *slog.Logger
	sink    ErrorSink
	actions map[string]Updater
}

// Option is a function that configures a [Store] during construction.
//
// Option implements the functional options pattern. Options return an error
// if validation fails, which [New] passes back to the caller.
//
// Built-in options: [WithName], [WithLogger], [WithErrorSink], [WithAction],
// [WithActions].
type Option func(*storeConfig) error

// WithName sets the store name used in log entries and metrics.
// Defaults to "store".
func WithName(name string) Option {
	return func(cfg *storeConfig) error {
		if name == "" {
			return errors.New("store name cannot be empty")
		}
		cfg.name = name
		return nil
	}
}

// WithLogger sets a custom [slog.Logger] for the store.
//
// The logger receives recovered panics and, when no [ErrorSink] is set,
// every subscriber error. If not specified, [slog.Default] is used.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *storeConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithErrorSink registers the function that receives per-subscriber errors
// ([*SelectorError], [*CallbackError]) and the errors of queued updates
// ([*UpdateError]).
//
// The sink runs synchronously on the goroutine driving the transition; it
// must be quick and must not block. A sink may read the store but writes
// from inside it are queued like any other re-entrant write.
//
// Nil sinks are silently ignored.
func WithErrorSink(sink ErrorSink) Option {
	return func(cfg *storeConfig) error {
		if sink == nil {
			return nil
		}
		cfg.sink = sink
		return nil
	}
}

// WithAction registers a named [Updater] that can later be run with
// [Store.Dispatch].
//
// Example:
//
//	store, err := storebox.New(storebox.State{"items": 0},
//	    storebox.WithAction("addItem", storebox.Increment("items", 1)),
//	    storebox.WithAction("resetCart", storebox.Set(storebox.State{"items": 0})),
//	)
//
// Returns an error if the name is empty, the updater is nil or the name was
// already registered.
func WithAction(name string, fn Updater) Option {
	return func(cfg *storeConfig) error {
		return cfg.addAction(name, fn)
	}
}

// WithActions registers several named updaters at once.
// Equivalent to calling [WithAction] for every entry.
func WithActions(actions map[string]Updater) Option {
	return func(cfg *storeConfig) error {
		names := make([]string, 0, len(actions))
		for name := range actions {
			names = append(names, name)
		}
		// deterministic error reporting
		sort.Strings(names)

		for _, name := range names {
			if err := cfg.addAction(name, actions[name]); err != nil {
				return err
			}
		}
		return nil
	}
}

func (cfg *storeConfig) addAction(name string, fn Updater) error {
	if name == "" {
		return errors.New("action name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("action %q: updater cannot be nil", name)
	}
	if _, exists := cfg.actions[name]; exists {
		return fmt.Errorf("duplicate action name: %q", name)
	}
	if cfg.actions == nil {
		cfg.actions = make(map[string]Updater)
	}
	cfg.actions[name] = fn
	return nil
}
