package config

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jpalmerr/storebox"
	"github.com/jpalmerr/storebox/internal/poller"
)

// defaultSourceTimeout applies to sources that set no timeout.
const defaultSourceTimeout = 10 * time.Second

// BuildStore creates a [storebox.Store] from the parsed configuration.
//
// The store is named after cfg.Name, starts from cfg.State and registers
// every configured action. Extra options are applied after the configured
// ones.
func BuildStore(cfg *Config, logger *slog.Logger, opts ...storebox.Option) (*storebox.Store, error) {
	actions, err := BuildActions(cfg)
	if err != nil {
		return nil, err
	}

	all := []storebox.Option{
		storebox.WithName(cfg.Name),
		storebox.WithActions(actions),
	}
	if logger != nil {
		all = append(all, storebox.WithLogger(logger))
	}
	all = append(all, opts...)

	return storebox.New(storebox.State(cfg.State), all...)
}

// BuildActions converts the actions section into named updaters.
//
// Reset actions restore values from cfg.State, so the result must be built
// from the same Config the store is created with.
func BuildActions(cfg *Config) (map[string]storebox.Updater, error) {
	actions := make(map[string]storebox.Updater, len(cfg.Actions))

	for _, name := range cfg.ActionNames() {
		u, err := buildAction(cfg, cfg.Actions[name])
		if err != nil {
			return nil, fmt.Errorf("actions[%s]: %w", name, err)
		}
		actions[name] = u
	}

	return actions, nil
}

// buildAction converts a single validated ActionConfig to an updater.
func buildAction(cfg *Config, a ActionConfig) (storebox.Updater, error) {
	switch a.Type {
	case ActionSet:
		return storebox.Set(storebox.State{a.Field: a.Value}), nil

	case ActionReset:
		if a.Field == "" {
			return storebox.Set(storebox.State(cfg.State)), nil
		}
		return storebox.Set(storebox.State{a.Field: cfg.State[a.Field]}), nil

	case ActionIncrement, ActionDecrement:
		by := 1.0
		if a.By != nil {
			by = *a.By
		}
		if a.Type == ActionDecrement {
			by = -by
		}

		step := storebox.Increment(a.Field, by)
		if a.Min == nil && a.Max == nil {
			return step, nil
		}

		lo, hi := math.Inf(-1), math.Inf(1)
		if a.Min != nil {
			lo = *a.Min
		}
		if a.Max != nil {
			hi = *a.Max
		}
		return storebox.Chain(step, storebox.Clamp(a.Field, lo, hi)), nil

	case ActionToggle:
		values := a.Values
		if len(values) == 0 {
			values = []any{false, true}
		}
		if len(values) != 2 {
			return nil, fmt.Errorf("toggle needs exactly 2 values, got %d", len(values))
		}
		return storebox.Toggle(a.Field, values[0], values[1]), nil
	}

	return nil, fmt.Errorf("unknown action type %q", a.Type)
}

// BuildSources converts the sources section into poller sources.
func BuildSources(cfg *Config) []poller.Source {
	sources := make([]poller.Source, 0, len(cfg.Sources))

	for _, sc := range cfg.Sources {
		timeout := sc.Timeout.Duration()
		if timeout == 0 {
			timeout = defaultSourceTimeout
		}

		src := poller.Source{
			Name:     sc.Name,
			URL:      sc.URL,
			Field:    sc.Field,
			Path:     sc.Path,
			Method:   sc.Method,
			Headers:  copyHeaders(sc.Headers),
			Timeout:  timeout,
			Interval: sc.Interval.Duration(),
		}
		if sc.Regex != "" {
			// validated by Parse
			src.Extract = poller.MustRegex(sc.Regex)
		}
		sources = append(sources, src)
	}

	return sources
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	cp := make(map[string]string, len(h))
	for k, v := range h {
		cp[k] = v
	}
	return cp
}
