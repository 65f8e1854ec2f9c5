// Package config provides YAML configuration parsing for storebox.
//
// This package enables running a store as a standalone binary with a
// configuration file, as an alternative to the programmatic library approach.
//
// Example configuration:
//
//	name: cart
//	port: 8080
//	poll_interval: 15s
//
//	state:
//	  items: 0
//	  theme: light
//	  stock: null
//	  pending: 0
//
//	actions:
//	  addItem: increment:items
//	  removeItem: {type: decrement, field: items, min: 0}
//	  resetCart: reset:items
//	  toggleTheme: {type: toggle, field: theme, values: [light, dark]}
//
//	sources:
//	  - name: stock
//	    url: ${STOCK_URL:-http://localhost:9999/stock}
//	    field: stock
//	    path: data.count
//	  - name: orders
//	    url: http://localhost:9999/queue
//	    field: pending
//	    regex: 'orders_pending (\d+)'
//
//	watch: ./patches.yaml
package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/jpalmerr/storebox/internal/poller"
)

// minPollInterval is the minimum allowed polling interval for production configs.
// This prevents accidental DoS of sources with overly aggressive polling.
const minPollInterval = 1 * time.Second

// Action types accepted in the actions section.
const (
	ActionSet       = "set"
	ActionIncrement = "increment"
	ActionDecrement = "decrement"
	ActionToggle    = "toggle"
	ActionReset     = "reset"
)

// Config is the root configuration structure for a storebox process.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Name identifies the store in logs and metrics. Defaults to "storebox".
	Name string `yaml:"name"`

	// Port is the HTTP server port. Defaults to 8080.
	Port int `yaml:"port"`

	// PollInterval is the default time between polls of a source.
	// Accepts duration strings like "10s", "1m". Defaults to 15s.
	PollInterval Duration `yaml:"poll_interval"`

	// MaxConcurrency caps concurrent source requests. Defaults to 10.
	MaxConcurrency int `yaml:"max_concurrency"`

	// State is the initial state. At least one field is required.
	State map[string]any `yaml:"state"`

	// Actions maps action names to their definition.
	Actions map[string]ActionConfig `yaml:"actions"`

	// Sources are HTTP resources mirrored into state fields.
	Sources []SourceConfig `yaml:"sources"`

	// Watch is the path of a YAML file whose contents are applied as a
	// state patch every time it is written. Empty disables watching.
	Watch string `yaml:"watch"`
}

// SourceConfig defines one polled HTTP source.
type SourceConfig struct {
	// Name identifies the source in logs. Must be unique.
	Name string `yaml:"name"`

	// URL is the resource to poll.
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	URL string `yaml:"url"`

	// Field is the state field written with the extracted value.
	// Must be declared in the state section.
	Field string `yaml:"field"`

	// Path is the dot path of the value in the JSON body. Empty takes the
	// whole document.
	Path string `yaml:"path"`

	// Regex extracts the first capture group of a pattern from the raw
	// body instead. Mutually exclusive with Path.
	Regex string `yaml:"regex"`

	// Method is the HTTP method (GET or POST). Defaults to GET.
	Method string `yaml:"method"`

	// Timeout is the request timeout. Defaults to 10s.
	Timeout Duration `yaml:"timeout"`

	// Headers are custom HTTP headers sent with each request.
	// Values support environment variable substitution.
	Headers map[string]string `yaml:"headers"`

	// Interval is the custom polling interval for this source.
	// If not specified, uses the global poll_interval.
	// Must be between 1s and 1h.
	Interval Duration `yaml:"interval"`
}

// ActionConfig defines a named action.
//
// It supports two formats in YAML:
//
// Shorthand string:
//
//	addItem: increment:items
//	removeItem: decrement:items
//	toggleOpen: toggle:open
//	resetItems: reset:items
//	resetAll: reset
//
// Structured object:
//
//	removeItem:
//	  type: increment
//	  field: items
//	  by: -1
//	  min: 0
type ActionConfig struct {
	// Type is one of "set", "increment", "decrement", "toggle", "reset".
	Type string

	// Field is the state field the action changes. Optional for reset,
	// where empty resets every field.
	Field string

	// By is the step for increment and decrement. Defaults to 1.
	By *float64

	// Min and Max bound increment and decrement results.
	Min *float64
	Max *float64

	// Value is the value written by set.
	Value any

	// Values are the two values toggle alternates between.
	// Defaults to [false, true].
	Values []any
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler for ActionConfig.
func (a *ActionConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		return a.parseShorthand(s)
	}

	if node.Kind == yaml.MappingNode {
		// temporary struct to avoid infinite recursion
		var raw struct {
			Type   string   `yaml:"type"`
			Field  string   `yaml:"field"`
			By     *float64 `yaml:"by"`
			Min    *float64 `yaml:"min"`
			Max    *float64 `yaml:"max"`
			Value  any      `yaml:"value"`
			Values []any    `yaml:"values"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		a.Type = raw.Type
		a.Field = raw.Field
		a.By = raw.By
		a.Min = raw.Min
		a.Max = raw.Max
		a.Value = raw.Value
		a.Values = raw.Values
		return nil
	}

	return fmt.Errorf("action must be a string or object, got %v", node.Kind)
}

// parseShorthand parses action shorthand syntax.
//
// Supported formats:
//   - "reset" → reset every field to its initial value
//   - "reset:field" → reset one field
//   - "increment:field", "decrement:field" → step a number by one
//   - "toggle:field" → flip a boolean
func (a *ActionConfig) parseShorthand(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return errors.New("action cannot be empty")
	}

	if typ, field, ok := strings.Cut(s, ":"); ok {
		switch typ {
		case ActionIncrement, ActionDecrement, ActionToggle, ActionReset:
		default:
			return fmt.Errorf("unknown action shorthand %q (expected 'increment:field', 'decrement:field', 'toggle:field', 'reset:field' or 'reset')", s)
		}
		if field == "" {
			return fmt.Errorf("action shorthand %q requires a field", s)
		}
		a.Type = typ
		a.Field = field
		return nil
	}

	if s == ActionReset {
		a.Type = ActionReset
		return nil
	}
	return fmt.Errorf("unknown action shorthand %q (expected 'increment:field', 'decrement:field', 'toggle:field', 'reset:field' or 'reset')", s)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		varName := submatches[1]
		hasDefault := submatches[2] != ""

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		if hasDefault {
			return submatches[3]
		}
		firstErr = fmt.Errorf("environment variable %q is not set", varName)
		return match
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// defaultConfig holds the values merged into every parsed Config.
func defaultConfig() Config {
	return Config{
		Name:           "storebox",
		Port:           8080,
		PollInterval:   Duration(15 * time.Second),
		MaxConcurrency: 10,
	}
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in source URLs and headers are expanded.
// A relative watch path is resolved against the directory of the file.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.Watch = resolveRelative(path, cfg.Watch)
	return cfg, nil
}

// Parse parses YAML configuration data.
//
// Defaults are applied for Name ("storebox"), Port (8080), PollInterval (15s)
// and MaxConcurrency (10).
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := mergo.Merge(&cfg, defaultConfig()); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ActionNames returns the configured action names in sorted order.
func (c *Config) ActionNames() []string {
	names := make([]string, 0, len(c.Actions))
	for name := range c.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.PollInterval.Duration() < minPollInterval {
		return fmt.Errorf("poll_interval must be at least %s, got %s", minPollInterval, c.PollInterval.Duration())
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be at least 1, got %d", c.MaxConcurrency)
	}

	if len(c.State) == 0 {
		return errors.New("state must define at least one field")
	}

	for _, name := range c.ActionNames() {
		a := c.Actions[name]
		if err := c.validateAction(&a, fmt.Sprintf("actions[%s]", name)); err != nil {
			return err
		}
		c.Actions[name] = a
	}

	seen := make(map[string]struct{}, len(c.Sources))
	for i := range c.Sources {
		src := &c.Sources[i]

		if src.Name == "" {
			return fmt.Errorf("sources[%d]: name is required", i)
		}
		if _, exists := seen[src.Name]; exists {
			return fmt.Errorf("sources[%d]: duplicate source name %q", i, src.Name)
		}
		seen[src.Name] = struct{}{}

		if src.Field == "" {
			return fmt.Errorf("sources[%d] (%s): field is required", i, src.Name)
		}
		if _, ok := c.State[src.Field]; !ok {
			return fmt.Errorf("sources[%d] (%s): field %q is not declared in state", i, src.Name, src.Field)
		}

		if src.URL == "" {
			return fmt.Errorf("sources[%d] (%s): url is required", i, src.Name)
		}
		expanded, err := expandEnvVars(src.URL)
		if err != nil {
			return fmt.Errorf("sources[%d] (%s): url: %w", i, src.Name, err)
		}
		src.URL = expanded

		parsedURL, err := url.Parse(src.URL)
		if err != nil {
			return fmt.Errorf("sources[%d] (%s): invalid url: %w", i, src.Name, err)
		}
		if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
			return fmt.Errorf("sources[%d] (%s): url scheme must be http or https, got %q", i, src.Name, parsedURL.Scheme)
		}

		for k, v := range src.Headers {
			expanded, err := expandEnvVars(v)
			if err != nil {
				return fmt.Errorf("sources[%d] (%s): headers[%s]: %w", i, src.Name, k, err)
			}
			src.Headers[k] = expanded
		}

		if src.Regex != "" {
			if src.Path != "" {
				return fmt.Errorf("sources[%d] (%s): path and regex are mutually exclusive", i, src.Name)
			}
			if _, err := poller.Regex(src.Regex); err != nil {
				return fmt.Errorf("sources[%d] (%s): regex: %w", i, src.Name, err)
			}
		}

		if src.Method != "" && src.Method != "GET" && src.Method != "POST" {
			return fmt.Errorf("sources[%d] (%s): method must be GET or POST", i, src.Name)
		}

		if src.Timeout != 0 && src.Timeout.Duration() < time.Second {
			return fmt.Errorf("sources[%d] (%s): timeout must be at least 1s if specified, got %s",
				i, src.Name, src.Timeout.Duration())
		}

		if src.Interval != 0 {
			if src.Interval.Duration() < time.Second {
				return fmt.Errorf("sources[%d] (%s): interval must be at least 1s, got %s",
					i, src.Name, src.Interval.Duration())
			}
			if src.Interval.Duration() > time.Hour {
				return fmt.Errorf("sources[%d] (%s): interval must not exceed 1h, got %s",
					i, src.Name, src.Interval.Duration())
			}
		}
	}

	return nil
}

// validateAction checks an action against the declared state and fills in
// its defaults.
func (c *Config) validateAction(a *ActionConfig, context string) error {
	if a.Type == "" {
		return fmt.Errorf("%s: type is required", context)
	}

	if a.Field == "" {
		if a.Type == ActionReset {
			return nil
		}
		return fmt.Errorf("%s: action type %q requires a field", context, a.Type)
	}
	initial, ok := c.State[a.Field]
	if !ok {
		return fmt.Errorf("%s: field %q is not declared in state", context, a.Field)
	}

	switch a.Type {
	case ActionSet, ActionReset:
		// any value is valid

	case ActionIncrement, ActionDecrement:
		if !isNumber(initial) {
			return fmt.Errorf("%s: field %q must hold a number, got %T", context, a.Field, initial)
		}
		if a.By == nil {
			one := 1.0
			a.By = &one
		}
		if *a.By == 0 || math.IsNaN(*a.By) || math.IsInf(*a.By, 0) {
			return fmt.Errorf("%s: by must be a finite non-zero number", context)
		}
		if a.Min != nil && a.Max != nil && *a.Min > *a.Max {
			return fmt.Errorf("%s: min %v greater than max %v", context, *a.Min, *a.Max)
		}

	case ActionToggle:
		switch len(a.Values) {
		case 0:
			if _, ok := initial.(bool); !ok {
				return fmt.Errorf("%s: toggle without values requires a boolean field, %q is %T", context, a.Field, initial)
			}
			a.Values = []any{false, true}
		case 2:
		default:
			return fmt.Errorf("%s: toggle needs exactly 2 values, got %d", context, len(a.Values))
		}

	default:
		return fmt.Errorf("%s: unknown action type %q", context, a.Type)
	}

	return nil
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int64, uint64, float64:
		return true
	}
	return false
}

// resolveRelative resolves target against the directory of the file at base.
func resolveRelative(base, target string) string {
	if target == "" || filepath.IsAbs(target) {
		return target
	}
	return filepath.Join(filepath.Dir(base), target)
}
