// Package watcher applies a YAML file to a store as a state patch every time
// the file is written.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/jpalmerr/storebox"
)

// DefaultDebounce is used when New is given a non-positive debounce.
const DefaultDebounce = 100 * time.Millisecond

// Watcher watches a single patch file.
//
// fsnotify does not reliably report events for a file that editors replace
// by rename, so the file's directory is watched and events are filtered by
// name. Bursts of events are collapsed: the file is read once the debounce
// period has passed without further events.
type Watcher struct {
	path     string
	debounce time.Duration
	onPatch  func(storebox.State)
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
}

// New creates a Watcher for path. onPatch receives every successfully parsed
// non-empty patch, on the goroutine running [Watcher.Start].
func New(path string, debounce time.Duration, onPatch func(storebox.State), logger *slog.Logger) (*Watcher, error) {
	if onPatch == nil {
		return nil, errors.New("watcher: onPatch cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("watcher: resolve %q: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watcher: watch %q: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		debounce: debounce,
		onPatch:  onPatch,
		logger:   logger,
		watcher:  fw,
	}, nil
}

// Path returns the absolute path of the watched file.
func (w *Watcher) Path() string {
	return w.path
}

// Start applies the file once if it exists, then watches it until ctx is
// cancelled. It blocks and closes the underlying watcher on return.
func (w *Watcher) Start(ctx context.Context) {
	defer func() { _ = w.watcher.Close() }()

	if _, err := os.Stat(w.path); err == nil {
		w.apply()
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.logger.Debug("patch file event", "path", w.path, "op", event.Op.String())

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.apply()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "path", w.path, "error", err.Error())

		case <-ctx.Done():
			return
		}
	}
}

// Close releases the underlying watcher without waiting for Start.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) apply() {
	patch, err := Load(w.path)
	if err != nil {
		w.logger.Warn("patch file rejected", "path", w.path, "error", err.Error())
		return
	}
	if len(patch) == 0 {
		return
	}
	w.logger.Info("applying patch file", "path", w.path, "fields", len(patch))
	w.onPatch(patch)
}

// Load reads a YAML mapping from path as a state patch.
// An empty file yields an empty patch.
func Load(path string) (storebox.State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("patch file %q does not exist", path)
		}
		return nil, fmt.Errorf("read patch file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML mapping into a state patch.
func Parse(data []byte) (storebox.State, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("parse patch: %w", err)
	}
	// empty document
	if node.Kind == 0 || len(node.Content) == 0 {
		return storebox.State{}, nil
	}
	if root := node.Content[0]; root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse patch: expected a mapping of fields, got %s", kindName(root.Kind))
	}

	var patch map[string]any
	if err := node.Decode(&patch); err != nil {
		return nil, fmt.Errorf("parse patch: %w", err)
	}
	return storebox.State(patch), nil
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	}
	return "document"
}
