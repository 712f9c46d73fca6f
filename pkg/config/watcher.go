package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration file when it changes on disk.
// Invalid intermediate states (half-written files, validation errors)
// keep the previous configuration and are reported through OnError.
type Watcher struct {
	path     string
	onChange func(Config)
	onError  func(error)
	debounce time.Duration
}

// NewWatcher builds a watcher for path. onChange receives every
// successfully loaded configuration; onError may be nil.
func NewWatcher(path string, onChange func(Config), onError func(error)) *Watcher {
	if onError == nil {
		onError = func(error) {}
	}
	return &Watcher{
		path:     path,
		onChange: onChange,
		onError:  onError,
		debounce: 200 * time.Millisecond,
	}
}

// Run watches until the context is cancelled. The directory is
// watched rather than the file so atomic rename-based editors keep
// working.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: failed to create file watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("config: failed to watch %s: %w", dir, err)
	}

	var timer *time.Timer
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Collapse editor write bursts into one reload.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			cfg, err := Load(w.path)
			if err != nil {
				w.onError(err)
				continue
			}
			w.onChange(cfg)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.onError(err)
		}
	}
}
