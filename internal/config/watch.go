package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay coalesces the burst of events an editor's save produces.
const settleDelay = 100 * time.Millisecond

// Watch calls fn with the reloaded configuration each time the file at path
// changes, until ctx is done. The parent directory is watched so atomic
// rename-into-place saves are seen. Invalid files are logged and skipped.
func Watch(ctx context.Context, path string, logger *slog.Logger, fn func(Config)) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	log := logger.With("component", "config", "path", path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer w.Close()

	path = filepath.Clean(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(path), err)
	}

	var settle *time.Timer
	var settled <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if settle != nil {
				settle.Stop()
			}
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if settle == nil {
				settle = time.NewTimer(settleDelay)
			} else {
				settle.Reset(settleDelay)
			}
			settled = settle.C

		case <-settled:
			settled = nil
			cfg, err := Load(path)
			if err != nil {
				log.Warn("ignoring invalid config", "err", err)
				continue
			}
			log.Info("config reloaded")
			fn(cfg)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch error", "err", err)
		}
	}
}
