package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watch reloads the managed file whenever it changes on disk and hands each
// successfully validated config to onChange. It blocks until ctx is done.
// Editors that replace the file atomically are handled by watching the
// parent directory. Writes made through Update are not reloaded.
func (m *Manager) Watch(ctx context.Context, logger *slog.Logger, onChange func(*Config)) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer w.Close()

	target := filepath.Clean(m.path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	timer := time.NewTimer(defaultDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(defaultDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "err", err)
		case <-timer.C:
			if stale, err := m.NeedsReload(); err == nil && !stale {
				logger.Debug("config unchanged since last load", "path", m.path)
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				logger.Warn("config reload failed", "path", m.path, "err", err)
				continue
			}
			logger.Info("config reloaded", "path", m.path)
			if onChange != nil {
				onChange(cfg)
			}
		}
	}
}
