package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay collapses the burst of events a single save produces
// (truncate, write, chmod, or rename+create) into one reload.
const reloadDelay = 100 * time.Millisecond

// Watch reloads the config file whenever it changes and passes the result to
// onChange. It runs until ctx is cancelled.
//
// The parent directory is watched rather than the file so saves that replace
// the file by rename keep working. Only the settings that can change at
// runtime are validated on reload (batch limits and log level); a reload
// that fails them is logged and skipped.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: watch %q: %w", path, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config: watch %q: %w", filepath.Dir(abs), err)
	}
	slog.Info("config: watching for changes", "path", abs)

	debounce := time.NewTimer(reloadDelay)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				debounce.Reset(reloadDelay)
			}

		case <-debounce.C:
			cfg, err := reload(abs)
			if err != nil {
				slog.Error("config: reload failed, keeping previous config", "path", abs, "err", err)
				continue
			}
			slog.Info("config: reloaded", "path", abs)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}

// reload reads path and checks the runtime-adjustable settings only, since
// the startup config may have been completed by command-line flags.
func reload(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := ValidateLimits(cfg.Peer.Limits()); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := validateLogLevel(cfg.Log.Level); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
