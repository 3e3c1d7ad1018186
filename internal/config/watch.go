package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes on disk and invokes
// onReload with the fresh copy. Editors write via rename, so the parent
// directory is watched, not the file itself. Events are debounced: saves
// often arrive as a burst of WRITE/CREATE/RENAME.
func Watch(ctx context.Context, path string, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	target := filepath.Base(path)
	lastHash := ""
	if cfg, err := Load(path); err == nil {
		lastHash = cfg.Hash()
	}

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		reload := func() {
			cfg, err := Load(path)
			if err != nil {
				slog.Warn("config reload failed, keeping previous config", "path", path, "error", err)
				return
			}
			hash := cfg.Hash()
			if hash == lastHash {
				return
			}
			lastHash = hash
			slog.Info("config reloaded", "path", path, "hash", hash)
			onReload(cfg)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(300*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()

	return nil
}
