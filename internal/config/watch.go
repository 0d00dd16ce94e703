package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDebounce collapses the burst of events editors produce on save.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads path into store whenever the file changes, until ctx is
// cancelled. The parent directory is watched so that rename-on-save editors
// are picked up. A file that fails to parse is logged and the previous
// configuration is kept.
func Watch(ctx context.Context, path string, store *Store, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				pending = time.After(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", zap.Error(err))
		case <-pending:
			pending = nil
			cfg, err := Load(abs)
			if err != nil {
				log.Warn("config reload failed, keeping previous", zap.String("path", abs), zap.Error(err))
				continue
			}
			store.Replace(cfg)
			log.Info("config reloaded", zap.String("path", abs))
		}
	}
}
