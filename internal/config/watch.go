package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/promethea/promethea/internal/observability"
)

const watchDebounce = 250 * time.Millisecond

// Watch reloads the service whenever the system config file changes on
// disk. Editors replace files with rename, so the parent directory is
// watched and events are debounced. Blocks until ctx is done.
func (s *Service) Watch(ctx context.Context, log *observability.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(s.systemPath)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.systemPath) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				fire = timer.C
			} else {
				timer.Reset(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn(ctx, "config watch error", "error", err)
		case <-fire:
			timer = nil
			fire = nil
			if err := s.Reload(ctx); err != nil {
				log.Warn(ctx, "config reload failed, keeping previous snapshot", "error", err)
				continue
			}
			log.Info(ctx, "config reloaded", "path", s.systemPath)
		}
	}
}
