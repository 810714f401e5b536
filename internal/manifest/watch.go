package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDelay = 200 * time.Millisecond

// Watch reloads the descriptor at path whenever it changes on disk and calls
// onChange with every valid descriptor whose version differs from the last
// one seen. Asset edits without a version bump are ignored. Watch blocks
// until ctx is cancelled.
func Watch(ctx context.Context, path string, current Manifest, logger *slog.Logger, onChange func(Manifest)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files instead of writing in place, so watch the directory.
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve manifest path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	logger = logger.With(slog.String("component", "manifest-watch"), slog.String("path", abs))

	timer := time.NewTimer(reloadDelay)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(reloadDelay)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", slog.String("error", err.Error()))
		case <-timer.C:
			next, err := Load(abs)
			if err != nil {
				logger.Warn("reload failed", slog.String("error", err.Error()))
				continue
			}
			if next.Version == current.Version {
				if !next.Equal(current) {
					logger.Warn("manifest changed without a version bump, ignoring", slog.String("version", next.Version))
				}
				continue
			}
			logger.Info("manifest version changed", slog.String("from", current.Version), slog.String("to", next.Version))
			current = next
			onChange(next)
		}
	}
}
