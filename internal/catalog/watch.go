package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Logger is the subset of a structured logger the watcher uses.
type Logger interface {
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
}

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the catalog file at path into store whenever it changes, until
// ctx is done. An invalid file keeps the previous catalog active.
func Watch(ctx context.Context, path string, store *Store, logger Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog: create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are still observed.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("catalog: watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(reloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("catalog watcher error", "err", err)
		case <-pending:
			pending = nil
			next, err := LoadFile(path)
			if err != nil {
				logger.Warn("catalog reload rejected", "path", path, "err", err)
				continue
			}
			store.Swap(next)
			logger.Info("catalog reloaded", "path", path, "stages", len(next.Sequence()), "templates", next.Len())
		}
	}
}
