package topology

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadFunc applies a reloaded descriptor
type ReloadFunc func(*Descriptor) error

// Watcher reloads the descriptor file when it changes on disk
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher for a descriptor path
func NewWatcher(path string, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:     path,
		debounce: 500 * time.Millisecond,
		logger:   logger,
	}
}

// Watch starts watching and calls reload for every valid change until ctx is
// done. The parent directory is watched so editors that replace the file by
// rename are seen too.
func (w *Watcher) Watch(ctx context.Context, reload ReloadFunc) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	w.watcher = fw

	go w.processEvents(ctx, reload)

	w.logger.Info("watching topology descriptor", zap.String("path", w.path))
	return nil
}

func (w *Watcher) processEvents(ctx context.Context, reload ReloadFunc) {
	var timer *time.Timer
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.apply(reload)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("topology watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) apply(reload ReloadFunc) {
	desc, err := LoadDescriptor(w.path)
	if err != nil {
		w.logger.Error("rejected topology reload", zap.String("path", w.path), zap.Error(err))
		return
	}
	if err := reload(desc); err != nil {
		w.logger.Error("failed to apply topology reload", zap.Error(err))
		return
	}
	w.logger.Info("topology descriptor reloaded", zap.Int("regions", len(desc.Regions)))
}
