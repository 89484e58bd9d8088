package master

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"

	"github.com/core-tools/hsu-sysinit/pkg/errors"
	"github.com/core-tools/hsu-sysinit/pkg/logging"
)

const defaultWatchDebounce = 250 * time.Millisecond

// ConfigWatcher calls reload after the configuration file changes on disk.
// Bursts of events (editors write, rename and chmod) collapse into one call.
type ConfigWatcher struct {
	sctx *stopper.Context
}

// WatchConfig watches the directory of path so renames over the file are seen too
func WatchConfig(ctx context.Context, path string, debounce time.Duration, reload func(ctx context.Context), logger logging.Logger) (*ConfigWatcher, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.NewIOError("failed to resolve configuration path", err).WithContext("path", path)
	}
	dir := filepath.Dir(absPath)
	base := filepath.Base(absPath)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.NewIOError("failed to create file watcher", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, errors.NewIOError("failed to watch configuration directory", err).WithContext("directory", dir)
	}

	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		_ = watcher.Close()
	})

	var mutex sync.Mutex
	var debouncer *time.Timer

	fire := func() {
		if sctx.IsStopping() {
			return
		}
		logger.Infof("Configuration file changed, reloading, path: %s", absPath)
		reload(ctx)
	}

	sctx.Go(func(sctx *stopper.Context) error {
		sctx.Defer(func() {
			mutex.Lock()
			if debouncer != nil {
				debouncer.Stop()
			}
			mutex.Unlock()
		})

		for !sctx.IsStopping() {
			select {
			case <-sctx.Stopping():
				return nil

			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				mutex.Lock()
				if debouncer != nil {
					debouncer.Stop()
				}
				debouncer = time.AfterFunc(debounce, fire)
				mutex.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				logger.Warnf("Configuration watcher error: %v", err)
			}
		}
		return nil
	})

	logger.Infof("Watching configuration file, path: %s", absPath)
	return &ConfigWatcher{sctx: sctx}, nil
}

// Stop ends the watch and waits for the watcher goroutine
func (w *ConfigWatcher) Stop() error {
	w.sctx.Stop(100 * time.Millisecond)
	return w.sctx.Wait()
}
