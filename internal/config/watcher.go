package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"vawter.tech/stopper"
)

// debounceInterval coalesces editor save patterns (truncate+write,
// rename-replace) into a single change notification.
const debounceInterval = 200 * time.Millisecond

// WatchCleanupFunc stops a watch and releases its resources.
type WatchCleanupFunc func() error

// Watch observes a settings file and invokes onChange after each
// modification, debounced. The parent directory is watched rather than
// the file itself so rename-replace saves keep working.
//
// The returned cleanup function must be called to stop watching; the
// watch also ends when ctx is cancelled.
func Watch(ctx context.Context, path string, log *zap.SugaredLogger, onChange func()) (WatchCleanupFunc, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create settings watcher")
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, errors.Wrapf(err, "watch settings dir %s", dir)
	}

	target := filepath.Clean(path)

	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		_ = watcher.Close()
	})

	var mu sync.Mutex
	var debouncer *time.Timer

	fire := func() {
		mu.Lock()
		if debouncer != nil {
			debouncer.Stop()
		}
		debouncer = time.AfterFunc(debounceInterval, func() {
			if sctx.IsStopping() {
				return
			}
			log.Debugw("settings file changed", "path", target)
			onChange()
		})
		mu.Unlock()
	}

	sctx.Go(func(sctx *stopper.Context) error {
		for {
			select {
			case <-sctx.Stopping():
				return nil
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					fire()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				log.Warnw("settings watcher error", "error", err)
			}
		}
	})

	cleanup := func() error {
		mu.Lock()
		if debouncer != nil {
			debouncer.Stop()
		}
		mu.Unlock()
		sctx.Stop(100 * time.Millisecond)
		return sctx.Wait()
	}
	return cleanup, nil
}
