package prefork

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"
)

// triggerWatcher watches the restart trigger file. Touching or writing
// the file requests a graceful rolling restart, giving operators a
// deploy hook that needs no signal delivery (the classic
// touch-restart-file convention).
type triggerWatcher struct {
	sctx *stopper.Context
}

// watchRestartTrigger watches the directory containing path and requests
// a rolling restart when the named file is created, written, or touched.
// Events are debounced to coalesce rapid touches.
func watchRestartTrigger(ctx context.Context, path string, log *slog.Logger, disp *dispatcher) (*triggerWatcher, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		_ = watcher.Close()
	})

	var mu sync.Mutex
	var debouncer *time.Timer

	fire := func() {
		if sctx.IsStopping() {
			return
		}
		log.Info("restart trigger touched", "path", path)
		disp.requestRestart()
	}

	sctx.Go(func(sctx *stopper.Context) error {
		sctx.Defer(func() {
			mu.Lock()
			if debouncer != nil {
				debouncer.Stop()
			}
			mu.Unlock()
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
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Chmod) == 0 {
					continue
				}
				mu.Lock()
				if debouncer != nil {
					debouncer.Stop()
				}
				debouncer = time.AfterFunc(DefaultTriggerDebounce, fire)
				mu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				if err != nil && !sctx.IsStopping() {
					log.Error("restart trigger watch error",
						"path", path, "error", err)
				}
			}
		}
		return nil
	})

	return &triggerWatcher{sctx: sctx}, nil
}

// stop tears the watcher down and waits for its goroutine
func (t *triggerWatcher) stop() {
	t.sctx.Stop(100 * time.Millisecond)
	_ = t.sctx.Wait()
}
