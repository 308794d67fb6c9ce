package binaries

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"
)

// DefaultInstallWatchDebounce coalesces the burst of events an archive
// extraction produces into one invalidation.
const DefaultInstallWatchDebounce = 250 * time.Millisecond

// WatchInstallDir invalidates resolved paths when a binary's versioned
// install directory changes on disk, so holders that re-resolve pick up
// externally installed upgrades. The returned cleanup stops the watcher
// and waits for its goroutine.
func (r *Resolver) WatchInstallDir(ctx context.Context) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(r.installDir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	// Per-binary directories may not exist yet; watch the ones that do.
	for _, b := range All() {
		_ = watcher.Add(filepath.Join(r.installDir, b.String()))
	}

	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		_ = watcher.Close()
	})

	var mu sync.Mutex
	debouncers := make(map[Binary]*time.Timer)

	invalidate := func(b Binary) func() {
		return func() {
			if sctx.IsStopping() {
				return
			}
			r.Invalidate(b)
			r.log.Debug().Stringer("binary", b).Msg("install dir changed, invalidating resolved path")
		}
	}

	sctx.Go(func(sctx *stopper.Context) error {
		sctx.Defer(func() {
			mu.Lock()
			for _, t := range debouncers {
				t.Stop()
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
				for _, b := range All() {
					binDir := filepath.Join(r.installDir, b.String())
					if event.Name != binDir && filepath.Dir(event.Name) != binDir {
						continue
					}
					if event.Name == binDir && event.Has(fsnotify.Create) {
						_ = watcher.Add(binDir)
					}
					mu.Lock()
					if t, ok := debouncers[b]; ok {
						t.Stop()
					}
					debouncers[b] = time.AfterFunc(DefaultInstallWatchDebounce, invalidate(b))
					mu.Unlock()
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				if err != nil && !sctx.IsStopping() {
					r.log.Warn().Err(err).Msg("install dir watch error")
				}
			}
		}
		return nil
	})

	cleanup := func() error {
		sctx.Stop(100 * time.Millisecond)
		return sctx.Wait()
	}
	return cleanup, nil
}
