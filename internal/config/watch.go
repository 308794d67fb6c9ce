package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"vawter.tech/stopper"
)

// DefaultWatchDebounce coalesces rapid config file rewrites (editors
// often write several events per save).
const DefaultWatchDebounce = 100 * time.Millisecond

// ChangeFunc is invoked with the freshly loaded configuration after the
// file on disk changes. Load failures are logged and the previous
// configuration stays in effect.
type ChangeFunc func(*Config)

// Watch reloads the config file whenever it changes and hands the result
// to onChange. The returned cleanup stops the watcher and waits for its
// goroutine to exit.
func Watch(ctx context.Context, path, baseDir string, log zerolog.Logger, onChange ChangeFunc) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file: rename-over saves replace the
	// inode and would silently detach a file watch.
	dir := filepath.Dir(path)
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

	reload := func() {
		if sctx.IsStopping() {
			return
		}
		cfg, err := Load(path, baseDir)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("config reload failed, keeping previous")
			return
		}
		onChange(cfg)
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
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				mu.Lock()
				if debouncer != nil {
					debouncer.Stop()
				}
				debouncer = time.AfterFunc(DefaultWatchDebounce, reload)
				mu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				if err != nil && !sctx.IsStopping() {
					log.Warn().Err(err).Msg("config watch error")
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
