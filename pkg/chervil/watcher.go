package chervil

import (
	"context"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch invalidates the template cache whenever files under the given
// directories change, so long-running processes pick up edits without a
// restart. Events are debounced; a burst of writes clears the cache
// once. Watch blocks until ctx is done.
func (env *Environment) Watch(ctx context.Context, dirs ...string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return watcher.Add(path)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	var debounce *time.Timer
	var fired <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			env.logger.Debug("template change detected", "path", ev.Name, "op", ev.Op.String())
			if debounce == nil {
				debounce = time.NewTimer(250 * time.Millisecond)
				fired = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(250 * time.Millisecond)
			}

		case <-fired:
			env.ClearCache()
			env.logger.Info("templates reloaded")
			debounce = nil
			fired = nil

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			env.logger.Warn("watch error", "err", err)
		}
	}
}
