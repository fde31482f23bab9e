package bridge

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// Watch reloads the broker whenever the state file changes on disk, so a
// credential cleared out of band stops being used immediately. It watches
// the state directory because atomic replaces swap the file's inode.
func (b *Broker) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := b.store.Root()
	if err := w.Add(dir); err != nil {
		return err
	}
	b.logger.Info("bridge watcher: started", slog.String("dir", dir))

	var timer *time.Timer
	var fire <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(reloadDebounce)
			fire = timer.C
		} else {
			timer.Reset(reloadDebounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			b.logger.Info("bridge watcher: stopped")
			return nil

		case <-fire:
			b.Reload()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != StateFile {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				schedule()
			}

		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			b.logger.Error("bridge watcher: error", slog.String("error", werr.Error()))
		}
	}
}
