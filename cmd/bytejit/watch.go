package main

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// settleDelay lets an editor finish writing before the listing is read again.
const settleDelay = 20 * time.Millisecond

// watch calls run each time the file at path changes, until ctx is done. Errors of run are logged and watching
// goes on.
func watch(ctx context.Context, path string, run func() error, logger *zap.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err = w.Add(path); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-w.Errors:
			logger.Warn("watch error", zap.String("path", path), zap.Error(err))
		case ev := <-w.Events:
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Coalesce the burst of events of one save.
			timer := time.NewTimer(settleDelay)
		drain:
			for {
				select {
				case <-w.Events:
				case <-timer.C:
					break drain
				}
			}
			// Editors that save by renaming drop the watch.
			if ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Create) {
				_ = w.Remove(path)
				if err := w.Add(path); err != nil {
					logger.Warn("watch lost", zap.String("path", path), zap.Error(err))
				}
			}
			logger.Info("reloading", zap.String("path", path))
			if err := run(); err != nil {
				logger.Error("reload failed", zap.String("path", path), zap.Error(err))
			}
		}
	}
}
