package localstore

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const settleDelay = 200 * time.Millisecond

// ChangeCallback is called when another process has committed to the database.
type ChangeCallback func()

// Watch watches the database file (and its WAL) until ctx is cancelled and
// calls cb after writes that did not come through this Store. Bursts of file
// events are debounced, then PRAGMA data_version decides whether the change
// was external.
func (s *Store) Watch(ctx context.Context, logger *slog.Logger, cb ChangeCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(s.path)
	base := filepath.Base(s.path)
	if err := w.Add(dir); err != nil {
		return err
	}

	last, err := s.dataVersion()
	if err != nil {
		return err
	}

	logger.Info("watcher: started", slog.String("db", s.path))

	var settleTimer *time.Timer
	var settleCh <-chan time.Time

	scheduleCheck := func() {
		if settleTimer == nil {
			settleTimer = time.NewTimer(settleDelay)
			settleCh = settleTimer.C
		} else {
			settleTimer.Reset(settleDelay)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if settleTimer != nil {
				settleTimer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-settleCh:
			v, err := s.dataVersion()
			if err != nil {
				logger.Warn("watcher: data_version failed", slog.String("error", err.Error()))
				continue
			}
			if v == last {
				continue
			}
			last = v
			logger.Debug("watcher: external change", slog.Int64("data_version", v))
			if cb != nil {
				cb()
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if name != base && !strings.HasPrefix(name, base+"-") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				scheduleCheck()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}
