package metaresolver

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch watches dir for on-disk edits to bundled `.tag/`, `.meta/`, and
// `.prompt/` system documents (operators hand-editing the bundled files
// outside the API) and calls Refresh after each change, debounced the same
// way the vault watcher debounces rename reconciliation. It blocks until
// ctx is cancelled.
func (r *Resolver) Watch(ctx context.Context, dir string, logger *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return err
	}
	logger.Info("metaresolver: watching system doc dir", slog.String("dir", dir))

	var debounce *time.Timer
	var debounceCh <-chan time.Time

	schedule := func() {
		if debounce == nil {
			debounce = time.NewTimer(200 * time.Millisecond)
			debounceCh = debounce.C
		} else {
			debounce.Reset(200 * time.Millisecond)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case <-debounceCh:
			if err := r.Refresh(); err != nil {
				logger.Warn("metaresolver: refresh failed", slog.String("error", err.Error()))
			} else {
				logger.Debug("metaresolver: cache refreshed")
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, ".md") {
				continue
			}
			schedule()

		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("metaresolver: watcher error", slog.String("error", werr.Error()))
		}
	}
}
