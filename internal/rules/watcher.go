package rules

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/inkwell-sh/inkd/internal/metrics"
)

// Watcher re-parses the rule file when it settles after a change and
// swaps the store's snapshot. Parse failures keep the previous snapshot.
type Watcher struct {
	store    *Store
	path     string
	debounce time.Duration
	logger   *zap.Logger
}

// NewWatcher builds a watcher for the rule file at path.
func NewWatcher(store *Store, path string, debounce time.Duration, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		store:    store,
		path:     path,
		debounce: debounce,
		logger:   logger,
	}
}

// Run blocks until the context finishes, reloading on settled changes.
// The parent directory is watched rather than the file itself so that
// editors and config tools that replace the file via rename are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rule watcher: %w", err)
	}
	defer fw.Close() //nolint:errcheck // shutdown path

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch rule dir %s: %w", dir, err)
	}

	target := filepath.Clean(w.path)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Rapid successive writes collapse into one reload.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("rule watcher error", zap.Error(err))
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	set, err := ParseFile(w.path)
	if err != nil {
		metrics.CountRuleReload("error")
		w.logger.Error("rule reload failed, keeping previous rules", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.store.Swap(set)
	metrics.CountRuleReload("ok")
	w.logger.Info("rules reloaded", zap.String("path", w.path), zap.Int("hosts", set.Len()))
}
