package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/inkwell-sh/inkd/internal/core"
	"github.com/inkwell-sh/inkd/internal/metrics"
	"github.com/inkwell-sh/inkd/internal/queue"
)

// DeletionScheduler claims sources pending deletion on a fixed tick.
type DeletionScheduler struct {
	catalog core.Catalog
	queue   *queue.Queue[core.DeletionJob]
	tick    time.Duration
	logger  *zap.Logger
}

// NewDeletionScheduler constructs a DeletionScheduler.
func NewDeletionScheduler(catalog core.Catalog, q *queue.Queue[core.DeletionJob], tick time.Duration, logger *zap.Logger) *DeletionScheduler {
	if tick <= 0 {
		tick = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeletionScheduler{catalog: catalog, queue: q, tick: tick, logger: logger.Named("deletion")}
}

// Run blocks, claiming until empty on every tick, until the context ends.
func (s *DeletionScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

func (s *DeletionScheduler) drain(ctx context.Context) {
	for {
		src, err := s.catalog.ClaimDueForDeletion(ctx)
		if err != nil {
			s.logger.Error("claim failed", zap.Error(err))
			return
		}
		if src == nil {
			return
		}
		if err := s.queue.Enqueue(ctx, core.DeletionJob{Source: *src}); err != nil {
			s.logger.Warn("enqueue aborted", zap.Int64("source_id", src.ID), zap.Error(err))
			return
		}
	}
}

// DeletionWorkerConfig bounds the object-deletion retry budget.
type DeletionWorkerConfig struct {
	RetryAttempts uint
	RetryDelay    time.Duration
}

// DeletionWorker removes a source's storage objects, then its rows.
// Object deletion comes first and must be confirmed: retrying a
// half-deleted source is always safe, orphaning live objects by dropping
// their rows is not.
type DeletionWorker struct {
	catalog core.Catalog
	store   core.ObjectStore
	cfg     DeletionWorkerConfig
	logger  *zap.Logger
}

// NewDeletionWorker constructs a DeletionWorker.
func NewDeletionWorker(catalog core.Catalog, store core.ObjectStore, cfg DeletionWorkerConfig, logger *zap.Logger) *DeletionWorker {
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeletionWorker{catalog: catalog, store: store, cfg: cfg, logger: logger.Named("deletion")}
}

// Run blocks, consuming deletion jobs until the context finishes or the
// queue is closed and drained.
func (w *DeletionWorker) Run(ctx context.Context, q *queue.Queue[core.DeletionJob]) {
	for {
		job, err := q.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			continue
		}
		w.process(ctx, job.Source)
	}
}

func (w *DeletionWorker) process(ctx context.Context, src core.Source) {
	log := w.logger.With(zap.Int64("source_id", src.ID), zap.String("slug", src.Slug))

	keys, err := w.catalog.ListDeletableObjectKeys(ctx, src.ID)
	if err != nil {
		log.Error("list object keys failed", zap.Error(err))
		w.fail(ctx, src.ID, log)
		return
	}
	all := make([]string, 0, len(keys.ChapterKeys)+1)
	if keys.CoverKey != "" {
		all = append(all, keys.CoverKey)
	}
	all = append(all, keys.ChapterKeys...)

	err = retry.Do(
		func() error { return w.store.DeleteMany(ctx, all) },
		retry.Attempts(w.cfg.RetryAttempts),
		retry.Delay(w.cfg.RetryDelay),
		retry.MaxJitter(w.cfg.RetryDelay/2),
		retry.DelayType(retry.CombineDelay(retry.FixedDelay, retry.RandomDelay)),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		log.Error("object deletion exhausted retries", zap.Int("keys", len(all)), zap.Error(err))
		w.fail(ctx, src.ID, log)
		return
	}

	if err := w.catalog.DeleteSourceAndChildren(ctx, src.ID); err != nil {
		log.Error("row deletion failed", zap.Error(err))
		w.fail(ctx, src.ID, log)
		return
	}
	log.Info("source deleted", zap.Int("objects", len(all)))
	metrics.CountDeletion("ok")
}

func (w *DeletionWorker) fail(ctx context.Context, sourceID int64, log *zap.Logger) {
	metrics.CountDeletion("failed")
	if err := w.catalog.SetProcessingState(ctx, sourceID, core.StateDeletionFailed); err != nil {
		log.Error("mark deletion_failed failed, source may be stuck", zap.Error(err))
	}
}
