package scheduler

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/inkwell-sh/inkd/internal/core"
	"github.com/inkwell-sh/inkd/internal/metrics"
	"github.com/inkwell-sh/inkd/internal/queue"
	"github.com/inkwell-sh/inkd/internal/rules"
)

// RepairWorker re-runs the chapter pipeline for a single chapter from a
// replacement URL, superseding its previous image set. Jobs arrive from
// the ops surface, never from the schedulers.
type RepairWorker struct {
	catalog core.Catalog
	rules   *rules.Store
	runner  ChapterRunner
	logger  *zap.Logger
}

// NewRepairWorker constructs a RepairWorker.
func NewRepairWorker(catalog core.Catalog, ruleStore *rules.Store, runner ChapterRunner, logger *zap.Logger) *RepairWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RepairWorker{catalog: catalog, rules: ruleStore, runner: runner, logger: logger.Named("repair")}
}

// Run blocks, consuming repair jobs until the context finishes or the
// queue is closed and drained.
func (w *RepairWorker) Run(ctx context.Context, q *queue.Queue[core.RepairJob]) {
	for {
		job, err := q.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			continue
		}
		w.process(ctx, job)
	}
}

func (w *RepairWorker) process(ctx context.Context, job core.RepairJob) {
	log := w.logger.With(
		zap.Int64("source_id", job.SourceID),
		zap.String("chapter", core.FormatChapterNumber(job.ChapterNumber)),
	)

	src, err := w.catalog.GetSource(ctx, job.SourceID)
	if err != nil {
		log.Warn("source lookup failed", zap.Error(err))
		metrics.CountRepair("error")
		return
	}
	rule, ok := w.rules.Snapshot().ForHost(src.RuleKey)
	if !ok {
		log.Warn("no extraction rule", zap.String("rule_key", src.RuleKey))
		metrics.CountRepair("error")
		return
	}

	ref := core.ChapterRef{Number: job.ChapterNumber, URL: job.URL, Title: job.Title}
	state, err := w.runner.Run(ctx, *src, rule, ref)
	if err != nil {
		log.Warn("repair run failed", zap.Error(err))
		metrics.CountRepair("error")
		return
	}
	log.Info("chapter repaired", zap.String("state", string(state)))
	metrics.CountRepair(string(state))
}
