// Package scheduler drives the periodic job families: source checks,
// deletions, on-demand repairs and housekeeping.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/inkwell-sh/inkd/internal/core"
	"github.com/inkwell-sh/inkd/internal/metrics"
	"github.com/inkwell-sh/inkd/internal/queue"
	"github.com/inkwell-sh/inkd/internal/rules"
)

// PageFetcher retrieves source pages.
type PageFetcher interface {
	FetchPage(ctx context.Context, url string) ([]byte, error)
}

// PageParser extracts chapter references from source HTML.
type PageParser interface {
	LatestChapter(rule *rules.Rule, html []byte, pageURL string) (core.ChapterRef, bool, error)
	ChapterList(rule *rules.Rule, html []byte, pageURL string) ([]core.ChapterRef, error)
}

// ChapterRunner processes one chapter to a terminal state.
type ChapterRunner interface {
	Run(ctx context.Context, src core.Source, rule *rules.Rule, ref core.ChapterRef) (core.ChapterState, error)
}

// CheckScheduler claims due sources on a fixed tick and hands them to
// the worker pool over a bounded queue. A full queue blocks the claim
// loop, so a saturated pool throttles how fast rows flip to processing.
type CheckScheduler struct {
	catalog core.Catalog
	queue   *queue.Queue[core.CheckJob]
	tick    time.Duration
	logger  *zap.Logger
}

// NewCheckScheduler constructs a CheckScheduler.
func NewCheckScheduler(catalog core.Catalog, q *queue.Queue[core.CheckJob], tick time.Duration, logger *zap.Logger) *CheckScheduler {
	if tick <= 0 {
		tick = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckScheduler{catalog: catalog, queue: q, tick: tick, logger: logger.Named("check")}
}

// Run blocks, claiming until empty on every tick, until the context ends.
func (s *CheckScheduler) Run(ctx context.Context) {
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

func (s *CheckScheduler) drain(ctx context.Context) {
	for {
		src, err := s.catalog.ClaimDueForCheck(ctx)
		if err != nil {
			s.logger.Error("claim failed", zap.Error(err))
			return
		}
		if src == nil {
			return
		}
		if err := s.queue.Enqueue(ctx, core.CheckJob{Source: *src}); err != nil {
			s.logger.Warn("enqueue aborted", zap.Int64("source_id", src.ID), zap.Error(err))
			return
		}
	}
}

// CheckWorkerConfig tunes batch size, schedule jitter and politeness.
type CheckWorkerConfig struct {
	BatchMax        int
	JitterFraction  float64
	RetryWindow     time.Duration
	ChapterDelayMin time.Duration
	ChapterDelayMax time.Duration
}

// CheckWorker consumes claimed sources, discovers new chapters and runs
// the chapter pipeline for each, then reschedules the source
// unconditionally.
type CheckWorker struct {
	catalog core.Catalog
	fetcher PageFetcher
	parser  PageParser
	rules   *rules.Store
	runner  ChapterRunner
	clock   core.Clock
	cfg     CheckWorkerConfig
	logger  *zap.Logger
}

// NewCheckWorker constructs a CheckWorker.
func NewCheckWorker(
	catalog core.Catalog,
	fetcher PageFetcher,
	parser PageParser,
	ruleStore *rules.Store,
	runner ChapterRunner,
	clock core.Clock,
	cfg CheckWorkerConfig,
	logger *zap.Logger,
) *CheckWorker {
	if cfg.BatchMax <= 0 {
		cfg.BatchMax = 5
	}
	if cfg.RetryWindow <= 0 {
		cfg.RetryWindow = 15 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckWorker{
		catalog: catalog,
		fetcher: fetcher,
		parser:  parser,
		rules:   ruleStore,
		runner:  runner,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.Named("check"),
	}
}

// Run blocks, consuming check jobs until the context finishes or the
// queue is closed and drained.
func (w *CheckWorker) Run(ctx context.Context, q *queue.Queue[core.CheckJob]) {
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

func (w *CheckWorker) process(ctx context.Context, src core.Source) {
	log := w.logger.With(zap.Int64("source_id", src.ID), zap.String("slug", src.Slug))

	err := w.check(ctx, src, log)
	if err != nil {
		log.Warn("source check failed", zap.Error(err))
		metrics.CountCheck("error")
	} else {
		metrics.CountCheck("ok")
	}

	// The source is rescheduled no matter how the check went; a row left
	// in processing is a row nothing will ever claim again.
	now := w.clock.Now()
	state := core.StateOngoing
	next := now.Add(w.jittered(src.CheckInterval))
	if err != nil {
		state = core.StateError
		next = now.Add(w.cfg.RetryWindow)
	}
	if schedErr := w.catalog.SetCheckSchedule(ctx, src.ID, state, next); schedErr != nil {
		log.Error("reschedule failed, source may be stuck", zap.Error(schedErr))
	}
}

func (w *CheckWorker) check(ctx context.Context, src core.Source, log *zap.Logger) error {
	rule, ok := w.rules.Snapshot().ForHost(src.RuleKey)
	if !ok {
		return fmt.Errorf("no extraction rule for %q", src.RuleKey)
	}

	html, err := w.fetcher.FetchPage(ctx, src.URL)
	if err != nil {
		return fmt.Errorf("fetch source page: %w", err)
	}

	// Cheap path first: one element tells us whether a full scan is
	// worth doing at all.
	latest, found, err := w.parser.LatestChapter(rule, html, src.URL)
	if err != nil {
		return fmt.Errorf("latest chapter: %w", err)
	}
	if !found {
		log.Warn("source page has no usable chapter links")
		return nil
	}
	if core.ChapterKey(latest.Number) <= core.ChapterKey(src.LatestChapter) {
		log.Debug("no new chapters", zap.Float64("latest", latest.Number))
		return nil
	}

	refs, err := w.parser.ChapterList(rule, html, src.URL)
	if err != nil {
		return fmt.Errorf("chapter list: %w", err)
	}

	var batch []core.ChapterRef
	for _, ref := range refs {
		if core.ChapterKey(ref.Number) > core.ChapterKey(src.LatestChapter) {
			batch = append(batch, ref)
		}
	}
	if len(batch) > w.cfg.BatchMax {
		batch = batch[:w.cfg.BatchMax]
	}
	log.Info("new chapters found", zap.Int("count", len(batch)))

	for i, ref := range batch {
		if i > 0 {
			if err := w.pause(ctx); err != nil {
				return err
			}
		}
		state, err := w.runner.Run(ctx, src, rule, ref)
		if err != nil {
			return fmt.Errorf("chapter %s: %w", core.FormatChapterNumber(ref.Number), err)
		}
		// Advance past the chapter whatever its terminal state; a broken
		// chapter is repaired on demand, not re-discovered every cycle.
		if err := w.catalog.SetLatestChapter(ctx, src.ID, ref.Number); err != nil {
			return fmt.Errorf("advance latest chapter: %w", err)
		}
		log.Debug("chapter done",
			zap.String("chapter", core.FormatChapterNumber(ref.Number)),
			zap.String("state", string(state)),
		)
	}
	return nil
}

// jittered spreads next-check times so sources sharing an interval do
// not re-check in lockstep.
func (w *CheckWorker) jittered(interval time.Duration) time.Duration {
	if w.cfg.JitterFraction <= 0 || interval <= 0 {
		return interval
	}
	span := float64(interval) * w.cfg.JitterFraction
	offset := (rand.Float64()*2 - 1) * span
	return interval + time.Duration(offset)
}

func (w *CheckWorker) pause(ctx context.Context) error {
	delay := w.cfg.ChapterDelayMin
	if spread := w.cfg.ChapterDelayMax - w.cfg.ChapterDelayMin; spread > 0 {
		delay += time.Duration(rand.Int63n(int64(spread)))
	}
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
