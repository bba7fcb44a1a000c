// Package pipeline drives one chapter from discovery to stored images.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inkwell-sh/inkd/internal/core"
	"github.com/inkwell-sh/inkd/internal/metrics"
	"github.com/inkwell-sh/inkd/internal/rules"
	"github.com/inkwell-sh/inkd/internal/transcode"
)

// Fetcher is the subset of the HTTP layer the pipeline needs.
type Fetcher interface {
	FetchPage(ctx context.Context, url string) ([]byte, error)
	FetchImage(ctx context.Context, url string) ([]byte, error)
}

// Parser extracts image URLs from chapter HTML.
type Parser interface {
	ImageURLs(rule *rules.Rule, html []byte, pageURL string) ([]string, error)
}

// Transcoder re-encodes image bytes for storage.
type Transcoder interface {
	Encode(ctx context.Context, data []byte) (transcode.Result, error)
}

// Config bounds the pipeline's image fan-out and page politeness delay.
type Config struct {
	ImageConcurrency int
	PageDelay        time.Duration
}

// Pipeline processes one chapter: record it, fetch its page, download and
// re-encode every image under bounded concurrency, upload, and persist
// the image rows in page order.
type Pipeline struct {
	catalog   core.Catalog
	fetcher   Fetcher
	parser    Parser
	trans     Transcoder
	store     core.ObjectStore
	publisher core.Publisher
	clock     core.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Pipeline.
func New(
	catalog core.Catalog,
	fetcher Fetcher,
	parser Parser,
	trans Transcoder,
	store core.ObjectStore,
	publisher core.Publisher,
	clock core.Clock,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if cfg.ImageConcurrency <= 0 {
		cfg.ImageConcurrency = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		catalog:   catalog,
		fetcher:   fetcher,
		parser:    parser,
		trans:     trans,
		store:     store,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

type imageOutcome struct {
	key string
	err error
}

// Run processes one chapter of a source and returns its terminal state.
// A failure on one image never cancels its siblings; a partial save is a
// chapter in Error, not a lost chapter.
func (p *Pipeline) Run(ctx context.Context, src core.Source, rule *rules.Rule, ref core.ChapterRef) (core.ChapterState, error) {
	log := p.logger.With(
		zap.Int64("source_id", src.ID),
		zap.String("chapter", core.FormatChapterNumber(ref.Number)),
	)

	chapterID, err := p.catalog.RecordChapter(ctx, src.ID, ref.Number, ref.Title, ref.URL, core.ChapterProcessing)
	if err != nil {
		return core.ChapterError, fmt.Errorf("record chapter: %w", err)
	}

	html, err := p.fetcher.FetchPage(ctx, ref.URL)
	if err != nil {
		log.Warn("chapter page fetch failed", zap.String("url", ref.URL), zap.Error(err))
		return p.finish(ctx, src, ref, chapterID, core.ChapterError, 0)
	}
	if err := p.pause(ctx); err != nil {
		return core.ChapterError, err
	}

	urls, err := p.parser.ImageURLs(rule, html, ref.URL)
	if err != nil {
		log.Warn("image extraction failed", zap.Error(err))
		return p.finish(ctx, src, ref, chapterID, core.ChapterError, 0)
	}
	if len(urls) == 0 {
		log.Warn("no images found", zap.String("url", ref.URL))
		return p.finish(ctx, src, ref, chapterID, core.ChapterNoImagesFound, 0)
	}

	outcomes := p.processImages(ctx, src, ref, urls, log)

	// Successes in ascending original index, whatever order the fan-out
	// tasks finished in.
	var keys []string
	for _, out := range outcomes {
		if out.err == nil {
			keys = append(keys, out.key)
		}
	}
	if len(keys) > 0 {
		if err := p.catalog.RecordChapterImages(ctx, chapterID, keys); err != nil {
			log.Error("persist image records failed", zap.Error(err))
			return p.finish(ctx, src, ref, chapterID, core.ChapterError, 0)
		}
	}

	state := core.ChapterError
	if len(keys) == len(urls) {
		state = core.ChapterAvailable
	}
	log.Info("chapter processed",
		zap.Int("found", len(urls)),
		zap.Int("saved", len(keys)),
		zap.String("state", string(state)),
	)
	return p.finish(ctx, src, ref, chapterID, state, len(keys))
}

// processImages fans the URL list out across a bounded set of goroutines
// and returns one outcome per original index.
func (p *Pipeline) processImages(ctx context.Context, src core.Source, ref core.ChapterRef, urls []string, log *zap.Logger) []imageOutcome {
	outcomes := make([]imageOutcome, len(urls))
	sem := make(chan struct{}, p.cfg.ImageConcurrency)
	var wg sync.WaitGroup

	for i, url := range urls {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			key, err := p.processImage(ctx, src, ref, i, url)
			outcomes[i] = imageOutcome{key: key, err: err}
			if err != nil {
				metrics.CountImageFailed()
				log.Warn("image failed", zap.Int("index", i), zap.String("url", url), zap.Error(err))
				return
			}
			metrics.CountImageSaved()
		}(i, url)
	}
	wg.Wait()
	return outcomes
}

func (p *Pipeline) processImage(ctx context.Context, src core.Source, ref core.ChapterRef, index int, url string) (string, error) {
	data, err := p.fetcher.FetchImage(ctx, url)
	if err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}
	res, err := p.trans.Encode(ctx, data)
	if err != nil {
		return "", fmt.Errorf("transcode: %w", err)
	}
	key := core.ImageObjectKey(src.Slug, ref.Number, index, res.Ext)
	if _, err := p.store.Upload(ctx, key, res.ContentType, res.Data); err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return key, nil
}

// finish records the terminal chapter state and its side effects: the
// source's new-content timestamp moves only when the chapter is fully
// available, and an availability event goes out best-effort.
func (p *Pipeline) finish(ctx context.Context, src core.Source, ref core.ChapterRef, chapterID int64, state core.ChapterState, saved int) (core.ChapterState, error) {
	if err := p.catalog.SetChapterState(ctx, chapterID, state); err != nil {
		return state, fmt.Errorf("set chapter state: %w", err)
	}
	metrics.CountChapter(string(state))

	if state != core.ChapterAvailable {
		return state, nil
	}
	now := p.clock.Now()
	if err := p.catalog.SetLastContentAt(ctx, src.ID, now); err != nil {
		return state, fmt.Errorf("set last content: %w", err)
	}
	event := core.ChapterEvent{
		SourceID:  src.ID,
		SourceURL: src.URL,
		Number:    ref.Number,
		Pages:     saved,
		KeyPrefix: fmt.Sprintf("%s/ch-%s/", src.Slug, core.FormatChapterNumber(ref.Number)),
		Timestamp: now,
	}
	if err := p.publisher.Publish(ctx, event); err != nil {
		p.logger.Warn("publish chapter event failed",
			zap.Int64("source_id", src.ID),
			zap.Error(err),
		)
	}
	return state, nil
}

func (p *Pipeline) pause(ctx context.Context) error {
	if p.cfg.PageDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(p.cfg.PageDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
