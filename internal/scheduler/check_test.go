package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inkwell-sh/inkd/internal/catalog"
	"github.com/inkwell-sh/inkd/internal/core"
	"github.com/inkwell-sh/inkd/internal/queue"
	"github.com/inkwell-sh/inkd/internal/rules"
)

const testRules = `
site.example:
  chapter_selector: "ul.chapters a"
  number_text_pattern: "Chapter ([0-9.]+)"
  image_selector: "div.pages img"
  image_attr: "src"
  chapter_order: "desc"
`

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakePageFetcher struct {
	html []byte
	err  error
}

func (f *fakePageFetcher) FetchPage(_ context.Context, _ string) ([]byte, error) {
	return f.html, f.err
}

type fakePageParser struct {
	latest      core.ChapterRef
	latestFound bool
	list        []core.ChapterRef
	listErr     error
}

func (f *fakePageParser) LatestChapter(_ *rules.Rule, _ []byte, _ string) (core.ChapterRef, bool, error) {
	return f.latest, f.latestFound, nil
}

func (f *fakePageParser) ChapterList(_ *rules.Rule, _ []byte, _ string) ([]core.ChapterRef, error) {
	return f.list, f.listErr
}

type fakeRunner struct {
	mu    sync.Mutex
	runs  []core.ChapterRef
	state core.ChapterState
	err   error
}

func (f *fakeRunner) Run(_ context.Context, _ core.Source, _ *rules.Rule, ref core.ChapterRef) (core.ChapterState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, ref)
	if f.state == "" {
		return core.ChapterAvailable, f.err
	}
	return f.state, f.err
}

func (f *fakeRunner) Runs() []core.ChapterRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.ChapterRef(nil), f.runs...)
}

func testRuleStore(t *testing.T) *rules.Store {
	t.Helper()
	set, err := rules.Parse([]byte(testRules))
	require.NoError(t, err)
	return rules.NewStore(set)
}

func claimedSource(now time.Time) core.Source {
	return core.Source{
		Slug:          "blade-of-dawn",
		URL:           "https://site.example/s/blade",
		RuleKey:       "site.example",
		State:         core.StateProcessing,
		LatestChapter: 3,
		CheckInterval: time.Hour,
		NextCheckAt:   now.Add(-time.Minute),
	}
}

func ref(n float64) core.ChapterRef {
	return core.ChapterRef{Number: n, URL: "https://site.example/s/blade/ch", Title: "Chapter"}
}

func TestCheckWorker_BatchCapInOrder(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	cat := catalog.NewMemory(fixedClock{now: now})
	src := claimedSource(now)
	src.ID = cat.AddSource(src)

	runner := &fakeRunner{}
	parser := &fakePageParser{
		latest:      ref(4.5),
		latestFound: true,
		list:        []core.ChapterRef{ref(3), ref(3.5), ref(4), ref(4.5)},
	}
	w := NewCheckWorker(cat, &fakePageFetcher{html: []byte("<html/>")}, parser, testRuleStore(t), runner,
		fixedClock{now: now}, CheckWorkerConfig{BatchMax: 2}, zap.NewNop())

	w.process(context.Background(), src)

	runs := runner.Runs()
	require.Len(t, runs, 2)
	require.Equal(t, 3.5, runs[0].Number)
	require.Equal(t, 4.0, runs[1].Number)

	got, err := cat.GetSource(context.Background(), src.ID)
	require.NoError(t, err)
	require.Equal(t, core.StateOngoing, got.State)
	require.Equal(t, 4.0, got.LatestChapter)
	require.True(t, got.NextCheckAt.After(now))
}

func TestCheckWorker_NoNewChapters(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	cat := catalog.NewMemory(fixedClock{now: now})
	src := claimedSource(now)
	src.ID = cat.AddSource(src)

	runner := &fakeRunner{}
	parser := &fakePageParser{latest: ref(3), latestFound: true}
	w := NewCheckWorker(cat, &fakePageFetcher{html: []byte("<html/>")}, parser, testRuleStore(t), runner,
		fixedClock{now: now}, CheckWorkerConfig{}, zap.NewNop())

	w.process(context.Background(), src)

	require.Empty(t, runner.Runs())
	got, err := cat.GetSource(context.Background(), src.ID)
	require.NoError(t, err)
	require.Equal(t, core.StateOngoing, got.State)
	require.Equal(t, 3.0, got.LatestChapter)
}

func TestCheckWorker_FetchFailureSetsErrorWithRetryWindow(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	cat := catalog.NewMemory(fixedClock{now: now})
	src := claimedSource(now)
	src.ID = cat.AddSource(src)

	retryWindow := 10 * time.Minute
	w := NewCheckWorker(cat, &fakePageFetcher{err: errors.New("status 503 exhausted")}, &fakePageParser{},
		testRuleStore(t), &fakeRunner{}, fixedClock{now: now},
		CheckWorkerConfig{RetryWindow: retryWindow}, zap.NewNop())

	w.process(context.Background(), src)

	got, err := cat.GetSource(context.Background(), src.ID)
	require.NoError(t, err)
	require.Equal(t, core.StateError, got.State)
	require.Equal(t, now.Add(retryWindow), got.NextCheckAt)
}

func TestCheckWorker_UnknownRuleKeyIsError(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	cat := catalog.NewMemory(fixedClock{now: now})
	src := claimedSource(now)
	src.RuleKey = "unknown.example"
	src.ID = cat.AddSource(src)

	w := NewCheckWorker(cat, &fakePageFetcher{html: []byte("<html/>")}, &fakePageParser{},
		testRuleStore(t), &fakeRunner{}, fixedClock{now: now}, CheckWorkerConfig{}, zap.NewNop())

	w.process(context.Background(), src)

	got, err := cat.GetSource(context.Background(), src.ID)
	require.NoError(t, err)
	require.Equal(t, core.StateError, got.State)
}

func TestCheckWorker_RunFinishesHandedOffWorkAfterClose(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	cat := catalog.NewMemory(fixedClock{now: now})
	src := claimedSource(now)
	src.ID = cat.AddSource(src)

	parser := &fakePageParser{latest: ref(3), latestFound: true}
	w := NewCheckWorker(cat, &fakePageFetcher{html: []byte("<html/>")}, parser, testRuleStore(t), &fakeRunner{},
		fixedClock{now: now}, CheckWorkerConfig{}, zap.NewNop())

	q := queue.New[core.CheckJob](1)
	require.NoError(t, q.Enqueue(context.Background(), core.CheckJob{Source: src}))
	q.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(context.Background(), q)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after queue close")
	}

	// The already-queued job was processed before exiting.
	got, err := cat.GetSource(context.Background(), src.ID)
	require.NoError(t, err)
	require.Equal(t, core.StateOngoing, got.State)
}

func TestCheckScheduler_DrainsAllDueSources(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	cat := catalog.NewMemory(fixedClock{now: now})
	first := claimedSource(now)
	first.State = core.StateOngoing
	second := claimedSource(now)
	second.State = core.StateOngoing
	second.Slug = "second"
	second.NextCheckAt = now.Add(-2 * time.Minute)
	cat.AddSource(first)
	cat.AddSource(second)

	q := queue.New[core.CheckJob](4)
	s := NewCheckScheduler(cat, q, time.Minute, zap.NewNop())
	s.drain(context.Background())

	jobA, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	jobB, err := q.Dequeue(context.Background())
	require.NoError(t, err)

	// Oldest next-check time first.
	require.Equal(t, "second", jobA.Source.Slug)
	require.Equal(t, core.StateProcessing, jobA.Source.State)
	require.Equal(t, "blade-of-dawn", jobB.Source.Slug)

	// Nothing due remains.
	claimed, err := cat.ClaimDueForCheck(context.Background())
	require.NoError(t, err)
	require.Nil(t, claimed)
}
