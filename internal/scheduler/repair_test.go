package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inkwell-sh/inkd/internal/catalog"
	"github.com/inkwell-sh/inkd/internal/core"
)

func TestRepairWorker_RunsReplacementURL(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	cat := catalog.NewMemory(fixedClock{now: now})
	src := claimedSource(now)
	src.State = core.StateOngoing
	src.ID = cat.AddSource(src)

	runner := &fakeRunner{}
	w := NewRepairWorker(cat, testRuleStore(t), runner, zap.NewNop())

	w.process(context.Background(), core.RepairJob{
		SourceID:      src.ID,
		ChapterNumber: 4.5,
		URL:           "https://site.example/s/blade/ch-4.5-fixed",
		Title:         "Chapter 4.5",
	})

	runs := runner.Runs()
	require.Len(t, runs, 1)
	require.Equal(t, 4.5, runs[0].Number)
	require.Equal(t, "https://site.example/s/blade/ch-4.5-fixed", runs[0].URL)
}

func TestRepairWorker_UnknownSourceIsSkipped(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	cat := catalog.NewMemory(fixedClock{now: now})
	runner := &fakeRunner{}
	w := NewRepairWorker(cat, testRuleStore(t), runner, zap.NewNop())

	w.process(context.Background(), core.RepairJob{SourceID: 99, ChapterNumber: 1, URL: "https://site.example/x"})
	require.Empty(t, runner.Runs())
}

// countingCatalog observes PurgeExpired calls made by the cron entry.
type countingCatalog struct {
	*catalog.Memory
	mu    sync.Mutex
	calls int
}

func (c *countingCatalog) PurgeExpired(ctx context.Context) (int64, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.Memory.PurgeExpired(ctx)
}

func (c *countingCatalog) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestHousekeeping_PurgesOnSchedule(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	cat := &countingCatalog{Memory: catalog.NewMemory(fixedClock{now: now})}
	cat.AddAuxRow("stale", now.Add(-time.Minute))

	h := NewHousekeeping(cat, zap.NewNop())
	require.NoError(t, h.Start(context.Background(), "@every 1s"))
	defer h.Stop()

	require.Eventually(t, func() bool {
		return cat.Calls() >= 1
	}, 5*time.Second, 100*time.Millisecond)
}

func TestHousekeeping_RejectsBadSpec(t *testing.T) {
	t.Parallel()

	h := NewHousekeeping(catalog.NewMemory(fixedClock{now: time.Now()}), zap.NewNop())
	require.Error(t, h.Start(context.Background(), "not a cron spec"))
}
