package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inkwell-sh/inkd/internal/core"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func dueSource(now time.Time) core.Source {
	return core.Source{
		Slug:          "blade-of-dawn",
		Title:         "Blade of Dawn",
		URL:           "https://site.example/s/blade",
		RuleKey:       "site.example",
		CoverKey:      "blade-of-dawn/cover.jpg",
		State:         core.StateOngoing,
		LatestChapter: 3,
		CheckInterval: time.Hour,
		NextCheckAt:   now.Add(-time.Minute),
	}
}

func TestMemoryClaimDueForCheck(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	m := NewMemory(fixedClock{now: now})
	id := m.AddSource(dueSource(now))

	src, err := m.ClaimDueForCheck(context.Background())
	require.NoError(t, err)
	require.NotNil(t, src)
	require.Equal(t, id, src.ID)
	require.Equal(t, core.StateProcessing, src.State)

	// The claimed row is invisible to subsequent claimers.
	second, err := m.ClaimDueForCheck(context.Background())
	require.NoError(t, err)
	require.Nil(t, second)
}

func TestMemoryClaim_NotDueYet(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	m := NewMemory(fixedClock{now: now})
	src := dueSource(now)
	src.NextCheckAt = now.Add(time.Hour)
	m.AddSource(src)

	claimed, err := m.ClaimDueForCheck(context.Background())
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestMemoryClaim_Exclusivity(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	m := NewMemory(fixedClock{now: now})
	m.AddSource(dueSource(now))

	const claimers = 16
	var wg sync.WaitGroup
	results := make([]*core.Source, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src, err := m.ClaimDueForCheck(context.Background())
			require.NoError(t, err)
			results[i] = src
		}(i)
	}
	wg.Wait()

	var winners int
	for _, src := range results {
		if src != nil {
			winners++
		}
	}
	require.Equal(t, 1, winners)
}

func TestMemoryRecordChapter_IdempotentOnURL(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	m := NewMemory(fixedClock{now: now})
	sourceID := m.AddSource(dueSource(now))

	url := "https://site.example/s/blade/ch-4"
	first, err := m.RecordChapter(context.Background(), sourceID, 4, "Chapter 4", url, core.ChapterProcessing)
	require.NoError(t, err)
	second, err := m.RecordChapter(context.Background(), sourceID, 4, "Chapter 4 (fixed)", url, core.ChapterAvailable)
	require.NoError(t, err)
	require.Equal(t, first, second)

	chapters := m.ChaptersForSource(sourceID)
	require.Len(t, chapters, 1)
	require.Equal(t, core.ChapterAvailable, chapters[0].State)
	require.Equal(t, "Chapter 4 (fixed)", chapters[0].Title)
}

func TestMemoryDeleteSourceAndChildren(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	m := NewMemory(fixedClock{now: now})
	sourceID := m.AddSource(dueSource(now))

	chID, err := m.RecordChapter(context.Background(), sourceID, 1, "Chapter 1", "https://site.example/s/blade/ch-1", core.ChapterAvailable)
	require.NoError(t, err)
	require.NoError(t, m.RecordChapterImages(context.Background(), chID, []string{"blade/ch-1/000.jpg"}))

	keys, err := m.ListDeletableObjectKeys(context.Background(), sourceID)
	require.NoError(t, err)
	require.Equal(t, "blade-of-dawn/cover.jpg", keys.CoverKey)
	require.Equal(t, []string{"blade/ch-1/000.jpg"}, keys.ChapterKeys)

	require.NoError(t, m.DeleteSourceAndChildren(context.Background(), sourceID))
	_, err = m.GetSource(context.Background(), sourceID)
	require.Error(t, err)
	require.Empty(t, m.ChaptersForSource(sourceID))
}

func TestMemoryPurgeExpired(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	m := NewMemory(fixedClock{now: now})
	m.AddAuxRow("stale-token", now.Add(-time.Minute))
	m.AddAuxRow("live-token", now.Add(time.Hour))

	purged, err := m.PurgeExpired(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)
}
