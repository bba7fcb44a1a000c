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
	"github.com/inkwell-sh/inkd/internal/objstore"
	"github.com/inkwell-sh/inkd/internal/queue"
)

// failingStore refuses every delete and counts the attempts.
type failingStore struct {
	mu       sync.Mutex
	attempts int
}

func (s *failingStore) Upload(_ context.Context, _, _ string, _ []byte) (string, error) {
	return "", errors.New("not implemented")
}

func (s *failingStore) DeleteMany(_ context.Context, _ []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return errors.New("storage unavailable")
}

func (s *failingStore) PublicBaseURL() string { return "" }

func (s *failingStore) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func seedDeletableSource(t *testing.T, cat *catalog.Memory, store *objstore.Memory, now time.Time) core.Source {
	t.Helper()
	src := claimedSource(now)
	src.State = core.StateDeleting
	src.CoverKey = "blade-of-dawn/cover.jpg"
	src.ID = cat.AddSource(src)

	chID, err := cat.RecordChapter(context.Background(), src.ID, 1, "Chapter 1", "https://site.example/s/blade/ch-1", core.ChapterAvailable)
	require.NoError(t, err)
	keys := []string{
		core.ImageObjectKey(src.Slug, 1, 0, "jpg"),
		core.ImageObjectKey(src.Slug, 1, 1, "jpg"),
	}
	require.NoError(t, cat.RecordChapterImages(context.Background(), chID, keys))
	if store != nil {
		for _, key := range append([]string{src.CoverKey}, keys...) {
			_, err := store.Upload(context.Background(), key, "image/jpeg", []byte("x"))
			require.NoError(t, err)
		}
	}
	return src
}

func TestDeletionWorker_DeletesObjectsThenRows(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	cat := catalog.NewMemory(fixedClock{now: now})
	store := objstore.NewMemory()
	src := seedDeletableSource(t, cat, store, now)
	require.Equal(t, 3, store.Len()) // cover plus two pages

	w := NewDeletionWorker(cat, store, DeletionWorkerConfig{RetryAttempts: 2, RetryDelay: time.Millisecond}, zap.NewNop())
	w.process(context.Background(), src)

	require.Equal(t, 0, store.Len())
	_, err := cat.GetSource(context.Background(), src.ID)
	require.Error(t, err)
	require.Empty(t, cat.ChaptersForSource(src.ID))
}

func TestDeletionWorker_ExhaustedRetriesLeaveRowsIntact(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	cat := catalog.NewMemory(fixedClock{now: now})
	store := &failingStore{}
	src := seedDeletableSource(t, cat, nil, now)

	w := NewDeletionWorker(cat, store, DeletionWorkerConfig{RetryAttempts: 3, RetryDelay: time.Millisecond}, zap.NewNop())
	w.process(context.Background(), src)

	require.Equal(t, 3, store.Attempts())

	got, err := cat.GetSource(context.Background(), src.ID)
	require.NoError(t, err)
	require.Equal(t, core.StateDeletionFailed, got.State)
	require.Len(t, cat.ChaptersForSource(src.ID), 1)
}

func TestDeletionScheduler_ClaimsPendingDeletion(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	cat := catalog.NewMemory(fixedClock{now: now})
	src := claimedSource(now)
	src.State = core.StatePendingDeletion
	cat.AddSource(src)

	q := queue.New[core.DeletionJob](2)
	s := NewDeletionScheduler(cat, q, time.Minute, zap.NewNop())
	s.drain(context.Background())

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.StateDeleting, job.Source.State)
}
