package core

import (
	"context"
	"time"
)

// Catalog persists sources, chapters and images, and arbitrates claims.
// ClaimDueForCheck and ClaimDueForDeletion must be atomic claim-and-flip
// operations that skip rows concurrently held by another claimer; they
// return (nil, nil) when no eligible row remains.
type Catalog interface {
	ClaimDueForCheck(ctx context.Context) (*Source, error)
	ClaimDueForDeletion(ctx context.Context) (*Source, error)

	// RecordChapter inserts a chapter in the given state, or updates the
	// existing row when the source URL is already known (idempotent).
	RecordChapter(ctx context.Context, sourceID int64, number float64, title, url string, state ChapterState) (int64, error)
	// RecordChapterImages replaces the chapter's image rows with the given
	// object keys, in slice order.
	RecordChapterImages(ctx context.Context, chapterID int64, orderedKeys []string) error
	SetChapterState(ctx context.Context, chapterID int64, state ChapterState) error

	SetCheckSchedule(ctx context.Context, sourceID int64, state ProcessingState, nextCheckAt time.Time) error
	// SetLatestChapter records the source's last-known newest chapter
	// number after a successful batch.
	SetLatestChapter(ctx context.Context, sourceID int64, number float64) error
	SetProcessingState(ctx context.Context, sourceID int64, state ProcessingState) error
	SetLastContentAt(ctx context.Context, sourceID int64, at time.Time) error
	GetSource(ctx context.Context, sourceID int64) (*Source, error)

	ListDeletableObjectKeys(ctx context.Context, sourceID int64) (DeletableKeys, error)
	// DeleteSourceAndChildren removes images, chapters and the source row
	// in one transaction, in that dependency order.
	DeleteSourceAndChildren(ctx context.Context, sourceID int64) error

	// PurgeExpired removes expired auxiliary rows and reports how many.
	PurgeExpired(ctx context.Context) (int64, error)
}

// ObjectStore uploads and deletes binary objects.
type ObjectStore interface {
	Upload(ctx context.Context, key, contentType string, data []byte) (string, error)
	DeleteMany(ctx context.Context, keys []string) error
	PublicBaseURL() string
}

// Publisher pushes chapter-available events to a topic. Implementations
// must treat publishing as best-effort; callers log failures and move on.
type Publisher interface {
	Publish(ctx context.Context, event ChapterEvent) error
}

// Clock returns the current time (injectable for schedule math in tests).
type Clock interface {
	Now() time.Time
}
