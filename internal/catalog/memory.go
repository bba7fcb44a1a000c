// Package catalog provides implementations of the core.Catalog contract.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/inkwell-sh/inkd/internal/core"
)

// Memory is an in-memory Catalog for tests and local development. The
// mutex arbitrates claims the way the database's skip-locked query does
// in production: a row flipped to a claimed state is invisible to every
// other claimer.
type Memory struct {
	mu            sync.Mutex
	clock         core.Clock
	nextSourceID  int64
	nextChapterID int64
	sources       map[int64]*core.Source
	chapters      map[int64]*core.Chapter
	chapterByURL  map[string]int64
	images        map[int64][]string
	aux           map[string]time.Time
}

// NewMemory constructs an empty Memory catalog.
func NewMemory(clock core.Clock) *Memory {
	return &Memory{
		clock:        clock,
		sources:      make(map[int64]*core.Source),
		chapters:     make(map[int64]*core.Chapter),
		chapterByURL: make(map[string]int64),
		images:       make(map[int64][]string),
		aux:          make(map[string]time.Time),
	}
}

// AddSource inserts a source and returns its id. Intended for tests and
// local seeding; in production the admin API owns source creation.
func (m *Memory) AddSource(src core.Source) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSourceID++
	src.ID = m.nextSourceID
	m.sources[src.ID] = &src
	return src.ID
}

// ClaimDueForCheck atomically claims one due Ongoing source.
func (m *Memory) ClaimDueForCheck(_ context.Context) (*core.Source, error) {
	return m.claim(core.StateOngoing, core.StateProcessing, true)
}

// ClaimDueForDeletion atomically claims one source pending deletion.
func (m *Memory) ClaimDueForDeletion(_ context.Context) (*core.Source, error) {
	return m.claim(core.StatePendingDeletion, core.StateDeleting, false)
}

func (m *Memory) claim(from, to core.ProcessingState, dueOnly bool) (*core.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var best *core.Source
	for _, src := range m.sources {
		if src.State != from {
			continue
		}
		if dueOnly && src.NextCheckAt.After(now) {
			continue
		}
		if best == nil || src.NextCheckAt.Before(best.NextCheckAt) {
			best = src
		}
	}
	if best == nil {
		return nil, nil
	}
	best.State = to
	if dueOnly {
		best.LastCheckedAt = now
	}
	claimed := *best
	return &claimed, nil
}

// RecordChapter inserts a chapter, or updates the existing row keyed by
// its source URL.
func (m *Memory) RecordChapter(_ context.Context, sourceID int64, number float64, title, url string, state core.ChapterState) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.chapterByURL[url]; ok {
		ch := m.chapters[id]
		ch.Number = number
		ch.Title = title
		ch.State = state
		return id, nil
	}

	m.nextChapterID++
	id := m.nextChapterID
	m.chapters[id] = &core.Chapter{
		ID:       id,
		SourceID: sourceID,
		Number:   number,
		Title:    title,
		URL:      url,
		State:    state,
	}
	m.chapterByURL[url] = id
	return id, nil
}

// RecordChapterImages replaces the chapter's image keys.
func (m *Memory) RecordChapterImages(_ context.Context, chapterID int64, orderedKeys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chapters[chapterID]; !ok {
		return fmt.Errorf("chapter %d not found", chapterID)
	}
	m.images[chapterID] = append([]string(nil), orderedKeys...)
	return nil
}

// SetChapterState updates one chapter's state.
func (m *Memory) SetChapterState(_ context.Context, chapterID int64, state core.ChapterState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.chapters[chapterID]
	if !ok {
		return fmt.Errorf("chapter %d not found", chapterID)
	}
	ch.State = state
	return nil
}

// SetCheckSchedule updates a source's state and next check time.
func (m *Memory) SetCheckSchedule(_ context.Context, sourceID int64, state core.ProcessingState, nextCheckAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[sourceID]
	if !ok {
		return fmt.Errorf("source %d not found", sourceID)
	}
	src.State = state
	src.NextCheckAt = nextCheckAt
	return nil
}

// SetProcessingState updates a source's state.
func (m *Memory) SetProcessingState(_ context.Context, sourceID int64, state core.ProcessingState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[sourceID]
	if !ok {
		return fmt.Errorf("source %d not found", sourceID)
	}
	src.State = state
	return nil
}

// SetLastContentAt bumps the source's new-content timestamp.
func (m *Memory) SetLastContentAt(_ context.Context, sourceID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[sourceID]
	if !ok {
		return fmt.Errorf("source %d not found", sourceID)
	}
	src.LastContentAt = at
	return nil
}

// GetSource returns a copy of the source.
func (m *Memory) GetSource(_ context.Context, sourceID int64) (*core.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[sourceID]
	if !ok {
		return nil, fmt.Errorf("source %d not found", sourceID)
	}
	out := *src
	return &out, nil
}

// SetLatestChapter records the source's last-known newest chapter.
func (m *Memory) SetLatestChapter(_ context.Context, sourceID int64, number float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[sourceID]
	if !ok {
		return fmt.Errorf("source %d not found", sourceID)
	}
	src.LatestChapter = number
	return nil
}

// ListDeletableObjectKeys gathers the cover key and every chapter image
// key owned by a source.
func (m *Memory) ListDeletableObjectKeys(_ context.Context, sourceID int64) (core.DeletableKeys, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[sourceID]
	if !ok {
		return core.DeletableKeys{}, fmt.Errorf("source %d not found", sourceID)
	}
	keys := core.DeletableKeys{CoverKey: src.CoverKey}

	var chapterIDs []int64
	for id, ch := range m.chapters {
		if ch.SourceID == sourceID {
			chapterIDs = append(chapterIDs, id)
		}
	}
	sort.Slice(chapterIDs, func(i, j int) bool { return chapterIDs[i] < chapterIDs[j] })
	for _, id := range chapterIDs {
		keys.ChapterKeys = append(keys.ChapterKeys, m.images[id]...)
	}
	return keys, nil
}

// DeleteSourceAndChildren removes images, chapters and the source row.
func (m *Memory) DeleteSourceAndChildren(_ context.Context, sourceID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[sourceID]; !ok {
		return fmt.Errorf("source %d not found", sourceID)
	}
	for id, ch := range m.chapters {
		if ch.SourceID != sourceID {
			continue
		}
		delete(m.images, id)
		delete(m.chapterByURL, ch.URL)
		delete(m.chapters, id)
	}
	delete(m.sources, sourceID)
	return nil
}

// AddAuxRow inserts an auxiliary row with an expiry, for tests.
func (m *Memory) AddAuxRow(key string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aux[key] = expiresAt
}

// PurgeExpired removes expired auxiliary rows.
func (m *Memory) PurgeExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	var purged int64
	for key, expiry := range m.aux {
		if expiry.Before(now) {
			delete(m.aux, key)
			purged++
		}
	}
	return purged, nil
}

// ChaptersForSource returns copies of a source's chapters ordered by
// number, for tests.
func (m *Memory) ChaptersForSource(sourceID int64) []core.Chapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Chapter
	for _, ch := range m.chapters {
		if ch.SourceID == sourceID {
			out = append(out, *ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// ImagesForChapter returns the recorded image keys for a chapter, for
// tests.
func (m *Memory) ImagesForChapter(chapterID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.images[chapterID]...)
}
