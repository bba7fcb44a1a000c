// Package core defines domain types shared across subsystems.
package core

import (
	"fmt"
	"math"
	"time"
)

// ProcessingState is the lifecycle state of a Source.
type ProcessingState string

// Source state values persisted in the catalog.
const (
	StateOngoing         ProcessingState = "ongoing"
	StateProcessing      ProcessingState = "processing"
	StateError           ProcessingState = "error"
	StatePendingDeletion ProcessingState = "pending_deletion"
	StateDeleting        ProcessingState = "deleting"
	StateDeletionFailed  ProcessingState = "deletion_failed"
)

// ChapterState is the lifecycle state of a Chapter.
type ChapterState string

// Chapter state values persisted in the catalog.
const (
	ChapterProcessing    ChapterState = "processing"
	ChapterAvailable     ChapterState = "available"
	ChapterNoImagesFound ChapterState = "no_images_found"
	ChapterError         ChapterState = "error"
)

// Source is an external site entry monitored for new chapters.
// Claiming serializes ownership: at most one worker holds a Source in
// StateProcessing or StateDeleting at any time.
type Source struct {
	ID            int64
	Slug          string
	Title         string
	URL           string
	RuleKey       string
	CoverKey      string
	State         ProcessingState
	LatestChapter float64
	CheckInterval time.Duration
	LastCheckedAt time.Time
	NextCheckAt   time.Time
	LastContentAt time.Time
}

// Chapter is one discrete content unit belonging to a Source. Numbers are
// fractional: 10.5 is a valid chapter between 10 and 11.
type Chapter struct {
	ID       int64
	SourceID int64
	Number   float64
	Title    string
	URL      string
	State    ChapterState
}

// ChapterRef is a chapter link discovered on a source page, before any
// catalog record exists for it.
type ChapterRef struct {
	Number float64
	URL    string
	Title  string
}

// DeletableKeys lists every object key owned by a Source.
type DeletableKeys struct {
	CoverKey    string
	ChapterKeys []string
}

// CheckJob carries one claimed Source to a check worker.
type CheckJob struct {
	Source Source
}

// DeletionJob carries one claimed Source to the deletion worker.
type DeletionJob struct {
	Source Source
}

// RepairJob asks for a single chapter to be re-processed from a
// replacement URL, superseding its previous image set.
type RepairJob struct {
	SourceID      int64
	ChapterNumber float64
	URL           string
	Title         string
}

// ChapterEvent is published after a chapter becomes available.
type ChapterEvent struct {
	SourceID  int64     `json:"source_id"`
	SourceURL string    `json:"source_url"`
	Number    float64   `json:"chapter_number"`
	Pages     int       `json:"pages"`
	KeyPrefix string    `json:"key_prefix"`
	Timestamp time.Time `json:"timestamp"`
}

// ChapterKey collapses a chapter number to a scaled-integer identity used
// for deduplication. Numbers are scaled by 100 and truncated, so at most
// two decimal digits are significant; 4.5 and 4.50 share a key, 4.501
// collapses into 4.50.
func ChapterKey(number float64) int64 {
	return int64(math.Trunc(number * 100))
}

// FormatChapterNumber renders a chapter number without a trailing ".0" for
// whole chapters: 4 -> "4", 4.5 -> "4.5".
func FormatChapterNumber(number float64) string {
	if number == math.Trunc(number) {
		return fmt.Sprintf("%d", int64(number))
	}
	return fmt.Sprintf("%g", number)
}

// ImageObjectKey builds the deterministic object key for one page of a
// chapter: {source-slug}/ch-{number}/{page-index:03}.{ext}.
func ImageObjectKey(slug string, number float64, pageIndex int, ext string) string {
	return fmt.Sprintf("%s/ch-%s/%03d.%s", slug, FormatChapterNumber(number), pageIndex, ext)
}
