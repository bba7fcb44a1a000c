package publish

import (
	"context"
	"sync"

	"github.com/inkwell-sh/inkd/internal/core"
)

// Memory records published events in-memory, for tests and local runs.
type Memory struct {
	mu     sync.Mutex
	events []core.ChapterEvent
}

// NewMemory creates an empty Memory publisher.
func NewMemory() *Memory { return &Memory{} }

// Publish appends the event to the in-memory log.
func (p *Memory) Publish(_ context.Context, event core.ChapterEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (p *Memory) Events() []core.ChapterEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.ChapterEvent(nil), p.events...)
}
