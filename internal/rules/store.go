package rules

import (
	"sync/atomic"
)

// Store is the atomically-swappable holder of the current rule snapshot.
// Readers dereference a complete immutable Set and never block on a
// reload; the watcher is the only writer and only ever publishes a fully
// parsed replacement.
type Store struct {
	current atomic.Pointer[Set]
}

// NewStore wraps an initial snapshot.
func NewStore(initial *Set) *Store {
	s := &Store{}
	if initial == nil {
		initial = &Set{rules: map[string]*Rule{}}
	}
	s.current.Store(initial)
	return s
}

// Snapshot returns the current rule set.
func (s *Store) Snapshot() *Set {
	return s.current.Load()
}

// Swap publishes a new snapshot for all subsequent readers.
func (s *Store) Swap(next *Set) {
	if next == nil {
		return
	}
	s.current.Store(next)
}
