// Package queue provides a bounded in-memory work queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrFull is returned by TryEnqueue when the queue has no free slot.
var ErrFull = errors.New("queue full")

// ErrClosed is returned once Close has been called: immediately by the
// enqueue side, and by Dequeue after the remaining jobs drain.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded queue with context-aware operations. A full queue
// exerts backpressure: Enqueue blocks and TryEnqueue refuses. Closing is
// safe with blocked producers; they fail with ErrClosed instead of
// panicking on the channel.
type Queue[T any] struct {
	ch     chan T
	mu     sync.RWMutex
	closed bool
}

// New constructs a queue with the provided capacity.
func New[T any](capacity int) *Queue[T] {
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Enqueue pushes a job into the queue or returns if the context ends.
func (q *Queue[T]) Enqueue(ctx context.Context, job T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- job:
		return nil
	}
}

// TryEnqueue pushes a job without blocking, or reports ErrFull.
func (q *Queue[T]) TryEnqueue(job T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- job:
		return nil
	default:
		return ErrFull
	}
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job, ok := <-q.ch:
		if !ok {
			return zero, ErrClosed
		}
		return job, nil
	}
}

// Close stops the enqueue side. Consumers still drain buffered jobs and
// then see ErrClosed. Waits for producers blocked in Enqueue to finish,
// so consumers must keep running until Close returns.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
