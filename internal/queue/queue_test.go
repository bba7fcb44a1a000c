package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := New[string](1)
	result := make(chan string, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	require.NoError(t, q.Enqueue(context.Background(), "job-1"))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "job-1", got)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestTryEnqueueFull(t *testing.T) {
	t.Parallel()

	q := New[int](1)
	require.NoError(t, q.TryEnqueue(1))
	require.ErrorIs(t, q.TryEnqueue(2), ErrFull)

	_, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.TryEnqueue(3))
}

func TestCancelationErrors(t *testing.T) {
	t.Parallel()

	q := New[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, q.Enqueue(context.Background(), 1))
	require.ErrorIs(t, q.Enqueue(ctx, 2), context.Canceled)
}

func TestClose(t *testing.T) {
	t.Parallel()

	q := New[int](1)
	q.Close()
	_, err := q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	// Closing twice should be safe.
	q.Close()
}

func TestEnqueueAfterClose(t *testing.T) {
	t.Parallel()

	q := New[int](2)
	require.NoError(t, q.Enqueue(context.Background(), 1))
	q.Close()

	require.ErrorIs(t, q.Enqueue(context.Background(), 2), ErrClosed)
	require.ErrorIs(t, q.TryEnqueue(3), ErrClosed)

	// Buffered jobs drain before consumers see ErrClosed.
	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, got)
	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
