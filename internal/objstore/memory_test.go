package objstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryUploadCopiesData(t *testing.T) {
	t.Parallel()

	store := NewMemory()
	payload := []byte("content")
	url, err := store.Upload(context.Background(), "blade/ch-1/000.jpg", "image/jpeg", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://blade/ch-1/000.jpg", url)

	payload[0] = 'C'
	stored, ok := store.Object("blade/ch-1/000.jpg")
	require.True(t, ok)
	require.Equal(t, "content", string(stored))
}

func TestMemoryUploadRequiresKey(t *testing.T) {
	t.Parallel()

	store := NewMemory()
	_, err := store.Upload(context.Background(), "  ", "image/jpeg", []byte("x"))
	require.Error(t, err)
}

func TestMemoryDeleteMany(t *testing.T) {
	t.Parallel()

	store := NewMemory()
	_, err := store.Upload(context.Background(), "a", "", []byte("1"))
	require.NoError(t, err)
	_, err = store.Upload(context.Background(), "b", "", []byte("2"))
	require.NoError(t, err)

	require.NoError(t, store.DeleteMany(context.Background(), []string{"a", "missing"}))
	require.Equal(t, 1, store.Len())
	_, ok := store.Object("a")
	require.False(t, ok)
}
