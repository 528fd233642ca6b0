package framecache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameOf(id uint64, size int) *Frame {
	return &Frame{
		ID:          id,
		PixelFormat: PixelJPEG,
		Data:        make([]byte, size),
	}
}

func TestPutGetRelease(t *testing.T) {
	cache := New(4, 1024)
	require.NoError(t, cache.Put(frameOf(1, 100)))

	frame, ok := cache.Get(1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), frame.ID)
	cache.Release(1)

	_, ok = cache.Get(99)
	assert.False(t, ok)
}

func TestEntryCapEvictsOldest(t *testing.T) {
	cache := New(2, 1024)
	require.NoError(t, cache.Put(frameOf(1, 10)))
	require.NoError(t, cache.Put(frameOf(2, 10)))
	require.NoError(t, cache.Put(frameOf(3, 10)))

	_, ok := cache.Get(1)
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = cache.Get(3)
	assert.True(t, ok)
	cache.Release(3)

	entries, _ := cache.Stats()
	assert.Equal(t, 2, entries)
}

func TestByteCapEvicts(t *testing.T) {
	cache := New(10, 100)
	require.NoError(t, cache.Put(frameOf(1, 60)))
	require.NoError(t, cache.Put(frameOf(2, 60)))

	_, ok := cache.Get(1)
	assert.False(t, ok)
	_, totalBytes := cache.Stats()
	assert.Equal(t, 60, totalBytes)
}

func TestOversizeFrameRejected(t *testing.T) {
	cache := New(10, 100)
	err := cache.Put(frameOf(1, 101))
	assert.ErrorIs(t, err, ErrTooLarge)
	entries, _ := cache.Stats()
	assert.Zero(t, entries)
}

func TestReferencedEntrySurvivesEviction(t *testing.T) {
	cache := New(2, 1024)
	require.NoError(t, cache.Put(frameOf(1, 10)))
	_, ok := cache.Get(1)
	require.True(t, ok)

	require.NoError(t, cache.Put(frameOf(2, 10)))
	require.NoError(t, cache.Put(frameOf(3, 10)))

	// Frame 1 is pinned; frame 2 was the oldest unreferenced one.
	_, ok = cache.Get(1)
	assert.True(t, ok)
	cache.Release(1)
	cache.Release(1)
	_, ok = cache.Get(2)
	assert.False(t, ok)
}

func TestPutRejectedWhenAllEntriesReferenced(t *testing.T) {
	cache := New(2, 1024)
	require.NoError(t, cache.Put(frameOf(1, 10)))
	require.NoError(t, cache.Put(frameOf(2, 10)))
	_, ok := cache.Get(1)
	require.True(t, ok)
	_, ok = cache.Get(2)
	require.True(t, ok)

	// Both entries pinned: nothing can be evicted, so the put must be
	// refused rather than breach the entry cap.
	assert.ErrorIs(t, cache.Put(frameOf(3, 10)), ErrNoCapacity)
	entries, _ := cache.Stats()
	assert.Equal(t, 2, entries)

	cache.Release(1)
	require.NoError(t, cache.Put(frameOf(3, 10)))
	entries, _ = cache.Stats()
	assert.Equal(t, 2, entries)
}

func TestPutRejectedWhenReferencedBytesFill(t *testing.T) {
	cache := New(10, 100)
	require.NoError(t, cache.Put(frameOf(1, 90)))
	_, ok := cache.Get(1)
	require.True(t, ok)

	assert.ErrorIs(t, cache.Put(frameOf(2, 20)), ErrNoCapacity)
	_, totalBytes := cache.Stats()
	assert.Equal(t, 90, totalBytes)
}

func TestClearSkipsReferenced(t *testing.T) {
	cache := New(4, 1024)
	require.NoError(t, cache.Put(frameOf(1, 10)))
	require.NoError(t, cache.Put(frameOf(2, 10)))
	_, ok := cache.Get(1)
	require.True(t, ok)

	cache.Clear()
	entries, _ := cache.Stats()
	assert.Equal(t, 1, entries)

	cache.Release(1)
	cache.Clear()
	entries, _ = cache.Stats()
	assert.Zero(t, entries)
}

func TestPutAfterClose(t *testing.T) {
	cache := New(4, 1024)
	cache.Close()
	assert.ErrorIs(t, cache.Put(frameOf(1, 10)), ErrClosed)
}

func TestRawSize(t *testing.T) {
	assert.Equal(t, 1280*720*3/2, RawSize(PixelNV12, 1280, 720))
	assert.Equal(t, 1280*720*3/2, RawSize(PixelI420, 1280, 720))
	assert.Zero(t, RawSize(PixelJPEG, 1280, 720))
}
