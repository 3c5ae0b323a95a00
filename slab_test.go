package grove

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlabTranslateRejectsBadRefs(t *testing.T) {
	s := testSlab()
	_, err := s.translate(refNull, 8)
	require.ErrorIs(t, err, ErrOutOfRangeRef)
	_, err = s.translate(Ref(128), 8) // below the header reserve
	require.ErrorIs(t, err, ErrOutOfRangeRef)
	_, err = s.translate(Ref(headerReserve+3), 8) // misaligned
	require.ErrorIs(t, err, ErrOutOfRangeRef)
	_, err = s.translate(Ref(headerReserve+(1<<20)), 8) // past every chunk
	require.ErrorIs(t, err, ErrOutOfRangeRef)
}

func TestSlabAllocAlignment(t *testing.T) {
	s := testSlab()
	for _, size := range []uint64{8, 24, 100, 4096} {
		ref, buf, err := s.alloc(size)
		require.NoError(t, err)
		require.Zero(t, uint64(ref)%refAlign)
		require.GreaterOrEqual(t, uint64(len(buf)), size)
		require.True(t, s.isSlabRef(ref))
	}
}

func TestSlabFreeReuseExactSize(t *testing.T) {
	s := testSlab()
	ref, _, err := s.alloc(64)
	require.NoError(t, err)
	s.free(ref, 64)
	again, _, err := s.alloc(64)
	require.NoError(t, err)
	require.Equal(t, ref, again)
}

func TestSlabFreeCoalesces(t *testing.T) {
	s := testSlab()
	a, _, err := s.alloc(64)
	require.NoError(t, err)
	b, _, err := s.alloc(64)
	require.NoError(t, err)
	require.Equal(t, uint64(a)+64, uint64(b))

	s.free(a, 64)
	s.free(b, 64)
	// The two adjacent regions must satisfy one 128-byte request.
	c, _, err := s.alloc(128)
	require.NoError(t, err)
	require.Equal(t, a, c)
}

func TestSlabFreeStopsAtChunkBoundary(t *testing.T) {
	s := testSlab()
	// Fill the first chunk exactly, then spill into a second one; the two
	// regions are address-adjacent but live in different buffers.
	a, _, err := s.alloc(slabChunkMin)
	require.NoError(t, err)
	b, _, err := s.alloc(8)
	require.NoError(t, err)
	require.Equal(t, uint64(a)+slabChunkMin, uint64(b))
	require.NotSame(t, s.chunkOf(a), s.chunkOf(b))

	s.free(a, slabChunkMin)
	s.free(b, 8)

	// A request for the combined size must not be served by a merged region
	// spanning the boundary.
	c, buf, err := s.alloc(slabChunkMin + 8)
	require.NoError(t, err)
	require.Len(t, buf, slabChunkMin+8)
	require.NotNil(t, s.chunkOf(c))

	// The original regions are still individually reusable.
	again, _, err := s.alloc(slabChunkMin)
	require.NoError(t, err)
	require.Equal(t, a, again)
	again, _, err = s.alloc(8)
	require.NoError(t, err)
	require.Equal(t, b, again)
}

func TestSlabWritableCopiesOnWrite(t *testing.T) {
	s := testSlab()
	n, err := buildArray(s, false, false, []int64{1, 2, 3})
	require.NoError(t, err)
	w, err := s.writable(n)
	require.NoError(t, err)
	// A slab node is already writable and keeps its ref.
	require.Equal(t, n.ref, w.ref)
}

func TestSlabDurableFreeIsDeferred(t *testing.T) {
	s := newSlab(nil, 1<<20)
	durable := Ref(headerReserve + 512)
	s.free(durable, 256)
	require.Len(t, s.freedTx, 1)
	require.Equal(t, durable, s.freedTx[0].ref)
	require.Equal(t, uint64(256), s.freedTx[0].size)
}

func TestPartitionFree(t *testing.T) {
	s := testSlab()
	s.fileFree = []freeEntry{
		{ref: 4096, size: 64, version: 2},
		{ref: 8192, size: 64, version: 5},
		{ref: 12288, size: 64, version: 9},
	}
	pool, keep := s.partitionFree(5)
	require.Len(t, pool, 2)
	require.Len(t, keep, 1)
	require.Equal(t, uint64(9), keep[0].version)
}

func TestPlacePool(t *testing.T) {
	pool := []freeEntry{
		{ref: 4096, size: 32, version: 1},
		{ref: 8192, size: 128, version: 1},
	}
	// Exact fit removes the entry.
	ref, pool, ok := placePool(pool, 32)
	require.True(t, ok)
	require.Equal(t, Ref(4096), ref)
	require.Len(t, pool, 1)

	// Partial fit splits, leaving the tail.
	ref, pool, ok = placePool(pool, 48)
	require.True(t, ok)
	require.Equal(t, Ref(8192), ref)
	require.Len(t, pool, 1)
	require.Equal(t, Ref(8192+48), pool[0].ref)
	require.Equal(t, uint64(80), pool[0].size)

	// Nothing fits.
	_, pool, ok = placePool(pool, 96)
	require.False(t, ok)
	require.Len(t, pool, 1)
}
