package blockstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocatorAllocateFreeRoundTrip(t *testing.T) {
	a := NewAllocator(130)
	require.Equal(t, uint64(130), a.FreeCount())

	idx, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, uint64(0), idx)
	require.Equal(t, uint64(129), a.FreeCount())

	idx2, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, uint64(1), idx2)

	require.NoError(t, a.Free(idx))
	require.Equal(t, uint64(129), a.FreeCount())

	idx3, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, uint64(0), idx3, "allocator prefers the lowest free index")
}

func TestAllocatorExhaustion(t *testing.T) {
	a := NewAllocator(4)
	for i := 0; i < 4; i++ {
		_, err := a.Allocate()
		require.NoError(t, err)
	}
	_, err := a.Allocate()
	require.ErrorIs(t, err, ErrNoSpace)

	require.NoError(t, a.Free(2))
	idx, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, uint64(2), idx)
}

func TestAllocatorMarkUsedSeedsFromRecovery(t *testing.T) {
	a := NewAllocator(8)
	require.NoError(t, a.MarkUsed(3))
	require.NoError(t, a.MarkUsed(3)) // idempotent
	require.Equal(t, uint64(7), a.FreeCount())

	idx, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, uint64(0), idx)
}

func TestAllocatorOutOfRange(t *testing.T) {
	a := NewAllocator(4)
	require.ErrorIs(t, a.Free(10), ErrInvalid)
	require.ErrorIs(t, a.MarkUsed(10), ErrInvalid)
}

func TestAllocatorSpaceConservation(t *testing.T) {
	const blocks = 256
	a := NewAllocator(blocks)

	allocated := make([]uint64, 0, blocks)
	for i := 0; i < blocks; i++ {
		idx, err := a.Allocate()
		require.NoError(t, err)
		allocated = append(allocated, idx)
	}
	require.Equal(t, uint64(0), a.FreeCount())

	for i, idx := range allocated {
		if i%3 == 0 {
			require.NoError(t, a.Free(idx))
		}
	}
	freed := blocks/3 + 1
	require.InDelta(t, freed, int(a.FreeCount()), 1)
}
