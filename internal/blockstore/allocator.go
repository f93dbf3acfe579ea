package blockstore

import "fmt"

// Allocator tracks which of block_count data blocks are free using a dense
// bitmap plus an auxiliary free count, so get_free_count is O(1) instead of
// a bitmap scan. It has no persistence of its own: the initializer rebuilds
// it from clean_db and dirty_db's big-write entries on every boot, per
// spec.md §4.2.
type Allocator struct {
	bits      []uint64
	blockCnt  uint64
	freeCount uint64
	// nextHint is the lowest block index that might still be free, scanned
	// forward from on each Allocate to keep the common case close to O(1)
	// while preserving the "prefer lowest, for log-structured locality"
	// contract.
	nextHint uint64
}

// NewAllocator creates an allocator over blockCount blocks, all initially
// free.
func NewAllocator(blockCount uint64) *Allocator {
	words := (blockCount + 63) / 64
	return &Allocator{
		bits:      make([]uint64, words),
		blockCnt:  blockCount,
		freeCount: blockCount,
	}
}

// MarkUsed marks index as allocated without consulting nextHint; used by
// the initializer to seed the bitmap from recovered clean/dirty state
// before normal Allocate/Free traffic begins.
func (a *Allocator) MarkUsed(index uint64) error {
	if index >= a.blockCnt {
		return fmt.Errorf("%w: block index %d out of range [0,%d)", ErrInvalid, index, a.blockCnt)
	}
	word, bit := index/64, index%64
	if a.bits[word]&(1<<bit) == 0 {
		a.bits[word] |= 1 << bit
		a.freeCount--
	}
	return nil
}

// Allocate returns the lowest free block index and marks it used. It
// returns ErrNoSpace if no block is free; callers park on WAIT_FREE in
// that case rather than treating it as a hard failure.
func (a *Allocator) Allocate() (uint64, error) {
	if a.freeCount == 0 {
		return 0, ErrNoSpace
	}
	for word := a.nextHint / 64; word < uint64(len(a.bits)); word++ {
		if a.bits[word] == ^uint64(0) {
			continue
		}
		for bit := uint64(0); bit < 64; bit++ {
			index := word*64 + bit
			if index >= a.blockCnt {
				break
			}
			if a.bits[word]&(1<<bit) == 0 {
				a.bits[word] |= 1 << bit
				a.freeCount--
				a.nextHint = index + 1
				return index, nil
			}
		}
	}
	// freeCount said a block was free but the scan from nextHint found
	// none below blockCnt. Rescan from the beginning once, as a defensive
	// fallback.
	a.nextHint = 0
	for word := range a.bits {
		if a.bits[word] == ^uint64(0) {
			continue
		}
		for bit := uint64(0); bit < 64; bit++ {
			index := uint64(word)*64 + bit
			if index >= a.blockCnt {
				break
			}
			if a.bits[word]&(1<<bit) == 0 {
				a.bits[word] |= 1 << bit
				a.freeCount--
				a.nextHint = index + 1
				return index, nil
			}
		}
	}
	return 0, ErrNoSpace
}

// Free marks index as available again.
func (a *Allocator) Free(index uint64) error {
	if index >= a.blockCnt {
		return fmt.Errorf("%w: block index %d out of range [0,%d)", ErrInvalid, index, a.blockCnt)
	}
	word, bit := index/64, index%64
	if a.bits[word]&(1<<bit) != 0 {
		a.bits[word] &^= 1 << bit
		a.freeCount++
		if index < a.nextHint {
			a.nextHint = index
		}
	}
	return nil
}

// FreeCount returns the number of currently unallocated blocks.
func (a *Allocator) FreeCount() uint64 {
	return a.freeCount
}

// BlockCount returns the total number of blocks the allocator covers.
func (a *Allocator) BlockCount() uint64 {
	return a.blockCnt
}
