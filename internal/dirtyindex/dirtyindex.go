// Package dirtyindex implements dirty_db: a lock-free, arena-backed ordered
// index of base.ObjVerID to dirty entry metadata. It is a concurrent
// skiplist, adapted from a memtable implementation to the engine's key
// space: the key is the 24-byte encoding of an ObjVerID (object_id,
// version), already a total order, so unlike a general-purpose memtable
// there is no trailer to break ties on equal user keys.
//
// The engine's single-goroutine execution model means there is in practice
// never more than one writer contending on the index at a time, but the
// CAS-based insert is kept so that a future reader iterating concurrently
// with the owning goroutine (e.g. a snapshot scan for LIST) never observes
// a torn insert.
package dirtyindex

import (
	"errors"
	"math"
	"unsafe"

	"github.com/0x00ace/blockengine/internal/arch"
	"github.com/0x00ace/blockengine/internal/arena"
	"github.com/0x00ace/blockengine/internal/base"
	"github.com/0x00ace/blockengine/internal/compare"
	"github.com/0x00ace/blockengine/internal/fastrand"
)

const (
	NodeAlignment = uint(unsafe.Sizeof(arch.UintToArchSize(0)))
	NodeSize      = uint(unsafe.Sizeof(node{}))
	LinkSize      = uint(unsafe.Sizeof(links{}))
	MaxHeight     = uint(20)
	pValue        = 1 / math.E
)

var probabilities [MaxHeight]uint32

func init() {
	// Precompute the skiplist probabilities so that only a single random
	// number needs to be generated and so that the optimal pvalue can be
	// used (inverse of Euler's number).
	p := 1.0
	for i := uint(0); i < MaxHeight; i++ {
		probabilities[i] = uint32(float64(math.MaxUint32) * p)
		p *= pValue
	}
}

var (
	ErrNoBuffer     = errors.New("dirtyindex: index does not have an arena")
	ErrBufferFull   = arena.ErrArenaFull
	ErrRecordExists = errors.New("dirtyindex: entry for this obj_ver_id already exists")
)

// inserter caches, per level, the prev/next nodes that bracket a key. A
// caller that performs repeated inserts with ascending keys can reuse a
// single inserter across calls; Index.Add invalidates the cached splice
// whenever a CAS race forces a level to be recomputed.
type inserter struct {
	splices [MaxHeight]splice
	height  uint
}

// Index is the concurrent, arena-backed skiplist backing dirty_db. Keys are
// immutable once added and nodes are never unlinked; the only in-place
// update is a caller overwriting the value bytes returned by
// Iterator.Value (dirty_db does so to advance an entry's state). A DELETE
// dirty entry or a new version that shadows an older one is
// represented as a new entry with a larger ObjVerID, never as a mutation of
// an existing node — callers resolve shadowing by scanning top-down, as
// spec'd for the read path.
type Index struct {
	arena   *arena.Arena
	head    *node
	tail    *node
	height  arch.AtomicUint // Current height. 1 <= height <= MaxHeight. CAS.
	compare compare.Compare
}

// New creates an Index with its own private arena of the given size.
func New(size uint) *Index {
	idx := &Index{
		compare: compare.ObjVerKey,
		arena:   arena.WithOverflow(size, NodeSize),
	}
	_ = idx.Reset()
	return idx
}

// NewFromArena creates an Index backed by a caller-supplied arena. It
// resets the arena first, discarding anything already allocated in it, so
// the arena cannot hold the data of another live index.
func NewFromArena(a *arena.Arena) (*Index, error) {
	idx := &Index{
		compare: compare.ObjVerKey,
		arena:   a,
	}
	if err := idx.Reset(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) Reset() error {
	if idx.arena == nil {
		return ErrNoBuffer
	}
	idx.arena.Reset()

	head := idx.newEmptyNode()
	tail := idx.newEmptyNode()

	headOffset := idx.arena.GetPointerOffset(unsafe.Pointer(head))
	tailOffset := idx.arena.GetPointerOffset(unsafe.Pointer(tail))
	for i := uint(0); i < MaxHeight; i++ {
		head.tower[i].next.Store(arch.UintToArchSize(tailOffset))
		tail.tower[i].prev.Store(arch.UintToArchSize(headOffset))
	}

	idx.head = head
	idx.tail = tail
	idx.height.Store(1)

	return nil
}

// Add inserts value under key if key is not already present. If key already
// exists, Add returns ErrRecordExists. If the arena has no room left, Add
// returns ErrBufferFull.
func (idx *Index) Add(key base.ObjVerID, value []byte) error {
	var keyBuf [base.KeySize]byte
	encoded := key.AppendKey(keyBuf[:0])

	var ins inserter
	if idx.findSplice(encoded, &ins) {
		return ErrRecordExists
	}

	nd, height, err := idx.newNode(encoded, value)
	if err != nil {
		return err
	}

	ndOffset := idx.arena.GetPointerOffset(unsafe.Pointer(nd))

	// We always insert from the base level and up. After a node is added
	// at the base level, no node can be created above it because it would
	// already have been discovered at the base level.
	var found bool
	var invalidateSplice bool
	for i := 0; i < int(height); i++ {
		prev := ins.splices[i].prev
		next := ins.splices[i].next

		if prev == nil {
			// New node increased the height of the index, so assume the
			// new level has not yet been populated.
			if next != nil {
				panic("next is expected to be nil, since prev is nil")
			}
			prev = idx.head
			next = idx.tail
		}

		for {
			prevOffset := idx.arena.GetPointerOffset(unsafe.Pointer(prev))
			nextOffset := idx.arena.GetPointerOffset(unsafe.Pointer(next))
			nd.tower[i].prev.Store(arch.UintToArchSize(prevOffset))
			nd.tower[i].next.Store(arch.UintToArchSize(nextOffset))

			// Check whether next has an updated link to prev. If not, either
			// the thread that added next hasn't yet added the prev link, or
			// another thread has inserted a node between prev and next.
			nextPrevOffset := next.prevOffset(i)
			if nextPrevOffset != prevOffset {
				prevNextOffset := prev.nextOffset(i)
				if prevNextOffset == nextOffset {
					// prev is still pointing to next; help the other thread
					// along by updating next's prev link.
					next.prevOffsetCAS(i, nextPrevOffset, prevOffset)
				}
			}

			if prev.nextOffsetCAS(i, nextOffset, ndOffset) {
				next.prevOffsetCAS(i, prevOffset, ndOffset)
				break
			}

			// CAS failed; recompute prev and next for this level.
			prev, next, found = idx.findSpliceForLevel(encoded, i, prev)
			if found {
				if i != 0 {
					panic("how can another goroutine have inserted a node at a non-base level?")
				}
				return ErrRecordExists
			}
			invalidateSplice = true
		}
	}

	if invalidateSplice {
		ins.height = 0
	} else {
		for i := uint(0); i < height; i++ {
			ins.splices[i].prev = nd
		}
	}

	return nil
}

// Height returns the height of the highest tower within any node ever
// allocated in this index.
func (idx *Index) Height() uint {
	return uint(idx.height.Load())
}

// Len returns the number of bytes allocated from the backing arena.
func (idx *Index) Len() uint {
	return idx.arena.Len()
}

// Arena returns the arena backing this index.
func (idx *Index) Arena() *arena.Arena {
	return idx.arena
}

// NewIterator returns an Iterator positioned before the first entry.
func (idx *Index) NewIterator() *Iterator {
	return &Iterator{idx: idx}
}

func (idx *Index) newEmptyNode() *node {
	nodeOffset, err := idx.arena.Allocate(NodeSize, NodeAlignment)
	if err != nil {
		panic("arena is not large enough to hold the head/tail node")
	}

	nd := (*node)(idx.arena.GetPointer(nodeOffset))
	nd.keyOffset = 0
	nd.keySize = 0
	nd.valSize = 0

	return nd
}

func (idx *Index) newNode(key, value []byte) (nd *node, height uint, err error) {
	rnd := fastrand.Uint32()

	height = uint(1)
	for height < MaxHeight && rnd <= probabilities[height] {
		height++
	}

	keySize := uint(len(key))
	valueSize := uint(len(value))
	truncated := NodeSize - (MaxHeight-height)*LinkSize
	totalSize := truncated + keySize + valueSize

	nodeOffset, err := idx.arena.Allocate(totalSize, NodeAlignment)
	if err != nil {
		return nil, 0, ErrBufferFull
	}

	nd = (*node)(idx.arena.GetPointer(nodeOffset))
	nd.keyOffset = nodeOffset + truncated
	nd.keySize = keySize
	nd.valSize = valueSize

	copy(nd.getKey(idx.arena), key)
	copy(nd.getValue(idx.arena), value)

	listHeight := idx.Height()
	for height > listHeight {
		if idx.height.CompareAndSwap(
			arch.UintToArchSize(listHeight),
			arch.UintToArchSize(height),
		) {
			break
		}
		listHeight = idx.Height()
	}

	return
}

func (idx *Index) findSplice(key []byte, ins *inserter) (found bool) {
	listHeight := idx.Height()
	var level int

	prev := idx.head
	if ins.height < listHeight {
		// Our cached height is less than the index height: inserts have
		// raised the height since. Recompute the splice from scratch.
		ins.height = listHeight
		level = int(ins.height)
	} else {
		for ; level < int(listHeight); level++ {
			spl := &ins.splices[level]
			if idx.getNext(spl.prev, level) != spl.next {
				continue
			}
			if spl.prev != idx.head && !idx.keyIsAfterNode(spl.prev, key) {
				level = int(listHeight)
				break
			}
			if spl.next != idx.tail && idx.keyIsAfterNode(spl.next, key) {
				level = int(listHeight)
				break
			}
			prev = spl.prev
			break
		}
	}

	for level = level - 1; level >= 0; level-- {
		var next *node
		prev, next, found = idx.findSpliceForLevel(key, level, prev)
		if next == nil {
			next = idx.tail
		}
		ins.splices[level].prev = prev
		ins.splices[level].next = next
	}

	return
}

func (idx *Index) findSpliceForLevel(
	key []byte, level int, start *node,
) (prev, next *node, found bool) {
	prev = start

	for {
		next = idx.getNext(prev, level)
		if next == idx.tail {
			break
		}

		nextKey := next.getKey(idx.arena)
		cmp := idx.compare(key, nextKey)
		if cmp < 0 {
			break
		}
		if cmp == 0 {
			found = true
			break
		}

		prev = next
	}

	return
}

func (idx *Index) keyIsAfterNode(nd *node, key []byte) bool {
	ndKey := nd.getKey(idx.arena)
	return idx.compare(ndKey, key) < 0
}

func (idx *Index) getNext(nd *node, h int) *node {
	offset := nd.tower[h].next.Load()
	return (*node)(idx.arena.GetPointer(uint(offset)))
}

func (idx *Index) getPrev(nd *node, h int) *node {
	offset := nd.tower[h].prev.Load()
	return (*node)(idx.arena.GetPointer(uint(offset)))
}
