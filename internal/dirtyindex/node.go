package dirtyindex

import (
	"github.com/0x00ace/blockengine/internal/arch"
	"github.com/0x00ace/blockengine/internal/arena"
)

type splice struct {
	prev *node
	next *node
}

type links struct {
	next arch.AtomicUint
	prev arch.AtomicUint
}

// node is a dirty_db entry keyed by an encoded base.ObjVerID. Unlike an LSM
// memtable entry, the key alone totally orders dirty_db (object_id, version)
// pairs, so there is no separate trailer to break user-key ties.
//
// Most nodes do not need to use the full height of the tower, since the
// probability of each successive level decreases exponentially. Because
// these elements are never accessed, they do not need to be allocated.
// Therefore, when a node is allocated in the arena, its memory footprint is
// deliberately truncated to not include unneeded tower elements.
//
// All accesses to tower elements use CAS operations; there is no lock.
type node struct {
	keyOffset uint
	keySize   uint
	valSize   uint
	tower     [MaxHeight]links
}

func (n *node) getKey(a *arena.Arena) []byte {
	return a.GetBytes(n.keyOffset, n.keySize)
}

func (n *node) getValue(a *arena.Arena) []byte {
	return a.GetBytes(n.keyOffset+n.keySize, n.valSize)
}

func (n *node) nextOffset(height int) uint {
	return uint(n.tower[height].next.Load())
}

func (n *node) prevOffset(height int) uint {
	return uint(n.tower[height].prev.Load())
}

func (n *node) nextOffsetCAS(height int, old, val uint) bool {
	return n.tower[height].next.CompareAndSwap(arch.UintToArchSize(old), arch.UintToArchSize(val))
}

func (n *node) prevOffsetCAS(height int, old, val uint) bool {
	return n.tower[height].prev.CompareAndSwap(arch.UintToArchSize(old), arch.UintToArchSize(val))
}
