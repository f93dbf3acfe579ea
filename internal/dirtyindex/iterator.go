package dirtyindex

import "github.com/0x00ace/blockengine/internal/base"

// Iterator walks an Index in ascending (object_id, version) order. Use
// Index.NewIterator to construct one. The zero value is not usable.
//
// Iterators observe a consistent snapshot of the index's singly-linked
// level-0 chain at each step: since nodes are never unlinked and their
// keys never change once inserted, a concurrent Add cannot invalidate a node the iterator
// already holds, only add new ones around it.
type Iterator struct {
	idx *Index
	nd  *node
	key base.ObjVerID
}

// Valid reports whether the iterator is positioned on an entry.
func (it *Iterator) Valid() bool {
	return it.nd != nil && it.nd != it.idx.head && it.nd != it.idx.tail
}

// First positions the iterator on the first (lowest-ordered) entry.
func (it *Iterator) First() bool {
	it.nd = it.idx.getNext(it.idx.head, 0)
	return it.decode()
}

// Last positions the iterator on the last (highest-ordered) entry.
func (it *Iterator) Last() bool {
	it.nd = it.idx.getPrev(it.idx.tail, 0)
	return it.decode()
}

// Next advances to the next entry in ascending order.
func (it *Iterator) Next() bool {
	if it.nd == nil {
		return false
	}
	it.nd = it.idx.getNext(it.nd, 0)
	return it.decode()
}

// Prev moves to the previous entry in ascending order.
func (it *Iterator) Prev() bool {
	if it.nd == nil {
		return false
	}
	it.nd = it.idx.getPrev(it.nd, 0)
	return it.decode()
}

// SeekGE positions the iterator on the first entry with a key >= key.
func (it *Iterator) SeekGE(key base.ObjVerID) bool {
	var buf [base.KeySize]byte
	encoded := key.AppendKey(buf[:0])

	level := int(it.idx.Height()) - 1
	prev := it.idx.head
	var next *node
	for ; level >= 0; level-- {
		prev, next, _ = it.idx.findSpliceForLevel(encoded, level, prev)
	}
	if next == nil {
		next = it.idx.getNext(prev, 0)
	}
	it.nd = next
	return it.decode()
}

// Key returns the ObjVerID at the current position. Valid must be true.
func (it *Iterator) Key() base.ObjVerID {
	return it.key
}

// Value returns the dirty entry bytes stored at the current position.
// Valid must be true.
func (it *Iterator) Value() []byte {
	return it.nd.getValue(it.idx.arena)
}

func (it *Iterator) decode() bool {
	if !it.Valid() {
		return false
	}
	it.key = base.DecodeKey(it.nd.getKey(it.idx.arena))
	return true
}
