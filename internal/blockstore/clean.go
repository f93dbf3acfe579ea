package blockstore

import (
	"github.com/0x00ace/blockengine/internal/base"
	"github.com/0x00ace/blockengine/internal/blockstore/format"
)

// CleanDB is clean_db: the in-memory index of stable object versions,
// mirroring the metadata region. Unlike dirty_db it has no concurrent
// traversal requirement (only the single Run goroutine ever touches it,
// and the read path runs on that same goroutine per spec.md §5), so a
// plain map is sufficient; the metadata region itself, not this index, is
// what must stay crash-consistent.
type CleanDB struct {
	entries map[base.ObjectID]format.CleanEntry
	// metaSlot records which metadata-region block index backs each
	// object's clean entry, so the flusher can issue an in-place update
	// instead of a linear rescan.
	metaSlot map[base.ObjectID]uint32
	nextSlot uint32
}

func NewCleanDB() *CleanDB {
	return &CleanDB{
		entries:  make(map[base.ObjectID]format.CleanEntry),
		metaSlot: make(map[base.ObjectID]uint32),
	}
}

// Get returns the clean entry for oid, if any.
func (c *CleanDB) Get(oid base.ObjectID) (format.CleanEntry, bool) {
	e, ok := c.entries[oid]
	return e, ok
}

// Version returns the clean version for oid, or 0 if there is none (0 is
// never a valid version, matching spec.md §3's strictly-increasing-from-1
// convention used by enqueue_write).
func (c *CleanDB) Version(oid base.ObjectID) uint64 {
	if e, ok := c.entries[oid]; ok {
		return e.Version
	}
	return 0
}

// Set installs or replaces oid's clean entry, recording which metadata
// slot it occupies. Used by both the flusher (new writes) and the
// initializer (recovery scan).
func (c *CleanDB) Set(oid base.ObjectID, e format.CleanEntry, slot uint32) {
	c.entries[oid] = e
	c.metaSlot[oid] = slot
}

// Slot returns the metadata-region block index backing oid's clean entry.
func (c *CleanDB) Slot(oid base.ObjectID) (uint32, bool) {
	s, ok := c.metaSlot[oid]
	return s, ok
}

// Delete removes oid's clean entry (used when the flusher materializes a
// DELETE). The freed slot is returned so the caller can recycle it.
func (c *CleanDB) Delete(oid base.ObjectID) (slot uint32, ok bool) {
	slot, ok = c.metaSlot[oid]
	delete(c.entries, oid)
	delete(c.metaSlot, oid)
	return slot, ok
}

// AllocSlot returns a fresh, never-before-used metadata block index. The
// initializer advances this past every slot occupied by a recovered entry
// before normal operation begins.
func (c *CleanDB) AllocSlot() uint32 {
	slot := c.nextSlot
	c.nextSlot++
	return slot
}

// ObserveSlot ensures AllocSlot never reissues a slot at or below used,
// called by the initializer as it replays the metadata region.
func (c *CleanDB) ObserveSlot(used uint32) {
	if used >= c.nextSlot {
		c.nextSlot = used + 1
	}
}

// Len returns the number of objects present in clean_db.
func (c *CleanDB) Len() int { return len(c.entries) }

// Range calls fn for every (object_id, clean entry) pair. Iteration order
// is unspecified.
func (c *CleanDB) Range(fn func(base.ObjectID, format.CleanEntry)) {
	for oid, e := range c.entries {
		fn(oid, e)
	}
}
