package blockstore

import (
	"github.com/0x00ace/blockengine/internal/base"
	"github.com/0x00ace/blockengine/internal/blockstore/format"
	"github.com/0x00ace/blockengine/internal/region"
)

// pumpFlusher starts as many new metadata-region writes as flusher_count
// allows, migrating dirty entries that have been declared stable and are
// durable in the journal into clean_db and the metadata region. It is
// called after every dispatch and completion on the Run goroutine, so it
// makes steady progress without a dedicated goroutine of its own — the
// disk write itself still runs under submitIO, bounded separately from
// the op ring by flusherInFlight.
func (e *Engine) pumpFlusher() {
	for e.flusherInFlight < e.cfg.FlusherCount {
		key, entry, ok := e.nextFlushCandidate()
		if !ok {
			return
		}
		if !e.startFlush(key, entry) {
			// No data block available for a small write's merge; leave
			// this candidate for the next pump rather than spinning on it.
			return
		}
	}
}

// nextFlushCandidate returns the oldest (by ObjVerID order, which is also
// submission order within an object) dirty entry ready to migrate to the
// metadata region: declared stable, journal-synced, and not already being
// flushed.
func (e *Engine) nextFlushCandidate() (base.ObjVerID, DirtyEntry, bool) {
	it := e.dirty.Iterator()
	if !it.First() {
		return base.ObjVerID{}, DirtyEntry{}, false
	}
	for {
		key := it.Key()
		entry := it.Value()
		if entry.Stable && entry.Stage >= StageJournalSynced && entry.Stage < StageStable && !e.flushing[key] {
			return key, entry, true
		}
		if !it.Next() {
			break
		}
	}
	return base.ObjVerID{}, DirtyEntry{}, false
}

// startFlush begins migrating key's dirty entry into clean_db and the
// metadata region. It returns false without starting anything if a small
// write needs a new data block and none is free, leaving the candidate for
// a later pump once something has been freed.
func (e *Engine) startFlush(key base.ObjVerID, entry DirtyEntry) bool {
	bitmapBytes := e.cfg.BitmapBytes()
	clean, hadClean := e.clean.Get(key.OID)

	dataBlock := clean.DataBlockIndex
	allocated := false
	if entry.Kind == KindSmallWrite && !hadClean {
		block, err := e.alloc.Allocate()
		if err != nil {
			return false
		}
		dataBlock = block
		allocated = true
	}

	e.flusherInFlight++
	e.flushing[key] = true
	e.dirty.Mutate(key, func(d *DirtyEntry) { d.Stage = StageMetaSynced })

	newEntry := format.CleanEntry{Inode: key.OID.Inode, Stripe: key.OID.Stripe, Version: key.Version}
	switch entry.Kind {
	case KindBigWrite:
		newEntry.DataBlockIndex = entry.Location
		newEntry.Bitmap = fullBitmap(bitmapBytes)
	case KindSmallWrite:
		newEntry.DataBlockIndex = dataBlock
		newEntry.Bitmap = mergeBitmap(clean, entry, e.cfg)
	case KindDelete:
		newEntry.DataBlockIndex = NoBlock
		newEntry.Bitmap = make([]byte, bitmapBytes)
	}
	newEntry.ExtBitmap = make([]byte, bitmapBytes)

	slot, hadSlot := e.clean.Slot(key.OID)
	if !hadSlot {
		slot = e.clean.AllocSlot()
	}

	abortAllocation := func() {
		if allocated {
			_ = e.alloc.Free(dataBlock)
		}
	}

	if entry.Kind == KindSmallWrite {
		e.startSmallWriteFlush(key, entry, newEntry, slot, clean, hadClean, abortAllocation)
		return true
	}

	e.startMetaWrite(key, entry, newEntry, slot, clean, hadClean, abortAllocation)
	return true
}

// startSmallWriteFlush re-reads the small write's payload from the journal
// (the same way readSmallWriteRecord serves a live READ), merges it into
// the object's existing data block (or a freshly allocated one, for a
// small write to an object with no prior clean entry), and writes the
// merged block back before handing off to the metadata write, per
// spec.md §4.8 step 4.
func (e *Engine) startSmallWriteFlush(key base.ObjVerID, entry DirtyEntry, newEntry format.CleanEntry, slot uint32, prevClean format.CleanEntry, hadClean bool, abortAllocation func()) {
	hdr, payload, err := e.readSmallWriteRecord(entry)
	if err != nil {
		abortAllocation()
		e.flusherInFlight--
		delete(e.flushing, key)
		e.fatal("flusher: re-read small write payload", err)
		return
	}

	full := region.AlignedBuffer(int(e.cfg.BlockSize), e.data.BlockSize())
	if hadClean {
		off := int64(newEntry.DataBlockIndex) * int64(e.cfg.BlockSize)
		if err := e.data.ReadAt(full, off); err != nil {
			abortAllocation()
			e.flusherInFlight--
			delete(e.flushing, key)
			e.fatal("flusher: read clean block for merge", err)
			return
		}
	}
	copy(full[hdr.Offset:hdr.Offset+hdr.Len], payload)

	off := int64(newEntry.DataBlockIndex) * int64(e.cfg.BlockSize)
	ok := e.submitIO(func() error {
		if err := e.data.WriteAt(full, off); err != nil {
			return err
		}
		return e.data.Sync()
	}, func(err error) {
		if err != nil {
			abortAllocation()
			e.flusherInFlight--
			delete(e.flushing, key)
			e.fatal("flusher: small write data flush failed", err)
			return
		}
		e.startMetaWrite(key, entry, newEntry, slot, prevClean, hadClean, abortAllocation)
	})
	if !ok {
		abortAllocation()
		e.flusherInFlight--
		delete(e.flushing, key)
		e.dirty.Mutate(key, func(d *DirtyEntry) { d.Stage = StageJournalSynced })
	}
}

func (e *Engine) startMetaWrite(key base.ObjVerID, entry DirtyEntry, newEntry format.CleanEntry, slot uint32, prevClean format.CleanEntry, hadClean bool, abortAllocation func()) {
	recSize := format.Size(uint32(len(newEntry.Bitmap)))
	buf := make([]byte, recSize)
	newEntry.Encode(buf)
	off := int64(slot) * int64(e.cfg.MetaBlockSize)

	ok := e.submitIO(func() error {
		copy(e.meta.At(off, int64(recSize)), buf)
		return e.meta.Sync()
	}, func(err error) {
		e.flusherInFlight--
		delete(e.flushing, key)
		if err != nil {
			e.fatal("metadata flush failed", err)
		}
		e.finishFlush(key, entry, newEntry, slot, prevClean, hadClean)
	})
	if !ok {
		abortAllocation()
		e.flusherInFlight--
		delete(e.flushing, key)
		e.dirty.Mutate(key, func(d *DirtyEntry) { d.Stage = StageJournalSynced })
	}
}

// finishFlush installs newEntry in clean_db and frees the data block it
// superseded, if any: the previous clean block on a big write that landed
// somewhere new, or the sole clean block on a delete. A small write's
// flush always reuses (or newly allocates) the same block newEntry already
// points at, so it never frees one here.
func (e *Engine) finishFlush(key base.ObjVerID, entry DirtyEntry, newEntry format.CleanEntry, slot uint32, prevClean format.CleanEntry, hadClean bool) {
	switch entry.Kind {
	case KindDelete:
		e.clean.Delete(key.OID)
		if hadClean && prevClean.DataBlockIndex != NoBlock {
			if err := e.alloc.Free(prevClean.DataBlockIndex); err != nil {
				e.fatal("flusher: free superseded data block", err)
				return
			}
		}
	case KindBigWrite:
		e.clean.Set(key.OID, newEntry, slot)
		if hadClean && prevClean.DataBlockIndex != NoBlock && prevClean.DataBlockIndex != newEntry.DataBlockIndex {
			if err := e.alloc.Free(prevClean.DataBlockIndex); err != nil {
				e.fatal("flusher: free superseded data block", err)
				return
			}
		}
	default:
		e.clean.Set(key.OID, newEntry, slot)
	}

	e.journal.Release(entry.JournalSector)
	e.dirty.Mutate(key, func(d *DirtyEntry) { d.Stage = StageStable })
	e.dirty.Erase(key)
	e.advanceJournalUsedStart()

	if e.dirty.shouldCompact() {
		e.dirty.Compact()
	}
}

// advanceJournalUsedStart moves used_start past every contiguous sector
// with a zero usage_count, reclaiming journal space for new writes, and
// refreshes the gauges the >=75%-full backpressure signal is read from.
func (e *Engine) advanceJournalUsedStart() {
	start, cur, count := e.journal.UsedStart(), e.journal.CurSector(), e.journal.SectorCount()
	target := start
	for target != cur {
		if e.journal.UsageCount(target) != 0 {
			break
		}
		target = (target + 1) % count
	}
	if target != start {
		e.journal.AdvanceUsedStart(target)
	}
	e.metrics.journalFill.Set(e.journal.FillRatio())
	e.metrics.freeBlocks.Set(float64(e.alloc.FreeCount()))
}

func fullBitmap(n uint32) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xff
	}
	return b
}

// mergeBitmap folds a small write's covered bitmap_granularity ranges
// (entry.Bitmap, set at write time from the write's offset/len) into the
// object's existing clean bitmap, so the flusher's new clean entry never
// loses track of ranges a prior flush already marked written.
func mergeBitmap(clean format.CleanEntry, entry DirtyEntry, cfg Config) []byte {
	b := make([]byte, cfg.BitmapBytes())
	copy(b, clean.Bitmap)
	for bit := uint32(0); bit < cfg.BitmapBits(); bit++ {
		if entry.Bitmap&(1<<bit) != 0 {
			b[bit/8] |= 1 << (bit % 8)
		}
	}
	return b
}

// bitmaskForRange returns a uint32 with one bit set per bitmap_granularity
// sub-range that [offset, offset+length) overlaps, the packed
// representation DirtyEntry.Bitmap stores for a small write until the
// flusher folds it into the clean entry's bitmap, which packs one bit per
// range into bytes.
func bitmaskForRange(offset, length, granularity uint32) uint32 {
	if granularity == 0 || length == 0 {
		return 0
	}
	first := offset / granularity
	last := (offset + length - 1) / granularity
	var mask uint32
	for g := first; g <= last; g++ {
		mask |= 1 << g
	}
	return mask
}
