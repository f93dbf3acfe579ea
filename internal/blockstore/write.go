package blockstore

import (
	"fmt"

	"github.com/0x00ace/blockengine/internal/base"
	"github.com/0x00ace/blockengine/internal/blockstore/format"
)

// dispatchWrite implements enqueue_write (spec.md §4.4) for WRITE,
// WRITE_STABLE, and DELETE. WRITE_STABLE is a WRITE whose dirty entry
// carries the Stable bit from the moment it is inserted, sparing the
// caller a separate STABLE round-trip (the flusher still waits for it to
// be journal-synced); DELETE follows the small-write path with
// Kind = KindDelete and no payload.
func (e *Engine) dispatchWrite(op *Op) {
	if op.Opcode != OpDelete {
		if len(op.Buffer) != int(op.Len) {
			op.finish(fmt.Errorf("%w: buffer length %d does not match len %d", ErrInvalid, len(op.Buffer), op.Len))
			return
		}
	}
	if op.Offset+op.Len > e.cfg.BlockSize {
		op.finish(fmt.Errorf("%w: offset+len exceeds block_size", ErrInvalid))
		return
	}
	if op.Offset%e.cfg.DiskAlignment != 0 || op.Len%e.cfg.DiskAlignment != 0 {
		op.finish(fmt.Errorf("%w: offset/len must be disk_alignment-aligned", ErrInvalid))
		return
	}

	version, err := e.assignVersion(op.OID, op.Version)
	if err != nil {
		op.finish(err)
		return
	}

	big := op.Opcode != OpDelete && op.Offset == 0 && op.Len == e.cfg.BlockSize
	key := base.ObjVerID{OID: op.OID, Version: version}
	stableOnWrite := op.Opcode == OpWriteStable

	switch {
	case op.Opcode == OpDelete:
		e.enqueueDelete(op, key)
	case big:
		e.enqueueBigWrite(op, key, stableOnWrite)
	default:
		e.enqueueSmallWrite(op, key, stableOnWrite)
	}
}

// assignVersion implements step 1 of enqueue_write: version = max(clean,
// last dirty) + 1, or accepts a caller-supplied version if it strictly
// extends the sequence.
func (e *Engine) assignVersion(oid base.ObjectID, requested uint64) (uint64, error) {
	last := e.clean.Version(oid)
	if versions := e.dirty.ObjectVersions(oid); len(versions) > 0 {
		if v := versions[len(versions)-1].Version; v > last {
			last = v
		}
	}
	if requested == 0 {
		return last + 1, nil
	}
	if requested <= last {
		return 0, fmt.Errorf("%w: version %d is not greater than current %d", ErrExists, requested, last)
	}
	return requested, nil
}

// enqueueBigWrite reserves key's version in dirty_db immediately (with no
// data block yet assigned), so a concurrently-submitted write for the
// same object can never re-derive the same version while this one is
// parked waiting for a free block.
func (e *Engine) enqueueBigWrite(op *Op, key base.ObjVerID, stableOnWrite bool) {
	placeholder := DirtyEntry{Kind: KindBigWrite, Stage: StageInFlight, Stable: stableOnWrite, Location: NoBlock, Length: e.cfg.BlockSize}
	if err := e.dirty.Insert(key, placeholder); err != nil {
		op.finish(err)
		return
	}

	block, err := e.alloc.Allocate()
	if err != nil {
		e.park(op, waitFree, 0, func() bool {
			b, err := e.alloc.Allocate()
			if err != nil {
				return false
			}
			e.startBigWrite(op, key, b)
			return true
		})
		return
	}
	e.startBigWrite(op, key, block)
}

func (e *Engine) startBigWrite(op *Op, key base.ObjVerID, block uint64) {
	e.dirty.Mutate(key, func(d *DirtyEntry) { d.Location = block })

	buf := make([]byte, len(op.Buffer))
	copy(buf, op.Buffer)
	off := int64(block)*int64(e.cfg.BlockSize) + int64(op.Offset)

	ok := e.submitIO(func() error {
		return e.data.WriteAt(buf, off)
	}, func(err error) {
		if err != nil {
			e.fatal("big write I/O failed", err)
		}
		e.dirty.Mutate(key, func(d *DirtyEntry) { d.Stage = StageWritten })
		op.AssignedVersion = key.Version
		if e.cfg.ImmediateCommit == ImmediateCommitAll {
			e.autoSync(op, []base.ObjVerID{key})
			return
		}
		op.finish(nil)
	})
	if !ok {
		e.park(op, waitSQE, 0, func() bool {
			return e.submitIO(func() error { return e.data.WriteAt(buf, off) }, func(err error) {
				if err != nil {
					e.fatal("big write I/O failed", err)
				}
				e.dirty.Mutate(key, func(d *DirtyEntry) { d.Stage = StageWritten })
				op.AssignedVersion = key.Version
				if e.cfg.ImmediateCommit == ImmediateCommitAll {
					e.autoSync(op, []base.ObjVerID{key})
					return
				}
				op.finish(nil)
			})
		})
	}
}

func (e *Engine) enqueueSmallWrite(op *Op, key base.ObjVerID, stableOnWrite bool) {
	needBytes := uint32(format.WriteRecordHeaderSize) + op.Len
	if ok, target := e.journal.ReserveSpace(needBytes, 1); !ok {
		e.park(op, waitJournal, target, func() bool {
			if ok, _ := e.journal.ReserveSpace(needBytes, 1); !ok {
				return false
			}
			e.writeSmallJournalEntry(op, key, stableOnWrite)
			return true
		})
		return
	}
	e.writeSmallJournalEntry(op, key, stableOnWrite)
}

func (e *Engine) writeSmallJournalEntry(op *Op, key base.ObjVerID, stableOnWrite bool) {
	hdr := format.WriteRecordHeader{Inode: key.OID.Inode, Stripe: key.OID.Stripe, Version: key.Version, Offset: op.Offset, Len: op.Len}
	sector, offset, err := e.journal.AppendSmallWrite(hdr, op.Buffer)
	if err != nil {
		op.finish(err)
		return
	}
	e.journal.AddRef(sector)

	entry := DirtyEntry{
		Kind: KindSmallWrite, Stage: StageWritten, Stable: stableOnWrite,
		Bitmap:        bitmaskForRange(op.Offset, op.Len, e.cfg.BitmapGranularity),
		JournalSector: sector, JournalOffset: offset, Length: op.Len,
	}
	if err := e.dirty.Insert(key, entry); err != nil {
		e.journal.Release(sector)
		op.finish(err)
		return
	}

	op.AssignedVersion = key.Version
	if e.cfg.ImmediateCommit == ImmediateCommitSmall || e.cfg.ImmediateCommit == ImmediateCommitAll {
		e.autoSync(op, []base.ObjVerID{key})
		return
	}
	op.finish(nil)
}

func (e *Engine) enqueueDelete(op *Op, key base.ObjVerID) {
	needBytes := uint32(format.WriteRecordHeaderSize)
	if ok, target := e.journal.ReserveSpace(needBytes, 1); !ok {
		e.park(op, waitJournal, target, func() bool {
			if ok, _ := e.journal.ReserveSpace(needBytes, 1); !ok {
				return false
			}
			e.writeDeleteJournalEntry(op, key)
			return true
		})
		return
	}
	e.writeDeleteJournalEntry(op, key)
}

func (e *Engine) writeDeleteJournalEntry(op *Op, key base.ObjVerID) {
	hdr := format.WriteRecordHeader{Inode: key.OID.Inode, Stripe: key.OID.Stripe, Version: key.Version}
	sector, offset, err := e.journal.AppendDelete(hdr)
	if err != nil {
		op.finish(err)
		return
	}
	e.journal.AddRef(sector)

	entry := DirtyEntry{Kind: KindDelete, Stage: StageWritten, JournalSector: sector, JournalOffset: offset}
	if err := e.dirty.Insert(key, entry); err != nil {
		e.journal.Release(sector)
		op.finish(err)
		return
	}

	op.AssignedVersion = key.Version
	if e.cfg.ImmediateCommit == ImmediateCommitAll {
		e.autoSync(op, []base.ObjVerID{key})
		return
	}
	op.finish(nil)
}

// autoSync runs a SYNC and then finishes op, for immediate_commit modes
// (spec.md §6). The SYNC covers every written entry, not just keys.
func (e *Engine) autoSync(op *Op, keys []base.ObjVerID) {
	syncOp := &Op{Opcode: OpSync, Callback: func(s *Op) { op.Retval = s.Retval; op.finish(op.Err()) }}
	e.dispatchSync(syncOp)
}
