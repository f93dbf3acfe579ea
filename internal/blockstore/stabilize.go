package blockstore

import (
	"fmt"

	"github.com/0x00ace/blockengine/internal/base"
	"github.com/0x00ace/blockengine/internal/blockstore/format"
)

// dispatchStabilize implements STABLE(list) and ROLLBACK(list): validates
// every obj_ver_id in op.List against the state its decision requires,
// appends a single STABLE or ROLLBACK journal record enumerating them,
// fsyncs that record, and only then applies it to dirty_db — so a crash
// between validation and the journal fsync leaves no trace, matching
// spec.md §4.6.
func (e *Engine) dispatchStabilize(op *Op, stable bool) {
	if len(op.List) == 0 {
		op.finish(nil)
		return
	}

	for _, key := range op.List {
		entry, ok := e.dirty.Get(key)
		if !ok {
			op.finish(fmt.Errorf("%w: %v has no pending entry", ErrNotFound, key))
			return
		}
		if stable {
			if entry.Stage < StageJournalSynced {
				op.finish(fmt.Errorf("%w: %v is not yet journal-synced", ErrInvalid, key))
				return
			}
		} else if entry.Stable {
			op.finish(fmt.Errorf("%w: %v was already declared stable", ErrExists, key))
			return
		}
	}

	triples := make([]objVerTriple, len(op.List))
	for i, key := range op.List {
		triples[i] = objVerTriple{inode: key.OID.Inode, stripe: key.OID.Stripe, version: key.Version}
	}
	rt := format.RecordStable
	if !stable {
		rt = format.RecordRollback
	}
	if _, _, err := e.journal.AppendList(rt, triples); err != nil {
		op.finish(err)
		return
	}

	e.syncStabilizeRecord(op, stable)
}

func (e *Engine) syncStabilizeRecord(op *Op, stable bool) {
	job, sector, buf := e.journal.PrepareSync()
	ok := e.submitIO(job, func(err error) {
		if err != nil {
			e.fatal("stabilize journal fsync failed", err)
		}
		e.journal.CacheSector(sector, buf)
		e.applyStabilize(op, stable)
	})
	if !ok {
		e.park(op, waitSQE, 0, func() bool {
			e.syncStabilizeRecord(op, stable)
			return true
		})
	}
}

func (e *Engine) applyStabilize(op *Op, stable bool) {
	if stable {
		for _, key := range op.List {
			e.dirty.Mutate(key, func(d *DirtyEntry) { d.Stable = true })
		}
		e.removeFromUnstable(op.List)
	} else {
		for _, key := range op.List {
			e.rollbackEntry(key)
		}
	}
	op.finish(nil)
}

// rollbackEntry discards key's pending write: frees its allocated data
// block (big writes only; small writes/deletes own no block), releases
// its journal sector reference, and erases it from dirty_db.
func (e *Engine) rollbackEntry(key base.ObjVerID) {
	entry, ok := e.dirty.Get(key)
	if !ok {
		return
	}
	if entry.Kind == KindBigWrite && entry.Location != NoBlock {
		_ = e.alloc.Free(entry.Location)
	}
	e.journal.Release(entry.JournalSector)
	e.dirty.Erase(key)
}

func (e *Engine) removeFromUnstable(keys []base.ObjVerID) {
	if len(e.unstableSinceStabilize) == 0 {
		return
	}
	remove := make(map[base.ObjVerID]bool, len(keys))
	for _, k := range keys {
		remove[k] = true
	}
	out := e.unstableSinceStabilize[:0]
	for _, k := range e.unstableSinceStabilize {
		if !remove[k] {
			out = append(out, k)
		}
	}
	e.unstableSinceStabilize = out
}

// dispatchSyncStabAll implements SYNC_STAB_ALL: a SYNC covering every
// pending write, immediately followed by a STABLE covering every
// obj_ver_id that has reached journal_synced without yet being declared
// stable (spec.md §4.11/§4.12) — the shutdown/handoff convenience
// operation that leaves nothing revocable behind.
func (e *Engine) dispatchSyncStabAll(op *Op) {
	syncOp := &Op{Opcode: OpSync}
	syncOp.Callback = func(s *Op) {
		if s.Err() != nil {
			op.Retval = s.Retval
			op.finish(s.Err())
			return
		}
		if len(e.unstableSinceStabilize) == 0 {
			op.finish(nil)
			return
		}
		stableOp := &Op{Opcode: OpStable, List: append([]base.ObjVerID(nil), e.unstableSinceStabilize...)}
		stableOp.Callback = func(st *Op) {
			op.Retval = st.Retval
			op.finish(st.Err())
		}
		e.dispatchStabilize(stableOp, true)
	}
	e.dispatchSync(syncOp)
}
