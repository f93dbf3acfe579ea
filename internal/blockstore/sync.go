package blockstore

import (
	"github.com/0x00ace/blockengine/internal/base"
	"github.com/0x00ace/blockengine/internal/blockstore/format"
)

// syncState tracks one in-flight SYNC op through spec.md §4.5's state
// machine: HAS_BIG/HAS_SMALL -> DATA_FSYNC_SENT -> DATA_FSYNC_DONE ->
// (write a BIG_WRITE journal record per flushed big write) ->
// JOURNAL_FSYNC_SENT -> DONE. seq/ready implement the prev_sync_count
// linear chaining that guarantees callbacks fire in submission order.
type syncState struct {
	seq     uint64
	op      *Op
	keys    []base.ObjVerID
	bigKeys []base.ObjVerID
	ready   bool
}

// dispatchSync implements SYNC: every dirty entry currently at
// StageWritten is carried through to StageJournalSynced, fsyncing the
// data region first if any of them is a big write (so the BIG_WRITE
// journal record it is about to append never outruns its own data), then
// fsyncing the journal sector that now holds every small-write/delete
// payload and any newly-appended BIG_WRITE records.
func (e *Engine) dispatchSync(op *Op) {
	e.syncSeq++
	st := &syncState{seq: e.syncSeq, op: op}
	e.pendingSync[st.seq] = st

	it := e.dirty.Iterator()
	if it.First() {
		for {
			key := it.Key()
			entry := it.Value()
			if entry.Stage == StageWritten {
				st.keys = append(st.keys, key)
				if entry.Kind == KindBigWrite {
					st.bigKeys = append(st.bigKeys, key)
				}
			}
			if !it.Next() {
				break
			}
		}
	}

	if len(st.keys) == 0 {
		st.ready = true
		e.drainSyncCompletions()
		return
	}

	if len(st.bigKeys) > 0 {
		e.syncDataThenJournal(st)
		return
	}

	e.syncJournal(st)
}

func (e *Engine) syncDataThenJournal(st *syncState) {
	ok := e.submitIO(func() error {
		return e.data.Sync()
	}, func(err error) {
		if err != nil {
			e.fatal("data region fsync failed", err)
		}
		for _, key := range st.bigKeys {
			e.dirty.Mutate(key, func(d *DirtyEntry) { d.Stage = StageSynced })
			entry, _ := e.dirty.Get(key)
			hdr := format.WriteRecordHeader{
				Inode: key.OID.Inode, Stripe: key.OID.Stripe, Version: key.Version,
				Len: entry.Length,
			}
			sector, offset, err := e.journal.AppendBigWrite(hdr, entry.Location)
			if err != nil {
				e.fatal("journal append for big write failed", err)
			}
			e.journal.AddRef(sector)
			e.dirty.Mutate(key, func(d *DirtyEntry) {
				d.JournalSector = sector
				d.JournalOffset = offset
			})
		}
		e.syncJournal(st)
	})
	if !ok {
		e.park(st.op, waitSQE, 0, func() bool {
			e.syncDataThenJournal(st)
			return true
		})
	}
}

func (e *Engine) syncJournal(st *syncState) {
	job, sector, buf := e.journal.PrepareSync()
	ok := e.submitIO(job, func(err error) {
		if err != nil {
			e.fatal("journal fsync failed", err)
		}
		e.journal.CacheSector(sector, buf)
		for _, key := range st.keys {
			e.dirty.Mutate(key, func(d *DirtyEntry) { d.Stage = StageJournalSynced })
			e.unstableSinceStabilize = append(e.unstableSinceStabilize, key)
		}
		st.ready = true
		e.drainSyncCompletions()
	})
	if !ok {
		e.park(st.op, waitSQE, 0, func() bool {
			e.syncJournal(st)
			return true
		})
	}
}

// drainSyncCompletions fires every contiguous ready syncState's callback
// in submission order, so a SYNC that happened to finish its I/O early
// never overtakes one submitted before it.
func (e *Engine) drainSyncCompletions() {
	for {
		st, ok := e.pendingSync[e.lastSyncDone+1]
		if !ok || !st.ready {
			return
		}
		delete(e.pendingSync, st.seq)
		e.lastSyncDone = st.seq
		st.op.finish(nil)
	}
}
