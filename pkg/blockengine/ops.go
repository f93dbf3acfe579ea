package blockengine

// Blocking convenience wrappers over Submit, for callers that don't need
// to pipeline many operations themselves. Each submits one Op and waits
// for its callback; under load, prefer building Ops directly and calling
// Submit so many operations are in flight against the ring at once.

func (eng *Engine) await(op *Op) *Op {
	done := make(chan struct{})
	userCB := op.Callback
	op.Callback = func(o *Op) {
		if userCB != nil {
			userCB(o)
		}
		close(done)
	}
	eng.Submit(op)
	<-done
	return op
}

// Read returns the bytes in [offset, offset+len) of oid's most recent
// version at or below version (0 meaning "latest").
func (eng *Engine) Read(oid ObjectID, version uint64, offset, length uint32) ([]byte, error) {
	op := eng.await(&Op{Opcode: OpRead, OID: oid, Version: version, Offset: offset, Len: length})
	return op.Buffer, op.Err()
}

// Write assigns the next version (or validates the caller-supplied one)
// and writes buf to [offset, offset+len(buf)), returning the assigned
// version.
func (eng *Engine) Write(oid ObjectID, version uint64, offset uint32, buf []byte) (uint64, error) {
	op := eng.await(&Op{Opcode: OpWrite, OID: oid, Version: version, Offset: offset, Len: uint32(len(buf)), Buffer: buf})
	return op.AssignedVersion, op.Err()
}

// WriteStable is Write, except the new version is marked stable from the
// moment it is submitted, sparing the caller a separate Stable call.
func (eng *Engine) WriteStable(oid ObjectID, version uint64, offset uint32, buf []byte) (uint64, error) {
	op := eng.await(&Op{Opcode: OpWriteStable, OID: oid, Version: version, Offset: offset, Len: uint32(len(buf)), Buffer: buf})
	return op.AssignedVersion, op.Err()
}

// Delete assigns a new version that tombstones oid.
func (eng *Engine) Delete(oid ObjectID, version uint64) (uint64, error) {
	op := eng.await(&Op{Opcode: OpDelete, OID: oid, Version: version})
	return op.AssignedVersion, op.Err()
}

// Sync fsyncs every pending write and advances it to journal-synced.
func (eng *Engine) Sync() error {
	return eng.await(&Op{Opcode: OpSync}).Err()
}

// Stable declares every obj_ver_id in ids no longer revocable.
func (eng *Engine) Stable(ids []ObjVerID) error {
	return eng.await(&Op{Opcode: OpStable, List: ids}).Err()
}

// Rollback discards every obj_ver_id in ids, provided none has already
// been declared stable.
func (eng *Engine) Rollback(ids []ObjVerID) error {
	return eng.await(&Op{Opcode: OpRollback, List: ids}).Err()
}

// List partitions every object matching f into stable and unstable
// versions.
func (eng *Engine) List(f ListFilter) (ListResult, error) {
	op := eng.await(&Op{Opcode: OpList, Filter: f})
	return op.ListResult, op.Err()
}

// SyncStabAll syncs every pending write and declares everything that
// reaches journal-synced stable in one round-trip — the convenience
// operation for a clean shutdown or handoff.
func (eng *Engine) SyncStabAll() error {
	return eng.await(&Op{Opcode: OpSyncStabAll}).Err()
}
