package blockstore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/0x00ace/blockengine/internal/base"
	"github.com/0x00ace/blockengine/internal/blockstore"
	"github.com/0x00ace/blockengine/internal/blockstore/blockstoretest"
)

func TestEngineBigWriteAndRead(t *testing.T) {
	e := blockstoretest.Open(t)
	oid := base.ObjectID{Inode: 1, Stripe: 0}
	buf := blockstoretest.BlockOf(0x42, blockstoretest.BlockSize)

	write := blockstoretest.Submit(t, e, &blockstore.Op{
		Opcode: blockstore.OpWrite, OID: oid, Offset: 0, Len: uint32(len(buf)), Buffer: buf,
	})
	require.NoError(t, write.Err())
	require.Equal(t, uint64(1), write.AssignedVersion)

	read := blockstoretest.Submit(t, e, &blockstore.Op{
		Opcode: blockstore.OpRead, OID: oid, Offset: 0, Len: 4096,
	})
	require.NoError(t, read.Err())
	require.Equal(t, buf[:4096], read.Buffer)
}

func TestEngineSmallWriteOverlaysBigWrite(t *testing.T) {
	e := blockstoretest.Open(t)
	oid := base.ObjectID{Inode: 2, Stripe: 0}
	big := blockstoretest.BlockOf(0x11, blockstoretest.BlockSize)

	w1 := blockstoretest.Submit(t, e, &blockstore.Op{
		Opcode: blockstore.OpWrite, OID: oid, Offset: 0, Len: uint32(len(big)), Buffer: big,
	})
	require.NoError(t, w1.Err())

	small := blockstoretest.BlockOf(0x22, 4096)
	w2 := blockstoretest.Submit(t, e, &blockstore.Op{
		Opcode: blockstore.OpWrite, OID: oid, Offset: 4096, Len: uint32(len(small)), Buffer: small,
	})
	require.NoError(t, w2.Err())

	readBefore := blockstoretest.Submit(t, e, &blockstore.Op{
		Opcode: blockstore.OpRead, OID: oid, Offset: 0, Len: 4096,
	})
	require.NoError(t, readBefore.Err())
	require.Equal(t, big[:4096], readBefore.Buffer)

	readOverlay := blockstoretest.Submit(t, e, &blockstore.Op{
		Opcode: blockstore.OpRead, OID: oid, Offset: 4096, Len: 4096,
	})
	require.NoError(t, readOverlay.Err())
	require.Equal(t, small, readOverlay.Buffer)
}

func TestEngineDeleteHidesData(t *testing.T) {
	e := blockstoretest.Open(t)
	oid := base.ObjectID{Inode: 3, Stripe: 0}
	buf := blockstoretest.BlockOf(0x77, blockstoretest.BlockSize)

	w := blockstoretest.Submit(t, e, &blockstore.Op{
		Opcode: blockstore.OpWrite, OID: oid, Offset: 0, Len: uint32(len(buf)), Buffer: buf,
	})
	require.NoError(t, w.Err())

	del := blockstoretest.Submit(t, e, &blockstore.Op{Opcode: blockstore.OpDelete, OID: oid})
	require.NoError(t, del.Err())

	read := blockstoretest.Submit(t, e, &blockstore.Op{
		Opcode: blockstore.OpRead, OID: oid, Offset: 0, Len: 4096,
	})
	require.NoError(t, read.Err())
	require.Equal(t, make([]byte, 4096), read.Buffer)
}

func TestEngineVersionConflictRejected(t *testing.T) {
	e := blockstoretest.Open(t)
	oid := base.ObjectID{Inode: 4, Stripe: 0}
	buf := blockstoretest.BlockOf(0x01, blockstoretest.BlockSize)

	w1 := blockstoretest.Submit(t, e, &blockstore.Op{
		Opcode: blockstore.OpWrite, OID: oid, Version: 5, Offset: 0, Len: uint32(len(buf)), Buffer: buf,
	})
	require.NoError(t, w1.Err())
	require.Equal(t, uint64(5), w1.AssignedVersion)

	w2 := blockstoretest.Submit(t, e, &blockstore.Op{
		Opcode: blockstore.OpWrite, OID: oid, Version: 5, Offset: 0, Len: uint32(len(buf)), Buffer: buf,
	})
	require.ErrorIs(t, w2.Err(), blockstore.ErrExists)
}

func TestEngineRollbackDiscardsPendingWrite(t *testing.T) {
	e := blockstoretest.Open(t)
	oid := base.ObjectID{Inode: 5, Stripe: 0}
	buf := blockstoretest.BlockOf(0x33, blockstoretest.BlockSize)

	w := blockstoretest.Submit(t, e, &blockstore.Op{
		Opcode: blockstore.OpWrite, OID: oid, Offset: 0, Len: uint32(len(buf)), Buffer: buf,
	})
	require.NoError(t, w.Err())

	rb := blockstoretest.Submit(t, e, &blockstore.Op{
		Opcode: blockstore.OpRollback,
		List:   []base.ObjVerID{{OID: oid, Version: w.AssignedVersion}},
	})
	require.NoError(t, rb.Err())

	read := blockstoretest.Submit(t, e, &blockstore.Op{
		Opcode: blockstore.OpRead, OID: oid, Offset: 0, Len: 4096,
	})
	require.NoError(t, read.Err())
	require.Equal(t, make([]byte, 4096), read.Buffer)
}

func TestEngineRollbackOfStableVersionRejected(t *testing.T) {
	e := blockstoretest.Open(t)
	oid := base.ObjectID{Inode: 6, Stripe: 0}
	buf := blockstoretest.BlockOf(0x44, blockstoretest.BlockSize)

	w := blockstoretest.Submit(t, e, &blockstore.Op{
		Opcode: blockstore.OpWrite, OID: oid, Offset: 0, Len: uint32(len(buf)), Buffer: buf,
	})
	require.NoError(t, w.Err())

	sync := blockstoretest.Submit(t, e, &blockstore.Op{Opcode: blockstore.OpSync})
	require.NoError(t, sync.Err())

	st := blockstoretest.Submit(t, e, &blockstore.Op{
		Opcode: blockstore.OpStable,
		List:   []base.ObjVerID{{OID: oid, Version: w.AssignedVersion}},
	})
	require.NoError(t, st.Err())

	rb := blockstoretest.Submit(t, e, &blockstore.Op{
		Opcode: blockstore.OpRollback,
		List:   []base.ObjVerID{{OID: oid, Version: w.AssignedVersion}},
	})
	require.ErrorIs(t, rb.Err(), blockstore.ErrExists)
}

func TestEngineList(t *testing.T) {
	e := blockstoretest.Open(t)
	oid := base.ObjectID{Inode: 7, Stripe: 0}
	buf := blockstoretest.BlockOf(0x55, blockstoretest.BlockSize)

	w := blockstoretest.Submit(t, e, &blockstore.Op{
		Opcode: blockstore.OpWrite, OID: oid, Offset: 0, Len: uint32(len(buf)), Buffer: buf,
	})
	require.NoError(t, w.Err())

	l := blockstoretest.Submit(t, e, &blockstore.Op{Opcode: blockstore.OpList})
	require.NoError(t, l.Err())
	require.Contains(t, l.ListResult.Entries[l.ListResult.StableCount:], base.ObjVerID{OID: oid, Version: w.AssignedVersion})
}

func TestEngineSyncStabAll(t *testing.T) {
	e := blockstoretest.Open(t)
	oid := base.ObjectID{Inode: 8, Stripe: 0}
	buf := blockstoretest.BlockOf(0x66, blockstoretest.BlockSize)

	w := blockstoretest.Submit(t, e, &blockstore.Op{
		Opcode: blockstore.OpWrite, OID: oid, Offset: 0, Len: uint32(len(buf)), Buffer: buf,
	})
	require.NoError(t, w.Err())

	all := blockstoretest.Submit(t, e, &blockstore.Op{Opcode: blockstore.OpSyncStabAll})
	require.NoError(t, all.Err())

	// Whether or not the flusher has already migrated the entry into
	// clean_db, List must surface it as stable either way.
	l := blockstoretest.Submit(t, e, &blockstore.Op{Opcode: blockstore.OpList})
	require.NoError(t, l.Err())
	require.Contains(t, l.ListResult.Entries[:l.ListResult.StableCount], base.ObjVerID{OID: oid, Version: w.AssignedVersion})
}

func TestEngineReadonlyRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	func() {
		e := blockstoretest.OpenIn(t, dir)
		oid := base.ObjectID{Inode: 9, Stripe: 0}
		buf := blockstoretest.BlockOf(0x77, blockstoretest.BlockSize)
		w := blockstoretest.Submit(t, e, &blockstore.Op{
			Opcode: blockstore.OpWrite, OID: oid, Offset: 0, Len: uint32(len(buf)), Buffer: buf,
		})
		require.NoError(t, w.Err())
		all := blockstoretest.Submit(t, e, &blockstore.Op{Opcode: blockstore.OpSyncStabAll})
		require.NoError(t, all.Err())
	}()

	e := blockstoretest.OpenIn(t, dir, blockstore.WithReadonly())
	oid := base.ObjectID{Inode: 10, Stripe: 0}
	buf := blockstoretest.BlockOf(0x88, blockstoretest.BlockSize)
	w := blockstoretest.Submit(t, e, &blockstore.Op{
		Opcode: blockstore.OpWrite, OID: oid, Offset: 0, Len: uint32(len(buf)), Buffer: buf,
	})
	require.ErrorIs(t, w.Err(), blockstore.ErrReadonly)
}
