package blockstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/0x00ace/blockengine/internal/base"
	"github.com/0x00ace/blockengine/internal/blockstore"
	"github.com/0x00ace/blockengine/internal/blockstore/blockstoretest"
)

func TestRecoveryReplaysJournalAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := blockstoretest.Config(t, dir)

	e1, err := blockstore.Open(cfg, nil)
	require.NoError(t, err)
	go func() { _ = e1.Run(context.Background()) }()

	bigOID := base.ObjectID{Inode: 20, Stripe: 0}
	big := blockstoretest.BlockOf(0xAA, blockstoretest.BlockSize)
	w1 := blockstoretest.Submit(t, e1, &blockstore.Op{
		Opcode: blockstore.OpWrite, OID: bigOID, Offset: 0, Len: uint32(len(big)), Buffer: big,
	})
	require.NoError(t, w1.Err())

	smallOID := base.ObjectID{Inode: 21, Stripe: 0}
	small := blockstoretest.BlockOf(0xBB, 4096)
	w2 := blockstoretest.Submit(t, e1, &blockstore.Op{
		Opcode: blockstore.OpWrite, OID: smallOID, Offset: 0, Len: uint32(len(small)), Buffer: small,
	})
	require.NoError(t, w2.Err())

	sync := blockstoretest.Submit(t, e1, &blockstore.Op{Opcode: blockstore.OpSync})
	require.NoError(t, sync.Err())

	readBig := blockstoretest.Submit(t, e1, &blockstore.Op{
		Opcode: blockstore.OpRead, OID: bigOID, Offset: 0, Len: 4096,
	})
	require.NoError(t, readBig.Err())
	require.Equal(t, big[:4096], readBig.Buffer)

	require.NoError(t, e1.Close())

	e2 := blockstoretest.OpenIn(t, dir)

	readBigAgain := blockstoretest.Submit(t, e2, &blockstore.Op{
		Opcode: blockstore.OpRead, OID: bigOID, Offset: 0, Len: 4096,
	})
	require.NoError(t, readBigAgain.Err())
	require.Equal(t, big[:4096], readBigAgain.Buffer)

	readSmallAgain := blockstoretest.Submit(t, e2, &blockstore.Op{
		Opcode: blockstore.OpRead, OID: smallOID, Offset: 0, Len: 4096,
	})
	require.NoError(t, readSmallAgain.Err())
	require.Equal(t, small, readSmallAgain.Buffer)

	l := blockstoretest.Submit(t, e2, &blockstore.Op{Opcode: blockstore.OpList})
	require.NoError(t, l.Err())
	require.Len(t, l.ListResult.Entries, l.ListResult.StableCount+2)
}

func TestRecoveryFormatsFreshRegions(t *testing.T) {
	e := blockstoretest.Open(t)
	oid := base.ObjectID{Inode: 22, Stripe: 0}

	read := blockstoretest.Submit(t, e, &blockstore.Op{
		Opcode: blockstore.OpRead, OID: oid, Offset: 0, Len: 4096,
	})
	require.NoError(t, read.Err())
	require.Equal(t, make([]byte, 4096), read.Buffer)

	buf := blockstoretest.BlockOf(0xCC, blockstoretest.BlockSize)
	w := blockstoretest.Submit(t, e, &blockstore.Op{
		Opcode: blockstore.OpWrite, OID: oid, Offset: 0, Len: uint32(len(buf)), Buffer: buf,
	})
	require.NoError(t, w.Err())
}

func TestRecoveryRejectsMismatchedGeometry(t *testing.T) {
	dir := t.TempDir()
	cfg1 := blockstoretest.Config(t, dir)
	e1, err := blockstore.Open(cfg1, nil)
	require.NoError(t, err)
	go func() { _ = e1.Run(context.Background()) }()

	oid := base.ObjectID{Inode: 23, Stripe: 0}
	buf := blockstoretest.BlockOf(0xDD, blockstoretest.BlockSize)
	w := blockstoretest.Submit(t, e1, &blockstore.Op{
		Opcode: blockstore.OpWrite, OID: oid, Offset: 0, Len: uint32(len(buf)), Buffer: buf,
	})
	require.NoError(t, w.Err())
	require.NoError(t, e1.Close())

	cfg2 := blockstoretest.Config(t, dir, blockstore.WithGeometry(65536, 4096, 512, 4096))
	_, err = blockstore.Open(cfg2, nil)
	require.Error(t, err)
}
