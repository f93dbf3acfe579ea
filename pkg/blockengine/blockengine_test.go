package blockengine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	cfg, err := NewConfig(
		WithDataRegion(filepath.Join(dir, "data.img"), 0, 16*131072),
		WithMetaRegion(filepath.Join(dir, "meta.img"), 0, 256*4096),
		WithJournalRegion(filepath.Join(dir, "journal.img"), 0, 64*512),
		WithGeometry(131072, 4096, 512, 4096),
		WithDiskAlignment(512),
		WithRingCapacity(32),
	)
	require.NoError(t, err)

	eng, err := Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, eng.Close()) })
	return eng
}

func TestEngineWriteSyncStableReadRoundTrip(t *testing.T) {
	eng := newTestEngine(t)
	oid := ObjectID{Inode: 1, Stripe: 0}

	buf := make([]byte, 131072)
	for i := range buf {
		buf[i] = 0x42
	}

	version, err := eng.Write(oid, 0, 0, buf)
	require.NoError(t, err)
	require.Equal(t, uint64(1), version)

	require.NoError(t, eng.Sync())
	require.NoError(t, eng.Stable([]ObjVerID{{OID: oid, Version: version}}))

	got, err := eng.Read(oid, 0, 0, 512)
	require.NoError(t, err)
	require.Equal(t, buf[:512], got)

	result, err := eng.List(ListFilter{})
	require.NoError(t, err)
	require.Contains(t, result.Entries[:result.StableCount], ObjVerID{OID: oid, Version: version})
}

func TestEngineDeleteThenReadIsZero(t *testing.T) {
	eng := newTestEngine(t)
	oid := ObjectID{Inode: 2, Stripe: 0}

	buf := make([]byte, 131072)
	for i := range buf {
		buf[i] = 0x99
	}
	_, err := eng.Write(oid, 0, 0, buf)
	require.NoError(t, err)

	_, err = eng.Delete(oid, 0)
	require.NoError(t, err)

	got, err := eng.Read(oid, 0, 0, 512)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 512), got)
}
