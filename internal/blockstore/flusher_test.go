package blockstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/0x00ace/blockengine/internal/base"
	"github.com/0x00ace/blockengine/internal/blockstore/format"
	"github.com/0x00ace/blockengine/internal/region"
)

// newFlusherTestEngine opens a real Engine over a scratch directory but
// never starts Run, so these tests can drive startFlush directly and drain
// its submitIO completions one at a time instead of racing a background
// loop.
func newFlusherTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	cfg, err := NewConfig(
		WithDataRegion(filepath.Join(dir, "data.img"), 0, 4*131072),
		WithMetaRegion(filepath.Join(dir, "meta.img"), 0, 64*4096),
		WithJournalRegion(filepath.Join(dir, "journal.img"), 0, 16*512),
		WithGeometry(131072, 4096, 512, 4096),
		WithDiskAlignment(512),
		WithFlusherCount(2),
		WithJournalSectorBufferCount(8),
		WithRingCapacity(32),
	)
	require.NoError(t, err)
	e, err := Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.closeRegions() })
	return e
}

func drainCompletion(t *testing.T, e *Engine) {
	t.Helper()
	select {
	case fn := <-e.completionCh:
		fn()
	case <-time.After(2 * time.Second):
		t.Fatal("expected a flush completion within timeout")
	}
}

func TestBitmaskForRange(t *testing.T) {
	cases := []struct {
		name             string
		offset, len, gran uint32
		want             uint32
	}{
		{"single range aligned", 0, 4096, 4096, 0b1},
		{"single range mid", 4096, 4096, 4096, 0b10},
		{"spans two ranges", 2048, 4096, 4096, 0b11},
		{"spans three ranges", 0, 9000, 4096, 0b111},
		{"zero length", 0, 0, 4096, 0},
		{"zero granularity", 0, 100, 0, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, bitmaskForRange(c.offset, c.len, c.gran))
		})
	}
}

func TestFullBitmap(t *testing.T) {
	b := fullBitmap(4)
	require.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, b)
}

func TestMergeBitmapFoldsOverExistingBits(t *testing.T) {
	cfg := Config{BlockSize: 16384, BitmapGranularity: 4096}
	clean := format.CleanEntry{Bitmap: []byte{0b0001}}
	entry := DirtyEntry{Bitmap: bitmaskForRange(4096, 4096, cfg.BitmapGranularity)}

	got := mergeBitmap(clean, entry, cfg)
	require.Equal(t, []byte{0b0011}, got)

	// the original clean bitmap slice must not be mutated in place.
	require.Equal(t, []byte{0b0001}, clean.Bitmap)
}

func TestMergeBitmapStartsFromEmptyWhenNoCleanEntry(t *testing.T) {
	cfg := Config{BlockSize: 8192, BitmapGranularity: 4096}
	entry := DirtyEntry{Bitmap: bitmaskForRange(0, 8192, cfg.BitmapGranularity)}

	got := mergeBitmap(format.CleanEntry{}, entry, cfg)
	require.Equal(t, []byte{0b11}, got)
}

// TestFlusherMaterializesSmallWriteIntoFreshBlock covers a small write
// whose object has no prior clean entry: the flusher must allocate a data
// block of its own and actually write the merged payload there, rather
// than reusing clean.DataBlockIndex's zero value — which would alias
// whatever real object happens to occupy block 0.
func TestFlusherMaterializesSmallWriteIntoFreshBlock(t *testing.T) {
	e := newFlusherTestEngine(t)

	// oidA claims block 0 first, so a bug that defaults to DataBlockIndex
	// 0 would alias this object's data instead of allocating fresh.
	oidA := base.ObjectID{Inode: 100}
	blockA, err := e.alloc.Allocate()
	require.NoError(t, err)
	require.Equal(t, uint64(0), blockA)

	fullA := make([]byte, e.cfg.BlockSize)
	for i := range fullA {
		fullA[i] = 0xAA
	}
	require.NoError(t, e.data.WriteAt(fullA, int64(blockA)*int64(e.cfg.BlockSize)))

	keyA := base.ObjVerID{OID: oidA, Version: 1}
	entryA := DirtyEntry{Kind: KindBigWrite, Stage: StageJournalSynced, Stable: true, Location: blockA, Length: e.cfg.BlockSize}
	require.NoError(t, e.dirty.Insert(keyA, entryA))
	require.True(t, e.startFlush(keyA, entryA))
	drainCompletion(t, e) // metadata write

	cleanA, ok := e.clean.Get(oidA)
	require.True(t, ok)
	require.Equal(t, blockA, cleanA.DataBlockIndex)

	oidB := base.ObjectID{Inode: 200}
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = 0x5A
	}
	hdr := format.WriteRecordHeader{Inode: oidB.Inode, Stripe: oidB.Stripe, Version: 1, Offset: 4096, Len: 4096}
	sector, offset, err := e.journal.AppendSmallWrite(hdr, payload)
	require.NoError(t, err)
	e.journal.AddRef(sector)

	keyB := base.ObjVerID{OID: oidB, Version: 1}
	entryB := DirtyEntry{
		Kind: KindSmallWrite, Stage: StageJournalSynced, Stable: true,
		Bitmap:        bitmaskForRange(4096, 4096, e.cfg.BitmapGranularity),
		JournalSector: sector, JournalOffset: offset, Length: 4096,
	}
	require.NoError(t, e.dirty.Insert(keyB, entryB))
	require.True(t, e.startFlush(keyB, entryB))
	drainCompletion(t, e) // data write
	drainCompletion(t, e) // metadata write

	cleanB, ok := e.clean.Get(oidB)
	require.True(t, ok)
	require.NotEqual(t, NoBlock, cleanB.DataBlockIndex)
	require.NotEqual(t, cleanA.DataBlockIndex, cleanB.DataBlockIndex)

	full := region.AlignedBuffer(int(e.cfg.BlockSize), e.data.BlockSize())
	require.NoError(t, e.data.ReadAt(full, int64(cleanB.DataBlockIndex)*int64(e.cfg.BlockSize)))
	require.Equal(t, payload, full[4096:8192])
	require.Equal(t, make([]byte, 4096), full[:4096])

	// oidA's block must be untouched by oidB's flush.
	require.NoError(t, e.data.ReadAt(full, int64(cleanA.DataBlockIndex)*int64(e.cfg.BlockSize)))
	require.Equal(t, fullA, full)
}

// TestFlusherFreesSupersededBlockOnOverwrite covers spec.md §4.8's "the old
// data block is freed" step: flushing a big write that replaces an
// object's existing clean entry must return the superseded block to the
// allocator, not leak it.
func TestFlusherFreesSupersededBlockOnOverwrite(t *testing.T) {
	e := newFlusherTestEngine(t)

	oid := base.ObjectID{Inode: 1}
	block1, err := e.alloc.Allocate()
	require.NoError(t, err)

	key1 := base.ObjVerID{OID: oid, Version: 1}
	entry1 := DirtyEntry{Kind: KindBigWrite, Stage: StageJournalSynced, Stable: true, Location: block1, Length: e.cfg.BlockSize}
	require.NoError(t, e.dirty.Insert(key1, entry1))
	require.True(t, e.startFlush(key1, entry1))
	drainCompletion(t, e)

	freeAfterFirst := e.alloc.FreeCount()

	block2, err := e.alloc.Allocate()
	require.NoError(t, err)
	require.NotEqual(t, block1, block2)

	key2 := base.ObjVerID{OID: oid, Version: 2}
	entry2 := DirtyEntry{Kind: KindBigWrite, Stage: StageJournalSynced, Stable: true, Location: block2, Length: e.cfg.BlockSize}
	require.NoError(t, e.dirty.Insert(key2, entry2))
	require.True(t, e.startFlush(key2, entry2))
	drainCompletion(t, e)

	// block2 was consumed by this allocation but block1 was freed by the
	// flush, so the net free count is unchanged from right after the
	// first flush.
	require.Equal(t, freeAfterFirst, e.alloc.FreeCount())

	clean, ok := e.clean.Get(oid)
	require.True(t, ok)
	require.Equal(t, block2, clean.DataBlockIndex)

	reused, err := e.alloc.Allocate()
	require.NoError(t, err)
	require.Equal(t, block1, reused)
}

// TestFlusherFreesDataBlockOnDelete covers the same space-conservation
// requirement for a delete's flush.
func TestFlusherFreesDataBlockOnDelete(t *testing.T) {
	e := newFlusherTestEngine(t)

	oid := base.ObjectID{Inode: 1}
	block, err := e.alloc.Allocate()
	require.NoError(t, err)

	key1 := base.ObjVerID{OID: oid, Version: 1}
	entry1 := DirtyEntry{Kind: KindBigWrite, Stage: StageJournalSynced, Stable: true, Location: block, Length: e.cfg.BlockSize}
	require.NoError(t, e.dirty.Insert(key1, entry1))
	require.True(t, e.startFlush(key1, entry1))
	drainCompletion(t, e)

	freeBefore := e.alloc.FreeCount()

	hdr := format.WriteRecordHeader{Inode: oid.Inode, Stripe: oid.Stripe, Version: 2}
	sector, offset, err := e.journal.AppendDelete(hdr)
	require.NoError(t, err)
	e.journal.AddRef(sector)

	key2 := base.ObjVerID{OID: oid, Version: 2}
	entry2 := DirtyEntry{Kind: KindDelete, Stage: StageJournalSynced, Stable: true, JournalSector: sector, JournalOffset: offset}
	require.NoError(t, e.dirty.Insert(key2, entry2))
	require.True(t, e.startFlush(key2, entry2))
	drainCompletion(t, e)

	require.Equal(t, freeBefore+1, e.alloc.FreeCount())

	_, ok := e.clean.Get(oid)
	require.False(t, ok)

	reused, err := e.alloc.Allocate()
	require.NoError(t, err)
	require.Equal(t, block, reused)
}
