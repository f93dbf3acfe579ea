package blockstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/0x00ace/blockengine/internal/blockstore/format"
	"github.com/0x00ace/blockengine/internal/region"
)

func newTestJournal(t *testing.T, sectors int) *Journal {
	t.Helper()
	const sectorSize = 512
	path := filepath.Join(t.TempDir(), "journal.img")
	r, err := region.Open(path, int64(sectors*sectorSize), sectorSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	j, err := NewJournal(r, sectorSize, 8)
	require.NoError(t, err)
	require.NoError(t, j.FormatFresh())
	return j
}

func TestJournalAppendAndReadBack(t *testing.T) {
	j := newTestJournal(t, 16)

	hdr := format.WriteRecordHeader{Inode: 1, Stripe: 0, Version: 1, Offset: 0, Len: 4}
	sector, offset, err := j.AppendSmallWrite(hdr, []byte("abcd"))
	require.NoError(t, err)
	require.NoError(t, j.SyncCurSector())

	buf, err := j.ReadSector(sector)
	require.NoError(t, err)
	require.Equal(t, byte(format.RecordSmallWrite), buf[offset+4])
	gotHdr := format.DecodeWriteRecordHeader(buf[offset+format.RecordHeaderSize:])
	require.Equal(t, hdr, gotHdr)
}

func TestJournalUsageCount(t *testing.T) {
	j := newTestJournal(t, 16)

	hdr := format.WriteRecordHeader{Inode: 1, Stripe: 0, Version: 1}
	sector, _, err := j.AppendSmallWrite(hdr, []byte("x"))
	require.NoError(t, err)

	require.Equal(t, int32(0), j.UsageCount(sector))
	j.AddRef(sector)
	j.AddRef(sector)
	require.Equal(t, int32(2), j.UsageCount(sector))
	j.Release(sector)
	require.Equal(t, int32(1), j.UsageCount(sector))
}

func TestJournalReserveSpaceParksWhenFull(t *testing.T) {
	j := newTestJournal(t, 4)

	ok, target := j.ReserveSpace(8000, 0)
	require.False(t, ok)
	require.Less(t, target, j.SectorCount())
}

func TestJournalAdvanceUsedStart(t *testing.T) {
	j := newTestJournal(t, 16)
	require.Equal(t, uint64(0), j.UsedStart())
	j.AdvanceUsedStart(5)
	require.Equal(t, uint64(5), j.UsedStart())
}
