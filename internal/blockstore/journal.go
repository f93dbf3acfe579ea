package blockstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/0x00ace/blockengine/internal/blockstore/format"
	"github.com/0x00ace/blockengine/internal/region"
)

// Journal implements the journal layer of spec.md §4.3: a ring of fixed-
// size sectors, chained-CRC records, space reservation against used_start,
// and per-sector usage_count reference counting.
type Journal struct {
	region     *region.Region
	sectorSize uint32
	sectorCnt  uint64

	usedStart uint64 // oldest sector index still referenced by a dirty entry
	curSector uint64 // sector index currently being written into
	curOffset uint32 // write cursor within curSector's in-memory buffer
	lastCRC   uint32 // chained CRC of the most recently appended record

	curBuf      []byte  // in-memory contents of curSector, not yet synced
	usageCount  []int32 // usage_count per sector, indexed by sector index

	// buffers is the in-flight sector buffer pool: an LRU of synced
	// sector contents, keyed by sector index, standing in for the ring of
	// journal_sector_buffer_count hand-rolled buffers. The read path
	// consults it before falling back to a region read. Grounded on the
	// pack's golang-lru usage guarding mmap-backed content
	// (weaviate-weaviate's lsmkv content reader).
	buffers *lru.Cache[uint64, []byte]
}

// NewJournal creates a Journal over r without touching the region; the
// caller (the initializer) then sets its state with FormatFresh for a
// brand new journal region or with Init after a journal scan.
func NewJournal(r *region.Region, sectorSize uint32, bufferCount int) (*Journal, error) {
	cache, err := lru.New[uint64, []byte](bufferCount)
	if err != nil {
		return nil, fmt.Errorf("blockstore: journal buffer pool: %w", err)
	}
	sectorCnt := uint64(r.Size()) / uint64(sectorSize)
	return &Journal{
		region:     r,
		sectorSize: sectorSize,
		sectorCnt:  sectorCnt,
		usageCount: make([]int32, sectorCnt),
		buffers:    cache,
		curBuf:     make([]byte, 0, sectorSize),
	}, nil
}

// FormatFresh writes the START record to sector 0 and resets the write
// cursor, for a brand-new journal region.
func (j *Journal) FormatFresh() error {
	j.curSector = 0
	j.curOffset = 0
	j.usedStart = 0
	j.lastCRC = crc32.ChecksumIEEE([]byte("blockstore-journal-start"))
	j.curBuf = j.curBuf[:0]
	_, _, err := j.appendHeaderedPayload(format.RecordStart, nil)
	return err
}

// Init restores cursor state recovered by the initializer's journal scan.
func (j *Journal) Init(usedStart, curSector uint64, curOffset uint32, lastCRC uint32) {
	j.usedStart = usedStart
	j.curSector = curSector
	j.curOffset = curOffset
	j.lastCRC = lastCRC
	j.curBuf = j.curBuf[:curOffset]
}

// SectorSize returns the fixed sector size.
func (j *Journal) SectorSize() uint32 { return j.sectorSize }

// SectorCount returns the number of sectors in the ring.
func (j *Journal) SectorCount() uint64 { return j.sectorCnt }

// UsedStart returns the oldest sector index still referenced.
func (j *Journal) UsedStart() uint64 { return j.usedStart }

// CurSector returns the sector index currently being written into.
func (j *Journal) CurSector() uint64 { return j.curSector }

// FreeSectors returns how many sectors lie between curSector and
// usedStart going forward around the ring, i.e. how much room remains
// before the write cursor would catch up to the oldest still-used sector.
func (j *Journal) FreeSectors() uint64 {
	if j.curSector >= j.usedStart {
		return j.sectorCnt - (j.curSector - j.usedStart) - 1
	}
	return j.usedStart - j.curSector - 1
}

// FillRatio returns curSector's distance from usedStart as a fraction of
// the ring, the flusher's ">=75% full" backpressure signal.
func (j *Journal) FillRatio() float64 {
	used := j.sectorCnt - 1 - j.FreeSectors()
	return float64(used) / float64(j.sectorCnt)
}

// ReserveSpace reports whether at least needBytes more can be written
// before wrapping into usedStart, accounting for sectorSwitches additional
// sector-header overheads. If not, it returns the sector index usedStart
// must reach for the request to fit, so the caller can park on
// WAIT_JOURNAL with that wait_detail.
func (j *Journal) ReserveSpace(needBytes uint32, sectorSwitches int) (ok bool, waitTarget uint64) {
	avail := j.FreeSectors() * uint64(j.sectorSize-format.RecordHeaderSize)
	need := uint64(needBytes) + uint64(sectorSwitches)*format.RecordHeaderSize
	if avail >= need {
		return true, 0
	}
	sectorsNeeded := (need + uint64(j.sectorSize) - 1) / uint64(j.sectorSize)
	target := (j.curSector + sectorsNeeded + 1) % j.sectorCnt
	return false, target
}

// AppendSmallWrite packs a SMALL_WRITE record (header + inline payload)
// into the journal, advancing to a new sector if the current one lacks
// room. It returns the sector and byte offset the record's header begins
// at, which the caller stores on the dirty entry as journal_sector /
// journal_offset.
func (j *Journal) AppendSmallWrite(hdr format.WriteRecordHeader, payload []byte) (sector uint64, offset uint32, err error) {
	buf := make([]byte, format.WriteRecordHeaderSize+len(payload))
	hdr.Encode(buf)
	copy(buf[format.WriteRecordHeaderSize:], payload)
	return j.appendRecord(format.RecordSmallWrite, buf)
}

// AppendBigWrite packs a BIG_WRITE record referencing dataBlockIndex.
func (j *Journal) AppendBigWrite(hdr format.WriteRecordHeader, dataBlockIndex uint64) (sector uint64, offset uint32, err error) {
	buf := make([]byte, format.BigWriteRecordSize)
	hdr.Encode(buf)
	binary.LittleEndian.PutUint64(buf[format.WriteRecordHeaderSize:], dataBlockIndex)
	return j.appendRecord(format.RecordBigWrite, buf)
}

// AppendDelete packs a DELETE tombstone record.
func (j *Journal) AppendDelete(hdr format.WriteRecordHeader) (sector uint64, offset uint32, err error) {
	buf := make([]byte, format.WriteRecordHeaderSize)
	hdr.Encode(buf)
	return j.appendRecord(format.RecordDelete, buf)
}

// AppendList packs a STABLE or ROLLBACK record enumerating the given
// obj_ver_ids.
func (j *Journal) AppendList(rt format.RecordType, ids []objVerTriple) (sector uint64, offset uint32, err error) {
	buf := make([]byte, format.ListHeaderSize+len(ids)*format.ObjVerEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(ids)))
	off := format.ListHeaderSize
	for _, id := range ids {
		format.EncodeObjVerEntry(buf[off:], id.inode, id.stripe, id.version)
		off += format.ObjVerEntrySize
	}
	return j.appendRecord(rt, buf)
}

type objVerTriple struct {
	inode, stripe, version uint64
}

func (j *Journal) appendRecord(rt format.RecordType, payload []byte) (sector uint64, offset uint32, err error) {
	return j.appendHeaderedPayload(rt, payload)
}

// appendHeaderedPayload writes [crc32][type][payload] into the journal,
// chaining crc from j.lastCRC, switching sectors if payload does not fit
// in the remainder of curSector. Only SMALL_WRITE payload bytes may
// straddle a sector boundary (spec.md §6); all other record kinds are
// small enough in this implementation's geometry to never need to.
func (j *Journal) appendHeaderedPayload(rt format.RecordType, payload []byte) (sector uint64, offset uint32, err error) {
	recordLen := uint32(format.RecordHeaderSize) + uint32(len(payload))
	if j.curOffset+recordLen > j.sectorSize && rt != format.RecordStart {
		if err := j.switchSector(); err != nil {
			return 0, 0, err
		}
	}

	sector = j.curSector
	offset = j.curOffset

	crc := crc32.Update(j.lastCRC, crc32.IEEETable, payload)
	crc = crc32.Update(crc, crc32.IEEETable, []byte{byte(rt)})

	var hdr [format.RecordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], crc)
	hdr[4] = byte(rt)

	j.curBuf = append(j.curBuf, hdr[:]...)
	j.curBuf = append(j.curBuf, payload...)
	j.curOffset += recordLen
	j.lastCRC = crc

	return sector, offset, nil
}

func (j *Journal) switchSector() error {
	if err := j.flushCurSector(); err != nil {
		return err
	}
	j.curSector = (j.curSector + 1) % j.sectorCnt
	j.curOffset = 0
	j.curBuf = j.curBuf[:0]
	return nil
}

// flushCurSector writes curSector's in-memory buffer to the region and
// caches it in the buffer pool, without fsyncing; durability comes from
// SyncCurSector or from a PrepareSync job.
func (j *Journal) flushCurSector() error {
	padded := region.AlignedBuffer(len(j.curBuf), int(j.sectorSize))
	copy(padded, j.curBuf)
	off := int64(j.curSector) * int64(j.sectorSize)
	if err := j.region.WriteAt(padded, off); err != nil {
		return err
	}
	cp := make([]byte, len(padded))
	copy(cp, padded)
	j.buffers.Add(j.curSector, cp)
	return nil
}

// SyncCurSector flushes and fsyncs the sector currently being written,
// synchronously on the calling goroutine. The initializer uses it to make
// a freshly formatted journal durable; the sync state machine uses
// PrepareSync and CacheSector instead.
func (j *Journal) SyncCurSector() error {
	if err := j.flushCurSector(); err != nil {
		return err
	}
	return j.region.Sync()
}

// PrepareSync snapshots curSector's in-memory contents and returns a job
// that performs the actual write+fsync, along with the sector index and
// padded buffer the caller should hand to CacheSector once the job
// completes. The snapshot is taken synchronously (it must run on the Run
// goroutine, before further journal appends can mutate curBuf); the
// returned job touches only the region and is safe to run on any
// goroutine via submitIO.
func (j *Journal) PrepareSync() (job func() error, sector uint64, padded []byte) {
	sector = j.curSector
	padded = region.AlignedBuffer(len(j.curBuf), int(j.sectorSize))
	copy(padded, j.curBuf)
	off := int64(sector) * int64(j.sectorSize)
	job = func() error {
		if err := j.region.WriteAt(padded, off); err != nil {
			return err
		}
		return j.region.Sync()
	}
	return job, sector, padded
}

// CacheSector installs buf into the in-flight sector buffer pool under
// sector's index. Called from the Run goroutine once a PrepareSync job
// completes.
func (j *Journal) CacheSector(sector uint64, buf []byte) {
	j.buffers.Add(sector, buf)
}

// ReadSector returns the contents of sector: curBuf when sector is the one
// currently being written into, otherwise the in-flight buffer pool's copy,
// falling back to a region read when the pool has evicted it (spec.md §4.7:
// "journal-inline small-write bytes are served from the in-memory journal
// buffer when the sector has not yet been evicted, or from the journal
// region on disk otherwise").
func (j *Journal) ReadSector(sector uint64) ([]byte, error) {
	if sector == j.curSector && len(j.curBuf) > 0 {
		return j.curBuf, nil
	}
	if buf, ok := j.buffers.Get(sector); ok {
		return buf, nil
	}
	buf := region.AlignedBuffer(int(j.sectorSize), int(j.sectorSize))
	if err := j.region.ReadAt(buf, int64(sector)*int64(j.sectorSize)); err != nil {
		return nil, err
	}
	return buf, nil
}

// AddRef increments sector's usage_count; called when a dirty entry's
// journal_sector is set.
func (j *Journal) AddRef(sector uint64) {
	j.usageCount[sector]++
}

// Release decrements sector's usage_count; called when a dirty entry
// referencing it is stabilized-and-flushed or rolled back.
func (j *Journal) Release(sector uint64) {
	if j.usageCount[sector] > 0 {
		j.usageCount[sector]--
	}
}

// UsageCount returns the current reference count for sector, the invariant
// spec.md §8 (Journal safety) checks.
func (j *Journal) UsageCount(sector uint64) int32 {
	return j.usageCount[sector]
}

// AdvanceUsedStart moves used_start forward to target, the flusher's
// signal that every sector being left behind has had its dirty entries
// migrated into the metadata region. It is the caller's responsibility to
// ensure usage_count is zero for every sector being passed over.
func (j *Journal) AdvanceUsedStart(target uint64) {
	j.usedStart = target % j.sectorCnt
}
