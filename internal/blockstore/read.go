package blockstore

import (
	"fmt"

	"github.com/0x00ace/blockengine/internal/base"
	"github.com/0x00ace/blockengine/internal/blockstore/format"
	"github.com/0x00ace/blockengine/internal/region"
)

// dispatchRead implements the read path (spec.md §4.7): compose a view of
// [offset, offset+len) for object_id from, lowest priority first, the
// clean_db base (zeroed wherever its bitmap marks a range as never
// written), the most recent big-write dirty entry at or below the
// requested version, and every small-write dirty entry layered on top up
// to that version. A delete at or below the requested version with no
// later write wins over everything beneath it.
func (e *Engine) dispatchRead(op *Op) {
	if op.Offset+op.Len > e.cfg.BlockSize {
		op.finish(fmt.Errorf("%w: offset+len exceeds block_size", ErrInvalid))
		return
	}

	clean, hasClean := e.clean.Get(op.OID)
	versions := e.dirty.ObjectVersions(op.OID)

	ceiling := op.Version
	if ceiling == 0 {
		ceiling = uint64(base.VersionMax)
	}

	baseBlock := NoBlock
	baseVersion := uint64(0)
	if hasClean && clean.Version <= ceiling {
		baseBlock = clean.DataBlockIndex
		baseVersion = clean.Version
	}

	var overlays []base.ObjVerID
	deleted := false
	for _, v := range versions {
		if v.Version > ceiling {
			break
		}
		entry, ok := e.dirty.Get(v)
		if !ok {
			continue
		}
		switch entry.Kind {
		case KindBigWrite:
			baseBlock, baseVersion, deleted = entry.Location, v.Version, false
			overlays = overlays[:0]
		case KindDelete:
			baseBlock, baseVersion, deleted = NoBlock, v.Version, true
			overlays = overlays[:0]
		case KindSmallWrite:
			overlays = append(overlays, v)
			deleted = false
		}
	}

	out := make([]byte, op.Len)

	if deleted {
		op.Buffer = out
		op.finish(nil)
		return
	}

	if baseBlock != NoBlock {
		full := region.AlignedBuffer(int(e.cfg.BlockSize), e.data.BlockSize())
		off := int64(baseBlock) * int64(e.cfg.BlockSize)
		if err := e.data.ReadAt(full, off); err != nil {
			op.finish(err)
			return
		}
		copy(out, full[op.Offset:op.Offset+op.Len])

		if hasClean && baseVersion == clean.Version {
			e.zeroUnwrittenRanges(out, op.Offset, clean.Bitmap)
		}
	}

	for _, v := range overlays {
		entry, ok := e.dirty.Get(v)
		if !ok {
			continue
		}
		hdr, payload, err := e.readSmallWriteRecord(entry)
		if err != nil {
			op.finish(err)
			return
		}
		lo := maxU32(op.Offset, hdr.Offset)
		hi := minU32(op.Offset+op.Len, hdr.Offset+hdr.Len)
		if lo >= hi {
			continue
		}
		copy(out[lo-op.Offset:hi-op.Offset], payload[lo-hdr.Offset:hi-hdr.Offset])
	}

	op.Buffer = out
	op.finish(nil)
}

// readSmallWriteRecord re-reads a small write's header and inline payload
// bytes from the journal (buffer pool or region), since dirty_db itself
// only carries the journal location, not the data.
func (e *Engine) readSmallWriteRecord(entry DirtyEntry) (format.WriteRecordHeader, []byte, error) {
	sectorBuf, err := e.journal.ReadSector(entry.JournalSector)
	if err != nil {
		return format.WriteRecordHeader{}, nil, err
	}
	start := int(entry.JournalOffset) + format.RecordHeaderSize
	hdr := format.DecodeWriteRecordHeader(sectorBuf[start : start+format.WriteRecordHeaderSize])
	payloadStart := start + format.WriteRecordHeaderSize
	payload := sectorBuf[payloadStart : payloadStart+int(entry.Length)]
	return hdr, payload, nil
}

// zeroUnwrittenRanges overwrites every bitmap_granularity sub-range of out
// that bitmap marks as never written with zeros, per spec.md §4.7's
// "ranges outside the clean entry's bitmap read as zero" rule.
func (e *Engine) zeroUnwrittenRanges(out []byte, offset uint32, bitmap []byte) {
	gran := e.cfg.BitmapGranularity
	start, end := offset, offset+uint32(len(out))
	for rangeStart := (start / gran) * gran; rangeStart < end; rangeStart += gran {
		bit := rangeStart / gran
		if int(bit/8) >= len(bitmap) || bitmap[bit/8]&(1<<(bit%8)) != 0 {
			continue
		}
		lo, hi := maxU32(rangeStart, start), minU32(rangeStart+gran, end)
		for i := lo; i < hi; i++ {
			out[i-start] = 0
		}
	}
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
