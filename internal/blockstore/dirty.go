package blockstore

import (
	"encoding/binary"
	"fmt"

	"github.com/0x00ace/blockengine/internal/base"
	"github.com/0x00ace/blockengine/internal/dirtyindex"
)

// Kind is the "what this write is" axis of a dirty entry's state, per
// spec.md §3.
type Kind uint8

const (
	KindBigWrite Kind = iota
	KindSmallWrite
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindBigWrite:
		return "big"
	case KindSmallWrite:
		return "small"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Stage is the persistence-progress axis of a dirty entry's state.
// StageErased is not one of spec.md's named stages; it marks an entry that
// has been superseded, rolled back, or flushed and is only waiting for the
// next DirtyDB.Compact to reclaim its arena space.
type Stage uint8

const (
	StageInFlight Stage = iota
	StageSubmitted
	StageWritten
	StageSynced
	StageJournalSynced
	StageMetaSynced
	StageStable
	StageErased
)

// NoBlock is the sentinel DataBlockIndex value meaning "no data block is
// associated with this entry" (small writes and deletes).
const NoBlock = ^uint64(0)

// DirtyEntry is the in-memory representation of one pending obj_ver_id
// mutation: { state, location, len, offset, journal_sector?, bitmap? } as
// named in spec.md §3.
type DirtyEntry struct {
	Kind    Kind
	Stage   Stage
	Stable  bool // the orthogonal "no longer revocable" bit
	Bitmap  uint32
	Location      uint64 // data block index for KindBigWrite; NoBlock otherwise
	JournalSector uint64
	JournalOffset uint32 // byte offset of this record's header within JournalSector
	Length        uint32 // payload length for KindSmallWrite
}

const dirtyEntrySize = 1 + 1 + 1 + 1 + 4 + 8 + 8 + 4 + 4

func (e DirtyEntry) encode() []byte {
	buf := make([]byte, dirtyEntrySize)
	e.encodeInto(buf)
	return buf
}

func (e DirtyEntry) encodeInto(dst []byte) {
	dst[0] = byte(e.Kind)
	dst[1] = byte(e.Stage)
	if e.Stable {
		dst[2] = 1
	} else {
		dst[2] = 0
	}
	dst[3] = 0
	binary.LittleEndian.PutUint32(dst[4:8], e.Bitmap)
	binary.LittleEndian.PutUint64(dst[8:16], e.Location)
	binary.LittleEndian.PutUint64(dst[16:24], e.JournalSector)
	binary.LittleEndian.PutUint32(dst[24:28], e.JournalOffset)
	binary.LittleEndian.PutUint32(dst[28:32], e.Length)
}

func decodeDirtyEntry(src []byte) DirtyEntry {
	return DirtyEntry{
		Kind:          Kind(src[0]),
		Stage:         Stage(src[1]),
		Stable:        src[2] != 0,
		Bitmap:        binary.LittleEndian.Uint32(src[4:8]),
		Location:      binary.LittleEndian.Uint64(src[8:16]),
		JournalSector: binary.LittleEndian.Uint64(src[16:24]),
		JournalOffset: binary.LittleEndian.Uint32(src[24:28]),
		Length:        binary.LittleEndian.Uint32(src[28:32]),
	}
}

// DirtyDB is dirty_db: the ordered index of obj_ver_id to DirtyEntry,
// backed by internal/dirtyindex. Entries are logically erased by setting
// Stage to StageErased and physically reclaimed by Compact, since the
// underlying skiplist arena never unlinks a node once inserted (see
// internal/dirtyindex's Iterator doc).
type DirtyDB struct {
	idx      *dirtyindex.Index
	arenaCap uint

	// erasedSinceCompact counts Erase calls since the last Compact, so the
	// flusher can decide when reclaiming arena space is worth a full
	// rebuild rather than leaving erased nodes to accumulate.
	erasedSinceCompact int
}

// NewDirtyDB creates an empty DirtyDB with an arena of the given capacity
// in bytes.
func NewDirtyDB(arenaCap uint) *DirtyDB {
	return &DirtyDB{idx: dirtyindex.New(arenaCap), arenaCap: arenaCap}
}

// shouldCompact reports whether enough entries have been erased since the
// last Compact to justify rebuilding the index.
func (d *DirtyDB) shouldCompact() bool {
	return d.erasedSinceCompact >= 256
}

// Insert adds a new dirty entry. Returns ErrExists if an entry for key is
// already present (the write state machine's version assignment should
// make this unreachable in practice; it is still checked since a caller-
// supplied, out-of-band version could collide).
func (d *DirtyDB) Insert(key base.ObjVerID, e DirtyEntry) error {
	if err := d.idx.Add(key, e.encode()); err != nil {
		return fmt.Errorf("%w: %s", ErrExists, err)
	}
	return nil
}

// Get returns the entry for key and whether a non-erased entry was found.
func (d *DirtyDB) Get(key base.ObjVerID) (DirtyEntry, bool) {
	it := d.idx.NewIterator()
	if !it.SeekGE(key) || it.Key() != key {
		return DirtyEntry{}, false
	}
	e := decodeDirtyEntry(it.Value())
	if e.Stage == StageErased {
		return DirtyEntry{}, false
	}
	return e, true
}

// Mutate looks up key and, if present and not erased, applies fn to a copy
// of its entry and writes the result back in place (no new allocation).
func (d *DirtyDB) Mutate(key base.ObjVerID, fn func(*DirtyEntry)) bool {
	it := d.idx.NewIterator()
	if !it.SeekGE(key) || it.Key() != key {
		return false
	}
	e := decodeDirtyEntry(it.Value())
	if e.Stage == StageErased {
		return false
	}
	fn(&e)
	e.encodeInto(it.Value())
	return true
}

// Erase marks key's entry as erased; it is skipped by Versions/Iterator and
// reclaimed on the next Compact.
func (d *DirtyDB) Erase(key base.ObjVerID) bool {
	erased := d.Mutate(key, func(e *DirtyEntry) { e.Stage = StageErased })
	if erased {
		d.erasedSinceCompact++
	}
	return erased
}

// Iterator returns an iterator skipping erased entries, which Next/Prev
// callers therefore never observe.
func (d *DirtyDB) Iterator() *DirtyIterator {
	return &DirtyIterator{it: d.idx.NewIterator()}
}

// ObjectVersions returns the keys of every non-erased dirty entry for oid,
// in ascending version order, newest last. Used by the read path and the
// flusher to gather the chain of pending versions for one object.
func (d *DirtyDB) ObjectVersions(oid base.ObjectID) []base.ObjVerID {
	var out []base.ObjVerID
	it := d.Iterator()
	lo := base.ObjVerID{OID: oid, Version: 0}
	if !it.SeekGE(lo) {
		return nil
	}
	for {
		k := it.Key()
		if k.OID != oid {
			break
		}
		out = append(out, k)
		if !it.Next() {
			break
		}
	}
	return out
}

// Compact rebuilds the index, keeping only non-erased entries, reclaiming
// all space consumed by erased nodes. Callers must not hold a DirtyIterator
// across a call to Compact.
func (d *DirtyDB) Compact() {
	fresh := dirtyindex.New(d.arenaCap)
	it := d.idx.NewIterator()
	if it.First() {
		for {
			e := decodeDirtyEntry(it.Value())
			if e.Stage != StageErased {
				_ = fresh.Add(it.Key(), it.Value())
			}
			if !it.Next() {
				break
			}
		}
	}
	d.idx = fresh
	d.erasedSinceCompact = 0
}

// DirtyIterator wraps dirtyindex.Iterator, transparently skipping entries
// marked StageErased.
type DirtyIterator struct {
	it *dirtyindex.Iterator
}

func (d *DirtyIterator) First() bool    { return d.advanceFrom(d.it.First()) }
func (d *DirtyIterator) Next() bool     { return d.advanceFrom(d.it.Next()) }
func (d *DirtyIterator) SeekGE(k base.ObjVerID) bool { return d.advanceFrom(d.it.SeekGE(k)) }

func (d *DirtyIterator) advanceFrom(ok bool) bool {
	for ok {
		if decodeDirtyEntry(d.it.Value()).Stage != StageErased {
			return true
		}
		ok = d.it.Next()
	}
	return false
}

func (d *DirtyIterator) Key() base.ObjVerID   { return d.it.Key() }
func (d *DirtyIterator) Value() DirtyEntry    { return decodeDirtyEntry(d.it.Value()) }
