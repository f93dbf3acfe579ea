package format

import "encoding/binary"

// RecordType tags a journal record. It is the first byte of every record.
type RecordType uint8

const (
	RecordStart          RecordType = iota // the very first sector; carries the CRC seed only
	RecordSmallWrite                       // header + inline data bytes
	RecordSmallWriteInstant
	RecordBigWrite // header referencing a data_block_index
	RecordBigWriteInstant
	RecordDelete   // tombstone
	RecordStable   // decision: obj_ver_ids become non-revocable
	RecordRollback // decision: obj_ver_ids are discarded
)

// RecordHeaderSize is the fixed portion preceding type-specific payload:
// the chained CRC and the record type tag.
const RecordHeaderSize = 4 + 1

// WriteRecordHeaderSize is the fixed portion of a SMALL_WRITE/BIG_WRITE/
// DELETE record following RecordHeaderSize.
const WriteRecordHeaderSize = 8 + 8 + 8 + 4 + 4 // inode, stripe, version, offset, len

// WriteRecordHeader is the common header for SMALL_WRITE, BIG_WRITE, and
// DELETE records.
type WriteRecordHeader struct {
	Inode   uint64
	Stripe  uint64
	Version uint64
	Offset  uint32
	Len     uint32
}

func (h WriteRecordHeader) Encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], h.Inode)
	binary.LittleEndian.PutUint64(dst[8:16], h.Stripe)
	binary.LittleEndian.PutUint64(dst[16:24], h.Version)
	binary.LittleEndian.PutUint32(dst[24:28], h.Offset)
	binary.LittleEndian.PutUint32(dst[28:32], h.Len)
}

func DecodeWriteRecordHeader(src []byte) WriteRecordHeader {
	return WriteRecordHeader{
		Inode:   binary.LittleEndian.Uint64(src[0:8]),
		Stripe:  binary.LittleEndian.Uint64(src[8:16]),
		Version: binary.LittleEndian.Uint64(src[16:24]),
		Offset:  binary.LittleEndian.Uint32(src[24:28]),
		Len:     binary.LittleEndian.Uint32(src[28:32]),
	}
}

// BigWriteRecordSize is WriteRecordHeaderSize plus the 8-byte data block
// index a BIG_WRITE record references.
const BigWriteRecordSize = WriteRecordHeaderSize + 8

// ListHeaderSize is the fixed portion of a STABLE/ROLLBACK record: a count
// of obj_ver_id entries that follow, each ObjVerEntrySize bytes.
const ListHeaderSize = 4

// ObjVerEntrySize is the encoded size of one obj_ver_id inside a STABLE or
// ROLLBACK record's list.
const ObjVerEntrySize = 8 + 8 + 8

func EncodeObjVerEntry(dst []byte, inode, stripe, version uint64) {
	binary.LittleEndian.PutUint64(dst[0:8], inode)
	binary.LittleEndian.PutUint64(dst[8:16], stripe)
	binary.LittleEndian.PutUint64(dst[16:24], version)
}

func DecodeObjVerEntry(src []byte) (inode, stripe, version uint64) {
	return binary.LittleEndian.Uint64(src[0:8]),
		binary.LittleEndian.Uint64(src[8:16]),
		binary.LittleEndian.Uint64(src[16:24])
}
