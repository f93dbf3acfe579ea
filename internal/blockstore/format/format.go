// Package format defines the bit-exact on-disk layouts shared by the
// metadata region, the journal region, and the data region: the
// superblock, packed clean entries, and journal record headers.
package format

import "encoding/binary"

// SuperblockMagic identifies this engine's metadata region layout. A region
// opened with a different magic is rejected rather than silently
// reinterpreted.
const SuperblockMagic = uint64(0x424c4b5354520001) // "BLKSTR\x00\x01"

// SuperblockSize is the on-disk size, in bytes, of the superblock record at
// offset 0 of the metadata region. It is always written in the first
// meta_block_size-sized block; the remainder of that block is zero-padded.
const SuperblockSize = 8 + 8 + 8 + 4 + 4 + 4

// Superblock is the fixed header at the start of the metadata region.
type Superblock struct {
	Zero              uint64 // always 0; guards against mounting a raw, unformatted region
	Magic             uint64
	Version           uint64
	MetaBlockSize     uint32
	DataBlockSize     uint32
	BitmapGranularity uint32
}

// Encode writes the superblock into a SuperblockSize-byte prefix of dst.
// dst must be at least SuperblockSize bytes.
func (s Superblock) Encode(dst []byte) {
	_ = dst[SuperblockSize-1]
	binary.LittleEndian.PutUint64(dst[0:8], s.Zero)
	binary.LittleEndian.PutUint64(dst[8:16], s.Magic)
	binary.LittleEndian.PutUint64(dst[16:24], s.Version)
	binary.LittleEndian.PutUint32(dst[24:28], s.MetaBlockSize)
	binary.LittleEndian.PutUint32(dst[28:32], s.DataBlockSize)
	binary.LittleEndian.PutUint32(dst[32:36], s.BitmapGranularity)
}

// DecodeSuperblock parses a SuperblockSize-byte prefix of src.
func DecodeSuperblock(src []byte) Superblock {
	_ = src[SuperblockSize-1]
	return Superblock{
		Zero:              binary.LittleEndian.Uint64(src[0:8]),
		Magic:             binary.LittleEndian.Uint64(src[8:16]),
		Version:           binary.LittleEndian.Uint64(src[16:24]),
		MetaBlockSize:     binary.LittleEndian.Uint32(src[24:28]),
		DataBlockSize:     binary.LittleEndian.Uint32(src[28:32]),
		BitmapGranularity: binary.LittleEndian.Uint32(src[32:36]),
	}
}

// CleanEntryHeaderSize is the fixed portion of a packed clean entry, before
// its two bitmap byte vectors.
const CleanEntryHeaderSize = 8 + 8 + 8 + 8 // inode, stripe, version, data block index

// CleanEntry is the packed, fixed-size record describing one stable
// object version in the metadata region. Size on disk is
// CleanEntryHeaderSize + 2*bitmapBytes, padded to MetaBlockSize by the
// caller.
type CleanEntry struct {
	Inode           uint64
	Stripe          uint64
	Version         uint64
	DataBlockIndex  uint64
	Bitmap          []byte // which bitmap_granularity ranges have ever been written
	ExtBitmap       []byte // opaque, equal length to Bitmap; owned by the network layer
}

// Size returns the encoded size of e given a bitmap byte length.
func Size(bitmapBytes uint32) uint32 {
	return CleanEntryHeaderSize + 2*bitmapBytes
}

// Encode serializes e into dst, which must be at least Size(len(e.Bitmap))
// bytes. Bitmap and ExtBitmap must have equal length.
func (e CleanEntry) Encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], e.Inode)
	binary.LittleEndian.PutUint64(dst[8:16], e.Stripe)
	binary.LittleEndian.PutUint64(dst[16:24], e.Version)
	binary.LittleEndian.PutUint64(dst[24:32], e.DataBlockIndex)
	off := CleanEntryHeaderSize
	copy(dst[off:off+len(e.Bitmap)], e.Bitmap)
	off += len(e.Bitmap)
	copy(dst[off:off+len(e.ExtBitmap)], e.ExtBitmap)
}

// DecodeCleanEntry parses a clean entry with the given bitmap byte length.
// The returned Bitmap/ExtBitmap slices alias src.
func DecodeCleanEntry(src []byte, bitmapBytes uint32) CleanEntry {
	e := CleanEntry{
		Inode:          binary.LittleEndian.Uint64(src[0:8]),
		Stripe:         binary.LittleEndian.Uint64(src[8:16]),
		Version:        binary.LittleEndian.Uint64(src[16:24]),
		DataBlockIndex: binary.LittleEndian.Uint64(src[24:32]),
	}
	off := CleanEntryHeaderSize
	e.Bitmap = src[off : off+int(bitmapBytes) : off+int(bitmapBytes)]
	off += int(bitmapBytes)
	e.ExtBitmap = src[off : off+int(bitmapBytes) : off+int(bitmapBytes)]
	return e
}

// IsEmpty reports whether a freshly zeroed metadata block should be treated
// as an unoccupied slot rather than a clean entry for object/version 0,
// which is never a valid object id in this engine (inode 0 is reserved).
func (e CleanEntry) IsEmpty() bool {
	return e.Inode == 0 && e.Stripe == 0 && e.Version == 0 && e.DataBlockIndex == 0
}
