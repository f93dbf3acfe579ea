// Package region wraps a direct-I/O file descriptor into the fixed-size,
// block-aligned reads and writes that the data and journal regions need.
// It is adapted from the teacher's direct-I/O Writer: the same
// open-with-directio, pad-to-block-size shape, generalized to support
// random-offset reads as well as sequential appends.
package region

import (
	"fmt"
	"os"

	"github.com/ncw/directio"
)

// Region is a fixed-size byte range of a block device or file, accessed
// through O_DIRECT so that the engine's own fsync calls are the only
// source of durability truth; the kernel page cache is bypassed.
type Region struct {
	file      *os.File
	blockSize int
	size      int64
}

// Open opens path for direct I/O. size is the logical size in bytes of the
// region; the underlying file is extended to at least that size if it is
// shorter. blockSize must be a multiple of the platform's direct-I/O
// alignment (directio.AlignSize); writes are padded up to it, and reads
// must already be a multiple of it.
func Open(path string, size int64, blockSize int) (*Region, error) {
	f, err := directio.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("region: open %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("region: truncate %s: %w", path, err)
	}
	return &Region{file: f, blockSize: blockSize, size: size}, nil
}

// Size returns the logical size of the region in bytes.
func (r *Region) Size() int64 { return r.size }

// BlockSize returns the alignment unit reads and writes are padded to.
func (r *Region) BlockSize() int { return r.blockSize }

// ReadAt reads exactly len(buf) bytes starting at off. buf's length must be
// a multiple of BlockSize(); callers that need a non-aligned range read
// into an aligned buffer and slice the result themselves.
func (r *Region) ReadAt(buf []byte, off int64) error {
	if len(buf)%r.blockSize != 0 {
		return fmt.Errorf("region: read length %d is not a multiple of block size %d", len(buf), r.blockSize)
	}
	n, err := r.file.ReadAt(buf, off)
	if err != nil {
		return fmt.Errorf("region: read at %d: %w", off, err)
	}
	if n != len(buf) {
		return fmt.Errorf("region: short read at %d: got %d want %d", off, n, len(buf))
	}
	return nil
}

// WriteAt writes buf at off. Unlike the teacher's sequential Writer, a
// region write is always to a caller-chosen offset (a data block index or
// a journal sector), so there is no implicit append cursor; if len(buf) is
// not block-aligned the remainder is padded with zeros exactly as the
// teacher's Writer pads a trailing partial block.
func (r *Region) WriteAt(buf []byte, off int64) error {
	rem := len(buf) % r.blockSize
	if rem == 0 {
		n, err := r.file.WriteAt(buf, off)
		if err != nil {
			return fmt.Errorf("region: write at %d: %w", off, err)
		}
		if n != len(buf) {
			return fmt.Errorf("region: short write at %d: wrote %d want %d", off, n, len(buf))
		}
		return nil
	}

	padded := directio.AlignedBlock(len(buf) - rem + r.blockSize)
	copy(padded, buf)
	n, err := r.file.WriteAt(padded, off)
	if err != nil {
		return fmt.Errorf("region: write at %d: %w", off, err)
	}
	if n != len(padded) {
		return fmt.Errorf("region: short write at %d: wrote %d want %d", off, n, len(padded))
	}
	return nil
}

// Sync fsyncs the region's file descriptor, the durability boundary every
// write and sync state machine in this engine depends on.
func (r *Region) Sync() error {
	if err := r.file.Sync(); err != nil {
		return fmt.Errorf("region: fsync: %w", err)
	}
	return nil
}

// Close closes the underlying file descriptor.
func (r *Region) Close() error {
	return r.file.Close()
}

// AlignedBuffer returns a zeroed, direct-I/O aligned buffer of n bytes,
// rounded up to the region's block size.
func AlignedBuffer(n, blockSize int) []byte {
	if n%blockSize != 0 {
		n += blockSize - n%blockSize
	}
	return directio.AlignedBlock(n)
}
