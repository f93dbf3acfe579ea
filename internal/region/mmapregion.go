package region

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// MmapRegion memory-maps a fixed-size file for the metadata region, so the
// flusher's read-modify-write of a single clean entry and the
// initializer's sequential scan both operate on plain byte slices instead
// of paying a syscall per metadata block. Grounded on the pack's only
// mmap-backed region readers (weaviate's mmap helper and its lsmkv content
// reader).
type MmapRegion struct {
	file *os.File
	data mmap.MMap
}

// OpenMmap opens path, extends it to size if necessary, and maps it
// read-write.
func OpenMmap(path string, size int64) (*MmapRegion, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("mmapregion: open %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmapregion: truncate %s: %w", path, err)
	}

	m, err := mmap.MapRegion(f, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmapregion: mmap %s: %w", path, err)
	}

	return &MmapRegion{file: f, data: m}, nil
}

// Bytes returns the full mapped region. Writes into the returned slice are
// visible to other mappings only after Sync.
func (m *MmapRegion) Bytes() []byte { return m.data }

// At returns the size-byte slice of the mapped region starting at off.
func (m *MmapRegion) At(off, size int64) []byte {
	return m.data[off : off+size : off+size]
}

// Sync flushes dirty mapped pages to the backing file.
func (m *MmapRegion) Sync() error {
	if err := m.data.Flush(); err != nil {
		return fmt.Errorf("mmapregion: flush: %w", err)
	}
	return nil
}

// Close unmaps the region and closes its file descriptor.
func (m *MmapRegion) Close() error {
	if err := m.data.Unmap(); err != nil {
		_ = m.file.Close()
		return fmt.Errorf("mmapregion: unmap: %w", err)
	}
	return m.file.Close()
}
