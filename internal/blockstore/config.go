package blockstore

import (
	"fmt"

	"github.com/google/uuid"
)

// ImmediateCommit selects which write kinds the engine auto-syncs after,
// making an explicit SYNC a no-op for the covered kinds.
type ImmediateCommit int

const (
	ImmediateCommitNone ImmediateCommit = iota
	ImmediateCommitSmall
	ImmediateCommitAll
)

// Config is the flat key/value set spec.md §6 describes, plus the fields
// this Go translation of the ring needs (RingCapacity). NewConfig starts
// from DefaultConfig, which pre-fills the block, metadata, journal and
// bitmap geometry; region devices, offsets and sizes have no default and
// must be set by an Option, matching the teacher's functional-option
// pattern (pkg/options.go's OptionFunc) generalized from a single DB knob
// to a full region geometry.
type Config struct {
	DataDevice, MetaDevice, JournalDevice string
	DataOffset, MetaOffset, JournalOffset int64
	DataSize, MetaSize, JournalSize       int64

	BlockSize        uint32 // data block size
	MetaBlockSize    uint32
	JournalBlockSize uint32

	BitmapGranularity uint32
	DiskAlignment     uint32

	FlusherCount             int
	JournalSectorBufferCount int

	Readonly        bool
	ImmediateCommit ImmediateCommit

	// RingCapacity bounds the number of concurrently in-flight async I/Os,
	// this module's stand-in for spec.md §4.1's bounded SQE pool.
	RingCapacity int

	// InstanceID stamps this Engine instance in its log lines and metric
	// labels; it is not written to disk. Generated automatically if zero.
	InstanceID uuid.UUID

	// AllowLegacySuperblock opts into accepting the historical
	// smaller-clean-entry superblock format (spec.md §9's first Open
	// Question). Default false: unrecognized/legacy formats are rejected.
	AllowLegacySuperblock bool
}

// Option mutates a Config being built by Open. Mirrors the teacher's
// OptionFunc pattern (boulder/pkg/options.go), specialized to Config
// instead of *db.DB.
type Option func(*Config)

func WithDataRegion(device string, offset, size int64) Option {
	return func(c *Config) { c.DataDevice, c.DataOffset, c.DataSize = device, offset, size }
}

func WithMetaRegion(device string, offset, size int64) Option {
	return func(c *Config) { c.MetaDevice, c.MetaOffset, c.MetaSize = device, offset, size }
}

func WithJournalRegion(device string, offset, size int64) Option {
	return func(c *Config) { c.JournalDevice, c.JournalOffset, c.JournalSize = device, offset, size }
}

func WithGeometry(blockSize, metaBlockSize, journalBlockSize, bitmapGranularity uint32) Option {
	return func(c *Config) {
		c.BlockSize = blockSize
		c.MetaBlockSize = metaBlockSize
		c.JournalBlockSize = journalBlockSize
		c.BitmapGranularity = bitmapGranularity
	}
}

func WithDiskAlignment(alignment uint32) Option {
	return func(c *Config) { c.DiskAlignment = alignment }
}

func WithFlusherCount(n int) Option {
	return func(c *Config) { c.FlusherCount = n }
}

func WithJournalSectorBufferCount(n int) Option {
	return func(c *Config) { c.JournalSectorBufferCount = n }
}

func WithReadonly() Option {
	return func(c *Config) { c.Readonly = true }
}

func WithImmediateCommit(mode ImmediateCommit) Option {
	return func(c *Config) { c.ImmediateCommit = mode }
}

func WithRingCapacity(n int) Option {
	return func(c *Config) { c.RingCapacity = n }
}

func WithAllowLegacySuperblock() Option {
	return func(c *Config) { c.AllowLegacySuperblock = true }
}

// DefaultConfig returns a Config with every knob that has a sane default
// pre-filled, geometry included; region devices, offsets and sizes still
// must be supplied via Options.
func DefaultConfig() Config {
	return Config{
		BlockSize:                131072,
		MetaBlockSize:            4096,
		JournalBlockSize:         512,
		BitmapGranularity:        4096,
		DiskAlignment:            512,
		FlusherCount:             4,
		JournalSectorBufferCount: 32,
		RingCapacity:             256,
		ImmediateCommit:          ImmediateCommitNone,
	}
}

// NewConfig applies opts over DefaultConfig, stamps an InstanceID if none
// was set, and validates the result.
func NewConfig(opts ...Option) (Config, error) {
	c := DefaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	if c.InstanceID == uuid.Nil {
		c.InstanceID = uuid.New()
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	if c.DataDevice == "" || c.MetaDevice == "" || c.JournalDevice == "" {
		return fmt.Errorf("%w: data, meta, and journal device paths are required", ErrInvalid)
	}
	if c.BlockSize == 0 || c.MetaBlockSize == 0 || c.JournalBlockSize == 0 {
		return fmt.Errorf("%w: block sizes must be non-zero", ErrInvalid)
	}
	if c.BitmapGranularity == 0 || c.BlockSize%c.BitmapGranularity != 0 {
		return fmt.Errorf("%w: bitmap_granularity must divide block_size", ErrInvalid)
	}
	if c.DiskAlignment == 0 || c.BlockSize%c.DiskAlignment != 0 {
		return fmt.Errorf("%w: disk_alignment must divide block_size", ErrInvalid)
	}
	if c.DataSize <= 0 || c.MetaSize <= 0 || c.JournalSize <= 0 {
		return fmt.Errorf("%w: region sizes must be positive", ErrInvalid)
	}
	if c.FlusherCount <= 0 {
		return fmt.Errorf("%w: flusher_count must be positive", ErrInvalid)
	}
	if c.JournalSectorBufferCount <= 0 {
		return fmt.Errorf("%w: journal_sector_buffer_count must be positive", ErrInvalid)
	}
	if c.RingCapacity <= 0 {
		return fmt.Errorf("%w: ring capacity must be positive", ErrInvalid)
	}
	// BitmapBits is the number of bitmap_granularity sub-ranges per block;
	// the fixed-width dirty entry encoding packs it into a uint32, so a
	// block carved finer than 32 sub-ranges would silently lose bits.
	if c.BlockSize/c.BitmapGranularity > 32 {
		return fmt.Errorf("%w: block_size/bitmap_granularity must be <= 32", ErrInvalid)
	}
	return nil
}

// BitmapBits returns the number of bitmap_granularity sub-ranges per data
// block.
func (c Config) BitmapBits() uint32 {
	return c.BlockSize / c.BitmapGranularity
}

// BitmapBytes returns the packed byte length of a clean entry's bitmap.
func (c Config) BitmapBytes() uint32 {
	return (c.BitmapBits() + 7) / 8
}
