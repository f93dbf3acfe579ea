package blockengine

import "github.com/0x00ace/blockengine/internal/blockstore"

// Config and Option mirror the teacher's functional-option pattern
// (pkg/options.go's OptionFunc over *db.DB), generalized here to the
// three-region, fixed-geometry configuration the engine needs.
type (
	Config          = blockstore.Config
	Option          = blockstore.Option
	ImmediateCommit = blockstore.ImmediateCommit
)

const (
	ImmediateCommitNone  = blockstore.ImmediateCommitNone
	ImmediateCommitSmall = blockstore.ImmediateCommitSmall
	ImmediateCommitAll   = blockstore.ImmediateCommitAll
)

var (
	WithDataRegion              = blockstore.WithDataRegion
	WithMetaRegion              = blockstore.WithMetaRegion
	WithJournalRegion           = blockstore.WithJournalRegion
	WithGeometry                = blockstore.WithGeometry
	WithDiskAlignment           = blockstore.WithDiskAlignment
	WithFlusherCount            = blockstore.WithFlusherCount
	WithJournalSectorBufferCount = blockstore.WithJournalSectorBufferCount
	WithReadonly                = blockstore.WithReadonly
	WithImmediateCommit         = blockstore.WithImmediateCommit
	WithRingCapacity            = blockstore.WithRingCapacity
	WithAllowLegacySuperblock   = blockstore.WithAllowLegacySuperblock

	NewConfig     = blockstore.NewConfig
	DefaultConfig = blockstore.DefaultConfig
)
