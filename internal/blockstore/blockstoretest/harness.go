// Package blockstoretest is a tmpfs-backed harness standing in for real
// block devices in tests: small, fast-to-format regions plus the
// boilerplate of starting and stopping an Engine's Run loop, so each
// _test.go file only states the geometry it cares about.
package blockstoretest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/0x00ace/blockengine/internal/blockstore"
)

// opTimeout bounds how long Submit waits for a callback before failing the
// test; every state machine in this package only ever blocks on local
// disk I/O, which should never take anywhere near this long.
const opTimeout = 5 * time.Second

// Default geometry: small enough to format instantly, large enough to
// hold a handful of full-block writes and a meaningful journal.
const (
	BlockSize  = 131072
	MetaBlock  = 4096
	SectorSize = 512
	Granularity = 4096
)

// Config builds a blockstore.Config over three file-backed regions inside
// dir, which the caller controls so it can be reused across an
// Open/Close/Open recovery round-trip.
func Config(t *testing.T, dir string, opts ...blockstore.Option) blockstore.Config {
	t.Helper()
	base := []blockstore.Option{
		blockstore.WithDataRegion(filepath.Join(dir, "data.img"), 0, 16*BlockSize),
		blockstore.WithMetaRegion(filepath.Join(dir, "meta.img"), 0, 256*MetaBlock),
		blockstore.WithJournalRegion(filepath.Join(dir, "journal.img"), 0, 64*SectorSize),
		blockstore.WithGeometry(BlockSize, MetaBlock, SectorSize, Granularity),
		blockstore.WithDiskAlignment(SectorSize),
		blockstore.WithFlusherCount(2),
		blockstore.WithJournalSectorBufferCount(8),
		blockstore.WithRingCapacity(32),
	}
	cfg, err := blockstore.NewConfig(append(base, opts...)...)
	require.NoError(t, err)
	return cfg
}

// Open builds a Config in a fresh t.TempDir(), opens an Engine over it,
// starts its Run loop, and registers cleanup to Close it when the test
// ends.
func Open(t *testing.T, opts ...blockstore.Option) *blockstore.Engine {
	t.Helper()
	return OpenIn(t, t.TempDir(), opts...)
}

// OpenIn is Open over a caller-supplied directory, for tests that need to
// reopen the same regions (e.g. a recovery round-trip).
func OpenIn(t *testing.T, dir string, opts ...blockstore.Option) *blockstore.Engine {
	t.Helper()
	e, err := blockstore.Open(Config(t, dir, opts...), nil)
	require.NoError(t, err)
	Run(t, e)
	return e
}

// Run starts e's Run loop on its own goroutine and registers cleanup to
// Close it when the test ends.
func Run(t *testing.T, e *blockstore.Engine) {
	t.Helper()
	go func() { _ = e.Run(context.Background()) }()
	t.Cleanup(func() { require.NoError(t, e.Close()) })
}

// Submit runs op through e and blocks until its callback fires, or fails
// the test after opTimeout.
func Submit(t *testing.T, e *blockstore.Engine, op *blockstore.Op) *blockstore.Op {
	t.Helper()
	done := make(chan struct{})
	userCB := op.Callback
	op.Callback = func(o *blockstore.Op) {
		if userCB != nil {
			userCB(o)
		}
		close(done)
	}
	e.Submit(op)
	select {
	case <-done:
	case <-time.After(opTimeout):
		t.Fatal("op did not complete in time")
	}
	return op
}

func BlockOf(b byte, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}
