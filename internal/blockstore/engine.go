// Package blockstore implements the core local storage engine: the
// write-ahead journal + metadata + data triad described by this module's
// specification. Engine.Run is the single-threaded cooperative scheduler
// that owns every mutable structure (allocator, clean_db, dirty_db,
// journal cursor); every other exported method only ever enqueues work for
// that goroutine to perform.
package blockstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/0x00ace/blockengine/internal/base"
	"github.com/0x00ace/blockengine/internal/region"
)

// Engine is the local block storage engine. Exactly one goroutine (the one
// running Run) ever touches alloc, clean, dirty, journal, or parked; every
// other method communicates with it over channels.
type Engine struct {
	cfg Config
	log *slog.Logger

	data *region.Region
	meta *region.MmapRegion

	journal *Journal
	alloc   *Allocator
	clean   *CleanDB
	dirty   *DirtyDB

	metrics *metricsSet

	submitCh     chan *Op
	completionCh chan func()
	sem          chan struct{}
	stopCh       chan struct{}
	stoppedCh    chan struct{}
	ioWG         sync.WaitGroup

	parked []*parkedOp

	// syncSeq/lastSyncDone implement prev_sync_count linear chaining
	// (spec.md §4.5): the Nth sync submitted may only invoke its callback
	// once the (N-1)th has.
	syncSeq      uint64
	lastSyncDone uint64
	pendingSync  map[uint64]*syncState

	// unstableSinceStabilize tracks every obj_ver_id that has reached
	// JOURNAL_SYNCED/META_SYNCED without yet being covered by a STABLE
	// record, for SYNC_STAB_ALL (spec.md §4.11/§4.12).
	unstableSinceStabilize []base.ObjVerID

	// flusherInFlight/flushing bound the number of concurrent metadata-
	// region writes to cfg.FlusherCount, this module's stand-in for a pool
	// of flusher_count cooperative actors (spec.md §4.8).
	flusherInFlight int
	flushing        map[base.ObjVerID]bool

	// freshFormat is true when Open found an unformatted metadata region
	// and wrote a new superblock + journal start record, in which case the
	// journal replay pass is skipped entirely.
	freshFormat bool
}

type parkedOp struct {
	op     *Op
	reason waitReason
	detail uint64
	// retry re-attempts dispatch for this parked op; it is a closure over
	// the specific state machine step that parked, rather than routing
	// back through dispatch's opcode switch, because a write op might park
	// mid-classification holding partially-computed state (e.g. an
	// assigned version).
	retry func() bool
}

// Open formats (if empty) or opens the three regions and starts the
// engine's internal bookkeeping. Recovery (initializer scan) is run by
// Open before returning, per spec.md §4.9; callers should not issue
// operations until Open returns successfully.
func Open(cfg Config, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	log = log.With("engine_id", cfg.InstanceID.String())

	data, err := region.Open(cfg.DataDevice, cfg.DataOffset+cfg.DataSize, int(cfg.BlockSize))
	if err != nil {
		return nil, fmt.Errorf("blockstore: open data region: %w", err)
	}
	meta, err := region.OpenMmap(cfg.MetaDevice, cfg.MetaOffset+cfg.MetaSize)
	if err != nil {
		_ = data.Close()
		return nil, fmt.Errorf("blockstore: open meta region: %w", err)
	}
	journalRegion, err := region.Open(cfg.JournalDevice, cfg.JournalOffset+cfg.JournalSize, int(cfg.JournalBlockSize))
	if err != nil {
		_ = data.Close()
		_ = meta.Close()
		return nil, fmt.Errorf("blockstore: open journal region: %w", err)
	}
	journal, err := NewJournal(journalRegion, cfg.JournalBlockSize, cfg.JournalSectorBufferCount)
	if err != nil {
		_ = data.Close()
		_ = meta.Close()
		_ = journalRegion.Close()
		return nil, err
	}

	blockCount := uint64(cfg.DataSize) / uint64(cfg.BlockSize)

	e := &Engine{
		cfg:          cfg,
		log:          log,
		data:         data,
		meta:         meta,
		journal:      journal,
		alloc:        NewAllocator(blockCount),
		clean:        NewCleanDB(),
		dirty:        NewDirtyDB(64 << 20),
		metrics:      newMetricsSet(cfg.InstanceID.String()),
		submitCh:     make(chan *Op, cfg.RingCapacity),
		completionCh: make(chan func(), cfg.RingCapacity),
		sem:          make(chan struct{}, cfg.RingCapacity),
		stopCh:       make(chan struct{}),
		stoppedCh:    make(chan struct{}),
		pendingSync:  make(map[uint64]*syncState),
		flushing:     make(map[base.ObjVerID]bool),
	}

	if err := e.recover(); err != nil {
		_ = e.closeRegions()
		return nil, fmt.Errorf("blockstore: recovery: %w", err)
	}

	return e, nil
}

// Submit enqueues op for processing on the Run goroutine. It is safe to
// call from any goroutine.
func (e *Engine) Submit(op *Op) {
	select {
	case e.submitCh <- op:
	case <-e.stopCh:
		op.finish(ErrClosed)
	}
}

// Run is the ring-submission loop: it alternates draining newly submitted
// ops (the "produce" phase) and applying completions of previously
// submitted async I/O (the "complete" phase) until ctx is cancelled or
// Close is called. It must run on its own goroutine; every other Engine
// method is safe to call concurrently with it.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stoppedCh)
	for {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()
		case <-e.stopCh:
			e.drain()
			return nil
		case op := <-e.submitCh:
			e.dispatch(op)
			e.retryParked()
			e.pumpFlusher()
		case fn := <-e.completionCh:
			fn()
			e.retryParked()
			e.pumpFlusher()
		}
	}
}

// Close signals Run to stop after draining in-flight I/O, then closes the
// regions. It blocks until Run has returned.
func (e *Engine) Close() error {
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
	<-e.stoppedCh
	e.ioWG.Wait()
	return e.closeRegions()
}

func (e *Engine) closeRegions() error {
	var result *multierror.Error
	if err := e.data.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close data region: %w", err))
	}
	if err := e.meta.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close meta region: %w", err))
	}
	if err := e.journal.region.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close journal region: %w", err))
	}
	return result.ErrorOrNil()
}

// drain fails every op still waiting in submitCh and every parked op with
// ErrClosed, matching is_safe_to_stop()'s requirement that nothing is left
// in flight across a restart.
func (e *Engine) drain() {
	for {
		select {
		case op := <-e.submitCh:
			op.finish(ErrClosed)
		default:
			for _, p := range e.parked {
				p.op.finish(ErrClosed)
			}
			e.parked = nil
			return
		}
	}
}

func (e *Engine) dispatch(op *Op) {
	if e.cfg.Readonly && op.Opcode != OpRead && op.Opcode != OpList {
		op.finish(ErrReadonly)
		return
	}
	switch op.Opcode {
	case OpRead:
		e.dispatchRead(op)
	case OpWrite, OpWriteStable, OpDelete:
		e.dispatchWrite(op)
	case OpSync:
		e.dispatchSync(op)
	case OpStable:
		e.dispatchStabilize(op, true)
	case OpRollback:
		e.dispatchStabilize(op, false)
	case OpList:
		e.dispatchList(op)
	case OpSyncStabAll:
		e.dispatchSyncStabAll(op)
	default:
		op.finish(fmt.Errorf("%w: unknown opcode %d", ErrInvalid, op.Opcode))
	}
}

// park records op as waiting on reason, to be retried by retryParked once
// that class of wait may have cleared.
func (e *Engine) park(op *Op, reason waitReason, detail uint64, retry func() bool) {
	op.waitReason = reason
	op.waitDetail = detail
	e.parked = append(e.parked, &parkedOp{op: op, reason: reason, detail: detail, retry: retry})
	e.metrics.parkedOps.Set(float64(len(e.parked)))
}

// retryParked re-evaluates every parked op, per spec.md §4.1: "the
// dispatcher re-evaluates every op whose wait reason may have cleared
// since the last pass." retry returns true if the op made progress and
// should be removed from the parked list; a retry may re-park the op on a
// different reason by calling park from inside retry, which appends a new
// parkedOp that is kept. retry returns false to leave p itself parked.
func (e *Engine) retryParked() {
	if len(e.parked) == 0 {
		return
	}
	pending := e.parked
	e.parked = nil
	for _, p := range pending {
		if p.retry() {
			continue
		}
		e.parked = append(e.parked, p)
	}
	e.metrics.parkedOps.Set(float64(len(e.parked)))
}

// submitIO launches work on its own goroutine under the ring's semaphore,
// and delivers its result back to the Run goroutine via completionCh as a
// zero-argument closure over onDone. This is the module's stand-in for an
// io_uring SQE: acquiring a semaphore slot is the "submit," the goroutine
// is the in-flight I/O, and the closure handed to completionCh is the
// per-entry completion callback of spec.md §4.1.
func (e *Engine) submitIO(work func() error, onDone func(error)) bool {
	select {
	case e.sem <- struct{}{}:
	default:
		return false
	}
	e.ioWG.Add(1)
	go func() {
		defer e.ioWG.Done()
		err := work()
		<-e.sem
		select {
		case e.completionCh <- func() { onDone(err) }:
		case <-e.stopCh:
		}
	}()
	return true
}

// fatal logs and panics the Run goroutine, matching spec.md §7's
// non-recoverable I/O failure / live CRC mismatch handling: "aborts the
// process... a restart triggers recovery from known-consistent state."
func (e *Engine) fatal(msg string, err error) {
	e.log.Error(msg, "error", err)
	panic(fmt.Errorf("blockstore: fatal: %s: %w", msg, err))
}
