// Package blockengine is the public entry point to the local block
// storage engine: a thin wrapper over internal/blockstore.Engine that
// starts and stops its Run loop for the caller and exposes a small set of
// blocking convenience methods alongside the raw async Op interface for
// callers that want to pipeline many operations themselves.
package blockengine

import (
	"context"
	"io"
	"log/slog"

	"github.com/0x00ace/blockengine/internal/blockstore"
)

// Engine owns a background goroutine running the underlying state
// machine's Run loop; Close stops it and releases the backing regions.
type Engine struct {
	e      *blockstore.Engine
	cancel context.CancelFunc
	done   chan struct{}
}

// Open formats (if empty) or opens the data, metadata, and journal regions
// described by cfg, replays recovery, and starts the engine's Run loop on
// its own goroutine. The returned Engine is ready to accept operations.
func Open(cfg Config, log *slog.Logger) (*Engine, error) {
	inner, err := blockstore.Open(cfg, log)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	eng := &Engine{e: inner, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(eng.done)
		_ = inner.Run(ctx)
	}()
	return eng, nil
}

// Close stops the Run loop after draining in-flight I/O and closes the
// backing regions. It blocks until shutdown completes.
func (eng *Engine) Close() error {
	eng.cancel()
	<-eng.done
	return eng.e.Close()
}

// Submit enqueues op for asynchronous processing; op.Callback fires on the
// engine's Run goroutine once it completes. Safe to call concurrently with
// any other Engine method.
func (eng *Engine) Submit(op *Op) {
	eng.e.Submit(op)
}

// WritePrometheus writes the engine's metrics in Prometheus exposition
// format.
func (eng *Engine) WritePrometheus(w io.Writer) {
	eng.e.WritePrometheus(w)
}
