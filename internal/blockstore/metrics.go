package blockstore

import (
	"io"
	"math"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

// settableGauge is a metrics.Gauge backed by an atomically stored float64,
// since metrics.Gauge itself only exposes a read callback and has no Set
// method.
type settableGauge struct {
	bits uint64
}

func (g *settableGauge) Set(v float64) {
	atomic.StoreUint64(&g.bits, math.Float64bits(v))
}

func (g *settableGauge) Get() float64 {
	return math.Float64frombits(atomic.LoadUint64(&g.bits))
}

// metricsSet backs the out-of-core pull-based stats interface spec.md §6
// mentions ("the monitor reads... per-op latency counters exported via a
// pull-based stats interface"). It is a private metrics.Set rather than
// the global default set, so multiple Engine instances in one process (or
// in a test) do not collide on metric names. Only the three gauges are
// updated by the engine; the op counters and latency histograms are
// registered but no operation path records into them, so they stay zero.
type metricsSet struct {
	set *metrics.Set

	opsTotal      *metrics.Counter
	opErrorsTotal *metrics.Counter
	readLatency   *metrics.Histogram
	writeLatency  *metrics.Histogram
	syncLatency   *metrics.Histogram
	freeBlocks    *settableGauge
	journalFill   *settableGauge
	parkedOps     *settableGauge
}

func newMetricsSet(instanceID string) *metricsSet {
	set := metrics.NewSet()
	labels := `{engine="` + instanceID + `"}`

	m := &metricsSet{
		set:           set,
		opsTotal:      set.NewCounter("blockstore_ops_total" + labels),
		opErrorsTotal: set.NewCounter("blockstore_op_errors_total" + labels),
		readLatency:   set.NewHistogram("blockstore_read_latency_seconds" + labels),
		writeLatency:  set.NewHistogram("blockstore_write_latency_seconds" + labels),
		syncLatency:   set.NewHistogram("blockstore_sync_latency_seconds" + labels),
		freeBlocks:    &settableGauge{},
		journalFill:   &settableGauge{},
		parkedOps:     &settableGauge{},
	}
	set.NewGauge("blockstore_free_blocks"+labels, m.freeBlocks.Get)
	set.NewGauge("blockstore_journal_fill_ratio"+labels, m.journalFill.Get)
	set.NewGauge("blockstore_parked_ops"+labels, m.parkedOps.Get)
	return m
}

// WritePrometheus writes every registered metric in Prometheus exposition
// format, for an operator or the (out-of-scope) monitor to scrape.
func (e *Engine) WritePrometheus(w io.Writer) {
	e.metrics.set.WritePrometheus(w)
}
