package aggregate

import (
	"sort"

	"github.com/ethpandaops/observer/internal/wire"
)

// Accumulator is the per-window combining state for one record kind.
// Accumulators are mutated only under the owning shard's lock.
type Accumulator interface {
	// Apply folds one record into the accumulator.
	Apply(r wire.Record)
	// Fill writes the accumulated value into an export window.
	Fill(w *wire.Window)
}

// NewAccumulator returns the accumulator for the given kind. Histogram
// boundaries are captured at creation and never change.
func NewAccumulator(kind wire.Kind, bounds []float64) Accumulator {
	switch kind {
	case wire.KindCounter:
		return &counterAccumulator{}
	case wire.KindGauge:
		return &gaugeAccumulator{}
	case wire.KindHistogram:
		return newHistogramAccumulator(bounds)
	default:
		return nil
	}
}

// counterAccumulator sums deltas. The result is independent of
// application order.
type counterAccumulator struct {
	sum float64
}

func (a *counterAccumulator) Apply(r wire.Record) {
	a.sum += r.Value
}

func (a *counterAccumulator) Fill(w *wire.Window) {
	w.CounterSum = a.sum
}

// gaugeAccumulator retains the last value. Highest timestamp wins;
// equal timestamps resolve by arrival order, last write wins.
type gaugeAccumulator struct {
	value     float64
	timestamp int64
	seen      bool
}

func (a *gaugeAccumulator) Apply(r wire.Record) {
	if a.seen && r.Timestamp < a.timestamp {
		return
	}

	a.value = r.Value
	a.timestamp = r.Timestamp
	a.seen = true
}

func (a *gaugeAccumulator) Fill(w *wire.Window) {
	w.GaugeValue = a.value
	w.GaugeTimestamp = a.timestamp
}

// histogramAccumulator maintains bucketed counts over a fixed boundary
// set. counts has one extra slot for the overflow bucket.
type histogramAccumulator struct {
	bounds []float64
	counts []uint64
	count  uint64
	sum    float64
}

func newHistogramAccumulator(bounds []float64) *histogramAccumulator {
	return &histogramAccumulator{
		bounds: bounds,
		counts: make([]uint64, len(bounds)+1),
	}
}

func (a *histogramAccumulator) Apply(r wire.Record) {
	// First bucket with bound >= value; len(bounds) is the overflow slot.
	idx := sort.SearchFloat64s(a.bounds, r.Value)
	a.counts[idx]++
	a.count++
	a.sum += r.Value
}

func (a *histogramAccumulator) Fill(w *wire.Window) {
	w.HistBounds = a.bounds
	w.HistCounts = a.counts
	w.HistCount = a.count
	w.HistSum = a.sum
}
