package wire

import (
	"fmt"
	"time"
)

// Window is one finalized aggregation window as it appears on the export
// wire. Exactly one of the value groups is populated, selected by Kind.
type Window struct {
	// Name is the metric name.
	Name string
	// Labels is the label set the window is keyed by. May be nil.
	Labels map[string]string
	// Start and End bound the window [Start, End) in Unix nanoseconds.
	Start int64
	End   int64
	// Kind is the accumulator kind.
	Kind Kind
	// DedupKey lets downstream consumers drop repeated deliveries.
	DedupKey string

	// Counter value.
	CounterSum float64

	// Gauge value.
	GaugeValue     float64
	GaugeTimestamp int64

	// Histogram value. Bounds are upper bucket boundaries; Counts has
	// len(Bounds)+1 entries, the last being the overflow bucket.
	HistBounds []float64
	HistCounts []uint64
	HistCount  uint64
	HistSum    float64
}

// NewDedupKey builds the consumer-side deduplication key from the window
// identity and its end time.
func NewDedupKey(name, labelStr string, end int64) string {
	return fmt.Sprintf("%s|%s|%d", name, labelStr, end)
}

// Batch is an ordered sequence of finalized windows destined for one
// export attempt. A batch is never mutated after handoff to export.
type Batch struct {
	// CreatedAt is when the batch was assembled, Unix nanoseconds.
	CreatedAt int64
	// Windows are the finalized windows, in finalization order.
	Windows []Window
}

// NewBatch assembles a batch from finalized windows.
func NewBatch(windows []Window) *Batch {
	return &Batch{
		CreatedAt: time.Now().UnixNano(),
		Windows:   windows,
	}
}
