package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/observer/internal/wire"
)

func TestCounterSumsOrderIndependent(t *testing.T) {
	values := []float64{1, 2.5, 0, 7}

	forward := &counterAccumulator{}
	for _, v := range values {
		forward.Apply(wire.Record{Kind: wire.KindCounter, Value: v})
	}

	backward := &counterAccumulator{}
	for i := len(values) - 1; i >= 0; i-- {
		backward.Apply(wire.Record{Kind: wire.KindCounter, Value: values[i]})
	}

	var a, b wire.Window
	forward.Fill(&a)
	backward.Fill(&b)

	assert.Equal(t, 10.5, a.CounterSum)
	assert.Equal(t, a.CounterSum, b.CounterSum)
}

func TestGaugeHighestTimestampWins(t *testing.T) {
	acc := &gaugeAccumulator{}

	acc.Apply(wire.Record{Kind: wire.KindGauge, Timestamp: 200, Value: 2})
	acc.Apply(wire.Record{Kind: wire.KindGauge, Timestamp: 100, Value: 1})

	var w wire.Window
	acc.Fill(&w)

	assert.Equal(t, 2.0, w.GaugeValue)
	assert.Equal(t, int64(200), w.GaugeTimestamp)
}

func TestGaugeEqualTimestampLastWriteWins(t *testing.T) {
	acc := &gaugeAccumulator{}

	acc.Apply(wire.Record{Kind: wire.KindGauge, Timestamp: 100, Value: 1})
	acc.Apply(wire.Record{Kind: wire.KindGauge, Timestamp: 100, Value: 9})

	var w wire.Window
	acc.Fill(&w)

	assert.Equal(t, 9.0, w.GaugeValue)
}

func TestHistogramBucketing(t *testing.T) {
	bounds := []float64{0.1, 1, 10}
	acc := newHistogramAccumulator(bounds)

	for _, v := range []float64{0.05, 0.1, 0.5, 1, 5, 100} {
		acc.Apply(wire.Record{Kind: wire.KindHistogram, Value: v})
	}

	var w wire.Window
	acc.Fill(&w)

	// Values on a boundary land in the bucket whose bound equals them;
	// the final slot is the overflow bucket.
	assert.Equal(t, []uint64{2, 2, 1, 1}, w.HistCounts)
	assert.Equal(t, uint64(6), w.HistCount)
	assert.InDelta(t, 106.65, w.HistSum, 1e-9)
	assert.Equal(t, bounds, w.HistBounds)
}

func TestNewAccumulatorByKind(t *testing.T) {
	require.IsType(t, &counterAccumulator{}, NewAccumulator(wire.KindCounter, nil))
	require.IsType(t, &gaugeAccumulator{}, NewAccumulator(wire.KindGauge, nil))
	require.IsType(
		t,
		&histogramAccumulator{},
		NewAccumulator(wire.KindHistogram, DefaultHistogramBoundaries),
	)
	assert.Nil(t, NewAccumulator(wire.Kind(99), nil))
}
