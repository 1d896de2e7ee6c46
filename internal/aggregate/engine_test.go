package aggregate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/observer/internal/wire"
)

type windowCollector struct {
	mu      sync.Mutex
	windows []wire.Window
}

func (c *windowCollector) emit(windows []wire.Window) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.windows = append(c.windows, windows...)
}

func (c *windowCollector) collected() []wire.Window {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]wire.Window, len(c.windows))
	copy(out, c.windows)

	return out
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *windowCollector, *time.Time) {
	t.Helper()

	collector := &windowCollector{}

	e, err := New(logrus.New(), cfg, nil, collector.emit)
	require.NoError(t, err)

	clock := time.Unix(0, 0)
	e.now = func() time.Time { return clock }

	return e, collector, &clock
}

func counterAt(name string, ts time.Duration, value float64) wire.Record {
	return wire.Record{
		Name:      name,
		Timestamp: ts.Nanoseconds(),
		Kind:      wire.KindCounter,
		Value:     value,
	}
}

func TestCounterWindowEndToEnd(t *testing.T) {
	cfg := Config{
		WindowDuration: 10 * time.Second,
		GracePeriod:    5 * time.Second,
	}

	e, collector, clock := newTestEngine(t, cfg)

	*clock = time.Unix(9, 0)

	e.apply(counterAt("requests", 1*time.Second, 1))
	e.apply(counterAt("requests", 4*time.Second, 1))
	e.apply(counterAt("requests", 9*time.Second, 1))

	// Window [0,10) is still open before its end.
	e.sweep(time.Unix(9, 0))
	assert.Empty(t, collector.collected())

	// Past the end but inside grace: finalizing, not yet exported.
	e.sweep(time.Unix(12, 0))
	assert.Empty(t, collector.collected())

	// Past end+grace: finalized exactly once.
	e.sweep(time.Unix(16, 0))

	windows := collector.collected()
	require.Len(t, windows, 1)

	w := windows[0]
	assert.Equal(t, "requests", w.Name)
	assert.Equal(t, int64(0), w.Start)
	assert.Equal(t, (10 * time.Second).Nanoseconds(), w.End)
	assert.Equal(t, wire.KindCounter, w.Kind)
	assert.Equal(t, 3.0, w.CounterSum)
	assert.Equal(t, wire.NewDedupKey("requests", "", w.End), w.DedupKey)

	// Nothing left to finalize.
	e.sweep(time.Unix(60, 0))
	assert.Len(t, collector.collected(), 1)
}

func TestLateRecordAcceptedDuringGrace(t *testing.T) {
	cfg := Config{
		WindowDuration: 10 * time.Second,
		GracePeriod:    5 * time.Second,
	}

	e, collector, clock := newTestEngine(t, cfg)

	*clock = time.Unix(9, 0)
	e.apply(counterAt("requests", 1*time.Second, 1))

	// The window has ended but its grace period has not elapsed.
	*clock = time.Unix(12, 0)
	e.sweep(time.Unix(12, 0))
	e.apply(counterAt("requests", 9*time.Second, 1))

	e.sweep(time.Unix(16, 0))

	windows := collector.collected()
	require.Len(t, windows, 1)
	assert.Equal(t, 2.0, windows[0].CounterSum)
}

func TestLateRecordDroppedAfterFinalize(t *testing.T) {
	cfg := Config{
		WindowDuration: 10 * time.Second,
		GracePeriod:    5 * time.Second,
	}

	e, collector, clock := newTestEngine(t, cfg)

	*clock = time.Unix(9, 0)
	e.apply(counterAt("requests", 1*time.Second, 1))

	*clock = time.Unix(16, 0)
	e.sweep(time.Unix(16, 0))
	require.Len(t, collector.collected(), 1)

	// A record for the finalized window must never resurrect it.
	e.apply(counterAt("requests", 2*time.Second, 1))
	e.sweep(time.Unix(30, 0))

	windows := collector.collected()
	require.Len(t, windows, 1)
	assert.Equal(t, 1.0, windows[0].CounterSum)
}

func TestDistinctLabelSetsGetDistinctWindows(t *testing.T) {
	cfg := Config{
		WindowDuration: 10 * time.Second,
		GracePeriod:    5 * time.Second,
	}

	e, collector, clock := newTestEngine(t, cfg)

	*clock = time.Unix(5, 0)

	a := counterAt("requests", 1*time.Second, 1)
	a.Labels = map[string]string{"method": "GET"}
	b := counterAt("requests", 1*time.Second, 5)
	b.Labels = map[string]string{"method": "POST"}

	e.apply(a)
	e.apply(b)

	e.sweep(time.Unix(16, 0))

	windows := collector.collected()
	require.Len(t, windows, 2)

	sums := map[string]float64{}
	for _, w := range windows {
		sums[wire.LabelString(w.Labels)] = w.CounterSum
	}

	assert.Equal(t, 1.0, sums["method=GET"])
	assert.Equal(t, 5.0, sums["method=POST"])
}

func TestForceFinalizeDrainsEverything(t *testing.T) {
	cfg := Config{
		WindowDuration: 10 * time.Second,
		GracePeriod:    5 * time.Second,
	}

	e, collector, clock := newTestEngine(t, cfg)

	*clock = time.Unix(1, 0)
	e.apply(counterAt("requests", 1*time.Second, 1))
	e.apply(counterAt("errors", 1*time.Second, 2))

	e.ForceFinalize()

	assert.Len(t, collector.collected(), 2)
	assert.Zero(t, e.activeWindows())
}

func TestEngineLifecycle(t *testing.T) {
	cfg := Config{
		WindowDuration: 10 * time.Second,
		GracePeriod:    5 * time.Second,
		Workers:        2,
		QueueSize:      16,
	}

	collector := &windowCollector{}

	e, err := New(logrus.New(), cfg, nil, collector.emit)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	now := time.Now().UnixNano()

	for i := 0; i < 10; i++ {
		r := wire.Record{
			Name:      "requests",
			Timestamp: now,
			Kind:      wire.KindCounter,
			Value:     1,
		}
		require.NoError(t, e.Enqueue(ctx, uint64(i), r))
	}

	// Stop drains the queues and force-finalizes the open window.
	require.NoError(t, e.Stop())

	windows := collector.collected()
	require.Len(t, windows, 1)
	assert.Equal(t, 10.0, windows[0].CounterSum)
}

func TestWindowStateTransitions(t *testing.T) {
	w := newWindow(
		Key{Name: "requests"},
		wire.Record{Name: "requests", Kind: wire.KindCounter, Value: 1},
		10,
		nil,
	)

	assert.Equal(t, StateOpen, w.State())

	w.beginFinalize()
	assert.Equal(t, StateFinalizing, w.State())

	// Finalizing windows still accept records.
	w.apply(wire.Record{Kind: wire.KindCounter, Value: 2})

	out := w.finalize()
	assert.Equal(t, StateFinalized, w.State())
	assert.Equal(t, 2.0, out.CounterSum)
}
