// Package aggregate buckets decoded telemetry records into time windows
// keyed by metric identity and combines them with kind-specific
// accumulators.
package aggregate

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/observer/internal/export"
	"github.com/ethpandaops/observer/internal/wire"
)

// numShards partitions the window map so distinct windows can be
// mutated concurrently while any single window stays under exclusion.
const numShards = 16

// EmitFunc receives finalized windows. Called outside all shard locks.
type EmitFunc func(windows []wire.Window)

type shard struct {
	mu      sync.Mutex
	windows map[Key]*Window
}

// Engine is the streaming aggregation core. Records enter through
// Enqueue, partitioned by connection so per-connection receipt order is
// preserved; a sweeper goroutine advances window states on a timer.
type Engine struct {
	log    logrus.FieldLogger
	cfg    Config
	health *export.HealthMetrics
	emit   EmitFunc

	queues []chan wire.Record
	shards [numShards]shard

	eg        *errgroup.Group
	cancel    context.CancelFunc
	sweepDone chan struct{}
	closeOnce sync.Once

	// now is swappable for tests.
	now func() time.Time
}

// New creates an aggregation engine. Finalized windows are handed to
// emit in finalization order.
func New(
	log logrus.FieldLogger,
	cfg Config,
	health *export.HealthMetrics,
	emit EmitFunc,
) (*Engine, error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		log:       log.WithField("component", "aggregate"),
		cfg:       cfg,
		health:    health,
		emit:      emit,
		queues:    make([]chan wire.Record, cfg.Workers),
		sweepDone: make(chan struct{}),
		now:       time.Now,
	}

	for i := range e.queues {
		e.queues[i] = make(chan wire.Record, cfg.QueueSize)
	}

	for i := range e.shards {
		e.shards[i].windows = make(map[Key]*Window, 64)
	}

	return e, nil
}

// Start launches the worker pool and the finalization sweeper.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	e.eg, _ = errgroup.WithContext(ctx)

	for _, q := range e.queues {
		e.eg.Go(func() error {
			for r := range q {
				e.apply(r)
			}

			return nil
		})
	}

	go e.runSweeper(ctx)

	e.log.WithFields(logrus.Fields{
		"window":  e.cfg.WindowDuration,
		"grace":   e.cfg.GracePeriod,
		"workers": e.cfg.Workers,
	}).Info("Aggregation engine started")

	return nil
}

// Enqueue routes a record to the worker owning its connection
// partition. Blocks while the queue is full so the caller's connection
// read loop suspends; never drops a decoded record silently.
func (e *Engine) Enqueue(ctx context.Context, conn uint64, r wire.Record) error {
	q := e.queues[conn%uint64(len(e.queues))]

	select {
	case q <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains the inbound queues, stops the sweeper, and
// force-finalizes every remaining window. Callers must stop producers
// before calling Stop.
func (e *Engine) Stop() error {
	e.closeOnce.Do(func() {
		for _, q := range e.queues {
			close(q)
		}
	})

	if e.eg != nil {
		_ = e.eg.Wait()
	}

	if e.cancel != nil {
		e.cancel()
		<-e.sweepDone
	}

	e.ForceFinalize()

	return nil
}

// ForceFinalize finalizes all Open and Finalizing windows immediately
// and emits them. Used at shutdown so nothing is lost.
func (e *Engine) ForceFinalize() {
	out := make([]wire.Window, 0, 64)

	for i := range e.shards {
		s := &e.shards[i]

		s.mu.Lock()

		for key, w := range s.windows {
			out = append(out, w.finalize())
			delete(s.windows, key)
		}

		s.mu.Unlock()
	}

	e.finishSweep(out)
}

func (e *Engine) runSweeper(ctx context.Context) {
	defer close(e.sweepDone)

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(e.now())
		}
	}
}

// sweep advances window states: Open -> Finalizing once the window's
// end has passed, Finalizing -> Finalized once the grace period has
// also elapsed. Finalized windows leave the active set.
func (e *Engine) sweep(now time.Time) {
	nowNs := now.UnixNano()
	graceNs := e.cfg.GracePeriod.Nanoseconds()

	out := make([]wire.Window, 0, 16)

	for i := range e.shards {
		s := &e.shards[i]

		s.mu.Lock()

		for key, w := range s.windows {
			switch w.state {
			case StateOpen:
				if nowNs >= w.end {
					w.beginFinalize()
				}

				// Short windows can pass both thresholds in
				// one sweep.
				if w.state == StateFinalizing && nowNs >= w.end+graceNs {
					out = append(out, w.finalize())
					delete(s.windows, key)
				}
			case StateFinalizing:
				if nowNs >= w.end+graceNs {
					out = append(out, w.finalize())
					delete(s.windows, key)
				}
			}
		}

		s.mu.Unlock()
	}

	e.finishSweep(out)
}

func (e *Engine) finishSweep(out []wire.Window) {
	if e.health != nil {
		e.health.WindowsActive.Set(float64(e.activeWindows()))
	}

	if len(out) == 0 {
		return
	}

	if e.health != nil {
		e.health.WindowsFinalized.Add(float64(len(out)))
	}

	e.log.WithField("windows", len(out)).Debug("Finalized windows")

	if e.emit != nil {
		e.emit(out)
	}
}

// apply routes one record to its window, creating the window on first
// sight. Records whose window has already been finalized are dropped
// and counted as late data.
func (e *Engine) apply(r wire.Record) {
	windowNs := e.cfg.WindowDuration.Nanoseconds()
	start := (r.Timestamp / windowNs) * windowNs
	end := start + windowNs

	nowNs := e.now().UnixNano()

	// Past end of grace the window is either finalized or would be
	// finalized on the next sweep; applying would mutate exported data.
	if nowNs >= end+e.cfg.GracePeriod.Nanoseconds() {
		if e.health != nil {
			e.health.RecordsLate.Inc()
		}

		e.log.WithFields(logrus.Fields{
			"metric":       r.Name,
			"window_start": start,
		}).Debug("Dropped late record")

		return
	}

	key := Key{
		Name:     r.Name,
		LabelStr: wire.LabelString(r.Labels),
		Start:    start,
	}

	s := &e.shards[shardIndex(key)]

	s.mu.Lock()

	w, ok := s.windows[key]
	if !ok {
		w = newWindow(key, r, end, e.cfg.HistogramBoundaries)
		s.windows[key] = w
	}

	w.apply(r)

	s.mu.Unlock()

	if e.health != nil {
		e.health.RecordsIngested.Inc()
	}
}

func (e *Engine) activeWindows() int {
	total := 0

	for i := range e.shards {
		s := &e.shards[i]

		s.mu.Lock()
		total += len(s.windows)
		s.mu.Unlock()
	}

	return total
}

func shardIndex(key Key) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.Name))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key.LabelStr))

	return int(h.Sum32() % numShards)
}
