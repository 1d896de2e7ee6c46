package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/observer/internal/spool"
	"github.com/ethpandaops/observer/internal/wire"
)

// Config configures the dispatch sink.
type Config struct {
	// Downstream configures the framed TCP destination.
	Downstream TCPConfig `yaml:"downstream"`

	// ClickHouse configures the optional ClickHouse destination.
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`

	// Retry controls per-batch retry behavior.
	Retry RetryConfig `yaml:"retry"`

	// BatchSize is the maximum number of windows per export batch.
	// Defaults to 512.
	BatchSize int `yaml:"batch_size"`

	// BatchTimeout is the maximum wait before an undersized batch is
	// exported anyway. Defaults to 5s.
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	// ExportTimeout bounds a single export attempt. Defaults to 30s.
	ExportTimeout time.Duration `yaml:"export_timeout"`

	// MaxQueueSize is the window queue capacity. Defaults to 8192.
	MaxQueueSize int `yaml:"max_queue_size"`

	// Workers is the number of concurrent export workers.
	// Defaults to 1.
	Workers int `yaml:"workers"`

	// SpoolRetryInterval is how often spilled batches are retried.
	// Defaults to 30s.
	SpoolRetryInterval time.Duration `yaml:"spool_retry_interval"`
}

// ApplyDefaults applies default values to unset fields.
func (c *Config) ApplyDefaults() {
	c.Downstream.ApplyDefaults()
	c.ClickHouse.ApplyDefaults()
	c.Retry.ApplyDefaults()

	if c.BatchSize <= 0 {
		c.BatchSize = 512
	}

	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Second
	}

	if c.ExportTimeout <= 0 {
		c.ExportTimeout = 30 * time.Second
	}

	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 8192
	}

	if c.Workers <= 0 {
		c.Workers = 1
	}

	if c.SpoolRetryInterval <= 0 {
		c.SpoolRetryInterval = 30 * time.Second
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Downstream.Address == "" {
		return errors.New("export: downstream.address is required")
	}

	if !ValidCompression(c.Downstream.Compression) {
		return fmt.Errorf(
			"export: invalid compression %q", c.Downstream.Compression,
		)
	}

	if c.ClickHouse.Enabled && c.ClickHouse.Endpoint == "" {
		return errors.New("export: clickhouse.endpoint is required when enabled")
	}

	if c.BatchSize > c.MaxQueueSize {
		return errors.New("export: batch_size cannot exceed max_queue_size")
	}

	return nil
}

// Sink batches finalized windows and delivers them to the configured
// destinations with retry, durable spill, and at-least-once semantics.
type Sink struct {
	log    logrus.FieldLogger
	cfg    Config
	health *HealthMetrics
	queue  *spool.Spool
	dests  []Destination

	proc *processor.BatchItemProcessor[wire.Window]

	cancel    context.CancelFunc
	spoolDone chan struct{}
}

// Ensure Sink implements the batch processor's exporter contract.
var _ processor.ItemExporter[wire.Window] = (*Sink)(nil)

// NewSink creates the dispatch sink. The spool must already be opened
// (its recovery scan happens at Open).
func NewSink(
	log logrus.FieldLogger,
	cfg Config,
	health *HealthMetrics,
	queue *spool.Spool,
) (*Sink, error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Sink{
		log:       log.WithField("component", "sink"),
		cfg:       cfg,
		health:    health,
		queue:     queue,
		spoolDone: make(chan struct{}),
	}

	downstream, err := NewTCPDestination(log, cfg.Downstream)
	if err != nil {
		return nil, err
	}

	s.dests = append(s.dests, downstream)

	if cfg.ClickHouse.Enabled {
		s.dests = append(s.dests, NewClickHouseDestination(log, cfg.ClickHouse))
	}

	proc, err := processor.NewBatchItemProcessor[wire.Window](
		s,
		"dispatch",
		log,
		processor.WithMaxQueueSize(cfg.MaxQueueSize),
		processor.WithBatchTimeout(cfg.BatchTimeout),
		processor.WithExportTimeout(cfg.ExportTimeout),
		processor.WithMaxExportBatchSize(cfg.BatchSize),
		processor.WithWorkers(cfg.Workers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating batch processor: %w", err)
	}

	s.proc = proc

	return s, nil
}

// Start connects the destinations and begins the spool retry cycle.
func (s *Sink) Start(ctx context.Context) error {
	for _, d := range s.dests {
		if err := d.Start(ctx); err != nil {
			return fmt.Errorf("starting destination %s: %w", d.Name(), err)
		}
	}

	// The processor and spool cycle outlive the run context: the
	// shutdown drain happens after the signal cancels it. Their
	// lifetime ends in Stop.
	procCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.proc.Start(procCtx)

	go s.runSpoolCycle(procCtx)

	if s.health != nil {
		s.health.SpoolDepth.Set(float64(s.queue.Len()))
	}

	s.log.WithField("destinations", len(s.dests)).Info("Dispatch sink started")

	return nil
}

// Write queues finalized windows for export.
func (s *Sink) Write(ctx context.Context, windows []wire.Window) error {
	items := make([]*wire.Window, len(windows))
	for i := range windows {
		items[i] = &windows[i]
	}

	return s.proc.Write(ctx, items)
}

// ExportItems assembles one batch from queued windows and delivers it.
// A batch that cannot be delivered is spilled to the spool, never
// dropped, so the error is always consumed here.
func (s *Sink) ExportItems(ctx context.Context, items []*wire.Window) error {
	if len(items) == 0 {
		return nil
	}

	windows := make([]wire.Window, 0, len(items))

	for _, item := range items {
		if item == nil {
			continue
		}

		windows = append(windows, *item)
	}

	batch := wire.NewBatch(windows)

	if err := s.deliver(ctx, batch); err != nil {
		s.spill(batch)
	}

	return nil
}

// Shutdown implements the batch processor's exporter contract.
func (s *Sink) Shutdown(_ context.Context) error {
	return nil
}

// Drain flushes all queued windows through the destinations, bounded
// by ctx's deadline. Whatever cannot be delivered in time ends up in
// the spool via ExportItems.
func (s *Sink) Drain(ctx context.Context) error {
	return s.proc.Shutdown(ctx)
}

// Stop terminates the spool cycle and closes the destinations. Call
// Drain first.
func (s *Sink) Stop() error {
	if s.cancel != nil {
		s.cancel()
		<-s.spoolDone
	}

	var firstErr error

	for _, d := range s.dests {
		if err := d.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// deliver attempts the batch against every destination with
// exponential backoff until the attempt limit.
func (s *Sink) deliver(ctx context.Context, batch *wire.Batch) error {
	var lastErr error

	for attempt := 1; attempt <= s.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if s.health != nil {
				s.health.ExportRetries.Inc()
			}

			select {
			case <-time.After(s.cfg.Retry.backoffDelay(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = s.exportOnce(ctx, batch)
		if lastErr == nil {
			if s.health != nil {
				s.health.BatchesExported.Inc()
			}

			return nil
		}

		if ctx.Err() != nil {
			return lastErr
		}

		s.log.WithError(lastErr).WithFields(logrus.Fields{
			"attempt": attempt,
			"windows": len(batch.Windows),
		}).Warn("Export attempt failed")
	}

	return lastErr
}

// exportOnce sends the batch to every destination. Delivery succeeds
// only when all destinations acknowledge; re-sending to a destination
// that already acknowledged is safe because of the windows' dedup keys.
func (s *Sink) exportOnce(ctx context.Context, batch *wire.Batch) error {
	for _, d := range s.dests {
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.ExportTimeout)

		start := time.Now()
		err := d.Export(attemptCtx, batch)

		cancel()

		if s.health != nil {
			s.health.ExportDuration.WithLabelValues(d.Name()).
				Observe(time.Since(start).Seconds())
		}

		if err != nil {
			if s.health != nil {
				s.health.ExportErrors.WithLabelValues(d.Name()).Inc()
			}

			return fmt.Errorf("destination %s: %w", d.Name(), err)
		}
	}

	return nil
}

// spill persists an undeliverable batch to the durable spool. If the
// spool is full the oldest batch is discarded and counted as lost.
func (s *Sink) spill(batch *wire.Batch) {
	discarded, err := s.queue.Append(wire.EncodeBatch(batch))
	if err != nil {
		s.log.WithError(err).Error("Spooling batch failed")

		if s.health != nil {
			s.health.BatchesLost.Inc()
		}

		return
	}

	if s.health != nil {
		s.health.BatchesSpilled.Inc()
		s.health.BatchesLost.Add(float64(discarded))
		s.health.SpoolDepth.Set(float64(s.queue.Len()))
	}

	if discarded > 0 {
		s.log.WithField("discarded", discarded).
			Warn("Spool full, oldest batches discarded")
	}

	s.log.WithField("windows", len(batch.Windows)).
		Info("Batch spilled to durable spool")
}

// runSpoolCycle periodically retries spilled batches, oldest first.
func (s *Sink) runSpoolCycle(ctx context.Context) {
	defer close(s.spoolDone)

	ticker := time.NewTicker(s.cfg.SpoolRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drainSpool(ctx)
		}
	}
}

func (s *Sink) drainSpool(ctx context.Context) {
	for ctx.Err() == nil {
		payload, seq, ok, err := s.queue.Peek()
		if err != nil {
			s.log.WithError(err).Error("Reading spool failed")

			return
		}

		if !ok {
			return
		}

		batch, err := wire.DecodeBatch(payload)
		if err != nil {
			// Unreadable entries cannot ever be exported; skip past
			// and account for the loss.
			s.log.WithError(err).WithField("seq", seq).
				Error("Discarding undecodable spooled batch")

			if s.health != nil {
				s.health.BatchesLost.Inc()
			}

			if err := s.queue.Commit(seq); err != nil {
				s.log.WithError(err).Error("Committing spool failed")

				return
			}

			continue
		}

		// Single attempt per cycle; an unreachable downstream should
		// not spin here.
		if err := s.exportOnce(ctx, batch); err != nil {
			s.log.WithError(err).Debug("Spooled batch still undeliverable")

			return
		}

		if s.health != nil {
			s.health.BatchesExported.Inc()
		}

		if err := s.queue.Commit(seq); err != nil {
			s.log.WithError(err).Error("Committing spool failed")

			return
		}

		if s.health != nil {
			s.health.SpoolDepth.Set(float64(s.queue.Len()))
		}
	}
}
