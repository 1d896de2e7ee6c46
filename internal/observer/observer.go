// Package observer wires the ingestion listener, aggregation engine,
// dispatch sink, and durable spool into one supervised service.
package observer

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/observer/internal/aggregate"
	"github.com/ethpandaops/observer/internal/export"
	"github.com/ethpandaops/observer/internal/listener"
	"github.com/ethpandaops/observer/internal/spool"
	"github.com/ethpandaops/observer/internal/wire"
)

// Service is the telemetry observer. It owns component lifecycle:
// startup in dependency order, shutdown in reverse with a bounded
// drain.
type Service struct {
	log logrus.FieldLogger
	cfg *Config

	health   *export.HealthMetrics
	queue    *spool.Spool
	sink     *export.Sink
	engine   *aggregate.Engine
	listener *listener.Listener
}

// NewService builds the service from config. The spool's recovery scan
// runs here so corruption fails fast before anything is listening.
func NewService(log logrus.FieldLogger, cfg *Config) (*Service, error) {
	s := &Service{
		log: log.WithField("component", "observer"),
		cfg: cfg,
	}

	s.health = export.NewHealthMetrics(log, cfg.Health)

	queue, err := spool.Open(log, cfg.Spool)
	if err != nil {
		return nil, fmt.Errorf("opening spool: %w", err)
	}

	s.queue = queue

	sink, err := export.NewSink(log, cfg.Export, s.health, queue)
	if err != nil {
		_ = queue.Close()

		return nil, fmt.Errorf("creating sink: %w", err)
	}

	s.sink = sink

	engine, err := aggregate.New(log, cfg.Aggregation, s.health, s.emitWindows)
	if err != nil {
		_ = queue.Close()

		return nil, fmt.Errorf("creating engine: %w", err)
	}

	s.engine = engine

	ln, err := listener.New(log, cfg.Listener, engine, s.health)
	if err != nil {
		_ = queue.Close()

		return nil, fmt.Errorf("creating listener: %w", err)
	}

	s.listener = ln

	return s, nil
}

// Start brings the components up: health server, sink, engine, then
// the listener last so no record arrives before the pipeline behind it
// is ready.
func (s *Service) Start(ctx context.Context) error {
	if err := s.health.Start(ctx); err != nil {
		return err
	}

	if err := s.sink.Start(ctx); err != nil {
		return err
	}

	if err := s.engine.Start(ctx); err != nil {
		return err
	}

	if err := s.listener.Start(ctx); err != nil {
		return err
	}

	s.log.Info("Observer started")

	return nil
}

// Stop drains the pipeline front to back: stop accepting and drain
// in-flight frames, force-finalize all windows, flush pending batches
// under the shutdown grace deadline, then release everything. Batches
// that miss the deadline spill to the spool.
func (s *Service) Stop() error {
	s.log.Info("Observer stopping")

	if err := s.listener.Stop(); err != nil {
		s.log.WithError(err).Warn("Stopping listener failed")
	}

	if err := s.engine.Stop(); err != nil {
		s.log.WithError(err).Warn("Stopping engine failed")
	}

	drainCtx, cancel := context.WithTimeout(
		context.Background(),
		s.cfg.ShutdownGrace,
	)
	defer cancel()

	if err := s.sink.Drain(drainCtx); err != nil {
		s.log.WithError(err).Warn("Export drain incomplete at deadline")
	}

	if err := s.sink.Stop(); err != nil {
		s.log.WithError(err).Warn("Stopping sink failed")
	}

	if err := s.queue.Close(); err != nil {
		s.log.WithError(err).Warn("Closing spool failed")
	}

	if err := s.health.Stop(); err != nil {
		s.log.WithError(err).Warn("Stopping health server failed")
	}

	s.log.Info("Observer stopped")

	return nil
}

// emitWindows hands finalized windows to the sink. The background
// context keeps the handoff working during shutdown drain, when the
// run context is already cancelled.
func (s *Service) emitWindows(windows []wire.Window) {
	if len(windows) == 0 {
		return
	}

	if err := s.sink.Write(context.Background(), windows); err != nil {
		s.log.WithError(err).WithField("windows", len(windows)).
			Error("Queueing finalized windows failed")
	}
}
