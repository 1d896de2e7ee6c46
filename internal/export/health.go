// Package export contains the dispatch sink, export destinations, and
// the Prometheus health metrics server.
package export

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// HealthConfig configures the Prometheus health metrics server.
type HealthConfig struct {
	// Addr is the listen address for the health metrics server.
	// Defaults to ":9090".
	Addr string `yaml:"addr"`
}

// HealthMetrics exposes Prometheus metrics for observer health.
type HealthMetrics struct {
	log      logrus.FieldLogger
	addr     string
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry

	// Ingestion
	ConnectionsOpened  prometheus.Counter
	ConnectionsClosed  prometheus.Counter
	ConnectionsAbusive prometheus.Counter
	FramesReceived     prometheus.Counter
	FramesMalformed    prometheus.Counter
	RecordsIngested    prometheus.Counter
	RecordsLate        prometheus.Counter

	// Aggregation
	WindowsActive    prometheus.Gauge
	WindowsFinalized prometheus.Counter

	// Export
	BatchesExported prometheus.Counter
	ExportErrors    *prometheus.CounterVec // destination
	ExportRetries   prometheus.Counter
	ExportDuration  *prometheus.HistogramVec // destination
	BatchesSpilled  prometheus.Counter
	BatchesLost     prometheus.Counter
	SpoolDepth      prometheus.Gauge

	running atomic.Bool
}

// NewHealthMetrics creates a new health metrics server.
func NewHealthMetrics(
	log logrus.FieldLogger,
	cfg HealthConfig,
) *HealthMetrics {
	if cfg.Addr == "" {
		cfg.Addr = ":9090"
	}

	reg := prometheus.NewRegistry()

	h := &HealthMetrics{
		log:      log.WithField("component", "health"),
		addr:     cfg.Addr,
		registry: reg,

		ConnectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "observer",
			Name:      "connections_opened_total",
			Help:      "Total producer connections accepted.",
		}),
		ConnectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "observer",
			Name:      "connections_closed_total",
			Help:      "Total producer connections closed.",
		}),
		ConnectionsAbusive: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "observer",
			Name:      "connections_abusive_total",
			Help:      "Connections closed after repeated malformed frames.",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "observer",
			Name:      "frames_received_total",
			Help:      "Total frames read from producer connections.",
		}),
		FramesMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "observer",
			Name:      "frames_malformed_total",
			Help:      "Total frames dropped due to decode failures.",
		}),
		RecordsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "observer",
			Name:      "records_ingested_total",
			Help:      "Total records applied to aggregation windows.",
		}),
		RecordsLate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "observer",
			Name:      "records_late_total",
			Help:      "Records dropped because their window was finalized.",
		}),
		WindowsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "observer",
			Name:      "windows_active",
			Help:      "Windows currently open or finalizing.",
		}),
		WindowsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "observer",
			Name:      "windows_finalized_total",
			Help:      "Total windows finalized and handed to export.",
		}),
		BatchesExported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "observer",
			Name:      "batches_exported_total",
			Help:      "Total batches acknowledged by all destinations.",
		}),
		ExportErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "observer",
				Name:      "export_errors_total",
				Help:      "Total export attempt failures by destination.",
			},
			[]string{"destination"},
		),
		ExportRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "observer",
			Name:      "export_retries_total",
			Help:      "Total export retry attempts.",
		}),
		ExportDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "observer",
				Name:      "export_duration_seconds",
				Help:      "Export attempt duration by destination.",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 2.5, 10, 30},
			},
			[]string{"destination"},
		),
		BatchesSpilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "observer",
			Name:      "batches_spilled_total",
			Help:      "Batches written to the durable spool after retry exhaustion.",
		}),
		BatchesLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "observer",
			Name:      "batches_lost_total",
			Help:      "Batches discarded because the spool was full.",
		}),
		SpoolDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "observer",
			Name:      "spool_depth",
			Help:      "Batches currently pending in the durable spool.",
		}),
	}

	reg.MustRegister(
		h.ConnectionsOpened,
		h.ConnectionsClosed,
		h.ConnectionsAbusive,
		h.FramesReceived,
		h.FramesMalformed,
		h.RecordsIngested,
		h.RecordsLate,
		h.WindowsActive,
		h.WindowsFinalized,
		h.BatchesExported,
		h.ExportErrors,
		h.ExportRetries,
		h.ExportDuration,
		h.BatchesSpilled,
		h.BatchesLost,
		h.SpoolDepth,
	)

	return h
}

// Start begins serving metrics. A bind failure is fatal and surfaces
// to the caller.
func (h *HealthMetrics) Start(_ context.Context) error {
	if h.running.Load() {
		return nil
	}

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("binding health server %s: %w", h.addr, err)
	}

	h.listener = ln

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		h.registry,
		promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	h.server = &http.Server{Handler: mux}

	go func() {
		if err := h.server.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			h.log.WithError(err).Error("Health server error")
		}
	}()

	h.running.Store(true)

	h.log.WithField("addr", h.addr).Info("Health metrics server started")

	return nil
}

// Stop shuts down the metrics server.
func (h *HealthMetrics) Stop() error {
	if !h.running.Swap(false) {
		return nil
	}

	if h.server != nil {
		return h.server.Close()
	}

	return nil
}

// Addr returns the bound listener address.
func (h *HealthMetrics) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}

	return h.addr
}
