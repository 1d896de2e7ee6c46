// Package listener accepts producer connections and streams framed
// telemetry records into the aggregation engine.
package listener

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/observer/internal/export"
	"github.com/ethpandaops/observer/internal/wire"
)

// ErrProtocolAbuse is returned by a connection handler when a producer
// keeps sending malformed frames.
var ErrProtocolAbuse = errors.New("listener: repeated malformed frames")

// maxConsecutiveMalformed is the number of consecutive undecodable
// frames tolerated before the connection is closed.
const maxConsecutiveMalformed = 3

// RecordQueue receives decoded records. The connection ID lets the
// queue preserve per-connection receipt order.
type RecordQueue interface {
	Enqueue(ctx context.Context, conn uint64, r wire.Record) error
}

// Config configures the ingestion listener.
type Config struct {
	// Addr is the ingestion bind address. Defaults to ":9000".
	Addr string `yaml:"addr"`

	// MaxFrameBytes caps a single frame's payload size.
	// Defaults to 1 MiB.
	MaxFrameBytes uint32 `yaml:"max_frame_bytes"`

	// ReadTimeout bounds a single framed read so shutdown is never
	// stuck behind an idle connection. Defaults to 30s.
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// ApplyDefaults applies default values to unset fields.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = ":9000"
	}

	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = 1 << 20
	}

	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("listener: addr is required")
	}

	return nil
}

// Listener is the ingestion front end. One goroutine per producer
// connection reads length-prefixed frames, decodes them, and pushes
// records into the queue with blocking backpressure.
type Listener struct {
	log    logrus.FieldLogger
	cfg    Config
	queue  RecordQueue
	health *export.HealthMetrics

	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup
	connID atomic.Uint64
}

// New creates an ingestion listener feeding the given queue.
func New(
	log logrus.FieldLogger,
	cfg Config,
	queue RecordQueue,
	health *export.HealthMetrics,
) (*Listener, error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Listener{
		log:    log.WithField("component", "listener"),
		cfg:    cfg,
		queue:  queue,
		health: health,
	}, nil
}

// Start binds the ingestion address and launches the accept loop. A
// bind failure is fatal and surfaces to the caller.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("binding ingestion listener %s: %w", l.cfg.Addr, err)
	}

	l.ln = ln

	ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(1)

	go l.acceptLoop(ctx)

	l.log.WithField("addr", ln.Addr().String()).Info("Ingestion listener started")

	return nil
}

// Stop closes the accept loop and every producer connection, then
// waits for the connection handlers to drain what they already read.
func (l *Listener) Stop() error {
	if l.cancel != nil {
		l.cancel()
	}

	if l.ln != nil {
		_ = l.ln.Close()
	}

	l.wg.Wait()

	return nil
}

// Addr returns the bound listen address.
func (l *Listener) Addr() string {
	if l.ln != nil {
		return l.ln.Addr().String()
	}

	return l.cfg.Addr
}

func (l *Listener) acceptLoop(ctx context.Context) {
	defer l.wg.Done()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			l.log.WithError(err).Warn("Accept failed")

			continue
		}

		id := l.connID.Add(1)

		if l.health != nil {
			l.health.ConnectionsOpened.Inc()
		}

		l.wg.Add(1)

		go func() {
			defer l.wg.Done()

			l.handleConn(ctx, id, conn)
		}()
	}
}

// handleConn reads frames until the producer disconnects, the context
// is cancelled, or the producer abuses the protocol.
func (l *Listener) handleConn(ctx context.Context, id uint64, conn net.Conn) {
	log := l.log.WithFields(logrus.Fields{
		"conn":   id,
		"remote": conn.RemoteAddr().String(),
	})

	log.Debug("Producer connected")

	// Closing the connection on cancellation unblocks a pending read.
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	err := l.readFrames(ctx, id, conn)

	_ = conn.Close()

	if l.health != nil {
		l.health.ConnectionsClosed.Inc()
	}

	switch {
	case err == nil, errors.Is(err, io.EOF):
		log.Debug("Producer disconnected")
	case errors.Is(err, ErrProtocolAbuse):
		if l.health != nil {
			l.health.ConnectionsAbusive.Inc()
		}

		log.Warn("Closed abusive producer connection")
	case ctx.Err() != nil, errors.Is(err, net.ErrClosed):
		log.Debug("Producer connection closed at shutdown")
	default:
		log.WithError(err).Debug("Producer connection failed")
	}
}

func (l *Listener) readFrames(ctx context.Context, id uint64, conn net.Conn) error {
	var (
		header     [4]byte
		malformed  int
		maxPayload = l.cfg.MaxFrameBytes
	)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))

		if n, err := io.ReadFull(conn, header[:]); err != nil {
			// Only a clean timeout with nothing read is resumable; a
			// partial header means the stream is desynchronized.
			if n == 0 && isTimeout(err) && ctx.Err() == nil {
				continue
			}

			return err
		}

		length := binary.BigEndian.Uint32(header[:])
		if length == 0 || length > maxPayload {
			// An insane length desynchronizes the stream; there is no
			// way to resynchronize, so drop the connection.
			return fmt.Errorf("%w: frame length %d", ErrProtocolAbuse, length)
		}

		payload := make([]byte, length)

		if _, err := io.ReadFull(conn, payload); err != nil {
			return err
		}

		if l.health != nil {
			l.health.FramesReceived.Inc()
		}

		record, err := wire.DecodeRecord(payload)
		if err != nil {
			malformed++

			if l.health != nil {
				l.health.FramesMalformed.Inc()
			}

			if malformed >= maxConsecutiveMalformed {
				return ErrProtocolAbuse
			}

			continue
		}

		malformed = 0

		// Blocking send: a full queue suspends this connection's reads.
		if err := l.queue.Enqueue(ctx, id, record); err != nil {
			return err
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error

	return errors.As(err, &ne) && ne.Timeout()
}
