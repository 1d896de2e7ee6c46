package export

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/observer/internal/wire"
)

// Destination delivers finalized batches to one downstream consumer.
type Destination interface {
	// Name returns the destination's identifier for logging/metrics.
	Name() string
	// Start initializes the destination.
	Start(ctx context.Context) error
	// Export delivers one batch. An error means the batch was not
	// acknowledged and may be retried; repeated delivery is safe
	// because every window carries its dedup key.
	Export(ctx context.Context, batch *wire.Batch) error
	// Stop shuts down the destination.
	Stop() error
}

// ErrNack is returned when the downstream consumer rejects a batch.
var ErrNack = errors.New("export: batch not acknowledged")

// ackOK is the single-byte success status on the export wire.
const ackOK byte = 0

// TCPConfig configures the framed TCP export destination.
type TCPConfig struct {
	// Address is the downstream consumer address.
	Address string `yaml:"address"`

	// Compression is the payload compression algorithm
	// (none, gzip, zstd, zlib, snappy). Defaults to none.
	Compression string `yaml:"compression"`

	// DialTimeout bounds connection establishment. Defaults to 5s.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// AckTimeout bounds the wait for a batch acknowledgment.
	// Defaults to 10s.
	AckTimeout time.Duration `yaml:"ack_timeout"`
}

// ApplyDefaults applies default values to unset fields.
func (c *TCPConfig) ApplyDefaults() {
	if c.Compression == "" {
		c.Compression = CompressionNone
	}

	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}

	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
}

// TCPDestination sends batches over a framed TCP connection: a 4-byte
// big-endian length prefix, a 1-byte compression codec, then the
// (possibly compressed) encoded batch. The consumer answers each frame
// with a single status byte.
type TCPDestination struct {
	log        logrus.FieldLogger
	cfg        TCPConfig
	compressor *Compressor

	mu   sync.Mutex
	conn net.Conn
}

var _ Destination = (*TCPDestination)(nil)

// NewTCPDestination creates the framed TCP destination.
func NewTCPDestination(log logrus.FieldLogger, cfg TCPConfig) (*TCPDestination, error) {
	cfg.ApplyDefaults()

	if cfg.Address == "" {
		return nil, errors.New("export: downstream address is required")
	}

	compressor, err := NewCompressor(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("creating compressor: %w", err)
	}

	return &TCPDestination{
		log:        log.WithField("destination", "downstream"),
		cfg:        cfg,
		compressor: compressor,
	}, nil
}

// Name returns the destination identifier.
func (d *TCPDestination) Name() string { return "downstream" }

// Start dials the downstream consumer. A failed dial is not fatal; the
// connection is re-established lazily on the first export.
func (d *TCPDestination) Start(ctx context.Context) error {
	if err := d.redial(ctx); err != nil {
		d.log.WithError(err).Warn("Downstream not reachable at startup")
	}

	return nil
}

// Export frames, sends, and awaits the acknowledgment for one batch.
func (d *TCPDestination) Export(ctx context.Context, batch *wire.Batch) error {
	payload, err := d.compressor.Compress(wire.EncodeBatch(batch))
	if err != nil {
		return fmt.Errorf("compressing batch: %w", err)
	}

	frame := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)+1))
	frame[4] = d.compressor.CodecByte()
	copy(frame[5:], payload)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		if err := d.redialLocked(ctx); err != nil {
			return err
		}
	}

	deadline := time.Now().Add(d.cfg.AckTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	_ = d.conn.SetDeadline(deadline)

	if _, err := d.conn.Write(frame); err != nil {
		d.dropConnLocked()

		return fmt.Errorf("writing batch frame: %w", err)
	}

	var ack [1]byte
	if _, err := d.conn.Read(ack[:]); err != nil {
		d.dropConnLocked()

		return fmt.Errorf("reading batch ack: %w", err)
	}

	if ack[0] != ackOK {
		return fmt.Errorf("%w: status %d", ErrNack, ack[0])
	}

	return nil
}

// Stop closes the downstream connection.
func (d *TCPDestination) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dropConnLocked()

	return d.compressor.Close()
}

func (d *TCPDestination) redial(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.redialLocked(ctx)
}

func (d *TCPDestination) redialLocked(ctx context.Context) error {
	d.dropConnLocked()

	dialer := net.Dialer{Timeout: d.cfg.DialTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", d.cfg.Address)
	if err != nil {
		return fmt.Errorf("dialing downstream %s: %w", d.cfg.Address, err)
	}

	d.conn = conn

	d.log.WithField("address", d.cfg.Address).Debug("Downstream connected")

	return nil
}

func (d *TCPDestination) dropConnLocked() {
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
}
