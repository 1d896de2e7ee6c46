package export

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/observer/internal/spool"
	"github.com/ethpandaops/observer/internal/wire"
)

type fakeDestination struct {
	mu       sync.Mutex
	failures int
	batches  []*wire.Batch
}

func (d *fakeDestination) Name() string                  { return "fake" }
func (d *fakeDestination) Start(_ context.Context) error { return nil }
func (d *fakeDestination) Stop() error                   { return nil }

func (d *fakeDestination) Export(_ context.Context, batch *wire.Batch) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failures > 0 {
		d.failures--

		return errors.New("downstream unavailable")
	}

	d.batches = append(d.batches, batch)

	return nil
}

func (d *fakeDestination) delivered() []*wire.Batch {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*wire.Batch, len(d.batches))
	copy(out, d.batches)

	return out
}

func (d *fakeDestination) setFailures(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.failures = n
}

func newTestSink(t *testing.T, dest Destination) *Sink {
	t.Helper()

	queue, err := spool.Open(logrus.New(), spool.Config{
		Path: filepath.Join(t.TempDir(), "spool.dat"),
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = queue.Close() })

	cfg := Config{
		Downstream: TCPConfig{Address: "127.0.0.1:1"},
		Retry: RetryConfig{
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			MaxAttempts: 5,
		},
	}
	cfg.ApplyDefaults()

	return &Sink{
		log:   logrus.New().WithField("component", "sink"),
		cfg:   cfg,
		queue: queue,
		dests: []Destination{dest},
	}
}

func testWindow(name string, end int64) wire.Window {
	return wire.Window{
		Name:       name,
		Start:      end - 10,
		End:        end,
		Kind:       wire.KindCounter,
		DedupKey:   wire.NewDedupKey(name, "", end),
		CounterSum: 1,
	}
}

func TestDeliverRetriesUntilSuccess(t *testing.T) {
	dest := &fakeDestination{failures: 3}
	s := newTestSink(t, dest)

	batch := wire.NewBatch([]wire.Window{testWindow("requests", 10)})

	require.NoError(t, s.deliver(context.Background(), batch))

	// Exactly one successful delivery, dedup key intact.
	delivered := dest.delivered()
	require.Len(t, delivered, 1)
	require.Len(t, delivered[0].Windows, 1)
	assert.Equal(
		t,
		wire.NewDedupKey("requests", "", 10),
		delivered[0].Windows[0].DedupKey,
	)
}

func TestDeliverFailsAfterAttemptLimit(t *testing.T) {
	dest := &fakeDestination{failures: 100}
	s := newTestSink(t, dest)

	batch := wire.NewBatch([]wire.Window{testWindow("requests", 10)})

	err := s.deliver(context.Background(), batch)
	require.Error(t, err)
	assert.Empty(t, dest.delivered())
}

func TestExportItemsSpillsOnExhaustion(t *testing.T) {
	dest := &fakeDestination{failures: 100}
	s := newTestSink(t, dest)

	w := testWindow("requests", 10)

	require.NoError(t, s.ExportItems(context.Background(), []*wire.Window{&w}))
	assert.Equal(t, 1, s.queue.Len())

	// Once the downstream recovers the spool drains in order.
	dest.setFailures(0)
	s.drainSpool(context.Background())

	assert.Zero(t, s.queue.Len())

	delivered := dest.delivered()
	require.Len(t, delivered, 1)
	require.Len(t, delivered[0].Windows, 1)
	assert.Equal(t, "requests", delivered[0].Windows[0].Name)
}

func TestDrainSpoolPreservesOrder(t *testing.T) {
	dest := &fakeDestination{failures: 100}
	s := newTestSink(t, dest)

	for i := int64(1); i <= 3; i++ {
		w := testWindow("requests", i*10)
		require.NoError(t, s.ExportItems(context.Background(), []*wire.Window{&w}))
	}

	require.Equal(t, 3, s.queue.Len())

	dest.setFailures(0)
	s.drainSpool(context.Background())

	delivered := dest.delivered()
	require.Len(t, delivered, 3)

	for i, batch := range delivered {
		require.Len(t, batch.Windows, 1)
		assert.Equal(t, int64(i+1)*10, batch.Windows[0].End)
	}
}

func startAckServer(t *testing.T, status byte) (string, chan []byte) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	t.Cleanup(func() { _ = ln.Close() })

	frames := make(chan []byte, 16)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}

			go func() {
				defer conn.Close()

				for {
					var header [4]byte
					if _, err := io.ReadFull(conn, header[:]); err != nil {
						return
					}

					payload := make([]byte, binary.BigEndian.Uint32(header[:]))
					if _, err := io.ReadFull(conn, payload); err != nil {
						return
					}

					frames <- payload

					if _, err := conn.Write([]byte{status}); err != nil {
						return
					}
				}
			}()
		}
	}()

	return ln.Addr().String(), frames
}

func TestTCPDestinationExportAck(t *testing.T) {
	addr, frames := startAckServer(t, ackOK)

	dest, err := NewTCPDestination(logrus.New(), TCPConfig{
		Address:     addr,
		Compression: CompressionZstd,
	})
	require.NoError(t, err)

	defer dest.Stop()

	require.NoError(t, dest.Start(context.Background()))

	batch := wire.NewBatch([]wire.Window{testWindow("requests", 10)})
	require.NoError(t, dest.Export(context.Background(), batch))

	select {
	case payload := <-frames:
		require.NotEmpty(t, payload)

		decompressed, err := Decompress(payload[0], payload[1:])
		require.NoError(t, err)

		decoded, err := wire.DecodeBatch(decompressed)
		require.NoError(t, err)
		require.Len(t, decoded.Windows, 1)
		assert.Equal(t, "requests", decoded.Windows[0].Name)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}
}

func TestTCPDestinationNack(t *testing.T) {
	addr, _ := startAckServer(t, 1)

	dest, err := NewTCPDestination(logrus.New(), TCPConfig{Address: addr})
	require.NoError(t, err)

	defer dest.Stop()

	require.NoError(t, dest.Start(context.Background()))

	batch := wire.NewBatch([]wire.Window{testWindow("requests", 10)})
	assert.ErrorIs(t, dest.Export(context.Background(), batch), ErrNack)
}
