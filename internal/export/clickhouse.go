package export

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/observer/internal/migrate"
	"github.com/ethpandaops/observer/internal/wire"
)

// ClickHouseConfig configures the optional ClickHouse destination.
type ClickHouseConfig struct {
	// Enabled turns the ClickHouse destination on.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the ClickHouse native protocol address.
	Endpoint string `yaml:"endpoint"`

	// Database is the target database name.
	Database string `yaml:"database"`

	// Table is the target table name. Defaults to "windows".
	Table string `yaml:"table"`

	// Username for ClickHouse authentication.
	Username string `yaml:"username"`

	// Password for ClickHouse authentication.
	Password string `yaml:"password"`

	// Migrate runs the embedded schema migrations at startup.
	Migrate bool `yaml:"migrate"`
}

// ApplyDefaults applies default values to unset fields.
func (c *ClickHouseConfig) ApplyDefaults() {
	if c.Table == "" {
		c.Table = "windows"
	}
}

// DSN returns the connection string used for schema migrations.
func (c *ClickHouseConfig) DSN() string {
	return fmt.Sprintf("clickhouse://%s/%s", c.Endpoint, c.Database)
}

// ClickHouseDestination writes finalized windows as rows to a
// ClickHouse table, one row per window.
type ClickHouseDestination struct {
	log  logrus.FieldLogger
	cfg  ClickHouseConfig
	conn clickhouse.Conn
}

var _ Destination = (*ClickHouseDestination)(nil)

// NewClickHouseDestination creates the ClickHouse destination.
func NewClickHouseDestination(
	log logrus.FieldLogger,
	cfg ClickHouseConfig,
) *ClickHouseDestination {
	cfg.ApplyDefaults()

	return &ClickHouseDestination{
		log: log.WithField("destination", "clickhouse"),
		cfg: cfg,
	}
}

// Name returns the destination identifier.
func (d *ClickHouseDestination) Name() string { return "clickhouse" }

// Start opens and pings the ClickHouse connection, running schema
// migrations first when configured.
func (d *ClickHouseDestination) Start(ctx context.Context) error {
	if d.cfg.Migrate {
		if err := migrate.New(d.log, d.cfg.DSN()).Up(); err != nil {
			return fmt.Errorf("migrating window schema: %w", err)
		}
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{d.cfg.Endpoint},
		Auth: clickhouse.Auth{
			Database: d.cfg.Database,
			Username: d.cfg.Username,
			Password: d.cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	})
	if err != nil {
		return fmt.Errorf("opening ClickHouse connection: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("pinging ClickHouse: %w", err)
	}

	d.conn = conn

	d.log.WithField("endpoint", d.cfg.Endpoint).
		Info("ClickHouse destination connected")

	return nil
}

// Export inserts the batch's windows in one native-protocol batch.
func (d *ClickHouseDestination) Export(ctx context.Context, batch *wire.Batch) error {
	if len(batch.Windows) == 0 {
		return nil
	}

	insert, err := d.conn.PrepareBatch(
		ctx,
		"INSERT INTO "+d.cfg.Table,
	)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}

	updated := time.Now()

	for i := range batch.Windows {
		w := &batch.Windows[i]

		labels := w.Labels
		if labels == nil {
			labels = map[string]string{}
		}

		if err := insert.Append(
			updated,
			time.Unix(0, w.Start),
			time.Unix(0, w.End),
			w.Name,
			labels,
			w.Kind.String(),
			w.DedupKey,
			w.CounterSum,
			w.GaugeValue,
			time.Unix(0, w.GaugeTimestamp),
			w.HistBounds,
			w.HistCounts,
			w.HistCount,
			w.HistSum,
		); err != nil {
			return fmt.Errorf("appending window row: %w", err)
		}
	}

	if err := insert.Send(); err != nil {
		return fmt.Errorf("sending window batch: %w", err)
	}

	d.log.WithField("rows", len(batch.Windows)).
		Debug("Wrote windows to ClickHouse")

	return nil
}

// Stop closes the ClickHouse connection.
func (d *ClickHouseDestination) Stop() error {
	if d.conn != nil {
		return d.conn.Close()
	}

	return nil
}
