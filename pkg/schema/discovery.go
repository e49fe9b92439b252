package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/cenkalti/backoff/v4"
)

// Discoverer builds a catalog from a live data source.
type Discoverer interface {
	Discover(ctx context.Context) (*Catalog, error)
}

const (
	defaultMaxSampleValues = 15
	defaultDiscoveryRetry  = 30 * time.Second
)

// ClickHouseDiscovererConfig configures catalog discovery against ClickHouse.
type ClickHouseDiscovererConfig struct {
	Logger   *slog.Logger
	Addr     string
	Database string
	Username string
	Password string

	// Optional with defaults.
	MaxSampleValues int
	MaxRetryElapsed time.Duration
}

func (c *ClickHouseDiscovererConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Addr == "" {
		return errors.New("clickhouse address is required")
	}
	if c.Database == "" {
		c.Database = "default"
	}
	if c.MaxSampleValues == 0 {
		c.MaxSampleValues = defaultMaxSampleValues
	}
	if c.MaxRetryElapsed == 0 {
		c.MaxRetryElapsed = defaultDiscoveryRetry
	}
	return nil
}

// ClickHouseDiscoverer reads system.columns and system.tables over the
// native protocol and assembles a catalog, enriching categorical columns
// with sample values.
type ClickHouseDiscoverer struct {
	log  *slog.Logger
	cfg  *ClickHouseDiscovererConfig
	conn driver.Conn
}

func NewClickHouseDiscoverer(ctx context.Context, cfg *ClickHouseDiscovererConfig) (*ClickHouseDiscoverer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return &ClickHouseDiscoverer{log: cfg.Logger, cfg: cfg, conn: conn}, nil
}

func (d *ClickHouseDiscoverer) Close() error {
	return d.conn.Close()
}

// Discover builds the catalog. System table reads are retried with
// exponential backoff since discovery runs at startup, when the warehouse
// may still be coming up.
func (d *ClickHouseDiscoverer) Discover(ctx context.Context) (*Catalog, error) {
	start := time.Now()

	var catalog *Catalog
	op := func() error {
		var err error
		catalog, err = d.fetchCatalog(ctx)
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = d.cfg.MaxRetryElapsed
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("discovery failed: %w", err)
	}

	d.enrichSampleValues(ctx, catalog)

	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("discovered catalog is invalid: %w", err)
	}

	d.log.Info("catalog discovered",
		"database", d.cfg.Database,
		"tables", len(catalog.Tables),
		"duration", time.Since(start))
	return catalog, nil
}

func (d *ClickHouseDiscoverer) fetchCatalog(ctx context.Context) (*Catalog, error) {
	rows, err := d.conn.Query(ctx, `
		SELECT c.table, c.name, c.type, t.engine
		FROM system.columns c
		JOIN system.tables t ON t.database = c.database AND t.name = c.table
		WHERE c.database = ?
		  AND c.table NOT LIKE 'stg_%'
		ORDER BY c.table, c.position
	`, d.cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch columns: %w", err)
	}
	defer rows.Close()

	catalog := &Catalog{Name: d.cfg.Database}
	var current *Table
	for rows.Next() {
		var table, name, typ, engine string
		if err := rows.Scan(&table, &name, &typ, &engine); err != nil {
			return nil, fmt.Errorf("failed to scan column row: %w", err)
		}
		if current == nil || current.Name != table {
			catalog.Tables = append(catalog.Tables, Table{
				Name:         table,
				BusinessName: businessName(table),
				IsView:       engine == "View",
			})
			current = &catalog.Tables[len(catalog.Tables)-1]
		}
		current.Columns = append(current.Columns, Column{
			Name: name,
			Type: typ,
			Role: GuessRole(name, typ),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	return catalog, nil
}

// enrichSampleValues fetches distinct values for categorical columns so the
// generation prompt can show valid filter values. Failures here only cost
// prompt quality, so they are logged and skipped.
func (d *ClickHouseDiscoverer) enrichSampleValues(ctx context.Context, catalog *Catalog) {
	for ti := range catalog.Tables {
		t := &catalog.Tables[ti]
		if t.IsView {
			continue
		}
		for ci := range t.Columns {
			col := &t.Columns[ci]
			if col.Role != RoleCategory {
				continue
			}
			samples, err := d.fetchColumnSamples(ctx, t.Name, col.Name)
			if err != nil {
				d.log.Debug("sample value fetch failed",
					"table", t.Name, "column", col.Name, "error", err)
				continue
			}
			if len(samples) > 0 && len(samples) <= d.cfg.MaxSampleValues {
				col.SampleValues = samples
			}
		}
	}
}

func (d *ClickHouseDiscoverer) fetchColumnSamples(ctx context.Context, table, column string) ([]string, error) {
	// Limit past the cap to detect high cardinality and drop the column.
	query := fmt.Sprintf("SELECT DISTINCT toString(%q) FROM %q WHERE %q != '' LIMIT %d",
		column, table, column, d.cfg.MaxSampleValues+5)
	rows, err := d.conn.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		samples = append(samples, v)
	}
	return samples, rows.Err()
}

// businessName derives a human-friendly alias from a table name:
// "order_items" becomes "Order Items".
func businessName(table string) string {
	parts := strings.Split(table, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}
