package sink

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"attack-feed/internal/model"
)

var ErrInvalidTable = errors.New("invalid clickhouse table name")

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// BatchExecer is the subset of client.ClickHouseClient used by the sink.
type BatchExecer interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

// ClickHouseSink appends delivered events and daily country counts to two tables.
type ClickHouseSink struct {
	db         BatchExecer
	table      string
	statsTable string
	now        func() time.Time
}

func NewClickHouseSink(db BatchExecer, table string) (*ClickHouseSink, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	return &ClickHouseSink{
		db:         db,
		table:      table,
		statsTable: table + "_daily",
		now:        time.Now,
	}, nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

// EnsureSchema creates both tables when missing.
func (s *ClickHouseSink) EnsureSchema(ctx context.Context) error {
	events := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id String,
	ts DateTime64(3, 'UTC'),
	src_ip String,
	dst_ip String,
	src_lat Float64,
	src_lon Float64,
	dst_lat Float64,
	dst_lon Float64,
	type LowCardinality(String),
	ingested_at DateTime64(3, 'UTC')
) ENGINE = ReplacingMergeTree(ingested_at)
PARTITION BY toYYYYMM(ts)
ORDER BY (ts, id)`, s.table)

	daily := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	day Date,
	country LowCardinality(String),
	count UInt64,
	total UInt64,
	captured_at DateTime64(3, 'UTC')
) ENGINE = ReplacingMergeTree(captured_at)
ORDER BY (day, country)`, s.statsTable)

	for _, q := range []string{events, daily} {
		if err := s.db.Exec(ctx, q); err != nil {
			return fmt.Errorf("failed to create clickhouse table: %w", err)
		}
	}
	return nil
}

func (s *ClickHouseSink) Write(ctx context.Context, events []model.AttackEvent) error {
	ingested := s.now().UTC()
	rows := make([][]interface{}, 0, len(events))
	for _, ev := range events {
		if !ev.Deliverable() {
			continue
		}
		ts := ev.Time()
		if ts.IsZero() {
			ts = ingested
		}
		rows = append(rows, []interface{}{
			ev.ID, ts.UTC(), ev.SrcIP, ev.DstIP,
			ev.SrcGeo.Lat, ev.SrcGeo.Lon, ev.DstGeo.Lat, ev.DstGeo.Lon,
			ev.Type, ingested,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	query := fmt.Sprintf("INSERT INTO %s (id, ts, src_ip, dst_ip, src_lat, src_lon, dst_lat, dst_lon, type, ingested_at)", s.table)
	if err := s.db.BatchInsert(ctx, query, rows); err != nil {
		return fmt.Errorf("failed to insert %d events: %w", len(rows), err)
	}
	return nil
}

// WriteStats stores one row per country for the current day; later snapshots replace
// earlier ones on merge.
func (s *ClickHouseSink) WriteStats(ctx context.Context, stats model.TodayStats) error {
	if len(stats.Countries) == 0 {
		return nil
	}
	captured := s.now()
	day := model.Today(captured).Since
	rows := make([][]interface{}, 0, len(stats.Countries))
	for _, c := range stats.Countries {
		rows = append(rows, []interface{}{
			day, c.Country, uint64(max(c.Count, 0)), uint64(max(stats.Total, 0)), captured.UTC(),
		})
	}
	query := fmt.Sprintf("INSERT INTO %s (day, country, count, total, captured_at)", s.statsTable)
	if err := s.db.BatchInsert(ctx, query, rows); err != nil {
		return fmt.Errorf("failed to insert daily stats: %w", err)
	}
	return nil
}
