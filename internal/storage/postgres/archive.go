// Package postgres keeps the archive in a Postgres table.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/rental-crawler/internal/crawler"
)

const defaultTable = "rental_records"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for archive rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// Archive is a crawler.Archive over one table with a unique url column.
type Archive struct {
	pool  pool
	table string
}

// Open connects, then creates the table when it does not exist.
func Open(ctx context.Context, cfg Config) (*Archive, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	archive, err := NewWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := archive.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return archive, nil
}

// NewWithPool wraps an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*Archive, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Archive{pool: p, table: table}, nil
}

// EnsureSchema creates the archive table.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id         BIGSERIAL PRIMARY KEY,
	url        TEXT NOT NULL UNIQUE,
	make       TEXT NOT NULL,
	model      TEXT NOT NULL,
	latitude   TEXT NOT NULL,
	longitude  TEXT NOT NULL,
	features   JSONB NOT NULL,
	reviews    JSONB NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, a.table)
	if _, err := a.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", a.table, err)
	}
	return nil
}

// Load returns every archived record in insertion order.
func (a *Archive) Load(ctx context.Context) ([]crawler.DetailRecord, error) {
	query := fmt.Sprintf(
		`SELECT url, make, model, latitude, longitude, features, reviews FROM %s ORDER BY id`, a.table)
	rows, err := a.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	records := make([]crawler.DetailRecord, 0)
	for rows.Next() {
		var (
			rec      crawler.DetailRecord
			features []byte
			reviews  []byte
		)
		if err := rows.Scan(&rec.URL, &rec.Make, &rec.Model, &rec.Latitude, &rec.Longitude, &features, &reviews); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		if err := json.Unmarshal(features, &rec.Features); err != nil {
			return nil, fmt.Errorf("decode features for %s: %w", rec.URL, err)
		}
		if err := json.Unmarshal(reviews, &rec.Reviews); err != nil {
			return nil, fmt.Errorf("decode reviews for %s: %w", rec.URL, err)
		}
		records = append(records, rec.Normalize())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archive: %w", err)
	}
	return records, nil
}

// Append inserts record unless its URL is already archived.
func (a *Archive) Append(ctx context.Context, record crawler.DetailRecord) error {
	record = record.Normalize()
	features, err := json.Marshal(record.Features)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}
	reviews, err := json.Marshal(record.Reviews)
	if err != nil {
		return fmt.Errorf("marshal reviews: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (url, make, model, latitude, longitude, features, reviews)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (url) DO NOTHING`, a.table)
	args := []any{
		record.URL,
		record.Make,
		record.Model,
		record.Latitude,
		record.Longitude,
		features,
		reviews,
	}
	if _, err := a.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert archive row: %w", err)
	}
	return nil
}

// Close releases the pool.
func (a *Archive) Close() error {
	if a == nil || a.pool == nil {
		return nil
	}
	a.pool.Close()
	return nil
}
