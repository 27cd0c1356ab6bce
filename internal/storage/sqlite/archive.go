// Package sqlite keeps the archive in a single SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/rental-crawler/internal/crawler"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	url        TEXT NOT NULL UNIQUE,
	make       TEXT NOT NULL,
	model      TEXT NOT NULL,
	latitude   TEXT NOT NULL,
	longitude  TEXT NOT NULL,
	features   TEXT NOT NULL,
	reviews    TEXT NOT NULL,
	fetched_at TEXT NOT NULL
)`

// Archive is a crawler.Archive backed by SQLite. URL uniqueness is enforced by
// the schema.
type Archive struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates the database file and schema when missing.
func Open(ctx context.Context, path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create records table: %w", err)
	}
	return &Archive{db: db, now: time.Now}, nil
}

// Load returns every record in insertion order.
func (a *Archive) Load(ctx context.Context) ([]crawler.DetailRecord, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT url, make, model, latitude, longitude, features, reviews FROM records ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := make([]crawler.DetailRecord, 0)
	for rows.Next() {
		var (
			rec      crawler.DetailRecord
			features string
			reviews  string
		)
		if err := rows.Scan(&rec.URL, &rec.Make, &rec.Model, &rec.Latitude, &rec.Longitude, &features, &reviews); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(features), &rec.Features); err != nil {
			return nil, fmt.Errorf("decode features for %s: %w", rec.URL, err)
		}
		if err := json.Unmarshal([]byte(reviews), &rec.Reviews); err != nil {
			return nil, fmt.Errorf("decode reviews for %s: %w", rec.URL, err)
		}
		records = append(records, rec.Normalize())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// Append inserts record; an existing URL is left untouched.
func (a *Archive) Append(ctx context.Context, record crawler.DetailRecord) error {
	record = record.Normalize()
	features, err := json.Marshal(record.Features)
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}
	reviews, err := json.Marshal(record.Reviews)
	if err != nil {
		return fmt.Errorf("encode reviews: %w", err)
	}
	_, err = a.db.ExecContext(ctx, `
INSERT INTO records (url, make, model, latitude, longitude, features, reviews, fetched_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(url) DO NOTHING`,
		record.URL, record.Make, record.Model, record.Latitude, record.Longitude,
		string(features), string(reviews), a.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Close closes the database.
func (a *Archive) Close() error {
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
