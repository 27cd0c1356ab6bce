// Package storage opens the configured archive backend and snapshot mirror.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/rental-crawler/internal/config"
	"github.com/JakeFAU/rental-crawler/internal/crawler"
	"github.com/JakeFAU/rental-crawler/internal/storage/gcs"
	"github.com/JakeFAU/rental-crawler/internal/storage/jsonfile"
	"github.com/JakeFAU/rental-crawler/internal/storage/jsonl"
	"github.com/JakeFAU/rental-crawler/internal/storage/local"
	"github.com/JakeFAU/rental-crawler/internal/storage/memory"
	"github.com/JakeFAU/rental-crawler/internal/storage/postgres"
	"github.com/JakeFAU/rental-crawler/internal/storage/sqlite"
)

// Mirror receives copies of snapshot files after a run.
type Mirror interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	Close() error
}

// OpenArchive returns the archive backend named by cfg.ArchiveBackend.
func OpenArchive(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (crawler.Archive, error) {
	switch cfg.ArchiveBackend {
	case "", "json":
		return jsonfile.NewArchive(cfg.ArchivePath), nil
	case "jsonl":
		return jsonl.NewArchive(cfg.ArchivePath, logger), nil
	case "sqlite":
		archive, err := sqlite.Open(ctx, cfg.ArchivePath)
		if err != nil {
			return nil, err
		}
		return archive, nil
	case "postgres":
		archive, err := postgres.Open(ctx, postgres.Config{DSN: cfg.PostgresDSN, Table: cfg.PostgresTable})
		if err != nil {
			return nil, err
		}
		return archive, nil
	case "memory":
		return memory.NewArchive(), nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.ArchiveBackend)
	}
}

// OpenMirror returns the configured mirror, or nil when mirroring is off.
func OpenMirror(ctx context.Context, cfg config.StoreConfig) (Mirror, error) {
	switch cfg.Mirror {
	case "":
		return nil, nil
	case "gcs":
		return gcs.Open(ctx, gcs.Config{Bucket: cfg.GCSBucket})
	case "local":
		return local.New(local.Config{BaseDir: cfg.MirrorDir})
	default:
		return nil, fmt.Errorf("unknown mirror %q", cfg.Mirror)
	}
}

// MirrorFiles uploads each local file to prefix/<base name> and returns the
// resulting URIs. Missing files are skipped.
func MirrorFiles(ctx context.Context, m Mirror, prefix string, files ...string) ([]string, error) {
	uris := make([]string, 0, len(files))
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return uris, err
		}
		uri, err := mirrorFile(ctx, m, prefix, file)
		if err != nil {
			return uris, err
		}
		if uri != "" {
			uris = append(uris, uri)
		}
	}
	return uris, nil
}

func mirrorFile(ctx context.Context, m Mirror, prefix, file string) (string, error) {
	// #nosec G304 -- file comes from the operator's own command line.
	f, err := os.Open(file)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open %s: %w", file, err)
	}
	defer func() { _ = f.Close() }()

	object := path.Join(prefix, filepath.Base(file))
	uri, err := m.PutObject(ctx, object, contentType(file), f)
	if err != nil {
		return "", fmt.Errorf("mirror %s: %w", file, err)
	}
	return uri, nil
}

func contentType(file string) string {
	switch filepath.Ext(file) {
	case ".json":
		return "application/json"
	case ".jsonl":
		return "application/x-ndjson"
	default:
		return "application/octet-stream"
	}
}
