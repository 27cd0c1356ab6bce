// Package jsonl keeps the archive as an append-only JSON Lines log. Each
// record costs one appended line instead of a full rewrite.
package jsonl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/rental-crawler/internal/crawler"
)

// Archive is a crawler.Archive over a JSON Lines file.
type Archive struct {
	path   string
	file   *os.File
	index  map[string]struct{}
	logger *zap.Logger
}

// NewArchive binds an Archive to path. Nothing is opened until Load.
func NewArchive(path string, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{path: path, logger: logger}
}

// Load replays the log. A trailing line without its newline is the remains of
// an interrupted append and is cut off; any other undecodable line is an error.
func (a *Archive) Load(context.Context) ([]crawler.DetailRecord, error) {
	data, err := os.ReadFile(a.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", a.path, err)
	}

	records := make([]crawler.DetailRecord, 0)
	a.index = make(map[string]struct{})
	offset := 0
	for line := 1; offset < len(data); line++ {
		end := bytes.IndexByte(data[offset:], '\n')
		if end < 0 {
			a.logger.Warn("dropping torn archive line",
				zap.String("path", a.path), zap.Int("line", line), zap.Int("bytes", len(data)-offset))
			break
		}
		raw := bytes.TrimSpace(data[offset : offset+end])
		offset += end + 1
		if len(raw) == 0 {
			continue
		}
		var rec crawler.DetailRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode %s line %d: %w", a.path, line, err)
		}
		if _, dup := a.index[rec.URL]; dup {
			continue
		}
		a.index[rec.URL] = struct{}{}
		records = append(records, rec.Normalize())
	}

	if err := a.open(int64(offset)); err != nil {
		return nil, err
	}
	return records, nil
}

// open (re)opens the log for appending, truncated to size.
func (a *Archive) open(size int64) error {
	if a.file != nil {
		_ = a.file.Close()
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o750); err != nil {
		return fmt.Errorf("create directory for %s: %w", a.path, err)
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open %s: %w", a.path, err)
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return fmt.Errorf("truncate %s: %w", a.path, err)
	}
	a.file = f
	return nil
}

// Append writes record as one line and syncs it to disk.
func (a *Archive) Append(ctx context.Context, record crawler.DetailRecord) error {
	if a.file == nil {
		if _, err := a.Load(ctx); err != nil {
			return err
		}
	}
	if _, ok := a.index[record.URL]; ok {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(record.Normalize()); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if _, err := a.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("append %s: %w", a.path, err)
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", a.path, err)
	}
	a.index[record.URL] = struct{}{}
	return nil
}

// Close releases the log file.
func (a *Archive) Close() error {
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", a.path, err)
	}
	return nil
}
