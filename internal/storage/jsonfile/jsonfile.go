// Package jsonfile stores crawl data as whole JSON array files. Every write
// replaces the file atomically, so readers only ever see a complete snapshot.
package jsonfile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/JakeFAU/rental-crawler/internal/crawler"
)

// RunStore keeps the records of one invocation in a JSON array file.
type RunStore struct {
	path string
}

// NewRunStore binds a RunStore to path. The file is created on first Save.
func NewRunStore(path string) *RunStore {
	return &RunStore{path: path}
}

// Load reads the snapshot; a missing file is an empty run.
func (s *RunStore) Load(context.Context) ([]crawler.DetailRecord, error) {
	records, err := readArray[crawler.DetailRecord](s.path)
	if err != nil {
		return nil, err
	}
	for i := range records {
		records[i] = records[i].Normalize()
	}
	return records, nil
}

// Save replaces the snapshot with records.
func (s *RunStore) Save(_ context.Context, records []crawler.DetailRecord) error {
	return WriteAtomic(s.path, records)
}

// Archive is the append-only ledger kept as one JSON array file. Each Append
// rewrites the whole file.
type Archive struct {
	path    string
	loaded  bool
	records []crawler.DetailRecord
	index   map[string]struct{}
}

// NewArchive binds an Archive to path.
func NewArchive(path string) *Archive {
	return &Archive{path: path}
}

// Load reads every archived record. Duplicate URLs in the file keep the
// first occurrence.
func (a *Archive) Load(context.Context) ([]crawler.DetailRecord, error) {
	records, err := readArray[crawler.DetailRecord](a.path)
	if err != nil {
		return nil, err
	}
	a.records = make([]crawler.DetailRecord, 0, len(records))
	a.index = make(map[string]struct{}, len(records))
	for _, rec := range records {
		if _, dup := a.index[rec.URL]; dup {
			continue
		}
		a.index[rec.URL] = struct{}{}
		a.records = append(a.records, rec.Normalize())
	}
	a.loaded = true
	out := make([]crawler.DetailRecord, len(a.records))
	for i, rec := range a.records {
		out[i] = rec.Clone()
	}
	return out, nil
}

// Append adds record and rewrites the file. Known URLs are ignored.
func (a *Archive) Append(ctx context.Context, record crawler.DetailRecord) error {
	if !a.loaded {
		if _, err := a.Load(ctx); err != nil {
			return err
		}
	}
	if _, ok := a.index[record.URL]; ok {
		return nil
	}
	next := append(a.records, record.Clone())
	if err := WriteAtomic(a.path, next); err != nil {
		return err
	}
	a.records = next
	a.index[record.URL] = struct{}{}
	return nil
}

// Close implements crawler.Archive.
func (a *Archive) Close() error {
	return nil
}

// ReadReferences loads a listing file. Unlike the stores, the file must exist.
func ReadReferences(path string) ([]crawler.ItemReference, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("read listing file: %w", err)
	}
	return readArray[crawler.ItemReference](path)
}

// WriteReferences writes a listing file.
func WriteReferences(path string, refs []crawler.ItemReference) error {
	if refs == nil {
		refs = []crawler.ItemReference{}
	}
	return WriteAtomic(path, refs)
}

func readArray[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []T{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return []T{}, nil
	}
	var out []T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

// WriteAtomic encodes v as UTF-8 JSON (HTML characters unescaped) into a temp
// file next to path, syncs it and renames it over path.
func WriteAtomic(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpName)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
