package jsonl

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/rental-crawler/internal/crawler"
)

func TestArchiveAppendAndReplay(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "archive", "all_cars.jsonl")
	archive := NewArchive(path, nil)
	records, err := archive.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	require.NoError(t, archive.Append(ctx, crawler.DetailRecord{URL: "http://site/a", Make: "Fiat"}))
	require.NoError(t, archive.Append(ctx, crawler.DetailRecord{URL: "http://site/a", Make: "Again"}))
	require.NoError(t, archive.Append(ctx, crawler.DetailRecord{URL: "http://site/b", Features: map[string]string{"gps": "<yes>"}}))
	require.NoError(t, archive.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"gps":"<yes>"`)

	reopened := NewArchive(path, nil)
	records, err = reopened.Load(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Fiat", records[0].Make)
	assert.Equal(t, "<yes>", records[1].Features["gps"])
	assert.NotNil(t, records[0].Reviews)
	require.NoError(t, reopened.Close())
}

func TestArchiveCutsTornTrailingLine(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "all_cars.jsonl")
	content := `{"url":"http://site/a","make":"Fiat"}` + "\n" + `{"url":"http://site/b","ma`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	core, logs := observer.New(zap.WarnLevel)
	archive := NewArchive(path, zap.New(core))
	records, err := archive.Load(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1, logs.FilterMessage("dropping torn archive line").Len())

	require.NoError(t, archive.Append(ctx, crawler.DetailRecord{URL: "http://site/b", Make: "VW"}))
	require.NoError(t, archive.Close())

	records, err = NewArchive(path, nil).Load(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "VW", records[1].Make)
}

func TestArchiveRejectsCorruptMiddleLine(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "all_cars.jsonl")
	content := "{not json}\n" + `{"url":"http://site/a"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	_, err := NewArchive(path, nil).Load(context.Background())
	require.ErrorContains(t, err, "line 1")
}

func TestArchiveAppendLoadsLazily(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "all_cars.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"url":"http://site/a"}`+"\n"), 0o600))

	archive := NewArchive(path, nil)
	require.NoError(t, archive.Append(ctx, crawler.DetailRecord{URL: "http://site/a"}))
	require.NoError(t, archive.Close())

	records, err := NewArchive(path, nil).Load(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
