package crawler_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rental-crawler/internal/crawler"
	"github.com/JakeFAU/rental-crawler/internal/progress"
	pubmemory "github.com/JakeFAU/rental-crawler/internal/publisher/memory"
	"github.com/JakeFAU/rental-crawler/internal/storage/memory"
)

const simpleMarkup = `<html><body>
<!--<div class="slText">VW<br>Golf</div>-->
<div id="map" data-latitude="1" data-longitude="2"></div>
</body></html>`

func coordinatorConfig() crawler.CoordinatorConfig {
	return crawler.CoordinatorConfig{
		FetchAttempts:     1,
		RetryDelay:        time.Millisecond,
		ReadySelector:     "body",
		NavigationTimeout: time.Second,
	}
}

type coordinatorFixture struct {
	browser  *fakeBrowser
	runStore *memory.RunStore
	archive  *memory.Archive
	emitter  *recordingEmitter
}

func newFixture(site map[string]sitePage) *coordinatorFixture {
	return &coordinatorFixture{
		browser:  newFakeBrowser(site),
		runStore: memory.NewRunStore(),
		archive:  memory.NewArchive(),
		emitter:  &recordingEmitter{},
	}
}

func (f *coordinatorFixture) coordinator(t *testing.T, cfg crawler.CoordinatorConfig) *crawler.Coordinator {
	t.Helper()
	details, err := crawler.NewDetailFetcher(detailConfig(), &recordingSleeper{}, nil)
	require.NoError(t, err)
	return crawler.NewCoordinator(f.browser, details, f.runStore, f.archive, nil, f.emitter, nil, cfg, nil)
}

func refs(urls ...string) []crawler.ItemReference {
	out := make([]crawler.ItemReference, len(urls))
	for i, u := range urls {
		out[i] = crawler.ItemReference{Title: "car", URL: u}
	}
	return out
}

func TestCoordinatorFetchesAndPersistsNewItem(t *testing.T) {
	t.Parallel()

	fx := newFixture(map[string]sitePage{"http://site/a": {html: fiatMarkup}})
	result, err := fx.coordinator(t, coordinatorConfig()).Run(context.Background(),
		[]crawler.ItemReference{{Title: "Fiat 500", URL: "http://site/a"}})
	require.NoError(t, err)

	got, err := json.Marshal(result.Records)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"url":"http://site/a","make":"Fiat","model":"500","latitude":"46.2",`+
		`"longitude":"6.1","features":{"gps":"yes"},"reviews":["2021.05"]}]`, string(got))

	archived, err := fx.archive.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, result.Records, archived)
	stored, err := fx.runStore.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, result.Records, stored)
	assert.Equal(t, crawler.RunCounters{Total: 1, Persisted: 1}, result.Counters)
	assert.True(t, fx.browser.Balanced())
}

func TestCoordinatorSkipsArchivedItems(t *testing.T) {
	t.Parallel()

	fx := newFixture(map[string]sitePage{"http://site/a": {html: fiatMarkup}})
	archivedRecord := crawler.DetailRecord{URL: "http://site/a", Make: "Fiat", Model: "500"}.Normalize()
	fx.archive = memory.NewArchive(archivedRecord)

	result, err := fx.coordinator(t, coordinatorConfig()).Run(context.Background(), refs("http://site/a"))
	require.NoError(t, err)
	assert.Zero(t, fx.browser.TotalVisits())
	assert.Equal(t, []crawler.DetailRecord{archivedRecord}, result.Records)
	assert.Equal(t, 1, result.Counters.Archived)

	stored, err := fx.runStore.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, result.Records, stored)
}

func TestCoordinatorResumesWithoutDuplicates(t *testing.T) {
	t.Parallel()

	fx := newFixture(map[string]sitePage{
		"http://site/a": {html: fiatMarkup},
		"http://site/b": {html: simpleMarkup},
	})
	recA := crawler.DetailRecord{URL: "http://site/a", Make: "Fiat"}.Normalize()
	fx.archive = memory.NewArchive(recA)
	fx.runStore = memory.NewRunStore(recA)

	result, err := fx.coordinator(t, coordinatorConfig()).Run(context.Background(), refs("http://site/a", "http://site/b"))
	require.NoError(t, err)
	require.Len(t, result.Records, 2)
	assert.Equal(t, "http://site/a", result.Records[0].URL)
	assert.Equal(t, "Golf", result.Records[1].Model)
	assert.Zero(t, fx.browser.Visits("http://site/a"))
	assert.Equal(t, 1, fx.browser.Visits("http://site/b"))
	assert.Equal(t, 1, result.Counters.Resumed)
}

func TestCoordinatorArchivesRunRecordMissingFromArchive(t *testing.T) {
	t.Parallel()

	fx := newFixture(map[string]sitePage{"http://site/a": {html: fiatMarkup}})
	runRec := crawler.DetailRecord{URL: "http://site/a", Make: "Fiat", Model: "500"}.Normalize()
	fx.runStore = memory.NewRunStore(runRec)

	result, err := fx.coordinator(t, coordinatorConfig()).Run(context.Background(), refs("http://site/a"))
	require.NoError(t, err)
	assert.Zero(t, fx.browser.TotalVisits())
	assert.Equal(t, []crawler.DetailRecord{runRec}, result.Records)
	assert.Equal(t, 1, result.Counters.Resumed)

	archived, err := fx.archive.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []crawler.DetailRecord{runRec}, archived)
}

func TestCoordinatorPrefersArchiveOverStaleRunRecord(t *testing.T) {
	t.Parallel()

	fx := newFixture(map[string]sitePage{"http://site/a": {html: fiatMarkup}})
	archivedRec := crawler.DetailRecord{URL: "http://site/a", Make: "Fiat", Model: "500"}.Normalize()
	fx.archive = memory.NewArchive(archivedRec)
	fx.runStore = memory.NewRunStore(crawler.DetailRecord{URL: "http://site/a", Make: "Stale"})

	result, err := fx.coordinator(t, coordinatorConfig()).Run(context.Background(), refs("http://site/a"))
	require.NoError(t, err)
	assert.Zero(t, fx.browser.TotalVisits())
	assert.Equal(t, []crawler.DetailRecord{archivedRec}, result.Records)

	stored, err := fx.runStore.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []crawler.DetailRecord{archivedRec}, stored)
	archived, err := fx.archive.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

func TestCoordinatorFailsWhenArchivingRunRecordFails(t *testing.T) {
	t.Parallel()

	fx := newFixture(map[string]sitePage{"http://site/a": {html: fiatMarkup}})
	fx.runStore = memory.NewRunStore(crawler.DetailRecord{URL: "http://site/a", Make: "Fiat"})
	flaky := &failingArchive{Archive: fx.archive, failAt: 1}
	details, err := crawler.NewDetailFetcher(detailConfig(), &recordingSleeper{}, nil)
	require.NoError(t, err)
	coord := crawler.NewCoordinator(fx.browser, details, fx.runStore, flaky, nil, nil, nil, coordinatorConfig(), nil)

	_, err = coord.Run(context.Background(), refs("http://site/a"))
	require.ErrorIs(t, err, errDiskFull)
	assert.Zero(t, fx.browser.TotalVisits())
}

func TestCoordinatorIsIdempotent(t *testing.T) {
	t.Parallel()

	fx := newFixture(map[string]sitePage{
		"http://site/a": {html: fiatMarkup},
		"http://site/b": {html: simpleMarkup},
	})
	input := refs("http://site/a", "http://site/b", "http://site/a")

	first, err := fx.coordinator(t, coordinatorConfig()).Run(context.Background(), input)
	require.NoError(t, err)
	visits := fx.browser.TotalVisits()
	assert.Equal(t, 2, visits)
	require.Len(t, first.Records, 2)

	second, err := fx.coordinator(t, coordinatorConfig()).Run(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, visits, fx.browser.TotalVisits())
	assert.Equal(t, first.Records, second.Records)

	archived, err := fx.archive.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, archived, 2)
}

func TestCoordinatorIsolatesItemFailures(t *testing.T) {
	t.Parallel()

	fx := newFixture(map[string]sitePage{
		"http://site/a": {html: fiatMarkup},
		"http://site/c": {html: simpleMarkup},
	})
	result, err := fx.coordinator(t, coordinatorConfig()).Run(context.Background(),
		refs("http://site/a", "http://site/b", "http://site/c"))
	require.NoError(t, err)
	require.Len(t, result.Records, 2)
	assert.Equal(t, "http://site/a", result.Records[0].URL)
	assert.Equal(t, "http://site/c", result.Records[1].URL)
	assert.Equal(t, 1, result.Counters.Failed)
	assert.False(t, fx.archive.Contains("http://site/b"))
	assert.True(t, fx.browser.Balanced())
	assert.Contains(t, fx.emitter.Stages(), progress.StageItemFailed)
}

func TestCoordinatorRetriesFetchAttempts(t *testing.T) {
	t.Parallel()

	fx := newFixture(map[string]sitePage{"http://site/a": {html: fiatMarkup, failFirst: 2}})
	cfg := coordinatorConfig()
	cfg.FetchAttempts = 3
	result, err := fx.coordinator(t, cfg).Run(context.Background(), refs("http://site/a"))
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, 3, fx.browser.Visits("http://site/a"))
	assert.True(t, fx.browser.Balanced())

	cfg.FetchAttempts = 1
	fx = newFixture(map[string]sitePage{"http://site/a": {html: fiatMarkup, failFirst: 2}})
	result, err = fx.coordinator(t, cfg).Run(context.Background(), refs("http://site/a"))
	require.NoError(t, err)
	assert.Empty(t, result.Records)
	assert.Equal(t, 1, fx.browser.Visits("http://site/a"))
}

func TestCoordinatorWritesArchiveBeforeRunStore(t *testing.T) {
	t.Parallel()

	fx := newFixture(map[string]sitePage{
		"http://site/a": {html: fiatMarkup},
		"http://site/b": {html: simpleMarkup},
	})
	checker := &orderCheckingRunStore{RunStore: fx.runStore, archive: fx.archive}
	details, err := crawler.NewDetailFetcher(detailConfig(), &recordingSleeper{}, nil)
	require.NoError(t, err)
	coord := crawler.NewCoordinator(fx.browser, details, checker, fx.archive, nil, nil, nil, coordinatorConfig(), nil)

	_, err = coord.Run(context.Background(), refs("http://site/a", "http://site/b"))
	require.NoError(t, err)
	assert.Empty(t, checker.violations)
	assert.Equal(t, 2, fx.runStore.Saves())
}

func TestCoordinatorStopsOnStoreFailureAndResumes(t *testing.T) {
	t.Parallel()

	fx := newFixture(map[string]sitePage{
		"http://site/a": {html: fiatMarkup},
		"http://site/b": {html: simpleMarkup},
		"http://site/c": {html: simpleMarkup},
	})
	flaky := &failingArchive{Archive: fx.archive, failAt: 2}
	details, err := crawler.NewDetailFetcher(detailConfig(), &recordingSleeper{}, nil)
	require.NoError(t, err)
	coord := crawler.NewCoordinator(fx.browser, details, fx.runStore, flaky, nil, nil, nil, coordinatorConfig(), nil)

	input := refs("http://site/a", "http://site/b", "http://site/c")
	result, err := coord.Run(context.Background(), input)
	require.ErrorIs(t, err, errDiskFull)
	require.Len(t, result.Records, 1)
	assert.Zero(t, fx.browser.Visits("http://site/c"))
	assert.True(t, fx.browser.Balanced())

	result, err = fx.coordinator(t, coordinatorConfig()).Run(context.Background(), input)
	require.NoError(t, err)
	require.Len(t, result.Records, 3)
	assert.Equal(t, 1, fx.browser.Visits("http://site/a"))
	assert.Equal(t, 2, fx.browser.Visits("http://site/b"))
	assert.Equal(t, 1, fx.browser.Visits("http://site/c"))
}

// cancellingSource cancels the run after the first successful extraction.
type cancellingSource struct {
	inner  crawler.DetailSource
	cancel context.CancelFunc
}

func (s *cancellingSource) Fetch(ctx context.Context, page crawler.Page, url string) (crawler.DetailRecord, error) {
	rec, err := s.inner.Fetch(ctx, page, url)
	s.cancel()
	return rec, err
}

func TestCoordinatorReturnsPartialResultsOnCancel(t *testing.T) {
	t.Parallel()

	fx := newFixture(map[string]sitePage{
		"http://site/a": {html: fiatMarkup},
		"http://site/b": {html: simpleMarkup},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	details, err := crawler.NewDetailFetcher(detailConfig(), &recordingSleeper{}, nil)
	require.NoError(t, err)
	source := &cancellingSource{inner: details, cancel: cancel}
	coord := crawler.NewCoordinator(fx.browser, source, fx.runStore, fx.archive, nil, fx.emitter, nil, coordinatorConfig(), nil)

	result, err := coord.Run(ctx, refs("http://site/a", "http://site/b"))
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, result.Records, 1)
	assert.Zero(t, fx.browser.Visits("http://site/b"))
	assert.True(t, fx.archive.Contains("http://site/a"))
	stages := fx.emitter.Stages()
	assert.Equal(t, progress.StageRunError, stages[len(stages)-1])
}

func TestCoordinatorPublishesNewRecords(t *testing.T) {
	t.Parallel()

	fx := newFixture(map[string]sitePage{"http://site/b": {html: simpleMarkup}})
	fx.archive = memory.NewArchive(crawler.DetailRecord{URL: "http://site/a"})
	pub := pubmemory.New()
	details, err := crawler.NewDetailFetcher(detailConfig(), &recordingSleeper{}, nil)
	require.NoError(t, err)
	cfg := coordinatorConfig()
	cfg.Topic = "records"
	coord := crawler.NewCoordinator(fx.browser, details, fx.runStore, fx.archive, pub, nil, nil, cfg, nil)

	_, err = coord.Run(context.Background(), refs("http://site/a", "http://site/b"))
	require.NoError(t, err)
	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "records", msgs[0].Topic)
	rec, ok := msgs[0].Payload.(crawler.DetailRecord)
	require.True(t, ok)
	assert.Equal(t, "http://site/b", rec.URL)
}

func TestCoordinatorEmitsLifecycleEvents(t *testing.T) {
	t.Parallel()

	fx := newFixture(map[string]sitePage{"http://site/b": {html: simpleMarkup}})
	fx.archive = memory.NewArchive(crawler.DetailRecord{URL: "http://site/a"})
	_, err := fx.coordinator(t, coordinatorConfig()).Run(context.Background(), refs("http://site/a", "http://site/b"))
	require.NoError(t, err)
	assert.Equal(t, []progress.Stage{
		progress.StageRunStart,
		progress.StageItemArchived,
		progress.StageFetchStart,
		progress.StageFetchDone,
		progress.StageRunDone,
	}, fx.emitter.Stages())
	for _, evt := range fx.emitter.events {
		require.NoError(t, evt.Validate())
	}
}

// brokenStore fails to load, as a corrupt file would.
type brokenStore struct{ crawler.RunStore }

func (brokenStore) Load(context.Context) ([]crawler.DetailRecord, error) {
	return nil, errors.New("unexpected end of JSON input")
}

func TestCoordinatorFailsOnUnreadableStore(t *testing.T) {
	t.Parallel()

	fx := newFixture(nil)
	details, err := crawler.NewDetailFetcher(detailConfig(), nil, nil)
	require.NoError(t, err)
	coord := crawler.NewCoordinator(fx.browser, details, brokenStore{}, fx.archive, nil, nil, nil, coordinatorConfig(), nil)
	_, err = coord.Run(context.Background(), refs("http://site/a"))
	require.ErrorContains(t, err, "load run store")
	assert.Zero(t, fx.browser.TotalVisits())
}
