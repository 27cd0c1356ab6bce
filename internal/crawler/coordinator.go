package crawler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/rental-crawler/internal/clock/system"
	"github.com/JakeFAU/rental-crawler/internal/progress"
)

var tracer = otel.Tracer("github.com/JakeFAU/rental-crawler/internal/crawler")

// CoordinatorConfig controls per-item fetching.
type CoordinatorConfig struct {
	// RunID labels progress events; a UUIDv7 is generated when zero.
	RunID uuid.UUID
	// FetchAttempts is the number of tries per item (min 1).
	FetchAttempts int
	// RetryDelay separates attempts for the same item.
	RetryDelay time.Duration
	// ReadySelector must be present before extraction starts.
	ReadySelector string
	// NavigationTimeout bounds navigation plus the readiness wait.
	NavigationTimeout time.Duration
	// RequestsPerSecond throttles navigations when > 0.
	RequestsPerSecond float64
	// Topic receives one notification per persisted record when a publisher is set.
	Topic string
}

// Coordinator drives a list of references through the detail fetcher and
// persists every new record before moving to the next reference.
type Coordinator struct {
	browser   Browser
	details   DetailSource
	runStore  RunStore
	archive   Archive
	publisher Publisher
	emitter   progress.Emitter
	clock     Clock
	limiter   *rate.Limiter
	cfg       CoordinatorConfig
	logger    *zap.Logger
}

// NewCoordinator wires a Coordinator. publisher, emitter and clock are
// optional.
func NewCoordinator(
	browser Browser,
	details DetailSource,
	runStore RunStore,
	archive Archive,
	publisher Publisher,
	emitter progress.Emitter,
	clock Clock,
	cfg CoordinatorConfig,
	logger *zap.Logger,
) *Coordinator {
	if emitter == nil {
		emitter = progress.Discard
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Coordinator{
		browser:   browser,
		details:   details,
		runStore:  runStore,
		archive:   archive,
		publisher: publisher,
		emitter:   emitter,
		clock:     clock,
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger,
	}
}

// persistError marks a store write failure, which ends the run.
type persistError struct {
	err error
}

func (e *persistError) Error() string { return e.err.Error() }
func (e *persistError) Unwrap() error { return e.err }

// runState is the in-memory view of both stores during a run.
// inRun maps a URL to its index in records.
type runState struct {
	records []DetailRecord
	inRun   map[string]int
	archive map[string]DetailRecord
	dirty   bool
}

func newRunState(runRecords, archived []DetailRecord) *runState {
	s := &runState{
		records: make([]DetailRecord, 0, len(runRecords)),
		inRun:   make(map[string]int, len(runRecords)),
		archive: make(map[string]DetailRecord, len(archived)),
	}
	for _, rec := range archived {
		if _, seen := s.archive[rec.URL]; !seen {
			s.archive[rec.URL] = rec.Normalize()
		}
	}
	for _, rec := range runRecords {
		if _, seen := s.inRun[rec.URL]; seen {
			continue
		}
		s.inRun[rec.URL] = len(s.records)
		s.records = append(s.records, rec.Normalize())
	}
	return s
}

func (s *runState) addToRun(rec DetailRecord) {
	s.inRun[rec.URL] = len(s.records)
	s.records = append(s.records, rec)
	s.dirty = true
}

// syncFromArchive makes the run copy at idx match the archive record.
func (s *runState) syncFromArchive(idx int, rec DetailRecord) {
	if sameRecord(s.records[idx], rec) {
		return
	}
	s.records[idx] = rec.Clone()
	s.dirty = true
}

func sameRecord(a, b DetailRecord) bool {
	return a.URL == b.URL && a.Make == b.Make && a.Model == b.Model &&
		a.Latitude == b.Latitude && a.Longitude == b.Longitude &&
		maps.Equal(a.Features, b.Features) && slices.Equal(a.Reviews, b.Reviews)
}

// Run processes refs in order. Already stored items are never fetched again.
// Per-item failures are logged and skipped; store failures and cancellation
// stop the run and are returned together with the records collected so far.
func (c *Coordinator) Run(ctx context.Context, refs []ItemReference) (RunResult, error) {
	runID := c.cfg.RunID
	if runID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return RunResult{}, fmt.Errorf("generate run id: %w", err)
		}
		runID = id
	}
	result := RunResult{Started: c.clock.Now()}
	logger := c.logger.With(zap.String("run_id", runID.String()))

	runRecords, err := c.runStore.Load(ctx)
	if err != nil {
		return result, fmt.Errorf("load run store: %w", err)
	}
	archived, err := c.archive.Load(ctx)
	if err != nil {
		return result, fmt.Errorf("load archive: %w", err)
	}
	state := newRunState(runRecords, archived)
	logger.Info("crawl run starting",
		zap.Int("references", len(refs)),
		zap.Int("run_records", len(state.records)),
		zap.Int("archived", len(state.archive)),
	)
	c.emit(runID, progress.Event{Stage: progress.StageRunStart})

	runErr := c.process(ctx, runID, state, refs, &result.Counters, logger)
	if runErr == nil || !isPersistError(runErr) {
		if err := c.flush(ctx, state); err != nil {
			runErr = errors.Join(runErr, err)
		}
	}

	result.Records = make([]DetailRecord, len(state.records))
	for i, rec := range state.records {
		result.Records[i] = rec.Clone()
	}
	result.Finished = c.clock.Now()
	done := progress.Event{Stage: progress.StageRunDone, Count: len(result.Records), Dur: result.Finished.Sub(result.Started)}
	if runErr != nil {
		done.Stage = progress.StageRunError
		done.Note = runErr.Error()
		logger.Error("crawl run stopped", zap.Error(runErr))
	} else {
		logger.Info("crawl run finished",
			zap.Int("records", len(result.Records)),
			zap.Int("persisted", result.Counters.Persisted),
			zap.Int("archived", result.Counters.Archived),
			zap.Int("resumed", result.Counters.Resumed),
			zap.Int("failed", result.Counters.Failed),
		)
	}
	c.emit(runID, done)
	return result, runErr
}

func (c *Coordinator) process(
	ctx context.Context,
	runID uuid.UUID,
	state *runState,
	refs []ItemReference,
	counters *RunCounters,
	logger *zap.Logger,
) error {
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("crawl run interrupted: %w", err)
		}
		counters.Total++
		itemState, err := c.processItem(ctx, runID, state, ref, logger)
		switch itemState {
		case ItemResumed:
			counters.Resumed++
		case ItemArchived:
			counters.Archived++
		case ItemPersisted:
			counters.Persisted++
		case ItemPermanentlyFailed:
			counters.Failed++
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) processItem(
	ctx context.Context,
	runID uuid.UUID,
	state *runState,
	ref ItemReference,
	logger *zap.Logger,
) (ItemState, error) {
	logger = logger.With(zap.String("url", ref.URL))
	idx, inRun := state.inRun[ref.URL]
	rec, inArchive := state.archive[ref.URL]
	switch {
	case inRun && inArchive:
		state.syncFromArchive(idx, rec)
		logger.Info("item already in run output, skipping")
		c.emit(runID, progress.Event{Stage: progress.StageItemResumed, URL: ref.URL})
		return ItemResumed, nil
	case inRun:
		// The run output must never hold a record the archive lacks.
		runRec := state.records[idx]
		if err := c.archive.Append(ctx, runRec); err != nil {
			return ItemPermanentlyFailed, &persistError{err: fmt.Errorf("append to archive: %w", err)}
		}
		state.archive[ref.URL] = runRec.Clone()
		logger.Warn("run output item was missing from archive, archived it")
		c.emit(runID, progress.Event{Stage: progress.StageItemResumed, URL: ref.URL})
		return ItemResumed, nil
	case inArchive:
		logger.Info("item found in archive, reusing")
		state.addToRun(rec.Clone())
		c.emit(runID, progress.Event{Stage: progress.StageItemArchived, URL: ref.URL})
		return ItemArchived, nil
	}

	site := SiteLabel(ref.URL)
	policy := RetryPolicy{
		Attempts: c.cfg.FetchAttempts,
		Delay:    c.cfg.RetryDelay,
		Retryable: func(err error) bool {
			return !isPersistError(err)
		},
	}
	var record DetailRecord
	err := policy.Do(ctx, func(attempt int) error {
		logger.Info("fetching item details", zap.Int("attempt", attempt))
		c.emit(runID, progress.Event{Stage: progress.StageFetchStart, Site: site, URL: ref.URL, Attempt: attempt})
		start := c.clock.Now()
		rec, err := c.fetchAndPersist(ctx, state, ref.URL, attempt)
		if err != nil {
			c.emit(runID, progress.Event{
				Stage: progress.StageFetchFailed, Site: site, URL: ref.URL,
				Attempt: attempt, Note: err.Error(),
			})
			return err
		}
		record = rec
		c.emit(runID, progress.Event{
			Stage: progress.StageFetchDone, Site: site, URL: ref.URL,
			Attempt: attempt, Dur: c.clock.Now().Sub(start),
		})
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		logger.Warn("item fetch failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	})
	switch {
	case err == nil:
		c.notify(ctx, record, logger)
		return ItemPersisted, nil
	case isPersistError(err):
		return ItemPermanentlyFailed, err
	case ctx.Err() != nil:
		return ItemPermanentlyFailed, fmt.Errorf("crawl run interrupted: %w", ctx.Err())
	default:
		logger.Warn("giving up on item", zap.Error(err))
		c.emit(runID, progress.Event{Stage: progress.StageItemFailed, URL: ref.URL, Note: err.Error()})
		return ItemPermanentlyFailed, nil
	}
}

// fetchAndPersist runs one attempt on a fresh page. The page is closed on
// every path, after the record has been written to both stores.
func (c *Coordinator) fetchAndPersist(ctx context.Context, state *runState, url string, attempt int) (_ DetailRecord, err error) {
	ctx, span := tracer.Start(ctx, "crawler.fetch_detail", trace.WithAttributes(
		attribute.String("url.full", url),
		attribute.Int("crawler.attempt", attempt),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	page, err := c.browser.NewPage(ctx)
	if err != nil {
		return DetailRecord{}, fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			c.logger.Warn("close page failed", zap.String("url", url), zap.Error(cerr))
		}
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return DetailRecord{}, fmt.Errorf("wait for rate limiter: %w", err)
		}
	}
	if err := c.navigate(ctx, page, url); err != nil {
		return DetailRecord{}, err
	}
	record, err := c.details.Fetch(ctx, page, url)
	if err != nil {
		return DetailRecord{}, fmt.Errorf("extract details: %w", err)
	}
	record.URL = url
	record = record.Normalize()
	if err := c.persist(ctx, state, record); err != nil {
		return DetailRecord{}, &persistError{err: err}
	}
	return record, nil
}

func (c *Coordinator) navigate(ctx context.Context, page Page, url string) error {
	navCtx := ctx
	if c.cfg.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, c.cfg.NavigationTimeout)
		defer cancel()
	}
	if err := page.Goto(navCtx, url); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if c.cfg.ReadySelector != "" {
		if err := page.WaitReady(navCtx, c.cfg.ReadySelector); err != nil {
			return fmt.Errorf("wait for page ready: %w", err)
		}
	}
	return nil
}

// persist appends to the archive before rewriting the run snapshot, so the
// run store never references a record the archive lacks.
func (c *Coordinator) persist(ctx context.Context, state *runState, record DetailRecord) error {
	if err := c.archive.Append(ctx, record); err != nil {
		return fmt.Errorf("append to archive: %w", err)
	}
	state.archive[record.URL] = record
	state.addToRun(record.Clone())
	if err := c.runStore.Save(ctx, state.records); err != nil {
		return fmt.Errorf("save run store: %w", err)
	}
	state.dirty = false
	return nil
}

func (c *Coordinator) flush(ctx context.Context, state *runState) error {
	if !state.dirty {
		return nil
	}
	// A cancelled run still gets its final snapshot written.
	if err := c.runStore.Save(context.WithoutCancel(ctx), state.records); err != nil {
		return fmt.Errorf("save run store: %w", err)
	}
	state.dirty = false
	return nil
}

func (c *Coordinator) notify(ctx context.Context, record DetailRecord, logger *zap.Logger) {
	if c.publisher == nil || c.cfg.Topic == "" {
		return
	}
	if _, err := c.publisher.Publish(ctx, c.cfg.Topic, record); err != nil {
		logger.Warn("publish record notification failed", zap.Error(err))
	}
}

func (c *Coordinator) emit(runID uuid.UUID, evt progress.Event) {
	evt.RunID = [16]byte(runID)
	evt.TS = c.clock.Now()
	c.emitter.Emit(evt)
}

func isPersistError(err error) bool {
	var pe *persistError
	return errors.As(err, &pe)
}
