// Package app holds the long-lived services shared by the CLI commands and
// assembles the crawl pipeline from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/rental-crawler/internal/clock/system"
	"github.com/JakeFAU/rental-crawler/internal/config"
	"github.com/JakeFAU/rental-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/rental-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/rental-crawler/internal/fetcher/headless"
	iduuid "github.com/JakeFAU/rental-crawler/internal/id/uuid"
	"github.com/JakeFAU/rental-crawler/internal/logging"
	"github.com/JakeFAU/rental-crawler/internal/progress"
	"github.com/JakeFAU/rental-crawler/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/rental-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/rental-crawler/internal/storage"
	"github.com/JakeFAU/rental-crawler/internal/storage/jsonfile"
	"github.com/JakeFAU/rental-crawler/internal/telemetry"
)

// Publisher is a crawler.Publisher the App can shut down.
type Publisher interface {
	crawler.Publisher
	Close() error
}

// App holds the services that outlive a single command step.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	runID     uuid.UUID
	registry  *prometheus.Registry
	hub       *progress.Hub
	publisher Publisher
	mirror    storage.Mirror
	tracer    *sdktrace.TracerProvider
	clock     *system.Clock
}

// Option customizes New.
type Option func(*App)

// WithPublisher replaces the configured Pub/Sub publisher.
func WithPublisher(p Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithMirror replaces the configured snapshot mirror.
func WithMirror(m storage.Mirror) Option {
	return func(a *App) { a.mirror = m }
}

// WithRunID pins the run id instead of generating one.
func WithRunID(id uuid.UUID) Option {
	return func(a *App) { a.runID = id }
}

// New builds the progress hub with its sinks, then opens the optional
// publisher and mirror.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, registry: prometheus.NewRegistry(), clock: system.New()}
	for _, opt := range opts {
		opt(a)
	}
	if a.runID == uuid.Nil {
		id, err := iduuid.NewRunID()
		if err != nil {
			return nil, err
		}
		a.runID = id
	}
	a.logger = logging.ForRun(logger, a.runID)

	tp, err := telemetry.InitTracerProvider(ctx, config.AppName)
	if err != nil {
		return nil, err
	}
	a.tracer = tp

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	a.hub = progress.NewHub(progress.HubConfig{
		BufferSize:    cfg.Progress.BufferSize,
		BatchSize:     cfg.Progress.BatchSize,
		FlushInterval: cfg.Progress.FlushInterval,
		SinkTimeout:   cfg.Progress.SinkTimeout,
		Logger:        a.logger.Named("progress"),
	}, sinks.NewLogSink(a.logger.Named("events")), promSink)

	if a.publisher == nil && cfg.PubSub.Enabled() {
		p, err := pubsubpublisher.New(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			a.closeHub()
			return nil, err
		}
		a.logger.Info("publishing record notifications", zap.String("topic", cfg.PubSub.Topic))
		a.publisher = p
	}
	if a.mirror == nil {
		m, err := storage.OpenMirror(ctx, cfg.Store)
		if err != nil {
			a.closeHub()
			a.closePublisher()
			return nil, err
		}
		a.mirror = m
	}
	return a, nil
}

// Logger returns the run-scoped logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// RunID identifies this invocation in logs and progress events.
func (a *App) RunID() uuid.UUID {
	return a.runID
}

// Registry gathers every collector the command exposes on /metrics.
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// OpenBrowser starts the configured page driver.
func (a *App) OpenBrowser() (crawler.Browser, error) {
	b := a.cfg.Browser
	switch b.Driver {
	case "static":
		return collyfetcher.New(collyfetcher.Config{
			UserAgent:     b.UserAgent,
			RespectRobots: b.RespectRobots,
			Timeout:       b.NavigationTimeout,
		}), nil
	case "", "chromedp":
		browser, err := headless.NewBrowser(headless.Config{
			Headless:      b.Headless,
			UserAgent:     b.UserAgent,
			ExecPath:      b.ExecPath,
			NoSandbox:     b.NoSandbox,
			ActionTimeout: b.ActionTimeout,
		})
		if err != nil {
			return nil, err
		}
		return browser, nil
	default:
		return nil, fmt.Errorf("unknown browser driver %q", b.Driver)
	}
}

// OpenArchive opens the configured archive backend, with path overriding
// store.archive_path when set.
func (a *App) OpenArchive(ctx context.Context, path string) (crawler.Archive, error) {
	storeCfg := a.cfg.Store
	if path != "" {
		storeCfg.ArchivePath = path
	}
	return storage.OpenArchive(ctx, storeCfg, a.logger.Named("archive"))
}

// List loads listingURL, expands its pagination and returns the item
// references in document order. The static driver cannot run scripts, so
// it extracts only the server-rendered items.
func (a *App) List(ctx context.Context, browser crawler.Browser, listingURL string) ([]crawler.ItemReference, error) {
	page, err := browser.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("open listing page: %w", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			a.logger.Warn("failed to close listing page", zap.Error(cerr))
		}
	}()

	navCtx, cancel := context.WithTimeout(ctx, a.cfg.Browser.NavigationTimeout)
	err = page.Goto(navCtx, listingURL)
	if err == nil {
		err = page.WaitReady(navCtx, a.cfg.Detail.ReadySelector)
	}
	cancel()
	if err != nil {
		return nil, fmt.Errorf("load listing %s: %w", listingURL, err)
	}

	if a.cfg.Browser.Driver == "static" {
		a.logger.Warn("static driver cannot expand pagination; extracting rendered items only",
			zap.String("url", listingURL))
	} else {
		start := a.clock.Now()
		expander := crawler.NewExpander(crawler.ExpanderConfig{
			MoreSelector:   a.cfg.Listing.MoreSelector,
			ButtonSelector: a.cfg.Listing.ButtonSelector,
			Settle:         a.cfg.Listing.Settle,
			RetryAttempts:  a.cfg.Listing.RetryAttempts,
			RetryBackoff:   a.cfg.Listing.RetryBackoff,
			MaxClicks:      a.cfg.Listing.MaxClicks,
		}, nil, a.logger.Named("expander"))
		clicks, err := expander.Expand(ctx, page)
		a.hub.Emit(progress.Event{
			RunID: [16]byte(a.runID),
			TS:    a.clock.Now(),
			Stage: progress.StageListingExpanded,
			Site:  crawler.SiteLabel(listingURL),
			URL:   listingURL,
			Count: clicks,
			Dur:   a.clock.Now().Sub(start),
		})
		if err != nil {
			return nil, err
		}
		a.logger.Info("listing expanded", zap.String("url", listingURL), zap.Int("clicks", clicks))
	}

	extractor := crawler.NewListingExtractor(crawler.ListingConfig{
		ItemSelector: a.cfg.Listing.ItemSelector,
		LinkSelector: a.cfg.Listing.LinkSelector,
	}, a.logger.Named("listing"))
	refs, err := extractor.Extract(ctx, page)
	if err != nil {
		return nil, err
	}
	a.logger.Info("listing extracted", zap.String("url", listingURL), zap.Int("items", len(refs)))
	return refs, nil
}

// Details runs the crawl coordinator over refs, keeping the run snapshot at
// runPath and deduplicating against archive.
func (a *App) Details(
	ctx context.Context,
	browser crawler.Browser,
	refs []crawler.ItemReference,
	runPath string,
	archive crawler.Archive,
) (crawler.RunResult, error) {
	d := a.cfg.Detail
	fetcher, err := crawler.NewDetailFetcher(crawler.DetailConfig{
		IdentityPattern:      d.IdentityPattern,
		MapSelector:          d.MapSelector,
		OptionSelector:       d.OptionSelector,
		MoreCommentsSelector: d.MoreCommentsSelector,
		ReviewSelector:       d.ReviewSelector,
		CommentSettle:        d.CommentSettle,
		MaxCommentClicks:     d.MaxCommentClicks,
	}, nil, a.logger.Named("detail"))
	if err != nil {
		return crawler.RunResult{}, err
	}

	var publisher crawler.Publisher
	if a.publisher != nil {
		publisher = a.publisher
	}
	coordinator := crawler.NewCoordinator(
		browser,
		fetcher,
		jsonfile.NewRunStore(runPath),
		archive,
		publisher,
		a.hub,
		a.clock,
		crawler.CoordinatorConfig{
			RunID:             a.runID,
			FetchAttempts:     d.FetchAttempts,
			RetryDelay:        d.RetryDelay,
			ReadySelector:     d.ReadySelector,
			NavigationTimeout: a.cfg.Browser.NavigationTimeout,
			RequestsPerSecond: a.cfg.Browser.RequestsPerSecond,
			Topic:             a.cfg.PubSub.Topic,
		},
		a.logger.Named("coordinator"),
	)
	return coordinator.Run(ctx, refs)
}

// MirrorSnapshots copies files to the configured mirror under
// <mirror_prefix>/<run id>/. It is a no-op without a mirror.
func (a *App) MirrorSnapshots(ctx context.Context, files ...string) ([]string, error) {
	if a.mirror == nil {
		return nil, nil
	}
	prefix := path.Join(a.cfg.Store.MirrorPrefix, a.runID.String())
	uris, err := storage.MirrorFiles(ctx, a.mirror, prefix, files...)
	for _, uri := range uris {
		a.logger.Info("snapshot mirrored", zap.String("uri", uri))
	}
	return uris, err
}

// Close flushes progress events and releases the publisher and mirror.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.hub.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close progress hub: %w", err))
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close mirror: %w", err))
		}
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
	}
	return errors.Join(errs...)
}

func (a *App) closeHub() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.hub.Close(ctx)
	_ = a.tracer.Shutdown(ctx)
}

func (a *App) closePublisher() {
	if a.publisher != nil {
		_ = a.publisher.Close()
	}
}

// LocalArchivePath returns the archive file for file-based backends, with
// override taking precedence, and "" for database or in-memory archives.
func (a *App) LocalArchivePath(override string) string {
	switch a.cfg.Store.ArchiveBackend {
	case "", "json", "jsonl", "sqlite":
		if override != "" {
			return override
		}
		return a.cfg.Store.ArchivePath
	default:
		return ""
	}
}
