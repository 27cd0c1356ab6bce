package crawler_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/rental-crawler/internal/crawler"
	"github.com/JakeFAU/rental-crawler/internal/progress"
)

// scriptedPage delegates each capability to an optional hook and counts
// successful clicks.
type scriptedPage struct {
	mu       sync.Mutex
	url      string
	clicks   int
	evals    int
	evalArgs [][]any
	content  func(clicks int) (string, error)
	evaluate func(clicks int, out any) error
	exists   func(clicks int, selector string) (bool, error)
	click    func(clicks int, selector string) error
}

func (p *scriptedPage) Goto(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	return nil
}

func (p *scriptedPage) WaitReady(context.Context, string) error { return nil }

func (p *scriptedPage) Exists(_ context.Context, selector string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exists == nil {
		return false, nil
	}
	return p.exists(p.clicks, selector)
}

func (p *scriptedPage) Evaluate(_ context.Context, _ string, out any, args ...any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evals++
	p.evalArgs = append(p.evalArgs, args)
	if p.evaluate == nil {
		return crawler.ErrScriptUnsupported
	}
	return p.evaluate(p.clicks, out)
}

func (p *scriptedPage) Click(_ context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.click != nil {
		if err := p.click(p.clicks, selector); err != nil {
			return err
		}
	}
	p.clicks++
	return nil
}

func (p *scriptedPage) Content(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.content == nil {
		return "<html><body></body></html>", nil
	}
	return p.content(p.clicks)
}

func (p *scriptedPage) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *scriptedPage) Close() error { return nil }

func (p *scriptedPage) Clicks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clicks
}

func (p *scriptedPage) Evals() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evals
}

func setBool(out any, v bool) error {
	ptr, ok := out.(*bool)
	if !ok {
		return fmt.Errorf("unexpected out type %T", out)
	}
	*ptr = v
	return nil
}

// recordingSleeper returns immediately and remembers requested waits.
type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) Waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

// sitePage describes one URL served by fakeBrowser.
type sitePage struct {
	html string
	// failFirst makes the first N navigations time out.
	failFirst int
}

// fakeBrowser serves static markup per URL and tracks navigations and
// page lifetimes.
type fakeBrowser struct {
	mu     sync.Mutex
	site   map[string]sitePage
	visits map[string]int
	opened int
	closed int
}

func newFakeBrowser(site map[string]sitePage) *fakeBrowser {
	return &fakeBrowser{site: site, visits: make(map[string]int)}
}

func (b *fakeBrowser) NewPage(context.Context) (crawler.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened++
	return &sitePageSession{browser: b}, nil
}

func (b *fakeBrowser) Close() error { return nil }

func (b *fakeBrowser) Visits(url string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.visits[url]
}

func (b *fakeBrowser) TotalVisits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, n := range b.visits {
		total += n
	}
	return total
}

func (b *fakeBrowser) Balanced() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened == b.closed
}

type sitePageSession struct {
	browser *fakeBrowser
	url     string
	html    string
}

func (s *sitePageSession) Goto(_ context.Context, url string) error {
	b := s.browser
	b.mu.Lock()
	defer b.mu.Unlock()
	b.visits[url]++
	page, ok := b.site[url]
	if !ok {
		return fmt.Errorf("status 404 for %s", url)
	}
	if b.visits[url] <= page.failFirst {
		return fmt.Errorf("navigate %s: %w", url, crawler.ErrTimeout)
	}
	s.url = url
	s.html = page.html
	return nil
}

func (s *sitePageSession) WaitReady(ctx context.Context, selector string) error {
	ok, err := s.Exists(ctx, selector)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", crawler.ErrTimeout, selector)
	}
	return nil
}

func (s *sitePageSession) Exists(_ context.Context, selector string) (bool, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s.html))
	if err != nil {
		return false, err
	}
	return doc.Find(selector).Length() > 0, nil
}

func (s *sitePageSession) Evaluate(context.Context, string, any, ...any) error {
	return crawler.ErrScriptUnsupported
}

func (s *sitePageSession) Click(context.Context, string) error {
	return crawler.ErrNotClickable
}

func (s *sitePageSession) Content(context.Context) (string, error) { return s.html, nil }

func (s *sitePageSession) URL(context.Context) (string, error) { return s.url, nil }

func (s *sitePageSession) Close() error {
	s.browser.mu.Lock()
	defer s.browser.mu.Unlock()
	s.browser.closed++
	return nil
}

// failingArchive wraps an archive and fails Append once armed.
type failingArchive struct {
	crawler.Archive
	mu      sync.Mutex
	failAt  int
	appends int
}

var errDiskFull = errors.New("disk full")

func (a *failingArchive) Append(ctx context.Context, rec crawler.DetailRecord) error {
	a.mu.Lock()
	a.appends++
	fail := a.failAt > 0 && a.appends >= a.failAt
	a.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return a.Archive.Append(ctx, rec)
}

// orderCheckingRunStore fails the test run if a snapshot references a URL the
// archive does not hold yet.
type orderCheckingRunStore struct {
	crawler.RunStore
	archive    interface{ Contains(string) bool }
	violations []string
}

func (s *orderCheckingRunStore) Save(ctx context.Context, records []crawler.DetailRecord) error {
	for _, rec := range records {
		if !s.archive.Contains(rec.URL) {
			s.violations = append(s.violations, rec.URL)
		}
	}
	return s.RunStore.Save(ctx, records)
}

// recordingEmitter keeps every progress event in order.
type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) Stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, len(e.events))
	for i, evt := range e.events {
		out[i] = evt.Stage
	}
	return out
}
