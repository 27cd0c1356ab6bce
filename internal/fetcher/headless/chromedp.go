// Package headless drives a real Chrome instance through chromedp and exposes
// it as a crawler.Browser.
package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/rental-crawler/internal/crawler"
)

const defaultActionTimeout = 30 * time.Second

// Config controls the Chrome process and per-action deadlines.
type Config struct {
	Headless  bool
	UserAgent string
	// ExecPath overrides the Chrome binary lookup.
	ExecPath string
	NoSandbox bool
	// ActionTimeout bounds every page operation that has no earlier deadline.
	ActionTimeout time.Duration
}

// Browser owns one Chrome process; each page is a separate tab.
type Browser struct {
	cfg           Config
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewBrowser launches Chrome and waits until it accepts commands.
func NewBrowser(cfg Config) (*Browser, error) {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = defaultActionTimeout
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("launch chrome: %w", err)
	}
	return &Browser{
		cfg:           cfg,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	return opts
}

// NewPage opens a new tab.
func (b *Browser) NewPage(ctx context.Context) (crawler.Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.browserCtx)
	page := &Page{
		tabCtx:        tabCtx,
		tabCancel:     tabCancel,
		actionTimeout: b.cfg.ActionTimeout,
		meta:          &documentMeta{},
	}
	chromedp.ListenTarget(tabCtx, page.meta.captureEvent)
	// The first Run creates the tab and binds it to the context it receives,
	// so it must run on tabCtx itself rather than a deadline-scoped child.
	stop := context.AfterFunc(ctx, tabCancel)
	err := chromedp.Run(tabCtx, b.setupAction())
	stop()
	if err != nil {
		tabCancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return page, nil
}

func (b *Browser) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// Close shuts down Chrome.
func (b *Browser) Close() error {
	b.browserCancel()
	b.allocCancel()
	return nil
}

// Page is one Chrome tab.
type Page struct {
	tabCtx        context.Context
	tabCancel     context.CancelFunc
	actionTimeout time.Duration
	meta          *documentMeta
}

// Goto navigates and fails when the main document answers with an HTTP error.
func (p *Page) Goto(ctx context.Context, url string) error {
	p.meta.reset()
	if err := p.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if status := p.meta.status(); status >= 400 {
		return fmt.Errorf("navigate %s: status %d", url, status)
	}
	return nil
}

// WaitReady blocks until selector is present in the DOM.
func (p *Page) WaitReady(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.WaitReady(selector, chromedp.ByQuery))
}

// Exists reports whether selector matches at least one element right now.
func (p *Page) Exists(ctx context.Context, selector string) (bool, error) {
	var found bool
	err := p.Evaluate(ctx, `(s) => document.querySelector(s) !== null`, &found, selector)
	return found, err
}

// Evaluate applies script to args inside the page.
func (p *Page) Evaluate(ctx context.Context, script string, out any, args ...any) error {
	expr, err := callExpression(script, args...)
	if err != nil {
		return err
	}
	return p.run(ctx, chromedp.Evaluate(expr, out, awaitPromise))
}

const clickStateScript = `(s) => {
	const el = document.querySelector(s);
	if (!el) {
		return 'missing';
	}
	const style = window.getComputedStyle(el);
	if (style.display === 'none' || style.visibility === 'hidden' || el.getClientRects().length === 0) {
		return 'hidden';
	}
	return 'ok';
}`

// Click clicks the first element matching selector. It fails fast with
// crawler.ErrElementNotFound or crawler.ErrNotClickable instead of waiting
// for the element to appear.
func (p *Page) Click(ctx context.Context, selector string) error {
	var state string
	if err := p.Evaluate(ctx, clickStateScript, &state, selector); err != nil {
		return err
	}
	switch state {
	case "missing":
		return fmt.Errorf("click %s: %w", selector, crawler.ErrElementNotFound)
	case "hidden":
		return fmt.Errorf("click %s: %w", selector, crawler.ErrNotClickable)
	}
	return p.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

// Content returns the serialized document, comments included.
func (p *Page) Content(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// URL returns the current location.
func (p *Page) URL(ctx context.Context) (string, error) {
	var location string
	if err := p.run(ctx, chromedp.Location(&location)); err != nil {
		return "", err
	}
	return location, nil
}

// Close closes the tab.
func (p *Page) Close() error {
	p.tabCancel()
	return nil
}

// run executes actions in the tab, bounded by the earlier of ctx's deadline
// and the action timeout. Deadlines surface as crawler.ErrTimeout.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	timeout := p.actionTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}
	runCtx, cancel := context.WithTimeout(p.tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	return classifyRunError(ctx, runCtx, err)
}

func classifyRunError(callerCtx, runCtx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(callerCtx.Err(), context.Canceled):
		return fmt.Errorf("chromedp run: %w", callerCtx.Err())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("chromedp run: %w: %w", crawler.ErrTimeout, err)
	default:
		return fmt.Errorf("chromedp run: %w", err)
	}
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

// callExpression renders script applied to JSON-encoded args.
func callExpression(script string, args ...any) (string, error) {
	encoded := make([]string, len(args))
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return "", fmt.Errorf("encode script argument %d: %w", i, err)
		}
		encoded[i] = string(raw)
	}
	return "(" + script + ")(" + strings.Join(encoded, ", ") + ")", nil
}

// documentMeta remembers the HTTP status of the last main document response.
type documentMeta struct {
	mu   sync.RWMutex
	code int
}

func (m *documentMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.code = int(resp.Response.Status)
	m.mu.Unlock()
}

func (m *documentMeta) reset() {
	m.mu.Lock()
	m.code = 0
	m.mu.Unlock()
}

func (m *documentMeta) status() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.code
}
