// Package collyfetcher serves pages over plain HTTP with gocolly. It runs no
// JavaScript: the DOM is whatever the server rendered.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/rental-crawler/internal/crawler"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Browser implements crawler.Browser on top of one shared collector.
type Browser struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Browser with a pooled HTTP transport.
func New(cfg Config) *Browser {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Browser{cfg: cfg, baseCollector: c}
}

// NewPage returns an empty page; nothing is fetched until Goto.
func (b *Browser) NewPage(context.Context) (crawler.Page, error) {
	return &Page{browser: b}, nil
}

// Close implements crawler.Browser.
func (b *Browser) Close() error {
	return nil
}

func (b *Browser) buildCollector(result *fetchResult) *colly.Collector {
	collector := b.baseCollector.Clone()
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = !b.cfg.RespectRobots
	if b.cfg.UserAgent != "" {
		collector.UserAgent = b.cfg.UserAgent
	}
	collector.SetRequestTimeout(b.cfg.Timeout)
	configureCollectorHooks(collector, result)
	return collector
}

type fetchResult struct {
	url  string
	body string
	err  error
}

func configureCollectorHooks(hooks collectorHooks, result *fetchResult) {
	hooks.OnResponse(func(r *colly.Response) {
		result.url = r.Request.URL.String()
		result.body = string(r.Body)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			result.err = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		result.err = err
	})
}

// Page holds the last document fetched by Goto.
type Page struct {
	browser *Browser
	url     string
	body    string
	doc     *goquery.Document
}

// Goto fetches url; HTTP errors and deadlines fail the navigation.
func (p *Page) Goto(ctx context.Context, url string) error {
	var result fetchResult
	collector := p.browser.buildCollector(&result)
	if err := runCollector(ctx, collector, url, &result); err != nil {
		return err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(result.body))
	if err != nil {
		return fmt.Errorf("parse %s: %w", url, err)
	}
	p.url, p.body, p.doc = result.url, result.body, doc
	return nil
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, result *fetchResult) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("colly fetch %s: %w", url, crawler.ErrTimeout)
		}
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if result.err != nil {
			err = result.err
		}
		if err == nil {
			return nil
		}
		if isTimeout(err) {
			return fmt.Errorf("colly fetch %s: %w: %w", url, crawler.ErrTimeout, err)
		}
		return fmt.Errorf("colly fetch %s: %w", url, err)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// WaitReady succeeds when selector is present in the fetched document.
func (p *Page) WaitReady(ctx context.Context, selector string) error {
	ok, err := p.Exists(ctx, selector)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("wait for %s: %w", selector, crawler.ErrElementNotFound)
	}
	return nil
}

// Exists reports whether selector matches the fetched document.
func (p *Page) Exists(_ context.Context, selector string) (bool, error) {
	if p.doc == nil {
		return false, fmt.Errorf("no document loaded")
	}
	return p.doc.Find(selector).Length() > 0, nil
}

// Evaluate always fails: there is no script engine.
func (p *Page) Evaluate(context.Context, string, any, ...any) error {
	return crawler.ErrScriptUnsupported
}

// Click can never trigger page behavior without a script engine.
func (p *Page) Click(ctx context.Context, selector string) error {
	ok, err := p.Exists(ctx, selector)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("click %s: %w", selector, crawler.ErrElementNotFound)
	}
	return fmt.Errorf("click %s: %w", selector, crawler.ErrNotClickable)
}

// Content returns the raw response body.
func (p *Page) Content(context.Context) (string, error) {
	return p.body, nil
}

// URL returns the final URL after redirects.
func (p *Page) URL(context.Context) (string, error) {
	return p.url, nil
}

// Close drops the fetched document.
func (p *Page) Close() error {
	p.doc = nil
	p.body = ""
	return nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
}
