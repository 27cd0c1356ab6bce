package crawler

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// ListingConfig names the selectors for result items and their links.
type ListingConfig struct {
	ItemSelector string
	LinkSelector string
}

// ListingExtractor reads item references from an expanded listing page.
type ListingExtractor struct {
	cfg    ListingConfig
	logger *zap.Logger
}

// NewListingExtractor builds a ListingExtractor.
func NewListingExtractor(cfg ListingConfig, logger *zap.Logger) *ListingExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ListingExtractor{cfg: cfg, logger: logger}
}

// Extract returns one reference per result item in document order. The page
// is not mutated. Items without a usable link are skipped.
func (x *ListingExtractor) Extract(ctx context.Context, page Page) ([]ItemReference, error) {
	markup, err := page.Content(ctx)
	if err != nil {
		return nil, fmt.Errorf("read listing markup: %w", err)
	}
	base, err := page.URL(ctx)
	if err != nil {
		return nil, fmt.Errorf("read listing url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse listing markup: %w", err)
	}
	refs := make([]ItemReference, 0)
	doc.Find(x.cfg.ItemSelector).Each(func(i int, item *goquery.Selection) {
		link := item.Find(x.cfg.LinkSelector).First()
		href, ok := link.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			x.logger.Warn("listing item without link", zap.Int("index", i))
			return
		}
		abs, err := ResolveURL(base, href)
		if err != nil {
			x.logger.Warn("listing item with invalid link",
				zap.Int("index", i), zap.String("href", href), zap.Error(err))
			return
		}
		title := strings.TrimSpace(link.AttrOr("title", ""))
		if title == "" {
			title = strings.TrimSpace(link.Text())
		}
		refs = append(refs, ItemReference{Title: title, URL: abs})
	})
	x.logger.Info("listing extracted", zap.Int("items", len(refs)))
	return refs, nil
}
