package crawler

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// DetailConfig names the selectors and bounds used on a detail page.
type DetailConfig struct {
	IdentityPattern      string
	MapSelector          string
	OptionSelector       string
	MoreCommentsSelector string
	ReviewSelector       string
	CommentSettle        time.Duration
	MaxCommentClicks     int
}

// DetailFetcher turns a loaded detail page into a DetailRecord.
type DetailFetcher struct {
	cfg      DetailConfig
	identity *regexp.Regexp
	sleeper  Sleeper
	logger   *zap.Logger
}

// NewDetailFetcher compiles the identity pattern, which must carry two
// capture groups (make, model).
func NewDetailFetcher(cfg DetailConfig, sleeper Sleeper, logger *zap.Logger) (*DetailFetcher, error) {
	identity, err := regexp.Compile(cfg.IdentityPattern)
	if err != nil {
		return nil, fmt.Errorf("compile identity pattern: %w", err)
	}
	if identity.NumSubexp() < 2 {
		return nil, fmt.Errorf("identity pattern needs 2 capture groups, has %d", identity.NumSubexp())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DetailFetcher{
		cfg:      cfg,
		identity: identity,
		sleeper:  sleeperOrDefault(sleeper),
		logger:   logger,
	}, nil
}

// Fetch extracts identity, geolocation, features and reviews. Missing markup
// degrades to empty fields; only driver errors are returned.
func (f *DetailFetcher) Fetch(ctx context.Context, page Page, url string) (DetailRecord, error) {
	logger := f.logger.With(zap.String("url", url))
	markup, err := page.Content(ctx)
	if err != nil {
		return DetailRecord{}, fmt.Errorf("read detail markup: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return DetailRecord{}, fmt.Errorf("parse detail markup: %w", err)
	}

	record := DetailRecord{URL: url}
	record.Make, record.Model = f.extractIdentity(markup, logger)
	record.Latitude, record.Longitude = f.extractLocation(doc, logger)
	record.Features = f.extractFeatures(doc, logger)

	if err := f.expandComments(ctx, page, logger); err != nil {
		return DetailRecord{}, err
	}
	reviews, err := f.extractReviews(ctx, page, logger)
	if err != nil {
		return DetailRecord{}, err
	}
	record.Reviews = reviews
	return record.Normalize(), nil
}

func (f *DetailFetcher) extractIdentity(markup string, logger *zap.Logger) (string, string) {
	match := f.identity.FindStringSubmatch(markup)
	if match == nil {
		logger.Warn("make and model not found")
		return "", ""
	}
	return strings.TrimSpace(match[1]), strings.TrimSpace(match[2])
}

func (f *DetailFetcher) extractLocation(doc *goquery.Document, logger *zap.Logger) (string, string) {
	node := doc.Find(f.cfg.MapSelector).First()
	if node.Length() == 0 {
		logger.Warn("map element not found")
		return "", ""
	}
	lat, okLat := node.Attr("data-latitude")
	lng, okLng := node.Attr("data-longitude")
	if !okLat || !okLng {
		logger.Warn("map element missing coordinates")
	}
	return strings.TrimSpace(lat), strings.TrimSpace(lng)
}

// extractFeatures walks every option container in document order; a key seen
// twice keeps the later value. An icon without a file name maps to "".
func (f *DetailFetcher) extractFeatures(doc *goquery.Document, logger *zap.Logger) map[string]string {
	features := make(map[string]string)
	containers := doc.Find(f.cfg.OptionSelector)
	if containers.Length() == 0 {
		logger.Warn("features not found")
		return features
	}
	containers.Each(func(_ int, list *goquery.Selection) {
		list.Find("li").Each(func(_ int, item *goquery.Selection) {
			img := item.Find("img").First()
			if img.Length() == 0 {
				return
			}
			key := featureKey(img.AttrOr("src", ""))
			value := item.Find("div:last-child").First()
			features[key] = strings.TrimSpace(value.Text())
		})
	})
	return features
}

// featureKey is the file name of an icon path without its extensions.
func featureKey(src string) string {
	name := src[strings.LastIndex(src, "/")+1:]
	if i := strings.Index(name, "."); i >= 0 {
		name = name[:i]
	}
	return strings.TrimSpace(name)
}

func (f *DetailFetcher) expandComments(ctx context.Context, page Page, logger *zap.Logger) error {
	for clicks := 0; ; clicks++ {
		if f.cfg.MaxCommentClicks > 0 && clicks >= f.cfg.MaxCommentClicks {
			logger.Warn("more comments click limit reached", zap.Int("clicks", clicks))
			return nil
		}
		present, err := page.Exists(ctx, f.cfg.MoreCommentsSelector)
		if err != nil {
			return fmt.Errorf("query more comments: %w", err)
		}
		if !present {
			return nil
		}
		if err := page.Click(ctx, f.cfg.MoreCommentsSelector); err != nil {
			if errors.Is(err, ErrElementNotFound) || errors.Is(err, ErrNotClickable) {
				return nil
			}
			return fmt.Errorf("click more comments: %w", err)
		}
		if err := f.sleeper.Sleep(ctx, f.cfg.CommentSettle); err != nil {
			return fmt.Errorf("settle after more comments: %w", err)
		}
	}
}

func (f *DetailFetcher) extractReviews(ctx context.Context, page Page, logger *zap.Logger) ([]string, error) {
	markup, err := page.Content(ctx)
	if err != nil {
		return nil, fmt.Errorf("read review markup: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse review markup: %w", err)
	}
	reviews := make([]string, 0)
	doc.Find(f.cfg.ReviewSelector).Each(func(_ int, s *goquery.Selection) {
		reviews = append(reviews, strings.TrimSpace(s.Text()))
	})
	if len(reviews) == 0 {
		logger.Warn("reviews not found")
	}
	return reviews, nil
}
