package crawler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const displayScript = `(selector) => {
	const elem = document.querySelector(selector);
	if (!elem) {
		return false;
	}
	return window.getComputedStyle(elem).display !== 'none';
}`

// ExpanderConfig controls the load-more loop on the listing page.
type ExpanderConfig struct {
	MoreSelector   string
	ButtonSelector string
	Settle         time.Duration
	RetryAttempts  int
	RetryBackoff   time.Duration
	MaxClicks      int
}

// Expander clicks the listing's load-more control until it disappears.
type Expander struct {
	cfg     ExpanderConfig
	sleeper Sleeper
	logger  *zap.Logger
}

// NewExpander wires an Expander. A nil sleeper waits on real timers.
func NewExpander(cfg ExpanderConfig, sleeper Sleeper, logger *zap.Logger) *Expander {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Expander{cfg: cfg, sleeper: sleeperOrDefault(sleeper), logger: logger}
}

// Expand loads every listing item on page and returns the number of clicks
// performed. Timeouts restart the poll/click loop after RetryBackoff; once
// RetryAttempts are spent the last timeout is returned wrapped. Any other
// driver error is returned immediately.
func (e *Expander) Expand(ctx context.Context, page Page) (int, error) {
	clicks := 0
	policy := RetryPolicy{
		Attempts:  e.cfg.RetryAttempts,
		Delay:     e.cfg.RetryBackoff,
		Retryable: IsTimeout,
	}
	err := policy.Do(ctx, func(int) error {
		return e.expand(ctx, page, &clicks)
	}, func(attempt int, err error, wait time.Duration) {
		e.logger.Warn("load more timed out, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		return clicks, fmt.Errorf("expand listing: %w", err)
	}
	e.logger.Info("listing fully expanded", zap.Int("clicks", clicks))
	return clicks, nil
}

func (e *Expander) expand(ctx context.Context, page Page, clicks *int) error {
	for {
		visible, err := e.moreVisible(ctx, page)
		if err != nil {
			return err
		}
		if !visible {
			return nil
		}
		if e.cfg.MaxClicks > 0 && *clicks >= e.cfg.MaxClicks {
			e.logger.Warn("load more click limit reached, keeping loaded items",
				zap.Int("clicks", *clicks))
			return nil
		}
		e.logger.Info("loading more items", zap.Int("click", *clicks+1))
		if err := page.Click(ctx, e.cfg.ButtonSelector); err != nil {
			return fmt.Errorf("click load more: %w", err)
		}
		*clicks++
		if err := e.sleeper.Sleep(ctx, e.cfg.Settle); err != nil {
			return fmt.Errorf("settle after load more: %w", err)
		}
	}
}

func (e *Expander) moreVisible(ctx context.Context, page Page) (bool, error) {
	var visible bool
	if err := page.Evaluate(ctx, displayScript, &visible, e.cfg.MoreSelector); err != nil {
		return false, fmt.Errorf("poll load more: %w", err)
	}
	return visible, nil
}
