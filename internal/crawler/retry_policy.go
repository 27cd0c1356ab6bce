package crawler

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy runs an operation a bounded number of times with a constant
// delay between attempts.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first (min 1).
	Attempts int
	// Delay separates consecutive attempts.
	Delay time.Duration
	// Retryable filters errors worth another attempt; nil retries everything.
	Retryable func(error) bool
}

// Do invokes op until it succeeds, a non-retryable error occurs, attempts run
// out or ctx is done. notify, when set, observes each failure that will be
// retried. The last error from op is returned on exhaustion.
func (p RetryPolicy) Do(ctx context.Context, op func(attempt int) error, notify func(attempt int, err error, wait time.Duration)) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	attempt := 0
	operation := func() error {
		attempt++
		err := op(attempt)
		if err != nil && p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(attempts-1)),
		ctx,
	)
	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, wait time.Duration) {
			notify(attempt, err, wait)
		}
	}
	return backoff.RetryNotify(operation, policy, onRetry)
}
