package crawler

import (
	"context"
	"time"
)

// Browser hands out isolated page sessions.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is the minimal browser capability set the pipeline depends on.
// Evaluate runs script as a function applied to args and decodes the result
// into out (which may be nil).
type Page interface {
	Goto(ctx context.Context, url string) error
	WaitReady(ctx context.Context, selector string) error
	Exists(ctx context.Context, selector string) (bool, error)
	Evaluate(ctx context.Context, script string, out any, args ...any) error
	Click(ctx context.Context, selector string) error
	Content(ctx context.Context) (string, error)
	URL(ctx context.Context) (string, error)
	Close() error
}

// DetailSource extracts a record from a page already positioned at url.
type DetailSource interface {
	Fetch(ctx context.Context, page Page, url string) (DetailRecord, error)
}

// RunStore holds the ordered records of one invocation. Save rewrites the
// complete snapshot.
type RunStore interface {
	Load(ctx context.Context) ([]DetailRecord, error)
	Save(ctx context.Context, records []DetailRecord) error
}

// Archive is the append-only ledger of every record ever fetched. Appending a
// URL that is already present is a no-op.
type Archive interface {
	Load(ctx context.Context) ([]DetailRecord, error)
	Append(ctx context.Context, record DetailRecord) error
	Close() error
}

// Publisher pushes record notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Sleeper waits between page actions. It returns early with the context error
// when ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}
