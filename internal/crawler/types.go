package crawler

import (
	"maps"
	"slices"
	"time"
)

// ItemReference is a listing entry prior to detail enrichment. URL is the
// identity used for deduplication in every store.
type ItemReference struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// DetailRecord is the normalized snapshot of one detail page.
type DetailRecord struct {
	URL       string            `json:"url"`
	Make      string            `json:"make"`
	Model     string            `json:"model"`
	Latitude  string            `json:"latitude"`
	Longitude string            `json:"longitude"`
	Features  map[string]string `json:"features"`
	Reviews   []string          `json:"reviews"`
}

// Normalize guarantees features serialize as an object and reviews as an array.
func (r DetailRecord) Normalize() DetailRecord {
	if r.Features == nil {
		r.Features = map[string]string{}
	}
	if r.Reviews == nil {
		r.Reviews = []string{}
	}
	return r
}

// Clone returns a deep copy so callers never share maps or slices with a store.
func (r DetailRecord) Clone() DetailRecord {
	out := r
	out.Features = maps.Clone(r.Features)
	out.Reviews = slices.Clone(r.Reviews)
	return out.Normalize()
}

// ItemState tracks a reference through a coordinator run.
type ItemState string

// Item lifecycle states.
const (
	ItemPending           ItemState = "pending"
	ItemResumed           ItemState = "resumed"
	ItemArchived          ItemState = "archived"
	ItemFetching          ItemState = "fetching"
	ItemPersisted         ItemState = "persisted"
	ItemPermanentlyFailed ItemState = "permanently_failed"
)

// RunCounters aggregates per-item outcomes for a run.
type RunCounters struct {
	Total     int
	Resumed   int
	Archived  int
	Persisted int
	Failed    int
}

// RunResult is what a coordinator run hands back to its caller.
type RunResult struct {
	Records  []DetailRecord
	Counters RunCounters
	Started  time.Time
	Finished time.Time
}
