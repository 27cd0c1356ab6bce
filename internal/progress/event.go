// Package progress defines the events a crawl run reports while it works.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart        Stage = "RUN_START"
	StageRunDone         Stage = "RUN_DONE"
	StageRunError        Stage = "RUN_ERROR"
	StageListingExpanded Stage = "LISTING_EXPANDED"
	StageItemResumed     Stage = "ITEM_RESUMED"
	StageItemArchived    Stage = "ITEM_ARCHIVED"
	StageFetchStart      Stage = "FETCH_START"
	StageFetchDone       Stage = "FETCH_DONE"
	StageFetchFailed     Stage = "FETCH_FAILED"
	StageItemFailed      Stage = "ITEM_FAILED"
)

// Event captures a single step of crawl progress.
type Event struct {
	// RunID identifies the invocation using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Site scopes item events to a host label.
	Site string
	URL  string
	// Attempt is the 1-based fetch attempt for fetch events.
	Attempt int
	// Count carries clicks for LISTING_EXPANDED and records for RUN_DONE.
	Count int
	// Dur captures fetch and run latency.
	Dur time.Duration
	// Note lets emitters attach low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError, StageListingExpanded:
	case StageItemResumed, StageItemArchived, StageItemFailed:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	case StageFetchStart, StageFetchDone, StageFetchFailed:
		if e.Site == "" {
			return fmt.Errorf("%s requires site", e.Stage)
		}
		if e.Attempt < 1 {
			return fmt.Errorf("%s requires attempt >= 1", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Count < 0 {
		return errors.New("count must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}
