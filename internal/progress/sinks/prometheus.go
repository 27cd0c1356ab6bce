package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/rental-crawler/internal/progress"
)

const namespace = "rentalcrawler"

// PrometheusSink turns progress events into Prometheus collectors.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   prometheus.Histogram
	listingClicks prometheus.Counter
	items         *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against reg (the default
// registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Crawl runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Crawl runs finished, by result.",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time per crawl run.",
			Buckets:   []float64{10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}),
		listingClicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listing_load_more_clicks_total",
			Help:      "Load-more clicks performed while expanding listings.",
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Listing items processed, by final state.",
		}, []string{"state"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Detail fetch attempts, by site and result.",
		}, []string{"site", "result"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Detail fetch duration, by site.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"site"}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runDuration,
		s.listingClicks,
		s.items,
		s.fetches,
		s.fetchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.observe(evt)
	}
	return nil
}

func (s *PrometheusSink) observe(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
	case progress.StageRunDone, progress.StageRunError:
		result := "success"
		if evt.Stage == progress.StageRunError {
			result = "error"
		}
		s.runsCompleted.WithLabelValues(result).Inc()
		if evt.Dur > 0 {
			s.runDuration.Observe(evt.Dur.Seconds())
		}
	case progress.StageListingExpanded:
		s.listingClicks.Add(float64(evt.Count))
	case progress.StageItemResumed:
		s.items.WithLabelValues("resumed").Inc()
	case progress.StageItemArchived:
		s.items.WithLabelValues("archived").Inc()
	case progress.StageItemFailed:
		s.items.WithLabelValues("failed").Inc()
	case progress.StageFetchDone:
		s.items.WithLabelValues("persisted").Inc()
		s.fetches.WithLabelValues(evt.Site, "success").Inc()
		if evt.Dur > 0 {
			s.fetchDuration.WithLabelValues(evt.Site).Observe(evt.Dur.Seconds())
		}
	case progress.StageFetchFailed:
		s.fetches.WithLabelValues(evt.Site, "error").Inc()
	}
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
