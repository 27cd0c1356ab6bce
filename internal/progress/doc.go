// Package progress provides the event model and a non-blocking hub that
// batches crawl events on a background goroutine and fans them out to sinks
// such as the zap log or Prometheus counters.
package progress
