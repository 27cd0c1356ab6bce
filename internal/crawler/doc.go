// Package crawler implements the resumable rental crawl pipeline: pagination
// expansion of the result list, listing extraction, detail extraction, and the
// coordinator that persists each fetched record to the run and archive stores
// before moving on.
package crawler
