// Package sinks provides progress.Sink implementations for logs and metrics.
package sinks
