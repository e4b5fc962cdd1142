// Package prometheus adapts the engine's in-process metrics table to a
// prometheus/client_golang Collector. The engine keeps its lock-free atomic
// counters; this package reads snapshots on scrape and never adds cost to
// the hot paths.
package prometheus
