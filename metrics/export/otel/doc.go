// Package otel bridges the engine's in-process metrics table to
// OpenTelemetry observable instruments. Values are read from snapshots in a
// single registered callback; the engine's hot paths stay lock-free.
package otel
