// Package otel binds authgate counters and histograms to OpenTelemetry instruments.
//
// [NewOTelExporter] registers an Int64ObservableCounter per counter. Each histogram
// becomes a <name>_bucket gauge with one cumulative point per "le" attribute value and
// a <name>_count gauge. A single callback reads
// [authgate.Engine.MetricsSnapshot] on each collection cycle.
//
// # What this package must NOT do
//
//   - Own the OTel MeterProvider. Callers supply the Meter.
//   - Mutate engine state.
package otel
