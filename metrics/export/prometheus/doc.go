// Package prometheus renders authgate metrics in Prometheus text exposition format.
//
// [NewPrometheusExporter] reads [authgate.Engine.MetricsSnapshot] on every scrape.
// Counters are named authgate_*_total; the latency histograms are
// authgate_gate_latency_seconds and authgate_verify_latency_seconds. [WithConstLabels]
// adds fixed labels (service, env) to every sample.
//
// # What this package must NOT do
//
//   - Register metrics in a global Prometheus registry. Callers mount the Handler.
//   - Mutate engine state.
package prometheus
