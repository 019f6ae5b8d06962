package internaldefs

import (
	"github.com/MrEthical07/authgate"
)

// CounterDef names one engine counter for exporters.
type CounterDef struct {
	ID   authgate.MetricID
	Name string
	Help string
}

// HistogramDef names one engine latency histogram for exporters.
type HistogramDef struct {
	ID   authgate.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in render order.
var CounterDefs = []CounterDef{
	{ID: authgate.MetricRateLimitAllowed, Name: "authgate_rate_limit_allowed_total", Help: "Rate limit checks that admitted the call."},
	{ID: authgate.MetricRateLimitRejected, Name: "authgate_rate_limit_rejected_total", Help: "Rate limit checks that rejected the call."},
	{ID: authgate.MetricRateLimitDegraded, Name: "authgate_rate_limit_degraded_total", Help: "Rate limit checks admitted without the store (fail open)."},
	{ID: authgate.MetricTokenIssued, Name: "authgate_token_issued_total", Help: "Issued token pairs."},
	{ID: authgate.MetricAccessVerified, Name: "authgate_access_verified_total", Help: "Access tokens that verified."},
	{ID: authgate.MetricAccessRejected, Name: "authgate_access_rejected_total", Help: "Access tokens that failed verification."},
	{ID: authgate.MetricRefreshSuccess, Name: "authgate_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: authgate.MetricRefreshFailure, Name: "authgate_refresh_failure_total", Help: "Failed refresh rotations."},
	{ID: authgate.MetricRefreshReuseDetected, Name: "authgate_refresh_reuse_detected_total", Help: "Replayed refresh tokens."},
	{ID: authgate.MetricTokenRevoked, Name: "authgate_token_revoked_total", Help: "Single token revocations."},
	{ID: authgate.MetricFamilyRevoked, Name: "authgate_family_revoked_total", Help: "Refresh family revocations."},
	{ID: authgate.MetricSubjectRevoked, Name: "authgate_subject_revoked_total", Help: "Subject-wide revocations."},
	{ID: authgate.MetricAPIKeyIssued, Name: "authgate_api_key_issued_total", Help: "Issued API keys."},
	{ID: authgate.MetricAPIKeyValidated, Name: "authgate_api_key_validated_total", Help: "API keys that validated."},
	{ID: authgate.MetricAPIKeyRejected, Name: "authgate_api_key_rejected_total", Help: "API keys that failed validation."},
	{ID: authgate.MetricAPIKeyRevoked, Name: "authgate_api_key_revoked_total", Help: "Revoked API keys."},
	{ID: authgate.MetricStoreUnavailable, Name: "authgate_store_unavailable_total", Help: "Operations that failed because the shared store was unreachable."},
}

// HistogramDefs lists every exported latency histogram.
var HistogramDefs = []HistogramDef{
	{ID: authgate.MetricGateLatency, Name: "authgate_gate_latency_seconds", Help: "Request gate decision latency."},
	{ID: authgate.MetricVerifyLatency, Name: "authgate_verify_latency_seconds", Help: "Access token verification latency."},
}

// AuditDropped is the counter for audit events lost to dispatcher backpressure.
var AuditDropped = CounterDef{
	Name: "authgate_audit_dropped_total",
	Help: "Dropped audit events due to dispatcher backpressure.",
}

// HistogramBounds are the bucket upper bounds in seconds, matching the engine's buckets.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// NormalizeBuckets copies raw into a fixed array, zero-filling missing buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	copy(out[:], raw)
	return out
}

// CumulativeBuckets turns per-bucket counts into cumulative counts.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := range raw {
		running += raw[i]
		out[i] = running
	}
	return out
}
