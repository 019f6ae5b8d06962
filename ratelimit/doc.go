// Package ratelimit decides whether a (caller identity, operation) pair may proceed, using
// store-resident counters so every server process sees the same budget.
//
// # Window semantics
//
// Fixed window (default): one counter per window bucket, IncrBy +1 with the TTL applied on
// first hit. Calls across a bucket boundary may burst up to twice the limit.
//
// Sliding window: one counter per SubInterval; a check sums the buckets covering the last
// Window. Costs Window/SubInterval reads (one MGet round trip) but has no boundary burst.
// The increment and the read are not atomic, so a concurrent burst may reject calls that
// would have fit; rejected calls roll their increment back and the budget recovers.
//
// Key layout: prefix:identity:operation:bucket.
//
// # Store failures
//
// With FailOpen set the limiter allows the call, marks the [Result] as Degraded, and logs
// a warning. Otherwise the call fails with [ErrStoreUnavailable].
//
// # What this package must NOT do
//
//   - Keep process-local counts.
//   - Inspect request payloads or know about transports.
package ratelimit
