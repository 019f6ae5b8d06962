// Package store defines the shared key-value contract used by the rate limiter and the
// token lifecycle manager, with an in-process backend for single-instance deployments and
// tests and a Redis backend for multi-instance deployments.
//
// # Contract
//
// Every mutating call takes an explicit TTL; nothing written through a [Store] lives
// forever. [Store.IncrBy] and [Store.SetNX] are the only operations required to be
// linearizable. [Store.CompareAndDelete] backs the owner-checked release of [Locker].
//
// # What this package must NOT do
//
//   - Interpret the values it stores (counters, claims, API key records are opaque bytes).
//   - Retry failed backend calls; callers decide between failing open and failing closed.
//   - Import any other authgate package.
package store
