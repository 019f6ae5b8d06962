// Package authgate provides distributed request throttling and a credential lifecycle
// (access/refresh tokens with rotation and reuse detection, revocation, API keys) for
// services running many stateless instances against one shared store.
//
// The package is designed for concurrent server workloads: Engine methods are safe to call
// from multiple goroutines after initialization through [Builder.Build].
//
// # Architecture boundaries
//
// authgate is the public surface. It exposes [Engine], [Builder], [Config], the error
// taxonomy and value types re-exported from the component packages. The work itself lives
// in store (shared state), ratelimit, jwt and token; the middleware package adapts the
// engine to net/http, gin and gRPC.
//
// # What this package must NOT do
//
//   - Keep authoritative state in process memory. Every counter, revocation and family
//     lives in the store, so any instance can serve any request.
//   - Log or audit token or API key material.
//   - Fail open on credential checks. Only rate limiting may degrade to allow, and only
//     when RateLimit.FailOpen is set.
//   - Import any sub-package that re-imports authgate (no import cycles).
//
// # Performance contract
//
// Check is one store round-trip for fixed windows and two for sliding windows.
// VerifyAccess is signature verification plus one batched read. Refresh is bounded at
// four round-trips on the success path.
package authgate
