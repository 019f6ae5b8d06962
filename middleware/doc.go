// Package middleware exposes the request gate: one transport-neutral decision
// ([Gate.Evaluate]) plus adapters for net/http, gin and gRPC.
//
// # Order of checks
//
// Every request runs authenticate, derive identity, throttle, then the downstream
// handler. A bearer token yields the identity user:<subject>, an API key key:<id>, and an
// anonymous request (when allowed) ip:<address>. A failed authentication is still
// counted, under ip:<address> and the operation auth_failure:<operation>, so credential
// guessing spends its own budget.
//
// # Responses
//
//   - 401 with {"error": code} for expired, invalid, revoked, reused or inactive credentials.
//   - 403 insufficient_scope when an API key lacks a required scope.
//   - 429 rate_limited with X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset
//     and Retry-After.
//   - 503 unavailable when the shared store cannot be reached and the failing component
//     fails closed.
//
// # What this package must NOT do
//
//   - Parse or create JWTs directly (delegates to the engine).
//   - Read, buffer or log request bodies.
//   - Access the store (the engine handles I/O).
package middleware
