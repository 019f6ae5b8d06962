// Package token owns the lifecycle of issued credentials: access/refresh pairs grouped into
// refresh families, revocation, reuse detection and API keys.
//
// All state lives in a [store.Store]; a Manager holds only configuration, so any number of
// processes can share one store.
//
// # Refresh families
//
// Issue starts a family at version 1. RotateRefresh consumes the presented token with a
// conditional set on its jti; exactly one caller can win that set. A loser, or any caller
// presenting a superseded version, triggers revocation of the whole family. States:
//
//	ACTIVE -> ROTATED -> REVOKED
//	ACTIVE -----------> REVOKED
//
// REVOKED is terminal.
//
// # Store failures
//
// The manager fails closed: when the store cannot answer, verification returns [ErrInvalid]
// wrapping store.ErrUnavailable.
//
// # What this package must NOT do
//
//   - Store raw fingerprints or API key secrets.
//   - Include token material in errors or log lines.
//   - Take distributed locks; atomic store primitives are the only serialization.
package token
