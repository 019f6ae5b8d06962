package authgate

import (
	"errors"

	"github.com/MrEthical07/authgate/ratelimit"
	"github.com/MrEthical07/authgate/store"
	"github.com/MrEthical07/authgate/token"
)

// Error taxonomy shared by every engine operation. Callers match with errors.Is; the
// component packages wrap these with context.
var (
	// ErrExpired means the credential is past its lifetime.
	ErrExpired = token.ErrExpired
	// ErrInvalid covers malformed, forged, wrongly bound and unknown credentials.
	ErrInvalid = token.ErrInvalid
	// ErrRevoked means the credential, its family or its subject was revoked.
	ErrRevoked = token.ErrRevoked
	// ErrReused means a rotated refresh token was presented again. Its family is revoked.
	ErrReused = token.ErrReused
	// ErrInactive means the API key was deactivated or the subject is disabled.
	ErrInactive = token.ErrInactive
	// ErrRateLimited means the caller exceeded its budget for the operation.
	ErrRateLimited = ratelimit.ErrRateLimited
	// ErrStoreUnavailable means the shared state store could not be reached in time.
	ErrStoreUnavailable = store.ErrUnavailable
	// ErrInsufficientScope means an API key lacks a scope the operation requires.
	ErrInsufficientScope = errors.New("insufficient scope")
	// ErrNoSubjectProvider is returned by subject-backed operations when the engine was
	// built without a provider.
	ErrNoSubjectProvider = errors.New("subject provider not configured")
)

// Stable codes returned by [ErrorCode] and written by transports.
const (
	CodeExpired           = "expired"
	CodeInvalid           = "invalid"
	CodeRevoked           = "revoked"
	CodeReused            = "reused"
	CodeInactive          = "inactive"
	CodeRateLimited       = "rate_limited"
	CodeUnavailable       = "unavailable"
	CodeInsufficientScope = "insufficient_scope"
	CodeInternal          = "internal"
)

// ErrorCode maps err to a stable transport code. Unavailability is checked first: a
// fail-closed token error wraps both ErrInvalid and the store failure, and callers
// must see it as retryable.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, ratelimit.ErrStoreUnavailable):
		return CodeUnavailable
	case errors.Is(err, ErrReused):
		return CodeReused
	case errors.Is(err, ErrRevoked):
		return CodeRevoked
	case errors.Is(err, ErrExpired):
		return CodeExpired
	case errors.Is(err, ErrInactive):
		return CodeInactive
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrInsufficientScope):
		return CodeInsufficientScope
	case errors.Is(err, ErrInvalid):
		return CodeInvalid
	default:
		return CodeInternal
	}
}
