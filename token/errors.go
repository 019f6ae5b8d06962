package token

import "errors"

var (
	// ErrExpired is returned for credentials past their expiry.
	ErrExpired = errors.New("credential expired")
	// ErrInvalid is returned for bad signatures, malformed input, fingerprint mismatch and
	// unverifiable credentials (store unavailable).
	ErrInvalid = errors.New("credential invalid")
	// ErrRevoked is returned for credentials whose token, family or subject was revoked.
	ErrRevoked = errors.New("credential revoked")
	// ErrReused is returned when a superseded refresh token is presented again.
	ErrReused = errors.New("refresh token reused")
	// ErrInactive is returned for API keys that were revoked.
	ErrInactive = errors.New("api key inactive")
)
