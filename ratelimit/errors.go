package ratelimit

import "errors"

var (
	// ErrRateLimited is returned by callers that turn a rejected [Result] into an error.
	ErrRateLimited = errors.New("rate limited")
	// ErrStoreUnavailable is returned when the store fails and FailOpen is disabled.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")
	// ErrInvalidPolicy is returned by Policy.Validate and New.
	ErrInvalidPolicy = errors.New("invalid rate limit policy")
)

// ErrInvalidKey is returned when identity or operation is empty.
var ErrInvalidKey = errors.New("rate limit identity and operation are required")
