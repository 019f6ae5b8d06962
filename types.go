package authgate

import (
	"github.com/MrEthical07/authgate/jwt"
	"github.com/MrEthical07/authgate/ratelimit"
	"github.com/MrEthical07/authgate/token"
)

// Value types shared with the component packages, re-exported so callers of the
// engine need a single import.
type (
	Identity          = token.Identity
	Pair              = token.Pair
	APIKey            = token.APIKey
	APIKeyOptions     = token.APIKeyOptions
	RateLimitOverride = token.RateLimitOverride
	AccessClaims      = jwt.AccessClaims
	Policy            = ratelimit.Policy
	Result            = ratelimit.Result
)

// Rate limit strategies.
const (
	FixedWindow   = ratelimit.FixedWindow
	SlidingWindow = ratelimit.SlidingWindow
)

// AuthFailureOperation is the operation name failed authentications are throttled under.
func AuthFailureOperation(operation string) string {
	return "auth_failure:" + operation
}
