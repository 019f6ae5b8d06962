package jwt

import (
	"github.com/golang-jwt/jwt/v5"
)

// Token types carried in the typ claim. A refresh token never verifies as an access
// token and vice versa.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// AccessClaims is the claim set of a short-lived access token.
//
// Subject and ID (jti) live in the embedded registered claims. SID is the session id,
// which equals the refresh family id of the pair the token was issued with.
type AccessClaims struct {
	Type        string `json:"typ"`
	Role        string `json:"role,omitempty"`
	SID         string `json:"sid"`
	Fingerprint string `json:"fph,omitempty"`

	// IssuedMillis is the issuance time in unix milliseconds. iat only has second
	// resolution.
	IssuedMillis int64 `json:"ims,omitempty"`
	jwt.RegisteredClaims
}

// RefreshClaims is the claim set of a single-use refresh token.
type RefreshClaims struct {
	Type         string `json:"typ"`
	Family       string `json:"fam"`
	Version      int64  `json:"ver"`
	Fingerprint  string `json:"fph,omitempty"`
	IssuedMillis int64  `json:"ims,omitempty"`
	jwt.RegisteredClaims
}

type typedClaims interface {
	jwt.Claims
	tokenType() string
	registered() *jwt.RegisteredClaims
}

func (c *AccessClaims) tokenType() string                  { return c.Type }
func (c *AccessClaims) registered() *jwt.RegisteredClaims  { return &c.RegisteredClaims }
func (c *RefreshClaims) tokenType() string                 { return c.Type }
func (c *RefreshClaims) registered() *jwt.RegisteredClaims { return &c.RegisteredClaims }
