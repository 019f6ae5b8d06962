// Package jwt signs and verifies the access and refresh token claim sets used by the token
// lifecycle manager, with strict algorithm, kid, issuer, audience and type checks.
//
// The package is stateless: revocation, rotation and reuse detection live in package token.
package jwt
