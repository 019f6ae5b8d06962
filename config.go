package authgate

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/MrEthical07/authgate/ratelimit"
	"github.com/MrEthical07/authgate/token"
)

// Config is the full engine configuration. Every field is validated once by
// [Builder.Build]; nothing is re-checked on the request path.
type Config struct {
	Store     StoreConfig
	RateLimit RateLimitConfig
	JWT       JWTConfig
	Token     TokenConfig
	APIKey    APIKeyConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
	Security  SecurityConfig
}

/*
====================================
STORE CONFIG
====================================
*/

// StoreConfig controls the shared state store.
type StoreConfig struct {
	// Prefix namespaces every key the engine writes: <prefix>:rl, <prefix>:tok and
	// <prefix>:lock.
	Prefix string
	// Timeout bounds each store call. A call past it fails as unavailable.
	Timeout time.Duration
	// SweepInterval is how often the in-process store drops expired keys. Only used
	// by [Builder.WithMemoryStore]; zero disables the sweeper.
	SweepInterval time.Duration
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateLimitConfig defines the limiter policies.
type RateLimitConfig struct {
	Default   ratelimit.Policy
	Overrides map[string]ratelimit.Policy
	// AuthFailure throttles failed authentication attempts per client address.
	AuthFailure ratelimit.Policy
	// FailOpen allows requests while the store is unreachable. Token checks always
	// fail closed.
	FailOpen bool
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig defines signing keys and token lifetimes.
type JWTConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod string // "ed25519" (default), "hs256" optional
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig defines refresh family and binding behavior.
type TokenConfig struct {
	RequireFingerprint bool
	// HashKey keys fingerprint and API key digests. Up to 64 bytes.
	HashKey []byte
	// FamilyLifetime is the absolute lifetime of a refresh family. Zero disables it.
	FamilyLifetime time.Duration
}

/*
====================================
API KEY CONFIG
====================================
*/

// APIKeyConfig defines API key defaults.
type APIKeyConfig struct {
	TTL             time.Duration
	Retention       time.Duration
	DefaultScopes   []string
	DefaultOverride *token.RateLimitOverride
}

/*
====================================
AUDIT CONFIG
====================================
*/

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

/*
====================================
METRICS CONFIG
====================================
*/

// MetricsConfig controls in-process metric collection.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
SECURITY CONFIG
====================================
*/

// SecurityConfig holds deployment hardening switches.
type SecurityConfig struct {
	// ProductionMode tightens lifetimes and key sizes during validation.
	ProductionMode bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the baseline configuration. Signing keys must still be supplied.
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{
			Prefix:        "authgate",
			Timeout:       250 * time.Millisecond,
			SweepInterval: time.Minute,
		},
		RateLimit: RateLimitConfig{
			Default: ratelimit.Policy{Window: time.Minute, MaxRequests: 120},
			Overrides: map[string]ratelimit.Policy{
				"login":   {Window: time.Minute, MaxRequests: 5, Strategy: ratelimit.SlidingWindow},
				"refresh": {Window: time.Minute, MaxRequests: 30},
			},
			AuthFailure: ratelimit.Policy{Window: time.Minute, MaxRequests: 20, Strategy: ratelimit.SlidingWindow},
			FailOpen:    true,
		},
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			SigningMethod: "ed25519",
			Issuer:        "authgate",
		},
		Token: TokenConfig{
			FamilyLifetime: 30 * 24 * time.Hour,
		},
		APIKey: APIKeyConfig{
			TTL:       90 * 24 * time.Hour,
			Retention: 24 * time.Hour,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.RateLimit.Overrides = maps.Clone(cfg.RateLimit.Overrides)
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	if cfg.JWT.VerifyKeys != nil {
		out.JWT.VerifyKeys = make(map[string][]byte, len(cfg.JWT.VerifyKeys))
		for kid, key := range cfg.JWT.VerifyKeys {
			out.JWT.VerifyKeys[kid] = cloneBytes(key)
		}
	}
	out.Token.HashKey = cloneBytes(cfg.Token.HashKey)
	out.APIKey.DefaultScopes = append([]string(nil), cfg.APIKey.DefaultScopes...)
	if cfg.APIKey.DefaultOverride != nil {
		o := *cfg.APIKey.DefaultOverride
		out.APIKey.DefaultOverride = &o
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate checks cfg for values the engine cannot run with.
func (c *Config) Validate() error {
	// Store
	if c.Store.Prefix == "" {
		return errors.New("Store Prefix must not be empty")
	}
	if strings.ContainsAny(c.Store.Prefix, "*?[]\\") {
		return errors.New("Store Prefix must not contain glob characters")
	}
	if c.Store.Timeout < 0 {
		return errors.New("Store Timeout must be >= 0")
	}
	if c.Store.SweepInterval < 0 {
		return errors.New("Store SweepInterval must be >= 0")
	}

	// Rate limit
	if err := c.RateLimit.Default.Validate(); err != nil {
		return fmt.Errorf("RateLimit Default: %w", err)
	}
	for op, p := range c.RateLimit.Overrides {
		if op == "" {
			return errors.New("RateLimit Overrides must not have an empty operation")
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("RateLimit Overrides[%s]: %w", op, err)
		}
	}
	if err := c.RateLimit.AuthFailure.Validate(); err != nil {
		return fmt.Errorf("RateLimit AuthFailure: %w", err)
	}

	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= 0 {
		return errors.New("JWT RefreshTTL must be > 0")
	}
	if c.JWT.AccessTTL > c.JWT.RefreshTTL {
		return errors.New("JWT AccessTTL must be <= RefreshTTL")
	}
	if c.JWT.SigningMethod != "ed25519" && c.JWT.SigningMethod != "hs256" {
		return errors.New("unsupported JWT signing method")
	}
	if c.JWT.SigningMethod == "ed25519" && len(c.JWT.PrivateKey) == 0 {
		return errors.New("ed25519 requires PrivateKey")
	}
	if c.JWT.SigningMethod == "ed25519" && len(c.JWT.PublicKey) == 0 {
		return errors.New("ed25519 requires PublicKey")
	}
	if c.JWT.SigningMethod == "hs256" && len(c.JWT.PrivateKey) == 0 {
		return errors.New("hs256 requires PrivateKey")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be between 0 and 2m")
	}

	// Token
	if len(c.Token.HashKey) > 64 {
		return errors.New("Token HashKey must be <= 64 bytes")
	}
	if c.Token.FamilyLifetime < 0 {
		return errors.New("Token FamilyLifetime must be >= 0")
	}
	if c.Token.FamilyLifetime > 0 && c.Token.FamilyLifetime < c.JWT.RefreshTTL {
		return errors.New("Token FamilyLifetime must be >= JWT RefreshTTL")
	}

	// API keys
	if c.APIKey.TTL < 0 {
		return errors.New("APIKey TTL must be >= 0")
	}
	if c.APIKey.Retention < 0 {
		return errors.New("APIKey Retention must be >= 0")
	}
	if c.APIKey.DefaultOverride != nil {
		if err := c.APIKey.DefaultOverride.Policy().Validate(); err != nil {
			return fmt.Errorf("APIKey DefaultOverride: %w", err)
		}
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when Audit is enabled")
	}

	if c.Security.ProductionMode {
		if c.JWT.AccessTTL > 15*time.Minute {
			return errors.New("ProductionMode requires JWT AccessTTL <= 15m")
		}
		if c.JWT.RefreshTTL > 30*24*time.Hour {
			return errors.New("ProductionMode requires JWT RefreshTTL <= 30d")
		}
		if c.JWT.SigningMethod == "hs256" && len(c.JWT.PrivateKey) < 32 {
			return errors.New("ProductionMode requires hs256 key length >= 256 bits")
		}
		if len(c.Token.HashKey) < 32 {
			return errors.New("ProductionMode requires Token HashKey >= 32 bytes")
		}
		if c.Store.Timeout == 0 {
			return errors.New("ProductionMode requires a Store Timeout")
		}
	}

	return nil
}
