package token

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/MrEthical07/authgate/ratelimit"
)

// DefaultPrefix namespaces token state when Config.Prefix is empty.
const DefaultPrefix = "authgate:tok"

// Config tunes a [Manager]. Token lifetimes come from the signer.
type Config struct {
	Prefix string
	// RequireFingerprint rejects tokens issued without a fingerprint binding.
	RequireFingerprint bool
	// HashKey keys the BLAKE2b digests of fingerprints and API key secrets. At most 64 bytes.
	HashKey []byte
	// FamilyLifetime caps how long a refresh family may be rotated, measured from Issue.
	// Zero disables the cap.
	FamilyLifetime time.Duration

	APIKeyTTL time.Duration
	// APIKeyRetention keeps expired key records readable so validation can report
	// ErrExpired instead of ErrInvalid.
	APIKeyRetention       time.Duration
	APIKeyDefaultScopes   []string
	APIKeyDefaultOverride *RateLimitOverride

	Now     func() time.Time
	Logger  *slog.Logger
	OnEvent func(Event)
}

// RateLimitOverride is a per-API-key throttling policy.
type RateLimitOverride struct {
	WindowMs    int64 `json:"windowMs"`
	MaxRequests int64 `json:"maxRequests"`
	Burst       int64 `json:"burst,omitempty"`
}

// Policy converts o to a fixed-window [ratelimit.Policy].
func (o RateLimitOverride) Policy() ratelimit.Policy {
	return ratelimit.Policy{
		Window:      time.Duration(o.WindowMs) * time.Millisecond,
		MaxRequests: o.MaxRequests,
		Burst:       o.Burst,
	}
}

const (
	defaultAPIKeyTTL       = 90 * 24 * time.Hour
	defaultAPIKeyRetention = 24 * time.Hour
)

func (c *Config) normalize() error {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if strings.ContainsAny(c.Prefix, "*?[]") {
		return errors.New("token: prefix must not contain glob characters")
	}
	if len(c.HashKey) > 64 {
		return errors.New("token: hash key longer than 64 bytes")
	}
	if c.FamilyLifetime < 0 {
		return errors.New("token: negative family lifetime")
	}
	if c.APIKeyTTL == 0 {
		c.APIKeyTTL = defaultAPIKeyTTL
	}
	if c.APIKeyTTL < 0 {
		return errors.New("token: negative api key ttl")
	}
	if c.APIKeyRetention == 0 {
		c.APIKeyRetention = defaultAPIKeyRetention
	}
	if c.APIKeyRetention < 0 {
		return errors.New("token: negative api key retention")
	}
	if c.APIKeyDefaultOverride != nil {
		if err := c.APIKeyDefaultOverride.Policy().Validate(); err != nil {
			return err
		}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}
