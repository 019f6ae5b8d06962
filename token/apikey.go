package token

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrEthical07/authgate/store"
)

const (
	apiKeyScheme      = "ak"
	apiKeySecretBytes = 32
)

// APIKeyOptions configures [Manager.IssueAPIKey]. Zero values fall back to the manager's
// API key defaults.
type APIKeyOptions struct {
	Name              string
	SubjectID         string
	Scopes            []string
	RateLimitOverride *RateLimitOverride
	TTL               time.Duration
}

// APIKey is a stored API key record. Secret is only populated on the value returned by
// IssueAPIKey and is never persisted.
type APIKey struct {
	KeyID             string             `json:"keyId"`
	HashedSecret      string             `json:"hashedSecret"`
	Name              string             `json:"name,omitempty"`
	SubjectID         string             `json:"subjectId,omitempty"`
	Scopes            []string           `json:"scopes,omitempty"`
	RateLimitOverride *RateLimitOverride `json:"rateLimitOverride,omitempty"`
	ExpiresAt         time.Time          `json:"expiresAt"`
	IsActive          bool               `json:"isActive"`
	CreatedAt         time.Time          `json:"createdAt"`
	LastUsedAt        time.Time          `json:"-"`

	Secret string `json:"-"`
}

// HasScope reports whether the key grants scope. A "*" scope grants everything.
func (k *APIKey) HasScope(scope string) bool {
	return slices.Contains(k.Scopes, scope) || slices.Contains(k.Scopes, "*")
}

// IssueAPIKey creates a key and returns it with its one-time secret, formatted
// ak_<keyId>_<secret>. Only a keyed digest of the secret is stored.
func (m *Manager) IssueAPIKey(ctx context.Context, opts APIKeyOptions) (*APIKey, error) {
	if opts.SubjectID != "" && !validSubject(opts.SubjectID) {
		return nil, fmt.Errorf("%w: malformed subject id", ErrInvalid)
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = m.apiKeyTTL
	}
	if ttl < 0 {
		return nil, fmt.Errorf("%w: negative api key ttl", ErrInvalid)
	}
	override := opts.RateLimitOverride
	if override == nil {
		override = m.apiKeyDefaultOverride
	}
	if override != nil {
		if err := override.Policy().Validate(); err != nil {
			return nil, err
		}
	}
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = m.apiKeyDefaultScopes
	}

	buf := make([]byte, apiKeySecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("token: generate api key secret: %w", err)
	}
	keyID := strings.ReplaceAll(uuid.NewString(), "-", "")
	secret := apiKeyScheme + "_" + keyID + "_" + base64.RawURLEncoding.EncodeToString(buf)

	now := m.now()
	key := &APIKey{
		KeyID:             keyID,
		HashedSecret:      hex.EncodeToString(m.digest(domainAPIKey, secret)),
		Name:              opts.Name,
		SubjectID:         opts.SubjectID,
		Scopes:            append([]string(nil), scopes...),
		RateLimitOverride: override,
		ExpiresAt:         now.Add(ttl),
		IsActive:          true,
		CreatedAt:         now,
	}
	if err := m.saveAPIKey(ctx, key, now); err != nil {
		return nil, err
	}

	m.emit(Event{Kind: EventAPIKeyIssued, SubjectID: key.SubjectID, TokenID: keyID})
	key.Secret = secret
	return key, nil
}

func (m *Manager) saveAPIKey(ctx context.Context, key *APIKey, now time.Time) error {
	raw, err := json.Marshal(key)
	if err != nil {
		return err
	}
	ttl := key.ExpiresAt.Add(m.apiKeyRetention).Sub(now)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := m.store.Set(ctx, m.apiKeyKey(key.KeyID), raw, ttl); err != nil {
		return fmt.Errorf("token: persist api key: %w", err)
	}
	return nil
}

func (m *Manager) loadAPIKey(ctx context.Context, keyID string) (*APIKey, error) {
	vals, err := m.store.MGet(ctx, m.apiKeyKey(keyID), m.apiKeyUsedKey(keyID))
	if err != nil {
		return nil, unverifiable(err)
	}
	if vals[0] == nil {
		return nil, ErrInvalid
	}
	var key APIKey
	if err := json.Unmarshal(vals[0], &key); err != nil {
		return nil, fmt.Errorf("%w: corrupt api key record", ErrInvalid)
	}
	if vals[1] != nil {
		if t, err := time.Parse(time.RFC3339Nano, string(vals[1])); err == nil {
			key.LastUsedAt = t
		}
	}
	return &key, nil
}

func parseAPIKeySecret(secret string) (keyID string, ok bool) {
	parts := strings.SplitN(secret, "_", 3)
	if len(parts) != 3 || parts[0] != apiKeyScheme || parts[1] == "" || parts[2] == "" {
		return "", false
	}
	for _, r := range parts[1] {
		if !('0' <= r && r <= '9' || 'a' <= r && r <= 'f') {
			return "", false
		}
	}
	return parts[1], true
}

// ValidateAPIKey resolves a presented secret to its key record.
//
// The secret digest is compared in constant time. On success the key's last use is
// recorded under a separate store key, so usage tracking never overwrites revocation.
func (m *Manager) ValidateAPIKey(ctx context.Context, secret string) (*APIKey, error) {
	keyID, ok := parseAPIKeySecret(secret)
	if !ok {
		return nil, ErrInvalid
	}
	key, err := m.loadAPIKey(ctx, keyID)
	if err != nil {
		return nil, err
	}

	want, err := hex.DecodeString(key.HashedSecret)
	if err != nil {
		return nil, ErrInvalid
	}
	if subtle.ConstantTimeCompare(want, m.digest(domainAPIKey, secret)) != 1 {
		return nil, ErrInvalid
	}
	if !key.IsActive {
		return nil, ErrInactive
	}
	now := m.now()
	if !now.Before(key.ExpiresAt) {
		return nil, ErrExpired
	}

	key.LastUsedAt = now
	ttl := key.ExpiresAt.Add(m.apiKeyRetention).Sub(now)
	if err := m.store.Set(ctx, m.apiKeyUsedKey(keyID), []byte(now.UTC().Format(time.RFC3339Nano)), ttl); err != nil {
		m.log.Warn("authgate: record api key use failed", "key_id", keyID, "error", err)
	}
	return key, nil
}

// RevokeAPIKey marks a key inactive. Revoking an inactive key is a no-op.
func (m *Manager) RevokeAPIKey(ctx context.Context, keyID string) error {
	if keyID == "" {
		return ErrInvalid
	}
	key, err := m.loadAPIKey(ctx, keyID)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			return fmt.Errorf("token: revoke api key: %w", err)
		}
		return err
	}
	if !key.IsActive {
		return nil
	}
	key.IsActive = false
	if err := m.saveAPIKey(ctx, key, m.now()); err != nil {
		return err
	}
	m.emit(Event{Kind: EventAPIKeyRevoked, SubjectID: key.SubjectID, TokenID: keyID})
	return nil
}
