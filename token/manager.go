package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/MrEthical07/authgate/jwt"
	"github.com/MrEthical07/authgate/store"
)

// Identity is the subject a token pair is issued to.
type Identity struct {
	SubjectID string
	Role      string
	// Fingerprint is an opaque client/device signal. Only its keyed digest is kept.
	Fingerprint string
}

// Pair is an issued access/refresh token pair.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	// SessionID is the refresh family id; access tokens carry it as sid.
	SessionID string
	SubjectID string
	Version   int64
}

type familyMeta struct {
	SubjectID   string    `json:"subjectId"`
	Role        string    `json:"role,omitempty"`
	Version     int64     `json:"version"`
	Fingerprint string    `json:"fph,omitempty"`
	CurrentJTI  string    `json:"currentJti"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Manager issues, verifies, rotates and revokes credentials.
type Manager struct {
	store  store.Store
	signer *jwt.Manager

	prefix             string
	requireFingerprint bool
	hashKey            []byte
	familyLifetime     time.Duration

	apiKeyTTL             time.Duration
	apiKeyRetention       time.Duration
	apiKeyDefaultScopes   []string
	apiKeyDefaultOverride *RateLimitOverride

	now     func() time.Time
	log     *slog.Logger
	onEvent func(Event)
}

// New returns a [Manager] persisting state in s and signing with signer.
func New(s store.Store, signer *jwt.Manager, cfg Config) (*Manager, error) {
	if s == nil {
		return nil, errors.New("token: store is required")
	}
	if signer == nil {
		return nil, errors.New("token: signer is required")
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		store:                 s,
		signer:                signer,
		prefix:                cfg.Prefix,
		requireFingerprint:    cfg.RequireFingerprint,
		hashKey:               append([]byte(nil), cfg.HashKey...),
		familyLifetime:        cfg.FamilyLifetime,
		apiKeyTTL:             cfg.APIKeyTTL,
		apiKeyRetention:       cfg.APIKeyRetention,
		apiKeyDefaultScopes:   append([]string(nil), cfg.APIKeyDefaultScopes...),
		apiKeyDefaultOverride: cfg.APIKeyDefaultOverride,
		now:                   cfg.Now,
		log:                   log,
		onEvent:               cfg.OnEvent,
	}, nil
}

func validSubject(subject string) bool {
	return subject != "" && !strings.ContainsAny(subject, ":*?[]\\")
}

// Issue starts a new refresh family for id and returns its first token pair.
//
// Subject ids must be non-empty and free of ':' and glob characters, since they are
// embedded in store keys.
func (m *Manager) Issue(ctx context.Context, id Identity) (*Pair, error) {
	if !validSubject(id.SubjectID) {
		return nil, fmt.Errorf("%w: malformed subject id", ErrInvalid)
	}
	if m.requireFingerprint && id.Fingerprint == "" {
		return nil, fmt.Errorf("%w: fingerprint required", ErrInvalid)
	}

	now := m.now()
	meta := familyMeta{
		SubjectID:   id.SubjectID,
		Role:        id.Role,
		Version:     1,
		Fingerprint: m.FingerprintHash(id.Fingerprint),
		CreatedAt:   now,
	}
	return m.issuePair(ctx, uuid.NewString(), meta, now)
}

// issuePair signs a pair for meta.Version and persists the family metadata.
func (m *Manager) issuePair(ctx context.Context, family string, meta familyMeta, now time.Time) (*Pair, error) {
	refreshExp := now.Add(m.signer.RefreshTTL())
	if m.familyLifetime > 0 {
		if limit := meta.CreatedAt.Add(m.familyLifetime); limit.Before(refreshExp) {
			refreshExp = limit
		}
	}
	if !refreshExp.After(now) {
		return nil, ErrExpired
	}
	accessExp := now.Add(m.signer.AccessTTL())
	if refreshExp.Before(accessExp) {
		accessExp = refreshExp
	}

	accessClaims := &jwt.AccessClaims{
		Role:         meta.Role,
		SID:          family,
		Fingerprint:  meta.Fingerprint,
		IssuedMillis: now.UnixMilli(),
		RegisteredClaims: gjwt.RegisteredClaims{
			Subject:   meta.SubjectID,
			ID:        uuid.NewString(),
			IssuedAt:  gjwt.NewNumericDate(now),
			ExpiresAt: gjwt.NewNumericDate(accessExp),
		},
	}
	access, err := m.signer.CreateAccess(accessClaims)
	if err != nil {
		return nil, fmt.Errorf("token: sign access: %w", err)
	}

	refreshClaims := &jwt.RefreshClaims{
		Family:       family,
		Version:      meta.Version,
		Fingerprint:  meta.Fingerprint,
		IssuedMillis: now.UnixMilli(),
		RegisteredClaims: gjwt.RegisteredClaims{
			Subject:   meta.SubjectID,
			ID:        uuid.NewString(),
			IssuedAt:  gjwt.NewNumericDate(now),
			ExpiresAt: gjwt.NewNumericDate(refreshExp),
		},
	}
	refresh, err := m.signer.CreateRefresh(refreshClaims)
	if err != nil {
		return nil, fmt.Errorf("token: sign refresh: %w", err)
	}

	meta.CurrentJTI = refreshClaims.ID
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	ttl := refreshClaims.ExpiresAt.Time.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := m.store.Set(ctx, m.familyKey(meta.SubjectID, family), raw, ttl); err != nil {
		return nil, fmt.Errorf("token: persist family: %w", err)
	}

	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessClaims.ExpiresAt.Time,
		RefreshExpiresAt: refreshClaims.ExpiresAt.Time,
		SessionID:        family,
		SubjectID:        meta.SubjectID,
		Version:          meta.Version,
	}, nil
}

// parseError maps signer errors onto the package taxonomy without echoing token text.
func parseError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrExpired
	}
	return fmt.Errorf("%w: %v", ErrInvalid, err)
}

// unverifiable wraps a store failure during verification. The credential is treated as
// invalid; errors.Is(err, store.ErrUnavailable) still holds for transports.
func unverifiable(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalid, err)
}

// VerifyAccess checks signature, expiry, fingerprint binding and revocation state of an
// access token. All revocation lookups share one store round trip.
func (m *Manager) VerifyAccess(ctx context.Context, token, fingerprint string) (*jwt.AccessClaims, error) {
	claims, err := m.signer.ParseAccess(token)
	if err != nil {
		return nil, parseError(err)
	}
	if claims.SID == "" || !validSubject(claims.Subject) {
		return nil, ErrInvalid
	}
	if err := m.checkFingerprint(claims.Fingerprint, fingerprint); err != nil {
		return nil, err
	}

	vals, err := m.store.MGet(ctx,
		m.revokedKey(claims.ID),
		m.familyRevokedKey(claims.SID),
		m.subjectEpochKey(claims.Subject),
	)
	if err != nil {
		return nil, unverifiable(err)
	}
	if vals[0] != nil || vals[1] != nil || revokedByEpoch(vals[2], claims.IssuedMillis, claims.IssuedAt) {
		return nil, ErrRevoked
	}
	return claims, nil
}

// revokedByEpoch reports whether a token issued at ims (unix ms) was issued at or before
// the subject epoch (unix ms). Tokens without ims fall back to the start of their iat
// second, so an epoch anywhere in that second revokes them.
func revokedByEpoch(raw []byte, ims int64, iat *gjwt.NumericDate) bool {
	if raw == nil {
		return false
	}
	epoch, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return true
	}
	if ims <= 0 {
		if iat == nil {
			return true
		}
		ims = iat.Unix() * 1000
	}
	return ims <= epoch
}

// RotateRefresh exchanges a refresh token for a new pair in the same family.
//
// The presented token is consumed with a conditional set, so of any number of concurrent
// calls with the same token exactly one succeeds. Presenting a consumed or superseded token
// returns [ErrReused] and revokes the whole family.
func (m *Manager) RotateRefresh(ctx context.Context, token, fingerprint string) (*Pair, error) {
	claims, err := m.signer.ParseRefresh(token)
	if err != nil {
		return nil, parseError(err)
	}
	if !validSubject(claims.Subject) {
		return nil, ErrInvalid
	}
	if err := m.checkFingerprint(claims.Fingerprint, fingerprint); err != nil {
		return nil, err
	}

	vals, err := m.store.MGet(ctx, m.familyRevokedKey(claims.Family), m.subjectEpochKey(claims.Subject))
	if err != nil {
		return nil, unverifiable(err)
	}
	if vals[0] != nil || revokedByEpoch(vals[1], claims.IssuedMillis, claims.IssuedAt) {
		return nil, ErrRevoked
	}

	now := m.now()
	ttl := claims.ExpiresAt.Time.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	won, err := m.store.SetNX(ctx, m.consumedKey(claims.ID), []byte(claims.Family), ttl)
	if err != nil {
		return nil, unverifiable(err)
	}
	if !won {
		m.reuseDetected(ctx, claims)
		return nil, ErrReused
	}

	raw, err := m.store.Get(ctx, m.familyKey(claims.Subject, claims.Family))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRevoked
	}
	if err != nil {
		m.releaseClaim(ctx, claims)
		return nil, unverifiable(err)
	}
	var meta familyMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("%w: corrupt family metadata", ErrInvalid)
	}
	if meta.Version != claims.Version || meta.CurrentJTI != claims.ID || meta.SubjectID != claims.Subject {
		m.reuseDetected(ctx, claims)
		return nil, ErrReused
	}
	if meta.Fingerprint != claims.Fingerprint {
		return nil, ErrInvalid
	}

	meta.Version++
	pair, err := m.issuePair(ctx, claims.Family, meta, now)
	if err != nil {
		if errors.Is(err, ErrExpired) {
			return nil, err
		}
		m.releaseClaim(ctx, claims)
		return nil, unverifiable(err)
	}
	return pair, nil
}

// releaseClaim undoes the consumed marker after a rotation failed for reasons other than
// reuse or expiry, so the client can retry with the same refresh token. If the family
// write did land despite the error, the retry no longer matches CurrentJTI and is
// treated as reuse.
func (m *Manager) releaseClaim(ctx context.Context, claims *jwt.RefreshClaims) {
	_, err := m.store.CompareAndDelete(context.WithoutCancel(ctx), m.consumedKey(claims.ID), []byte(claims.Family))
	if err != nil {
		m.log.Error("authgate: release refresh claim failed",
			"subject", claims.Subject, "family", claims.Family, "error", err)
	}
}

func (m *Manager) reuseDetected(ctx context.Context, claims *jwt.RefreshClaims) {
	m.log.Warn("authgate: refresh token reuse detected, revoking family",
		"subject", claims.Subject, "family", claims.Family, "version", claims.Version)
	m.emit(Event{
		Kind:      EventReuseDetected,
		SubjectID: claims.Subject,
		FamilyID:  claims.Family,
		TokenID:   claims.ID,
		Reason:    "refresh_reuse",
	})
	// The caller may already be gone; the family must still be revoked.
	if err := m.RevokeFamily(context.WithoutCancel(ctx), claims.Subject, claims.Family, "refresh_reuse"); err != nil {
		m.log.Error("authgate: revoke family after reuse failed",
			"subject", claims.Subject, "family", claims.Family, "error", err)
	}
}
