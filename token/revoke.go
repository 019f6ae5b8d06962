package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/authgate/jwt"
)

// RevocationEntry is the value stored for a revoked token or family.
type RevocationEntry struct {
	TokenID   string    `json:"tokenId"`
	SubjectID string    `json:"subjectId"`
	RevokedAt time.Time `json:"revokedAt"`
	Reason    string    `json:"reason"`
}

// familyRevocationTTL outlives every token a family can still have in circulation.
func (m *Manager) familyRevocationTTL() time.Duration {
	return max(m.signer.RefreshTTL(), m.signer.AccessTTL())
}

// Revoke revokes an access token by jti, or the whole family of a refresh token.
//
// Revoke is idempotent. Expired tokens need no revocation entry and return nil.
func (m *Manager) Revoke(ctx context.Context, token, reason string) error {
	access, err := m.signer.ParseAccess(token)
	if err == nil {
		return m.revokeAccess(ctx, access, reason)
	}
	if errors.Is(err, jwt.ErrWrongType) {
		refresh, rerr := m.signer.ParseRefresh(token)
		if rerr == nil {
			return m.RevokeFamily(ctx, refresh.Subject, refresh.Family, reason)
		}
		err = rerr
	}
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil
	}
	return parseError(err)
}

func (m *Manager) revokeAccess(ctx context.Context, claims *jwt.AccessClaims, reason string) error {
	now := m.now()
	ttl := claims.ExpiresAt.Time.Sub(now)
	if ttl <= 0 {
		return nil
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	raw, err := json.Marshal(RevocationEntry{
		TokenID:   claims.ID,
		SubjectID: claims.Subject,
		RevokedAt: now,
		Reason:    reason,
	})
	if err != nil {
		return err
	}
	created, err := m.store.SetNX(ctx, m.revokedKey(claims.ID), raw, ttl)
	if err != nil {
		return fmt.Errorf("token: revoke: %w", err)
	}
	if created {
		m.emit(Event{Kind: EventTokenRevoked, SubjectID: claims.Subject, FamilyID: claims.SID, TokenID: claims.ID, Reason: reason})
	}
	return nil
}

// RevokeFamily moves a refresh family to REVOKED. Every access and refresh token issued
// under it stops verifying. Revoking an already revoked family is a no-op.
//
// The family metadata is left to expire: a rotation that already won its conditional set
// must still find it.
func (m *Manager) RevokeFamily(ctx context.Context, subjectID, familyID, reason string) error {
	if !validSubject(subjectID) || familyID == "" {
		return fmt.Errorf("%w: malformed family reference", ErrInvalid)
	}
	raw, err := json.Marshal(RevocationEntry{
		TokenID:   familyID,
		SubjectID: subjectID,
		RevokedAt: m.now(),
		Reason:    reason,
	})
	if err != nil {
		return err
	}
	created, err := m.store.SetNX(ctx, m.familyRevokedKey(familyID), raw, m.familyRevocationTTL())
	if err != nil {
		return fmt.Errorf("token: revoke family: %w", err)
	}
	if created {
		m.emit(Event{Kind: EventFamilyRevoked, SubjectID: subjectID, FamilyID: familyID, Reason: reason})
	}
	return nil
}

// RevokeSubject revokes every token issued to subjectID up to now (logout everywhere).
//
// The epoch is now in unix milliseconds. Tokens issued in the same millisecond as the
// call are revoked; anything issued later, such as the next login, is not.
func (m *Manager) RevokeSubject(ctx context.Context, subjectID, reason string) error {
	if !validSubject(subjectID) {
		return fmt.Errorf("%w: malformed subject id", ErrInvalid)
	}
	now := m.now()
	epoch := now.UnixMilli()
	ttl := m.familyRevocationTTL()
	if m.familyLifetime > ttl {
		ttl = m.familyLifetime
	}
	if err := m.store.Set(ctx, m.subjectEpochKey(subjectID), []byte(strconv.FormatInt(epoch, 10)), ttl); err != nil {
		return fmt.Errorf("token: revoke subject: %w", err)
	}
	if _, err := m.store.DeletePattern(ctx, m.subjectFamiliesPattern(subjectID)); err != nil {
		return fmt.Errorf("token: drop subject families: %w", err)
	}
	m.log.Info("authgate: subject revoked", "subject", subjectID, "reason", reason)
	m.emit(Event{Kind: EventSubjectRevoked, SubjectID: subjectID, Reason: reason})
	return nil
}
