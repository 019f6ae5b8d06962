package authgate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSecurityInvariantRefreshReplayRevokesFamily(t *testing.T) {
	e := buildTestEngine(t, testConfig(), nil)
	ctx := context.Background()

	pair, err := e.Issue(ctx, Identity{SubjectID: "alice"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	next, err := e.Refresh(ctx, pair.RefreshToken, "")
	if err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}
	if _, err := e.Refresh(ctx, pair.RefreshToken, ""); !errors.Is(err, ErrReused) {
		t.Fatalf("expected ErrReused, got %v", err)
	}

	if _, err := e.VerifyAccess(ctx, next.AccessToken, ""); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected rotated access token to be revoked, got %v", err)
	}
	if _, err := e.Refresh(ctx, next.RefreshToken, ""); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected rotated refresh token to be revoked, got %v", err)
	}

	// Other sessions of the same subject are untouched.
	other, err := e.Issue(ctx, Identity{SubjectID: "alice"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := e.VerifyAccess(ctx, other.AccessToken, ""); err != nil {
		t.Fatalf("expected unrelated session to verify, got %v", err)
	}
}

func TestSecurityInvariantRevokedAccessTokenRejected(t *testing.T) {
	e := buildTestEngine(t, testConfig(), nil)
	ctx := context.Background()

	pair, err := e.Issue(ctx, Identity{SubjectID: "alice"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if err := e.Revoke(ctx, pair.AccessToken, "logout"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if _, err := e.VerifyAccess(ctx, pair.AccessToken, ""); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}
	if err := e.Revoke(ctx, pair.AccessToken, "logout"); err != nil {
		t.Fatalf("expected revoke to be idempotent, got %v", err)
	}
}

func TestSecurityInvariantFingerprintMismatchBlocked(t *testing.T) {
	cfg := testConfig()
	cfg.Token.RequireFingerprint = true
	e := buildTestEngine(t, cfg, nil)
	ctx := context.Background()

	pair, err := e.Issue(ctx, Identity{SubjectID: "alice", Fingerprint: "device-a"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := e.VerifyAccess(ctx, pair.AccessToken, "device-b"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for access fingerprint mismatch, got %v", err)
	}
	if _, err := e.Refresh(ctx, pair.RefreshToken, "device-b"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for refresh fingerprint mismatch, got %v", err)
	}
	if _, err := e.Refresh(ctx, pair.RefreshToken, "device-a"); err != nil {
		t.Fatalf("expected matching fingerprint to refresh, got %v", err)
	}
}

func TestSecurityInvariantTokensExpire(t *testing.T) {
	e := buildTestEngine(t, testConfig(), nil)
	ctx := context.Background()

	pair, err := e.Issue(ctx, Identity{SubjectID: "alice"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	e.clock.Advance(16 * time.Minute)
	if _, err := e.VerifyAccess(ctx, pair.AccessToken, ""); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired for access token, got %v", err)
	}

	e.clock.Advance(7 * 24 * time.Hour)
	if _, err := e.Refresh(ctx, pair.RefreshToken, ""); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired for refresh token, got %v", err)
	}
}

func TestSecurityInvariantNoSecretsInStore(t *testing.T) {
	e := buildTestEngine(t, testConfig(), nil)
	ctx := context.Background()

	pair, err := e.Issue(ctx, Identity{SubjectID: "alice", Fingerprint: "device-a"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	key, err := e.IssueAPIKey(ctx, APIKeyOptions{Name: "ci"})
	if err != nil {
		t.Fatalf("issue api key failed: %v", err)
	}
	secret := key.Secret[strings.LastIndex(key.Secret, "_")+1:]

	for _, k := range e.mr.Keys() {
		v, err := e.mr.Get(k)
		if err != nil {
			continue
		}
		for _, s := range []string{pair.AccessToken, pair.RefreshToken, secret, "device-a"} {
			if strings.Contains(v, s) {
				t.Fatalf("store key %s holds a secret", k)
			}
		}
	}
}
