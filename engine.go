package authgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrEthical07/authgate/identity"
	"github.com/MrEthical07/authgate/ratelimit"
	"github.com/MrEthical07/authgate/store"
	"github.com/MrEthical07/authgate/token"
)

// Engine is the entry point for throttling and credential operations. It is safe for
// concurrent use once built.
type Engine struct {
	config   Config
	store    store.Store
	owned    store.Store
	limiter  *ratelimit.Limiter
	tokens   *token.Manager
	locker   *store.Locker
	subjects identity.Provider
	audit    *auditDispatcher
	metrics  *Metrics
	log      *slog.Logger
	now      func() time.Time
}

// Close flushes pending audit events and stops a store built by
// [Builder.WithMemoryStore]. A store or Redis client passed in stays open; it belongs
// to the caller.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
	if e.owned != nil {
		if err := e.owned.Close(); err != nil {
			e.log.Warn("authgate: close store failed", "error", err)
		}
	}
}

// AuditDropped returns how many audit events were dropped under backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns the current counters. It is empty when metrics are disabled.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// RecordGateLatency adds one request gate evaluation to the gate latency histogram.
func (e *Engine) RecordGateLatency(d time.Duration) {
	if e.metrics.LatencyEnabled() {
		e.metrics.Observe(MetricGateLatency, d)
	}
}

// Logger returns the engine's structured logger.
func (e *Engine) Logger() *slog.Logger {
	return e.log
}

// Locker returns the distributed lock helper sharing the engine's store.
func (e *Engine) Locker() *store.Locker {
	return e.locker
}

func (e *Engine) storeFailed(op string, err error) {
	if errors.Is(err, store.ErrUnavailable) || errors.Is(err, ratelimit.ErrStoreUnavailable) {
		e.metricInc(MetricStoreUnavailable)
		e.log.Error("authgate: store unavailable", "operation", op, "error", err)
	}
}

/*
====================================
RATE LIMITING
====================================
*/

// Check counts one call of operation for identity against its configured policy.
// A rejected call returns a Result with Allowed false and a nil error.
func (e *Engine) Check(ctx context.Context, identity, operation string) (Result, error) {
	return e.CheckWithPolicy(ctx, identity, operation, nil)
}

// CheckWithPolicy is [Engine.Check] with a caller-specific policy, such as an API key
// override. A nil policy uses the operation's configured one.
func (e *Engine) CheckWithPolicy(ctx context.Context, identity, operation string, policy *Policy) (Result, error) {
	res, err := e.limiter.CheckWith(ctx, identity, operation, policy)
	if err != nil {
		e.storeFailed("check", err)
		return res, err
	}

	switch {
	case res.Degraded:
		e.metricInc(MetricRateLimitDegraded)
	case res.Allowed:
		e.metricInc(MetricRateLimitAllowed)
	default:
		e.metricInc(MetricRateLimitRejected)
		e.log.Info("authgate: rate limited",
			"identity", identity,
			"operation", operation,
			"retry_after", res.RetryAfter)
		e.emitAudit(ctx, AuditEvent{
			EventType: auditEventRateLimited,
			Identity:  identity,
			Operation: operation,
			Metadata:  map[string]string{"limit": fmt.Sprint(res.Limit)},
		}, ErrRateLimited)
	}
	return res, nil
}

// CheckAuthFailure throttles a failed authentication for identity (usually the client
// address). An explicit override for the auth failure operation wins over
// RateLimit.AuthFailure.
func (e *Engine) CheckAuthFailure(ctx context.Context, identity, operation string) (Result, error) {
	op := AuthFailureOperation(operation)
	if _, ok := e.config.RateLimit.Overrides[op]; ok {
		return e.Check(ctx, identity, op)
	}
	p := e.config.RateLimit.AuthFailure
	return e.CheckWithPolicy(ctx, identity, op, &p)
}

// Peek reports the state of identity's budget without counting a call.
func (e *Engine) Peek(ctx context.Context, identity, operation string) (Result, error) {
	res, err := e.limiter.Peek(ctx, identity, operation)
	if err != nil {
		e.storeFailed("peek", err)
	}
	return res, err
}

// ResetLimit clears identity's counters for operation.
func (e *Engine) ResetLimit(ctx context.Context, identity, operation string) error {
	if err := e.limiter.Reset(ctx, identity, operation); err != nil {
		e.storeFailed("reset_limit", err)
		return err
	}
	return nil
}

// PolicyFor returns the configured policy of operation.
func (e *Engine) PolicyFor(operation string) Policy {
	return e.limiter.PolicyFor(operation)
}

/*
====================================
TOKENS
====================================
*/

// Issue starts a new refresh family for id.
func (e *Engine) Issue(ctx context.Context, id Identity) (*Pair, error) {
	pair, err := e.tokens.Issue(ctx, id)
	if err != nil {
		e.storeFailed("issue", err)
		return nil, err
	}
	e.metricInc(MetricTokenIssued)
	return pair, nil
}

// IssueForSubject looks subjectID up through the subject provider and issues a pair
// carrying its role. Unknown subjects are ErrInvalid, disabled ones ErrInactive.
func (e *Engine) IssueForSubject(ctx context.Context, subjectID, fingerprint string) (*Pair, error) {
	if e.subjects == nil {
		return nil, ErrNoSubjectProvider
	}
	s, err := identity.Require(ctx, e.subjects, subjectID)
	switch {
	case errors.Is(err, identity.ErrSubjectNotFound):
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	case errors.Is(err, identity.ErrSubjectInactive):
		return nil, fmt.Errorf("%w: %w", ErrInactive, err)
	case err != nil:
		return nil, fmt.Errorf("authgate: lookup subject: %w", err)
	}
	return e.Issue(ctx, Identity{SubjectID: s.ID, Role: s.Role, Fingerprint: fingerprint})
}

// VerifyAccess validates an access token and its revocation state.
func (e *Engine) VerifyAccess(ctx context.Context, accessToken, fingerprint string) (*AccessClaims, error) {
	start := time.Now()
	claims, err := e.tokens.VerifyAccess(ctx, accessToken, fingerprint)
	e.observeSince(MetricVerifyLatency, start)
	if err != nil {
		e.metricInc(MetricAccessRejected)
		e.storeFailed("verify_access", err)
		return nil, err
	}
	e.metricInc(MetricAccessVerified)
	return claims, nil
}

// Refresh rotates a refresh token. Presenting an already rotated token revokes its
// family and returns ErrReused.
func (e *Engine) Refresh(ctx context.Context, refreshToken, fingerprint string) (*Pair, error) {
	pair, err := e.tokens.RotateRefresh(ctx, refreshToken, fingerprint)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.storeFailed("refresh", err)
		e.emitAudit(ctx, AuditEvent{EventType: auditEventRefreshFailure}, err)
		return nil, err
	}
	e.metricInc(MetricRefreshSuccess)
	return pair, nil
}

// Revoke revokes an access token, or the family of a refresh token.
func (e *Engine) Revoke(ctx context.Context, tok, reason string) error {
	if err := e.tokens.Revoke(ctx, tok, reason); err != nil {
		e.storeFailed("revoke", err)
		return err
	}
	return nil
}

// RevokeFamily revokes one session (refresh family) of subjectID.
func (e *Engine) RevokeFamily(ctx context.Context, subjectID, familyID, reason string) error {
	if err := e.tokens.RevokeFamily(ctx, subjectID, familyID, reason); err != nil {
		e.storeFailed("revoke_family", err)
		return err
	}
	return nil
}

// RevokeSubject revokes every token issued to subjectID so far.
func (e *Engine) RevokeSubject(ctx context.Context, subjectID, reason string) error {
	if err := e.tokens.RevokeSubject(ctx, subjectID, reason); err != nil {
		e.storeFailed("revoke_subject", err)
		return err
	}
	return nil
}

/*
====================================
API KEYS
====================================
*/

// IssueAPIKey creates an API key. The returned key carries the only copy of its secret.
func (e *Engine) IssueAPIKey(ctx context.Context, opts APIKeyOptions) (*APIKey, error) {
	key, err := e.tokens.IssueAPIKey(ctx, opts)
	if err != nil {
		e.storeFailed("issue_api_key", err)
		return nil, err
	}
	return key, nil
}

// ValidateAPIKey resolves a presented API key secret.
func (e *Engine) ValidateAPIKey(ctx context.Context, secret string) (*APIKey, error) {
	key, err := e.tokens.ValidateAPIKey(ctx, secret)
	if err != nil {
		e.metricInc(MetricAPIKeyRejected)
		e.storeFailed("validate_api_key", err)
		return nil, err
	}
	e.metricInc(MetricAPIKeyValidated)
	return key, nil
}

// RevokeAPIKey deactivates an API key.
func (e *Engine) RevokeAPIKey(ctx context.Context, keyID string) error {
	if err := e.tokens.RevokeAPIKey(ctx, keyID); err != nil {
		e.storeFailed("revoke_api_key", err)
		return err
	}
	return nil
}
