package authgate

import (
	"slices"
	"time"
)

// SecurityReport summarizes the effective security posture of a built engine.
type SecurityReport struct {
	ProductionMode     bool
	SigningAlgorithm   string
	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	FamilyLifetime     time.Duration
	FingerprintBinding bool
	HashKeyConfigured  bool
	RateLimitFailOpen  bool
	DefaultPolicy      Policy
	AuthFailurePolicy  Policy
	// ThrottledOperations lists the operations with their own policy, sorted.
	ThrottledOperations []string
	StoreTimeout        time.Duration
	SubjectProvider     bool
	AuditEnabled        bool
	MetricsEnabled      bool
	LintWarnings        LintResult
}

// SecurityReport returns the engine's posture, including the config lint result.
func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}

	ops := make([]string, 0, len(e.config.RateLimit.Overrides))
	for op := range e.config.RateLimit.Overrides {
		ops = append(ops, op)
	}
	slices.Sort(ops)

	return SecurityReport{
		ProductionMode:      e.config.Security.ProductionMode,
		SigningAlgorithm:    e.config.JWT.SigningMethod,
		AccessTTL:           e.config.JWT.AccessTTL,
		RefreshTTL:          e.config.JWT.RefreshTTL,
		FamilyLifetime:      e.config.Token.FamilyLifetime,
		FingerprintBinding:  e.config.Token.RequireFingerprint,
		HashKeyConfigured:   len(e.config.Token.HashKey) > 0,
		RateLimitFailOpen:   e.config.RateLimit.FailOpen,
		DefaultPolicy:       e.config.RateLimit.Default,
		AuthFailurePolicy:   e.config.RateLimit.AuthFailure,
		ThrottledOperations: ops,
		StoreTimeout:        e.config.Store.Timeout,
		SubjectProvider:     e.subjects != nil,
		AuditEnabled:        e.audit != nil,
		MetricsEnabled:      e.metrics.Enabled(),
		LintWarnings:        e.config.Lint(),
	}
}
