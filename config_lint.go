package authgate

import (
	"errors"
	"strings"
	"time"
)

// LintSeverity ranks a [LintWarning].
type LintSeverity int

const (
	LintInfo LintSeverity = iota
	LintWarn
	LintHigh
)

func (s LintSeverity) String() string {
	switch s {
	case LintInfo:
		return "INFO"
	case LintWarn:
		return "WARN"
	case LintHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// LintWarning is a configuration that validates but is risky or unusual.
type LintWarning struct {
	Code     string
	Severity LintSeverity
	Message  string
}

// LintResult is the ordered list of warnings returned by [Config.Lint].
type LintResult []LintWarning

// Codes returns the warning codes in order.
func (r LintResult) Codes() []string {
	out := make([]string, len(r))
	for i, w := range r {
		out[i] = w.Code
	}
	return out
}

// BySeverity returns the warnings at or above floor.
func (r LintResult) BySeverity(floor LintSeverity) LintResult {
	var out LintResult
	for _, w := range r {
		if w.Severity >= floor {
			out = append(out, w)
		}
	}
	return out
}

// AsError joins every warning at or above floor into one error, or returns nil.
func (r LintResult) AsError(floor LintSeverity) error {
	ws := r.BySeverity(floor)
	if len(ws) == 0 {
		return nil
	}
	msgs := make([]string, len(ws))
	for i, w := range ws {
		msgs[i] = w.Severity.String() + " " + w.Code + ": " + w.Message
	}
	return errors.New("authgate: config lint: " + strings.Join(msgs, "; "))
}

// Lint reports settings that pass [Config.Validate] but weaken the deployment. It does
// not modify c.
func (c *Config) Lint() LintResult {
	var ws LintResult
	add := func(code string, sev LintSeverity, msg string) {
		ws = append(ws, LintWarning{Code: code, Severity: sev, Message: msg})
	}

	// JWT
	if c.JWT.Leeway > time.Minute {
		add("leeway_large", LintWarn, "JWT Leeway above 1m widens the replay window of expired tokens")
	}
	if c.JWT.AccessTTL > 10*time.Minute {
		add("access_ttl_long", LintInfo, "access tokens live longer than 10m; revocation relies on store checks")
	}
	if c.JWT.RefreshTTL > 14*24*time.Hour {
		add("refresh_ttl_long", LintInfo, "refresh tokens live longer than 14d")
	}
	if c.JWT.SigningMethod == "hs256" {
		add("signing_hs256", LintInfo, "hs256 shares one secret between signers and verifiers")
	}

	// Token
	if len(c.Token.HashKey) == 0 {
		add("hash_key_missing", LintWarn, "fingerprint and API key digests are unkeyed")
	}
	if c.Token.FamilyLifetime == 0 {
		add("family_lifetime_unbounded", LintWarn, "refresh families can be rotated forever")
	}
	if c.APIKey.TTL == 0 {
		add("api_key_ttl_unbounded", LintInfo, "API keys default to the built-in lifetime; set APIKey TTL explicitly")
	}

	// Rate limit
	if c.RateLimit.FailOpen && c.Security.ProductionMode {
		add("rate_limit_fail_open", LintWarn, "the limiter admits every request while the store is down")
	}
	if c.RateLimit.AuthFailure.Limit() > c.RateLimit.Default.Limit() {
		add("auth_failure_generous", LintHigh, "failed authentication gets a larger budget than authenticated traffic")
	}
	if login, ok := c.RateLimit.Overrides["login"]; !ok {
		add("login_unthrottled_override", LintWarn, "no login override; login uses the default policy")
	} else if login.Limit() > c.RateLimit.Default.Limit() {
		add("login_generous", LintHigh, "login allows more attempts than the default policy")
	}

	// Store
	if c.Store.Timeout == 0 {
		add("store_timeout_disabled", LintWarn, "store calls are bounded only by the caller's context")
	}

	// Audit
	if !c.Audit.Enabled {
		add("audit_disabled", LintInfo, "reuse detection and revocations are not audited")
	} else if c.Audit.DropIfFull {
		add("audit_drop_if_full", LintInfo, "audit events are dropped under backpressure")
	}

	return ws
}
