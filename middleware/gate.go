package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/authgate"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
	HeaderAPIKey     = "X-API-Key"
	// HeaderFingerprint is read by the default fingerprint extractor.
	HeaderFingerprint = "X-Device-Fingerprint"
)

// GateOptions configures a [Gate].
type GateOptions struct {
	// Operation names the rate limit policy applied to gated requests. The gRPC adapter
	// falls back to the full method name when it is empty.
	Operation string
	// AllowAnonymous lets requests without credentials through, throttled per client address.
	AllowAnonymous bool
	// RequiredScopes must all be granted to an API key. Bearer tokens carry no scopes
	// and are not checked.
	RequiredScopes []string
	// FingerprintFunc extracts the client fingerprint for token binding (HTTP and gin).
	// Defaults to the X-Device-Fingerprint header.
	FingerprintFunc func(*http.Request) string
	// ClientIPFunc extracts the client address (HTTP and gin). Defaults to the host part
	// of RemoteAddr for net/http and gin's ClientIP for gin.
	ClientIPFunc func(*http.Request) string
}

// Request is the transport-neutral input of [Gate.Evaluate].
type Request struct {
	// Authorization is the raw Authorization header value.
	Authorization string
	APIKey        string
	ClientIP      string
	Fingerprint   string
	// Operation overrides GateOptions.Operation when set.
	Operation string
}

// Principal is the authenticated caller of an allowed request.
type Principal struct {
	// Identity is the rate limit identity: user:<sub>, key:<id> or ip:<addr>.
	Identity  string
	SubjectID string
	Role      string
	SessionID string
	Scopes    []string
	Anonymous bool

	Claims *authgate.AccessClaims
	APIKey *authgate.APIKey
}

// Decision is the outcome of [Gate.Evaluate].
type Decision struct {
	Allowed bool
	// Status is the HTTP status the adapters map the decision to.
	Status int
	// Code is the error code written to the response body. Empty when allowed.
	Code      string
	Err       error
	Operation string
	Principal *Principal
	// RateLimit is the throttle result, nil when the request never reached the limiter.
	RateLimit *authgate.Result
}

// Headers returns the rate limit headers for d.
func (d Decision) Headers() map[string]string {
	if d.RateLimit == nil {
		return nil
	}
	rl := d.RateLimit
	h := map[string]string{
		HeaderLimit:     strconv.FormatInt(rl.Limit, 10),
		HeaderRemaining: strconv.FormatInt(rl.Remaining, 10),
		HeaderReset:     strconv.FormatInt(rl.ResetAt.Unix(), 10),
	}
	if !rl.Allowed {
		h[HeaderRetryAfter] = strconv.FormatInt(rl.RetryAfterSeconds(), 10)
	}
	return h
}

// Gate runs the authenticate, identify, throttle sequence against an engine.
type Gate struct {
	engine *authgate.Engine
	opts   GateOptions
}

// NewGate returns a gate over engine.
func NewGate(engine *authgate.Engine, opts GateOptions) (*Gate, error) {
	if engine == nil {
		return nil, errors.New("middleware: engine is required")
	}
	opts.RequiredScopes = append([]string(nil), opts.RequiredScopes...)
	return &Gate{engine: engine, opts: opts}, nil
}

// Evaluate decides one request. It never returns an allowed decision without a
// successful (or degraded) limiter check.
func (g *Gate) Evaluate(ctx context.Context, req Request) Decision {
	start := time.Now()
	defer func() { g.engine.RecordGateLatency(time.Since(start)) }()

	op := req.Operation
	if op == "" {
		op = g.opts.Operation
	}
	if op == "" {
		op = "default"
	}
	ctx = authgate.WithClientIP(ctx, req.ClientIP)

	principal, err := g.authenticate(ctx, req)
	if err != nil {
		return g.rejectAuthentication(ctx, req, op, err)
	}

	if principal.APIKey != nil {
		for _, scope := range g.opts.RequiredScopes {
			if !principal.APIKey.HasScope(scope) {
				return Decision{
					Status:    http.StatusForbidden,
					Code:      authgate.CodeInsufficientScope,
					Err:       authgate.ErrInsufficientScope,
					Operation: op,
				}
			}
		}
	}

	var policy *authgate.Policy
	if principal.APIKey != nil && principal.APIKey.RateLimitOverride != nil {
		p := principal.APIKey.RateLimitOverride.Policy()
		policy = &p
	}
	res, err := g.engine.CheckWithPolicy(ctx, principal.Identity, op, policy)
	if err != nil {
		return errorDecision(op, err)
	}
	if !res.Allowed {
		return Decision{
			Status:    http.StatusTooManyRequests,
			Code:      authgate.CodeRateLimited,
			Err:       authgate.ErrRateLimited,
			Operation: op,
			RateLimit: &res,
		}
	}
	return Decision{
		Allowed:   true,
		Status:    http.StatusOK,
		Operation: op,
		Principal: principal,
		RateLimit: &res,
	}
}

func (g *Gate) authenticate(ctx context.Context, req Request) (*Principal, error) {
	if req.Authorization != "" {
		token, ok := bearerToken(req.Authorization)
		if !ok {
			return nil, authgate.ErrInvalid
		}
		claims, err := g.engine.VerifyAccess(ctx, token, req.Fingerprint)
		if err != nil {
			return nil, err
		}
		return &Principal{
			Identity:  "user:" + claims.Subject,
			SubjectID: claims.Subject,
			Role:      claims.Role,
			SessionID: claims.SID,
			Claims:    claims,
		}, nil
	}

	if req.APIKey != "" {
		key, err := g.engine.ValidateAPIKey(ctx, req.APIKey)
		if err != nil {
			return nil, err
		}
		return &Principal{
			Identity:  "key:" + key.KeyID,
			SubjectID: key.SubjectID,
			Scopes:    key.Scopes,
			APIKey:    key,
		}, nil
	}

	if g.opts.AllowAnonymous {
		return &Principal{Identity: addressIdentity(req.ClientIP), Anonymous: true}, nil
	}
	return nil, authgate.ErrInvalid
}

// rejectAuthentication counts the failed attempt against the caller's address. A
// throttled attempt is reported as 429 so guessing cannot tell credentials apart once
// the budget is spent.
func (g *Gate) rejectAuthentication(ctx context.Context, req Request, op string, authErr error) Decision {
	code := authgate.ErrorCode(authErr)
	if code == authgate.CodeUnavailable || code == authgate.CodeInternal {
		return errorDecision(op, authErr)
	}

	identity := addressIdentity(req.ClientIP)
	res, err := g.engine.CheckAuthFailure(ctx, identity, op)
	if err == nil && !res.Allowed {
		return Decision{
			Status:    http.StatusTooManyRequests,
			Code:      authgate.CodeRateLimited,
			Err:       authgate.ErrRateLimited,
			Operation: op,
			RateLimit: &res,
		}
	}

	g.engine.Logger().Debug("authgate: authentication failed",
		"identity", identity, "operation", op, "code", code)
	return Decision{
		Status:    http.StatusUnauthorized,
		Code:      code,
		Err:       authErr,
		Operation: op,
	}
}

func errorDecision(op string, err error) Decision {
	code := authgate.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case authgate.CodeUnavailable:
		status = http.StatusServiceUnavailable
	case authgate.CodeInsufficientScope:
		status = http.StatusForbidden
	case authgate.CodeRateLimited:
		status = http.StatusTooManyRequests
	case authgate.CodeExpired, authgate.CodeInvalid, authgate.CodeRevoked,
		authgate.CodeReused, authgate.CodeInactive:
		status = http.StatusUnauthorized
	}
	return Decision{Status: status, Code: code, Err: err, Operation: op}
}

func addressIdentity(ip string) string {
	if ip == "" {
		return "ip:unknown"
	}
	return "ip:" + ip
}

func bearerToken(value string) (string, bool) {
	const bearer = "bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}
