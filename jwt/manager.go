package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the signature algorithm.
type SigningMethod string

const (
	// MethodEd25519 signs with EdDSA over Ed25519 keys.
	MethodEd25519 SigningMethod = "ed25519"
	// MethodHS256 signs with an HMAC-SHA256 shared secret.
	MethodHS256 SigningMethod = "hs256"
)

var (
	// ErrTokenExpired is returned by the Parse methods for tokens past exp (plus leeway).
	ErrTokenExpired = jwt.ErrTokenExpired
	// ErrWrongType is returned when a token's typ claim does not match the parse call.
	ErrWrongType = errors.New("jwt: unexpected token type")
)

// Config defines signing keys, lifetimes and validation rules.
//
// Config instances are intended to be configured during initialization and then treated as immutable.
type Config struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	RequireIAT    bool
	MaxFutureIAT  time.Duration
	KeyID         string
	// VerifyKeys maps kid to verification key and enables key rotation.
	VerifyKeys map[string][]byte
	Now        func() time.Time
}

// Manager signs and parses access and refresh tokens. Keys and the parser are resolved
// once in [NewManager]; the Manager holds no mutable state and is safe for concurrent use.
type Manager struct {
	config Config
	now    func() time.Time
	method jwt.SigningMethod
	// signKey is nil for a verify-only Ed25519 manager.
	signKey any
	// verifyKey is used when no VerifyKeys set is configured.
	verifyKey  any
	verifyKeys map[string]any
	parser     *jwt.Parser
}

// NewManager validates cfg and returns a [Manager].
//
// NewManager rejects unsupported methods, malformed Ed25519 keys, an empty HS256 secret,
// leeway above two minutes and a KeyID missing from VerifyKeys. An Ed25519 manager
// without PublicKey verifies with the public half of PrivateKey.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)

	m := &Manager{config: cfg, now: cfg.Now}
	if m.now == nil {
		m.now = time.Now
	}
	if err := m.resolveKeys(); err != nil {
		return nil, err
	}
	if cfg.KeyID != "" && m.verifyKeys != nil {
		if _, ok := m.verifyKeys[cfg.KeyID]; !ok {
			return nil, errors.New("KeyID is not present in VerifyKeys")
		}
	}
	m.parser = m.newParser()
	return m, nil
}

func (j *Manager) resolveKeys() error {
	cfg := j.config
	var toVerifyKey func([]byte) (any, error)

	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return errors.New("hs256 requires private key")
		}
		j.method = jwt.SigningMethodHS256
		j.signKey = cfg.PrivateKey
		j.verifyKey = cfg.PrivateKey
		toVerifyKey = func(b []byte) (any, error) { return b, nil }

	case MethodEd25519:
		j.method = jwt.SigningMethodEdDSA
		if len(cfg.PrivateKey) > 0 {
			priv, err := parseEdPrivateKey(cfg.PrivateKey)
			if err != nil {
				return err
			}
			j.signKey = priv
			j.verifyKey = priv.Public()
		}
		if len(cfg.PublicKey) > 0 {
			pub, err := parseEdPublicKey(cfg.PublicKey)
			if err != nil {
				return err
			}
			j.verifyKey = pub
		}
		if j.verifyKey == nil && len(cfg.VerifyKeys) == 0 {
			return errors.New("ed25519 requires a public, private or verify key")
		}
		toVerifyKey = func(b []byte) (any, error) { return parseEdPublicKey(b) }

	default:
		return errors.New("unsupported signing method")
	}

	if len(cfg.VerifyKeys) == 0 {
		return nil
	}
	j.verifyKeys = make(map[string]any, len(cfg.VerifyKeys))
	for kid, raw := range cfg.VerifyKeys {
		if strings.TrimSpace(kid) == "" {
			return errors.New("verify key map contains empty kid")
		}
		key, err := toVerifyKey(raw)
		if err != nil {
			return fmt.Errorf("invalid verify key for kid %q: %w", kid, err)
		}
		j.verifyKeys[kid] = key
	}
	return nil
}

func (j *Manager) newParser() *jwt.Parser {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{j.method.Alg()}),
		jwt.WithTimeFunc(j.now),
		jwt.WithExpirationRequired(),
	}
	if j.config.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(j.config.Leeway))
	}
	if j.config.RequireIAT {
		opts = append(opts, jwt.WithIssuedAt())
	}
	if j.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.config.Issuer))
	}
	if j.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(j.config.Audience))
	}
	return jwt.NewParser(opts...)
}

// AccessTTL returns the configured access token lifetime.
func (j *Manager) AccessTTL() time.Duration { return j.config.AccessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (j *Manager) RefreshTTL() time.Duration { return j.config.RefreshTTL }

// CreateAccess signs claims as an access token.
//
// Type, Issuer and Audience are always overwritten. IssuedAt and ExpiresAt are filled from
// the configured clock and AccessTTL when unset, so the caller can read the effective
// values back from claims after the call.
func (j *Manager) CreateAccess(claims *AccessClaims) (string, error) {
	claims.Type = TypeAccess
	j.stamp(&claims.RegisteredClaims, j.config.AccessTTL)
	return j.sign(claims)
}

// CreateRefresh signs claims as a refresh token. Defaults follow [Manager.CreateAccess]
// with RefreshTTL.
func (j *Manager) CreateRefresh(claims *RefreshClaims) (string, error) {
	claims.Type = TypeRefresh
	j.stamp(&claims.RegisteredClaims, j.config.RefreshTTL)
	return j.sign(claims)
}

// ParseAccess verifies signature, algorithm, kid, registered claims and typ.
func (j *Manager) ParseAccess(tokenStr string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := j.parse(tokenStr, claims, TypeAccess); err != nil {
		return nil, err
	}
	return claims, nil
}

// ParseRefresh is [Manager.ParseAccess] for refresh tokens. It additionally requires a
// family id and a positive version.
func (j *Manager) ParseRefresh(tokenStr string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := j.parse(tokenStr, claims, TypeRefresh); err != nil {
		return nil, err
	}
	if claims.Family == "" || claims.Version <= 0 {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

func (j *Manager) stamp(rc *jwt.RegisteredClaims, ttl time.Duration) {
	now := j.now()
	if rc.IssuedAt == nil {
		rc.IssuedAt = jwt.NewNumericDate(now)
	}
	if rc.ExpiresAt == nil {
		rc.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	rc.Issuer = j.config.Issuer
	rc.Audience = nil
	if j.config.Audience != "" {
		rc.Audience = jwt.ClaimStrings{j.config.Audience}
	}
}

func (j *Manager) sign(claims jwt.Claims) (string, error) {
	if j.signKey == nil {
		return "", errors.New("signing key not configured")
	}
	token := jwt.NewWithClaims(j.method, claims)
	if j.config.KeyID != "" {
		token.Header["kid"] = j.config.KeyID
	}
	return token.SignedString(j.signKey)
}

func (j *Manager) parse(tokenStr string, claims typedClaims, wantType string) error {
	token, err := j.parser.ParseWithClaims(tokenStr, claims, j.keyFunc)
	if err != nil {
		return err
	}
	if !token.Valid {
		return jwt.ErrTokenInvalidClaims
	}
	if claims.tokenType() != wantType {
		return ErrWrongType
	}

	rc := claims.registered()
	if rc.Subject == "" || rc.ID == "" {
		return jwt.ErrTokenInvalidClaims
	}
	if rc.IssuedAt != nil && rc.IssuedAt.Time.After(j.now().Add(j.config.MaxFutureIAT)) {
		return errors.New("token iat too far in the future")
	}
	return nil
}

// keyFunc picks the verification key. With a VerifyKeys set the kid header selects
// the key; otherwise a configured KeyID must match the header exactly.
func (j *Manager) keyFunc(t *jwt.Token) (any, error) {
	if t.Method.Alg() != j.method.Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
	}
	kid, _ := t.Header["kid"].(string)

	if j.verifyKeys != nil {
		key, ok := j.verifyKeys[kid]
		if !ok {
			return nil, errors.New("unknown or missing kid")
		}
		return key, nil
	}
	if j.config.KeyID != "" && kid != j.config.KeyID {
		return nil, errors.New("unknown or missing kid")
	}
	if j.verifyKey == nil {
		return nil, errors.New("verification key not configured")
	}
	return j.verifyKey, nil
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
