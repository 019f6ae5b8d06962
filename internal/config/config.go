// Package config loads process settings for the authgate binaries from the environment
// and an optional config file using Viper.
package config

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/MrEthical07/authgate"
	"github.com/MrEthical07/authgate/ratelimit"
)

// EnvPrefix is prepended to every environment key, e.g. AUTHGATE_REDIS_ADDR.
const EnvPrefix = "AUTHGATE"

// Env is the flat settings layout read by Viper. Key material fields accept a PEM
// block, "base64:<data>", "file:<path>" or a raw string.
type Env struct {
	HTTPAddr    string `mapstructure:"http_addr"`
	GRPCAddr    string `mapstructure:"grpc_addr"`
	RedisAddr   string `mapstructure:"redis_addr"`
	DatabaseURL string `mapstructure:"database_url"`
	// AppEnv "production" turns on production validation.
	AppEnv string `mapstructure:"app_env"`

	StorePrefix  string        `mapstructure:"store_prefix"`
	StoreTimeout time.Duration `mapstructure:"store_timeout"`

	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
	RateLimitMax      int64         `mapstructure:"rate_limit_max"`
	RateLimitStrategy string        `mapstructure:"rate_limit_strategy"`
	RateLimitFailOpen bool          `mapstructure:"rate_limit_fail_open"`
	LoginLimitMax     int64         `mapstructure:"login_limit_max"`
	AuthFailureMax    int64         `mapstructure:"auth_failure_max"`

	JWTSigningMethod string        `mapstructure:"jwt_signing_method"`
	JWTPrivateKey    string        `mapstructure:"jwt_private_key"`
	JWTPublicKey     string        `mapstructure:"jwt_public_key"`
	JWTIssuer        string        `mapstructure:"jwt_issuer"`
	JWTAudience      string        `mapstructure:"jwt_audience"`
	JWTKeyID         string        `mapstructure:"jwt_key_id"`
	AccessTTL        time.Duration `mapstructure:"jwt_access_ttl"`
	RefreshTTL       time.Duration `mapstructure:"jwt_refresh_ttl"`

	TokenHashKey       string `mapstructure:"token_hash_key"`
	RequireFingerprint bool   `mapstructure:"require_fingerprint"`

	AuditEnabled   bool `mapstructure:"audit_enabled"`
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
}

// Settings is the loaded process configuration.
type Settings struct {
	HTTPAddr    string
	GRPCAddr    string
	RedisAddr   string
	DatabaseURL string
	Engine      authgate.Config
}

// Load reads path (if non-empty), then the environment, and builds Settings. Environment
// values override the file. The resulting engine config is validated.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var env Env
	if err := v.Unmarshal(&env); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return env.Settings()
}

func setDefaults(v *viper.Viper) {
	def := authgate.DefaultConfig()

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("grpc_addr", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("database_url", "")
	v.SetDefault("app_env", "")

	v.SetDefault("store_prefix", def.Store.Prefix)
	v.SetDefault("store_timeout", def.Store.Timeout.String())

	v.SetDefault("rate_limit_window", def.RateLimit.Default.Window.String())
	v.SetDefault("rate_limit_max", def.RateLimit.Default.MaxRequests)
	v.SetDefault("rate_limit_strategy", "fixed")
	v.SetDefault("rate_limit_fail_open", def.RateLimit.FailOpen)
	v.SetDefault("login_limit_max", def.RateLimit.Overrides["login"].MaxRequests)
	v.SetDefault("auth_failure_max", def.RateLimit.AuthFailure.MaxRequests)

	v.SetDefault("jwt_signing_method", def.JWT.SigningMethod)
	v.SetDefault("jwt_private_key", "")
	v.SetDefault("jwt_public_key", "")
	v.SetDefault("jwt_issuer", def.JWT.Issuer)
	v.SetDefault("jwt_audience", "")
	v.SetDefault("jwt_key_id", "")
	v.SetDefault("jwt_access_ttl", def.JWT.AccessTTL.String())
	v.SetDefault("jwt_refresh_ttl", def.JWT.RefreshTTL.String())

	v.SetDefault("token_hash_key", "")
	v.SetDefault("require_fingerprint", false)

	v.SetDefault("audit_enabled", false)
	v.SetDefault("metrics_enabled", false)
}

// Settings maps e onto the engine configuration and validates it.
func (e Env) Settings() (*Settings, error) {
	if e.HTTPAddr == "" && e.GRPCAddr == "" {
		return nil, errors.New("config: HTTP_ADDR or GRPC_ADDR must be set")
	}

	strategy, err := ratelimit.ParseStrategy(e.RateLimitStrategy)
	if err != nil {
		return nil, fmt.Errorf("config: RATE_LIMIT_STRATEGY: %w", err)
	}
	privateKey, err := keyMaterial(e.JWTPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("config: JWT_PRIVATE_KEY: %w", err)
	}
	publicKey, err := keyMaterial(e.JWTPublicKey)
	if err != nil {
		return nil, fmt.Errorf("config: JWT_PUBLIC_KEY: %w", err)
	}
	hashKey, err := keyMaterial(e.TokenHashKey)
	if err != nil {
		return nil, fmt.Errorf("config: TOKEN_HASH_KEY: %w", err)
	}

	cfg := authgate.DefaultConfig()
	cfg.Store.Prefix = e.StorePrefix
	cfg.Store.Timeout = e.StoreTimeout

	cfg.RateLimit.Default = ratelimit.Policy{
		Window:      e.RateLimitWindow,
		MaxRequests: e.RateLimitMax,
		Strategy:    strategy,
	}
	login := cfg.RateLimit.Overrides["login"]
	login.MaxRequests = e.LoginLimitMax
	cfg.RateLimit.Overrides["login"] = login
	cfg.RateLimit.AuthFailure.MaxRequests = e.AuthFailureMax
	cfg.RateLimit.FailOpen = e.RateLimitFailOpen

	cfg.JWT.SigningMethod = strings.ToLower(e.JWTSigningMethod)
	cfg.JWT.PrivateKey = privateKey
	cfg.JWT.PublicKey = publicKey
	cfg.JWT.Issuer = e.JWTIssuer
	cfg.JWT.Audience = e.JWTAudience
	cfg.JWT.KeyID = e.JWTKeyID
	cfg.JWT.AccessTTL = e.AccessTTL
	cfg.JWT.RefreshTTL = e.RefreshTTL

	cfg.Token.HashKey = hashKey
	cfg.Token.RequireFingerprint = e.RequireFingerprint

	cfg.Audit.Enabled = e.AuditEnabled
	cfg.Metrics.Enabled = e.MetricsEnabled
	cfg.Metrics.EnableLatencyHistograms = e.MetricsEnabled
	cfg.Security.ProductionMode = e.AppEnv == "production"

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &Settings{
		HTTPAddr:    e.HTTPAddr,
		GRPCAddr:    e.GRPCAddr,
		RedisAddr:   e.RedisAddr,
		DatabaseURL: e.DatabaseURL,
		Engine:      cfg,
	}, nil
}

// keyMaterial resolves a key setting. Surrounding whitespace is stripped from inline
// values and file contents alike.
func keyMaterial(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return nil, nil
	case strings.HasPrefix(value, "-----BEGIN"):
		return []byte(value), nil
	case strings.HasPrefix(value, "base64:"):
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(value, "base64:"))
	case strings.HasPrefix(value, "file:"):
		data, err := os.ReadFile(strings.TrimPrefix(value, "file:"))
		if err != nil {
			return nil, err
		}
		return bytes.TrimSpace(data), nil
	default:
		return []byte(value), nil
	}
}
