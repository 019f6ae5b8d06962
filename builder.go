package authgate

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authgate/identity"
	"github.com/MrEthical07/authgate/jwt"
	"github.com/MrEthical07/authgate/ratelimit"
	"github.com/MrEthical07/authgate/store"
	"github.com/MrEthical07/authgate/token"
)

// Builder assembles an [Engine]. A Builder is single use.
type Builder struct {
	config Config
	redis  redis.UniversalClient
	store  store.Store
	memory bool

	logger    *slog.Logger
	auditSink AuditSink
	subjects  identity.Provider
	now       func() time.Time

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis backs the engine with a Redis deployment (single node, sentinel or cluster).
// The client stays owned by the caller.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithStore backs the engine with any [store.Store]. It takes precedence over WithRedis.
func (b *Builder) WithStore(s store.Store) *Builder {
	b.store = s
	return b
}

// WithMemoryStore backs the engine with an in-process [store.MemoryStore] swept every
// Store.SweepInterval. The engine owns that store and closes it on [Engine.Close].
// State is not shared between processes, so limits and revocations are per instance.
func (b *Builder) WithMemoryStore() *Builder {
	b.memory = true
	return b
}

// WithLogger sets the structured logger. Without one the engine logs nothing.
func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// WithAuditSink sets the destination for audit events. Audit must also be enabled in
// the configuration.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithSubjectProvider enables [Engine.IssueForSubject].
func (b *Builder) WithSubjectProvider(p identity.Provider) *Builder {
	b.subjects = p
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// WithClock overrides the time source of every component.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build validates the configuration and wires the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := b.now
	if now == nil {
		now = time.Now
	}

	var owned store.Store
	backing := b.store
	switch {
	case backing != nil:
	case b.redis != nil:
		backing = store.NewRedisStore(b.redis)
	case b.memory:
		owned = store.NewMemoryStore(cfg.Store.SweepInterval, store.WithClock(now))
		backing = owned
	default:
		return nil, errors.New("store required: call WithRedis, WithStore or WithMemoryStore")
	}
	if cfg.Store.Timeout > 0 {
		backing = store.WithTimeout(backing, cfg.Store.Timeout)
	}

	logger := b.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	engine := &Engine{
		config:   cloneConfig(cfg),
		store:    backing,
		owned:    owned,
		locker:   store.NewLocker(backing, cfg.Store.Prefix),
		subjects: b.subjects,
		audit:    newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:  NewMetrics(cfg.Metrics),
		log:      logger,
		now:      now,
	}

	limiter, err := ratelimit.New(backing, ratelimit.Config{
		Prefix:    store.Key(cfg.Store.Prefix, "rl"),
		Default:   cfg.RateLimit.Default,
		Overrides: cfg.RateLimit.Overrides,
		FailOpen:  cfg.RateLimit.FailOpen,
		Now:       now,
		Logger:    logger,
	})
	if err != nil {
		engine.Close()
		return nil, err
	}
	engine.limiter = limiter

	signer, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		RefreshTTL:    cfg.JWT.RefreshTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		KeyID:         cfg.JWT.KeyID,
		VerifyKeys:    cfg.JWT.VerifyKeys,
		Now:           now,
	})
	if err != nil {
		engine.Close()
		return nil, err
	}

	tokens, err := token.New(backing, signer, token.Config{
		Prefix:                store.Key(cfg.Store.Prefix, "tok"),
		RequireFingerprint:    cfg.Token.RequireFingerprint,
		HashKey:               cfg.Token.HashKey,
		FamilyLifetime:        cfg.Token.FamilyLifetime,
		APIKeyTTL:             cfg.APIKey.TTL,
		APIKeyRetention:       cfg.APIKey.Retention,
		APIKeyDefaultScopes:   cfg.APIKey.DefaultScopes,
		APIKeyDefaultOverride: cfg.APIKey.DefaultOverride,
		Now:                   now,
		Logger:                logger,
		OnEvent:               engine.onTokenEvent,
	})
	if err != nil {
		engine.Close()
		return nil, err
	}
	engine.tokens = tokens

	b.built = true
	logger.Info("authgate: engine built",
		"prefix", cfg.Store.Prefix,
		"fail_open", cfg.RateLimit.FailOpen,
		"signing_method", cfg.JWT.SigningMethod)

	return engine, nil
}
