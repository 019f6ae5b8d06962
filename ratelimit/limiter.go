package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/MrEthical07/authgate/store"
)

// DefaultPrefix namespaces limiter counters when Config.Prefix is empty.
const DefaultPrefix = "authgate:rl"

// Config holds rate limiter tuning parameters.
type Config struct {
	Prefix string
	// Default applies to every operation without an entry in Overrides.
	Default   Policy
	Overrides map[string]Policy
	// FailOpen allows calls while the store is unreachable.
	FailOpen bool
	Now      func() time.Time
	Logger   *slog.Logger
}

// Result is the outcome of one limiter check.
type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
	// Degraded is set when the store failed and the call was allowed anyway.
	Degraded bool
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds. Rejected results never
// report less than one second.
func (r Result) RetryAfterSeconds() int64 {
	if r.Allowed {
		return 0
	}
	secs := int64(math.Ceil(r.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// ResetAfterSeconds is the whole seconds until the current window resets.
func (r Result) ResetAfterSeconds(now time.Time) int64 {
	d := r.ResetAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

// Limiter enforces per-identity, per-operation budgets using store counters.
// It is safe for concurrent use; all coordination happens in the store.
type Limiter struct {
	store     store.Store
	prefix    string
	def       Policy
	overrides map[string]Policy
	failOpen  bool
	now       func() time.Time
	log       *slog.Logger
}

// New validates every policy in cfg and returns a [Limiter] backed by s.
func New(s store.Store, cfg Config) (*Limiter, error) {
	if s == nil {
		return nil, errors.New("ratelimit: store is required")
	}
	if err := cfg.Default.Validate(); err != nil {
		return nil, fmt.Errorf("default policy: %w", err)
	}
	overrides := make(map[string]Policy, len(cfg.Overrides))
	for op, p := range cfg.Overrides {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy %q: %w", op, err)
		}
		overrides[op] = p
	}

	l := &Limiter{
		store:     s,
		prefix:    cfg.Prefix,
		def:       cfg.Default,
		overrides: overrides,
		failOpen:  cfg.FailOpen,
		now:       cfg.Now,
		log:       cfg.Logger,
	}
	if l.prefix == "" {
		l.prefix = DefaultPrefix
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.log == nil {
		l.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return l, nil
}

// PolicyFor returns the policy that applies to operation.
func (l *Limiter) PolicyFor(operation string) Policy {
	if p, ok := l.overrides[operation]; ok {
		return p
	}
	return l.def
}

// Check counts one call for identity on operation.
func (l *Limiter) Check(ctx context.Context, identity, operation string) (Result, error) {
	return l.CheckWith(ctx, identity, operation, nil)
}

// CheckWith is [Limiter.Check] with an optional per-caller policy (API key overrides).
// A nil override falls back to the operation's configured policy.
func (l *Limiter) CheckWith(ctx context.Context, identity, operation string, override *Policy) (Result, error) {
	if identity == "" || operation == "" {
		return Result{}, ErrInvalidKey
	}
	p := l.PolicyFor(operation)
	if override != nil {
		if err := override.Validate(); err != nil {
			return Result{}, err
		}
		p = *override
	}

	now := l.now()
	var (
		res Result
		err error
	)
	switch p.Strategy {
	case SlidingWindow:
		res, err = l.checkSliding(ctx, identity, operation, p, now)
	default:
		res, err = l.checkFixed(ctx, identity, operation, p, now)
	}
	if err != nil {
		return l.degrade(identity, operation, p, now, err)
	}
	return res, nil
}

// Peek reports whether the next call would be allowed without counting it.
// Remaining is the number of calls still available in the window.
func (l *Limiter) Peek(ctx context.Context, identity, operation string) (Result, error) {
	if identity == "" || operation == "" {
		return Result{}, ErrInvalidKey
	}
	p := l.PolicyFor(operation)
	now := l.now()

	var (
		res Result
		err error
	)
	switch p.Strategy {
	case SlidingWindow:
		res, err = l.peekSliding(ctx, identity, operation, p, now)
	default:
		res, err = l.peekFixed(ctx, identity, operation, p, now)
	}
	if err != nil {
		return l.degrade(identity, operation, p, now, err)
	}
	return res, nil
}

// Reset clears every counter of identity on operation, e.g. after a successful login.
func (l *Limiter) Reset(ctx context.Context, identity, operation string) error {
	if identity == "" || operation == "" {
		return ErrInvalidKey
	}
	pattern := store.Key(store.EscapePattern(l.prefix), store.EscapePattern(identity), store.EscapePattern(operation), "*")
	if _, err := l.store.DeletePattern(ctx, pattern); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (l *Limiter) degrade(identity, operation string, p Policy, now time.Time, err error) (Result, error) {
	if !l.failOpen {
		l.log.Error("authgate: rate limit store unavailable",
			"identity", identity, "operation", operation, "error", err)
		return Result{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	l.log.Warn("authgate: rate limit store unavailable, failing open",
		"identity", identity, "operation", operation, "error", err)
	return Result{
		Allowed:   true,
		Limit:     p.Limit(),
		Remaining: p.Limit(),
		ResetAt:   now.Add(p.Window),
		Degraded:  true,
	}, nil
}

func (l *Limiter) key(identity, operation string, bucket int64) string {
	return store.Key(l.prefix, identity, operation, strconv.FormatInt(bucket, 10))
}

func (l *Limiter) checkFixed(ctx context.Context, identity, operation string, p Policy, now time.Time) (Result, error) {
	windowMs := p.Window.Milliseconds()
	bucket := now.UnixMilli() / windowMs
	resetAt := time.UnixMilli((bucket + 1) * windowMs)

	// Rejected calls still count; a read-then-write would let concurrent callers
	// both see room under the limit.
	count, err := l.store.IncrBy(ctx, l.key(identity, operation, bucket), 1, p.Window)
	if err != nil {
		return Result{}, err
	}
	return fixedResult(p.Limit(), count, resetAt, now, count <= p.Limit()), nil
}

func (l *Limiter) peekFixed(ctx context.Context, identity, operation string, p Policy, now time.Time) (Result, error) {
	windowMs := p.Window.Milliseconds()
	bucket := now.UnixMilli() / windowMs
	resetAt := time.UnixMilli((bucket + 1) * windowMs)

	raw, err := l.store.Get(ctx, l.key(identity, operation, bucket))
	var count int64
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return Result{}, err
	default:
		count = parseCount(raw)
	}
	return fixedResult(p.Limit(), count, resetAt, now, count < p.Limit()), nil
}

func fixedResult(limit, count int64, resetAt, now time.Time, allowed bool) Result {
	res := Result{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetAt:   resetAt,
	}
	if !allowed {
		res.RetryAfter = resetAt.Sub(now)
	}
	return res
}

func (l *Limiter) slidingKeys(identity, operation string, p Policy, now time.Time) (keys []string, first, current int64) {
	subMs := p.subInterval().Milliseconds()
	n := int64(p.Window / p.subInterval())
	current = now.UnixMilli() / subMs
	first = current - n + 1
	keys = make([]string, 0, n)
	for b := first; b <= current; b++ {
		keys = append(keys, l.key(identity, operation, b))
	}
	return keys, first, current
}

// checkSliding increments the caller's bucket, then reads the window. Increment and read
// are separate round trips, so concurrent callers can each see the others' increments
// before those are rolled back. Under contention this rejects calls that would have fit;
// it never admits more than the limit. Once the rollbacks land the counters match the
// admitted calls again.
func (l *Limiter) checkSliding(ctx context.Context, identity, operation string, p Policy, now time.Time) (Result, error) {
	keys, first, current := l.slidingKeys(identity, operation, p, now)
	own := keys[len(keys)-1]

	// Buckets live one sub-interval past the window so the oldest covered bucket is
	// still readable at the end of its span.
	if _, err := l.store.IncrBy(ctx, own, 1, p.Window+p.subInterval()); err != nil {
		return Result{}, err
	}
	raw, err := l.store.MGet(ctx, keys...)
	if err != nil {
		return Result{}, err
	}
	counts := make([]int64, len(raw))
	var total int64
	for i, v := range raw {
		counts[i] = parseCount(v)
		total += counts[i]
	}

	limit := p.Limit()
	if total <= limit {
		return Result{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit - total,
			ResetAt:   slidingResetAt(counts, first, p),
		}, nil
	}

	// Over the limit: take back our own increment so rejected calls do not extend the
	// lockout for everyone sharing the identity.
	if _, err := l.store.IncrBy(ctx, own, -1, p.Window+p.subInterval()); err != nil {
		l.log.Warn("authgate: sliding window rollback failed",
			"identity", identity, "operation", operation, "error", err)
	} else {
		counts[len(counts)-1]--
	}
	retryAt := slidingRetryAt(counts, first, current, limit, p)
	return Result{
		Allowed:    false,
		Limit:      limit,
		Remaining:  0,
		ResetAt:    slidingResetAt(counts, first, p),
		RetryAfter: retryAt.Sub(now),
	}, nil
}

func (l *Limiter) peekSliding(ctx context.Context, identity, operation string, p Policy, now time.Time) (Result, error) {
	keys, first, current := l.slidingKeys(identity, operation, p, now)
	raw, err := l.store.MGet(ctx, keys...)
	if err != nil {
		return Result{}, err
	}
	counts := make([]int64, len(raw))
	var total int64
	for i, v := range raw {
		counts[i] = parseCount(v)
		total += counts[i]
	}
	limit := p.Limit()
	res := Result{
		Allowed:   total < limit,
		Limit:     limit,
		Remaining: max(limit-total, 0),
		ResetAt:   slidingResetAt(counts, first, p),
	}
	if !res.Allowed {
		res.RetryAfter = slidingRetryAt(counts, first, current, limit, p).Sub(now)
	}
	return res, nil
}

// bucketExit is when bucket b stops being covered by the window.
func bucketExit(b int64, p Policy) time.Time {
	subMs := p.subInterval().Milliseconds()
	n := int64(p.Window / p.subInterval())
	return time.UnixMilli((b + n) * subMs)
}

// slidingResetAt is when the oldest non-empty bucket leaves the window.
func slidingResetAt(counts []int64, first int64, p Policy) time.Time {
	for i, c := range counts {
		if c > 0 {
			return bucketExit(first+int64(i), p)
		}
	}
	return bucketExit(first+int64(len(counts))-1, p)
}

// slidingRetryAt is the earliest time one more call fits under limit.
func slidingRetryAt(counts []int64, first, current, limit int64, p Policy) time.Time {
	var total int64
	for _, c := range counts {
		total += c
	}
	for i, c := range counts {
		if total+1 <= limit {
			return bucketExit(first+int64(i)-1, p)
		}
		total -= c
	}
	return bucketExit(current, p)
}

func parseCount(raw []byte) int64 {
	if raw == nil {
		return 0
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
