package ratelimit

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/authgate/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// 1_699_999_980 is a multiple of 60, so minute windows start at the epoch below.
func newClock() *clock {
	return &clock{now: time.Unix(1_699_999_980, 0)}
}

func backends(t *testing.T, c *clock) map[string]store.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	mem := store.NewMemoryStore(0, store.WithClock(c.Now))
	t.Cleanup(func() { _ = mem.Close() })

	return map[string]store.Store{
		"memory": mem,
		"redis":  store.NewRedisStore(rdb),
	}
}

func loginPolicy() Policy {
	return Policy{Window: time.Minute, MaxRequests: 5}
}

func TestLoginBudget(t *testing.T) {
	for name, s := range backends(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			c := newClock()
			l, err := New(s, Config{Default: loginPolicy(), Now: c.Now})
			require.NoError(t, err)

			ctx := context.Background()
			for want := int64(4); want >= 0; want-- {
				res, err := l.Check(ctx, "ip:10.0.0.1", "login")
				require.NoError(t, err)
				assert.True(t, res.Allowed)
				assert.Equal(t, want, res.Remaining)
				assert.Equal(t, int64(5), res.Limit)
			}

			res, err := l.Check(ctx, "ip:10.0.0.1", "login")
			require.NoError(t, err)
			assert.False(t, res.Allowed)
			assert.Equal(t, int64(0), res.Remaining)
			assert.LessOrEqual(t, res.RetryAfterSeconds(), int64(60))
			assert.GreaterOrEqual(t, res.RetryAfterSeconds(), int64(1))

			// Another identity has its own budget.
			res, err = l.Check(ctx, "ip:10.0.0.2", "login")
			require.NoError(t, err)
			assert.True(t, res.Allowed)

			c.Advance(61 * time.Second)
			res, err = l.Check(ctx, "ip:10.0.0.1", "login")
			require.NoError(t, err)
			assert.True(t, res.Allowed)
			assert.Equal(t, int64(4), res.Remaining)
		})
	}
}

func TestFixedWindowRetryAfterPointsAtWindowEnd(t *testing.T) {
	c := newClock()
	s := store.NewMemoryStore(0, store.WithClock(c.Now))
	l, err := New(s, Config{Default: Policy{Window: time.Minute, MaxRequests: 1}, Now: c.Now})
	require.NoError(t, err)

	ctx := context.Background()
	c.Advance(45 * time.Second)
	_, err = l.Check(ctx, "user:u1", "search")
	require.NoError(t, err)

	res, err := l.Check(ctx, "user:u1", "search")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 15*time.Second, res.RetryAfter)
	assert.Equal(t, int64(15), res.RetryAfterSeconds())
	assert.True(t, res.ResetAt.Equal(c.Now().Add(15*time.Second)))
}

func TestBurstRaisesEffectiveLimit(t *testing.T) {
	c := newClock()
	s := store.NewMemoryStore(0, store.WithClock(c.Now))
	l, err := New(s, Config{Default: Policy{Window: time.Minute, MaxRequests: 2, Burst: 1}, Now: c.Now})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, "user:u1", "op")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "call %d", i+1)
	}
	res, err := l.Check(ctx, "user:u1", "op")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(3), res.Limit)
}

func TestConcurrentChecksNeverExceedLimit(t *testing.T) {
	for name, s := range backends(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			c := newClock()
			for _, strategy := range []Strategy{FixedWindow, SlidingWindow} {
				p := Policy{Window: 10 * time.Second, MaxRequests: 10, Strategy: strategy}
				l, err := New(s, Config{Default: p, Now: c.Now})
				require.NoError(t, err)

				var allowed atomic.Int64
				var wg sync.WaitGroup
				for i := 0; i < 50; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						res, err := l.Check(context.Background(), "user:burst", "op:"+strategy.String())
						if err != nil {
							t.Errorf("check: %v", err)
							return
						}
						if res.Allowed {
							allowed.Add(1)
						}
					}()
				}
				wg.Wait()
				if strategy == FixedWindow {
					assert.Equal(t, int64(10), allowed.Load())
				} else {
					// Concurrent rollbacks may under-admit, never over-admit.
					assert.LessOrEqual(t, allowed.Load(), int64(10))
				}
			}
		})
	}
}

func TestSlidingWindowContentionSettles(t *testing.T) {
	for name, s := range backends(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			c := newClock()
			p := Policy{Window: 10 * time.Second, MaxRequests: 10, Strategy: SlidingWindow}
			l, err := New(s, Config{Default: p, Now: c.Now})
			require.NoError(t, err)
			ctx := context.Background()

			var allowed atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < 40; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := l.Check(ctx, "user:contended", "op")
					if err != nil {
						t.Errorf("check: %v", err)
						return
					}
					if res.Allowed {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()
			admitted := allowed.Load()
			require.LessOrEqual(t, admitted, int64(10))

			// Rejected calls rolled back, so the stored count equals what was admitted.
			res, err := l.Peek(ctx, "user:contended", "op")
			require.NoError(t, err)
			assert.Equal(t, 10-admitted, res.Remaining)

			// Sequential callers take up whatever the burst left unused.
			for i := admitted; i < 10; i++ {
				res, err := l.Check(ctx, "user:contended", "op")
				require.NoError(t, err)
				require.True(t, res.Allowed, "call %d after the burst", i+1)
			}
			res, err = l.Check(ctx, "user:contended", "op")
			require.NoError(t, err)
			assert.False(t, res.Allowed)
		})
	}
}

func TestSlidingWindowHasNoBoundaryBurst(t *testing.T) {
	c := newClock()
	s := store.NewMemoryStore(0, store.WithClock(c.Now))
	sliding := Policy{Window: 10 * time.Second, MaxRequests: 3, Strategy: SlidingWindow}
	fixed := Policy{Window: 10 * time.Second, MaxRequests: 3}
	l, err := New(s, Config{Default: fixed, Overrides: map[string]Policy{"sliding": sliding}, Now: c.Now})
	require.NoError(t, err)

	ctx := context.Background()
	c.Advance(9 * time.Second)
	for _, op := range []string{"fixed", "sliding"} {
		for i := 0; i < 3; i++ {
			res, err := l.Check(ctx, "user:u1", op)
			require.NoError(t, err)
			require.True(t, res.Allowed)
		}
	}

	c.Advance(time.Second)
	res, err := l.Check(ctx, "user:u1", "fixed")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "fixed window starts a fresh bucket")

	res, err = l.Check(ctx, "user:u1", "sliding")
	require.NoError(t, err)
	assert.False(t, res.Allowed, "sliding window still covers the earlier calls")
	assert.Equal(t, 9*time.Second, res.RetryAfter)
}

func TestSlidingWindowRejectedCallsRollBack(t *testing.T) {
	c := newClock()
	s := store.NewMemoryStore(0, store.WithClock(c.Now))
	p := Policy{Window: 10 * time.Second, MaxRequests: 2, Strategy: SlidingWindow}
	l, err := New(s, Config{Default: p, Now: c.Now})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := l.Check(ctx, "user:u1", "op")
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		res, err := l.Check(ctx, "user:u1", "op")
		require.NoError(t, err)
		require.False(t, res.Allowed)
	}

	peek, err := l.Peek(ctx, "user:u1", "op")
	require.NoError(t, err)
	assert.Equal(t, int64(0), peek.Remaining)

	c.Advance(10 * time.Second)
	res, err := l.Check(ctx, "user:u1", "op")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Remaining)
}

func TestPeekDoesNotCount(t *testing.T) {
	c := newClock()
	s := store.NewMemoryStore(0, store.WithClock(c.Now))
	l, err := New(s, Config{Default: Policy{Window: time.Minute, MaxRequests: 2}, Now: c.Now})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		res, err := l.Peek(ctx, "user:u1", "op")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(2), res.Remaining)
	}
	_, err = l.Check(ctx, "user:u1", "op")
	require.NoError(t, err)
	_, err = l.Check(ctx, "user:u1", "op")
	require.NoError(t, err)

	res, err := l.Peek(ctx, "user:u1", "op")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.True(t, res.RetryAfter > 0)
}

func TestResetClearsOnlyThatOperation(t *testing.T) {
	for name, s := range backends(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			c := newClock()
			l, err := New(s, Config{Default: Policy{Window: time.Minute, MaxRequests: 1}, Now: c.Now})
			require.NoError(t, err)

			ctx := context.Background()
			_, err = l.Check(ctx, "user:u1", "login")
			require.NoError(t, err)
			_, err = l.Check(ctx, "user:u1", "refresh")
			require.NoError(t, err)

			require.NoError(t, l.Reset(ctx, "user:u1", "login"))

			res, err := l.Check(ctx, "user:u1", "login")
			require.NoError(t, err)
			assert.True(t, res.Allowed)

			res, err = l.Check(ctx, "user:u1", "refresh")
			require.NoError(t, err)
			assert.False(t, res.Allowed)
		})
	}
}

func TestCheckWithOverride(t *testing.T) {
	c := newClock()
	s := store.NewMemoryStore(0, store.WithClock(c.Now))
	l, err := New(s, Config{Default: Policy{Window: time.Minute, MaxRequests: 1}, Now: c.Now})
	require.NoError(t, err)

	override := &Policy{Window: time.Minute, MaxRequests: 3}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := l.CheckWith(ctx, "key:k1", "api", override)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(3), res.Limit)
	}

	_, err = l.CheckWith(ctx, "key:k1", "api", &Policy{})
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

type brokenStore struct {
	store.Store
}

func (brokenStore) IncrBy(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, store.ErrUnavailable
}

func (brokenStore) Get(context.Context, string) ([]byte, error) {
	return nil, store.ErrUnavailable
}

func TestStoreFailureFailOpen(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	l, err := New(brokenStore{}, Config{Default: loginPolicy(), FailOpen: true, Logger: logger})
	require.NoError(t, err)

	res, err := l.Check(context.Background(), "ip:10.0.0.1", "login")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, res.Degraded)
	assert.Contains(t, buf.String(), "failing open")
	assert.NotContains(t, buf.String(), "level=ERROR")
}

func TestStoreFailureFailClosed(t *testing.T) {
	l, err := New(brokenStore{}, Config{Default: loginPolicy()})
	require.NoError(t, err)

	_, err = l.Check(context.Background(), "ip:10.0.0.1", "login")
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = l.Peek(context.Background(), "ip:10.0.0.1", "login")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestEmptyIdentityRejected(t *testing.T) {
	l, err := New(store.NewMemoryStore(0), Config{Default: loginPolicy()})
	require.NoError(t, err)

	_, err = l.Check(context.Background(), "", "login")
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.ErrorIs(t, l.Reset(context.Background(), "ip:1", ""), ErrInvalidKey)
}

func TestNewRejectsInvalidPolicies(t *testing.T) {
	s := store.NewMemoryStore(0)
	_, err := New(s, Config{Default: Policy{Window: time.Minute}})
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = New(s, Config{
		Default:   loginPolicy(),
		Overrides: map[string]Policy{"bad": {Window: time.Second, MaxRequests: 1, Burst: -1}},
	})
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = New(nil, Config{Default: loginPolicy()})
	assert.Error(t, err)
}
