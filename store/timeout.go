package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type timeoutStore struct {
	inner   Store
	timeout time.Duration
}

// WithTimeout bounds every call on inner with timeout. A call that runs past its
// deadline fails with an error wrapping ErrUnavailable. A non-positive timeout returns
// inner unchanged.
func WithTimeout(inner Store, timeout time.Duration) Store {
	if timeout <= 0 || inner == nil {
		return inner
	}
	return &timeoutStore{inner: inner, timeout: timeout}
}

func (s *timeoutStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

func classify(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && (errors.Is(err, ctxErr) || errors.Is(ctxErr, context.DeadlineExceeded)) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (s *timeoutStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	v, err := s.inner.Get(ctx, key)
	return v, classify(ctx, err)
}

func (s *timeoutStore) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	v, err := s.inner.MGet(ctx, keys...)
	return v, classify(ctx, err)
}

func (s *timeoutStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return classify(ctx, s.inner.Set(ctx, key, value, ttl))
}

func (s *timeoutStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	ok, err := s.inner.SetNX(ctx, key, value, ttl)
	return ok, classify(ctx, err)
}

func (s *timeoutStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	n, err := s.inner.IncrBy(ctx, key, delta, ttl)
	return n, classify(ctx, err)
}

func (s *timeoutStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	ok, err := s.inner.CompareAndDelete(ctx, key, expected)
	return ok, classify(ctx, err)
}

func (s *timeoutStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	n, err := s.inner.Delete(ctx, keys...)
	return n, classify(ctx, err)
}

func (s *timeoutStore) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	n, err := s.inner.DeletePattern(ctx, pattern)
	return n, classify(ctx, err)
}

func (s *timeoutStore) Close() error {
	return s.inner.Close()
}
