package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockerAcquireRelease(t *testing.T) {
	for _, b := range newBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			l := NewLocker(b.store, "ag")

			lock, err := l.Acquire(ctx, "report:42", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, "ag:lock:report:42", lock.ResourceKey)
			assert.NotEmpty(t, lock.OwnerToken)

			_, err = l.Acquire(ctx, "report:42", time.Minute)
			require.ErrorIs(t, err, ErrLockHeld)

			require.NoError(t, l.Release(ctx, lock))
			require.ErrorIs(t, l.Release(ctx, lock), ErrLockNotHeld)

			again, err := l.Acquire(ctx, "report:42", time.Minute)
			require.NoError(t, err)
			require.NoError(t, l.Release(ctx, again))
		})
	}
}

func TestLockerStaleReleaseKeepsNewOwner(t *testing.T) {
	for _, b := range newBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			l := NewLocker(b.store, "ag")

			stale, err := l.Acquire(ctx, "job", 2*time.Second)
			require.NoError(t, err)

			b.advance(3 * time.Second)

			current, err := l.Acquire(ctx, "job", time.Minute)
			require.NoError(t, err)

			require.ErrorIs(t, l.Release(ctx, stale), ErrLockNotHeld)

			_, err = l.Acquire(ctx, "job", time.Minute)
			require.ErrorIs(t, err, ErrLockHeld, "delayed release must not clear the new owner's lock")

			require.NoError(t, l.Release(ctx, current))
		})
	}
}

func TestLockerDo(t *testing.T) {
	ctx := context.Background()
	l := NewLocker(NewMemoryStore(0), "ag")

	ran := false
	err := l.Do(ctx, "warm-cache", time.Minute, func(ctx context.Context) error {
		ran = true
		_, err := l.Acquire(ctx, "warm-cache", time.Minute)
		assert.ErrorIs(t, err, ErrLockHeld)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	boom := errors.New("boom")
	err = l.Do(ctx, "warm-cache", time.Minute, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	lock, err := l.Acquire(ctx, "warm-cache", time.Minute)
	require.NoError(t, err, "Do must release the lock even when fn fails")
	require.NoError(t, l.Release(ctx, lock))
}
