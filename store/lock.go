package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrLockHeld is returned by Acquire when another owner holds the lock.
	ErrLockHeld = errors.New("store: lock held by another owner")
	// ErrLockNotHeld is returned by Release when the lock expired or belongs to someone else.
	ErrLockNotHeld = errors.New("store: lock not held")
)

// Lock is a handle for an acquired distributed lock. Only the holder of OwnerToken can
// release it.
type Lock struct {
	ResourceKey string
	OwnerToken  string
	ExpiresAt   time.Time
}

// Locker provides mutual exclusion over store-resident resources: acquire is a
// conditional-set with TTL, release is an owner-checked delete.
type Locker struct {
	store  Store
	prefix string
	now    func() time.Time
}

// NewLocker creates a [Locker] whose keys live under prefix:lock.
func NewLocker(s Store, prefix string) *Locker {
	return &Locker{store: s, prefix: prefix, now: time.Now}
}

func (l *Locker) key(resource string) string {
	return Key(l.prefix, "lock", resource)
}

// Acquire takes the lock on resource for ttl. It does not wait; contention returns
// ErrLockHeld immediately.
func (l *Locker) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	owner := uuid.NewString()
	key := l.key(resource)

	ok, err := l.store.SetNX(ctx, key, []byte(owner), ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{
		ResourceKey: key,
		OwnerToken:  owner,
		ExpiresAt:   l.now().Add(ttl),
	}, nil
}

// Release frees lock if it is still held by the same owner. A lock that expired and was
// re-acquired by someone else is left untouched.
func (l *Locker) Release(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return ErrLockNotHeld
	}
	ok, err := l.store.CompareAndDelete(ctx, lock.ResourceKey, []byte(lock.OwnerToken))
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockNotHeld
	}
	return nil
}

// Do runs fn while holding the lock on resource (single-flight recomputation). When the
// lock is held elsewhere it returns ErrLockHeld without running fn.
func (l *Locker) Do(ctx context.Context, resource string, ttl time.Duration, fn func(context.Context) error) error {
	lock, err := l.Acquire(ctx, resource, ttl)
	if err != nil {
		return err
	}

	runErr := fn(ctx)
	releaseErr := l.Release(context.WithoutCancel(ctx), lock)
	if runErr != nil {
		return runErr
	}
	if releaseErr != nil && !errors.Is(releaseErr, ErrLockNotHeld) {
		return releaseErr
	}
	return nil
}
