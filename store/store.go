package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or has expired.
	ErrNotFound = errors.New("store: key not found")
	// ErrUnavailable wraps every backend failure, including timeouts.
	ErrUnavailable = errors.New("store: backend unavailable")
	// ErrInvalidTTL is returned when a mutating call is made without a positive TTL.
	ErrInvalidTTL = errors.New("store: ttl must be > 0")
	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("store: closed")
)

// Store is the minimal shared-state contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// MGet returns one entry per key; missing keys yield nil entries.
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
	// Set writes value with the given TTL, replacing any previous value.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes value only if key holds no value. It reports whether the write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// IncrBy atomically adds delta to the integer at key and returns the result.
	// ttl is applied only when the key has no expiry yet (first creation).
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// CompareAndDelete deletes key only if it currently holds expected.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
	// Delete removes keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)
	// DeletePattern removes every key matching a Redis-style glob.
	DeletePattern(ctx context.Context, pattern string) (int64, error)
	// Close releases backend resources.
	Close() error
}

// Key joins non-empty parts with ':' to build a namespaced key
// (prefix:domain:identity:...).
func Key(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(':')
		}
		b.WriteString(p)
	}
	return b.String()
}

// EscapePattern escapes glob metacharacters so an identity can be embedded in a
// DeletePattern argument without widening the match.
func EscapePattern(s string) string {
	if !strings.ContainsAny(s, `*?[]\{}`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\', '{', '}':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
