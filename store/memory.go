package store

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is an in-process [Store] for single-instance deployments and tests.
// Expired entries are treated as absent on read and purged lazily or by the
// optional sweeper.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time

	closed    bool
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// MemoryOption configures a [MemoryStore].
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for TTL bookkeeping.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an empty [MemoryStore]. When sweepEvery > 0 a background
// goroutine purges expired entries at that interval until Close.
func NewMemoryStore(sweepEvery time.Duration, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if sweepEvery > 0 {
		s.wg.Add(1)
		go s.sweep(sweepEvery)
	}
	return s
}

func (s *MemoryStore) sweep(every time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			for k, e := range s.entries {
				if e.expired(now) {
					delete(s.entries, k)
				}
			}
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}

// lookup must be called with mu held.
func (s *MemoryStore) lookup(key string, now time.Time) (memoryEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if e.expired(now) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if s.closed {
		return ErrClosed
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Get implements [Store].
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx); err != nil {
		return nil, err
	}
	e, ok := s.lookup(key, s.now())
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(e.value), nil
}

// MGet implements [Store].
func (s *MemoryStore) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx); err != nil {
		return nil, err
	}
	now := s.now()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if e, ok := s.lookup(k, now); ok {
			out[i] = cloneBytes(e.value)
		}
	}
	return out, nil
}

// Set implements [Store].
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx); err != nil {
		return err
	}
	s.entries[key] = memoryEntry{value: cloneBytes(value), expiresAt: s.now().Add(ttl)}
	return nil
}

// SetNX implements [Store].
func (s *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx); err != nil {
		return false, err
	}
	now := s.now()
	if _, ok := s.lookup(key, now); ok {
		return false, nil
	}
	s.entries[key] = memoryEntry{value: cloneBytes(value), expiresAt: now.Add(ttl)}
	return true, nil
}

// IncrBy implements [Store].
func (s *MemoryStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, ErrInvalidTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx); err != nil {
		return 0, err
	}
	now := s.now()
	e, ok := s.lookup(key, now)
	var current int64
	if ok {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("store: value at %q is not an integer", key)
		}
		current = n
	}
	current += delta
	if !ok || e.expiresAt.IsZero() {
		e.expiresAt = now.Add(ttl)
	}
	e.value = strconv.AppendInt(nil, current, 10)
	s.entries[key] = e
	return current, nil
}

// CompareAndDelete implements [Store].
func (s *MemoryStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx); err != nil {
		return false, err
	}
	e, ok := s.lookup(key, s.now())
	if !ok || !bytes.Equal(e.value, expected) {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

// Delete implements [Store].
func (s *MemoryStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx); err != nil {
		return 0, err
	}
	now := s.now()
	var n int64
	for _, k := range keys {
		if _, ok := s.lookup(k, now); ok {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

// DeletePattern implements [Store]. Patterns follow Redis glob syntax; a backslash
// escapes the next character.
func (s *MemoryStore) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("store: invalid pattern %q: %w", pattern, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx); err != nil {
		return 0, err
	}
	now := s.now()
	var n int64
	for k, e := range s.entries {
		if !g.Match(k) {
			continue
		}
		delete(s.entries, k)
		if !e.expired(now) {
			n++
		}
	}
	return n, nil
}

// Len reports the number of live entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, e := range s.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Close stops the sweeper. Calls after Close fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

var _ Store = (*MemoryStore)(nil)
