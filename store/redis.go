package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const incrByScript = `
local v = redis.call("INCRBY", KEYS[1], ARGV[1])
if redis.call("PTTL", KEYS[1]) < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return v
`

var incrByLua = redis.NewScript(incrByScript)

const compareAndDeleteScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var compareAndDeleteLua = redis.NewScript(compareAndDeleteScript)

const scanBatch = 256

// RedisStore is a [Store] backed by a Redis client (standalone, sentinel, or cluster).
//
//	Performance: one round trip per call; IncrBy and CompareAndDelete run as Lua scripts.
type RedisStore struct {
	redis redis.UniversalClient
}

// NewRedisStore wraps an existing client. The store does not own the client; Close is a
// no-op so the caller can share one client across components.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{redis: client}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Get implements [Store].
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}
	return data, nil
}

// MGet implements [Store]. Reads are pipelined per key so the call stays valid on
// cluster clients where keys hash to different slots.
func (s *RedisStore) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, len(keys))
	_, err := s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.Get(ctx, k)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable(err)
	}

	out := make([][]byte, len(keys))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, unavailable(err)
		}
		out[i] = data
	}
	return out, nil
}

// Set implements [Store].
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	if err := s.redis.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// SetNX implements [Store].
func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	ok, err := s.redis.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return ok, nil
}

// IncrBy implements [Store].
func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, ErrInvalidTTL
	}
	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	n, err := incrByLua.Run(ctx, s.redis, []string{key}, delta, ms).Int64()
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

// CompareAndDelete implements [Store].
func (s *RedisStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	n, err := compareAndDeleteLua.Run(ctx, s.redis, []string{key}, expected).Int64()
	if err != nil {
		return false, unavailable(err)
	}
	return n == 1, nil
}

// Delete implements [Store].
func (s *RedisStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	if len(keys) == 1 {
		n, err := s.redis.Del(ctx, keys[0]).Result()
		if err != nil {
			return 0, unavailable(err)
		}
		return n, nil
	}
	n, err := deleteEach(ctx, s.redis, keys)
	if err != nil {
		return n, unavailable(err)
	}
	return n, nil
}

// DeletePattern implements [Store] with SCAN MATCH. On cluster clients every master
// is scanned.
//
// ATOMICITY NOTE: keys created while the scan is in flight may survive.
func (s *RedisStore) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	if cluster, ok := s.redis.(*redis.ClusterClient); ok {
		var total atomic.Int64
		err := cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			n, err := scanDelete(ctx, node, pattern)
			total.Add(n)
			return err
		})
		if err != nil {
			return total.Load(), unavailable(err)
		}
		return total.Load(), nil
	}

	n, err := scanDelete(ctx, s.redis, pattern)
	if err != nil {
		return n, unavailable(err)
	}
	return n, nil
}

func scanDelete(ctx context.Context, c redis.Cmdable, pattern string) (int64, error) {
	var (
		cursor uint64
		total  int64
	)
	for {
		keys, next, err := c.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return total, err
		}
		if len(keys) > 0 {
			n, err := deleteEach(ctx, c, keys)
			total += n
			if err != nil {
				return total, err
			}
		}
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

// deleteEach issues one DEL per key in a pipeline so cross-slot key sets work on clusters.
func deleteEach(ctx context.Context, c redis.Cmdable, keys []string) (int64, error) {
	cmds := make([]*redis.IntCmd, len(keys))
	_, err := c.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.Del(ctx, k)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	var total int64
	for _, cmd := range cmds {
		total += cmd.Val()
	}
	return total, nil
}

// Close implements [Store]. The underlying client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

var _ Store = (*RedisStore)(nil)
