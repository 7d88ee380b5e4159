package coordinator

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is the narrow slice of the shared key/value store the coordinator
// needs. Keeping it an interface lets tests run against an in-memory fake
// and keeps store calls out of orchestration code.
type KV interface {
	// SetNX sets key to value only if it does not exist, with a TTL.
	// Returns true if the key was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Incr atomically increments the integer at key, creating it at 0 first.
	Incr(ctx context.Context, key string) (int64, error)

	// Get returns the value at key, or ("", nil) if the key is absent.
	Get(ctx context.Context, key string) (string, error)

	// DelIfEqual removes key only while it still holds value, atomically.
	// Returns true if the key was removed.
	DelIfEqual(ctx context.Context, key, value string) (bool, error)

	// ExpireIfEqual resets the TTL on key only while it still holds value,
	// atomically. Returns true if the TTL was reset.
	ExpireIfEqual(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// Guarded by value so an expired key that was since reacquired by another
// holder is never touched.
var (
	delIfEqualScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	expireIfEqualScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisKV implements KV on a go-redis client.
type RedisKV struct {
	client redis.UniversalClient
}

// NewRedisKV creates a KV backed by the given Redis client.
func NewRedisKV(client redis.UniversalClient) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisKV) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (r *RedisKV) DelIfEqual(ctx context.Context, key, value string) (bool, error) {
	n, err := delIfEqualScript.Run(ctx, r.client, []string{key}, value).Int64()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisKV) ExpireIfEqual(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	n, err := expireIfEqualScript.Run(ctx, r.client, []string{key}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
