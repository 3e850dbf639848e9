package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
)

// Redis is the networked cache implementation.
type Redis struct {
	client *redis.Client
}

var _ Cache = (*Redis)(nil)

// NewRedis connects to the Redis server described by url
// (redis://[user:pass@]host:port/db).
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, kerrors.NewValidationError("parsing REDIS_URL", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, kerrors.NewDependencyUnavailableError("probing redis", err)
	}
	return &Redis{client: client}, nil
}

// Get returns the value and whether the key was present and unexpired.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapError(err, "redis get")
	}
	return val, true, nil
}

// Set stores the value with the given TTL.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return mapError(err, "redis set")
	}
	return nil
}

// Delete removes the keys.
func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return mapError(err, "redis del")
	}
	return nil
}

// IncrBy atomically adds delta to the integer at key. The TTL is applied
// only when the increment created the key.
func (r *Redis) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	n, err := r.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, mapError(err, "redis incrby")
	}
	if ttl > 0 {
		// NX keeps an existing expiry; only the key-creating increment sets it.
		if err := r.client.ExpireNX(ctx, key, ttl).Err(); err != nil {
			return 0, mapError(err, "redis expire")
		}
	}
	return n, nil
}

// AddToSet adds member to the set at key, extending the set's TTL.
func (r *Redis) AddToSet(ctx context.Context, key, member string, ttl time.Duration) error {
	if err := r.client.SAdd(ctx, key, member).Err(); err != nil {
		return mapError(err, "redis sadd")
	}
	if ttl > 0 {
		if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
			return mapError(err, "redis expire")
		}
	}
	return nil
}

// SetMembers returns the members of the set at key.
func (r *Redis) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, mapError(err, "redis smembers")
	}
	return members, nil
}

// RemoveFromSet removes member from the set at key.
func (r *Redis) RemoveFromSet(ctx context.Context, key, member string) error {
	if err := r.client.SRem(ctx, key, member).Err(); err != nil {
		return mapError(err, "redis srem")
	}
	return nil
}

// Ping reports whether the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return kerrors.NewDependencyUnavailableError("redis ping", err)
	}
	return nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func mapError(err error, op string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return kerrors.NewTimeoutError(op, err)
	default:
		return kerrors.NewDependencyUnavailableError(op, err)
	}
}
