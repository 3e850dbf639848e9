// Package cache provides the shared key-value cache used for sessions,
// per-key API usage counters, the embedding cache, and the hot-memory cache.
// Two implementations exist: an in-process map with TTL eviction and a
// Redis-backed one for multi-replica deployments.
package cache

import (
	"context"
	"time"
)

// Cache is a TTL-driven key-value store. A zero TTL means no expiry. Values
// are opaque strings; callers JSON-encode structured values.
type Cache interface {
	// Get returns the value and whether the key was present and unexpired.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores the value with the given TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, keys ...string) error
	// IncrBy atomically adds delta to the integer at key, creating it with
	// the given TTL when absent, and returns the new value. The TTL is not
	// refreshed on existing keys.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// AddToSet adds member to the set at key, extending the set's TTL.
	AddToSet(ctx context.Context, key, member string, ttl time.Duration) error
	// SetMembers returns the members of the set at key.
	SetMembers(ctx context.Context, key string) ([]string, error)
	// RemoveFromSet removes member from the set at key.
	RemoveFromSet(ctx context.Context, key, member string) error
	// Ping reports whether the cache is reachable.
	Ping(ctx context.Context) error
	// Close releases the underlying client or stops the janitor.
	Close() error
}

// Key builders for the cache namespaces shared across the platform. Keeping
// them here prevents two packages from colliding on a prefix.

// SessionKey is the server-side session record for an opaque session token.
func SessionKey(token string) string { return "session:" + token }

// UserSessionsKey indexes the session tokens issued to one user, enabling
// bulk revocation.
func UserSessionsKey(userID string) string { return "session:user:" + userID }

// APIKeyStatsKey is the per-day usage counter for a hashed API key.
func APIKeyStatsKey(keyHash, day string) string {
	return "apikey:stats:" + keyHash + ":" + day
}

// EmbeddingKey is the shared embedding cache entry for one text hash.
func EmbeddingKey(provider, model, textHash string) string {
	return "embed:" + provider + ":" + model + ":" + textHash
}

// HotMemoryKey is the read-through hot cache entry for one memory record.
func HotMemoryKey(owner, agent, key string) string {
	return "hot:" + owner + ":" + agent + ":" + key
}

// ToolStatsKey is the per-day usage counter for a dispatched tool.
func ToolStatsKey(tool, day string) string {
	return "tool:stats:" + tool + ":" + day
}
