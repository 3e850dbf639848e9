// Package apikeys issues and verifies bearer API keys. Plaintext keys are
// shown exactly once at creation; only the SHA-256 hash and a display prefix
// are stored.
package apikeys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JFK/kagura-ai-sub007/pkg/cache"
	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/logger"
	"github.com/JFK/kagura-ai-sub007/pkg/storage"
)

const (
	// keyPrefix marks platform keys so scanners can recognize leaks.
	keyPrefix = "kg_"
	// keyRandomLen is the number of base62 characters after the prefix.
	keyRandomLen = 32
	// displayPrefixLen is how much of the key is kept for listing.
	displayPrefixLen = 10

	// statsTTL bounds per-day usage counters in the cache.
	statsTTL = 30 * 24 * time.Hour
	// statsDays is how far back UsageStats reads.
	statsDays = 30
)

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Key is one API key's stored metadata. The plaintext never appears here.
type Key struct {
	ID          string     `json:"id"`
	OwnerUserID string     `json:"owner_user_id"`
	Name        string     `json:"name"`
	KeyPrefix   string     `json:"key_prefix"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`

	hash string
}

// Created is the one-time creation result carrying the plaintext.
type Created struct {
	Key       *Key   `json:"key"`
	Plaintext string `json:"plaintext"`
}

// Manager issues, verifies, and revokes keys.
type Manager struct {
	backend storage.Backend
	kv      cache.Cache
}

// NewManager creates a Manager. kv may be nil to disable usage counters.
func NewManager(backend storage.Backend, kv cache.Cache) *Manager {
	return &Manager{backend: backend, kv: kv}
}

// Create issues a new key for the owner. expiresDays <= 0 means no expiry.
// The plaintext in the result is the only copy that will ever exist.
func (m *Manager) Create(ctx context.Context, owner, name string, expiresDays int) (*Created, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, kerrors.NewValidationError("key name must not be empty", nil)
	}
	if len(name) > 128 {
		return nil, kerrors.NewValidationError("key name exceeds 128 characters", nil)
	}

	plaintext, err := generateKey()
	if err != nil {
		return nil, kerrors.NewInternalError("generating key material", err)
	}
	now := time.Now().UTC()
	key := &Key{
		ID:          uuid.NewString(),
		OwnerUserID: owner,
		Name:        name,
		KeyPrefix:   plaintext[:displayPrefixLen],
		CreatedAt:   now,
		hash:        HashKey(plaintext),
	}
	var expiresAt any
	if expiresDays > 0 {
		t := now.AddDate(0, 0, expiresDays)
		key.ExpiresAt = &t
		expiresAt = t.Format(time.RFC3339Nano)
	}

	err = m.backend.Put(ctx, storage.TableAPIKeys, key.ID, storage.Row{
		"id":            key.ID,
		"owner_user_id": owner,
		"key_hash":      key.hash,
		"key_prefix":    key.KeyPrefix,
		"display_name":  name,
		"created_at":    now.Format(time.RFC3339Nano),
		"expires_at":    expiresAt,
	})
	if err != nil {
		return nil, err
	}
	return &Created{Key: key, Plaintext: plaintext}, nil
}

// Verify resolves a plaintext key to its metadata. Unknown, revoked, and
// expired keys are all unauthorized; the distinction is not disclosed.
// Last-use bookkeeping and usage counters are best-effort and never block.
func (m *Manager) Verify(ctx context.Context, plaintext string) (*Key, error) {
	if !strings.HasPrefix(plaintext, keyPrefix) || len(plaintext) != len(keyPrefix)+keyRandomLen {
		return nil, kerrors.NewUnauthorizedError("invalid API key", nil)
	}
	hash := HashKey(plaintext)
	rows, err := m.backend.Query(ctx, storage.TableAPIKeys, storage.Query{
		Predicate: storage.Eq("key_hash", hash),
		Limit:     1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, kerrors.NewUnauthorizedError("invalid API key", nil)
	}
	key := keyFromRow(rows[0])
	now := time.Now().UTC()
	if key.RevokedAt != nil {
		return nil, kerrors.NewUnauthorizedError("API key revoked", nil)
	}
	if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
		return nil, kerrors.NewUnauthorizedError("API key expired", nil)
	}

	go m.recordUse(key.ID, key.hash, now)
	return key, nil
}

// List returns the owner's keys, newest first. Hashes stay internal.
func (m *Manager) List(ctx context.Context, owner string) ([]*Key, error) {
	rows, err := m.backend.Query(ctx, storage.TableAPIKeys, storage.Query{
		Predicate: storage.Eq("owner_user_id", owner),
		OrderBy:   []storage.Order{storage.Desc("created_at"), storage.Asc("id")},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Key, 0, len(rows))
	for _, row := range rows {
		out = append(out, keyFromRow(row))
	}
	return out, nil
}

// Revoke marks the owner's key revoked. Revoking twice is a no-op.
func (m *Manager) Revoke(ctx context.Context, owner, id string) error {
	key, err := m.getOwned(ctx, owner, id)
	if err != nil {
		return err
	}
	if key.RevokedAt != nil {
		return nil
	}
	return m.backend.Update(ctx, storage.TableAPIKeys, id, storage.Row{
		"revoked_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// UsageStats returns the key's per-day call counts for the retained window,
// keyed yyyy-mm-dd. Days without calls are omitted.
func (m *Manager) UsageStats(ctx context.Context, owner, id string) (map[string]int64, error) {
	key, err := m.getOwned(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	stats := make(map[string]int64)
	if m.kv == nil {
		return stats, nil
	}
	day := time.Now().UTC()
	for i := 0; i < statsDays; i++ {
		date := day.AddDate(0, 0, -i).Format("2006-01-02")
		raw, ok, err := m.kv.Get(ctx, cache.APIKeyStatsKey(key.hash, date))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		if n > 0 {
			stats[date] = n
		}
	}
	return stats, nil
}

func (m *Manager) getOwned(ctx context.Context, owner, id string) (*Key, error) {
	row, err := m.backend.Get(ctx, storage.TableAPIKeys, id)
	if err != nil {
		return nil, err
	}
	key := keyFromRow(row)
	if key.OwnerUserID != owner {
		return nil, kerrors.NewNotFoundError("API key not found", nil)
	}
	return key, nil
}

func (m *Manager) recordUse(id, hash string, now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.backend.Update(ctx, storage.TableAPIKeys, id, storage.Row{
		"last_used_at": now.Format(time.RFC3339Nano),
	})
	if err != nil && !kerrors.IsNotFound(err) {
		logger.Debugw("API key last-use bookkeeping failed", "id", id, "error", err)
	}
	if m.kv == nil {
		return
	}
	day := now.Format("2006-01-02")
	if _, err := m.kv.IncrBy(ctx, cache.APIKeyStatsKey(hash, day), 1, statsTTL); err != nil {
		logger.Debugw("API key usage counter failed", "id", id, "error", err)
	}
}

// HashKey is the storage hash of a plaintext key.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func generateKey() (string, error) {
	var b strings.Builder
	b.Grow(len(keyPrefix) + keyRandomLen)
	b.WriteString(keyPrefix)
	max := big.NewInt(int64(len(base62Alphabet)))
	for i := 0; i < keyRandomLen; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(base62Alphabet[n.Int64()])
	}
	return b.String(), nil
}

func keyFromRow(row storage.Row) *Key {
	return &Key{
		ID:          row.String("id"),
		OwnerUserID: row.String("owner_user_id"),
		Name:        row.String("display_name"),
		KeyPrefix:   row.String("key_prefix"),
		CreatedAt:   row.Time("created_at"),
		ExpiresAt:   row.TimePtr("expires_at"),
		RevokedAt:   row.TimePtr("revoked_at"),
		LastUsedAt:  row.TimePtr("last_used_at"),
		hash:        row.String("key_hash"),
	}
}
