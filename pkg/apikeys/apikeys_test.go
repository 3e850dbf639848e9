package apikeys

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JFK/kagura-ai-sub007/pkg/cache"
	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/storage"
	"github.com/JFK/kagura-ai-sub007/pkg/storage/sqlite"
)

const testOwner = "owner-1"

func newTestManager(t *testing.T) (*Manager, storage.Backend) {
	t.Helper()
	ctx := context.Background()
	backend, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "apikeys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	require.NoError(t, backend.Migrate(ctx))

	kv := cache.NewMemory()
	t.Cleanup(func() { _ = kv.Close() })
	return NewManager(backend, kv), backend
}

func TestCreateReturnsPlaintextOnce(t *testing.T) {
	t.Parallel()
	m, backend := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, testOwner, "ci key", 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(created.Plaintext, "kg_"))
	assert.Len(t, created.Plaintext, 35)
	assert.Equal(t, created.Plaintext[:10], created.Key.KeyPrefix)
	assert.Nil(t, created.Key.ExpiresAt)

	// storage holds the hash, never the plaintext
	row, err := backend.Get(ctx, storage.TableAPIKeys, created.Key.ID)
	require.NoError(t, err)
	assert.Equal(t, HashKey(created.Plaintext), row.String("key_hash"))
	assert.NotContains(t, row.String("key_hash"), created.Plaintext[3:])

	_, err = m.Create(ctx, testOwner, "  ", 0)
	assert.True(t, kerrors.IsValidation(err))
}

func TestVerify(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, testOwner, "agent", 0)
	require.NoError(t, err)

	key, err := m.Verify(ctx, created.Plaintext)
	require.NoError(t, err)
	assert.Equal(t, created.Key.ID, key.ID)
	assert.Equal(t, testOwner, key.OwnerUserID)

	_, err = m.Verify(ctx, "kg_"+strings.Repeat("A", 32))
	assert.True(t, kerrors.IsUnauthorized(err))
	_, err = m.Verify(ctx, "not-a-key")
	assert.True(t, kerrors.IsUnauthorized(err))
}

func TestVerifyRejectsRevokedAndExpired(t *testing.T) {
	t.Parallel()
	m, backend := newTestManager(t)
	ctx := context.Background()

	revoked, err := m.Create(ctx, testOwner, "revoked", 0)
	require.NoError(t, err)
	require.NoError(t, m.Revoke(ctx, testOwner, revoked.Key.ID))
	_, err = m.Verify(ctx, revoked.Plaintext)
	assert.True(t, kerrors.IsUnauthorized(err))

	expired, err := m.Create(ctx, testOwner, "expired", 30)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339Nano)
	require.NoError(t, backend.Update(ctx, storage.TableAPIKeys, expired.Key.ID, storage.Row{"expires_at": past}))
	_, err = m.Verify(ctx, expired.Plaintext)
	assert.True(t, kerrors.IsUnauthorized(err))
}

func TestVerifyRecordsUsage(t *testing.T) {
	t.Parallel()
	m, backend := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, testOwner, "used", 0)
	require.NoError(t, err)
	_, err = m.Verify(ctx, created.Plaintext)
	require.NoError(t, err)
	_, err = m.Verify(ctx, created.Plaintext)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		row, err := backend.Get(ctx, storage.TableAPIKeys, created.Key.ID)
		if err != nil || row.TimePtr("last_used_at") == nil {
			return false
		}
		stats, err := m.UsageStats(ctx, testOwner, created.Key.ID)
		if err != nil {
			return false
		}
		today := time.Now().UTC().Format("2006-01-02")
		return stats[today] == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestListAndOwnerScoping(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()

	mine, err := m.Create(ctx, testOwner, "mine", 0)
	require.NoError(t, err)
	_, err = m.Create(ctx, "other-owner", "theirs", 0)
	require.NoError(t, err)

	keys, err := m.List(ctx, testOwner)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "mine", keys[0].Name)
	assert.Len(t, keys[0].KeyPrefix, 10)

	// another owner cannot revoke or inspect my key
	err = m.Revoke(ctx, "other-owner", mine.Key.ID)
	assert.True(t, kerrors.IsNotFound(err))
	_, err = m.UsageStats(ctx, "other-owner", mine.Key.ID)
	assert.True(t, kerrors.IsNotFound(err))
}

func TestRevokeIsIdempotent(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, testOwner, "key", 0)
	require.NoError(t, err)
	require.NoError(t, m.Revoke(ctx, testOwner, created.Key.ID))
	require.NoError(t, m.Revoke(ctx, testOwner, created.Key.ID))

	keys, err := m.List(ctx, testOwner)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].RevokedAt)

	assert.True(t, kerrors.IsNotFound(m.Revoke(ctx, testOwner, "missing")))
}
