package memory

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JFK/kagura-ai-sub007/pkg/cache"
	"github.com/JFK/kagura-ai-sub007/pkg/embeddings"
	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/storage"
	"github.com/JFK/kagura-ai-sub007/pkg/storage/sqlite"
	"github.com/JFK/kagura-ai-sub007/pkg/vector/chromem"
)

const testOwner = "owner-1"

// flakyProvider fails while fail is set, so tests can force the
// needs_reindex path and then let the reconciler recover.
type flakyProvider struct {
	*embeddings.Placeholder
	fail atomic.Bool
}

func (f *flakyProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.fail.Load() {
		return nil, kerrors.NewInternalError("provider down", nil)
	}
	return f.Placeholder.Embed(ctx, texts)
}

type testEnv struct {
	store    *Store
	backend  storage.Backend
	provider *flakyProvider
	kv       cache.Cache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	backend, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	require.NoError(t, backend.Migrate(ctx))

	index, err := chromem.New("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	provider := &flakyProvider{Placeholder: embeddings.NewPlaceholder(16)}
	gateway := embeddings.NewGateway(provider, embeddings.GatewayConfig{CacheSize: 64})
	kv := cache.NewMemory()
	t.Cleanup(func() { _ = kv.Close() })

	now := time.Now().UTC().Format(time.RFC3339Nano)
	require.NoError(t, backend.Put(ctx, storage.TableUsers, testOwner, storage.Row{
		"id": testOwner, "subject": "sub-1", "email": "o@example.com",
		"name": "Owner", "role": "user", "created_at": now, "updated_at": now,
	}))

	return &testEnv{
		store:    NewStore(backend, index, gateway, kv),
		backend:  backend,
		provider: provider,
		kv:       kv,
	}
}

func TestValidatePut(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  PutRequest
	}{
		{"bad agent", PutRequest{AgentName: "bad agent!", Key: "k", Value: "v"}},
		{"empty key", PutRequest{AgentName: "a", Value: "v"}},
		{"long key", PutRequest{AgentName: "a", Key: string(make([]byte, 257)), Value: "v"}},
		{"empty value", PutRequest{AgentName: "a", Key: "k"}},
		{"bad scope", PutRequest{AgentName: "a", Key: "k", Value: "v", Scope: "forever"}},
		{"bad kind", PutRequest{AgentName: "a", Key: "k", Value: "v", Kind: "weird"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := tc.req
			assert.True(t, kerrors.IsValidation(validatePut(&req)))
		})
	}
}

func TestPutNormalizesIngress(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	imp := 7.5
	rec, err := env.store.Put(ctx, testOwner, PutRequest{
		AgentName:  "coder",
		Key:        "pref",
		Value:      "dark mode",
		Importance: &imp,
		Tags:       []string{"  UI ", "theme", "ui", ""},
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, rec.Importance)
	assert.Equal(t, []string{"theme", "ui"}, rec.Tags)
	assert.Equal(t, ScopePersistent, rec.Scope)
	assert.Equal(t, KindNormal, rec.Kind)
	assert.False(t, rec.NeedsReindex)
	assert.NotEmpty(t, rec.ID)
}

func TestPutRejectsUnknownOwner(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	_, err := env.store.Put(context.Background(), "ghost", PutRequest{AgentName: "a", Key: "k", Value: "v"})
	assert.True(t, kerrors.IsValidation(err))
}

func TestPutReplacePreservesIdentity(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.store.Put(ctx, testOwner, PutRequest{AgentName: "a", Key: "k", Value: "one"})
	require.NoError(t, err)
	second, err := env.store.Put(ctx, testOwner, PutRequest{AgentName: "a", Key: "k", Value: "two"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, "two", second.Value)

	got, err := env.store.Get(ctx, testOwner, "a", "k")
	require.NoError(t, err)
	assert.Equal(t, "two", got.Value)
}

func TestGetBumpsAccessCount(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	put, err := env.store.Put(ctx, testOwner, PutRequest{AgentName: "a", Key: "k", Value: "v"})
	require.NoError(t, err)

	got, err := env.store.Get(ctx, testOwner, "a", "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.AccessCount)

	// the async bookkeeping lands in the row
	require.Eventually(t, func() bool {
		row, err := env.backend.Get(ctx, storage.TableMemories, put.ID)
		return err == nil && row.Int64("access_count") == 1
	}, 2*time.Second, 20*time.Millisecond)

	_, err = env.store.Get(ctx, testOwner, "a", "missing")
	assert.True(t, kerrors.IsNotFound(err))
}

func TestHotCacheReadThrough(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.store.Put(ctx, testOwner, PutRequest{AgentName: "a", Key: "hot", Value: "v1"})
	require.NoError(t, err)

	_, err = env.store.Get(ctx, testOwner, "a", "hot")
	require.NoError(t, err)
	_, ok, err := env.kv.Get(ctx, cache.HotMemoryKey(testOwner, "a", "hot"))
	require.NoError(t, err)
	assert.True(t, ok, "read populates the hot cache")

	// a write invalidates the entry
	_, err = env.store.Put(ctx, testOwner, PutRequest{AgentName: "a", Key: "hot", Value: "v2"})
	require.NoError(t, err)
	_, ok, err = env.kv.Get(ctx, cache.HotMemoryKey(testOwner, "a", "hot"))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := env.store.Get(ctx, testOwner, "a", "hot")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Value)
}

func TestListFilters(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	low := 0.2
	put := func(agent, key, scope string, imp float64, tags ...string) {
		t.Helper()
		_, err := env.store.Put(ctx, testOwner, PutRequest{
			AgentName: agent, Key: key, Value: "v " + key, Scope: scope,
			Importance: &imp, Tags: tags,
		})
		require.NoError(t, err)
	}
	put("coder", "k1", ScopePersistent, 0.9, "go")
	put("coder", "k2", ScopeWorking, 0.1, "tmp")
	put("writer", "k3", ScopePersistent, 0.5, "go", "docs")

	byAgent, total, err := env.store.List(ctx, testOwner, Filter{AgentName: "coder"}, Page{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, byAgent, 2)

	byScope, _, err := env.store.List(ctx, testOwner, Filter{Scope: ScopeWorking}, Page{})
	require.NoError(t, err)
	require.Len(t, byScope, 1)
	assert.Equal(t, "k2", byScope[0].Key)

	byTags, _, err := env.store.List(ctx, testOwner, Filter{Tags: []string{"go"}}, Page{})
	require.NoError(t, err)
	assert.Len(t, byTags, 2)

	byImp, _, err := env.store.List(ctx, testOwner, Filter{ImportanceMin: &low}, Page{})
	require.NoError(t, err)
	assert.Len(t, byImp, 2)

	paged, total, err := env.store.List(ctx, testOwner, Filter{}, Page{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, paged, 2)
}

func TestUpdatePatchesFields(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.store.Put(ctx, testOwner, PutRequest{AgentName: "a", Key: "k", Value: "old"})
	require.NoError(t, err)

	newValue := "new"
	imp := 0.8
	tags := []string{"B", "a"}
	updated, err := env.store.Update(ctx, testOwner, "a", "k", Patch{
		Value: &newValue, Importance: &imp, Tags: &tags,
	})
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "new", updated.Value)
	assert.Equal(t, 0.8, updated.Importance)
	assert.Equal(t, []string{"a", "b"}, updated.Tags)
	assert.True(t, !updated.UpdatedAt.Before(created.UpdatedAt))

	_, err = env.store.Update(ctx, testOwner, "a", "missing", Patch{Value: &newValue})
	assert.True(t, kerrors.IsNotFound(err))
}

func TestDeleteIsIdempotent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.store.Put(ctx, testOwner, PutRequest{AgentName: "a", Key: "k", Value: "v"})
	require.NoError(t, err)

	require.NoError(t, env.store.Delete(ctx, testOwner, "a", "k"))
	_, err = env.store.Get(ctx, testOwner, "a", "k")
	assert.True(t, kerrors.IsNotFound(err))

	// second delete is a no-op
	require.NoError(t, env.store.Delete(ctx, testOwner, "a", "k"))
}

func TestDeleteClearsGraphReferences(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.store.Put(ctx, testOwner, PutRequest{AgentName: "a", Key: "k", Value: "v"})
	require.NoError(t, err)

	now := time.Now().UTC().Format(time.RFC3339Nano)
	require.NoError(t, env.backend.Put(ctx, storage.TableGraphNodes, "n1", storage.Row{
		"id": "n1", "owner_user_id": testOwner, "node_id": "concept:k",
		"type": "concept", "memory_id": rec.ID, "attrs": "{}",
		"created_at": now, "updated_at": now,
	}))

	require.NoError(t, env.store.Delete(ctx, testOwner, "a", "k"))

	node, err := env.backend.Get(ctx, storage.TableGraphNodes, "n1")
	require.NoError(t, err)
	assert.Empty(t, node.String("memory_id"), "node survives with the reference cleared")
}

func TestPutEmbeddingFailureIsPartialSuccess(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.provider.fail.Store(true)

	rec, err := env.store.Put(ctx, testOwner, PutRequest{AgentName: "a", Key: "k", Value: "v"})
	require.Error(t, err)
	assert.True(t, kerrors.IsPartialSuccess(err))
	require.NotNil(t, rec)
	assert.True(t, rec.NeedsReindex)

	// the row is durable despite the failed index write
	row, err := env.backend.Get(ctx, storage.TableMemories, rec.ID)
	require.NoError(t, err)
	assert.True(t, row.Bool("needs_reindex"))
}

func TestReconcilerDrainsFlaggedRows(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.provider.fail.Store(true)

	rec, err := env.store.Put(ctx, testOwner, PutRequest{AgentName: "a", Key: "k", Value: "v"})
	require.Error(t, err)
	require.True(t, rec.NeedsReindex)

	env.provider.fail.Store(false)
	n, err := NewReconciler(env.store, time.Minute).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	row, err := env.backend.Get(ctx, storage.TableMemories, rec.ID)
	require.NoError(t, err)
	assert.False(t, row.Bool("needs_reindex"))

	// nothing left to do
	n, err = NewReconciler(env.store, time.Minute).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStats(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	imp := 1.0
	_, err := env.store.Put(ctx, testOwner, PutRequest{AgentName: "a", Key: "k1", Value: "12345", Importance: &imp, Tags: []string{"go"}})
	require.NoError(t, err)
	_, err = env.store.Put(ctx, testOwner, PutRequest{AgentName: "b", Key: "k2", Value: "123", Scope: ScopeWorking, Tags: []string{"go", "tmp"}})
	require.NoError(t, err)

	stats, err := env.store.Stats(ctx, testOwner)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.ByScope[ScopePersistent])
	assert.Equal(t, int64(1), stats.ByScope[ScopeWorking])
	assert.Equal(t, int64(8), stats.TotalBytes)
	assert.Equal(t, 2, stats.DistinctAgents)
	assert.Equal(t, int64(2), stats.TagCounts["go"])
	assert.InDelta(t, 0.75, stats.AvgImportance, 1e-9)
}

func TestGCRemovesStaleWorkingMemories(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	stale, err := env.store.Put(ctx, testOwner, PutRequest{AgentName: "a", Key: "stale", Value: "v", Scope: ScopeWorking})
	require.NoError(t, err)
	_, err = env.store.Put(ctx, testOwner, PutRequest{AgentName: "a", Key: "fresh", Value: "v", Scope: ScopeWorking})
	require.NoError(t, err)
	_, err = env.store.Put(ctx, testOwner, PutRequest{AgentName: "a", Key: "keep", Value: "v", Scope: ScopePersistent})
	require.NoError(t, err)

	// age the stale row beyond the horizon
	old := time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339Nano)
	require.NoError(t, env.backend.Update(ctx, storage.TableMemories, stale.ID, storage.Row{"last_accessed_at": old}))

	removed, err := env.store.GC(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = env.store.Get(ctx, testOwner, "a", "stale")
	assert.True(t, kerrors.IsNotFound(err))
	_, err = env.store.Get(ctx, testOwner, "a", "fresh")
	assert.NoError(t, err)
	_, err = env.store.Get(ctx, testOwner, "a", "keep")
	assert.NoError(t, err)

	// idempotent
	removed, err = env.store.GC(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)

	_, err = env.store.GC(ctx, 0)
	assert.True(t, kerrors.IsValidation(err))
}

func TestPreview(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "short", Preview("  short  ", 120))
	assert.Equal(t, "日本語のテ", Preview("日本語のテキストがここに続く", 5))
}
