package chromem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/vector"
)

const (
	testOwner = "user1"
	testName  = "memories"
	testDim   = 4
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	x, err := New("")
	require.NoError(t, err)
	require.NoError(t, x.EnsureCollection(context.Background(), testOwner, testName, testDim))
	return x
}

func doc(id string, vec []float32, tags ...string) vector.Document {
	return vector.Document{
		ID:         id,
		Vector:     vec,
		AgentName:  "agent",
		Scope:      "persistent",
		Kind:       "normal",
		Tags:       tags,
		Importance: 0.5,
	}
}

func TestEnsureCollectionDimConflict(t *testing.T) {
	t.Parallel()
	x := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, x.EnsureCollection(ctx, testOwner, testName, testDim))
	err := x.EnsureCollection(ctx, testOwner, testName, testDim+1)
	assert.True(t, kerrors.IsConflict(err))
}

func TestUpsertDimMismatch(t *testing.T) {
	t.Parallel()
	x := newTestIndex(t)

	err := x.Upsert(context.Background(), testOwner, testName, doc("m1", []float32{1, 0}))
	assert.True(t, kerrors.IsValidation(err))
}

func TestQueryRanksBySimilarity(t *testing.T) {
	t.Parallel()
	x := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, x.Upsert(ctx, testOwner, testName, doc("exact", []float32{1, 0, 0, 0})))
	require.NoError(t, x.Upsert(ctx, testOwner, testName, doc("near", []float32{0.9, 0.1, 0, 0})))
	require.NoError(t, x.Upsert(ctx, testOwner, testName, doc("far", []float32{0, 0, 0, 1})))

	matches, err := x.Query(ctx, testOwner, testName, []float32{1, 0, 0, 0}, 2, vector.Filter{})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "exact", matches[0].ID)
	assert.Equal(t, "near", matches[1].ID)
	assert.Greater(t, matches[0].Score, matches[1].Score)
}

func TestQueryTagFilter(t *testing.T) {
	t.Parallel()
	x := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, x.Upsert(ctx, testOwner, testName, doc("tagged", []float32{1, 0, 0, 0}, "go", "backend")))
	require.NoError(t, x.Upsert(ctx, testOwner, testName, doc("other", []float32{1, 0, 0, 0}, "frontend")))

	matches, err := x.Query(ctx, testOwner, testName, []float32{1, 0, 0, 0}, 10, vector.Filter{Tags: []string{"go"}})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "tagged", matches[0].ID)
}

func TestQueryZeroK(t *testing.T) {
	t.Parallel()
	x := newTestIndex(t)

	matches, err := x.Query(context.Background(), testOwner, testName, []float32{1, 0, 0, 0}, 0, vector.Filter{})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestDeleteIsIdempotent(t *testing.T) {
	t.Parallel()
	x := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, x.Upsert(ctx, testOwner, testName, doc("m1", []float32{1, 0, 0, 0})))
	require.NoError(t, x.Delete(ctx, testOwner, testName, "m1"))
	require.NoError(t, x.Delete(ctx, testOwner, testName, "m1"))

	n, err := x.Count(ctx, testOwner, testName)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueryUnknownCollection(t *testing.T) {
	t.Parallel()
	x, err := New("")
	require.NoError(t, err)

	matches, err := x.Query(context.Background(), "nobody", "nothing", []float32{1}, 3, vector.Filter{})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFilterMatches(t *testing.T) {
	t.Parallel()
	d := doc("m1", nil, "go")
	d.Importance = 0.8

	low, high := 0.5, 0.9
	assert.True(t, vector.Filter{AgentName: "agent"}.Matches(d))
	assert.False(t, vector.Filter{AgentName: "other"}.Matches(d))
	assert.True(t, vector.Filter{ImportanceMin: &low, ImportanceMax: &high}.Matches(d))
	assert.False(t, vector.Filter{ImportanceMax: &low}.Matches(d))
	assert.True(t, vector.Filter{Tags: []string{"go", "rust"}}.Matches(d))
	assert.False(t, vector.Filter{Tags: []string{"rust"}}.Matches(d))
}
