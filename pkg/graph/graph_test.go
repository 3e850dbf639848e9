package graph

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/storage/sqlite"
)

const testOwner = "owner-1"

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	ctx := context.Background()
	backend, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	require.NoError(t, backend.Migrate(ctx))
	return New(backend)
}

func addNode(t *testing.T, g *Graph, owner, nodeID string) {
	t.Helper()
	_, err := g.AddNode(context.Background(), owner, AddNodeRequest{NodeID: nodeID, Type: "concept"})
	require.NoError(t, err)
}

func addEdge(t *testing.T, g *Graph, owner, src, dst, rel string, weight float64) {
	t.Helper()
	_, err := g.AddEdge(context.Background(), owner, AddEdgeRequest{Src: src, Dst: dst, Relation: rel, Weight: &weight})
	require.NoError(t, err)
}

func TestAddNodeUpsertsByNodeID(t *testing.T) {
	t.Parallel()
	g := newTestGraph(t)
	ctx := context.Background()

	created, err := g.AddNode(ctx, testOwner, AddNodeRequest{NodeID: "go", Type: "language"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	updated, err := g.AddNode(ctx, testOwner, AddNodeRequest{
		NodeID: "go", Type: "language", Attrs: map[string]any{"paradigm": "imperative"},
	})
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "imperative", updated.Attrs["paradigm"])

	_, err = g.AddNode(ctx, testOwner, AddNodeRequest{NodeID: "has space", Type: "x"})
	assert.True(t, kerrors.IsValidation(err))
	_, err = g.AddNode(ctx, testOwner, AddNodeRequest{NodeID: "ok"})
	assert.True(t, kerrors.IsValidation(err))
}

func TestAddEdgeRequiresEndpoints(t *testing.T) {
	t.Parallel()
	g := newTestGraph(t)
	ctx := context.Background()
	addNode(t, g, testOwner, "a")

	_, err := g.AddEdge(ctx, testOwner, AddEdgeRequest{Src: "a", Dst: "missing", Relation: "rel"})
	assert.True(t, kerrors.IsNotFound(err))

	addNode(t, g, testOwner, "b")
	edge, err := g.AddEdge(ctx, testOwner, AddEdgeRequest{Src: "a", Dst: "b", Relation: "rel"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, edge.Weight)

	// same triple upserts instead of duplicating
	w := 2.5
	again, err := g.AddEdge(ctx, testOwner, AddEdgeRequest{Src: "a", Dst: "b", Relation: "rel", Weight: &w})
	require.NoError(t, err)
	assert.Equal(t, edge.ID, again.ID)
	assert.Equal(t, 2.5, again.Weight)

	from := time.Now()
	until := from.Add(-time.Hour)
	_, err = g.AddEdge(ctx, testOwner, AddEdgeRequest{Src: "a", Dst: "b", Relation: "r2", ValidFrom: &from, ValidUntil: &until})
	assert.True(t, kerrors.IsValidation(err))
}

func TestNeighbors(t *testing.T) {
	t.Parallel()
	g := newTestGraph(t)
	ctx := context.Background()
	for _, n := range []string{"a", "b", "c"} {
		addNode(t, g, testOwner, n)
	}
	addEdge(t, g, testOwner, "a", "b", "likes", 1)
	addEdge(t, g, testOwner, "c", "a", "follows", 1)

	out, err := g.Neighbors(ctx, testOwner, "a", "", DirectionOut)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].Node.NodeID)
	assert.Equal(t, DirectionOut, out[0].Direction)

	in, err := g.Neighbors(ctx, testOwner, "a", "", DirectionIn)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, "c", in[0].Node.NodeID)

	both, err := g.Neighbors(ctx, testOwner, "a", "", DirectionBoth)
	require.NoError(t, err)
	assert.Len(t, both, 2)

	filtered, err := g.Neighbors(ctx, testOwner, "a", "likes", DirectionBoth)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "b", filtered[0].Node.NodeID)

	_, err = g.Neighbors(ctx, testOwner, "missing", "", DirectionOut)
	assert.True(t, kerrors.IsNotFound(err))
	_, err = g.Neighbors(ctx, testOwner, "a", "", "sideways")
	assert.True(t, kerrors.IsValidation(err))
}

func TestTraverseBFS(t *testing.T) {
	t.Parallel()
	g := newTestGraph(t)
	ctx := context.Background()
	// a -> b -> c -> d, plus shortcut a -> c
	for _, n := range []string{"a", "b", "c", "d"} {
		addNode(t, g, testOwner, n)
	}
	addEdge(t, g, testOwner, "a", "b", "next", 1)
	addEdge(t, g, testOwner, "b", "c", "next", 1)
	addEdge(t, g, testOwner, "c", "d", "next", 1)
	addEdge(t, g, testOwner, "a", "c", "skip", 5)

	hits, err := g.Traverse(ctx, testOwner, TraverseRequest{StartIDs: []string{"a"}})
	require.NoError(t, err)
	require.Len(t, hits, 3)

	byNode := map[string]TraversalHit{}
	for _, h := range hits {
		byNode[h.Node.NodeID] = h
	}
	assert.Equal(t, 1, byNode["b"].Depth)
	// BFS reaches c through the depth-1 shortcut, not the depth-2 chain
	assert.Equal(t, 1, byNode["c"].Depth)
	assert.Equal(t, []string{"a", "c"}, byNode["c"].Path)
	assert.Equal(t, 5.0, byNode["c"].Weight)
	assert.Equal(t, 2, byNode["d"].Depth)
	assert.Equal(t, 6.0, byNode["d"].Weight)
}

func TestTraverseDepthClampAndRelationFilter(t *testing.T) {
	t.Parallel()
	g := newTestGraph(t)
	ctx := context.Background()
	// chain of 7 nodes exceeds the max depth of 5
	nodes := []string{"n0", "n1", "n2", "n3", "n4", "n5", "n6"}
	for _, n := range nodes {
		addNode(t, g, testOwner, n)
	}
	for i := 0; i < len(nodes)-1; i++ {
		addEdge(t, g, testOwner, nodes[i], nodes[i+1], "next", 1)
	}

	hits, err := g.Traverse(ctx, testOwner, TraverseRequest{StartIDs: []string{"n0"}, MaxDepth: 99})
	require.NoError(t, err)
	assert.Len(t, hits, 5, "depth clamps at 5")

	none, err := g.Traverse(ctx, testOwner, TraverseRequest{StartIDs: []string{"n0"}, Relations: []string{"other"}})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = g.Traverse(ctx, testOwner, TraverseRequest{})
	assert.True(t, kerrors.IsValidation(err))
	_, err = g.Traverse(ctx, testOwner, TraverseRequest{StartIDs: []string{"missing"}})
	assert.True(t, kerrors.IsNotFound(err))
}

func TestTraverseTemporalEdges(t *testing.T) {
	t.Parallel()
	g := newTestGraph(t)
	ctx := context.Background()
	addNode(t, g, testOwner, "a")
	addNode(t, g, testOwner, "b")

	from := time.Now().UTC().Add(-2 * time.Hour)
	until := time.Now().UTC().Add(-time.Hour)
	_, err := g.AddEdge(ctx, testOwner, AddEdgeRequest{
		Src: "a", Dst: "b", Relation: "was", ValidFrom: &from, ValidUntil: &until,
	})
	require.NoError(t, err)

	// expired now
	now, err := g.Traverse(ctx, testOwner, TraverseRequest{StartIDs: []string{"a"}})
	require.NoError(t, err)
	assert.Empty(t, now)

	// active inside the window
	within, err := g.Traverse(ctx, testOwner, TraverseRequest{
		StartIDs: []string{"a"}, AsOf: from.Add(30 * time.Minute),
	})
	require.NoError(t, err)
	assert.Len(t, within, 1)

	// before the window opened
	before, err := g.Traverse(ctx, testOwner, TraverseRequest{
		StartIDs: []string{"a"}, AsOf: from.Add(-time.Minute),
	})
	require.NoError(t, err)
	assert.Empty(t, before)
}

func TestOwnerIsolation(t *testing.T) {
	t.Parallel()
	g := newTestGraph(t)
	ctx := context.Background()
	addNode(t, g, "owner-a", "shared-name")
	addNode(t, g, "owner-b", "shared-name")
	addNode(t, g, "owner-a", "private")
	addEdge(t, g, "owner-a", "shared-name", "private", "rel", 1)

	hits, err := g.Traverse(ctx, "owner-b", TraverseRequest{StartIDs: []string{"shared-name"}})
	require.NoError(t, err)
	assert.Empty(t, hits, "owner-b cannot see owner-a's edges")
}

func TestRemoveNodeCascadesEdges(t *testing.T) {
	t.Parallel()
	g := newTestGraph(t)
	ctx := context.Background()
	for _, n := range []string{"a", "b", "c"} {
		addNode(t, g, testOwner, n)
	}
	addEdge(t, g, testOwner, "a", "b", "rel", 1)
	addEdge(t, g, testOwner, "c", "b", "rel", 1)

	require.NoError(t, g.RemoveNode(ctx, testOwner, "b"))
	_, err := g.GetNode(ctx, testOwner, "b")
	assert.True(t, kerrors.IsNotFound(err))

	// edges touching b are gone; a and c survive
	out, err := g.Neighbors(ctx, testOwner, "a", "", DirectionBoth)
	require.NoError(t, err)
	assert.Empty(t, out)

	assert.True(t, kerrors.IsNotFound(g.RemoveNode(ctx, testOwner, "b")))
}

func TestRemoveEdge(t *testing.T) {
	t.Parallel()
	g := newTestGraph(t)
	ctx := context.Background()
	addNode(t, g, testOwner, "a")
	addNode(t, g, testOwner, "b")
	addEdge(t, g, testOwner, "a", "b", "rel", 1)

	require.NoError(t, g.RemoveEdge(ctx, testOwner, "a", "b", "rel"))
	assert.True(t, kerrors.IsNotFound(g.RemoveEdge(ctx, testOwner, "a", "b", "rel")))

	// nodes survive edge removal
	_, err := g.GetNode(ctx, testOwner, "a")
	assert.NoError(t, err)
}
