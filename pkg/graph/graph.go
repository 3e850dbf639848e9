// Package graph implements the per-owner knowledge graph overlay: typed
// nodes optionally anchored to memories, directed weighted edges with
// optional validity windows, neighbor listing, and bounded BFS traversal.
// Every query carries the owner column, so cross-owner traversal cannot be
// expressed.
package graph

import (
	"context"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/storage"
)

// Traversal directions.
const (
	DirectionOut  = "out"
	DirectionIn   = "in"
	DirectionBoth = "both"
)

// MaxDepth bounds traversal; larger requests are clamped, not rejected.
const MaxDepth = 5

var nodeIDPattern = regexp.MustCompile(`^[^\s]{1,256}$`)

// Node is one graph node. NodeID is the caller-facing identifier, unique per
// owner; ID is the storage row id.
type Node struct {
	ID          string         `json:"-"`
	OwnerUserID string         `json:"-"`
	NodeID      string         `json:"node_id"`
	Type        string         `json:"type"`
	MemoryID    string         `json:"memory_id,omitempty"`
	Attrs       map[string]any `json:"attrs,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Edge is one directed edge between two node ids of the same owner.
type Edge struct {
	ID          string         `json:"-"`
	OwnerUserID string         `json:"-"`
	Src         string         `json:"src"`
	Dst         string         `json:"dst"`
	Relation    string         `json:"relation"`
	Weight      float64        `json:"weight"`
	ValidFrom   *time.Time     `json:"valid_from,omitempty"`
	ValidUntil  *time.Time     `json:"valid_until,omitempty"`
	Attrs       map[string]any `json:"attrs,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// activeAt reports whether the edge's validity window covers t.
func (e *Edge) activeAt(t time.Time) bool {
	if e.ValidFrom != nil && t.Before(*e.ValidFrom) {
		return false
	}
	if e.ValidUntil != nil && !t.Before(*e.ValidUntil) {
		return false
	}
	return true
}

// AddNodeRequest creates or refreshes a node.
type AddNodeRequest struct {
	NodeID   string         `json:"node_id"`
	Type     string         `json:"type"`
	MemoryID string         `json:"memory_id,omitempty"`
	Attrs    map[string]any `json:"attrs,omitempty"`
}

// AddEdgeRequest creates or refreshes a directed edge. Weight defaults to 1.
type AddEdgeRequest struct {
	Src        string         `json:"src"`
	Dst        string         `json:"dst"`
	Relation   string         `json:"relation"`
	Weight     *float64       `json:"weight,omitempty"`
	ValidFrom  *time.Time     `json:"valid_from,omitempty"`
	ValidUntil *time.Time     `json:"valid_until,omitempty"`
	Attrs      map[string]any `json:"attrs,omitempty"`
}

// Neighbor is one adjacency of a node.
type Neighbor struct {
	Node *Node `json:"node"`
	Edge *Edge `json:"edge"`
	// Direction is out when the edge leaves the queried node, in when it
	// arrives.
	Direction string `json:"direction"`
}

// TraverseRequest is a bounded BFS from one or more start nodes.
type TraverseRequest struct {
	StartIDs []string `json:"start_ids"`
	// Relations filters traversed edges; empty follows every relation.
	Relations []string `json:"relations,omitempty"`
	// MaxDepth is clamped to [1, MaxDepth].
	MaxDepth  int    `json:"max_depth,omitempty"`
	Direction string `json:"direction,omitempty"`
	// AsOf evaluates edge validity windows at this instant; zero means now.
	AsOf time.Time `json:"as_of,omitempty"`
}

// TraversalHit is one node reached by Traverse, with the shortest path that
// reached it and the sum of edge weights along that path.
type TraversalHit struct {
	Node      *Node    `json:"node"`
	Depth     int      `json:"depth"`
	Path      []string `json:"path"`
	Relations []string `json:"relations"`
	Weight    float64  `json:"weight"`
}

// Graph runs graph operations over the relational backend.
type Graph struct {
	backend storage.Backend

	// ownerLocks serializes writes per owner. Reads run lock-free.
	mu         sync.Mutex
	ownerLocks map[string]*sync.Mutex
}

// New creates a Graph.
func New(backend storage.Backend) *Graph {
	return &Graph{backend: backend, ownerLocks: make(map[string]*sync.Mutex)}
}

func (g *Graph) lockOwner(owner string) func() {
	g.mu.Lock()
	l, ok := g.ownerLocks[owner]
	if !ok {
		l = &sync.Mutex{}
		g.ownerLocks[owner] = l
	}
	g.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// AddNode creates the node or refreshes its type, memory anchor, and attrs.
func (g *Graph) AddNode(ctx context.Context, owner string, req AddNodeRequest) (*Node, error) {
	if !nodeIDPattern.MatchString(req.NodeID) {
		return nil, kerrors.NewValidationError("node_id must be 1-256 characters without whitespace", nil)
	}
	if req.Type == "" {
		return nil, kerrors.NewValidationError("node type must not be empty", nil)
	}

	unlock := g.lockOwner(owner)
	defer unlock()

	now := time.Now().UTC()
	attrs, err := storage.JSON(req.Attrs)
	if err != nil {
		return nil, kerrors.NewInternalError("encoding node attrs", err)
	}

	existing, err := g.findNode(ctx, owner, req.NodeID)
	if err != nil && !kerrors.IsNotFound(err) {
		return nil, err
	}
	if existing != nil {
		err = g.backend.Update(ctx, storage.TableGraphNodes, existing.ID, storage.Row{
			"type":       req.Type,
			"memory_id":  nullable(req.MemoryID),
			"attrs":      attrs,
			"updated_at": now.Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, err
		}
		existing.Type = req.Type
		existing.MemoryID = req.MemoryID
		existing.Attrs = req.Attrs
		existing.UpdatedAt = now
		return existing, nil
	}

	node := &Node{
		ID:          ulid.Make().String(),
		OwnerUserID: owner,
		NodeID:      req.NodeID,
		Type:        req.Type,
		MemoryID:    req.MemoryID,
		Attrs:       req.Attrs,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = g.backend.Put(ctx, storage.TableGraphNodes, node.ID, storage.Row{
		"id":            node.ID,
		"owner_user_id": owner,
		"node_id":       node.NodeID,
		"type":          node.Type,
		"memory_id":     nullable(node.MemoryID),
		"attrs":         attrs,
		"created_at":    now.Format(time.RFC3339Nano),
		"updated_at":    now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// AddEdge creates or refreshes the edge (src, dst, relation). Both endpoints
// must already exist.
func (g *Graph) AddEdge(ctx context.Context, owner string, req AddEdgeRequest) (*Edge, error) {
	if req.Src == "" || req.Dst == "" {
		return nil, kerrors.NewValidationError("edge src and dst must not be empty", nil)
	}
	if req.Relation == "" {
		return nil, kerrors.NewValidationError("edge relation must not be empty", nil)
	}
	if req.ValidFrom != nil && req.ValidUntil != nil && !req.ValidFrom.Before(*req.ValidUntil) {
		return nil, kerrors.NewValidationError("valid_from must precede valid_until", nil)
	}
	weight := 1.0
	if req.Weight != nil {
		weight = *req.Weight
	}

	unlock := g.lockOwner(owner)
	defer unlock()

	for _, endpoint := range []string{req.Src, req.Dst} {
		if _, err := g.findNode(ctx, owner, endpoint); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	attrs, err := storage.JSON(req.Attrs)
	if err != nil {
		return nil, kerrors.NewInternalError("encoding edge attrs", err)
	}

	existing, err := g.findEdge(ctx, owner, req.Src, req.Dst, req.Relation)
	if err != nil && !kerrors.IsNotFound(err) {
		return nil, err
	}
	if existing != nil {
		err = g.backend.Update(ctx, storage.TableGraphEdges, existing.ID, storage.Row{
			"weight":      weight,
			"valid_from":  timePtrValue(req.ValidFrom),
			"valid_until": timePtrValue(req.ValidUntil),
			"attrs":       attrs,
		})
		if err != nil {
			return nil, err
		}
		existing.Weight = weight
		existing.ValidFrom = req.ValidFrom
		existing.ValidUntil = req.ValidUntil
		existing.Attrs = req.Attrs
		return existing, nil
	}

	edge := &Edge{
		ID:          ulid.Make().String(),
		OwnerUserID: owner,
		Src:         req.Src,
		Dst:         req.Dst,
		Relation:    req.Relation,
		Weight:      weight,
		ValidFrom:   req.ValidFrom,
		ValidUntil:  req.ValidUntil,
		Attrs:       req.Attrs,
		CreatedAt:   now,
	}
	err = g.backend.Put(ctx, storage.TableGraphEdges, edge.ID, storage.Row{
		"id":            edge.ID,
		"owner_user_id": owner,
		"src":           edge.Src,
		"dst":           edge.Dst,
		"relation":      edge.Relation,
		"weight":        weight,
		"valid_from":    timePtrValue(req.ValidFrom),
		"valid_until":   timePtrValue(req.ValidUntil),
		"attrs":         attrs,
		"created_at":    now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	return edge, nil
}

// GetNode returns the node with the given id.
func (g *Graph) GetNode(ctx context.Context, owner, nodeID string) (*Node, error) {
	return g.findNode(ctx, owner, nodeID)
}

// Neighbors lists the node's adjacencies, optionally filtered by relation
// and direction. The queried node must exist.
func (g *Graph) Neighbors(ctx context.Context, owner, nodeID, relation, direction string) ([]Neighbor, error) {
	direction, err := normalizeDirection(direction)
	if err != nil {
		return nil, err
	}
	if _, err := g.findNode(ctx, owner, nodeID); err != nil {
		return nil, err
	}

	var out []Neighbor
	if direction != DirectionIn {
		edges, err := g.edgesFrom(ctx, owner, "src", nodeID, relation)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			node, err := g.findNode(ctx, owner, e.Dst)
			if err != nil {
				continue
			}
			out = append(out, Neighbor{Node: node, Edge: e, Direction: DirectionOut})
		}
	}
	if direction != DirectionOut {
		edges, err := g.edgesFrom(ctx, owner, "dst", nodeID, relation)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			node, err := g.findNode(ctx, owner, e.Src)
			if err != nil {
				continue
			}
			out = append(out, Neighbor{Node: node, Edge: e, Direction: DirectionIn})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Node.NodeID != out[j].Node.NodeID {
			return out[i].Node.NodeID < out[j].Node.NodeID
		}
		return out[i].Edge.Relation < out[j].Edge.Relation
	})
	return out, nil
}

// Traverse runs BFS from the start nodes. Each reachable node appears once,
// with the first (shortest) path that reached it; nodes at equal depth are
// visited in lexicographic order so results are deterministic.
func (g *Graph) Traverse(ctx context.Context, owner string, req TraverseRequest) ([]TraversalHit, error) {
	if len(req.StartIDs) == 0 {
		return nil, kerrors.NewValidationError("start_ids must not be empty", nil)
	}
	direction, err := normalizeDirection(req.Direction)
	if err != nil {
		return nil, err
	}
	depth := req.MaxDepth
	if depth <= 0 || depth > MaxDepth {
		depth = MaxDepth
	}
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	relations := map[string]struct{}{}
	for _, r := range req.Relations {
		relations[r] = struct{}{}
	}

	type frontier struct {
		nodeID    string
		depth     int
		path      []string
		relations []string
		weight    float64
	}

	visited := map[string]struct{}{}
	var hits []TraversalHit
	var queue []frontier

	starts := append([]string(nil), req.StartIDs...)
	sort.Strings(starts)
	for _, start := range starts {
		if _, err := g.findNode(ctx, owner, start); err != nil {
			return nil, err
		}
		if _, seen := visited[start]; seen {
			continue
		}
		visited[start] = struct{}{}
		queue = append(queue, frontier{nodeID: start, path: []string{start}})
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= depth {
			continue
		}

		neighbors, err := g.adjacent(ctx, owner, cur.nodeID, direction)
		if err != nil {
			return nil, err
		}
		sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].nodeID < neighbors[j].nodeID })

		for _, next := range neighbors {
			if len(relations) > 0 {
				if _, ok := relations[next.edge.Relation]; !ok {
					continue
				}
			}
			if !next.edge.activeAt(asOf) {
				continue
			}
			if _, seen := visited[next.nodeID]; seen {
				continue
			}
			visited[next.nodeID] = struct{}{}

			node, err := g.findNode(ctx, owner, next.nodeID)
			if err != nil {
				continue
			}
			path := append(append([]string(nil), cur.path...), next.nodeID)
			rels := append(append([]string(nil), cur.relations...), next.edge.Relation)
			weight := cur.weight + next.edge.Weight
			hits = append(hits, TraversalHit{
				Node:      node,
				Depth:     cur.depth + 1,
				Path:      path,
				Relations: rels,
				Weight:    weight,
			})
			queue = append(queue, frontier{
				nodeID:    next.nodeID,
				depth:     cur.depth + 1,
				path:      path,
				relations: rels,
				weight:    weight,
			})
		}
	}
	return hits, nil
}

// RemoveNode deletes the node and every edge touching it.
func (g *Graph) RemoveNode(ctx context.Context, owner, nodeID string) error {
	unlock := g.lockOwner(owner)
	defer unlock()

	node, err := g.findNode(ctx, owner, nodeID)
	if err != nil {
		return err
	}
	for _, col := range []string{"src", "dst"} {
		edges, err := g.edgesFrom(ctx, owner, col, nodeID, "")
		if err != nil {
			return err
		}
		for _, e := range edges {
			if err := g.backend.Delete(ctx, storage.TableGraphEdges, e.ID); err != nil && !kerrors.IsNotFound(err) {
				return err
			}
		}
	}
	return g.backend.Delete(ctx, storage.TableGraphNodes, node.ID)
}

// RemoveEdge deletes the edge (src, dst, relation).
func (g *Graph) RemoveEdge(ctx context.Context, owner, src, dst, relation string) error {
	unlock := g.lockOwner(owner)
	defer unlock()

	edge, err := g.findEdge(ctx, owner, src, dst, relation)
	if err != nil {
		return err
	}
	return g.backend.Delete(ctx, storage.TableGraphEdges, edge.ID)
}

type adjacency struct {
	nodeID string
	edge   *Edge
}

func (g *Graph) adjacent(ctx context.Context, owner, nodeID, direction string) ([]adjacency, error) {
	var out []adjacency
	if direction != DirectionIn {
		edges, err := g.edgesFrom(ctx, owner, "src", nodeID, "")
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			out = append(out, adjacency{nodeID: e.Dst, edge: e})
		}
	}
	if direction != DirectionOut {
		edges, err := g.edgesFrom(ctx, owner, "dst", nodeID, "")
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			out = append(out, adjacency{nodeID: e.Src, edge: e})
		}
	}
	return out, nil
}

func (g *Graph) findNode(ctx context.Context, owner, nodeID string) (*Node, error) {
	rows, err := g.backend.Query(ctx, storage.TableGraphNodes, storage.Query{
		Predicate: storage.And(
			storage.Eq("owner_user_id", owner),
			storage.Eq("node_id", nodeID),
		),
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, kerrors.NewNotFoundError("graph node not found: "+nodeID, nil)
	}
	return nodeFromRow(rows[0]), nil
}

func (g *Graph) findEdge(ctx context.Context, owner, src, dst, relation string) (*Edge, error) {
	rows, err := g.backend.Query(ctx, storage.TableGraphEdges, storage.Query{
		Predicate: storage.And(
			storage.Eq("owner_user_id", owner),
			storage.Eq("src", src),
			storage.Eq("dst", dst),
			storage.Eq("relation", relation),
		),
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, kerrors.NewNotFoundError("graph edge not found", nil)
	}
	return edgeFromRow(rows[0]), nil
}

func (g *Graph) edgesFrom(ctx context.Context, owner, col, nodeID, relation string) ([]*Edge, error) {
	preds := []storage.Predicate{
		storage.Eq("owner_user_id", owner),
		storage.Eq(col, nodeID),
	}
	if relation != "" {
		preds = append(preds, storage.Eq("relation", relation))
	}
	rows, err := g.backend.Query(ctx, storage.TableGraphEdges, storage.Query{
		Predicate: storage.And(preds...),
		OrderBy:   []storage.Order{storage.Asc("id")},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Edge, 0, len(rows))
	for _, row := range rows {
		out = append(out, edgeFromRow(row))
	}
	return out, nil
}

func normalizeDirection(direction string) (string, error) {
	switch direction {
	case "":
		return DirectionOut, nil
	case DirectionOut, DirectionIn, DirectionBoth:
		return direction, nil
	default:
		return "", kerrors.NewValidationError("direction must be out, in, or both", nil)
	}
}

func nodeFromRow(row storage.Row) *Node {
	return &Node{
		ID:          row.String("id"),
		OwnerUserID: row.String("owner_user_id"),
		NodeID:      row.String("node_id"),
		Type:        row.String("type"),
		MemoryID:    row.String("memory_id"),
		Attrs:       row.Map("attrs"),
		CreatedAt:   row.Time("created_at"),
		UpdatedAt:   row.Time("updated_at"),
	}
}

func edgeFromRow(row storage.Row) *Edge {
	return &Edge{
		ID:          row.String("id"),
		OwnerUserID: row.String("owner_user_id"),
		Src:         row.String("src"),
		Dst:         row.String("dst"),
		Relation:    row.String("relation"),
		Weight:      row.Float64("weight"),
		ValidFrom:   row.TimePtr("valid_from"),
		ValidUntil:  row.TimePtr("valid_until"),
		Attrs:       row.Map("attrs"),
		CreatedAt:   row.Time("created_at"),
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timePtrValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
