// Package retrieval implements hybrid memory search: lexical full-text and
// vector nearest-neighbor candidates fetched in parallel, fused with
// reciprocal-rank fusion, post-filtered, optionally reranked, and returned
// with deterministic ordering.
package retrieval

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/JFK/kagura-ai-sub007/pkg/embeddings"
	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/logger"
	"github.com/JFK/kagura-ai-sub007/pkg/memory"
	"github.com/JFK/kagura-ai-sub007/pkg/storage"
	"github.com/JFK/kagura-ai-sub007/pkg/vector"
)

// Search modes.
const (
	ModeVector  = "vector"
	ModeLexical = "lexical"
	ModeHybrid  = "hybrid"
)

// Result origins.
const (
	OriginLexical = "lexical"
	OriginVector  = "vector"
	OriginRerank  = "rerank"
)

const (
	// maxK caps the requested result count.
	maxK = 100
	// maxCandidates caps each candidate list regardless of k.
	maxCandidates = 200
	// previewLen is the value preview length in SearchIDs results.
	previewLen = 120
)

// SearchRequest is one search call. TargetUserID redirects the search into
// another user's space; it is honored only when the caller is an admin, and
// the API and tool layers enforce that before reaching here.
type SearchRequest struct {
	QueryText    string        `json:"query_text"`
	Filter       memory.Filter `json:"filter"`
	K            int           `json:"k"`
	Mode         string        `json:"mode,omitempty"`
	Rerank       bool          `json:"rerank,omitempty"`
	MarkAsRead   bool          `json:"mark_as_read,omitempty"`
	TargetUserID string        `json:"target_user_id,omitempty"`
}

// Result is one scored search hit.
type Result struct {
	Record  *memory.Record `json:"record"`
	Score   float64        `json:"score"`
	Origins []string       `json:"origins"`
}

// IDResult is one hit of the id-only variant.
type IDResult struct {
	ID        string   `json:"id"`
	AgentName string   `json:"agent_name"`
	Key       string   `json:"key"`
	Preview   string   `json:"preview"`
	Score     float64  `json:"score"`
	Origins   []string `json:"origins"`
}

// Engine runs hybrid searches for one deployment.
type Engine struct {
	backend  storage.Backend
	index    vector.Index
	gateway  *embeddings.Gateway
	memories *memory.Store
	rrfC     int
}

// NewEngine wires the engine. rrfC is the reciprocal-rank fusion constant;
// non-positive uses 60.
func NewEngine(backend storage.Backend, index vector.Index, gateway *embeddings.Gateway, memories *memory.Store, rrfC int) *Engine {
	if rrfC <= 0 {
		rrfC = 60
	}
	return &Engine{backend: backend, index: index, gateway: gateway, memories: memories, rrfC: rrfC}
}

// Search returns the owner's top-k memories for the request.
func (e *Engine) Search(ctx context.Context, owner string, req SearchRequest) ([]Result, error) {
	if req.TargetUserID != "" {
		owner = req.TargetUserID
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeHybrid
	}
	if mode != ModeVector && mode != ModeLexical && mode != ModeHybrid {
		return nil, kerrors.NewValidationError("mode must be vector, lexical, or hybrid", nil)
	}
	if req.K < 0 {
		return nil, kerrors.NewValidationError("k must not be negative", nil)
	}
	if req.K == 0 {
		// No results requested: no vector or embedding call either.
		return []Result{}, nil
	}
	k := req.K
	if k > maxK {
		k = maxK
	}

	if req.QueryText == "" {
		return e.filterOnly(ctx, owner, req.Filter, k, req.MarkAsRead)
	}

	kCand := 4 * k
	if kCand > maxCandidates {
		kCand = maxCandidates
	}

	var lexical []storage.ScoredID
	var vectorHits []vector.Match
	g, gctx := errgroup.WithContext(ctx)

	if mode != ModeVector {
		g.Go(func() error {
			var err error
			lexical, err = e.backend.SearchText(gctx, storage.TextQuery{
				Text:   req.QueryText,
				Filter: lexicalPredicate(owner, req.Filter),
				Limit:  kCand,
			})
			return err
		})
	}
	if mode != ModeLexical {
		g.Go(func() error {
			vec, err := e.gateway.EmbedOne(gctx, req.QueryText)
			if err != nil {
				return err
			}
			vectorHits, err = e.index.Query(gctx, owner, memory.Collection, vec, kCand, vectorFilter(req.Filter))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := e.fuse(lexical, vectorHits)
	results, err := e.hydrate(ctx, owner, fused, req.Filter)
	if err != nil {
		return nil, err
	}

	if req.Rerank && len(results) > 0 {
		limit := 4 * k
		if limit > 50 {
			limit = 50
		}
		if limit > len(results) {
			limit = len(results)
		}
		results = e.rerank(ctx, req.QueryText, results, limit)
	} else {
		sortResults(results)
	}
	if len(results) > k {
		results = results[:k]
	}
	if req.MarkAsRead {
		e.markRead(results)
	}
	return results, nil
}

// SearchIDs is Search without record bodies: ids, previews, and scores.
func (e *Engine) SearchIDs(ctx context.Context, owner string, req SearchRequest) ([]IDResult, error) {
	results, err := e.Search(ctx, owner, req)
	if err != nil {
		return nil, err
	}
	out := make([]IDResult, 0, len(results))
	for _, r := range results {
		out = append(out, IDResult{
			ID:        r.Record.ID,
			AgentName: r.Record.AgentName,
			Key:       r.Record.Key,
			Preview:   memory.Preview(r.Record.Value, previewLen),
			Score:     r.Score,
			Origins:   r.Origins,
		})
	}
	return out, nil
}

// filterOnly serves empty-query searches as a listing ordered by importance
// then recency. No embedding or vector call is made.
func (e *Engine) filterOnly(ctx context.Context, owner string, f memory.Filter, k int, markRead bool) ([]Result, error) {
	rows, err := e.backend.Query(ctx, storage.TableMemories, storage.Query{
		Predicate: lexicalPredicate(owner, f),
		OrderBy: []storage.Order{
			storage.Desc("importance"),
			storage.Desc("updated_at"),
			storage.Asc("key"),
		},
		Limit: k,
	})
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(rows))
	for _, row := range rows {
		rec, err := e.memories.GetByID(ctx, owner, row.String("id"))
		if err != nil {
			continue
		}
		results = append(results, Result{Record: rec, Origins: []string{}})
	}
	if markRead {
		e.markRead(results)
	}
	return results, nil
}

type fusedCandidate struct {
	id      string
	score   float64
	origins []string
}

// fuse merges the candidate lists with reciprocal-rank fusion: each list
// contributes 1/(c+rank) for every id it carries.
func (e *Engine) fuse(lexical []storage.ScoredID, vectorHits []vector.Match) []fusedCandidate {
	c := float64(e.rrfC)
	byID := map[string]*fusedCandidate{}
	add := func(id, origin string, rank int) {
		cand, ok := byID[id]
		if !ok {
			cand = &fusedCandidate{id: id}
			byID[id] = cand
		}
		cand.score += 1 / (c + float64(rank+1))
		cand.origins = append(cand.origins, origin)
	}
	for rank, hit := range lexical {
		add(hit.ID, OriginLexical, rank)
	}
	for rank, hit := range vectorHits {
		add(hit.ID, OriginVector, rank)
	}

	out := make([]fusedCandidate, 0, len(byID))
	for _, cand := range byID {
		out = append(out, *cand)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	return out
}

// hydrate loads candidate records and applies the post-filters in-process.
// Candidates deleted since the index was queried drop out here.
func (e *Engine) hydrate(ctx context.Context, owner string, cands []fusedCandidate, f memory.Filter) ([]Result, error) {
	results := make([]Result, 0, len(cands))
	for _, cand := range cands {
		rec, err := e.memories.GetByID(ctx, owner, cand.id)
		if err != nil {
			if kerrors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if !matchesFilter(rec, f) {
			continue
		}
		results = append(results, Result{Record: rec, Score: cand.score, Origins: cand.origins})
	}
	return results, nil
}

// rerank rescores the top candidates by query relevance. Rerank failures
// fall back to the fused ordering; search never fails on the reranker.
func (e *Engine) rerank(ctx context.Context, query string, results []Result, limit int) []Result {
	candidates := make([]string, limit)
	for i := 0; i < limit; i++ {
		candidates[i] = results[i].Record.Value
	}
	ranked, err := e.gateway.Rerank(ctx, query, candidates)
	if err != nil {
		logger.Warnw("rerank failed, keeping fused order", "error", err)
		sortResults(results)
		return results
	}
	for _, rr := range ranked {
		results[rr.Index].Score = rr.Score
		results[rr.Index].Origins = append(results[rr.Index].Origins, OriginRerank)
	}
	// Reranker scores and fusion scores are not on the same scale: the
	// reranked head is reordered among itself and stays ahead of the
	// un-reranked tail, which keeps its fused order.
	sortResults(results[:limit])
	return results
}

func (e *Engine) markRead(results []Result) {
	recs := make([]*memory.Record, 0, len(results))
	for _, r := range results {
		recs = append(recs, r.Record)
	}
	e.memories.MarkAccessed(recs...)
}

// sortResults orders by score, then importance, then recency, then key, so
// equal inputs always produce identical output order.
func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Record.Importance != b.Record.Importance {
			return a.Record.Importance > b.Record.Importance
		}
		if !a.Record.UpdatedAt.Equal(b.Record.UpdatedAt) {
			return a.Record.UpdatedAt.After(b.Record.UpdatedAt)
		}
		return a.Record.Key < b.Record.Key
	})
}

func lexicalPredicate(owner string, f memory.Filter) storage.Predicate {
	preds := []storage.Predicate{storage.Eq("owner_user_id", owner)}
	if f.AgentName != "" {
		preds = append(preds, storage.Eq("agent_name", f.AgentName))
	}
	if f.Scope != "" {
		preds = append(preds, storage.Eq("scope", f.Scope))
	}
	if f.Kind != "" {
		preds = append(preds, storage.Eq("kind", f.Kind))
	}
	if tags := memory.NormalizeTags(f.Tags); len(tags) > 0 {
		preds = append(preds, storage.TagsAny("tags", tags...))
	}
	if f.ImportanceMin != nil {
		preds = append(preds, storage.Gte("importance", *f.ImportanceMin))
	}
	if f.ImportanceMax != nil {
		preds = append(preds, storage.Lte("importance", *f.ImportanceMax))
	}
	return storage.And(preds...)
}

func vectorFilter(f memory.Filter) vector.Filter {
	return vector.Filter{
		AgentName:     f.AgentName,
		Scope:         f.Scope,
		Kind:          f.Kind,
		Tags:          memory.NormalizeTags(f.Tags),
		ImportanceMin: f.ImportanceMin,
		ImportanceMax: f.ImportanceMax,
	}
}

func matchesFilter(rec *memory.Record, f memory.Filter) bool {
	if f.AgentName != "" && rec.AgentName != f.AgentName {
		return false
	}
	if f.Scope != "" && rec.Scope != f.Scope {
		return false
	}
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	if f.ImportanceMin != nil && rec.Importance < *f.ImportanceMin {
		return false
	}
	if f.ImportanceMax != nil && rec.Importance > *f.ImportanceMax {
		return false
	}
	if tags := memory.NormalizeTags(f.Tags); len(tags) > 0 {
		found := false
		for _, want := range tags {
			for _, have := range rec.Tags {
				if want == have {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
