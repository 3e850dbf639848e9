// Package chromem implements the embedded vector index on chromem-go: one
// chromem collection per (owner, logical name), cosine similarity, optional
// persistence under the data directory.
package chromem

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"

	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/logger"
	"github.com/JFK/kagura-ai-sub007/pkg/vector"
)

// Metadata keys used to carry filterable memory attributes on each document.
// Tags are stored twice: one joined key for reconstruction and one marker
// key per tag so chromem's equality-only where filters can match them.
const (
	metaAgent      = "agent_name"
	metaScope      = "scope"
	metaKind       = "kind"
	metaImportance = "importance"
	metaTags       = "tags"
	tagKeyPrefix   = "tag:"
	tagSeparator   = "\x1f"
)

// Index is the embedded vector index implementation.
type Index struct {
	db *chromem.DB

	mu   sync.Mutex
	dims map[string]int
}

var _ vector.Index = (*Index)(nil)

// New creates the embedded index. A non-empty persistPath makes collections
// durable across restarts; empty keeps them in memory only.
func New(persistPath string) (*Index, error) {
	var db *chromem.DB
	var err error
	if persistPath != "" {
		db, err = chromem.NewPersistentDB(persistPath, false)
		if err != nil {
			return nil, kerrors.NewDependencyUnavailableError("opening chromem database", err)
		}
		logger.Debugf("embedded vector index persisting to %s", persistPath)
	} else {
		db = chromem.NewDB()
	}
	return &Index{db: db, dims: make(map[string]int)}, nil
}

// noEmbed guards against chromem computing embeddings itself; every document
// arrives with a precomputed vector.
func noEmbed(_ context.Context, _ string) ([]float32, error) {
	return nil, fmt.Errorf("embeddings are precomputed; no embedding function available")
}

// EnsureCollection creates the collection when absent and records its
// dimension.
func (x *Index) EnsureCollection(_ context.Context, owner, name string, dim int) error {
	if dim <= 0 {
		return kerrors.NewValidationError("collection dimension must be positive", nil)
	}
	coll := vector.CollectionName(owner, name)

	x.mu.Lock()
	defer x.mu.Unlock()
	if existing, ok := x.dims[coll]; ok {
		if existing != dim {
			return kerrors.NewConflictError(
				fmt.Sprintf("collection %s has dimension %d, requested %d", coll, existing, dim), nil)
		}
		return nil
	}
	if _, err := x.db.GetOrCreateCollection(coll, nil, noEmbed); err != nil {
		return kerrors.NewInternalError("creating collection", err)
	}
	x.dims[coll] = dim
	return nil
}

// Upsert writes the document. chromem keys documents by id, so re-adding
// replaces the previous version.
func (x *Index) Upsert(ctx context.Context, owner, name string, doc vector.Document) error {
	coll, dim, err := x.collection(owner, name)
	if err != nil {
		return err
	}
	if dim > 0 && len(doc.Vector) != dim {
		return kerrors.NewValidationError(
			fmt.Sprintf("vector dimension %d does not match collection dimension %d", len(doc.Vector), dim), nil)
	}

	meta := map[string]string{
		metaAgent:      doc.AgentName,
		metaScope:      doc.Scope,
		metaKind:       doc.Kind,
		metaImportance: strconv.FormatFloat(doc.Importance, 'f', -1, 64),
		metaTags:       strings.Join(doc.Tags, tagSeparator),
	}
	for _, tag := range doc.Tags {
		meta[tagKeyPrefix+tag] = "1"
	}

	err = coll.AddDocument(ctx, chromem.Document{
		ID:        doc.ID,
		Metadata:  meta,
		Embedding: doc.Vector,
		Content:   doc.ID,
	})
	if err != nil {
		return kerrors.NewDependencyUnavailableError("upserting document", err)
	}
	return nil
}

// Query returns up to k nearest neighbors matching the filter, best first.
// Equality attributes are pushed into chromem's where filter; tags and
// importance bounds are evaluated on the over-fetched result.
func (x *Index) Query(
	ctx context.Context, owner, name string, vec []float32, k int, filter vector.Filter,
) ([]vector.Match, error) {
	if k <= 0 {
		return nil, nil
	}
	coll, dim, err := x.collection(owner, name)
	if err != nil {
		if kerrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if dim > 0 && len(vec) != dim {
		return nil, kerrors.NewValidationError(
			fmt.Sprintf("query dimension %d does not match collection dimension %d", len(vec), dim), nil)
	}

	total := coll.Count()
	if total == 0 {
		return nil, nil
	}
	// Over-fetch so post-filters do not starve the result, clamped to the
	// collection size as chromem requires.
	n := k * 4
	if needsPostFilter(filter) {
		n = total
	}
	if n > total {
		n = total
	}

	results, err := coll.QueryEmbedding(ctx, vec, n, pushableWhere(filter), nil)
	if err != nil {
		return nil, kerrors.NewDependencyUnavailableError("querying collection", err)
	}

	out := make([]vector.Match, 0, k)
	for _, res := range results {
		if !filter.Matches(docFromMetadata(res.ID, res.Metadata)) {
			continue
		}
		out = append(out, vector.Match{ID: res.ID, Score: clampScore(float64(res.Similarity))})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// Delete removes the documents with the given ids.
func (x *Index) Delete(ctx context.Context, owner, name string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	coll, _, err := x.collection(owner, name)
	if err != nil {
		if kerrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := coll.Delete(ctx, nil, nil, ids...); err != nil {
		// chromem reports unknown ids as an error; absent ids are fine here.
		logger.Debugw("vector delete skipped", "error", err)
	}
	return nil
}

// DeleteWhere removes every document matching the filter. Importance bounds
// are not expressible on this backend and no write path uses them for
// deletion.
func (x *Index) DeleteWhere(ctx context.Context, owner, name string, filter vector.Filter) error {
	if filter.ImportanceMin != nil || filter.ImportanceMax != nil {
		return kerrors.NewValidationError("importance bounds are not supported for deletes on the embedded index", nil)
	}
	coll, _, err := x.collection(owner, name)
	if err != nil {
		if kerrors.IsNotFound(err) {
			return nil
		}
		return err
	}

	where := pushableWhere(filter)
	if len(filter.Tags) == 0 {
		if err := coll.Delete(ctx, where, nil); err != nil {
			return kerrors.NewDependencyUnavailableError("deleting documents", err)
		}
		return nil
	}
	// Tags-any becomes one equality delete per tag marker key.
	for _, tag := range filter.Tags {
		tagWhere := make(map[string]string, len(where)+1)
		for k, v := range where {
			tagWhere[k] = v
		}
		tagWhere[tagKeyPrefix+tag] = "1"
		if err := coll.Delete(ctx, tagWhere, nil); err != nil {
			return kerrors.NewDependencyUnavailableError("deleting documents", err)
		}
	}
	return nil
}

// Count returns the number of documents in the collection.
func (x *Index) Count(_ context.Context, owner, name string) (int64, error) {
	coll, _, err := x.collection(owner, name)
	if err != nil {
		if kerrors.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return int64(coll.Count()), nil
}

// Ping always succeeds for the embedded index.
func (*Index) Ping(_ context.Context) error { return nil }

// Close is a no-op; chromem persists on write.
func (*Index) Close() error { return nil }

func (x *Index) collection(owner, name string) (*chromem.Collection, int, error) {
	collName := vector.CollectionName(owner, name)
	coll := x.db.GetCollection(collName, noEmbed)
	if coll == nil {
		return nil, 0, kerrors.NewNotFoundError("collection "+collName+" does not exist", nil)
	}
	x.mu.Lock()
	dim := x.dims[collName]
	x.mu.Unlock()
	return coll, dim, nil
}

// pushableWhere renders the equality attributes chromem can filter natively.
func pushableWhere(f vector.Filter) map[string]string {
	where := make(map[string]string)
	if f.AgentName != "" {
		where[metaAgent] = f.AgentName
	}
	if f.Scope != "" {
		where[metaScope] = f.Scope
	}
	if f.Kind != "" {
		where[metaKind] = f.Kind
	}
	if len(where) == 0 {
		return nil
	}
	return where
}

// needsPostFilter reports whether the filter has clauses chromem cannot
// evaluate natively.
func needsPostFilter(f vector.Filter) bool {
	return len(f.Tags) > 0 || f.ImportanceMin != nil || f.ImportanceMax != nil
}

func docFromMetadata(id string, meta map[string]string) vector.Document {
	doc := vector.Document{
		ID:        id,
		AgentName: meta[metaAgent],
		Scope:     meta[metaScope],
		Kind:      meta[metaKind],
	}
	if v, err := strconv.ParseFloat(meta[metaImportance], 64); err == nil {
		doc.Importance = v
	}
	if joined := meta[metaTags]; joined != "" {
		doc.Tags = strings.Split(joined, tagSeparator)
	}
	return doc
}

// clampScore keeps cosine similarity inside [0,1]. chromem already maps
// cosine onto that range; this guards against float drift at the edges.
func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
