// Package milvus implements the networked vector index on a Milvus server.
// Outbound calls share a weighted semaphore so a burst of searches cannot
// exhaust the server's connection budget; excess requests wait, bounded by
// their context deadline.
package milvus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	milvusclient "github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"golang.org/x/sync/semaphore"

	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/vector"
)

// Schema field names.
const (
	fieldID         = "id"
	fieldVector     = "vector"
	fieldAgent      = "agent_name"
	fieldScope      = "scope"
	fieldKind       = "kind"
	fieldTags       = "tags"
	fieldImportance = "importance"

	maxIDLength   = 256
	maxAttrLength = 512

	// hnswEf is the search-time candidate list size.
	hnswEf = 64
)

// Index is the networked vector index implementation.
type Index struct {
	client milvusclient.Client
	sem    *semaphore.Weighted
}

var _ vector.Index = (*Index)(nil)

// New connects to the Milvus server at addr. maxConcurrent caps in-flight
// outbound calls; non-positive defaults to 8.
func New(ctx context.Context, addr string, maxConcurrent int) (*Index, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	c, err := milvusclient.NewClient(ctx, milvusclient.Config{Address: addr})
	if err != nil {
		return nil, kerrors.NewDependencyUnavailableError("connecting to milvus", err)
	}
	return &Index{client: c, sem: semaphore.NewWeighted(int64(maxConcurrent))}, nil
}

// acquire blocks until an outbound slot is free or the context expires.
func (x *Index) acquire(ctx context.Context) (release func(), err error) {
	if err := x.sem.Acquire(ctx, 1); err != nil {
		return nil, kerrors.NewTimeoutError("waiting for vector client slot", err)
	}
	return func() { x.sem.Release(1) }, nil
}

// EnsureCollection creates the collection with an HNSW cosine index when
// absent. An existing collection with a different dimension is a conflict.
func (x *Index) EnsureCollection(ctx context.Context, owner, name string, dim int) error {
	if dim <= 0 {
		return kerrors.NewValidationError("collection dimension must be positive", nil)
	}
	release, err := x.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	coll := vector.CollectionName(owner, name)
	has, err := x.client.HasCollection(ctx, coll)
	if err != nil {
		return kerrors.NewDependencyUnavailableError("checking collection", err)
	}
	if has {
		desc, err := x.client.DescribeCollection(ctx, coll)
		if err != nil {
			return kerrors.NewDependencyUnavailableError("describing collection", err)
		}
		existing := collectionDim(desc.Schema)
		if existing != 0 && existing != dim {
			return kerrors.NewConflictError(
				fmt.Sprintf("collection %s has dimension %d, requested %d", coll, existing, dim), nil)
		}
		return nil
	}

	schema := entity.NewSchema().WithName(coll).
		WithField(entity.NewField().WithName(fieldID).
			WithDataType(entity.FieldTypeVarChar).WithMaxLength(maxIDLength).WithIsPrimaryKey(true)).
		WithField(entity.NewField().WithName(fieldVector).
			WithDataType(entity.FieldTypeFloatVector).WithDim(int64(dim))).
		WithField(entity.NewField().WithName(fieldAgent).
			WithDataType(entity.FieldTypeVarChar).WithMaxLength(maxAttrLength)).
		WithField(entity.NewField().WithName(fieldScope).
			WithDataType(entity.FieldTypeVarChar).WithMaxLength(maxAttrLength)).
		WithField(entity.NewField().WithName(fieldKind).
			WithDataType(entity.FieldTypeVarChar).WithMaxLength(maxAttrLength)).
		WithField(entity.NewField().WithName(fieldTags).
			WithDataType(entity.FieldTypeJSON)).
		WithField(entity.NewField().WithName(fieldImportance).
			WithDataType(entity.FieldTypeDouble))

	if err := x.client.CreateCollection(ctx, schema, 1); err != nil {
		return kerrors.NewDependencyUnavailableError("creating collection", err)
	}

	idx, err := entity.NewIndexHNSW(entity.COSINE, 16, 200)
	if err != nil {
		return kerrors.NewInternalError("building index definition", err)
	}
	if err := x.client.CreateIndex(ctx, coll, fieldVector, idx, false); err != nil {
		return kerrors.NewDependencyUnavailableError("creating vector index", err)
	}
	if err := x.client.LoadCollection(ctx, coll, false); err != nil {
		return kerrors.NewDependencyUnavailableError("loading collection", err)
	}
	return nil
}

// Upsert writes the document.
func (x *Index) Upsert(ctx context.Context, owner, name string, doc vector.Document) error {
	release, err := x.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	coll := vector.CollectionName(owner, name)
	desc, err := x.client.DescribeCollection(ctx, coll)
	if err != nil {
		return kerrors.NewNotFoundError("collection "+coll+" does not exist", err)
	}
	if dim := collectionDim(desc.Schema); dim != 0 && len(doc.Vector) != dim {
		return kerrors.NewValidationError(
			fmt.Sprintf("vector dimension %d does not match collection dimension %d", len(doc.Vector), dim), nil)
	}

	tags, err := storageTags(doc.Tags)
	if err != nil {
		return err
	}
	columns := []entity.Column{
		entity.NewColumnVarChar(fieldID, []string{doc.ID}),
		entity.NewColumnFloatVector(fieldVector, len(doc.Vector), [][]float32{doc.Vector}),
		entity.NewColumnVarChar(fieldAgent, []string{doc.AgentName}),
		entity.NewColumnVarChar(fieldScope, []string{doc.Scope}),
		entity.NewColumnVarChar(fieldKind, []string{doc.Kind}),
		entity.NewColumnJSONBytes(fieldTags, [][]byte{tags}),
		entity.NewColumnDouble(fieldImportance, []float64{doc.Importance}),
	}
	if _, err := x.client.Upsert(ctx, coll, "", columns...); err != nil {
		return kerrors.NewDependencyUnavailableError("upserting document", err)
	}
	return nil
}

// Query returns up to k nearest neighbors matching the filter, best first.
func (x *Index) Query(
	ctx context.Context, owner, name string, vec []float32, k int, filter vector.Filter,
) ([]vector.Match, error) {
	if k <= 0 {
		return nil, nil
	}
	release, err := x.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	coll := vector.CollectionName(owner, name)
	sp, err := entity.NewIndexHNSWSearchParam(hnswEf)
	if err != nil {
		return nil, kerrors.NewInternalError("building search params", err)
	}

	results, err := x.client.Search(
		ctx, coll, nil, filterExpr(filter), []string{fieldID},
		[]entity.Vector{entity.FloatVector(vec)}, fieldVector,
		entity.COSINE, k, sp,
	)
	if err != nil {
		return nil, kerrors.NewDependencyUnavailableError("searching collection", err)
	}

	var out []vector.Match
	for _, res := range results {
		idCol, ok := res.IDs.(*entity.ColumnVarChar)
		if !ok {
			return nil, kerrors.NewInternalError("unexpected id column type", nil)
		}
		for i, id := range idCol.Data() {
			out = append(out, vector.Match{ID: id, Score: clampScore(float64(res.Scores[i]))})
		}
	}
	return out, nil
}

// Delete removes the documents with the given ids.
func (x *Index) Delete(ctx context.Context, owner, name string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	release, err := x.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	coll := vector.CollectionName(owner, name)
	expr := fieldID + " in [" + quoteJoin(ids) + "]"
	if err := x.client.Delete(ctx, coll, "", expr); err != nil {
		return kerrors.NewDependencyUnavailableError("deleting documents", err)
	}
	return nil
}

// DeleteWhere removes every document matching the filter.
func (x *Index) DeleteWhere(ctx context.Context, owner, name string, filter vector.Filter) error {
	release, err := x.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	coll := vector.CollectionName(owner, name)
	expr := filterExpr(filter)
	if expr == "" {
		// Milvus rejects an unbounded delete expression.
		expr = fieldID + ` != ""`
	}
	if err := x.client.Delete(ctx, coll, "", expr); err != nil {
		return kerrors.NewDependencyUnavailableError("deleting documents", err)
	}
	return nil
}

// Count returns the number of documents in the collection.
func (x *Index) Count(ctx context.Context, owner, name string) (int64, error) {
	release, err := x.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	coll := vector.CollectionName(owner, name)
	stats, err := x.client.GetCollectionStatistics(ctx, coll)
	if err != nil {
		return 0, kerrors.NewDependencyUnavailableError("reading collection statistics", err)
	}
	var n int64
	if _, err := fmt.Sscanf(stats["row_count"], "%d", &n); err != nil {
		return 0, kerrors.NewInternalError("parsing row count", err)
	}
	return n, nil
}

// Ping reports whether the server is reachable.
func (x *Index) Ping(ctx context.Context) error {
	if _, err := x.client.CheckHealth(ctx); err != nil {
		return kerrors.NewDependencyUnavailableError("milvus health check", err)
	}
	return nil
}

// Close releases the client.
func (x *Index) Close() error {
	return x.client.Close()
}

// filterExpr renders the filter as a Milvus boolean expression. An empty
// string means no filtering.
func filterExpr(f vector.Filter) string {
	var clauses []string
	if f.AgentName != "" {
		clauses = append(clauses, fmt.Sprintf("%s == %q", fieldAgent, f.AgentName))
	}
	if f.Scope != "" {
		clauses = append(clauses, fmt.Sprintf("%s == %q", fieldScope, f.Scope))
	}
	if f.Kind != "" {
		clauses = append(clauses, fmt.Sprintf("%s == %q", fieldKind, f.Kind))
	}
	if f.ImportanceMin != nil {
		clauses = append(clauses, fmt.Sprintf("%s >= %g", fieldImportance, *f.ImportanceMin))
	}
	if f.ImportanceMax != nil {
		clauses = append(clauses, fmt.Sprintf("%s <= %g", fieldImportance, *f.ImportanceMax))
	}
	if len(f.Tags) > 0 {
		clauses = append(clauses, fmt.Sprintf("json_contains_any(%s, [%s])", fieldTags, quoteJoin(f.Tags)))
	}
	return strings.Join(clauses, " and ")
}

func quoteJoin(vals []string) string {
	quoted := make([]string, len(vals))
	for i, v := range vals {
		quoted[i] = fmt.Sprintf("%q", v)
	}
	return strings.Join(quoted, ", ")
}

func storageTags(tags []string) ([]byte, error) {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return nil, kerrors.NewValidationError("encoding tags", err)
	}
	return data, nil
}

func collectionDim(schema *entity.Schema) int {
	if schema == nil {
		return 0
	}
	for _, f := range schema.Fields {
		if f.Name == fieldVector {
			if d, ok := f.TypeParams[entity.TypeParamDim]; ok {
				var dim int
				if _, err := fmt.Sscanf(d, "%d", &dim); err == nil {
					return dim
				}
			}
		}
	}
	return 0
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
