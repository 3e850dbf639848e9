package memory

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/JFK/kagura-ai-sub007/pkg/cache"
	"github.com/JFK/kagura-ai-sub007/pkg/embeddings"
	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/logger"
	"github.com/JFK/kagura-ai-sub007/pkg/storage"
	"github.com/JFK/kagura-ai-sub007/pkg/vector"
)

// hotCacheTTL bounds read-through hot cache entries. Writes invalidate
// eagerly, so the TTL only limits staleness across replicas.
const hotCacheTTL = 5 * time.Minute

// Store is the memory store. All operations are scoped to one owner; callers
// resolve the principal before reaching this layer.
type Store struct {
	backend storage.Backend
	index   vector.Index
	gateway *embeddings.Gateway
	kv      cache.Cache
	locks   keyMutex

	// ensured tracks owners whose vector collection was created.
	ensured sync.Map
}

// NewStore wires the memory store. kv may be nil to disable the hot cache.
func NewStore(backend storage.Backend, index vector.Index, gateway *embeddings.Gateway, kv cache.Cache) *Store {
	return &Store{backend: backend, index: index, gateway: gateway, kv: kv}
}

// Put creates or replaces the memory at (agent, key) for the owner. On
// vector-index failure the relational write still succeeds and the returned
// error is partial_success with NeedsReindex set on the record.
func (s *Store) Put(ctx context.Context, owner string, req PutRequest) (*Record, error) {
	if err := validatePut(&req); err != nil {
		return nil, err
	}
	if err := s.checkOwner(ctx, owner); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(owner, req.AgentName, req.Key)
	defer unlock()

	wantEmbed := req.ComputeEmbedding != nil && *req.ComputeEmbedding ||
		req.ComputeEmbedding == nil && req.Scope == ScopePersistent

	// Embed before the relational write so a reachable provider indexes
	// inline; failures degrade to needs_reindex, never block the write.
	var vec []float32
	var embedErr error
	if wantEmbed {
		vec, embedErr = s.gateway.EmbedOne(ctx, embeddingText(req.Key, req.Value))
	}

	now := time.Now().UTC()
	rec := &Record{
		OwnerUserID:    owner,
		AgentName:      req.AgentName,
		Key:            req.Key,
		Value:          req.Value,
		Scope:          req.Scope,
		Kind:           req.Kind,
		Importance:     *req.Importance,
		Tags:           req.Tags,
		Metadata:       req.Metadata,
		NeedsReindex:   wantEmbed && embedErr != nil,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
	}

	tx, err := s.backend.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	existing, err := s.findTx(ctx, tx, owner, req.AgentName, req.Key)
	if err != nil && !kerrors.IsNotFound(err) {
		return nil, err
	}
	if existing != nil {
		// Replacement keeps identity and history bookkeeping.
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
		rec.AccessCount = existing.AccessCount
	} else {
		rec.ID = ulid.Make().String()
	}

	row, err := recordRow(rec)
	if err != nil {
		return nil, err
	}
	if err := tx.Upsert(ctx, storage.TableMemories, rec.ID, row); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.invalidateHot(ctx, owner, req.AgentName, req.Key)

	if !wantEmbed {
		// Replacing an embedded record with an unembedded one leaves a
		// stale vector behind; drop it best-effort.
		if existing != nil {
			if err := s.index.Delete(ctx, owner, Collection, rec.ID); err != nil {
				logger.Debugw("stale vector delete failed", "id", rec.ID, "error", err)
			}
		}
		return rec, nil
	}
	if embedErr != nil {
		logger.Warnw("embedding failed, row flagged for reindex", "id", rec.ID, "error", embedErr)
		return rec, kerrors.NewPartialSuccessError("memory stored but not indexed", embedErr)
	}

	if err := s.upsertVector(ctx, owner, rec, vec); err != nil {
		rec.NeedsReindex = true
		if uerr := s.backend.Update(ctx, storage.TableMemories, rec.ID, storage.Row{"needs_reindex": 1}); uerr != nil {
			logger.Errorw("failed to flag row for reindex", "id", rec.ID, "error", uerr)
		}
		s.invalidateHot(ctx, owner, req.AgentName, req.Key)
		logger.Warnw("vector upsert failed, row flagged for reindex", "id", rec.ID, "error", err)
		return rec, kerrors.NewPartialSuccessError("memory stored but not indexed", err)
	}
	return rec, nil
}

// Get returns the memory at (agent, key), bumping access bookkeeping through
// a lighter path that never blocks the read.
func (s *Store) Get(ctx context.Context, owner, agent, key string) (*Record, error) {
	if rec, ok := s.hotGet(ctx, owner, agent, key); ok {
		s.touch(rec)
		return rec, nil
	}

	rec, err := s.find(ctx, owner, agent, key)
	if err != nil {
		return nil, err
	}
	s.hotSet(ctx, rec)
	s.touch(rec)
	return rec, nil
}

// touch bumps access_count and last_accessed_at asynchronously. Lost updates
// under concurrency are acceptable; the counters are advisory.
func (s *Store) touch(rec *Record) {
	rec.AccessCount++
	rec.LastAccessedAt = time.Now().UTC()
	id, count, at := rec.ID, rec.AccessCount, rec.LastAccessedAt
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.backend.Update(ctx, storage.TableMemories, id, storage.Row{
			"access_count":     count,
			"last_accessed_at": at.Format(time.RFC3339Nano),
		})
		if err != nil && !kerrors.IsNotFound(err) {
			logger.Debugw("access bookkeeping failed", "id", id, "error", err)
		}
	}()
}

// MarkAccessed bumps access bookkeeping for records delivered outside Get,
// such as search results with mark_as_read.
func (s *Store) MarkAccessed(recs ...*Record) {
	for _, rec := range recs {
		s.touch(rec)
	}
}

// List returns the owner's memories matching the filter, newest update
// first, plus the total match count for paging.
func (s *Store) List(ctx context.Context, owner string, f Filter, page Page) ([]*Record, int64, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	pred := filterPredicate(owner, f)
	total, err := s.backend.Count(ctx, storage.TableMemories, pred)
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.backend.Query(ctx, storage.TableMemories, storage.Query{
		Predicate: pred,
		OrderBy:   []storage.Order{storage.Desc("updated_at"), storage.Asc("key")},
		Limit:     limit,
		Offset:    page.Offset,
	})
	if err != nil {
		return nil, 0, err
	}
	out := make([]*Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, recordFromRow(row))
	}
	return out, total, nil
}

// Update applies a partial patch to the memory at (agent, key). A changed
// value re-embeds under the same partial-success contract as Put.
func (s *Store) Update(ctx context.Context, owner, agent, key string, patch Patch) (*Record, error) {
	unlock := s.locks.lock(owner, agent, key)
	defer unlock()

	rec, err := s.find(ctx, owner, agent, key)
	if err != nil {
		return nil, err
	}

	valueChanged := false
	if patch.Value != nil && *patch.Value != rec.Value {
		if *patch.Value == "" {
			return nil, kerrors.NewValidationError("value must not be empty", nil)
		}
		if len(*patch.Value) > MaxValueBytes {
			return nil, kerrors.NewValidationError("value exceeds 1 MiB", nil)
		}
		rec.Value = *patch.Value
		valueChanged = true
	}
	if patch.Scope != nil {
		if *patch.Scope != ScopeWorking && *patch.Scope != ScopePersistent {
			return nil, kerrors.NewValidationError("scope must be working or persistent", nil)
		}
		rec.Scope = *patch.Scope
	}
	if patch.Kind != nil {
		if *patch.Kind != KindNormal && *patch.Kind != KindCoding {
			return nil, kerrors.NewValidationError("kind must be normal or coding", nil)
		}
		rec.Kind = *patch.Kind
	}
	if patch.Importance != nil {
		rec.Importance = clampImportance(*patch.Importance)
	}
	if patch.Tags != nil {
		rec.Tags = NormalizeTags(*patch.Tags)
	}
	if patch.Metadata != nil {
		rec.Metadata = *patch.Metadata
	}
	rec.UpdatedAt = time.Now().UTC()

	var vec []float32
	var embedErr error
	reindex := valueChanged && rec.Scope == ScopePersistent
	if reindex {
		vec, embedErr = s.gateway.EmbedOne(ctx, embeddingText(rec.Key, rec.Value))
		rec.NeedsReindex = embedErr != nil
	}

	row, err := recordRow(rec)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Upsert(ctx, storage.TableMemories, rec.ID, row); err != nil {
		return nil, err
	}
	s.invalidateHot(ctx, owner, agent, key)

	// Attribute changes (tags, importance, scope, kind) must reach the
	// index even when the vector itself is unchanged.
	if !reindex {
		if rec.NeedsReindex {
			return rec, nil
		}
		if embedded, verr := s.reindexAttrs(ctx, owner, rec); verr != nil {
			logger.Debugw("vector attribute refresh failed", "id", rec.ID, "error", verr)
		} else if !embedded {
			return rec, nil
		}
		return rec, nil
	}
	if embedErr != nil {
		return rec, kerrors.NewPartialSuccessError("memory updated but not indexed", embedErr)
	}
	if err := s.upsertVector(ctx, owner, rec, vec); err != nil {
		rec.NeedsReindex = true
		if uerr := s.backend.Update(ctx, storage.TableMemories, rec.ID, storage.Row{"needs_reindex": 1}); uerr != nil {
			logger.Errorw("failed to flag row for reindex", "id", rec.ID, "error", uerr)
		}
		s.invalidateHot(ctx, owner, agent, key)
		return rec, kerrors.NewPartialSuccessError("memory updated but not indexed", err)
	}
	return rec, nil
}

// Delete removes the memory at (agent, key). Deleting an absent memory is a
// no-op. The vector delete is best-effort; graph nodes referencing the
// memory keep their identity but lose the reference.
func (s *Store) Delete(ctx context.Context, owner, agent, key string) error {
	unlock := s.locks.lock(owner, agent, key)
	defer unlock()

	rec, err := s.find(ctx, owner, agent, key)
	if kerrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.backend.Delete(ctx, storage.TableMemories, rec.ID); err != nil && !kerrors.IsNotFound(err) {
		return err
	}
	s.invalidateHot(ctx, owner, agent, key)

	if err := s.index.Delete(ctx, owner, Collection, rec.ID); err != nil {
		logger.Debugw("vector delete failed", "id", rec.ID, "error", err)
	}
	s.clearGraphRefs(ctx, owner, rec.ID)
	return nil
}

// Stats aggregates the owner's memories.
func (s *Store) Stats(ctx context.Context, owner string) (*Stats, error) {
	rows, err := s.backend.Query(ctx, storage.TableMemories, storage.Query{
		Predicate: storage.Eq("owner_user_id", owner),
	})
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		ByScope:   map[string]int64{},
		TagCounts: map[string]int64{},
	}
	agents := map[string]struct{}{}
	var importanceSum float64
	for _, row := range rows {
		rec := recordFromRow(row)
		stats.Total++
		stats.ByScope[rec.Scope]++
		stats.TotalBytes += int64(len(rec.Value))
		importanceSum += rec.Importance
		agents[rec.AgentName] = struct{}{}
		for _, tag := range rec.Tags {
			stats.TagCounts[tag]++
		}
		if rec.NeedsReindex {
			stats.NeedsReindex++
		}
	}
	if stats.Total > 0 {
		stats.AvgImportance = importanceSum / float64(stats.Total)
	}
	stats.DistinctAgents = len(agents)
	return stats, nil
}

// GC deletes working-scope memories not accessed within the horizon, across
// all owners. It is idempotent and safe to run concurrently with traffic.
func (s *Store) GC(ctx context.Context, horizon time.Duration) (int64, error) {
	if horizon <= 0 {
		return 0, kerrors.NewValidationError("GC horizon must be positive", nil)
	}
	cutoff := time.Now().UTC().Add(-horizon).Format(time.RFC3339Nano)
	rows, err := s.backend.Query(ctx, storage.TableMemories, storage.Query{
		Predicate: storage.And(
			storage.Eq("scope", ScopeWorking),
			storage.Lt("last_accessed_at", cutoff),
		),
	})
	if err != nil {
		return 0, err
	}

	var removed int64
	for _, row := range rows {
		rec := recordFromRow(row)
		if err := s.backend.Delete(ctx, storage.TableMemories, rec.ID); err != nil {
			if kerrors.IsNotFound(err) {
				continue
			}
			return removed, err
		}
		removed++
		s.invalidateHot(ctx, rec.OwnerUserID, rec.AgentName, rec.Key)
		if err := s.index.Delete(ctx, rec.OwnerUserID, Collection, rec.ID); err != nil {
			logger.Debugw("vector delete failed during GC", "id", rec.ID, "error", err)
		}
		s.clearGraphRefs(ctx, rec.OwnerUserID, rec.ID)
	}
	if removed > 0 {
		logger.Infow("working-memory GC completed", "removed", removed, "horizon", horizon.String())
	}
	return removed, nil
}

// RunPeriodicGC runs GC every interval until the context is canceled.
func (s *Store) RunPeriodicGC(ctx context.Context, interval, horizon time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.GC(ctx, horizon); err != nil && ctx.Err() == nil {
				logger.Errorw("scheduled GC failed", "error", err)
			}
		}
	}
}

// GetByID returns a record by row id, owner-checked. Retrieval uses it to
// hydrate search candidates.
func (s *Store) GetByID(ctx context.Context, owner, id string) (*Record, error) {
	row, err := s.backend.Get(ctx, storage.TableMemories, id)
	if err != nil {
		return nil, err
	}
	rec := recordFromRow(row)
	if rec.OwnerUserID != owner {
		return nil, kerrors.NewNotFoundError("memory not found", nil)
	}
	return rec, nil
}

func (s *Store) checkOwner(ctx context.Context, owner string) error {
	if owner == "" {
		return kerrors.NewValidationError("owner must not be empty", nil)
	}
	if _, err := s.backend.Get(ctx, storage.TableUsers, owner); err != nil {
		if kerrors.IsNotFound(err) {
			return kerrors.NewValidationError("unknown owner", err)
		}
		return err
	}
	return nil
}

func (s *Store) find(ctx context.Context, owner, agent, key string) (*Record, error) {
	rows, err := s.backend.Query(ctx, storage.TableMemories, storage.Query{
		Predicate: naturalKey(owner, agent, key),
		Limit:     1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, kerrors.NewNotFoundError("memory not found", nil)
	}
	return recordFromRow(rows[0]), nil
}

func (s *Store) findTx(ctx context.Context, tx storage.Tx, owner, agent, key string) (*Record, error) {
	rows, err := tx.Query(ctx, storage.TableMemories, storage.Query{
		Predicate: naturalKey(owner, agent, key),
		Limit:     1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, kerrors.NewNotFoundError("memory not found", nil)
	}
	return recordFromRow(rows[0]), nil
}

func naturalKey(owner, agent, key string) storage.Predicate {
	return storage.And(
		storage.Eq("owner_user_id", owner),
		storage.Eq("agent_name", agent),
		storage.Eq("key", key),
	)
}

func (s *Store) upsertVector(ctx context.Context, owner string, rec *Record, vec []float32) error {
	if _, ok := s.ensured.Load(owner); !ok {
		if err := s.index.EnsureCollection(ctx, owner, Collection, s.gateway.Dim()); err != nil {
			return err
		}
		s.ensured.Store(owner, struct{}{})
	}
	return s.index.Upsert(ctx, owner, Collection, vector.Document{
		ID:         rec.ID,
		Vector:     vec,
		AgentName:  rec.AgentName,
		Scope:      rec.Scope,
		Kind:       rec.Kind,
		Tags:       rec.Tags,
		Importance: rec.Importance,
	})
}

// reindexAttrs re-upserts the document with refreshed attributes, reusing
// the cached embedding. Returns false when the record is not indexed.
func (s *Store) reindexAttrs(ctx context.Context, owner string, rec *Record) (bool, error) {
	if rec.Scope != ScopePersistent || rec.NeedsReindex {
		return false, nil
	}
	vec, err := s.gateway.EmbedOne(ctx, embeddingText(rec.Key, rec.Value))
	if err != nil {
		return true, err
	}
	return true, s.upsertVector(ctx, owner, rec, vec)
}

func (s *Store) clearGraphRefs(ctx context.Context, owner, memoryID string) {
	rows, err := s.backend.Query(ctx, storage.TableGraphNodes, storage.Query{
		Predicate: storage.And(
			storage.Eq("owner_user_id", owner),
			storage.Eq("memory_id", memoryID),
		),
	})
	if err != nil {
		logger.Debugw("graph reference scan failed", "memory_id", memoryID, "error", err)
		return
	}
	for _, row := range rows {
		err := s.backend.Update(ctx, storage.TableGraphNodes, row.String("id"), storage.Row{
			"memory_id":  nil,
			"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			logger.Debugw("graph reference clear failed", "node", row.String("id"), "error", err)
		}
	}
}

func (s *Store) hotGet(ctx context.Context, owner, agent, key string) (*Record, bool) {
	if s.kv == nil {
		return nil, false
	}
	raw, ok, err := s.kv.Get(ctx, cache.HotMemoryKey(owner, agent, key))
	if err != nil || !ok {
		return nil, false
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

func (s *Store) hotSet(ctx context.Context, rec *Record) {
	if s.kv == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := s.kv.Set(ctx, cache.HotMemoryKey(rec.OwnerUserID, rec.AgentName, rec.Key), string(data), hotCacheTTL); err != nil {
		logger.Debugw("hot cache write failed", "error", err)
	}
}

func (s *Store) invalidateHot(ctx context.Context, owner, agent, key string) {
	if s.kv == nil {
		return
	}
	if err := s.kv.Delete(ctx, cache.HotMemoryKey(owner, agent, key)); err != nil {
		logger.Debugw("hot cache invalidation failed", "error", err)
	}
}

func filterPredicate(owner string, f Filter) storage.Predicate {
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
	if tags := NormalizeTags(f.Tags); len(tags) > 0 {
		preds = append(preds, storage.TagsAny("tags", tags...))
	}
	if f.ImportanceMin != nil {
		preds = append(preds, storage.Gte("importance", *f.ImportanceMin))
	}
	if f.ImportanceMax != nil {
		preds = append(preds, storage.Lte("importance", *f.ImportanceMax))
	}
	if f.KeyPrefix != "" {
		// Range scan over the key prefix; both dialects index it.
		preds = append(preds,
			storage.Gte("key", f.KeyPrefix),
			storage.Lt("key", f.KeyPrefix+"\uffff"))
	}
	return storage.And(preds...)
}

func recordRow(rec *Record) (storage.Row, error) {
	tags, err := storage.JSON(rec.Tags)
	if err != nil {
		return nil, err
	}
	metadata, err := storage.JSON(rec.Metadata)
	if err != nil {
		return nil, err
	}
	needsReindex := 0
	if rec.NeedsReindex {
		needsReindex = 1
	}
	return storage.Row{
		"id":               rec.ID,
		"owner_user_id":    rec.OwnerUserID,
		"agent_name":       rec.AgentName,
		"key":              rec.Key,
		"value":            rec.Value,
		"scope":            rec.Scope,
		"kind":             rec.Kind,
		"importance":       rec.Importance,
		"tags":             tags,
		"metadata":         metadata,
		"needs_reindex":    needsReindex,
		"access_count":     rec.AccessCount,
		"created_at":       rec.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":       rec.UpdatedAt.Format(time.RFC3339Nano),
		"last_accessed_at": rec.LastAccessedAt.Format(time.RFC3339Nano),
	}, nil
}

func recordFromRow(row storage.Row) *Record {
	rec := &Record{
		ID:             row.String("id"),
		OwnerUserID:    row.String("owner_user_id"),
		AgentName:      row.String("agent_name"),
		Key:            row.String("key"),
		Value:          row.String("value"),
		Scope:          row.String("scope"),
		Kind:           row.String("kind"),
		Importance:     row.Float64("importance"),
		Tags:           row.StringSlice("tags"),
		Metadata:       row.Map("metadata"),
		NeedsReindex:   row.Bool("needs_reindex"),
		AccessCount:    row.Int64("access_count"),
		CreatedAt:      row.Time("created_at"),
		UpdatedAt:      row.Time("updated_at"),
		LastAccessedAt: row.Time("last_accessed_at"),
	}
	if rec.Tags == nil {
		rec.Tags = []string{}
	}
	return rec
}

// Preview returns the first n characters of a value for id-only search
// results, cut at a rune boundary.
func Preview(value string, n int) string {
	value = strings.TrimSpace(value)
	runes := []rune(value)
	if len(runes) <= n {
		return value
	}
	return string(runes[:n])
}
