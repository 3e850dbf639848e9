package memory

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/logger"
	"github.com/JFK/kagura-ai-sub007/pkg/storage"
)

// reconcileBatch caps rows picked up per sweep so one stuck row cannot
// starve the rest.
const reconcileBatch = 64

// Reconciler drains needs_reindex rows back into the vector index. Sweeps
// run on an interval; within a sweep each row gets a short backoff-driven
// retry, and rows that still fail wait for the next sweep.
type Reconciler struct {
	store    *Store
	interval time.Duration
}

// NewReconciler creates a Reconciler sweeping at the given interval.
// Non-positive intervals default to one minute.
func NewReconciler(store *Store, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{store: store, interval: interval}
}

// Run sweeps until the context is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				logger.Errorw("reindex sweep failed", "error", err)
			} else if n > 0 {
				logger.Infow("reindexed flagged memories", "count", n)
			}
		}
	}
}

// Sweep reindexes up to reconcileBatch flagged rows and returns how many
// succeeded.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	rows, err := r.store.backend.Query(ctx, storage.TableMemories, storage.Query{
		Predicate: storage.Eq("needs_reindex", 1),
		OrderBy:   []storage.Order{storage.Asc("updated_at")},
		Limit:     reconcileBatch,
	})
	if err != nil {
		return 0, err
	}

	reindexed := 0
	for _, row := range rows {
		rec := recordFromRow(row)
		if err := r.reindexOne(ctx, rec); err != nil {
			logger.Debugw("reindex attempt failed", "id", rec.ID, "error", err)
			continue
		}
		reindexed++
	}
	return reindexed, nil
}

func (r *Reconciler) reindexOne(ctx context.Context, rec *Record) error {
	operation := func() (struct{}, error) {
		vec, err := r.store.gateway.EmbedOne(ctx, embeddingText(rec.Key, rec.Value))
		if err != nil {
			if !kerrors.Retryable(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		if err := r.store.upsertVector(ctx, rec.OwnerUserID, rec, vec); err != nil {
			if !kerrors.Retryable(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(30*time.Second),
	)
	if err != nil {
		return err
	}

	// Clear the flag under the key mutex so a concurrent Put that flags the
	// row again is not lost.
	unlock := r.store.locks.lock(rec.OwnerUserID, rec.AgentName, rec.Key)
	defer unlock()
	current, err := r.store.backend.Get(ctx, storage.TableMemories, rec.ID)
	if err != nil {
		if kerrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if current.String("value") != rec.Value {
		// The row changed under us; the newer write owns indexing.
		return nil
	}
	if err := r.store.backend.Update(ctx, storage.TableMemories, rec.ID, storage.Row{"needs_reindex": 0}); err != nil {
		return err
	}
	r.store.invalidateHot(ctx, rec.OwnerUserID, rec.AgentName, rec.Key)
	return nil
}
