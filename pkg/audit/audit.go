// Package audit records administrative and security-relevant actions in an
// append-only trail. Sensitive values are never stored; writes carry SHA-256
// hashes of the old and new values so changes can be correlated without
// disclosure. Entries are immutable once written.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"

	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/logger"
	"github.com/JFK/kagura-ai-sub007/pkg/storage"
)

// Actions recorded in the trail.
const (
	ActionLogin          = "auth.login"
	ActionLogout         = "auth.logout"
	ActionSessionRevoke  = "auth.session_revoke"
	ActionRoleChange     = "user.role_change"
	ActionAPIKeyCreate   = "apikey.create"
	ActionAPIKeyRevoke   = "apikey.revoke"
	ActionClientRegister = "oauth.client_register"
	ActionClientDelete   = "oauth.client_delete"
	ActionTokenRevoke    = "oauth.token_revoke"
	ActionVaultSet       = "vault.set"
	ActionVaultDelete    = "vault.delete"
	ActionVaultRotate    = "vault.rotate"
	ActionMemoryGC       = "memory.gc"
)

// Event is one audit trail entry.
type Event struct {
	ID           string         `json:"id"`
	ActorEmail   string         `json:"actor_email,omitempty"`
	ActorUserID  string         `json:"actor_user_id,omitempty"`
	Action       string         `json:"action"`
	Resource     string         `json:"resource"`
	OldValueHash string         `json:"old_value_hash,omitempty"`
	NewValueHash string         `json:"new_value_hash,omitempty"`
	IP           string         `json:"ip,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// HashValue returns the hex SHA-256 of a sensitive value for storage in an
// event. Empty input hashes to the empty string, not the hash of "".
func HashValue(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// Logger writes and reads the trail.
type Logger struct {
	backend storage.Backend
}

// NewLogger creates a Logger.
func NewLogger(backend storage.Backend) *Logger {
	return &Logger{backend: backend}
}

// Record appends one event. The event's ID and CreatedAt are assigned here.
// Failures are returned, not swallowed; most call sites log and continue
// because the audited action has already happened.
func (l *Logger) Record(ctx context.Context, ev Event) error {
	if ev.Action == "" {
		return kerrors.NewValidationError("audit action must not be empty", nil)
	}
	now := time.Now().UTC()
	ev.ID = ulid.Make().String()
	ev.CreatedAt = now

	metadata, err := storage.JSON(ev.Metadata)
	if err != nil {
		return kerrors.NewInternalError("encoding audit metadata", err)
	}
	return l.backend.Put(ctx, storage.TableAuditLogs, ev.ID, storage.Row{
		"id":             ev.ID,
		"actor_email":    ev.ActorEmail,
		"actor_user_id":  ev.ActorUserID,
		"action":         ev.Action,
		"resource":       ev.Resource,
		"old_value_hash": ev.OldValueHash,
		"new_value_hash": ev.NewValueHash,
		"ip":             ev.IP,
		"user_agent":     ev.UserAgent,
		"metadata":       metadata,
		"created_at":     now.Format(time.RFC3339Nano),
	})
}

// MustRecord is Record for call sites that cannot propagate the error. The
// failure is logged and the audited action proceeds.
func (l *Logger) MustRecord(ctx context.Context, ev Event) {
	if err := l.Record(ctx, ev); err != nil {
		logger.Errorw("audit write failed", "action", ev.Action, "resource", ev.Resource, "error", err)
	}
}

// Filter narrows a List call. Zero fields match everything.
type Filter struct {
	// Action matches entries with this exact action.
	Action string
	// ActorUserID matches entries by this actor.
	ActorUserID string
	// Since matches entries created at or after this instant.
	Since time.Time
	// Limit caps the page size; non-positive uses 100. Capped at 1000.
	Limit int
	// Offset skips entries for paging.
	Offset int
}

// List returns trail entries newest first. ULID ids break creation-time ties
// in insertion order.
func (l *Logger) List(ctx context.Context, f Filter) ([]*Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	var preds []storage.Predicate
	if f.Action != "" {
		preds = append(preds, storage.Eq("action", f.Action))
	}
	if f.ActorUserID != "" {
		preds = append(preds, storage.Eq("actor_user_id", f.ActorUserID))
	}
	if !f.Since.IsZero() {
		preds = append(preds, storage.Gte("created_at", f.Since.UTC().Format(time.RFC3339Nano)))
	}

	rows, err := l.backend.Query(ctx, storage.TableAuditLogs, storage.Query{
		Predicate: storage.And(preds...),
		OrderBy:   []storage.Order{storage.Desc("id")},
		Limit:     limit,
		Offset:    f.Offset,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, eventFromRow(row))
	}
	return out, nil
}

func eventFromRow(row storage.Row) *Event {
	return &Event{
		ID:           row.String("id"),
		ActorEmail:   row.String("actor_email"),
		ActorUserID:  row.String("actor_user_id"),
		Action:       row.String("action"),
		Resource:     row.String("resource"),
		OldValueHash: row.String("old_value_hash"),
		NewValueHash: row.String("new_value_hash"),
		IP:           row.String("ip"),
		UserAgent:    row.String("user_agent"),
		Metadata:     row.Map("metadata"),
		CreatedAt:    row.Time("created_at"),
	}
}
