// Package memory implements the durable memory store for agents: validated
// writes into the relational backend, inline embedding into the vector index
// with a needs_reindex escape hatch, a read-through hot cache, and the
// working-memory garbage collector.
package memory

import (
	"regexp"
	"sort"
	"strings"
	"time"

	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
)

// Scopes control retention. Working memories are garbage-collected after
// WORKING_MEMORY_TTL of no access; persistent memories live until deleted.
const (
	ScopeWorking    = "working"
	ScopePersistent = "persistent"
)

// Kinds partition memories by content class.
const (
	KindNormal = "normal"
	KindCoding = "coding"
)

// Ingress limits.
const (
	MaxKeyBytes   = 256
	MaxValueBytes = 1 << 20 // 1 MiB

	defaultImportance = 0.5
)

// Collection is the logical vector collection name for memory embeddings.
const Collection = "memories"

var agentNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// Record is one stored memory.
type Record struct {
	ID             string         `json:"id"`
	OwnerUserID    string         `json:"owner_user_id"`
	AgentName      string         `json:"agent_name"`
	Key            string         `json:"key"`
	Value          string         `json:"value"`
	Scope          string         `json:"scope"`
	Kind           string         `json:"kind"`
	Importance     float64        `json:"importance"`
	Tags           []string       `json:"tags"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	NeedsReindex   bool           `json:"needs_reindex"`
	AccessCount    int64          `json:"access_count"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
}

// PutRequest creates or replaces the memory at (agent, key).
type PutRequest struct {
	AgentName  string         `json:"agent_name"`
	Key        string         `json:"key"`
	Value      string         `json:"value"`
	Scope      string         `json:"scope,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	Importance *float64       `json:"importance,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	// ComputeEmbedding requests inline vector indexing. Nil defaults to
	// true for persistent memories and false for working ones.
	ComputeEmbedding *bool `json:"compute_embedding,omitempty"`
}

// Patch partially updates a memory. Nil fields are untouched.
type Patch struct {
	Value      *string         `json:"value,omitempty"`
	Scope      *string         `json:"scope,omitempty"`
	Kind       *string         `json:"kind,omitempty"`
	Importance *float64        `json:"importance,omitempty"`
	Tags       *[]string       `json:"tags,omitempty"`
	Metadata   *map[string]any `json:"metadata,omitempty"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	AgentName     string
	Scope         string
	Kind          string
	Tags          []string
	ImportanceMin *float64
	ImportanceMax *float64
	KeyPrefix     string
}

// Page bounds a List result.
type Page struct {
	// Limit caps the page; non-positive uses 50. Capped at 500.
	Limit  int
	Offset int
}

// Stats summarizes one owner's memories.
type Stats struct {
	Total          int64            `json:"total"`
	ByScope        map[string]int64 `json:"by_scope"`
	TotalBytes     int64            `json:"total_bytes"`
	AvgImportance  float64          `json:"avg_importance"`
	DistinctAgents int              `json:"distinct_agents"`
	TagCounts      map[string]int64 `json:"tag_counts"`
	NeedsReindex   int64            `json:"needs_reindex"`
}

// validatePut normalizes the request in place and rejects invariant
// violations.
func validatePut(req *PutRequest) error {
	if !agentNamePattern.MatchString(req.AgentName) {
		return kerrors.NewValidationError("agent name must match [a-zA-Z0-9._-]{1,64}", nil)
	}
	if req.Key == "" {
		return kerrors.NewValidationError("key must not be empty", nil)
	}
	if len(req.Key) > MaxKeyBytes {
		return kerrors.NewValidationError("key exceeds 256 bytes", nil)
	}
	if req.Value == "" {
		return kerrors.NewValidationError("value must not be empty", nil)
	}
	if len(req.Value) > MaxValueBytes {
		return kerrors.NewValidationError("value exceeds 1 MiB", nil)
	}

	if req.Scope == "" {
		req.Scope = ScopePersistent
	}
	if req.Scope != ScopeWorking && req.Scope != ScopePersistent {
		return kerrors.NewValidationError("scope must be working or persistent", nil)
	}
	if req.Kind == "" {
		req.Kind = KindNormal
	}
	if req.Kind != KindNormal && req.Kind != KindCoding {
		return kerrors.NewValidationError("kind must be normal or coding", nil)
	}

	if req.Importance == nil {
		imp := defaultImportance
		req.Importance = &imp
	} else {
		clamped := clampImportance(*req.Importance)
		req.Importance = &clamped
	}
	req.Tags = NormalizeTags(req.Tags)
	return nil
}

func clampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// NormalizeTags trims, lowercases, dedupes, drops empties, and sorts tags.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// embeddingText is the content handed to the embedding gateway for a record.
// The key participates so short values still separate by topic.
func embeddingText(key, value string) string {
	return key + "\n" + value
}
