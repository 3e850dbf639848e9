// Package vector defines the vector index abstraction used by hybrid
// retrieval. Collections are identified by (owner, logical name) and carry a
// fixed embedding dimension; the embedded implementation lives in the
// chromem subpackage, the networked one in milvus.
package vector

import (
	"context"
	"strings"
)

// Document is one indexed memory embedding. The attribute fields are copied
// from the memory row so the index can filter without consulting storage.
type Document struct {
	ID         string
	Vector     []float32
	AgentName  string
	Scope      string
	Kind       string
	Tags       []string
	Importance float64
}

// Match is one nearest-neighbor result. Score is a cosine similarity mapped
// to [0,1]; higher is better.
type Match struct {
	ID    string
	Score float64
}

// Filter restricts queries and deletes to documents whose attributes match.
// Zero-valued fields do not filter.
type Filter struct {
	AgentName string
	Scope     string
	Kind      string
	// Tags matches documents carrying at least one of these tags.
	Tags []string
	// ImportanceMin and ImportanceMax bound importance inclusively.
	// Nil means unbounded.
	ImportanceMin *float64
	ImportanceMax *float64
}

// Matches evaluates the filter against a document's attributes. Both
// implementations push what they can into the backend and use this for the
// rest, so the semantics stay identical.
func (f Filter) Matches(d Document) bool {
	if f.AgentName != "" && d.AgentName != f.AgentName {
		return false
	}
	if f.Scope != "" && d.Scope != f.Scope {
		return false
	}
	if f.Kind != "" && d.Kind != f.Kind {
		return false
	}
	if f.ImportanceMin != nil && d.Importance < *f.ImportanceMin {
		return false
	}
	if f.ImportanceMax != nil && d.Importance > *f.ImportanceMax {
		return false
	}
	if len(f.Tags) > 0 {
		found := false
		for _, want := range f.Tags {
			for _, have := range d.Tags {
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

// Index stores and queries embedding vectors per (owner, logical name)
// collection. Cosine is the distance metric; scores returned by Query are
// similarities in [0,1].
type Index interface {
	// EnsureCollection creates the collection when absent and records its
	// dimension. Recreating with a different dimension is a conflict error.
	EnsureCollection(ctx context.Context, owner, name string, dim int) error
	// Upsert writes the document. A vector whose length differs from the
	// collection's dimension is a validation error.
	Upsert(ctx context.Context, owner, name string, doc Document) error
	// Query returns up to k nearest neighbors of vec matching the filter,
	// best first.
	Query(ctx context.Context, owner, name string, vec []float32, k int, filter Filter) ([]Match, error)
	// Delete removes the documents with the given ids. Absent ids are
	// ignored.
	Delete(ctx context.Context, owner, name string, ids ...string) error
	// DeleteWhere removes every document matching the filter.
	DeleteWhere(ctx context.Context, owner, name string, filter Filter) error
	// Count returns the number of documents in the collection.
	Count(ctx context.Context, owner, name string) (int64, error)
	// Ping reports whether the index is reachable and healthy.
	Ping(ctx context.Context) error
	// Close releases clients or flushes persistence.
	Close() error
}

// CollectionName renders the backend collection identifier for an owner and
// logical name. Both implementations share the naming so operators can
// correlate collections with users.
func CollectionName(owner, name string) string {
	return "mem_" + sanitize(owner) + "_" + sanitize(name)
}

// sanitize maps arbitrary identifier characters onto [a-zA-Z0-9_], which
// both backends accept.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
