package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"math/rand"
)

// Placeholder is a deterministic embedding provider that needs no external
// service. It hashes input text with SHA-256 and uses the hash as a seed to
// generate reproducible unit vectors. It doubles as the test embedder and
// as the zero-configuration default.
type Placeholder struct {
	dim int
}

var _ Provider = (*Placeholder)(nil)

// NewPlaceholder creates a placeholder provider producing vectors of the
// given dimension.
func NewPlaceholder(dim int) *Placeholder {
	return &Placeholder{dim: dim}
}

// Embed returns a deterministic, unit-normalized vector per text.
func (p *Placeholder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = p.embedOne(text)
	}
	return out, nil
}

func (p *Placeholder) embedOne(text string) []float32 {
	hash := sha256.Sum256([]byte(text))
	//nolint:gosec // overflow is acceptable for seeding a non-crypto RNG
	seed := int64(binary.LittleEndian.Uint64(hash[:8]))
	//nolint:gosec // deterministic RNG is intentional for placeholder embeddings
	rng := rand.New(rand.NewSource(seed))

	vec := make([]float32, p.dim)
	var norm float64
	for i := range vec {
		v := rng.Float32()*2 - 1 // [-1, 1]
		vec[i] = v
		norm += float64(v) * float64(v)
	}

	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec
}

// Dim is the embedding dimension.
func (p *Placeholder) Dim() int { return p.dim }

// Name identifies the provider kind.
func (*Placeholder) Name() string { return "placeholder" }

// Model is the provider-specific model identifier.
func (*Placeholder) Model() string { return "sha256-seeded" }

// Close is a no-op.
func (*Placeholder) Close() error { return nil }
