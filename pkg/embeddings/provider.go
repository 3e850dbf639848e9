// Package embeddings turns text into fixed-dimension vectors through
// pluggable providers, and optionally reranks candidate lists. The Gateway
// wraps a provider with caching, rate limiting, retries, and a circuit
// breaker; the memory and retrieval layers only ever talk to the Gateway.
package embeddings

import (
	"context"
	"math"
)

// Provider computes embedding vectors for batches of text.
type Provider interface {
	// Embed returns one vector per input text, each of length Dim.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dim is the embedding dimension this provider produces.
	Dim() int
	// Name identifies the provider kind (placeholder, ollama, openai).
	Name() string
	// Model is the provider-specific model identifier.
	Model() string
	// Close releases provider resources.
	Close() error
}

// RankedResult is one reranked candidate.
type RankedResult struct {
	// Index points into the candidates slice passed to Rerank.
	Index int
	// Score is the relevance score; higher is better.
	Score float64
}

// Reranker reorders candidates by relevance to a query. Providers that
// support reranking implement this alongside Provider.
type Reranker interface {
	// Rerank returns every candidate's index with a relevance score,
	// best first.
	Rerank(ctx context.Context, query string, candidates []string) ([]RankedResult, error)
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Returns a value in [-1, 1]; both vectors must have the same length.
func CosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		ai := float64(a[i])
		bi := float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// SimilarityScore maps cosine similarity onto [0,1] so retrieval can fuse
// it with lexical scores.
func SimilarityScore(a, b []float32) float64 {
	return (CosineSimilarity(a, b) + 1) / 2
}
