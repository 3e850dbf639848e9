package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/JFK/kagura-ai-sub007/pkg/cache"
	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/logger"
)

const (
	// sharedCacheTTL bounds embedding entries in the shared key-value cache.
	sharedCacheTTL = 24 * time.Hour

	// maxRetryElapsed caps the total time spent retrying one provider call.
	maxRetryElapsed = 20 * time.Second

	defaultLRUSize = 2048
)

// GatewayConfig parameterizes a Gateway.
type GatewayConfig struct {
	// RequestsPerSecond throttles provider calls. Zero disables the limiter.
	RequestsPerSecond float64
	// CacheSize bounds the in-process LRU. Non-positive uses the default.
	CacheSize int
	// Shared is the optional process-wide cache for cross-restart reuse.
	Shared cache.Cache
}

// Gateway wraps a Provider with an embedding LRU, write-through to the
// shared cache, provider rate limiting, retries with backoff and jitter,
// and a circuit breaker that converts an open circuit into
// dependency_unavailable.
type Gateway struct {
	provider Provider
	lru      *lruCache
	shared   cache.Cache
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
}

// NewGateway wraps the provider.
func NewGateway(provider Provider, cfg GatewayConfig) *Gateway {
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultLRUSize
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "embedding-provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnw("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Gateway{
		provider: provider,
		lru:      newLRUCache(size),
		shared:   cfg.Shared,
		limiter:  limiter,
		breaker:  breaker,
	}
}

// Dim is the provider's embedding dimension.
func (g *Gateway) Dim() int { return g.provider.Dim() }

// Provider returns the wrapped provider's name, for health reporting.
func (g *Gateway) Provider() string { return g.provider.Name() }

// Embed returns one vector per text, serving cache hits locally and calling
// the provider only for misses.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, text := range texts {
		if vec, ok := g.cached(ctx, text); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := g.callProvider(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		g.store(ctx, missTexts[j], vecs[j])
	}
	return out, nil
}

// EmbedOne embeds a single text.
func (g *Gateway) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// CanRerank reports whether Rerank is backed by a provider-native reranker
// or the embedding-similarity fallback. It is always true.
func (g *Gateway) CanRerank() bool { return true }

// Rerank reorders candidates by relevance to the query, best first. A
// provider-native reranker is preferred; otherwise candidates are scored by
// cosine similarity of their embeddings to the query's.
func (g *Gateway) Rerank(ctx context.Context, query string, candidates []string) ([]RankedResult, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if rr, ok := g.provider.(Reranker); ok {
		return rr.Rerank(ctx, query, candidates)
	}

	vecs, err := g.Embed(ctx, append([]string{query}, candidates...))
	if err != nil {
		return nil, err
	}
	queryVec := vecs[0]
	results := make([]RankedResult, len(candidates))
	for i := range candidates {
		results[i] = RankedResult{Index: i, Score: SimilarityScore(queryVec, vecs[i+1])}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

// Close closes the provider.
func (g *Gateway) Close() error { return g.provider.Close() }

// callProvider runs one provider call through the limiter, breaker, and
// retry policy.
func (g *Gateway) callProvider(ctx context.Context, texts []string) ([][]float32, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, kerrors.NewRateLimitedError("waiting for embedding quota", err)
		}
	}

	operation := func() ([][]float32, error) {
		result, err := g.breaker.Execute(func() (any, error) {
			return g.provider.Embed(ctx, texts)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, backoff.Permanent(kerrors.NewDependencyUnavailableError("embedding provider circuit open", err))
			}
			if !kerrors.Retryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return result.([][]float32), nil
	}

	vecs, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(maxRetryElapsed),
	)
	if err != nil {
		return nil, err
	}
	return vecs, nil
}

func (g *Gateway) cached(ctx context.Context, text string) ([]float32, bool) {
	key := g.cacheKey(text)
	if vec, ok := g.lru.get(key); ok {
		return vec, true
	}
	if g.shared == nil {
		return nil, false
	}
	raw, ok, err := g.shared.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil, false
	}
	g.lru.put(key, vec)
	return vec, true
}

func (g *Gateway) store(ctx context.Context, text string, vec []float32) {
	key := g.cacheKey(text)
	g.lru.put(key, vec)
	if g.shared == nil {
		return
	}
	if data, err := json.Marshal(vec); err == nil {
		if err := g.shared.Set(ctx, key, string(data), sharedCacheTTL); err != nil {
			logger.Debugw("embedding cache write failed", "error", err)
		}
	}
}

func (g *Gateway) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return cache.EmbeddingKey(g.provider.Name(), g.provider.Model(), hex.EncodeToString(sum[:]))
}
