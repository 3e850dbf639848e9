package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "nomic-embed-text"
	// nomic-embed-text produces 768-dimension vectors.
	defaultOllamaDim = 768

	ollamaRequestTimeout = 30 * time.Second
)

// Ollama computes embeddings through a local Ollama server's native API.
type Ollama struct {
	baseURL string
	model   string
	dim     int
	client  *http.Client
}

var _ Provider = (*Ollama)(nil)

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// NewOllama creates an Ollama provider. Empty baseURL and model fall back
// to the local server defaults. dim declares the expected vector dimension;
// non-positive uses the default model's.
func NewOllama(baseURL, model string, dim int) *Ollama {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if model == "" {
		model = defaultOllamaModel
	}
	if dim <= 0 {
		dim = defaultOllamaDim
	}
	return &Ollama{
		baseURL: baseURL,
		model:   model,
		dim:     dim,
		client:  &http.Client{Timeout: ollamaRequestTimeout},
	}
}

// Embed returns one vector per input text. The Ollama native API embeds one
// prompt per call.
func (o *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := o.embedOne(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

func (o *Ollama) embedOne(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: o.model, Prompt: text})
	if err != nil {
		return nil, kerrors.NewInternalError("encoding embed request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, kerrors.NewInternalError("building embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, kerrors.NewDependencyUnavailableError("calling ollama", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, httpStatusError("ollama", resp.StatusCode, data)
	}

	var decoded ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, kerrors.NewInternalError("decoding embed response", err)
	}
	if len(decoded.Embedding) != o.dim {
		return nil, kerrors.NewValidationError(
			fmt.Sprintf("provider returned dimension %d, expected %d", len(decoded.Embedding), o.dim), nil)
	}

	vec := make([]float32, len(decoded.Embedding))
	for i, v := range decoded.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Dim is the embedding dimension.
func (o *Ollama) Dim() int { return o.dim }

// Name identifies the provider kind.
func (*Ollama) Name() string { return "ollama" }

// Model is the configured model name.
func (o *Ollama) Model() string { return o.model }

// Close is a no-op; the HTTP client needs no teardown.
func (*Ollama) Close() error { return nil }

// httpStatusError maps a provider HTTP status onto the platform taxonomy.
func httpStatusError(provider string, status int, body []byte) error {
	msg := fmt.Sprintf("%s returned status %d: %s", provider, status, body)
	switch {
	case status == http.StatusTooManyRequests:
		return kerrors.NewRateLimitedError(msg, nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return kerrors.NewUnauthorizedError(msg, nil)
	case status >= 500:
		return kerrors.NewDependencyUnavailableError(msg, nil)
	default:
		return kerrors.NewInternalError(msg, nil)
	}
}
