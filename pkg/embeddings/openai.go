package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
)

const openaiRequestTimeout = 30 * time.Second

// OpenAI computes embeddings through any OpenAI-compatible /v1/embeddings
// endpoint: OpenAI itself, vLLM, TEI, or Ollama's v1 API. The API key, when
// set, is resolved through the vault before falling back to configuration.
type OpenAI struct {
	baseURL string
	model   string
	apiKey  string
	dim     int
	client  *http.Client
}

var _ Provider = (*OpenAI)(nil)

type openaiEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// NewOpenAI creates an OpenAI-compatible provider. baseURL and model are
// required; apiKey may be empty for unauthenticated self-hosted servers.
func NewOpenAI(baseURL, model, apiKey string, dim int) (*OpenAI, error) {
	if baseURL == "" {
		return nil, kerrors.NewValidationError("EMBEDDING_URL is required for the openai provider", nil)
	}
	if model == "" {
		return nil, kerrors.NewValidationError("EMBEDDING_MODEL is required for the openai provider", nil)
	}
	if dim <= 0 {
		return nil, kerrors.NewValidationError("embedding dimension must be positive", nil)
	}
	return &OpenAI{
		baseURL: baseURL,
		model:   model,
		apiKey:  apiKey,
		dim:     dim,
		client:  &http.Client{Timeout: openaiRequestTimeout},
	}, nil
}

// Embed returns one vector per input text in input order.
func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(openaiEmbedRequest{Model: o.model, Input: texts})
	if err != nil {
		return nil, kerrors.NewInternalError("encoding embed request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, kerrors.NewInternalError("building embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, kerrors.NewDependencyUnavailableError("calling embedding provider", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, httpStatusError("embedding provider", resp.StatusCode, data)
	}

	var decoded openaiEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, kerrors.NewInternalError("decoding embed response", err)
	}
	if len(decoded.Data) != len(texts) {
		return nil, kerrors.NewInternalError(
			fmt.Sprintf("provider returned %d embeddings for %d texts", len(decoded.Data), len(texts)), nil)
	}

	// The API is allowed to return entries out of order; index restores it.
	sort.Slice(decoded.Data, func(i, j int) bool { return decoded.Data[i].Index < decoded.Data[j].Index })
	out := make([][]float32, len(decoded.Data))
	for i, d := range decoded.Data {
		if len(d.Embedding) != o.dim {
			return nil, kerrors.NewValidationError(
				fmt.Sprintf("provider returned dimension %d, expected %d", len(d.Embedding), o.dim), nil)
		}
		out[i] = d.Embedding
	}
	return out, nil
}

// Dim is the embedding dimension.
func (o *OpenAI) Dim() int { return o.dim }

// Name identifies the provider kind.
func (*OpenAI) Name() string { return "openai" }

// Model is the configured model name.
func (o *OpenAI) Model() string { return o.model }

// Close is a no-op; the HTTP client needs no teardown.
func (*OpenAI) Close() error { return nil }
