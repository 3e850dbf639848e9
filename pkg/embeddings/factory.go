package embeddings

import (
	"context"
	"os"

	"github.com/JFK/kagura-ai-sub007/pkg/config"
	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/logger"
)

// CredentialSource resolves provider API keys. The secret vault implements
// it; passing nil falls back to the environment only.
type CredentialSource interface {
	GetValue(ctx context.Context, keyName string) (string, error)
}

// Vault key names for provider credentials.
const (
	openaiKeyName = "openai_api_key"
)

// NewProvider constructs the configured embedding provider, resolving
// credentials through the vault first and the environment second.
func NewProvider(ctx context.Context, cfg config.EmbeddingConfig, creds CredentialSource) (Provider, error) {
	switch cfg.Provider {
	case "placeholder", "":
		return NewPlaceholder(cfg.Dim), nil
	case "ollama":
		return NewOllama(cfg.BaseURL, cfg.Model, cfg.Dim), nil
	case "openai", "vllm", "unified":
		apiKey := resolveCredential(ctx, creds, openaiKeyName, "OPENAI_API_KEY")
		return NewOpenAI(cfg.BaseURL, cfg.Model, apiKey, cfg.Dim)
	default:
		return nil, kerrors.NewValidationError(
			"unknown EMBEDDING_PROVIDER "+cfg.Provider+" (supported: placeholder, ollama, openai)", nil)
	}
}

func resolveCredential(ctx context.Context, creds CredentialSource, vaultKey, envVar string) string {
	if creds != nil {
		if value, err := creds.GetValue(ctx, vaultKey); err == nil && value != "" {
			return value
		} else if err != nil && !kerrors.IsNotFound(err) {
			logger.Warnw("vault credential lookup failed", "key", vaultKey, "error", err)
		}
	}
	return os.Getenv(envVar)
}
