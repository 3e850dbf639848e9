package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) { //nolint:paralleltest // mutates env
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, defaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, BackendEmbedded, cfg.Storage.Backend)
	assert.Equal(t, BackendMemory, cfg.Cache.Backend)
	assert.Equal(t, BackendEmbedded, cfg.Vector.Backend)
	assert.Equal(t, "placeholder", cfg.Embedding.Provider)
	assert.Equal(t, defaultEmbeddingDim, cfg.Embedding.Dim)
	assert.Equal(t, defaultRRFConstant, cfg.Retrieval.RRFConstant)
	assert.Equal(t, 24*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, "http://"+defaultListenAddr, cfg.PublicURL)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.False(t, cfg.OIDCEnabled())
}

func TestLoadNetworkedBackends(t *testing.T) { //nolint:paralleltest // mutates env
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("PERSISTENT_BACKEND", "networked")
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/kagura")
	t.Setenv("CACHE_BACKEND", "networked")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("VECTOR_BACKEND", "networked")
	t.Setenv("VECTOR_URL", "localhost:19530")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, https://other.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendNetworked, cfg.Storage.Backend)
	assert.Equal(t, "postgres://localhost:5432/kagura", cfg.Storage.DatabaseURL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Cache.RedisURL)
	assert.Equal(t, "localhost:19530", cfg.Vector.VectorURL)
	assert.Equal(t, []string{"https://app.example.com", "https://other.example.com"}, cfg.AllowedOrigins)
}

func TestLoadMissingRequirements(t *testing.T) { //nolint:paralleltest // mutates env
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("PERSISTENT_BACKEND", "networked")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestValidateCollectsAllProblems(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Storage:   StorageConfig{Backend: "bogus"},
		Cache:     CacheConfig{Backend: "bogus"},
		Vector:    VectorConfig{Backend: "bogus"},
		Embedding: EmbeddingConfig{Dim: 0},
		Retrieval: RetrievalConfig{RRFConstant: 0},
		Auth:      AuthConfig{},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PERSISTENT_BACKEND")
	assert.Contains(t, err.Error(), "CACHE_BACKEND")
	assert.Contains(t, err.Error(), "VECTOR_BACKEND")
	assert.Contains(t, err.Error(), "EMBEDDING_DIM")
	assert.Contains(t, err.Error(), "RRF_CONSTANT")
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestOIDCEnabled(t *testing.T) {
	t.Parallel()

	cfg := &Config{Auth: AuthConfig{OIDCIssuer: "https://idp.example.com", OAuthClientID: "client"}}
	assert.True(t, cfg.OIDCEnabled())

	cfg.Auth.OAuthClientID = ""
	assert.False(t, cfg.OIDCEnabled())
}

func TestSplitOrigins(t *testing.T) {
	t.Parallel()

	assert.Nil(t, splitOrigins(""))
	assert.Equal(t, []string{"a"}, splitOrigins("a"))
	assert.Equal(t, []string{"a", "b"}, splitOrigins(" a , b ,"))
}
