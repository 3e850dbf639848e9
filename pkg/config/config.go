// Package config provides the environment-driven configuration model for the
// memory platform. All knobs are read once at startup through viper and
// validated before the server accepts traffic.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend selector values.
const (
	// BackendEmbedded selects the single-process file-backed implementation.
	BackendEmbedded = "embedded"
	// BackendNetworked selects the server-backed implementation.
	BackendNetworked = "networked"
	// BackendMemory selects the in-process cache (cache backend only).
	BackendMemory = "memory"
)

// Default values for operational configuration.
const (
	// defaultListenAddr is the default HTTP bind address.
	defaultListenAddr = "127.0.0.1:8080"

	// defaultSessionTTL is the default lifetime of a browser session.
	defaultSessionTTL = 24 * time.Hour

	// defaultWorkingMemoryTTL is the default GC horizon for working-scope memories.
	defaultWorkingMemoryTTL = 7 * 24 * time.Hour

	// defaultRRFConstant is the reciprocal-rank fusion constant. Kept
	// configurable until retrieval benchmarks pin it down.
	defaultRRFConstant = 60

	// defaultEmbeddingProvider computes deterministic local vectors and
	// needs no credentials. Production deployments override it.
	defaultEmbeddingProvider = "placeholder"

	// defaultEmbeddingDim matches all-MiniLM-L6-v2 class models.
	defaultEmbeddingDim = 384

	// defaultDataDir holds the embedded sqlite file and vector persistence.
	defaultDataDir = "./data"
)

// Config is the root configuration, loaded once at startup.
type Config struct {
	// ListenAddr is the HTTP bind address, host:port.
	ListenAddr string

	// PublicURL is the externally reachable base URL, used in OAuth
	// redirects and server metadata. Defaults to http://<ListenAddr>.
	PublicURL string

	// DataDir holds embedded-backend files.
	DataDir string

	// AllowedOrigins is the CORS allow-list. Empty disables CORS handling.
	AllowedOrigins []string

	Storage   StorageConfig
	Cache     CacheConfig
	Vector    VectorConfig
	Embedding EmbeddingConfig
	Auth      AuthConfig
	Memory    MemoryConfig
	Retrieval RetrievalConfig
}

// StorageConfig selects and parameterizes the relational backend.
type StorageConfig struct {
	// Backend is embedded or networked.
	Backend string
	// DatabaseURL is the networked backend DSN (postgres://...).
	DatabaseURL string
}

// CacheConfig selects and parameterizes the key-value cache.
type CacheConfig struct {
	// Backend is memory or networked.
	Backend string
	// RedisURL is the networked cache endpoint (redis://...).
	RedisURL string
}

// VectorConfig selects and parameterizes the vector index.
type VectorConfig struct {
	// Backend is embedded or networked.
	Backend string
	// VectorURL is the networked index endpoint (milvus address).
	VectorURL string
	// MaxConcurrent caps in-flight outbound index calls.
	MaxConcurrent int
}

// EmbeddingConfig parameterizes the embedding gateway.
type EmbeddingConfig struct {
	// Provider is placeholder, ollama, or openai.
	Provider string
	// Model is the provider-specific model name.
	Model string
	// BaseURL is the provider endpoint for self-hosted providers.
	BaseURL string
	// Dim is the embedding dimension the collections are created with.
	Dim int
	// RequestsPerSecond throttles provider calls. Zero disables the limiter.
	RequestsPerSecond float64
	// CacheSize bounds the in-process embedding LRU.
	CacheSize int
}

// AuthConfig parameterizes identity, sessions, and the authorization server.
type AuthConfig struct {
	// OIDCIssuer is the upstream IdP issuer URL.
	OIDCIssuer string
	// OAuthClientID / OAuthClientSecret / OAuthRedirectURI identify this
	// service as a client of the upstream IdP.
	OAuthClientID     string
	OAuthClientSecret string
	OAuthRedirectURI  string
	// JWTSecret signs short-lived internal artifacts (login state, CSRF).
	JWTSecret string
	// VaultKey is the 32-byte key for the external secret vault.
	VaultKey string
	// SessionTTL bounds browser sessions.
	SessionTTL time.Duration
}

// MemoryConfig parameterizes the memory store.
type MemoryConfig struct {
	// WorkingTTL is the GC horizon for working-scope memories.
	WorkingTTL time.Duration
	// GCInterval is how often the background GC runs. Zero disables it.
	GCInterval time.Duration
}

// RetrievalConfig parameterizes the hybrid retrieval engine.
type RetrievalConfig struct {
	// RRFConstant is the reciprocal-rank fusion constant c.
	RRFConstant int
}

// Load reads configuration from the environment, applies defaults, and
// validates the result.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("LISTEN_ADDR", defaultListenAddr)
	v.SetDefault("DATA_DIR", defaultDataDir)
	v.SetDefault("PERSISTENT_BACKEND", BackendEmbedded)
	v.SetDefault("CACHE_BACKEND", BackendMemory)
	v.SetDefault("VECTOR_BACKEND", BackendEmbedded)
	v.SetDefault("VECTOR_MAX_CONCURRENT", 8)
	v.SetDefault("EMBEDDING_PROVIDER", defaultEmbeddingProvider)
	v.SetDefault("EMBEDDING_DIM", defaultEmbeddingDim)
	v.SetDefault("EMBEDDING_RPS", 0.0)
	v.SetDefault("EMBEDDING_CACHE_SIZE", 2048)
	v.SetDefault("SESSION_TTL", defaultSessionTTL.String())
	v.SetDefault("WORKING_MEMORY_TTL", defaultWorkingMemoryTTL.String())
	v.SetDefault("GC_INTERVAL", "0")
	v.SetDefault("RRF_CONSTANT", defaultRRFConstant)

	sessionTTL, err := time.ParseDuration(v.GetString("SESSION_TTL"))
	if err != nil {
		return nil, fmt.Errorf("invalid SESSION_TTL: %w", err)
	}
	workingTTL, err := time.ParseDuration(v.GetString("WORKING_MEMORY_TTL"))
	if err != nil {
		return nil, fmt.Errorf("invalid WORKING_MEMORY_TTL: %w", err)
	}
	gcInterval, err := parseOptionalDuration(v.GetString("GC_INTERVAL"))
	if err != nil {
		return nil, fmt.Errorf("invalid GC_INTERVAL: %w", err)
	}

	cfg := &Config{
		ListenAddr:     v.GetString("LISTEN_ADDR"),
		PublicURL:      v.GetString("PUBLIC_URL"),
		DataDir:        v.GetString("DATA_DIR"),
		AllowedOrigins: splitOrigins(v.GetString("ALLOWED_ORIGINS")),
		Storage: StorageConfig{
			Backend:     v.GetString("PERSISTENT_BACKEND"),
			DatabaseURL: v.GetString("DATABASE_URL"),
		},
		Cache: CacheConfig{
			Backend:  v.GetString("CACHE_BACKEND"),
			RedisURL: v.GetString("REDIS_URL"),
		},
		Vector: VectorConfig{
			Backend:       v.GetString("VECTOR_BACKEND"),
			VectorURL:     v.GetString("VECTOR_URL"),
			MaxConcurrent: v.GetInt("VECTOR_MAX_CONCURRENT"),
		},
		Embedding: EmbeddingConfig{
			Provider:          v.GetString("EMBEDDING_PROVIDER"),
			Model:             v.GetString("EMBEDDING_MODEL"),
			BaseURL:           v.GetString("EMBEDDING_URL"),
			Dim:               v.GetInt("EMBEDDING_DIM"),
			RequestsPerSecond: v.GetFloat64("EMBEDDING_RPS"),
			CacheSize:         v.GetInt("EMBEDDING_CACHE_SIZE"),
		},
		Auth: AuthConfig{
			OIDCIssuer:        v.GetString("OAUTH_ISSUER"),
			OAuthClientID:     v.GetString("OAUTH_CLIENT_ID"),
			OAuthClientSecret: v.GetString("OAUTH_CLIENT_SECRET"),
			OAuthRedirectURI:  v.GetString("OAUTH_REDIRECT_URI"),
			JWTSecret:         v.GetString("JWT_SECRET"),
			VaultKey:          v.GetString("API_KEY_SECRET"),
			SessionTTL:        sessionTTL,
		},
		Memory: MemoryConfig{
			WorkingTTL: workingTTL,
			GCInterval: gcInterval,
		},
		Retrieval: RetrievalConfig{
			RRFConstant: v.GetInt("RRF_CONSTANT"),
		},
	}

	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://" + cfg.ListenAddr
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. It collects all findings so a
// misconfigured deployment reports every problem at once.
func (c *Config) Validate() error {
	var problems []string

	switch c.Storage.Backend {
	case BackendEmbedded:
	case BackendNetworked:
		if c.Storage.DatabaseURL == "" {
			problems = append(problems, "PERSISTENT_BACKEND=networked requires DATABASE_URL")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown PERSISTENT_BACKEND %q", c.Storage.Backend))
	}

	switch c.Cache.Backend {
	case BackendMemory:
	case BackendNetworked:
		if c.Cache.RedisURL == "" {
			problems = append(problems, "CACHE_BACKEND=networked requires REDIS_URL")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown CACHE_BACKEND %q", c.Cache.Backend))
	}

	switch c.Vector.Backend {
	case BackendEmbedded:
	case BackendNetworked:
		if c.Vector.VectorURL == "" {
			problems = append(problems, "VECTOR_BACKEND=networked requires VECTOR_URL")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown VECTOR_BACKEND %q", c.Vector.Backend))
	}

	if c.Embedding.Dim <= 0 {
		problems = append(problems, "EMBEDDING_DIM must be positive")
	}
	if c.Retrieval.RRFConstant <= 0 {
		problems = append(problems, "RRF_CONSTANT must be positive")
	}
	if c.Auth.JWTSecret == "" {
		problems = append(problems, "JWT_SECRET is required")
	}
	if c.Auth.SessionTTL <= 0 {
		problems = append(problems, "SESSION_TTL must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// OIDCEnabled reports whether an upstream IdP is configured. Without it the
// login endpoints refuse requests; API keys and pre-registered OAuth clients
// still work.
func (c *Config) OIDCEnabled() bool {
	return c.Auth.OIDCIssuer != "" && c.Auth.OAuthClientID != ""
}

func splitOrigins(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
