package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/JFK/kagura-ai-sub007/pkg/apikeys"
	"github.com/JFK/kagura-ai-sub007/pkg/audit"
	"github.com/JFK/kagura-ai-sub007/pkg/cache"
	"github.com/JFK/kagura-ai-sub007/pkg/config"
	"github.com/JFK/kagura-ai-sub007/pkg/embeddings"
	"github.com/JFK/kagura-ai-sub007/pkg/graph"
	"github.com/JFK/kagura-ai-sub007/pkg/logger"
	"github.com/JFK/kagura-ai-sub007/pkg/memory"
	"github.com/JFK/kagura-ai-sub007/pkg/retrieval"
	"github.com/JFK/kagura-ai-sub007/pkg/storage"
	"github.com/JFK/kagura-ai-sub007/pkg/storage/postgres"
	"github.com/JFK/kagura-ai-sub007/pkg/storage/sqlite"
	"github.com/JFK/kagura-ai-sub007/pkg/users"
	"github.com/JFK/kagura-ai-sub007/pkg/vault"
	"github.com/JFK/kagura-ai-sub007/pkg/vector"
	"github.com/JFK/kagura-ai-sub007/pkg/vector/chromem"
	"github.com/JFK/kagura-ai-sub007/pkg/vector/milvus"
)

// platform is the wired service graph shared by the daemon subcommands.
type platform struct {
	cfg     *config.Config
	backend storage.Backend
	kv      cache.Cache
	index   vector.Index
	gateway *embeddings.Gateway

	users     *users.Store
	memories  *memory.Store
	retrieval *retrieval.Engine
	graph     *graph.Graph
	apikeys   *apikeys.Manager
	audit     *audit.Logger
	// vault is nil when API_KEY_SECRET is not set.
	vault *vault.Manager
}

// openPlatform loads configuration, opens the selected backends, and runs
// migrations. Callers own Close.
func openPlatform(ctx context.Context) (*platform, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return openPlatformWithConfig(ctx, cfg)
}

func openPlatformWithConfig(ctx context.Context, cfg *config.Config) (*platform, error) {
	p := &platform{cfg: cfg}

	switch cfg.Storage.Backend {
	case config.BackendNetworked:
		backend, err := postgres.New(ctx, cfg.Storage.DatabaseURL, 0)
		if err != nil {
			return nil, fmt.Errorf("opening postgres backend: %w", err)
		}
		p.backend = backend
	default:
		backend, err := sqlite.New(ctx, filepath.Join(cfg.DataDir, "kagura.db"))
		if err != nil {
			return nil, fmt.Errorf("opening sqlite backend: %w", err)
		}
		p.backend = backend
	}

	switch cfg.Cache.Backend {
	case config.BackendNetworked:
		kv, err := cache.NewRedis(ctx, cfg.Cache.RedisURL)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("opening redis cache: %w", err)
		}
		p.kv = kv
	default:
		p.kv = cache.NewMemory()
	}

	switch cfg.Vector.Backend {
	case config.BackendNetworked:
		index, err := milvus.New(ctx, cfg.Vector.VectorURL, cfg.Vector.MaxConcurrent)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("opening milvus index: %w", err)
		}
		p.index = index
	default:
		index, err := chromem.New(filepath.Join(cfg.DataDir, "vectors"))
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("opening vector index: %w", err)
		}
		p.index = index
	}

	if err := p.backend.Migrate(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	if cfg.Auth.VaultKey != "" {
		key, err := vault.DecodeKey(cfg.Auth.VaultKey)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("decoding API_KEY_SECRET: %w", err)
		}
		if p.vault, err = vault.New(p.backend, key); err != nil {
			p.Close()
			return nil, err
		}
	}

	// The vault, when present, resolves provider credentials; the factory
	// falls back to environment variables.
	var creds embeddings.CredentialSource
	if p.vault != nil {
		creds = p.vault
	}
	provider, err := embeddings.NewProvider(ctx, cfg.Embedding, creds)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.gateway = embeddings.NewGateway(provider, embeddings.GatewayConfig{
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		CacheSize:         cfg.Embedding.CacheSize,
		Shared:            p.kv,
	})

	p.users = users.NewStore(p.backend)
	p.memories = memory.NewStore(p.backend, p.index, p.gateway, p.kv)
	p.retrieval = retrieval.NewEngine(p.backend, p.index, p.gateway, p.memories, cfg.Retrieval.RRFConstant)
	p.graph = graph.New(p.backend)
	p.apikeys = apikeys.NewManager(p.backend, p.kv)
	p.audit = audit.NewLogger(p.backend)

	return p, nil
}

// probeHealth refuses startup while any backend is unreachable.
func (p *platform) probeHealth(ctx context.Context) error {
	if err := p.backend.Ping(ctx); err != nil {
		return fmt.Errorf("storage backend not healthy: %w", err)
	}
	if err := p.kv.Ping(ctx); err != nil {
		return fmt.Errorf("cache backend not healthy: %w", err)
	}
	if err := p.index.Ping(ctx); err != nil {
		return fmt.Errorf("vector index not healthy: %w", err)
	}
	return nil
}

// Close releases every opened backend. Safe on a partially opened platform.
func (p *platform) Close() {
	if p.index != nil {
		if err := p.index.Close(); err != nil {
			logger.Warnw("closing vector index failed", "error", err)
		}
	}
	if p.kv != nil {
		if err := p.kv.Close(); err != nil {
			logger.Warnw("closing cache failed", "error", err)
		}
	}
	if p.backend != nil {
		if err := p.backend.Close(); err != nil {
			logger.Warnw("closing storage backend failed", "error", err)
		}
	}
}
