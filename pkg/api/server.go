// Package api contains the HTTP surface of the memory platform: the REST
// API, the login and OAuth2 endpoints, the MCP transport, and the health and
// metrics endpoints, assembled into one chi router.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	v1 "github.com/JFK/kagura-ai-sub007/pkg/api/v1"
	"github.com/JFK/kagura-ai-sub007/pkg/apikeys"
	"github.com/JFK/kagura-ai-sub007/pkg/audit"
	"github.com/JFK/kagura-ai-sub007/pkg/auth"
	"github.com/JFK/kagura-ai-sub007/pkg/auth/oidc"
	"github.com/JFK/kagura-ai-sub007/pkg/authserver"
	"github.com/JFK/kagura-ai-sub007/pkg/cache"
	"github.com/JFK/kagura-ai-sub007/pkg/config"
	"github.com/JFK/kagura-ai-sub007/pkg/graph"
	"github.com/JFK/kagura-ai-sub007/pkg/logger"
	"github.com/JFK/kagura-ai-sub007/pkg/mcpserver"
	"github.com/JFK/kagura-ai-sub007/pkg/memory"
	"github.com/JFK/kagura-ai-sub007/pkg/retrieval"
	"github.com/JFK/kagura-ai-sub007/pkg/storage"
	"github.com/JFK/kagura-ai-sub007/pkg/users"
	"github.com/JFK/kagura-ai-sub007/pkg/vault"
	"github.com/JFK/kagura-ai-sub007/pkg/vector"
)

// Not sure if these values need to be configurable.
const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 120 * time.Second
	shutdownGrace     = 10 * time.Second
)

// Deps are the wired services the HTTP surface serves.
type Deps struct {
	Config        *config.Config
	Backend       storage.Backend
	KV            cache.Cache
	Index         vector.Index
	Users         *users.Store
	Sessions      *auth.Sessions
	CSRF          *auth.CSRF
	Authenticator *auth.Authenticator
	// OIDC is nil when no upstream IdP is configured; the login endpoints
	// then refuse requests.
	OIDC       *oidc.Flow
	AuthServer *authserver.Server
	Memories   *memory.Store
	Retrieval  *retrieval.Engine
	Graph      *graph.Graph
	APIKeys    *apikeys.Manager
	Vault      *vault.Manager
	Audit      *audit.Logger
	MCP        *mcpserver.Server
}

// NewRouter assembles the full router. Middleware order matters: identity
// must be resolved before CSRF enforcement and before any route guard runs.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		metricsMiddleware,
		requestLogger,
		middleware.Timeout(middlewareTimeout),
		headersMiddleware,
	)
	if len(deps.Config.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   deps.Config.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", auth.CSRFHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(
		limitBody,
		deps.Authenticator.Middleware,
		deps.Authenticator.CSRFMiddleware,
	)

	r.Mount("/auth", AuthRouter(deps))

	deps.AuthServer.Mount(r)
	r.Mount("/oauth/clients", ClientRouter(deps))

	r.Mount("/api/v1", v1.Router(v1.Deps{
		Memories:   deps.Memories,
		Retrieval:  deps.Retrieval,
		Graph:      deps.Graph,
		APIKeys:    deps.APIKeys,
		Vault:      deps.Vault,
		Audit:      deps.Audit,
		Users:      deps.Users,
		WorkingTTL: deps.Config.Memory.WorkingTTL,
	}))

	deps.MCP.MountFallback(r)
	r.With(auth.RequireAuth).Handle("/mcp", deps.MCP.Handler())

	r.Get("/health", healthHandler(deps))
	r.Handle("/metrics", metricsHandler())

	return r
}

// Serve runs the HTTP server until ctx is cancelled, then drains with a
// grace deadline. The caller sets up signal handling.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("starting HTTP server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Infow("HTTP server stopped")
	return nil
}
