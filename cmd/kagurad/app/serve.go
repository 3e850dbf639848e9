package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JFK/kagura-ai-sub007/pkg/api"
	"github.com/JFK/kagura-ai-sub007/pkg/auth"
	"github.com/JFK/kagura-ai-sub007/pkg/auth/oidc"
	"github.com/JFK/kagura-ai-sub007/pkg/authserver"
	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/logger"
	"github.com/JFK/kagura-ai-sub007/pkg/mcpserver"
	"github.com/JFK/kagura-ai-sub007/pkg/memory"
	"github.com/JFK/kagura-ai-sub007/pkg/tools"
	"github.com/JFK/kagura-ai-sub007/pkg/users"
	"github.com/JFK/kagura-ai-sub007/pkg/versions"
)

// oauthPurgeInterval is how often expired codes and token sessions are
// swept from storage.
const oauthPurgeInterval = time.Hour

func newServeCommand() *cobra.Command {
	var (
		stdio     bool
		stdioUser string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the memory platform",
		Long: `Run the memory platform: the REST API, the OAuth2 authorization server,
the MCP tool surface, and the background reconciler and GC loops.

With --stdio the daemon instead speaks MCP over stdin/stdout, for use as a
local MCP server. Stdio has no transport credentials; tool calls run as the
user named by --stdio-user (default: the first provisioned admin).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), stdio, stdioUser)
		},
	}
	cmd.Flags().BoolVar(&stdio, "stdio", false, "Serve MCP over stdin/stdout instead of HTTP")
	cmd.Flags().StringVar(&stdioUser, "stdio-user", "", "Email of the user stdio tool calls run as")
	return cmd
}

func runServe(parent context.Context, stdio bool, stdioUser string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := openPlatform(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.probeHealth(ctx); err != nil {
		return err
	}

	sessions := auth.NewSessions(p.kv, p.cfg.Auth.SessionTTL)
	csrf := auth.NewCSRF(p.cfg.Auth.JWTSecret)
	oauthStore := authserver.NewStore(p.backend)
	authSrv := authserver.New(oauthStore, authserver.NewClients(p.backend), p.cfg.PublicURL, p.cfg.Auth.JWTSecret)
	authenticator := auth.NewAuthenticator(sessions, p.users, authSrv, p.apikeys, csrf)

	var flow *oidc.Flow
	if p.cfg.OIDCEnabled() {
		if flow, err = oidc.NewFlow(ctx, p.cfg.Auth, p.users); err != nil {
			return err
		}
	} else {
		logger.Warnw("no upstream identity provider configured; browser login is disabled")
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, tools.Deps{
		Memories:  p.memories,
		Retrieval: p.retrieval,
		Graph:     p.graph,
		APIKeys:   p.apikeys,
		Audit:     p.audit,
	}); err != nil {
		return err
	}
	dispatcher := tools.NewDispatcher(registry, p.kv)
	mcp := mcpserver.New(dispatcher, versions.GetVersionInfo().Version)

	if stdio {
		principal, err := resolveStdioPrincipal(ctx, p.users, stdioUser)
		if err != nil {
			return err
		}
		return mcp.ServeStdio(ctx, principal)
	}

	go memory.NewReconciler(p.memories, 0).Run(ctx)
	if p.cfg.Memory.GCInterval > 0 {
		go p.memories.RunPeriodicGC(ctx, p.cfg.Memory.GCInterval, p.cfg.Memory.WorkingTTL)
	}
	go runOAuthPurge(ctx, oauthStore)

	router := api.NewRouter(api.Deps{
		Config:        p.cfg,
		Backend:       p.backend,
		KV:            p.kv,
		Index:         p.index,
		Users:         p.users,
		Sessions:      sessions,
		CSRF:          csrf,
		Authenticator: authenticator,
		OIDC:          flow,
		AuthServer:    authSrv,
		Memories:      p.memories,
		Retrieval:     p.retrieval,
		Graph:         p.graph,
		APIKeys:       p.apikeys,
		Vault:         p.vault,
		Audit:         p.audit,
		MCP:           mcp,
	})
	return api.Serve(ctx, p.cfg.ListenAddr, router)
}

// runOAuthPurge sweeps expired authorization codes and token sessions.
func runOAuthPurge(ctx context.Context, store *authserver.Store) {
	ticker := time.NewTicker(oauthPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := store.PurgeExpired(ctx); err != nil && ctx.Err() == nil {
				logger.Errorw("purging expired OAuth state failed", "error", err)
			} else if n > 0 {
				logger.Infow("purged expired OAuth state", "rows", n)
			}
		}
	}
}

// resolveStdioPrincipal picks the identity stdio tool calls run as.
func resolveStdioPrincipal(ctx context.Context, store *users.Store, email string) (*auth.Identity, error) {
	if email != "" {
		user, err := store.GetByEmail(ctx, email)
		if err != nil {
			return nil, err
		}
		return auth.FromUser(user, auth.MethodAPIKey), nil
	}
	list, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, user := range list {
		if user.Role == users.RoleAdmin {
			return auth.FromUser(user, auth.MethodAPIKey), nil
		}
	}
	return nil, kerrors.NewUnauthorizedError("no admin user provisioned; log in over HTTP first or pass --stdio-user", nil)
}
