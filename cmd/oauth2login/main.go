package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/chi-demo/app"
	dbutils "github.com/tendant/db-utils/db"

	"github.com/tendant/simple-oauth2/pkg/config"
	"github.com/tendant/simple-oauth2/pkg/groupdirectory"
	"github.com/tendant/simple-oauth2/pkg/nonce"
	"github.com/tendant/simple-oauth2/pkg/oauthflow"
	"github.com/tendant/simple-oauth2/pkg/oauthflow/api"
	"github.com/tendant/simple-oauth2/pkg/ratelimit"
	"github.com/tendant/simple-oauth2/pkg/reconciler"
	"github.com/tendant/simple-oauth2/pkg/resourceserver"
	"github.com/tendant/simple-oauth2/pkg/resourceserver/gitlab"
	"github.com/tendant/simple-oauth2/pkg/session"
)

const cleanupInterval = 5 * time.Minute

type sessionManager interface {
	session.Manager
	cleanup(ctx context.Context)
}

type memorySessions struct{ *session.InMemoryManager }

func (m memorySessions) cleanup(context.Context) {
	if n := m.CleanupExpired(); n > 0 {
		slog.Debug("Expired sessions removed", "count", n)
	}
}

type postgresSessions struct{ *session.PostgresManager }

func (m postgresSessions) cleanup(ctx context.Context) {
	n, err := m.CleanupExpired(ctx)
	if err != nil {
		slog.Warn("Failed to remove expired sessions", "error", err)
		return
	}
	if n > 0 {
		slog.Debug("Expired sessions removed", "count", n)
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(-1)
	}

	var (
		sessions sessionManager
		users    reconciler.UserRepository
		groups   resourceserver.GroupDirectory
	)
	if cfg.Database.Enabled {
		dbConfig := cfg.Database.ToDbConfig()
		pool, err := dbutils.NewDbPool(context.Background(), dbConfig)
		if err != nil {
			slog.Error("Failed creating dbpool", "db", dbConfig.Database, "host", dbConfig.Host, "port", dbConfig.Port, "user", dbConfig.User)
			os.Exit(-1)
		}
		sessions, users, groups = postgresStores(pool)
	} else {
		slog.Warn("Database disabled, users and sessions are kept in memory")
		sessions = memorySessions{session.NewInMemoryManager()}
		users = reconciler.NewInMemoryRepository()
		groups = groupdirectory.NewInMemory()
	}

	registry := resourceserver.NewRegistry()
	factory := gitlab.Factory(
		gitlab.WithTimeout(cfg.Login.HTTPTimeout),
		gitlab.WithConcurrency(cfg.Login.GroupConcurrency),
		gitlab.WithGroupDirectory(groups),
	)
	for _, rs := range cfg.ResourceServers {
		slog.Info("Configuring resource server", "resource_server", rs.String())
		if err := registry.Register(rs.Identifier, rs.DisplayTitle(), factory, resourceserver.Options{
			Enabled: rs.Enabled,
			Config:  rs,
		}); err != nil {
			slog.Error("Failed registering resource server", "identifier", rs.Identifier, "error", err)
			os.Exit(-1)
		}
	}
	if err := registry.ResolveEnabled(); err != nil {
		slog.Error("Invalid resource server", "error", err)
		os.Exit(-1)
	}

	nonces := nonce.NewService([]byte(cfg.Nonce.Secret),
		nonce.WithTTL(cfg.Login.StateTTL),
		nonce.WithCookie(cfg.Login.CookieSecure, cfg.Login.SameSite(), "/"),
	)
	rec := reconciler.New(users,
		reconciler.WithOverride(cfg.Login.OverrideUser),
		reconciler.WithUnavailablePolicy(reconciler.UnavailablePolicy(cfg.Login.UnavailablePolicy)),
	)
	controller := oauthflow.NewController(registry, nonces, rec)

	tokenAuth := jwtauth.New("HS256", []byte(cfg.JWT.Secret), nil)
	handle := api.NewHandle(controller, sessions, users, tokenAuth, cfg.Login, cfg.JWT)
	var limiter *ratelimit.RateLimiter
	if cfg.Login.RateLimitBurst > 0 {
		limiter = ratelimit.NewRateLimiter(cfg.Login.RateLimitBurst, cfg.Login.RateLimitPerMinute/60)
		handle.WithRateLimiter(limiter)
	}

	server := app.DefaultApp()
	app.RegisterHealthzRoutes(server.R)
	handle.RegisterRoutes(server.R)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runCleanup(ctx, sessions, limiter)

	slog.Info("OAuth2 login broker starting", "mode", cfg.Login.Mode, "callback", cfg.Login.CallbackPath,
		"providers", len(registry.ListEnabled()))
	server.Run()
}

func postgresStores(pool *pgxpool.Pool) (sessionManager, reconciler.UserRepository, resourceserver.GroupDirectory) {
	return postgresSessions{session.NewPostgresManager(pool)},
		reconciler.NewPostgresRepository(pool),
		groupdirectory.NewPostgres(pool)
}

func runCleanup(ctx context.Context, sessions sessionManager, limiter *ratelimit.RateLimiter) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions.cleanup(ctx)
			if limiter != nil {
				limiter.Sweep(cleanupInterval)
			}
		}
	}
}
