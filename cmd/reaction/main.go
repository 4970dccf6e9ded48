package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/reaction-framework/reaction/internal/app"
	"github.com/reaction-framework/reaction/internal/dispatch"
	"github.com/reaction-framework/reaction/internal/identity"
	"github.com/reaction-framework/reaction/internal/observability"
	"github.com/reaction-framework/reaction/internal/platform/cache"
	"github.com/reaction-framework/reaction/internal/platform/db"
	"github.com/reaction-framework/reaction/internal/rbac"
	"github.com/reaction-framework/reaction/internal/site"
	"github.com/reaction-framework/reaction/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.NewPool(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	jobClient := jobs.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	authStore := rbac.NewPGStore(pool)
	if err := authStore.Migrate(ctx); err != nil {
		logger.Error("migrate auth schema", slog.Any("error", err))
		os.Exit(1)
	}
	manager := rbac.NewManager(authStore,
		rbac.WithLogger(logger),
		rbac.WithCache(rbac.NewCheckCache(redisClient, cfg.RBACCacheTTL)),
		rbac.WithDefaultRoles(cfg.DefaultRoles()...),
		rbac.WithCheckObserver(metrics.ObserveCheck),
		rbac.WithInvalidationHook(func(ctx context.Context) {
			if _, err := jobClient.EnqueueRBACFlush(ctx, "graph mutation"); err != nil {
				logger.Warn("enqueue rbac flush", slog.Any("error", err))
			}
		}),
	)

	userStore := identity.NewPGUserStore(pool)
	if err := userStore.Migrate(ctx); err != nil {
		logger.Error("migrate accounts schema", slog.Any("error", err))
		os.Exit(1)
	}
	authenticator := identity.NewAuthenticator(userStore)

	sessionManager := identity.NewSessionManager(redisClient, cfg.SessionCookie, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := identity.NewCSRFManager(cfg.CSRFSecret)

	router := dispatch.NewRouter()
	site.Mount(router, authenticator, sessionManager, manager)

	resolver := dispatch.NewResolver(logger)
	resolver.Debug = cfg.AppDebug
	resolver.ErrorController = site.NewErrorController()

	services := dispatch.NewServices()
	services.Set("rbac", manager)
	services.Set("jobs", jobClient)

	handler := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		CSRFManager:    csrfManager,
		Metrics:        metrics,
		Dispatch: &dispatch.Handler{
			Router:   router,
			Resolver: resolver,
			Services: services,
		},
		Pool:  pool,
		Redis: redisClient,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      handler,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
