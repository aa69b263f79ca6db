package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/governance/internal/app"
	"github.com/odyssey-erp/governance/internal/leave"
	"github.com/odyssey-erp/governance/internal/observability"
	"github.com/odyssey-erp/governance/internal/platform/cache"
	"github.com/odyssey-erp/governance/internal/platform/db"
	"github.com/odyssey-erp/governance/internal/platform/pubsub"
	"github.com/odyssey-erp/governance/internal/rbac"
	"github.com/odyssey-erp/governance/internal/roles"
	"github.com/odyssey-erp/governance/internal/shared"
	"github.com/odyssey-erp/governance/internal/users"
	"github.com/odyssey-erp/governance/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
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
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	location, err := cfg.LeaveLocation()
	if err != nil {
		return err
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	bus := pubsub.NewRedisBus(redisClient, logger)
	profileFeed := pubsub.NewProfileListener(pool, cfg.ProfileNotifyChannel, bus.LocalBus, logger)

	auditLogger := shared.NewAuditLogger(pool)
	approvals := shared.NewApprovalRecorder(pool, logger)
	keys := shared.NewIdempotencyStore(pool)

	usersRepo := users.NewRepository(pool)
	directory := users.NewDirectory(usersRepo)

	overrides := rbac.NewRepository(pool)
	resolver := rbac.NewResolver(rbac.ResolverConfig{
		Store:    overrides,
		Timeout:  cfg.CollaboratorTimeout,
		Logger:   logger,
		Observer: metrics,
	})
	sessions := rbac.NewRegistry(rbac.RegistryConfig{
		Resolver:  resolver,
		Directory: directory,
		Bus:       bus,
		IdleTTL:   cfg.SessionIdleTTL,
		Logger:    logger,
	})
	rbacService := rbac.NewService(rbac.ServiceConfig{
		Store:     overrides,
		Resolver:  resolver,
		Directory: directory,
		Bus:       bus,
		Audit:     auditLogger,
		Logger:    logger,
	})
	editors := rbac.NewEditorRegistry(rbac.EditorConfig{
		Store:        overrides,
		Bus:          bus,
		Debounce:     cfg.PermissionsDebounce,
		WriteTimeout: cfg.CollaboratorTimeout,
		Logger:       logger,
	}, rbacService.Baseline)
	rbacMiddleware := rbac.Middleware{Sessions: sessions, Logger: logger}

	usersService := users.NewService(users.ServiceConfig{
		Repo:   usersRepo,
		Authz:  rbacService,
		Bus:    bus,
		Audit:  auditLogger,
		Logger: logger,
	})

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		return err
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("job inspector close", slog.Any("error", err))
		}
	}()

	leaveRepo := leave.NewRepository(pool)
	leaveService := leave.NewService(leave.ServiceConfig{
		Store:       leaveRepo,
		Managers:    usersRepo,
		Permissions: rbacService,
		Validator:   leave.NewValidator(leaveRepo, location, cfg.CollaboratorTimeout, logger),
		Approvals:   approvals,
		Notifier:    jobClient,
		Keys:        keys,
		Observer:    metrics,
		Logger:      logger,
	})

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		RBACMiddleware:     rbacMiddleware,
		PermissionsHandler: rbac.NewPermissionsHandler(logger, rbacService, sessions, editors, auditLogger, rbacMiddleware),
		RolesHandler:       roles.NewHandler(rbacMiddleware),
		UsersHandler:       users.NewHandler(logger, usersService, rbacMiddleware),
		LeaveHandler:       leave.NewHandler(logger, leaveService, approvals, location, rbacMiddleware),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
		Ready: func() error {
			readyCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := pool.Ping(readyCtx); err != nil {
				return err
			}
			return redisClient.Ping(readyCtx).Err()
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return bus.Run(groupCtx) })
	group.Go(func() error { return profileFeed.Run(groupCtx) })
	group.Go(func() error { return sessions.Run(groupCtx) })
	group.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown", slog.Any("error", err))
		}
		// no request can dirty an editor once the server has drained
		if err := editors.ReleaseAll(shutdownCtx); err != nil {
			logger.Warn("flush pending permission edits", slog.Any("error", err))
		}
		return nil
	})
	return group.Wait()
}
