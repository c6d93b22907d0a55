package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/railzwaylabs/dirsync/internal/api"
	"github.com/railzwaylabs/dirsync/internal/config"
	"github.com/railzwaylabs/dirsync/internal/reconcile"
	"github.com/railzwaylabs/dirsync/internal/scheduler"
	"github.com/railzwaylabs/dirsync/internal/worker"
	"github.com/railzwaylabs/dirsync/pkg/db"
	zaplog "github.com/railzwaylabs/dirsync/pkg/log"
	"github.com/railzwaylabs/dirsync/pkg/snowflake"
)

// core wires everything except the HTTP surface and background loops.
func core(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),

		zaplog.Module,    // Logger Module
		snowflake.Module, // Snowflake ID Module
		persistence(cfg), // Repositories (Postgres or memory)
		fx.Provide(
			// Infrastructure (Adapters)
			newRegistry,
			newLocker,

			// Use Cases
			newResolver,
			newEngine,
			newRunner,
			newScheduler,
			newRemediationService,
			newDeadLetterManager,
		),
	)
}

// ServeOptions switches off parts of the long-running process, so the API,
// the worker pool and the scheduler can be scaled separately.
type ServeOptions struct {
	DisableAPI       bool
	DisableWorker    bool
	DisableScheduler bool
}

// RunServer starts the HTTP server, the worker pool and the scheduler.
func RunServer(opts ServeOptions) {
	cfg := config.Load()

	app := fx.New(
		core(cfg),
		fx.Supply(opts),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		fx.Provide(
			newWorkerPool,
			api.NewRouter,
		),
		fx.Invoke(registerHooks),
	)

	app.Run()
}

// RunMigrations executes database migrations (up or down).
func RunMigrations(command string) error {
	cfg := config.Load()
	logger, err := zaplog.Build(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.UseMemoryStore() {
		logger.Info("DB_TYPE is memory, nothing to migrate")
		return nil
	}

	logger.Info("Starting database migration...", zap.String("command", command))
	return db.Migrate(db.DSN(cfg), command, logger)
}

// RunOnce performs one reconciliation run of a connector and returns its
// result. It holds the same run lock as the scheduler.
func RunOnce(ctx context.Context, connectorID, mode string, dryRun bool) (*reconcile.Result, error) {
	cfg := config.Load()

	var (
		sched  *scheduler.Scheduler
		logger *zap.Logger
	)
	app := fx.New(
		core(cfg),
		fx.NopLogger,
		fx.Populate(&sched, &logger),
	)
	if err := app.Err(); err != nil {
		return nil, err
	}

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := app.Stop(stopCtx); err != nil {
			logger.Warn("stop_failed", zap.Error(err))
		}
	}()

	return sched.TriggerRun(ctx, connectorID, mode, dryRun)
}

func registerHooks(lc fx.Lifecycle, opts ServeOptions, router *api.Router, pool *worker.Pool, sched *scheduler.Scheduler, logger *zap.Logger) {
	var poolCancel context.CancelFunc
	var schedCancel context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if !opts.DisableWorker {
				poolCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
				poolCancel = cancel
				go pool.Run(poolCtx)
				logger.Info("Operation worker started")
			}

			if !opts.DisableScheduler {
				schedCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
				schedCancel = cancel
				go sched.Run(schedCtx)
				logger.Info("Run scheduler started")
			}

			if !opts.DisableAPI {
				go func() {
					if err := router.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Fatal("Server failed to start", zap.Error(err))
					}
				}()
				logger.Info("HTTP server started")
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if !opts.DisableAPI {
				logger.Info("Shutting down HTTP server gracefully...")

				shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				defer cancel()
				if err := router.Shutdown(shutdownCtx); err != nil {
					logger.Error("Server forced to shutdown", zap.Error(err))
				}
			}

			if poolCancel != nil {
				poolCancel()
			}
			if schedCancel != nil {
				schedCancel()
			}
			pool.Wait()
			sched.Wait()

			logger.Info("Dirsync stopped gracefully")
			return nil
		},
	})
}
