package app

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/railzwaylabs/dirsync/internal/adapter/connector/registry"
	"github.com/railzwaylabs/dirsync/internal/adapter/repository/memory"
	"github.com/railzwaylabs/dirsync/internal/adapter/repository/postgres"
	"github.com/railzwaylabs/dirsync/internal/config"
	"github.com/railzwaylabs/dirsync/internal/deadletter"
	"github.com/railzwaylabs/dirsync/internal/domain/conflict"
	"github.com/railzwaylabs/dirsync/internal/domain/connector"
	"github.com/railzwaylabs/dirsync/internal/domain/discrepancy"
	"github.com/railzwaylabs/dirsync/internal/domain/operation"
	"github.com/railzwaylabs/dirsync/internal/domain/run"
	"github.com/railzwaylabs/dirsync/internal/domain/schedule"
	"github.com/railzwaylabs/dirsync/internal/engine"
	"github.com/railzwaylabs/dirsync/internal/reconcile"
	"github.com/railzwaylabs/dirsync/internal/remediation"
	"github.com/railzwaylabs/dirsync/internal/resolver"
	"github.com/railzwaylabs/dirsync/internal/scheduler"
	"github.com/railzwaylabs/dirsync/internal/worker"
	"github.com/railzwaylabs/dirsync/pkg/db"
	"github.com/railzwaylabs/dirsync/pkg/lock"
	"github.com/railzwaylabs/dirsync/pkg/snowflake"
)

// persistence binds the repository ports to Postgres, or to process memory
// when DB_TYPE=memory.
func persistence(cfg *config.Config) fx.Option {
	if cfg.UseMemoryStore() {
		return fx.Provide(
			fx.Annotate(memory.NewOperationRepository, fx.As(new(operation.Repository))),
			fx.Annotate(memory.NewDiscrepancyRepository, fx.As(new(discrepancy.Repository))),
			fx.Annotate(memory.NewConflictRepository, fx.As(new(conflict.Repository))),
			fx.Annotate(memory.NewScheduleRepository, fx.As(new(schedule.Repository))),
			fx.Annotate(memory.NewRunRepository, fx.As(new(run.Repository))),
		)
	}

	return fx.Options(
		db.Module, // Database Module
		fx.Provide(
			fx.Annotate(postgres.NewOperationRepository, fx.As(new(operation.Repository))),
			fx.Annotate(postgres.NewDiscrepancyRepository, fx.As(new(discrepancy.Repository))),
			fx.Annotate(postgres.NewConflictRepository, fx.As(new(conflict.Repository))),
			fx.Annotate(postgres.NewScheduleRepository, fx.As(new(schedule.Repository))),
			fx.Annotate(postgres.NewRunRepository, fx.As(new(run.Repository))),
		),
	)
}

func newRegistry(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (connector.Registry, error) {
	reg, err := registry.Load(context.Background(), cfg.ConnectorsFile, registry.Options{
		DefaultConcurrency: cfg.ConnectorDefaultConcurrency,
		SecretKey:          cfg.ConnectorSecretKey,
	}, logger.Named("connector.registry"))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			reg.Close()
			return nil
		},
	})
	return reg, nil
}

// newLocker shares run locks through Redis when REDIS_ADDR is set. Without
// it, runs are only serialized within this process.
func newLocker(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) lock.Locker {
	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR not set, run locks are process-local")
		return lock.NewLocalLocker()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return rdb.Close()
		},
	})
	return lock.NewRedisLocker(rdb, cfg.AppName+":run-lock:")
}

func newResolver(records conflict.Repository, ids *snowflake.Node, logger *zap.Logger) *resolver.Resolver {
	return resolver.New(records, ids, logger)
}

func newEngine(
	cfg *config.Config,
	operations operation.Repository,
	discrepancies discrepancy.Repository,
	connectors connector.Registry,
	res *resolver.Resolver,
	ids *snowflake.Node,
	logger *zap.Logger,
) *engine.Engine {
	return engine.New(engine.Config{
		MaxRetries:  cfg.OperationMaxRetries,
		BackoffBase: cfg.RetryBaseDelay,
		BackoffMax:  cfg.RetryMaxDelay,
		CallTimeout: cfg.ConnectorCallTimeout,
	}, operations, discrepancies, connectors, res, ids, logger)
}

func newRunner(
	connectors connector.Registry,
	runs run.Repository,
	discrepancies discrepancy.Repository,
	ids *snowflake.Node,
	logger *zap.Logger,
) *reconcile.Runner {
	return reconcile.NewRunner(connectors, runs, discrepancies, ids, logger)
}

func newScheduler(
	cfg *config.Config,
	schedules schedule.Repository,
	runs run.Repository,
	runner *reconcile.Runner,
	connectors connector.Registry,
	locker lock.Locker,
	ids *snowflake.Node,
	logger *zap.Logger,
) *scheduler.Scheduler {
	return scheduler.New(scheduler.Config{
		Tick:    cfg.SchedulerTick,
		LockTTL: cfg.RunLockTTL,
	}, schedules, runs, runner, connectors, locker, ids, logger)
}

func newRemediationService(
	discrepancies discrepancy.Repository,
	operations operation.Repository,
	eng *engine.Engine,
	logger *zap.Logger,
) *remediation.Service {
	return remediation.NewService(discrepancies, operations, eng, logger)
}

func newDeadLetterManager(operations operation.Repository, eng *engine.Engine, logger *zap.Logger) *deadletter.Manager {
	return deadletter.NewManager(operations, eng, logger)
}

func newWorkerPool(
	cfg *config.Config,
	operations operation.Repository,
	eng *engine.Engine,
	connectors connector.Registry,
	logger *zap.Logger,
) *worker.Pool {
	return worker.NewPool(worker.Config{
		PollInterval:       cfg.WorkerPollInterval,
		BatchSize:          cfg.WorkerBatchSize,
		DefaultConcurrency: cfg.ConnectorDefaultConcurrency,
		ExecutionLease:     cfg.ExecutionLease,
		ConfirmTimeout:     cfg.AwaitConfirmationTimeout,
	}, operations, eng, connectors, logger)
}
