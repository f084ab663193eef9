package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ent0n29/taskrouter/internal/config"
	"github.com/ent0n29/taskrouter/internal/distribution"
	"github.com/ent0n29/taskrouter/internal/httpapi"
	"github.com/ent0n29/taskrouter/internal/observability"
	"github.com/ent0n29/taskrouter/internal/policy"
	"github.com/ent0n29/taskrouter/internal/reliability"
	"github.com/ent0n29/taskrouter/internal/session"
	"github.com/ent0n29/taskrouter/internal/spi"
	"github.com/ent0n29/taskrouter/internal/taskruntime"
	"github.com/ent0n29/taskrouter/internal/tasks"
	"github.com/ent0n29/taskrouter/internal/workbasket"
)

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	TaskService *taskruntime.Service
	Distributor *distribution.Engine
	Metrics     *observability.Metrics
	StoreMode   string

	// Cleanup should be called on shutdown to release the database pool.
	Cleanup func() error
}

// Build wires the engine from cfg. Without DATABASE_URL every store is kept
// in memory.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	engineFile, err := config.LoadEngineFile(cfg.EngineConfigFile)
	if err != nil {
		return nil, err
	}

	pool, err := openPool(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	var sessionPool session.Pool
	storeMode := "in-memory"
	if pool != nil {
		sessionPool = session.PgxPool{Pool: pool}
		storeMode = "postgres"
	}
	closePool := func() {
		if pool != nil {
			pool.Close()
		}
	}

	coord := session.NewCoordinator(sessionPool, metrics, logger)
	mode, err := session.ParseMode(cfg.ConnectionMode)
	if err != nil {
		closePool()
		return nil, err
	}
	coord.SetMode(mode)

	taskStore, err := tasks.NewStore(ctx, coord)
	if err != nil {
		closePool()
		return nil, fmt.Errorf("task store init failed: %w", err)
	}
	workbaskets, err := workbasket.NewStore(ctx, coord)
	if err != nil {
		closePool()
		return nil, fmt.Errorf("workbasket store init failed: %w", err)
	}
	if err := workbasket.Seed(ctx, workbaskets, engineFile.Workbaskets); err != nil {
		closePool()
		return nil, fmt.Errorf("workbasket seed failed: %w", err)
	}

	providers, err := spi.NewCatalog().Build(engineFile)
	if err != nil {
		closePool()
		return nil, fmt.Errorf("service providers: %w", err)
	}
	registry := spi.NewRegistry(providers, cfg.DefaultDistributionStrategy, metrics, logger)

	gate := policy.NewGate(workbaskets)
	taskService := taskruntime.New(taskruntime.Deps{
		Tasks:       taskStore,
		Workbaskets: workbaskets,
		Gate:        gate,
		Coordinator: coord,
		Registry:    registry,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err := taskService.InitializeProviders(); err != nil {
		closePool()
		return nil, err
	}

	distributor := distribution.NewEngine(distribution.Deps{
		Mover:    taskService,
		Tasks:    taskStore,
		Targets:  workbaskets,
		Gate:     gate,
		Registry: registry,
		Metrics:  metrics,
		Logger:   logger,
	})

	api := httpapi.New(cfg, taskService, distributor, metrics, logger)

	logger.Info("engine ready",
		zap.String("store_mode", storeMode),
		zap.String("connection_mode", string(coord.Mode())),
		zap.Strings("distribution_strategies", registry.Distribution.Strategies()),
		zap.Int("seeded_workbaskets", len(engineFile.Workbaskets)),
	)

	cleanup := func() error {
		var errs []string
		if err := taskStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := workbaskets.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		closePool()
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:      cfg,
		API:         api,
		TaskService: taskService,
		Distributor: distributor,
		Metrics:     metrics,
		StoreMode:   storeMode,
		Cleanup:     cleanup,
	}, nil
}

// openPool connects to DATABASE_URL, retrying transient failures while the
// database comes up. It returns nil when no URL is configured.
func openPool(ctx context.Context, cfg config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	url := strings.TrimSpace(cfg.DatabaseURL)
	if url == "" {
		return nil, nil
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("database config invalid: %w", err)
	}
	err = reliability.Retry(ctx, cfg.DatabaseConnectAttempts, cfg.DatabaseConnectBackoff, 10*cfg.DatabaseConnectBackoff, logger,
		func(ctx context.Context) error {
			return pool.Ping(ctx)
		})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	return pool, nil
}
