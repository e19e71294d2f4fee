// Package control assembles the guard core and its operational surface:
// store selection, migrations, the HTTP server, and the background
// workers. Everything is constructed here and injected down; no package
// below this one reaches for a global.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/pressly/goose/v3"

	"github.com/bjpl/resguardo/internal/api"
	"github.com/bjpl/resguardo/internal/clients"
	"github.com/bjpl/resguardo/internal/core/clock"
	"github.com/bjpl/resguardo/internal/core/config"
	"github.com/bjpl/resguardo/internal/guard"
	redisclient "github.com/bjpl/resguardo/internal/infra/redis"
	"github.com/bjpl/resguardo/internal/infra/storage"
	"github.com/bjpl/resguardo/internal/infra/storage/memory"
	"github.com/bjpl/resguardo/internal/infra/storage/postgres"
)

// App is the composed service: guard core, HTTP surface, DLQ workers.
type App struct {
	cfg *config.AppConfig

	guard    *guard.Guard
	queue    *guard.Queue
	replayer *guard.Replayer
	sweeper  *guard.Sweeper
	server   *api.Server

	db          *postgres.DB
	redisClient *redisclient.Client
	log         *slog.Logger
}

// NewApp creates the application with all dependencies initialized.
// Postgres backs the dead letter queue and Redis backs the shared
// counters and circuit state; either can be omitted, in which case an
// in-process store takes its place and the corresponding guarantee
// shrinks to this instance.
func NewApp(cfg *config.AppConfig) (*App, error) {
	clk := clock.NewRealClock()

	// 1. Storage for the dead letter queue
	var repo storage.FailedOperationRepository
	var db *postgres.DB
	var mem *memory.MemoryStorage

	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}

		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB.DB, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}

		repo = postgres.NewFailedOperationRepo(db)
		slog.Info("using postgresql dead letter storage")
	} else {
		mem = memory.NewMemoryStorage(clk)
		repo = memory.NewFailedOperationRepo(mem)
		slog.Warn("using in-memory dead letter storage, records do not survive restarts")
	}

	// 2. Shared counter and circuit state
	var counterStore guard.CounterStore
	var circuitStore guard.StateStore
	var redisClient *redisclient.Client

	if cfg.Redis.URL != "" {
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		counterStore = redisClient
		circuitStore = redisClient
		slog.Info("using redis shared state, limits and circuits are cluster-wide")
	} else {
		if mem == nil {
			mem = memory.NewMemoryStorage(clk)
		}
		counterStore = memory.NewCounterStore(mem)
		circuitStore = memory.NewCircuitStore(mem)
		slog.Warn("using in-process state, limits and circuits are per-instance")
	}

	// 3. Guard core
	limiter := guard.NewLimiter(counterStore, cfg.RateLimit, clk)
	breakers := guard.NewBreakerRegistry(circuitStore, guard.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
	}, clk)
	queue := guard.NewQueue(repo, clk)

	executor := guard.NewExecutor(policyFrom(cfg.Retry), clk, queue)
	for category := range cfg.Retry.Categories {
		executor.SetCategoryPolicy(category, policyFrom(cfg.Retry.ForCategory(category)))
	}

	g := guard.New(limiter, breakers, executor, queue)

	// 4. Replay dispatch back to the platform services
	dispatcher := clients.NewDispatcher(g, cfg.Services)
	dispatcher.RegisterHandlers(queue)
	for _, id := range dispatcher.Dependencies() {
		breakers.For(id)
	}

	// 5. Background workers
	replayer := guard.NewReplayer(queue, cfg.DLQ)
	sweeper := guard.NewSweeper(queue, clk, cfg.DLQ.RetentionDays)

	// 6. HTTP surface
	checks := make(map[string]api.HealthCheck)
	if db != nil {
		checks["database"] = db.Health
	}
	if redisClient != nil {
		checks["redis"] = redisClient.Ping
	}
	server := api.NewServer(cfg.Server.Port, g, cfg.RateLimit, clk, checks)

	return &App{
		cfg:         cfg,
		guard:       g,
		queue:       queue,
		replayer:    replayer,
		sweeper:     sweeper,
		server:      server,
		db:          db,
		redisClient: redisClient,
		log:         slog.Default(),
	}, nil
}

// Start launches the HTTP server and background workers. It returns
// immediately; workers stop when ctx is canceled.
func (a *App) Start(ctx context.Context) error {
	go func() {
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("http server failed", "error", err)
		}
	}()

	go a.replayer.Start(ctx)
	go a.sweeper.Start(ctx)

	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}

	return nil
}

// Stop shuts the application down: the server stops accepting requests,
// in-flight dead letter writes flush, and store connections close.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping resguardo")

	err := a.server.Shutdown(ctx)

	a.queue.Flush()

	if a.redisClient != nil {
		if cerr := a.redisClient.Close(); cerr != nil {
			a.log.Warn("failed to close redis", "error", cerr)
		}
	}
	if a.db != nil {
		if cerr := a.db.Close(); cerr != nil {
			a.log.Warn("failed to close database", "error", cerr)
		}
	}
	return err
}

// Guard exposes the composed guard core for embedding callers and the
// CLI.
func (a *App) Guard() *guard.Guard {
	return a.guard
}

// Queue exposes the dead letter queue with replay handlers registered.
func (a *App) Queue() *guard.Queue {
	return a.queue
}

// Handler exposes the HTTP surface without binding a port, for tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

func policyFrom(rc config.RetryConfig) guard.Policy {
	return guard.Policy{
		MaxAttempts:     rc.MaxAttempts,
		InitialDelay:    rc.InitialDelay,
		MaxDelay:        rc.MaxDelay,
		ExponentialBase: rc.ExponentialBase,
		Jitter:          rc.Jitter,
	}
}
