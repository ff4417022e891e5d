package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/vietddude/remedy/internal/core/config"
	"github.com/vietddude/remedy/internal/core/worker"
	redisclient "github.com/vietddude/remedy/internal/infra/redis"
	"github.com/vietddude/remedy/internal/infra/storage"
	"github.com/vietddude/remedy/internal/infra/storage/postgres"
	"github.com/vietddude/remedy/internal/loop/backoff"
	"github.com/vietddude/remedy/internal/loop/controller"
	"github.com/vietddude/remedy/internal/loop/dispatch"
	"github.com/vietddude/remedy/internal/loop/escalation"
	"github.com/vietddude/remedy/internal/loop/events"
	"github.com/vietddude/remedy/internal/loop/health"
	"github.com/vietddude/remedy/internal/loop/poller"
)

// App owns the engine and everything it runs on.
type App struct {
	cfg          *config.AppConfig
	engine       *controller.Engine
	store        storage.SessionRepository
	db           *postgres.DB
	redisClient  *redisclient.Client
	bus          *events.Bus
	pruner       *worker.Pruner
	healthMon    *health.Monitor
	healthServer *health.Server
	closers      []io.Closer
	log          *slog.Logger
}

// New wires an App from configuration. Nothing runs until Start or the
// engine is used.
func New(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	a := &App{cfg: cfg, log: slog.Default()}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close(context.Background())
		}
	}()

	// 1. Storage and run lock
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	var (
		locker      controller.Locker
		lockRefresh time.Duration
	)
	if a.redisClient != nil {
		runLock := redisclient.NewRunLock(a.redisClient, runnerID(), cfg.Redis.LockTTL)
		locker, lockRefresh = runLock, runLock.TTL()/3
	}

	// 2. Loop components
	scheduler, err := backoff.New(cfg.Backoff)
	if err != nil {
		return nil, fmt.Errorf("invalid backoff config: %w", err)
	}
	pl := poller.New(scheduler, cfg.Poll.Timeout, poller.WithMaxSourceErrors(cfg.Poll.MaxSourceErrors))

	classifier, err := buildClassifier(cfg.Classifier, cfg.Diagnoser)
	if err != nil {
		return nil, err
	}

	src, err := buildSource(cfg.Source)
	if err != nil {
		return nil, err
	}
	if c, isCloser := src.(io.Closer); isCloser {
		a.closers = append(a.closers, c)
	}

	coordinator, committer, err := buildWorkspace(ctx, cfg.Workspace)
	if err != nil {
		return nil, err
	}

	registry, err := buildRegistry(cfg.Fixers, cfg.Workspace.Dir, committer)
	if err != nil {
		return nil, err
	}

	// 3. Events and engine
	a.bus = events.NewBus(events.NewLogEmitter(a.log))
	engine, err := controller.New(controller.Options{
		Store:      a.store,
		Resolver:   buildResolver(cfg.Action, cfg.Workspace.Dir, src),
		Poller:     pl,
		Classifier: classifier,
		Dispatcher: dispatch.NewDispatcher(registry, cfg.Dispatch),
		Escalation: escalation.NewManager(),
		Rollback:   coordinator,
		Events:     a.bus,
		Locker:     locker,
		Logger:     a.log,

		LockRefresh: lockRefresh,
	})
	if err != nil {
		return nil, err
	}
	a.engine = engine

	// 4. Retention and health
	a.pruner = worker.NewPruner(cfg.Store, a.store)
	a.healthMon = health.NewMonitor(a.store, engine)
	a.healthServer = health.NewServer(a.healthMon, engine, cfg.Server.Port)

	ok = true
	return a, nil
}

// Engine returns the loop engine.
func (a *App) Engine() *controller.Engine {
	return a.engine
}

// Events returns the progress event bus.
func (a *App) Events() *events.Bus {
	return a.bus
}

// Store returns the session store.
func (a *App) Store() storage.SessionRepository {
	return a.store
}

// SessionConfig returns the per-session settings from the loop section.
func (a *App) SessionConfig() controller.Config {
	return controller.Config{
		MaxIterations:        a.cfg.Loop.MaxIterations,
		MaxDuration:          a.cfg.Loop.MaxDuration,
		RepeatThreshold:      a.cfg.Loop.RepeatThreshold,
		RollbackOnEscalation: a.cfg.Loop.RollbackOnEscalation,
	}
}

// Start launches the background workers. With serve set the health server
// is started too.
func (a *App) Start(ctx context.Context, serve bool) error {
	if serve {
		go func() {
			if err := a.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("Health server failed", "error", err)
			}
		}()
		a.log.Info("Health server listening", "port", a.cfg.Server.Port)
	}

	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}

	if a.cfg.Store.Retention > 0 {
		a.log.Info("Starting pruner", "retention", a.cfg.Store.Retention)
		go a.pruner.Start(ctx)
	}
	return nil
}

// Close stops the engine, cancelling running sessions, and releases every
// connection.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
	}
	if a.healthServer != nil {
		errs = append(errs, a.healthServer.Stop(ctx))
	}
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	} else if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	// The redis store closes the shared client itself.
	if a.redisClient != nil && a.cfg.Store.Driver != config.DriverRedis {
		errs = append(errs, a.redisClient.Close())
	}
	return errors.Join(errs...)
}

// runnerID identifies this process as a lock owner.
func runnerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
