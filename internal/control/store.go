package control

import (
	"context"
	"fmt"

	"github.com/vietddude/remedy/internal/core/config"
	redisclient "github.com/vietddude/remedy/internal/infra/redis"
	"github.com/vietddude/remedy/internal/infra/storage/jsonl"
	"github.com/vietddude/remedy/internal/infra/storage/memory"
	"github.com/vietddude/remedy/internal/infra/storage/postgres"
)

// openStore selects the session store. Redis is also connected when only
// its URL is set, so runs are locked across processes.
func (a *App) openStore(ctx context.Context) error {
	cfg := a.cfg

	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redisClient = client
	}

	switch cfg.Store.Driver {
	case config.DriverMemory, "":
		a.store = memory.NewMemoryStorage()
		a.log.Info("Using memory session store")

	case config.DriverJSONL:
		store, err := jsonl.NewStore(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open jsonl store: %w", err)
		}
		a.store = store
		a.log.Info("Using JSON lines session store", "path", cfg.Store.Path)

	case config.DriverPostgres:
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to init db: %w", err)
		}
		a.db = db
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("failed to migrate db: %w", err)
		}
		a.store = postgres.NewSessionRepo(db)
		a.log.Info("Using PostgreSQL session store")

	case config.DriverRedis:
		if a.redisClient == nil {
			return fmt.Errorf("store driver %q requires redis.url", cfg.Store.Driver)
		}
		a.store = redisclient.NewSessionRepo(a.redisClient)
		a.log.Info("Using Redis session store")

	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	return nil
}
