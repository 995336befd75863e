package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/retail-ledger/internal/platform/cache"
	"github.com/odyssey-erp/retail-ledger/internal/platform/db"
	"github.com/odyssey-erp/retail-ledger/internal/shared"
	"github.com/odyssey-erp/retail-ledger/internal/store"
	"github.com/odyssey-erp/retail-ledger/internal/store/memory"
	"github.com/odyssey-erp/retail-ledger/internal/store/postgres"
)

// lockWait bounds how long a sale-level operation waits for a held lock.
const lockWait = 2 * time.Second

// Runtime holds the backing infrastructure chosen by STORE_DRIVER.
type Runtime struct {
	Store  store.Store
	Locker shared.Locker
	Audit  shared.AuditPort
	Keys   shared.KeyStore
	Pool   *pgxpool.Pool
	Redis  *redis.Client
}

// OpenRuntime connects the configured store driver. The postgres driver
// also connects Redis for sale locks and applies migrations when
// DB_AUTO_MIGRATE is set; the memory driver runs fully in process.
func OpenRuntime(ctx context.Context, cfg *Config, logger *slog.Logger) (*Runtime, error) {
	if cfg.StoreDriver == StoreDriverMemory {
		logger.Warn("using in-memory store; data is lost on exit")
		return &Runtime{
			Store:  memory.New(),
			Locker: shared.NoopLocker{},
			Audit:  &shared.MemoryAudit{},
			Keys:   shared.NewMemoryKeyStore(),
		}, nil
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Pool: pool}
	if cfg.DBAutoMigrate {
		applied, err := db.Migrate(ctx, pool, logger)
		if err != nil {
			rt.Close(logger)
			return nil, err
		}
		logger.Info("migrations checked", slog.Int("applied", applied))
	}

	client, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		rt.Close(logger)
		return nil, fmt.Errorf("sale locks need redis: %w", err)
	}
	rt.Redis = client
	rt.Store = postgres.New(pool)
	rt.Locker = shared.NewRedisLocker(client, cfg.LockTTL, lockWait)
	rt.Audit = shared.NewAuditLogger(pool)
	rt.Keys = shared.NewIdempotencyStore(pool)
	return rt, nil
}

// Ready pings the backing services for /healthz.
func (rt *Runtime) Ready(r *http.Request) error {
	if rt.Pool != nil {
		if err := db.Ping(r.Context(), rt.Pool); err != nil {
			return err
		}
	}
	if rt.Redis != nil {
		if err := cache.Ping(r.Context(), rt.Redis); err != nil {
			return err
		}
	}
	return nil
}

// Close releases connections.
func (rt *Runtime) Close(logger *slog.Logger) {
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
}
