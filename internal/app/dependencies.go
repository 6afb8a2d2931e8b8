package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
	"github.com/vladislavdragonenkov/inventory/internal/metrics"
	"github.com/vladislavdragonenkov/inventory/internal/service/ledger"
	"github.com/vladislavdragonenkov/inventory/internal/storage/memory"
	"github.com/vladislavdragonenkov/inventory/internal/storage/postgres"
	"github.com/vladislavdragonenkov/inventory/internal/storage/rediscache"
)

// runtimeDependencies — хранилища, выбранные по конфигурации.
type runtimeDependencies struct {
	catalog domain.CatalogStore
	ledger  *ledger.Guarded
	orders  domain.OrderStore
	outbox  domain.OutboxRepository
	// ping проверяет основное хранилище для /healthz.
	ping    func(context.Context) error
	closers []func() error
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{ping: func(context.Context) error { return nil }}

	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		deps.catalog = memory.NewCatalogStore()
		deps.orders = memory.NewOrderStore()
		deps.outbox = memory.NewOutboxRepository()
	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, errors.New("postgres dsn is required")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		deps.closers = append(deps.closers, store.Close)
		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				deps.close(logger)
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		deps.catalog = postgres.NewCatalogStore(store)
		deps.orders = postgres.NewOrderStore(store)
		deps.outbox = postgres.NewOutboxRepository(store)
		deps.ping = store.Ping
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	// Счётчик остатков всегда читает хранилище: кэш обслуживает только каталог.
	var stock domain.StockLedger = deps.catalog
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		deps.closers = append(deps.closers, client.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			// Кэш не обязателен: при недоступном Redis чтения идут мимо него.
			logger.WithError(err).WithField("addr", cfg.RedisAddr).Warn("redis is not reachable, cache will fall through")
		}
		cancel()
		cached := rediscache.NewCatalog(deps.catalog, client, cfg.CacheTTL, logger.WithField("component", "catalog-cache"))
		deps.catalog = cached
		stock = cached.Ledger()
	}

	deps.ledger = ledger.NewGuarded(stock, ledger.DefaultConfig(),
		ledger.WithLogger(logger.WithField("component", "stock-ledger")),
		ledger.WithMetrics(metrics.NewLedgerMetrics()),
	)

	if cfg.SeedDemo {
		if err := seedDemoCatalog(ctx, deps.catalog); err != nil {
			deps.close(logger)
			return nil, fmt.Errorf("seed demo catalog: %w", err)
		}
		logger.Info("demo catalog seeded")
	}
	return deps, nil
}

func (d *runtimeDependencies) close(logger *log.Entry) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			logger.WithError(err).Warn("failed to close dependency")
		}
	}
	d.closers = nil
}

// demoProducts — стартовый каталог для локальных прогонов и нагрузочного теста.
var demoProducts = []struct {
	sku, name, price string
	stock            int64
}{
	{"HOT-001", "Hot item", "9.99", 1000},
	{"HOT-002", "Limited edition", "49.90", 50},
	{"STD-001", "Widget", "10.00", 500},
	{"STD-002", "Gadget", "5.00", 500},
	{"STD-003", "Sprocket", "0.10", 10000},
}

func seedDemoCatalog(ctx context.Context, catalog domain.CatalogStore) error {
	category, err := catalog.CreateCategory(ctx, domain.Category{Name: "demo", Description: "seeded catalog"})
	if err != nil {
		return err
	}
	for _, p := range demoProducts {
		_, err := catalog.CreateProduct(ctx, domain.Product{
			SKU:        p.sku,
			Name:       p.name,
			CategoryID: category.ID,
			Price:      decimal.RequireFromString(p.price),
			Stock:      p.stock,
		})
		if errors.Is(err, domain.ErrDuplicateSKU) {
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}
