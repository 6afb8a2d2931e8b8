// Package rediscache добавляет read-through кэш Redis поверх каталога.
//
// Кэшируются только чтения каталога. Оформление заказа идёт через Ledger(),
// который читает остаток мимо кэша: устаревшая запись с заниженным остатком
// иначе отклоняла бы заказы до истечения TTL. Любая попытка изменить остаток
// сбрасывает ключ, включая неудачные.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
)

// DefaultTTL — время жизни записи, если не задано явно.
const DefaultTTL = 10 * time.Minute

// Catalog — декоратор domain.CatalogStore с кэшем чтений товара.
type Catalog struct {
	next   domain.CatalogStore
	client redis.UniversalClient
	ttl    time.Duration
	logger *log.Entry
}

// NewCatalog оборачивает каталог кэшем. ttl <= 0 заменяется на DefaultTTL.
func NewCatalog(next domain.CatalogStore, client redis.UniversalClient, ttl time.Duration, logger *log.Entry) *Catalog {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.New().WithField("component", "catalog-cache")
	}
	return &Catalog{next: next, client: client, ttl: ttl, logger: logger}
}

func productKey(id string) string { return "inventory:product:" + id }

func skuKey(sku string) string { return "inventory:sku:" + sku }

// Read читает товар из кэша, при промахе из каталога.
func (c *Catalog) Read(ctx context.Context, productID string) (domain.Product, error) {
	if product, ok := c.lookup(ctx, productKey(productID)); ok {
		return product, nil
	}

	product, err := c.next.Read(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	c.store(ctx, product)
	return product, nil
}

// GetBySKU разрешает SKU в ID через кэш и дальше читает как Read.
func (c *Catalog) GetBySKU(ctx context.Context, sku string) (domain.Product, error) {
	id, err := c.client.Get(ctx, skuKey(sku)).Result()
	if err == nil && id != "" {
		return c.Read(ctx, id)
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		c.logger.WithError(err).Debug("sku cache lookup failed")
	}

	product, err := c.next.GetBySKU(ctx, sku)
	if err != nil {
		return domain.Product{}, err
	}
	c.store(ctx, product)
	return product, nil
}

// TryDecrement всегда сбрасывает кэш: после конфликта версии нужен свежий read.
func (c *Catalog) TryDecrement(ctx context.Context, productID string, quantity, expectedVersion int64) (int64, error) {
	version, err := c.next.TryDecrement(ctx, productID, quantity, expectedVersion)
	c.invalidate(ctx, productID)
	return version, err
}

// Increment сбрасывает кэш после пополнения или компенсации.
func (c *Catalog) Increment(ctx context.Context, productID string, quantity int64) (int64, error) {
	version, err := c.next.Increment(ctx, productID, quantity)
	c.invalidate(ctx, productID)
	return version, err
}

func (c *Catalog) UpdatePrice(ctx context.Context, productID string, price decimal.Decimal, expectedVersion int64) (int64, error) {
	version, err := c.next.UpdatePrice(ctx, productID, price, expectedVersion)
	c.invalidate(ctx, productID)
	return version, err
}

func (c *Catalog) CreateProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	return c.next.CreateProduct(ctx, product)
}

func (c *Catalog) CreateCategory(ctx context.Context, category domain.Category) (domain.Category, error) {
	return c.next.CreateCategory(ctx, category)
}

func (c *Catalog) ListByCategory(ctx context.Context, categoryID string) ([]domain.Product, error) {
	return c.next.ListByCategory(ctx, categoryID)
}

func (c *Catalog) InventoryValue(ctx context.Context) (decimal.Decimal, error) {
	return c.next.InventoryValue(ctx)
}

// Ledger возвращает складской счётчик поверх того же каталога. Чтения идут
// в хранилище напрямую, изменения по-прежнему сбрасывают кэш.
func (c *Catalog) Ledger() domain.StockLedger {
	return stockLedger{cache: c}
}

type stockLedger struct {
	cache *Catalog
}

func (l stockLedger) Read(ctx context.Context, productID string) (domain.Product, error) {
	return l.cache.next.Read(ctx, productID)
}

func (l stockLedger) TryDecrement(ctx context.Context, productID string, quantity, expectedVersion int64) (int64, error) {
	return l.cache.TryDecrement(ctx, productID, quantity, expectedVersion)
}

func (l stockLedger) Increment(ctx context.Context, productID string, quantity int64) (int64, error) {
	return l.cache.Increment(ctx, productID, quantity)
}

func (c *Catalog) lookup(ctx context.Context, key string) (domain.Product, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WithError(err).WithField("key", key).Debug("cache lookup failed")
		}
		return domain.Product{}, false
	}

	var product domain.Product
	if err := json.Unmarshal(raw, &product); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("corrupt cache entry, dropping")
		c.client.Del(ctx, key)
		return domain.Product{}, false
	}
	return product, true
}

func (c *Catalog) store(ctx context.Context, product domain.Product) {
	data, err := json.Marshal(product)
	if err != nil {
		return
	}
	pipe := c.client.Pipeline()
	pipe.Set(ctx, productKey(product.ID), data, c.ttl)
	pipe.Set(ctx, skuKey(product.SKU), product.ID, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.WithError(err).WithField("product_id", product.ID).Debug("cache store failed")
	}
}

// invalidate не зависит от отмены контекста запроса: ключ должен быть сброшен.
func (c *Catalog) invalidate(ctx context.Context, productID string) {
	if err := c.client.Del(context.WithoutCancel(ctx), productKey(productID)).Err(); err != nil {
		c.logger.WithError(err).WithField("product_id", productID).Warn("cache invalidation failed")
	}
}

var _ domain.CatalogStore = (*Catalog)(nil)
