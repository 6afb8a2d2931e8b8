package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// StockLedger охраняет складской счётчик товара от потерянных обновлений.
// Все изменения остатка проходят через compare-and-set по версии.
type StockLedger interface {
	// Read возвращает копию товара или ErrProductNotFound.
	Read(ctx context.Context, productID string) (Product, error)
	// TryDecrement списывает quantity, только если версия совпадает с expectedVersion
	// и остатка хватает. Возвращает новую версию.
	TryDecrement(ctx context.Context, productID string, quantity, expectedVersion int64) (int64, error)
	// Increment безусловно добавляет quantity (пополнение и компенсация).
	Increment(ctx context.Context, productID string, quantity int64) (int64, error)
}

// CatalogStore — каталог товаров и категорий поверх складского счётчика.
type CatalogStore interface {
	StockLedger
	// CreateProduct сохраняет новый товар с версией 0.
	CreateProduct(ctx context.Context, product Product) (Product, error)
	// GetBySKU ищет товар по бизнес-ключу.
	GetBySKU(ctx context.Context, sku string) (Product, error)
	// UpdatePrice меняет цену с проверкой версии; возвращает новую версию.
	UpdatePrice(ctx context.Context, productID string, price decimal.Decimal, expectedVersion int64) (int64, error)
	// CreateCategory сохраняет категорию.
	CreateCategory(ctx context.Context, category Category) (Category, error)
	// ListByCategory — обратный обход связи категория -> товары.
	ListByCategory(ctx context.Context, categoryID string) ([]Product, error)
	// InventoryValue возвращает суммарную стоимость остатков.
	InventoryValue(ctx context.Context) (decimal.Decimal, error)
}

// OrderStore хранит подтверждённые заказы.
type OrderStore interface {
	// Save атомарно сохраняет заголовок и позиции; назначает ID и CreatedAt, если они пусты.
	Save(ctx context.Context, order Order) (Order, error)
	// Get возвращает заказ или ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
}

// OrderEventStore сохраняет заказ вместе с событием outbox одной транзакцией.
type OrderEventStore interface {
	OrderStore
	// SaveWithEvent строит событие по сохраняемому заказу (уже с ID) и пишет
	// оба в одной транзакции: заказ без события не фиксируется.
	SaveWithEvent(ctx context.Context, order Order, event func(Order) (OutboxMessage, error)) (Order, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// OutboxPurger удаляет уже опубликованные события, чтобы outbox не рос бесконечно.
type OutboxPurger interface {
	// DeleteSent удаляет до limit сообщений со статусом sent, обновлённых не позже before.
	DeleteSent(ctx context.Context, before time.Time, limit int) (int, error)
}

// Типы агрегатов и событий outbox.
const (
	AggregateOrder   = "order"
	AggregateProduct = "product"

	EventOrderCommitted   = "order.committed"
	EventRollbackFailed   = "inventory.rollback_failed"
	EventStockReplenished = "stock.replenished"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
