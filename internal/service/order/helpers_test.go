package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
	"github.com/vladislavdragonenkov/inventory/internal/storage/memory"
)

var errBackend = errors.New("backend unavailable")

// hookedLedger оборачивает ledger и позволяет вмешиваться в операции.
type hookedLedger struct {
	domain.StockLedger

	mu sync.Mutex
	// afterRead вызывается после успешного Read.
	afterRead func(ctx context.Context, product domain.Product)
	// beforeDecrement может вернуть ошибку вместо реального списания.
	beforeDecrement func(ctx context.Context, productID string) error
	// afterDecrement вызывается после успешного списания.
	afterDecrement func(productID string)
	// failAfterDecrement подменяет результат уже применённого списания ошибкой.
	failAfterDecrement func(productID string) error
	// incrementErr может отклонить n-й вызов Increment для товара (n с 1).
	incrementErr func(productID string, call int) error

	reads      int
	decrements int
	increments map[string]int
}

func newHookedLedger(next domain.StockLedger) *hookedLedger {
	return &hookedLedger{StockLedger: next, increments: map[string]int{}}
}

func (h *hookedLedger) Read(ctx context.Context, productID string) (domain.Product, error) {
	h.mu.Lock()
	h.reads++
	hook := h.afterRead
	h.mu.Unlock()

	product, err := h.StockLedger.Read(ctx, productID)
	if err == nil && hook != nil {
		hook(ctx, product)
	}
	return product, err
}

func (h *hookedLedger) TryDecrement(ctx context.Context, productID string, quantity, expectedVersion int64) (int64, error) {
	h.mu.Lock()
	h.decrements++
	before, after, lost := h.beforeDecrement, h.afterDecrement, h.failAfterDecrement
	h.mu.Unlock()

	if before != nil {
		if err := before(ctx, productID); err != nil {
			return 0, err
		}
	}
	version, err := h.StockLedger.TryDecrement(ctx, productID, quantity, expectedVersion)
	if err == nil && after != nil {
		after(productID)
	}
	if err == nil && lost != nil {
		if lostErr := lost(productID); lostErr != nil {
			return 0, lostErr
		}
	}
	return version, err
}

func (h *hookedLedger) Increment(ctx context.Context, productID string, quantity int64) (int64, error) {
	h.mu.Lock()
	h.increments[productID]++
	call := h.increments[productID]
	hook := h.incrementErr
	h.mu.Unlock()

	if hook != nil {
		if err := hook(productID, call); err != nil {
			return 0, err
		}
	}
	return h.StockLedger.Increment(ctx, productID, quantity)
}

func (h *hookedLedger) calls() (reads, decrements int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reads, h.decrements
}

func (h *hookedLedger) incrementCalls(productID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.increments[productID]
}

// failingOrderStore всегда отклоняет сохранение.
type failingOrderStore struct {
	err   error
	saves int
}

func (s *failingOrderStore) Save(context.Context, domain.Order) (domain.Order, error) {
	s.saves++
	return domain.Order{}, s.err
}

func (s *failingOrderStore) Get(context.Context, string) (domain.Order, error) {
	return domain.Order{}, domain.ErrOrderNotFound
}

// eventOrderStore имитирует хранилище, пишущее заказ и событие одной транзакцией.
type eventOrderStore struct {
	domain.OrderStore
	outbox domain.OutboxRepository
	err    error
	saves  int
}

func (s *eventOrderStore) SaveWithEvent(ctx context.Context, order domain.Order, event func(domain.Order) (domain.OutboxMessage, error)) (domain.Order, error) {
	s.saves++
	if s.err != nil {
		return domain.Order{}, s.err
	}
	saved, err := s.OrderStore.Save(ctx, order)
	if err != nil {
		return domain.Order{}, err
	}
	msg, err := event(saved)
	if err != nil {
		return domain.Order{}, err
	}
	if _, err := s.outbox.Enqueue(ctx, msg); err != nil {
		return domain.Order{}, err
	}
	return saved, nil
}

type fixture struct {
	catalog domain.CatalogStore
	ledger  *hookedLedger
	orders  interface {
		domain.OrderStore
		Count() int
	}
	outbox interface {
		domain.OutboxRepository
		AllPending() []domain.OutboxMessage
	}
}

func newFixture() *fixture {
	catalog := memory.NewCatalogStore()
	return &fixture{
		catalog: catalog,
		ledger:  newHookedLedger(catalog),
		orders:  memory.NewOrderStore(),
		outbox:  memory.NewOutboxRepository(),
	}
}

func (f *fixture) processor(opts ...Option) *Processor {
	base := []Option{
		WithOutbox(f.outbox),
		WithRollback(time.Second, DefaultRollbackAttempts, time.Millisecond),
	}
	return NewProcessor(f.ledger, f.orders, append(base, opts...)...)
}

func (f *fixture) product(t *testing.T, sku, price string, stock int64) domain.Product {
	t.Helper()
	product, err := f.catalog.CreateProduct(context.Background(), domain.Product{
		SKU:   sku,
		Name:  "Product " + sku,
		Price: decimal.RequireFromString(price),
		Stock: stock,
	})
	if err != nil {
		t.Fatalf("create product %s: %v", sku, err)
	}
	return product
}

func (f *fixture) stock(t *testing.T, productID string) domain.Product {
	t.Helper()
	product, err := f.catalog.Read(context.Background(), productID)
	if err != nil {
		t.Fatalf("read %s: %v", productID, err)
	}
	return product
}

func (f *fixture) events(eventType string) []domain.OutboxMessage {
	var out []domain.OutboxMessage
	for _, msg := range f.outbox.AllPending() {
		if msg.EventType == eventType {
			out = append(out, msg)
		}
	}
	return out
}

func line(productID string, qty int64) domain.LineRequest {
	return domain.LineRequest{ProductID: productID, Quantity: qty}
}
