package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
)

// orderStoreInMemory хранит подтверждённые заказы в памяти.
type orderStoreInMemory struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
}

// NewOrderStore создаёт in-memory хранилище заказов.
func NewOrderStore() *orderStoreInMemory {
	return &orderStoreInMemory{orders: make(map[string]domain.Order)}
}

// Save сохраняет заказ целиком. ID и CreatedAt назначаются, если не заданы.
func (s *orderStoreInMemory) Save(_ context.Context, order domain.Order) (domain.Order, error) {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[order.ID]; exists {
		return domain.Order{}, domain.ErrOrderExists
	}
	s.orders[order.ID] = cloneOrder(order)
	return cloneOrder(order), nil
}

// Get возвращает копию заказа.
func (s *orderStoreInMemory) Get(_ context.Context, id string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

// Count возвращает количество сохранённых заказов (используется в тестах).
func (s *orderStoreInMemory) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}

func cloneOrder(order domain.Order) domain.Order {
	lines := make([]domain.OrderLine, len(order.Lines))
	copy(lines, order.Lines)
	order.Lines = lines
	return order
}

var _ domain.OrderStore = (*orderStoreInMemory)(nil)
