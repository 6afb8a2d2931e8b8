package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
)

// catalogStoreInMemory — потокобезопасный каталог товаров с CAS по версии.
// Мьютекс держится только на время одного сравнения-и-записи.
type catalogStoreInMemory struct {
	mu         sync.RWMutex
	products   map[string]domain.Product
	bySKU      map[string]string
	categories map[string]domain.Category
}

// NewCatalogStore создаёт in-memory каталог.
func NewCatalogStore() *catalogStoreInMemory {
	return &catalogStoreInMemory{
		products:   make(map[string]domain.Product),
		bySKU:      make(map[string]string),
		categories: make(map[string]domain.Category),
	}
}

// CreateProduct сохраняет товар с версией 0. Пустой ID генерируется.
func (s *catalogStoreInMemory) CreateProduct(_ context.Context, product domain.Product) (domain.Product, error) {
	if product.ID == "" {
		product.ID = uuid.NewString()
	}
	product.Version = 0
	if errs := product.ValidateInvariants(); len(errs) > 0 {
		return domain.Product{}, errs[0]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.ID]; exists {
		return domain.Product{}, domain.ErrDuplicateSKU
	}
	if _, exists := s.bySKU[product.SKU]; exists {
		return domain.Product{}, domain.ErrDuplicateSKU
	}
	if product.CategoryID != "" {
		if _, ok := s.categories[product.CategoryID]; !ok {
			return domain.Product{}, domain.ErrCategoryNotFound
		}
	}

	s.products[product.ID] = product
	s.bySKU[product.SKU] = product.ID
	return product, nil
}

// Read возвращает копию товара.
func (s *catalogStoreInMemory) Read(_ context.Context, productID string) (domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[productID]
	if !ok {
		return domain.Product{}, &domain.ProductNotFoundError{ProductID: productID}
	}
	return product, nil
}

// GetBySKU ищет товар по SKU.
func (s *catalogStoreInMemory) GetBySKU(ctx context.Context, sku string) (domain.Product, error) {
	s.mu.RLock()
	id, ok := s.bySKU[sku]
	s.mu.RUnlock()
	if !ok {
		return domain.Product{}, &domain.ProductNotFoundError{ProductID: sku}
	}
	return s.Read(ctx, id)
}

// TryDecrement списывает остаток, если версия совпадает и остатка хватает.
func (s *catalogStoreInMemory) TryDecrement(_ context.Context, productID string, quantity, expectedVersion int64) (int64, error) {
	if quantity <= 0 {
		return 0, domain.ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[productID]
	if !ok {
		return 0, &domain.ProductNotFoundError{ProductID: productID}
	}
	if product.Version != expectedVersion {
		return 0, domain.ErrVersionConflict
	}
	if product.Stock < quantity {
		return 0, &domain.InsufficientStockError{ProductID: productID, Available: product.Stock, Requested: quantity}
	}

	product.Stock -= quantity
	product.Version++
	s.products[productID] = product
	return product.Version, nil
}

// Increment безусловно увеличивает остаток.
func (s *catalogStoreInMemory) Increment(_ context.Context, productID string, quantity int64) (int64, error) {
	if quantity <= 0 {
		return 0, domain.ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[productID]
	if !ok {
		return 0, &domain.ProductNotFoundError{ProductID: productID}
	}
	product.Stock += quantity
	product.Version++
	s.products[productID] = product
	return product.Version, nil
}

// UpdatePrice меняет цену с проверкой версии.
func (s *catalogStoreInMemory) UpdatePrice(_ context.Context, productID string, price decimal.Decimal, expectedVersion int64) (int64, error) {
	if price.IsNegative() {
		return 0, domain.ErrPriceNegative
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[productID]
	if !ok {
		return 0, &domain.ProductNotFoundError{ProductID: productID}
	}
	if product.Version != expectedVersion {
		return 0, domain.ErrVersionConflict
	}
	product.Price = price
	product.Version++
	s.products[productID] = product
	return product.Version, nil
}

// CreateCategory сохраняет категорию; имя уникально.
func (s *catalogStoreInMemory) CreateCategory(_ context.Context, category domain.Category) (domain.Category, error) {
	if category.ID == "" {
		category.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.categories {
		if existing.Name == category.Name {
			return existing, nil
		}
	}
	s.categories[category.ID] = category
	return category, nil
}

// ListByCategory возвращает товары категории, отсортированные по SKU.
func (s *catalogStoreInMemory) ListByCategory(_ context.Context, categoryID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.categories[categoryID]; !ok {
		return nil, domain.ErrCategoryNotFound
	}

	result := make([]domain.Product, 0)
	for _, product := range s.products {
		if product.CategoryID == categoryID {
			result = append(result, product)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SKU < result[j].SKU })
	return result, nil
}

// InventoryValue считает суммарную стоимость остатков.
func (s *catalogStoreInMemory) InventoryValue(_ context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, product := range s.products {
		total = total.Add(product.StockValue())
	}
	return total, nil
}

var _ domain.CatalogStore = (*catalogStoreInMemory)(nil)
