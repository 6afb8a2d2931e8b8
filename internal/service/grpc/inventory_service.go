// Package grpcsvc публикует обработку заказов и каталог как gRPC-сервис.
package grpcsvc

import (
	"context"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
	"github.com/vladislavdragonenkov/inventory/internal/service/order"
)

// Replenisher пополняет остаток товара.
type Replenisher interface {
	Replenish(ctx context.Context, productID string, quantity int64) (int64, error)
}

// Dependencies — зависимости InventoryService.
type Dependencies struct {
	Processor order.OrderProcessor
	// Retrying используется, когда запрос выставил retry_on_conflict.
	Retrying    order.OrderProcessor
	Catalog     domain.CatalogStore
	Orders      domain.OrderStore
	Replenisher Replenisher
}

// InventoryService реализует inventory.v1.InventoryService.
type InventoryService struct {
	deps   Dependencies
	logger *log.Entry
}

// NewInventoryService конструирует сервис. Без Retrying повторы отключены.
func NewInventoryService(deps Dependencies, logger *log.Entry) *InventoryService {
	if logger == nil {
		logger = log.New().WithField("component", "inventory-service")
	}
	if deps.Retrying == nil {
		deps.Retrying = deps.Processor
	}
	return &InventoryService{deps: deps, logger: logger}
}

// ProcessOrder оформляет заказ и возвращает сохранённый агрегат.
func (s *InventoryService) ProcessOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	lines, err := decodeLines(req)
	if err != nil {
		return nil, toStatus(err)
	}

	processor := s.deps.Processor
	if boolField(req, "retry_on_conflict") {
		processor = s.deps.Retrying
	}

	placed, err := processor.ProcessOrder(ctx, lines)
	if err != nil {
		return nil, s.fail("process order", err)
	}
	return s.encode(encodeOrder(placed))
}

// GetProduct ищет товар по product_id, а без него по sku.
func (s *InventoryService) GetProduct(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var (
		product domain.Product
		err     error
	)
	switch id, sku := stringField(req, "product_id"), stringField(req, "sku"); {
	case id != "":
		product, err = s.deps.Catalog.Read(ctx, id)
	case sku != "":
		product, err = s.deps.Catalog.GetBySKU(ctx, sku)
	default:
		return nil, status.Error(codes.InvalidArgument, "product_id or sku is required")
	}
	if err != nil {
		return nil, s.fail("get product", err)
	}
	return s.encode(encodeProduct(product))
}

func (s *InventoryService) ReplenishStock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	quantity, err := intField(req, "quantity")
	if err != nil {
		return nil, toStatus(err)
	}
	productID := stringField(req, "product_id")

	version, err := s.deps.Replenisher.Replenish(ctx, productID, quantity)
	if err != nil {
		return nil, s.fail("replenish stock", err)
	}
	return s.encode(structpb.NewStruct(map[string]any{
		"product_id": productID,
		"version":    version,
	}))
}

func (s *InventoryService) GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	orderID := stringField(req, "order_id")
	if orderID == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}
	placed, err := s.deps.Orders.Get(ctx, orderID)
	if err != nil {
		return nil, s.fail("get order", err)
	}
	return s.encode(encodeOrder(placed))
}

// InventoryValue возвращает сумму price × stock по всему каталогу.
func (s *InventoryService) InventoryValue(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	value, err := s.deps.Catalog.InventoryValue(ctx)
	if err != nil {
		return nil, s.fail("inventory value", err)
	}
	return s.encode(structpb.NewStruct(map[string]any{"value": value.StringFixed(2)}))
}

func (s *InventoryService) fail(operation string, err error) error {
	if codeOf(err) == codes.Internal {
		s.logger.WithError(err).WithField("operation", operation).Error("request failed")
	}
	return toStatus(err)
}

func (s *InventoryService) encode(resp *structpb.Struct, err error) (*structpb.Struct, error) {
	if err != nil {
		s.logger.WithError(err).Error("failed to encode response")
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return resp, nil
}

var _ InventoryServiceServer = (*InventoryService)(nil)
