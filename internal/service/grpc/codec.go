package grpcsvc

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
)

func invalid(format string, args ...any) error {
	return &domain.InvalidRequestError{Reason: fmt.Sprintf(format, args...)}
}

func stringField(req *structpb.Struct, name string) string {
	return strings.TrimSpace(req.GetFields()[name].GetStringValue())
}

func boolField(req *structpb.Struct, name string) bool {
	return req.GetFields()[name].GetBoolValue()
}

// intField читает целое из number или string; дробные значения отклоняются.
func intField(req *structpb.Struct, name string) (int64, error) {
	value, ok := req.GetFields()[name]
	if !ok {
		return 0, nil
	}
	switch kind := value.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := kind.NumberValue
		if n != math.Trunc(n) || n >= math.MaxInt64 || n < math.MinInt64 {
			return 0, invalid("%s must be an integer", name)
		}
		return int64(n), nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(strings.TrimSpace(kind.StringValue), 10, 64)
		if err != nil {
			return 0, invalid("%s must be an integer", name)
		}
		return n, nil
	case *structpb.Value_NullValue:
		return 0, nil
	default:
		return 0, invalid("%s must be an integer", name)
	}
}

func decodeLines(req *structpb.Struct) ([]domain.LineRequest, error) {
	raw, ok := req.GetFields()["lines"]
	if !ok {
		return nil, nil
	}
	list := raw.GetListValue()
	if list == nil {
		return nil, invalid("lines must be a list")
	}

	lines := make([]domain.LineRequest, 0, len(list.GetValues()))
	for idx, item := range list.GetValues() {
		line := item.GetStructValue()
		if line == nil {
			return nil, invalid("lines[%d] must be an object", idx)
		}
		qty, err := intField(line, "quantity")
		if err != nil {
			return nil, invalid("lines[%d].quantity must be an integer", idx)
		}
		lines = append(lines, domain.LineRequest{
			ProductID: stringField(line, "product_id"),
			Quantity:  qty,
		})
	}
	return lines, nil
}

func encodeOrder(order domain.Order) (*structpb.Struct, error) {
	lines := make([]any, 0, len(order.Lines))
	for _, line := range order.Lines {
		lines = append(lines, map[string]any{
			"position":     line.Position,
			"product_id":   line.ProductID,
			"sku":          line.SKU,
			"product_name": line.ProductName,
			"quantity":     line.Quantity,
			"unit_price":   line.UnitPrice.StringFixed(2),
			"subtotal":     line.Subtotal.StringFixed(2),
		})
	}
	return structpb.NewStruct(map[string]any{
		"id":              order.ID,
		"created_at":      order.CreatedAt.UTC().Format(time.RFC3339Nano),
		"total":           order.Total.StringFixed(2),
		"lines":           lines,
		"total_quantity":  order.TotalQuantity(),
		"unique_products": order.UniqueProducts(),
	})
}

func encodeProduct(product domain.Product) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"id":          product.ID,
		"sku":         product.SKU,
		"name":        product.Name,
		"category_id": product.CategoryID,
		"price":       product.Price.StringFixed(2),
		"stock":       product.Stock,
		"version":     product.Version,
	})
}
