package domain

import (
	"encoding/json"
	"time"
)

// OrderCommittedLine — позиция в событии order.committed.
type OrderCommittedLine struct {
	Position  int    `json:"position"`
	ProductID string `json:"product_id"`
	SKU       string `json:"sku"`
	Quantity  int64  `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	Subtotal  string `json:"subtotal"`
}

// OrderCommittedPayload — тело события order.committed.
type OrderCommittedPayload struct {
	OrderID   string               `json:"order_id"`
	Total     string               `json:"total"`
	CreatedAt time.Time            `json:"created_at"`
	Lines     []OrderCommittedLine `json:"lines"`
}

// RollbackFailedPayload — тревога о несогласованном остатке.
type RollbackFailedPayload struct {
	ProductID  string            `json:"product_id"`
	Quantity   int64             `json:"quantity"`
	Unrestored []StockAdjustment `json:"unrestored"`
	Cause      string            `json:"cause"`
	RestoreErr string            `json:"restore_error"`
	DetectedAt time.Time         `json:"detected_at"`
}

// StockReplenishedPayload — тело события stock.replenished.
type StockReplenishedPayload struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
	Version   int64  `json:"version"`
}

// NewOrderCommittedMessage собирает outbox-сообщение для сохранённого заказа.
func NewOrderCommittedMessage(order Order) (OutboxMessage, error) {
	payload := OrderCommittedPayload{
		OrderID:   order.ID,
		Total:     order.Total.StringFixed(2),
		CreatedAt: order.CreatedAt,
		Lines:     make([]OrderCommittedLine, 0, len(order.Lines)),
	}
	for _, line := range order.Lines {
		payload.Lines = append(payload.Lines, OrderCommittedLine{
			Position:  line.Position,
			ProductID: line.ProductID,
			SKU:       line.SKU,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice.StringFixed(2),
			Subtotal:  line.Subtotal.StringFixed(2),
		})
	}
	return newOutboxMessage(AggregateOrder, order.ID, EventOrderCommitted, payload)
}

// NewRollbackFailedMessage собирает тревожное событие по ошибке компенсации.
func NewRollbackFailedMessage(failure *RollbackFailureError, detectedAt time.Time) (OutboxMessage, error) {
	payload := RollbackFailedPayload{
		ProductID:  failure.ProductID,
		Quantity:   failure.Quantity,
		Unrestored: failure.Unrestored,
		DetectedAt: detectedAt.UTC(),
	}
	if failure.Cause != nil {
		payload.Cause = failure.Cause.Error()
	}
	if failure.RestoreErr != nil {
		payload.RestoreErr = failure.RestoreErr.Error()
	}
	return newOutboxMessage(AggregateProduct, failure.ProductID, EventRollbackFailed, payload)
}

// NewStockReplenishedMessage собирает событие о пополнении остатка.
func NewStockReplenishedMessage(productID string, quantity, version int64) (OutboxMessage, error) {
	return newOutboxMessage(AggregateProduct, productID, EventStockReplenished, StockReplenishedPayload{
		ProductID: productID,
		Quantity:  quantity,
		Version:   version,
	})
}

func newOutboxMessage(aggregateType, aggregateID, eventType string, payload any) (OutboxMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return OutboxMessage{}, err
	}
	return OutboxMessage{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
	}, nil
}
