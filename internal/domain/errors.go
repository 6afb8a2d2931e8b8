package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProductNotFound возвращается, если товар отсутствует в каталоге.
	ErrProductNotFound = errors.New("product not found")
	// ErrCategoryNotFound возвращается, если категория отсутствует.
	ErrCategoryNotFound = errors.New("category not found")
	// ErrInsufficientStock — остатка недостаточно для списания.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrVersionConflict — версия товара изменилась между чтением и CAS-списанием.
	ErrVersionConflict = errors.New("product version conflict")
	// ErrOrderConflict — попытка заказа отклонена из-за конкурентной записи; можно повторить.
	ErrOrderConflict = errors.New("order conflict")
	// ErrRollbackFailure — компенсация не смогла вернуть остаток. Фатальная несогласованность склада.
	ErrRollbackFailure = errors.New("stock rollback failure")
	// ErrInvalidRequest — запрос отклонён до обращения к хранилищу.
	ErrInvalidRequest = errors.New("invalid order request")
	// ErrOrderCanceled — обработка прервана отменой или таймаутом контекста.
	ErrOrderCanceled = errors.New("order processing canceled")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderExists — заказ с таким ID уже сохранён.
	ErrOrderExists = errors.New("order already exists")
	// ErrDuplicateSKU — SKU уже занят другим товаром.
	ErrDuplicateSKU = errors.New("duplicate sku")
	// ErrStoreFailure — неклассифицированная ошибка хранилища.
	ErrStoreFailure = errors.New("store failure")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	// Ошибка некорректного количества (<= 0).
	ErrInvalidQuantity = errors.New("quantity must be greater than zero")
	// Ошибка отсутствующего идентификатора товара.
	ErrProductIDRequired = errors.New("product_id is required")
	// Ошибка отсутствующего SKU.
	ErrSKURequired = errors.New("sku is required")
	// Ошибка отрицательной цены.
	ErrPriceNegative = errors.New("price must be non-negative")
	// Ошибка отрицательного остатка.
	ErrStockNegative = errors.New("stock must be non-negative")
	// Ошибка пустого заказа.
	ErrLinesRequired = errors.New("order must contain at least one line")
	// Ошибка отрицательной суммы заказа.
	ErrTotalNegative = errors.New("order total must be non-negative")
	// Ошибка несоответствия подытога позиции цене и количеству.
	ErrSubtotalMismatch = errors.New("line subtotal does not match unit price * quantity")
	// Ошибка несоответствия суммы заказа сумме позиций.
	ErrTotalMismatch = errors.New("order total does not match lines sum")
)

// ProductNotFoundError уточняет ErrProductNotFound идентификатором товара.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %q not found", e.ProductID)
}

func (e *ProductNotFoundError) Is(target error) bool { return target == ErrProductNotFound }

// InsufficientStockError описывает нехватку остатка.
type InsufficientStockError struct {
	ProductID string
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %q: available %d, requested %d",
		e.ProductID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// OrderConflictError — заказ отклонён, т.к. товар изменён конкурентным запросом.
// Вызывающая сторона может повторить весь заказ целиком.
type OrderConflictError struct {
	ProductID string
	Cause     error
}

func (e *OrderConflictError) Error() string {
	return fmt.Sprintf("order conflict on product %q: concurrent stock update", e.ProductID)
}

func (e *OrderConflictError) Is(target error) bool { return target == ErrOrderConflict }

func (e *OrderConflictError) Unwrap() error { return e.Cause }

// StockAdjustment — количество, которое нужно вернуть на остаток товара.
type StockAdjustment struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// RollbackFailureError сигнализирует, что компенсация не смогла вернуть остаток.
// Исходная причина отказа заказа хранится в Cause, но не раскрывается через Unwrap:
// такая ошибка не должна классифицироваться как обычный конфликт или нехватка.
type RollbackFailureError struct {
	ProductID string
	Quantity  int64
	// Unrestored — все позиции, которые не удалось вернуть.
	Unrestored []StockAdjustment
	// Cause — ошибка, из-за которой запускался откат.
	Cause error
	// RestoreErr — последняя ошибка Increment для ProductID.
	RestoreErr error
}

func (e *RollbackFailureError) Error() string {
	parts := make([]string, 0, len(e.Unrestored))
	for _, adj := range e.Unrestored {
		parts = append(parts, fmt.Sprintf("%s:%d", adj.ProductID, adj.Quantity))
	}
	return fmt.Sprintf("stock rollback failed for product %q (restore %d): %v; unrestored [%s]; original failure: %v",
		e.ProductID, e.Quantity, e.RestoreErr, strings.Join(parts, ","), e.Cause)
}

func (e *RollbackFailureError) Is(target error) bool { return target == ErrRollbackFailure }

func (e *RollbackFailureError) Unwrap() error { return e.RestoreErr }

// InvalidRequestError — запрос отклонён на этапе валидации.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return "invalid order request: " + e.Reason
}

func (e *InvalidRequestError) Is(target error) bool { return target == ErrInvalidRequest }

// OrderCanceledError оборачивает ошибку контекста (Canceled / DeadlineExceeded).
type OrderCanceledError struct {
	Cause error
}

func (e *OrderCanceledError) Error() string {
	return fmt.Sprintf("order processing canceled: %v", e.Cause)
}

func (e *OrderCanceledError) Is(target error) bool { return target == ErrOrderCanceled }

func (e *OrderCanceledError) Unwrap() error { return e.Cause }

// IsVersionConflict проверяет, является ли ошибка конфликтом версий товара.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsOrderConflict проверяет, можно ли повторить заказ целиком.
func IsOrderConflict(err error) bool {
	return errors.Is(err, ErrOrderConflict)
}

// IsRollbackFailure проверяет фатальную ошибку компенсации.
func IsRollbackFailure(err error) bool {
	return errors.Is(err, ErrRollbackFailure)
}

// IsInsufficientStock проверяет нехватку остатка.
func IsInsufficientStock(err error) bool {
	return errors.Is(err, ErrInsufficientStock)
}

// IsProductNotFound проверяет отсутствие товара.
func IsProductNotFound(err error) bool {
	return errors.Is(err, ErrProductNotFound)
}
