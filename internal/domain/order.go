package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderLine — одна позиция заказа. Цена фиксируется в момент обработки позиции
// и дальше не пересчитывается, даже если цена в каталоге изменилась.
type OrderLine struct {
	// Position — порядковый номер позиции в исходном запросе.
	Position    int
	ProductID   string
	SKU         string
	ProductName string
	Quantity    int64
	UnitPrice   decimal.Decimal
	Subtotal    decimal.Decimal
}

// NewOrderLine создаёт позицию с замороженной ценой товара.
func NewOrderLine(position int, product Product, quantity int64) OrderLine {
	return OrderLine{
		Position:    position,
		ProductID:   product.ID,
		SKU:         product.SKU,
		ProductName: product.Name,
		Quantity:    quantity,
		UnitPrice:   product.Price,
		Subtotal:    product.Price.Mul(decimal.NewFromInt(quantity)),
	}
}

// Order — агрегат подтверждённого заказа. После сохранения не изменяется.
type Order struct {
	ID        string
	CreatedAt time.Time
	Total     decimal.Decimal
	Lines     []OrderLine
}

// RecomputeTotal заново считает сумму заказа по позициям.
// Промежуточные накопления при обработке не используются.
func (o *Order) RecomputeTotal() decimal.Decimal {
	total := decimal.Zero
	for _, line := range o.Lines {
		total = total.Add(line.UnitPrice.Mul(decimal.NewFromInt(line.Quantity)))
	}
	o.Total = total
	return total
}

// TotalQuantity возвращает суммарное количество единиц во всех позициях.
func (o Order) TotalQuantity() int64 {
	var qty int64
	for _, line := range o.Lines {
		qty += line.Quantity
	}
	return qty
}

// UniqueProducts возвращает количество различных товаров в заказе.
func (o Order) UniqueProducts() int {
	seen := make(map[string]struct{}, len(o.Lines))
	for _, line := range o.Lines {
		seen[line.ProductID] = struct{}{}
	}
	return len(seen)
}

// ValidateInvariants проверяет инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if len(o.Lines) == 0 {
		errs = append(errs, ErrLinesRequired)
	}
	if o.Total.IsNegative() {
		errs = append(errs, ErrTotalNegative)
	}

	// Сумма заказа обязана совпадать с суммой подытогов позиций.
	calc := decimal.Zero
	for _, line := range o.Lines {
		if line.ProductID == "" {
			errs = append(errs, ErrProductIDRequired)
		}
		if line.Quantity <= 0 {
			errs = append(errs, ErrInvalidQuantity)
		}
		if line.UnitPrice.IsNegative() {
			errs = append(errs, ErrPriceNegative)
		}
		if !line.Subtotal.Equal(line.UnitPrice.Mul(decimal.NewFromInt(line.Quantity))) {
			errs = append(errs, ErrSubtotalMismatch)
		}
		calc = calc.Add(line.Subtotal)
	}
	if !calc.Equal(o.Total) {
		errs = append(errs, ErrTotalMismatch)
	}

	return errs
}
