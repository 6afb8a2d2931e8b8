package domain

import "github.com/shopspring/decimal"

// Category группирует товары каталога. Связь с товарами хранится только
// на стороне товара (Product.CategoryID), обратный обход через ListByCategory.
type Category struct {
	ID          string
	Name        string
	Description string
}

// Product — товар каталога вместе со складским счётчиком.
type Product struct {
	ID         string
	SKU        string
	Name       string
	CategoryID string
	// Price — цена за единицу, фиксированная точка, не может быть отрицательной.
	Price decimal.Decimal
	// Stock — текущий остаток, никогда не уходит ниже нуля.
	Stock int64
	// Version растёт на единицу при каждом успешном изменении остатка.
	Version int64
}

// ValidateInvariants проверяет базовые инварианты товара.
func (p *Product) ValidateInvariants() []error {
	var errs []error

	if p.ID == "" {
		errs = append(errs, ErrProductIDRequired)
	}
	if p.SKU == "" {
		errs = append(errs, ErrSKURequired)
	}
	if p.Price.IsNegative() {
		errs = append(errs, ErrPriceNegative)
	}
	if p.Stock < 0 {
		errs = append(errs, ErrStockNegative)
	}

	return errs
}

// StockValue возвращает стоимость остатка: цена * количество.
func (p Product) StockValue() decimal.Decimal {
	return p.Price.Mul(decimal.NewFromInt(p.Stock))
}
