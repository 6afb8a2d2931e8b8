package order

import (
	"fmt"
	"math"
	"strings"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
)

// DuplicatePolicy определяет, как обрабатываются повторяющиеся товары в запросе.
//
// DuplicatePolicyKeep (по умолчанию): каждая строка запроса становится
// отдельной позицией заказа. Повторная строка того же товара заново читает
// товар и списывает остаток своей CAS-операцией, поэтому проверка остатка
// для неё видит уже уменьшенное значение.
//
// DuplicatePolicyMerge: строки одного товара сливаются в позицию первого
// вхождения с суммарным количеством. Остаток проверяется и списывается один
// раз на всю сумму.
//
// В обоих режимах Position позиции равен индексу строки в исходном запросе
// (для слитой позиции по индексу первого вхождения).
type DuplicatePolicy string

const (
	DuplicatePolicyKeep  DuplicatePolicy = "keep"
	DuplicatePolicyMerge DuplicatePolicy = "merge"
)

// ParseDuplicatePolicy разбирает значение из конфигурации. Пустая строка означает keep.
func ParseDuplicatePolicy(raw string) (DuplicatePolicy, error) {
	switch DuplicatePolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", DuplicatePolicyKeep:
		return DuplicatePolicyKeep, nil
	case DuplicatePolicyMerge:
		return DuplicatePolicyMerge, nil
	default:
		return "", fmt.Errorf("unknown duplicate policy %q (want keep or merge)", raw)
	}
}

// plannedLine — позиция, которую предстоит зарезервировать.
type plannedLine struct {
	Position  int
	ProductID string
	Quantity  int64
}

// plan раскладывает строки запроса в позиции. Для merge сумма количеств
// одного товара не может выйти за int64.
func (p DuplicatePolicy) plan(lines []domain.LineRequest) ([]plannedLine, error) {
	planned := make([]plannedLine, 0, len(lines))
	if p != DuplicatePolicyMerge {
		for i, line := range lines {
			planned = append(planned, plannedLine{Position: i, ProductID: line.ProductID, Quantity: line.Quantity})
		}
		return planned, nil
	}

	index := make(map[string]int, len(lines))
	for i, line := range lines {
		if at, ok := index[line.ProductID]; ok {
			if line.Quantity > math.MaxInt64-planned[at].Quantity {
				return nil, &domain.InvalidRequestError{
					Reason: fmt.Sprintf("merged quantity for product %q overflows", line.ProductID),
				}
			}
			planned[at].Quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(planned)
		planned = append(planned, plannedLine{Position: i, ProductID: line.ProductID, Quantity: line.Quantity})
	}
	return planned, nil
}
