package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// DefaultMaxLines ограничивает размер одного заказа.
const DefaultMaxLines = 100

// LineRequest — запрошенная позиция заказа (товар, количество).
type LineRequest struct {
	ProductID string `validate:"required"`
	Quantity  int64  `validate:"gte=1"`
}

type orderRequest struct {
	Lines []LineRequest `validate:"required,min=1,dive"`
}

var validate = validator.New()

// ValidateLines проверяет запрос до обращения к хранилищу.
// maxLines <= 0 отключает ограничение на число позиций.
func ValidateLines(lines []LineRequest, maxLines int) error {
	if err := validate.Struct(orderRequest{Lines: lines}); err != nil {
		return &InvalidRequestError{Reason: formatValidationError(err)}
	}
	if maxLines > 0 && len(lines) > maxLines {
		return &InvalidRequestError{Reason: fmt.Sprintf("too many lines: %d > %d", len(lines), maxLines)}
	}
	return nil
}

func formatValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// Namespace вида orderRequest.Lines[1].Quantity -> lines[1].quantity
		field := strings.ToLower(strings.TrimPrefix(fe.Namespace(), "orderRequest."))
		switch fe.Tag() {
		case "required":
			if fe.Field() == "Lines" {
				msgs = append(msgs, "lines must not be empty")
				continue
			}
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "min":
			msgs = append(msgs, "lines must not be empty")
		case "gte":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", field))
		}
	}
	return strings.Join(msgs, "; ")
}
