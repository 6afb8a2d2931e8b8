package grpcsvc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
	"github.com/vladislavdragonenkov/inventory/internal/service/ledger"
)

// codeOf сопоставляет доменную ошибку коду gRPC.
// Сбой компенсации проверяется первым: он может оборачивать любую причину.
func codeOf(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case domain.IsRollbackFailure(err):
		return codes.DataLoss
	case errors.Is(err, domain.ErrInvalidRequest):
		return codes.InvalidArgument
	case domain.IsProductNotFound(err), errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrCategoryNotFound):
		return codes.NotFound
	case domain.IsInsufficientStock(err):
		return codes.FailedPrecondition
	case domain.IsOrderConflict(err):
		return codes.Aborted
	case errors.Is(err, domain.ErrOrderCanceled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		if errors.Is(err, context.DeadlineExceeded) {
			return codes.DeadlineExceeded
		}
		return codes.Canceled
	case errors.Is(err, ledger.ErrUnavailable):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// toStatus переводит ошибку в gRPC status. Текст внутренних ошибок наружу не отдаётся.
func toStatus(err error) error {
	code := codeOf(err)
	switch code {
	case codes.OK:
		return nil
	case codes.Internal:
		return status.Error(code, "internal error")
	case codes.Unavailable:
		return status.Error(code, "stock ledger is temporarily unavailable")
	default:
		return status.Error(code, err.Error())
	}
}
