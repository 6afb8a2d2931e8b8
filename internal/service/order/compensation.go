package order

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
)

// compensate возвращает списанные позиции в обратном порядке.
//
// Откат не зависит от отмены ctx вызывающего и ограничен собственным
// таймаутом. Позиция, которую не удалось вернуть за rollbackAttempts
// попыток, не прерывает откат остальных.
func (p *Processor) compensate(ctx context.Context, reserved []domain.OrderLine, cause error) *domain.RollbackFailureError {
	if len(reserved) == 0 {
		return nil
	}

	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.rollbackTimeout)
	defer cancel()

	var failure *domain.RollbackFailureError
	for i := len(reserved) - 1; i >= 0; i-- {
		line := reserved[i]
		err := p.restore(rbCtx, line)
		if err == nil {
			if p.metrics != nil {
				p.metrics.RecordCompensation()
			}
			continue
		}

		if failure == nil {
			failure = &domain.RollbackFailureError{
				ProductID:  line.ProductID,
				Quantity:   line.Quantity,
				Cause:      cause,
				RestoreErr: err,
			}
		}
		failure.Unrestored = append(failure.Unrestored, domain.StockAdjustment{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
		})
	}
	return failure
}

// restore выполняет Increment с повторами и экспоненциальной задержкой.
func (p *Processor) restore(ctx context.Context, line domain.OrderLine) error {
	delay := p.rollbackBackoff
	var lastErr error
	for attempt := 1; attempt <= p.rollbackAttempts; attempt++ {
		_, err := p.ledger.Increment(ctx, line.ProductID, line.Quantity)
		if err == nil {
			return nil
		}
		lastErr = err

		p.logger.WithError(err).WithFields(log.Fields{
			"product_id": line.ProductID,
			"quantity":   line.Quantity,
			"attempt":    attempt,
		}).Warn("compensating increment failed")

		if attempt == p.rollbackAttempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
		delay *= 2
	}
	return lastErr
}
