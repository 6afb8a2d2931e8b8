package order

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
)

// RetryConfig конфигурация повторов при конфликте версий.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      500 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

// RetryingProcessor повторяет заказ целиком, если попытка проиграла CAS.
// Остальные ошибки возвращаются сразу.
type RetryingProcessor struct {
	processor OrderProcessor
	config    RetryConfig
	logger    *log.Entry
}

// NewRetryingProcessor оборачивает processor повторами.
func NewRetryingProcessor(processor OrderProcessor, config RetryConfig, logger *log.Entry) *RetryingProcessor {
	if logger == nil {
		logger = log.New().WithField("component", "retrying-processor")
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 1
	}

	return &RetryingProcessor{
		processor: processor,
		config:    config,
		logger:    logger,
	}
}

// ProcessOrder запускает попытки до успеха, неповторяемой ошибки или
// исчерпания MaxAttempts.
func (rp *RetryingProcessor) ProcessOrder(ctx context.Context, lines []domain.LineRequest) (domain.Order, error) {
	delay := rp.config.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= rp.config.MaxAttempts; attempt++ {
		order, err := rp.processor.ProcessOrder(ctx, lines)
		if err == nil {
			if attempt > 1 {
				rp.logger.WithFields(log.Fields{
					"order_id": order.ID,
					"attempt":  attempt,
				}).Info("order committed after retry")
			}
			return order, nil
		}
		lastErr = err

		if !domain.IsOrderConflict(err) {
			return domain.Order{}, err
		}
		if attempt == rp.config.MaxAttempts {
			break
		}

		rp.logger.WithError(err).WithFields(log.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).Warn("order conflict, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.Order{}, &domain.OrderCanceledError{Cause: ctx.Err()}
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * rp.config.BackoffFactor)
		if rp.config.MaxDelay > 0 && delay > rp.config.MaxDelay {
			delay = rp.config.MaxDelay
		}
	}

	rp.logger.WithError(lastErr).WithField("max_attempts", rp.config.MaxAttempts).
		Warn("order conflict persisted after all retry attempts")
	return domain.Order{}, lastErr
}

var _ OrderProcessor = (*RetryingProcessor)(nil)
