// Package replenishment пополняет складские остатки по RPC и по командам из Kafka.
package replenishment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
	"github.com/vladislavdragonenkov/inventory/internal/messaging/kafka"
)

// Handler увеличивает остаток и ставит событие stock.replenished в outbox.
type Handler struct {
	ledger domain.StockLedger
	outbox domain.OutboxRepository
	logger *log.Entry
}

// NewHandler создаёт обработчик. outbox может быть nil: тогда события не пишутся.
func NewHandler(ledger domain.StockLedger, outbox domain.OutboxRepository, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.New().WithField("component", "replenishment")
	}
	return &Handler{ledger: ledger, outbox: outbox, logger: logger}
}

// Replenish добавляет quantity к остатку товара и возвращает новую версию.
func (h *Handler) Replenish(ctx context.Context, productID string, quantity int64) (int64, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return 0, &domain.InvalidRequestError{Reason: domain.ErrProductIDRequired.Error()}
	}
	if quantity <= 0 {
		return 0, &domain.InvalidRequestError{Reason: domain.ErrInvalidQuantity.Error()}
	}

	version, err := h.ledger.Increment(ctx, productID, quantity)
	if err != nil {
		if domain.IsProductNotFound(err) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: replenish %s: %w", domain.ErrStoreFailure, productID, err)
	}

	entry := h.logger.WithFields(log.Fields{
		"product_id": productID,
		"quantity":   quantity,
		"version":    version,
	})
	entry.Info("stock replenished")
	h.enqueue(ctx, entry, productID, quantity, version)
	return version, nil
}

func (h *Handler) enqueue(ctx context.Context, entry *log.Entry, productID string, quantity, version int64) {
	if h.outbox == nil {
		return
	}
	msg, err := domain.NewStockReplenishedMessage(productID, quantity, version)
	if err == nil {
		_, err = h.outbox.Enqueue(context.WithoutCancel(ctx), msg)
	}
	if err != nil {
		entry.WithError(err).Error("failed to enqueue stock.replenished event")
	}
}

// HandleMessage — kafka.MessageHandler для topic inventory.stock.replenish.
// Битые и невалидные команды помечаются permanent и уходят в DLQ без повторов.
func (h *Handler) HandleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	cmd, err := kafka.ParseReplenishCommand(message)
	if err != nil {
		return kafka.Permanent(err)
	}

	_, err = h.Replenish(ctx, cmd.ProductID, cmd.Quantity)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrInvalidRequest), domain.IsProductNotFound(err):
		return kafka.Permanent(err)
	default:
		return err
	}
}

var _ kafka.MessageHandler = (*Handler)(nil).HandleMessage
