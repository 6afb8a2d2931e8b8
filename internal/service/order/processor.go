// Package order оформляет заказ поверх складского счётчика: резервирует
// позиции CAS-списаниями, а при любой ошибке возвращает уже списанное.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
	"github.com/vladislavdragonenkov/inventory/internal/metrics"
	"github.com/vladislavdragonenkov/inventory/internal/service/ledger"
)

const (
	DefaultRollbackTimeout  = 5 * time.Second
	DefaultRollbackAttempts = 3
	defaultRollbackBackoff  = 50 * time.Millisecond
)

// OrderProcessor — контракт оформления заказа для транспортного слоя.
type OrderProcessor interface {
	ProcessOrder(ctx context.Context, lines []domain.LineRequest) (domain.Order, error)
}

// Processor выполняет одну попытку оформления заказа.
// Попытки независимы; сериализация происходит только в CAS ledger.
type Processor struct {
	ledger domain.StockLedger
	orders domain.OrderStore
	outbox domain.OutboxRepository

	logger  *log.Entry
	metrics *metrics.OrderMetrics
	tracer  trace.Tracer

	policy           DuplicatePolicy
	maxLines         int
	rollbackTimeout  time.Duration
	rollbackAttempts int
	rollbackBackoff  time.Duration
}

// Option настраивает Processor.
type Option func(*Processor)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics включает prometheus метрики.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithTracer заменяет глобальный tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Processor) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// WithOutbox включает публикацию order.committed и inventory.rollback_failed.
func WithOutbox(outbox domain.OutboxRepository) Option {
	return func(p *Processor) { p.outbox = outbox }
}

// WithDuplicatePolicy задаёт обработку повторяющихся товаров.
func WithDuplicatePolicy(policy DuplicatePolicy) Option {
	return func(p *Processor) {
		if policy != "" {
			p.policy = policy
		}
	}
}

// WithMaxLines ограничивает число строк запроса. 0 снимает ограничение.
func WithMaxLines(n int) Option {
	return func(p *Processor) {
		if n >= 0 {
			p.maxLines = n
		}
	}
}

// WithRollback задаёт общий таймаут компенсации, число попыток на позицию
// и начальную задержку между попытками.
func WithRollback(timeout time.Duration, attempts int, backoff time.Duration) Option {
	return func(p *Processor) {
		if timeout > 0 {
			p.rollbackTimeout = timeout
		}
		if attempts > 0 {
			p.rollbackAttempts = attempts
		}
		if backoff > 0 {
			p.rollbackBackoff = backoff
		}
	}
}

// NewProcessor создаёт обработчик заказов.
func NewProcessor(ledger domain.StockLedger, orders domain.OrderStore, opts ...Option) *Processor {
	p := &Processor{
		ledger:           ledger,
		orders:           orders,
		logger:           log.New().WithField("component", "order-processor"),
		tracer:           otel.Tracer("inventory/order"),
		policy:           DuplicatePolicyKeep,
		maxLines:         domain.DefaultMaxLines,
		rollbackTimeout:  DefaultRollbackTimeout,
		rollbackAttempts: DefaultRollbackAttempts,
		rollbackBackoff:  defaultRollbackBackoff,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessOrder проверяет запрос, резервирует позиции по порядку и сохраняет
// заказ. При любой ошибке после частичного списания остатки возвращаются до
// выхода из метода, в том числе при отмене ctx.
func (p *Processor) ProcessOrder(ctx context.Context, lines []domain.LineRequest) (result domain.Order, err error) {
	ctx, span := p.tracer.Start(ctx, "OrderProcessor.ProcessOrder", trace.WithAttributes(
		attribute.Int("lines", len(lines)),
		attribute.String("duplicate_policy", string(p.policy)),
	))
	defer span.End()

	att := newAttempt(p.logger)
	start := time.Now()
	if p.metrics != nil {
		p.metrics.RecordAttemptStarted()
	}
	defer func() {
		outcome := outcomeOf(err)
		if p.metrics != nil {
			p.metrics.RecordAttemptFinished(outcome, time.Since(start))
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
	}()

	if err := domain.ValidateLines(lines, p.maxLines); err != nil {
		att.advance(StateFailed, -1)
		att.logger.WithError(err).Debug("order request rejected")
		return domain.Order{}, err
	}

	planned, err := p.policy.plan(lines)
	if err != nil {
		att.advance(StateFailed, -1)
		att.logger.WithError(err).Debug("order request rejected")
		return domain.Order{}, err
	}

	reserved := make([]domain.OrderLine, 0, len(planned))
	for i, want := range planned {
		att.advance(StateReserving, i)
		line, applied, err := p.reserve(ctx, want)
		if applied {
			reserved = append(reserved, line)
		}
		if err != nil {
			return domain.Order{}, p.abort(ctx, att, reserved, err)
		}
	}

	att.advance(StateCommitting, -1)
	order, err := p.commit(ctx, reserved)
	if err != nil {
		return domain.Order{}, p.abort(ctx, att, reserved, err)
	}
	att.advance(StateCommitted, -1)

	span.SetAttributes(attribute.String("order_id", order.ID))
	if p.metrics != nil {
		p.metrics.RecordCommittedLines(len(order.Lines))
	}
	att.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"lines":    len(order.Lines),
		"total":    order.Total.StringFixed(2),
	}).Info("order committed")

	if !p.committedInTx() {
		p.enqueueCommitted(ctx, att, order)
	}
	return order, nil
}

// reserve читает товар, фиксирует цену и списывает остаток CAS-операцией.
// applied сообщает, что списание точно применено и позицию надо компенсировать
// при откате, даже если вместе с ним вернулась ошибка.
func (p *Processor) reserve(ctx context.Context, want plannedLine) (line domain.OrderLine, applied bool, err error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderLine{}, false, &domain.OrderCanceledError{Cause: err}
	}

	product, err := p.ledger.Read(ctx, want.ProductID)
	if err != nil {
		return domain.OrderLine{}, false, classifyLedgerError(ctx, want.ProductID, err)
	}
	if product.Stock < want.Quantity {
		return domain.OrderLine{}, false, &domain.InsufficientStockError{
			ProductID: product.ID,
			Available: product.Stock,
			Requested: want.Quantity,
		}
	}

	// Цена берётся из прочитанной версии. Если цена изменится позже,
	// CAS по версии отклонит списание.
	line = domain.NewOrderLine(want.Position, product, want.Quantity)

	// Отмена вызывающего не прерывает CAS, но хранилище может оборвать его
	// собственным таймаутом уже после записи. Такой исход выясняется сверкой.
	_, err = p.ledger.TryDecrement(context.WithoutCancel(ctx), product.ID, want.Quantity, product.Version)
	switch {
	case err == nil:
		return line, true, nil
	case isLedgerRejection(err):
		return domain.OrderLine{}, false, classifyLedgerError(ctx, product.ID, err)
	}

	cause := fmt.Errorf("%w: decrement product %q: %w", domain.ErrStoreFailure, product.ID, err)
	applied, reconcileErr := p.reconcile(ctx, product, want.Quantity)
	if reconcileErr != nil {
		return line, false, &unresolvedDecrementError{line: line, cause: cause, err: reconcileErr}
	}
	return line, applied, cause
}

// isLedgerRejection отделяет ответы ledger, после которых остаток точно не
// изменился. Разомкнутый автомат не пропускает вызов до хранилища.
func isLedgerRejection(err error) bool {
	return errors.Is(err, ledger.ErrUnavailable) ||
		errors.Is(err, domain.ErrProductNotFound) ||
		errors.Is(err, domain.ErrVersionConflict) ||
		errors.Is(err, domain.ErrInsufficientStock) ||
		errors.Is(err, domain.ErrInvalidQuantity)
}

// rechecker читает товар в обход автомата размыкания.
type rechecker interface {
	Recheck(ctx context.Context, productID string) (domain.Product, error)
}

// reconcile перечитывает товар после списания с неизвестным исходом.
// CAS по версии before.Version может пройти только один раз, поэтому
// версия before.Version+1 с остатком before.Stock-quantity означает наше
// списание; неизменная версия означает, что списания не было.
func (p *Processor) reconcile(ctx context.Context, before domain.Product, quantity int64) (bool, error) {
	rcCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.rollbackTimeout)
	defer cancel()

	read := p.ledger.Read
	if r, ok := p.ledger.(rechecker); ok {
		read = r.Recheck
	}

	delay := p.rollbackBackoff
	var lastErr error
	for attempt := 1; attempt <= p.rollbackAttempts; attempt++ {
		current, err := read(rcCtx, before.ID)
		if err == nil {
			switch {
			case current.Version == before.Version:
				return false, nil
			case current.Version == before.Version+1 && current.Stock == before.Stock-quantity:
				return true, nil
			default:
				return false, fmt.Errorf("product %q moved from version %d to %d", before.ID, before.Version, current.Version)
			}
		}
		lastErr = err

		p.logger.WithError(err).WithFields(log.Fields{
			"product_id": before.ID,
			"attempt":    attempt,
		}).Warn("reconcile read failed")

		if attempt == p.rollbackAttempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-rcCtx.Done():
			timer.Stop()
			return false, lastErr
		case <-timer.C:
		}
		delay *= 2
	}
	return false, lastErr
}

// unresolvedDecrementError — списание, про которое нельзя сказать, применилось ли оно.
type unresolvedDecrementError struct {
	line  domain.OrderLine
	cause error
	err   error
}

func (e *unresolvedDecrementError) Error() string {
	return fmt.Sprintf("decrement outcome unknown for product %q: %v", e.line.ProductID, e.err)
}

func (e *unresolvedDecrementError) Unwrap() error { return e.cause }

func (p *Processor) commit(ctx context.Context, lines []domain.OrderLine) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, &domain.OrderCanceledError{Cause: err}
	}

	order := domain.Order{Lines: lines}
	order.RecomputeTotal()
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, fmt.Errorf("order invariants violated: %w", errors.Join(errs...))
	}

	var (
		saved domain.Order
		err   error
	)
	if p.committedInTx() {
		saved, err = p.orders.(domain.OrderEventStore).SaveWithEvent(context.WithoutCancel(ctx), order, domain.NewOrderCommittedMessage)
		if err == nil && p.metrics != nil {
			p.metrics.RecordOutboxEvent(domain.EventOrderCommitted)
		}
	} else {
		saved, err = p.orders.Save(context.WithoutCancel(ctx), order)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("%w: persist order: %w", domain.ErrStoreFailure, err)
	}
	return saved, nil
}

// committedInTx сообщает, что order.committed пишется в outbox одной
// транзакцией с заказом.
func (p *Processor) committedInTx() bool {
	if p.outbox == nil {
		return false
	}
	_, ok := p.orders.(domain.OrderEventStore)
	return ok
}

// abort откатывает списания и переводит попытку в Failed.
func (p *Processor) abort(ctx context.Context, att *attempt, reserved []domain.OrderLine, cause error) error {
	att.advance(StateRollingBack, -1)

	failure := p.compensate(ctx, reserved, cause)
	var unresolved *unresolvedDecrementError
	if errors.As(cause, &unresolved) {
		failure = unresolved.escalate(failure)
	}
	if failure != nil {
		att.advance(StateFailed, -1)
		p.escalate(ctx, att, failure)
		return failure
	}
	att.advance(StateFailed, -1)

	entry := att.logger.WithError(cause).WithField("restored_lines", len(reserved))
	switch {
	case errors.Is(cause, domain.ErrStoreFailure):
		entry.Error("order attempt failed")
	case errors.Is(cause, domain.ErrOrderCanceled):
		entry.Info("order attempt canceled")
	default:
		entry.Warn("order attempt rejected")
	}
	return cause
}

// escalate добавляет позицию с неизвестным исходом к невозвращённым:
// вернуть её нельзя, не зная, списана ли она.
func (e *unresolvedDecrementError) escalate(failure *domain.RollbackFailureError) *domain.RollbackFailureError {
	lost := domain.StockAdjustment{ProductID: e.line.ProductID, Quantity: e.line.Quantity}
	if failure == nil {
		return &domain.RollbackFailureError{
			ProductID:  e.line.ProductID,
			Quantity:   e.line.Quantity,
			Unrestored: []domain.StockAdjustment{lost},
			Cause:      e.cause,
			RestoreErr: e.err,
		}
	}
	failure.Unrestored = append([]domain.StockAdjustment{lost}, failure.Unrestored...)
	return failure
}

func (p *Processor) escalate(ctx context.Context, att *attempt, failure *domain.RollbackFailureError) {
	att.logger.WithError(failure).WithFields(log.Fields{
		"product_id": failure.ProductID,
		"quantity":   failure.Quantity,
		"unrestored": len(failure.Unrestored),
	}).Error("stock rollback failed, inventory is inconsistent")

	if p.metrics != nil {
		p.metrics.RecordRollbackFailure()
	}
	if p.outbox == nil {
		return
	}

	msg, err := domain.NewRollbackFailedMessage(failure, time.Now())
	if err != nil {
		att.logger.WithError(err).Error("build rollback alert")
		return
	}
	p.enqueue(ctx, att, msg)
}

func (p *Processor) enqueueCommitted(ctx context.Context, att *attempt, order domain.Order) {
	if p.outbox == nil {
		return
	}
	msg, err := domain.NewOrderCommittedMessage(order)
	if err != nil {
		att.logger.WithError(err).WithField("order_id", order.ID).Error("build order event")
		return
	}
	p.enqueue(ctx, att, msg)
}

// enqueue пишет событие в outbox. Ошибка только логируется: заказ уже
// сохранён и остатки списаны.
func (p *Processor) enqueue(ctx context.Context, att *attempt, msg domain.OutboxMessage) {
	if _, err := p.outbox.Enqueue(context.WithoutCancel(ctx), msg); err != nil {
		att.logger.WithError(err).WithFields(log.Fields{
			"event_type":   msg.EventType,
			"aggregate_id": msg.AggregateID,
		}).Error("enqueue outbox event")
		return
	}
	if p.metrics != nil {
		p.metrics.RecordOutboxEvent(msg.EventType)
	}
}

// classifyLedgerError приводит ошибку ledger к типизированным ошибкам заказа.
func classifyLedgerError(ctx context.Context, productID string, err error) error {
	var (
		notFound     *domain.ProductNotFoundError
		insufficient *domain.InsufficientStockError
	)
	switch {
	case ctx.Err() != nil:
		return &domain.OrderCanceledError{Cause: ctx.Err()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &domain.OrderCanceledError{Cause: err}
	case errors.As(err, &notFound):
		return notFound
	case errors.Is(err, domain.ErrProductNotFound):
		return &domain.ProductNotFoundError{ProductID: productID}
	case errors.Is(err, domain.ErrVersionConflict):
		return &domain.OrderConflictError{ProductID: productID, Cause: err}
	case errors.As(err, &insufficient):
		return insufficient
	default:
		return fmt.Errorf("%w: product %q: %w", domain.ErrStoreFailure, productID, err)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeCommitted
	case domain.IsRollbackFailure(err):
		return metrics.OutcomeRollbackFailed
	case errors.Is(err, domain.ErrInvalidRequest):
		return metrics.OutcomeInvalid
	case errors.Is(err, domain.ErrOrderCanceled):
		return metrics.OutcomeCanceled
	case domain.IsOrderConflict(err):
		return metrics.OutcomeConflict
	case domain.IsInsufficientStock(err):
		return metrics.OutcomeInsufficientStock
	case domain.IsProductNotFound(err):
		return metrics.OutcomeNotFound
	default:
		return metrics.OutcomeStoreFailure
	}
}

var _ OrderProcessor = (*Processor)(nil)
