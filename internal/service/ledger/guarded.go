// Package ledger оборачивает domain.StockLedger автоматом размыкания,
// трассировкой и метриками.
//
// Автомат защищает только Read и TryDecrement. Increment и Recheck вызываются
// компенсацией и должны доходить до хранилища даже при разомкнутом автомате,
// иначе отказ базы превращается в потерю остатков.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
	"github.com/vladislavdragonenkov/inventory/internal/metrics"
)

// ErrUnavailable возвращается, пока автомат разомкнут.
var ErrUnavailable = errors.New("stock ledger unavailable")

const (
	opRead         = "read"
	opTryDecrement = "try_decrement"
	opIncrement    = "increment"
	opRecheck      = "recheck"
)

// Config задаёт параметры автомата размыкания.
type Config struct {
	Name         string
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultConfig возвращает параметры по умолчанию.
func DefaultConfig() Config {
	return Config{
		Name:         "stock-ledger",
		MaxRequests:  3,
		Interval:     5 * time.Second,
		Timeout:      10 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// Guarded — декоратор ledger с автоматом размыкания.
type Guarded struct {
	next    domain.StockLedger
	breaker *gobreaker.CircuitBreaker
	logger  *log.Entry
	metrics *metrics.LedgerMetrics
	tracer  trace.Tracer
}

// Option настраивает Guarded.
type Option func(*Guarded)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(g *Guarded) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics включает prometheus метрики.
func WithMetrics(m *metrics.LedgerMetrics) Option {
	return func(g *Guarded) { g.metrics = m }
}

// WithTracer заменяет глобальный tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(g *Guarded) {
		if tracer != nil {
			g.tracer = tracer
		}
	}
}

// NewGuarded оборачивает ledger.
func NewGuarded(next domain.StockLedger, cfg Config, opts ...Option) *Guarded {
	g := &Guarded{
		next:   next,
		logger: log.New().WithField("component", "stock-ledger"),
		tracer: otel.Tracer("inventory/ledger"),
	}
	for _, opt := range opts {
		opt(g)
	}

	defaults := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = defaults.Name
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = defaults.MinRequests
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = defaults.FailureRatio
	}

	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			g.logger.WithFields(log.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
			if g.metrics != nil {
				g.metrics.SetBreakerState(name, int(to))
			}
		},
		IsSuccessful: isBackendHealthy,
	})
	if g.metrics != nil {
		g.metrics.SetBreakerState(cfg.Name, int(gobreaker.StateClosed))
	}
	return g
}

// State возвращает текущее состояние автомата.
func (g *Guarded) State() gobreaker.State {
	return g.breaker.State()
}

// Read читает товар через автомат.
func (g *Guarded) Read(ctx context.Context, productID string) (domain.Product, error) {
	ctx, span := g.tracer.Start(ctx, "StockLedger.Read", trace.WithAttributes(
		attribute.String("product_id", productID),
	))
	defer span.End()

	start := time.Now()
	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.next.Read(ctx, productID)
	})
	err = g.finish(span, opRead, start, err)
	if err != nil {
		return domain.Product{}, err
	}
	return result.(domain.Product), nil
}

// TryDecrement выполняет CAS-списание через автомат.
func (g *Guarded) TryDecrement(ctx context.Context, productID string, quantity, expectedVersion int64) (int64, error) {
	ctx, span := g.tracer.Start(ctx, "StockLedger.TryDecrement", trace.WithAttributes(
		attribute.String("product_id", productID),
		attribute.Int64("quantity", quantity),
		attribute.Int64("expected_version", expectedVersion),
	))
	defer span.End()

	start := time.Now()
	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.next.TryDecrement(ctx, productID, quantity, expectedVersion)
	})
	err = g.finish(span, opTryDecrement, start, err)
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

// Increment идёт в хранилище напрямую, минуя автомат.
func (g *Guarded) Increment(ctx context.Context, productID string, quantity int64) (int64, error) {
	ctx, span := g.tracer.Start(ctx, "StockLedger.Increment", trace.WithAttributes(
		attribute.String("product_id", productID),
		attribute.Int64("quantity", quantity),
	))
	defer span.End()

	start := time.Now()
	version, err := g.next.Increment(ctx, productID, quantity)
	if err = g.finish(span, opIncrement, start, err); err != nil {
		return 0, err
	}
	return version, nil
}

// Recheck читает товар напрямую, минуя автомат. Нужен, чтобы выяснить исход
// списания, оборванного сбоем хранилища.
func (g *Guarded) Recheck(ctx context.Context, productID string) (domain.Product, error) {
	ctx, span := g.tracer.Start(ctx, "StockLedger.Recheck", trace.WithAttributes(
		attribute.String("product_id", productID),
	))
	defer span.End()

	start := time.Now()
	product, err := g.next.Read(ctx, productID)
	if err = g.finish(span, opRecheck, start, err); err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

func (g *Guarded) finish(span trace.Span, operation string, start time.Time, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	result := classify(err)
	if g.metrics != nil {
		g.metrics.RecordOperation(operation, result, time.Since(start))
	}
	span.SetAttributes(attribute.String("result", result))
	if err != nil {
		span.RecordError(err)
		if !isBackendHealthy(err) {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	return err
}

// isBackendHealthy отделяет бизнес-отказы от сбоев хранилища: конфликт
// версии или нехватка остатка не должны размыкать автомат.
func isBackendHealthy(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, domain.ErrProductNotFound),
		errors.Is(err, domain.ErrVersionConflict),
		errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, context.Canceled):
		return true
	default:
		return false
	}
}

func classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, domain.ErrProductNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrVersionConflict):
		return "conflict"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient"
	case errors.Is(err, domain.ErrInvalidQuantity):
		return "invalid"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

var _ domain.StockLedger = (*Guarded)(nil)
