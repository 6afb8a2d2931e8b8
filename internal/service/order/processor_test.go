package order

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
	"github.com/vladislavdragonenkov/inventory/internal/metrics"
	"github.com/vladislavdragonenkov/inventory/internal/service/ledger"
)

func TestProcessOrder_SingleLineDecrementsStockAndVersion(t *testing.T) {
	f := newFixture()
	product := f.product(t, "SKU-1", "4.50", 10)

	order, err := f.processor().ProcessOrder(context.Background(), []domain.LineRequest{line(product.ID, 3)})
	if err != nil {
		t.Fatalf("process order: %v", err)
	}

	stored := f.stock(t, product.ID)
	if stored.Stock != 7 || stored.Version != product.Version+1 {
		t.Fatalf("expected stock 7 version %d, got %+v", product.Version+1, stored)
	}
	if order.ID == "" || order.CreatedAt.IsZero() {
		t.Fatalf("expected persisted order with id, got %+v", order)
	}
	if len(order.Lines) != 1 || order.Lines[0].Quantity != 3 || order.Lines[0].SKU != "SKU-1" {
		t.Fatalf("unexpected lines: %+v", order.Lines)
	}
	if !order.Total.Equal(decimal.RequireFromString("13.50")) {
		t.Fatalf("expected total 13.50, got %s", order.Total)
	}
	if f.orders.Count() != 1 {
		t.Fatalf("expected 1 stored order, got %d", f.orders.Count())
	}

	events := f.events(domain.EventOrderCommitted)
	if len(events) != 1 || events[0].AggregateID != order.ID {
		t.Fatalf("expected order.committed event, got %+v", events)
	}
	var payload domain.OrderCommittedPayload
	if err := json.Unmarshal(events[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Total != "13.50" || len(payload.Lines) != 1 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestProcessOrder_TotalIsSumOfLineSubtotals(t *testing.T) {
	f := newFixture()
	a := f.product(t, "A", "10.00", 5)
	b := f.product(t, "B", "5.00", 5)
	c := f.product(t, "C", "0.10", 5)

	order, err := f.processor().ProcessOrder(context.Background(), []domain.LineRequest{
		line(a.ID, 2), line(b.ID, 1),
	})
	if err != nil {
		t.Fatalf("process order: %v", err)
	}
	if !order.Total.Equal(decimal.RequireFromString("25.00")) {
		t.Fatalf("expected total 25.00, got %s", order.Total)
	}
	if errs := order.ValidateInvariants(); len(errs) != 0 {
		t.Fatalf("order violates invariants: %v", errs)
	}

	// Десятичная арифметика без потерь: 0.10 * 3 == 0.30.
	order, err = f.processor().ProcessOrder(context.Background(), []domain.LineRequest{line(c.ID, 3)})
	if err != nil {
		t.Fatalf("process order: %v", err)
	}
	if order.Total.StringFixed(2) != "0.30" {
		t.Fatalf("expected total 0.30, got %s", order.Total)
	}
}

func TestProcessOrder_InsufficientStockLeavesStockUnchanged(t *testing.T) {
	f := newFixture()
	a := f.product(t, "A", "1.00", 5)
	b := f.product(t, "B", "1.00", 1)
	p := f.processor()
	lines := []domain.LineRequest{line(a.ID, 2), line(b.ID, 3)}

	for round := 0; round < 2; round++ {
		_, err := p.ProcessOrder(context.Background(), lines)

		var insufficient *domain.InsufficientStockError
		if !errors.As(err, &insufficient) {
			t.Fatalf("round %d: expected InsufficientStockError, got %v", round, err)
		}
		if insufficient.ProductID != b.ID || insufficient.Available != 1 || insufficient.Requested != 3 {
			t.Fatalf("round %d: unexpected error details: %+v", round, insufficient)
		}
		if got := f.stock(t, a.ID).Stock; got != 5 {
			t.Fatalf("round %d: expected stock of A restored to 5, got %d", round, got)
		}
		if got := f.stock(t, b.ID).Stock; got != 1 {
			t.Fatalf("round %d: expected stock of B untouched, got %d", round, got)
		}
	}

	if f.orders.Count() != 0 {
		t.Fatalf("failed order must not be persisted, got %d", f.orders.Count())
	}
	if len(f.events(domain.EventOrderCommitted)) != 0 {
		t.Fatal("failed order must not emit events")
	}
}

func TestProcessOrder_UnknownProductRestoresEarlierLines(t *testing.T) {
	f := newFixture()
	a := f.product(t, "A", "1.00", 5)

	_, err := f.processor().ProcessOrder(context.Background(), []domain.LineRequest{
		line(a.ID, 2), line("missing", 1),
	})

	var notFound *domain.ProductNotFoundError
	if !errors.As(err, &notFound) || notFound.ProductID != "missing" {
		t.Fatalf("expected ProductNotFoundError for missing, got %v", err)
	}
	if got := f.stock(t, a.ID).Stock; got != 5 {
		t.Fatalf("expected stock restored to 5, got %d", got)
	}
	if f.ledger.incrementCalls(a.ID) != 1 {
		t.Fatalf("expected one compensating increment, got %d", f.ledger.incrementCalls(a.ID))
	}
}

func TestProcessOrder_InvalidRequestTouchesNothing(t *testing.T) {
	f := newFixture()
	a := f.product(t, "A", "1.00", 5)

	cases := []struct {
		name   string
		lines  []domain.LineRequest
		reason string
	}{
		{name: "empty", lines: nil, reason: "lines must not be empty"},
		{name: "zero quantity", lines: []domain.LineRequest{line(a.ID, 1), line(a.ID, 0)}, reason: "lines[1].quantity"},
		{name: "negative quantity", lines: []domain.LineRequest{line(a.ID, -2)}, reason: "lines[0].quantity"},
		{name: "empty product id", lines: []domain.LineRequest{line("", 1)}, reason: "lines[0].productid is required"},
		{name: "too many lines", lines: []domain.LineRequest{line(a.ID, 1), line(a.ID, 1), line(a.ID, 1)}, reason: "too many lines"},
	}

	p := f.processor(WithMaxLines(2))
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.ProcessOrder(context.Background(), tc.lines)

			var invalid *domain.InvalidRequestError
			if !errors.As(err, &invalid) {
				t.Fatalf("expected InvalidRequestError, got %v", err)
			}
			if !strings.Contains(invalid.Reason, tc.reason) {
				t.Fatalf("expected reason containing %q, got %q", tc.reason, invalid.Reason)
			}
		})
	}

	if reads, decrements := f.ledger.calls(); reads != 0 || decrements != 0 {
		t.Fatalf("validation must happen before store access, got %d reads %d decrements", reads, decrements)
	}
}

func TestProcessOrder_VersionConflictIsRetryableAndCompensated(t *testing.T) {
	f := newFixture()
	a := f.product(t, "A", "1.00", 5)
	b := f.product(t, "B", "1.00", 5)

	// Конкурентное пополнение B между чтением и списанием.
	f.ledger.afterRead = func(ctx context.Context, product domain.Product) {
		if product.ID == b.ID {
			if _, err := f.catalog.Increment(ctx, b.ID, 1); err != nil {
				t.Errorf("concurrent increment: %v", err)
			}
		}
	}

	_, err := f.processor().ProcessOrder(context.Background(), []domain.LineRequest{
		line(a.ID, 2), line(b.ID, 1),
	})

	var conflict *domain.OrderConflictError
	if !errors.As(err, &conflict) || conflict.ProductID != b.ID {
		t.Fatalf("expected OrderConflictError on B, got %v", err)
	}
	if !domain.IsOrderConflict(err) || !domain.IsVersionConflict(err) {
		t.Fatalf("conflict must be classified as retryable, got %v", err)
	}
	if domain.IsRollbackFailure(err) {
		t.Fatal("conflict must not look like a rollback failure")
	}
	if got := f.stock(t, a.ID).Stock; got != 5 {
		t.Fatalf("expected stock of A restored, got %d", got)
	}
	if got := f.stock(t, b.ID).Stock; got != 6 {
		t.Fatalf("expected only the concurrent increment on B, got %d", got)
	}
}

func TestProcessOrder_ConcurrentOrdersNeverOversell(t *testing.T) {
	f := newFixture()
	a := f.product(t, "HOT-A", "1.00", 10)
	b := f.product(t, "HOT-B", "2.00", 10)
	p := f.processor()

	const workers = 40
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		start     = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := p.ProcessOrder(context.Background(), []domain.LineRequest{line(a.ID, 1), line(b.ID, 1)})
			switch {
			case err == nil:
				mu.Lock()
				successes++
				mu.Unlock()
			case domain.IsOrderConflict(err), domain.IsInsufficientStock(err):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes == 0 || successes > 10 {
		t.Fatalf("expected between 1 and 10 successful orders, got %d", successes)
	}
	stockA, stockB := f.stock(t, a.ID).Stock, f.stock(t, b.ID).Stock
	if stockA != int64(10-successes) || stockB != int64(10-successes) {
		t.Fatalf("stock must reflect exactly %d orders, got A=%d B=%d", successes, stockA, stockB)
	}
	if f.orders.Count() != successes {
		t.Fatalf("expected %d stored orders, got %d", successes, f.orders.Count())
	}
}

func TestProcessOrder_SingleUnitRaceHasOneWinner(t *testing.T) {
	f := newFixture()
	hot := f.product(t, "LAST", "9.99", 1)
	p := f.processor()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		start   = make(chan struct{})
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := p.ProcessOrder(context.Background(), []domain.LineRequest{line(hot.ID, 1)}); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	if got := f.stock(t, hot.ID); got.Stock != 0 || got.Version != 1 {
		t.Fatalf("expected stock 0 version 1, got %+v", got)
	}
}

func TestProcessOrder_RollbackFailureIsEscalated(t *testing.T) {
	f := newFixture()
	a := f.product(t, "A", "1.00", 5)
	f.ledger.incrementErr = func(productID string, _ int) error {
		if productID == a.ID {
			return errBackend
		}
		return nil
	}

	reg := prometheus.NewRegistry()
	p := f.processor(WithMetrics(metrics.NewOrderMetricsWithRegisterer(reg)))

	_, err := p.ProcessOrder(context.Background(), []domain.LineRequest{line(a.ID, 2), line("missing", 1)})

	var failure *domain.RollbackFailureError
	if !errors.As(err, &failure) {
		t.Fatalf("expected RollbackFailureError, got %v", err)
	}
	if !domain.IsRollbackFailure(err) {
		t.Fatal("expected IsRollbackFailure")
	}
	if failure.ProductID != a.ID || failure.Quantity != 2 {
		t.Fatalf("unexpected failure details: %+v", failure)
	}
	if len(failure.Unrestored) != 1 || failure.Unrestored[0] != (domain.StockAdjustment{ProductID: a.ID, Quantity: 2}) {
		t.Fatalf("unexpected unrestored lines: %+v", failure.Unrestored)
	}
	if !domain.IsProductNotFound(failure.Cause) {
		t.Fatalf("expected original cause to be preserved, got %v", failure.Cause)
	}
	if domain.IsProductNotFound(err) || domain.IsOrderConflict(err) {
		t.Fatalf("rollback failure must not be reported as an ordinary error: %v", err)
	}
	if !errors.Is(err, errBackend) {
		t.Fatalf("expected restore error to be reachable, got %v", err)
	}
	if got := f.ledger.incrementCalls(a.ID); got != DefaultRollbackAttempts {
		t.Fatalf("expected %d increment attempts, got %d", DefaultRollbackAttempts, got)
	}

	alerts := f.events(domain.EventRollbackFailed)
	if len(alerts) != 1 || alerts[0].AggregateID != a.ID {
		t.Fatalf("expected rollback alert in outbox, got %+v", alerts)
	}
	var payload domain.RollbackFailedPayload
	if err := json.Unmarshal(alerts[0].Payload, &payload); err != nil {
		t.Fatalf("decode alert: %v", err)
	}
	if payload.Quantity != 2 || len(payload.Unrestored) != 1 || payload.RestoreErr == "" {
		t.Fatalf("unexpected alert payload: %+v", payload)
	}

	assertOutcome(t, reg, metrics.OutcomeRollbackFailed, 1)
	assertCounter(t, reg, "inventory_rollback_failures_total", 1)
}

func TestProcessOrder_RollbackContinuesPastFailedLine(t *testing.T) {
	f := newFixture()
	a := f.product(t, "A", "1.00", 5)
	b := f.product(t, "B", "1.00", 5)
	f.ledger.incrementErr = func(productID string, _ int) error {
		if productID == a.ID {
			return errBackend
		}
		return nil
	}

	_, err := f.processor().ProcessOrder(context.Background(), []domain.LineRequest{
		line(a.ID, 1), line(b.ID, 2), line("missing", 1),
	})

	var failure *domain.RollbackFailureError
	if !errors.As(err, &failure) {
		t.Fatalf("expected RollbackFailureError, got %v", err)
	}
	if len(failure.Unrestored) != 1 || failure.Unrestored[0].ProductID != a.ID {
		t.Fatalf("expected only A unrestored, got %+v", failure.Unrestored)
	}
	if got := f.stock(t, b.ID).Stock; got != 5 {
		t.Fatalf("expected B restored despite A failing, got %d", got)
	}
	if got := f.stock(t, a.ID).Stock; got != 4 {
		t.Fatalf("expected A still decremented, got %d", got)
	}
}

func TestProcessOrder_RollbackRetriesTransientFailures(t *testing.T) {
	f := newFixture()
	a := f.product(t, "A", "1.00", 5)
	f.ledger.incrementErr = func(_ string, call int) error {
		if call < 3 {
			return errBackend
		}
		return nil
	}

	_, err := f.processor().ProcessOrder(context.Background(), []domain.LineRequest{line(a.ID, 2), line("missing", 1)})
	if !domain.IsProductNotFound(err) || domain.IsRollbackFailure(err) {
		t.Fatalf("expected original not found error after successful retry, got %v", err)
	}
	if got := f.stock(t, a.ID).Stock; got != 5 {
		t.Fatalf("expected stock restored, got %d", got)
	}
}

func TestProcessOrder_CancellationMidOrderCompensates(t *testing.T) {
	f := newFixture()
	a := f.product(t, "A", "1.00", 5)
	b := f.product(t, "B", "1.00", 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.ledger.afterDecrement = func(productID string) {
		if productID == a.ID {
			cancel()
		}
	}

	_, err := f.processor().ProcessOrder(ctx, []domain.LineRequest{line(a.ID, 2), line(b.ID, 1)})

	var canceled *domain.OrderCanceledError
	if !errors.As(err, &canceled) {
		t.Fatalf("expected OrderCanceledError, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled cause, got %v", err)
	}
	if got := f.stock(t, a.ID).Stock; got != 5 {
		t.Fatalf("expected stock of A restored after cancel, got %d", got)
	}
	if got := f.stock(t, b.ID); got.Stock != 5 || got.Version != b.Version {
		t.Fatalf("B must not be touched after cancel, got %+v", got)
	}
}

func TestProcessOrder_ExpiredContext(t *testing.T) {
	f := newFixture()
	a := f.product(t, "A", "1.00", 5)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := f.processor().ProcessOrder(ctx, []domain.LineRequest{line(a.ID, 1)})
	if !errors.Is(err, domain.ErrOrderCanceled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected canceled order with deadline cause, got %v", err)
	}
	if reads, _ := f.ledger.calls(); reads != 0 {
		t.Fatalf("expired context must stop before reading, got %d reads", reads)
	}
}

func TestProcessOrder_DecrementAppliedBeforeStoreTimeoutIsRestored(t *testing.T) {
	f := newFixture()
	a := f.product(t, "A", "1.00", 5)
	f.ledger.failAfterDecrement = func(string) error { return context.DeadlineExceeded }

	_, err := f.processor().ProcessOrder(context.Background(), []domain.LineRequest{line(a.ID, 2)})

	if !errors.Is(err, domain.ErrStoreFailure) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected store failure with deadline cause, got %v", err)
	}
	if errors.Is(err, domain.ErrOrderCanceled) || domain.IsRollbackFailure(err) {
		t.Fatalf("store timeout must not be reported as caller cancel or rollback failure: %v", err)
	}
	if got := f.stock(t, a.ID).Stock; got != 5 {
		t.Fatalf("applied decrement must be restored, got stock %d", got)
	}
	if got := f.ledger.incrementCalls(a.ID); got != 1 {
		t.Fatalf("expected one restore, got %d", got)
	}
}

func TestProcessOrder_DecrementNotAppliedIsNotRestored(t *testing.T) {
	f := newFixture()
	a := f.product(t, "A", "1.00", 5)
	f.ledger.beforeDecrement = func(context.Context, string) error { return context.DeadlineExceeded }

	_, err := f.processor().ProcessOrder(context.Background(), []domain.LineRequest{line(a.ID, 2)})

	if !errors.Is(err, domain.ErrStoreFailure) || domain.IsRollbackFailure(err) {
		t.Fatalf("expected plain store failure, got %v", err)
	}
	if got := f.ledger.incrementCalls(a.ID); got != 0 {
		t.Fatalf("decrement that never landed must not be restored, got %d increments", got)
	}
	if got := f.stock(t, a.ID); got.Stock != 5 || got.Version != a.Version {
		t.Fatalf("expected untouched product, got %+v", got)
	}
}

func TestProcessOrder_DecrementWithUnknownOutcomeIsEscalated(t *testing.T) {
	f := newFixture()
	a := f.product(t, "A", "1.00", 5)
	f.ledger.failAfterDecrement = func(productID string) error {
		// Параллельное пополнение сдвигает версию, и исход списания уже не восстановить.
		if _, err := f.catalog.Increment(context.Background(), productID, 1); err != nil {
			t.Errorf("concurrent increment: %v", err)
		}
		return context.DeadlineExceeded
	}

	_, err := f.processor().ProcessOrder(context.Background(), []domain.LineRequest{line(a.ID, 2)})

	var failure *domain.RollbackFailureError
	if !errors.As(err, &failure) {
		t.Fatalf("expected RollbackFailureError, got %v", err)
	}
	if len(failure.Unrestored) != 1 || failure.Unrestored[0] != (domain.StockAdjustment{ProductID: a.ID, Quantity: 2}) {
		t.Fatalf("unexpected unrestored lines: %+v", failure.Unrestored)
	}
	if !errors.Is(failure.Cause, domain.ErrStoreFailure) {
		t.Fatalf("expected store failure as cause, got %v", failure.Cause)
	}
	if got := f.ledger.incrementCalls(a.ID); got != 0 {
		t.Fatalf("unknown outcome must not be restored blindly, got %d increments", got)
	}
	if got := f.stock(t, a.ID).Stock; got != 4 {
		t.Fatalf("expected stock 4 after decrement and concurrent refill, got %d", got)
	}
	if alerts := f.events(domain.EventRollbackFailed); len(alerts) != 1 || alerts[0].AggregateID != a.ID {
		t.Fatalf("expected rollback alert in outbox, got %+v", alerts)
	}
}

func TestProcessOrder_PersistFailureCompensates(t *testing.T) {
	f := newFixture()
	a := f.product(t, "A", "1.00", 5)
	b := f.product(t, "B", "1.00", 5)
	store := &failingOrderStore{err: errBackend}

	p := NewProcessor(f.ledger, store, WithOutbox(f.outbox), WithRollback(time.Second, 3, time.Millisecond))
	_, err := p.ProcessOrder(context.Background(), []domain.LineRequest{line(a.ID, 1), line(b.ID, 4)})

	if !errors.Is(err, domain.ErrStoreFailure) || !errors.Is(err, errBackend) {
		t.Fatalf("expected classified store failure, got %v", err)
	}
	if store.saves != 1 {
		t.Fatalf("expected one save attempt, got %d", store.saves)
	}
	if f.stock(t, a.ID).Stock != 5 || f.stock(t, b.ID).Stock != 5 {
		t.Fatal("expected all stock restored after persist failure")
	}
	if len(f.outbox.AllPending()) != 0 {
		t.Fatal("persist failure must not emit events")
	}
}

func TestProcessOrder_CommittedEventWrittenWithOrder(t *testing.T) {
	f := newFixture()
	a := f.product(t, "A", "2.00", 5)
	store := &eventOrderStore{OrderStore: f.orders, outbox: f.outbox}

	order, err := NewProcessor(f.ledger, store, WithOutbox(f.outbox)).
		ProcessOrder(context.Background(), []domain.LineRequest{line(a.ID, 1)})
	if err != nil {
		t.Fatalf("process order: %v", err)
	}
	if store.saves != 1 {
		t.Fatalf("expected transactional save, got %d", store.saves)
	}
	events := f.events(domain.EventOrderCommitted)
	if len(events) != 1 || events[0].AggregateID != order.ID {
		t.Fatalf("expected exactly one order.committed for %s, got %+v", order.ID, events)
	}
}

func TestProcessOrder_TransactionalSaveFailureLeavesNoEvent(t *testing.T) {
	f := newFixture()
	a := f.product(t, "A", "2.00", 5)
	store := &eventOrderStore{OrderStore: f.orders, outbox: f.outbox, err: errBackend}

	_, err := NewProcessor(f.ledger, store, WithOutbox(f.outbox), WithRollback(time.Second, 3, time.Millisecond)).
		ProcessOrder(context.Background(), []domain.LineRequest{line(a.ID, 2)})
	if !errors.Is(err, domain.ErrStoreFailure) || !errors.Is(err, errBackend) {
		t.Fatalf("expected store failure, got %v", err)
	}
	if got := f.stock(t, a.ID).Stock; got != 5 {
		t.Fatalf("expected stock restored, got %d", got)
	}
	if len(f.outbox.AllPending()) != 0 {
		t.Fatal("failed save must not leave events")
	}
}

func TestProcessOrder_PriceIsFrozenAtRead(t *testing.T) {
	f := newFixture()
	a := f.product(t, "A", "10.00", 5)
	p := f.processor()

	order, err := p.ProcessOrder(context.Background(), []domain.LineRequest{line(a.ID, 2)})
	if err != nil {
		t.Fatalf("process order: %v", err)
	}

	current := f.stock(t, a.ID)
	if _, err := f.catalog.UpdatePrice(context.Background(), a.ID, decimal.RequireFromString("99.00"), current.Version); err != nil {
		t.Fatalf("update price: %v", err)
	}

	stored, err := f.orders.Get(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if !stored.Lines[0].UnitPrice.Equal(decimal.RequireFromString("10.00")) || !stored.Total.Equal(decimal.RequireFromString("20.00")) {
		t.Fatalf("persisted order must keep frozen price, got %+v", stored)
	}
}

func TestProcessOrder_PriceChangeAfterReadIsRejected(t *testing.T) {
	f := newFixture()
	a := f.product(t, "A", "10.00", 5)

	var once sync.Once
	f.ledger.afterRead = func(ctx context.Context, product domain.Product) {
		once.Do(func() {
			if _, err := f.catalog.UpdatePrice(ctx, product.ID, decimal.RequireFromString("12.00"), product.Version); err != nil {
				t.Errorf("update price: %v", err)
			}
		})
	}

	_, err := f.processor().ProcessOrder(context.Background(), []domain.LineRequest{line(a.ID, 1)})
	if !domain.IsOrderConflict(err) {
		t.Fatalf("expected conflict when price changes between read and decrement, got %v", err)
	}

	// Повтор видит новую цену.
	order, err := f.processor().ProcessOrder(context.Background(), []domain.LineRequest{line(a.ID, 1)})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !order.Lines[0].UnitPrice.Equal(decimal.RequireFromString("12.00")) {
		t.Fatalf("expected new price on retry, got %s", order.Lines[0].UnitPrice)
	}
}

func TestProcessOrder_PriceChangeOfReservedLineMidOrder(t *testing.T) {
	f := newFixture()
	a := f.product(t, "A", "10.00", 5)
	b := f.product(t, "B", "3.00", 5)

	var once sync.Once
	f.ledger.afterRead = func(ctx context.Context, product domain.Product) {
		if product.ID != b.ID {
			return
		}
		once.Do(func() {
			current := f.stock(t, a.ID)
			if _, err := f.catalog.UpdatePrice(ctx, a.ID, decimal.RequireFromString("99.00"), current.Version); err != nil {
				t.Errorf("update price: %v", err)
			}
		})
	}

	order, err := f.processor().ProcessOrder(context.Background(), []domain.LineRequest{line(a.ID, 2), line(b.ID, 1)})
	if err != nil {
		t.Fatalf("process order: %v", err)
	}

	stored, err := f.orders.Get(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if !stored.Lines[0].UnitPrice.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("reserved line must keep price read before decrement, got %s", stored.Lines[0].UnitPrice)
	}
	if !stored.Total.Equal(decimal.RequireFromString("23.00")) {
		t.Fatalf("expected total 23.00 from frozen prices, got %s", stored.Total)
	}
}

func TestProcessOrder_DuplicatePolicyKeep(t *testing.T) {
	f := newFixture()
	a := f.product(t, "A", "2.00", 10)
	b := f.product(t, "B", "1.00", 10)

	order, err := f.processor().ProcessOrder(context.Background(), []domain.LineRequest{
		line(a.ID, 2), line(b.ID, 1), line(a.ID, 3),
	})
	if err != nil {
		t.Fatalf("process order: %v", err)
	}

	if len(order.Lines) != 3 {
		t.Fatalf("expected 3 separate lines, got %d", len(order.Lines))
	}
	for i, l := range order.Lines {
		if l.Position != i {
			t.Fatalf("line %d has position %d", i, l.Position)
		}
	}
	if order.TotalQuantity() != 6 || order.UniqueProducts() != 2 {
		t.Fatalf("unexpected summary: qty=%d unique=%d", order.TotalQuantity(), order.UniqueProducts())
	}
	if got := f.stock(t, a.ID); got.Stock != 5 || got.Version != a.Version+2 {
		t.Fatalf("expected two decrements of A, got %+v", got)
	}
	if !order.Total.Equal(decimal.RequireFromString("11.00")) {
		t.Fatalf("expected total 11.00, got %s", order.Total)
	}
}

func TestProcessOrder_DuplicatePolicyMerge(t *testing.T) {
	f := newFixture()
	a := f.product(t, "A", "2.00", 10)
	b := f.product(t, "B", "1.00", 10)

	order, err := f.processor(WithDuplicatePolicy(DuplicatePolicyMerge)).ProcessOrder(context.Background(), []domain.LineRequest{
		line(a.ID, 2), line(b.ID, 1), line(a.ID, 3),
	})
	if err != nil {
		t.Fatalf("process order: %v", err)
	}

	if len(order.Lines) != 2 {
		t.Fatalf("expected merged lines, got %d", len(order.Lines))
	}
	first, second := order.Lines[0], order.Lines[1]
	if first.ProductID != a.ID || first.Quantity != 5 || first.Position != 0 {
		t.Fatalf("unexpected merged line: %+v", first)
	}
	if second.ProductID != b.ID || second.Position != 1 {
		t.Fatalf("unexpected second line: %+v", second)
	}
	if got := f.stock(t, a.ID); got.Stock != 5 || got.Version != a.Version+1 {
		t.Fatalf("expected one decrement of A, got %+v", got)
	}
	if !order.Total.Equal(decimal.RequireFromString("11.00")) {
		t.Fatalf("expected total 11.00, got %s", order.Total)
	}
}

func TestProcessOrder_DuplicatePolicyShortage(t *testing.T) {
	cases := []struct {
		policy    DuplicatePolicy
		available int64
		requested int64
	}{
		{policy: DuplicatePolicyKeep, available: 1, requested: 3},
		{policy: DuplicatePolicyMerge, available: 4, requested: 6},
	}

	for _, tc := range cases {
		t.Run(string(tc.policy), func(t *testing.T) {
			f := newFixture()
			a := f.product(t, "A", "1.00", 4)

			_, err := f.processor(WithDuplicatePolicy(tc.policy)).ProcessOrder(context.Background(), []domain.LineRequest{
				line(a.ID, 3), line(a.ID, 3),
			})

			var insufficient *domain.InsufficientStockError
			if !errors.As(err, &insufficient) {
				t.Fatalf("expected insufficient stock, got %v", err)
			}
			if insufficient.Available != tc.available || insufficient.Requested != tc.requested {
				t.Fatalf("unexpected details: %+v", insufficient)
			}
			if got := f.stock(t, a.ID).Stock; got != 4 {
				t.Fatalf("expected stock restored to 4, got %d", got)
			}
		})
	}
}

func TestProcessOrder_CompensationBypassesOpenBreaker(t *testing.T) {
	f := newFixture()
	a := f.product(t, "A", "1.00", 5)
	b := f.product(t, "B", "1.00", 5)
	f.ledger.beforeDecrement = func(_ context.Context, productID string) error {
		if productID == b.ID {
			return errBackend
		}
		return nil
	}

	cfg := ledger.DefaultConfig()
	cfg.MinRequests = 1
	cfg.FailureRatio = 0.1
	cfg.Timeout = time.Hour
	guarded := ledger.NewGuarded(f.ledger, cfg)

	p := NewProcessor(guarded, f.orders, WithRollback(time.Second, 3, time.Millisecond))
	_, err := p.ProcessOrder(context.Background(), []domain.LineRequest{line(a.ID, 2), line(b.ID, 1)})

	if !errors.Is(err, domain.ErrStoreFailure) || domain.IsRollbackFailure(err) {
		t.Fatalf("expected store failure with successful compensation, got %v", err)
	}
	if guarded.State().String() != "open" {
		t.Fatalf("expected breaker to open, got %s", guarded.State())
	}
	if got := f.stock(t, a.ID).Stock; got != 5 {
		t.Fatalf("compensation must reach the store through an open breaker, got stock %d", got)
	}

	_, err = p.ProcessOrder(context.Background(), []domain.LineRequest{line(a.ID, 1)})
	if !errors.Is(err, ledger.ErrUnavailable) || !errors.Is(err, domain.ErrStoreFailure) {
		t.Fatalf("expected unavailable ledger while breaker is open, got %v", err)
	}
}

func TestProcessOrder_RecordsOutcomes(t *testing.T) {
	f := newFixture()
	a := f.product(t, "A", "1.00", 1)
	reg := prometheus.NewRegistry()
	p := f.processor(WithMetrics(metrics.NewOrderMetricsWithRegisterer(reg)))
	ctx := context.Background()

	_, _ = p.ProcessOrder(ctx, []domain.LineRequest{line(a.ID, 1)})
	_, _ = p.ProcessOrder(ctx, []domain.LineRequest{line(a.ID, 1)})
	_, _ = p.ProcessOrder(ctx, []domain.LineRequest{line("missing", 1)})
	_, _ = p.ProcessOrder(ctx, nil)

	assertOutcome(t, reg, metrics.OutcomeCommitted, 1)
	assertOutcome(t, reg, metrics.OutcomeInsufficientStock, 1)
	assertOutcome(t, reg, metrics.OutcomeNotFound, 1)
	assertOutcome(t, reg, metrics.OutcomeInvalid, 1)
}

func TestProcessOrder_OutboxFailureDoesNotFailCommittedOrder(t *testing.T) {
	f := newFixture()
	a := f.product(t, "A", "1.00", 5)

	p := NewProcessor(f.ledger, f.orders, WithOutbox(failingOutbox{}))
	order, err := p.ProcessOrder(context.Background(), []domain.LineRequest{line(a.ID, 1)})
	if err != nil {
		t.Fatalf("committed order must not fail on outbox error: %v", err)
	}
	if order.ID == "" || f.stock(t, a.ID).Stock != 4 {
		t.Fatalf("expected committed order, got %+v", order)
	}
}

type failingOutbox struct{ domain.OutboxRepository }

func (failingOutbox) Enqueue(context.Context, domain.OutboxMessage) (domain.OutboxMessage, error) {
	return domain.OutboxMessage{}, errBackend
}

func assertOutcome(t *testing.T, reg *prometheus.Registry, outcome string, want float64) {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != "inventory_order_attempts_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "outcome" && label.GetValue() == outcome {
					if got := metric.GetCounter().GetValue(); got != want {
						t.Fatalf("outcome %s: expected %v, got %v", outcome, want, got)
					}
					return
				}
			}
		}
	}
	t.Fatalf("outcome %s not recorded", outcome)
}

func assertCounter(t *testing.T, reg *prometheus.Registry, name string, want float64) {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() == name {
			if got := family.GetMetric()[0].GetCounter().GetValue(); got != want {
				t.Fatalf("%s: expected %v, got %v", name, want, got)
			}
			return
		}
	}
	t.Fatalf("counter %s not found", name)
}
