package grpcsvc_test

import (
	"context"
	"net"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
	grpcsvc "github.com/vladislavdragonenkov/inventory/internal/service/grpc"
	"github.com/vladislavdragonenkov/inventory/internal/service/order"
	"github.com/vladislavdragonenkov/inventory/internal/service/replenishment"
	"github.com/vladislavdragonenkov/inventory/internal/storage/memory"
)

const bufSize = 1024 * 1024

type testEnv struct {
	client  *grpcsvc.InventoryClient
	catalog domain.CatalogStore
	widget  domain.Product
	gadget  domain.Product
}

func loggerForTests() *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logger.SetLevel(logrus.DebugLevel)
	return logger.WithField("test", "grpc")
}

func startServer(t *testing.T, deps grpcsvc.Dependencies) *grpcsvc.InventoryClient {
	t.Helper()
	listener := bufconn.Listen(bufSize)
	logger := loggerForTests()

	server := grpc.NewServer()
	grpcsvc.RegisterInventoryServiceServer(server, grpcsvc.NewInventoryService(deps, logger))
	go func() {
		if err := server.Serve(listener); err != nil {
			logger.WithError(err).Error("grpc serve failed")
		}
	}()

	dialer := func(context.Context, string) (net.Conn, error) {
		return listener.Dial()
	}
	//nolint:staticcheck // grpc.Dial is required for bufconn testing
	conn, err := grpc.Dial("bufnet", grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		server.Stop()
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		server.Stop()
	})
	return grpcsvc.NewInventoryClient(conn)
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	catalog := memory.NewCatalogStore()
	orders := memory.NewOrderStore()

	widget, err := catalog.CreateProduct(ctx, domain.Product{SKU: "W-1", Name: "Widget", Price: decimal.RequireFromString("10.00"), Stock: 5})
	if err != nil {
		t.Fatalf("seed widget: %v", err)
	}
	gadget, err := catalog.CreateProduct(ctx, domain.Product{SKU: "G-1", Name: "Gadget", Price: decimal.RequireFromString("5.00"), Stock: 3})
	if err != nil {
		t.Fatalf("seed gadget: %v", err)
	}

	logger := loggerForTests()
	processor := order.NewProcessor(catalog, orders, order.WithLogger(logger))
	client := startServer(t, grpcsvc.Dependencies{
		Processor:   processor,
		Retrying:    order.NewRetryingProcessor(processor, order.DefaultRetryConfig(), logger),
		Catalog:     catalog,
		Orders:      orders,
		Replenisher: replenishment.NewHandler(catalog, nil, logger),
	})
	return &testEnv{client: client, catalog: catalog, widget: widget, gadget: gadget}
}

func mustStruct(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	return s
}

func orderRequest(t *testing.T, lines ...map[string]any) *structpb.Struct {
	t.Helper()
	items := make([]any, 0, len(lines))
	for _, line := range lines {
		items = append(items, line)
	}
	return mustStruct(t, map[string]any{"lines": items})
}

func assertCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if got := status.Code(err); got != want {
		t.Fatalf("expected code %s, got %s (%v)", want, got, err)
	}
}

func TestInventoryService_ProcessOrderAndGetOrder(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	resp, err := env.client.ProcessOrder(ctx, orderRequest(t,
		map[string]any{"product_id": env.widget.ID, "quantity": 2},
		map[string]any{"product_id": env.gadget.ID, "quantity": 1},
	))
	if err != nil {
		t.Fatalf("process order: %v", err)
	}
	fields := resp.GetFields()
	if fields["total"].GetStringValue() != "25.00" {
		t.Fatalf("expected total 25.00, got %q", fields["total"].GetStringValue())
	}
	if fields["total_quantity"].GetNumberValue() != 3 || fields["unique_products"].GetNumberValue() != 2 {
		t.Fatalf("unexpected summary: %v", fields)
	}
	if len(fields["lines"].GetListValue().GetValues()) != 2 {
		t.Fatalf("expected 2 lines, got %v", fields["lines"])
	}

	orderID := fields["id"].GetStringValue()
	loaded, err := env.client.GetOrder(ctx, mustStruct(t, map[string]any{"order_id": orderID}))
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if loaded.GetFields()["total"].GetStringValue() != "25.00" {
		t.Fatalf("unexpected loaded order: %v", loaded)
	}

	widget, _ := env.catalog.Read(ctx, env.widget.ID)
	if widget.Stock != 3 {
		t.Fatalf("expected widget stock 3, got %d", widget.Stock)
	}
}

func TestInventoryService_ProcessOrderErrors(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  *structpb.Struct
		want codes.Code
	}{
		{"empty lines", mustStruct(t, map[string]any{"lines": []any{}}), codes.InvalidArgument},
		{"missing lines", mustStruct(t, map[string]any{}), codes.InvalidArgument},
		{"fractional quantity", orderRequest(t, map[string]any{"product_id": env.widget.ID, "quantity": 1.5}), codes.InvalidArgument},
		{"line is not an object", mustStruct(t, map[string]any{"lines": []any{"oops"}}), codes.InvalidArgument},
		{"unknown product", orderRequest(t, map[string]any{"product_id": "missing", "quantity": 1}), codes.NotFound},
		{"insufficient stock", orderRequest(t, map[string]any{"product_id": env.widget.ID, "quantity": 6}), codes.FailedPrecondition},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.client.ProcessOrder(ctx, tc.req)
			assertCode(t, err, tc.want)
		})
	}

	widget, _ := env.catalog.Read(ctx, env.widget.ID)
	if widget.Stock != 5 || widget.Version != env.widget.Version {
		t.Fatalf("failed orders must not change stock, got %+v", widget)
	}
}

func TestInventoryService_CanceledContext(t *testing.T) {
	env := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.client.ProcessOrder(ctx, orderRequest(t, map[string]any{"product_id": env.widget.ID, "quantity": 1}))
	assertCode(t, err, codes.Canceled)
}

func TestInventoryService_GetProduct(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	byID, err := env.client.GetProduct(ctx, mustStruct(t, map[string]any{"product_id": env.widget.ID}))
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if byID.GetFields()["price"].GetStringValue() != "10.00" || byID.GetFields()["stock"].GetNumberValue() != 5 {
		t.Fatalf("unexpected product: %v", byID)
	}

	bySKU, err := env.client.GetProduct(ctx, mustStruct(t, map[string]any{"sku": "G-1"}))
	if err != nil {
		t.Fatalf("get by sku: %v", err)
	}
	if bySKU.GetFields()["id"].GetStringValue() != env.gadget.ID {
		t.Fatalf("unexpected product: %v", bySKU)
	}

	_, err = env.client.GetProduct(ctx, mustStruct(t, map[string]any{"sku": "missing"}))
	assertCode(t, err, codes.NotFound)
	_, err = env.client.GetProduct(ctx, mustStruct(t, map[string]any{}))
	assertCode(t, err, codes.InvalidArgument)
}

func TestInventoryService_ReplenishAndValue(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	value, err := env.client.InventoryValue(ctx)
	if err != nil {
		t.Fatalf("inventory value: %v", err)
	}
	// 10.00*5 + 5.00*3
	if value.GetFields()["value"].GetStringValue() != "65.00" {
		t.Fatalf("unexpected value: %v", value)
	}

	resp, err := env.client.ReplenishStock(ctx, mustStruct(t, map[string]any{"product_id": env.gadget.ID, "quantity": 2}))
	if err != nil {
		t.Fatalf("replenish: %v", err)
	}
	if resp.GetFields()["version"].GetNumberValue() != float64(env.gadget.Version+1) {
		t.Fatalf("unexpected version: %v", resp)
	}

	value, err = env.client.InventoryValue(ctx)
	if err != nil {
		t.Fatalf("inventory value: %v", err)
	}
	if value.GetFields()["value"].GetStringValue() != "75.00" {
		t.Fatalf("unexpected value after replenish: %v", value)
	}

	_, err = env.client.ReplenishStock(ctx, mustStruct(t, map[string]any{"product_id": env.gadget.ID, "quantity": 0}))
	assertCode(t, err, codes.InvalidArgument)
	_, err = env.client.ReplenishStock(ctx, mustStruct(t, map[string]any{"product_id": "missing", "quantity": 1}))
	assertCode(t, err, codes.NotFound)
}

func TestInventoryService_GetOrderErrors(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	_, err := env.client.GetOrder(ctx, mustStruct(t, map[string]any{}))
	assertCode(t, err, codes.InvalidArgument)
	_, err = env.client.GetOrder(ctx, mustStruct(t, map[string]any{"order_id": "missing"}))
	assertCode(t, err, codes.NotFound)
}

// conflictingProcessor проигрывает CAS заданное число раз.
type conflictingProcessor struct {
	conflicts int
	calls     int
}

func (p *conflictingProcessor) ProcessOrder(context.Context, []domain.LineRequest) (domain.Order, error) {
	p.calls++
	if p.calls <= p.conflicts {
		return domain.Order{}, &domain.OrderConflictError{ProductID: "p1"}
	}
	line := domain.NewOrderLine(0, domain.Product{ID: "p1", Price: decimal.RequireFromString("1.00")}, 1)
	placed := domain.Order{ID: "order-1", Lines: []domain.OrderLine{line}}
	placed.RecomputeTotal()
	return placed, nil
}

func TestInventoryService_RetryOnConflictFlag(t *testing.T) {
	single := &conflictingProcessor{conflicts: 1}
	retried := &conflictingProcessor{conflicts: 1}
	client := startServer(t, grpcsvc.Dependencies{
		Processor: single,
		Retrying:  order.NewRetryingProcessor(retried, order.RetryConfig{MaxAttempts: 3}, loggerForTests()),
	})
	ctx := context.Background()
	line := map[string]any{"product_id": "p1", "quantity": 1}

	_, err := client.ProcessOrder(ctx, orderRequest(t, line))
	assertCode(t, err, codes.Aborted)

	req := orderRequest(t, line)
	req.Fields["retry_on_conflict"] = structpb.NewBoolValue(true)
	resp, err := client.ProcessOrder(ctx, req)
	if err != nil {
		t.Fatalf("retrying request failed: %v", err)
	}
	if resp.GetFields()["id"].GetStringValue() != "order-1" || retried.calls != 2 {
		t.Fatalf("expected success on second attempt, got %v after %d calls", resp, retried.calls)
	}
}
