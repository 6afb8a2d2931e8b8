// Command loadtest гоняет конкурентные ProcessOrder по небольшому набору
// «горячих» SKU и сводит исходы по gRPC-кодам.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	grpcsvc "github.com/vladislavdragonenkov/inventory/internal/service/grpc"
)

type config struct {
	addr            string
	total           int
	duration        time.Duration
	concurrency     int
	connections     int
	timeout         time.Duration
	skus            []string
	linesPerOrder   int
	quantity        int64
	retryOnConflict bool
	outputPath      string
}

func parseConfig(args []string) (config, error) {
	var cfg config
	var skus string

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.addr, "addr", "localhost:50051", "gRPC target address")
	fs.IntVar(&cfg.total, "total", 400, "total orders in count mode")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 30s); overrides -total")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.IntVar(&cfg.connections, "connections", 8, "number of gRPC client connections")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-RPC timeout")
	fs.StringVar(&skus, "skus", "HOT-001,HOT-002", "comma-separated hot SKU set")
	fs.IntVar(&cfg.linesPerOrder, "lines", 2, "lines per order, picked round-robin from the SKU set")
	fs.Int64Var(&cfg.quantity, "qty", 1, "quantity per line")
	fs.BoolVar(&cfg.retryOnConflict, "retry", false, "ask the server to retry version conflicts")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	for _, sku := range strings.Split(skus, ",") {
		if sku = strings.TrimSpace(sku); sku != "" {
			cfg.skus = append(cfg.skus, sku)
		}
	}

	switch {
	case len(cfg.skus) == 0:
		return cfg, errors.New("at least one sku is required")
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.connections <= 0:
		return cfg, errors.New("connections must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.linesPerOrder <= 0:
		return cfg, errors.New("lines must be > 0")
	case cfg.quantity <= 0:
		return cfg, errors.New("qty must be > 0")
	}
	return cfg, nil
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	conns := make([]*grpc.ClientConn, 0, cfg.connections)
	clients := make([]*grpcsvc.InventoryClient, 0, cfg.connections)
	for i := 0; i < cfg.connections; i++ {
		conn, dialErr := grpc.NewClient(cfg.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if dialErr != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to create grpc client connection: %v\n", dialErr)
			os.Exit(1)
		}
		conns = append(conns, conn)
		clients = append(clients, grpcsvc.NewInventoryClient(conn))
	}
	defer func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}()

	productIDs, err := resolveSKUs(clients[0], cfg)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to resolve skus: %v\n", err)
		os.Exit(1)
	}

	result := run(clients, productIDs, cfg)
	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if result.Failed > 0 {
		os.Exit(1)
	}
}

// orderClient — часть InventoryClient, нужная прогону.
type orderClient interface {
	ProcessOrder(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	GetProduct(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

func resolveSKUs(client orderClient, cfg config) ([]string, error) {
	ids := make([]string, 0, len(cfg.skus))
	for _, sku := range cfg.skus {
		req, err := structpb.NewStruct(map[string]any{"sku": sku})
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
		product, err := client.GetProduct(ctx, req)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("sku %s: %w", sku, err)
		}
		ids = append(ids, product.GetFields()["id"].GetStringValue())
	}
	return ids, nil
}

func run[C orderClient](clients []C, productIDs []string, cfg config) report {
	startedAt := time.Now()
	col := newCollector()
	jobs := make(chan int, cfg.concurrency*2)

	var wg sync.WaitGroup
	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func(client orderClient) {
			defer wg.Done()
			for index := range jobs {
				placeOrder(client, productIDs, cfg, index, col)
			}
		}(clients[workerID%len(clients)])
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()
	return col.buildReport(startedAt, time.Since(startedAt))
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()
	for i := 0; ; i++ {
		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

// buildOrder сдвигает начало набора на index, чтобы заказы пересекались по товарам
// в разном порядке.
func buildOrder(productIDs []string, cfg config, index int) (*structpb.Struct, int64, error) {
	lines := make([]any, 0, cfg.linesPerOrder)
	for i := 0; i < cfg.linesPerOrder; i++ {
		lines = append(lines, map[string]any{
			"product_id": productIDs[(index+i)%len(productIDs)],
			"quantity":   cfg.quantity,
		})
	}
	req, err := structpb.NewStruct(map[string]any{
		"lines":             lines,
		"retry_on_conflict": cfg.retryOnConflict,
	})
	return req, int64(cfg.linesPerOrder) * cfg.quantity, err
}

func placeOrder(client orderClient, productIDs []string, cfg config, index int, col *collector) {
	req, units, err := buildOrder(productIDs, cfg, index)
	if err != nil {
		col.record(0, codes.Internal, 0)
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()
	_, err = client.ProcessOrder(ctx, req)
	col.record(time.Since(start), grpcCode(err), units)
}

func grpcCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	return status.Code(err)
}
