// Package app собирает сервис складских заказов из конфигурации.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/inventory/internal/health"
	"github.com/vladislavdragonenkov/inventory/internal/metrics"
	grpcsvc "github.com/vladislavdragonenkov/inventory/internal/service/grpc"
	"github.com/vladislavdragonenkov/inventory/internal/service/order"
	"github.com/vladislavdragonenkov/inventory/internal/service/outbox"
	"github.com/vladislavdragonenkov/inventory/internal/service/replenishment"
	"github.com/vladislavdragonenkov/inventory/internal/tracing"
	"github.com/vladislavdragonenkov/inventory/internal/version"
)

const (
	shutdownTimeout      = 5 * time.Second
	healthSyncInterval   = 10 * time.Second
	outboxStaleThreshold = time.Minute
)

// Run поднимает хранилища, обработчик заказов, outbox и gRPC-сервер.
// Блокируется до отмены ctx или падения сервера.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := log.WithFields(version.Fields()).WithField("component", "app")

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    version.ServiceName,
		ServiceVersion: version.GetVersion(),
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.WithError(err).Warn("failed to flush traces")
		}
	}()

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	policy, err := order.ParseDuplicatePolicy(cfg.DuplicatePolicy)
	if err != nil {
		return err
	}
	processor := order.NewProcessor(deps.ledger, deps.orders,
		order.WithLogger(logger.WithField("component", "order-processor")),
		order.WithMetrics(metrics.NewOrderMetrics()),
		order.WithOutbox(deps.outbox),
		order.WithDuplicatePolicy(policy),
		order.WithMaxLines(cfg.MaxLines),
		order.WithRollback(cfg.RollbackTimeout, order.DefaultRollbackAttempts, 0),
	)
	retrying := order.NewRetryingProcessor(processor, order.DefaultRetryConfig(), logger.WithField("component", "order-retry"))
	replenisher := replenishment.NewHandler(deps.ledger, deps.outbox, logger.WithField("component", "replenishment"))

	// Kafka не обязательна: без брокеров события outbox уходят в журнал.
	producer, err := initKafkaProducer(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.WithError(err).WithField("brokers", cfg.KafkaBrokers).
			Warn("failed to create kafka producer, outbox events go to the log")
	}
	publisher, dlq := outboxPublishers(producer, logger)
	outboxMetrics := metrics.NewOutboxMetrics()
	worker := outbox.NewWorker(deps.outbox, publisher,
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithMetrics(outboxMetrics),
		outbox.WithDLQPublisher(dlq),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		worker.Run(workerCtx)
	}()
	if purger, ok := deps.outbox.(domain.OutboxPurger); ok {
		cleanup := outbox.NewCleanupWorker(purger,
			outbox.WithCleanupLogger(logger.WithField("component", "outbox-cleanup")),
			outbox.WithCleanupMetrics(outboxMetrics),
			outbox.WithCleanupInterval(cfg.OutboxCleanupInterval),
			outbox.WithRetention(cfg.OutboxRetention),
		)
		workers.Add(1)
		go func() {
			defer workers.Done()
			cleanup.Run(workerCtx)
		}()
	}

	consumer, err := initReplenishConsumer(cfg, producer, replenisher.HandleMessage, logger)
	if err != nil {
		logger.WithError(err).Warn("failed to create replenishment consumer, continuing without it")
	} else if consumer != nil {
		if err := consumer.Start(workerCtx); err != nil {
			logger.WithError(err).Warn("failed to start replenishment consumer")
		}
	}
	defer closeKafka(consumer, producer, logger)

	inventoryService := grpcsvc.NewInventoryService(grpcsvc.Dependencies{
		Processor:   processor,
		Retrying:    retrying,
		Catalog:     deps.catalog,
		Orders:      deps.orders,
		Replenisher: replenisher,
	}, logger.WithField("layer", "grpc"))

	grpcMetrics := promgrpc.NewServerMetrics()
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcsvc.RegisterInventoryServiceServer(grpcServer, inventoryService)
	grpcMetrics.InitializeMetrics(grpcServer)
	reflection.Register(grpcServer)

	healthHandler := newHealthHandler(deps)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	go healthHandler.SyncGRPC(workerCtx, healthServer, grpcsvc.ServiceName, healthSyncInterval)

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		shutdownHTTP(metricsSrv, logger)
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gRPC сервер слушает %s", cfg.GRPCAddr)
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем gRPC сервер")
		healthServer.Shutdown()
		stoppedCh := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stoppedCh)
		}()
		select {
		case <-stoppedCh:
		case <-time.After(shutdownTimeout):
			logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
			grpcServer.Stop()
		}
		shutdownHTTP(metricsSrv, logger)
		stopWorker()
		workers.Wait()
		return ctx.Err()
	case err := <-errCh:
		shutdownHTTP(metricsSrv, logger)
		stopWorker()
		workers.Wait()
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// newHealthHandler проверяет хранилище, автомат ledger и возраст outbox.
func newHealthHandler(deps *runtimeDependencies) *healthcheck.Handler {
	handler := healthcheck.NewHandler(version.GetVersion())
	handler.RegisterChecker("storage", healthcheck.NewCheckFunc("storage", deps.ping))
	handler.RegisterChecker("stock_ledger", healthcheck.NewBreakerChecker("stock_ledger", deps.ledger.State))
	handler.RegisterChecker("outbox", healthcheck.NewOutboxChecker(deps.outbox, outboxStaleThreshold))
	return handler
}

// startMetricsServer запускает HTTP-обработчик /metrics и health probes.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez", addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
