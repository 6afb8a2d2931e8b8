package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/inventory/internal/app"
	"github.com/vladislavdragonenkov/inventory/internal/version"
)

// setupLogger настраивает формат и уровень логирования для сервиса.
// Неизвестный уровень оставляет info.
func setupLogger(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	parsed, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
}

func main() {
	setupLogger(os.Getenv("INVENTORY_LOG_LEVEL"))

	cfg, err := app.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("некорректная конфигурация")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(version.Fields()).WithFields(log.Fields{
		"grpc_addr":    cfg.GRPCAddr,
		"metrics_addr": cfg.MetricsAddr,
		"storage":      cfg.StorageDriver,
		"policy":       cfg.DuplicatePolicy,
	}).Info("запускаем InventoryService")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("InventoryService остановлен")
}
