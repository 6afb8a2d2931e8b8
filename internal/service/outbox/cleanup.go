package outbox

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
	"github.com/vladislavdragonenkov/inventory/internal/metrics"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
	defaultRetention        = 24 * time.Hour
)

// CleanupOptions задаёт параметры воркера очистки отправленных событий.
type CleanupOptions struct {
	Logger    *log.Entry
	Metrics   *metrics.OutboxMetrics
	Interval  time.Duration
	BatchSize int
	Retention time.Duration
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupOptions)

func WithCleanupLogger(logger *log.Entry) CleanupOption {
	return func(opts *CleanupOptions) { opts.Logger = logger }
}

func WithCleanupMetrics(m *metrics.OutboxMetrics) CleanupOption {
	return func(opts *CleanupOptions) { opts.Metrics = m }
}

// WithCleanupInterval задаёт интервал между прогонами.
func WithCleanupInterval(interval time.Duration) CleanupOption {
	return func(opts *CleanupOptions) { opts.Interval = interval }
}

// WithCleanupBatchSize задаёт размер одного DELETE.
func WithCleanupBatchSize(batchSize int) CleanupOption {
	return func(opts *CleanupOptions) { opts.BatchSize = batchSize }
}

// WithRetention задаёт, сколько хранить уже отправленные события.
func WithRetention(retention time.Duration) CleanupOption {
	return func(opts *CleanupOptions) { opts.Retention = retention }
}

// CleanupWorker периодически удаляет опубликованные события старше Retention.
type CleanupWorker struct {
	repo   domain.OutboxPurger
	logger *log.Entry
	opts   CleanupOptions
}

// NewCleanupWorker создаёт воркер очистки outbox.
func NewCleanupWorker(repo domain.OutboxPurger, options ...CleanupOption) *CleanupWorker {
	opts := CleanupOptions{
		Interval:  defaultCleanupInterval,
		BatchSize: defaultCleanupBatchSize,
		Retention: defaultRetention,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "outbox-cleanup-worker")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultCleanupInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultCleanupBatchSize
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}

	return &CleanupWorker{repo: repo, logger: logger, opts: opts}
}

// Run запускает очистку сразу и затем по тикеру до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("outbox cleanup worker is disabled: repo is nil")
		return
	}

	w.cleanup(ctx)

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cleanup(ctx)
		}
	}
}

func (w *CleanupWorker) cleanup(ctx context.Context) {
	deleted, err := w.DeleteSent(ctx, time.Now().UTC().Add(-w.opts.Retention))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		w.record("error", deleted)
		w.logger.WithError(err).Warn("outbox cleanup run failed")
		return
	}

	w.record("ok", deleted)
	if deleted > 0 {
		w.logger.WithField("deleted", deleted).Info("outbox cleanup completed")
	}
}

// DeleteSent удаляет порциями все отправленные события, обновлённые не позже before.
func (w *CleanupWorker) DeleteSent(ctx context.Context, before time.Time) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		deleted, err := w.repo.DeleteSent(ctx, before, w.opts.BatchSize)
		if err != nil {
			return total, err
		}
		total += deleted

		if deleted < w.opts.BatchSize {
			return total, nil
		}
	}
}

func (w *CleanupWorker) record(result string, deleted int) {
	if w.opts.Metrics != nil {
		w.opts.Metrics.RecordCleanup(result, deleted)
	}
}
