// Package outbox публикует события transactional outbox в брокер.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
	"github.com/vladislavdragonenkov/inventory/internal/metrics"
)

const (
	defaultPollInterval   = 1 * time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 5 * time.Second
)

// Результаты попыток публикации (label result).
const (
	resultSent       = "sent"
	resultRetryError = "retry_error"
	resultFailed     = "failed"
	resultDLQFailed  = "dlq_failed"
)

// WorkerOptions задаёт параметры outbox worker.
type WorkerOptions struct {
	Logger         *log.Entry
	Metrics        *metrics.OutboxMetrics
	DLQPublisher   domain.OutboxPublisher
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) { opts.Logger = logger }
}

// WithMetrics включает метрики backlog и публикаций.
func WithMetrics(m *metrics.OutboxMetrics) Option {
	return func(opts *WorkerOptions) { opts.Metrics = m }
}

// WithDLQPublisher задаёт publisher для сообщений, исчерпавших попытки.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(opts *WorkerOptions) { opts.DLQPublisher = publisher }
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) { opts.PollInterval = interval }
}

// WithBatchSize задаёт размер батча.
func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) { opts.BatchSize = batchSize }
}

// WithMaxAttempts задаёт число попыток публикации перед failed/DLQ.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *WorkerOptions) { opts.MaxAttempts = maxAttempts }
}

// WithRetryBaseDelay задаёт базовую задержку exponential backoff. 0 отключает задержку.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) { opts.RetryBaseDelay = delay }
}

// Worker публикует pending-сообщения из outbox в брокер.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	opts      WorkerOptions
	logger    *log.Entry
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	opts := WorkerOptions{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = 0
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New().WithField("component", "outbox-worker")
	}

	return &Worker{repo: repo, publisher: publisher, opts: opts, logger: logger}
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce выполняет один цикл опроса и возвращает число опубликованных сообщений.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	defer w.refreshBacklog(ctx)

	events, err := w.repo.PullPending(ctx, w.opts.BatchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return 0
	}

	sent := 0
	for _, event := range events {
		if ctx.Err() != nil {
			break
		}
		entry := w.logger.WithFields(log.Fields{
			"outbox_id":  event.ID,
			"event_type": event.EventType,
		})

		if err := w.publishWithRetry(ctx, event); err != nil {
			if ctx.Err() != nil {
				// Сообщение останется pending и уйдёт в следующем запуске.
				break
			}
			entry.WithError(err).Error("outbox publish failed after retries")
			w.record(resultFailed)
			w.deadLetter(ctx, entry, event, err)
			continue
		}

		sent++
		if err := w.repo.MarkSent(ctx, event.ID); err != nil {
			entry.WithError(err).Warn("failed to mark outbox as sent")
		}
	}
	return sent
}

func (w *Worker) publishWithRetry(ctx context.Context, event domain.OutboxMessage) error {
	var lastErr error
	delay := w.opts.RetryBaseDelay

	for attempt := 1; attempt <= w.opts.MaxAttempts; attempt++ {
		if lastErr = w.publisher.Publish(event); lastErr == nil {
			w.record(resultSent)
			return nil
		}
		w.record(resultRetryError)

		if attempt == w.opts.MaxAttempts || delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, maxRetryDelay)
	}

	return fmt.Errorf("publish failed after %d attempts: %w", w.opts.MaxAttempts, lastErr)
}

// deadLetter отправляет сообщение в DLQ и помечает его failed.
func (w *Worker) deadLetter(ctx context.Context, entry *log.Entry, event domain.OutboxMessage, publishErr error) {
	if w.opts.DLQPublisher != nil {
		if err := w.publishToDLQ(event, publishErr); err != nil {
			entry.WithError(err).Warn("failed to publish to DLQ")
			w.record(resultDLQFailed)
		}
	}
	if err := w.repo.MarkFailed(ctx, event.ID); err != nil {
		entry.WithError(err).Warn("failed to mark outbox as failed")
	}
}

// DeadLetter — тело сообщения в DLQ.
type DeadLetter struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	PublishError   string          `json:"publish_error"`
	DLQPublishedAt time.Time       `json:"dlq_published_at"`
}

func (w *Worker) publishToDLQ(event domain.OutboxMessage, publishErr error) error {
	payload, err := json.Marshal(DeadLetter{
		OutboxID:       event.ID,
		AggregateType:  event.AggregateType,
		AggregateID:    event.AggregateID,
		EventType:      event.EventType,
		Payload:        json.RawMessage(event.Payload),
		PublishError:   publishErr.Error(),
		DLQPublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dlq payload: %w", err)
	}

	dlqEvent := event
	dlqEvent.Payload = payload
	if err := w.opts.DLQPublisher.Publish(dlqEvent); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}

func (w *Worker) refreshBacklog(ctx context.Context) {
	if w.opts.Metrics == nil {
		return
	}
	stats, err := w.repo.Stats(context.WithoutCancel(ctx))
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}
	w.opts.Metrics.SetBacklog(stats.PendingCount, stats.OldestPendingAt)
}

func (w *Worker) record(result string) {
	if w.opts.Metrics != nil {
		w.opts.Metrics.RecordPublish(result)
	}
}
