package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 100 * time.Millisecond
	maxRetryDelay     = 5 * time.Second
)

// MessageHandler обрабатывает сообщение из Kafka
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent помечает ошибку как неисправимую: сообщение сразу уходит в DLQ.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent сообщает, что повтор обработки бесполезен.
func IsPermanent(err error) bool {
	var target *permanentError
	return errors.As(err, &target)
}

// Consumer читает consumer group и передаёт сообщения handler-у.
// Ошибка обработки повторяется в процессе с экспоненциальной задержкой,
// после исчерпания попыток сообщение уходит в DLQ и помечается обработанным.
// Без DLQ claim останавливается, и сообщение будет доставлено повторно.
type Consumer struct {
	consumer    sarama.ConsumerGroup
	topics      []string
	handler     MessageHandler
	logger      *log.Entry
	wg          sync.WaitGroup
	dlqProducer *Producer
	dlqTopic    string
	maxRetries  int
	retryDelay  time.Duration
}

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

// WithDLQ включает Dead Letter Queue.
func WithDLQ(producer *Producer, topic string) ConsumerOption {
	return func(c *Consumer) {
		c.dlqProducer = producer
		if topic != "" {
			c.dlqTopic = topic
		}
	}
}

// WithRetries задаёт число попыток и начальную задержку между ними.
func WithRetries(maxRetries int, delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if maxRetries > 0 {
			c.maxRetries = maxRetries
		}
		if delay >= 0 {
			c.retryDelay = delay
		}
	}
}

// WithConsumerLogger задаёт logger.
func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer создает consumer group для topics.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, opts ...ConsumerOption) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	return newConsumer(group, topics, handler, opts...), nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		consumer:   group,
		topics:     topics,
		handler:    handler,
		logger:     log.New().WithField("component", "kafka-consumer"),
		dlqTopic:   TopicDeadLetterQueue,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start запускает consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// Consume завершается при каждом rebalance.
			if err := c.consumer.Consume(ctx, c.topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.WithError(err).Error("error from consumer")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.consumer.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop останавливает consumer
func (c *Consumer) Stop() error {
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error { return nil }

func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim обрабатывает сообщения из partition
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			entry := c.logger.WithFields(log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			})
			entry.Debug("received message")

			if err := c.handleMessage(session.Context(), message); err != nil {
				if session.Context().Err() != nil {
					return nil
				}
				entry.WithError(err).Error("message processing failed, stopping claim")
				return err
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// handleMessage повторяет обработку до maxRetries раз и затем пишет в DLQ.
func (c *Consumer) handleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	var (
		err      error
		attempts int
		delay    = c.retryDelay
	)
	for attempts < c.maxRetries {
		attempts++
		if err = c.handler(ctx, message); err == nil {
			return nil
		}
		if IsPermanent(err) {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.WithError(err).WithFields(log.Fields{
			"topic":   message.Topic,
			"offset":  message.Offset,
			"attempt": attempts,
		}).Warn("message processing failed")

		if attempts == c.maxRetries || delay <= 0 {
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

	if c.dlqProducer == nil {
		return err
	}
	if dlqErr := c.sendToDLQ(message, err, attempts); dlqErr != nil {
		return fmt.Errorf("failed to send to DLQ: %w", dlqErr)
	}
	c.logger.WithFields(log.Fields{
		"topic":    message.Topic,
		"offset":   message.Offset,
		"attempts": attempts,
	}).Warn("message sent to DLQ")
	return nil
}

// sendToDLQ пересылает исходное тело; контекст ошибки уходит в headers.
func (c *Consumer) sendToDLQ(message *sarama.ConsumerMessage, processingErr error, attempts int) error {
	retries := attempts + retryCount(message)
	return c.dlqProducer.Send(c.dlqTopic, string(message.Key), message.Value,
		sarama.RecordHeader{Key: []byte(HeaderOriginalTopic), Value: []byte(message.Topic)},
		sarama.RecordHeader{Key: []byte(HeaderErrorMessage), Value: []byte(processingErr.Error())},
		sarama.RecordHeader{Key: []byte(HeaderFailedAt), Value: []byte(time.Now().UTC().Format(time.RFC3339))},
		sarama.RecordHeader{Key: []byte(HeaderRetryCount), Value: []byte(strconv.Itoa(retries))},
	)
}

// retryCount читает число попыток из прошлых доставок (сообщение могли вернуть из DLQ).
func retryCount(message *sarama.ConsumerMessage) int {
	count, err := strconv.Atoi(headerValue(message, HeaderRetryCount))
	if err != nil {
		return 0
	}
	return count
}
