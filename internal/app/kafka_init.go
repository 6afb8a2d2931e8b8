package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
	"github.com/vladislavdragonenkov/inventory/internal/messaging/kafka"
)

// initKafkaProducer создаёт producer, если брокеры заданы.
// Пустой список возвращает nil, nil: приложение работает без Kafka.
func initKafkaProducer(brokers []string, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers, logger.WithField("component", "kafka-producer"))
	if err != nil {
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

// initReplenishConsumer подписывает обработчик пополнений на inventory.stock.replenish.
// Сообщения, не обработанные после повторов, уходят в DLQ через producer.
func initReplenishConsumer(cfg Config, producer *kafka.Producer, handler kafka.MessageHandler, logger *log.Entry) (*kafka.Consumer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, nil
	}

	opts := []kafka.ConsumerOption{kafka.WithConsumerLogger(logger.WithField("component", "replenish-consumer"))}
	if producer != nil {
		opts = append(opts, kafka.WithDLQ(producer, kafka.TopicDeadLetterQueue))
	}
	return kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, []string{kafka.TopicStockReplenish}, handler, opts...)
}

// outboxPublishers выбирает публикаторы outbox: Kafka, если producer есть,
// иначе журнал.
func outboxPublishers(producer *kafka.Producer, logger *log.Entry) (publisher, dlq domain.OutboxPublisher) {
	if producer == nil {
		return logPublisher{logger: logger.WithField("component", "outbox-log")}, nil
	}
	return kafka.NewOutboxPublisher(producer), kafka.NewFixedTopicPublisher(producer, kafka.TopicDeadLetterQueue)
}

// logPublisher пишет события в журнал, когда брокеры не настроены,
// чтобы outbox не копился бесконечно при локальном запуске.
type logPublisher struct {
	logger *log.Entry
}

func (p logPublisher) Publish(event domain.OutboxMessage) error {
	p.logger.WithFields(log.Fields{
		"event_id":     event.ID,
		"event_type":   event.EventType,
		"aggregate_id": event.AggregateID,
	}).Info("outbox event")
	return nil
}

// closeKafka закрывает consumer и producer, если они созданы.
func closeKafka(consumer *kafka.Consumer, producer *kafka.Producer, logger *log.Entry) {
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.WithError(err).Warn("failed to stop kafka consumer")
		}
	}
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}
