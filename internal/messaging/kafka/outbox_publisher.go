package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
)

// OutboxTopicPublisher публикует outbox-сообщения в Kafka.
// Без фиксированного topic сообщение маршрутизируется по EventType.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт паблишер с маршрутизацией по типу события.
func NewOutboxPublisher(producer *Producer) *OutboxTopicPublisher {
	return &OutboxTopicPublisher{producer: producer}
}

// NewFixedTopicPublisher пишет все сообщения в один topic (например, DLQ).
func NewFixedTopicPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	return &OutboxTopicPublisher{producer: producer, topic: topic}
}

type outboxEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
	PublishedAt   time.Time       `json:"published_at"`
}

func (p *OutboxTopicPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}

	topic := p.topic
	if topic == "" {
		topic = TopicForEvent(event.EventType)
	}
	// Ключ по агрегату сохраняет порядок событий одного товара или заказа.
	key := event.AggregateID
	if key == "" {
		key = event.ID
	}

	payload := json.RawMessage(event.Payload)
	if !json.Valid(payload) {
		return fmt.Errorf("outbox message %s has invalid json payload", event.ID)
	}

	envelope := outboxEnvelope{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       payload,
		OccurredAt:    event.CreatedAt.UTC(),
		PublishedAt:   time.Now().UTC(),
	}

	return p.producer.PublishEvent(topic, key, envelope, sarama.RecordHeader{
		Key:   []byte(HeaderEventType),
		Value: []byte(event.EventType),
	})
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
