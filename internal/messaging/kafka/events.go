package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "inventory.order.events"
	TopicStockEvents     = "inventory.stock.events"
	TopicAlerts          = "inventory.alerts"
	TopicStockReplenish  = "inventory.stock.replenish"
	TopicDeadLetterQueue = "inventory.dlq"
)

// Kafka headers для retry логики
const (
	HeaderEventType     = "x-event-type"
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

var eventTopics = map[string]string{
	domain.EventOrderCommitted:   TopicOrderEvents,
	domain.EventRollbackFailed:   TopicAlerts,
	domain.EventStockReplenished: TopicStockEvents,
}

// TopicForEvent выбирает topic по типу outbox-события.
// Неизвестные типы уходят в поток событий заказов.
func TopicForEvent(eventType string) string {
	if topic, ok := eventTopics[eventType]; ok {
		return topic
	}
	return TopicOrderEvents
}

// ReplenishCommand — команда пополнения остатка из topic inventory.stock.replenish.
type ReplenishCommand struct {
	ProductID   string    `json:"product_id"`
	Quantity    int64     `json:"quantity"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at,omitempty"`
}

// ParseReplenishCommand парсит команду пополнения из сообщения.
func ParseReplenishCommand(message *sarama.ConsumerMessage) (ReplenishCommand, error) {
	var cmd ReplenishCommand
	if message == nil {
		return cmd, fmt.Errorf("empty replenish message")
	}
	if err := json.Unmarshal(message.Value, &cmd); err != nil {
		return cmd, fmt.Errorf("failed to unmarshal replenish command: %w", err)
	}
	return cmd, nil
}

func headerValue(message *sarama.ConsumerMessage, key string) string {
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == key {
			return string(header.Value)
		}
	}
	return ""
}
