package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/inventory/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/inventory/internal/service/outbox"
)

// replayMessage — сообщение, готовое к повторной отправке.
type replayMessage struct {
	topic   string
	key     string
	value   []byte
	headers []sarama.RecordHeader
}

// replayEnvelope повторяет формат, в котором outbox публикует события.
type replayEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

var errRetriesExhausted = errors.New("retry limit reached")

func runReplay(ctx context.Context, cfg config, k replayKafka) error {
	if k.offsets == nil || k.source == nil {
		return errors.New("kafka client and consumer are required")
	}
	if cfg.execute && k.producer == nil {
		return errors.New("producer is required in execute mode")
	}

	partitions, err := k.offsets.Partitions(cfg.sourceTopic)
	if err != nil {
		return fmt.Errorf("get partitions for topic %s: %w", cfg.sourceTopic, err)
	}
	if len(partitions) == 0 {
		log.WithField("topic", cfg.sourceTopic).Warn("source topic has no partitions")
		return nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	var total partitionStats
	for _, partition := range partitions {
		if total.processed >= cfg.limit {
			break
		}
		stats, err := processPartition(ctx, k, cfg, partition, cfg.limit-total.processed)
		if err != nil {
			return err
		}
		total.processed += stats.processed
		total.replayed += stats.replayed
		total.skipped += stats.skipped
	}

	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}
	log.WithFields(log.Fields{
		"mode":      mode,
		"processed": total.processed,
		"replayed":  total.replayed,
		"skipped":   total.skipped,
	}).Info("dlq replay finished")
	return nil
}

type partitionStats struct {
	processed int
	replayed  int
	skipped   int
}

// processPartition читает партицию до зафиксированного на старте newest,
// чтобы не переигрывать сообщения, вернувшиеся в DLQ во время прогона.
func processPartition(ctx context.Context, k replayKafka, cfg config, partition int32, limit int) (partitionStats, error) {
	var stats partitionStats
	if limit <= 0 {
		return stats, nil
	}

	oldest, err := k.offsets.GetOffset(cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := k.offsets.GetOffset(cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	startOffset := oldest
	if cfg.fromNewest {
		startOffset = max(newest-int64(limit), oldest)
	}

	pc, err := k.source.ConsumePartition(cfg.sourceTopic, partition, startOffset)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idleTimer := time.NewTimer(cfg.idleTimeout)
	defer idleTimer.Stop()

	for stats.processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case err := <-pc.Errors():
			if err != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, err)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil {
				return stats, nil
			}
			idleTimer.Reset(cfg.idleTimeout)
			if msg.Offset >= newest {
				return stats, nil
			}

			stats.processed++
			entry := log.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})
			replay, err := extractReplayMessage(msg, cfg.maxRetries)
			if err != nil {
				stats.skipped++
				entry.WithError(err).Warn("skip dlq message")
				continue
			}

			if cfg.execute {
				if err := k.producer.Send(replay.topic, replay.key, replay.value, replay.headers...); err != nil {
					return stats, fmt.Errorf("publish replay message: %w", err)
				}
			} else {
				entry.WithFields(log.Fields{"target_topic": replay.topic, "key": replay.key}).Info("dlq replay candidate")
			}
			stats.replayed++

			if msg.Offset+1 >= newest {
				return stats, nil
			}
		case <-idleTimer.C:
			return stats, nil
		}
	}
	return stats, nil
}

// extractReplayMessage различает два формата DLQ.
// Consumer кладёт исходное тело и x-original-topic в headers; повтор идёт
// в тот же topic с накопленным x-retry-count. Outbox кладёт envelope с
// outbox.DeadLetter в payload; повтор восстанавливает исходное событие и
// выбирает topic по его типу.
func extractReplayMessage(msg *sarama.ConsumerMessage, maxRetries int) (replayMessage, error) {
	if msg == nil {
		return replayMessage{}, errors.New("nil message")
	}
	if original := header(msg, kafka.HeaderOriginalTopic); original != "" {
		return consumerReplay(msg, original, maxRetries)
	}
	return outboxReplay(msg)
}

func consumerReplay(msg *sarama.ConsumerMessage, topic string, maxRetries int) (replayMessage, error) {
	retries, _ := strconv.Atoi(header(msg, kafka.HeaderRetryCount))
	if maxRetries > 0 && retries >= maxRetries {
		return replayMessage{}, fmt.Errorf("%w: %d attempts", errRetriesExhausted, retries)
	}
	return replayMessage{
		topic: topic,
		key:   string(msg.Key),
		value: msg.Value,
		headers: []sarama.RecordHeader{
			{Key: []byte(kafka.HeaderRetryCount), Value: []byte(strconv.Itoa(retries))},
		},
	}, nil
}

func outboxReplay(msg *sarama.ConsumerMessage) (replayMessage, error) {
	var envelope replayEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return replayMessage{}, fmt.Errorf("decode outbox envelope: %w", err)
	}
	if envelope.ID == "" || len(envelope.Payload) == 0 {
		return replayMessage{}, errors.New("unknown dlq message format")
	}

	var dead outbox.DeadLetter
	if err := json.Unmarshal(envelope.Payload, &dead); err != nil {
		return replayMessage{}, fmt.Errorf("decode outbox dead letter: %w", err)
	}
	if len(dead.Payload) == 0 {
		return replayMessage{}, errors.New("outbox dead letter does not contain the original payload")
	}

	replay := replayEnvelope{
		ID:            firstNonEmpty(dead.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(dead.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(dead.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(dead.EventType, envelope.EventType),
		Payload:       dead.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	encoded, err := json.Marshal(replay)
	if err != nil {
		return replayMessage{}, fmt.Errorf("encode replay envelope: %w", err)
	}

	return replayMessage{
		topic: kafka.TopicForEvent(replay.EventType),
		key:   firstNonEmpty(replay.AggregateID, replay.ID),
		value: encoded,
		headers: []sarama.RecordHeader{
			{Key: []byte(kafka.HeaderEventType), Value: []byte(replay.EventType)},
		},
	}, nil
}

func header(msg *sarama.ConsumerMessage, key string) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
