// Command dlq-reprocess возвращает сообщения из DLQ в исходные topics.
// Без -execute только перечисляет кандидатов.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/inventory/internal/messaging/kafka"
)

const brokersEnv = "INVENTORY_KAFKA_BROKERS"

type config struct {
	brokers     []string
	sourceTopic string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
	// maxRetries > 0 оставляет в DLQ сообщения, уже пережившие столько попыток.
	maxRetries int
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

// replayProducer — то, что нужно от kafka.Producer.
type replayProducer interface {
	Send(topic, key string, value []byte, headers ...sarama.RecordHeader) error
	Close() error
}

// replayKafka — подключения одного прогона. producer есть только с -execute.
type replayKafka struct {
	offsets  offsetClient
	source   partitionConsumerSource
	producer replayProducer
}

func (k replayKafka) close() {
	for _, c := range []io.Closer{k.producer, k.source, k.offsets} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			log.WithError(err).Warn("close kafka connection")
		}
	}
}

// sourceAdapter приводит sarama.Consumer к partitionConsumerSource.
type sourceAdapter struct {
	sarama.Consumer
}

func (a sourceAdapter) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	return a.Consumer.ConsumePartition(topic, partition, offset)
}

var connectKafka = func(cfg config) (replayKafka, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, saramaCfg)
	if err != nil {
		return replayKafka{}, fmt.Errorf("connect to kafka: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return replayKafka{}, fmt.Errorf("create kafka consumer: %w", err)
	}
	k := replayKafka{offsets: client, source: sourceAdapter{consumer}}
	if !cfg.execute {
		return k, nil
	}

	producer, err := kafka.NewProducer(cfg.brokers, log.WithField("component", "dlq-replay"))
	if err != nil {
		k.close()
		return replayKafka{}, fmt.Errorf("create kafka producer: %w", err)
	}
	k.producer = producer
	return k, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := readConfig(os.Args[1:], os.Getenv)
	if err != nil {
		log.WithError(err).Fatal("invalid arguments")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("dlq replay failed")
	}
}

func readConfig(args []string, getenv func(string) string) (config, error) {
	cfg := config{
		sourceTopic: kafka.TopicDeadLetterQueue,
		limit:       100,
		idleTimeout: 2 * time.Second,
	}
	var brokers string

	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokers, "brokers", "", "брокеры через запятую, иначе "+brokersEnv)
	fs.StringVar(&cfg.sourceTopic, "source-topic", cfg.sourceTopic, "topic DLQ")
	fs.IntVar(&cfg.limit, "limit", cfg.limit, "сколько сообщений просмотреть")
	fs.BoolVar(&cfg.execute, "execute", false, "отправлять сообщения, а не только перечислять")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "брать последние limit сообщений партиции")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", cfg.idleTimeout, "сколько ждать нового сообщения в партиции")
	fs.IntVar(&cfg.maxRetries, "max-retries", 0, "не возвращать сообщения consumer после стольких попыток, 0 без лимита")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokers) == "" {
		brokers = getenv(brokersEnv)
	}
	cfg.brokers = parseBrokers(brokers)

	var errs []error
	if len(cfg.brokers) == 0 {
		errs = append(errs, fmt.Errorf("kafka brokers are required (-brokers or %s)", brokersEnv))
	}
	if strings.TrimSpace(cfg.sourceTopic) == "" {
		errs = append(errs, errors.New("source-topic is required"))
	}
	if cfg.limit <= 0 {
		errs = append(errs, errors.New("limit must be > 0"))
	}
	if cfg.idleTimeout <= 0 {
		errs = append(errs, errors.New("idle-timeout must be > 0"))
	}
	if cfg.maxRetries < 0 {
		errs = append(errs, errors.New("max-retries must be >= 0"))
	}
	if err := errors.Join(errs...); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, chunk := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func run(ctx context.Context, cfg config) error {
	log.WithFields(log.Fields{
		"source_topic": cfg.sourceTopic,
		"limit":        cfg.limit,
		"execute":      cfg.execute,
		"from_newest":  cfg.fromNewest,
		"max_retries":  cfg.maxRetries,
	}).Info("starting dlq replay")

	k, err := connectKafka(cfg)
	if err != nil {
		return err
	}
	defer k.close()

	return runReplay(ctx, cfg, k)
}
