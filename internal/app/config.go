package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
	"github.com/vladislavdragonenkov/inventory/internal/service/order"
)

// Поддерживаемые хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска приложения.
type Config struct {
	GRPCAddr    string
	MetricsAddr string
	LogLevel    string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	SeedDemo            bool

	RedisAddr string
	CacheTTL  time.Duration

	KafkaBrokers []string
	KafkaGroupID string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	// OutboxRetention задаёт, сколько хранить уже отправленные события.
	OutboxRetention       time.Duration
	OutboxCleanupInterval time.Duration

	DuplicatePolicy string
	MaxLines        int
	RollbackTimeout time.Duration

	OTLPEndpoint string
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:              ":50051",
		MetricsAddr:           ":9090",
		LogLevel:              "info",
		StorageDriver:         StorageDriverMemory,
		PostgresAutoMigrate:   true,
		CacheTTL:              10 * time.Minute,
		KafkaGroupID:          "inventory-replenishment",
		OutboxPollInterval:    time.Second,
		OutboxBatchSize:       100,
		OutboxMaxAttempts:     3,
		OutboxRetryDelay:      50 * time.Millisecond,
		OutboxRetention:       24 * time.Hour,
		OutboxCleanupInterval: 10 * time.Minute,
		DuplicatePolicy:       string(order.DuplicatePolicyKeep),
		MaxLines:              domain.DefaultMaxLines,
		RollbackTimeout:       order.DefaultRollbackTimeout,
	}
}

// LoadConfig читает .env (если есть) и переменные INVENTORY_*.
// Переменные окружения процесса имеют приоритет над .env.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return configFromEnv(os.LookupEnv)
}

type lookupFunc func(string) (string, bool)

func configFromEnv(lookup lookupFunc) (Config, error) {
	cfg := DefaultConfig()
	env := envReader{lookup: lookup}

	env.str("INVENTORY_GRPC_ADDR", &cfg.GRPCAddr)
	env.str("INVENTORY_METRICS_ADDR", &cfg.MetricsAddr)
	env.str("INVENTORY_LOG_LEVEL", &cfg.LogLevel)
	env.str("INVENTORY_STORAGE_DRIVER", &cfg.StorageDriver)
	env.str("INVENTORY_POSTGRES_DSN", &cfg.PostgresDSN)
	env.boolean("INVENTORY_POSTGRES_AUTO_MIGRATE", &cfg.PostgresAutoMigrate)
	env.boolean("INVENTORY_SEED_DEMO", &cfg.SeedDemo)
	env.str("INVENTORY_REDIS_ADDR", &cfg.RedisAddr)
	env.duration("INVENTORY_CACHE_TTL", &cfg.CacheTTL)
	env.list("INVENTORY_KAFKA_BROKERS", &cfg.KafkaBrokers)
	env.str("INVENTORY_KAFKA_GROUP_ID", &cfg.KafkaGroupID)
	env.duration("INVENTORY_OUTBOX_POLL_INTERVAL", &cfg.OutboxPollInterval)
	env.integer("INVENTORY_OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize)
	env.integer("INVENTORY_OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts)
	env.duration("INVENTORY_OUTBOX_RETRY_DELAY", &cfg.OutboxRetryDelay)
	env.duration("INVENTORY_OUTBOX_RETENTION", &cfg.OutboxRetention)
	env.duration("INVENTORY_OUTBOX_CLEANUP_INTERVAL", &cfg.OutboxCleanupInterval)
	env.str("INVENTORY_DUPLICATE_POLICY", &cfg.DuplicatePolicy)
	env.integer("INVENTORY_MAX_LINES", &cfg.MaxLines)
	env.duration("INVENTORY_ROLLBACK_TIMEOUT", &cfg.RollbackTimeout)
	env.str("INVENTORY_OTLP_ENDPOINT", &cfg.OTLPEndpoint)

	if err := errors.Join(env.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate отклоняет несовместимые настройки.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.GRPCAddr) == "" {
		errs = append(errs, errors.New("grpc address is required"))
	}
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("INVENTORY_POSTGRES_DSN is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}
	if _, err := order.ParseDuplicatePolicy(c.DuplicatePolicy); err != nil {
		errs = append(errs, err)
	}
	if c.MaxLines < 0 {
		errs = append(errs, errors.New("max lines must be >= 0"))
	}
	if c.RollbackTimeout <= 0 {
		errs = append(errs, errors.New("rollback timeout must be > 0"))
	}
	if c.RedisAddr != "" && c.CacheTTL <= 0 {
		errs = append(errs, errors.New("cache ttl must be > 0 when redis is enabled"))
	}
	if c.OutboxBatchSize <= 0 || c.OutboxMaxAttempts <= 0 || c.OutboxPollInterval <= 0 {
		errs = append(errs, errors.New("outbox batch size, max attempts and poll interval must be > 0"))
	}
	if c.OutboxRetention <= 0 || c.OutboxCleanupInterval <= 0 {
		errs = append(errs, errors.New("outbox retention and cleanup interval must be > 0"))
	}
	if len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.KafkaGroupID) == "" {
		errs = append(errs, errors.New("kafka group id is required when brokers are set"))
	}
	return errors.Join(errs...)
}

// envReader копит ошибки разбора, чтобы сообщить обо всех сразу.
type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (r *envReader) raw(key string) (string, bool) {
	value, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func (r *envReader) str(key string, dst *string) {
	if value, ok := r.raw(key); ok {
		*dst = value
	}
}

func (r *envReader) list(key string, dst *[]string) {
	value, ok := r.raw(key)
	if !ok {
		return
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*dst = items
}

func (r *envReader) boolean(key string, dst *bool) {
	value, ok := r.raw(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = parsed
}

func (r *envReader) integer(key string, dst *int) {
	value, ok := r.raw(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = parsed
}

func (r *envReader) duration(key string, dst *time.Duration) {
	value, ok := r.raw(key)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = parsed
}
