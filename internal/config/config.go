package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/k-code-yt/warehouse-ingest/internal/logging"
	mongodb "github.com/k-code-yt/warehouse-ingest/pkg/db/mongo"
	"github.com/k-code-yt/warehouse-ingest/pkg/db/postgres"
	pkgkafka "github.com/k-code-yt/warehouse-ingest/pkg/kafka"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const DefaultDBName = "warehouse"

type StoreBackend string

const (
	StoreBackend_Mongo    StoreBackend = "mongo"
	StoreBackend_Postgres StoreBackend = "postgres"
	StoreBackend_Memory   StoreBackend = "memory"
)

type Config struct {
	Kafka    pkgkafka.KafkaConfig    `yaml:"kafka"`
	Topics   TopicsConfig            `yaml:"topics"`
	Store    StoreConfig             `yaml:"store"`
	Mongo    mongodb.MongoConfig     `yaml:"mongo"`
	Postgres postgres.PostgresConfig `yaml:"postgres"`
	Retry    RetryConfig             `yaml:"retry"`
	Batch    BatchConfig             `yaml:"batch"`
	Server   ServerConfig            `yaml:"server"`
	Log      logging.Config          `yaml:"log"`
}

type TopicsConfig struct {
	Inventory      string `yaml:"inventory"`
	InventoryRetry string `yaml:"inventory_retry"`
	InventoryError string `yaml:"inventory_error"`
	Product        string `yaml:"product"`
	ProductRetry   string `yaml:"product_retry"`
	ProductError   string `yaml:"product_error"`
}

type StoreConfig struct {
	Backend StoreBackend `yaml:"backend"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type BatchConfig struct {
	Size   int           `yaml:"size"`
	Linger time.Duration `yaml:"linger"`
	// HandlerBackoff is the pause before a batch whose routing failed is
	// handed over again.
	HandlerBackoff time.Duration `yaml:"handler_backoff"`
}

type ServerConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	HealthAddr  string `yaml:"health_addr"`
}

func Default() *Config {
	return &Config{
		Kafka: *pkgkafka.NewKafkaConfig(),
		Topics: TopicsConfig{
			Inventory:      "inventory.update",
			InventoryRetry: "inventory.retry",
			InventoryError: "inventory.error",
			Product:        "product.update",
			ProductRetry:   "product.retry",
			ProductError:   "product.error",
		},
		Store:    StoreConfig{Backend: StoreBackend_Mongo},
		Mongo:    mongodb.DefaultMongoConfig(DefaultDBName),
		Postgres: postgres.DefaultPostgresConfig(DefaultDBName),
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			Multiplier:  2,
			MaxDelay:    5 * time.Second,
		},
		Batch: BatchConfig{
			Size:           100,
			Linger:         50 * time.Millisecond,
			HandlerBackoff: time.Second,
		},
		Server: ServerConfig{
			MetricsAddr: ":2112",
			HealthAddr:  ":9090",
		},
		Log: logging.Config{Level: "info", Format: "text"},
	}
}

// Load builds the config from defaults, then the YAML file named by
// CONFIG_FILE, then environment variables. A .env file in the working
// directory, or the one named by ENV_FILE, is loaded first.
func Load() (*Config, error) {
	loadDotEnv()
	return LoadFrom(os.Getenv("CONFIG_FILE"))
}

// LoadFrom is Load with an explicit YAML file. An empty path skips it.
func LoadFrom(path string) (*Config, error) {
	loadDotEnv()
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file onto cfg. Keys missing from the file keep
// their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func loadDotEnv() {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		logrus.WithField("PATH", envFile).Debug("No .env file loaded")
	}
}

func (c *Config) applyEnv() error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	setString(&c.Kafka.Host, "KAFKA_HOST")
	setString(&c.Kafka.ConsumerGroup, "KAFKA_CONSUMER_GROUP")
	setString(&c.Kafka.ParititionAssignStrategy, "KAFKA_ASSIGN_STRATEGY")
	collect(setInt(&c.Kafka.NumPartitions, "KAFKA_NUM_PARTITIONS"))
	collect(setInt(&c.Kafka.ReplicationFactor, "KAFKA_REPLICATION_FACTOR"))
	collect(setDuration(&c.Kafka.CommitInterval, "KAFKA_COMMIT_INTERVAL"))
	collect(setDuration(&c.Kafka.ShutdownGrace, "KAFKA_SHUTDOWN_GRACE"))
	collect(setBool(&c.Kafka.CreateTopics, "KAFKA_CREATE_TOPICS"))
	if v, ok := os.LookupEnv("KAFKA_ENCODER"); ok {
		c.Kafka.MsgEncoderType = pkgkafka.KafkaEncoder(v)
	}

	setString(&c.Topics.Inventory, "KAFKA_TOPIC_INVENTORY")
	setString(&c.Topics.InventoryRetry, "KAFKA_TOPIC_INVENTORY_RETRY")
	setString(&c.Topics.InventoryError, "KAFKA_TOPIC_INVENTORY_ERROR")
	setString(&c.Topics.Product, "KAFKA_TOPIC_PRODUCT")
	setString(&c.Topics.ProductRetry, "KAFKA_TOPIC_PRODUCT_RETRY")
	setString(&c.Topics.ProductError, "KAFKA_TOPIC_PRODUCT_ERROR")

	if v, ok := os.LookupEnv("STORE_BACKEND"); ok {
		c.Store.Backend = StoreBackend(v)
	}

	setString(&c.Mongo.URI, "MONGO_URI")
	setString(&c.Mongo.Database, "MONGO_DATABASE")

	setString(&c.Postgres.Host, "POSTGRES_HOST")
	setString(&c.Postgres.Port, "POSTGRES_PORT")
	setString(&c.Postgres.User, "POSTGRES_USER")
	setString(&c.Postgres.Password, "POSTGRES_PASSWORD")
	setString(&c.Postgres.DBName, "POSTGRES_DB")
	setString(&c.Postgres.SSLMode, "POSTGRES_SSLMODE")
	collect(setInt(&c.Postgres.MaxOpenConns, "POSTGRES_MAX_OPEN_CONNS"))

	collect(setInt(&c.Retry.MaxAttempts, "RETRY_MAX_ATTEMPTS"))
	collect(setDuration(&c.Retry.BaseDelay, "RETRY_BASE_DELAY"))
	collect(setFloat(&c.Retry.Multiplier, "RETRY_MULTIPLIER"))
	collect(setDuration(&c.Retry.MaxDelay, "RETRY_MAX_DELAY"))

	collect(setInt(&c.Batch.Size, "BATCH_SIZE"))
	collect(setDuration(&c.Batch.Linger, "BATCH_LINGER"))
	collect(setDuration(&c.Batch.HandlerBackoff, "BATCH_HANDLER_BACKOFF"))

	setString(&c.Server.MetricsAddr, "METRICS_ADDR")
	setString(&c.Server.HealthAddr, "HEALTH_ADDR")

	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")

	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case StoreBackend_Mongo, StoreBackend_Postgres, StoreBackend_Memory:
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}
	switch c.Kafka.MsgEncoderType {
	case pkgkafka.KafkaEncoder_JSON, pkgkafka.KafkaEncoder_AVRO:
	default:
		errs = append(errs, fmt.Errorf("kafka.encoder: unknown encoder %q", c.Kafka.MsgEncoderType))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be at least 1, got %v", c.Retry.Multiplier))
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}
	if c.Batch.Size < 1 {
		errs = append(errs, fmt.Errorf("batch.size must be at least 1, got %d", c.Batch.Size))
	}
	if c.Batch.Linger < 0 {
		errs = append(errs, errors.New("batch.linger must not be negative"))
	}
	topics := map[string]string{
		"topics.inventory":       c.Topics.Inventory,
		"topics.inventory_retry": c.Topics.InventoryRetry,
		"topics.inventory_error": c.Topics.InventoryError,
		"topics.product":         c.Topics.Product,
		"topics.product_retry":   c.Topics.ProductRetry,
		"topics.product_error":   c.Topics.ProductError,
	}
	for name, topic := range topics {
		if topic == "" {
			errs = append(errs, fmt.Errorf("%s must be set", name))
		}
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
