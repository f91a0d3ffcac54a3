package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/Ramsey-B/fern/pkg/tenant"
)

type Config struct {
	AppName            string `env:"APP_NAME" env-default:"fern" validate:"required"`
	Environment        string `env:"ENVIRONMENT" env-default:"development"`
	Version            string `env:"VERSION" env-default:"dev"`
	Port               int    `env:"PORT" env-default:"3000" validate:"min=1,max=65535"`
	LogLevel           string `env:"LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn error"`
	PrettyLogs         bool   `env:"PRETTY_LOGS" env-default:"false"`
	StartupMaxAttempts int    `env:"STARTUP_MAX_ATTEMPTS" env-default:"5" validate:"min=1"`
	// Principals allowed to act on every query and report
	Superusers []string `env:"SUPERUSERS" env-default:""`

	HttpServerWriteTimeoutSeconds int `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerReadTimeoutSeconds  int `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`

	// Database driver
	DatabaseDriver string `env:"DB_DRIVER" env-default:"postgres"`
	// Database host
	DatabaseHost string `env:"DB_HOST" env-default:"localhost"`
	// Database port
	DatabasePort string `env:"DB_PORT" env-default:"5432"`
	// Database user
	DatabaseUserName string `env:"DB_USER_NAME" env-default:"postgres"`
	// Database user password
	DatabasePassword string `env:"DB_PASSWORD" env-default:""`
	// Database name
	DatabaseName string `env:"DB_NAME" env-default:"fern" validate:"required"`
	// Database SSL Mode
	DatabaseSSLMode string `env:"DB_SSL_MODE" env-default:"disable"`
	// Max Open Conns
	DatabaseMaxOpenConns int `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	// Max Idle Conns
	DatabaseMaxIdleConns int `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	// Conn Max Lifetime
	DatabaseConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	// Migration Folder Path
	DatabaseMigrationFolderPath string `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	// Database Migration Version
	DatabaseMigrationVersion uint `env:"DB_MIGRATION_VERSION" env-default:"0"`
	// Database Migration Force
	DatabaseMigrationForce int `env:"DB_MIGRATION_FORCE" env-default:"0"`
	// Database Migration Auto Rollback
	DatabaseMigrationAutoRollback bool `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Upstream warehouse, read only. An empty host reuses the fern database.
	WarehouseHost     string `env:"WAREHOUSE_DB_HOST" env-default:""`
	WarehousePort     string `env:"WAREHOUSE_DB_PORT" env-default:"5432"`
	WarehouseUserName string `env:"WAREHOUSE_DB_USER_NAME" env-default:""`
	WarehousePassword string `env:"WAREHOUSE_DB_PASSWORD" env-default:""`
	WarehouseName     string `env:"WAREHOUSE_DB_NAME" env-default:""`
	WarehouseSSLMode  string `env:"WAREHOUSE_DB_SSL_MODE" env-default:"disable"`
	// Rows materialized per warehouse read when a query sets no limit
	WarehouseSampleSize int `env:"WAREHOUSE_SAMPLE_SIZE" env-default:"10000" validate:"min=1"`
	// Queryable entities as name:table:filter_field, comma separated
	WarehouseEntities []string `env:"WAREHOUSE_ENTITIES" env-default:""`

	// Redis host
	RedisHost string `env:"REDIS_HOST" env-default:"localhost"`
	// Redis port
	RedisPort int `env:"REDIS_PORT" env-default:"6379"`
	// Redis password
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	// Redis database number
	RedisDB int `env:"REDIS_DB" env-default:"0"`
	// Prefix of every lock key
	RedisLockPrefix string `env:"REDIS_LOCK_PREFIX" env-default:"lock:"`

	// Redis Streams settings
	// Task stream name
	RedisStreamsTaskQueue string `env:"REDIS_STREAMS_TASK_QUEUE" env-default:"fern:tasks"`
	// Consumer group name
	RedisStreamsConsumerGroup string `env:"REDIS_STREAMS_CONSUMER_GROUP" env-default:"fern-workers"`
	// Consumer name (defaults to hostname if empty)
	RedisStreamsConsumerName string `env:"REDIS_STREAMS_CONSUMER_NAME" env-default:""`
	// Dead letter stream
	RedisStreamsDLQ string `env:"REDIS_STREAMS_DLQ" env-default:"fern:tasks:dlq"`

	// Worker settings
	WorkerCount int `env:"WORKER_COUNT" env-default:"4" validate:"min=1"`
	// TTL of the per-entity task lock
	WorkerLockTTL time.Duration `env:"WORKER_LOCK_TTL" env-default:"24h"`
	// Deliveries before a task goes to the dead letter stream
	WorkerMaxRetries int `env:"WORKER_MAX_RETRIES" env-default:"3"`
	// How often revoked markers of finished tasks are dropped
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" env-default:"1m"`

	// Scheduler settings
	// Scheduler poll interval
	SchedulerPollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" env-default:"30s"`
	// Enable/disable the scheduler
	SchedulerEnabled bool `env:"SCHEDULER_ENABLED" env-default:"true"`
	// Refresh the report's query before each scheduled render
	SchedulerRunQuery bool `env:"SCHEDULER_RUN_QUERY" env-default:"true"`

	// Kafka brokers (comma-separated). Empty disables lifecycle events.
	KafkaBrokers string `env:"KAFKA_BROKERS" env-default:""`
	// Kafka topic for lifecycle events
	KafkaEventTopic string `env:"KAFKA_EVENT_TOPIC" env-default:"fern-events"`

	// Storage settings
	StorageDriver string `env:"STORAGE_DRIVER" env-default:"fs" validate:"oneof=memory fs s3"`
	StorageRoot   string `env:"STORAGE_ROOT" env-default:"data/blobs"`
	StorageBucket string `env:"STORAGE_S3_BUCKET" env-default:"" validate:"required_if=StorageDriver s3"`
	StorageRegion string `env:"STORAGE_S3_REGION" env-default:"us-east-1"`
	// S3-compatible endpoint such as MinIO
	StorageEndpoint  string `env:"STORAGE_S3_ENDPOINT" env-default:""`
	StoragePathStyle bool   `env:"STORAGE_S3_PATH_STYLE" env-default:"false"`

	// Sentry DSN. Empty tracks errors in the log only.
	SentryDSN string `env:"SENTRY_DSN" env-default:""`

	// Tracing settings
	// Enable OTLP tracing export (set to true to send traces to collector)
	OTLPEnabled bool `env:"OTLP_ENABLED" env-default:"false"`
	// OTLP collector endpoint
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	// OTLP protocol (grpc or http)
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc" validate:"oneof=grpc http"`
	// Disable TLS for OTLP (for local development)
	OTLPInsecure bool `env:"OTLP_INSECURE" env-default:"true"`
}

// Load reads an optional .env file, then the environment.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Entities(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) DatabaseDSN() string {
	return dsn(c.DatabaseUserName, c.DatabasePassword, c.DatabaseHost, c.DatabasePort, c.DatabaseName, c.DatabaseSSLMode)
}

// WarehouseDSN returns the warehouse connection string, or "" when the
// warehouse lives in the fern database.
func (c *Config) WarehouseDSN() string {
	if c.WarehouseHost == "" {
		return ""
	}
	return dsn(c.WarehouseUserName, c.WarehousePassword, c.WarehouseHost, c.WarehousePort, c.WarehouseName, c.WarehouseSSLMode)
}

func dsn(user, password, host, port, name, sslMode string) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, password),
		Host:     host + ":" + port,
		Path:     name,
		RawQuery: "sslmode=" + url.QueryEscape(sslMode),
	}
	return u.String()
}

// Entities parses WarehouseEntities into the entity type registry.
func (c *Config) Entities() (*tenant.Registry, error) {
	types := make([]tenant.EntityType, 0, len(c.WarehouseEntities))
	for _, raw := range c.WarehouseEntities {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parts := strings.Split(raw, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("warehouse entity %q must be name:table:filter_field", raw)
		}
		types = append(types, tenant.EntityType{
			Name:        strings.TrimSpace(parts[0]),
			Table:       strings.TrimSpace(parts[1]),
			FilterField: strings.TrimSpace(parts[2]),
		})
	}
	return tenant.NewRegistry(types...)
}
