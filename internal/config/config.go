package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type RelayConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	NodeID      int64  `envconfig:"NODE_ID" default:"1"`

	// Dispatch log
	StoreDriver             string `envconfig:"STORE_DRIVER" default:"postgres"` // postgres | sqlite
	DBDSN                   string `envconfig:"DB_DSN"`
	SQLitePath              string `envconfig:"SQLITE_PATH" default:"data/dispatch.db"`
	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"20"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD"`

	// Durable queue
	QueueBackend      string        `envconfig:"QUEUE_BACKEND" default:"sqs"` // sqs | redis
	FallbackDir       string        `envconfig:"QUEUE_FALLBACK_DIR" default:"data/journal"`
	FallbackMaxBytes  int64         `envconfig:"QUEUE_FALLBACK_SEGMENT_BYTES" default:"8388608"`
	ReconcileSchedule string        `envconfig:"QUEUE_RECONCILE_SCHEDULE" default:"@every 10s"`
	PrimaryTimeout    time.Duration `envconfig:"QUEUE_PRIMARY_TIMEOUT" default:"3s"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`

	// Redis (queue backend and source transport)
	RedisAddr        string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword    string        `envconfig:"REDIS_PASSWORD"`
	RedisDB          int           `envconfig:"REDIS_DB" default:"0"`
	RedisStream      string        `envconfig:"REDIS_STREAM" default:"relay_events"`
	RedisGroup       string        `envconfig:"REDIS_GROUP" default:"relay_dispatch"`
	RedisConsumer    string        `envconfig:"REDIS_CONSUMER"`
	RedisReclaimIdle time.Duration `envconfig:"REDIS_RECLAIM_IDLE" default:"2m"`

	// Dispatch
	WorkerConcurrency int           `envconfig:"WORKER_CONCURRENCY" default:"20"`
	DequeueBatch      int           `envconfig:"DEQUEUE_BATCH" default:"10"`
	DequeueWait       time.Duration `envconfig:"DEQUEUE_WAIT" default:"5s"`
	MaxRetryCount     int           `envconfig:"MAX_RETRY_COUNT" default:"5"`
	RetryBase         time.Duration `envconfig:"RETRY_BASE" default:"1s"`
	RetryCap          time.Duration `envconfig:"RETRY_CAP" default:"5m"`
	DedupCacheSize    int           `envconfig:"DEDUP_CACHE_SIZE" default:"10000"`
	ClaimLease        time.Duration `envconfig:"DISPATCH_CLAIM_LEASE" default:"2m"`
	SendTimeout       time.Duration `envconfig:"SEND_TIMEOUT" default:"15s"`
	ShutdownGrace     time.Duration `envconfig:"SHUTDOWN_GRACE" default:"10s"`
	// Token buckets: platform -> capacity / refill per second.
	RateCapacity map[string]int     `envconfig:"RATE_CAPACITY" default:"discord:5,telegram:20"`
	RateRefill   map[string]float64 `envconfig:"RATE_REFILL" default:"discord:1,telegram:1"`

	// Forwarder pools: credential name -> secret.
	DiscordCredentials  map[string]string `envconfig:"DISCORD_CREDENTIALS"`
	DiscordBaseURL      string            `envconfig:"DISCORD_BASE_URL" default:"https://discord.com/api/v10"`
	TelegramCredentials map[string]string `envconfig:"TELEGRAM_CREDENTIALS"`
	TelegramBaseURL     string            `envconfig:"TELEGRAM_BASE_URL" default:"https://api.telegram.org"`
	BreakerFailures     uint32            `envconfig:"BREAKER_FAILURES" default:"5"`
	BreakerCooldown     time.Duration     `envconfig:"BREAKER_COOLDOWN" default:"30s"`
	PoolReportInterval  time.Duration     `envconfig:"POOL_REPORT_INTERVAL" default:"30s"`

	// Mapping + content
	MappingPath      string `envconfig:"MAPPING_PATH" default:"config/mapping.yaml"`
	ContentMaxLength int    `envconfig:"CONTENT_MAX_LENGTH" default:"4000"`

	// Sessions
	SourceAccounts    []string      `envconfig:"SOURCE_ACCOUNTS"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"90s"`
	ReconnectBase     time.Duration `envconfig:"RECONNECT_BASE" default:"2s"`
	ReconnectCap      time.Duration `envconfig:"RECONNECT_CAP" default:"5m"`
	MaxReconnects     int           `envconfig:"MAX_RECONNECTS" default:"10"`
	StableAfter       time.Duration `envconfig:"STABLE_AFTER" default:"10m"`
	DegradedThreshold int           `envconfig:"DEGRADED_THRESHOLD" default:"60"`
	StatusInterval    time.Duration `envconfig:"STATUS_INTERVAL" default:"15s"`
	EventBuffer       int           `envconfig:"EVENT_BUFFER" default:"256"`

	// Status sink
	StatusSink   string   `envconfig:"STATUS_SINK" default:"log"` // log | kafka | both
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_STATUS_TOPIC" default:"relay.status"`

	// Tracing
	OTelEndpoint    string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelHeaders     string `envconfig:"OTEL_EXPORTER_OTLP_HEADERS"`
	OTelServiceName string `envconfig:"OTEL_SERVICE_NAME" default:"chatrelay"`
}

type MigrateConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	Direction string `envconfig:"MIGRATE_DIRECTION" default:"up"`
}

// LoadRelay reads the environment, after an optional .env file.
func LoadRelay() RelayConfig {
	_ = godotenv.Load()
	var cfg RelayConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadMigrate() MigrateConfig {
	_ = godotenv.Load()
	var cfg MigrateConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
