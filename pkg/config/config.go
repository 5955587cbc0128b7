package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mediconnect/auditd/pkg/audit"
	"github.com/mediconnect/auditd/pkg/backup"
	"github.com/mediconnect/auditd/pkg/scheduler"
	"github.com/sirupsen/logrus"
)

// Store types
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Dead-letter sink types
const (
	SinkLog   = "log"
	SinkRedis = "redis"
	SinkFile  = "file"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Audit store and writer configuration
	Audit AuditConfig

	// Document store configuration
	Mongo MongoConfig

	// Redis configuration (dead letters, resume tokens)
	Redis RedisConfig

	// Scheduled jobs
	Schedule ScheduleConfig

	// Retention sweep limits
	Retention audit.RetentionPolicy

	// Backup export target
	Backup backup.S3Config

	// Identity webhook configuration
	Identity IdentityConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// AuditConfig configures the audit log and its writer
type AuditConfig struct {
	Store       string
	PostgresURL string
	MaxConns    int
	PolicyFile  string

	Writer   audit.WriterConfig
	Dispatch audit.DispatcherConfig

	DeadLetterSink    string
	DeadLetterDir     string
	DeadLetterKey     string
	DeadLetterMaxLen  int64
	DeadLetterMaxSize int64
}

// MongoConfig configures the document store connection and change streams
type MongoConfig struct {
	URI                 string
	Database            string
	ConnectTimeout      time.Duration
	ChangeStreamEnabled bool
	MaxBackoff          time.Duration
}

// RedisConfig holds the Redis connection
type RedisConfig struct {
	URL         string
	TokenPrefix string
}

// ScheduleConfig holds the cron schedules of the periodic jobs
type ScheduleConfig struct {
	Enabled   bool
	TimeZone  string
	Backup    string
	Retention string
}

// IdentityConfig configures the identity lifecycle webhooks
type IdentityConfig struct {
	HookToken string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel  logrus.Level
	LogFormat string

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables and validates it
func LoadConfig() (*Config, error) {
	cfg := Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Load reads configuration from environment variables without validating it, so
// callers can apply flag overrides first
func Load() *Config {
	return &Config{
		Server:        loadServerConfig(),
		Audit:         loadAuditConfig(),
		Mongo:         loadMongoConfig(),
		Redis:         loadRedisConfig(),
		Schedule:      loadScheduleConfig(),
		Retention:     loadRetentionConfig(),
		Backup:        loadBackupConfig(),
		Identity:      IdentityConfig{HookToken: getEnv("AUDITD_HOOK_TOKEN", "")},
		Observability: loadObservabilityConfig(),
	}
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("AUDITD_HOST", "0.0.0.0"),
		Port:            getEnv("AUDITD_PORT", "8080"),
		ReadTimeout:     getEnvDuration("AUDITD_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("AUDITD_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     getEnvDuration("AUDITD_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("AUDITD_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("AUDITD_HEALTH_PORT", "9090"),
	}
}

// loadAuditConfig loads the audit store, writer and dead-letter settings
func loadAuditConfig() AuditConfig {
	writer := audit.DefaultWriterConfig()
	if attempts := getEnvInt("AUDITD_APPEND_ATTEMPTS", 0); attempts > 0 {
		writer.MaxAttempts = attempts
	}
	writer.InitialBackoff = getEnvDuration("AUDITD_APPEND_BACKOFF", writer.InitialBackoff)
	writer.MaxBackoff = getEnvDuration("AUDITD_APPEND_MAX_BACKOFF", writer.MaxBackoff)

	dispatch := audit.DefaultDispatcherConfig()
	if workers := getEnvInt("AUDITD_DISPATCH_WORKERS", 0); workers > 0 {
		dispatch.Workers = workers
	}
	if size := getEnvInt("AUDITD_DISPATCH_QUEUE_SIZE", 0); size > 0 {
		dispatch.QueueSize = size
	}

	return AuditConfig{
		Store:             strings.ToLower(getEnv("AUDITD_STORE", StorePostgres)),
		PostgresURL:       getEnv("AUDITD_POSTGRES_URL", ""),
		MaxConns:          getEnvInt("AUDITD_POSTGRES_MAX_CONNS", 10),
		PolicyFile:        getEnv("AUDITD_POLICY_FILE", ""),
		Writer:            writer,
		Dispatch:          dispatch,
		DeadLetterSink:    strings.ToLower(getEnv("AUDITD_DEADLETTER_SINK", SinkLog)),
		DeadLetterDir:     getEnv("AUDITD_DEADLETTER_DIR", "/var/lib/auditd/deadletter"),
		DeadLetterKey:     getEnv("AUDITD_DEADLETTER_KEY", "auditd:deadletter"),
		DeadLetterMaxLen:  getEnvInt64("AUDITD_DEADLETTER_MAX_LEN", 100000),
		DeadLetterMaxSize: getEnvInt64("AUDITD_DEADLETTER_MAX_SIZE", 0),
	}
}

// loadMongoConfig loads document store configuration from environment
func loadMongoConfig() MongoConfig {
	return MongoConfig{
		URI:                 getEnv("AUDITD_MONGO_URI", "mongodb://localhost:27017"),
		Database:            getEnv("AUDITD_MONGO_DATABASE", "mediconnect"),
		ConnectTimeout:      getEnvDuration("AUDITD_MONGO_TIMEOUT", 10*time.Second),
		ChangeStreamEnabled: getEnvBool("AUDITD_CHANGE_STREAM_ENABLED", true),
		MaxBackoff:          getEnvDuration("AUDITD_CHANGE_STREAM_MAX_BACKOFF", 30*time.Second),
	}
}

// loadRedisConfig loads redis configuration from environment
func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:         getEnv("AUDITD_REDIS_URL", ""),
		TokenPrefix: getEnv("AUDITD_RESUME_TOKEN_PREFIX", "auditd:resume:"),
	}
}

// loadScheduleConfig loads the cron schedules from environment
func loadScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		Enabled:   getEnvBool("AUDITD_SCHEDULER_ENABLED", true),
		TimeZone:  getEnv("AUDITD_TIMEZONE", backup.DefaultTimeZone),
		Backup:    getEnv("AUDITD_BACKUP_SCHEDULE", scheduler.DailyBackupSpec),
		Retention: getEnv("AUDITD_RETENTION_SCHEDULE", scheduler.WeeklyRetentionSpec),
	}
}

// loadRetentionConfig loads retention limits from environment
func loadRetentionConfig() audit.RetentionPolicy {
	cfg := audit.DefaultRetentionPolicy()
	cfg.Horizon = getEnvDuration("AUDITD_RETENTION_HORIZON", cfg.Horizon)
	if limit := getEnvInt("AUDITD_RETENTION_BATCH_LIMIT", 0); limit > 0 {
		cfg.BatchLimit = limit
	}
	if batches := getEnvInt("AUDITD_RETENTION_MAX_BATCHES", 0); batches > 0 {
		cfg.MaxBatches = batches
	}
	return cfg
}

// loadBackupConfig loads the backup export target from environment
func loadBackupConfig() backup.S3Config {
	return backup.S3Config{
		Bucket:       getEnv("AUDITD_S3_BUCKET", ""),
		Prefix:       getEnv("AUDITD_S3_PREFIX", "firestore"),
		Region:       getEnv("AUDITD_S3_REGION", "ap-northeast-1"),
		Endpoint:     getEnv("AUDITD_S3_ENDPOINT", ""),
		AccessKey:    getEnv("AUDITD_S3_ACCESS_KEY", ""),
		SecretKey:    getEnv("AUDITD_S3_SECRET_KEY", ""),
		UsePathStyle: getEnvBool("AUDITD_S3_USE_PATH_STYLE", false),
		Workers:      getEnvInt("AUDITD_BACKUP_WORKERS", 4),
		CopyTimeout:  getEnvDuration("AUDITD_BACKUP_COPY_TIMEOUT", 30*time.Minute),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("AUDITD_LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("AUDITD_LOG_FORMAT", "text")),
		MetricsEnabled:     getEnvBool("AUDITD_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("AUDITD_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("AUDITD_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("AUDITD_OTEL_SERVICE_NAME", "auditd"),
		OTelServiceVersion: getEnv("AUDITD_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("AUDITD_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	// Validate audit store
	switch c.Audit.Store {
	case StorePostgres:
		if c.Audit.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("invalid store type: %s (must be postgres or memory)", c.Audit.Store)
	}

	switch c.Audit.DeadLetterSink {
	case SinkLog:
	case SinkRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("redis URL is required for the redis dead-letter sink")
		}
	case SinkFile:
		if c.Audit.DeadLetterDir == "" {
			return fmt.Errorf("dead-letter directory is required for the file dead-letter sink")
		}
	default:
		return fmt.Errorf("invalid dead-letter sink: %s (must be log, redis, or file)", c.Audit.DeadLetterSink)
	}

	// Validate schedules
	if _, err := time.LoadLocation(c.Schedule.TimeZone); err != nil {
		return fmt.Errorf("invalid time zone %q: %w", c.Schedule.TimeZone, err)
	}
	if c.Schedule.Enabled {
		if c.Schedule.Backup == "" || c.Schedule.Retention == "" {
			return fmt.Errorf("backup and retention schedules are required when the scheduler is enabled")
		}
	}

	// Validate retention
	if c.Retention.Horizon <= 0 {
		return fmt.Errorf("retention horizon must be positive")
	}
	if c.Retention.BatchLimit <= 0 || c.Retention.MaxBatches <= 0 {
		return fmt.Errorf("retention batch limit and max batches must be positive")
	}

	if c.Observability.LogFormat != "text" && c.Observability.LogFormat != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Observability.LogFormat)
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// Location returns the scheduling time zone
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Schedule.TimeZone)
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) logrus.Level {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel
	}
	return parsed
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
