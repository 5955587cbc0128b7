package config

import (
	"testing"
	"time"

	"github.com/mediconnect/auditd/pkg/audit"
	"github.com/mediconnect/auditd/pkg/scheduler"
	"github.com/sirupsen/logrus"
)

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "TEST_VAR",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when env not set",
			key:          "TEST_VAR_NOT_SET",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.envValue)

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvBool tests the getEnvBool helper function
func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		defaultValue bool
		envValue     string
		want         bool
	}{
		{name: "returns true for 'true'", defaultValue: false, envValue: "true", want: true},
		{name: "returns true for '1'", defaultValue: false, envValue: "1", want: true},
		{name: "returns false for 'false'", defaultValue: true, envValue: "false", want: false},
		{name: "returns default when not set", defaultValue: true, envValue: "", want: true},
		{name: "returns true for 'TRUE' (case insensitive)", defaultValue: false, envValue: "TRUE", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_BOOL", tt.envValue)

			got := getEnvBool("TEST_BOOL", tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvNumbers tests the integer and duration helpers
func TestGetEnvNumbers(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INT_BAD", "forty-two")
	t.Setenv("TEST_INT64", "9000000000")
	t.Setenv("TEST_DURATION", "90s")
	t.Setenv("TEST_DURATION_BAD", "ninety")

	if got := getEnvInt("TEST_INT", 1); got != 42 {
		t.Errorf("getEnvInt() = %v, want 42", got)
	}
	if got := getEnvInt("TEST_INT_BAD", 1); got != 1 {
		t.Errorf("getEnvInt() with invalid value = %v, want default 1", got)
	}
	if got := getEnvInt64("TEST_INT64", 1); got != 9000000000 {
		t.Errorf("getEnvInt64() = %v, want 9000000000", got)
	}
	if got := getEnvDuration("TEST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("getEnvDuration() = %v, want 90s", got)
	}
	if got := getEnvDuration("TEST_DURATION_BAD", time.Second); got != time.Second {
		t.Errorf("getEnvDuration() with invalid value = %v, want default 1s", got)
	}
}

// TestParseLogLevel tests the parseLogLevel function
func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  logrus.Level
	}{
		{level: "debug", want: logrus.DebugLevel},
		{level: "DEBUG", want: logrus.DebugLevel},
		{level: "info", want: logrus.InfoLevel},
		{level: "warn", want: logrus.WarnLevel},
		{level: "warning", want: logrus.WarnLevel},
		{level: "error", want: logrus.ErrorLevel},
		{level: "invalid", want: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			got := parseLogLevel(tt.level)
			if got != tt.want {
				t.Errorf("parseLogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestLoadDefaults checks the defaults used when nothing is set
func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUDITD_STORE", "memory")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "8080" || cfg.Server.HealthPort != "9090" {
		t.Errorf("ports = %s/%s, want 8080/9090", cfg.Server.Port, cfg.Server.HealthPort)
	}
	if cfg.Retention != audit.DefaultRetentionPolicy() {
		t.Errorf("Retention = %+v, want default", cfg.Retention)
	}
	if cfg.Schedule.TimeZone != "Asia/Tokyo" {
		t.Errorf("TimeZone = %s, want Asia/Tokyo", cfg.Schedule.TimeZone)
	}
	if cfg.Schedule.Backup != scheduler.DailyBackupSpec || cfg.Schedule.Retention != scheduler.WeeklyRetentionSpec {
		t.Errorf("schedules = %q/%q", cfg.Schedule.Backup, cfg.Schedule.Retention)
	}
	if cfg.Backup.Prefix != "firestore" {
		t.Errorf("Backup.Prefix = %s, want firestore", cfg.Backup.Prefix)
	}
	if cfg.Audit.DeadLetterSink != SinkLog {
		t.Errorf("DeadLetterSink = %s, want log", cfg.Audit.DeadLetterSink)
	}
	if cfg.Audit.Writer.MaxAttempts != 3 {
		t.Errorf("Writer.MaxAttempts = %d, want 3", cfg.Audit.Writer.MaxAttempts)
	}
	if cfg.Observability.LogLevel != logrus.InfoLevel {
		t.Errorf("LogLevel = %v, want info", cfg.Observability.LogLevel)
	}
	if !cfg.Mongo.ChangeStreamEnabled {
		t.Error("change streams should be enabled by default")
	}

	loc, err := cfg.Location()
	if err != nil {
		t.Fatalf("Location() error = %v", err)
	}
	if loc.String() != "Asia/Tokyo" {
		t.Errorf("Location() = %s", loc)
	}
}

// TestLoadOverrides checks that environment values replace the defaults
func TestLoadOverrides(t *testing.T) {
	env := map[string]string{
		"AUDITD_PORT":                  "8000",
		"AUDITD_STORE":                 "postgres",
		"AUDITD_POSTGRES_URL":          "postgres://audit@localhost/audit",
		"AUDITD_APPEND_ATTEMPTS":       "5",
		"AUDITD_DISPATCH_WORKERS":      "16",
		"AUDITD_DEADLETTER_SINK":       "REDIS",
		"AUDITD_REDIS_URL":             "redis://localhost:6379/0",
		"AUDITD_RETENTION_HORIZON":     "720h",
		"AUDITD_RETENTION_BATCH_LIMIT": "100",
		"AUDITD_RETENTION_MAX_BATCHES": "5",
		"AUDITD_TIMEZONE":              "UTC",
		"AUDITD_S3_BUCKET":             "mediconnect-backups",
		"AUDITD_S3_USE_PATH_STYLE":     "true",
		"AUDITD_HOOK_TOKEN":            "s3cret",
		"AUDITD_LOG_LEVEL":             "debug",
		"AUDITD_LOG_FORMAT":            "json",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "8000" {
		t.Errorf("Port = %s, want 8000", cfg.Server.Port)
	}
	if cfg.Audit.Writer.MaxAttempts != 5 || cfg.Audit.Dispatch.Workers != 16 {
		t.Errorf("writer/dispatch = %+v / %+v", cfg.Audit.Writer, cfg.Audit.Dispatch)
	}
	if cfg.Audit.DeadLetterSink != SinkRedis {
		t.Errorf("DeadLetterSink = %s, want redis", cfg.Audit.DeadLetterSink)
	}
	want := audit.RetentionPolicy{Horizon: 30 * 24 * time.Hour, BatchLimit: 100, MaxBatches: 5}
	if cfg.Retention != want {
		t.Errorf("Retention = %+v, want %+v", cfg.Retention, want)
	}
	if cfg.Backup.Bucket != "mediconnect-backups" || !cfg.Backup.UsePathStyle {
		t.Errorf("Backup = %+v", cfg.Backup)
	}
	if cfg.Identity.HookToken != "s3cret" {
		t.Errorf("HookToken = %q", cfg.Identity.HookToken)
	}
	if cfg.Observability.LogLevel != logrus.DebugLevel || cfg.Observability.LogFormat != "json" {
		t.Errorf("Observability = %+v", cfg.Observability)
	}
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", HealthPort: "9090"},
		Audit: AuditConfig{
			Store:          StorePostgres,
			PostgresURL:    "postgres://localhost/audit",
			DeadLetterSink: SinkLog,
		},
		Schedule: ScheduleConfig{
			Enabled:   true,
			TimeZone:  "Asia/Tokyo",
			Backup:    scheduler.DailyBackupSpec,
			Retention: scheduler.WeeklyRetentionSpec,
		},
		Retention:     audit.DefaultRetentionPolicy(),
		Observability: ObservabilityConfig{LogFormat: "text"},
	}
}

// TestConfigValidate tests the Validate method
func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "memory store needs no URL", mutate: func(c *Config) { c.Audit.Store = StoreMemory; c.Audit.PostgresURL = "" }},
		{name: "missing port", mutate: func(c *Config) { c.Server.Port = "" }, wantErr: true},
		{name: "same ports", mutate: func(c *Config) { c.Server.HealthPort = "8080" }, wantErr: true},
		{name: "postgres without URL", mutate: func(c *Config) { c.Audit.PostgresURL = "" }, wantErr: true},
		{name: "unknown store", mutate: func(c *Config) { c.Audit.Store = "sqlite" }, wantErr: true},
		{name: "redis sink without URL", mutate: func(c *Config) { c.Audit.DeadLetterSink = SinkRedis }, wantErr: true},
		{name: "redis sink with URL", mutate: func(c *Config) {
			c.Audit.DeadLetterSink = SinkRedis
			c.Redis.URL = "redis://localhost:6379"
		}},
		{name: "file sink without dir", mutate: func(c *Config) { c.Audit.DeadLetterSink = SinkFile }, wantErr: true},
		{name: "unknown sink", mutate: func(c *Config) { c.Audit.DeadLetterSink = "kafka" }, wantErr: true},
		{name: "bad time zone", mutate: func(c *Config) { c.Schedule.TimeZone = "Mars/Olympus" }, wantErr: true},
		{name: "missing schedule", mutate: func(c *Config) { c.Schedule.Backup = "" }, wantErr: true},
		{name: "scheduler disabled ignores schedules", mutate: func(c *Config) {
			c.Schedule.Enabled = false
			c.Schedule.Backup = ""
		}},
		{name: "zero horizon", mutate: func(c *Config) { c.Retention.Horizon = 0 }, wantErr: true},
		{name: "zero batch limit", mutate: func(c *Config) { c.Retention.BatchLimit = 0 }, wantErr: true},
		{name: "bad log format", mutate: func(c *Config) { c.Observability.LogFormat = "xml" }, wantErr: true},
		{name: "otel without endpoint", mutate: func(c *Config) { c.Observability.OTelEnabled = true }, wantErr: true},
		{name: "otel with endpoint", mutate: func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelEndpoint = "collector:4317"
			c.Observability.OTelServiceName = "auditd"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestLoadConfigInvalid checks that LoadConfig surfaces validation errors
func TestLoadConfigInvalid(t *testing.T) {
	t.Setenv("AUDITD_STORE", "postgres")
	t.Setenv("AUDITD_POSTGRES_URL", "")

	cfg, err := LoadConfig()
	if err == nil {
		t.Fatalf("LoadConfig() = %+v, want error", cfg)
	}
}
