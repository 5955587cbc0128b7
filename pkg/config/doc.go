// Package config loads the auditd configuration from environment variables.
//
// Every setting has a default; LoadConfig validates the result before returning it.
//
// Server settings:
//
//	AUDITD_HOST="0.0.0.0"
//	AUDITD_PORT="8080"
//	AUDITD_HEALTH_PORT="9090"
//
// Audit log settings:
//
//	AUDITD_STORE="postgres"  # postgres, memory
//	AUDITD_POSTGRES_URL="postgres://localhost/audit?sslmode=disable"
//	AUDITD_POLICY_FILE="/etc/auditd/policy.yaml"
//	AUDITD_APPEND_ATTEMPTS="3"
//	AUDITD_DISPATCH_WORKERS="4"
//	AUDITD_DEADLETTER_SINK="log"  # log, redis, file
//
// Document store and Redis:
//
//	AUDITD_MONGO_URI="mongodb://localhost:27017"
//	AUDITD_MONGO_DATABASE="mediconnect"
//	AUDITD_REDIS_URL="redis://localhost:6379/0"
//
// Jobs:
//
//	AUDITD_TIMEZONE="Asia/Tokyo"
//	AUDITD_BACKUP_SCHEDULE="0 3 * * *"
//	AUDITD_RETENTION_SCHEDULE="0 4 * * 0"
//	AUDITD_RETENTION_HORIZON="2160h"
//	AUDITD_S3_BUCKET="mediconnect-backups"
//
// Observability settings:
//
//	AUDITD_LOG_LEVEL="info"  # debug, info, warn, error
//	AUDITD_LOG_FORMAT="text"  # text, json
//	AUDITD_OTEL_ENABLED="true"
//	AUDITD_OTEL_ENDPOINT="otel-collector:4317"
package config
