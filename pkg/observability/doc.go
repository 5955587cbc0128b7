// Package observability provides the logger, Prometheus metrics, health checks,
// OpenTelemetry setup and graceful shutdown shared by the auditd commands.
//
// # Logging
//
//	logger := observability.NewLogger(logrus.InfoLevel, "json", os.Stdout)
//	logger.WithField("collection", "messages").Info("change stream opened")
//
// # Metrics
//
// Metrics is nil-safe so components can be built without a registry in tests:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordAppended("messages", "create", time.Since(start))
//
// # Health
//
//	checker := observability.NewHealthChecker(version).
//		Add("postgres", true, observability.PostgresCheck(db)).
//		Add("redis", false, observability.RedisCheck(rdb))
//	observability.RegisterHealthRoutes(router, checker)
package observability
