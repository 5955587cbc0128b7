package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/mediconnect/auditd/pkg/audit"
	"github.com/mediconnect/auditd/pkg/backup"
	"github.com/mediconnect/auditd/pkg/config"
	"github.com/mediconnect/auditd/pkg/docstore"
	"github.com/mediconnect/auditd/pkg/observability"
	"github.com/mediconnect/auditd/pkg/retention"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
)

// app holds the clients shared by every command. Clients are opened lazily and
// closed in reverse order by close.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger

	registry *prometheus.Registry
	metrics  *observability.Metrics

	db    *sql.DB
	store audit.SearchStore
	redis redis.UniversalClient
	mongo *mongo.Client

	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

func (a *app) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// close releases every opened client, newest first
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.WithError(err).WithField("component", c.name).Warn("close failed")
		}
	}
	a.closers = nil
}

// closeFunc adapts close for the shutdown manager
func (a *app) closeFunc(context.Context) error {
	a.close()
	return nil
}

func (a *app) initMetrics() *observability.Metrics {
	if a.metrics != nil || !a.cfg.Observability.MetricsEnabled {
		return a.metrics
	}
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = observability.NewMetrics(a.registry)
	return a.metrics
}

// openDB connects to the audit database
func (a *app) openDB(ctx context.Context) (*sql.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	if a.cfg.Audit.PostgresURL == "" {
		return nil, fmt.Errorf("AUDITD_POSTGRES_URL is not set")
	}

	db, err := sql.Open("postgres", a.cfg.Audit.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(a.cfg.Audit.MaxConns)
	db.SetMaxIdleConns(a.cfg.Audit.MaxConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	a.db = db
	a.onClose("postgres", func(context.Context) error { return db.Close() })
	return db, nil
}

// openStore opens the configured audit store
func (a *app) openStore(ctx context.Context) (audit.SearchStore, error) {
	if a.store != nil {
		return a.store, nil
	}

	switch a.cfg.Audit.Store {
	case config.StoreMemory:
		a.logger.Warn("using the in-memory audit store, records are lost on exit")
		a.store = audit.NewMemoryStore(nil)
	default:
		db, err := a.openDB(ctx)
		if err != nil {
			return nil, err
		}
		store, err := audit.NewPostgresStore(db)
		if err != nil {
			return nil, err
		}
		a.store = store
	}
	return a.store, nil
}

// openRedis connects to Redis, or returns nil when no URL is configured
func (a *app) openRedis(ctx context.Context) (redis.UniversalClient, error) {
	if a.redis != nil || a.cfg.Redis.URL == "" {
		return a.redis, nil
	}

	opts, err := redis.ParseURL(a.cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	a.redis = client
	a.onClose("redis", func(context.Context) error { return client.Close() })
	return client, nil
}

// openMongo connects to the document store and returns the application database
func (a *app) openMongo(ctx context.Context) (*mongo.Database, error) {
	if a.mongo == nil {
		client, err := docstore.Connect(ctx, a.cfg.Mongo.URI, a.cfg.Mongo.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		a.mongo = client
		a.onClose("mongo", client.Disconnect)
	}
	return a.mongo.Database(a.cfg.Mongo.Database), nil
}

// deadLetterSink builds the configured dead-letter sink
func (a *app) deadLetterSink(ctx context.Context) (audit.DeadLetterSink, error) {
	switch a.cfg.Audit.DeadLetterSink {
	case config.SinkRedis:
		client, err := a.openRedis(ctx)
		if err != nil {
			return nil, err
		}
		return audit.NewRedisDeadLetter(client, a.cfg.Audit.DeadLetterKey, a.cfg.Audit.DeadLetterMaxLen), nil
	case config.SinkFile:
		sink, err := audit.NewFileDeadLetter(audit.FileDeadLetterConfig{
			BasePath: a.cfg.Audit.DeadLetterDir,
			MaxSize:  a.cfg.Audit.DeadLetterMaxSize,
		})
		if err != nil {
			return nil, err
		}
		a.onClose("dead-letter file", func(context.Context) error { return sink.Close() })
		return sink, nil
	default:
		return audit.NewLogDeadLetter(a.logger), nil
	}
}

// newWriter builds the audit writer over the configured store and sink
func (a *app) newWriter(ctx context.Context) (*audit.Writer, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	policy, err := audit.LoadPolicyFile(a.cfg.Audit.PolicyFile)
	if err != nil {
		return nil, err
	}
	sink, err := a.deadLetterSink(ctx)
	if err != nil {
		return nil, err
	}
	return audit.NewWriter(store, policy, sink, a.metrics, a.logger, a.cfg.Audit.Writer), nil
}

// newSweeper builds the retention sweeper over the configured store
func (a *app) newSweeper(ctx context.Context) (*retention.Sweeper, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	return retention.NewSweeper(store, a.cfg.Retention, a.metrics, a.logger.WithField("job", "retention")), nil
}

// newTrigger builds the backup trigger exporting db to S3
func (a *app) newTrigger(ctx context.Context, db *mongo.Database, recorder backup.SystemRecorder) (*backup.Trigger, *backup.S3Exporter, error) {
	client, err := backup.NewS3Client(ctx, a.cfg.Backup)
	if err != nil {
		return nil, nil, err
	}
	logger := a.logger.WithField("job", "backup")
	exporter, err := backup.NewS3Exporter(client, docstore.NewSnapshotter(db), a.cfg.Backup, logger)
	if err != nil {
		return nil, nil, err
	}
	loc, err := a.cfg.Location()
	if err != nil {
		return nil, nil, err
	}
	trigger, err := backup.NewTrigger(exporter, recorder, loc, a.metrics, logger)
	if err != nil {
		return nil, nil, err
	}
	return trigger, exporter, nil
}
