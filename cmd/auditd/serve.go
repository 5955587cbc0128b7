package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mediconnect/auditd/pkg/audit"
	"github.com/mediconnect/auditd/pkg/backup"
	"github.com/mediconnect/auditd/pkg/config"
	"github.com/mediconnect/auditd/pkg/docstore"
	"github.com/mediconnect/auditd/pkg/identity"
	"github.com/mediconnect/auditd/pkg/observability"
	"github.com/mediconnect/auditd/pkg/scheduler"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	jobBackup    = "backup"
	jobRetention = "retention"
)

type serveOptions struct {
	migrate      bool
	changeStream bool
	jobs         bool
}

func newServeCommand(a *app) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run change streams, the HTTP API and the scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			if !cmd.Flags().Changed("change-stream") {
				opts.changeStream = a.cfg.Mongo.ChangeStreamEnabled
			}
			if !cmd.Flags().Changed("jobs") {
				opts.jobs = a.cfg.Schedule.Enabled
			}
			return a.serve(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.migrate, "migrate", false, "Apply database migrations before starting")
	cmd.Flags().BoolVar(&opts.changeStream, "change-stream", true, "Watch document store change streams (default from AUDITD_CHANGE_STREAM_ENABLED)")
	cmd.Flags().BoolVar(&opts.jobs, "jobs", true, "Run the scheduled backup and retention jobs (default from AUDITD_SCHEDULER_ENABLED)")

	return cmd
}

func (a *app) serve(parent context.Context, opts *serveOptions) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	logger := a.logger
	logger.WithField("version", version).Info("starting auditd")

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        a.cfg.Observability.OTelEnabled,
		Endpoint:       a.cfg.Observability.OTelEndpoint,
		ServiceName:    a.cfg.Observability.OTelServiceName,
		ServiceVersion: a.cfg.Observability.OTelServiceVersion,
		Insecure:       a.cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	metrics := a.initMetrics()

	if opts.migrate && a.cfg.Audit.Store != config.StoreMemory {
		if err := a.migrate(ctx); err != nil {
			return err
		}
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	writer, err := a.newWriter(ctx)
	if err != nil {
		return err
	}
	dispatcher := audit.NewDispatcher(context.Background(), writer, a.cfg.Audit.Dispatch, metrics, logger)

	db, err := a.openMongo(ctx)
	if err != nil {
		return err
	}
	rdb, err := a.openRedis(ctx)
	if err != nil {
		return err
	}

	// background components stop when ctx is canceled
	var background []<-chan struct{}
	goBackground := func(name string, run func(context.Context) error) {
		done := make(chan struct{})
		background = append(background, done)
		go func() {
			defer close(done)
			defer observability.RecoverPanic(logger, name)
			if err := run(ctx); err != nil {
				logger.WithError(err).WithField("component", name).Error("background component stopped")
			}
		}()
	}

	if opts.changeStream {
		var tokens docstore.TokenStore
		if rdb != nil {
			tokens = docstore.NewRedisTokenStore(rdb, a.cfg.Redis.TokenPrefix)
		}
		stream := docstore.NewChangeStream(db, dispatcher, tokens, docstore.ChangeStreamConfig{
			MaxBackoff: a.cfg.Mongo.MaxBackoff,
		}, metrics, logger.WithField("component", "change stream"))
		goBackground("change stream", stream.Run)
	}

	if a.cfg.Audit.PolicyFile != "" {
		watcher, err := audit.NewPolicyWatcher(a.cfg.Audit.PolicyFile, writer, logger)
		if err != nil {
			return err
		}
		goBackground("policy watcher", watcher.Run)
	}

	var sched *scheduler.Scheduler
	if opts.jobs {
		if sched, err = a.newScheduler(ctx, db, writer); err != nil {
			return err
		}
		sched.Start()
		for name, spec := range map[string]string{jobBackup: a.cfg.Schedule.Backup, jobRetention: a.cfg.Schedule.Retention} {
			if _, ok := sched.Next(name); !ok {
				continue
			}
			if next, err := sched.NextAfter(spec, time.Now()); err == nil {
				logger.WithField("job", name).WithField("next_run", next).Info("job scheduled")
			}
		}
	}

	hooks := identity.NewHooks(docstore.NewProfileStore(db), writer, metrics, logger.WithField("component", "identity"))

	router := mux.NewRouter()
	router.Use(
		observability.RecoveryMiddleware(logger),
		observability.RequestLogger(logger),
		observability.HTTPMetricsMiddleware(metrics),
	)
	audit.NewHandlers(store, logger).RegisterRoutes(router)
	identity.NewHandlers(hooks, a.cfg.Identity.HookToken, logger).RegisterRoutes(router)

	checker := observability.NewHealthChecker(version).
		Add("mongo", true, observability.MongoCheck(a.mongo))
	if a.db != nil {
		checker.Add("postgres", true, observability.PostgresCheck(a.db))
	}
	if rdb != nil {
		checker.Add("redis", false, observability.RedisCheck(rdb))
	}

	healthRouter := mux.NewRouter()
	observability.RegisterHealthRoutes(healthRouter, checker)
	if a.registry != nil {
		healthRouter.Handle("/metrics", observability.MetricsHandler(a.registry))
	}

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(a.cfg.Server.Host, a.cfg.Server.Port),
		Handler:      otelhttp.NewHandler(router, "auditd"),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}
	healthServer := &http.Server{
		Addr:         net.JoinHostPort(a.cfg.Server.Host, a.cfg.Server.HealthPort),
		Handler:      healthRouter,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	for _, srv := range []*http.Server{apiServer, healthServer} {
		srv := srv
		go func() {
			logger.WithField("addr", srv.Addr).Info("HTTP server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).WithField("addr", srv.Addr).Error("HTTP server failed")
				cancel()
			}
		}()
	}

	shutdown := observability.NewShutdownManager(logger, a.cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.RegisterShutdownFunc("background", func(sctx context.Context) error {
		cancel()
		for _, done := range background {
			select {
			case <-done:
			case <-sctx.Done():
				return sctx.Err()
			}
		}
		return nil
	})
	if sched != nil {
		shutdown.RegisterShutdownFunc("scheduler", sched.Stop)
	}
	shutdown.RegisterShutdownFunc("dispatcher", func(sctx context.Context) error {
		timeout := a.cfg.Server.ShutdownTimeout
		if deadline, ok := sctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		return dispatcher.Close(timeout)
	})
	shutdown.RegisterShutdownFunc("opentelemetry", providers.Shutdown)
	shutdown.RegisterShutdownFunc("clients", a.closeFunc)

	return shutdown.WaitForShutdown(ctx)
}

// newScheduler registers the daily backup and the weekly retention sweep
func (a *app) newScheduler(ctx context.Context, db *mongo.Database, recorder backup.SystemRecorder) (*scheduler.Scheduler, error) {
	loc, err := a.cfg.Location()
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(loc, a.logger)

	if a.cfg.Backup.Bucket == "" {
		a.logger.Warn("AUDITD_S3_BUCKET is not set, daily backup is disabled")
	} else {
		trigger, _, err := a.newTrigger(ctx, db, recorder)
		if err != nil {
			return nil, err
		}
		if err := sched.Add(scheduler.Job{
			Name: jobBackup,
			Spec: a.cfg.Schedule.Backup,
			Run: func(ctx context.Context) error {
				return trigger.Run(ctx).Err
			},
		}); err != nil {
			return nil, err
		}
	}

	sweeper, err := a.newSweeper(ctx)
	if err != nil {
		return nil, err
	}
	if err := sched.Add(scheduler.Job{
		Name: jobRetention,
		Spec: a.cfg.Schedule.Retention,
		Run: func(ctx context.Context) error {
			_, err := sweeper.Run(ctx)
			return err
		},
	}); err != nil {
		return nil, err
	}
	return sched, nil
}
