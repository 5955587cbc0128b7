package audit

import (
	"context"
	"errors"
	"time"

	"github.com/mediconnect/auditd/pkg/async"
	"github.com/mediconnect/auditd/pkg/observability"
	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned by Dispatcher.Submit when the record was dead-lettered
// because no queue slot was free. A record rejected after Close is dead-lettered
// too and async.ErrPoolShutdown is returned.
var ErrQueueFull = errors.New("audit dispatch queue full")

// Recorder is implemented by Writer and Dispatcher
type Recorder interface {
	Record(ctx context.Context, n Notification)
	RecordSystem(ctx context.Context, ev SystemEvent)
}

// DispatcherConfig sizes the dispatch worker pool
type DispatcherConfig struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
}

// DefaultDispatcherConfig returns 4 workers over a 1024-slot queue
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:     4,
		QueueSize:   1024,
		TaskTimeout: 30 * time.Second,
	}
}

// Dispatcher runs writer appends on a bounded worker pool so that change
// notifications never wait on the audit store. Records are redacted on the
// submitting goroutine; only redacted records are queued or dead-lettered.
type Dispatcher struct {
	writer  *Writer
	pool    *async.WorkerPool
	metrics *observability.Metrics
	logger  logrus.FieldLogger
}

// NewDispatcher starts the worker pool. Close must be called to drain it.
func NewDispatcher(ctx context.Context, writer *Writer, cfg DispatcherConfig, metrics *observability.Metrics, logger logrus.FieldLogger) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultDispatcherConfig().TaskTimeout
	}
	return &Dispatcher{
		writer:  writer,
		pool:    async.NewWorkerPool(ctx, logger, cfg.Workers, cfg.QueueSize, "audit dispatch", cfg.TaskTimeout),
		metrics: metrics,
		logger:  logger,
	}
}

// Submit redacts n and queues its append. It never blocks: when the queue is full
// the record is dead-lettered and ErrQueueFull is returned.
func (d *Dispatcher) Submit(ctx context.Context, n Notification) error {
	return d.enqueue(ctx, d.writer.Build(n), nil)
}

// Track submits n like Record and returns a channel that is closed once the
// record has been appended or dead-lettered
func (d *Dispatcher) Track(ctx context.Context, n Notification) <-chan struct{} {
	done := make(chan struct{})
	if err := d.enqueue(ctx, d.writer.Build(n), done); err != nil {
		close(done)
	}
	return done
}

// SubmitSystem queues a system event record with the same contract as Submit
func (d *Dispatcher) SubmitSystem(ctx context.Context, ev SystemEvent) error {
	return d.enqueue(ctx, d.writer.BuildSystem(ev), nil)
}

// Record implements Recorder; a full queue has already been logged and counted
func (d *Dispatcher) Record(ctx context.Context, n Notification) {
	_ = d.Submit(ctx, n)
}

// RecordSystem implements Recorder
func (d *Dispatcher) RecordSystem(ctx context.Context, ev SystemEvent) {
	_ = d.SubmitSystem(ctx, ev)
}

// enqueue closes done, when set, after the queued append returns
func (d *Dispatcher) enqueue(ctx context.Context, rec *Record, done chan struct{}) error {
	err := d.pool.TrySubmit(func(taskCtx context.Context) error {
		if done != nil {
			defer close(done)
		}
		d.writer.Append(taskCtx, rec)
		d.metrics.SetQueueDepth(d.pool.Pending())
		return nil
	})
	d.metrics.SetQueueDepth(d.pool.Pending())
	if err == nil {
		return nil
	}

	reason, ret := DeadLetterQueueFull, ErrQueueFull
	if errors.Is(err, async.ErrPoolShutdown) {
		reason, ret = DeadLetterShutdown, err
	}
	d.logger.WithError(err).WithFields(logrus.Fields{
		"collection":  rec.Collection,
		"document_id": rec.DocumentID,
		"operation":   rec.Operation,
	}).Warn("audit dispatch rejected, dead-lettering record")
	d.writer.sendDeadLetter(ctx, rec, reason, err)
	return ret
}

// Close stops accepting work and waits up to timeout for queued appends
func (d *Dispatcher) Close(timeout time.Duration) error {
	return d.pool.Shutdown(timeout)
}
