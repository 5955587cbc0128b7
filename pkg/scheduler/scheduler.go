// Package scheduler runs the periodic retention and backup jobs on cron schedules.
// Firings of the same job never overlap: a firing that arrives while the previous
// one is still running is skipped.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Default schedules, evaluated in the scheduler's time zone
const (
	DailyBackupSpec     = "0 3 * * *"
	WeeklyRetentionSpec = "0 4 * * 0"
)

// Job is a named unit of periodic work. A returned error is logged; the next
// firing runs normally.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler wraps a cron runner
type Scheduler struct {
	cron   *cron.Cron
	loc    *time.Location
	logger logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID
	jobs    map[string]cron.Job
}

// New creates a scheduler evaluating specs in loc
func New(loc *time.Location, logger logrus.FieldLogger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:    cron.New(cron.WithLocation(loc), cron.WithLogger(cronLogger{logger: logger})),
		loc:     loc,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
		jobs:    make(map[string]cron.Job),
	}
}

// Add registers job
func (s *Scheduler) Add(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[job.Name]; exists {
		return fmt.Errorf("job %q already registered", job.Name)
	}

	// scheduled and triggered runs share one overlap guard
	cl := cronLogger{logger: s.logger}
	wrapped := cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(s.job(job))
	id, err := s.cron.AddJob(job.Spec, wrapped)
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", job.Name, err)
	}
	s.entries[job.Name] = id
	s.jobs[job.Name] = wrapped

	s.logger.WithFields(logrus.Fields{
		"job":      job.Name,
		"schedule": job.Spec,
		"location": s.loc.String(),
	}).Info("job scheduled")
	return nil
}

func (s *Scheduler) job(job Job) cron.Job {
	return cron.FuncJob(func() {
		logger := s.logger.WithField("job", job.Name)
		start := time.Now()
		logger.Info("job started")

		if err := job.Run(s.ctx); err != nil {
			logger.WithError(err).WithField("duration", time.Since(start)).Error("job failed")
			return
		}
		logger.WithField("duration", time.Since(start)).Info("job finished")
	})
}

// Trigger runs a registered job now, through the same overlap guard as its
// scheduled firings. It blocks until the job returns or is skipped.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not registered", name)
	}
	job.Run()
	return nil
}

// Next returns the next firing of name
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// NextAfter returns the first firing of spec after from, in the scheduler's zone
func (s *Scheduler) NextAfter(spec string, from time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(from.In(s.loc)), nil
}

// Start runs the scheduler in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops new firings and waits for running jobs until ctx expires, then
// cancels them
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	defer s.cancel()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// cronLogger adapts logrus to cron's key-value logger
type cronLogger struct {
	logger logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(fields(keysAndValues)).Error("cron: " + msg)
}

func fields(keysAndValues []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}
