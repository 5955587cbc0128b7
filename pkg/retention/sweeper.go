// Package retention deletes audit records that have aged past the retention horizon
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mediconnect/auditd/pkg/audit"
	"github.com/mediconnect/auditd/pkg/observability"
	"github.com/sirupsen/logrus"
)

// Run statuses reported to metrics
const (
	StatusSuccess = "success"
	StatusCapped  = "capped"
	StatusFailed  = "failed"
)

// Result summarises one run
type Result struct {
	RunID   string
	Cutoff  time.Time
	Deleted int64
	Batches int
	// Capped is set when the run stopped at MaxBatches with a full last page
	Capped bool
}

// Sweeper removes expired records in bounded batches. Runs are idempotent and a
// run aborted by an error is resumed by the next one.
type Sweeper struct {
	store   audit.Store
	cfg     audit.RetentionPolicy
	clock   clockwork.Clock
	metrics *observability.Metrics
	logger  logrus.FieldLogger
}

// NewSweeper creates a sweeper over store. Zero policy fields take the defaults of
// audit.DefaultRetentionPolicy.
func NewSweeper(store audit.Store, cfg audit.RetentionPolicy, metrics *observability.Metrics, logger logrus.FieldLogger) *Sweeper {
	def := audit.DefaultRetentionPolicy()
	if cfg.Horizon <= 0 {
		cfg.Horizon = def.Horizon
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = def.BatchLimit
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = def.MaxBatches
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Sweeper{
		store:   store,
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		metrics: metrics,
		logger:  logger,
	}
}

// WithClock replaces the clock the cutoff is computed from
func (s *Sweeper) WithClock(clock clockwork.Clock) *Sweeper {
	s.clock = clock
	return s
}

// Policy returns the effective retention policy
func (s *Sweeper) Policy() audit.RetentionPolicy {
	return s.cfg
}

// Run deletes records older than now minus the horizon until a query comes back
// empty or MaxBatches is reached. A failed query or delete aborts the run.
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	res := Result{
		RunID:  uuid.NewString(),
		Cutoff: s.clock.Now().UTC().Add(-s.cfg.Horizon),
	}
	logger := s.logger.WithFields(logrus.Fields{
		"run":    res.RunID,
		"cutoff": res.Cutoff.Format(time.RFC3339),
	})
	logger.Info("retention sweep started")

	err := s.sweep(ctx, &res, logger)
	switch {
	case err != nil:
		s.metrics.RecordRetentionRun(StatusFailed, res.Deleted, res.Batches)
		logger.WithError(err).WithFields(logrus.Fields{
			"deleted": res.Deleted,
			"batches": res.Batches,
		}).Error("retention sweep aborted")
		return res, err
	case res.Capped:
		s.metrics.RecordRetentionRun(StatusCapped, res.Deleted, res.Batches)
		logger.WithFields(logrus.Fields{
			"deleted": res.Deleted,
			"batches": res.Batches,
		}).Warn("retention sweep hit the batch cap, remaining records wait for the next run")
	default:
		s.metrics.RecordRetentionRun(StatusSuccess, res.Deleted, res.Batches)
		logger.WithFields(logrus.Fields{
			"deleted": res.Deleted,
			"batches": res.Batches,
		}).Info("retention sweep finished")
	}
	return res, nil
}

func (s *Sweeper) sweep(ctx context.Context, res *Result, logger logrus.FieldLogger) error {
	for res.Batches < s.cfg.MaxBatches {
		if err := ctx.Err(); err != nil {
			return err
		}

		ids, err := s.store.QueryOlderThan(ctx, res.Cutoff, s.cfg.BatchLimit)
		if err != nil {
			return fmt.Errorf("query expired audit records: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		n, err := s.store.DeleteBatch(ctx, ids, res.Cutoff)
		if err != nil {
			return fmt.Errorf("delete audit batch %d: %w", res.Batches+1, err)
		}
		res.Batches++
		res.Deleted += n
		logger.WithFields(logrus.Fields{
			"batch":   res.Batches,
			"deleted": n,
		}).Debug("retention batch deleted")

		if n == 0 {
			// ids that no longer qualify would be returned again
			logger.WithField("ids", len(ids)).Warn("retention batch deleted nothing, stopping run")
			return nil
		}
		if res.Batches == s.cfg.MaxBatches && len(ids) == s.cfg.BatchLimit {
			res.Capped = true
		}
	}
	return nil
}
