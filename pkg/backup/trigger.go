// Package backup requests a daily export of the document store to cold storage
// and records the outcome in the audit log.
package backup

import (
	"context"
	"errors"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/jonboulle/clockwork"
	"github.com/mediconnect/auditd/pkg/audit"
	"github.com/mediconnect/auditd/pkg/observability"
	"github.com/sirupsen/logrus"
)

// DateLayout is the format of the date key naming each export
const DateLayout = "2006-01-02"

// DefaultTimeZone is the zone the date key is computed in
const DefaultTimeZone = "Asia/Tokyo"

// ErrInProgress is returned when a run starts while another is requesting
var ErrInProgress = errors.New("backup already in progress")

// State is the position of the trigger in its run cycle
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateStarted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateStarted:
		return "started"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Export describes an accepted export request
type Export struct {
	// Location is the storage prefix the export writes to
	Location string
	// Operation names the long-running export
	Operation string
}

// Exporter starts a full export of the document store. A nil error means the
// request was accepted, not that the export finished.
type Exporter interface {
	RequestExport(ctx context.Context, dateKey string) (Export, error)
}

// SystemRecorder receives the audit event of each run
type SystemRecorder interface {
	RecordSystem(ctx context.Context, ev audit.SystemEvent)
}

// Outcome is the result of one run
type Outcome struct {
	DateKey string
	State   State
	Export  Export
	Err     error
}

// Trigger runs the backup cycle idle -> requesting -> started|failed -> idle.
// Each run writes exactly one backup_started or backup_failed record. A failed
// request is not retried within the run.
type Trigger struct {
	exporter Exporter
	recorder SystemRecorder
	location *time.Location
	clock    clockwork.Clock
	metrics  *observability.Metrics
	logger   logrus.FieldLogger

	mu    sync.Mutex
	state State
}

// NewTrigger creates a trigger computing date keys in loc (Asia/Tokyo when nil)
func NewTrigger(exporter Exporter, recorder SystemRecorder, loc *time.Location, metrics *observability.Metrics, logger logrus.FieldLogger) (*Trigger, error) {
	if loc == nil {
		var err error
		if loc, err = time.LoadLocation(DefaultTimeZone); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Trigger{
		exporter: exporter,
		recorder: recorder,
		location: loc,
		clock:    clockwork.NewRealClock(),
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// WithClock replaces the clock the date key is computed from
func (t *Trigger) WithClock(clock clockwork.Clock) *Trigger {
	t.clock = clock
	return t
}

// State returns the current state
func (t *Trigger) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Trigger) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	t.metrics.SetBackupState(int(s))
}

// DateKey returns the export date key for now
func (t *Trigger) DateKey() string {
	return t.clock.Now().In(t.location).Format(DateLayout)
}

// Run requests today's export and records the outcome. It only returns an error
// in Outcome.Err; nothing is raised to the scheduler.
func (t *Trigger) Run(ctx context.Context) Outcome {
	t.mu.Lock()
	if t.state == StateRequesting {
		t.mu.Unlock()
		t.logger.Warn("backup run skipped, previous request still in flight")
		return Outcome{State: StateRequesting, Err: ErrInProgress}
	}
	t.state = StateRequesting
	t.mu.Unlock()
	t.metrics.SetBackupState(int(StateRequesting))
	defer t.setState(StateIdle)

	out := Outcome{DateKey: t.DateKey()}
	logger := t.logger.WithField("date", out.DateKey)

	export, err := t.exporter.RequestExport(ctx, out.DateKey)
	if err != nil {
		out.State = StateFailed
		out.Err = err
		t.setState(StateFailed)
		t.metrics.RecordBackupRun(StateFailed.String())
		logger.WithError(err).Error("backup request failed")

		t.recorder.RecordSystem(ctx, audit.SystemEvent{
			Operation:  audit.OperationBackupFailed,
			Collection: audit.CollectionSystem,
			DocumentID: out.DateKey,
			ActorID:    audit.ActorSystem,
			Details:    map[string]string{audit.DetailError: err.Error()},
		})
		return out
	}

	out.State = StateStarted
	out.Export = export
	t.setState(StateStarted)
	t.metrics.RecordBackupRun(StateStarted.String())
	logger.WithFields(logrus.Fields{
		"location":  export.Location,
		"operation": export.Operation,
	}).Info("backup export started")

	t.recorder.RecordSystem(ctx, audit.SystemEvent{
		Operation:  audit.OperationBackupStarted,
		Collection: audit.CollectionSystem,
		DocumentID: out.DateKey,
		ActorID:    audit.ActorSystem,
		Details: map[string]string{
			audit.DetailBackupLocation:  export.Location,
			audit.DetailExportOperation: export.Operation,
		},
	})
	return out
}
