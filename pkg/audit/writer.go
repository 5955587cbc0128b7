package audit

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/mediconnect/auditd/pkg/observability"
	"github.com/sirupsen/logrus"
)

// Redaction fallback reasons stored in details.redaction
const (
	FallbackUnregistered = "unregistered"
	FallbackShape        = "shape"
)

// WriterConfig tunes the append retry of a Writer
type WriterConfig struct {
	// MaxAttempts is the total number of append attempts, including the first
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultWriterConfig returns three attempts with a short exponential backoff
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// Writer turns change notifications and system events into audit records.
//
// Record and RecordSystem never return an error: the mutation that caused the
// notification has already been committed, so a failed append is retried, counted,
// logged and handed to the dead-letter sink.
type Writer struct {
	store      Store
	policy     atomic.Pointer[Policy]
	deadLetter DeadLetterSink
	metrics    *observability.Metrics
	logger     logrus.FieldLogger
	clock      clockwork.Clock
	cfg        WriterConfig
}

// NewWriter creates a writer. A nil dead-letter sink logs failed records through logger.
func NewWriter(store Store, policy *Policy, deadLetter DeadLetterSink, metrics *observability.Metrics, logger logrus.FieldLogger, cfg WriterConfig) *Writer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if deadLetter == nil {
		deadLetter = NewLogDeadLetter(logger)
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	w := &Writer{
		store:      store,
		deadLetter: deadLetter,
		metrics:    metrics,
		logger:     logger,
		clock:      clockwork.NewRealClock(),
		cfg:        cfg,
	}
	w.policy.Store(policy)
	return w
}

// SetPolicy replaces the redaction policy for records built from now on
func (w *Writer) SetPolicy(policy *Policy) {
	w.policy.Store(policy)
}

// Policy returns the current redaction policy
func (w *Writer) Policy() *Policy {
	return w.policy.Load()
}

// WithClock replaces the clock used to stamp dead letters
func (w *Writer) WithClock(clock clockwork.Clock) *Writer {
	w.clock = clock
	return w
}

// Record builds the audit record for n and appends it
func (w *Writer) Record(ctx context.Context, n Notification) {
	w.Append(ctx, w.Build(n))
}

// RecordSystem appends the record for a backup or account lifecycle event
func (w *Writer) RecordSystem(ctx context.Context, ev SystemEvent) {
	w.Append(ctx, w.BuildSystem(ev))
}

// BuildSystem converts a system event into a record. An empty actor becomes "system".
func (w *Writer) BuildSystem(ev SystemEvent) *Record {
	rec := &Record{
		Operation:  ev.Operation,
		Collection: ev.Collection,
		DocumentID: ev.DocumentID,
		ActorID:    ev.ActorID,
		SubjectID:  ev.SubjectID,
	}
	if rec.Collection == "" {
		rec.Collection = CollectionSystem
	}
	if rec.ActorID == "" {
		rec.ActorID = ActorSystem
	}
	if len(ev.Details) > 0 {
		rec.Details = make(map[string]string, len(ev.Details))
		for k, v := range ev.Details {
			rec.Details[k] = v
		}
	}
	return rec
}

// Build converts a change notification into a redacted record. When the payload
// cannot be redacted the result is a minimal record without snapshots and with
// details.redaction naming the reason.
func (w *Writer) Build(n Notification) *Record {
	rec := &Record{
		Operation:  n.Kind,
		Collection: n.Collection,
		DocumentID: n.DocumentID,
	}

	before, after, err := w.redact(n)
	if err != nil {
		return w.minimal(rec, n, err)
	}

	rec.Before = before.snapshot
	rec.After = after.snapshot
	if n.Kind == OperationUpdate {
		rec.ChangedFields = ChangedFields(rec.Before, rec.After)
	}

	primary := after.doc
	if primary == nil {
		primary = before.doc
	}

	var docActor string
	if primary != nil {
		docActor = primary.actorFor(n.Kind)
		rec.SubjectID = primary.subject()
		rec.Details = primary.details()
	}
	rec.ActorID = resolveActor(n.Kind, docActor, n.CallerID)
	return rec
}

type redacted struct {
	doc      Document
	snapshot Snapshot
}

func (w *Writer) redact(n Notification) (redacted, redacted, error) {
	var before, after redacted
	var err error
	policy := w.policy.Load()

	if before.doc, err = policy.Decode(n.Collection, n.DocumentID, n.Before); err != nil {
		return before, after, err
	}
	if after.doc, err = policy.Decode(n.Collection, n.DocumentID, n.After); err != nil {
		return before, after, err
	}
	if before.snapshot, err = policy.Redact(n.Collection, before.doc); err != nil {
		return before, after, err
	}
	if after.snapshot, err = policy.Redact(n.Collection, after.doc); err != nil {
		return before, after, err
	}
	return before, after, nil
}

func (w *Writer) minimal(rec *Record, n Notification, cause error) *Record {
	reason := FallbackShape
	if errors.Is(cause, ErrUnregisteredCollection) {
		reason = FallbackUnregistered
	}

	rec.ActorID = resolveActor(n.Kind, rawActor(n), n.CallerID)
	rec.Details = map[string]string{DetailRedaction: reason}

	w.metrics.RecordRedactionFallback(string(n.Collection), reason)
	w.logger.WithError(cause).WithFields(logrus.Fields{
		"collection":  n.Collection,
		"document_id": n.DocumentID,
		"operation":   n.Kind,
		"reason":      reason,
	}).Warn("audit payload could not be redacted, writing minimal record")
	return rec
}

// rawActor reads the actor field straight from the raw payload. It is only used
// for minimal records, where the payload never reaches the store.
func rawActor(n Notification) string {
	raw := n.After
	if raw == nil {
		raw = n.Before
	}
	if raw == nil {
		return ""
	}

	var key string
	switch n.Kind {
	case OperationCreate:
		key = "createdBy"
	case OperationUpdate:
		key = "updatedBy"
	case OperationDelete:
		key = "deletedBy"
	}
	if s, ok := raw[key].(string); ok && s != "" {
		return s
	}
	if n.Collection == CollectionMessages && n.Kind == OperationCreate {
		s, _ := raw["senderId"].(string)
		return s
	}
	return ""
}

// resolveActor picks the actor in priority order: the document's own actor field,
// the caller identity of the triggering context, "system" for deletes, "unknown".
func resolveActor(op Operation, docActor, callerID string) string {
	if docActor != "" {
		return docActor
	}
	if callerID != "" {
		return callerID
	}
	if op == OperationDelete {
		return ActorSystem
	}
	return ActorUnknown
}

// Append stores rec with a bounded retry and dead-letters it when every attempt fails
func (w *Writer) Append(ctx context.Context, rec *Record) {
	start := w.clock.Now()
	logger := w.logger.WithFields(logrus.Fields{
		"collection":  rec.Collection,
		"document_id": rec.DocumentID,
		"operation":   rec.Operation,
	})

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.cfg.InitialBackoff
	policy.MaxInterval = w.cfg.MaxBackoff
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(w.cfg.MaxAttempts-1)), ctx)

	op := func() error {
		_, err := w.store.Append(ctx, rec)
		return err
	}
	notify := func(err error, next time.Duration) {
		w.metrics.RecordAppendRetry()
		logger.WithError(err).WithField("retry_in", next).Warn("audit append failed, retrying")
	}

	if err := backoff.RetryNotify(op, retry, notify); err != nil {
		w.metrics.RecordAppendFailure(string(rec.Collection))
		logger.WithError(err).Error("audit append failed")
		w.sendDeadLetter(ctx, rec, DeadLetterAppendFailed, err)
		return
	}

	w.metrics.RecordAppended(string(rec.Collection), string(rec.Operation), w.clock.Since(start))
}

func (w *Writer) sendDeadLetter(ctx context.Context, rec *Record, reason string, cause error) {
	letter := DeadLetter{
		Record:   rec,
		Reason:   reason,
		FailedAt: w.clock.Now().UTC(),
	}
	if cause != nil {
		letter.Error = cause.Error()
	}

	// the caller's context may already be the reason the append failed
	putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := w.deadLetter.Put(putCtx, letter)
	w.metrics.RecordDeadLetter(w.deadLetter.Name(), reason, err)
	if err != nil {
		w.logger.WithError(err).WithFields(logrus.Fields{
			"collection":  rec.Collection,
			"document_id": rec.DocumentID,
			"operation":   rec.Operation,
			"sink":        w.deadLetter.Name(),
		}).Error("dead-letter write failed, audit record lost")
	}
}
