package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mediconnect/auditd/pkg/audit"
	"github.com/mediconnect/auditd/pkg/observability"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

// ActorField is stamped on written documents by the application's write path with
// the authenticated caller. It is read as the caller identity and never audited.
const ActorField = "_actor"

// NotificationSink receives change notifications; audit.Writer and
// audit.Dispatcher implement it
type NotificationSink interface {
	Record(ctx context.Context, n audit.Notification)
}

// TrackingSink is a sink that completes notifications asynchronously. The channel
// returned by Track is closed once the notification's record is durable, either
// appended or dead-lettered. audit.Dispatcher implements it.
type TrackingSink interface {
	Track(ctx context.Context, n audit.Notification) <-chan struct{}
}

// ChangeEvent is the subset of a MongoDB change event auditd reads
type ChangeEvent struct {
	// ID is the event's resume token
	ID            bson.Raw `bson:"_id"`
	OperationType string   `bson:"operationType"`
	NS            struct {
		DB   string `bson:"db"`
		Coll string `bson:"coll"`
	} `bson:"ns"`
	DocumentKey struct {
		ID interface{} `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument             bson.M `bson:"fullDocument"`
	FullDocumentBeforeChange bson.M `bson:"fullDocumentBeforeChange"`
}

// ToNotification maps a change event onto an audit notification. Events that do
// not mutate a document (drop, rename, invalidate) are skipped.
func ToNotification(ev ChangeEvent) (audit.Notification, bool) {
	var kind audit.Operation
	switch ev.OperationType {
	case "insert":
		kind = audit.OperationCreate
	case "update", "replace":
		kind = audit.OperationUpdate
	case "delete":
		kind = audit.OperationDelete
	default:
		return audit.Notification{}, false
	}

	n := audit.Notification{
		Kind:       kind,
		Collection: audit.Collection(ev.NS.Coll),
		DocumentID: documentID(ev.DocumentKey.ID),
	}
	if kind != audit.OperationCreate {
		n.Before = payload(ev.FullDocumentBeforeChange)
	}
	if kind != audit.OperationDelete {
		n.After = payload(ev.FullDocument)
		if actor, ok := ev.FullDocument[ActorField].(string); ok {
			n.CallerID = actor
		}
	}
	return n, true
}

func documentID(id interface{}) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case primitive.ObjectID:
		return v.Hex()
	default:
		return fmt.Sprint(v)
	}
}

// payload copies doc without the store-internal _id and _actor fields
func payload(doc bson.M) map[string]interface{} {
	if doc == nil {
		return nil
	}
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		if k == "_id" || k == ActorField {
			continue
		}
		out[k] = v
	}
	return out
}

// ChangeStreamConfig configures the watcher
type ChangeStreamConfig struct {
	Collections []audit.Collection

	// MaxBackoff bounds the wait before reopening a failed stream
	MaxBackoff time.Duration

	// SeenEvents is how many recent event ids are remembered to drop events
	// redelivered after a stream resumes
	SeenEvents int

	// DrainTimeout bounds how long a closing stream waits for in-flight records
	// before saving its last completed resume token
	DrainTimeout time.Duration
}

// checkpointPoll is how often an idle stream rechecks in-flight records
const checkpointPoll = 250 * time.Millisecond

// ChangeStream watches the configured collections and forwards every mutation to
// a sink. Each collection has its own stream; a failed stream is reopened from its
// last resume token. A token is saved only once the records of its event and of
// every earlier event have completed.
type ChangeStream struct {
	db      *mongo.Database
	sink    NotificationSink
	tokens  TokenStore
	cfg     ChangeStreamConfig
	metrics *observability.Metrics
	logger  logrus.FieldLogger
	seen    *lru.Cache[string, struct{}]
}

// NewChangeStream creates a watcher on db. A nil token store starts every stream
// at the current time.
func NewChangeStream(db *mongo.Database, sink NotificationSink, tokens TokenStore, cfg ChangeStreamConfig, metrics *observability.Metrics, logger logrus.FieldLogger) *ChangeStream {
	if len(cfg.Collections) == 0 {
		cfg.Collections = audit.WatchedCollections()
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.SeenEvents <= 0 {
		cfg.SeenEvents = 4096
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	seen, _ := lru.New[string, struct{}](cfg.SeenEvents)
	if tokens == nil {
		tokens = noTokens{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ChangeStream{
		db:      db,
		sink:    sink,
		tokens:  tokens,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		seen:    seen,
	}
}

// Run watches until ctx is canceled
func (c *ChangeStream) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, coll := range c.cfg.Collections {
		coll := coll
		g.Go(func() error {
			return c.watch(ctx, coll)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *ChangeStream) watch(ctx context.Context, coll audit.Collection) error {
	logger := c.logger.WithField("collection", coll)

	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = c.cfg.MaxBackoff
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(policy, ctx)

	for {
		err := c.stream(ctx, coll, logger, retry)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := retry.NextBackOff()
		logger.WithError(err).WithField("retry_in", wait).Warn("change stream closed, reopening")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *ChangeStream) stream(ctx context.Context, coll audit.Collection, logger logrus.FieldLogger, retry backoff.BackOff) error {
	opts := options.ChangeStream().
		SetFullDocument(options.UpdateLookup).
		SetFullDocumentBeforeChange(options.WhenAvailable)

	token, err := c.tokens.Load(ctx, string(coll))
	if err != nil {
		logger.WithError(err).Warn("failed to load resume token, starting from now")
	} else if token != nil {
		opts.SetResumeAfter(token)
	}

	cs, err := c.db.Collection(string(coll)).Watch(ctx, mongo.Pipeline{}, opts)
	if err != nil {
		return fmt.Errorf("open change stream: %w", err)
	}
	defer cs.Close(context.Background())
	logger.Info("change stream opened")

	pending := &checkpoints{}
	defer c.drain(coll, pending, logger)

	for {
		if pending.len() == 0 {
			if !cs.Next(ctx) {
				break
			}
		} else if !cs.TryNext(ctx) {
			if cs.Err() != nil {
				break
			}
			c.checkpoint(ctx, coll, pending, logger)
			if head := pending.head(); head != nil {
				select {
				case <-head:
				case <-time.After(checkpointPoll):
				case <-ctx.Done():
				}
			}
			continue
		}
		retry.Reset()

		var ev ChangeEvent
		if err := cs.Decode(&ev); err != nil {
			logger.WithError(err).Error("failed to decode change event")
			pending.add(cs.ResumeToken(), nil)
			continue
		}
		pending.add(cs.ResumeToken(), c.handle(ctx, ev))
		c.checkpoint(ctx, coll, pending, logger)
	}
	return cs.Err()
}

// checkpoint saves the newest token whose records, and all earlier ones, completed
func (c *ChangeStream) checkpoint(ctx context.Context, coll audit.Collection, pending *checkpoints, logger logrus.FieldLogger) {
	token := pending.completed()
	if token == nil {
		return
	}
	if err := c.tokens.Save(ctx, string(coll), token); err != nil {
		logger.WithError(err).Warn("failed to save resume token")
	}
}

// drain waits up to DrainTimeout for in-flight records and saves the last token
// that completed. Events whose records are still queued are redelivered on restart.
func (c *ChangeStream) drain(coll audit.Collection, pending *checkpoints, logger logrus.FieldLogger) {
	if pending.len() == 0 {
		return
	}
	timer := time.NewTimer(c.cfg.DrainTimeout)
	defer timer.Stop()

wait:
	for _, cp := range pending.queue {
		if cp.done == nil {
			continue
		}
		select {
		case <-cp.done:
		case <-timer.C:
			break wait
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.checkpoint(ctx, coll, pending, logger)
	if n := pending.len(); n > 0 {
		logger.WithField("in_flight", n).Warn("stream closed with records in flight")
	}
}

// handle forwards one decoded event to the sink, once per event id. The returned
// channel is closed when the event's record completes; nil means it already has.
func (c *ChangeStream) handle(ctx context.Context, ev ChangeEvent) <-chan struct{} {
	if len(ev.ID) > 0 {
		if ok, _ := c.seen.ContainsOrAdd(string(ev.ID), struct{}{}); ok {
			c.logger.WithField("collection", ev.NS.Coll).Debug("dropping redelivered change event")
			return nil
		}
	}
	c.metrics.RecordChangeEvent(ev.NS.Coll, ev.OperationType)

	n, ok := ToNotification(ev)
	if !ok {
		c.logger.WithFields(logrus.Fields{
			"collection":     ev.NS.Coll,
			"operation_type": ev.OperationType,
		}).Debug("skipping non-document change event")
		return nil
	}
	if tracking, ok := c.sink.(TrackingSink); ok {
		return tracking.Track(ctx, n)
	}
	c.sink.Record(ctx, n)
	return nil
}

type checkpoint struct {
	token bson.Raw
	done  <-chan struct{}
}

// checkpoints is a FIFO of resume tokens waiting on their event's record
type checkpoints struct {
	queue []checkpoint
}

func (p *checkpoints) len() int { return len(p.queue) }

func (p *checkpoints) add(token bson.Raw, done <-chan struct{}) {
	if len(token) == 0 {
		return
	}
	p.queue = append(p.queue, checkpoint{token: append(bson.Raw(nil), token...), done: done})
}

// head returns the completion channel of the oldest in-flight event, or nil
func (p *checkpoints) head() <-chan struct{} {
	for _, cp := range p.queue {
		if cp.done != nil {
			return cp.done
		}
	}
	return nil
}

// completed pops the completed prefix and returns its newest token, or nil
func (p *checkpoints) completed() bson.Raw {
	var token bson.Raw
	n := 0
	for ; n < len(p.queue) && isClosed(p.queue[n].done); n++ {
		token = p.queue[n].token
	}
	p.queue = p.queue[n:]
	return token
}

func isClosed(done <-chan struct{}) bool {
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}
