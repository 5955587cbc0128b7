// Package identity provisions and soft-deletes user profiles when the auth
// platform creates or deletes an account, and audits both events.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mediconnect/auditd/pkg/audit"
	"github.com/mediconnect/auditd/pkg/observability"
	"github.com/sirupsen/logrus"
)

// DefaultRole is assigned to every new profile
const DefaultRole = "patient"

// Hook names used in logs and metrics
const (
	HookCreated = "created"
	HookDeleted = "deleted"
)

var (
	// ErrProfileNotFound is returned when a profile to update does not exist
	ErrProfileNotFound = errors.New("profile not found")

	// ErrInvalidIdentity is returned for an identity without a uid
	ErrInvalidIdentity = errors.New("identity uid is required")
)

// Identity is an account of the auth platform
type Identity struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// Profile is the application's user document, keyed by uid
type Profile struct {
	UID         string     `bson:"_id" json:"uid"`
	Email       string     `bson:"email" json:"email"`
	DisplayName string     `bson:"displayName" json:"displayName"`
	Role        string     `bson:"role" json:"role"`
	Team        []string   `bson:"team" json:"team"`
	Patients    []string   `bson:"patients" json:"patients"`
	CreatedAt   time.Time  `bson:"createdAt" json:"createdAt"`
	Deleted     bool       `bson:"deleted" json:"deleted"`
	DeletedAt   *time.Time `bson:"deletedAt,omitempty" json:"deletedAt,omitempty"`
}

// NewProfile returns the initial profile for id
func NewProfile(id Identity, now time.Time) *Profile {
	return &Profile{
		UID:         id.UID,
		Email:       id.Email,
		DisplayName: id.DisplayName,
		Role:        DefaultRole,
		Team:        []string{},
		Patients:    []string{},
		CreatedAt:   now.UTC(),
	}
}

// ProfileStore persists profiles
type ProfileStore interface {
	// Create stores p. Redelivery of the same account keeps the original
	// role, team, patients and createdAt.
	Create(ctx context.Context, p *Profile) error

	// MarkDeleted soft-deletes the profile of uid
	MarkDeleted(ctx context.Context, uid string, at time.Time) error

	Get(ctx context.Context, uid string) (*Profile, error)
}

// SystemRecorder receives the lifecycle audit events
type SystemRecorder interface {
	RecordSystem(ctx context.Context, ev audit.SystemEvent)
}

// Hooks handles account lifecycle events.
//
// A profile store failure is returned so the platform can redeliver, and no audit
// record is written for that attempt. Audit write failures never reach the caller.
type Hooks struct {
	profiles ProfileStore
	recorder SystemRecorder
	clock    clockwork.Clock
	metrics  *observability.Metrics
	logger   logrus.FieldLogger
}

// NewHooks creates lifecycle hooks
func NewHooks(profiles ProfileStore, recorder SystemRecorder, metrics *observability.Metrics, logger logrus.FieldLogger) *Hooks {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hooks{
		profiles: profiles,
		recorder: recorder,
		clock:    clockwork.NewRealClock(),
		metrics:  metrics,
		logger:   logger,
	}
}

// WithClock replaces the clock that stamps createdAt and deletedAt
func (h *Hooks) WithClock(clock clockwork.Clock) *Hooks {
	h.clock = clock
	return h
}

// OnIdentityCreated provisions the profile and records user_created with the new
// account as actor
func (h *Hooks) OnIdentityCreated(ctx context.Context, id Identity) error {
	if id.UID == "" {
		h.metrics.RecordIdentityHook(HookCreated, "invalid")
		return ErrInvalidIdentity
	}
	logger := h.logger.WithField("uid", id.UID)

	if err := h.profiles.Create(ctx, NewProfile(id, h.clock.Now())); err != nil {
		h.metrics.RecordIdentityHook(HookCreated, "failed")
		logger.WithError(err).Error("failed to create user profile")
		return fmt.Errorf("create profile %s: %w", id.UID, err)
	}

	h.recorder.RecordSystem(ctx, audit.SystemEvent{
		Operation:  audit.OperationUserCreated,
		Collection: audit.CollectionUsers,
		DocumentID: id.UID,
		ActorID:    id.UID,
		SubjectID:  id.UID,
		Details:    emailDetails(id.Email),
	})
	h.metrics.RecordIdentityHook(HookCreated, "success")
	logger.Info("user profile created")
	return nil
}

// OnIdentityDeleted soft-deletes the profile and records user_deleted by system
func (h *Hooks) OnIdentityDeleted(ctx context.Context, id Identity) error {
	if id.UID == "" {
		h.metrics.RecordIdentityHook(HookDeleted, "invalid")
		return ErrInvalidIdentity
	}
	logger := h.logger.WithField("uid", id.UID)

	if err := h.profiles.MarkDeleted(ctx, id.UID, h.clock.Now().UTC()); err != nil {
		status := "failed"
		if errors.Is(err, ErrProfileNotFound) {
			status = "not_found"
		}
		h.metrics.RecordIdentityHook(HookDeleted, status)
		logger.WithError(err).Error("failed to mark user profile deleted")
		return fmt.Errorf("delete profile %s: %w", id.UID, err)
	}

	h.recorder.RecordSystem(ctx, audit.SystemEvent{
		Operation:  audit.OperationUserDeleted,
		Collection: audit.CollectionUsers,
		DocumentID: id.UID,
		ActorID:    audit.ActorSystem,
		SubjectID:  id.UID,
		Details:    emailDetails(id.Email),
	})
	h.metrics.RecordIdentityHook(HookDeleted, "success")
	logger.Info("user profile marked deleted")
	return nil
}

func emailDetails(email string) map[string]string {
	if email == "" {
		return nil
	}
	return map[string]string{audit.DetailEmail: email}
}
