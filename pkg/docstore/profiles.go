package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mediconnect/auditd/pkg/audit"
	"github.com/mediconnect/auditd/pkg/identity"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ProfileStore keeps identity profiles in the users collection. Writes stamp
// ActorField so the users change stream attributes them.
type ProfileStore struct {
	coll *mongo.Collection
}

// NewProfileStore creates a store on db's users collection
func NewProfileStore(db *mongo.Database) *ProfileStore {
	return &ProfileStore{coll: db.Collection(string(audit.CollectionUsers))}
}

// Create upserts p. Fields owned by the application after provisioning are only
// set on insert.
func (s *ProfileStore) Create(ctx context.Context, p *identity.Profile) error {
	update := bson.M{
		"$set": bson.M{
			"email":       p.Email,
			"displayName": p.DisplayName,
			ActorField:    p.UID,
		},
		"$setOnInsert": bson.M{
			"role":      p.Role,
			"team":      p.Team,
			"patients":  p.Patients,
			"createdAt": p.CreatedAt,
			"createdBy": p.UID,
			"deleted":   false,
		},
	}

	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": p.UID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// MarkDeleted sets deleted and deletedAt on the profile of uid
func (s *ProfileStore) MarkDeleted(ctx context.Context, uid string, at time.Time) error {
	update := bson.M{
		"$set": bson.M{
			"deleted":   true,
			"deletedAt": at,
			"deletedBy": audit.ActorSystem,
			ActorField:  audit.ActorSystem,
		},
	}

	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": uid}, update)
	if err != nil {
		return fmt.Errorf("failed to mark profile deleted: %w", err)
	}
	if res.MatchedCount == 0 {
		return identity.ErrProfileNotFound
	}
	return nil
}

// Get returns the profile of uid
func (s *ProfileStore) Get(ctx context.Context, uid string) (*identity.Profile, error) {
	var p identity.Profile
	err := s.coll.FindOne(ctx, bson.M{"_id": uid}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, identity.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &p, nil
}
