package docstore

import (
	"context"
	"fmt"
	"io"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Snapshotter dumps collections as relaxed extended JSON, one document per line
type Snapshotter struct {
	db          *mongo.Database
	collections []string
}

// NewSnapshotter creates a snapshotter. With no collections listed every
// collection of db is exported.
func NewSnapshotter(db *mongo.Database, collections ...string) *Snapshotter {
	return &Snapshotter{db: db, collections: collections}
}

// Collections returns the collections an export covers, sorted
func (s *Snapshotter) Collections(ctx context.Context) ([]string, error) {
	if len(s.collections) > 0 {
		names := append([]string(nil), s.collections...)
		sort.Strings(names)
		return names, nil
	}

	names, err := s.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Dump writes every document of collection to w and returns how many were written
func (s *Snapshotter) Dump(ctx context.Context, collection string, w io.Writer) (int64, error) {
	cursor, err := s.db.Collection(collection).Find(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer cursor.Close(ctx)

	var n int64
	for cursor.Next(ctx) {
		line, err := bson.MarshalExtJSON(cursor.Current, false, false)
		if err != nil {
			return n, fmt.Errorf("failed to encode %s document: %w", collection, err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return n, err
		}
		n++
	}
	if err := cursor.Err(); err != nil {
		return n, fmt.Errorf("cursor error on %s: %w", collection, err)
	}
	return n, nil
}
