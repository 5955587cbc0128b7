package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MemoryStore is an in-process Store used by tests and by the memory backend of
// the serve command
type MemoryStore struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	records []*Record // ordered by RecordedAt, then ID
	nextID  RecordID
	last    time.Time

	// AppendErr, when set, is returned by Append
	AppendErr error
	// DeleteErr, when set, is returned by DeleteBatch
	DeleteErr error
}

// NewMemoryStore creates an empty store stamping records with clock
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{clock: clock, nextID: 1}
}

// Append stores a copy of rec
func (s *MemoryStore) Append(ctx context.Context, rec *Record) (RecordID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.AppendErr != nil {
		return 0, s.AppendErr
	}

	now := s.clock.Now().UTC()
	if now.Before(s.last) {
		now = s.last
	}
	s.last = now

	stored := *rec
	stored.ID = s.nextID
	stored.RecordedAt = now
	s.nextID++
	s.insert(&stored)

	rec.ID = stored.ID
	rec.RecordedAt = stored.RecordedAt
	return stored.ID, nil
}

// Seed inserts a record with a caller-chosen timestamp. It exists for tests that
// need records of a given age and is not part of the Store contract.
func (s *MemoryStore) Seed(rec Record, recordedAt time.Time) RecordID {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.ID = s.nextID
	rec.RecordedAt = recordedAt.UTC()
	s.nextID++
	s.insert(&rec)
	return rec.ID
}

// insert keeps records ordered by RecordedAt, then ID
func (s *MemoryStore) insert(rec *Record) {
	i := sort.Search(len(s.records), func(i int) bool {
		return s.records[i].RecordedAt.After(rec.RecordedAt)
	})
	s.records = append(s.records, nil)
	copy(s.records[i+1:], s.records[i:])
	s.records[i] = rec
}

// QueryOlderThan returns up to limit ids recorded before cutoff, oldest first
func (s *MemoryStore) QueryOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]RecordID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]RecordID, 0)
	for _, rec := range s.records {
		if limit > 0 && len(ids) >= limit {
			break
		}
		if !rec.RecordedAt.Before(cutoff) {
			break
		}
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

// DeleteBatch removes the listed records that are older than cutoff
func (s *MemoryStore) DeleteBatch(ctx context.Context, ids []RecordID, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.DeleteErr != nil {
		return 0, s.DeleteErr
	}

	want := make(map[RecordID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	kept := s.records[:0]
	var deleted int64
	for _, rec := range s.records {
		if _, ok := want[rec.ID]; ok && rec.RecordedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	return deleted, nil
}

// Search returns records matching filter, newest first
func (s *MemoryStore) Search(ctx context.Context, filter SearchFilter) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*Record, 0)
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if !matches(rec, filter) {
			continue
		}
		cp := *rec
		matched = append(matched, &cp)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*Record{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Stats aggregates the records matching filter, ignoring its limit and offset
func (s *MemoryStore) Stats(ctx context.Context, filter SearchFilter) (*Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := newStats(filter)
	actors := make(map[string]struct{})
	for _, rec := range s.records {
		if !matches(rec, filter) {
			continue
		}
		stats.Total++
		stats.ByOperation[rec.Operation]++
		stats.ByCollection[rec.Collection]++
		actors[rec.ActorID] = struct{}{}
	}
	stats.UniqueActors = int64(len(actors))
	return stats, nil
}

// Len returns the number of stored records
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Records returns copies of all stored records, oldest first
func (s *MemoryStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, len(s.records))
	for i, rec := range s.records {
		out[i] = *rec
	}
	return out
}

func matches(rec *Record, f SearchFilter) bool {
	if f.StartTime != nil && rec.RecordedAt.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && rec.RecordedAt.After(*f.EndTime) {
		return false
	}
	if f.Collection != "" && rec.Collection != f.Collection {
		return false
	}
	if f.Operation != "" && rec.Operation != f.Operation {
		return false
	}
	if f.DocumentID != "" && rec.DocumentID != f.DocumentID {
		return false
	}
	if f.ActorID != "" && rec.ActorID != f.ActorID {
		return false
	}
	if f.SubjectID != "" && rec.SubjectID != f.SubjectID {
		return false
	}
	return true
}
