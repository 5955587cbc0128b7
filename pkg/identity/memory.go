package identity

import (
	"context"
	"sync"
	"time"
)

// MemoryProfileStore keeps profiles in process. It backs tests and the memory
// backend of the serve command.
type MemoryProfileStore struct {
	mu       sync.Mutex
	profiles map[string]Profile

	// Err, when set, is returned by every call
	Err error
}

// NewMemoryProfileStore creates an empty store
func NewMemoryProfileStore() *MemoryProfileStore {
	return &MemoryProfileStore{profiles: make(map[string]Profile)}
}

func (s *MemoryProfileStore) Create(ctx context.Context, p *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}

	next := *p
	if existing, ok := s.profiles[p.UID]; ok {
		next.Role = existing.Role
		next.Team = existing.Team
		next.Patients = existing.Patients
		next.CreatedAt = existing.CreatedAt
		next.Deleted = existing.Deleted
		next.DeletedAt = existing.DeletedAt
	}
	s.profiles[p.UID] = next
	return nil
}

func (s *MemoryProfileStore) MarkDeleted(ctx context.Context, uid string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}

	p, ok := s.profiles[uid]
	if !ok {
		return ErrProfileNotFound
	}
	p.Deleted = true
	p.DeletedAt = &at
	s.profiles[uid] = p
	return nil
}

func (s *MemoryProfileStore) Get(ctx context.Context, uid string) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	p, ok := s.profiles[uid]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return &p, nil
}
