package audit

import (
	"context"
	"time"
)

// Store is the append-only audit log.
//
// There is deliberately no update method: records are inserted by the Writer and
// removed in age-gated batches by the retention sweeper, nothing else.
type Store interface {
	// Append durably stores rec and returns its id. The store assigns
	// rec.RecordedAt; any value set by the caller is ignored.
	Append(ctx context.Context, rec *Record) (RecordID, error)

	// QueryOlderThan returns at most limit ids of records recorded before cutoff,
	// oldest first
	QueryOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]RecordID, error)

	// DeleteBatch deletes the given records that are still older than cutoff and
	// returns how many were removed. Unknown ids are ignored.
	DeleteBatch(ctx context.Context, ids []RecordID, cutoff time.Time) (int64, error)
}

// Searcher is implemented by stores that serve the compliance range query
type Searcher interface {
	Search(ctx context.Context, filter SearchFilter) ([]*Record, error)
}

// SearchStore is a Store that can also be searched
type SearchStore interface {
	Store
	Searcher
}

// Stats summarises the records matching a filter
type Stats struct {
	Total        int64                `json:"total"`
	UniqueActors int64                `json:"uniqueActors"`
	ByOperation  map[Operation]int64  `json:"byOperation"`
	ByCollection map[Collection]int64 `json:"byCollection"`
	Start        *time.Time           `json:"start,omitempty"`
	End          *time.Time           `json:"end,omitempty"`
}

func newStats(filter SearchFilter) *Stats {
	return &Stats{
		ByOperation:  make(map[Operation]int64),
		ByCollection: make(map[Collection]int64),
		Start:        filter.StartTime,
		End:          filter.EndTime,
	}
}

// StatsProvider is implemented by stores that can aggregate records
type StatsProvider interface {
	Stats(ctx context.Context, filter SearchFilter) (*Stats, error)
}
