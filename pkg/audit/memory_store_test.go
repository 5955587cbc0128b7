package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_AppendAssignsIDAndTimestamp(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	store := NewMemoryStore(clock)

	rec := &Record{Operation: OperationCreate, Collection: CollectionMessages, RecordedAt: now.Add(-time.Hour)}
	id, err := store.Append(context.Background(), rec)
	require.NoError(t, err)

	assert.Equal(t, RecordID(1), id)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, now, rec.RecordedAt)

	clock.Advance(time.Second)
	id2, err := store.Append(context.Background(), &Record{})
	require.NoError(t, err)
	assert.Equal(t, RecordID(2), id2)
}

func TestMemoryStore_RecordedAtNeverDecreases(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	store := NewMemoryStore(clock)

	_, err := store.Append(context.Background(), &Record{})
	require.NoError(t, err)

	// wall clock steps backwards
	clock.Advance(-time.Minute)
	rec := &Record{}
	_, err = store.Append(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, now, rec.RecordedAt)
}

func TestMemoryStore_AppendStoresCopy(t *testing.T) {
	store := NewMemoryStore(nil)
	rec := &Record{DocumentID: "a"}
	_, err := store.Append(context.Background(), rec)
	require.NoError(t, err)

	rec.DocumentID = "mutated"
	assert.Equal(t, "a", store.Records()[0].DocumentID)
}

func TestMemoryStore_AppendError(t *testing.T) {
	store := NewMemoryStore(nil)
	store.AppendErr = errors.New("boom")

	_, err := store.Append(context.Background(), &Record{})
	assert.Error(t, err)
	assert.Zero(t, store.Len())
}

func TestMemoryStore_QueryOlderThan(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore(clockwork.NewFakeClockAt(now))

	old2 := store.Seed(Record{DocumentID: "old2"}, now.Add(-50*24*time.Hour))
	old1 := store.Seed(Record{DocumentID: "old1"}, now.Add(-100*24*time.Hour))
	store.Seed(Record{DocumentID: "future"}, now.Add(time.Hour))
	store.Seed(Record{DocumentID: "fresh"}, now.Add(-time.Hour))

	ids, err := store.QueryOlderThan(context.Background(), now.Add(-24*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []RecordID{old1, old2}, ids)

	ids, err = store.QueryOlderThan(context.Background(), now.Add(-24*time.Hour), 1)
	require.NoError(t, err)
	assert.Equal(t, []RecordID{old1}, ids)
}

func TestMemoryStore_DeleteBatchIsAgeGated(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore(clockwork.NewFakeClockAt(now))

	old := store.Seed(Record{}, now.Add(-100*24*time.Hour))
	fresh := store.Seed(Record{}, now.Add(-time.Hour))

	n, err := store.DeleteBatch(context.Background(), []RecordID{old, fresh, 999}, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, fresh, store.Records()[0].ID)

	n, err = store.DeleteBatch(context.Background(), []RecordID{old}, now)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Append(ctx, &Record{})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = store.QueryOlderThan(ctx, time.Now(), 1)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = store.DeleteBatch(ctx, []RecordID{1}, time.Now())
	assert.ErrorIs(t, err, context.Canceled)
	_, err = store.Search(ctx, SearchFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStore_Search(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore(clockwork.NewFakeClockAt(now))

	store.Seed(Record{Operation: OperationCreate, Collection: CollectionMessages, ActorID: "u1", DocumentID: "m1"}, now.Add(-3*time.Hour))
	store.Seed(Record{Operation: OperationUpdate, Collection: CollectionMessages, ActorID: "u2", DocumentID: "m1"}, now.Add(-2*time.Hour))
	store.Seed(Record{Operation: OperationCreate, Collection: CollectionAppointments, ActorID: "u1", DocumentID: "a1", SubjectID: "p1"}, now.Add(-time.Hour))

	all, err := store.Search(context.Background(), SearchFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a1", all[0].DocumentID, "newest first")

	byActor, err := store.Search(context.Background(), SearchFilter{ActorID: "u1"})
	require.NoError(t, err)
	assert.Len(t, byActor, 2)

	byDoc, err := store.Search(context.Background(), SearchFilter{Collection: CollectionMessages, DocumentID: "m1", Operation: OperationUpdate})
	require.NoError(t, err)
	require.Len(t, byDoc, 1)
	assert.Equal(t, "u2", byDoc[0].ActorID)

	bySubject, err := store.Search(context.Background(), SearchFilter{SubjectID: "p1"})
	require.NoError(t, err)
	assert.Len(t, bySubject, 1)

	start := now.Add(-150 * time.Minute)
	end := now.Add(-90 * time.Minute)
	ranged, err := store.Search(context.Background(), SearchFilter{StartTime: &start, EndTime: &end})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, OperationUpdate, ranged[0].Operation)

	paged, err := store.Search(context.Background(), SearchFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, OperationUpdate, paged[0].Operation)

	beyond, err := store.Search(context.Background(), SearchFilter{Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, beyond)
}

func TestMemoryStore_Stats(t *testing.T) {
	store := NewMemoryStore(nil)
	now := time.Now()
	store.Seed(Record{Operation: OperationCreate, Collection: CollectionMessages, ActorID: "u1"}, now)
	store.Seed(Record{Operation: OperationCreate, Collection: CollectionMessages, ActorID: "u2"}, now)
	store.Seed(Record{Operation: OperationBackupStarted, Collection: CollectionSystem, ActorID: ActorSystem}, now)

	stats, err := store.Stats(context.Background(), SearchFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(3), stats.UniqueActors)
	assert.Equal(t, int64(2), stats.ByOperation[OperationCreate])
	assert.Equal(t, int64(1), stats.ByCollection[CollectionSystem])
}
