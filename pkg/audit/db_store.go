package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var storeTracer = otel.Tracer("auditd/audit/store")

// PostgresStore is the durable audit log. The audit_logs table is created by the
// migrations package; recorded_at is assigned by the database on insert.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store on db. The connection is shared and not closed by the store.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &PostgresStore{db: db}, nil
}

// Append inserts rec and fills in its id and recorded_at
func (s *PostgresStore) Append(ctx context.Context, rec *Record) (RecordID, error) {
	ctx, span := storeTracer.Start(ctx, "audit.Append")
	defer span.End()
	span.SetAttributes(
		attribute.String("audit.collection", string(rec.Collection)),
		attribute.String("audit.operation", string(rec.Operation)),
	)

	before, err := jsonColumn(rec.Before)
	if err != nil {
		return 0, err
	}
	after, err := jsonColumn(rec.After)
	if err != nil {
		return 0, err
	}
	details, err := jsonColumn(rec.Details)
	if err != nil {
		return 0, err
	}

	query := `
		INSERT INTO audit_logs (
			operation, collection, document_id,
			actor_id, subject_id,
			before, after, changed_fields, details
		) VALUES (
			$1, $2, $3,
			$4, $5,
			$6, $7, $8, $9
		) RETURNING id, recorded_at
	`

	var id int64
	var recordedAt time.Time
	err = s.db.QueryRowContext(ctx, query,
		string(rec.Operation), string(rec.Collection), rec.DocumentID,
		rec.ActorID, rec.SubjectID,
		before, after, pq.Array(rec.ChangedFields), details,
	).Scan(&id, &recordedAt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return 0, fmt.Errorf("failed to insert audit record: %w", err)
	}

	rec.ID = RecordID(id)
	rec.RecordedAt = recordedAt.UTC()
	return rec.ID, nil
}

// QueryOlderThan returns up to limit ids recorded before cutoff, oldest first
func (s *PostgresStore) QueryOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]RecordID, error) {
	ctx, span := storeTracer.Start(ctx, "audit.QueryOlderThan")
	defer span.End()
	span.SetAttributes(attribute.Int("audit.limit", limit))

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM audit_logs WHERE recorded_at < $1 ORDER BY recorded_at, id LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, fmt.Errorf("failed to query expired audit records: %w", err)
	}
	defer rows.Close()

	ids := make([]RecordID, 0, limit)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan audit record id: %w", err)
		}
		ids = append(ids, RecordID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit record ids: %w", err)
	}

	span.SetAttributes(attribute.Int("audit.result_count", len(ids)))
	return ids, nil
}

// DeleteBatch deletes the listed records that are still older than cutoff
func (s *PostgresStore) DeleteBatch(ctx context.Context, ids []RecordID, cutoff time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	ctx, span := storeTracer.Start(ctx, "audit.DeleteBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("audit.batch_size", len(ids)))

	raw := make([]int64, len(ids))
	for i, id := range ids {
		raw[i] = int64(id)
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_logs WHERE id = ANY($1) AND recorded_at < $2`,
		pq.Array(raw), cutoff,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		return 0, fmt.Errorf("failed to delete audit records: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read deleted row count: %w", err)
	}
	span.SetAttributes(attribute.Int64("audit.deleted", n))
	return n, nil
}

// Search returns records matching filter, newest first
func (s *PostgresStore) Search(ctx context.Context, filter SearchFilter) ([]*Record, error) {
	ctx, span := storeTracer.Start(ctx, "audit.Search")
	defer span.End()

	query := `
		SELECT
			id, operation, collection, document_id,
			actor_id, subject_id,
			before, after, changed_fields, details,
			recorded_at
		FROM audit_logs
	`
	where, args := filterClause(filter)
	query += where
	query += " ORDER BY recorded_at DESC, id DESC"

	argCount := len(args) + 1
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return nil, fmt.Errorf("failed to search audit records: %w", err)
	}
	defer rows.Close()

	records := make([]*Record, 0)
	for rows.Next() {
		rec := &Record{}
		var (
			id                         int64
			operation, collection      string
			before, after, detailsJSON []byte
			changed                    pq.StringArray
		)
		err := rows.Scan(
			&id, &operation, &collection, &rec.DocumentID,
			&rec.ActorID, &rec.SubjectID,
			&before, &after, &changed, &detailsJSON,
			&rec.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}

		rec.ID = RecordID(id)
		rec.Operation = Operation(operation)
		rec.Collection = Collection(collection)
		rec.RecordedAt = rec.RecordedAt.UTC()
		if len(changed) > 0 {
			rec.ChangedFields = []string(changed)
		}
		if err := unmarshalColumn(before, &rec.Before); err != nil {
			return nil, err
		}
		if err := unmarshalColumn(after, &rec.After); err != nil {
			return nil, err
		}
		if err := unmarshalColumn(detailsJSON, &rec.Details); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit records: %w", err)
	}

	span.SetAttributes(attribute.Int("audit.result_count", len(records)))
	return records, nil
}

// Stats aggregates record counts over the filter's time range and attributes
func (s *PostgresStore) Stats(ctx context.Context, filter SearchFilter) (*Stats, error) {
	ctx, span := storeTracer.Start(ctx, "audit.Stats")
	defer span.End()

	stats := newStats(filter)
	where, args := filterClause(filter)

	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(DISTINCT actor_id) FROM audit_logs"+where, args...,
	).Scan(&stats.Total, &stats.UniqueActors)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to count audit records: %w", err)
	}

	if err := s.groupCount(ctx, "operation", where, args, func(k string, n int64) {
		stats.ByOperation[Operation(k)] = n
	}); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx, "collection", where, args, func(k string, n int64) {
		stats.ByCollection[Collection(k)] = n
	}); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *PostgresStore) groupCount(ctx context.Context, column, where string, args []interface{}, add func(string, int64)) error {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s, COUNT(*) FROM audit_logs%s GROUP BY %s", column, where, column), args...,
	)
	if err != nil {
		return fmt.Errorf("failed to count audit records by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("failed to scan %s count: %w", column, err)
		}
		add(key, n)
	}
	return rows.Err()
}

// filterClause builds the WHERE clause shared by Search and Stats
func filterClause(filter SearchFilter) (string, []interface{}) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argCount := 1

	add := func(cond string, v interface{}) {
		where += fmt.Sprintf(" AND "+cond, argCount)
		args = append(args, v)
		argCount++
	}

	if filter.StartTime != nil {
		add("recorded_at >= $%d", *filter.StartTime)
	}
	if filter.EndTime != nil {
		add("recorded_at <= $%d", *filter.EndTime)
	}
	if filter.Collection != "" {
		add("collection = $%d", string(filter.Collection))
	}
	if filter.Operation != "" {
		add("operation = $%d", string(filter.Operation))
	}
	if filter.DocumentID != "" {
		add("document_id = $%d", filter.DocumentID)
	}
	if filter.ActorID != "" {
		add("actor_id = $%d", filter.ActorID)
	}
	if filter.SubjectID != "" {
		add("subject_id = $%d", filter.SubjectID)
	}
	return where, args
}

// jsonColumn encodes v for a JSONB column; nil maps become SQL NULL
func jsonColumn[M ~map[string]V, V any](v M) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit column: %w", err)
	}
	return data, nil
}

func unmarshalColumn(data []byte, dst interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to unmarshal audit column: %w", err)
	}
	return nil
}
