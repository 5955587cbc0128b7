// Package audit records every create, update and delete on the clinical document
// collections, plus backup and account lifecycle events, as append-only audit records.
//
// # Overview
//
// A Notification from the document store is decoded into a typed Document for its
// collection, validated against the collection's JSON schema and redacted by the
// Policy before anything is stored. Message bodies, password hashes and session
// tokens never reach a Record.
//
//	policy, _ := audit.NewPolicy()
//	writer := audit.NewWriter(store, policy, nil, metrics, logger, audit.DefaultWriterConfig())
//	writer.Record(ctx, audit.Notification{
//		Kind:       audit.OperationUpdate,
//		Collection: audit.CollectionAppointments,
//		DocumentID: "appt-1",
//		Before:     before,
//		After:      after,
//	})
//
// Payloads that cannot be redacted (unknown collection, wrong shape) produce a
// minimal record with no snapshots and details.redaction set to the reason.
//
// # Delivery
//
// Writer.Record never fails the caller. Appends are retried with exponential
// backoff; a record that still cannot be stored goes to a DeadLetterSink (log,
// Redis list or NDJSON file) and can be replayed later with ReplayDeadLetters.
// The Dispatcher puts a bounded worker pool in front of the Writer so change
// handlers return immediately.
//
// # Storage
//
// Store has no update method. PostgresStore writes to the audit_logs table created
// by the migrations package; MemoryStore backs tests. Records leave the store only
// through DeleteBatch, which re-checks the age cutoff.
//
// # Querying
//
// Handlers serves GET /audit/records (json, ndjson or csv) and GET /audit/stats for
// compliance review.
package audit
