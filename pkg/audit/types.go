package audit

import (
	"encoding/json"
	"time"
)

// Operation is the kind of mutation or system event an audit record describes
type Operation string

const (
	// Document mutations
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"

	// System events
	OperationBackupStarted Operation = "backup_started"
	OperationBackupFailed  Operation = "backup_failed"

	// Account lifecycle events
	OperationUserCreated Operation = "user_created"
	OperationUserDeleted Operation = "user_deleted"
)

// Valid reports whether o is one of the known operations
func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete,
		OperationBackupStarted, OperationBackupFailed,
		OperationUserCreated, OperationUserDeleted:
		return true
	}
	return false
}

// Collection names a watched document collection
type Collection string

const (
	CollectionHealthRecords Collection = "healthRecords"
	CollectionAppointments  Collection = "appointments"
	CollectionMessages      Collection = "messages"
	CollectionUsers         Collection = "users"

	// CollectionSystem is used for backup and other non-document events
	CollectionSystem Collection = "system"
)

// WatchedCollections returns the collections whose mutations are mirrored into the audit log
func WatchedCollections() []Collection {
	return []Collection{
		CollectionHealthRecords,
		CollectionAppointments,
		CollectionMessages,
		CollectionUsers,
	}
}

// Actor sentinels
const (
	ActorSystem  = "system"
	ActorUnknown = "unknown"
)

// Detail keys used on system and lifecycle records
const (
	DetailBackupLocation  = "backupLocation"
	DetailExportOperation = "exportOperation"
	DetailError           = "error"
	DetailEmail           = "email"
	DetailStaffID         = "staffId"
	DetailRedaction       = "redaction"
)

// RecordID identifies a stored audit record
type RecordID int64

// Snapshot is a redacted, JSON-normalised view of a document
type Snapshot map[string]interface{}

// Record is a single immutable audit log entry
type Record struct {
	ID         RecordID   `json:"id"`
	Operation  Operation  `json:"operation"`
	Collection Collection `json:"collection"`
	DocumentID string     `json:"documentId"`
	ActorID    string     `json:"actorId"`
	SubjectID  string     `json:"subjectId,omitempty"`

	Before        Snapshot `json:"before,omitempty"`
	After         Snapshot `json:"after,omitempty"`
	ChangedFields []string `json:"changedFields,omitempty"`

	Details map[string]string `json:"details,omitempty"`

	// RecordedAt is assigned by the store on append
	RecordedAt time.Time `json:"recordedAt"`
}

// ToJSON converts the record to JSON
func (r *Record) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// FromJSON parses a record from JSON
func FromJSON(data []byte) (*Record, error) {
	var rec Record
	err := json.Unmarshal(data, &rec)
	return &rec, err
}

// Notification is a raw change event delivered by the document store
type Notification struct {
	Kind       Operation
	Collection Collection
	DocumentID string

	// CallerID is the authenticated identity from the triggering context, if the
	// platform exposes one
	CallerID string

	Before map[string]interface{}
	After  map[string]interface{}
}

// SystemEvent describes a backup or account lifecycle event
type SystemEvent struct {
	Operation  Operation
	Collection Collection
	DocumentID string
	ActorID    string
	SubjectID  string
	Details    map[string]string
}

// SearchFilter represents filters for the compliance range query
type SearchFilter struct {
	StartTime *time.Time
	EndTime   *time.Time

	Collection Collection
	Operation  Operation
	DocumentID string
	ActorID    string
	SubjectID  string

	Limit  int
	Offset int
}

// ExportFormat represents the format for exporting audit records
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson" // Newline-delimited JSON
)

// RetentionPolicy defines how long audit records are kept
type RetentionPolicy struct {
	// Horizon is the maximum age of a record before it becomes eligible for deletion
	Horizon time.Duration

	// BatchLimit bounds the number of ids fetched and deleted per batch
	BatchLimit int

	// MaxBatches bounds the number of batches in a single sweep run
	MaxBatches int
}

// DefaultRetentionPolicy returns the default retention policy (90 days, 500 per batch)
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		Horizon:    90 * 24 * time.Hour,
		BatchLimit: 500,
		MaxBatches: 20,
	}
}
