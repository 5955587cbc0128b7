package audit

import (
	"encoding/json"
	"fmt"
)

// Document is the decoded form of a watched collection's payload.
//
// The set of implementations is closed: HealthRecord, Appointment, Message,
// UserProfile and GenericDocument. Redaction switches over exactly this set.
type Document interface {
	// Collection returns the collection the document belongs to
	Collection() Collection

	actorFor(op Operation) string
	subject() string
	details() map[string]string
	isDocument()
}

// Metadata is stamped on every document by the application's write path
type Metadata struct {
	CreatedBy string      `json:"createdBy,omitempty"`
	UpdatedBy string      `json:"updatedBy,omitempty"`
	DeletedBy string      `json:"deletedBy,omitempty"`
	CreatedAt interface{} `json:"createdAt,omitempty"`
	UpdatedAt interface{} `json:"updatedAt,omitempty"`
}

var metadataFields = []string{"createdBy", "updatedBy", "deletedBy", "createdAt", "updatedAt"}

func (m Metadata) actorFor(op Operation) string {
	switch op {
	case OperationCreate:
		return m.CreatedBy
	case OperationUpdate:
		return m.UpdatedBy
	case OperationDelete:
		return m.DeletedBy
	}
	return ""
}

// HealthRecord is a patient's vitals entry. Clinical records are the compliance
// subject, so every field is retained, including ones this type does not name.
type HealthRecord struct {
	Metadata
	PatientID string `json:"patientId"`

	Extra map[string]interface{} `json:"-"`
}

func (d *HealthRecord) Collection() Collection       { return CollectionHealthRecords }
func (d *HealthRecord) actorFor(op Operation) string { return d.Metadata.actorFor(op) }
func (d *HealthRecord) subject() string              { return d.PatientID }
func (d *HealthRecord) details() map[string]string   { return nil }
func (d *HealthRecord) isDocument()                  {}

// Appointment is a scheduled visit between a patient and a staff member
type Appointment struct {
	Metadata
	PatientID string      `json:"patientId"`
	StaffID   string      `json:"staffId,omitempty"`
	Status    string      `json:"status,omitempty"`
	Date      interface{} `json:"date,omitempty"`

	Extra map[string]interface{} `json:"-"`
}

func (d *Appointment) Collection() Collection       { return CollectionAppointments }
func (d *Appointment) actorFor(op Operation) string { return d.Metadata.actorFor(op) }
func (d *Appointment) subject() string              { return d.PatientID }
func (d *Appointment) isDocument()                  {}

func (d *Appointment) details() map[string]string {
	if d.StaffID == "" {
		return nil
	}
	return map[string]string{DetailStaffID: d.StaffID}
}

// Message is a direct message between two users. Unknown fields are dropped.
type Message struct {
	Metadata
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	Read       bool   `json:"read"`
}

func (d *Message) Collection() Collection { return CollectionMessages }
func (d *Message) subject() string        { return d.ReceiverID }
func (d *Message) details() map[string]string {
	return nil
}
func (d *Message) isDocument() {}

func (d *Message) actorFor(op Operation) string {
	if op == OperationCreate && d.CreatedBy == "" {
		return d.SenderID
	}
	return d.Metadata.actorFor(op)
}

// RedactedMessage is the only form of a message that reaches the audit store
type RedactedMessage struct {
	Metadata
	SenderID      string `json:"senderId"`
	ReceiverID    string `json:"receiverId"`
	ContentLength int    `json:"contentLength"`
	Read          bool   `json:"read"`
}

// UserProfile is the profile document of an account. Fields this type does not
// name, such as account status and MFA state, are kept in Extra.
type UserProfile struct {
	Metadata
	UID          string      `json:"-"`
	Email        string      `json:"email,omitempty"`
	DisplayName  string      `json:"displayName,omitempty"`
	Role         string      `json:"role,omitempty"`
	Team         []string    `json:"team,omitempty"`
	Patients     []string    `json:"patients,omitempty"`
	PasswordHash string      `json:"passwordHash,omitempty"`
	Deleted      bool        `json:"deleted,omitempty"`
	DeletedAt    interface{} `json:"deletedAt,omitempty"`

	Extra map[string]interface{} `json:"-"`
}

var userProfileFields = []string{"email", "displayName", "role", "team", "patients", "passwordHash", "deleted", "deletedAt"}

func (d *UserProfile) Collection() Collection       { return CollectionUsers }
func (d *UserProfile) actorFor(op Operation) string { return d.Metadata.actorFor(op) }
func (d *UserProfile) subject() string              { return d.UID }
func (d *UserProfile) details() map[string]string   { return nil }
func (d *UserProfile) isDocument()                  {}

// RedactedUser is the declared part of a profile that reaches the audit store. It
// has no credential field.
type RedactedUser struct {
	Metadata
	Email       string      `json:"email,omitempty"`
	DisplayName string      `json:"displayName,omitempty"`
	Role        string      `json:"role,omitempty"`
	Team        []string    `json:"team,omitempty"`
	Patients    []string    `json:"patients,omitempty"`
	Deleted     bool        `json:"deleted,omitempty"`
	DeletedAt   interface{} `json:"deletedAt,omitempty"`
}

// GenericDocument holds a payload of a collection registered through the policy file
type GenericDocument struct {
	collection   Collection
	subjectField string
	Fields       map[string]interface{}
}

func (d *GenericDocument) Collection() Collection     { return d.collection }
func (d *GenericDocument) details() map[string]string { return nil }
func (d *GenericDocument) isDocument()                {}

func (d *GenericDocument) actorFor(op Operation) string {
	var key string
	switch op {
	case OperationCreate:
		key = "createdBy"
	case OperationUpdate:
		key = "updatedBy"
	case OperationDelete:
		key = "deletedBy"
	}
	s, _ := d.Fields[key].(string)
	return s
}

func (d *GenericDocument) subject() string {
	if d.subjectField == "" {
		return ""
	}
	s, _ := d.Fields[d.subjectField].(string)
	return s
}

// decodeInto unmarshals a normalised payload into dst and returns the top-level
// keys that dst does not declare
func decodeInto(raw map[string]interface{}, dst interface{}, known ...[]string) (map[string]interface{}, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	declared := make(map[string]struct{})
	for _, keys := range known {
		for _, k := range keys {
			declared[k] = struct{}{}
		}
	}

	var extra map[string]interface{}
	for k, v := range raw {
		if _, ok := declared[k]; ok {
			continue
		}
		if extra == nil {
			extra = make(map[string]interface{})
		}
		extra[k] = v
	}
	return extra, nil
}

func decodeHealthRecord(raw map[string]interface{}) (Document, error) {
	d := &HealthRecord{}
	extra, err := decodeInto(raw, d, metadataFields, []string{"patientId"})
	if err != nil {
		return nil, err
	}
	d.Extra = extra
	return d, nil
}

func decodeAppointment(raw map[string]interface{}) (Document, error) {
	d := &Appointment{}
	extra, err := decodeInto(raw, d, metadataFields, []string{"patientId", "staffId", "status", "date"})
	if err != nil {
		return nil, err
	}
	d.Extra = extra
	return d, nil
}

func decodeMessage(raw map[string]interface{}) (Document, error) {
	d := &Message{}
	if _, err := decodeInto(raw, d); err != nil {
		return nil, err
	}
	return d, nil
}

func decodeUserProfile(documentID string, raw map[string]interface{}) (Document, error) {
	d := &UserProfile{UID: documentID}
	extra, err := decodeInto(raw, d, metadataFields, userProfileFields)
	if err != nil {
		return nil, err
	}
	d.Extra = extra
	return d, nil
}
