package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrUnregisteredCollection is returned for collections without a redaction rule
	ErrUnregisteredCollection = errors.New("collection is not registered for auditing")

	// ErrShapeViolation is returned when a payload cannot be decoded for its collection
	ErrShapeViolation = errors.New("payload does not match collection shape")
)

// Rule is the redaction rule of a collection registered through the policy file
type Rule string

const (
	// RuleFull keeps the whole snapshot
	RuleFull Rule = "full"
	// RuleDropFields removes the listed top-level fields
	RuleDropFields Rule = "drop_fields"
)

// Extension registers an additional collection with the policy
type Extension struct {
	Collection   Collection
	Rule         Rule
	Fields       []string
	SubjectField string
}

// Policy decides which fields of which collections may reach the audit store
type Policy struct {
	shapes     *shapeValidator
	extensions map[Collection]Extension
}

// NewPolicy creates the built-in policy for the watched collections plus any extensions
func NewPolicy(extensions ...Extension) (*Policy, error) {
	shapes, err := newShapeValidator()
	if err != nil {
		return nil, err
	}

	p := &Policy{
		shapes:     shapes,
		extensions: make(map[Collection]Extension),
	}
	for _, ext := range extensions {
		if err := p.register(ext); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Policy) register(ext Extension) error {
	if ext.Collection == "" {
		return fmt.Errorf("extension collection name is required")
	}
	if isBuiltin(ext.Collection) || ext.Collection == CollectionSystem {
		return fmt.Errorf("collection %q has a built-in rule and cannot be overridden", ext.Collection)
	}
	switch ext.Rule {
	case RuleFull:
	case RuleDropFields:
		if len(ext.Fields) == 0 {
			return fmt.Errorf("collection %q: drop_fields rule needs at least one field", ext.Collection)
		}
	default:
		return fmt.Errorf("collection %q: unknown rule %q", ext.Collection, ext.Rule)
	}
	if _, dup := p.extensions[ext.Collection]; dup {
		return fmt.Errorf("collection %q registered twice", ext.Collection)
	}
	p.extensions[ext.Collection] = ext
	return nil
}

func isBuiltin(c Collection) bool {
	for _, w := range WatchedCollections() {
		if w == c {
			return true
		}
	}
	return false
}

// Registered reports whether c has a redaction rule
func (p *Policy) Registered(c Collection) bool {
	if isBuiltin(c) {
		return true
	}
	_, ok := p.extensions[c]
	return ok
}

// Decode converts a raw payload into the collection's document type. A nil payload
// decodes to a nil document.
func (p *Policy) Decode(c Collection, documentID string, raw map[string]interface{}) (Document, error) {
	if !p.Registered(c) {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredCollection, c)
	}
	if raw == nil {
		return nil, nil
	}

	norm, err := normalize(raw)
	if err != nil {
		return nil, err
	}
	if err := p.shapes.validate(c, norm); err != nil {
		return nil, err
	}

	var doc Document
	switch c {
	case CollectionHealthRecords:
		doc, err = decodeHealthRecord(norm)
	case CollectionAppointments:
		doc, err = decodeAppointment(norm)
	case CollectionMessages:
		doc, err = decodeMessage(norm)
	case CollectionUsers:
		doc, err = decodeUserProfile(documentID, norm)
	default:
		ext := p.extensions[c]
		doc = &GenericDocument{collection: c, subjectField: ext.SubjectField, Fields: norm}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrShapeViolation, c, err)
	}
	return doc, nil
}

// Redact returns the snapshot of doc that may be persisted. It has no side effects.
func (p *Policy) Redact(c Collection, doc Document) (Snapshot, error) {
	if doc == nil {
		return nil, nil
	}
	if doc.Collection() != c {
		return nil, fmt.Errorf("%w: document of %s passed for %s", ErrShapeViolation, doc.Collection(), c)
	}

	switch d := doc.(type) {
	case *HealthRecord:
		return toSnapshot(d, d.Extra)
	case *Appointment:
		return toSnapshot(d, d.Extra)
	case *Message:
		return toSnapshot(RedactedMessage{
			Metadata:      d.Metadata,
			SenderID:      d.SenderID,
			ReceiverID:    d.ReceiverID,
			ContentLength: utf8.RuneCountInString(d.Content),
			Read:          d.Read,
		}, nil)
	case *UserProfile:
		return toSnapshot(RedactedUser{
			Metadata:    d.Metadata,
			Email:       d.Email,
			DisplayName: d.DisplayName,
			Role:        d.Role,
			Team:        d.Team,
			Patients:    d.Patients,
			Deleted:     d.Deleted,
			DeletedAt:   d.DeletedAt,
		}, d.Extra)
	case *GenericDocument:
		ext, ok := p.extensions[c]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnregisteredCollection, c)
		}
		return redactGeneric(d.Fields, ext), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredCollection, c)
	}
}

func redactGeneric(fields map[string]interface{}, ext Extension) Snapshot {
	drop := make(map[string]struct{}, len(ext.Fields))
	if ext.Rule == RuleDropFields {
		for _, f := range ext.Fields {
			drop[f] = struct{}{}
		}
	}
	out := make(Snapshot, len(fields))
	for k, v := range fields {
		if _, ok := drop[k]; ok {
			continue
		}
		out[k] = v
	}
	return out
}

// toSnapshot normalises v through encoding/json and merges extra top-level fields
func toSnapshot(v interface{}, extra map[string]interface{}) (Snapshot, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	out := make(Snapshot)
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	for k, val := range extra {
		if _, exists := out[k]; !exists {
			out[k] = val
		}
	}
	return out, nil
}
