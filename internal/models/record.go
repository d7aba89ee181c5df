package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// RecordStatus is the lifecycle state of a synced record. Deletion is a
// status flip; rows are never removed.
type RecordStatus string

const (
	StatusActive  RecordStatus = "active"
	StatusDeleted RecordStatus = "deleted"
)

// Reserved wire keys. Everything else in a record document is a domain field.
const (
	KeyID             = "id"
	KeyUserID         = "user_id"
	KeyLastModifiedAt = "last_modified_at"
	KeyStatus         = "status"
	KeyCreatedAt      = "created_at"
)

// Record is a synced entity: sync metadata plus free-form domain fields.
type Record struct {
	ID             UUID
	UserID         string
	Fields         map[string]interface{}
	LastModifiedAt int64 // epoch ms
	Status         RecordStatus
	CreatedAt      int64 // epoch ms
}

// IsDeleted reports whether the record is a tombstone.
func (r *Record) IsDeleted() bool {
	return r.Status == StatusDeleted
}

// LastModifiedTime returns LastModifiedAt as time.Time.
func (r *Record) LastModifiedTime() time.Time {
	return time.UnixMilli(r.LastModifiedAt)
}

// Clone returns a deep-enough copy: the field map is copied, values are
// treated as immutable JSON scalars, slices or maps.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Fields != nil {
		c.Fields = make(map[string]interface{}, len(r.Fields))
		for k, v := range r.Fields {
			c.Fields[k] = v
		}
	}
	return &c
}

// FieldsJSON returns the canonical (sorted key) JSON encoding of Fields.
func (r *Record) FieldsJSON() ([]byte, error) {
	if r.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.Fields)
}

// SetFieldsJSON replaces Fields with the decoded document.
func (r *Record) SetFieldsJSON(data []byte) error {
	fields := map[string]interface{}{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &fields); err != nil {
			return fmt.Errorf("failed to decode record fields: %w", err)
		}
	}
	r.Fields = fields
	return nil
}

// SameContent reports whether a and b carry identical domain fields and
// status, ignoring timestamps and ownership.
func SameContent(a, b *Record) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Status != b.Status {
		return false
	}
	aj, err := a.FieldsJSON()
	if err != nil {
		return false
	}
	bj, err := b.FieldsJSON()
	if err != nil {
		return false
	}
	return bytes.Equal(canonical(aj), canonical(bj))
}

// canonical re-encodes a JSON document so that numbers and nested key
// order compare equal regardless of how the document was produced.
func canonical(doc []byte) []byte {
	var v interface{}
	if err := json.Unmarshal(doc, &v); err != nil {
		return doc
	}
	out, err := json.Marshal(v)
	if err != nil {
		return doc
	}
	return out
}

// MarshalJSON flattens the record into one document:
// {"id":…, <fields>, "last_modified_at":…, "status":…}.
func (r Record) MarshalJSON() ([]byte, error) {
	doc := make(map[string]interface{}, len(r.Fields)+5)
	for k, v := range r.Fields {
		doc[k] = v
	}
	doc[KeyID] = r.ID
	doc[KeyLastModifiedAt] = r.LastModifiedAt
	doc[KeyStatus] = r.Status
	if r.UserID != "" {
		doc[KeyUserID] = r.UserID
	}
	if r.CreatedAt != 0 {
		doc[KeyCreatedAt] = r.CreatedAt
	}
	return json.Marshal(doc)
}

// UnmarshalJSON splits a flattened document back into metadata and fields.
func (r *Record) UnmarshalJSON(data []byte) error {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("record must be a JSON object")
	}

	*r = Record{Fields: make(map[string]interface{}, len(doc))}
	for k, v := range doc {
		switch k {
		case KeyID:
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("record id must be a string")
			}
			r.ID = UUID(s)
		case KeyUserID:
			s, _ := v.(string)
			r.UserID = s
		case KeyStatus:
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("record status must be a string")
			}
			r.Status = RecordStatus(s)
		case KeyLastModifiedAt:
			n, ok := v.(float64)
			if !ok {
				return fmt.Errorf("record last_modified_at must be a number")
			}
			r.LastModifiedAt = int64(n)
		case KeyCreatedAt:
			n, ok := v.(float64)
			if !ok {
				return fmt.Errorf("record created_at must be a number")
			}
			r.CreatedAt = int64(n)
		default:
			r.Fields[k] = v
		}
	}
	if r.Status == "" {
		r.Status = StatusActive
	}
	return nil
}
