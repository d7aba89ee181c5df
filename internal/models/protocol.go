package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// PullRequest asks for every change since LastPulledAt.
type PullRequest struct {
	LastPulledAt int64        `json:"lastPulledAt"`
	Entities     []EntityType `json:"entities,omitempty"`
}

// EntityChanges is the per-type delta in both directions.
type EntityChanges struct {
	Updated []*Record `json:"updated"`
	Deleted []UUID    `json:"deleted"`
	// Invalid holds entries that could not be decoded. They are kept
	// apart so that one bad record does not fail the whole document.
	Invalid []InvalidRecord `json:"-"`
}

// InvalidRecord is an undecodable entry of an EntityChanges document.
type InvalidRecord struct {
	ID     UUID
	Reason string
}

// Len returns the number of records in the delta, undecodable ones
// included.
func (c EntityChanges) Len() int {
	return len(c.Updated) + len(c.Deleted) + len(c.Invalid)
}

// UnmarshalJSON decodes each updated record and deleted id on its own.
// Entries that fail are moved to Invalid instead of failing the document.
func (c *EntityChanges) UnmarshalJSON(data []byte) error {
	var wire struct {
		Updated []json.RawMessage `json:"updated"`
		Deleted []json.RawMessage `json:"deleted"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*c = EntityChanges{}
	if wire.Updated != nil {
		c.Updated = make([]*Record, 0, len(wire.Updated))
	}
	for _, raw := range wire.Updated {
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			c.Updated = append(c.Updated, nil)
			continue
		}
		rec := &Record{}
		if err := json.Unmarshal(raw, rec); err != nil {
			c.Invalid = append(c.Invalid, InvalidRecord{ID: rawRecordID(raw), Reason: err.Error()})
			continue
		}
		c.Updated = append(c.Updated, rec)
	}

	if wire.Deleted != nil {
		c.Deleted = make([]UUID, 0, len(wire.Deleted))
	}
	for _, raw := range wire.Deleted {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			c.Invalid = append(c.Invalid, InvalidRecord{Reason: fmt.Sprintf("deleted id must be a string, got %s", raw)})
			continue
		}
		c.Deleted = append(c.Deleted, UUID(id))
	}
	return nil
}

// rawRecordID extracts the id of an undecodable record, if it has one.
func rawRecordID(raw json.RawMessage) UUID {
	var doc struct {
		ID interface{} `json:"id"`
	}
	if json.Unmarshal(raw, &doc) != nil {
		return ""
	}
	id, _ := doc.ID.(string)
	return UUID(id)
}

// Changes maps entity type to its delta.
type Changes map[EntityType]EntityChanges

// Count returns the number of records across all types.
func (c Changes) Count() int {
	n := 0
	for _, ec := range c {
		n += ec.Len()
	}
	return n
}

// PushRequest carries local mutations made since LastPulledAt.
type PushRequest struct {
	LastPulledAt int64   `json:"lastPulledAt"`
	Changes      Changes `json:"changes"`
}

// Conflict reports a pushed record whose server copy changed since the
// client's checkpoint.
type Conflict struct {
	Entity             EntityType `json:"entity"`
	RecordID           UUID       `json:"recordId"`
	ResolutionStrategy string     `json:"resolutionStrategy"`
}

// RejectedRecord reports a pushed record isolated from the batch by
// validation.
type RejectedRecord struct {
	Entity   EntityType `json:"entity"`
	RecordID UUID       `json:"recordId"`
	Reason   string     `json:"reason"`
}

// SyncResponse is the envelope returned by pull and push.
type SyncResponse struct {
	Changes   Changes          `json:"changes"`
	Timestamp int64            `json:"timestamp"`
	Conflicts []Conflict       `json:"conflicts,omitempty"`
	Rejected  []RejectedRecord `json:"rejected,omitempty"`
}

// ErrorResponse is the body of a failed API call.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
