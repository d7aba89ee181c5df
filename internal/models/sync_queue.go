package models

import (
	"encoding/json"
	"time"
)

// Operation is the kind of local mutation recorded in the queue.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	// OperationConflict re-submits a record whose last push was rejected.
	OperationConflict Operation = "conflict"
)

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationConflict:
		return true
	}
	return false
}

// SyncQueueItem represents a pending local mutation.
type SyncQueueItem struct {
	ID         QueueID         `db:"id" json:"id"`
	EntityType EntityType      `db:"entity_type" json:"entity_type"`
	EntityID   UUID            `db:"entity_id" json:"entity_id"`
	Operation  Operation       `db:"operation" json:"operation"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	CreatedAt  int64           `db:"created_at" json:"created_at"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	LastError  string          `db:"last_error" json:"last_error,omitempty"`
	MaxRetries int             `db:"max_retries" json:"max_retries"`
}

// TableName returns the table name for SyncQueueItem.
func (SyncQueueItem) TableName() string {
	return "sync_queue"
}

// Exhausted reports whether the retry budget is spent.
func (i *SyncQueueItem) Exhausted() bool {
	return i.RetryCount >= i.MaxRetries
}

// CreatedAtTime returns CreatedAt (epoch ms) as time.Time.
func (i *SyncQueueItem) CreatedAtTime() time.Time {
	return time.UnixMilli(i.CreatedAt)
}

// DeadLetter is a queue item removed after exhausting its retry budget,
// kept for manual follow-up.
type DeadLetter struct {
	QueueID    QueueID         `db:"queue_id" json:"queue_id"`
	EntityType EntityType      `db:"entity_type" json:"entity_type"`
	EntityID   UUID            `db:"entity_id" json:"entity_id"`
	Operation  Operation       `db:"operation" json:"operation"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	LastError  string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt  int64           `db:"created_at" json:"created_at"`
	DeadAt     int64           `db:"dead_at" json:"dead_at"`
}

// TableName returns the table name for DeadLetter.
func (DeadLetter) TableName() string {
	return "sync_dead_letters"
}
