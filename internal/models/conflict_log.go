package models

import "time"

// ConflictLog records resolved concurrent edits for user awareness.
type ConflictLog struct {
	ID              int64      `db:"id" json:"id"`
	UserID          string     `db:"user_id" json:"user_id"`
	EntityType      EntityType `db:"entity_type" json:"entity_type"`
	RecordID        UUID       `db:"record_id" json:"record_id"`
	ServerTimestamp int64      `db:"server_timestamp" json:"server_timestamp"`
	ClientTimestamp int64      `db:"client_timestamp" json:"client_timestamp"`
	Resolution      string     `db:"resolution" json:"resolution"`
	Winner          string     `db:"winner" json:"winner"` // server, client
	DetectedAt      int64      `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_logs"
}

// DetectedAtTime returns the DetectedAt (epoch ms) as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
