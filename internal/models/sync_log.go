package models

// SyncType distinguishes pull and push runs in the sync log.
type SyncType string

const (
	SyncTypePull SyncType = "pull"
	SyncTypePush SyncType = "push"
)

// SyncLogStatus is the outcome of one reconciliation call.
type SyncLogStatus string

const (
	SyncLogSuccess SyncLogStatus = "success"
	SyncLogError   SyncLogStatus = "error"
)

// SyncLog is an append-only record of one pull or push run.
type SyncLog struct {
	ID             int64         `db:"id" json:"id"`
	UserID         string        `db:"user_id" json:"user_id"`
	SyncType       SyncType      `db:"sync_type" json:"sync_type"`
	StartedAt      int64         `db:"started_at" json:"started_at"`
	CompletedAt    int64         `db:"completed_at" json:"completed_at"`
	DurationMs     int64         `db:"duration_ms" json:"duration_ms"`
	RecordsSynced  int           `db:"records_synced" json:"records_synced"`
	Status         SyncLogStatus `db:"status" json:"status"`
	ErrorMessage   string        `db:"error_message" json:"error_message,omitempty"`
	ConflictsCount int           `db:"conflicts_count" json:"conflicts_count"`
}

// TableName returns the table name for SyncLog.
func (SyncLog) TableName() string {
	return "sync_logs"
}
