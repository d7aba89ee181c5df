// Package db provides repository interfaces for capturesync data models.
package db

import (
	"context"

	"github.com/kimhsiao/capturesync/internal/models"
)

// RecordReader reads synced records. Every method is scoped to one user.
type RecordReader interface {
	// GetRecord returns the record or nil when no row exists.
	GetRecord(ctx context.Context, schema *models.EntitySchema, userID string, id models.UUID) (*models.Record, error)

	// ChangedSince returns records with last_modified_at > since, oldest first.
	ChangedSince(ctx context.Context, schema *models.EntitySchema, userID string, since int64) ([]*models.Record, error)
}

// RecordTx is the transactional view used while applying a push.
type RecordTx interface {
	RecordReader

	// InsertRecord inserts a new row owned by rec.UserID.
	InsertRecord(ctx context.Context, schema *models.EntitySchema, rec *models.Record) error

	// UpdateRecord overwrites the row identified by (rec.UserID, rec.ID).
	UpdateRecord(ctx context.Context, schema *models.EntitySchema, rec *models.Record) error

	// CreateConflictLog records a resolved conflict.
	CreateConflictLog(ctx context.Context, log *models.ConflictLog) error
}

// RecordStore defines operations for synced record persistence.
type RecordStore interface {
	RecordReader

	// MaxLastModified returns the highest last_modified_at across all
	// users, or 0 for an empty table.
	MaxLastModified(ctx context.Context, schema *models.EntitySchema) (int64, error)

	// InTx runs fn inside one transaction; a non-nil error rolls back.
	InTx(ctx context.Context, fn func(tx RecordTx) error) error
}

// SyncLogRepository defines operations for sync log persistence.
type SyncLogRepository interface {
	// AppendSyncLog appends one run to the log.
	AppendSyncLog(ctx context.Context, log *models.SyncLog) error

	// ListSyncLogs returns the user's most recent runs, newest first.
	ListSyncLogs(ctx context.Context, userID string, limit int) ([]*models.SyncLog, error)
}

// ConflictLogRepository defines operations for conflict log reads.
type ConflictLogRepository interface {
	// ListConflictLogs returns the user's most recent conflicts, newest first.
	ListConflictLogs(ctx context.Context, userID string, limit int) ([]*models.ConflictLog, error)
}

// SyncRepository combines repositories needed for sync operations.
type SyncRepository interface {
	RecordStore
	SyncLogRepository
	ConflictLogRepository
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ RecordStore           = (*Repository)(nil)
	_ RecordTx              = (*recordTx)(nil)
	_ SyncLogRepository     = (*Repository)(nil)
	_ ConflictLogRepository = (*Repository)(nil)
	_ SyncRepository        = (*Repository)(nil)
)
