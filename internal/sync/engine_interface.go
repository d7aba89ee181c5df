// Package sync provides synchronization interfaces and implementations.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/capturesync/internal/localstore"
	"github.com/kimhsiao/capturesync/internal/models"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Sync performs a full synchronization operation.
	// Returns the sync result with statistics or an error if sync fails.
	Sync(ctx context.Context) (*SyncResult, error)

	// SetEventHandler sets the event handler for sync notifications.
	// The handler receives events during sync operations.
	SetEventHandler(handler SyncEventHandler)

	// Subscribe returns a channel of sync events and a function that
	// cancels the subscription.
	Subscribe() (<-chan SyncEvent, func())

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the timestamp of the last successful sync.
	LastSync() *time.Time

	// PendingChanges returns the number of pending changes to sync.
	PendingChanges() int

	// LastError returns the last error that occurred during sync.
	LastError() error
}

// Remote is the sync server as seen by a device.
type Remote interface {
	Pull(ctx context.Context, req *models.PullRequest) (*models.SyncResponse, error)
	Push(ctx context.Context, req *models.PushRequest) (*models.SyncResponse, error)
}

// LocalStore is the part of the device store the engine drives.
type LocalStore interface {
	GetCheckpoint(ctx context.Context) (int64, error)
	CompleteSync(ctx context.Context, acked []models.QueueID, resp *models.SyncResponse) (localstore.ApplyResult, error)
	MarkSyncFailed(ctx context.Context, entityType models.EntityType, id models.UUID) error
}

// OperationQueue is the part of the durable queue the engine drives.
type OperationQueue interface {
	GetPendingOperations(ctx context.Context, limit int) ([]*models.SyncQueueItem, error)
	MarkAsFailed(ctx context.Context, id models.QueueID, cause error) (bool, error)
	RemoveFailedOperation(ctx context.Context, id models.QueueID) (*models.DeadLetter, error)
	SweepExhausted(ctx context.Context) ([]*models.DeadLetter, error)
	Size(ctx context.Context) (int, error)
}
