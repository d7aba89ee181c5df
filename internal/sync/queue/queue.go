// Package queue provides the durable on-device queue of local mutations
// awaiting delivery to the sync server.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/kimhsiao/capturesync/internal/db"
	apperrors "github.com/kimhsiao/capturesync/internal/errors"
	"github.com/kimhsiao/capturesync/internal/logging"
	"github.com/kimhsiao/capturesync/internal/models"
)

// DefaultMaxRetries is the retry budget of a queued operation.
const DefaultMaxRetries = 5

// Execer is satisfied by *sql.DB and *sql.Tx, so queue writes can join a
// caller-owned transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Options configures a SyncQueue.
type Options struct {
	// MaxRetries is stamped on every new item. Defaults to DefaultMaxRetries.
	MaxRetries int
	// MaxSize bounds the number of queued items; 0 means unbounded.
	MaxSize int
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Stats summarizes the queue.
type Stats struct {
	Total       int `json:"total" yaml:"total"`
	Pending     int `json:"pending" yaml:"pending"`
	Failed      int `json:"failed" yaml:"failed"`
	Exhausted   int `json:"exhausted" yaml:"exhausted"`
	DeadLetters int `json:"dead_letters" yaml:"dead_letters"`
}

// SyncQueue persists pending operations in the sync_queue table. Items are
// delivered strictly in ascending QueueID order and are only removed on
// server acknowledgment or when dead-lettered.
type SyncQueue struct {
	db         *db.DB
	maxRetries int
	maxSize    int
	now        func() time.Time

	// notify receives a token after every enqueue.
	notify chan struct{}
}

// NewSyncQueue creates a SyncQueue over a migrated client database.
func NewSyncQueue(database *db.DB, opts Options) *SyncQueue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SyncQueue{
		db:         database,
		maxRetries: opts.MaxRetries,
		maxSize:    opts.MaxSize,
		now:        opts.Now,
		notify:     make(chan struct{}, 1),
	}
}

// Notify returns a channel that receives a token whenever an item is
// enqueued. Tokens coalesce; a reader sees at most one pending token.
func (q *SyncQueue) Notify() <-chan struct{} {
	return q.notify
}

// Enqueue adds an operation to the queue in its own transaction.
func (q *SyncQueue) Enqueue(ctx context.Context, entityType models.EntityType, entityID models.UUID, op models.Operation, payload json.RawMessage) (models.QueueID, error) {
	id, err := q.EnqueueTx(ctx, q.db, entityType, entityID, op, payload)
	if err != nil {
		return 0, err
	}
	q.Signal()
	return id, nil
}

// EnqueueTx adds an operation using ex, typically the transaction that
// performs the matching local write. The caller should call Signal after
// committing.
func (q *SyncQueue) EnqueueTx(ctx context.Context, ex Execer, entityType models.EntityType, entityID models.UUID, op models.Operation, payload json.RawMessage) (models.QueueID, error) {
	if entityType == "" || entityID == "" {
		return 0, apperrors.New(apperrors.ErrInvalid, "queue item needs an entity type and id")
	}
	if !op.Valid() {
		return 0, apperrors.Newf(apperrors.ErrInvalid, "unknown operation %q", op)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return 0, apperrors.New(apperrors.ErrInvalid, "queue payload is not valid JSON")
	}

	if q.maxSize > 0 {
		var n int
		if err := ex.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_queue").Scan(&n); err != nil {
			return 0, apperrors.Wrap(apperrors.ErrDatabase, "count queue", err)
		}
		if n >= q.maxSize {
			return 0, apperrors.Newf(apperrors.ErrInvalid, "queue is full (max size: %d)", q.maxSize)
		}
	}

	var id models.QueueID
	err := ex.QueryRowContext(ctx, `
		INSERT INTO sync_queue (entity_type, entity_id, operation, payload, created_at, retry_count, last_error, max_retries)
		VALUES (?, ?, ?, ?, ?, 0, '', ?)
		RETURNING id`,
		string(entityType), entityID, string(op), string(payload), q.now().UnixMilli(), q.maxRetries,
	).Scan(&id)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "enqueue operation", err)
	}

	logging.Debug("Enqueued sync operation", map[string]interface{}{
		"queue_id":    id,
		"entity_type": entityType,
		"entity_id":   entityID,
		"operation":   op,
	})
	return id, nil
}

// Signal wakes Notify readers.
func (q *SyncQueue) Signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

const itemColumns = "id, entity_type, entity_id, operation, payload, created_at, retry_count, last_error, max_retries"

// GetPendingOperations returns up to limit items in FIFO order, skipping
// items whose retry budget is spent.
func (q *SyncQueue) GetPendingOperations(ctx context.Context, limit int) ([]*models.SyncQueueItem, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+itemColumns+" FROM sync_queue WHERE retry_count < max_retries ORDER BY id LIMIT ?", limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "read pending operations", err)
	}
	return scanItems(rows)
}

// List returns every queued item in FIFO order, exhausted ones included.
func (q *SyncQueue) List(ctx context.Context) ([]*models.SyncQueueItem, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT "+itemColumns+" FROM sync_queue ORDER BY id")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list queue", err)
	}
	return scanItems(rows)
}

// Get returns one item.
func (q *SyncQueue) Get(ctx context.Context, id models.QueueID) (*models.SyncQueueItem, error) {
	return getItem(ctx, q.db, id)
}

// GetTx is Get inside a caller-owned transaction.
func (q *SyncQueue) GetTx(ctx context.Context, ex Execer, id models.QueueID) (*models.SyncQueueItem, error) {
	return getItem(ctx, ex, id)
}

func getItem(ctx context.Context, ex Execer, id models.QueueID) (*models.SyncQueueItem, error) {
	rows, err := ex.QueryContext(ctx, "SELECT "+itemColumns+" FROM sync_queue WHERE id = ?", id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "read queue item", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "queue item %d not found", id)
	}
	return items[0], nil
}

// HasPendingTx reports whether any queued item targets the entity.
func (q *SyncQueue) HasPendingTx(ctx context.Context, ex Execer, entityType models.EntityType, entityID models.UUID) (bool, error) {
	var n int
	err := ex.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sync_queue WHERE entity_type = ? AND entity_id = ?",
		string(entityType), entityID).Scan(&n)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "check pending operations", err)
	}
	return n > 0, nil
}

// MarkAsSynced removes an acknowledged item. Removing an absent item is
// not an error.
func (q *SyncQueue) MarkAsSynced(ctx context.Context, id models.QueueID) error {
	return q.MarkAsSyncedTx(ctx, q.db, id)
}

// MarkAsSyncedTx is MarkAsSynced inside a caller-owned transaction.
func (q *SyncQueue) MarkAsSyncedTx(ctx context.Context, ex Execer, id models.QueueID) error {
	if _, err := ex.ExecContext(ctx, "DELETE FROM sync_queue WHERE id = ?", id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "remove synced operation", err)
	}
	return nil
}

// MarkAsFailed records a failed delivery attempt. The item stays queued;
// exhausted reports whether its retry budget is now spent.
func (q *SyncQueue) MarkAsFailed(ctx context.Context, id models.QueueID, cause error) (exhausted bool, err error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var retryCount, maxRetries int
	err = q.db.QueryRowContext(ctx, `
		UPDATE sync_queue SET retry_count = retry_count + 1, last_error = ?
		WHERE id = ?
		RETURNING retry_count, max_retries`, msg, id).Scan(&retryCount, &maxRetries)
	if errors.Is(err, sql.ErrNoRows) {
		return false, apperrors.Newf(apperrors.ErrNotFound, "queue item %d not found", id)
	}
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "mark operation failed", err)
	}

	logging.Info("Sync operation failed", map[string]interface{}{
		"queue_id":    id,
		"retry_count": retryCount,
		"max_retries": maxRetries,
		"error":       msg,
	})
	return retryCount >= maxRetries, nil
}

// RemoveFailedOperation dead-letters an item: it is copied to
// sync_dead_letters and removed from the queue in one transaction.
func (q *SyncQueue) RemoveFailedOperation(ctx context.Context, id models.QueueID) (*models.DeadLetter, error) {
	var dl *models.DeadLetter
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		item, err := getItem(ctx, tx, id)
		if err != nil {
			return err
		}
		dl = &models.DeadLetter{
			QueueID:    item.ID,
			EntityType: item.EntityType,
			EntityID:   item.EntityID,
			Operation:  item.Operation,
			Payload:    item.Payload,
			RetryCount: item.RetryCount,
			LastError:  item.LastError,
			CreatedAt:  item.CreatedAt,
			DeadAt:     q.now().UnixMilli(),
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sync_dead_letters (queue_id, entity_type, entity_id, operation, payload, retry_count, last_error, created_at, dead_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			dl.QueueID, string(dl.EntityType), dl.EntityID, string(dl.Operation), string(dl.Payload),
			dl.RetryCount, dl.LastError, dl.CreatedAt, dl.DeadAt)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "write dead letter", err)
		}
		return q.MarkAsSyncedTx(ctx, tx, id)
	})
	if err != nil {
		return nil, err
	}

	logging.Warn("Sync operation dead-lettered after exhausting retries", map[string]interface{}{
		"queue_id":    dl.QueueID,
		"entity_type": dl.EntityType,
		"entity_id":   dl.EntityID,
		"operation":   dl.Operation,
		"retry_count": dl.RetryCount,
		"last_error":  dl.LastError,
	})
	return dl, nil
}

// SweepExhausted dead-letters every item whose budget is already spent,
// e.g. after a crash between MarkAsFailed and RemoveFailedOperation.
func (q *SyncQueue) SweepExhausted(ctx context.Context) ([]*models.DeadLetter, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+itemColumns+" FROM sync_queue WHERE retry_count >= max_retries ORDER BY id")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "read exhausted operations", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}

	var out []*models.DeadLetter
	for _, item := range items {
		dl, err := q.RemoveFailedOperation(ctx, item.ID)
		if err != nil {
			return out, err
		}
		out = append(out, dl)
	}
	return out, nil
}

// ListDeadLetters returns dead-lettered items, most recent first.
func (q *SyncQueue) ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT queue_id, entity_type, entity_id, operation, payload, retry_count, last_error, created_at, dead_at
		FROM sync_dead_letters ORDER BY dead_at DESC, queue_id DESC`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list dead letters", err)
	}
	defer rows.Close()

	var out []*models.DeadLetter
	for rows.Next() {
		var (
			dl         models.DeadLetter
			entityType string
			op         string
			payload    string
		)
		if err := rows.Scan(&dl.QueueID, &entityType, &dl.EntityID, &op, &payload,
			&dl.RetryCount, &dl.LastError, &dl.CreatedAt, &dl.DeadAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan dead letter", err)
		}
		dl.EntityType = models.EntityType(entityType)
		dl.Operation = models.Operation(op)
		dl.Payload = json.RawMessage(payload)
		out = append(out, &dl)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "iterate dead letters", err)
	}
	return out, nil
}

// Requeue moves a dead letter back to the tail of the queue with a fresh
// retry budget and returns its new QueueID.
func (q *SyncQueue) Requeue(ctx context.Context, deadID models.QueueID) (models.QueueID, error) {
	var newID models.QueueID
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			entityType string
			entityID   models.UUID
			op         string
			payload    string
		)
		err := tx.QueryRowContext(ctx,
			"SELECT entity_type, entity_id, operation, payload FROM sync_dead_letters WHERE queue_id = ?", deadID).
			Scan(&entityType, &entityID, &op, &payload)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.Newf(apperrors.ErrNotFound, "dead letter %d not found", deadID)
		}
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "read dead letter", err)
		}
		newID, err = q.EnqueueTx(ctx, tx, models.EntityType(entityType), entityID, models.Operation(op), json.RawMessage(payload))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM sync_dead_letters WHERE queue_id = ?", deadID); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "remove dead letter", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	q.Signal()
	return newID, nil
}

// Size returns the number of items in the queue.
func (q *SyncQueue) Size(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_queue").Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "count queue", err)
	}
	return n, nil
}

// GetStats returns queue statistics.
func (q *SyncQueue) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN retry_count = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN retry_count > 0 AND retry_count < max_retries THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN retry_count >= max_retries THEN 1 ELSE 0 END), 0)
		FROM sync_queue`).Scan(&s.Total, &s.Pending, &s.Failed, &s.Exhausted)
	if err != nil {
		return Stats{}, apperrors.Wrap(apperrors.ErrDatabase, "read queue stats", err)
	}
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_dead_letters").Scan(&s.DeadLetters); err != nil {
		return Stats{}, apperrors.Wrap(apperrors.ErrDatabase, "count dead letters", err)
	}
	return s, nil
}

// RetryAll resets the retry counters of every failed item.
func (q *SyncQueue) RetryAll(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, "UPDATE sync_queue SET retry_count = 0, last_error = '' WHERE retry_count > 0")
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "reset retries", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Info("Reset failed sync operations for retry", map[string]interface{}{"count": n})
		q.Signal()
	}
	return int(n), nil
}

// Clear removes all items from the queue. Dead letters are kept.
func (q *SyncQueue) Clear(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, "DELETE FROM sync_queue"); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "clear queue", err)
	}
	logging.Info("Sync queue cleared")
	return nil
}

func scanItems(rows *sql.Rows) ([]*models.SyncQueueItem, error) {
	defer rows.Close()

	var items []*models.SyncQueueItem
	for rows.Next() {
		var (
			item       models.SyncQueueItem
			entityType string
			op         string
			payload    string
		)
		if err := rows.Scan(&item.ID, &entityType, &item.EntityID, &op, &payload,
			&item.CreatedAt, &item.RetryCount, &item.LastError, &item.MaxRetries); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan queue item", err)
		}
		item.EntityType = models.EntityType(entityType)
		item.Operation = models.Operation(op)
		item.Payload = json.RawMessage(payload)
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "iterate queue", err)
	}
	return items, nil
}
