// Package localstore is the on-device record store. Every local write is
// recorded in the sync queue within the same transaction, and server
// changes are applied together with queue acknowledgments and the pull
// checkpoint.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kimhsiao/capturesync/internal/db"
	apperrors "github.com/kimhsiao/capturesync/internal/errors"
	"github.com/kimhsiao/capturesync/internal/logging"
	"github.com/kimhsiao/capturesync/internal/models"
	"github.com/kimhsiao/capturesync/internal/sync/queue"
	"github.com/kimhsiao/capturesync/internal/uuid"
)

// DefaultDeviceID keys the checkpoint when no device id is configured.
const DefaultDeviceID = "local"

// Options configures a Store.
type Options struct {
	Registry *models.Registry
	DeviceID string
	Now      func() time.Time
}

// LocalRecord is a record as stored on the device.
type LocalRecord struct {
	Record *models.Record
	// SyncFailed is set once a change to the record was dead-lettered.
	SyncFailed bool
}

// ApplyResult summarizes CompleteSync.
type ApplyResult struct {
	Acknowledged int
	Applied      int
	// Skipped counts server changes held back because the entity still
	// has unsent local changes.
	Skipped int
	// Checkpoint is the value offered to the checkpoint. The stored
	// checkpoint never moves backwards.
	Checkpoint int64
}

// Store is the local record store.
type Store struct {
	db       *db.DB
	queue    *queue.SyncQueue
	registry *models.Registry
	deviceID string
	now      func() time.Time
}

// New creates a Store over a migrated client database.
func New(database *db.DB, q *queue.SyncQueue, opts Options) *Store {
	if opts.Registry == nil {
		opts.Registry = models.DefaultRegistry()
	}
	if opts.DeviceID == "" {
		opts.DeviceID = DefaultDeviceID
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		db:       database,
		queue:    q,
		registry: opts.Registry,
		deviceID: opts.DeviceID,
		now:      opts.Now,
	}
}

// Registry returns the entity types the store holds.
func (s *Store) Registry() *models.Registry {
	return s.registry
}

// Queue returns the store's sync queue.
func (s *Store) Queue() *queue.SyncQueue {
	return s.queue
}

// Create inserts a new record and queues it for upload.
func (s *Store) Create(ctx context.Context, entityType models.EntityType, fields map[string]interface{}) (*models.Record, error) {
	schema, err := s.registry.Lookup(entityType)
	if err != nil {
		return nil, err
	}

	now := s.now().UnixMilli()
	rec := &models.Record{
		ID:             models.UUID(uuid.New()),
		Fields:         fields,
		LastModifiedAt: now,
		Status:         models.StatusActive,
		CreatedAt:      now,
	}
	if rec.Fields == nil {
		rec.Fields = map[string]interface{}{}
	}
	if err := schema.Validate(rec); err != nil {
		return nil, err
	}

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := upsertRecord(ctx, tx, schema, rec); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, schema, rec, models.OperationCreate)
	})
	if err != nil {
		return nil, err
	}
	s.queue.Signal()
	return rec, nil
}

// Update merges patch into the record's fields and queues the new
// snapshot. A nil value removes the field.
func (s *Store) Update(ctx context.Context, entityType models.EntityType, id models.UUID, patch map[string]interface{}) (*models.Record, error) {
	schema, err := s.registry.Lookup(entityType)
	if err != nil {
		return nil, err
	}

	var rec *models.Record
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := getRecord(ctx, tx, schema, id)
		if err != nil {
			return err
		}
		if current.Record.IsDeleted() {
			return apperrors.Newf(apperrors.ErrNotFound, "%s %s is deleted", entityType, id)
		}

		rec = current.Record.Clone()
		for k, v := range patch {
			if v == nil {
				delete(rec.Fields, k)
				continue
			}
			rec.Fields[k] = v
		}
		rec.LastModifiedAt = s.nextModified(current.Record.LastModifiedAt)
		if err := schema.Validate(rec); err != nil {
			return err
		}
		if err := upsertRecord(ctx, tx, schema, rec); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, schema, rec, models.OperationUpdate)
	})
	if err != nil {
		return nil, err
	}
	s.queue.Signal()
	return rec, nil
}

// Delete marks the record deleted and queues the deletion.
func (s *Store) Delete(ctx context.Context, entityType models.EntityType, id models.UUID) error {
	schema, err := s.registry.Lookup(entityType)
	if err != nil {
		return err
	}

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := getRecord(ctx, tx, schema, id)
		if err != nil {
			return err
		}
		if current.Record.IsDeleted() {
			return nil
		}
		rec := current.Record
		rec.Status = models.StatusDeleted
		rec.LastModifiedAt = s.nextModified(rec.LastModifiedAt)
		if err := upsertRecord(ctx, tx, schema, rec); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, schema, rec, models.OperationDelete)
	})
	if err != nil {
		return err
	}
	s.queue.Signal()
	return nil
}

// nextModified keeps local timestamps increasing per record even if the
// device clock steps back.
func (s *Store) nextModified(previous int64) int64 {
	now := s.now().UnixMilli()
	if now <= previous {
		return previous + 1
	}
	return now
}

func (s *Store) enqueue(ctx context.Context, tx *sql.Tx, schema *models.EntitySchema, rec *models.Record, op models.Operation) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "encode queue payload", err)
	}
	_, err = s.queue.EnqueueTx(ctx, tx, schema.Type, rec.ID, op, payload)
	return err
}

// Get returns one record, deleted ones included.
func (s *Store) Get(ctx context.Context, entityType models.EntityType, id models.UUID) (*LocalRecord, error) {
	schema, err := s.registry.Lookup(entityType)
	if err != nil {
		return nil, err
	}
	return getRecord(ctx, s.db, schema, id)
}

// List returns the records of one type, oldest first.
func (s *Store) List(ctx context.Context, entityType models.EntityType, includeDeleted bool) ([]*LocalRecord, error) {
	schema, err := s.registry.Lookup(entityType)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s", localColumns, schema.Table)
	if !includeDeleted {
		query += " WHERE status = 'active'"
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list records", err)
	}
	defer rows.Close()

	var out []*LocalRecord
	for rows.Next() {
		lr, err := scanLocal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lr)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "iterate records", err)
	}
	return out, nil
}

// MarkSyncFailed flags a record whose change could not be delivered.
func (s *Store) MarkSyncFailed(ctx context.Context, entityType models.EntityType, id models.UUID) error {
	schema, err := s.registry.Lookup(entityType)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET sync_failed = 1 WHERE id = ?", schema.Table), id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "flag sync failure", err)
	}
	return nil
}

// GetCheckpoint returns the device's last pull timestamp, 0 if it never
// synced.
func (s *Store) GetCheckpoint(ctx context.Context) (int64, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx,
		"SELECT last_pulled_at FROM sync_checkpoint WHERE device_id = ?", s.deviceID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "read checkpoint", err)
	}
	return ts, nil
}

// SetCheckpoint advances the checkpoint. It never moves backwards.
func (s *Store) SetCheckpoint(ctx context.Context, ts int64) error {
	return s.setCheckpoint(ctx, s.db, ts)
}

func (s *Store) setCheckpoint(ctx context.Context, ex queue.Execer, ts int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO sync_checkpoint (device_id, last_pulled_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET
			last_pulled_at = MAX(sync_checkpoint.last_pulled_at, excluded.last_pulled_at),
			updated_at = excluded.updated_at`,
		s.deviceID, ts, s.now().UnixMilli())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "write checkpoint", err)
	}
	return nil
}

// ApplyPull applies a pull response and advances the checkpoint.
func (s *Store) ApplyPull(ctx context.Context, resp *models.SyncResponse) (ApplyResult, error) {
	return s.CompleteSync(ctx, nil, resp)
}

// CompleteSync finishes a successful round-trip in one transaction:
// acknowledged queue items are removed, server changes are applied and the
// checkpoint moves to resp.Timestamp. Server changes for entities that
// still have queued local changes are skipped. A skipped change from
// another device holds the checkpoint below its timestamp, so the queued
// change is pushed against the older checkpoint and the server detects the
// conflict.
func (s *Store) CompleteSync(ctx context.Context, acked []models.QueueID, resp *models.SyncResponse) (ApplyResult, error) {
	var result ApplyResult
	if resp == nil {
		return result, apperrors.New(apperrors.ErrInvalid, "sync response is empty")
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		result = ApplyResult{}
		// Entities this round-trip delivered. Their server copy already
		// reflects the push, so holding them back must not hold the
		// checkpoint.
		delivered := make(map[entityRef]bool, len(acked))
		for _, id := range acked {
			item, err := s.queue.GetTx(ctx, tx, id)
			switch {
			case apperrors.Is(err, apperrors.ErrNotFound):
			case err != nil:
				return err
			default:
				delivered[entityRef{item.EntityType, item.EntityID}] = true
			}
			if err := s.queue.MarkAsSyncedTx(ctx, tx, id); err != nil {
				return err
			}
			result.Acknowledged++
		}

		checkpoint := resp.Timestamp
		hold := func(ref entityRef, modifiedAt int64) {
			if delivered[ref] {
				return
			}
			if modifiedAt-1 < checkpoint {
				checkpoint = modifiedAt - 1
			}
		}

		for entityType, changes := range resp.Changes {
			schema, err := s.registry.Lookup(entityType)
			if err != nil {
				logging.Warn("Ignoring changes for unknown entity type", map[string]interface{}{
					"entity": entityType,
					"count":  changes.Len(),
				})
				continue
			}
			if len(changes.Invalid) > 0 {
				logging.Warn("Ignoring undecodable server changes", map[string]interface{}{
					"entity": entityType,
					"count":  len(changes.Invalid),
				})
			}

			for _, rec := range changes.Updated {
				if rec == nil {
					continue
				}
				applied, err := s.applyServerRecord(ctx, tx, schema, rec)
				if err != nil {
					return err
				}
				if applied {
					result.Applied++
					continue
				}
				result.Skipped++
				hold(entityRef{entityType, rec.ID}, rec.LastModifiedAt)
			}
			for _, id := range changes.Deleted {
				tombstone := &models.Record{
					ID:             id,
					Fields:         map[string]interface{}{},
					LastModifiedAt: resp.Timestamp,
					Status:         models.StatusDeleted,
					CreatedAt:      resp.Timestamp,
				}
				applied, err := s.applyServerRecord(ctx, tx, schema, tombstone)
				if err != nil {
					return err
				}
				if applied {
					result.Applied++
					continue
				}
				result.Skipped++
				// Deletions carry no timestamp; keep the current checkpoint.
				hold(entityRef{entityType, id}, 0)
			}
		}

		if checkpoint < 0 {
			checkpoint = 0
		}
		result.Checkpoint = checkpoint
		return s.setCheckpoint(ctx, tx, checkpoint)
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return result, nil
}

type entityRef struct {
	Type models.EntityType
	ID   models.UUID
}

func (s *Store) applyServerRecord(ctx context.Context, tx *sql.Tx, schema *models.EntitySchema, rec *models.Record) (bool, error) {
	pending, err := s.queue.HasPendingTx(ctx, tx, schema.Type, rec.ID)
	if err != nil {
		return false, err
	}
	if pending {
		return false, nil
	}
	if rec.IsDeleted() {
		// Keep the last known fields of a deleted record.
		res, err := tx.ExecContext(ctx, fmt.Sprintf(
			"UPDATE %s SET status = 'deleted', last_modified_at = ?, sync_failed = 0 WHERE id = ?", schema.Table),
			rec.LastModifiedAt, rec.ID)
		if err != nil {
			return false, apperrors.Wrap(apperrors.ErrDatabase, "apply server delete", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return true, nil
		}
	}
	if err := upsertRecord(ctx, tx, schema, rec); err != nil {
		return false, err
	}
	return true, nil
}

const localColumns = "id, data, last_modified_at, status, created_at, sync_failed"

// upsertRecord writes a record and clears its failure flag.
func upsertRecord(ctx context.Context, ex queue.Execer, schema *models.EntitySchema, rec *models.Record) error {
	data, err := rec.FieldsJSON()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "encode record", err)
	}
	createdAt := rec.CreatedAt
	if createdAt == 0 {
		createdAt = rec.LastModifiedAt
	}
	_, err = ex.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, data, last_modified_at, status, created_at, sync_failed)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT (id) DO UPDATE SET
			data = excluded.data,
			last_modified_at = excluded.last_modified_at,
			status = excluded.status,
			sync_failed = 0`, schema.Table),
		rec.ID, string(data), rec.LastModifiedAt, string(rec.Status), createdAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("write %s %s", schema.Type, rec.ID), err)
	}
	return nil
}

func getRecord(ctx context.Context, ex queue.Execer, schema *models.EntitySchema, id models.UUID) (*LocalRecord, error) {
	rows, err := ex.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", localColumns, schema.Table), id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "read record", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "read record", err)
		}
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", schema.Type, id)
	}
	return scanLocal(rows)
}

func scanLocal(rows *sql.Rows) (*LocalRecord, error) {
	var (
		rec    models.Record
		data   string
		status string
		failed int
	)
	if err := rows.Scan(&rec.ID, &data, &rec.LastModifiedAt, &status, &rec.CreatedAt, &failed); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan record", err)
	}
	rec.Status = models.RecordStatus(status)
	if err := rec.SetFieldsJSON([]byte(data)); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "decode record", err)
	}
	return &LocalRecord{Record: &rec, SyncFailed: failed != 0}, nil
}
