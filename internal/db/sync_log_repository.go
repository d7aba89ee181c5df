package db

import (
	"context"

	apperrors "github.com/kimhsiao/capturesync/internal/errors"
	"github.com/kimhsiao/capturesync/internal/models"
)

// =====================================================
// SyncLog Operations
// =====================================================

// AppendSyncLog appends one pull or push run.
func (r *Repository) AppendSyncLog(ctx context.Context, log *models.SyncLog) error {
	stmt, err := r.PrepareStmt(ctx, `
		INSERT INTO sync_logs (user_id, sync_type, started_at, completed_at, duration_ms,
			records_synced, status, error_message, conflicts_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	if err != nil {
		return err
	}
	err = stmt.QueryRowContext(ctx,
		log.UserID, string(log.SyncType), log.StartedAt, log.CompletedAt, log.DurationMs,
		log.RecordsSynced, string(log.Status), log.ErrorMessage, log.ConflictsCount,
	).Scan(&log.ID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "append sync log", err)
	}
	return nil
}

// ListSyncLogs returns the user's most recent runs, newest first.
func (r *Repository) ListSyncLogs(ctx context.Context, userID string, limit int) ([]*models.SyncLog, error) {
	stmt, err := r.PrepareStmt(ctx, `
		SELECT id, user_id, sync_type, started_at, completed_at, duration_ms,
			records_synced, status, error_message, conflicts_count
		FROM sync_logs
		WHERE user_id = ?
		ORDER BY id DESC
		LIMIT ?`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, userID, normalizeLimit(limit))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list sync logs", err)
	}
	defer rows.Close()

	var logs []*models.SyncLog
	for rows.Next() {
		var (
			l        models.SyncLog
			syncType string
			status   string
		)
		if err := rows.Scan(&l.ID, &l.UserID, &syncType, &l.StartedAt, &l.CompletedAt, &l.DurationMs,
			&l.RecordsSynced, &status, &l.ErrorMessage, &l.ConflictsCount); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan sync log", err)
		}
		l.SyncType = models.SyncType(syncType)
		l.Status = models.SyncLogStatus(status)
		logs = append(logs, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "iterate sync logs", err)
	}
	return logs, nil
}

// =====================================================
// ConflictLog Operations
// =====================================================

func insertConflictLog(ctx context.Context, q querier, d Dialect, log *models.ConflictLog) error {
	err := q.QueryRowContext(ctx, Rebind(d, `
		INSERT INTO conflict_logs (user_id, entity_type, record_id, server_timestamp,
			client_timestamp, resolution, winner, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		log.UserID, string(log.EntityType), log.RecordID, log.ServerTimestamp,
		log.ClientTimestamp, log.Resolution, log.Winner, log.DetectedAt,
	).Scan(&log.ID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "create conflict log", err)
	}
	return nil
}

// ListConflictLogs returns the user's most recent conflicts, newest first.
func (r *Repository) ListConflictLogs(ctx context.Context, userID string, limit int) ([]*models.ConflictLog, error) {
	stmt, err := r.PrepareStmt(ctx, `
		SELECT id, user_id, entity_type, record_id, server_timestamp, client_timestamp,
			resolution, winner, detected_at
		FROM conflict_logs
		WHERE user_id = ?
		ORDER BY id DESC
		LIMIT ?`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, userID, normalizeLimit(limit))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list conflict logs", err)
	}
	defer rows.Close()

	var logs []*models.ConflictLog
	for rows.Next() {
		var (
			l          models.ConflictLog
			entityType string
		)
		if err := rows.Scan(&l.ID, &l.UserID, &entityType, &l.RecordID, &l.ServerTimestamp,
			&l.ClientTimestamp, &l.Resolution, &l.Winner, &l.DetectedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan conflict log", err)
		}
		l.EntityType = models.EntityType(entityType)
		logs = append(logs, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "iterate conflict logs", err)
	}
	return logs, nil
}
