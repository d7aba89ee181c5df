// Package db provides repository operations for capturesync data models.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	apperrors "github.com/kimhsiao/capturesync/internal/errors"
	"github.com/kimhsiao/capturesync/internal/models"
)

// DefaultListLimit bounds log listings when the caller passes no limit.
const DefaultListLimit = 50

// querier is satisfied by *sql.DB, *sql.Tx and *sql.Stmt-backed wrappers.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Repository is the server-side store: synced records, sync logs and
// conflict logs. Every statement filters on user_id.
type Repository struct {
	db *DB

	// Prepared statement cache for queries run outside a transaction.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
// The query is rebound for the dialect before preparing.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	query = r.db.Rebind(query)
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "prepare statement", err)
	}

	// Another goroutine may have prepared the same query.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
// Should be called when the Repository is no longer needed.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// =====================================================
// Record Operations
// =====================================================

const recordColumns = "id, user_id, data, last_modified_at, status, created_at"

// GetRecord returns the user's record, or nil when absent.
func (r *Repository) GetRecord(ctx context.Context, schema *models.EntitySchema, userID string, id models.UUID) (*models.Record, error) {
	stmt, err := r.PrepareStmt(ctx, selectRecordQuery(schema))
	if err != nil {
		return nil, err
	}
	return scanRecord(stmt.QueryRowContext(ctx, userID, id))
}

// ChangedSince returns the user's records modified after since.
func (r *Repository) ChangedSince(ctx context.Context, schema *models.EntitySchema, userID string, since int64) ([]*models.Record, error) {
	stmt, err := r.PrepareStmt(ctx, changedSinceQuery(schema))
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, userID, since)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "query changes", err)
	}
	return scanRecords(rows)
}

// MaxLastModified returns the newest stamp stored for schema.
func (r *Repository) MaxLastModified(ctx context.Context, schema *models.EntitySchema) (int64, error) {
	stmt, err := r.PrepareStmt(ctx, "SELECT MAX(last_modified_at) FROM "+schema.Table)
	if err != nil {
		return 0, err
	}
	var max sql.NullInt64
	if err := stmt.QueryRowContext(ctx).Scan(&max); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "query max last_modified_at", err)
	}
	return max.Int64, nil
}

// InTx runs fn inside one transaction.
func (r *Repository) InTx(ctx context.Context, fn func(tx RecordTx) error) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		return fn(&recordTx{tx: tx, dialect: r.db.dialect})
	})
}

func selectRecordQuery(schema *models.EntitySchema) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE user_id = ? AND id = ?", recordColumns, schema.Table)
}

func changedSinceQuery(schema *models.EntitySchema) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE user_id = ? AND last_modified_at > ? ORDER BY last_modified_at, id",
		recordColumns, schema.Table)
}

// recordTx implements RecordTx on a *sql.Tx.
type recordTx struct {
	tx      *sql.Tx
	dialect Dialect
}

// GetRecord reads the row for update, so the conflict check and the write
// that follows it see the same version.
func (t *recordTx) GetRecord(ctx context.Context, schema *models.EntitySchema, userID string, id models.UUID) (*models.Record, error) {
	query := selectRecordQuery(schema)
	if t.dialect == DialectPostgres {
		query += " FOR UPDATE"
	}
	return scanRecord(t.tx.QueryRowContext(ctx, Rebind(t.dialect, query), userID, id))
}

func (t *recordTx) ChangedSince(ctx context.Context, schema *models.EntitySchema, userID string, since int64) ([]*models.Record, error) {
	rows, err := t.tx.QueryContext(ctx, Rebind(t.dialect, changedSinceQuery(schema)), userID, since)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "query changes", err)
	}
	return scanRecords(rows)
}

func (t *recordTx) InsertRecord(ctx context.Context, schema *models.EntitySchema, rec *models.Record) error {
	data, err := rec.FieldsJSON()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "encode record", err)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?)", schema.Table, recordColumns)
	_, err = t.tx.ExecContext(ctx, Rebind(t.dialect, query),
		rec.ID, rec.UserID, string(data), rec.LastModifiedAt, string(rec.Status), rec.CreatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("insert %s %s", schema.Type, rec.ID), err)
	}
	return nil
}

func (t *recordTx) UpdateRecord(ctx context.Context, schema *models.EntitySchema, rec *models.Record) error {
	data, err := rec.FieldsJSON()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "encode record", err)
	}
	query := fmt.Sprintf("UPDATE %s SET data = ?, last_modified_at = ?, status = ? WHERE user_id = ? AND id = ?", schema.Table)
	res, err := t.tx.ExecContext(ctx, Rebind(t.dialect, query),
		string(data), rec.LastModifiedAt, string(rec.Status), rec.UserID, rec.ID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("update %s %s", schema.Type, rec.ID), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "read affected rows", err)
	}
	if n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", schema.Type, rec.ID)
	}
	return nil
}

func (t *recordTx) CreateConflictLog(ctx context.Context, log *models.ConflictLog) error {
	return insertConflictLog(ctx, t.tx, t.dialect, log)
}

func scanRecord(row *sql.Row) (*models.Record, error) {
	var (
		rec    models.Record
		data   string
		status string
	)
	err := row.Scan(&rec.ID, &rec.UserID, &data, &rec.LastModifiedAt, &status, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan record", err)
	}
	rec.Status = models.RecordStatus(status)
	if err := rec.SetFieldsJSON([]byte(data)); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "decode record", err)
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*models.Record, error) {
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		var (
			rec    models.Record
			data   string
			status string
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &data, &rec.LastModifiedAt, &status, &rec.CreatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan record", err)
		}
		rec.Status = models.RecordStatus(status)
		if err := rec.SetFieldsJSON([]byte(data)); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "decode record", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "iterate records", err)
	}
	return records, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
