// Package db provides database schema migration management.
package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"time"

	"github.com/pressly/goose/v3"

	apperrors "github.com/kimhsiao/capturesync/internal/errors"
)

//go:embed migrations
var migrationFS embed.FS

// Schema selects which set of migrations a Migrator applies.
type Schema string

const (
	// SchemaClient is the on-device store: queue, checkpoint, dead letters
	// and the local entity tables.
	SchemaClient Schema = "client"
	// SchemaServer is the multi-user store: entity tables keyed by
	// (user_id, id), sync logs and conflict logs.
	SchemaServer Schema = "server"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int64
	AppliedAt   time.Time
	Description string
	Applied     bool
}

// Migrator handles database schema migrations.
type Migrator struct {
	provider *goose.Provider
}

// NewMigrator creates a Migrator for the given schema and db's dialect.
func NewMigrator(db *DB, schema Schema) (*Migrator, error) {
	var dialect goose.Dialect
	switch db.dialect {
	case DialectSQLite:
		dialect = goose.DialectSQLite3
	case DialectPostgres:
		dialect = goose.DialectPostgres
	default:
		return nil, fmt.Errorf("no migrations for dialect %q", db.dialect)
	}

	dir := path.Join("migrations", string(schema), string(db.dialect))
	fsys, err := fs.Sub(migrationFS, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open migrations %s: %w", dir, err)
	}
	if _, err := fs.Stat(fsys, "."); err != nil {
		return nil, fmt.Errorf("no %s migrations for dialect %q", schema, db.dialect)
	}

	provider, err := goose.NewProvider(dialect, db.DB, fsys)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMigration, "create migration provider", err)
	}
	return &Migrator{provider: provider}, nil
}

// Up applies all pending migrations and returns how many ran.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	results, err := m.provider.Up(ctx)
	if err != nil {
		return len(results), apperrors.Wrap(apperrors.ErrMigration, "apply migrations", err)
	}
	return len(results), nil
}

// Down rolls back the most recent migration.
func (m *Migrator) Down(ctx context.Context) error {
	if _, err := m.provider.Down(ctx); err != nil {
		if errors.Is(err, goose.ErrNoNextVersion) {
			return nil
		}
		return apperrors.Wrap(apperrors.ErrMigration, "roll back migration", err)
	}
	return nil
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion(ctx context.Context) (int64, error) {
	v, err := m.provider.GetDBVersion(ctx)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrMigration, "read schema version", err)
	}
	return v, nil
}

// Status returns every known migration in version order.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	statuses, err := m.provider.Status(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMigration, "read migration status", err)
	}
	out := make([]Migration, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, Migration{
			Version:     s.Source.Version,
			AppliedAt:   s.AppliedAt,
			Description: path.Base(s.Source.Path),
			Applied:     s.State == goose.StateApplied,
		})
	}
	return out, nil
}

// Migrate opens a Migrator for schema and applies all pending migrations.
func Migrate(ctx context.Context, db *DB, schema Schema) error {
	m, err := NewMigrator(db, schema)
	if err != nil {
		return err
	}
	_, err = m.Up(ctx)
	return err
}
