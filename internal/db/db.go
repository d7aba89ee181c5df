// Package db provides database connection management and operations.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	apperrors "github.com/kimhsiao/capturesync/internal/errors"
)

// Dialect identifies the SQL flavour behind a DB.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ClientDBFile is the file name of the on-device store inside the data dir.
const ClientDBFile = "capture.db"

// sqlitePragmas are applied on every new connection.
// _txlock=immediate makes BEGIN take the write lock up front, so two
// pushes touching the same record serialize instead of failing late.
const sqlitePragmas = "_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"

// DB wraps the sql.DB with its dialect.
type DB struct {
	*sql.DB
	dialect Dialect
}

// Open opens the client SQLite database in dataDir.
// The database is opened with:
// - WAL mode for concurrent reads/writes
// - Foreign key constraints enabled
// - Immediate write locks on BEGIN
func Open(dataDir string) (*DB, error) {
	// Ensure data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenSQLite(filepath.Join(dataDir, ClientDBFile))
}

// OpenSQLite opens a SQLite database file with capturesync configuration.
func OpenSQLite(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := "file:" + path + sep + sqlitePragmas

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &DB{DB: db, dialect: DialectSQLite}, nil
}

// OpenPostgres opens a Postgres database through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string) (*DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &DB{DB: db, dialect: DialectPostgres}, nil
}

// OpenDriver opens a server database by driver name, as found in the
// database section of the configuration.
func OpenDriver(ctx context.Context, driver, dsn string) (*DB, error) {
	switch Dialect(driver) {
	case DialectSQLite:
		return OpenSQLite(dsn)
	case DialectPostgres:
		return OpenPostgres(ctx, dsn)
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

// Dialect returns the SQL dialect of db.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// Rebind rewrites ? placeholders into the dialect's bind syntax.
// Quoted literals are left untouched.
func (db *DB) Rebind(query string) string {
	return Rebind(db.dialect, query)
}

// Rebind rewrites ? placeholders for dialect d.
func Rebind(d Dialect, query string) string {
	if d != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// BeginTx starts a transaction at the isolation level the dialect needs
// for read-check-write sequences.
func (db *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	var opts *sql.TxOptions
	if db.dialect == DialectPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	tx, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "begin transaction", err)
	}
	return tx, nil
}

// WithTx runs fn in a transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "commit transaction", err)
	}
	return nil
}
