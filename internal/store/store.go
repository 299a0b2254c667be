// Package store provides the SQLite-backed record store used by fieldbook.
//
// The authoritative store lives on the shared medium (DATABASE_PATH) and is
// opened read-write. When the shared medium is unreachable at startup the
// coordinator opens the newest local snapshot instead, through OpenReadOnly;
// every mutating method on such a handle fails with ErrReadOnly.
//
// Architecture:
//   - customer: id, name
//   - container: hierarchical folders, one root per customer plus the
//     unscoped "General" root (customer_id NULL)
//   - document: relative paths under the upload root, owned by a container
//   - file_index: discovery index of the shared tree
//   - edit_lease / lease_token: lease lock backend and fencing counter
//
// The primary keeps SQLite's default rollback journal. WAL sidecar files do
// not survive file-sync clients that replicate the store between devices.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

var (
	// ErrReadOnly is returned by mutating methods on a fallback store.
	ErrReadOnly = errors.New("store is read-only")
	// ErrCustomerNotFound is returned when a customer id has no row.
	ErrCustomerNotFound = errors.New("customer not found")
)

// GeneralContainerName names the root container for unscoped documents.
const GeneralContainerName = "General"

// DB wraps a SQLite connection pool to one store file.
type DB struct {
	conn     *sql.DB
	path     string
	readOnly bool
}

// Open opens the store at path for reading and writing. The file is created
// if it does not exist, but its directory is not: a missing directory means
// the shared medium is not mounted and the open must fail.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	return open(path, false)
}

// OpenReadOnly opens an existing store file without write access.
func OpenReadOnly(path string) (*DB, error) {
	return open(path, true)
}

func open(path string, readOnly bool) (*DB, error) {
	dsn, err := dataSource(path, readOnly)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", path, err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{conn: conn, path: path, readOnly: readOnly}, nil
}

// dataSource builds a file: URI carrying the per-connection pragmas, so every
// pooled connection gets them rather than only the first.
func dataSource(path string, readOnly bool) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve database path: %w", err)
	}

	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	if readOnly {
		q.Set("mode", "ro")
	} else {
		q.Set("_txlock", "immediate")
	}

	u := url.URL{Path: filepath.ToSlash(abs)}
	return "file:" + u.EscapedPath() + "?" + q.Encode(), nil
}

// Path returns the file the store was opened from.
func (db *DB) Path() string { return db.path }

// ReadOnly reports whether the store is a read-only fallback.
func (db *DB) ReadOnly() bool { return db.readOnly }

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Ping runs a trivial query to verify the store is reachable.
func (db *DB) Ping(ctx context.Context) error {
	var one int
	if err := db.conn.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("failed to query %s: %w", db.path, err)
	}
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	if db.readOnly {
		return ErrReadOnly
	}

	schema := `
	CREATE TABLE IF NOT EXISTS customer (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS container (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		customer_id INTEGER REFERENCES customer(id) ON DELETE CASCADE,
		parent_id INTEGER REFERENCES container(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS document (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		container_id INTEGER NOT NULL REFERENCES container(id) ON DELETE CASCADE,
		path TEXT NOT NULL,
		display_name TEXT NOT NULL,
		uploaded_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS file_index (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		filename TEXT NOT NULL,
		relative_path TEXT NOT NULL UNIQUE,
		parent_folder TEXT NOT NULL,
		last_indexed TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS edit_lease (
		name TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		nonce TEXT NOT NULL,
		acquired_at TEXT NOT NULL,
		renewed_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		token INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS lease_token (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_container_customer ON container(customer_id, parent_id);
	CREATE INDEX IF NOT EXISTS idx_container_parent ON container(parent_id);
	CREATE INDEX IF NOT EXISTS idx_document_container ON document(container_id);
	CREATE INDEX IF NOT EXISTS idx_file_index_parent ON file_index(parent_folder);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// SnapshotFile writes a transactionally consistent copy of the store at src
// to dst using VACUUM INTO. The source is opened read-only and dst must not
// exist.
func SnapshotFile(ctx context.Context, src, dst string) error {
	db, err := OpenReadOnly(src)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.VacuumInto(ctx, dst)
}

// VacuumInto writes a compacted, consistent copy of this store to dst.
func (db *DB) VacuumInto(ctx context.Context, dst string) error {
	if _, err := db.conn.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return fmt.Errorf("failed to snapshot %s into %s: %w", db.path, dst, err)
	}
	return nil
}

func timeToString(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
