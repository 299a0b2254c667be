package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// Customer is an owning entity for documents.
type Customer struct {
	ID   int64  `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// Container is a folder-like grouping of documents. Root containers have no
// parent; the unscoped root also has no customer.
type Container struct {
	ID         int64  `json:"id" yaml:"id"`
	Name       string `json:"name" yaml:"name"`
	CustomerID *int64 `json:"customer_id,omitempty" yaml:"customer_id,omitempty"`
	ParentID   *int64 `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
}

// Document points at a file under the upload root. Path is slash-separated
// and relative to that root ("Acme_Inc/contracts/q1.pdf").
type Document struct {
	ID          int64     `json:"id" yaml:"id"`
	ContainerID int64     `json:"container_id" yaml:"container_id"`
	Path        string    `json:"path" yaml:"path"`
	DisplayName string    `json:"display_name" yaml:"display_name"`
	UploadedAt  time.Time `json:"uploaded_at" yaml:"uploaded_at"`
}

// FileIndexEntry is one row of the discovery index.
type FileIndexEntry struct {
	Filename     string    `json:"filename" yaml:"filename"`
	RelativePath string    `json:"relative_path" yaml:"relative_path"`
	ParentFolder string    `json:"parent_folder" yaml:"parent_folder"`
	LastIndexed  time.Time `json:"last_indexed" yaml:"last_indexed"`
}

// CreateCustomer inserts a customer row.
func (db *DB) CreateCustomer(ctx context.Context, name string) (*Customer, error) {
	if db.readOnly {
		return nil, ErrReadOnly
	}
	res, err := db.conn.ExecContext(ctx, `INSERT INTO customer (name) VALUES (?)`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create customer %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read customer id: %w", err)
	}
	return &Customer{ID: id, Name: name}, nil
}

// GetCustomer loads one customer.
func (db *DB) GetCustomer(ctx context.Context, id int64) (*Customer, error) {
	c := &Customer{}
	err := db.conn.QueryRowContext(ctx, `SELECT id, name FROM customer WHERE id = ?`, id).
		Scan(&c.ID, &c.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("customer %d: %w", id, ErrCustomerNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer %d: %w", id, err)
	}
	return c, nil
}

// ListCustomers returns all customers ordered by id.
func (db *DB) ListCustomers(ctx context.Context) ([]Customer, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, name FROM customer ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	defer rows.Close()

	var out []Customer
	for rows.Next() {
		var c Customer
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, fmt.Errorf("failed to scan customer: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RootContainer returns the root container of a customer, or of the
// unscoped bucket when customerID is nil. It returns nil, nil when none
// exists yet.
func (db *DB) RootContainer(ctx context.Context, customerID *int64) (*Container, error) {
	var row *sql.Row
	if customerID == nil {
		row = db.conn.QueryRowContext(ctx, `
			SELECT id, name, customer_id, parent_id FROM container
			WHERE customer_id IS NULL AND parent_id IS NULL AND name = ?
			ORDER BY id LIMIT 1`, GeneralContainerName)
	} else {
		row = db.conn.QueryRowContext(ctx, `
			SELECT id, name, customer_id, parent_id FROM container
			WHERE customer_id = ? AND parent_id IS NULL
			ORDER BY id LIMIT 1`, *customerID)
	}

	c, err := scanContainer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find root container: %w", err)
	}
	return c, nil
}

// EnsureRootContainer returns the root container for customerID (nil for
// the unscoped bucket), creating it named name when absent. The boolean
// reports whether it was created.
func (db *DB) EnsureRootContainer(ctx context.Context, customerID *int64, name string) (*Container, bool, error) {
	root, err := db.RootContainer(ctx, customerID)
	if err != nil {
		return nil, false, err
	}
	if root != nil {
		return root, false, nil
	}
	if db.readOnly {
		return nil, false, ErrReadOnly
	}
	if customerID == nil {
		name = GeneralContainerName
	}
	root, err = db.CreateContainer(ctx, name, customerID, nil)
	if err != nil {
		return nil, false, err
	}
	return root, true, nil
}

// CreateContainer inserts a container row.
func (db *DB) CreateContainer(ctx context.Context, name string, customerID, parentID *int64) (*Container, error) {
	if db.readOnly {
		return nil, ErrReadOnly
	}
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO container (name, customer_id, parent_id) VALUES (?, ?, ?)`,
		name, nullInt(customerID), nullInt(parentID))
	if err != nil {
		return nil, fmt.Errorf("failed to create container %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read container id: %w", err)
	}
	return &Container{ID: id, Name: name, CustomerID: customerID, ParentID: parentID}, nil
}

// ChildContainers returns the direct children of parentID.
func (db *DB) ChildContainers(ctx context.Context, parentID int64) ([]Container, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, name, customer_id, parent_id FROM container
		WHERE parent_id = ? ORDER BY id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list child containers of %d: %w", parentID, err)
	}
	defer rows.Close()

	var out []Container
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan container: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// SubtreeContainerIDs returns rootID and the ids of all its descendants.
func (db *DB) SubtreeContainerIDs(ctx context.Context, rootID int64) ([]int64, error) {
	rows, err := db.conn.QueryContext(ctx, `
		WITH RECURSIVE subtree(id) AS (
			SELECT ?
			UNION
			SELECT c.id FROM container c JOIN subtree s ON c.parent_id = s.id
		)
		SELECT id FROM subtree ORDER BY id`, rootID)
	if err != nil {
		return nil, fmt.Errorf("failed to walk containers under %d: %w", rootID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan container id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DocumentsIn returns the documents attached to any of containerIDs,
// ordered by id.
func (db *DB) DocumentsIn(ctx context.Context, containerIDs ...int64) ([]Document, error) {
	if len(containerIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(containerIDs)), ",")
	args := make([]interface{}, len(containerIDs))
	for i, id := range containerIDs {
		args[i] = id
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, container_id, path, display_name, uploaded_at FROM document
		WHERE container_id IN (`+placeholders+`) ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var d Document
		var uploaded string
		if err := rows.Scan(&d.ID, &d.ContainerID, &d.Path, &d.DisplayName, &uploaded); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		d.UploadedAt = parseTime(uploaded)
		out = append(out, d)
	}
	return out, rows.Err()
}

// AddDocument attaches one document to a container.
func (db *DB) AddDocument(ctx context.Context, containerID int64, relPath string) (*Document, error) {
	if db.readOnly {
		return nil, ErrReadOnly
	}
	now := time.Now().UTC().Truncate(time.Second)
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO document (container_id, path, display_name, uploaded_at)
		VALUES (?, ?, ?, ?)`, containerID, relPath, path.Base(relPath), timeToString(now))
	if err != nil {
		return nil, fmt.Errorf("failed to add document %s: %w", relPath, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read document id: %w", err)
	}
	return &Document{
		ID:          id,
		ContainerID: containerID,
		Path:        relPath,
		DisplayName: path.Base(relPath),
		UploadedAt:  now,
	}, nil
}

// ApplyDocumentDiff deletes the documents in deleteIDs and inserts one
// document per path in insertPaths under containerID, in one transaction.
func (db *DB) ApplyDocumentDiff(ctx context.Context, containerID int64, deleteIDs []int64, insertPaths []string) error {
	if db.readOnly {
		return ErrReadOnly
	}
	if len(deleteIDs) == 0 && len(insertPaths) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range deleteIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM document WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete document %d: %w", id, err)
		}
	}

	now := timeToString(time.Now())
	for _, p := range insertPaths {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO document (container_id, path, display_name, uploaded_at)
			VALUES (?, ?, ?, ?)`, containerID, p, path.Base(p), now)
		if err != nil {
			return fmt.Errorf("failed to insert document %s: %w", p, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ReplaceFileIndex swaps the whole discovery index for entries.
func (db *DB) ReplaceFileIndex(ctx context.Context, entries []FileIndexEntry) error {
	if db.readOnly {
		return ErrReadOnly
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM file_index`); err != nil {
		return fmt.Errorf("failed to clear file index: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO file_index (filename, relative_path, parent_folder, last_indexed)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(relative_path) DO UPDATE SET last_indexed = excluded.last_indexed`)
	if err != nil {
		return fmt.Errorf("failed to prepare file index insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Filename, e.RelativePath, e.ParentFolder, timeToString(e.LastIndexed)); err != nil {
			return fmt.Errorf("failed to index %s: %w", e.RelativePath, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FileIndexCount returns the number of indexed files.
func (db *DB) FileIndexCount(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_index`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count file index: %w", err)
	}
	return n, nil
}

// SearchFileIndex returns indexed entries whose filename contains term.
func (db *DB) SearchFileIndex(ctx context.Context, term string, limit int) ([]FileIndexEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT filename, relative_path, parent_folder, last_indexed FROM file_index
		WHERE filename LIKE ? ORDER BY relative_path LIMIT ?`, "%"+term+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search file index: %w", err)
	}
	defer rows.Close()

	var out []FileIndexEntry
	for rows.Next() {
		var e FileIndexEntry
		var ts string
		if err := rows.Scan(&e.Filename, &e.RelativePath, &e.ParentFolder, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan file index: %w", err)
		}
		e.LastIndexed = parseTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanContainer(s rowScanner) (*Container, error) {
	var c Container
	var customer, parent sql.NullInt64
	if err := s.Scan(&c.ID, &c.Name, &customer, &parent); err != nil {
		return nil, err
	}
	if customer.Valid {
		v := customer.Int64
		c.CustomerID = &v
	}
	if parent.Valid {
		v := parent.Int64
		c.ParentID = &v
	}
	return &c, nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
