package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLeaseName is the edit_lease row used for the edit lock.
const DefaultLeaseName = "edit"

// LeaseLocker is a Locker backed by a row in the primary store's edit_lease
// table. Every acquisition takes a strictly increasing fencing token from
// lease_token, and the holder may extend the lease with Renew.
//
// Timestamps are stored as RFC3339Nano UTC strings.
type LeaseLocker struct {
	db   *sql.DB
	name string
	ttl  time.Duration
	now  func() time.Time

	mu    sync.Mutex
	nonce string
}

var _ Locker = (*LeaseLocker)(nil)

// NewLeaseLocker returns a LeaseLocker on db for the lease called name. The
// store schema must already exist.
func NewLeaseLocker(db *sql.DB, name string, opts ...Option) *LeaseLocker {
	o := buildOptions(opts)
	if name == "" {
		name = DefaultLeaseName
	}
	return &LeaseLocker{db: db, name: name, ttl: o.ttl, now: o.now}
}

// Acquire implements Locker. The insert is the first statement of the
// transaction, so concurrent acquirers serialize on SQLite's write lock and
// at most one row is created.
func (l *LeaseLocker) Acquire(ctx context.Context, holder string) (bool, error) {
	now := l.now().UTC()
	nonce := uuid.NewString()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO edit_lease (name, holder, nonce, acquired_at, renewed_at, expires_at, token)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(name) DO NOTHING`,
		l.name, holder, nonce, stamp(now), stamp(now), stamp(now.Add(l.ttl)))
	if err != nil {
		return false, fmt.Errorf("failed to insert lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lease insert result: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	var token int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO lease_token (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value`, l.name).Scan(&token)
	if err != nil {
		return false, fmt.Errorf("failed to advance fencing token: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE edit_lease SET token = ? WHERE name = ?`, token, l.name); err != nil {
		return false, fmt.Errorf("failed to record fencing token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit lease: %w", err)
	}

	l.mu.Lock()
	l.nonce = nonce
	l.mu.Unlock()
	return true, nil
}

// Renew extends the lease held by this locker by its TTL.
func (l *LeaseLocker) Renew(ctx context.Context) error {
	l.mu.Lock()
	nonce := l.nonce
	l.mu.Unlock()
	if nonce == "" {
		return ErrNotHeld
	}

	now := l.now().UTC()
	res, err := l.db.ExecContext(ctx, `
		UPDATE edit_lease SET renewed_at = ?, expires_at = ?
		WHERE name = ? AND nonce = ?`,
		stamp(now), stamp(now.Add(l.ttl)), l.name, nonce)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Release implements Locker.
func (l *LeaseLocker) Release(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM edit_lease WHERE name = ?`, l.name); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	l.mu.Lock()
	l.nonce = ""
	l.mu.Unlock()
	return nil
}

// IsLocked implements Locker.
func (l *LeaseLocker) IsLocked(ctx context.Context) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM edit_lease WHERE name = ?`, l.name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query lease: %w", err)
	}
	return n > 0, nil
}

// Info implements Locker.
func (l *LeaseLocker) Info(ctx context.Context) (*Info, error) {
	row, err := l.load(ctx)
	if err != nil || row == nil {
		return nil, err
	}
	return &Info{
		Holder:     row.holder,
		AcquiredAt: row.acquiredAt,
		Token:      row.token,
		Raw:        formatMarker(row.holder, row.acquiredAt.Local()),
	}, nil
}

// IsExpired implements Locker. Age counts from the last renewal.
func (l *LeaseLocker) IsExpired(ctx context.Context, timeout time.Duration) (bool, error) {
	row, err := l.load(ctx)
	if err != nil || row == nil {
		return false, err
	}
	return l.now().Sub(row.renewedAt) > timeout, nil
}

type leaseRow struct {
	holder     string
	acquiredAt time.Time
	renewedAt  time.Time
	token      int64
}

func (l *LeaseLocker) load(ctx context.Context) (*leaseRow, error) {
	var r leaseRow
	var acquired, renewed string
	err := l.db.QueryRowContext(ctx, `
		SELECT holder, acquired_at, renewed_at, token FROM edit_lease WHERE name = ?`, l.name).
		Scan(&r.holder, &acquired, &renewed, &r.token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load lease: %w", err)
	}
	if r.acquiredAt, err = time.Parse(time.RFC3339Nano, acquired); err != nil {
		return nil, fmt.Errorf("failed to parse lease acquired_at %q: %w", acquired, err)
	}
	if r.renewedAt, err = time.Parse(time.RFC3339Nano, renewed); err != nil {
		return nil, fmt.Errorf("failed to parse lease renewed_at %q: %w", renewed, err)
	}
	return &r, nil
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
