// Package lock provides the advisory edit lock shared by every device that
// opens the store.
//
// The lock only gates fieldbook's own edit entry points; it does not stop a
// client that ignores it from writing to the store. Stale locks are never
// swept: a caller that finds an expired lock releases it before retrying
// Acquire (see Manager.Enter).
//
// Two backends implement Locker:
//
//   - FileLocker keeps a marker file on the shared medium whose content is
//     "<holder> at <timestamp>".
//   - LeaseLocker keeps a lease row with a fencing token in the primary store.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultTimeout is the age after which a lock counts as stale.
const DefaultTimeout = 300 * time.Second

var (
	// ErrNotOwner is returned when a session releases a lock it does not own.
	ErrNotOwner = errors.New("session does not own the lock")
	// ErrNotHeld is returned by Renew when this process no longer holds the lease.
	ErrNotHeld = errors.New("lease not held")
)

// Info describes the current lock holder.
type Info struct {
	Holder     string
	AcquiredAt time.Time
	// Token is the fencing token of a lease; zero for marker files.
	Token int64
	// Raw is the user-facing description, the marker text for file locks.
	Raw string
}

// key identifies one acquisition of the lock.
func (i *Info) key() string {
	return fmt.Sprintf("%d/%s", i.Token, i.Raw)
}

// Locker is an advisory mutual-exclusion primitive.
type Locker interface {
	// Acquire records holder as the owner. It returns false without error
	// when any lock, expired or not, already exists.
	Acquire(ctx context.Context, holder string) (bool, error)
	// Release removes the lock unconditionally. Releasing a free lock is a
	// no-op.
	Release(ctx context.Context) error
	// IsLocked reports whether a lock exists.
	IsLocked(ctx context.Context) (bool, error)
	// Info returns the current holder, or nil when the lock is free.
	Info(ctx context.Context) (*Info, error)
	// IsExpired reports whether the lock's age is strictly greater than
	// timeout. A free lock is never expired.
	IsExpired(ctx context.Context, timeout time.Duration) (bool, error)
}

// Option configures a Locker.
type Option func(*options)

type options struct {
	now func() time.Time
	ttl time.Duration
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithTTL sets the lease duration written by LeaseLocker.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, ttl: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// markerSep separates holder and timestamp in marker text.
const markerSep = " at "

// markerLayout is RFC3339 with microseconds, so two markers written by the
// same holder within one second still differ.
const markerLayout = "2006-01-02T15:04:05.000000Z07:00"

// Layouts accepted for marker timestamps. Older clients wrote a naive local
// time with microseconds.
var legacyLayouts = []string{
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

func formatMarker(holder string, t time.Time) string {
	return holder + markerSep + t.Format(markerLayout)
}

// parseMarker splits marker text into holder and timestamp. ok is false
// when the timestamp cannot be parsed.
func parseMarker(raw string) (holder string, at time.Time, ok bool) {
	raw = strings.TrimSpace(raw)
	i := strings.LastIndex(raw, markerSep)
	if i < 0 {
		return raw, time.Time{}, false
	}
	holder, stamp := raw[:i], raw[i+len(markerSep):]

	if t, err := time.Parse(time.RFC3339, stamp); err == nil {
		return holder, t, true
	}
	for _, layout := range legacyLayouts {
		if t, err := time.ParseInLocation(layout, stamp, time.Local); err == nil {
			return holder, t, true
		}
	}
	return holder, time.Time{}, false
}
