package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldbook/fieldbook/internal/store"
)

// fakeClock is a settable wall clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newLeaseLocker(t *testing.T, opts ...Option) *LeaseLocker {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema())
	return NewLeaseLocker(db.RawDB(), DefaultLeaseName, opts...)
}

// backends returns one fresh locker per implementation.
func backends(t *testing.T) map[string]Locker {
	return map[string]Locker{
		"file":  NewFileLocker(filepath.Join(t.TempDir(), "db.lock")),
		"lease": newLeaseLocker(t),
	}
}

func TestLocker_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			locked, err := l.IsLocked(ctx)
			require.NoError(t, err)
			assert.False(t, locked)

			info, err := l.Info(ctx)
			require.NoError(t, err)
			assert.Nil(t, info)

			ok, err := l.Acquire(ctx, "alice")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = l.Acquire(ctx, "bob")
			require.NoError(t, err)
			assert.False(t, ok, "second acquire must fail while locked")

			info, err = l.Info(ctx)
			require.NoError(t, err)
			require.NotNil(t, info)
			assert.Equal(t, "alice", info.Holder)
			assert.Contains(t, info.Raw, "alice at ")

			require.NoError(t, l.Release(ctx))
			require.NoError(t, l.Release(ctx), "release must be idempotent")

			locked, err = l.IsLocked(ctx)
			require.NoError(t, err)
			assert.False(t, locked)
		})
	}
}

func TestLocker_ConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			const n = 8
			var wins atomic.Int32
			var wg sync.WaitGroup
			errs := make(chan error, n)

			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(idx int) {
					defer wg.Done()
					ok, err := l.Acquire(ctx, fmt.Sprintf("holder-%d", idx))
					if err != nil {
						errs <- err
						return
					}
					if ok {
						wins.Add(1)
					}
				}(i)
			}
			wg.Wait()
			close(errs)

			for err := range errs {
				require.NoError(t, err)
			}
			assert.Equal(t, int32(1), wins.Load(), "exactly one acquire should win")
		})
	}
}

func TestFileLocker_ExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	path := filepath.Join(t.TempDir(), "db.lock")
	l := NewFileLocker(path, WithClock(clock.Now))

	expired, err := l.IsExpired(ctx, DefaultTimeout)
	require.NoError(t, err)
	assert.False(t, expired, "free lock is never expired")

	ok, err := l.Acquire(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, os.Chtimes(path, base, base))

	clock.Set(base.Add(DefaultTimeout))
	expired, err = l.IsExpired(ctx, DefaultTimeout)
	require.NoError(t, err)
	assert.False(t, expired, "age equal to timeout is not expired")

	clock.Set(base.Add(DefaultTimeout + time.Second))
	expired, err = l.IsExpired(ctx, DefaultTimeout)
	require.NoError(t, err)
	assert.True(t, expired)
}

func TestFileLocker_StaleLockStillBlocksAcquire(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	path := filepath.Join(t.TempDir(), "db.lock")
	l := NewFileLocker(path, WithClock(clock.Now))

	ok, err := l.Acquire(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, os.Chtimes(path, base, base))

	clock.Set(base.Add(time.Hour))
	ok, err = l.Acquire(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, ok, "reclaiming a stale lock requires an explicit release")
}

func TestFileLocker_LegacyMarker(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db.lock")
	require.NoError(t, os.WriteFile(path, []byte("carol at 2024-05-01 09:30:15.123456"), 0o644))

	info, err := NewFileLocker(path).Info(ctx)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "carol", info.Holder)
	assert.True(t, info.AcquiredAt.Equal(time.Date(2024, 5, 1, 9, 30, 15, 123456000, time.Local)))
	assert.Equal(t, "carol at 2024-05-01 09:30:15.123456", info.Raw)
}

func TestFileLocker_UnparsableMarkerUsesModTime(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db.lock")
	require.NoError(t, os.WriteFile(path, []byte("someone"), 0o644))
	mtime := time.Date(2023, 8, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(path, mtime, mtime))

	info, err := NewFileLocker(path).Info(ctx)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "someone", info.Holder)
	assert.True(t, info.AcquiredAt.Equal(mtime))
}

func TestLeaseLocker_FencingTokenIncreases(t *testing.T) {
	ctx := context.Background()
	l := newLeaseLocker(t)

	var last int64
	for i := 0; i < 3; i++ {
		ok, err := l.Acquire(ctx, "alice")
		require.NoError(t, err)
		require.True(t, ok)

		info, err := l.Info(ctx)
		require.NoError(t, err)
		require.NotNil(t, info)
		assert.Greater(t, info.Token, last)
		last = info.Token

		require.NoError(t, l.Release(ctx))
	}
}

func TestLeaseLocker_ExpiryAndRenew(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	l := newLeaseLocker(t, WithClock(clock.Now), WithTTL(time.Minute))

	ok, err := l.Acquire(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)

	clock.Set(base.Add(time.Minute))
	expired, err := l.IsExpired(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, expired)

	require.NoError(t, l.Renew(ctx))
	clock.Set(base.Add(2*time.Minute + time.Nanosecond))
	expired, err = l.IsExpired(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, expired)

	require.NoError(t, l.Release(ctx))
	assert.ErrorIs(t, l.Renew(ctx), ErrNotHeld)
}

func TestManager_EnterExit(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewFileLocker(filepath.Join(t.TempDir(), "db.lock")), time.Minute, nil)

	d, err := m.Enter(ctx, "s1", "alice")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcquired, d.Outcome)
	assert.True(t, d.Granted())

	d, err = m.Enter(ctx, "s1", "alice")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReentered, d.Outcome)

	d, err = m.Enter(ctx, "s2", "bob")
	require.NoError(t, err)
	assert.Equal(t, OutcomeHeld, d.Outcome)
	assert.False(t, d.Granted())
	assert.Contains(t, d.Message(), "alice at ")

	released, err := m.Exit(ctx, "s2")
	require.NoError(t, err)
	assert.False(t, released, "non-owner exit must not release")

	released, err = m.Exit(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, released)

	st, err := m.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Locked)
}

func TestManager_ReclaimsStaleLock(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	path := filepath.Join(t.TempDir(), "db.lock")
	m := NewManager(NewFileLocker(path, WithClock(clock.Now)), DefaultTimeout, nil)

	_, err := m.Enter(ctx, "s1", "alice")
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(path, base, base))

	clock.Set(base.Add(DefaultTimeout + time.Second))
	d, err := m.Enter(ctx, "s2", "bob")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcquired, d.Outcome)
	assert.True(t, d.Reclaimed)
	require.NotNil(t, d.Info)
	assert.Equal(t, "bob", d.Info.Holder)

	// The first session's ownership died with its marker.
	assert.ErrorIs(t, m.Unlock(ctx, "s1"), ErrNotOwner)
	require.NoError(t, m.Unlock(ctx, "s2"))
}

// releasingLocker reports the lock as held, then lets its holder release
// it before the caller reads the holder.
type releasingLocker struct {
	*FileLocker
}

func (l releasingLocker) IsLocked(ctx context.Context) (bool, error) {
	locked, err := l.FileLocker.IsLocked(ctx)
	if err != nil || !locked {
		return locked, err
	}
	return true, l.FileLocker.Release(ctx)
}

func TestManager_EnterAfterConcurrentRelease(t *testing.T) {
	ctx := context.Background()
	fl := NewFileLocker(filepath.Join(t.TempDir(), "db.lock"))
	ok, err := fl.Acquire(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)

	m := NewManager(releasingLocker{fl}, time.Minute, nil)
	d, err := m.Enter(ctx, "s2", "bob")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcquired, d.Outcome)
	assert.True(t, d.Granted())
	assert.False(t, d.Reclaimed)
	require.NotNil(t, d.Info)
	assert.Equal(t, "bob", d.Info.Holder)

	info, err := fl.Info(ctx)
	require.NoError(t, err)
	require.NotNil(t, info, "marker must exist after a granted Enter")
	assert.Equal(t, "bob", info.Holder)
}

func TestManager_Break(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newLeaseLocker(t), time.Minute, nil)

	_, err := m.Enter(ctx, "s1", "alice")
	require.NoError(t, err)

	st, err := m.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Locked)
	assert.Equal(t, "alice", st.Holder)
	assert.Positive(t, st.Token)

	require.NoError(t, m.Break(ctx))
	assert.False(t, m.sessions.Has("s1"))
	assert.ErrorIs(t, m.Unlock(ctx, "s1"), ErrNotOwner)
}

func TestAcquireInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instance", "fb.lock")

	first, err := AcquireInstance(path)
	require.NoError(t, err)

	_, err = AcquireInstance(path)
	assert.ErrorIs(t, err, ErrInstanceRunning)

	require.NoError(t, first.Release())
	second, err := AcquireInstance(path)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}
