package backup

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldbook/fieldbook/internal/logging"
	"github.com/fieldbook/fieldbook/internal/store"
	"github.com/fieldbook/fieldbook/internal/task"
)

type fixture struct {
	sched      *Scheduler
	supervisor *task.Supervisor
	shared     string
	local      string
	changes    *bytes.Buffer
}

func newFixture(t *testing.T, now func() time.Time) *fixture {
	t.Helper()
	dir := t.TempDir()

	dbPath := filepath.Join(dir, "primary.db")
	db, err := store.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	_, err = db.CreateCustomer(context.Background(), "Acme")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	shared := filepath.Join(dir, "APP backup")
	require.NoError(t, os.MkdirAll(shared, 0o755))
	local := filepath.Join(dir, "instance", "backup")

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	sup := task.NewSupervisor(context.Background(), logger, 16)
	changes := &bytes.Buffer{}

	cfg := DefaultConfig()
	cfg.DatabasePath = dbPath
	cfg.SharedDir = shared
	cfg.LocalDir = local
	cfg.WriteAttempts = 1
	cfg.Logger = logger
	cfg.ChangeLog = logging.NewChangeLog(changes, "test-device")
	if now != nil {
		cfg.Now = now
	}

	sched, err := New(cfg, sup)
	require.NoError(t, err)
	return &fixture{sched: sched, supervisor: sup, shared: shared, local: local, changes: changes}
}

func countSnapshots(t *testing.T, dir string) int {
	t.Helper()
	entries, err := List(dir, "account_team", "db")
	if errors.Is(err, fs.ErrNotExist) {
		return 0
	}
	require.NoError(t, err)
	return len(entries)
}

func TestSnapshotName(t *testing.T) {
	at := time.Date(2024, 1, 3, 12, 0, 5, 0, time.Local)
	name := SnapshotName("account_team", "db", at, 0)
	assert.Equal(t, "account_team_20240103_120005.db", name)

	parsed, ok := ParseSnapshotName(name, "account_team", "db")
	require.True(t, ok)
	assert.True(t, parsed.Equal(at))

	again := SnapshotName("account_team", "db", at, 1)
	assert.Equal(t, "account_team_20240103_120005_01.db", again)
	parsed, ok = ParseSnapshotName(again, "account_team", "db")
	require.True(t, ok)
	assert.True(t, parsed.Equal(at))

	next := SnapshotName("account_team", "db", at.Add(time.Second), 0)
	assert.Less(t, name, again)
	assert.Less(t, again, next)

	_, ok = ParseSnapshotName("account_team_20240103_120005_x1.db", "account_team", "db")
	assert.False(t, ok)

	_, ok = ParseSnapshotName("other_20240103_120005.db", "account_team", "db")
	assert.False(t, ok)
}

func TestLatestSnapshot_PicksLexicallyGreatest(t *testing.T) {
	dir := t.TempDir()
	for _, stamp := range []string{"20240101_0900", "20240103_1200", "20240102_0600"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "account_team_"+stamp+".db"), nil, 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))

	latest, err := LatestSnapshot(dir, "account_team", "db")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "account_team_20240103_1200.db"), latest)
}

func TestLatestSnapshot_MissingDir(t *testing.T) {
	latest, err := LatestSnapshot(filepath.Join(t.TempDir(), "absent"), "account_team", "db")
	require.NoError(t, err)
	assert.Empty(t, latest)
}

func TestCreateSnapshot_WritesBothDestinations(t *testing.T) {
	f := newFixture(t, nil)

	snap, err := f.sched.CreateSnapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)

	shared, err := os.ReadFile(snap.SharedPath)
	require.NoError(t, err)
	local, err := os.ReadFile(snap.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, shared, local)
	assert.Equal(t, snap.Size, len(shared))

	// The snapshot is a usable store.
	db, err := store.OpenReadOnly(snap.LocalPath)
	require.NoError(t, err)
	defer db.Close()
	customers, err := db.ListCustomers(context.Background())
	require.NoError(t, err)
	assert.Len(t, customers, 1)

	assert.Contains(t, f.changes.String(), "[test-device] Backup created → "+snap.Name)
}

func TestCreateSnapshot_ManualRunsAreDistinct(t *testing.T) {
	fixed := time.Date(2024, 1, 3, 12, 0, 0, 0, time.Local)
	f := newFixture(t, func() time.Time { return fixed })

	const n = 3
	for i := 0; i < n; i++ {
		_, err := f.sched.CreateSnapshot(context.Background())
		require.NoError(t, err)
	}
	// A daily check afterwards does not add to or interfere with manual runs.
	assert.False(t, f.sched.BackupIfNeeded())
	f.supervisor.Wait()

	assert.Equal(t, n, countSnapshots(t, f.shared))
	assert.Equal(t, n, countSnapshots(t, f.local))
}

func TestCreateSnapshot_LastSecondOfDayKeepsItsDate(t *testing.T) {
	now := time.Date(2024, 1, 3, 23, 59, 59, 0, time.Local)
	f := newFixture(t, func() time.Time { return now })

	first, err := f.sched.CreateSnapshot(context.Background())
	require.NoError(t, err)
	second, err := f.sched.CreateSnapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "account_team_20240103_235959.db", first.Name)
	assert.Equal(t, "account_team_20240103_235959_01.db", second.Name)
	assert.True(t, second.Time.Equal(now))

	// The next morning's daily backup still runs.
	now = time.Date(2024, 1, 4, 9, 0, 0, 0, time.Local)
	assert.True(t, f.sched.BackupIfNeeded())
	f.supervisor.Wait()
	assert.Equal(t, 3, countSnapshots(t, f.shared))

	latest, err := LatestSnapshot(f.local, "account_team", "db")
	require.NoError(t, err)
	assert.Equal(t, "account_team_20240104_090000.db", filepath.Base(latest))
}

func TestBackupIfNeeded_OncePerDay(t *testing.T) {
	fixed := time.Date(2024, 1, 3, 9, 30, 0, 0, time.Local)
	f := newFixture(t, func() time.Time { return fixed })

	assert.True(t, f.sched.BackupIfNeeded())
	assert.False(t, f.sched.BackupIfNeeded())
	f.supervisor.Wait()

	assert.Equal(t, 1, countSnapshots(t, f.shared))
	assert.Equal(t, 1, countSnapshots(t, f.local))

	res := <-f.supervisor.Results()
	assert.Equal(t, "daily-backup", res.Name)
	assert.NoError(t, res.Err)
}

func TestBackupIfNeeded_ExistingSnapshotForToday(t *testing.T) {
	fixed := time.Date(2024, 1, 3, 9, 30, 0, 0, time.Local)
	f := newFixture(t, func() time.Time { return fixed })
	require.NoError(t, os.WriteFile(filepath.Join(f.shared, "account_team_20240103_070000.db"), []byte("x"), 0o644))

	assert.False(t, f.sched.BackupIfNeeded())
	f.supervisor.Wait()
	assert.Equal(t, 1, countSnapshots(t, f.shared))
	assert.Equal(t, 0, countSnapshots(t, f.local))
}

func TestBackupIfNeeded_SharedUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, os.RemoveAll(f.shared))

	assert.False(t, f.sched.BackupIfNeeded())
	f.supervisor.Wait()
	assert.Equal(t, 0, countSnapshots(t, f.local))
}

func TestCreateSnapshot_PartialFailureKeepsOtherDestination(t *testing.T) {
	f := newFixture(t, nil)
	// Make the shared destination unusable: a file where the directory should be.
	require.NoError(t, os.RemoveAll(f.shared))
	require.NoError(t, os.WriteFile(f.shared, []byte("not a dir"), 0o644))

	snap, err := f.sched.CreateSnapshot(context.Background())
	require.Error(t, err)
	require.NotNil(t, snap)
	assert.Error(t, snap.SharedErr)
	assert.NoError(t, snap.LocalErr)

	_, statErr := os.Stat(snap.LocalPath)
	assert.NoError(t, statErr, "local snapshot must survive a failed shared write")
	assert.Empty(t, f.changes.String())
}

func TestLastBackupTimes(t *testing.T) {
	f := newFixture(t, nil)

	times := f.sched.LastBackupTimes()
	assert.Nil(t, times.Shared)
	assert.Nil(t, times.Local)

	require.NoError(t, os.WriteFile(filepath.Join(f.shared, "account_team_20240101_090000.db"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.shared, "account_team_20240102_180000.db"), nil, 0o644))

	times = f.sched.LastBackupTimes()
	require.NotNil(t, times.Shared)
	assert.True(t, times.Shared.Equal(time.Date(2024, 1, 2, 18, 0, 0, 0, time.Local)))
	assert.Nil(t, times.Local)
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.sched.CreateSnapshot(context.Background())
	require.NoError(t, err)

	for _, dir := range []string{f.shared, f.local} {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		for _, e := range entries {
			assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover %s", e.Name())
		}
	}
}
