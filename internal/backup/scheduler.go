// Package backup creates timestamped snapshots of the primary store in a
// shared and a local destination.
//
// A snapshot is taken once per calendar day, on the first qualifying request
// (BackupIfNeeded), and on demand (CreateSnapshot). Each snapshot is first
// made consistent with SQLite's VACUUM INTO, then written to each
// destination through a temporary file and a rename. The two destinations
// are independent: a failed write to one never removes the other.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/fieldbook/fieldbook/internal/metrics"
	"github.com/fieldbook/fieldbook/internal/store"
	"github.com/fieldbook/fieldbook/internal/task"
)

// ErrSharedUnavailable is returned when the shared destination is missing.
var ErrSharedUnavailable = errors.New("shared backup folder not accessible")

// Destination names.
const (
	Shared = "shared"
	Local  = "local"
)

// Recorder receives change log lines.
type Recorder interface {
	Record(action, target string) error
}

// Config holds configuration for the scheduler.
type Config struct {
	DatabasePath string
	SharedDir    string
	LocalDir     string
	Prefix       string
	Ext          string

	// WriteAttempts bounds the tries per destination write.
	WriteAttempts uint
	// RetryInterval is the first delay between write attempts.
	RetryInterval time.Duration

	Logger    *slog.Logger
	ChangeLog Recorder
	Now       func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Prefix:        "account_team",
		Ext:           "db",
		WriteAttempts: 3,
		RetryInterval: 200 * time.Millisecond,
		Logger:        slog.Default(),
		Now:           time.Now,
	}
}

// Snapshot describes one snapshot attempt.
type Snapshot struct {
	Name       string
	Time       time.Time
	Size       int
	SharedPath string
	LocalPath  string
	SharedErr  error
	LocalErr   error
}

// Times holds the newest snapshot time found in each destination.
type Times struct {
	Shared *time.Time `json:"shared" yaml:"shared"`
	Local  *time.Time `json:"local" yaml:"local"`
}

// Scheduler creates snapshots. It is safe for concurrent use.
type Scheduler struct {
	config     *Config
	supervisor *task.Supervisor

	mu       sync.Mutex
	issued   map[string]int
	dailyDay string
}

// New creates a scheduler. supervisor runs the daily snapshot task.
func New(config *Config, supervisor *task.Supervisor) (*Scheduler, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DatabasePath == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if config.SharedDir == "" || config.LocalDir == "" {
		return nil, fmt.Errorf("backup destinations cannot be empty")
	}
	if supervisor == nil {
		return nil, fmt.Errorf("supervisor cannot be nil")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.WriteAttempts == 0 {
		config.WriteAttempts = 1
	}
	return &Scheduler{config: config, supervisor: supervisor, issued: make(map[string]int)}, nil
}

// BackupIfNeeded starts a snapshot in the background unless the shared
// destination already holds one for today. It never blocks on the snapshot
// and never fails: problems are logged. It reports whether a snapshot was
// started.
//
// Once a daily snapshot has been started in this process no second one is
// started the same day, unless the first one failed.
func (s *Scheduler) BackupIfNeeded() bool {
	log := s.config.Logger
	today := s.config.Now().Format(DayLayout)

	if info, err := os.Stat(s.config.SharedDir); err != nil || !info.IsDir() {
		log.Warn("backup skipped, shared backup folder not accessible", "dir", s.config.SharedDir)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dailyDay == today {
		return false
	}

	found, err := hasDay(s.config.SharedDir, s.config.Prefix, s.config.Ext, today)
	if err != nil {
		log.Warn("failed to check for daily backup", "error", err)
		return false
	}
	s.dailyDay = today
	if found {
		log.Debug("daily backup already exists")
		return false
	}

	log.Info("no backup found for today, starting one")
	s.supervisor.Go("daily-backup", func(ctx context.Context) error {
		snap, err := s.CreateSnapshot(ctx)
		if snap == nil || snap.SharedErr != nil {
			s.mu.Lock()
			if s.dailyDay == today {
				s.dailyDay = ""
			}
			s.mu.Unlock()
		}
		return err
	})
	return true
}

// CreateSnapshot writes a new snapshot to both destinations and waits for
// it. The returned Snapshot is non-nil whenever a consistent copy was made;
// the error then aggregates the failed destination writes.
func (s *Scheduler) CreateSnapshot(ctx context.Context) (*Snapshot, error) {
	start := time.Now()
	defer func() { metrics.BackupDuration.Observe(time.Since(start).Seconds()) }()

	log := s.config.Logger
	at, name := s.nextName()

	data, err := s.consistentCopy(ctx, name)
	if err != nil {
		log.Error("backup failed", "error", err)
		return nil, err
	}

	snap := &Snapshot{
		Name:       name,
		Time:       at,
		Size:       len(data),
		SharedPath: filepath.Join(s.config.SharedDir, name),
		LocalPath:  filepath.Join(s.config.LocalDir, name),
	}

	var result *multierror.Error
	snap.SharedErr = s.write(ctx, Shared, s.config.SharedDir, name, data)
	if snap.SharedErr != nil {
		result = multierror.Append(result, snap.SharedErr)
	}
	snap.LocalErr = s.write(ctx, Local, s.config.LocalDir, name, data)
	if snap.LocalErr != nil {
		result = multierror.Append(result, snap.LocalErr)
	}

	if err := result.ErrorOrNil(); err != nil {
		log.Error("backup incomplete", "name", name, "error", err)
		return snap, err
	}

	log.Info("backup successful", "name", name, "bytes", len(data))
	if s.config.ChangeLog != nil {
		if err := s.config.ChangeLog.Record("Backup created", name); err != nil {
			log.Warn("failed to record backup in change log", "error", err)
		}
	}
	return snap, nil
}

// consistentCopy snapshots the primary store into a private temporary
// directory and returns the bytes.
func (s *Scheduler) consistentCopy(ctx context.Context, name string) ([]byte, error) {
	tmpDir, err := os.MkdirTemp("", "fieldbook-snapshot-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	tmp := filepath.Join(tmpDir, name)
	if err := store.SnapshotFile(ctx, s.config.DatabasePath, tmp); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(tmp)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return data, nil
}

// write stores data as dir/name via a temporary file and rename, retrying
// transient failures.
func (s *Scheduler) write(ctx context.Context, dest, dir, name string, data []byte) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.RetryInterval

	op := func() (struct{}, error) {
		return struct{}{}, writeFileAtomic(dir, name, data)
	}
	notify := func(err error, next time.Duration) {
		s.config.Logger.Warn("backup write failed, retrying", "destination", dest, "error", err, "retry_in", next)
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.config.WriteAttempts),
		backoff.WithNotify(notify),
	)
	metrics.BackupWriteTotal.WithLabelValues(dest, metrics.Status(err)).Inc()
	if err != nil {
		return fmt.Errorf("failed to write %s backup: %w", dest, err)
	}
	metrics.BackupLastSuccess.WithLabelValues(dest).SetToCurrentTime()
	return nil
}

func writeFileAtomic(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(dir, "."+name+"."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// nextName returns the current second and a snapshot name not yet handed
// out by this process. Repeats within one second get a sequence suffix;
// the timestamp itself always matches the capture time.
func (s *Scheduler) nextName() (time.Time, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.config.Now().Truncate(time.Second)
	stamp := t.Format(StampLayout)
	seq := s.issued[stamp]
	s.issued[stamp] = seq + 1
	return t, SnapshotName(s.config.Prefix, s.config.Ext, t, seq)
}

// LastBackupTimes returns the newest snapshot time in each destination.
// Missing or unreadable destinations yield nil.
func (s *Scheduler) LastBackupTimes() Times {
	return Times{
		Shared: s.latestTime(s.config.SharedDir),
		Local:  s.latestTime(s.config.LocalDir),
	}
}

func (s *Scheduler) latestTime(dir string) *time.Time {
	entries, err := List(dir, s.config.Prefix, s.config.Ext)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.config.Logger.Warn("failed to list backups", "dir", dir, "error", err)
		}
		return nil
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if !entries[i].Time.IsZero() {
			t := entries[i].Time
			return &t
		}
	}
	return nil
}

// List returns the snapshots in one destination (Shared or Local).
func (s *Scheduler) List(dest string) ([]Entry, error) {
	switch dest {
	case Shared:
		return List(s.config.SharedDir, s.config.Prefix, s.config.Ext)
	case Local:
		return List(s.config.LocalDir, s.config.Prefix, s.config.Ext)
	default:
		return nil, fmt.Errorf("unknown backup destination %q", dest)
	}
}

// LocalDir returns the local destination, where fallback snapshots live.
func (s *Scheduler) LocalDir() string { return s.config.LocalDir }
