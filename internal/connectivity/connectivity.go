// Package connectivity picks the store a process serves for its lifetime
// and watches whether the primary store stays reachable.
//
// Selection happens once at startup: the primary store if it answers a
// liveness query, otherwise the newest local snapshot opened read-only. The
// heartbeat Monitor only observes afterwards. It never swaps the selected
// store; a process started offline keeps serving the snapshot until it is
// restarted.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fieldbook/fieldbook/internal/backup"
	"github.com/fieldbook/fieldbook/internal/metrics"
	"github.com/fieldbook/fieldbook/internal/store"
)

// ErrNoUsableStore is returned when neither the primary store nor any
// local snapshot can be opened.
var ErrNoUsableStore = errors.New("no usable store: primary unreachable and no local snapshot")

// Mode is the store a process is serving.
type Mode string

const (
	// Online means the process serves the primary store.
	Online Mode = "online"
	// Offline means the process serves a read-only snapshot.
	Offline Mode = "offline"
)

// Options configures SelectStore.
type Options struct {
	PrimaryPath string
	BackupDir   string
	Prefix      string
	Ext         string

	// Attempts bounds primary probes before falling back.
	Attempts uint
	// RetryInterval is the first delay between probes.
	RetryInterval time.Duration

	Logger *slog.Logger
}

// Selection is the result of SelectStore.
type Selection struct {
	DB   *store.DB
	Mode Mode
	// Path is the file actually opened.
	Path string
	// PrimaryErr is the last probe error when Mode is Offline.
	PrimaryErr error
}

// SelectStore opens the primary store, retrying with backoff, and falls
// back to the lexically greatest snapshot in BackupDir.
func SelectStore(ctx context.Context, opts Options) (*Selection, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Attempts == 0 {
		opts.Attempts = 1
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 250 * time.Millisecond
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.RetryInterval

	db, err := backoff.Retry(ctx, func() (*store.DB, error) {
		return OpenPrimary(ctx, opts.PrimaryPath)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(opts.Attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("primary store probe failed, retrying", "error", err, "retry_in", next)
		}),
	)
	if err == nil {
		log.Info("using primary store", "path", opts.PrimaryPath)
		metrics.StoreOnline.Set(1)
		metrics.PrimaryReachable.Set(1)
		return &Selection{DB: db, Mode: Online, Path: opts.PrimaryPath}, nil
	}
	primaryErr := err
	log.Warn("primary store unavailable, looking for a local snapshot", "error", primaryErr)

	latest, err := backup.LatestSnapshot(opts.BackupDir, opts.Prefix, opts.Ext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoUsableStore, err)
	}
	if latest == "" {
		return nil, fmt.Errorf("%w (primary: %v)", ErrNoUsableStore, primaryErr)
	}

	fallback, err := store.OpenReadOnly(latest)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %v", ErrNoUsableStore, latest, err)
	}

	log.Warn("offline mode, serving read-only snapshot", "path", latest)
	metrics.StoreOnline.Set(0)
	metrics.PrimaryReachable.Set(0)
	return &Selection{DB: fallback, Mode: Offline, Path: latest, PrimaryErr: primaryErr}, nil
}

// OpenPrimary opens the store at path and runs a liveness query.
func OpenPrimary(ctx context.Context, path string) (*store.DB, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
