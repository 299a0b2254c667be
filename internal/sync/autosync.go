package sync

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	gosync "sync"
	"time"

	"github.com/fieldbook/fieldbook/internal/store"
)

// AutoSyncConfig holds configuration for AutoSync.
type AutoSyncConfig struct {
	// Debounce is how long a folder must stay quiet before it is
	// reconciled.
	Debounce time.Duration
	Logger   *slog.Logger
	// OnReport is called after every pass that changed records.
	OnReport func(*Report)
	Now      func() time.Time
}

// DefaultAutoSyncConfig returns sensible defaults.
func DefaultAutoSyncConfig() *AutoSyncConfig {
	return &AutoSyncConfig{
		Debounce: 2 * time.Second,
		Logger:   slog.Default(),
		Now:      time.Now,
	}
}

// AutoSync reconciles the owning scope of a top-level folder once changes
// below it settle.
type AutoSync struct {
	reconciler *Reconciler
	watcher    *Watcher
	config     *AutoSyncConfig

	queueMu gosync.Mutex
	queue   map[string]time.Time // folder -> last change
}

// NewAutoSync wires a watcher to a reconciler.
func NewAutoSync(r *Reconciler, w *Watcher, config *AutoSyncConfig) *AutoSync {
	if config == nil {
		config = DefaultAutoSyncConfig()
	}
	if config.Debounce <= 0 {
		config.Debounce = 2 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &AutoSync{
		reconciler: r,
		watcher:    w,
		config:     config,
		queue:      make(map[string]time.Time),
	}
}

// Run watches the upload root until ctx is cancelled.
func (a *AutoSync) Run(ctx context.Context) error {
	if err := a.watcher.Start(a.reconciler.UploadRoot()); err != nil {
		return err
	}
	defer a.watcher.Stop()

	log := a.config.Logger
	log.Info("watching upload folder", "root", a.reconciler.UploadRoot(), "debounce", a.config.Debounce)

	ticker := time.NewTicker(a.config.Debounce)
	defer ticker.Stop()

	events := a.watcher.Events()
	errs := a.watcher.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			log.Debug("upload folder changed", "path", ev.Path, "op", ev.Op)
			a.Queue(ev.Folder)

		case err, ok := <-errs:
			if !ok {
				return nil
			}
			log.Warn("watcher error", "error", err)

		case <-ticker.C:
			a.ProcessPending(ctx)
		}
	}
}

// Queue marks folder as changed now.
func (a *AutoSync) Queue(folder string) {
	a.queueMu.Lock()
	defer a.queueMu.Unlock()
	a.queue[folder] = a.config.Now()
}

// Pending returns the queued folders in name order.
func (a *AutoSync) Pending() []string {
	a.queueMu.Lock()
	defer a.queueMu.Unlock()
	out := make([]string, 0, len(a.queue))
	for f := range a.queue {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// ProcessPending reconciles every folder that has been quiet for at least
// the debounce interval and returns how many were processed.
func (a *AutoSync) ProcessPending(ctx context.Context) int {
	now := a.config.Now()

	a.queueMu.Lock()
	var due []string
	for folder, queuedAt := range a.queue {
		if now.Sub(queuedAt) < a.config.Debounce {
			continue
		}
		due = append(due, folder)
		delete(a.queue, folder)
	}
	a.queueMu.Unlock()
	sort.Strings(due)

	log := a.config.Logger
	for _, folder := range due {
		report, err := a.reconciler.ReconcileFolder(ctx, folder)
		switch {
		case errors.Is(err, store.ErrReadOnly):
			log.Debug("store is read-only, not reconciling", "folder", folder)
		case err != nil:
			log.Error("failed to reconcile changed folder", "folder", folder, "error", err)
		case report == nil:
			log.Debug("no customer owns folder", "folder", folder)
		case report.Changed() && a.config.OnReport != nil:
			a.config.OnReport(report)
		}
	}
	return len(due)
}
