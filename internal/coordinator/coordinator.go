// Package coordinator wires the store, the edit lock, backups, the
// heartbeat and file reconciliation into the hooks the HTTP layer and the
// CLI call.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/fieldbook/fieldbook/internal/backup"
	"github.com/fieldbook/fieldbook/internal/config"
	"github.com/fieldbook/fieldbook/internal/connectivity"
	"github.com/fieldbook/fieldbook/internal/lock"
	"github.com/fieldbook/fieldbook/internal/logging"
	"github.com/fieldbook/fieldbook/internal/metrics"
	"github.com/fieldbook/fieldbook/internal/store"
	"github.com/fieldbook/fieldbook/internal/sync"
	"github.com/fieldbook/fieldbook/internal/task"
)

// ErrOffline is returned by operations that need the primary store while
// the process serves a read-only snapshot.
var ErrOffline = errors.New("offline: serving a read-only snapshot until restart")

// Option customizes a Coordinator.
type Option func(*options)

type options struct {
	now    func() time.Time
	holder string
	probe  func(ctx context.Context) error
	watch  *bool
}

// WithClock overrides the time source for locks, backups and events.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithHolder sets the name written into lock markers. It defaults to the
// OS user, then the device name.
func WithHolder(holder string) Option {
	return func(o *options) { o.holder = holder }
}

// WithProbe replaces the heartbeat liveness check.
func WithProbe(probe func(ctx context.Context) error) Option {
	return func(o *options) { o.probe = probe }
}

// WithWatch forces the upload watcher on or off regardless of config.
func WithWatch(on bool) Option {
	return func(o *options) { o.watch = &on }
}

// Coordinator owns every long-lived component of a running process.
type Coordinator struct {
	cfg    *config.Config
	logger *slog.Logger
	holder string

	selection  *connectivity.Selection
	changes    *logging.ChangeLog
	supervisor *task.Supervisor
	cancel     context.CancelFunc

	locks      *lock.Manager
	backups    *backup.Scheduler
	monitor    *connectivity.Monitor
	reconciler *sync.Reconciler
	indexer    *sync.Indexer
	scans      *sync.ScanCache
	autosync   *sync.AutoSync

	events *hub
}

// New selects the store and builds every component. The returned
// Coordinator must be closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.holder == "" {
		o.holder = currentHolder(cfg.DeviceName)
	}

	sel, err := connectivity.SelectStore(ctx, connectivity.Options{
		PrimaryPath: cfg.DatabasePath,
		BackupDir:   cfg.BackupLocalDir,
		Prefix:      cfg.BackupPrefix,
		Ext:         cfg.BackupExt,
		Attempts:    uint(cfg.StartupProbeAttempts),
		Logger:      logging.Component(logger, "connectivity"),
	})
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:       cfg,
		logger:    logger,
		holder:    o.holder,
		selection: sel,
		events:    newHub(o.now),
	}
	if err := c.build(ctx, o); err != nil {
		_ = sel.DB.Close()
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) build(ctx context.Context, o options) error {
	cfg := c.cfg
	db := c.selection.DB

	if !db.ReadOnly() {
		if err := db.InitSchemaContext(ctx); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	c.changes = logging.OpenChangeLog(cfg.ChangeLogFile, cfg.DeviceName, c.logger)

	// Background tasks outlive requests but not the coordinator.
	taskCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.supervisor = task.NewSupervisor(taskCtx, logging.Component(c.logger, "task"), 32)

	var locker lock.Locker
	switch cfg.LockBackend {
	case config.LockBackendLease:
		locker = lock.NewLeaseLocker(db.RawDB(), lock.DefaultLeaseName,
			lock.WithClock(o.now), lock.WithTTL(cfg.LockTimeout))
	default:
		locker = lock.NewFileLocker(cfg.LockFile, lock.WithClock(o.now))
	}
	c.locks = lock.NewManager(locker, cfg.LockTimeout, logging.Component(c.logger, "lock"))

	bcfg := backup.DefaultConfig()
	bcfg.DatabasePath = cfg.DatabasePath
	bcfg.SharedDir = cfg.BackupSharedDir
	bcfg.LocalDir = cfg.BackupLocalDir
	bcfg.Prefix = cfg.BackupPrefix
	bcfg.Ext = cfg.BackupExt
	bcfg.Logger = logging.Component(c.logger, "backup")
	bcfg.ChangeLog = c.changes
	bcfg.Now = o.now
	backups, err := backup.New(bcfg, c.supervisor)
	if err != nil {
		return err
	}
	c.backups = backups

	c.monitor = connectivity.NewMonitor(c.selection.Mode, &connectivity.MonitorConfig{
		PrimaryPath: cfg.DatabasePath,
		Interval:    cfg.HeartbeatInterval,
		Logger:      logging.Component(c.logger, "heartbeat"),
		Probe:       o.probe,
		Now:         o.now,
	})
	c.monitor.OnTransition(func(_, next connectivity.State) {
		c.events.publish(EventConnectivity, ConnectivityEvent{Reachable: next.Reachable, Error: next.LastError})
	})

	uploadRoot, err := filepath.Abs(cfg.UploadFolder)
	if err != nil {
		return fmt.Errorf("failed to resolve upload folder: %w", err)
	}
	if err := os.MkdirAll(uploadRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create upload folder: %w", err)
	}
	rcfg := sync.DefaultConfig()
	rcfg.UploadRoot = uploadRoot
	rcfg.SkipFolders = cfg.SkipFolders
	rcfg.Logger = logging.Component(c.logger, "sync")
	if c.reconciler, err = sync.NewReconciler(db, rcfg); err != nil {
		return err
	}

	discovery := cfg.DiscoveryRoot
	if discovery == "" {
		discovery = uploadRoot
	}
	c.indexer, err = sync.NewIndexer(db, &sync.IndexerConfig{
		Root:        discovery,
		SkipFolders: cfg.SkipFolders,
		Logger:      logging.Component(c.logger, "index"),
		Now:         o.now,
	})
	if err != nil {
		return err
	}
	c.scans = sync.NewScanCache(c.indexer)

	watch := cfg.WatchUploads
	if o.watch != nil {
		watch = *o.watch
	}
	if watch && !db.ReadOnly() {
		w, err := sync.NewWatcher(cfg.SkipFolders)
		if err != nil {
			return err
		}
		c.autosync = sync.NewAutoSync(c.reconciler, w, &sync.AutoSyncConfig{
			Debounce: cfg.WatchDebounce,
			Logger:   logging.Component(c.logger, "autosync"),
			OnReport: func(r *sync.Report) { c.publishReport(r) },
		})
	}
	return nil
}

// Run runs the heartbeat, task result forwarding and, when enabled, the
// upload watcher until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.monitor.Run(gctx) })
	g.Go(func() error { return c.forwardResults(gctx) })
	if c.autosync != nil {
		g.Go(func() error { return c.autosync.Run(gctx) })
	}
	return g.Wait()
}

func (c *Coordinator) forwardResults(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case res := <-c.supervisor.Results():
			metrics.TaskTotal.WithLabelValues(res.Name, metrics.Status(res.Err)).Inc()
			c.events.publish(EventTask, TaskEvent{Name: res.Name, Duration: res.Duration(), Error: errString(res.Err)})
		}
	}
}

// Close stops background tasks and releases the store.
func (c *Coordinator) Close() error {
	c.cancel()
	c.supervisor.Wait()

	var result *multierror.Error
	if err := c.changes.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.selection.DB.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Subscribe registers fn for every published event and returns a function
// that removes it. fn must not block.
func (c *Coordinator) Subscribe(fn func(Event)) func() {
	return c.events.subscribe(fn)
}

// Mode reports which store the process serves.
func (c *Coordinator) Mode() connectivity.Mode { return c.selection.Mode }

// Holder returns the name written into lock markers.
func (c *Coordinator) Holder() string { return c.holder }

// Config returns the resolved configuration.
func (c *Coordinator) Config() *config.Config { return c.cfg }

// Store returns the selected store.
func (c *Coordinator) Store() *store.DB { return c.selection.DB }

// Backups returns the backup scheduler.
func (c *Coordinator) Backups() *backup.Scheduler { return c.backups }

// Supervisor returns the background task supervisor.
func (c *Coordinator) Supervisor() *task.Supervisor { return c.supervisor }

// BeforeRequest runs before every handled request. Requests to a
// qualifying endpoint start the daily backup if none exists yet.
func (c *Coordinator) BeforeRequest(endpoint string) {
	if !c.cfg.IsBackupEndpoint(endpoint) {
		return
	}
	if c.selection.Mode != connectivity.Online {
		c.logger.Debug("offline, skipping daily backup check")
		return
	}
	c.backups.BackupIfNeeded()
}

// EnterEdit asks for the edit lock on behalf of session. Offline processes
// always refuse.
func (c *Coordinator) EnterEdit(ctx context.Context, session string) (lock.Decision, error) {
	if c.selection.Mode != connectivity.Online {
		metrics.LockEnterTotal.WithLabelValues("offline").Inc()
		return lock.Decision{}, ErrOffline
	}

	d, err := c.locks.Enter(ctx, session, c.holder)
	if err != nil {
		metrics.LockEnterTotal.WithLabelValues("error").Inc()
		return d, err
	}
	metrics.LockEnterTotal.WithLabelValues(string(d.Outcome)).Inc()
	if d.Reclaimed {
		metrics.LockReclaimTotal.Inc()
	}

	if d.Outcome == lock.OutcomeReentered {
		if r, ok := c.locks.Locker().(interface{ Renew(context.Context) error }); ok {
			if err := r.Renew(ctx); err != nil {
				c.logger.Warn("failed to renew edit lease", "error", err)
			}
		}
	}

	ev := LockEvent{Action: "enter", Outcome: string(d.Outcome), Reclaimed: d.Reclaimed}
	if d.Info != nil {
		ev.Holder = d.Info.Holder
	}
	c.events.publish(EventLock, ev)
	return d, nil
}

// ExitEdit releases the lock after an edit is submitted, if session owns
// it.
func (c *Coordinator) ExitEdit(ctx context.Context, session string) (bool, error) {
	released, err := c.locks.Exit(ctx, session)
	if err != nil {
		return false, err
	}
	if released {
		metrics.LockReleaseTotal.WithLabelValues("exit").Inc()
		c.events.publish(EventLock, LockEvent{Action: "exit", Holder: c.holder})
	}
	return released, nil
}

// Unlock is the explicit release path; it fails with lock.ErrNotOwner when
// session does not own the lock.
func (c *Coordinator) Unlock(ctx context.Context, session string) error {
	if err := c.locks.Unlock(ctx, session); err != nil {
		return err
	}
	metrics.LockReleaseTotal.WithLabelValues("unlock").Inc()
	c.events.publish(EventLock, LockEvent{Action: "unlock", Holder: c.holder})
	return nil
}

// BreakLock removes the lock regardless of owner.
func (c *Coordinator) BreakLock(ctx context.Context) error {
	st, err := c.locks.Status(ctx)
	if err != nil {
		return err
	}
	if err := c.locks.Break(ctx); err != nil {
		return err
	}
	metrics.LockReleaseTotal.WithLabelValues("break").Inc()
	if st.Locked {
		if err := c.changes.Record("Lock broken", st.Holder); err != nil {
			c.logger.Warn("failed to record lock break", "error", err)
		}
	}
	c.events.publish(EventLock, LockEvent{Action: "break", Holder: st.Holder})
	return nil
}

// ReleaseOwn releases a lock whose holder is this process's holder name,
// for a process that lost its session (a crashed tab, a one-shot command).
// It fails with lock.ErrNotOwner for anyone else's lock.
func (c *Coordinator) ReleaseOwn(ctx context.Context) error {
	st, err := c.locks.Status(ctx)
	if err != nil {
		return err
	}
	if !st.Locked {
		return nil
	}
	if st.Holder != c.holder {
		return lock.ErrNotOwner
	}
	if err := c.locks.Break(ctx); err != nil {
		return err
	}
	metrics.LockReleaseTotal.WithLabelValues("unlock").Inc()
	c.events.publish(EventLock, LockEvent{Action: "unlock", Holder: c.holder})
	return nil
}

// LockStatus reports the current edit lock.
func (c *Coordinator) LockStatus(ctx context.Context) (lock.Status, error) {
	return c.locks.Status(ctx)
}

// Attachments is a customer's document listing.
type Attachments struct {
	Customer store.Customer `json:"customer" yaml:"customer"`
	// Folder is the customer's folder name under the upload root.
	Folder string `json:"folder" yaml:"folder"`
	// Root holds documents attached to the root container.
	Root []store.Document `json:"root" yaml:"root"`
	// Divisions holds documents attached to direct children of the root.
	Divisions []store.Document `json:"divisions" yaml:"divisions"`
	Synced    bool             `json:"synced" yaml:"synced"`
	Report    *sync.Report     `json:"report,omitempty" yaml:"report,omitempty"`
}

// Attachments reconciles the customer's folder, then lists its documents.
// On a read-only store, or when reconciling fails, the stored records are
// listed as they are.
func (c *Coordinator) Attachments(ctx context.Context, customerID int64) (*Attachments, error) {
	db := c.selection.DB
	customer, err := db.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	out := &Attachments{Customer: *customer, Folder: sync.SanitizeFolderName(customer.Name)}

	report, err := c.reconciler.ReconcileCustomer(ctx, customerID)
	switch {
	case errors.Is(err, store.ErrReadOnly):
		c.logger.Debug("read-only store, listing attachments without reconciling", "customer_id", customerID)
	case err != nil:
		c.logger.Warn("failed to reconcile customer, listing stored records", "customer_id", customerID, "error", err)
	default:
		out.Synced = true
		out.Report = report
		if report.Changed() {
			c.publishReport(report)
		}
	}

	root, err := db.RootContainer(ctx, &customerID)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return out, nil
	}
	docs, err := db.DocumentsIn(ctx, root.ID)
	if err != nil {
		return nil, err
	}
	out.Root = visible(docs)

	children, err := db.ChildContainers(ctx, root.ID)
	if err != nil {
		return nil, err
	}
	if len(children) > 0 {
		ids := make([]int64, len(children))
		for i, ch := range children {
			ids[i] = ch.ID
		}
		docs, err := db.DocumentsIn(ctx, ids...)
		if err != nil {
			return nil, err
		}
		out.Divisions = visible(docs)
	}
	return out, nil
}

func visible(docs []store.Document) []store.Document {
	out := docs[:0]
	for _, d := range docs {
		if !strings.HasPrefix(path.Base(d.Path), ".") {
			out = append(out, d)
		}
	}
	return out
}

// SyncAll reconciles the General folder and every customer.
func (c *Coordinator) SyncAll(ctx context.Context) (*sync.Summary, error) {
	summary, err := c.reconciler.ReconcileAll(ctx)
	if err != nil {
		return summary, err
	}
	ev := SyncEvent{Scope: "all", Failed: len(summary.Failed)}
	for _, r := range summary.Reports {
		ev.Inserted += len(r.Inserted)
		ev.Deleted += len(r.Deleted)
		ev.Pruned += len(r.Pruned)
	}
	c.events.publish(EventSync, ev)
	return summary, nil
}

// SyncCustomer reconciles one customer's folder.
func (c *Coordinator) SyncCustomer(ctx context.Context, customerID int64) (*sync.Report, error) {
	report, err := c.reconciler.ReconcileCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	c.publishReport(report)
	return report, nil
}

func (c *Coordinator) publishReport(r *sync.Report) {
	c.events.publish(EventSync, SyncEvent{
		Scope:    r.Scope,
		Inserted: len(r.Inserted),
		Deleted:  len(r.Deleted),
		Pruned:   len(r.Pruned),
	})
}

// RebuildIndex rebuilds the discovery index.
func (c *Coordinator) RebuildIndex(ctx context.Context) (int, error) {
	n, err := c.indexer.Rebuild(ctx)
	if err != nil {
		return 0, err
	}
	c.events.publish(EventIndex, IndexEvent{Files: n})
	return n, nil
}

// NewFilesToday scans the discovery root now and refreshes the cached
// count.
func (c *Coordinator) NewFilesToday(ctx context.Context) ([]string, error) {
	return c.scans.Refresh(ctx)
}

// ManualBackup takes a snapshot now and waits for it.
func (c *Coordinator) ManualBackup(ctx context.Context) (*backup.Snapshot, error) {
	if c.selection.Mode != connectivity.Online {
		return nil, ErrOffline
	}
	snap, err := c.backups.CreateSnapshot(ctx)
	ev := BackupEvent{Manual: true, Error: errString(err)}
	if snap != nil {
		ev.Name = snap.Name
	}
	c.events.publish(EventBackup, ev)
	return snap, err
}

// ListBackups lists the snapshots in one destination (backup.Shared or
// backup.Local).
func (c *Coordinator) ListBackups(dest string) ([]backup.Entry, error) {
	return c.backups.List(dest)
}

// LastBackups returns the newest snapshot time per destination.
func (c *Coordinator) LastBackups() backup.Times {
	return c.backups.LastBackupTimes()
}

// Status is a point-in-time view of the process.
type Status struct {
	Device        string             `json:"device" yaml:"device"`
	Holder        string             `json:"holder" yaml:"holder"`
	Mode          connectivity.Mode  `json:"mode" yaml:"mode"`
	StorePath     string             `json:"store_path" yaml:"store_path"`
	Heartbeat     connectivity.State `json:"heartbeat" yaml:"heartbeat"`
	Lock          lock.Status        `json:"lock" yaml:"lock"`
	Backups       backup.Times       `json:"backups" yaml:"backups"`
	NewFilesToday int                `json:"new_files_today" yaml:"new_files_today"`
	IndexedFiles  int                `json:"indexed_files" yaml:"indexed_files"`
	Watching      bool               `json:"watching" yaml:"watching"`
}

// Status gathers the current status. Lock and index errors are logged and
// leave their fields zero.
func (c *Coordinator) Status(ctx context.Context) *Status {
	st := &Status{
		Device:        c.cfg.DeviceName,
		Holder:        c.holder,
		Mode:          c.selection.Mode,
		StorePath:     c.selection.Path,
		Heartbeat:     c.monitor.State(),
		Backups:       c.backups.LastBackupTimes(),
		NewFilesToday: c.scans.Count(ctx),
		Watching:      c.autosync != nil,
	}
	if ls, err := c.locks.Status(ctx); err != nil {
		c.logger.Warn("failed to read lock status", "error", err)
	} else {
		st.Lock = ls
	}
	if n, err := c.selection.DB.FileIndexCount(ctx); err != nil {
		c.logger.Warn("failed to count file index", "error", err)
	} else {
		st.IndexedFiles = n
	}
	return st
}

// currentHolder returns the OS user name, falling back to device.
func currentHolder(device string) string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return device
}
