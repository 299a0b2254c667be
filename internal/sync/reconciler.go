// Package sync reconciles document records with the files under the upload
// root.
//
// The filesystem is the source of truth. A pass for one scope (a customer or
// the unscoped General folder) walks the scope's folder, compares it with the
// documents attached to the scope's root container and all of its
// descendants, deletes records whose file is gone (and duplicate records for
// the same path), and attaches every unrecorded file to the root container.
// Record changes for one pass are applied in a single transaction.
//
// Reconciliation is resilient: a file that cannot be read is logged and
// skipped, and ReconcileAll keeps going when one customer fails.
package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	gosync "sync"

	"github.com/hashicorp/go-multierror"

	"github.com/fieldbook/fieldbook/internal/metrics"
	"github.com/fieldbook/fieldbook/internal/store"
)

// ErrNoFolderName is returned for a customer whose name sanitizes to "".
var ErrNoFolderName = errors.New("customer name has no usable folder name")

// Config holds configuration for the reconciler.
type Config struct {
	// UploadRoot holds one folder per customer plus the General folder.
	UploadRoot string
	// SkipFolders are directory names never descended into.
	SkipFolders []string
	// Prune removes empty subdirectories and system files after a pass.
	Prune  bool
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Prune:  true,
		Logger: slog.Default(),
	}
}

// Report describes one reconcile pass.
type Report struct {
	// Scope is the customer name, or "General".
	Scope      string   `json:"scope" yaml:"scope"`
	CustomerID *int64   `json:"customer_id,omitempty" yaml:"customer_id,omitempty"`
	Folder     string   `json:"folder" yaml:"folder"`
	RootID     int64    `json:"root_container_id" yaml:"root_container_id"`
	Inserted   []string `json:"inserted" yaml:"inserted"`
	Deleted    []string `json:"deleted" yaml:"deleted"`
	Pruned     []string `json:"pruned,omitempty" yaml:"pruned,omitempty"`
	// Skipped holds per-entry problems that did not stop the pass.
	Skipped *multierror.Error `json:"-" yaml:"-"`
}

// Changed reports whether the pass changed any record.
func (r *Report) Changed() bool {
	return len(r.Inserted) > 0 || len(r.Deleted) > 0
}

// Summary aggregates a ReconcileAll run.
type Summary struct {
	Reports []*Report
	// Failed maps a scope to the error that stopped its pass.
	Failed map[string]error
}

// Err returns the combined error of all failed scopes, or nil.
func (s *Summary) Err() error {
	var result *multierror.Error
	scopes := make([]string, 0, len(s.Failed))
	for scope := range s.Failed {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	for _, scope := range scopes {
		result = multierror.Append(result, fmt.Errorf("%s: %w", scope, s.Failed[scope]))
	}
	return result.ErrorOrNil()
}

// Reconciler brings document records in line with the upload root.
type Reconciler struct {
	db     *store.DB
	config *Config

	// passes serializes reconcile passes within the process.
	passes gosync.Mutex
}

// NewReconciler creates a reconciler over db.
func NewReconciler(db *store.DB, config *Config) (*Reconciler, error) {
	if db == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.UploadRoot == "" {
		return nil, fmt.Errorf("upload root cannot be empty")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Reconciler{db: db, config: config}, nil
}

// UploadRoot returns the configured upload root.
func (r *Reconciler) UploadRoot() string { return r.config.UploadRoot }

// ReconcileCustomer reconciles one customer's folder. The customer's root
// container is created on first use.
func (r *Reconciler) ReconcileCustomer(ctx context.Context, customerID int64) (*Report, error) {
	if r.db.ReadOnly() {
		return nil, store.ErrReadOnly
	}
	customer, err := r.db.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	return r.reconcileCustomer(ctx, customer, r.config.Prune, "customer")
}

// ReconcileGeneral reconciles the unscoped General folder.
func (r *Reconciler) ReconcileGeneral(ctx context.Context) (*Report, error) {
	if r.db.ReadOnly() {
		return nil, store.ErrReadOnly
	}
	return r.reconcile(ctx, store.GeneralContainerName, nil, store.GeneralContainerName, r.config.Prune, "general")
}

// ReconcileAll reconciles the General folder and every customer. A failing
// scope is recorded in the summary and the run continues.
func (r *Reconciler) ReconcileAll(ctx context.Context) (*Summary, error) {
	if r.db.ReadOnly() {
		return nil, store.ErrReadOnly
	}
	customers, err := r.db.ListCustomers(ctx)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Failed: make(map[string]error)}
	log := r.config.Logger

	report, err := r.reconcile(ctx, store.GeneralContainerName, nil, store.GeneralContainerName, r.config.Prune, "all")
	if err != nil {
		log.Error("failed to reconcile General folder", "error", err)
		summary.Failed[store.GeneralContainerName] = err
	} else {
		summary.Reports = append(summary.Reports, report)
	}

	for i := range customers {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		c := &customers[i]
		report, err := r.reconcileCustomer(ctx, c, r.config.Prune, "all")
		if err != nil {
			log.Error("failed to reconcile customer", "customer_id", c.ID, "name", c.Name, "error", err)
			summary.Failed[c.Name] = err
			continue
		}
		summary.Reports = append(summary.Reports, report)
	}

	log.Info("reconciled all folders", "scopes", len(summary.Reports), "failed", len(summary.Failed))
	return summary, nil
}

// ReconcileFolder reconciles the scope owning a top-level folder of the
// upload root: General, or the customer whose sanitized name matches. It
// returns nil, nil for a folder no scope owns. Passes started here never
// prune, so a folder someone just created is left alone.
func (r *Reconciler) ReconcileFolder(ctx context.Context, folder string) (*Report, error) {
	if r.db.ReadOnly() {
		return nil, store.ErrReadOnly
	}
	if folder == store.GeneralContainerName {
		return r.reconcile(ctx, store.GeneralContainerName, nil, store.GeneralContainerName, false, "watch")
	}

	customers, err := r.db.ListCustomers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range customers {
		if SanitizeFolderName(customers[i].Name) == folder {
			return r.reconcileCustomer(ctx, &customers[i], false, "watch")
		}
	}
	return nil, nil
}

func (r *Reconciler) reconcileCustomer(ctx context.Context, c *store.Customer, prune bool, scope string) (*Report, error) {
	folder := SanitizeFolderName(c.Name)
	if folder == "" {
		metrics.ReconcileTotal.WithLabelValues(scope, metrics.Status(ErrNoFolderName)).Inc()
		return nil, fmt.Errorf("customer %d: %w", c.ID, ErrNoFolderName)
	}
	id := c.ID
	return r.reconcile(ctx, c.Name, &id, folder, prune, scope)
}

func (r *Reconciler) reconcile(ctx context.Context, name string, customerID *int64, folder string, prune bool, scope string) (report *Report, err error) {
	defer func() { metrics.ReconcileTotal.WithLabelValues(scope, metrics.Status(err)).Inc() }()

	r.passes.Lock()
	defer r.passes.Unlock()

	log := r.config.Logger.With("scope", name)

	root, created, err := r.db.EnsureRootContainer(ctx, customerID, name)
	if err != nil {
		return nil, err
	}
	if created {
		log.Info("created root container", "container_id", root.ID)
	}

	dir := filepath.Join(r.config.UploadRoot, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create folder %s: %w", dir, err)
	}

	report = &Report{Scope: name, CustomerID: customerID, Folder: dir, RootID: root.ID}

	onDisk, err := r.walk(dir, report)
	if err != nil {
		return nil, err
	}

	ids, err := r.db.SubtreeContainerIDs(ctx, root.ID)
	if err != nil {
		return nil, err
	}
	docs, err := r.db.DocumentsIn(ctx, ids...)
	if err != nil {
		return nil, err
	}

	var deleteIDs []int64
	recorded := make(map[string]bool, len(docs))
	for _, d := range docs {
		if !onDisk[d.Path] || recorded[d.Path] {
			deleteIDs = append(deleteIDs, d.ID)
			report.Deleted = append(report.Deleted, d.Path)
			continue
		}
		recorded[d.Path] = true
	}
	for p := range onDisk {
		if !recorded[p] {
			report.Inserted = append(report.Inserted, p)
		}
	}
	sort.Strings(report.Inserted)

	if err := r.db.ApplyDocumentDiff(ctx, root.ID, deleteIDs, report.Inserted); err != nil {
		return nil, err
	}
	metrics.ReconcileChanges.WithLabelValues("inserted").Add(float64(len(report.Inserted)))
	metrics.ReconcileChanges.WithLabelValues("deleted").Add(float64(len(report.Deleted)))

	if prune {
		pruned, perr := Prune(dir)
		report.Pruned = pruned
		if perr != nil {
			report.Skipped = multierror.Append(report.Skipped, perr)
		}
		metrics.ReconcileChanges.WithLabelValues("pruned").Add(float64(len(pruned)))
	}

	if report.Changed() {
		log.Info("reconciled folder", "inserted", len(report.Inserted), "deleted", len(report.Deleted), "pruned", len(report.Pruned))
	} else {
		log.Debug("folder already in sync", "pruned", len(report.Pruned))
	}
	if skipped := report.Skipped.ErrorOrNil(); skipped != nil {
		log.Warn("some entries were skipped", "error", skipped)
	}
	return report, nil
}

// walk returns the set of document paths under dir, relative to the upload
// root and slash-separated. Unreadable entries are recorded in report and
// skipped.
func (r *Reconciler) walk(dir string, report *Report) (map[string]bool, error) {
	found := make(map[string]bool)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			report.Skipped = multierror.Append(report.Skipped, fmt.Errorf("failed to read %s: %w", path, err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != dir && r.skipDir(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if IsHidden(d.Name()) || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(r.config.UploadRoot, path)
		if err != nil {
			report.Skipped = multierror.Append(report.Skipped, err)
			return nil
		}
		found[filepath.ToSlash(rel)] = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	return found, nil
}

func (r *Reconciler) skipDir(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	for _, s := range r.config.SkipFolders {
		if s == name {
			return true
		}
	}
	return false
}
