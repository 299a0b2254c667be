package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strings"
	gosync "sync"
	"time"

	"github.com/fieldbook/fieldbook/internal/metrics"
	"github.com/fieldbook/fieldbook/internal/store"
)

// IndexerConfig holds configuration for the discovery indexer.
type IndexerConfig struct {
	// Root is the tree that is indexed.
	Root        string
	SkipFolders []string
	Logger      *slog.Logger
	Now         func() time.Time
}

// Indexer maintains the discovery index, a flat listing of every file
// under Root.
type Indexer struct {
	db     *store.DB
	config *IndexerConfig
}

// NewIndexer creates an indexer. db may be nil when only NewFilesToday is
// used.
func NewIndexer(db *store.DB, config *IndexerConfig) (*Indexer, error) {
	if config == nil || config.Root == "" {
		return nil, fmt.Errorf("discovery root cannot be empty")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Indexer{db: db, config: config}, nil
}

// Rebuild replaces the discovery index with the current contents of Root
// and returns the number of indexed files.
func (ix *Indexer) Rebuild(ctx context.Context) (int, error) {
	if ix.db == nil {
		return 0, fmt.Errorf("indexer has no store")
	}
	if ix.db.ReadOnly() {
		return 0, store.ErrReadOnly
	}

	now := ix.config.Now()
	var entries []store.FileIndexEntry
	err := ix.walk(ctx, func(rel string, _ fs.FileInfo) {
		parent := path.Base(path.Dir(rel))
		if parent == "." {
			parent = ""
		}
		entries = append(entries, store.FileIndexEntry{
			Filename:     path.Base(rel),
			RelativePath: rel,
			ParentFolder: parent,
			LastIndexed:  now,
		})
	})
	if err != nil {
		return 0, err
	}

	if err := ix.db.ReplaceFileIndex(ctx, entries); err != nil {
		return 0, err
	}
	metrics.IndexedFiles.Set(float64(len(entries)))
	ix.config.Logger.Info("rebuilt file index", "files", len(entries), "root", ix.config.Root)
	return len(entries), nil
}

// NewFilesToday returns the relative paths of files under Root modified on
// the current local day, newest first.
func (ix *Indexer) NewFilesToday(ctx context.Context) ([]string, error) {
	now := ix.config.Now()
	y, m, d := now.Date()

	type hit struct {
		rel string
		mod time.Time
	}
	var hits []hit
	err := ix.walk(ctx, func(rel string, info fs.FileInfo) {
		mod := info.ModTime().In(now.Location())
		if my, mm, md := mod.Date(); my == y && mm == m && md == d {
			hits = append(hits, hit{rel: rel, mod: mod})
		}
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if !hits[i].mod.Equal(hits[j].mod) {
			return hits[i].mod.After(hits[j].mod)
		}
		return hits[i].rel < hits[j].rel
	})
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.rel
	}
	return out, nil
}

// walk calls fn for every visible file under Root, skipping hidden names
// and skip folders. Files that vanish mid-walk are ignored.
func (ix *Indexer) walk(ctx context.Context, fn func(rel string, info fs.FileInfo)) error {
	root := ix.config.Root
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			ix.config.Logger.Debug("skipping unreadable entry", "path", p, "error", err)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && ix.skipDir(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			ix.config.Logger.Debug("skipping unreadable file", "path", p, "error", err)
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		fn(filepath.ToSlash(rel), info)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", root, err)
	}
	return nil
}

func (ix *Indexer) skipDir(name string) bool {
	for _, s := range ix.config.SkipFolders {
		if s == name {
			return true
		}
	}
	return false
}

// Scan windows: the cached count is refreshed at most once in each.
const (
	morningWindowStart   = 11
	afternoonWindowStart = 16
)

// ScanCache holds the number of files modified today. The count is
// refreshed at most once in the late-morning window (11:00-16:00) and once
// in the afternoon window (16:00-24:00) and reset at midnight.
type ScanCache struct {
	indexer *Indexer

	mu        gosync.Mutex
	day       string
	morning   bool
	afternoon bool
	count     int
}

// NewScanCache creates an empty cache over indexer.
func NewScanCache(indexer *Indexer) *ScanCache {
	return &ScanCache{indexer: indexer}
}

// Count returns the cached count, scanning first when the current window
// has not been scanned yet. A failed scan keeps the previous count.
func (c *ScanCache) Count(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.indexer.config.Now()
	c.resetIfNewDay(now)

	hour := now.Hour()
	switch {
	case hour >= morningWindowStart && hour < afternoonWindowStart && !c.morning:
	case hour >= afternoonWindowStart && !c.afternoon:
	default:
		return c.count
	}

	files, err := c.indexer.NewFilesToday(ctx)
	if err != nil {
		c.indexer.config.Logger.Warn("file scan failed, keeping last count", "error", err)
		return c.count
	}
	c.count = len(files)
	c.markWindow(hour)
	c.indexer.config.Logger.Info("file scan completed", "new_files", c.count)
	return c.count
}

// Refresh scans unconditionally, stores the count and marks the current
// window as scanned.
func (c *ScanCache) Refresh(ctx context.Context) ([]string, error) {
	files, err := c.indexer.NewFilesToday(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.indexer.config.Now()
	c.resetIfNewDay(now)
	c.count = len(files)
	c.markWindow(now.Hour())
	return files, nil
}

func (c *ScanCache) resetIfNewDay(now time.Time) {
	day := now.Format("2006-01-02")
	if c.day == day {
		return
	}
	if c.day != "" {
		c.indexer.config.Logger.Info("new day, resetting file scan cache")
	}
	c.day = day
	c.morning = false
	c.afternoon = false
	c.count = 0
}

func (c *ScanCache) markWindow(hour int) {
	switch {
	case hour >= afternoonWindowStart:
		c.afternoon = true
	case hour >= morningWindowStart:
		c.morning = true
	}
}
