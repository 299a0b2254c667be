package sync

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp is the kind of change observed under the upload root.
type EventOp int

const (
	// OpCreate indicates a new file or directory.
	OpCreate EventOp = iota
	// OpModify indicates a write to an existing file.
	OpModify
	// OpDelete indicates a removal or a rename away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileEvent is a change below the upload root.
type FileEvent struct {
	// Path is the absolute path that changed.
	Path string
	// Folder is the top-level folder of the upload root containing Path.
	Folder string
	Op     EventOp
}

// Watcher watches the upload root recursively. Directories created while
// it runs are added as they appear.
type Watcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      gosync.WaitGroup
	mu      gosync.Mutex
	running bool
	root    string
	skip    []string
}

// NewWatcher creates a watcher. It emits nothing until Start is called.
func NewWatcher(skipFolders []string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		watcher: w,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		skip:    skipFolders,
	}, nil
}

// Start begins watching root and every non-skipped directory below it.
func (w *Watcher) Start(root string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	w.root = abs

	if err := w.addTree(abs); err != nil {
		return err
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops watching and blocks until the event loop has exited. The
// Events and Errors channels are closed afterwards.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()

	close(w.events)
	close(w.errors)

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Events returns the channel of file events.
func (w *Watcher) Events() <-chan FileEvent { return w.events }

// Errors returns the channel of watch errors.
func (w *Watcher) Errors() <-chan error { return w.errors }

// IsRunning reports whether the watcher is running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return fmt.Errorf("failed to watch %s: %w", dir, err)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.skipped(d.Name()) {
			return fs.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) skipped(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	for _, s := range w.skip {
		if s == name {
			return true
		}
	}
	return false
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) && w.isNewDir(event.Name) {
				// Contents may already exist by the time the watch is added.
				if err := w.addTree(event.Name); err != nil {
					w.sendError(err)
				}
			}
			if fe, ok := w.convertEvent(event); ok {
				select {
				case w.events <- fe:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.sendError(err)
		}
	}
}

func (w *Watcher) isNewDir(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.IsDir() && !w.skipped(filepath.Base(path))
}

func (w *Watcher) sendError(err error) {
	select {
	case w.errors <- err:
	case <-w.done:
	}
}

// convertEvent maps an fsnotify event to a FileEvent. Events for hidden
// names, skipped folders, the root itself and chmod-only changes are
// dropped.
func (w *Watcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return FileEvent{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for i, part := range parts {
		if i == len(parts)-1 {
			if IsHidden(part) {
				return FileEvent{}, false
			}
		} else if w.skipped(part) {
			return FileEvent{}, false
		}
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return FileEvent{}, false
	}

	return FileEvent{Path: event.Name, Folder: parts[0], Op: op}, true
}
