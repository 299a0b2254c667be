package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// FileLocker is a Locker backed by a marker file. Creation uses O_EXCL so
// two racing acquires on the same medium yield at most one winner.
//
// Age is measured from the marker's modification time, which is its
// creation time because markers are never rewritten.
type FileLocker struct {
	path string
	now  func() time.Time
}

var _ Locker = (*FileLocker)(nil)

// NewFileLocker returns a FileLocker for the marker at path. The marker's
// directory is not created; it lives on the shared medium.
func NewFileLocker(path string, opts ...Option) *FileLocker {
	o := buildOptions(opts)
	return &FileLocker{path: path, now: o.now}
}

// Path returns the marker location.
func (l *FileLocker) Path() string { return l.path }

// Acquire implements Locker.
func (l *FileLocker) Acquire(_ context.Context, holder string) (bool, error) {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create lock marker: %w", err)
	}

	_, werr := f.WriteString(formatMarker(holder, l.now()))
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(l.path)
		return false, fmt.Errorf("failed to write lock marker: %w", werr)
	}
	return true, nil
}

// Release implements Locker.
func (l *FileLocker) Release(_ context.Context) error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove lock marker: %w", err)
	}
	return nil
}

// IsLocked implements Locker.
func (l *FileLocker) IsLocked(_ context.Context) (bool, error) {
	_, err := os.Stat(l.path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat lock marker: %w", err)
}

// Info implements Locker. Markers whose timestamp cannot be parsed report
// the file's modification time.
func (l *FileLocker) Info(_ context.Context) (*Info, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock marker: %w", err)
	}

	raw := string(data)
	holder, at, ok := parseMarker(raw)
	if !ok {
		if st, err := os.Stat(l.path); err == nil {
			at = st.ModTime()
		}
	}
	return &Info{Holder: holder, AcquiredAt: at, Raw: raw}, nil
}

// IsExpired implements Locker.
func (l *FileLocker) IsExpired(_ context.Context, timeout time.Duration) (bool, error) {
	st, err := os.Stat(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat lock marker: %w", err)
	}
	return l.now().Sub(st.ModTime()) > timeout, nil
}
