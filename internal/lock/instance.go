package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrInstanceRunning is returned when another serve process holds the
// instance lock.
var ErrInstanceRunning = errors.New("another fieldbook instance is running")

// Instance is an OS-level lock that keeps a second serve process on the
// same device from sharing an instance directory.
type Instance struct {
	fl *flock.Flock
}

// AcquireInstance takes the lock file at path without blocking.
func AcquireInstance(path string) (*Instance, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create instance directory: %w", err)
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrInstanceRunning)
	}
	return &Instance{fl: fl}, nil
}

// Release drops the instance lock.
func (i *Instance) Release() error {
	if i == nil || i.fl == nil {
		return nil
	}
	return i.fl.Unlock()
}
