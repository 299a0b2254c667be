package sync

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
)

// Prune removes system files and empty subdirectories below dir, deepest
// first. dir itself is kept. It returns the removed paths; failures are
// collected and do not stop the sweep.
func Prune(dir string) ([]string, error) {
	var dirs []string
	var removed []string
	var result *multierror.Error

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			result = multierror.Append(result, err)
			return nil
		}
		if d.IsDir() {
			if path != dir {
				dirs = append(dirs, path)
			}
			return nil
		}
		if junkFiles[d.Name()] {
			if err := os.Remove(path); err != nil {
				result = multierror.Append(result, fmt.Errorf("failed to remove %s: %w", path, err))
			} else {
				removed = append(removed, path)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}

	// WalkDir visits parents before children, so the reverse order empties
	// children first.
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if len(entries) > 0 {
			continue
		}
		if err := os.Remove(dirs[i]); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to remove %s: %w", dirs[i], err))
			continue
		}
		removed = append(removed, dirs[i])
	}
	return removed, result.ErrorOrNil()
}
