package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// StampLayout is the timestamp embedded in snapshot names.
const StampLayout = "20060102_150405"

// DayLayout is the date prefix of StampLayout.
const DayLayout = "20060102"

// Entry is one snapshot file found in a destination.
type Entry struct {
	Name string    `json:"name" yaml:"name"`
	Path string    `json:"path" yaml:"path"`
	Size int64     `json:"size" yaml:"size"`
	Time time.Time `json:"time" yaml:"time"`
}

// SnapshotName returns "<prefix>_<YYYYMMDD_HHMMSS>.<ext>" for t. A
// positive seq distinguishes further snapshots taken in the same second:
// "<prefix>_<YYYYMMDD_HHMMSS>_<NN>.<ext>". Suffixed names sort after the
// plain name and before the next second.
func SnapshotName(prefix, ext string, t time.Time, seq int) string {
	if seq > 0 {
		return fmt.Sprintf("%s_%s_%02d.%s", prefix, t.Format(StampLayout), seq, ext)
	}
	return fmt.Sprintf("%s_%s.%s", prefix, t.Format(StampLayout), ext)
}

// ParseSnapshotName extracts the timestamp from a snapshot name, in the
// local time zone it was written in. A sequence suffix is ignored.
func ParseSnapshotName(name, prefix, ext string) (time.Time, bool) {
	stamp, ok := stampOf(name, prefix, ext)
	if !ok || len(stamp) < len(StampLayout) {
		return time.Time{}, false
	}
	if rest := stamp[len(StampLayout):]; rest != "" && !isSeqSuffix(rest) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(StampLayout, stamp[:len(StampLayout)], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func isSeqSuffix(s string) bool {
	if len(s) < 2 || s[0] != '_' {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// stampOf returns the part of name between "<prefix>_" and ".<ext>".
func stampOf(name, prefix, ext string) (string, bool) {
	head, tail := prefix+"_", "."+ext
	if !strings.HasPrefix(name, head) || !strings.HasSuffix(name, tail) {
		return "", false
	}
	stamp := name[len(head) : len(name)-len(tail)]
	return stamp, stamp != ""
}

// List returns the snapshots in dir ordered by name. Names whose timestamp
// does not parse are included with a zero Time.
func List(dir, prefix, ext string) ([]Entry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var out []Entry
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		if _, ok := stampOf(de.Name(), prefix, ext); !ok {
			continue
		}
		e := Entry{Name: de.Name(), Path: filepath.Join(dir, de.Name())}
		e.Time, _ = ParseSnapshotName(de.Name(), prefix, ext)
		if info, err := de.Info(); err == nil {
			e.Size = info.Size()
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// LatestSnapshot returns the path of the lexically greatest snapshot name
// in dir, or "" when there is none or dir does not exist.
func LatestSnapshot(dir, prefix, ext string) (string, error) {
	entries, err := List(dir, prefix, ext)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	return entries[len(entries)-1].Path, nil
}

// hasDay reports whether any snapshot in dir embeds the date tag day.
func hasDay(dir, prefix, ext, day string) (bool, error) {
	entries, err := List(dir, prefix, ext)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if stamp, _ := stampOf(e.Name, prefix, ext); strings.HasPrefix(stamp, day) {
			return true, nil
		}
	}
	return false, nil
}
