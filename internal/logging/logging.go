// Package logging sets up the process logger and the shared change log.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLevel maps a LOG_LEVEL value to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a text logger writing to w at the given level.
func New(w io.Writer, level string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// Component returns a child logger tagged with a component name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

// ChangeLog appends human-readable audit lines to a rotating file on the
// shared medium, one per user-visible change.
type ChangeLog struct {
	device string
	mu     sync.Mutex
	out    io.Writer
	closer io.Closer
}

// OpenChangeLog opens the change log at path. When the directory of path
// does not exist (shared medium offline) lines go to stderr instead and a
// warning is logged.
func OpenChangeLog(path, device string, logger *slog.Logger) *ChangeLog {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return &ChangeLog{device: device, out: os.Stderr}
	}
	dir := filepath.Dir(path)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		logger.Warn("change log directory unavailable, logging changes to stderr", "dir", dir)
		return &ChangeLog{device: device, out: os.Stderr}
	}

	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    1, // megabytes
		MaxBackups: 5,
	}
	return &ChangeLog{device: device, out: lj, closer: lj}
}

// NewChangeLog returns a change log writing to w.
func NewChangeLog(w io.Writer, device string) *ChangeLog {
	return &ChangeLog{device: device, out: w}
}

// Record writes "[DEVICE] action → target".
func (c *ChangeLog) Record(action, target string) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.out, "[%s] %s → %s\n", c.device, action, target); err != nil {
		return fmt.Errorf("failed to write change log: %w", err)
	}
	return nil
}

// Close closes the underlying rotating file, if any.
func (c *ChangeLog) Close() error {
	if c == nil || c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
