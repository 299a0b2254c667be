// Package config loads the environment-style configuration shared by every
// fieldbook component.
//
// Values are read once at startup from (in increasing priority) built-in
// defaults, an optional dotenv file, the process environment and any cobra
// flags bound through Bind. Keys are the environment variable names in lower
// case so a dotenv file and the environment address the same setting.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Keys understood by Load.
const (
	KeyDeviceName        = "device_name"
	KeySharedRoot        = "onedrive_path"
	KeyDatabasePath      = "database_path"
	KeyLockFile          = "lock_file"
	KeyLockTimeout       = "lock_timeout"
	KeyLockBackend       = "lock_backend"
	KeySkipFolders       = "skip_folders"
	KeyBackupSharedDir   = "backup_shared_dir"
	KeyBackupLocalDir    = "backup_local_dir"
	KeyBackupPrefix      = "backup_prefix"
	KeyBackupExt         = "backup_ext"
	KeyBackupEndpoints   = "backup_endpoints"
	KeyUploadFolder      = "upload_folder"
	KeyDiscoveryRoot     = "discovery_root"
	KeyChangeLogFile     = "change_log_file"
	KeyInstanceDir       = "instance_dir"
	KeyHeartbeatInterval = "heartbeat_interval"
	KeyProbeAttempts     = "startup_probe_attempts"
	KeyWatchUploads      = "watch_uploads"
	KeyWatchDebounce     = "watch_debounce"
	KeyListenAddr        = "listen_addr"
	KeyLogLevel          = "log_level"
)

// Lock backends.
const (
	LockBackendFile  = "file"
	LockBackendLease = "lease"
)

// Config is the resolved configuration.
type Config struct {
	DeviceName   string
	SharedRoot   string
	DatabasePath string

	LockFile    string
	LockTimeout time.Duration
	LockBackend string

	SkipFolders []string

	BackupSharedDir string
	BackupLocalDir  string
	BackupPrefix    string
	BackupExt       string
	BackupEndpoints []string

	UploadFolder  string
	DiscoveryRoot string
	ChangeLogFile string
	InstanceDir   string

	HeartbeatInterval    time.Duration
	StartupProbeAttempts int

	WatchUploads  bool
	WatchDebounce time.Duration

	ListenAddr string
	LogLevel   string
}

// Loader wraps a viper instance so flags can be bound before Load runs.
type Loader struct {
	v *viper.Viper
}

// NewLoader returns a loader with defaults registered.
func NewLoader() *Loader {
	v := viper.New()
	v.SetDefault(KeyDeviceName, "UNKNOWN_DEVICE")
	v.SetDefault(KeyLockTimeout, 300*time.Second)
	v.SetDefault(KeyLockBackend, LockBackendFile)
	v.SetDefault(KeySkipFolders, "APP,APP backup")
	v.SetDefault(KeyBackupPrefix, "account_team")
	v.SetDefault(KeyBackupExt, "db")
	v.SetDefault(KeyBackupEndpoints, "dashboard")
	v.SetDefault(KeyUploadFolder, "uploads")
	v.SetDefault(KeyInstanceDir, "instance")
	v.SetDefault(KeyHeartbeatInterval, 60*time.Second)
	v.SetDefault(KeyProbeAttempts, 3)
	v.SetDefault(KeyWatchUploads, false)
	v.SetDefault(KeyWatchDebounce, 2*time.Second)
	v.SetDefault(KeyListenAddr, "127.0.0.1:5000")
	v.SetDefault(KeyLogLevel, "info")
	v.AutomaticEnv()
	return &Loader{v: v}
}

// Bind binds a cobra/pflag flag to a configuration key.
func (l *Loader) Bind(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("flag for %s not found", key)
	}
	return l.v.BindPFlag(key, flag)
}

// Load reads envFile (if non-empty and present) and resolves the config.
func (l *Loader) Load(envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			l.v.SetConfigFile(envFile)
			l.v.SetConfigType("env")
			if err := l.v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", envFile, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat %s: %w", envFile, err)
		}
	}

	v := l.v
	cfg := &Config{
		DeviceName:           v.GetString(KeyDeviceName),
		SharedRoot:           v.GetString(KeySharedRoot),
		DatabasePath:         v.GetString(KeyDatabasePath),
		LockFile:             v.GetString(KeyLockFile),
		LockTimeout:          duration(v, KeyLockTimeout),
		LockBackend:          strings.ToLower(v.GetString(KeyLockBackend)),
		SkipFolders:          splitList(v.GetString(KeySkipFolders)),
		BackupSharedDir:      v.GetString(KeyBackupSharedDir),
		BackupLocalDir:       v.GetString(KeyBackupLocalDir),
		BackupPrefix:         v.GetString(KeyBackupPrefix),
		BackupExt:            strings.TrimPrefix(v.GetString(KeyBackupExt), "."),
		BackupEndpoints:      splitList(v.GetString(KeyBackupEndpoints)),
		UploadFolder:         v.GetString(KeyUploadFolder),
		DiscoveryRoot:        v.GetString(KeyDiscoveryRoot),
		ChangeLogFile:        v.GetString(KeyChangeLogFile),
		InstanceDir:          v.GetString(KeyInstanceDir),
		HeartbeatInterval:    duration(v, KeyHeartbeatInterval),
		StartupProbeAttempts: v.GetInt(KeyProbeAttempts),
		WatchUploads:         v.GetBool(KeyWatchUploads),
		WatchDebounce:        duration(v, KeyWatchDebounce),
		ListenAddr:           v.GetString(KeyListenAddr),
		LogLevel:             strings.ToLower(v.GetString(KeyLogLevel)),
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load is a convenience wrapper for NewLoader().Load(envFile).
func Load(envFile string) (*Config, error) {
	return NewLoader().Load(envFile)
}

// applyDerived fills paths that default relative to other settings.
func (c *Config) applyDerived() {
	if c.SharedRoot == "" {
		return
	}
	if c.LockFile == "" {
		c.LockFile = filepath.Join(c.SharedRoot, "APP", "db.lock")
	}
	if c.BackupSharedDir == "" {
		c.BackupSharedDir = filepath.Join(c.SharedRoot, "APP backup")
	}
	if c.BackupLocalDir == "" {
		c.BackupLocalDir = filepath.Join(c.InstanceDir, "backup")
	}
	if c.DiscoveryRoot == "" {
		c.DiscoveryRoot = c.SharedRoot
	}
	if c.ChangeLogFile == "" {
		c.ChangeLogFile = filepath.Join(c.SharedRoot, "APP", "change_log.txt")
	}
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	if c.SharedRoot == "" || c.DatabasePath == "" {
		return errors.New("missing ONEDRIVE_PATH or DATABASE_PATH")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock timeout must be positive, got %v", c.LockTimeout)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", c.HeartbeatInterval)
	}
	switch c.LockBackend {
	case LockBackendFile, LockBackendLease:
	default:
		return fmt.Errorf("unknown lock backend %q", c.LockBackend)
	}
	if c.BackupPrefix == "" {
		return errors.New("backup prefix cannot be empty")
	}
	if c.StartupProbeAttempts < 1 {
		c.StartupProbeAttempts = 1
	}
	return nil
}

// IsBackupEndpoint reports whether requests to endpoint trigger the daily
// backup check.
func (c *Config) IsBackupEndpoint(endpoint string) bool {
	for _, e := range c.BackupEndpoints {
		if e == endpoint {
			return true
		}
	}
	return false
}

// IsSkipped reports whether a folder name is excluded from directory walks.
func (c *Config) IsSkipped(name string) bool {
	for _, s := range c.SkipFolders {
		if s == name {
			return true
		}
	}
	return false
}

// duration reads key as a Go duration, treating a bare integer as seconds
// (LOCK_TIMEOUT=300).
func duration(v *viper.Viper, key string) time.Duration {
	raw := strings.TrimSpace(v.GetString(key))
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second
	}
	return v.GetDuration(key)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
