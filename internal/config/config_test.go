package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_FromEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "ONEDRIVE_PATH=/mnt/shared\n" +
		"DATABASE_PATH=/mnt/shared/APP/store.db\n" +
		"DEVICE_NAME=laptop-7\n" +
		"LOCK_TIMEOUT=120\n" +
		"SKIP_FOLDERS=APP, APP backup ,Archive\n"
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0o644))

	cfg, err := NewLoader().Load(envFile)
	require.NoError(t, err)

	assert.Equal(t, "laptop-7", cfg.DeviceName)
	assert.Equal(t, "/mnt/shared", cfg.SharedRoot)
	assert.Equal(t, 120*time.Second, cfg.LockTimeout)
	assert.Equal(t, []string{"APP", "APP backup", "Archive"}, cfg.SkipFolders)
	assert.Equal(t, filepath.Join("/mnt/shared", "APP", "db.lock"), cfg.LockFile)
	assert.Equal(t, filepath.Join("/mnt/shared", "APP backup"), cfg.BackupSharedDir)
	assert.Equal(t, filepath.Join("instance", "backup"), cfg.BackupLocalDir)
	assert.Equal(t, "/mnt/shared", cfg.DiscoveryRoot)
	assert.Equal(t, 60*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, LockBackendFile, cfg.LockBackend)
	assert.True(t, cfg.IsBackupEndpoint("dashboard"))
	assert.False(t, cfg.IsBackupEndpoint("contacts"))
	assert.True(t, cfg.IsSkipped("Archive"))
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile,
		[]byte("ONEDRIVE_PATH=/from/file\nDATABASE_PATH=/from/file/db\n"), 0o644))
	t.Setenv("ONEDRIVE_PATH", "/from/env")
	t.Setenv("LOCK_TIMEOUT", "90s")

	cfg, err := NewLoader().Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.SharedRoot)
	assert.Equal(t, 90*time.Second, cfg.LockTimeout)
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("ONEDRIVE_PATH", "")
	t.Setenv("DATABASE_PATH", "")

	_, err := NewLoader().Load(filepath.Join(t.TempDir(), "absent.env"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ONEDRIVE_PATH")
}

func TestValidate_RejectsUnknownBackend(t *testing.T) {
	cfg := &Config{
		SharedRoot:        "/s",
		DatabasePath:      "/s/db",
		LockTimeout:       time.Minute,
		HeartbeatInterval: time.Minute,
		LockBackend:       "redis",
		BackupPrefix:      "account_team",
	}
	require.Error(t, cfg.Validate())

	cfg.LockBackend = LockBackendLease
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.StartupProbeAttempts)
}
