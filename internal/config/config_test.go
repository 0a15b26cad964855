// Copyright (c) 2025 Kintrack Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.True(t, cfg.Trust.AutoLockEnabled)
	assert.Equal(t, 60_000, cfg.Trust.IdleTimeoutMs)
	assert.False(t, cfg.Trust.HasCompletedOnboarding)
	assert.Equal(t, time.Minute, cfg.Trust.IdleTimeout())
	assert.Equal(t, 15*time.Minute, cfg.Trust.MaxBackoff())
	assert.True(t, cfg.Privacy.PrivacyMode)
	assert.True(t, cfg.Audit.Enabled)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Trust.IdleTimeoutMs, cfg.Trust.IdleTimeoutMs)
}

func TestLoadParsesTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
version = "1.0"

[trust]
auto_lock_enabled = false
idle_timeout_ms = 120000
has_completed_onboarding = true

[privacy]
privacy_mode = true
subject_names = ["Mom", "Rosa"]

[budgets."ai:chat"]
max_requests = 20
window_secs = 60
`), 0600))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.False(t, cfg.Trust.AutoLockEnabled)
	assert.Equal(t, 120_000, cfg.Trust.IdleTimeoutMs)
	assert.True(t, cfg.Trust.HasCompletedOnboarding)
	assert.Equal(t, []string{"Mom", "Rosa"}, cfg.Privacy.SubjectNames)
	require.Contains(t, cfg.Budgets, "ai:chat")
	assert.Equal(t, 20, cfg.Budgets["ai:chat"].MaxRequests)
}

func TestLoadMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("not [valid toml"), 0600))

	_, err := LoadFromPath(path)
	assert.Error(t, err)
}

func TestValidateClampsRanges(t *testing.T) {
	cfg := Default()
	cfg.Trust.IdleTimeoutMs = 100
	cfg.Trust.MaxBackoffSecs = 1
	cfg.Budgets["x"] = BudgetConfig{MaxRequests: -5, WindowSecs: 0}

	cfg.Validate()

	assert.Equal(t, MinIdleTimeoutMs, cfg.Trust.IdleTimeoutMs)
	assert.Equal(t, MinMaxBackoffSecs, cfg.Trust.MaxBackoffSecs)
	assert.Equal(t, 0, cfg.Budgets["x"].MaxRequests)
	assert.Equal(t, 60, cfg.Budgets["x"].WindowSecs)

	cfg.Trust.IdleTimeoutMs = 100_000_000
	cfg.Trust.MaxBackoffSecs = 1_000_000
	cfg.Validate()
	assert.Equal(t, MaxIdleTimeoutMs, cfg.Trust.IdleTimeoutMs)
	assert.Equal(t, MaxMaxBackoffSecs, cfg.Trust.MaxBackoffSecs)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KINTRACK_AUTO_LOCK", "false")
	t.Setenv("KINTRACK_IDLE_TIMEOUT_MS", "30000")
	t.Setenv("KINTRACK_PRIVACY_MODE", "1")
	t.Setenv("KINTRACK_AUDIT_LOG", "/tmp/audit.log")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	assert.False(t, cfg.Trust.AutoLockEnabled)
	assert.Equal(t, 30_000, cfg.Trust.IdleTimeoutMs)
	assert.True(t, cfg.Privacy.PrivacyMode)
	assert.Equal(t, "/tmp/audit.log", cfg.Audit.LogPath)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.Trust.HasCompletedOnboarding = true
	cfg.Trust.IdleTimeoutMs = 90_000
	cfg.Privacy.SubjectNames = []string{"Dad"}
	require.NoError(t, SaveToPath(cfg, path))

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.True(t, loaded.Trust.HasCompletedOnboarding)
	assert.Equal(t, 90_000, loaded.Trust.IdleTimeoutMs)
	assert.Equal(t, []string{"Dad"}, loaded.Privacy.SubjectNames)
}

func TestGlobalConfig(t *testing.T) {
	ResetGlobalForTesting()
	t.Cleanup(ResetGlobalForTesting)

	custom := Default()
	custom.Trust.IdleTimeoutMs = 42_000
	SetGlobal(custom)

	assert.Equal(t, 42_000, Global().Trust.IdleTimeoutMs)
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, SaveToPath(Default(), path))

	var mu sync.Mutex
	var got *Config
	w, err := NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		got = cfg
		mu.Unlock()
	})
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Watch())

	updated := Default()
	updated.Trust.IdleTimeoutMs = 300_000
	require.NoError(t, SaveToPath(updated, path))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil && got.Trust.IdleTimeoutMs == 300_000
	}, 3*time.Second, 25*time.Millisecond)
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, SaveToPath(Default(), path))

	reloads := 0
	var mu sync.Mutex
	w, err := NewWatcher(path, func(*Config) {
		mu.Lock()
		reloads++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Watch())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0600))

	time.Sleep(600 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, reloads)
}
