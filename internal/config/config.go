// Copyright (c) 2025 Kintrack Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for
// kintrack.
//
// Configuration is TOML with built-in defaults, environment variable
// overrides, and validation with clamping. File location:
//   - ~/.kintrack/config.toml
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kintrack/kintrack/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete kintrack configuration.
type Config struct {
	Version string `toml:"version"`

	// Trust contains session lock and authentication settings.
	Trust TrustConfig `toml:"trust"`

	// Privacy contains redaction settings.
	Privacy PrivacyConfig `toml:"privacy"`

	// Budgets maps operation keys to request budgets. Keys absent
	// here fall back to the built-in defaults.
	Budgets map[string]BudgetConfig `toml:"budgets"`

	// Audit contains audit logging settings.
	Audit AuditConfig `toml:"audit"`
}

// TrustConfig contains session lock and authentication settings.
type TrustConfig struct {
	// AutoLockEnabled arms the idle-lock timer.
	AutoLockEnabled bool `toml:"auto_lock_enabled"`

	// IdleTimeoutMs is the idle span before auto-lock, in
	// milliseconds. Clamped to [5000, 3600000].
	IdleTimeoutMs int `toml:"idle_timeout_ms"`

	// HasCompletedOnboarding records whether initial setup finished.
	// The session guard never locks before this is true.
	HasCompletedOnboarding bool `toml:"has_completed_onboarding"`

	// MaxBackoffSecs caps the per-attempt lockout duration, in
	// seconds. Clamped to [30, 86400].
	MaxBackoffSecs int `toml:"max_backoff_secs"`
}

// IdleTimeout returns the idle timeout as a duration.
func (t TrustConfig) IdleTimeout() time.Duration {
	return time.Duration(t.IdleTimeoutMs) * time.Millisecond
}

// MaxBackoff returns the lockout cap as a duration.
func (t TrustConfig) MaxBackoff() time.Duration {
	return time.Duration(t.MaxBackoffSecs) * time.Second
}

// PrivacyConfig contains redaction settings.
type PrivacyConfig struct {
	// PrivacyMode enables PII redaction on outbound text.
	PrivacyMode bool `toml:"privacy_mode"`

	// SubjectNames are care recipient names and aliases to scrub.
	SubjectNames []string `toml:"subject_names"`
}

// BudgetConfig is a request budget in config form.
type BudgetConfig struct {
	MaxRequests int `toml:"max_requests"`
	WindowSecs  int `toml:"window_secs"`
}

// AuditConfig contains audit logging settings.
type AuditConfig struct {
	// Enabled turns the audit trail on.
	Enabled bool `toml:"enabled"`

	// LogPath overrides the audit log location
	// (default ~/.kintrack/audit.log).
	LogPath string `toml:"log_path"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Clamping bounds for validated numeric fields.
const (
	MinIdleTimeoutMs = 5_000
	MaxIdleTimeoutMs = 3_600_000

	MinMaxBackoffSecs = 30
	MaxMaxBackoffSecs = 86_400
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version: "1.0",
		Trust: TrustConfig{
			AutoLockEnabled:        true,
			IdleTimeoutMs:          60_000,
			HasCompletedOnboarding: false,
			MaxBackoffSecs:         900,
		},
		Privacy: PrivacyConfig{
			PrivacyMode: true,
		},
		Budgets: map[string]BudgetConfig{},
		Audit: AuditConfig{
			Enabled: true,
		},
	}
}

// =============================================================================
// PATHS
// =============================================================================

// ConfigDir returns the kintrack configuration directory.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".kintrack"), nil
}

// ConfigPath returns the full path to config.toml.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir creates the configuration directory with owner-only
// permissions.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return nil
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads the configuration from the default location, applies
// environment overrides, and validates. A missing file yields the
// defaults, not an error.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath reads the configuration from an explicit path.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config: %w", err)
	}

	cfg.ApplyEnvOverrides()
	cfg.Validate()
	return cfg, nil
}

// =============================================================================
// SAVING
// =============================================================================

// Save writes the configuration to the default location atomically.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveToPath(cfg, path)
}

// SaveToPath writes the configuration to an explicit path atomically.
func SaveToPath(cfg *Config, path string) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(path, data, 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate clamps out-of-range values in place. Bad config degrades
// toward safe defaults rather than refusing to start.
func (c *Config) Validate() {
	if c.Trust.IdleTimeoutMs < MinIdleTimeoutMs {
		c.Trust.IdleTimeoutMs = MinIdleTimeoutMs
	}
	if c.Trust.IdleTimeoutMs > MaxIdleTimeoutMs {
		c.Trust.IdleTimeoutMs = MaxIdleTimeoutMs
	}

	if c.Trust.MaxBackoffSecs < MinMaxBackoffSecs {
		c.Trust.MaxBackoffSecs = MinMaxBackoffSecs
	}
	if c.Trust.MaxBackoffSecs > MaxMaxBackoffSecs {
		c.Trust.MaxBackoffSecs = MaxMaxBackoffSecs
	}

	for key, budget := range c.Budgets {
		if budget.MaxRequests < 0 {
			budget.MaxRequests = 0
		}
		if budget.WindowSecs < 1 {
			budget.WindowSecs = 60
		}
		c.Budgets[key] = budget
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies KINTRACK_* environment variables on top of
// the loaded values.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("KINTRACK_AUTO_LOCK"); v != "" {
		c.Trust.AutoLockEnabled = v == "1" || v == "true"
	}
	if v := os.Getenv("KINTRACK_IDLE_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Trust.IdleTimeoutMs = ms
		}
	}
	if v := os.Getenv("KINTRACK_PRIVACY_MODE"); v != "" {
		c.Privacy.PrivacyMode = v == "1" || v == "true"
	}
	if v := os.Getenv("KINTRACK_AUDIT_LOG"); v != "" {
		c.Audit.LogPath = v
	}
}

// =============================================================================
// GLOBAL CONFIG
// =============================================================================

var (
	globalConfig *Config
	globalMu     sync.RWMutex
)

// Global returns the process-wide configuration, loading it on first
// use. Load failures fall back to defaults.
func Global() *Config {
	globalMu.RLock()
	if globalConfig != nil {
		defer globalMu.RUnlock()
		return globalConfig
	}
	globalMu.RUnlock()

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalConfig == nil {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
		}
		globalConfig = cfg
	}
	return globalConfig
}

// SetGlobal replaces the process-wide configuration.
func SetGlobal(cfg *Config) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting clears the global config.
func ResetGlobalForTesting() {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalConfig = nil
}
