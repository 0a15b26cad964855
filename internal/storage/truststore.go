// Copyright (c) 2025 Kintrack Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides durable backends for the trust state:
// credential record, lockout ledger, and rate windows.
//
// TrustStore is the SQLite backend. SQLite gives the trust state the
// same durability and cross-process visibility as the care data
// itself: two processes sharing the database see each other's failed
// attempts and spent budgets, closing the kill-and-retry loophole an
// in-memory store would leave open.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/kintrack/kintrack/internal/security"
)

// =============================================================================
// TRUST STORE
// =============================================================================

// TrustStore persists trust state in SQLite. It implements
// security.CredentialBackend, security.LockoutStore, and
// security.WindowStore.
type TrustStore struct {
	db *sql.DB
}

// schemaVersion is bumped on any table change; Open migrates forward.
const schemaVersion = 1

// OpenTrustStore opens (creating if needed) the trust database at path.
func OpenTrustStore(path string) (*TrustStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create trust store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trust store: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	store := &TrustStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *TrustStore) Close() error {
	return s.db.Close()
}

func (s *TrustStore) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)`,
		// Single-credential tables use a CHECK-pinned id so an INSERT
		// of a second row fails loudly instead of splitting state.
		`CREATE TABLE IF NOT EXISTS credential (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			stored TEXT NOT NULL,
			version INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS lockout_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			failed_attempts INTEGER NOT NULL,
			lockout_until INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rate_window (
			key TEXT PRIMARY KEY,
			count INTEGER NOT NULL,
			window_start INTEGER NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	case version > schemaVersion:
		return fmt.Errorf("trust store schema version %d is newer than supported %d", version, schemaVersion)
	}
	return nil
}

// =============================================================================
// CREDENTIAL BACKEND
// =============================================================================

// LoadCredential returns the stored credential record, or (nil, nil).
func (s *TrustStore) LoadCredential() (*security.CredentialRecord, error) {
	var record security.CredentialRecord
	var updatedAt int64

	err := s.db.QueryRow(
		`SELECT stored, version, updated_at FROM credential WHERE id = 1`,
	).Scan(&record.Stored, &record.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	record.UpdatedAt = time.Unix(updatedAt, 0)
	return &record, nil
}

// SaveCredential upserts the credential record.
func (s *TrustStore) SaveCredential(record *security.CredentialRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO credential (id, stored, version, updated_at) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET stored = excluded.stored,
			version = excluded.version, updated_at = excluded.updated_at`,
		record.Stored, record.Version, record.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// DeleteCredential removes the credential record.
func (s *TrustStore) DeleteCredential() error {
	if _, err := s.db.Exec(`DELETE FROM credential WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// =============================================================================
// LOCKOUT STORE
// =============================================================================

// LoadLockout returns the stored lockout state, or (nil, nil).
func (s *TrustStore) LoadLockout() (*security.LockoutState, error) {
	var state security.LockoutState
	var until int64

	err := s.db.QueryRow(
		`SELECT failed_attempts, lockout_until FROM lockout_state WHERE id = 1`,
	).Scan(&state.FailedAttempts, &until)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load lockout state: %w", err)
	}

	if until > 0 {
		state.LockoutUntil = time.Unix(0, until)
	}
	return &state, nil
}

// SaveLockout upserts the lockout state. The deadline keeps nanosecond
// precision: rounding down to seconds would shave up to 999ms off a
// window, and the first backoff window is exactly one second.
func (s *TrustStore) SaveLockout(state *security.LockoutState) error {
	var until int64
	if !state.LockoutUntil.IsZero() {
		until = state.LockoutUntil.UnixNano()
	}
	_, err := s.db.Exec(
		`INSERT INTO lockout_state (id, failed_attempts, lockout_until) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET failed_attempts = excluded.failed_attempts,
			lockout_until = excluded.lockout_until`,
		state.FailedAttempts, until,
	)
	if err != nil {
		return fmt.Errorf("failed to save lockout state: %w", err)
	}
	return nil
}

// =============================================================================
// WINDOW STORE
// =============================================================================

// LoadWindow returns the rate window for a key, or (nil, nil).
func (s *TrustStore) LoadWindow(key string) (*security.Window, error) {
	var window security.Window
	var start int64

	err := s.db.QueryRow(
		`SELECT count, window_start FROM rate_window WHERE key = ?`, key,
	).Scan(&window.Count, &start)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rate window: %w", err)
	}

	window.WindowStart = time.Unix(0, start)
	return &window, nil
}

// SaveWindow upserts the rate window for a key. Window starts keep
// nanosecond precision; budgets can be sub-second in tests.
func (s *TrustStore) SaveWindow(key string, window security.Window) error {
	_, err := s.db.Exec(
		`INSERT INTO rate_window (key, count, window_start) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET count = excluded.count,
			window_start = excluded.window_start`,
		key, window.Count, window.WindowStart.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save rate window: %w", err)
	}
	return nil
}
