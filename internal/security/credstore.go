// Copyright (c) 2025 Kintrack Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file implements the credential store: ownership of the single
// persisted credential record, format versioning, and eager migration
// of legacy credentials on their first successful verification.
package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/kintrack/kintrack/internal/audit"
)

// =============================================================================
// BACKEND CONTRACT
// =============================================================================

// CredentialRecord is the persisted shape of the current credential.
type CredentialRecord struct {
	Stored    string    `json:"stored"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CredentialBackend persists the credential record. Implementations
// must return (nil, nil) when no credential has been enrolled.
//
// The backend is pluggable: storage.TrustStore provides a SQLite-backed
// implementation shared across processes, storage.FileTrustStore a
// signed single-file one, and MemoryTrustState an in-process fallback.
type CredentialBackend interface {
	LoadCredential() (*CredentialRecord, error)
	SaveCredential(record *CredentialRecord) error
	DeleteCredential() error
}

// =============================================================================
// CREDENTIAL STORE
// =============================================================================

// CredentialStore owns the current credential record. All reads and
// writes of the enrolled PIN go through it.
type CredentialStore struct {
	mu      sync.Mutex
	backend CredentialBackend
	sink    audit.Sink

	// onReset is invoked after a PIN change so the caller can clear
	// lockout state (a PIN change forgives prior failures).
	onReset func()
}

// CredentialStoreOption configures a CredentialStore.
type CredentialStoreOption func(*CredentialStore)

// WithCredentialAudit sets the audit sink for credential events.
func WithCredentialAudit(sink audit.Sink) CredentialStoreOption {
	return func(s *CredentialStore) {
		s.sink = sink
	}
}

// WithResetHook registers a callback fired after every successful PIN
// change or enrollment.
func WithResetHook(fn func()) CredentialStoreOption {
	return func(s *CredentialStore) {
		s.onReset = fn
	}
}

// NewCredentialStore creates a store over the given backend.
func NewCredentialStore(backend CredentialBackend, opts ...CredentialStoreOption) *CredentialStore {
	s := &CredentialStore{
		backend: backend,
		sink:    audit.NullSink{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Enrolled reports whether a credential exists.
func (s *CredentialStore) Enrolled() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.backend.LoadCredential()
	if err != nil {
		return false, fmt.Errorf("failed to load credential: %w", err)
	}
	return record != nil, nil
}

// SetPIN enrolls or replaces the credential. The PIN is validated,
// freshly salted and hashed; any previous record is overwritten.
func (s *CredentialStore) SetPIN(pin string) error {
	cred, err := HashPIN(pin)
	if err != nil {
		return err
	}

	s.mu.Lock()
	err = s.saveLocked(cred)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.emit(audit.EventCredentialChanged, audit.SeverityInfo, "credential enrolled or replaced")
	if s.onReset != nil {
		s.onReset()
	}
	return nil
}

// ChangePIN replaces the credential after verifying the current PIN.
func (s *CredentialStore) ChangePIN(currentPIN, newPIN string) error {
	if err := ValidatePIN(newPIN); err != nil {
		return err
	}

	ok, err := s.Verify(currentPIN)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAuthenticationFailed
	}

	return s.SetPIN(newPIN)
}

// Verify checks a PIN against the stored credential.
//
// A legacy-format credential that verifies successfully is re-hashed
// into the current format immediately (eager migration): the plaintext
// PIN is only available at this moment, so waiting would leave the weak
// hash on disk indefinitely.
func (s *CredentialStore) Verify(pin string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.backend.LoadCredential()
	if err != nil {
		return false, fmt.Errorf("failed to load credential: %w", err)
	}
	if record == nil {
		return false, ErrNoCredential
	}

	ok, secure := VerifyPIN(pin, record.Stored)
	if !ok {
		return false, nil
	}

	if !secure {
		if err := s.migrateLocked(pin); err != nil {
			// The verification itself succeeded; keep the session
			// usable and retry migration on the next unlock.
			s.emit(audit.EventCredentialMigrated, audit.SeverityWarning,
				"legacy credential migration failed: "+err.Error())
			return true, nil
		}
		s.emit(audit.EventCredentialMigrated, audit.SeverityInfo,
			"legacy credential re-hashed to current format")
	}

	return true, nil
}

// Clear removes the credential record entirely. Only a full data reset
// goes through here.
func (s *CredentialStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.DeleteCredential(); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	s.emit(audit.EventCredentialChanged, audit.SeverityWarning, "credential cleared")
	return nil
}

// =============================================================================
// INTERNAL
// =============================================================================

func (s *CredentialStore) saveLocked(cred *Credential) error {
	record := &CredentialRecord{
		Stored:    cred.Encode(),
		Version:   cred.Version,
		UpdatedAt: time.Now(),
	}
	if err := s.backend.SaveCredential(record); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

func (s *CredentialStore) migrateLocked(pin string) error {
	cred, err := HashPIN(pin)
	if err != nil {
		return err
	}
	return s.saveLocked(cred)
}

func (s *CredentialStore) emit(eventType string, severity audit.Severity, detail string) {
	_ = s.sink.Emit(audit.New(eventType, severity, detail, nil))
}
