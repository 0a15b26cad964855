// Copyright (c) 2025 Kintrack Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file implements the single-file trust state backend. The whole
// state is one JSON document with an HMAC-SHA256 trailer; the signing
// key lives next to it. Tampering with the state file (editing the
// failure counter, deleting it to reset a lockout) fails verification
// and surfaces as an error instead of a silently reset counter.
package storage

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/kintrack/kintrack/internal/audit"
	"github.com/kintrack/kintrack/internal/security"
	"github.com/kintrack/kintrack/internal/util"
)

// ErrStateTampered is returned when the state file fails HMAC
// verification or has gone missing while a signing key exists.
var ErrStateTampered = errors.New("trust state integrity check failed")

const signatureSize = sha256.Size

// trustStateFile is the signed JSON document.
type trustStateFile struct {
	Credential *security.CredentialRecord `json:"credential,omitempty"`
	Lockout    *security.LockoutState     `json:"lockout,omitempty"`
	Windows    map[string]security.Window `json:"windows,omitempty"`
}

// =============================================================================
// FILE TRUST STORE
// =============================================================================

// FileTrustStore persists trust state in a signed file. It implements
// security.CredentialBackend, security.LockoutStore, and
// security.WindowStore.
type FileTrustStore struct {
	mu   sync.Mutex
	path string
	key  []byte
	sink audit.Sink
}

// FileStoreOption configures a FileTrustStore.
type FileStoreOption func(*FileTrustStore)

// WithTamperAudit sets the audit sink for integrity failures.
func WithTamperAudit(sink audit.Sink) FileStoreOption {
	return func(s *FileTrustStore) {
		s.sink = sink
	}
}

// OpenFileTrustStore opens the signed state file at path, creating the
// signing key on first use. The key is stored at path + ".key".
func OpenFileTrustStore(path string, opts ...FileStoreOption) (*FileTrustStore, error) {
	s := &FileTrustStore{path: path, sink: audit.NullSink{}}
	for _, opt := range opts {
		opt(s)
	}

	keyPath := path + ".key"
	key, err := os.ReadFile(keyPath)
	if err == nil && len(key) == signatureSize {
		s.key = key
		return s, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	// First run (or truncated key): generate and persist a new key.
	// An existing state file signed by a lost key will fail to verify,
	// which is the correct outcome.
	key = make([]byte, signatureSize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(keyPath, key, 0600, 0700); err != nil {
		return nil, fmt.Errorf("failed to save signing key: %w", err)
	}
	s.key = key

	// Sign an empty state immediately. From here on the state file must
	// always exist; a later missing file means someone deleted it to
	// reset the lockout ledger, and loads treat that as tampering.
	if _, err := os.Stat(path); os.IsNotExist(err) {
		s.mu.Lock()
		err := s.writeLocked(&trustStateFile{})
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// =============================================================================
// CREDENTIAL BACKEND
// =============================================================================

func (s *FileTrustStore) LoadCredential() (*security.CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	return state.Credential, nil
}

func (s *FileTrustStore) SaveCredential(record *security.CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateLocked(func(state *trustStateFile) {
		state.Credential = record
	})
}

func (s *FileTrustStore) DeleteCredential() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateLocked(func(state *trustStateFile) {
		state.Credential = nil
	})
}

// =============================================================================
// LOCKOUT STORE
// =============================================================================

func (s *FileTrustStore) LoadLockout() (*security.LockoutState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	return state.Lockout, nil
}

func (s *FileTrustStore) SaveLockout(lockout *security.LockoutState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := *lockout
	return s.updateLocked(func(state *trustStateFile) {
		state.Lockout = &saved
	})
}

// =============================================================================
// WINDOW STORE
// =============================================================================

func (s *FileTrustStore) LoadWindow(key string) (*security.Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	window, ok := state.Windows[key]
	if !ok {
		return nil, nil
	}
	return &window, nil
}

func (s *FileTrustStore) SaveWindow(key string, window security.Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateLocked(func(state *trustStateFile) {
		if state.Windows == nil {
			state.Windows = make(map[string]security.Window)
		}
		state.Windows[key] = window
	})
}

// =============================================================================
// INTERNAL
// =============================================================================

// loadLocked reads and verifies the state file. OpenFileTrustStore
// writes a signed empty state alongside a fresh key, so the file always
// exists after open; a missing file here means it was deleted out from
// under us and reads as tampering.
func (s *FileTrustStore) loadLocked() (*trustStateFile, error) {
	payload, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, s.tampered("state file missing")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read trust state: %w", err)
	}

	if len(payload) < signatureSize {
		return nil, s.tampered("state file truncated")
	}
	data := payload[:len(payload)-signatureSize]
	sig := payload[len(payload)-signatureSize:]

	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, s.tampered("signature mismatch")
	}

	var state trustStateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, s.tampered("signed payload unparsable")
	}
	return &state, nil
}

func (s *FileTrustStore) tampered(reason string) error {
	_ = s.sink.Emit(audit.New(audit.EventStateTampered, audit.SeverityCritical,
		"trust state integrity check failed: "+reason, nil))
	return ErrStateTampered
}

func (s *FileTrustStore) updateLocked(mutate func(*trustStateFile)) error {
	state, err := s.loadLocked()
	if err != nil {
		return err
	}
	mutate(state)
	return s.writeLocked(state)
}

func (s *FileTrustStore) writeLocked(state *trustStateFile) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal trust state: %w", err)
	}

	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	payload := append(data, mac.Sum(nil)...)

	if err := util.AtomicWriteFileWithDir(s.path, payload, 0600, 0700); err != nil {
		return fmt.Errorf("failed to write trust state: %w", err)
	}
	return nil
}
