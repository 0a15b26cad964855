// Copyright (c) 2025 Kintrack Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import "sync"

// MemoryTrustState is an in-process implementation of the persistence
// contracts (CredentialBackend, LockoutStore, WindowStore). It backs
// tests and embedded callers that manage their own durability; it does
// NOT survive restarts, so production callers use a storage-backed
// implementation for lockout and rate state.
type MemoryTrustState struct {
	mu         sync.Mutex
	credential *CredentialRecord
	lockout    *LockoutState
	windows    map[string]Window
}

// NewMemoryTrustState creates an empty in-memory trust state.
func NewMemoryTrustState() *MemoryTrustState {
	return &MemoryTrustState{
		windows: make(map[string]Window),
	}
}

// LoadCredential returns the stored credential record, or (nil, nil).
func (m *MemoryTrustState) LoadCredential() (*CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.credential == nil {
		return nil, nil
	}
	record := *m.credential
	return &record, nil
}

// SaveCredential stores the credential record.
func (m *MemoryTrustState) SaveCredential(record *CredentialRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := *record
	m.credential = &saved
	return nil
}

// DeleteCredential removes the credential record.
func (m *MemoryTrustState) DeleteCredential() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.credential = nil
	return nil
}

// LoadLockout returns the stored lockout state, or (nil, nil).
func (m *MemoryTrustState) LoadLockout() (*LockoutState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lockout == nil {
		return nil, nil
	}
	state := *m.lockout
	return &state, nil
}

// SaveLockout stores the lockout state.
func (m *MemoryTrustState) SaveLockout(state *LockoutState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := *state
	m.lockout = &saved
	return nil
}

// LoadWindow returns the stored rate window for a key, or (nil, nil).
func (m *MemoryTrustState) LoadWindow(key string) (*Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	window, ok := m.windows[key]
	if !ok {
		return nil, nil
	}
	return &window, nil
}

// SaveWindow stores the rate window for a key.
func (m *MemoryTrustState) SaveWindow(key string, window Window) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.windows[key] = window
	return nil
}
