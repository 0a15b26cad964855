// Copyright (c) 2025 Kintrack Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file implements failed-attempt lockout with exponential backoff.
//
// The counter only resets on a successful verification. Expiry of a
// lockout window does not forgive prior failures, so a slow guessing
// campaign keeps paying an ever-growing penalty per wrong attempt.
package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/kintrack/kintrack/internal/audit"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// LockoutThreshold is the failed-attempt count at which backoff
	// starts. Below it, retries are immediate.
	LockoutThreshold = 3

	// DefaultMaxBackoff caps the per-attempt lockout duration.
	DefaultMaxBackoff = 15 * time.Minute
)

// =============================================================================
// STATE
// =============================================================================

// LockoutState is the persisted failure ledger.
type LockoutState struct {
	FailedAttempts int       `json:"failed_attempts"`
	LockoutUntil   time.Time `json:"lockout_until"`
}

// LockoutStore persists lockout state so it survives process restarts.
// A purely in-memory store would let an attacker reset the counter by
// killing the process.
type LockoutStore interface {
	LoadLockout() (*LockoutState, error)
	SaveLockout(state *LockoutState) error
}

// =============================================================================
// POLICY
// =============================================================================

// LockoutPolicy tracks failed verification attempts and enforces
// exponential backoff once the threshold is crossed.
type LockoutPolicy struct {
	mu         sync.Mutex
	store      LockoutStore
	sink       audit.Sink
	maxBackoff time.Duration
	now        func() time.Time
}

// LockoutOption configures a LockoutPolicy.
type LockoutOption func(*LockoutPolicy)

// WithMaxBackoff overrides the lockout duration cap.
func WithMaxBackoff(d time.Duration) LockoutOption {
	return func(p *LockoutPolicy) {
		if d > 0 {
			p.maxBackoff = d
		}
	}
}

// WithLockoutAudit sets the audit sink for lockout events.
func WithLockoutAudit(sink audit.Sink) LockoutOption {
	return func(p *LockoutPolicy) {
		p.sink = sink
	}
}

// WithLockoutClock injects the time source. Tests use it to step
// through backoff windows without sleeping.
func WithLockoutClock(now func() time.Time) LockoutOption {
	return func(p *LockoutPolicy) {
		p.now = now
	}
}

// NewLockoutPolicy creates a policy over the given store.
func NewLockoutPolicy(store LockoutStore, opts ...LockoutOption) *LockoutPolicy {
	p := &LockoutPolicy{
		store:      store,
		sink:       audit.NullSink{},
		maxBackoff: DefaultMaxBackoff,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Check returns a *LockedOutError when a lockout window is active, nil
// otherwise. Callers gate verification attempts on it.
func (p *LockoutPolicy) Check() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, err := p.loadLocked()
	if err != nil {
		return err
	}

	remaining := state.LockoutUntil.Sub(p.now())
	if remaining <= 0 {
		return nil
	}
	return &LockedOutError{
		Remaining: remaining,
		Attempts:  state.FailedAttempts,
	}
}

// Remaining returns the time left in the current lockout window, or
// zero when none is active.
func (p *LockoutPolicy) Remaining() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, err := p.loadLocked()
	if err != nil {
		return 0
	}
	if remaining := state.LockoutUntil.Sub(p.now()); remaining > 0 {
		return remaining
	}
	return 0
}

// Attempts returns the current consecutive failure count.
func (p *LockoutPolicy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, err := p.loadLocked()
	if err != nil {
		return 0
	}
	return state.FailedAttempts
}

// RecordFailure increments the failure counter and, past the threshold,
// opens a backoff window. It returns the duration of that window (zero
// below the threshold).
func (p *LockoutPolicy) RecordFailure() (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, err := p.loadLocked()
	if err != nil {
		return 0, err
	}

	state.FailedAttempts++
	backoff := p.backoffFor(state.FailedAttempts)
	if backoff > 0 {
		state.LockoutUntil = p.now().Add(backoff)
	}

	if err := p.store.SaveLockout(state); err != nil {
		return 0, fmt.Errorf("failed to save lockout state: %w", err)
	}

	if backoff > 0 {
		_ = p.sink.Emit(audit.New(audit.EventAuthLockout, audit.SeverityWarning,
			fmt.Sprintf("lockout after %d failed attempts", state.FailedAttempts),
			map[string]string{
				"attempts": fmt.Sprintf("%d", state.FailedAttempts),
				"backoff":  backoff.String(),
			}))
	}
	return backoff, nil
}

// RecordSuccess clears the failure counter and any active window.
// Nothing else resets the counter.
func (p *LockoutPolicy) RecordSuccess() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.store.SaveLockout(&LockoutState{}); err != nil {
		return fmt.Errorf("failed to reset lockout state: %w", err)
	}
	return nil
}

// =============================================================================
// INTERNAL
// =============================================================================

// backoffFor computes the lockout duration for a failure count:
// 2^(attempts-threshold) seconds, capped at maxBackoff. The first two
// failures carry no penalty.
func (p *LockoutPolicy) backoffFor(attempts int) time.Duration {
	if attempts < LockoutThreshold {
		return 0
	}
	exp := attempts - LockoutThreshold
	// 2^exp seconds overflows a Duration well before exp reaches 60;
	// anything past the cap's exponent short-circuits to the cap.
	if exp > 40 {
		return p.maxBackoff
	}
	backoff := time.Duration(1<<uint(exp)) * time.Second
	if backoff > p.maxBackoff {
		return p.maxBackoff
	}
	return backoff
}

func (p *LockoutPolicy) loadLocked() (*LockoutState, error) {
	state, err := p.store.LoadLockout()
	if err != nil {
		return nil, fmt.Errorf("failed to load lockout state: %w", err)
	}
	if state == nil {
		state = &LockoutState{}
	}
	return state, nil
}
