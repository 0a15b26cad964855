// Copyright (c) 2025 Kintrack Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file implements the idle-lock session guard: a two-state
// machine (active/locked) driven by a single owned timer. Every lock
// decision goes through the guard; nothing else flips the state.
package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/kintrack/kintrack/internal/audit"
)

// =============================================================================
// STATE
// =============================================================================

// SessionState is the guard's lock state.
type SessionState int

const (
	// StateActive means the session is unlocked and usable.
	StateActive SessionState = iota

	// StateLocked means the PIN gate is up.
	StateLocked
)

func (s SessionState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateLocked:
		return "locked"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// =============================================================================
// CONFIG
// =============================================================================

// DefaultIdleTimeout is the idle span before auto-lock fires.
const DefaultIdleTimeout = time.Minute

// GuardConfig controls when the guard arms its idle timer.
type GuardConfig struct {
	// AutoLockEnabled arms idle locking. Off means the session stays
	// active indefinitely.
	AutoLockEnabled bool

	// IdleTimeout is the inactivity span before locking.
	IdleTimeout time.Duration

	// OnboardingComplete gates locking entirely: a user who has not
	// finished setup has no PIN to unlock with, and locking them out
	// of onboarding would brick the app.
	OnboardingComplete bool
}

// armable reports whether this config permits the idle timer at all.
func (c GuardConfig) armable() bool {
	return c.AutoLockEnabled && c.OnboardingComplete && c.IdleTimeout > 0
}

// =============================================================================
// SESSION GUARD
// =============================================================================

// SessionGuard owns the session lock state and the idle timer.
//
// The timer is exclusive: arming always cancels any previous timer
// first, so stale timers from before a Touch or Reconfigure can never
// fire a spurious lock.
type SessionGuard struct {
	mu    sync.Mutex
	state SessionState
	cfg   GuardConfig
	timer *time.Timer

	// timerGen increments on every arm and cancel. A timer callback
	// carries the generation it was armed with; a mismatch means the
	// timer was cancelled after its callback had already started, so
	// the callback must not act.
	timerGen uint64

	credentials *CredentialStore
	lockout     *LockoutPolicy
	sink        audit.Sink

	// onStateChange fires outside the guard's lock after every
	// transition, so the callback may call back into the guard.
	onStateChange func(SessionState)

	stopped bool
}

// GuardOption configures a SessionGuard.
type GuardOption func(*SessionGuard)

// WithGuardAudit sets the audit sink for session events.
func WithGuardAudit(sink audit.Sink) GuardOption {
	return func(g *SessionGuard) {
		g.sink = sink
	}
}

// WithStateChange registers the transition callback.
func WithStateChange(fn func(SessionState)) GuardOption {
	return func(g *SessionGuard) {
		g.onStateChange = fn
	}
}

// NewSessionGuard creates a guard in the active state and arms the
// idle timer if the config allows it.
func NewSessionGuard(credentials *CredentialStore, lockout *LockoutPolicy, cfg GuardConfig, opts ...GuardOption) *SessionGuard {
	g := &SessionGuard{
		state:       StateActive,
		cfg:         cfg,
		credentials: credentials,
		lockout:     lockout,
		sink:        audit.NullSink{},
	}
	for _, opt := range opts {
		opt(g)
	}

	g.mu.Lock()
	g.armLocked()
	g.mu.Unlock()
	return g
}

// =============================================================================
// OPERATIONS
// =============================================================================

// State returns the current lock state.
func (g *SessionGuard) State() SessionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Touch records user activity, pushing the idle deadline out. It has
// no effect while locked: activity on the lock screen is not a session.
func (g *SessionGuard) Touch() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != StateActive || g.stopped {
		return
	}
	g.armLocked()
}

// Lock locks the session immediately (user-initiated, not idle).
func (g *SessionGuard) Lock() {
	g.mu.Lock()
	if g.state == StateLocked || g.stopped {
		g.mu.Unlock()
		return
	}
	g.cancelTimerLocked()
	g.state = StateLocked
	g.mu.Unlock()

	g.emit(audit.EventSessionTimeout, audit.SeverityInfo, "session locked by user", nil)
	g.notify(StateLocked)
}

// Unlock attempts a PIN unlock.
//
// The order is fixed: the lockout gate first (a locked-out caller
// never reaches verification), then the PBKDF2 verification OUTSIDE
// the guard's mutex (it is deliberately slow), then state transition.
func (g *SessionGuard) Unlock(pin string) error {
	if err := g.lockout.Check(); err != nil {
		return err
	}

	ok, err := g.credentials.Verify(pin)
	if err != nil {
		return err
	}

	if !ok {
		backoff, rerr := g.lockout.RecordFailure()
		if rerr != nil {
			return rerr
		}
		g.emit(audit.EventAuthFailure, audit.SeverityWarning, "unlock attempt rejected",
			map[string]string{"backoff": backoff.String()})
		return ErrAuthenticationFailed
	}

	if err := g.lockout.RecordSuccess(); err != nil {
		return err
	}
	g.emit(audit.EventAuthSuccess, audit.SeverityInfo, "unlock verified", nil)

	g.mu.Lock()
	wasLocked := g.state == StateLocked
	g.state = StateActive
	g.armLocked()
	g.mu.Unlock()

	if wasLocked {
		g.emit(audit.EventSessionUnlock, audit.SeverityInfo, "session unlocked", nil)
		g.notify(StateActive)
	}
	return nil
}

// Reconfigure applies a new config. The timer is always cancelled
// first and re-armed only if the new config allows it; a session
// locked at the time stays locked.
func (g *SessionGuard) Reconfigure(cfg GuardConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped {
		return
	}
	g.cfg = cfg
	g.cancelTimerLocked()
	if g.state == StateActive {
		g.armLocked()
	}
}

// Stop cancels the timer permanently. The guard is unusable after.
func (g *SessionGuard) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.stopped = true
	g.cancelTimerLocked()
}

// =============================================================================
// INTERNAL
// =============================================================================

// armLocked (re)arms the idle timer. Caller holds g.mu. Any previous
// timer is cancelled first, keeping the single-timer invariant.
func (g *SessionGuard) armLocked() {
	g.cancelTimerLocked()
	if g.stopped || !g.cfg.armable() {
		return
	}
	gen := g.timerGen
	g.timer = time.AfterFunc(g.cfg.IdleTimeout, func() { g.lockOnIdle(gen) })
}

func (g *SessionGuard) cancelTimerLocked() {
	g.timerGen++
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

// lockOnIdle fires on the timer goroutine when the idle deadline
// passes without a Touch.
//
// Stop() on a timer whose callback has already started returns false
// and does nothing, so state checks alone cannot tell a timer that
// fired at its deadline from one that was cancelled an instant too
// late. The generation check can: a cancelled timer's generation is
// stale, and acting on it would lock despite the Touch and clobber
// the handle of whatever timer was armed since.
func (g *SessionGuard) lockOnIdle(gen uint64) {
	g.mu.Lock()
	if gen != g.timerGen || g.state != StateActive || g.stopped || !g.cfg.armable() {
		g.mu.Unlock()
		return
	}
	g.timer = nil
	g.state = StateLocked
	idle := g.cfg.IdleTimeout
	g.mu.Unlock()

	g.emit(audit.EventSessionTimeout, audit.SeverityInfo, "session locked after idle timeout",
		map[string]string{"idle_ms": fmt.Sprintf("%d", idle.Milliseconds())})
	g.notify(StateLocked)
}

func (g *SessionGuard) notify(state SessionState) {
	if g.onStateChange != nil {
		g.onStateChange(state)
	}
}

func (g *SessionGuard) emit(eventType string, severity audit.Severity, detail string, metadata map[string]string) {
	_ = g.sink.Emit(audit.New(eventType, severity, detail, metadata))
}
