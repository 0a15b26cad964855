// Copyright (c) 2025 Kintrack Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file implements named fixed-window request budgets for
// cost-bearing operations (AI calls, document scans).
//
// Fixed windows are deliberate: the accounting is one counter and one
// timestamp per key, trivially persistable. The known tradeoff is that
// a caller can spend a full budget at the end of one window and again
// at the start of the next, a transient double burst. For cost capping
// that is acceptable; these budgets are not a DoS defense.
package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/kintrack/kintrack/internal/audit"
)

// =============================================================================
// BUDGET KEYS
// =============================================================================

// Default budget keys. Each names a cost-bearing operation class.
const (
	BudgetAIGeneral  = "ai:general"
	BudgetChatQuery  = "ai:chat"
	BudgetScanUpload = "ai:scan"
)

// DefaultBudgets returns the built-in budget table.
func DefaultBudgets() map[string]Budget {
	return map[string]Budget{
		BudgetAIGeneral:  {MaxRequests: 30, Window: time.Minute},
		BudgetChatQuery:  {MaxRequests: 10, Window: time.Minute},
		BudgetScanUpload: {MaxRequests: 5, Window: time.Minute},
	}
}

// =============================================================================
// TYPES
// =============================================================================

// Budget is a request allowance per fixed window.
type Budget struct {
	MaxRequests int
	Window      time.Duration
}

// Window is the persisted counter state for one budget key.
type Window struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
}

// WindowStore persists rate windows so budgets hold across restarts.
type WindowStore interface {
	LoadWindow(key string) (*Window, error)
	SaveWindow(key string, window Window) error
}

// =============================================================================
// REGISTRY
// =============================================================================

// RateLimiterRegistry enforces the configured budgets. Keys without a
// configured budget are always allowed: an unknown key means a new call
// site shipped before its budget entry, and failing open there degrades
// cost capping rather than functionality.
type RateLimiterRegistry struct {
	mu      sync.Mutex
	budgets map[string]Budget
	store   WindowStore
	sink    audit.Sink
	now     func() time.Time
}

// RateLimiterOption configures a RateLimiterRegistry.
type RateLimiterOption func(*RateLimiterRegistry)

// WithRateClock injects the time source for tests.
func WithRateClock(now func() time.Time) RateLimiterOption {
	return func(r *RateLimiterRegistry) {
		r.now = now
	}
}

// WithRateAudit sets the audit sink for exhausted-budget events.
func WithRateAudit(sink audit.Sink) RateLimiterOption {
	return func(r *RateLimiterRegistry) {
		r.sink = sink
	}
}

// NewRateLimiterRegistry creates a registry with the default budgets
// over the given store.
func NewRateLimiterRegistry(store WindowStore, opts ...RateLimiterOption) *RateLimiterRegistry {
	r := &RateLimiterRegistry{
		budgets: DefaultBudgets(),
		store:   store,
		sink:    audit.NullSink{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Configure sets or replaces the budget for a key. A zero MaxRequests
// removes the key's budget entirely.
func (r *RateLimiterRegistry) Configure(key string, budget Budget) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if budget.MaxRequests <= 0 || budget.Window <= 0 {
		delete(r.budgets, key)
		return
	}
	r.budgets[key] = budget
}

// Allow consumes one request from the key's budget. It returns true
// when the request fits in the current window, false when the window
// is exhausted. Only allowed requests consume budget.
func (r *RateLimiterRegistry) Allow(key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	budget, ok := r.budgets[key]
	if !ok {
		return true, nil
	}

	window, err := r.currentWindowLocked(key, budget)
	if err != nil {
		return false, err
	}

	if window.Count >= budget.MaxRequests {
		return false, nil
	}

	window.Count++
	if err := r.store.SaveWindow(key, *window); err != nil {
		return false, fmt.Errorf("failed to save rate window: %w", err)
	}
	return true, nil
}

// Check is Allow with a typed error: exhausted budgets come back as a
// *RateLimitedError carrying the time until the window resets.
func (r *RateLimiterRegistry) Check(key string) error {
	allowed, err := r.Allow(key)
	if err != nil {
		return err
	}
	if allowed {
		return nil
	}

	resetIn := r.ResetTime(key)
	_ = r.sink.Emit(audit.New(audit.EventRateLimitExceeded, audit.SeverityWarning,
		fmt.Sprintf("budget %q exhausted", key),
		map[string]string{
			"key":      key,
			"reset_in": resetIn.String(),
		}))
	return &RateLimitedError{
		Key:     key,
		ResetIn: resetIn,
	}
}

// ResetTime returns the time until the key's current window rolls
// over, or zero when the key has no budget or no active window.
func (r *RateLimiterRegistry) ResetTime(key string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	budget, ok := r.budgets[key]
	if !ok {
		return 0
	}

	window, err := r.store.LoadWindow(key)
	if err != nil || window == nil || window.WindowStart.IsZero() {
		return 0
	}

	remaining := window.WindowStart.Add(budget.Window).Sub(r.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Remaining returns how many requests are left in the key's current
// window. Keys without a budget report -1 (unlimited).
func (r *RateLimiterRegistry) Remaining(key string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	budget, ok := r.budgets[key]
	if !ok {
		return -1, nil
	}

	window, err := r.currentWindowLocked(key, budget)
	if err != nil {
		return 0, err
	}

	left := budget.MaxRequests - window.Count
	if left < 0 {
		left = 0
	}
	return left, nil
}

// =============================================================================
// INTERNAL
// =============================================================================

// currentWindowLocked loads the key's window, rolling it over if its
// span has elapsed. The returned window is a private copy.
func (r *RateLimiterRegistry) currentWindowLocked(key string, budget Budget) (*Window, error) {
	window, err := r.store.LoadWindow(key)
	if err != nil {
		return nil, fmt.Errorf("failed to load rate window: %w", err)
	}

	now := r.now()
	if window == nil || now.Sub(window.WindowStart) >= budget.Window {
		return &Window{WindowStart: now}, nil
	}
	copied := *window
	return &copied, nil
}
