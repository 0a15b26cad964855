// Copyright (c) 2025 Kintrack Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kintrack/kintrack/internal/audit"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestPolicy(t *testing.T, opts ...LockoutOption) (*LockoutPolicy, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]LockoutOption{WithLockoutClock(clock.Now)}, opts...)
	return NewLockoutPolicy(NewMemoryTrustState(), opts...), clock
}

func TestLockoutNoBackoffBelowThreshold(t *testing.T) {
	policy, _ := newTestPolicy(t)

	for i := 0; i < LockoutThreshold-1; i++ {
		backoff, err := policy.RecordFailure()
		require.NoError(t, err)
		assert.Zero(t, backoff)
		assert.NoError(t, policy.Check())
	}
}

func TestLockoutBackoffSchedule(t *testing.T) {
	policy, clock := newTestPolicy(t)

	// Attempts 1-2: free. Attempt 3: 1s. 4: 2s. 5: 4s. 6: 8s.
	expected := []time.Duration{
		0, 0,
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
	}
	for i, want := range expected {
		// Step past any active window so this failure represents a
		// genuine retry, not a blocked one.
		clock.Advance(policy.Remaining())

		backoff, err := policy.RecordFailure()
		require.NoError(t, err)
		assert.Equal(t, want, backoff, "attempt %d", i+1)
	}
}

func TestLockoutBackoffIsCapped(t *testing.T) {
	policy, clock := newTestPolicy(t, WithMaxBackoff(30*time.Second))

	var backoff time.Duration
	var err error
	for i := 0; i < 12; i++ {
		clock.Advance(policy.Remaining())
		backoff, err = policy.RecordFailure()
		require.NoError(t, err)
	}
	assert.Equal(t, 30*time.Second, backoff)
}

func TestLockoutCheckReturnsTypedError(t *testing.T) {
	policy, _ := newTestPolicy(t)

	for i := 0; i < LockoutThreshold; i++ {
		_, err := policy.RecordFailure()
		require.NoError(t, err)
	}

	err := policy.Check()
	var lerr *LockedOutError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, LockoutThreshold, lerr.Attempts)
	assert.Greater(t, lerr.Remaining, time.Duration(0))
}

func TestLockoutWindowExpiryDoesNotResetCounter(t *testing.T) {
	policy, clock := newTestPolicy(t)

	for i := 0; i < LockoutThreshold; i++ {
		_, err := policy.RecordFailure()
		require.NoError(t, err)
	}

	// Wait out the 1s window: retrying is allowed again, but the
	// counter is unchanged, so the next failure backs off harder.
	clock.Advance(2 * time.Second)
	require.NoError(t, policy.Check())
	assert.Equal(t, LockoutThreshold, policy.Attempts())

	backoff, err := policy.RecordFailure()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, backoff)
}

func TestLockoutSuccessResetsEverything(t *testing.T) {
	policy, clock := newTestPolicy(t)

	for i := 0; i < LockoutThreshold+2; i++ {
		clock.Advance(policy.Remaining())
		_, err := policy.RecordFailure()
		require.NoError(t, err)
	}

	require.NoError(t, policy.RecordSuccess())

	assert.Zero(t, policy.Attempts())
	assert.Zero(t, policy.Remaining())
	assert.NoError(t, policy.Check())

	// Counting starts over from zero.
	backoff, err := policy.RecordFailure()
	require.NoError(t, err)
	assert.Zero(t, backoff)
}

func TestLockoutStateSurvivesPolicyRestart(t *testing.T) {
	store := NewMemoryTrustState()
	clock := newFakeClock()

	policy := NewLockoutPolicy(store, WithLockoutClock(clock.Now))
	for i := 0; i < LockoutThreshold; i++ {
		_, err := policy.RecordFailure()
		require.NoError(t, err)
	}

	// A fresh policy over the same store sees the active window.
	restarted := NewLockoutPolicy(store, WithLockoutClock(clock.Now))
	var lerr *LockedOutError
	require.ErrorAs(t, restarted.Check(), &lerr)
	assert.Equal(t, LockoutThreshold, restarted.Attempts())
}

func TestLockoutEmitsAuditEvent(t *testing.T) {
	sink := audit.NewMemorySink()
	policy, _ := newTestPolicy(t, WithLockoutAudit(sink))

	for i := 0; i < LockoutThreshold; i++ {
		_, err := policy.RecordFailure()
		require.NoError(t, err)
	}

	events := sink.EventsOfType(audit.EventAuthLockout)
	require.Len(t, events, 1)
	assert.Equal(t, audit.SeverityWarning, events[0].Severity)
	assert.Equal(t, "3", events[0].Metadata["attempts"])
}
