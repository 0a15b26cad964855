// Copyright (c) 2025 Kintrack Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security implements the kintrack trust and access control
// core: PIN credential hashing, lockout with exponential backoff, the
// idle-lock session guard, role-based authorization, fixed-window rate
// budgets, and PII redaction.
package security

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// ErrAuthenticationFailed indicates a credential mismatch. Retriable,
// subject to lockout accounting.
var ErrAuthenticationFailed = errors.New("authentication failed: credential mismatch")

// ErrNoCredential indicates no PIN has been enrolled yet.
var ErrNoCredential = errors.New("no credential enrolled")

// ValidationError rejects malformed credential input before any hashing
// takes place (wrong PIN length or characters).
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid credential input: " + e.Reason
}

// LockedOutError indicates too many recent failures. Retriable only
// after Remaining elapses; callers surface the remaining time to the
// user rather than retrying internally.
type LockedOutError struct {
	Remaining time.Duration
	Attempts  int
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("locked out: %d failed attempts, retry in %s",
		e.Attempts, e.Remaining.Round(time.Second))
}

// PermissionDeniedError indicates an authorization failure at a
// mutation boundary. Fatal for the current action; never swallowed.
type PermissionDeniedError struct {
	PrincipalID string
	Role        Role
	Permission  Permission
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: role %q lacks %q", e.Role, e.Permission)
}

// RateLimitedError indicates a budget window is exhausted. Retriable
// after ResetIn; callers may substitute a local fallback path instead
// of failing outright.
type RateLimitedError struct {
	Key     string
	ResetIn time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: budget %q resets in %s", e.Key, e.ResetIn.Round(time.Second))
}
