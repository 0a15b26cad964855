// Copyright (c) 2025 Kintrack Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file implements PIN credential derivation and verification.
//
// Current format: PBKDF2-SHA-256 over a random 128-bit salt, serialized
// as "{saltHex}$${hashHex}". A legacy separator-less format (weak
// non-cryptographic hash with a fixed implicit salt) is still verified
// for migration; callers re-hash eagerly on the first successful legacy
// verification.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// CredentialSeparator joins the hex salt and hex hash in the
	// current serialized format. Its presence distinguishes current
	// from legacy credentials.
	CredentialSeparator = "$$"

	// SaltSize is the salt length in bytes (128 bits).
	SaltSize = 16

	// KeySize is the derived key length in bytes (256 bits).
	KeySize = 32

	// PBKDF2Iterations is the PBKDF2-SHA-256 iteration count.
	// OWASP 2023 recommends 600,000+ for PBKDF2-SHA-256.
	PBKDF2Iterations = 600_000

	// CredentialVersionLegacy marks the separator-less weak format.
	CredentialVersionLegacy = 1

	// CredentialVersionPBKDF2 marks the current salted PBKDF2 format.
	CredentialVersionPBKDF2 = 2

	// MinPINLength and MaxPINLength bound accepted PIN input.
	MinPINLength = 4
	MaxPINLength = 12
)

// legacySalt is the fixed implicit salt of the legacy format. It exists
// only so old credentials keep verifying until they are migrated.
const legacySalt = "kintrack-local"

// =============================================================================
// CREDENTIAL
// =============================================================================

// Credential is a derived PIN credential ready for persistence.
type Credential struct {
	SaltHex   string    `json:"salt_hex"`
	HashHex   string    `json:"hash_hex"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Encode serializes the credential in the stored wire format.
func (c *Credential) Encode() string {
	if c.Version == CredentialVersionLegacy {
		return c.HashHex
	}
	return c.SaltHex + CredentialSeparator + c.HashHex
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidatePIN rejects malformed PIN input before any derivation work.
func ValidatePIN(pin string) error {
	if len(pin) < MinPINLength || len(pin) > MaxPINLength {
		return &ValidationError{
			Reason: fmt.Sprintf("PIN must be %d-%d digits", MinPINLength, MaxPINLength),
		}
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			return &ValidationError{Reason: "PIN must contain only digits"}
		}
	}
	return nil
}

// =============================================================================
// DERIVATION
// =============================================================================

// HashPIN derives a fresh credential from a PIN using a random salt.
func HashPIN(pin string) (*Credential, error) {
	if err := ValidatePIN(pin); err != nil {
		return nil, err
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(pin), salt, PBKDF2Iterations, KeySize, sha256.New)

	return &Credential{
		SaltHex:   hex.EncodeToString(salt),
		HashHex:   hex.EncodeToString(key),
		Version:   CredentialVersionPBKDF2,
		CreatedAt: time.Now(),
	}, nil
}

// =============================================================================
// VERIFICATION
// =============================================================================

// VerifyPIN checks a candidate PIN against a stored credential string.
//
// The stored format is detected by the presence of the separator:
// current credentials verify via PBKDF2 with the stored salt, legacy
// ones via the weak fixed-salt hash. Both paths finish with a
// constant-time digest comparison so elapsed time does not depend on
// how many leading bytes match.
//
// The second return value reports whether the stored credential is in
// the current secure format; callers use it to trigger migration.
// Malformed stored values return (false, false) and never panic.
func VerifyPIN(pin, stored string) (ok bool, secure bool) {
	if stored == "" {
		return false, false
	}

	if !strings.Contains(stored, CredentialSeparator) {
		return verifyLegacy(pin, stored), false
	}

	parts := strings.SplitN(stored, CredentialSeparator, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return false, true
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return false, true
	}
	want, err := hex.DecodeString(parts[1])
	if err != nil {
		return false, true
	}

	got := pbkdf2.Key([]byte(pin), salt, PBKDF2Iterations, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1, true
}

// verifyLegacy checks a PIN against the separator-less legacy format.
func verifyLegacy(pin, stored string) bool {
	got := legacyHash(pin)
	return subtle.ConstantTimeCompare([]byte(got), []byte(stored)) == 1
}

// legacyHash is the weak non-cryptographic hash of the legacy format
// (djb2 over a fixed salt). Kept only so existing credentials verify
// once more before being re-hashed; never used for new credentials.
func legacyHash(pin string) string {
	h := uint32(5381)
	for _, c := range []byte(legacySalt + pin) {
		h = h*33 + uint32(c)
	}
	return strconv.FormatUint(uint64(h), 16)
}

// LegacyHashForMigration exposes the legacy derivation for import of
// credentials created by earlier releases. New enrollments always use
// HashPIN.
func LegacyHashForMigration(pin string) (*Credential, error) {
	if err := ValidatePIN(pin); err != nil {
		return nil, err
	}
	return &Credential{
		HashHex:   legacyHash(pin),
		Version:   CredentialVersionLegacy,
		CreatedAt: time.Now(),
	}, nil
}
