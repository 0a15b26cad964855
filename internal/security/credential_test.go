// Copyright (c) 2025 Kintrack Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPINRoundTrip(t *testing.T) {
	cred, err := HashPIN("1234")
	require.NoError(t, err)

	ok, secure := VerifyPIN("1234", cred.Encode())
	assert.True(t, ok)
	assert.True(t, secure)
}

func TestVerifyPINRejectsWrongPIN(t *testing.T) {
	cred, err := HashPIN("1234")
	require.NoError(t, err)

	ok, _ := VerifyPIN("4321", cred.Encode())
	assert.False(t, ok)
}

func TestHashPINSaltsAreUnique(t *testing.T) {
	a, err := HashPIN("1234")
	require.NoError(t, err)
	b, err := HashPIN("1234")
	require.NoError(t, err)

	assert.NotEqual(t, a.SaltHex, b.SaltHex)
	assert.NotEqual(t, a.HashHex, b.HashHex)
}

func TestHashPINValidation(t *testing.T) {
	cases := []struct {
		name string
		pin  string
	}{
		{"too short", "123"},
		{"too long", "1234567890123"},
		{"letters", "12ab"},
		{"empty", ""},
		{"spaces", "12 4"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := HashPIN(tc.pin)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}

func TestVerifyPINLegacyFormat(t *testing.T) {
	legacy, err := LegacyHashForMigration("1234")
	require.NoError(t, err)
	require.NotContains(t, legacy.Encode(), CredentialSeparator)

	ok, secure := VerifyPIN("1234", legacy.Encode())
	assert.True(t, ok)
	assert.False(t, secure, "legacy credentials must report insecure format")

	ok, _ = VerifyPIN("9999", legacy.Encode())
	assert.False(t, ok)
}

func TestVerifyPINMalformedStored(t *testing.T) {
	cases := []struct {
		name   string
		stored string
	}{
		{"empty", ""},
		{"separator only", "$$"},
		{"missing hash", "deadbeef$$"},
		{"missing salt", "$$deadbeef"},
		{"non-hex salt", "zzzz$$deadbeef"},
		{"non-hex hash", "deadbeef$$zzzz"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, _ := VerifyPIN("1234", tc.stored)
			assert.False(t, ok)
		})
	}
}

func TestEncodeFormat(t *testing.T) {
	cred, err := HashPIN("123456")
	require.NoError(t, err)

	encoded := cred.Encode()
	parts := strings.SplitN(encoded, CredentialSeparator, 2)
	require.Len(t, parts, 2)
	assert.Len(t, parts[0], SaltSize*2, "hex salt length")
	assert.Len(t, parts[1], KeySize*2, "hex hash length")
}

// TestVerifyPINTimingUniformity compares elapsed verification time for
// a candidate sharing no digits with the real PIN against one sharing
// three of four. A short-circuiting comparison would make the near-miss
// measurably slower to reject; constant-time comparison keeps both
// within the same order of magnitude.
func TestVerifyPINTimingUniformity(t *testing.T) {
	if testing.Short() {
		t.Skip("timing trial is slow")
	}

	cred, err := HashPIN("1234")
	require.NoError(t, err)
	stored := cred.Encode()

	const trials = 5
	measure := func(candidate string) time.Duration {
		var total time.Duration
		for i := 0; i < trials; i++ {
			start := time.Now()
			ok, _ := VerifyPIN(candidate, stored)
			total += time.Since(start)
			require.False(t, ok)
		}
		return total / trials
	}

	far := measure("0000")
	near := measure("1239")

	ratio := float64(far) / float64(near)
	if ratio < 1 {
		ratio = 1 / ratio
	}
	assert.Less(t, ratio, 10.0, "elapsed times should be within one order of magnitude")
}

func TestLegacyHashIsDeterministic(t *testing.T) {
	a, err := LegacyHashForMigration("4321")
	require.NoError(t, err)
	b, err := LegacyHashForMigration("4321")
	require.NoError(t, err)
	assert.Equal(t, a.HashHex, b.HashHex)
	assert.Equal(t, CredentialVersionLegacy, a.Version)
}
