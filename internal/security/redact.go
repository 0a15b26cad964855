// Copyright (c) 2025 Kintrack Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file implements PII redaction applied to text before it leaves
// the device (AI prompts, exported documents, telemetry-free logs).
//
// Rules run in a fixed order: configured subject names first, then the
// pattern classes. Name matching must precede patterns so that a name
// embedded in an annotated string ("Mom: 555-123-4567") is scrubbed as
// a name rather than half-consumed by a pattern. Replacement tokens
// contain no digits or address characters, so re-running the redactor
// over its own output changes nothing.
package security

import (
	"regexp"
	"strings"
)

// =============================================================================
// TOKENS
// =============================================================================

const (
	TokenRedacted = "[REDACTED]"
	TokenEmail    = "[EMAIL_REDACTED]"
	TokenPhone    = "[PHONE_REDACTED]"
	TokenID       = "[ID_REDACTED]"
)

// =============================================================================
// PATTERNS
// =============================================================================

var (
	// emailPattern matches common address forms. Intentionally looser
	// than RFC 5322: over-redaction is the safe failure mode here.
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

	// phonePattern matches North American forms with optional country
	// code, separators, and parenthesized area code.
	phonePattern = regexp.MustCompile(`(?:\+?1[\s.\-]?)?(?:\(\d{3}\)|\d{3})[\s.\-]?\d{3}[\s.\-]?\d{4}\b`)

	// idPatterns match government identifier shapes: SSN with
	// separators, then bare nine-digit runs. Order matters, the
	// separated form must not be left as three fragments.
	idPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b\d{3}[\s\-]\d{2}[\s\-]\d{4}\b`),
		regexp.MustCompile(`\b\d{9}\b`),
	}
)

// =============================================================================
// REDACTOR
// =============================================================================

// RedactionConfig controls the privacy redactor.
type RedactionConfig struct {
	// Enabled gates all redaction. When false, Redact is the identity
	// function.
	Enabled bool

	// SubjectNames are care recipient names and aliases to scrub.
	SubjectNames []string
}

// Redactor scrubs subject names and PII patterns from text.
type Redactor struct {
	enabled      bool
	namePatterns []*regexp.Regexp
}

// NewRedactor compiles a redactor from config. Subject names are
// matched case-insensitively on word boundaries; regex metacharacters
// in names are escaped, a name is data, never a pattern.
func NewRedactor(cfg RedactionConfig) *Redactor {
	r := &Redactor{enabled: cfg.Enabled}
	for _, name := range cfg.SubjectNames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		r.namePatterns = append(r.namePatterns, namePattern(name))
	}
	return r
}

// namePattern compiles the match pattern for one subject name. A \b
// anchor only matches at a word/non-word transition, so it is applied
// per edge: a name ending in ")" followed by a space has no such
// transition, and an unconditional trailing \b would never match.
func namePattern(name string) *regexp.Regexp {
	runes := []rune(name)
	pattern := `(?i)`
	if isWordRune(runes[0]) {
		pattern += `\b`
	}
	pattern += regexp.QuoteMeta(name)
	if isWordRune(runes[len(runes)-1]) {
		pattern += `\b`
	}
	return regexp.MustCompile(pattern)
}

// isWordRune matches the regexp package's \w class, which defines
// where \b fires.
func isWordRune(r rune) bool {
	return r == '_' ||
		(r >= '0' && r <= '9') ||
		(r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z')
}

// Enabled reports whether redaction is active.
func (r *Redactor) Enabled() bool {
	return r.enabled
}

// Redact scrubs the input. Safe to call repeatedly; already-redacted
// text passes through unchanged.
func (r *Redactor) Redact(text string) string {
	if !r.enabled || text == "" {
		return text
	}

	for _, p := range r.namePatterns {
		text = p.ReplaceAllString(text, TokenRedacted)
	}
	text = emailPattern.ReplaceAllString(text, TokenEmail)
	text = phonePattern.ReplaceAllString(text, TokenPhone)
	for _, p := range idPatterns {
		text = p.ReplaceAllString(text, TokenID)
	}
	return text
}

// RedactMap scrubs every value of a string map, leaving keys alone.
// Used for audit event metadata.
func (r *Redactor) RedactMap(m map[string]string) map[string]string {
	if !r.enabled || len(m) == 0 {
		return m
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = r.Redact(v)
	}
	return out
}
