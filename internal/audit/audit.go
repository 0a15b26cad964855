// Copyright (c) 2025 Kintrack Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit defines the trust core's audit events and the sink
// contract they are emitted through.
//
// The trust core emits events; it never owns log storage or retention.
// The surrounding application supplies a Sink (an append-only log
// collaborator). A file-backed sink with secret redaction is provided
// for the operator CLI and for deployments without a central collector.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

// Event types emitted by the trust core.
const (
	EventAuthSuccess        = "AUTH_SUCCESS"
	EventAuthFailure        = "AUTH_FAILURE"
	EventAuthLockout        = "AUTH_LOCKOUT"
	EventSessionTimeout     = "SESSION_TIMEOUT"
	EventSessionUnlock      = "SESSION_UNLOCK"
	EventPermissionDenied   = "PERMISSION_DENIED"
	EventRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	EventCredentialChanged  = "CREDENTIAL_CHANGED"
	EventCredentialMigrated = "CREDENTIAL_MIGRATED"
	EventStateTampered      = "STATE_TAMPERED"
)

// Severity classifies how urgent an event is for reviewers.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a single audit entry. Events are emitted, not persisted, by
// the trust core; retention belongs to the receiving sink.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	Severity  Severity          `json:"severity"`
	Detail    string            `json:"detail,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// New builds an event with a fresh ID and the current time.
func New(eventType string, severity Severity, detail string, metadata map[string]string) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		EventType: eventType,
		Severity:  severity,
		Detail:    detail,
		Metadata:  metadata,
	}
}

// ToLogLine formats the event as a single pipe-separated log line.
func (e *Event) ToLogLine() string {
	return fmt.Sprintf("%s | %s | %s | %s",
		e.Timestamp.Format("2006-01-02 15:04:05"),
		e.EventType,
		e.Severity,
		e.Detail,
	)
}

// =============================================================================
// SINK CONTRACT
// =============================================================================

// Sink receives audit events. Implementations must be safe for
// concurrent use and must treat the stream as append-only.
type Sink interface {
	Emit(event Event) error
}

// NullSink discards every event. Useful when auditing is disabled.
type NullSink struct{}

// Emit discards the event.
func (NullSink) Emit(Event) error { return nil }

// =============================================================================
// MEMORY SINK
// =============================================================================

// MemorySink buffers events in memory. Intended for tests and for the
// surrounding application's in-process review views.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Emit appends the event to the buffer.
func (s *MemorySink) Emit(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of all buffered events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// EventsOfType returns buffered events matching the given type.
func (s *MemorySink) EventsOfType(eventType string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// =============================================================================
// SECRET REDACTION
// =============================================================================

// secretPatterns scrub credential material that must never reach a log,
// applied by FileSink before writing.
var secretPatterns = []struct {
	pattern *regexp.Regexp
	replace string
}{
	{regexp.MustCompile(`(?i)(pin|password|passwd|pwd)\s*[=:]\s*\S+`), "$1=[REDACTED]"},
	{regexp.MustCompile(`\b[0-9a-f]{32}\$\$[0-9a-f]{64}\b`), "[CREDENTIAL_REDACTED]"},
	{regexp.MustCompile(`Bearer\s+[a-zA-Z0-9\-_.]+`), "Bearer [TOKEN_REDACTED]"},
}

func scrubSecrets(s string) string {
	for _, sp := range secretPatterns {
		s = sp.pattern.ReplaceAllString(s, sp.replace)
	}
	return s
}

// =============================================================================
// FILE SINK
// =============================================================================

// DefaultMaxFileSize is the maximum sink file size before rotation (10MB).
const DefaultMaxFileSize int64 = 10 * 1024 * 1024

// FileSink appends JSON-line events to a log file, scrubbing secret
// material from detail and metadata first. The file is rotated in place
// once it exceeds maxSize.
type FileSink struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	maxSize int64
}

// NewFileSink opens (or creates) an append-only sink file at path.
func NewFileSink(path string) (*FileSink, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &FileSink{
		path:    path,
		file:    file,
		maxSize: DefaultMaxFileSize,
	}, nil
}

// Emit writes the event as one JSON line.
func (s *FileSink) Emit(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("audit sink closed")
	}

	event.Detail = scrubSecrets(event.Detail)
	if len(event.Metadata) > 0 {
		// Scrub into a copy: the map is shared with the caller even
		// though the event itself is passed by value.
		scrubbed := make(map[string]string, len(event.Metadata))
		for k, v := range event.Metadata {
			scrubbed[k] = scrubSecrets(v)
		}
		event.Metadata = scrubbed
	}

	if err := s.rotateIfNeededLocked(); err != nil {
		return err
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// rotateIfNeededLocked renames the log aside once it exceeds maxSize.
func (s *FileSink) rotateIfNeededLocked() error {
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat audit log: %w", err)
	}
	if info.Size() < s.maxSize {
		return nil
	}

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log for rotation: %w", err)
	}

	rotated := s.path + "." + time.Now().Format("20060102-150405")
	if err := os.Rename(s.path, rotated); err != nil {
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to reopen audit log: %w", err)
	}
	s.file = file
	return nil
}

// Close flushes and closes the sink file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
