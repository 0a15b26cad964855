// Copyright (c) 2025 Kintrack Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventHasIdentityAndTimestamp(t *testing.T) {
	e := New(EventAuthSuccess, SeverityInfo, "unlocked", nil)

	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, EventAuthSuccess, e.EventType)
	assert.Equal(t, SeverityInfo, e.Severity)
}

func TestMemorySinkCollectsEvents(t *testing.T) {
	sink := NewMemorySink()

	require.NoError(t, sink.Emit(New(EventAuthFailure, SeverityWarning, "bad pin", nil)))
	require.NoError(t, sink.Emit(New(EventAuthSuccess, SeverityInfo, "unlocked", nil)))
	require.NoError(t, sink.Emit(New(EventAuthFailure, SeverityWarning, "bad pin", nil)))

	assert.Len(t, sink.Events(), 3)
	assert.Len(t, sink.EventsOfType(EventAuthFailure), 2)
	assert.Len(t, sink.EventsOfType(EventSessionTimeout), 0)
}

func TestFileSinkWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink, err := NewFileSink(path)
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Emit(New(EventSessionTimeout, SeverityInfo, "idle timeout fired", map[string]string{
		"idle_ms": "60000",
	})))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())

	var got Event
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &got))
	assert.Equal(t, EventSessionTimeout, got.EventType)
	assert.Equal(t, "60000", got.Metadata["idle_ms"])
	assert.False(t, scanner.Scan(), "expected exactly one line")
}

func TestFileSinkScrubsSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink, err := NewFileSink(path)
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Emit(New(EventAuthFailure, SeverityWarning, "attempt with pin=1234 rejected", nil)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "1234")
	assert.Contains(t, string(data), "[REDACTED]")
}

func TestFileSinkLeavesCallerMetadataIntact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink, err := NewFileSink(path)
	require.NoError(t, err)
	defer sink.Close()

	// The map travels by reference inside the event; scrubbing must
	// work on a copy, not rewrite the caller's values.
	metadata := map[string]string{"input": "pin=1234"}
	require.NoError(t, sink.Emit(New(EventAuthFailure, SeverityWarning, "rejected", metadata)))

	assert.Equal(t, "pin=1234", metadata["input"])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "pin=1234")
}

func TestFileSinkEmitAfterCloseFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink, err := NewFileSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	err = sink.Emit(New(EventAuthSuccess, SeverityInfo, "", nil))
	assert.Error(t, err)
}

func TestToLogLine(t *testing.T) {
	e := New(EventPermissionDenied, SeverityWarning, "viewer denied entries:delete", nil)
	line := e.ToLogLine()

	assert.Contains(t, line, EventPermissionDenied)
	assert.Contains(t, line, "viewer denied entries:delete")
	assert.Equal(t, 4, strings.Count(line, "|")+1, "four pipe-separated fields")
}
