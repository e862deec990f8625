package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopedFieldsReachOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentops.log")
	log, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.WithSessionID("sess-1").Info("session event")
	log.WithExecutionID("exec-1").Warn("execution event")
	require.NoError(t, log.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(raw), []byte("\n"))
	require.Len(t, lines, 2)

	var first, second map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.Equal(t, "sess-1", first["session_id"])
	assert.Equal(t, "info", first["level"])
	assert.Equal(t, "exec-1", second["execution_id"])
	assert.Equal(t, "warn", second["level"])
	assert.NotEmpty(t, first["timestamp"])
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.log")
	log, err := NewLogger(LoggingConfig{Level: "loud", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.Debug("below the fallback level")
	log.Info("visible")
	require.NoError(t, log.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "below the fallback level")
	assert.Contains(t, string(raw), "visible")
}
