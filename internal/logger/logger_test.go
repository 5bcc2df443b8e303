package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-polymarket-ingest/internal/config"
)

func TestLoggerManagerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	lm := newLoggerManager(config.LoggingConfig{
		Level:         "info",
		Format:        "json",
		ContextFields: map[string]string{"service": "polyingest"},
	}, nopWriteCloser{&buf})

	lm.GetComponentLogger("fetcher").Info("rate limited", "wait", "1s")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "fetcher", entry["component"])
	assert.Equal(t, "polyingest", entry["service"])
	assert.Equal(t, "1s", entry["wait"])
}

func TestLoggerManagerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	lm := newLoggerManager(config.LoggingConfig{Level: "warn", Format: "text"}, nopWriteCloser{&buf})

	lm.baseLogger.Info("hidden")
	lm.baseLogger.Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
}

func TestComponentLoggerIsCached(t *testing.T) {
	lm := newLoggerManager(config.LoggingConfig{Level: "info"}, nopWriteCloser{&bytes.Buffer{}})
	assert.Same(t, lm.GetComponentLogger("walker"), lm.GetComponentLogger("walker"))
}

func TestFromContextCarriesRunAttributes(t *testing.T) {
	var buf bytes.Buffer
	lm := newLoggerManager(config.LoggingConfig{Level: "info", Format: "json"}, nopWriteCloser{&buf})

	ctx := WithRunID(context.Background(), "run-1")
	ctx = WithWorkflow(ctx, "trades")
	ctx = WithTarget(ctx, "0xabc")
	FromContext(ctx, lm.GetComponentLogger("driver")).Info("stored")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "run-1", entry["run_id"])
	assert.Equal(t, "trades", entry["workflow"])
	assert.Equal(t, "0xabc", entry["target"])
	assert.Equal(t, "driver", entry["component"])

	assert.Same(t, lm.baseLogger, FromContext(context.Background(), lm.baseLogger))
}

func TestFileOutputRequiresPath(t *testing.T) {
	_, err := NewLoggerManager(config.LoggingConfig{Output: "file"})
	require.Error(t, err)
}

func TestFileOutputCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "polyingest.log")
	lm, err := NewLoggerManager(config.LoggingConfig{Level: "info", Output: "file", FilePath: path, MaxSize: 1})
	require.NoError(t, err)
	lm.baseLogger.Info("hello")
	require.NoError(t, lm.Close())
	assert.FileExists(t, path)
}

func TestTimedOperation(t *testing.T) {
	var buf bytes.Buffer
	lm := newLoggerManager(config.LoggingConfig{Level: "info", Format: "text"}, nopWriteCloser{&buf})

	require.NoError(t, TimedOperation(lm.baseLogger, "scan", func() error { return nil }))
	boom := errors.New("boom")
	assert.ErrorIs(t, TimedOperation(lm.baseLogger, "scan", func() error { return boom }), boom)
	assert.Equal(t, 2, strings.Count(buf.String(), "operation=scan"))
}
