package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventsPage = `[
  {"id": "9001", "markets": [
    {"slug": "will-it-rain", "conditionId": "0xabc", "clobTokenIds": "[\"101\", \"102\", \"103\"]",
     "volumeNum": 250000.5, "endDate": "2024-03-01T00:00:00Z"}
  ]}
]`

func fakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch r.URL.Path {
		case "/events":
			if q.Get("offset") != "0" {
				_, _ = w.Write([]byte(`[]`))
				return
			}
			_, _ = w.Write([]byte(eventsPage))
		case "/prices-history":
			if q.Get("market") == "101" {
				_, _ = w.Write([]byte(`{"history":[{"t":1709251200,"p":0.42},{"t":1709251260,"p":0.43}]}`))
				return
			}
			if q.Get("market") == "103" {
				http.Error(w, "upstream unavailable", http.StatusInternalServerError)
				return
			}
			_, _ = w.Write([]byte(`{"history":[]}`))
		case "/trades":
			if q.Get("market") == "0xabc" && q.Get("offset") == "0" {
				_, _ = w.Write([]byte(`[{"side":"BUY","size":20000},{"side":"SELL","size":15000}]`))
				return
			}
			_, _ = w.Write([]byte(`[]`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, root, baseURL string) string {
	t.Helper()
	cfg := map[string]any{
		"events": map[string]any{"base_url": baseURL, "output_dir": filepath.Join(root, "events")},
		"prices": map[string]any{
			"base_url":   baseURL,
			"output_dir": filepath.Join(root, "prices"),
			"events_dir": filepath.Join(root, "events"),
		},
		"trades": map[string]any{
			"base_url":   baseURL,
			"output_dir": filepath.Join(root, "trades"),
			"events_dir": filepath.Join(root, "events"),
			"rate_limit": 0,
		},
		"logging": map[string]any{"level": "error", "format": "json", "output": "stderr"},
		"ledger":  map[string]any{"type": "duckdb", "path": filepath.Join(root, "ledger.duckdb")},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(root, "polyingest.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func runCommand(t *testing.T, args ...string) (int, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String() + stderr.String()
}

func TestRunVersionAndUsage(t *testing.T) {
	code, out := runCommand(t, "version")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, AppName)

	code, _ = runCommand(t)
	assert.Equal(t, ExitUsageError, code)

	code, out = runCommand(t, "backfill")
	assert.Equal(t, ExitUsageError, code)
	assert.Contains(t, out, "Unknown command 'backfill'")

	code, out = runCommand(t, "prices", "--help")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "-workers")
}

func TestRunRejectsInvalidConfiguration(t *testing.T) {
	root := t.TempDir()
	path := writeConfig(t, root, "http://127.0.0.1:1")

	code, _ := runCommand(t, "trades", "--config", path, "--env-file", "", "--percentile", "2")
	assert.Equal(t, ExitConfigError, code)
}

func TestWorkflowsEndToEnd(t *testing.T) {
	srv := fakeUpstream(t)
	root := t.TempDir()
	cfgPath := writeConfig(t, root, srv.URL)
	common := []string{"--config", cfgPath, "--env-file", ""}

	code, out := runCommand(t, append([]string{"events"}, common...)...)
	require.Equal(t, ExitSuccess, code, out)
	assert.FileExists(t, filepath.Join(root, "events", "events_0000.json"))
	assert.Contains(t, out, "1 new pages")

	code, out = runCommand(t, append([]string{"prices", "--workers", "2"}, common...)...)
	require.Equal(t, ExitSuccess, code, out)
	assert.FileExists(t, filepath.Join(root, "prices", "prices_101", "prices_101.json"))
	marker, err := os.ReadFile(filepath.Join(root, "prices", "no_data.txt"))
	require.NoError(t, err)
	assert.Equal(t, "102\n", string(marker))
	assert.Contains(t, out, "1 failed")

	code, out = runCommand(t, append([]string{"trades"}, common...)...)
	require.Equal(t, ExitSuccess, code, out)
	tradesPath := filepath.Join(root, "trades", "trades_748", "trades_0xabc.json.gz")
	require.FileExists(t, tradesPath)

	f, err := os.Open(tradesPath)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	raw, err := io.ReadAll(gz)
	require.NoError(t, err)
	var trades []map[string]any
	require.NoError(t, json.Unmarshal(raw, &trades))
	assert.Len(t, trades, 2)

	// a second prices run skips what is done and retries the failure
	code, out = runCommand(t, append([]string{"prices"}, common...)...)
	require.Equal(t, ExitSuccess, code, out)
	assert.Contains(t, out, "2 already done")
	assert.Contains(t, out, "1 failed")

	code, out = runCommand(t, append([]string{"status"}, common...)...)
	require.Equal(t, ExitSuccess, code, out)
	assert.Contains(t, out, fmt.Sprintf("%-7s %6d files, next index 1", "events", 1))
	assert.Contains(t, out, fmt.Sprintf("%-7s %6d targets done", "prices", 2))
	assert.Contains(t, out, fmt.Sprintf("%-7s %6d targets done", "trades", 1))
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "1 failed targets will be retried")
	assert.Contains(t, out, "103 [fetch_fatal]")
	assert.Contains(t, out, "ledger schema version 2 of 2 (2 applied, 0 pending)")
}
