package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/backlog-assistant/internal/backlog"
)

func writeConfig(t *testing.T, baseURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := fmt.Sprintf(`
anthropic:
  api_key: test-key
  base_url: %q
sessions:
  driver: sqlite
usage:
  path: %q
data_dir: %q
log_level: warn
`, baseURL, filepath.Join(dir, "usage.db"), filepath.Join(dir, "data"))
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	stdout, _, err := runCmdStreams(t, args...)
	return stdout, err
}

func runCmdStreams(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, args)
	return stdout.String(), stderr.String(), err
}

func TestRun_Usage(t *testing.T) {
	out, err := runCmd(t)
	require.NoError(t, err)
	for _, cmd := range []string{"serve", "ask", "add-game", "migrate", "usage", "version"} {
		assert.Contains(t, out, cmd)
	}

	out, err = runCmd(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "backlog")
}

func TestRun_Errors(t *testing.T) {
	out, errOut, err := runCmdStreams(t, "launch")
	assert.Error(t, err)
	assert.Empty(t, out)
	assert.Contains(t, errOut, "Usage:")
	assert.Contains(t, errOut, "add-game")

	_, err = runCmd(t, "-o", "xml", "version")
	assert.Error(t, err)

	_, err = runCmd(t, "-c", filepath.Join(t.TempDir(), "missing.yaml"), "migrate")
	assert.Error(t, err)

	_, err = runCmd(t, "ask")
	assert.Error(t, err, "question is required")
}

func TestRun_Version(t *testing.T) {
	out, err := runCmd(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "backlog-assistant")
	assert.Contains(t, out, "go_version:")

	out, err = runCmd(t, "-o", "json", "version")
	require.NoError(t, err)
	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Contains(t, info, "version")
	assert.Contains(t, info, "arch")
}

func TestRun_MigrateAndAddGame(t *testing.T) {
	cfgPath := writeConfig(t, "http://127.0.0.1:1")

	out, err := runCmd(t, "-c", cfgPath, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "backlog.db")
	assert.Contains(t, out, "sessions: sqlite")
	assert.Contains(t, out, "usage.db")

	out, err = runCmd(t, "-c", cfgPath, "add-game", "-u", "alice", "--priority", "2", "Hollow", "Knight")
	require.NoError(t, err)
	assert.Contains(t, out, `added "Hollow Knight" to alice's backlog as entry 1 (backlog)`)

	out, err = runCmd(t, "-c", cfgPath, "-o", "json", "add-game", "-u", "alice", "--status", "playing", "Hades")
	require.NoError(t, err)
	var entry backlog.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entry))
	assert.EqualValues(t, 2, entry.ID)
	assert.Equal(t, backlog.StatusPlaying, entry.Status)

	_, err = runCmd(t, "-c", cfgPath, "add-game", "-u", "alice", "--status", "someday", "Celeste")
	assert.Error(t, err)

	_, err = runCmd(t, "-c", cfgPath, "add-game", "Celeste")
	assert.Error(t, err, "user is required")
}

func TestRun_Ask(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		w.Header().Set("Content-Type", "application/json")

		switch calls.Add(1) {
		case 1:
			assert.Contains(t, string(body), `"get_user_backlog"`)
			fmt.Fprint(w, `{"id":"msg_1","model":"m","role":"assistant","stop_reason":"tool_use",
				"content":[{"type":"tool_use","id":"toolu_1","name":"get_user_backlog","input":{}}],
				"usage":{"input_tokens":50,"output_tokens":10}}`)
		default:
			assert.Contains(t, string(body), `"tool_result"`)
			assert.Contains(t, string(body), `Hollow Knight`)
			fmt.Fprint(w, `{"id":"msg_2","model":"m","role":"assistant","stop_reason":"end_turn",
				"content":[{"type":"text","text":"You have 1 game: Hollow Knight."}],
				"usage":{"input_tokens":80,"output_tokens":12}}`)
		}
	}))
	defer upstream.Close()

	cfgPath := writeConfig(t, upstream.URL)
	_, err := runCmd(t, "-c", cfgPath, "add-game", "-u", "alice", "Hollow Knight")
	require.NoError(t, err)

	out, err := runCmd(t, "-c", cfgPath, "ask", "-u", "alice", "What", "is", "in", "my", "backlog?")
	require.NoError(t, err)
	assert.Equal(t, "You have 1 game: Hollow Knight.", strings.TrimSpace(out))
	assert.EqualValues(t, 2, calls.Load())

	out, err = runCmd(t, "-c", cfgPath, "usage", "--by", "model")
	require.NoError(t, err)
	assert.Equal(t, "m: 2 calls, 130 input tokens, 22 output tokens, $0.0000", strings.TrimSpace(out))

	out, err = runCmd(t, "-c", cfgPath, "-o", "json", "usage", "--by", "user")
	require.NoError(t, err)
	var byUser map[string]struct {
		Calls int `json:"calls"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &byUser))
	assert.Equal(t, 2, byUser["alice"].Calls)

	out, err = runCmd(t, "-c", cfgPath, "usage", "--since", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "last 1h0m0s: 2 calls")
}
