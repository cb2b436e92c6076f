package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/sessionwatch/internal/config"
	"github.com/loykin/sessionwatch/internal/lockfile"
	"github.com/loykin/sessionwatch/internal/supervisor"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

// baseArgs points every path setting at dir.
func baseArgs(dir string) []string {
	return []string{
		"--lock-dir", dir,
		"--log-dir", dir,
		"--log-file", filepath.Join(dir, "supervisor.log"),
		"--command", "sleep 30",
		"--graceful-timeout", "1s",
	}
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func decodeHook(t *testing.T, out string) hookResponse {
	t.Helper()
	var resp hookResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp
}

func TestHookLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping process test in short mode")
	}
	requireUnix(t)
	dir := t.TempDir()
	envelope := `{"session_id":"abc","cwd":"` + dir + `"}`

	out, err := run(t, envelope, append([]string{"start"}, baseArgs(dir)...)...)
	require.NoError(t, err, out)
	resp := decodeHook(t, out)
	require.NotNil(t, resp.HookSpecificOutput)
	assert.Equal(t, eventSessionStart, resp.HookSpecificOutput.HookEventName)
	assert.Equal(t, config.DefaultStartedMessage, resp.HookSpecificOutput.AdditionalContext)

	out, err = run(t, envelope, append([]string{"start"}, baseArgs(dir)...)...)
	require.NoError(t, err, out)
	assert.Equal(t, config.DefaultRunningMessage, decodeHook(t, out).HookSpecificOutput.AdditionalContext)

	out, err = run(t, "", append([]string{"status"}, baseArgs(dir)...)...)
	require.NoError(t, err)
	var sts []supervisor.SessionStatus
	require.NoError(t, json.Unmarshal([]byte(out), &sts))
	require.Len(t, sts, 1)
	assert.Equal(t, "abc", sts[0].Key)
	assert.True(t, sts[0].Alive)

	out, err = run(t, `{"session_id":"abc"}`, append([]string{"stop"}, baseArgs(dir)...)...)
	require.NoError(t, err, out)
	resp = decodeHook(t, out)
	assert.Equal(t, eventSessionEnd, resp.HookSpecificOutput.HookEventName)
	assert.Equal(t, config.DefaultStoppedMessage, resp.HookSpecificOutput.AdditionalContext)

	_, err = os.Stat(filepath.Join(dir, lockfile.FileName("sessionwatch", "pid", "abc", ".pid")))
	assert.True(t, os.IsNotExist(err))

	out, err = run(t, "", append([]string{"stop", "--session-id", "abc"}, baseArgs(dir)...)...)
	require.NoError(t, err, "stopping twice is a no-op")
	assert.Equal(t, config.DefaultStoppedMessage, decodeHook(t, out).HookSpecificOutput.AdditionalContext)
}

func TestHookMissingSession(t *testing.T) {
	dir := t.TempDir()
	for _, sub := range []string{"start", "stop"} {
		t.Run(sub, func(t *testing.T) {
			out, err := run(t, `{"cwd":"/tmp"}`, append([]string{sub}, baseArgs(dir)...)...)
			require.ErrorIs(t, err, errHookFailed)
			require.ErrorIs(t, err, supervisor.ErrInvalidSession)
			resp := decodeHook(t, out)
			assert.Nil(t, resp.HookSpecificOutput)
			assert.Contains(t, resp.Error, "session_id")
		})
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no filesystem side effects")
}

func TestHookBadConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(cfg, []byte("command = \"\"\n"), 0o644))
	out, err := run(t, `{"session_id":"abc"}`, "start", "--config", cfg, "--log-file", "-")
	require.ErrorIs(t, err, errHookFailed)
	assert.Contains(t, decodeHook(t, out).Error, "command")
}

func TestSweepCommand(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping process test in short mode")
	}
	requireUnix(t)
	dir := t.TempDir()
	dead := lockfile.FileName("sessionwatch", "pid", "gone", ".pid")
	// a non-positive pid is corrupt and therefore stale
	require.NoError(t, os.WriteFile(filepath.Join(dir, dead), lockfile.Encode(0, lockfile.Meta{}), 0o644))

	out, err := run(t, "", append([]string{"sweep"}, baseArgs(dir)...)...)
	require.NoError(t, err)
	var resp struct {
		Removed []lockfile.Record `json:"removed"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Removed, 1)
	assert.Equal(t, "gone", resp.Removed[0].Key)

	out, err = run(t, "", append([]string{"sweep"}, baseArgs(dir)...)...)
	require.NoError(t, err)
	assert.JSONEq(t, `{"removed":[]}`, out)
}

func TestStatusUnknownSession(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, "", append([]string{"status", "--session-id", "nope"}, baseArgs(dir)...)...)
	assert.ErrorIs(t, err, lockfile.ErrNotFound)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServe(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping server test in short mode")
	}
	dir := t.TempDir()
	root := buildRoot()
	out := &syncBuffer{}
	root.SetOut(out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"serve", "--addr", "127.0.0.1:0"}, baseArgs(dir)...))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	addrRe := regexp.MustCompile(`http://(\S+)`)
	var base string
	deadline := time.Now().Add(5 * time.Second)
	for base == "" && time.Now().Before(deadline) {
		if m := addrRe.FindStringSubmatch(out.String()); m != nil {
			base = "http://" + m[1]
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotEmpty(t, base, "server did not report its address")

	resp, err := http.Get(base + "/api/sessions")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "sessionwatch_sessions")

	remote, err := run(t, "", "status", "--api-url", base+"/api", "--log-file", "-")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, remote)
	remote, err = run(t, "", "sweep", "--api-url", base+"/api", "--log-file", "-")
	require.NoError(t, err)
	assert.JSONEq(t, `{"removed":[]}`, remote)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not shut down")
	}
}
