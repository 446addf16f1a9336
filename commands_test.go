package main

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execCommand runs the CLI with the given args against a throwaway state
// directory and returns captured stdout. Commands that talk to a remote are
// not exercised here; engine behavior is covered by the engine package tests.
func execCommand(t *testing.T, stateDir string, args ...string) string {
	t.Helper()

	full := append([]string{
		"--config", filepath.Join(stateDir, "config.toml"),
		"--state-dir", stateDir,
		"--origin", "cli-test",
		"--quiet",
	}, args...)

	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)

	os.Stdout = w

	cmd := newRootCmd()
	cmd.SetArgs(full)

	execErr := cmd.Execute()

	w.Close()

	os.Stdout = old

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, execErr)

	return string(out)
}

func TestCLI_PutGetRoundtrip(t *testing.T) {
	dir := t.TempDir()

	execCommand(t, dir, "put", "notes/alpha", `{"title":"hello"}`)

	out := execCommand(t, dir, "get", "notes/alpha")
	assert.Equal(t, `{"title":"hello"}`+"\n", out)
}

func TestCLI_LsShowsRecords(t *testing.T) {
	dir := t.TempDir()

	execCommand(t, dir, "put", "notes/alpha", "a")
	execCommand(t, dir, "put", "tasks/one", "b")

	out := execCommand(t, dir, "ls", "notes/")
	assert.Contains(t, out, "notes/alpha")
	assert.NotContains(t, out, "tasks/one")
}

func TestCLI_RmHidesRecord(t *testing.T) {
	dir := t.TempDir()

	execCommand(t, dir, "put", "notes/alpha", "a")
	execCommand(t, dir, "rm", "notes/alpha")

	out := execCommand(t, dir, "ls")
	assert.Contains(t, out, "No records.")
}

func TestCLI_StatusJSON(t *testing.T) {
	dir := t.TempDir()

	execCommand(t, dir, "put", "notes/alpha", "a")
	execCommand(t, dir, "put", "notes/beta", "b")

	out := execCommand(t, dir, "status", "--json")

	var st statusJSON
	require.NoError(t, json.Unmarshal([]byte(out), &st))

	assert.Equal(t, "cli-test", st.Origin)
	assert.Equal(t, 2, st.Pending)
	assert.Equal(t, 0, st.UnresolvedConflicts)
	assert.Equal(t, "idle", st.State)
}

func TestCLI_ConfigPath(t *testing.T) {
	dir := t.TempDir()

	out := execCommand(t, dir, "config", "path")
	assert.Equal(t, filepath.Join(dir, "config.toml")+"\n", out)
}

func TestCLI_SyncWithoutRemoteFails(t *testing.T) {
	dir := t.TempDir()

	cmd := newRootCmd()
	cmd.SetArgs([]string{
		"--config", filepath.Join(dir, "config.toml"),
		"--state-dir", dir,
		"--origin", "cli-test",
		"--quiet",
		"sync",
	})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote.url not configured")
}
