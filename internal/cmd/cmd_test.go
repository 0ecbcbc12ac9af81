package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/herd/internal/claim"
	"github.com/Iron-Ham/herd/internal/config"
	"github.com/Iron-Ham/herd/internal/progress"
	"github.com/Iron-Ham/herd/internal/shepherd"
)

// execute runs the root command with args and returns the captured output
// and the exit code the process would report.
func execute(t *testing.T, args ...string) (string, int) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), exitCode(err)
}

// testDir isolates the user config directory and returns a fresh repository
// root for --dir.
func testDir(t *testing.T) string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	return t.TempDir()
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "herd" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "herd")
	}

	expected := []string{"claim", "shepherd", "daemon", "stuck", "config"}
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("expected subcommand %q not found", name)
		}
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"generic", errors.New("boom"), exitFailure},
		{"already claimed", &claim.ClaimedError{Claim: claim.Claim{IssueID: 1}}, exitClaimConflict},
		{"not claimed", fmt.Errorf("check: %w", claim.ErrNotFound), exitClaimConflict},
		{"owner mismatch", fmt.Errorf("release: %w", claim.ErrOwnerMismatch), exitOwnerMismatch},
		{"explicit code", withCode(exitStuck, nil), exitStuck},
		{"shepherd taxonomy", withCode(6, nil), 6},
		{"usage", usageErrorf("bad %s", "flag"), exitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRender(t *testing.T) {
	cmd := claimListCmd
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	defer cmd.SetOut(nil)

	prev := outputFormat
	defer func() { outputFormat = prev }()

	outputFormat = formatJSON
	require.NoError(t, render(cmd, map[string]int{"n": 1}, func(w io.Writer) { fmt.Fprint(w, "text") }))
	assert.JSONEq(t, `{"n": 1}`, buf.String())

	buf.Reset()
	outputFormat = formatText
	require.NoError(t, render(cmd, map[string]int{"n": 1}, func(w io.Writer) { fmt.Fprint(w, "text") }))
	assert.Equal(t, "text", buf.String())
}

func TestInvalidOutputFormat(t *testing.T) {
	dir := testDir(t)
	_, code := execute(t, "claim", "list", "--dir", dir, "--output", "xml")
	assert.Equal(t, exitFailure, code)

	// Reset for the tests that follow.
	_, code = execute(t, "claim", "list", "--dir", dir, "--output", "text")
	assert.Equal(t, exitOK, code)
}

func TestClaimLifecycle(t *testing.T) {
	dir := testDir(t)

	out, code := execute(t, "claim", "acquire", "42", "--owner", "shepherd-a", "--ttl", "600", "--dir", dir, "--output", "json")
	require.Equal(t, exitOK, code, out)
	var c claim.Claim
	require.NoError(t, json.Unmarshal([]byte(out), &c))
	assert.Equal(t, 42, c.IssueID)
	assert.Equal(t, "shepherd-a", c.OwnerID)
	assert.Equal(t, int64(600), c.TTLSeconds)

	_, code = execute(t, "claim", "acquire", "42", "--owner", "shepherd-b", "--ttl", "600", "--dir", dir, "--output", "json")
	assert.Equal(t, exitClaimConflict, code, "second owner must be refused")

	out, code = execute(t, "claim", "check", "42", "--dir", dir, "--output", "json")
	require.Equal(t, exitOK, code, out)
	require.NoError(t, json.Unmarshal([]byte(out), &c))
	assert.Equal(t, "shepherd-a", c.OwnerID)

	out, code = execute(t, "claim", "extend", "42", "--owner", "shepherd-a", "--by", "60", "--dir", dir, "--output", "json")
	require.Equal(t, exitOK, code, out)
	var extended claim.Claim
	require.NoError(t, json.Unmarshal([]byte(out), &extended))
	assert.Equal(t, c.ExpiresAt.Add(time.Minute).Unix(), extended.ExpiresAt.Unix())

	_, code = execute(t, "claim", "release", "42", "--owner", "shepherd-b", "--dir", dir, "--output", "json")
	assert.Equal(t, exitOwnerMismatch, code)

	out, code = execute(t, "claim", "list", "--dir", dir, "--output", "json")
	require.Equal(t, exitOK, code, out)
	var list []claim.Claim
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Len(t, list, 1)

	_, code = execute(t, "claim", "release", "42", "--owner", "shepherd-a", "--dir", dir, "--output", "json")
	assert.Equal(t, exitOK, code)

	_, code = execute(t, "claim", "check", "42", "--dir", dir, "--output", "json")
	assert.Equal(t, exitClaimConflict, code, "unclaimed issue")
}

func TestClaimInvalidIssue(t *testing.T) {
	dir := testDir(t)
	_, code := execute(t, "claim", "check", "abc", "--dir", dir, "--output", "text")
	assert.Equal(t, exitFailure, code)
}

func TestClaimCleanupDryRun(t *testing.T) {
	dir := testDir(t)

	_, code := execute(t, "claim", "acquire", "7", "--owner", "shepherd-a", "--ttl", "1", "--dir", dir, "--output", "json")
	require.Equal(t, exitOK, code)
	time.Sleep(1100 * time.Millisecond)

	out, code := execute(t, "claim", "cleanup", "--dry-run", "--dir", dir, "--output", "json")
	require.Equal(t, exitOK, code, out)
	var report struct {
		DryRun  bool          `json:"dry_run"`
		Expired []claim.Claim `json:"expired"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.DryRun)
	require.Len(t, report.Expired, 1)
	assert.Equal(t, 7, report.Expired[0].IssueID)

	// Dry run must leave the claim in place.
	out, code = execute(t, "claim", "list", "--dir", dir, "--output", "json")
	require.Equal(t, exitOK, code, out)
	var list []claim.Claim
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Len(t, list, 1)
}

func TestStuckCheck(t *testing.T) {
	dir := testDir(t)

	out, code := execute(t, "stuck", "check", "--dir", dir, "--output", "text")
	require.Equal(t, exitOK, code, out)
	assert.Contains(t, out, "no running shepherds")

	cfg := config.Default()
	store := progress.NewStore(cfg.Paths.ProgressDir(dir))
	w := store.NewWriter("task-old", 9)
	long := time.Now().Add(-3 * time.Hour)
	w.SetClock(func() time.Time { return long })
	require.NoError(t, w.Start(progress.Started{Mode: config.ModeDefault}))

	out, code = execute(t, "stuck", "check", "task-old", "--dir", dir, "--output", "json")
	assert.Equal(t, exitStuck, code, out)
	var dets []struct {
		AgentID string `json:"agent_id"`
		Stuck   bool   `json:"stuck"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &dets))
	require.Len(t, dets, 1)
	assert.Equal(t, "task-old", dets[0].AgentID)
	assert.True(t, dets[0].Stuck)

	assert.FileExists(t, cfg.Paths.StuckHistoryFile(dir))
}

func TestShepherdAbortMarker(t *testing.T) {
	dir := testDir(t)
	defer func() { abortClear = false }()

	marker := shepherd.AbortMarker(config.Default().Paths.AbortDir(dir), 12)

	out, code := execute(t, "shepherd", "abort", "12", "--dir", dir, "--output", "json")
	require.Equal(t, exitOK, code, out)
	var res struct {
		IssueID int    `json:"issue_id"`
		Marker  string `json:"marker"`
		Cleared bool   `json:"cleared"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 12, res.IssueID)
	assert.Equal(t, marker, res.Marker)
	assert.False(t, res.Cleared)
	assert.FileExists(t, marker)

	// Repeating the request is harmless.
	_, code = execute(t, "shepherd", "abort", "12", "--dir", dir, "--output", "json")
	require.Equal(t, exitOK, code)

	out, code = execute(t, "shepherd", "abort", "12", "--clear", "--dir", dir, "--output", "json")
	require.Equal(t, exitOK, code, out)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Cleared)
	assert.NoFileExists(t, marker)

	_, code = execute(t, "shepherd", "abort", "12", "--clear", "--dir", dir, "--output", "json")
	assert.Equal(t, exitOK, code, "clearing a missing marker succeeds")
}

func TestDaemonStatusEmpty(t *testing.T) {
	dir := testDir(t)

	out, code := execute(t, "daemon", "status", "--dir", dir, "--output", "json")
	require.Equal(t, exitOK, code, out)
	var st daemonStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Len(t, st.Slots, config.Default().Scheduler.MaxShepherds)
	assert.Equal(t, config.Default().Scheduler.MaxShepherds, st.FreeSlots)
	assert.Empty(t, st.Pending)
	assert.False(t, st.StopFlag)
}

func TestConfigPath(t *testing.T) {
	dir := testDir(t)

	out, code := execute(t, "config", "path", "--dir", dir, "--output", "json")
	require.Equal(t, exitOK, code, out)
	var paths struct {
		Default string `json:"default"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &paths))
	assert.Equal(t, "config.yaml", filepath.Base(paths.Default))
	assert.True(t, strings.HasSuffix(filepath.Dir(paths.Default), "herd"))
}

func TestConfigShowText(t *testing.T) {
	dir := testDir(t)

	out, code := execute(t, "config", "show", "--dir", dir, "--output", "text")
	require.Equal(t, exitOK, code, out)
	assert.Contains(t, out, "scheduler:")
	assert.Contains(t, out, "max_shepherds:")
}
