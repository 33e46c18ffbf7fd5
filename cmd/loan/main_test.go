package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deepnoodle-ai/durable"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute(), out.String())
	return out.String()
}

func decodeReport(t *testing.T, output string) statusReport {
	t.Helper()
	var report statusReport
	report.ExecutionView = &durable.ExecutionView{}
	require.NoError(t, json.Unmarshal([]byte(output), &report))
	return report
}

func TestApplyApproveAndFraudCheck(t *testing.T) {
	dir := t.TempDir()
	common := []string{"--data-dir", dir, "--manual-fraud", "-o", "json"}

	out := run(t, append([]string{"apply", "--id", "LOAN-1-TEST", "--name", "Alice", "--sin", "1111", "--amount", "150000"}, common...)...)
	report := decodeReport(t, out)
	require.Equal(t, durable.ExecutionStatusSuspended, report.Status)
	require.Equal(t, "manager-approval", report.PendingCallback.Name)

	out = run(t, append([]string{"approve", "LOAN-1-TEST"}, common...)...)
	report = decodeReport(t, out)
	require.Equal(t, durable.ExecutionStatusSuspended, report.Status)
	require.Equal(t, "fraud-check", report.PendingCallback.Name)

	out = run(t, append([]string{"fraud-check", "LOAN-1-TEST"}, common...)...)
	report = decodeReport(t, out)
	require.Equal(t, durable.ExecutionStatusCompleted, report.Status)
	var result map[string]any
	require.NoError(t, json.Unmarshal(report.Result, &result))
	require.Equal(t, "approved", result["status"])
	require.NotEmpty(t, report.Logs)

	out = run(t, "list", "--data-dir", dir)
	require.Contains(t, out, "LOAN-1-TEST")
	require.Contains(t, out, "completed")

	out = run(t, "retire", "LOAN-1-TEST", "--data-dir", dir)
	require.Contains(t, out, "retired LOAN-1-TEST")
	require.Contains(t, run(t, "list", "--data-dir", dir), "no applications")
}

func TestApproveRejectsWrongCallback(t *testing.T) {
	dir := t.TempDir()
	run(t, "apply", "--id", "LOAN-2-TEST", "--name", "Carol", "--sin", "3333", "--amount", "20000",
		"--data-dir", dir, "--manual-fraud")

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"approve", "LOAN-2-TEST", "--data-dir", dir})
	err := cmd.Execute()
	require.ErrorContains(t, err, "waiting for fraud-check, not manager-approval")
}

func TestSimulatedFraudServiceCompletesApply(t *testing.T) {
	dir := t.TempDir()
	out := run(t, "apply", "--id", "LOAN-3-TEST", "--name", "Bob", "--sin", "1111", "--amount", "5000",
		"--data-dir", dir, "--fraud-delay", "1ms", "--output", "yaml")
	require.Contains(t, out, "status: completed")
	require.Contains(t, out, "disbursement_ref: DSB-")
}

func TestResumeAll(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []string{"LOAN-4-A", "LOAN-4-B"} {
		run(t, "apply", "--id", id, "--name", "Dan", "--sin", "9999", "--amount", "1000",
			"--data-dir", dir, "--manual-fraud")
	}
	out := run(t, "resume", "--all", "--data-dir", dir, "--workers", "2", "-o", "json")
	dec := json.NewDecoder(strings.NewReader(out))
	var ids []string
	for dec.More() {
		var report statusReport
		require.NoError(t, dec.Decode(&report))
		require.Equal(t, durable.ExecutionStatusSuspended, report.Status)
		require.Equal(t, 2, report.Invocations)
		ids = append(ids, report.ExecutionID)
	}
	require.Equal(t, []string{"LOAN-4-A", "LOAN-4-B"}, ids)
}

func TestLoadConfig(t *testing.T) {
	newCmd := func(args ...string) *cobra.Command {
		root := newRootCmd()
		cmd, _, err := root.Find([]string{"list"})
		require.NoError(t, err)
		require.NoError(t, cmd.ParseFlags(args))
		return cmd
	}

	t.Run("defaults", func(t *testing.T) {
		cfg, err := loadConfig(newCmd(), "")
		require.NoError(t, err)
		require.Equal(t, "file", cfg.Store)
		require.Equal(t, "text", cfg.Output)
		require.Equal(t, 2*time.Second, cfg.FraudDelay)
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv("LOAN_OUTPUT", "yaml")
		t.Setenv("LOAN_FRAUD_DELAY", "250ms")
		cfg, err := loadConfig(newCmd(), "")
		require.NoError(t, err)
		require.Equal(t, "yaml", cfg.Output)
		require.Equal(t, 250*time.Millisecond, cfg.FraudDelay)
	})

	t.Run("file and flags", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "loan.yaml")
		require.NoError(t, os.WriteFile(path, []byte("store: sqlite\noutput: json\n"), 0o644))
		cfg, err := loadConfig(newCmd("--output", "text"), path)
		require.NoError(t, err)
		require.Equal(t, "sqlite", cfg.Store)
		require.Equal(t, "text", cfg.Output)
	})

	t.Run("validation", func(t *testing.T) {
		_, err := loadConfig(newCmd("--store", "postgres"), "")
		require.ErrorContains(t, err, "--dsn is required")
		_, err = loadConfig(newCmd("--store", "mongo"), "")
		require.ErrorContains(t, err, "unknown store")
		_, err = loadConfig(newCmd("--output", "xml"), "")
		require.ErrorContains(t, err, "unknown output format")
	})
}

func TestNewApplicationID(t *testing.T) {
	id := newApplicationID(time.Unix(1767225600, 0))
	require.Regexp(t, `^LOAN-1767225600-[A-Z0-9]{4}$`, id)
}
