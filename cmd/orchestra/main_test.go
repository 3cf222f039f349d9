package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/orchestra/pkg/saga"
	"github.com/Mindburn-Labs/orchestra/pkg/sagas"
)

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"orchestra"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func quietConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchestra.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"1.0.0\"\nlog_level: ERROR\n"), 0o600))
	return path
}

func TestRun_Usage(t *testing.T) {
	code, _, stderr := run(t)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "COMMANDS:")

	code, stdout, _ := run(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "demo")

	code, _, stderr = run(t, "bogus")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Unknown command: bogus")
}

func TestRun_Version(t *testing.T) {
	code, stdout, _ := run(t, "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, version+"\n", stdout)
}

func TestConfigCmd(t *testing.T) {
	code, stdout, _ := run(t, "config", "--config", quietConfig(t))
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "log_level: ERROR")
	assert.Contains(t, stdout, "failure_threshold: 5")

	code, _, stderr := run(t, "config", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Error:")

	code, _, _ = run(t, "config", "--nope")
	assert.Equal(t, 2, code)
}

func TestQueueCmd(t *testing.T) {
	code, stdout, _ := run(t, "queue", "--config", quietConfig(t), "--tasks", "7", "--json")
	require.Equal(t, 0, code)

	var report queueReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	require.Len(t, report.Order, 7)
	assert.Equal(t, uint64(7), report.Stats.TotalPushed)
	assert.Len(t, report.Hash, 64)
	for i := 1; i < len(report.Order); i++ {
		assert.LessOrEqual(t, report.Order[i-1].Priority, report.Order[i].Priority)
	}
}

func TestDemoCmd_Succeeds(t *testing.T) {
	code, stdout, _ := run(t, "demo", "--config", quietConfig(t), "--bookings", "2", "--payments", "1", "--json")
	require.Equal(t, 0, code)

	var report demoReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, "dispatch", report.Mode)
	assert.Equal(t, 5, report.Stats.TotalExecutions)
	assert.Equal(t, 5, report.Stats.Succeeded)
	require.NotNil(t, report.Dispatch)
	assert.Equal(t, 5, report.Dispatch.Handled)
	assert.Zero(t, report.Queue.Size)
	for _, s := range report.Sagas {
		assert.Equal(t, saga.StateSucceeded, s.State, s.ID)
	}
}

func TestDemoCmd_RetriesThenDrops(t *testing.T) {
	code, stdout, _ := run(t, "demo", "--config", quietConfig(t),
		"--bookings", "1", "--payments", "0", "--fail-calendar", "-1", "--json")
	assert.Equal(t, 1, code)

	var report demoReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	require.NotNil(t, report.Dispatch)
	assert.Equal(t, 1, report.Dispatch.Handled, "reminder")
	assert.Equal(t, 3, report.Dispatch.Requeued)
	assert.Equal(t, 1, report.Dispatch.Dropped)

	var booking *sagaSummary
	for i := range report.Sagas {
		if report.Sagas[i].Name == sagas.CreateBookingName {
			booking = &report.Sagas[i]
		}
	}
	require.NotNil(t, booking)
	assert.Equal(t, saga.StateFailed, booking.State)
	assert.Equal(t, "add_calendar", booking.FailedStep)
	assert.Equal(t, 3, booking.Retries)
	assert.True(t, booking.Compensate)
}

func TestDemoCmd_Pool(t *testing.T) {
	code, stdout, _ := run(t, "demo", "--config", quietConfig(t), "--pool", "--bookings", "3", "--payments", "3")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "Mode: pool")
	assert.Contains(t, stdout, "succeeded=9")
}
