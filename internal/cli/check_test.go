package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckConsistentStore(t *testing.T) {
	env := newCLIEnv(t)
	_, _, err := env.run("import", env.write("ws.yaml", sampleWorkspace))
	require.NoError(t, err)

	out, _, err := env.run("check")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ version 1 (import ws.yaml): 3 entities")
	assert.Contains(t, out, "Check Summary: 1 passed, 0 failed, 1 total")

	out, _, err = env.run("inspect", "--diagnostics")
	require.NoError(t, err)
	assert.Contains(t, out, "No diagnostics recorded.")
}

func TestCheckRecordsDiagnostics(t *testing.T) {
	env := newCLIEnv(t)
	_, _, err := env.run("import", env.write("ws.yaml", sampleWorkspace))
	require.NoError(t, err)
	_, _, err = env.run("import", env.write("orphan.yaml", orphanWorkspace))
	require.NoError(t, err)

	out, _, err := env.run("check", "--all", "--jobs", "2")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✓ version 1 (import ws.yaml)")
	assert.Contains(t, out, "✗ version 2 (import orphan.yaml): 1 violation(s)")
	assert.Contains(t, out, "has no parent")
	assert.Contains(t, out, "Check Summary: 1 passed, 1 failed, 2 total")

	out, _, err = env.run("--format", "json", "--verbose", "inspect", "--diagnostics")
	require.NoError(t, err)
	var resp struct {
		Data []DiagnosticView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "check version 2", resp.Data[0].Operation)
	assert.Contains(t, resp.Data[0].Dump, "ContentRoot [scratch]")
}

func TestCheckJSONFailure(t *testing.T) {
	env := newCLIEnv(t)
	_, _, err := env.run("import", env.write("orphan.yaml", orphanWorkspace))
	require.NoError(t, err)

	out, _, err := env.run("--format", "json", "check")
	require.Error(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   CheckResult `json:"data"`
		Error  *CLIError   `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInconsistent, resp.Error.Code)
	assert.Equal(t, 1, resp.Data.Failed)
	require.Len(t, resp.Data.Versions, 1)
	assert.False(t, resp.Data.Versions[0].Consistent)
}

func TestCheckEmptyStore(t *testing.T) {
	env := newCLIEnv(t)
	_, _, err := env.run("check")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store holds no snapshot")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCheckRejectsZeroJobs(t *testing.T) {
	env := newCLIEnv(t)
	_, _, err := env.run("check", "--jobs", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--jobs must be at least 1")
}
