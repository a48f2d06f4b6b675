package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)

	var out bytes.Buffer
	cmd := newRootCommand("test", "none", "today")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunOperation(t *testing.T) {
	out, err := runCLI(t, "@local", "server.shell", "commands=exit 0")
	require.NoError(t, err)
	assert.Contains(t, out, "GROUP")
	assert.Contains(t, out, "all")
	assert.NotContains(t, out, "Failed hosts")
}

func TestRunOperationFailure(t *testing.T) {
	out, err := runCLI(t, "@local", "server.shell", "commands=exit 3")
	assert.ErrorIs(t, err, ErrHostsFailed)
	assert.Contains(t, out, "Failed hosts: @local")
}

func TestRunOperationIgnoredFailure(t *testing.T) {
	_, err := runCLI(t, "@local", "server.shell", "commands=exit 3", "ignore_errors=true")
	assert.NoError(t, err)
}

func TestRunDryRun(t *testing.T) {
	_, err := runCLI(t, "@local", "server.shell", "commands=exit 3", "--dry")
	assert.NoError(t, err)
}

func TestGatherFact(t *testing.T) {
	out, err := runCLI(t, "@local", "fact", "server.Hostname")
	require.NoError(t, err)

	var values map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &values))
	hostname, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, hostname, values["@local"])
}

func TestDebugOperations(t *testing.T) {
	out, err := runCLI(t, "@local", "server.shell", "commands=[echo a, echo b]", "--debug-operations")
	require.NoError(t, err)

	var ops []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, "server.shell", ops[0]["operation"])
	assert.Contains(t, out, "echo a")
	assert.Contains(t, out, "echo b")
}

func TestLimit(t *testing.T) {
	dir := t.TempDir()
	inv := filepath.Join(dir, "inventory.yaml")
	require.NoError(t, os.WriteFile(inv, []byte(`
groups:
  web:
    hosts:
      - "@local/a"
  db:
    hosts:
      - "@local/b"
`), 0o600))

	out, err := runCLI(t, inv, "server.shell", "commands=exit 0", "--limit", "web", "--debug-operations")
	require.NoError(t, err)
	assert.Contains(t, out, "@local/a")
	assert.NotContains(t, out, "@local/b")
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "unknown operation", args: []string{"@local", "server.nope"}, wantErr: "unknown operation: server.nope"},
		{name: "unknown fact", args: []string{"@local", "fact", "server.Nope"}, wantErr: "server.Nope"},
		{name: "fact without name", args: []string{"@local", "fact"}, wantErr: "fact requires a fact name"},
		{name: "bad argument", args: []string{"@local", "server.shell", "commands"}, wantErr: "expected key=value"},
		{name: "bad fail percent", args: []string{"@local", "server.shell", "commands=true", "--fail-percent", "120"}, wantErr: "invalid configuration"},
		{name: "missing config", args: []string{"@local", "server.shell", "commands=true", "--config", "/nonexistent/swirl.yaml"}, wantErr: "error reading config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, tt.args...)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
