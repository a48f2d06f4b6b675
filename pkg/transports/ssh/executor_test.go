package ssh

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/swirl/pkg/transports"
)

var optsNone = transports.CommandOptions{}

func TestRunShellCommand(t *testing.T) {
	server := newTestServer(t)
	client := connected(t, server)
	ctx := context.Background()

	tests := []struct {
		name           string
		command        string
		opts           transports.CommandOptions
		expectedExit   int
		expectedStdout []string
		expectedStderr []string
	}{
		{
			name:           "simple echo",
			command:        "echo test",
			expectedStdout: []string{"test"},
		},
		{
			name:           "stderr output",
			command:        "echo error >&2",
			expectedStderr: []string{"error"},
		},
		{
			name:         "exit with error",
			command:      "exit 1",
			expectedExit: 1,
		},
		{
			name:           "stdin is forwarded",
			command:        "cat",
			opts:           transports.CommandOptions{Stdin: "hello\n"},
			expectedStdout: []string{"hello"},
		},
		{
			name:           "pty requested",
			command:        "echo test",
			opts:           transports.CommandOptions{GetPty: true},
			expectedStdout: []string{"test"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := client.RunShellCommand(ctx, tt.command, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedExit, out.ExitCode)
			assert.Equal(t, tt.expectedStdout, out.Stdout)
			assert.Equal(t, tt.expectedStderr, out.Stderr)
		})
	}
}

func TestRunShellCommandWrapsWithSudo(t *testing.T) {
	server := newTestServer(t)
	client := connected(t, server)

	_, err := client.RunShellCommand(context.Background(), "whoami", transports.CommandOptions{
		Sudo:     true,
		SudoUser: "root",
	})
	require.NoError(t, err)

	select {
	case got := <-server.commands:
		assert.Equal(t, "sudo -H -n -u root sh -c whoami", got)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the command")
	}
}

func TestRunShellCommandTimeout(t *testing.T) {
	server := newTestServer(t)
	client := connected(t, server)

	out, err := client.RunShellCommand(context.Background(), "sleep 10", transports.CommandOptions{
		Timeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, transports.ErrCommandTimeout))
	assert.Equal(t, -1, out.ExitCode)
}

func TestRunShellCommandTimeoutWhileStreaming(t *testing.T) {
	client := connected(t, newTestServer(t))

	out, err := client.RunShellCommand(context.Background(), "yes xxxxxxxxxxxxxxxx", transports.CommandOptions{
		Timeout: 30 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, transports.ErrCommandTimeout))
	assert.Equal(t, -1, out.ExitCode)
	assert.NotEmpty(t, out.Stdout)
	assert.Equal(t, "xxxxxxxxxxxxxxxx", out.Stdout[0])
}

func TestPutAndGetFile(t *testing.T) {
	server := newTestServer(t)
	client := connected(t, server)
	ctx := context.Background()
	dir := t.TempDir()

	src := filepath.Join(dir, "local.txt")
	require.NoError(t, os.WriteFile(src, []byte("over sftp"), 0o644))

	remote := filepath.Join(dir, "remote", "copy.txt")
	require.NoError(t, client.PutFile(ctx, src, remote, optsNone))

	back := filepath.Join(dir, "back", "copy.txt")
	require.NoError(t, client.GetFile(ctx, remote, back, optsNone))

	data, err := os.ReadFile(back)
	require.NoError(t, err)
	assert.Equal(t, "over sftp", string(data))
}

func TestRunShellCommandCancelled(t *testing.T) {
	client := connected(t, newTestServer(t))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	out, err := client.RunShellCommand(ctx, "sleep 10", optsNone)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, transports.IsTemporary(err))
	assert.Equal(t, -1, out.ExitCode)
}

func TestEscalatedPutFileStagesInTempDir(t *testing.T) {
	server := newTestServer(t)
	client := connected(t, server)
	dir := t.TempDir()
	client.cfg.TempDir = dir

	src := filepath.Join(dir, "local.txt")
	require.NoError(t, os.WriteFile(src, []byte("staged"), 0o644))

	// the move may fail without sudo; only the staged command matters here
	_ = client.PutFile(context.Background(), src, filepath.Join(dir, "final.txt"), transports.CommandOptions{Sudo: true})

	select {
	case got := <-server.commands:
		assert.Contains(t, got, "sudo -H -n sh -c")
		assert.Contains(t, got, "mv "+filepath.Join(dir, "swirl-"))
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the move")
	}
}

func TestNewFromHostData(t *testing.T) {
	tr, err := New("web1", map[string]any{
		"ssh_hostname":                 "10.0.0.5",
		"ssh_port":                     2222,
		"ssh_user":                     "deploy",
		"ssh_password":                 "pw",
		"ssh_strict_host_key_checking": false,
		"ssh_connect_timeout":          "3s",
	})
	require.NoError(t, err)

	cfg := tr.(*Transport).cfg
	assert.Equal(t, "10.0.0.5", cfg.Hostname)
	assert.Equal(t, 2222, cfg.Port)
	assert.Equal(t, "deploy", cfg.User)
	assert.Equal(t, "pw", cfg.Password)
	assert.Equal(t, HostKeyIgnore, cfg.HostKeys)
	assert.Equal(t, 3*time.Second, cfg.ConnectTimeout)
	assert.False(t, tr.(*Transport).IsConnected())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New("web1", map[string]any{"ssh_user": "deploy", "ssh_port": 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid ssh config for web1")
}
