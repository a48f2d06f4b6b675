package transports

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMakeUnixCommand(t *testing.T) {
	tests := []struct {
		name     string
		command  string
		opts     CommandOptions
		expected string
	}{
		{
			name:     "plain command",
			command:  "echo hi",
			expected: "sh -c 'echo hi'",
		},
		{
			name:     "safe command is not quoted",
			command:  "true",
			expected: "sh -c true",
		},
		{
			name:     "custom shell",
			command:  "echo hi",
			opts:     CommandOptions{ShellExecutable: "bash"},
			expected: "bash -c 'echo hi'",
		},
		{
			name:     "no shell wrapper",
			command:  "echo hi",
			opts:     CommandOptions{ShellExecutable: "-"},
			expected: "echo hi",
		},
		{
			name:     "env sorted and chdir",
			command:  "ls",
			opts:     CommandOptions{Env: map[string]string{"B": "2", "A": "1"}, Chdir: "/tmp"},
			expected: "sh -c 'cd /tmp && export A=1 B=2 && ls'",
		},
		{
			name:     "sudo without password",
			command:  "id",
			opts:     CommandOptions{Sudo: true},
			expected: "sudo -H -n sh -c id",
		},
		{
			name:     "sudo with user login and env",
			command:  "id",
			opts:     CommandOptions{Sudo: true, SudoUser: "deploy", UseSudoLogin: true, PreserveSudoEnv: true},
			expected: "sudo -H -n -i -E -u deploy sh -c id",
		},
		{
			name:     "sudo with password",
			command:  "id",
			opts:     CommandOptions{Sudo: true, SudoPassword: "secret"},
			expected: "sudo -H -S -k -p '' sh -c id",
		},
		{
			name:     "doas",
			command:  "id",
			opts:     CommandOptions{Doas: true, DoasUser: "root"},
			expected: "doas -n -u root sh -c id",
		},
		{
			name:     "su user",
			command:  "id",
			opts:     CommandOptions{SuUser: "postgres", UseSuLogin: true},
			expected: "su -l postgres -c 'sh -c id'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MakeUnixCommand(tt.command, tt.opts))
		})
	}
}

func TestCommandOutputSuccess(t *testing.T) {
	out := &CommandOutput{ExitCode: 2}
	assert.False(t, out.Success(nil))
	assert.True(t, out.Success([]int{0, 2}))

	var nilOut *CommandOutput
	assert.False(t, nilOut.Success(nil))
}

func TestStdinFor(t *testing.T) {
	assert.Equal(t, "data", StdinFor(CommandOptions{Stdin: "data"}))
	assert.Equal(t, "pw\ndata", StdinFor(CommandOptions{Sudo: true, SudoPassword: "pw", Stdin: "data"}))
}

func TestSplitLines(t *testing.T) {
	assert.Nil(t, SplitLines(""))
	assert.Equal(t, []string{"a", "b"}, SplitLines("a\r\nb\n"))
}

func TestParseHostName(t *testing.T) {
	tests := []struct {
		name      string
		connector string
		target    string
	}{
		{"@local", "local", ""},
		{"@docker/abc123", "docker", "abc123"},
		{"@ssh/10.0.0.1", "ssh", "10.0.0.1"},
		{"web1.internal", "ssh", "web1.internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			connector, target := ParseHostName(tt.name)
			assert.Equal(t, tt.connector, connector)
			assert.Equal(t, tt.target, target)
		})
	}
}

func TestRegistryForHost(t *testing.T) {
	registry := NewRegistry()
	var gotTarget string
	registry.Register("local", func(target string, data map[string]any) (Transport, error) {
		gotTarget = target
		return nil, nil
	})

	_, err := registry.ForHost("@local", nil)
	assert.NoError(t, err)
	assert.Equal(t, "", gotTarget)

	_, err = registry.ForHost("@winrm/box", nil)
	assert.Error(t, err)
	assert.Equal(t, []string{"local"}, registry.Names())
}
