// Package transports defines the connection contract the engine uses to reach
// hosts, plus the helpers shared by every connector implementation.
package transports

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrCommandTimeout is returned when a command exceeds its configured timeout.
var ErrCommandTimeout = errors.New("command timed out")

// Transport is the capability a host needs to be managed: connect, run shell
// commands and move files in both directions.
type Transport interface {
	// Connect establishes the connection. It is called once per run.
	Connect(ctx context.Context) error

	// Disconnect releases the connection. Errors are best-effort and may be ignored.
	Disconnect() error

	// RunShellCommand runs a shell command on the host. A non-zero exit code is
	// reported through CommandOutput, not as an error; errors are reserved for
	// transport failures and ErrCommandTimeout.
	RunShellCommand(ctx context.Context, command string, opts CommandOptions) (*CommandOutput, error)

	// PutFile copies a local file to the host.
	PutFile(ctx context.Context, localPath, remotePath string, opts CommandOptions) error

	// GetFile copies a file from the host to the local machine.
	GetFile(ctx context.Context, remotePath, localPath string, opts CommandOptions) error
}

// CommandOptions carries the per-command execution arguments resolved by the
// engine for one operation on one host.
type CommandOptions struct {
	// Sudo runs the command through sudo.
	Sudo bool

	// SudoUser is the user sudo switches to.
	SudoUser string

	// UseSudoLogin passes -i to sudo.
	UseSudoLogin bool

	// SudoPassword is written to stdin with sudo -S when set.
	SudoPassword string

	// PreserveSudoEnv passes -E to sudo.
	PreserveSudoEnv bool

	// SuUser runs the command through su as this user.
	SuUser string

	// UseSuLogin passes -l to su.
	UseSuLogin bool

	// PreserveSuEnv passes -m to su.
	PreserveSuEnv bool

	// SuShell is the shell su should use.
	SuShell string

	// Doas runs the command through doas.
	Doas bool

	// DoasUser is the user doas switches to.
	DoasUser string

	// ShellExecutable wraps the command as "<shell> -c '<command>'".
	// Empty means "sh"; "-" disables the wrapper.
	ShellExecutable string

	// Chdir changes directory before running the command.
	Chdir string

	// Env is exported before the command runs.
	Env map[string]string

	// Timeout bounds a single command. Zero means no timeout.
	Timeout time.Duration

	// GetPty requests a pseudo-terminal where the connector supports one.
	GetPty bool

	// Stdin is written to the command's standard input.
	Stdin string

	// SuccessExitCodes lists the exit codes treated as success. Defaults to [0].
	SuccessExitCodes []int
}

// CommandOutput is the result of running one command.
type CommandOutput struct {
	// ExitCode is the process exit status, -1 if unknown.
	ExitCode int

	// Stdout holds standard output split into lines.
	Stdout []string

	// Stderr holds standard error split into lines.
	Stderr []string

	// Duration is the wall time taken by the command.
	Duration time.Duration
}

// Success reports whether the exit code is one of codes, or zero when codes is empty.
func (o *CommandOutput) Success(codes []int) bool {
	if o == nil {
		return false
	}
	if len(codes) == 0 {
		return o.ExitCode == 0
	}
	return slices.Contains(codes, o.ExitCode)
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the operation may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsTemporary reports whether err is a TransportError marked temporary.
func IsTemporary(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.IsTemporary
	}
	return false
}
