// Package local implements the "@local" connector, running commands on the
// machine executing the engine.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/swirl/pkg/transports"
)

// Transport runs commands through the local shell.
type Transport struct {
	// shell is the interpreter used to run the wrapped command.
	shell string
}

// New is the transports.Factory for the local connector.
func New(_ string, data map[string]any) (transports.Transport, error) {
	return &Transport{
		shell: transports.DataString(data, "local_shell", "/bin/sh"),
	}, nil
}

// Connect is a no-op for the local connector.
func (t *Transport) Connect(ctx context.Context) error {
	return ctx.Err()
}

// Disconnect is a no-op for the local connector.
func (t *Transport) Disconnect() error {
	return nil
}

// RunShellCommand runs the command via the local shell.
func (t *Transport) RunShellCommand(ctx context.Context, command string, opts transports.CommandOptions) (*transports.CommandOutput, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	full := transports.MakeUnixCommand(command, opts)
	log.Debug().Str("command", full).Msg("running local command")

	cmd := exec.CommandContext(ctx, t.shell, "-c", full)
	// children of the killed shell may hold the output pipes open
	cmd.WaitDelay = 200 * time.Millisecond
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin := transports.StdinFor(opts); stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	start := time.Now()
	err := cmd.Run()
	output := &transports.CommandOutput{
		ExitCode: 0,
		Stdout:   transports.SplitLines(stdout.String()),
		Stderr:   transports.SplitLines(stderr.String()),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		output.ExitCode = -1
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return output, &transports.TransportError{Op: "exec", Err: transports.ErrCommandTimeout}
		}
		return output, &transports.TransportError{Op: "exec", Err: ctxErr}
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			output.ExitCode = exitErr.ExitCode()
			return output, nil
		}
		output.ExitCode = -1
		return output, &transports.TransportError{Op: "exec", Err: err}
	}

	return output, nil
}

// PutFile copies localPath to remotePath on the same machine.
func (t *Transport) PutFile(ctx context.Context, localPath, remotePath string, opts transports.CommandOptions) error {
	if err := copyFile(ctx, localPath, remotePath); err != nil {
		return &transports.TransportError{Op: "upload", Err: err}
	}
	return nil
}

// GetFile copies remotePath to localPath on the same machine.
func (t *Transport) GetFile(ctx context.Context, remotePath, localPath string, opts transports.CommandOptions) error {
	if err := copyFile(ctx, remotePath, localPath); err != nil {
		return &transports.TransportError{Op: "download", Err: err}
	}
	return nil
}

func copyFile(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy file: %w", err)
	}
	return out.Close()
}
