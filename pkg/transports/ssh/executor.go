package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/swirl/pkg/transports"
)

// signalGrace is how long a cancelled command gets between SIGTERM and SIGKILL.
const signalGrace = 100 * time.Millisecond

var ptyModes = ssh.TerminalModes{
	ssh.ECHO:          0,
	ssh.TTY_OP_ISPEED: 14400,
	ssh.TTY_OP_OSPEED: 14400,
}

// RunShellCommand wraps command with opts and runs it in a new session.
// Non-zero exits are reported through the output, not as errors.
func (t *Transport) RunShellCommand(ctx context.Context, command string, opts transports.CommandOptions) (*transports.CommandOutput, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	client, err := t.sshClient()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &transports.TransportError{Op: "exec", Err: fmt.Errorf("failed to open session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin := transports.StdinFor(opts); stdin != "" {
		session.Stdin = strings.NewReader(stdin)
	}

	if opts.GetPty {
		if err := session.RequestPty("xterm", 80, 40, ptyModes); err != nil {
			return nil, &transports.TransportError{Op: "exec", Err: fmt.Errorf("failed to request pty: %w", err), IsTemporary: true}
		}
	}

	full := transports.MakeUnixCommand(command, opts)
	log.Debug().Str("host", t.cfg.Hostname).Str("command", full).Msg("running command")

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(full) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		interrupt(session)
		// the buffers are written until Run returns
		_ = session.Close()
		<-done
		runErr = ctx.Err()
	}

	out := &transports.CommandOutput{
		Stdout:   transports.SplitLines(stdout.String()),
		Stderr:   transports.SplitLines(stderr.String()),
		Duration: time.Since(start),
	}
	return out, exitStatus(out, runErr)
}

// interrupt asks the remote process to stop. Servers without signal support
// ignore it; closing the session then tears the channel down.
func interrupt(session *ssh.Session) {
	_ = session.Signal(ssh.SIGTERM)
	time.Sleep(signalGrace)
	_ = session.Signal(ssh.SIGKILL)
}

// exitStatus fills out.ExitCode from the session result and returns an
// error only when the command did not run to completion.
func exitStatus(out *transports.CommandOutput, err error) error {
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitStatus()
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		out.ExitCode = -1
		return &transports.TransportError{Op: "exec", Err: transports.ErrCommandTimeout}
	default:
		out.ExitCode = -1
		return &transports.TransportError{Op: "exec", Err: err, IsTemporary: !errors.Is(err, context.Canceled)}
	}
}
