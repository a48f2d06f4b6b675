// Package transporttest provides a scripted in-memory transport for tests.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/swirl/pkg/transports"
)

// Response is what the fake returns for a matching command.
type Response struct {
	ExitCode int
	Stdout   []string
	Stderr   []string

	// Err is returned instead of output when set.
	Err error

	// Delay holds the command open, honouring the context and Timeout.
	Delay time.Duration
}

type rule struct {
	match string
	resp  Response
	times int
}

// Call records one command the transport received.
type Call struct {
	Command string
	Options transports.CommandOptions
}

// Transport is a transports.Transport driven by substring rules. The first
// rule whose match is contained in the command wins; unmatched commands exit 0
// with no output.
type Transport struct {
	mu sync.Mutex

	// ConnectErr makes Connect fail.
	ConnectErr error

	// Handler, when set, is consulted before the rules.
	Handler func(command string, opts transports.CommandOptions) (Response, bool)

	rules     []*rule
	calls     []Call
	puts      []string
	gets      []string
	connected bool
}

// New creates a fake transport with no rules.
func New() *Transport {
	return &Transport{}
}

// On adds a rule answering commands that contain match.
func (t *Transport) On(match string, resp Response) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = append(t.rules, &rule{match: match, resp: resp, times: -1})
	return t
}

// Once adds a rule that answers a single matching command.
func (t *Transport) Once(match string, resp Response) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = append(t.rules, &rule{match: match, resp: resp, times: 1})
	return t
}

// Calls returns the commands received so far.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// Commands returns just the command strings received so far.
func (t *Transport) Commands() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.calls))
	for i, c := range t.calls {
		out[i] = c.Command
	}
	return out
}

// CallCount counts received commands containing substr.
func (t *Transport) CallCount(substr string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.calls {
		if strings.Contains(c.Command, substr) {
			n++
		}
	}
	return n
}

// Uploads returns "local->remote" for each PutFile call.
func (t *Transport) Uploads() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.puts...)
}

// Downloads returns "remote->local" for each GetFile call.
func (t *Transport) Downloads() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.gets...)
}

// IsConnected reports whether Connect succeeded and Disconnect has not run.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ConnectErr != nil {
		return &transports.TransportError{Op: "connect", Err: t.ConnectErr}
	}
	t.connected = true
	return nil
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	return nil
}

func (t *Transport) respond(command string, opts transports.CommandOptions) Response {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.calls = append(t.calls, Call{Command: command, Options: opts})

	if t.Handler != nil {
		if resp, ok := t.Handler(command, opts); ok {
			return resp
		}
	}

	for _, r := range t.rules {
		if r.times == 0 || !strings.Contains(command, r.match) {
			continue
		}
		if r.times > 0 {
			r.times--
		}
		return r.resp
	}
	return Response{}
}

func (t *Transport) RunShellCommand(ctx context.Context, command string, opts transports.CommandOptions) (*transports.CommandOutput, error) {
	resp := t.respond(command, opts)

	if resp.Delay > 0 {
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
		}
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &transports.CommandOutput{ExitCode: -1}, &transports.TransportError{Op: "exec", Err: transports.ErrCommandTimeout}
			}
			return &transports.CommandOutput{ExitCode: -1}, &transports.TransportError{Op: "exec", Err: ctx.Err()}
		}
	}

	if resp.Err != nil {
		return nil, resp.Err
	}

	return &transports.CommandOutput{
		ExitCode: resp.ExitCode,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
	}, nil
}

func (t *Transport) PutFile(ctx context.Context, localPath, remotePath string, opts transports.CommandOptions) error {
	if _, err := os.Stat(localPath); err != nil {
		return &transports.TransportError{Op: "upload", Err: err}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.puts = append(t.puts, fmt.Sprintf("%s->%s", localPath, remotePath))
	return nil
}

func (t *Transport) GetFile(ctx context.Context, remotePath, localPath string, opts transports.CommandOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gets = append(t.gets, fmt.Sprintf("%s->%s", remotePath, localPath))
	return nil
}

// Factory returns a transports.Factory serving the given fakes by target
// name. Unknown targets get a fresh fake.
func Factory(fakes map[string]*Transport) transports.Factory {
	var mu sync.Mutex
	return func(target string, _ map[string]any) (transports.Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		if f, ok := fakes[target]; ok {
			return f, nil
		}
		f := New()
		fakes[target] = f
		return f, nil
	}
}

var _ transports.Transport = (*Transport)(nil)
