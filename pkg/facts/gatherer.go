package facts

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/swirl/pkg/inventory"
	"github.com/openfroyo/swirl/pkg/transports"
)

var (
	sudoUnknownUser = regexp.MustCompile(`^sudo: unknown user:`)
	suUnknownUser   = []*regexp.Regexp{
		regexp.MustCompile(`^su: user .+ does not exist`),
		regexp.MustCompile(`^su: unknown login`),
	}
)

// Error is a host-scoped fact failure.
type Error struct {
	Host     string
	Fact     string
	ExitCode int
	Stderr   []string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("could not load fact %s on %s: %v", e.Fact, e.Host, e.Err)
	}
	msg := fmt.Sprintf("could not load fact %s on %s: exit code %d", e.Fact, e.Host, e.ExitCode)
	if len(e.Stderr) > 0 {
		msg += ": " + strings.Join(e.Stderr, "; ")
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Observer is notified of every cache lookup.
type Observer interface {
	FactLookup(host, fact string, cached bool)
}

// GathererOption configures a Gatherer.
type GathererOption func(*Gatherer)

// WithObserver registers a cache observer, e.g. for metrics.
func WithObserver(o Observer) GathererOption {
	return func(g *Gatherer) {
		g.observer = o
	}
}

// Gatherer loads facts through host transports and caches them on the host.
type Gatherer struct {
	observer Observer
}

// NewGatherer creates a gatherer.
func NewGatherer(opts ...GathererOption) *Gatherer {
	g := &Gatherer{}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Key is the cache key for a fact call: the fact name plus a SHA-1 over the
// canonical args and the user switching options, which change what a command
// can see.
func Key(f Fact, args Args, exec transports.CommandOptions) string {
	// map keys are sorted by encoding/json
	argJSON, _ := json.Marshal(args)
	h := sha1.New()
	h.Write([]byte(f.FactName()))
	h.Write(argJSON)
	fmt.Fprintf(h, "|sudo=%t:%s|su=%s|doas=%t:%s|shell=%s",
		exec.Sudo, exec.SudoUser, exec.SuUser, exec.Doas, exec.DoasUser, exec.ShellExecutable)
	return f.FactName() + ":" + hex.EncodeToString(h.Sum(nil))
}

// Command returns the full command run for a fact, including the
// required-binary guard.
func Command(f Fact, args Args) string {
	command := f.RenderCommand(args)
	if req := f.RequiredCommand(); req != "" {
		command = fmt.Sprintf("! command -v %s >/dev/null || (%s)", shellescape.Quote(req), command)
	}
	return command
}

// execOptions adapts the caller's options for a fact command.
func execOptions(f Fact, exec transports.CommandOptions) transports.CommandOptions {
	if shell := f.ShellExecutable(); shell != "" {
		exec.ShellExecutable = shell
	}
	exec.SuccessExitCodes = nil
	exec.GetPty = false
	return exec
}

// Get returns a fact value for the host, from cache when possible. On failure
// the fact's default is returned together with an *Error.
func (g *Gatherer) Get(ctx context.Context, host *inventory.Host, f Fact, args Args, exec transports.CommandOptions) (any, error) {
	key := Key(f, args, exec)

	if v, ok := host.CachedFact(key); ok {
		g.observe(host, f, true)
		return v, nil
	}
	g.observe(host, f, false)

	t := host.Transport()
	if t == nil {
		return f.DefaultValue(), &Error{Host: host.Name(), Fact: f.FactName(), Err: fmt.Errorf("host not connected")}
	}

	command := Command(f, args)
	log.Debug().
		Str("host", host.Name()).
		Str("fact", f.FactName()).
		Str("command", command).
		Msg("loading fact")

	out, err := t.RunShellCommand(ctx, command, execOptions(f, exec))
	if err != nil {
		return f.DefaultValue(), &Error{Host: host.Name(), Fact: f.FactName(), ExitCode: -1, Err: err}
	}

	value, err := interpret(host, f, args, exec, out.ExitCode, out.Stdout, out.Stderr)
	if err != nil {
		return f.DefaultValue(), err
	}

	host.StoreFact(key, value)
	return value, nil
}

// interpret applies the exit code rules and parses stdout.
func interpret(host *inventory.Host, f Fact, args Args, exec transports.CommandOptions, exitCode int, stdout, stderr []string) (any, error) {
	if exitCode != 0 {
		switch {
		case f.DefaultOnError():
			return f.DefaultValue(), nil
		case unknownUser(exec, stderr):
			// the user may be created by a later operation
			return f.DefaultValue(), nil
		default:
			return nil, &Error{Host: host.Name(), Fact: f.FactName(), ExitCode: exitCode, Stderr: stderr}
		}
	}

	if len(stdout) == 0 {
		return f.DefaultValue(), nil
	}

	value, err := f.ProcessLines(args, stdout)
	if err != nil {
		return nil, &Error{Host: host.Name(), Fact: f.FactName(), Err: err}
	}
	return value, nil
}

func unknownUser(exec transports.CommandOptions, stderr []string) bool {
	if len(stderr) == 0 {
		return false
	}
	first := stderr[0]
	if exec.SudoUser != "" && sudoUnknownUser.MatchString(first) {
		return true
	}
	if exec.SuUser != "" {
		for _, re := range suUnknownUser {
			if re.MatchString(first) {
				return true
			}
		}
	}
	return false
}

// Store overwrites the cached value of a fact call, used by operations that
// know what the host will look like after their commands run.
func (g *Gatherer) Store(host *inventory.Host, f Fact, args Args, exec transports.CommandOptions, value any) {
	host.StoreFact(Key(f, args, exec), value)
}

// Forget drops a cached fact call.
func (g *Gatherer) Forget(host *inventory.Host, f Fact, args Args, exec transports.CommandOptions) {
	host.DeleteFact(Key(f, args, exec))
}

func (g *Gatherer) observe(host *inventory.Host, f Fact, cached bool) {
	if g.observer != nil {
		g.observer.FactLookup(host.Name(), f.FactName(), cached)
	}
}

// Get is the typed form of Gatherer.Get.
func Get[T any](ctx context.Context, g *Gatherer, host *inventory.Host, d *Descriptor[T], args Args, exec transports.CommandOptions) (T, error) {
	v, err := g.Get(ctx, host, d, args, exec)
	typed, _ := v.(T)
	return typed, err
}
