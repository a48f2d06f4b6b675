package engine

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openfroyo/swirl/pkg/inventory"
	"github.com/openfroyo/swirl/pkg/transports"
	"github.com/openfroyo/swirl/pkg/transports/transporttest"
)

type harness struct {
	inv   *inventory.Inventory
	state *State
	fakes map[string]*transporttest.Transport
}

// newHarness builds an inventory of bare hosts, each backed by a fake
// transport, and a state that connects through those fakes.
func newHarness(t *testing.T, specs []inventory.HostSpec, opts ...Option) *harness {
	t.Helper()

	inv, err := inventory.New(specs, nil)
	require.NoError(t, err)

	fakes := make(map[string]*transporttest.Transport, len(specs))
	for _, s := range specs {
		fakes[s.Name] = transporttest.New()
	}

	opts = append([]Option{WithTransports(testRegistry(fakes))}, opts...)
	return &harness{inv: inv, state: NewState(inv, opts...), fakes: fakes}
}

// testRegistry serves bare host names from fakes.
func testRegistry(fakes map[string]*transporttest.Transport) *transports.Registry {
	reg := transports.NewRegistry()
	reg.Register(transports.DefaultConnector, transporttest.Factory(fakes))
	return reg
}

func hostSpecs(names ...string) []inventory.HostSpec {
	specs := make([]inventory.HostSpec, len(names))
	for i, n := range names {
		specs[i] = inventory.HostSpec{Name: n}
	}
	return specs
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, h.state.Connect(context.Background()))
}

func (h *harness) host(t *testing.T, name string) *inventory.Host {
	t.Helper()
	host, ok := h.inv.Get(name)
	require.True(t, ok, "host %s", name)
	return host
}

func (h *harness) add(t *testing.T, op *Operation, args Args, kwargs Kwargs, hosts ...*inventory.Host) OpHash {
	t.Helper()
	hash, err := h.state.AddOperation(context.Background(), op, args, kwargs, hosts...)
	require.NoError(t, err)
	return hash
}

// shellOp emits the same commands on every host.
func shellOp(name string, commands ...string) *Operation {
	return &Operation{
		Name: name,
		Func: func(*OpContext, Args) ([]Command, error) {
			out := make([]Command, len(commands))
			for i, c := range commands {
				out[i] = ShellCommand{Command: c}
			}
			return out, nil
		},
	}
}

// funcOp emits one function command running fn.
func funcOp(name string, fn func(ctx context.Context, host *inventory.Host) error) *Operation {
	return &Operation{
		Name: name,
		Func: func(*OpContext, Args) ([]Command, error) {
			return []Command{FunctionCommand{Name: name, Func: fn}}, nil
		},
	}
}

// eventLog records execution events across hosts in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, a ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, a...))
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) index(event string) int {
	for i, e := range l.all() {
		if e == event {
			return i
		}
	}
	return -1
}

// concurrency tracks how many function commands run at once.
type concurrency struct {
	current atomic.Int32
	max     atomic.Int32
}

func (c *concurrency) op(name string, hold time.Duration) *Operation {
	return funcOp(name, func(ctx context.Context, _ *inventory.Host) error {
		n := c.current.Add(1)
		defer c.current.Add(-1)
		for {
			m := c.max.Load()
			if n <= m || c.max.CompareAndSwap(m, n) {
				break
			}
		}
		select {
		case <-time.After(hold):
		case <-ctx.Done():
		}
		return nil
	})
}

var scriptSection = regexp.MustCompile(`echo '(__swirl_[0-9a-f]+):(\d+)'; \( `)

// pipelineHandler answers batched fact scripts with an empty, successful
// section per fact.
func pipelineHandler(command string, _ transports.CommandOptions) (transporttest.Response, bool) {
	matches := scriptSection.FindAllStringSubmatch(command, -1)
	if len(matches) == 0 {
		return transporttest.Response{}, false
	}
	var out []string
	for _, m := range matches {
		out = append(out, m[1]+":"+m[2], m[1]+":"+m[2]+":0")
	}
	return transporttest.Response{Stdout: out}, true
}

func ptr[T any](v T) *T {
	return &v
}
