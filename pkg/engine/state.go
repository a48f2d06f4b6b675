package engine

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/swirl/pkg/facts"
	"github.com/openfroyo/swirl/pkg/inventory"
	"github.com/openfroyo/swirl/pkg/transports"
	"github.com/openfroyo/swirl/pkg/transports/builtin"
)

// OpHash identifies one logical operation across every host it runs on.
type OpHash string

// Config holds the run-wide engine settings.
type Config struct {
	// FailPercent aborts the run once more than this percentage of targeted
	// hosts have failed. Nil means any number of failures is tolerated.
	FailPercent *float64

	// Parallel bounds how many hosts are worked on at once. Zero means all.
	Parallel int

	// ConnectTimeout bounds each host connection.
	ConnectTimeout time.Duration

	// ConnectRate limits new connections per second. Zero means unlimited.
	ConnectRate float64

	// Pipelining batches fact lookups declared by operations.
	Pipelining bool

	// Defaults are the lowest-precedence global arguments.
	Defaults Kwargs
}

// OpMeta describes an operation shared by every host it was compiled for.
type OpMeta struct {
	Hash      OpHash             `json:"hash"`
	Operation string             `json:"operation"`
	Names     []string           `json:"names"`
	Seq       int                `json:"seq"`
	Hosts     []string           `json:"hosts"`
	Execution ExecutionArguments `json:"execution"`
}

// DisplayName joins the operation's names.
func (m *OpMeta) DisplayName() string {
	return strings.Join(m.Names, ", ")
}

// OpData is what an operation compiled to on one host.
type OpData struct {
	Commands []Command
	Global   GlobalArguments

	// PlanErr is set when the operation failed to compile for the host.
	PlanErr error
}

type deployFrame struct {
	name   string
	kwargs Kwargs
	data   map[string]any
}

type recordedCall struct {
	op     *Operation
	args   Args
	kwargs Kwargs
	hosts  []*inventory.Host
	frames []deployFrame
}

type hostState struct {
	ops        map[OpHash]*OpData
	status     map[OpHash]OpStatus
	errors     map[OpHash]error
	results    HostResults
	planFailed bool
	err        error
}

// State is the compiled plan for one run plus its execution results.
// Operations are added during a single-threaded compile phase, after which
// the state is frozen and executed.
type State struct {
	// RunID identifies this run in logs and telemetry.
	RunID string

	inv        *inventory.Inventory
	cfg        Config
	gatherer   *facts.Gatherer
	transports *transports.Registry
	callbacks  []StateCallback
	targets    []*inventory.Host

	mu          sync.RWMutex
	seq         int
	opOrder     []OpHash
	opMeta      map[OpHash]*OpMeta
	hosts       map[string]*hostState
	deployStack []deployFrame
	recording   []recordedCall
	isRecording bool
	compiling   bool
	frozen      bool

	activated int
	active    map[string]bool
	failed    map[string]bool
}

// Option configures a State.
type Option func(*State)

// WithConfig sets the engine configuration.
func WithConfig(cfg Config) Option {
	return func(s *State) {
		s.cfg = cfg
	}
}

// WithGatherer sets the fact gatherer, e.g. one with a metrics observer.
func WithGatherer(g *facts.Gatherer) Option {
	return func(s *State) {
		s.gatherer = g
	}
}

// WithTransports sets the connector registry used by Connect.
func WithTransports(r *transports.Registry) Option {
	return func(s *State) {
		s.transports = r
	}
}

// WithCallbacks registers state callbacks.
func WithCallbacks(cbs ...StateCallback) Option {
	return func(s *State) {
		s.callbacks = append(s.callbacks, cbs...)
	}
}

// WithLimit restricts the run to a subset of the inventory.
func WithLimit(hosts []*inventory.Host) Option {
	return func(s *State) {
		s.targets = hosts
	}
}

// NewState creates a state for the inventory.
func NewState(inv *inventory.Inventory, opts ...Option) *State {
	s := &State{
		RunID:  uuid.New().String(),
		inv:    inv,
		opMeta: make(map[OpHash]*OpMeta),
		hosts:  make(map[string]*hostState, inv.Len()),
		active: make(map[string]bool),
		failed: make(map[string]bool),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.gatherer == nil {
		s.gatherer = facts.NewGatherer()
	}
	if s.transports == nil {
		s.transports = builtin.Registry()
	}
	if s.targets == nil {
		s.targets = inv.Hosts()
	} else {
		s.targets = slices.Clone(s.targets)
		inventory.SortByIndex(s.targets)
	}

	for _, h := range inv.Hosts() {
		s.hosts[h.Name()] = &hostState{
			ops:    make(map[OpHash]*OpData),
			status: make(map[OpHash]OpStatus),
			errors: make(map[OpHash]error),
		}
	}

	return s
}

// Inventory returns the inventory the state runs against.
func (s *State) Inventory() *inventory.Inventory {
	return s.inv
}

// Config returns the engine configuration.
func (s *State) Config() Config {
	return s.cfg
}

// Gatherer returns the fact gatherer.
func (s *State) Gatherer() *facts.Gatherer {
	return s.gatherer
}

// Targets returns the hosts within the limit, in inventory order.
func (s *State) Targets() []*inventory.Host {
	return slices.Clone(s.targets)
}

// Deploy runs fn with a named deploy context. Operations added inside are
// named "Deploy | Operation", inherit kwargs as global arguments and see
// data ahead of host data. Deploys nest.
func (s *State) Deploy(name string, kwargs Kwargs, data map[string]any, fn func() error) error {
	s.mu.Lock()
	if s.frozen {
		s.mu.Unlock()
		return NewUsageError(fmt.Sprintf("cannot start deploy %q", name), ErrNoCompilingContext)
	}
	s.deployStack = append(s.deployStack, deployFrame{name: name, kwargs: kwargs, data: data})
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.deployStack = s.deployStack[:len(s.deployStack)-1]
		s.mu.Unlock()
	}()

	return fn()
}

// Freeze ends the compile phase. Further AddOperation calls fail.
func (s *State) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = true
}

// AddOperation compiles op for each target host and records the resulting
// commands under one shared op hash. With no hosts given, every active host
// within the limit is targeted. Hosts are always compiled in inventory order.
//
// Host-scoped failures (the operation returning an error or panicking) are
// recorded against the host and surface when the plan runs. Usage errors
// are returned.
func (s *State) AddOperation(ctx context.Context, op *Operation, args Args, kwargs Kwargs, hosts ...*inventory.Host) (OpHash, error) {
	if op == nil || op.Func == nil || op.Name == "" {
		return "", NewUsageError("operation must have a name and a function", nil)
	}

	s.mu.Lock()
	switch {
	case s.frozen:
		s.mu.Unlock()
		return "", NewUsageError(fmt.Sprintf("cannot add operation %s", op.Name), ErrNoCompilingContext).
			WithOperation(op.Name)
	case s.compiling:
		s.mu.Unlock()
		return "", NewUsageError(fmt.Sprintf("cannot add operation %s", op.Name), ErrNestedOperation).
			WithOperation(op.Name)
	case s.isRecording:
		s.recording = append(s.recording, recordedCall{
			op:     op,
			args:   args,
			kwargs: kwargs,
			hosts:  hosts,
			frames: slices.Clone(s.deployStack),
		})
		s.mu.Unlock()
		return "", nil
	}
	s.compiling = true
	s.seq++
	seq := s.seq
	frames := slices.Clone(s.deployStack)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.compiling = false
		s.mu.Unlock()
	}()

	return s.compile(ctx, op, args, kwargs, hosts, frames, seq)
}

func (s *State) compile(
	ctx context.Context,
	op *Operation,
	args Args,
	kwargs Kwargs,
	hosts []*inventory.Host,
	frames []deployFrame,
	seq int,
) (OpHash, error) {
	deployKwargs := Kwargs{}
	deployData := map[string]any{}
	deployNames := make([]string, 0, len(frames))
	for _, f := range frames {
		maps.Copy(deployKwargs, f.kwargs)
		maps.Copy(deployData, f.data)
		deployNames = append(deployNames, f.name)
	}

	name := op.Name
	if n, ok := kwargs["name"].(string); ok && n != "" {
		name = n
	}
	displayName := strings.Join(append(slices.Clone(deployNames), name), " | ")

	hash := makeOpHash(deployNames, op.Name, seq, deployKwargs, kwargs)

	targets := s.compileTargets(hosts)

	logger := log.With().
		Str("op", displayName).
		Str("op_hash", string(hash)).
		Logger()
	logger.Debug().Int("hosts", len(targets)).Msg("adding operation")

	meta := &OpMeta{
		Hash:      hash,
		Operation: op.Name,
		Names:     []string{displayName},
		Seq:       seq,
	}

	first := true
	for _, host := range targets {
		if err := ctx.Err(); err != nil {
			return "", NewCancelledError("compilation cancelled", err)
		}

		s.mu.RLock()
		hs := s.hosts[host.Name()]
		skip := hs.planFailed
		s.mu.RUnlock()
		if skip {
			logger.Debug().Str("host", host.Name()).Msg("skipping host after planning failure")
			continue
		}

		global, err := ResolveGlobalArguments(s.cfg.Defaults, host.Data(), deployKwargs, kwargs)
		if err != nil {
			return "", withContext(err, host.Name(), displayName)
		}

		if first {
			meta.Execution = global.Execution()
			first = false
		} else if global.Execution() != meta.Execution {
			return "", NewUsageError("execution arguments (parallel, run_once, serial) differ between hosts", nil).
				WithHost(host.Name()).
				WithOperation(displayName)
		}

		data, err := s.compileHost(ctx, op, args, host, hash, global, deployData)
		if err != nil {
			return "", withContext(err, host.Name(), displayName)
		}

		s.mu.Lock()
		hs.ops[hash] = data
		hs.status[hash] = StatusPending
		if data.PlanErr != nil && !global.IgnoreErrors {
			hs.planFailed = true
		}
		s.mu.Unlock()

		meta.Hosts = append(meta.Hosts, host.Name())
	}

	if len(meta.Hosts) > 0 {
		s.mu.Lock()
		if _, exists := s.opMeta[hash]; !exists {
			s.opOrder = append(s.opOrder, hash)
		}
		s.opMeta[hash] = meta
		s.mu.Unlock()
	}

	return hash, nil
}

// compileHost calls the operation for one host. Host-scoped failures are
// returned inside OpData; only usage errors are returned directly.
func (s *State) compileHost(
	ctx context.Context,
	op *Operation,
	args Args,
	host *inventory.Host,
	hash OpHash,
	global GlobalArguments,
	deployData map[string]any,
) (data *OpData, err error) {
	if err := host.EnterOperation(string(hash)); err != nil {
		return nil, NewUsageError("cannot compile operation", err)
	}
	defer host.ExitOperation()

	opCtx := &OpContext{
		ctx:    ctx,
		state:  s,
		host:   host,
		hash:   hash,
		global: global,
		data:   deployData,
	}

	data = &OpData{Global: global}

	defer func() {
		if r := recover(); r != nil {
			data.Commands = nil
			data.PlanErr = NewPlanningError(fmt.Sprintf("operation panicked: %v", r), nil).WithCode(ErrCodePanic)
			err = nil
		}
	}()

	commands, opErr := op.Func(opCtx, args)
	if opErr != nil {
		if IsUsage(opErr) {
			return nil, opErr
		}
		var factErr *facts.Error
		if errors.As(opErr, &factErr) {
			data.PlanErr = NewFactError("fact failed while compiling", opErr)
		} else {
			data.PlanErr = NewPlanningError("operation failed to compile", opErr)
		}
		log.Debug().
			Err(opErr).
			Str("host", host.Name()).
			Str("op", op.Name).
			Msg("planning failed")
		return data, nil
	}

	data.Commands = commands
	return data, nil
}

func withContext(err error, host, op string) error {
	var e *EngineError
	if errors.As(err, &e) {
		if e.Host == "" {
			e.Host = host
		}
		if e.Operation == "" {
			e.Operation = op
		}
		return e
	}
	return NewUsageError("invalid operation call", err).WithHost(host).WithOperation(op)
}

// compileTargets resolves the hosts an operation compiles for.
func (s *State) compileTargets(hosts []*inventory.Host) []*inventory.Host {
	if len(hosts) == 0 {
		return s.ActiveHosts()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool, len(hosts))
	out := make([]*inventory.Host, 0, len(hosts))
	for _, h := range hosts {
		if seen[h.Name()] || !s.active[h.Name()] {
			continue
		}
		seen[h.Name()] = true
		out = append(out, h)
	}
	inventory.SortByIndex(out)
	return out
}

// makeOpHash derives an op identity from where and how the operation was
// declared, never from the hosts it targets.
func makeOpHash(deployNames []string, opName string, seq int, deployKwargs, kwargs Kwargs) OpHash {
	h := sha1.New()
	fmt.Fprintf(h, "deploy=%s\n", strings.Join(deployNames, " | "))
	fmt.Fprintf(h, "op=%s\n", opName)
	fmt.Fprintf(h, "seq=%d\n", seq)
	fmt.Fprintf(h, "deploy_args=%s\n", strings.Join(hashItems(deployKwargs), ";"))
	fmt.Fprintf(h, "args=%s\n", strings.Join(hashItems(kwargs), ";"))
	return OpHash(hex.EncodeToString(h.Sum(nil)))
}

// Pipelined records the operations fn adds, prefetches the facts they
// declare in one batch per host, then compiles them in order. It returns
// the op hashes of the replayed operations.
func (s *State) Pipelined(ctx context.Context, fn func() error) ([]OpHash, error) {
	s.mu.Lock()
	switch {
	case s.frozen:
		s.mu.Unlock()
		return nil, NewUsageError("cannot start pipelining", ErrNoCompilingContext)
	case s.isRecording:
		s.mu.Unlock()
		return nil, NewUsageError("pipelining is already active", nil)
	}
	s.isRecording = true
	s.recording = nil
	s.mu.Unlock()

	err := fn()

	s.mu.Lock()
	calls := s.recording
	s.recording = nil
	s.isRecording = false
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	if err := s.prefetch(ctx, calls); err != nil {
		return nil, NewCancelledError("fact prefetch cancelled", err)
	}

	hashes := make([]OpHash, 0, len(calls))
	for _, call := range calls {
		s.mu.Lock()
		saved := s.deployStack
		s.deployStack = call.frames
		s.mu.Unlock()

		hash, err := s.AddOperation(ctx, call.op, call.args, call.kwargs, call.hosts...)

		s.mu.Lock()
		s.deployStack = saved
		s.mu.Unlock()

		if err != nil {
			return hashes, err
		}
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

func (s *State) prefetch(ctx context.Context, calls []recordedCall) error {
	perHost := make(map[string][]facts.Request)
	var hosts []*inventory.Host

	for _, call := range calls {
		if call.op.PipelineFacts == nil {
			continue
		}
		reqs := call.op.PipelineFacts(call.args)
		if len(reqs) == 0 {
			continue
		}

		deployKwargs := Kwargs{}
		for _, f := range call.frames {
			maps.Copy(deployKwargs, f.kwargs)
		}

		for _, host := range s.compileTargets(call.hosts) {
			global, err := ResolveGlobalArguments(s.cfg.Defaults, host.Data(), deployKwargs, call.kwargs)
			if err != nil {
				// reported when the call is compiled
				continue
			}
			if _, ok := perHost[host.Name()]; !ok {
				hosts = append(hosts, host)
			}
			for _, r := range reqs {
				r.Exec = global.FactOptions()
				perHost[host.Name()] = append(perHost[host.Name()], r)
			}
		}
	}

	if len(hosts) == 0 {
		return nil
	}

	p := facts.NewPipeline(s.gatherer, s.cfg.Parallel)
	return p.PrefetchEach(ctx, hosts, func(h *inventory.Host) []facts.Request {
		return perHost[h.Name()]
	})
}

// OpOrder returns the global operation order.
func (s *State) OpOrder() []OpHash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.opOrder)
}

// OpMeta returns an operation's metadata.
func (s *State) OpMeta(hash OpHash) (OpMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.opMeta[hash]
	if !ok {
		return OpMeta{}, false
	}
	return *m, true
}

// OpData returns what an operation compiled to on a host.
func (s *State) OpData(host *inventory.Host, hash OpHash) (*OpData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hs, ok := s.hosts[host.Name()]
	if !ok {
		return nil, false
	}
	d, ok := hs.ops[hash]
	return d, ok
}

// HostOps returns the op hashes compiled for a host, in global order.
func (s *State) HostOps(host *inventory.Host) []OpHash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hs, ok := s.hosts[host.Name()]
	if !ok {
		return nil
	}
	out := make([]OpHash, 0, len(hs.ops))
	for _, hash := range s.opOrder {
		if _, ok := hs.ops[hash]; ok {
			out = append(out, hash)
		}
	}
	return out
}
