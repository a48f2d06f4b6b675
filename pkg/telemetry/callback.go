package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/swirl/pkg/engine"
	"github.com/openfroyo/swirl/pkg/facts"
	"github.com/openfroyo/swirl/pkg/inventory"
)

type hostOpKey struct {
	host string
	hash engine.OpHash
}

// StateCallback feeds engine events into metrics and spans. The run span
// opened by StartRun parents one span per operation, which in turn parents
// one span per host. Operation spans only exist in the default execution
// mode; elsewhere host spans hang off the run span.
type StateCallback struct {
	metrics *Metrics
	tracer  *Tracer

	mu        sync.Mutex
	runCtx    context.Context
	runSpan   trace.Span
	opCtx     map[engine.OpHash]context.Context
	opSpans   map[engine.OpHash]trace.Span
	hostSpans map[hostOpKey]trace.Span
}

// NewStateCallback creates a callback recording into m and t. Either may be
// nil.
func NewStateCallback(m *Metrics, t *Tracer) *StateCallback {
	return &StateCallback{
		metrics:   m,
		tracer:    t,
		runCtx:    context.Background(),
		opCtx:     make(map[engine.OpHash]context.Context),
		opSpans:   make(map[engine.OpHash]trace.Span),
		hostSpans: make(map[hostOpKey]trace.Span),
	}
}

var (
	_ engine.StateCallback   = (*StateCallback)(nil)
	_ engine.CommandCallback = (*StateCallback)(nil)
	_ facts.Observer         = (*StateCallback)(nil)
)

// StartRun opens the run span and returns a context carrying it.
func (c *StateCallback) StartRun(ctx context.Context, runID string) context.Context {
	if c.tracer == nil {
		return ctx
	}
	ctx, span := c.tracer.StartRunSpan(ctx, runID)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.runCtx = ctx
	c.runSpan = span
	return ctx
}

// EndRun closes any spans still open and then the run span.
func (c *StateCallback) EndRun(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, span := range c.hostSpans {
		span.End()
		delete(c.hostSpans, key)
	}
	for hash, span := range c.opSpans {
		span.End()
		delete(c.opSpans, hash)
		delete(c.opCtx, hash)
	}
	if c.runSpan == nil {
		return
	}
	endSpan(c.runSpan, err)
	c.runSpan = nil
}

func (c *StateCallback) HostConnect(_ *engine.State, _ *inventory.Host) {
	c.metrics.RecordConnect(nil)
}

func (c *StateCallback) HostConnectError(_ *engine.State, host *inventory.Host, err error) {
	c.metrics.RecordConnect(err)

	c.mu.Lock()
	span := c.runSpan
	c.mu.Unlock()
	if span != nil {
		span.AddEvent("connect_error", trace.WithAttributes(
			AttrHost.String(host.Name()),
			attribute.String("error", err.Error()),
		))
	}
}

func (c *StateCallback) OperationStart(state *engine.State, hash engine.OpHash) {
	if c.tracer == nil {
		return
	}
	meta, _ := state.OpMeta(hash)

	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, span := c.tracer.StartOperationSpan(c.runCtx, meta.DisplayName(), string(hash))
	c.opCtx[hash] = ctx
	c.opSpans[hash] = span
}

func (c *StateCallback) OperationHostStart(state *engine.State, host *inventory.Host, hash engine.OpHash) {
	if c.tracer == nil {
		return
	}
	meta, _ := state.OpMeta(hash)

	c.mu.Lock()
	defer c.mu.Unlock()
	parent, ok := c.opCtx[hash]
	if !ok {
		parent = c.runCtx
	}
	_, span := c.tracer.StartHostOperationSpan(parent, host.Name(), meta.DisplayName(), string(hash))
	c.hostSpans[hostOpKey{host.Name(), hash}] = span
}

func (c *StateCallback) OperationHostSuccess(state *engine.State, host *inventory.Host, hash engine.OpHash, result engine.OpResult) {
	c.finishHost(state, host, hash, result)
}

func (c *StateCallback) OperationHostError(state *engine.State, host *inventory.Host, hash engine.OpHash, result engine.OpResult) {
	c.finishHost(state, host, hash, result)
}

func (c *StateCallback) finishHost(state *engine.State, host *inventory.Host, hash engine.OpHash, result engine.OpResult) {
	meta, _ := state.OpMeta(hash)
	c.metrics.RecordOperation(meta.Operation, string(result.Status), result.Duration)

	key := hostOpKey{host.Name(), hash}
	c.mu.Lock()
	span, ok := c.hostSpans[key]
	delete(c.hostSpans, key)
	c.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(
		AttrStatus.String(string(result.Status)),
		AttrCommands.Int(result.Commands),
	)
	var engErr *engine.EngineError
	if errors.As(result.Err, &engErr) {
		span.SetAttributes(AttrErrClass.String(string(engErr.Class)), AttrErrCode.String(engErr.Code))
	}

	var failure error
	if !result.Status.IsSuccess() {
		failure = result.Err
		if failure == nil {
			failure = errors.New(string(result.Status))
		}
	}
	endSpan(span, failure)
}

func (c *StateCallback) OperationEnd(_ *engine.State, hash engine.OpHash) {
	c.mu.Lock()
	span, ok := c.opSpans[hash]
	delete(c.opSpans, hash)
	delete(c.opCtx, hash)
	c.mu.Unlock()
	if ok {
		span.End()
	}
}

func (c *StateCallback) HostDisconnect(_ *engine.State, _ *inventory.Host) {
	c.metrics.RecordDisconnect()
}

// CommandComplete records the command's outcome and adds it to the host's
// operation span as an event.
func (c *StateCallback) CommandComplete(_ *engine.State, host *inventory.Host, hash engine.OpHash, cmd engine.Command, duration time.Duration, err error) {
	c.metrics.RecordCommand(err, duration)

	c.mu.Lock()
	span, ok := c.hostSpans[hostOpKey{host.Name(), hash}]
	c.mu.Unlock()
	if !ok {
		return
	}
	attrs := []attribute.KeyValue{
		AttrCommand.String(cmd.String()),
		attribute.Int64("duration_ms", duration.Milliseconds()),
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}
	span.AddEvent("command", trace.WithAttributes(attrs...))
}

// FactLookup records fact cache hits and misses.
func (c *StateCallback) FactLookup(_, _ string, cached bool) {
	c.metrics.RecordFactLookup(cached)
}
