package engine

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/openfroyo/swirl/pkg/facts"
	"github.com/openfroyo/swirl/pkg/inventory"
)

// Args are the operation-specific arguments, e.g. a path or a mode.
type Args map[string]any

// Decode copies args into a struct using `mapstructure` tags. Strings are
// converted to numbers and bools where needed, so CLI input can be decoded
// directly.
func (a Args) Decode(out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(map[string]any(a))
}

// Operation is a registered unit of desired state. Func is called once per
// host during compilation and returns the commands needed to reach that
// state, or none when the host already matches.
type Operation struct {
	// Name is the registry name, e.g. "files.file".
	Name string

	// Func diffs desired state against facts. It must only read from the
	// host; all changes happen through the returned commands.
	Func func(ctx *OpContext, args Args) ([]Command, error)

	// PipelineFacts lists the facts Func will ask for, so they can be
	// prefetched in one round trip per host.
	PipelineFacts func(args Args) []facts.Request
}

// OpContext is the explicit compile-time context an operation runs in. It is
// scoped to one host and one operation.
type OpContext struct {
	ctx    context.Context
	state  *State
	host   *inventory.Host
	hash   OpHash
	global GlobalArguments
	data   map[string]any
}

// Context returns the context compilation runs under.
func (c *OpContext) Context() context.Context {
	return c.ctx
}

// Host returns the host being compiled.
func (c *OpContext) Host() *inventory.Host {
	return c.host
}

// OpHash returns the identity of the operation being compiled.
func (c *OpContext) OpHash() OpHash {
	return c.hash
}

// Global returns the resolved global arguments for this host.
func (c *OpContext) Global() GlobalArguments {
	return c.global
}

// Data returns a data value, checking deploy data before host data.
func (c *OpContext) Data(key string) (any, bool) {
	if v, ok := c.data[key]; ok {
		return v, true
	}
	return c.host.Get(key)
}

// Fact loads a fact with the operation's user switching options.
func (c *OpContext) Fact(f facts.Fact, args facts.Args) (any, error) {
	return c.state.gatherer.Get(c.ctx, c.host, f, args, c.global.FactOptions())
}

// StoreFact records what a fact will return once the emitted commands have
// run, so later operations in the same run see the new state.
func (c *OpContext) StoreFact(f facts.Fact, args facts.Args, value any) {
	c.state.gatherer.Store(c.host, f, args, c.global.FactOptions(), value)
}

// ForgetFact drops a cached fact the emitted commands will invalidate.
func (c *OpContext) ForgetFact(f facts.Fact, args facts.Args) {
	c.state.gatherer.Forget(c.host, f, args, c.global.FactOptions())
}

// Include runs another operation inline and returns its commands, which the
// caller emits as part of its own. Use this instead of adding an operation
// from inside an operation.
func (c *OpContext) Include(op *Operation, args Args) ([]Command, error) {
	if op == nil || op.Func == nil {
		return nil, fmt.Errorf("cannot include an empty operation")
	}
	return op.Func(c, args)
}

// FactOf is the typed form of OpContext.Fact.
func FactOf[T any](c *OpContext, d *facts.Descriptor[T], args facts.Args) (T, error) {
	return facts.Get(c.ctx, c.state.gatherer, c.host, d, args, c.global.FactOptions())
}
