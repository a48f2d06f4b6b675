// Package operations is the compiled-in catalog of operations. Each
// operation diffs desired state against host facts and emits the commands
// needed to converge, or none when the host already matches.
package operations

import (
	"fmt"
	"maps"
	"slices"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/swirl/pkg/engine"
)

// Registry maps operation names to operations.
type Registry struct {
	ops map[string]*engine.Operation
}

// NewRegistry builds a registry from the given operations.
func NewRegistry(ops ...*engine.Operation) *Registry {
	r := &Registry{ops: make(map[string]*engine.Operation, len(ops))}
	for _, op := range ops {
		r.ops[op.Name] = op
	}
	return r
}

// Builtins returns the operations compiled into swirl.
func Builtins() *Registry {
	return NewRegistry(
		Shell,
		Wait,
		Packages,
		File,
		Directory,
		Put,
		Get,
	)
}

// Lookup returns an operation by name.
func (r *Registry) Lookup(name string) (*engine.Operation, error) {
	op, ok := r.ops[name]
	if !ok {
		return nil, fmt.Errorf("unknown operation: %s", name)
	}
	return op, nil
}

// Names returns the registered operation names, sorted.
func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.ops))
}

var validate = validator.New()

// decode fills out from args and validates it.
func decode(args engine.Args, out any) error {
	if err := args.Decode(out); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
