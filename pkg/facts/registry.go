package facts

import (
	"fmt"
	"maps"
	"slices"
)

// Registry maps fact names to descriptors.
type Registry struct {
	facts map[string]Fact
}

// NewRegistry builds a registry from the given facts.
func NewRegistry(facts ...Fact) *Registry {
	r := &Registry{facts: make(map[string]Fact, len(facts))}
	for _, f := range facts {
		r.facts[f.FactName()] = f
	}
	return r
}

// Builtins returns the facts compiled into swirl.
func Builtins() *Registry {
	return NewRegistry(
		Hostname,
		Which,
		TmpDir,
		OSRelease,
		Memory,
		CPU,
		Disks,
		NetworkInterfaces,
		DebPackages,
		RpmPackages,
		File,
		Directory,
		Sha1File,
	)
}

// Lookup returns a fact by name.
func (r *Registry) Lookup(name string) (Fact, error) {
	f, ok := r.facts[name]
	if !ok {
		return nil, fmt.Errorf("unknown fact: %s", name)
	}
	return f, nil
}

// Names returns the registered fact names, sorted.
func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.facts))
}
