package transports

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// DefaultConnector is used for host names without an "@connector" prefix.
const DefaultConnector = "ssh"

// Factory builds a Transport for a target. target is the part of the host
// name after "@connector/" (or the whole name for bare hosts) and data is the
// host's resolved data.
type Factory func(target string, data map[string]any) (Transport, error)

// Registry maps connector names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for a connector name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names returns the registered connector names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

// ParseHostName splits a host name into connector and target.
//
//	"@local"         -> ("local", "")
//	"@docker/abc123" -> ("docker", "abc123")
//	"web1.internal"  -> ("ssh", "web1.internal")
func ParseHostName(name string) (connector, target string) {
	if !strings.HasPrefix(name, "@") {
		return DefaultConnector, name
	}
	rest := name[1:]
	if idx := strings.Index(rest, "/"); idx >= 0 {
		return rest[:idx], rest[idx+1:]
	}
	return rest, ""
}

// ForHost builds an unconnected transport for the named host.
func (r *Registry) ForHost(name string, data map[string]any) (Transport, error) {
	connector, target := ParseHostName(name)

	r.mu.RLock()
	factory, ok := r.factories[connector]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown connector %q for host %s", connector, name)
	}
	return factory(target, data)
}
