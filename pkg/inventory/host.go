package inventory

import (
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/openfroyo/swirl/pkg/transports"
)

// ErrNestedOperation is returned when an operation is entered while another
// operation is already being compiled for the same host.
var ErrNestedOperation = errors.New("operation called from inside another operation")

// Host is one target machine. Hosts are created by an Inventory and live for
// the duration of a single run.
type Host struct {
	name   string
	groups []string
	index  int
	inv    *Inventory

	dataOnce sync.Once
	data     map[string]any

	mu          sync.Mutex
	transport   transports.Transport
	facts       map[string]any
	opHashOrder []string
	currentOp   string
	inOp        bool
}

// Name returns the host name as written in the inventory.
func (h *Host) Name() string {
	return h.name
}

func (h *Host) String() string {
	return h.name
}

// Groups returns the names of the groups the host belongs to, in group
// definition order. The implicit "all" group is not included.
func (h *Host) Groups() []string {
	return slices.Clone(h.groups)
}

// InGroup reports whether the host is a member of the named group.
func (h *Host) InGroup(name string) bool {
	return name == AllGroup || slices.Contains(h.groups, name)
}

// Index is the host's position in the inventory, used for deterministic
// tie-breaks.
func (h *Host) Index() int {
	return h.index
}

// Data returns the host's resolved data. The result is computed once and must
// not be mutated by callers.
func (h *Host) Data() map[string]any {
	h.dataOnce.Do(func() {
		h.data = h.inv.resolveData(h)
	})
	return h.data
}

// Get returns a single resolved data value.
func (h *Host) Get(key string) (any, bool) {
	v, ok := h.Data()[key]
	return v, ok
}

// Transport returns the host's connection, nil until connected.
func (h *Host) Transport() transports.Transport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transport
}

// SetTransport attaches a connection to the host. Passing nil detaches it.
func (h *Host) SetTransport(t transports.Transport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transport = t
}

// Connected reports whether the host has a transport attached.
func (h *Host) Connected() bool {
	return h.Transport() != nil
}

// CachedFact returns a cached fact value by key.
func (h *Host) CachedFact(key string) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.facts[key]
	return v, ok
}

// StoreFact caches a fact value. Last writer wins.
func (h *Host) StoreFact(key string, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.facts == nil {
		h.facts = make(map[string]any)
	}
	h.facts[key] = value
}

// DeleteFact drops a cached fact so the next lookup goes to the host.
func (h *Host) DeleteFact(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.facts, key)
}

// Facts returns a snapshot of the fact cache.
func (h *Host) Facts() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return maps.Clone(h.facts)
}

// EnterOperation marks the host as compiling the given op. It fails if an
// operation is already in progress.
func (h *Host) EnterOperation(opHash string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inOp {
		return ErrNestedOperation
	}
	h.inOp = true
	h.currentOp = opHash
	if !slices.Contains(h.opHashOrder, opHash) {
		h.opHashOrder = append(h.opHashOrder, opHash)
	}
	return nil
}

// ExitOperation clears the in-operation flag.
func (h *Host) ExitOperation() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inOp = false
	h.currentOp = ""
}

// CurrentOperation returns the op hash being compiled, if any.
func (h *Host) CurrentOperation() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentOp, h.inOp
}

// OpHashOrder returns the op hashes this host participates in, in the order
// they were first compiled for it.
func (h *Host) OpHashOrder() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.opHashOrder)
}
