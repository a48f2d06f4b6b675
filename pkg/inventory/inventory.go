// Package inventory models the set of hosts a run targets, their groups and
// the waterfall of data that configures each host.
package inventory

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
)

// AllGroup is the implicit group every host belongs to.
const AllGroup = "all"

// NoGroupError is returned when a group lookup names an undefined group.
type NoGroupError struct {
	Name string
}

func (e *NoGroupError) Error() string {
	return fmt.Sprintf("no such group: %s", e.Name)
}

// DuplicateHostError is returned when two hosts share a name.
type DuplicateHostError struct {
	Name string
}

func (e *DuplicateHostError) Error() string {
	return fmt.Sprintf("duplicate host in inventory: %s", e.Name)
}

// HostSpec declares a host and its own data.
type HostSpec struct {
	Name string
	Data map[string]any
}

// Group declares a named set of hosts with shared data.
type Group struct {
	Name  string
	Hosts []string
	Data  map[string]any
}

// Option configures an Inventory.
type Option func(*Inventory)

// WithGlobalData sets the lowest-precedence data applied to every host.
func WithGlobalData(data map[string]any) Option {
	return func(inv *Inventory) {
		inv.globalData = maps.Clone(data)
	}
}

// WithOverrideData sets data that beats every other source, such as values
// passed on the command line.
func WithOverrideData(data map[string]any) Option {
	return func(inv *Inventory) {
		inv.overrideData = maps.Clone(data)
	}
}

// Inventory owns all hosts of a run. It is immutable after New returns.
type Inventory struct {
	hosts       []*Host
	hostsByName map[string]*Host
	hostData    map[string]map[string]any

	groupOrder []string
	groups     map[string][]*Host
	groupData  map[string]map[string]any

	globalData   map[string]any
	overrideData map[string]any
}

// New builds an inventory. Hosts keep the order given; hosts referenced only by
// a group are appended in order of first reference. A group named "all" may be
// passed to attach data to the implicit all group.
func New(hosts []HostSpec, groups []Group, opts ...Option) (*Inventory, error) {
	inv := &Inventory{
		hostsByName: make(map[string]*Host),
		hostData:    make(map[string]map[string]any),
		groups:      make(map[string][]*Host),
		groupData:   make(map[string]map[string]any),
	}

	for _, opt := range opts {
		opt(inv)
	}

	addHost := func(name string, data map[string]any) (*Host, error) {
		if name == "" {
			return nil, fmt.Errorf("host name cannot be empty")
		}
		h := &Host{name: name, index: len(inv.hosts), inv: inv}
		inv.hosts = append(inv.hosts, h)
		inv.hostsByName[name] = h
		inv.hostData[name] = maps.Clone(data)
		return h, nil
	}

	for _, spec := range hosts {
		if _, exists := inv.hostsByName[spec.Name]; exists {
			return nil, &DuplicateHostError{Name: spec.Name}
		}
		if _, err := addHost(spec.Name, spec.Data); err != nil {
			return nil, err
		}
	}

	for _, g := range groups {
		if g.Name == "" {
			return nil, fmt.Errorf("group name cannot be empty")
		}
		if g.Name == AllGroup {
			inv.groupData[AllGroup] = maps.Clone(g.Data)
			continue
		}
		if _, exists := inv.groups[g.Name]; exists {
			return nil, fmt.Errorf("group %s defined twice", g.Name)
		}

		inv.groupOrder = append(inv.groupOrder, g.Name)
		inv.groupData[g.Name] = maps.Clone(g.Data)

		members := make([]*Host, 0, len(g.Hosts))
		for _, name := range g.Hosts {
			h, ok := inv.hostsByName[name]
			if !ok {
				var err error
				if h, err = addHost(name, nil); err != nil {
					return nil, err
				}
			}
			if slices.Contains(members, h) {
				continue
			}
			members = append(members, h)
			h.groups = append(h.groups, g.Name)
		}
		inv.groups[g.Name] = members
	}

	inv.groups[AllGroup] = inv.hosts

	log.Debug().
		Int("hosts", len(inv.hosts)).
		Int("groups", len(inv.groupOrder)).
		Msg("inventory built")

	return inv, nil
}

// resolveData merges, lowest precedence first: global data, the all group,
// each of the host's groups in definition order, the host's own data and the
// override data.
func (inv *Inventory) resolveData(h *Host) map[string]any {
	out := make(map[string]any)
	maps.Copy(out, inv.globalData)
	maps.Copy(out, inv.groupData[AllGroup])
	for _, g := range h.groups {
		maps.Copy(out, inv.groupData[g])
	}
	maps.Copy(out, inv.hostData[h.name])
	maps.Copy(out, inv.overrideData)
	return out
}

// Hosts returns every host in inventory order.
func (inv *Inventory) Hosts() []*Host {
	return slices.Clone(inv.hosts)
}

// Len returns the number of hosts.
func (inv *Inventory) Len() int {
	return len(inv.hosts)
}

// Get returns a host by name.
func (inv *Inventory) Get(name string) (*Host, bool) {
	h, ok := inv.hostsByName[name]
	return h, ok
}

// GroupNames returns the defined group names in definition order.
func (inv *Inventory) GroupNames() []string {
	return slices.Clone(inv.groupOrder)
}

// GroupData returns the data attached to a group.
func (inv *Inventory) GroupData(name string) map[string]any {
	return maps.Clone(inv.groupData[name])
}

// GetGroup returns the hosts of a group in inventory order.
func (inv *Inventory) GetGroup(name string) ([]*Host, error) {
	members, ok := inv.groups[name]
	if !ok {
		return nil, &NoGroupError{Name: name}
	}
	out := slices.Clone(members)
	SortByIndex(out)
	return out, nil
}

// Filter selects hosts matching any pattern. A pattern matches a group by exact
// name, otherwise it is a glob against host names. The result is in inventory
// order. No match logs a warning and returns an empty slice.
func (inv *Inventory) Filter(patterns ...string) []*Host {
	if len(patterns) == 0 {
		return inv.Hosts()
	}

	matchers := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			log.Warn().Err(err).Str("pattern", p).Msg("invalid limit pattern, matching literally")
			g = literal(p)
		}
		matchers = append(matchers, g)
	}

	out := make([]*Host, 0)
	for _, h := range inv.hosts {
		if inv.matches(h, patterns, matchers) {
			out = append(out, h)
		}
	}

	if len(out) == 0 {
		log.Warn().Str("limit", strings.Join(patterns, ",")).Msg("no hosts matched the limit")
	}
	return out
}

func (inv *Inventory) matches(h *Host, patterns []string, matchers []glob.Glob) bool {
	for i, p := range patterns {
		if _, isGroup := inv.groups[p]; isGroup && h.InGroup(p) {
			return true
		}
		if matchers[i].Match(h.name) {
			return true
		}
	}
	return false
}

type literal string

func (l literal) Match(s string) bool {
	return string(l) == s
}

// SortByIndex orders hosts by inventory position.
func SortByIndex(hosts []*Host) {
	slices.SortFunc(hosts, func(a, b *Host) int {
		return a.index - b.index
	})
}
