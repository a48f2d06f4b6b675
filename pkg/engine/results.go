package engine

import (
	"fmt"
	"slices"

	"github.com/openfroyo/swirl/pkg/inventory"
)

// OpStatus represents the state of one operation on one host.
type OpStatus string

const (
	// StatusPending indicates the operation has not started on the host.
	StatusPending OpStatus = "pending"

	// StatusRunning indicates the operation's commands are executing.
	StatusRunning OpStatus = "running"

	// StatusSucceeded indicates every command succeeded.
	StatusSucceeded OpStatus = "succeeded"

	// StatusNoChange indicates the operation compiled to zero commands.
	StatusNoChange OpStatus = "succeeded_no_change"

	// StatusFailed indicates a command failed and the host was deactivated.
	StatusFailed OpStatus = "failed"

	// StatusFailedIgnored indicates a command failed under ignore_errors.
	StatusFailedIgnored OpStatus = "failed_ignored"

	// StatusSkipped indicates the host did not run the operation, e.g. a
	// run_once operation that ran on another host.
	StatusSkipped OpStatus = "skipped"

	// StatusCancelled indicates the run was cancelled before the operation
	// started on the host.
	StatusCancelled OpStatus = "cancelled"
)

// IsTerminal returns true if the status is final.
func (s OpStatus) IsTerminal() bool {
	return s != StatusPending && s != StatusRunning
}

// IsSuccess returns true if the operation counts as successful.
func (s OpStatus) IsSuccess() bool {
	return s == StatusSucceeded || s == StatusNoChange || s == StatusSkipped
}

// Validate checks if the status is valid.
func (s OpStatus) Validate() error {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusNoChange,
		StatusFailed, StatusFailedIgnored, StatusSkipped, StatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid operation status: %s", s)
	}
}

// HostResults are the per-host counters reported at the end of a run.
type HostResults struct {
	// Ops counts operations that completed, including ignored failures.
	Ops int `json:"ops"`

	// SuccessOps counts operations that succeeded, with or without changes.
	SuccessOps int `json:"success_ops"`

	// NoChangeOps counts successful operations that had nothing to do.
	NoChangeOps int `json:"no_change_ops"`

	// ErrorOps counts failed operations, ignored or not.
	ErrorOps int `json:"error_ops"`

	// IgnoredErrorOps counts failures under ignore_errors.
	IgnoredErrorOps int `json:"ignored_error_ops"`

	// Commands counts commands that ran successfully.
	Commands int `json:"commands"`
}

func (r *HostResults) add(o HostResults) {
	r.Ops += o.Ops
	r.SuccessOps += o.SuccessOps
	r.NoChangeOps += o.NoChangeOps
	r.ErrorOps += o.ErrorOps
	r.IgnoredErrorOps += o.IgnoredErrorOps
	r.Commands += o.Commands
}

// Results returns the counters for a host.
func (s *State) Results(host *inventory.Host) HostResults {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if hs, ok := s.hosts[host.Name()]; ok {
		return hs.results
	}
	return HostResults{}
}

// OpStatus returns the status of an operation on a host.
func (s *State) OpStatus(host *inventory.Host, hash OpHash) OpStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if hs, ok := s.hosts[host.Name()]; ok {
		if st, ok := hs.status[hash]; ok {
			return st
		}
	}
	return ""
}

// OpError returns the error an operation ended with on a host, if any.
func (s *State) OpError(host *inventory.Host, hash OpHash) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if hs, ok := s.hosts[host.Name()]; ok {
		return hs.errors[hash]
	}
	return nil
}

// HostError returns the error that deactivated a host, if any.
func (s *State) HostError(host *inventory.Host) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if hs, ok := s.hosts[host.Name()]; ok {
		return hs.err
	}
	return nil
}

// ActiveHosts returns the connected, non-failed hosts within the limit, in
// inventory order.
func (s *State) ActiveHosts() []*inventory.Host {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*inventory.Host, 0, len(s.targets))
	for _, h := range s.targets {
		if s.active[h.Name()] {
			out = append(out, h)
		}
	}
	return out
}

// FailedHosts returns the hosts that failed, in inventory order.
func (s *State) FailedHosts() []*inventory.Host {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*inventory.Host, 0)
	for _, h := range s.targets {
		if s.failed[h.Name()] {
			out = append(out, h)
		}
	}
	return out
}

// IsActive reports whether a host is connected and has not failed.
func (s *State) IsActive(host *inventory.Host) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[host.Name()]
}

// GroupSummary aggregates host results for one group.
type GroupSummary struct {
	Name    string      `json:"name"`
	Hosts   int         `json:"hosts"`
	Failed  int         `json:"failed"`
	Results HostResults `json:"results"`
}

// RunSummary is the end-of-run report.
type RunSummary struct {
	RunID  string                 `json:"run_id"`
	Hosts  map[string]HostResults `json:"hosts"`
	Groups []GroupSummary         `json:"groups"`
	Failed []string               `json:"failed"`
	Total  HostResults            `json:"total"`
}

// Summary reports results per host and per group. Groups appear in
// definition order followed by the implicit "all" group.
func (s *State) Summary() RunSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := RunSummary{
		RunID:  s.RunID,
		Hosts:  make(map[string]HostResults, len(s.targets)),
		Failed: make([]string, 0),
	}

	groups := append(s.inv.GroupNames(), inventory.AllGroup)
	byGroup := make(map[string]*GroupSummary, len(groups))
	for _, g := range groups {
		byGroup[g] = &GroupSummary{Name: g}
	}

	for _, h := range s.targets {
		hs := s.hosts[h.Name()]
		summary.Hosts[h.Name()] = hs.results
		summary.Total.add(hs.results)
		failed := s.failed[h.Name()]
		if failed {
			summary.Failed = append(summary.Failed, h.Name())
		}

		for _, g := range groups {
			if !h.InGroup(g) {
				continue
			}
			gs := byGroup[g]
			gs.Hosts++
			gs.Results.add(hs.results)
			if failed {
				gs.Failed++
			}
		}
	}

	for _, g := range groups {
		if byGroup[g].Hosts > 0 {
			summary.Groups = append(summary.Groups, *byGroup[g])
		}
	}

	return summary
}

// Success reports whether every targeted host finished without failing.
func (s *State) Success() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !slices.ContainsFunc(s.targets, func(h *inventory.Host) bool {
		return s.failed[h.Name()]
	})
}
