package engine

import (
	"encoding/json"
	"fmt"
)

type debugHostOp struct {
	Commands []string        `json:"commands"`
	Global   GlobalArguments `json:"global_arguments"`
	Error    string          `json:"planning_error,omitempty"`
	Status   OpStatus        `json:"status,omitempty"`
}

type debugOp struct {
	OpMeta
	PerHost map[string]debugHostOp `json:"per_host"`
}

// DebugOperations dumps the compiled plan as JSON, in global order.
func (s *State) DebugOperations() ([]byte, error) {
	order := s.OpOrder()
	out := make([]debugOp, 0, len(order))

	for _, hash := range order {
		meta, _ := s.OpMeta(hash)
		op := debugOp{OpMeta: meta, PerHost: make(map[string]debugHostOp, len(meta.Hosts))}

		for _, name := range meta.Hosts {
			host, ok := s.inv.Get(name)
			if !ok {
				continue
			}
			data, ok := s.OpData(host, hash)
			if !ok {
				continue
			}
			entry := debugHostOp{
				Commands: CommandStrings(data.Commands),
				Global:   data.Global,
				Status:   s.OpStatus(host, hash),
			}
			if data.PlanErr != nil {
				entry.Error = data.PlanErr.Error()
			}
			op.PerHost[name] = entry
		}

		out = append(out, op)
	}

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal operations: %w", err)
	}
	return b, nil
}

// DebugFacts dumps every host's fact cache as JSON, keyed by host name.
func (s *State) DebugFacts() ([]byte, error) {
	out := make(map[string]map[string]any, len(s.targets))
	for _, host := range s.Targets() {
		out[host.Name()] = host.Facts()
	}

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal facts: %w", err)
	}
	return b, nil
}
