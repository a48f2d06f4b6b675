package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"

	"github.com/openfroyo/swirl/pkg/engine"
	"github.com/openfroyo/swirl/pkg/facts"
)

// gatherFact fetches one fact from every active host and prints the values
// as a JSON object keyed by host name.
func gatherFact(ctx context.Context, out io.Writer, state *engine.State, name string, pairs []string) error {
	fact, err := facts.Builtins().Lookup(name)
	if err != nil {
		return fmt.Errorf("%w (available: %s)", err, strings.Join(facts.Builtins().Names(), ", "))
	}

	args, kwargs, err := parseArgs(pairs)
	if err != nil {
		return err
	}

	values := make(map[string]any)
	for _, host := range state.ActiveHosts() {
		global, err := engine.ResolveGlobalArguments(state.Config().Defaults, engine.HostArguments(host.Data()), nil, kwargs)
		if err != nil {
			return err
		}

		v, err := state.Gatherer().Get(ctx, host, fact, facts.Args(args), global.FactOptions())
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("host", host.Name()).Str("fact", name).Msg("Failed to gather fact")
			if ferr := state.FailHosts(host); ferr != nil {
				return ferr
			}
			continue
		}
		values[host.Name()] = v
	}

	b, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal facts: %w", err)
	}
	fmt.Fprintln(out, string(b))
	return nil
}

// printSummary writes the per-group results table.
func printSummary(out io.Writer, summary engine.RunSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tHOSTS\tFAILED\tOPS\tSUCCESS\tNO CHANGE\tERRORS\tIGNORED")
	for _, g := range summary.Groups {
		r := g.Results
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			g.Name, g.Hosts, g.Failed, r.Ops, r.SuccessOps, r.NoChangeOps, r.ErrorOps, r.IgnoredErrorOps)
	}
	_ = w.Flush()

	if len(summary.Failed) > 0 {
		failed := slices.Clone(summary.Failed)
		slices.Sort(failed)
		fmt.Fprintf(out, "\nFailed hosts: %s\n", strings.Join(failed, ", "))
	}
}
