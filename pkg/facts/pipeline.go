package facts

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/swirl/pkg/inventory"
	"github.com/openfroyo/swirl/pkg/transports"
)

// Request is one fact call to prefetch.
type Request struct {
	Fact Fact
	Args Args
	Exec transports.CommandOptions
}

// Pipeline batches fact calls per host into a single remote script. Results
// land in the same cache Gatherer.Get reads, so values are identical to
// unbatched calls.
type Pipeline struct {
	gatherer *Gatherer
	limit    int
}

// NewPipeline creates a pipeline fanning out over at most limit hosts at once
// (0 means unbounded).
func NewPipeline(g *Gatherer, limit int) *Pipeline {
	return &Pipeline{gatherer: g, limit: limit}
}

type section struct {
	exitCode int
	lines    []string
	done     bool
}

// Prefetch loads the requested facts on every host. Failures are not returned:
// a failing call is left uncached (or retried unbatched) so the caller sees
// the error when it asks for the fact. Only context cancellation is reported.
func (p *Pipeline) Prefetch(ctx context.Context, hosts []*inventory.Host, reqs []Request) error {
	return p.PrefetchEach(ctx, hosts, func(*inventory.Host) []Request {
		return reqs
	})
}

// PrefetchEach is Prefetch with a request list per host, for calls whose
// arguments or user switching differ between hosts.
func (p *Pipeline) PrefetchEach(ctx context.Context, hosts []*inventory.Host, reqsFor func(*inventory.Host) []Request) error {
	g, ctx := errgroup.WithContext(ctx)
	if p.limit > 0 {
		g.SetLimit(p.limit)
	}

	for _, host := range hosts {
		g.Go(func() error {
			p.prefetchHost(ctx, host, reqsFor(host))
			return ctx.Err()
		})
	}

	return g.Wait()
}

func (p *Pipeline) prefetchHost(ctx context.Context, host *inventory.Host, reqs []Request) {
	if host.Transport() == nil {
		return
	}

	// group pending calls by the options they run with
	seen := make(map[string]bool)
	var order []string
	batches := make(map[string][]Request)
	for _, req := range reqs {
		key := Key(req.Fact, req.Args, req.Exec)
		if seen[key] {
			continue
		}
		seen[key] = true

		if _, cached := host.CachedFact(key); cached {
			continue
		}
		if req.Fact.ShellExecutable() != "" {
			_, _ = p.gatherer.Get(ctx, host, req.Fact, req.Args, req.Exec)
			continue
		}

		group := fmt.Sprintf("%+v", execOptions(req.Fact, req.Exec))
		if _, ok := batches[group]; !ok {
			order = append(order, group)
		}
		batches[group] = append(batches[group], req)
	}

	for _, group := range order {
		if ctx.Err() != nil {
			return
		}
		p.runBatch(ctx, host, batches[group])
	}
}

func (p *Pipeline) runBatch(ctx context.Context, host *inventory.Host, batch []Request) {
	if len(batch) == 1 {
		_, _ = p.gatherer.Get(ctx, host, batch[0].Fact, batch[0].Args, batch[0].Exec)
		return
	}

	token := "__swirl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	script := buildScript(token, batch)
	exec := execOptions(batch[0].Fact, batch[0].Exec)

	log.Debug().
		Str("host", host.Name()).
		Int("facts", len(batch)).
		Msg("pipelining facts")

	out, err := host.Transport().RunShellCommand(ctx, script, exec)
	if err != nil {
		log.Debug().Err(err).Str("host", host.Name()).Msg("pipelined fact script failed, falling back")
		for _, req := range batch {
			_, _ = p.gatherer.Get(ctx, host, req.Fact, req.Args, req.Exec)
		}
		return
	}

	sections := parseScriptOutput(token, len(batch), out.Stdout)
	for i, req := range batch {
		sec := sections[i]
		if !sec.done || sec.exitCode != 0 {
			_, _ = p.gatherer.Get(ctx, host, req.Fact, req.Args, req.Exec)
			continue
		}
		value, err := interpret(host, req.Fact, req.Args, req.Exec, 0, sec.lines, nil)
		if err != nil {
			continue
		}
		host.StoreFact(Key(req.Fact, req.Args, req.Exec), value)
	}
}

// buildScript joins fact commands into one script. Each command runs in a
// subshell between marker lines carrying its index and exit code.
func buildScript(token string, batch []Request) string {
	parts := make([]string, 0, len(batch))
	for i, req := range batch {
		parts = append(parts, fmt.Sprintf(`echo '%s:%d'; ( %s ); echo "%s:%d:$?"`,
			token, i, Command(req.Fact, req.Args), token, i))
	}
	return strings.Join(parts, "; ")
}

// parseScriptOutput splits script stdout back into per-command sections.
func parseScriptOutput(token string, n int, stdout []string) []section {
	sections := make([]section, n)
	current := -1

	for _, line := range stdout {
		if !strings.HasPrefix(line, token+":") {
			if current >= 0 {
				sections[current].lines = append(sections[current].lines, line)
			}
			continue
		}

		fields := strings.Split(strings.TrimPrefix(line, token+":"), ":")
		idx, err := strconv.Atoi(fields[0])
		if err != nil || idx < 0 || idx >= n {
			continue
		}

		if len(fields) == 1 {
			current = idx
			sections[idx] = section{}
			continue
		}

		code, err := strconv.Atoi(fields[1])
		if err != nil {
			code = -1
		}
		sections[idx].exitCode = code
		sections[idx].done = true
		current = -1
	}

	return sections
}
