package facts

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/swirl/pkg/transports"
	"github.com/openfroyo/swirl/pkg/transports/transporttest"
)

var sectionRegex = regexp.MustCompile(`echo '(__swirl_[0-9a-f]+):(\d+)'; \( (.*?) \); echo "`)

type canned struct {
	match string
	code  int
	out   []string
}

// scriptHandler answers single fact commands from answers and emulates the
// shell for pipelined scripts.
func scriptHandler(answers []canned) func(string, transports.CommandOptions) (transporttest.Response, bool) {
	answer := func(command string) canned {
		for _, a := range answers {
			if strings.Contains(command, a.match) {
				return a
			}
		}
		return canned{}
	}

	return func(command string, _ transports.CommandOptions) (transporttest.Response, bool) {
		sections := sectionRegex.FindAllStringSubmatch(command, -1)
		if len(sections) == 0 {
			a := answer(command)
			return transporttest.Response{ExitCode: a.code, Stdout: a.out}, true
		}

		var stdout []string
		for _, s := range sections {
			a := answer(s[3])
			stdout = append(stdout, s[1]+":"+s[2])
			stdout = append(stdout, a.out...)
			stdout = append(stdout, s[1]+":"+s[2]+":"+strconv.Itoa(a.code))
		}
		return transporttest.Response{Stdout: stdout}, true
	}
}

var pipelineAnswers = []canned{
	{match: "uname -n", out: []string{"web"}},
	{match: "/etc/motd", out: []string{statLine}},
	{match: "os-release", out: []string{`ID=debian`}},
}

func TestPrefetchMatchesUnbatched(t *testing.T) {
	reqs := []Request{
		{Fact: Hostname},
		{Fact: File, Args: Args{"path": "/etc/motd"}},
		{Fact: OSRelease},
		{Fact: Hostname}, // duplicate
	}
	ctx := context.Background()

	// unbatched reference values
	refHosts, refFakes := connectedHosts(t, "ref")
	refFakes["ref"].Handler = scriptHandler(pipelineAnswers)
	g := NewGatherer()
	wantName, _ := Get(ctx, g, refHosts[0], Hostname, nil, noExec)
	wantFile, _ := Get(ctx, g, refHosts[0], File, Args{"path": "/etc/motd"}, noExec)
	wantOS, _ := Get(ctx, g, refHosts[0], OSRelease, nil, noExec)

	hosts, fakes := connectedHosts(t, "a", "b", "c")
	for _, f := range fakes {
		f.Handler = scriptHandler(pipelineAnswers)
	}

	require.NoError(t, NewPipeline(g, 2).Prefetch(ctx, hosts, reqs))

	for _, h := range hosts {
		assert.Len(t, fakes[h.Name()].Calls(), 1, "one round trip per host")

		name, err := Get(ctx, g, h, Hostname, nil, noExec)
		require.NoError(t, err)
		file, err := Get(ctx, g, h, File, Args{"path": "/etc/motd"}, noExec)
		require.NoError(t, err)
		osr, err := Get(ctx, g, h, OSRelease, nil, noExec)
		require.NoError(t, err)

		assert.Equal(t, wantName, name)
		assert.Equal(t, wantFile, file)
		assert.Equal(t, wantOS, osr)
		assert.Len(t, fakes[h.Name()].Calls(), 1, "prefetched facts come from cache")
	}
}

func TestPrefetchFallsBackOnFailedSection(t *testing.T) {
	answers := []canned{
		{match: "uname -n", code: 1},
		{match: "/etc/motd", out: []string{statLine}},
	}
	hosts, fakes := connectedHosts(t, "a")
	fakes["a"].Handler = scriptHandler(answers)
	g := NewGatherer()

	require.NoError(t, NewPipeline(g, 0).Prefetch(context.Background(), hosts, []Request{
		{Fact: Hostname},
		{Fact: File, Args: Args{"path": "/etc/motd"}},
	}))

	commands := fakes["a"].Commands()
	require.Len(t, commands, 2)
	assert.Equal(t, "uname -n", commands[1], "failed section is retried unbatched")

	_, cached := hosts[0].CachedFact(Key(Hostname, nil, noExec))
	assert.False(t, cached)
	_, cached = hosts[0].CachedFact(Key(File, Args{"path": "/etc/motd"}, noExec))
	assert.True(t, cached)
}

func TestPrefetchSkipsCached(t *testing.T) {
	hosts, fakes := connectedHosts(t, "a")
	fakes["a"].Handler = scriptHandler(pipelineAnswers)
	g := NewGatherer()
	g.Store(hosts[0], Hostname, nil, noExec, "cached")

	require.NoError(t, NewPipeline(g, 0).Prefetch(context.Background(), hosts, []Request{
		{Fact: Hostname},
		{Fact: OSRelease},
	}))

	// only one uncached request left, so it runs unbatched
	assert.Equal(t, []string{"cat /etc/os-release 2>/dev/null || cat /usr/lib/os-release"}, fakes["a"].Commands())
}

func TestPrefetchCancelled(t *testing.T) {
	hosts, _ := connectedHosts(t, "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewPipeline(NewGatherer(), 0).Prefetch(ctx, hosts, []Request{{Fact: Hostname}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseScriptOutput(t *testing.T) {
	sections := parseScriptOutput("tok", 2, []string{
		"tok:0", "a", "b", "tok:0:0",
		"tok:1", "tok:1:3",
	})
	assert.Equal(t, []string{"a", "b"}, sections[0].lines)
	assert.True(t, sections[0].done)
	assert.Equal(t, 3, sections[1].exitCode)
	assert.Empty(t, sections[1].lines)
}
