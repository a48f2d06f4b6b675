package inventory

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(hosts []*Host) []string {
	out := make([]string, len(hosts))
	for i, h := range hosts {
		out[i] = h.Name()
	}
	return out
}

func testInventory(t *testing.T) *Inventory {
	t.Helper()

	inv, err := New(
		[]HostSpec{
			{Name: "web1", Data: map[string]any{"role": "host", "port": 8080}},
			{Name: "web2"},
			{Name: "db1"},
		},
		[]Group{
			{Name: AllGroup, Data: map[string]any{"role": "all", "region": "eu", "tier": "all"}},
			{Name: "web", Hosts: []string{"web1", "web2"}, Data: map[string]any{"tier": "web", "region": "us"}},
			{Name: "canary", Hosts: []string{"web2"}, Data: map[string]any{"tier": "canary"}},
			{Name: "db", Hosts: []string{"db1", "backup1"}, Data: map[string]any{"tier": "db"}},
		},
		WithGlobalData(map[string]any{"region": "global", "user": "root", "role": "global"}),
		WithOverrideData(map[string]any{"port": 22}),
	)
	require.NoError(t, err)
	return inv
}

func TestDataWaterfall(t *testing.T) {
	inv := testInventory(t)

	tests := []struct {
		host     string
		key      string
		expected any
	}{
		{"web1", "port", 22},        // override beats host data
		{"web1", "role", "host"},    // host beats all group and global
		{"web1", "tier", "web"},     // group beats all group
		{"web2", "tier", "canary"},  // later group wins
		{"web2", "region", "us"},    // group beats all group
		{"db1", "region", "eu"},     // all group beats global
		{"db1", "user", "root"},     // global defaults
		{"backup1", "tier", "db"},   // host added through group
	}

	for _, tt := range tests {
		t.Run(tt.host+"/"+tt.key, func(t *testing.T) {
			h, ok := inv.Get(tt.host)
			require.True(t, ok)
			v, ok := h.Get(tt.key)
			require.True(t, ok)
			assert.Equal(t, tt.expected, v)
		})
	}
}

func TestDataIsMemoized(t *testing.T) {
	inv := testInventory(t)
	h, _ := inv.Get("web1")

	first := h.Data()
	second := h.Data()
	first["scratch"] = true
	assert.Equal(t, true, second["scratch"], "Data returns the same resolved map")
}

func TestHostOrderAndGroups(t *testing.T) {
	inv := testInventory(t)

	assert.Equal(t, []string{"web1", "web2", "db1", "backup1"}, names(inv.Hosts()))
	assert.Equal(t, 4, inv.Len())
	assert.Equal(t, []string{"web", "canary", "db"}, inv.GroupNames())

	web2, _ := inv.Get("web2")
	assert.Equal(t, []string{"web", "canary"}, web2.Groups())
	assert.True(t, web2.InGroup(AllGroup))
	assert.Equal(t, 1, web2.Index())
}

func TestGetGroup(t *testing.T) {
	inv := testInventory(t)

	hosts, err := inv.GetGroup("db")
	require.NoError(t, err)
	assert.Equal(t, []string{"db1", "backup1"}, names(hosts))

	all, err := inv.GetGroup(AllGroup)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	_, err = inv.GetGroup("nope")
	var noGroup *NoGroupError
	require.True(t, errors.As(err, &noGroup))
	assert.Equal(t, "nope", noGroup.Name)
}

func TestDuplicateHost(t *testing.T) {
	_, err := New([]HostSpec{{Name: "a"}, {Name: "a"}}, nil)
	var dup *DuplicateHostError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "a", dup.Name)
}

func TestFilter(t *testing.T) {
	inv := testInventory(t)

	tests := []struct {
		name     string
		patterns []string
		expected []string
	}{
		{"no patterns", nil, []string{"web1", "web2", "db1", "backup1"}},
		{"group name", []string{"canary"}, []string{"web2"}},
		{"glob", []string{"web*"}, []string{"web1", "web2"}},
		{"exact host", []string{"db1"}, []string{"db1"}},
		{"union in inventory order", []string{"db", "web1"}, []string{"web1", "db1", "backup1"}},
		{"character class", []string{"web[2]"}, []string{"web2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, names(inv.Filter(tt.patterns...)))
		})
	}
}

func TestFilterNoMatchWarns(t *testing.T) {
	var buf bytes.Buffer
	orig := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = orig })

	inv := testInventory(t)
	got := inv.Filter("mail*")

	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Contains(t, buf.String(), "no hosts matched the limit")
}

func TestFactCache(t *testing.T) {
	inv := testInventory(t)
	h, _ := inv.Get("web1")

	_, ok := h.CachedFact("k")
	assert.False(t, ok)

	h.StoreFact("k", 1)
	v, ok := h.CachedFact("k")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, map[string]any{"k": 1}, h.Facts())

	h.DeleteFact("k")
	_, ok = h.CachedFact("k")
	assert.False(t, ok)
}

func TestEnterOperationRejectsNesting(t *testing.T) {
	inv := testInventory(t)
	h, _ := inv.Get("web1")

	require.NoError(t, h.EnterOperation("a"))
	assert.ErrorIs(t, h.EnterOperation("b"), ErrNestedOperation)

	current, inOp := h.CurrentOperation()
	assert.True(t, inOp)
	assert.Equal(t, "a", current)

	h.ExitOperation()
	require.NoError(t, h.EnterOperation("b"))
	h.ExitOperation()
	require.NoError(t, h.EnterOperation("a"))
	h.ExitOperation()

	assert.Equal(t, []string{"a", "b"}, h.OpHashOrder())
}

func TestParse(t *testing.T) {
	raw := []byte(`
data:
  ssh_user: deploy
hosts:
  - web1
  - name: db1
    data:
      ssh_port: 2222
groups:
  zeta:
    hosts: [web1]
    data:
      _sudo: true
  alpha: [db1, extra]
  all:
    data:
      env: prod
`)

	inv, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, []string{"web1", "db1", "extra"}, names(inv.Hosts()))
	assert.Equal(t, []string{"zeta", "alpha"}, inv.GroupNames(), "group order follows the file")

	db1, _ := inv.Get("db1")
	assert.Equal(t, 2222, db1.Data()["ssh_port"])
	assert.Equal(t, "deploy", db1.Data()["ssh_user"])
	assert.Equal(t, "prod", db1.Data()["env"])

	web1, _ := inv.Get("web1")
	assert.Equal(t, true, web1.Data()["_sudo"])
}

func TestParseHostMap(t *testing.T) {
	raw := []byte(`
hosts:
  b: {ssh_port: 1}
  a:
`)
	inv, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, names(inv.Hosts()))
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse([]byte("hosts: 5"))
	require.Error(t, err)

	_, err = Parse([]byte("groups: [a, b]"))
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hosts: [one, two]\n"), 0o644))

	inv, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, names(inv.Hosts()))

	inv, err = Load("@local, web1 ,")
	require.NoError(t, err)
	assert.Equal(t, []string{"@local", "web1"}, names(inv.Hosts()))

	_, err = FromList(" , ")
	require.Error(t, err)
}
