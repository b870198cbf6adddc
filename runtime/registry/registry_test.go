package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/ashep/runtime/agentgateway"
	"goa.design/ashep/runtime/registry"
)

type staticSource struct{ agents []registry.Agent }

func (s staticSource) LoadAgents(context.Context) ([]registry.Agent, error) { return s.agents, nil }

func capSet(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

func TestRegistry_LoadAgentsAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := registry.NewRegistry()

	src := staticSource{agents: []registry.Agent{
		{ID: "a1", Name: "Alpha", Capabilities: capSet("code", "test"), Priority: 1, Active: true},
	}}
	require.NoError(t, r.LoadAgents(ctx, src))

	got, ok := r.GetAgent("a1")
	require.True(t, ok)
	assert.Equal(t, "Alpha", got.Name)
}

func TestRegistry_FindByCapabilities(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := registry.NewRegistry()
	require.NoError(t, r.LoadAgents(ctx, staticSource{agents: []registry.Agent{
		{ID: "a1", Capabilities: capSet("code"), Active: true},
		{ID: "a2", Capabilities: capSet("code", "review"), Active: true},
		{ID: "a3", Capabilities: capSet("review"), Active: false},
	}}))

	found := r.FindByCapabilities([]string{"code", "review"})
	require.Len(t, found, 1)
	assert.Equal(t, "a2", found[0].ID)
}

func TestRegistry_SelectAgent_PriorityThenLexicographicTiebreak(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := registry.NewRegistry()
	require.NoError(t, r.LoadAgents(ctx, staticSource{agents: []registry.Agent{
		{ID: "b", Capabilities: capSet("code"), Priority: 5, Active: true},
		{ID: "a", Capabilities: capSet("code"), Priority: 5, Active: true},
		{ID: "c", Capabilities: capSet("code"), Priority: 3, Active: true},
	}}))

	agent, ok := r.SelectAgent(ctx, registry.Selection{RequiredCapabilities: []string{"code"}})
	require.True(t, ok)
	assert.Equal(t, "a", agent.ID)
}

func TestRegistry_SelectAgent_FallsBackWhenNoMatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := registry.NewRegistry(registry.WithFallback("default"))
	require.NoError(t, r.LoadAgents(ctx, staticSource{agents: []registry.Agent{
		{ID: "default", Capabilities: capSet(), Active: true},
		{ID: "a", Capabilities: capSet("code"), Active: true},
	}}))

	agent, ok := r.SelectAgent(ctx, registry.Selection{RequiredCapabilities: []string{"deploy"}})
	require.True(t, ok)
	assert.Equal(t, "default", agent.ID)
}

type fakeGateway struct{ known []agentgateway.KnownAgent }

func (g fakeGateway) Launch(context.Context, string, string, string, string, int64) (string, agentgateway.EventStream, error) {
	return "", nil, nil
}
func (g fakeGateway) Continue(context.Context, string, string, int64) (agentgateway.EventStream, error) {
	return nil, nil
}
func (g fakeGateway) Kill(context.Context, string) error { return nil }
func (g fakeGateway) ListKnownAgents(context.Context) ([]agentgateway.KnownAgent, error) {
	return g.known, nil
}

func TestRegistry_SyncWithGateway_AddsAndDeactivates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := registry.NewRegistry()
	require.NoError(t, r.LoadAgents(ctx, staticSource{agents: []registry.Agent{
		{ID: "stale", Active: true},
	}}))

	gw := fakeGateway{known: []agentgateway.KnownAgent{{ID: "fresh", Type: agentgateway.AgentTypePrimary}}}
	result, err := r.SyncWithGateway(ctx, gw)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Added)
	assert.Equal(t, 1, result.Removed)

	fresh, ok := r.GetAgent("fresh")
	require.True(t, ok)
	assert.True(t, fresh.Active)

	stale, ok := r.GetAgent("stale")
	require.True(t, ok)
	assert.False(t, stale.Active)
}
