package executor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/orchestrator-core/core"
)

type fakeResolver struct {
	defs    map[core.AgentId]core.AgentDefinition
	results []core.ExecutionResult
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{defs: make(map[core.AgentId]core.AgentDefinition)}
}

func (f *fakeResolver) Resolve(ctx context.Context, id core.AgentId) (core.AgentDefinition, error) {
	def, ok := f.defs[id]
	if !ok {
		return core.AgentDefinition{}, core.NewError("fakeResolver.Resolve", core.ErrNotFound, id.String(), nil)
	}
	return def, nil
}

func (f *fakeResolver) RecordExecution(ctx context.Context, id core.AgentId, result core.ExecutionResult) error {
	f.results = append(f.results, result)
	return nil
}

func TestExecuteLocalHappyPath(t *testing.T) {
	resolver := newFakeResolver()
	id := core.NewAgentId()
	resolver.defs[id] = core.AgentDefinition{ID: id, Name: "worker-a", Version: "1.0.0", Kind: "echo", Status: core.StatusIdle}

	ex := New(resolver, WithHandler("echo", func(ctx context.Context, input interface{}, workCtx map[string]interface{}) (interface{}, error) {
		return input, nil
	}))

	result := ex.Execute(context.Background(), id, core.WorkItem{Input: "echo"}, time.Second)

	require.True(t, result.Success)
	assert.Equal(t, "echo", result.Output)
	assert.Less(t, result.DurationMs, 1000.0)
	require.Len(t, resolver.results, 1)
}

func TestExecuteUnavailableWhenNotIdleOrDegraded(t *testing.T) {
	resolver := newFakeResolver()
	id := core.NewAgentId()
	resolver.defs[id] = core.AgentDefinition{ID: id, Status: core.StatusBusy}

	ex := New(resolver)
	result := ex.Execute(context.Background(), id, core.WorkItem{}, time.Second)

	assert.False(t, result.Success)
	require.Len(t, resolver.results, 1) // failures still update metrics
}

func TestExecuteNotFound(t *testing.T) {
	resolver := newFakeResolver()
	ex := New(resolver)

	result := ex.Execute(context.Background(), core.NewAgentId(), core.WorkItem{}, time.Second)
	assert.False(t, result.Success)
}

func TestExecuteRemoteOverHTTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output":"pong"}`))
	}))
	defer server.Close()

	resolver := newFakeResolver()
	id := core.NewAgentId()
	addr, port := splitHostPort(t, server.URL)
	resolver.defs[id] = core.AgentDefinition{
		ID: id, Status: core.StatusIdle,
		Endpoint: &core.Location{Address: addr, Port: port},
	}

	ex := New(resolver)
	result := ex.Execute(context.Background(), id, core.WorkItem{Input: "ping"}, time.Second)

	require.True(t, result.Success)
	assert.Equal(t, "pong", result.Output)
}

func TestHealthProbeRemote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	addr, port := splitHostPort(t, server.URL)
	def := core.AgentDefinition{Endpoint: &core.Location{Address: addr, Port: port}}

	ex := New(newFakeResolver())
	healthy, _, err := ex.Health(context.Background(), def)
	require.NoError(t, err)
	assert.True(t, healthy)
}

func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}
