package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/orchestrator-core/core"
	"github.com/agentmesh/orchestrator-core/store"
)

// memStore is a minimal in-memory store.Store for exercising the registry
// without a real backend.
type memStore struct {
	mu      sync.Mutex
	records map[core.AgentId]store.Record
}

func newMemStore() *memStore {
	return &memStore{records: make(map[core.AgentId]store.Record)}
}

func (m *memStore) Put(ctx context.Context, rec store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Definition.ID] = rec
	return nil
}

func (m *memStore) Get(ctx context.Context, id core.AgentId) (store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return store.Record{}, store.ErrNotExist
	}
	return rec, nil
}

func (m *memStore) Delete(ctx context.Context, id core.AgentId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *memStore) ByKind(ctx context.Context, kind string) ([]core.AgentId, error) {
	return nil, nil
}
func (m *memStore) ByCapability(ctx context.Context, tag string) ([]core.AgentId, error) {
	return nil, nil
}
func (m *memStore) ByStatus(ctx context.Context, status core.AgentStatus) ([]core.AgentId, error) {
	return nil, nil
}

func (m *memStore) All(ctx context.Context) ([]store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Record
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

func newTestDef(name, version string) core.AgentDefinition {
	return core.AgentDefinition{
		Name:         name,
		Version:      version,
		Kind:         "worker",
		Capabilities: []core.Capability{{Kind: core.CapabilityTextWork}},
	}
}

func TestRegisterAndResolve(t *testing.T) {
	r := New(newMemStore())

	id, err := r.Register(context.Background(), newTestDef("worker-a", "1.0.0"))
	require.NoError(t, err)

	def, err := r.Resolve(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "worker-a", def.Name)
	assert.Equal(t, core.StatusInitializing, def.Status)
}

func TestRegisterDuplicateNameVersion(t *testing.T) {
	r := New(newMemStore())
	ctx := context.Background()

	_, err := r.Register(ctx, newTestDef("worker-a", "1.0.0"))
	require.NoError(t, err)

	_, err = r.Register(ctx, newTestDef("worker-a", "1.0.0"))
	require.Error(t, err)
	assert.False(t, core.IsRetryable(err))
}

func TestResolveUnknownIsNotFound(t *testing.T) {
	r := New(newMemStore())
	_, err := r.Resolve(context.Background(), core.NewAgentId())
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
}

func TestUpdateRejectsIllegalStatusTransition(t *testing.T) {
	r := New(newMemStore())
	ctx := context.Background()

	id, err := r.Register(ctx, newTestDef("worker-a", "1.0.0"))
	require.NoError(t, err)

	offline := core.StatusOffline
	_, err = r.Update(ctx, id, Patch{Status: &offline})
	require.Error(t, err) // Initializing -> Offline is not a legal edge
}

func TestUpdateCapabilitiesReindexes(t *testing.T) {
	r := New(newMemStore())
	ctx := context.Background()

	id, err := r.Register(ctx, newTestDef("worker-a", "1.0.0"))
	require.NoError(t, err)

	idle := core.StatusIdle
	_, err = r.Update(ctx, id, Patch{Status: &idle})
	require.NoError(t, err)

	newCaps := []core.Capability{{Kind: core.CapabilityCodeWork, Languages: []string{"go"}}}
	_, err = r.Update(ctx, id, Patch{Capabilities: newCaps})
	require.NoError(t, err)

	page, err := r.List(ctx, "", "code-work:go", nil, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, id, page.Items[0].ID)
}

func TestRetireRemovesFromIndex(t *testing.T) {
	r := New(newMemStore())
	ctx := context.Background()

	id, err := r.Register(ctx, newTestDef("worker-a", "1.0.0"))
	require.NoError(t, err)
	idle := core.StatusIdle
	_, err = r.Update(ctx, id, Patch{Status: &idle})
	require.NoError(t, err)

	require.NoError(t, r.Retire(ctx, id))

	page, err := r.List(ctx, "worker", "", nil, 0, 10)
	require.NoError(t, err)
	assert.Len(t, page.Items, 0)
}

func TestRecordExecutionUpdatesRunningAverages(t *testing.T) {
	r := New(newMemStore())
	ctx := context.Background()
	id, err := r.Register(ctx, newTestDef("worker-a", "1.0.0"))
	require.NoError(t, err)

	q := 0.9
	err = r.RecordExecution(ctx, id, core.ExecutionResult{AgentID: id, Success: true, DurationMs: 50, Quality: &q})
	require.NoError(t, err)

	rt, ok := r.Runtime(id)
	require.True(t, ok)
	assert.Equal(t, uint64(1), rt.ExecCount)
	assert.Equal(t, uint64(0), rt.ErrCount)
	assert.InDelta(t, 50, rt.AvgExecMs, 0.001)
	assert.GreaterOrEqual(t, rt.HealthScore, 0.7)
}

func TestBoundedFailuresInvariant(t *testing.T) {
	r := New(newMemStore())
	ctx := context.Background()
	id, err := r.Register(ctx, newTestDef("worker-a", "1.0.0"))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		success := i%2 == 0
		_ = r.RecordExecution(ctx, id, core.ExecutionResult{AgentID: id, Success: success, DurationMs: 10})
	}

	rt, _ := r.Runtime(id)
	assert.LessOrEqual(t, rt.ErrCount, rt.ExecCount)
}

func TestSearchCaseInsensitiveSubstring(t *testing.T) {
	r := New(newMemStore())
	ctx := context.Background()
	_, err := r.Register(ctx, newTestDef("DataCruncher", "1.0.0"))
	require.NoError(t, err)

	results, err := r.Search(ctx, "cruncher")
	require.NoError(t, err)
	require.Len(t, results, 1)
}
