package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/orchestrator-core/contextwindow"
	"github.com/agentmesh/orchestrator-core/core"
)

func agentID(t *testing.T, name string) core.AgentId {
	t.Helper()
	id, err := core.ParseAgentId(name)
	require.NoError(t, err)
	return id
}

func TestSelectEmptyCandidatesAndFallbackIsNoAgent(t *testing.T) {
	r := New()
	_, err := r.Select(nil, nil, 0, false, core.PreferBalanced)
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
}

func TestSelectFallsBackToFallbackPoolWhenCandidatesEmpty(t *testing.T) {
	r := New()
	fallbackID := agentID(t, "00000000-0000-0000-0000-000000000001")
	fallback := []Candidate{{AgentID: fallbackID, Speed: SpeedFast, CapabilityMatch: 0.5, StaticQuality: 0.5}}

	id, err := r.Select(nil, fallback, 0, false, core.PreferBalanced)
	require.NoError(t, err)
	assert.Equal(t, fallbackID, id)
}

func TestPreferQualitySelectsSlowExpertOverFastBasic(t *testing.T) {
	r := New()
	basicID := agentID(t, "00000000-0000-0000-0000-000000000001")
	expertID := agentID(t, "00000000-0000-0000-0000-000000000002")

	basic := Candidate{AgentID: basicID, Speed: SpeedFast, CapabilityMatch: 0.6, IsSpecialist: false, StaticQuality: 0.85}
	expert := Candidate{AgentID: expertID, Speed: SpeedSlow, CapabilityMatch: 0.9, IsSpecialist: true, StaticQuality: 0.98}

	id, err := r.Select([]Candidate{basic, expert}, nil, 0.2, false, core.PreferQuality)
	require.NoError(t, err)
	assert.Equal(t, expertID, id)
}

func TestPreferSpeedUnderHighLoadSelectsFastBasic(t *testing.T) {
	r := New()
	basicID := agentID(t, "00000000-0000-0000-0000-000000000001")
	expertID := agentID(t, "00000000-0000-0000-0000-000000000002")

	basic := Candidate{AgentID: basicID, Speed: SpeedFast, CapabilityMatch: 0.6, IsSpecialist: false, StaticQuality: 0.85}
	expert := Candidate{AgentID: expertID, Speed: SpeedSlow, CapabilityMatch: 0.9, IsSpecialist: true, StaticQuality: 0.98}

	id, err := r.Select([]Candidate{basic, expert}, nil, 0.9, false, core.PreferSpeed)
	require.NoError(t, err)
	assert.Equal(t, basicID, id)
}

func TestSelectIsDeterministicAndTieBreaksByInsertionOrder(t *testing.T) {
	r := New()
	first := agentID(t, "00000000-0000-0000-0000-000000000001")
	second := agentID(t, "00000000-0000-0000-0000-000000000002")

	tied := []Candidate{
		{AgentID: first, Speed: SpeedMedium, CapabilityMatch: 0.5, StaticQuality: 0.5},
		{AgentID: second, Speed: SpeedMedium, CapabilityMatch: 0.5, StaticQuality: 0.5},
	}

	id1, err := r.Select(tied, nil, 0, false, core.PreferBalanced)
	require.NoError(t, err)
	id2, err := r.Select(tied, nil, 0, false, core.PreferBalanced)
	require.NoError(t, err)

	assert.Equal(t, first, id1)
	assert.Equal(t, id1, id2)
}

func TestSelectCachedReturnsSameAgentWithoutRescoring(t *testing.T) {
	r := New(WithCache(8))
	basicID := agentID(t, "00000000-0000-0000-0000-000000000001")
	candidates := []Candidate{{AgentID: basicID, Speed: SpeedFast, CapabilityMatch: 0.5, StaticQuality: 0.5}}

	id1, err := r.SelectCached("kind:worker", candidates, nil, 0, false, core.PreferBalanced)
	require.NoError(t, err)
	id2, err := r.SelectCached("kind:worker", nil, nil, 0, false, core.PreferBalanced)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	hits, _ := r.cache.Stats()
	assert.Equal(t, uint64(1), hits)
}

type fakePreparer struct {
	called bool
}

func (f *fakePreparer) Prepare(ctx context.Context, sessionID string, messages []contextwindow.Message, target string) ([]contextwindow.Message, error) {
	f.called = true
	return messages, nil
}

func TestPrepareForTargetDelegatesToConfiguredPreparer(t *testing.T) {
	prep := &fakePreparer{}
	r := New(WithContextPreparer(prep))

	msgs := []contextwindow.Message{{Role: "user", Content: "hi"}}
	out, err := r.PrepareForTarget(context.Background(), "session-1", msgs, "gpt-4")
	require.NoError(t, err)
	assert.Equal(t, msgs, out)
	assert.True(t, prep.called)
}

func TestPrepareForTargetNoopsWithoutPreparer(t *testing.T) {
	r := New()
	msgs := []contextwindow.Message{{Role: "user", Content: "hi"}}
	out, err := r.PrepareForTarget(context.Background(), "session-1", msgs, "gpt-4")
	require.NoError(t, err)
	assert.Equal(t, msgs, out)
}
