package feedback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/orchestrator-core/core"
)

func sampleAgentID(t *testing.T) core.AgentId {
	t.Helper()
	return core.NewAgentId()
}

func TestRecordAccumulatesRunningAverages(t *testing.T) {
	s := New()
	key := Key{AgentID: sampleAgentID(t), TaskKind: "summarize", ParameterFingerprint: "t=0.70;c=4096;m=1024"}

	s.Record(key, 0.8, 100, 1000)
	s.Record(key, 0.6, 200, 1001)

	rec, ok := s.Get(key)
	require.True(t, ok)
	assert.Equal(t, uint64(2), rec.SampleCount)
	assert.InDelta(t, 0.7, rec.MeanQuality, 1e-9)
	assert.InDelta(t, 150.0, rec.MeanDurationMs, 1e-9)
}

func TestGetMissingKeyReturnsFalse(t *testing.T) {
	s := New()
	_, ok := s.Get(Key{AgentID: sampleAgentID(t), TaskKind: "x", ParameterFingerprint: "y"})
	assert.False(t, ok)
}

func TestBoundsClipKeepsParametersWithinRange(t *testing.T) {
	b := Bounds{
		MinTemperature: 0, MaxTemperature: 1,
		MinContextLength: 512, MaxContextLength: 16384,
		MinMaxTokens: 128, MaxMaxTokens: 4096,
	}
	p := Parameters{Temperature: 1.5, ContextLength: 100, MaxTokens: 8000}
	clipped := b.clip(p)

	assert.Equal(t, 1.0, clipped.Temperature)
	assert.Equal(t, 512, clipped.ContextLength)
	assert.Equal(t, 4096, clipped.MaxTokens)
}

func TestRecommendExploresGridAndRanksEvidencedHigher(t *testing.T) {
	s := New(WithMinSampleSize(5))
	agent := sampleAgentID(t)
	bounds := Bounds{
		MinTemperature: 0, MaxTemperature: 2,
		MinContextLength: 1, MaxContextLength: 1 << 20,
		MinMaxTokens: 1, MaxMaxTokens: 1 << 20,
	}
	current := Parameters{Temperature: 0.7, ContextLength: 4096, MaxTokens: 1024}

	// Seed one variant with plenty of high-quality evidence.
	variantParams := Parameters{Temperature: 0.9, ContextLength: 4096, MaxTokens: 1024}
	key := Key{AgentID: agent, TaskKind: "summarize", ParameterFingerprint: Fingerprint(variantParams)}
	for i := 0; i < 10; i++ {
		s.Record(key, 0.95, 50, int64(i))
	}

	recs := s.Recommend(agent, "summarize", current, bounds)
	require.NotEmpty(t, recs)
	assert.True(t, recs[0].HasEvidence)
	assert.Equal(t, Fingerprint(variantParams), recs[0].Fingerprint)
}

func TestRecommendDeduplicatesFingerprints(t *testing.T) {
	s := New()
	agent := sampleAgentID(t)
	bounds := Bounds{
		MinTemperature: 0, MaxTemperature: 2,
		MinContextLength: 1, MaxContextLength: 1 << 20,
		MinMaxTokens: 1, MaxMaxTokens: 1 << 20,
	}
	recs := s.Recommend(agent, "summarize", Parameters{Temperature: 0.7, ContextLength: 4096, MaxTokens: 1024}, bounds)

	seen := make(map[string]bool)
	for _, r := range recs {
		assert.False(t, seen[r.Fingerprint], "duplicate fingerprint %s", r.Fingerprint)
		seen[r.Fingerprint] = true
	}
}
