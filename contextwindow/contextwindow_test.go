package contextwindow

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scenarioLimits() ModelLimits {
	return ModelLimits{
		MaxTokens:        8192,
		ReservedTokens:   500,
		SafetyMargin:     200,
		DynamicThreshold: 0.65,
	}
}

func messagesOfTotalChars(totalChars, count int) []Message {
	perMsg := totalChars / count
	msgs := make([]Message, count)
	for i := range msgs {
		msgs[i] = Message{Role: "user", Content: strings.Repeat("x", perMsg)}
	}
	return msgs
}

func TestEstimateTokensFormula(t *testing.T) {
	msgs := []Message{{Content: "abcd"}, {Content: "abcdefgh"}}
	// (4/4 + 8/4) + 3*2 = (1+2) + 6 = 9
	assert.Equal(t, 9, EstimateTokens(msgs))
}

func TestPrepareBelowDynamicThresholdIsNoop(t *testing.T) {
	m := New(map[string]ModelLimits{"m": scenarioLimits()})
	// effective = 7492, dynamic threshold tokens ~ 4870; stay well under it.
	msgs := messagesOfTotalChars(4000*4, 20)

	out, err := m.Prepare(context.Background(), "s1", msgs, "m")
	require.NoError(t, err)
	assert.Equal(t, msgs, out)
}

func TestPrepareAboveThresholdWithHighQualityIsStillNoop(t *testing.T) {
	// Above the dynamic threshold, a policy that judges quality still
	// healthy (>= 0.8) is honored rather than forcing compression.
	m := New(map[string]ModelLimits{"m": scenarioLimits()}, WithQualityFunc(func(msgs []Message, u float64) float64 {
		return 0.9
	}))
	msgs := messagesOfTotalChars(5500*4, 20)

	out, err := m.Prepare(context.Background(), "s1", msgs, "m")
	require.NoError(t, err)
	assert.Equal(t, msgs, out)
}

func TestPrepareModerateCompressionUnderLowQuality(t *testing.T) {
	m := New(map[string]ModelLimits{"m": scenarioLimits()}, WithQualityFunc(func(msgs []Message, u float64) float64 {
		return 0.4
	}))
	effective := scenarioLimits().EffectiveInputBudget()
	msgs := messagesOfTotalChars(5200*4, 40)

	out, err := m.Prepare(context.Background(), "s1", msgs, "m")
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Less(t, len(out), len(msgs))
	assert.LessOrEqual(t, EstimateTokens(out), effective)
	assert.Equal(t, msgs[len(msgs)-1].Content, out[len(out)-1].Content)
}

func TestPrepareUnknownTargetIsError(t *testing.T) {
	m := New(map[string]ModelLimits{"m": scenarioLimits()})
	_, err := m.Prepare(context.Background(), "s1", []Message{{Content: "hi"}}, "unknown")
	require.Error(t, err)
}

func TestPrepareIsIdempotent(t *testing.T) {
	m := New(map[string]ModelLimits{"m": scenarioLimits()}, WithQualityFunc(func(msgs []Message, u float64) float64 {
		return 0.3
	}))
	msgs := messagesOfTotalChars(9000*4, 50)

	once, err := m.Prepare(context.Background(), "s1", msgs, "m")
	require.NoError(t, err)

	twice, err := m.Prepare(context.Background(), "s1", once, "m")
	require.NoError(t, err)

	assert.Equal(t, once, twice)
}

type recordingSummarizer struct {
	calls int
}

func (s *recordingSummarizer) Summarize(ctx context.Context, sessionID string, dropped []Message, start, end int) (Dump, error) {
	s.calls++
	return Dump{
		ID:         "dump-1",
		RangeStart: start,
		RangeEnd:   end,
		Summary:    "summary of dropped turns",
		ArchiveRef: "archive-1",
	}, nil
}

func TestPrepareWithSummarizerInsertsMemoryDumpTurn(t *testing.T) {
	summarizer := &recordingSummarizer{}
	m := New(map[string]ModelLimits{"m": scenarioLimits()},
		WithSummarizer(summarizer),
		WithQualityFunc(func(msgs []Message, u float64) float64 { return 0.2 }),
	)
	msgs := messagesOfTotalChars(7000*4, 60)

	out, err := m.Prepare(context.Background(), "s1", msgs, "m")
	require.NoError(t, err)
	require.Equal(t, 1, summarizer.calls)
	require.NotEmpty(t, out)
	assert.Contains(t, out[0].Content, "memory-dump")

	dump, ok := m.Reconstitute("archive-1")
	require.True(t, ok)
	assert.Equal(t, "summary of dropped turns", dump.Summary)
}

func TestPrepareEmergencyKeepsOnlyLastTurn(t *testing.T) {
	limits := ModelLimits{MaxTokens: 1000, ReservedTokens: 100, SafetyMargin: 50, DynamicThreshold: 0.5}
	m := New(map[string]ModelLimits{"m": limits})
	msgs := messagesOfTotalChars(5000*4, 100)

	out, err := m.Prepare(context.Background(), "s1", msgs, "m")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, msgs[len(msgs)-1].Content, out[0].Content)
}

func TestHardBudgetInvariantOverridesOverconfidentQualityPolicy(t *testing.T) {
	// A misbehaving policy claims perfect quality regardless of
	// utilization; the token ceiling must still be enforced.
	m := New(map[string]ModelLimits{"m": scenarioLimits()}, WithQualityFunc(func(msgs []Message, u float64) float64 {
		return 1.0
	}))
	effective := scenarioLimits().EffectiveInputBudget()
	msgs := messagesOfTotalChars(effective*6, 80)

	out, err := m.Prepare(context.Background(), "s1", msgs, "m")
	require.NoError(t, err)
	assert.LessOrEqual(t, EstimateTokens(out), effective)
}
