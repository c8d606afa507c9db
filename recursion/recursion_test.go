package recursion

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/orchestrator-core/core"
)

func defaultLimits() Limits {
	return Limits{
		MaxDepth:                    2,
		MaxAgentsPerLevel:           10,
		CycleDetection:              true,
		ResourceEscalationThreshold: 0.9,
	}
}

func TestStartRootFrame(t *testing.T) {
	m := New(defaultLimits())
	frame, err := m.Start("W1", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, frame.Depth)
	assert.Equal(t, 1, m.ActiveCount())
}

func TestDepthAdmissionAtExactlyMaxDepthSucceeds(t *testing.T) {
	m := New(defaultLimits()) // MaxDepth = 2
	a, err := m.Start("W1", nil)
	require.NoError(t, err)
	b, err := m.Start("W2", a)
	require.NoError(t, err)
	c, err := m.Start("W3", b) // depth 2 == MaxDepth
	require.NoError(t, err)
	assert.Equal(t, 2, c.Depth)
}

func TestDepthExceededAtMaxDepthPlusOne(t *testing.T) {
	m := New(defaultLimits())
	a, _ := m.Start("W1", nil)
	b, _ := m.Start("W2", a)
	c, _ := m.Start("W3", b)
	_, err := m.Start("W4", c) // depth 3 > MaxDepth(2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrDepthExceeded))
}

func TestSaturationAdmission(t *testing.T) {
	limits := defaultLimits()
	limits.MaxAgentsPerLevel = 1
	m := New(limits)

	_, err := m.Start("W1", nil)
	require.NoError(t, err)

	_, err = m.Start("W2", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrSaturated))
}

func TestCycleDetectionImmediateAncestor(t *testing.T) {
	limits := defaultLimits()
	limits.MaxDepth = 10
	m := New(limits)

	a, err := m.Start("W1", nil)
	require.NoError(t, err)
	b, err := m.Start("W2", a)
	require.NoError(t, err)

	_, err = m.Start("W1", b) // W1 already in b's path -> Cycle
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrCycle))
}

func TestCompleteMovesFrameToHistory(t *testing.T) {
	m := New(defaultLimits())
	frame, err := m.Start("W1", nil)
	require.NoError(t, err)

	m.Complete(frame, true, "")

	assert.Equal(t, 0, m.ActiveCount())
	history := m.History()
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)
}

func TestRecursionAcyclicityInvariant(t *testing.T) {
	limits := defaultLimits()
	limits.MaxDepth = 10
	m := New(limits)

	a, _ := m.Start("W1", nil)
	b, _ := m.Start("W2", a)
	c, _ := m.Start("W3", b)

	seen := make(map[string]bool)
	for _, w := range c.Path {
		assert.False(t, seen[w], "path must not contain duplicates")
		seen[w] = true
	}
}
