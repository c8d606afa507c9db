// Package recursion implements the Recursion Manager (C5): admission
// control, cycle detection, and history retention for recursive
// orchestration frames (spec §4.5).
package recursion

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/orchestrator-core/core"
)

// RecursionFrame is one active or completed recursive invocation.
type RecursionFrame struct {
	ID             string
	WorkflowID     string
	RootWorkflowID string
	ParentID       string
	Depth          int
	Path           []string // workflow ids from root to this frame, inclusive
	Resource       core.ResourceUsage
	StartedAt      time.Time
	CompletedAt    time.Time
	Success        bool
	Error          string
}

// Limits are the Recursion Manager's configurable admission thresholds
// (spec §4.5).
type Limits struct {
	MaxDepth                        int
	MaxAgentsPerLevel               int
	RecursionTimeout                time.Duration
	CycleDetection                  bool
	ResourceEscalationThreshold     float64
	PerformanceDegradationThreshold float64
}

// edge is one observed (parent_id -> child_id) DAG edge, scoped per root.
type edge struct {
	parent, child string
}

// Manager tracks active and historical recursion frames under a single
// coarse-grained lock (spec §5: "single write lock around the active set
// and history queue; held for O(1) operations only").
type Manager struct {
	mu sync.Mutex

	limits Limits

	active  map[string]*RecursionFrame
	history []RecursionFrame

	// edges groups observed parent->child edges by root workflow id, for
	// the per-root DFS cycle check.
	edges map[string][]edge

	logger core.Logger
}

// New constructs a Manager with the given limits.
func New(limits Limits, opts ...Option) *Manager {
	m := &Manager{
		limits: limits,
		active: make(map[string]*RecursionFrame),
		edges:  make(map[string][]edge),
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger attaches a logger.
func WithLogger(l core.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// aggregateResourceLocked sums a coarse resource usage proxy over active frames,
// normalized to [0,1] against a fixed per-frame budget. In the absence of
// a live resource monitor this is the admission-time proxy spec §4.5
// calls "normalized aggregate resource usage over all active frames";
// real deployments wire ResourceUsage from a system monitor per call.
func (m *Manager) aggregateResourceLocked() float64 {
	const perFrameBudget = 1.0 // CPU-core-equivalent budget per active frame
	var total float64
	for _, f := range m.active {
		total += f.Resource.CPUCores
	}
	if m.limits.MaxAgentsPerLevel == 0 {
		return 0
	}
	capacity := perFrameBudget * float64(m.limits.MaxAgentsPerLevel)
	if capacity == 0 {
		return 0
	}
	return total / capacity
}

// Start admits a new recursion frame, running the five-step contract from
// spec §4.5 in order. parent may be nil for a root-level frame.
func (m *Manager) Start(workflowID string, parent *RecursionFrame) (*RecursionFrame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	depth := 0
	rootID := workflowID
	var parentID string
	var path []string
	if parent != nil {
		depth = parent.Depth + 1
		rootID = parent.RootWorkflowID
		parentID = parent.ID
		path = append(append([]string(nil), parent.Path...), workflowID)
	} else {
		path = []string{workflowID}
	}

	// 1. Depth admission.
	if depth > m.limits.MaxDepth {
		return nil, core.NewError("recursion.Start", core.ErrDepthExceeded, workflowID, nil)
	}

	// 2. Saturation admission.
	if len(m.active) >= m.limits.MaxAgentsPerLevel {
		return nil, core.NewError("recursion.Start", core.ErrSaturated, workflowID, nil)
	}

	// 3. Resource admission.
	if m.aggregateResourceLocked() > m.limits.ResourceEscalationThreshold {
		return nil, core.NewError("recursion.Start", core.ErrResourceExhausted, workflowID, nil)
	}

	// 4. Cycle detection.
	if m.limits.CycleDetection {
		if parent != nil {
			for _, w := range parent.Path {
				if w == workflowID {
					return nil, core.NewError("recursion.Start", core.ErrCycle, workflowID, nil)
				}
			}
		}
		if m.hasBackEdgeLocked(rootID, parentID, workflowID) {
			return nil, core.NewError("recursion.Start", core.ErrCycle, workflowID, nil)
		}
	}

	// 5. Allocate and register.
	id := uuid.New().String()
	frame := &RecursionFrame{
		ID: id, WorkflowID: workflowID, RootWorkflowID: rootID, ParentID: parentID,
		Depth: depth, Path: path, StartedAt: time.Now(),
	}
	m.active[id] = frame
	if parentID != "" {
		m.edges[rootID] = append(m.edges[rootID], edge{parent: parentID, child: id})
	}

	return frame, nil
}

// hasBackEdgeLocked runs a DFS from the parent frame over the per-root edge
// set, reporting true if an active descendant of the parent (other than the
// parent itself) already runs workflowID. Caller holds m.mu.
func (m *Manager) hasBackEdgeLocked(rootID, parentID, workflowID string) bool {
	if parentID == "" {
		return false
	}
	// Build adjacency for this root.
	children := make(map[string][]string)
	for _, e := range m.edges[rootID] {
		children[e.parent] = append(children[e.parent], e.child)
	}

	// Ancestors are covered by the Path scan in Start; this DFS walks the
	// parent's recorded descendants and flags a cross-branch repeat of
	// workflowID among frames that are still active.
	visited := make(map[string]bool)
	var stack []string
	stack = append(stack, parentID)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[n] {
			continue
		}
		visited[n] = true

		frame, ok := m.active[n]
		if ok && frame.WorkflowID == workflowID && n != parentID {
			return true
		}
		stack = append(stack, children[n]...)
	}
	return false
}

// Complete moves frame from active to history, recording duration and
// outcome. If history exceeds the retention cap, the oldest record is
// dropped.
func (m *Manager) Complete(frame *RecursionFrame, success bool, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frame.CompletedAt = time.Now()
	frame.Success = success
	frame.Error = errMsg

	delete(m.active, frame.ID)
	m.history = append(m.history, *frame)
	if len(m.history) > core.RecursionHistoryCap {
		m.history = m.history[len(m.history)-core.RecursionHistoryCap:]
	}
}

// ActiveCount returns the number of currently active frames.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// History returns a snapshot of the completed-frame history.
func (m *Manager) History() []RecursionFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecursionFrame, len(m.history))
	copy(out, m.history)
	return out
}
