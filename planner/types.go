package planner

// ActionKind is the discriminant of the Action tagged sum (spec §4.4).
type ActionKind string

const (
	ActionExecuteTask     ActionKind = "execute_task"
	ActionSpawnAgent      ActionKind = "spawn_agent"
	ActionRequestResource ActionKind = "request_resource"
	ActionCollaborate     ActionKind = "collaborate"
	ActionOptimize        ActionKind = "optimize"
	ActionUpdateContext   ActionKind = "update_context"
	ActionCacheResult     ActionKind = "cache_result"
	ActionTerminate       ActionKind = "terminate"
)

// Action is the planner's action variant set. Only the fields relevant to
// Kind are populated; this mirrors the tagged union in spec §4.4 without
// Go enum payloads.
type Action struct {
	Kind ActionKind

	Task     string // ExecuteTask
	Priority int    // ExecuteTask, 1..5

	AgentKind string            // SpawnAgent
	Config    map[string]string // SpawnAgent

	ResourceKind string  // RequestResource
	Amount       float64 // RequestResource

	Peer  string  // Collaborate
	Inner *Action // Collaborate

	Strategy string // Optimize

	Text string // UpdateContext

	Key   string // CacheResult
	Value string // CacheResult
}

// ResourceState is the planning-time view of remaining resources.
type ResourceState struct {
	CPUPercent float64 // 0..100, remaining headroom
	MemoryMB   float64
}

// State is the MCTS state at a node: remaining objectives, resources, and
// a rolling performance sample used in the terminal reward.
type State struct {
	Objectives            []string
	Resources             ResourceState
	HistoryLen            int
	LastPerformanceSample float64
}

// IsTerminal implements spec §4.4's terminality rule: CPU <= 0, memory <
// 32 MiB, objectives empty, or history length > 100.
func (s State) IsTerminal() bool {
	return s.Resources.CPUPercent <= 0 ||
		s.Resources.MemoryMB < 32 ||
		len(s.Objectives) == 0 ||
		s.HistoryLen > 100
}

// StepReward implements the per-action-kind step reward table in §4.4.
func StepReward(a Action) float64 {
	switch a.Kind {
	case ActionExecuteTask:
		return 10 * float64(a.Priority)
	case ActionCollaborate:
		return 30
	case ActionOptimize:
		return 50
	case ActionSpawnAgent:
		return 20
	case ActionCacheResult:
		return 15
	case ActionUpdateContext:
		return 10
	case ActionRequestResource:
		return 5
	case ActionTerminate:
		return -100
	default:
		return 0
	}
}

// TerminalReward implements §4.4's terminal reward: weighted remaining CPU
// and memory, last performance sample, plus a flat bonus if all objectives
// cleared.
func TerminalReward(s State) float64 {
	reward := s.Resources.CPUPercent*2 + s.Resources.MemoryMB*0.1 + s.LastPerformanceSample
	if len(s.Objectives) == 0 {
		reward += 1000
	}
	return reward
}

// Apply returns the successor state of applying action a to s. This is the
// deterministic transition function the action generator and rollout both
// use.
func Apply(s State, a Action) State {
	next := s
	next.HistoryLen++

	switch a.Kind {
	case ActionExecuteTask:
		if len(s.Objectives) > 0 {
			next.Objectives = append(append([]string{}, s.Objectives[:len(s.Objectives)-1]...))
		}
		next.Resources.CPUPercent -= 10
		next.LastPerformanceSample = 0.8
	case ActionSpawnAgent:
		next.Resources.CPUPercent -= 25
		next.Resources.MemoryMB -= 64
	case ActionRequestResource:
		next.Resources.CPUPercent += 5
		if next.Resources.CPUPercent > 100 {
			next.Resources.CPUPercent = 100
		}
	case ActionCollaborate:
		next.Resources.CPUPercent -= 5
		next.LastPerformanceSample = 0.9
	case ActionOptimize:
		next.LastPerformanceSample = 1.0
	case ActionUpdateContext:
		// no resource cost
	case ActionCacheResult:
		next.Resources.MemoryMB -= 8
	case ActionTerminate:
		next.Objectives = nil
	}

	if next.Resources.CPUPercent < 0 {
		next.Resources.CPUPercent = 0
	}
	if next.Resources.MemoryMB < 0 {
		next.Resources.MemoryMB = 0
	}
	return next
}

// Actions enumerates legal actions from s, per §4.4's action generator:
// Spawn only when CPU headroom >= 50%, Cache only when memory >= 512 MiB,
// Execute only if objectives are non-empty, and Optimize is always
// included to guarantee a non-empty expansion when non-terminal.
func Actions(s State) []Action {
	actions := make([]Action, 0, 8)

	if len(s.Objectives) > 0 {
		actions = append(actions, Action{Kind: ActionExecuteTask, Task: s.Objectives[len(s.Objectives)-1], Priority: 3})
	}
	if s.Resources.CPUPercent >= 50 {
		actions = append(actions, Action{Kind: ActionSpawnAgent, AgentKind: "worker"})
	}
	if s.Resources.MemoryMB >= 512 {
		actions = append(actions, Action{Kind: ActionCacheResult, Key: "result", Value: "v"})
	}
	actions = append(actions, Action{Kind: ActionRequestResource, ResourceKind: "cpu", Amount: 10})
	actions = append(actions, Action{Kind: ActionUpdateContext, Text: "progress"})
	actions = append(actions, Action{Kind: ActionOptimize, Strategy: "default"})
	actions = append(actions, Action{Kind: ActionTerminate})

	return actions
}
