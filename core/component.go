package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentId is a stable, opaque, cluster-unique identifier. It is never reused
// once minted, backed by a full 128-bit UUID rather than the truncated
// 8-character ids the teacher framework uses for tool names, since the
// registry requires a collision-proof identifier across the whole cluster.
type AgentId uuid.UUID

// NewAgentId mints a fresh identifier.
func NewAgentId() AgentId {
	return AgentId(uuid.New())
}

// ParseAgentId parses a canonical UUID string into an AgentId.
func ParseAgentId(s string) (AgentId, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return AgentId{}, NewError("core.ParseAgentId", ErrInvalidRequest, s, err)
	}
	return AgentId(id), nil
}

func (a AgentId) String() string {
	return uuid.UUID(a).String()
}

func (a AgentId) IsZero() bool {
	return a == AgentId{}
}

func (a AgentId) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *AgentId) UnmarshalText(text []byte) error {
	id, err := uuid.ParseBytes(text)
	if err != nil {
		return err
	}
	*a = AgentId(id)
	return nil
}

// CapabilityKind is the tagged-sum discriminant for Capability.
type CapabilityKind string

const (
	CapabilityTextWork      CapabilityKind = "text-work"
	CapabilityCodeWork      CapabilityKind = "code-work"
	CapabilityDataWork      CapabilityKind = "data-work"
	CapabilityVisionWork    CapabilityKind = "vision-work"
	CapabilityMonitoring    CapabilityKind = "monitoring"
	CapabilityOptimization  CapabilityKind = "optimization"
	CapabilityCollaboration CapabilityKind = "collaboration"
	CapabilityStorageAccess CapabilityKind = "storage-access"
	CapabilityNetworkAccess CapabilityKind = "network-access"
)

// Capability is a tagged sum: most variants are bare tags, but code-work
// carries a bounded parameter set of language tags (e.g. {"go", "rust"}).
type Capability struct {
	Kind      CapabilityKind `json:"kind"`
	Languages []string       `json:"languages,omitempty"`
}

// Tag returns the capability-index key for this capability: the kind for
// bare variants, or "kind:language" for code-work using only the first
// carried language; further languages do not appear in the key.
func (c Capability) Tag() string {
	if c.Kind != CapabilityCodeWork || len(c.Languages) == 0 {
		return string(c.Kind)
	}
	return fmt.Sprintf("%s:%s", c.Kind, c.Languages[0])
}

// AgentStatus is the lifecycle state of an AgentRuntime.
type AgentStatus string

const (
	StatusInitializing AgentStatus = "initializing"
	StatusIdle         AgentStatus = "idle"
	StatusBusy         AgentStatus = "busy"
	StatusDegraded     AgentStatus = "degraded"
	StatusError        AgentStatus = "error"
	StatusShuttingDown AgentStatus = "shutting_down"
	StatusOffline      AgentStatus = "offline"
)

// validTransitions encodes the state diagram from spec §4.2. Only the state
// tags are modelled: the task_ref/reason payload of Busy/Error is not stored
// on AgentRuntime.
var validTransitions = map[AgentStatus]map[AgentStatus]bool{
	StatusInitializing: {StatusIdle: true},
	StatusIdle:         {StatusBusy: true, StatusDegraded: true, StatusShuttingDown: true},
	StatusBusy:         {StatusIdle: true, StatusError: true},
	StatusDegraded:     {StatusIdle: true, StatusError: true},
	StatusError:        {StatusIdle: true, StatusOffline: true},
	StatusShuttingDown: {StatusOffline: true},
	StatusOffline:      {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to AgentStatus) bool {
	if from == to {
		return true
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// Location is a remote agent's dispatch address.
type Location struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// AgentDefinition is the durable, registry-owned description of an agent.
// Invariant: (Name, Version) is unique among live definitions. Endpoint
// present implies a remote agent; absent implies a local in-process handler.
type AgentDefinition struct {
	ID           AgentId                `json:"id"`
	Name         string                 `json:"name"`
	Kind         string                 `json:"kind"`
	Description  string                 `json:"description"`
	Capabilities []Capability           `json:"capabilities"`
	Config       map[string]interface{} `json:"config,omitempty"`
	Version      string                 `json:"version"`
	Endpoint     *Location              `json:"endpoint,omitempty"`
	Status       AgentStatus            `json:"status"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	LastSeen     *time.Time             `json:"last_seen,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// IsRemote reports whether this definition dispatches over a transport.
func (d *AgentDefinition) IsRemote() bool {
	return d.Endpoint != nil
}

// HasCapability reports whether the definition advertises a capability tag.
func (d *AgentDefinition) HasCapability(tag string) bool {
	for _, c := range d.Capabilities {
		if c.Tag() == tag {
			return true
		}
	}
	return false
}

// AgentRuntime is the registry's mutable execution-accounting wrapper around
// an AgentDefinition. Invariant: ErrCount <= ExecCount; HealthScore is
// recomputed monotonically (within the bound in spec §8) after every
// execution, never assigned directly outside record_execution.
type AgentRuntime struct {
	Definition    AgentDefinition `json:"definition"`
	ExecCount     uint64          `json:"exec_count"`
	ErrCount      uint64          `json:"err_count"`
	AvgExecMs     float64         `json:"avg_exec_ms"`
	HealthScore   float64         `json:"health_score"`
	QualityWindow []float64       `json:"-"`
	LastMetricsAt time.Time       `json:"last_metrics_at"`
}

// WorkItem is a unit of dispatchable work.
type WorkItem struct {
	ID       string                 `json:"id"`
	Input    interface{}            `json:"input"`
	Context  map[string]interface{} `json:"context,omitempty"`
	Priority int                    `json:"priority"` // 1..5
	Deadline *time.Time             `json:"deadline,omitempty"`
	Parent   string                 `json:"parent,omitempty"`
}

// ResourceUsage is a coarse accounting of what an execution or recursion
// frame consumed; all components that consume resources share this shape.
type ResourceUsage struct {
	CPUCores             float64 `json:"cpu_cores"`
	MemoryMB             float64 `json:"memory_mb"`
	NetworkBandwidthMbps float64 `json:"network_bandwidth_mbps"`
	StorageMB            float64 `json:"storage_mb"`
}

// ExecutionResult is the outcome of one Executor dispatch.
type ExecutionResult struct {
	ID          string        `json:"id"`
	AgentID     AgentId       `json:"agent_id"`
	Success     bool          `json:"success"`
	Output      interface{}   `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	DurationMs  float64       `json:"duration_ms"`
	Resource    ResourceUsage `json:"resource_usage"`
	Quality     *float64      `json:"quality,omitempty"` // nil when not scored
	CompletedAt time.Time     `json:"completed_at"`
}
