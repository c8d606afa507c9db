// Package store defines the registry's abstract persistence layout (spec §6)
// and provides concrete backends under redisstore and sqlstore.
package store

import (
	"context"
	"errors"

	"github.com/agentmesh/orchestrator-core/core"
)

// Record is one persisted agent: definition fields plus the execution
// accounting the registry maintains. It is the serialization unit named in
// spec §6 ("one record per agent, keyed by id").
type Record struct {
	Definition    core.AgentDefinition `json:"definition"`
	ExecCount     uint64               `json:"execution_count"`
	ErrCount      uint64               `json:"error_count"`
	AvgExecMs     float64              `json:"avg_execution_time_ms"`
	HealthScore   float64              `json:"health_score"`
	QualityWindow []float64            `json:"quality_window"`
}

// ErrNotExist is returned by Get when no record exists for the given id.
var ErrNotExist = errors.New("store: record does not exist")

// Store is the abstract persistence contract any registry backend must
// satisfy: one keyed record plus the three index accesses spec §6 names
// (kind, capability_tag, status). Implementations are free to realize the
// indexes however suits the backend; callers only see set-membership.
type Store interface {
	// Put writes rec, creating or fully overwriting the record at rec.Definition.ID.
	Put(ctx context.Context, rec Record) error

	// Get reads the record for id. Returns ErrNotExist if absent.
	Get(ctx context.Context, id core.AgentId) (Record, error)

	// Delete removes the record for id. Not an error if already absent.
	Delete(ctx context.Context, id core.AgentId) error

	// ByKind returns ids of all records with the given kind.
	ByKind(ctx context.Context, kind string) ([]core.AgentId, error)

	// ByCapability returns ids of all records advertising the given capability tag.
	ByCapability(ctx context.Context, tag string) ([]core.AgentId, error)

	// ByStatus returns ids of all records with the given status.
	ByStatus(ctx context.Context, status core.AgentStatus) ([]core.AgentId, error)

	// All returns every record currently persisted, for startup cache warm and search.
	All(ctx context.Context) ([]Record, error)

	// Close releases backend resources.
	Close() error
}
