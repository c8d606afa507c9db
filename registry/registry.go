// Package registry implements the Capability Index (C1) and Agent Registry
// (C2): the sole owner of AgentDefinition and AgentRuntime state.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentmesh/orchestrator-core/core"
	"github.com/agentmesh/orchestrator-core/store"
)

// EventPublisher emits registry lifecycle events (registered/updated/retired).
// A nil-safe no-op is used when no transport is configured.
type EventPublisher interface {
	Publish(ctx context.Context, event string, def core.AgentDefinition) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(ctx context.Context, event string, def core.AgentDefinition) error {
	return nil
}

type entry struct {
	mu      sync.RWMutex
	runtime core.AgentRuntime
}

// Registry is the Agent Registry (C2). It owns a read-through cache over a
// store.Store, the C1 capability index, and a secondary (name,version)
// uniqueness index. One RWMutex per cached agent enforces at-most-one
// concurrent status write per agent (spec §4.2); a single registry-wide
// mutex protects the cache/index/nameVersion map structures themselves,
// with record-then-index acquisition order on status writes (spec §5).
type Registry struct {
	store     store.Store
	events    EventPublisher
	logger    core.Logger
	telemetry core.Telemetry

	mu          sync.RWMutex
	index       *Index
	cache       map[core.AgentId]*entry
	nameVersion map[string]core.AgentId // "name@version" -> id, live agents only
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithEventPublisher wires a transport for lifecycle events.
func WithEventPublisher(p EventPublisher) Option {
	return func(r *Registry) { r.events = p }
}

// WithLogger attaches a logger.
func WithLogger(l core.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithTelemetry wires an emitter for per-execution health metrics (spec
// §4.8a). Without it, RecordExecution still updates runtime state — it
// just has nothing to report the update to.
func WithTelemetry(t core.Telemetry) Option {
	return func(r *Registry) { r.telemetry = t }
}

// New constructs a Registry backed by s, with an empty cache. Call
// WarmCache to preload existing records from the store.
func New(s store.Store, opts ...Option) *Registry {
	r := &Registry{
		store:       s,
		events:      noopPublisher{},
		logger:      &core.NoOpLogger{},
		index:       NewIndex(),
		cache:       make(map[core.AgentId]*entry),
		nameVersion: make(map[string]core.AgentId),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WarmCache loads every persisted record into the in-memory cache and
// indexes. Intended to run once at startup.
func (r *Registry) WarmCache(ctx context.Context) error {
	records, err := r.store.All(ctx)
	if err != nil {
		return core.NewError("registry.WarmCache", core.ErrUnavailable, "", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		r.cache[rec.Definition.ID] = &entry{runtime: core.AgentRuntime{
			Definition:    rec.Definition,
			ExecCount:     rec.ExecCount,
			ErrCount:      rec.ErrCount,
			AvgExecMs:     rec.AvgExecMs,
			HealthScore:   rec.HealthScore,
			QualityWindow: rec.QualityWindow,
		}}
		if rec.Definition.Status != core.StatusOffline {
			r.index.Add(rec.Definition)
			r.nameVersion[nameVersionKey(rec.Definition.Name, rec.Definition.Version)] = rec.Definition.ID
		}
	}
	return nil
}

func nameVersionKey(name, version string) string {
	return name + "@" + version
}

// Register persists a new agent definition. Fails with Duplicate if
// (name,version) already exists among live agents.
func (r *Registry) Register(ctx context.Context, def core.AgentDefinition) (core.AgentId, error) {
	key := nameVersionKey(def.Name, def.Version)

	r.mu.Lock()
	if _, exists := r.nameVersion[key]; exists {
		r.mu.Unlock()
		return core.AgentId{}, core.NewError("registry.Register", core.ErrDuplicate, def.Name, nil)
	}
	r.mu.Unlock()

	if def.ID.IsZero() {
		def.ID = core.NewAgentId()
	}
	now := time.Now()
	def.CreatedAt = now
	def.UpdatedAt = now
	if def.Status == "" {
		def.Status = core.StatusInitializing
	}

	rec := store.Record{Definition: def}
	if err := r.store.Put(ctx, rec); err != nil {
		return core.AgentId{}, core.NewError("registry.Register", core.ErrStorage, def.ID.String(), err)
	}

	r.mu.Lock()
	// Recheck under the write lock: two concurrent registrations with the
	// same (name,version) must not both win the store race.
	if existing, exists := r.nameVersion[key]; exists && existing != def.ID {
		r.mu.Unlock()
		_ = r.store.Delete(ctx, def.ID)
		return core.AgentId{}, core.NewError("registry.Register", core.ErrDuplicate, def.Name, nil)
	}
	r.cache[def.ID] = &entry{runtime: core.AgentRuntime{Definition: def}}
	r.index.Add(def)
	r.nameVersion[key] = def.ID
	r.mu.Unlock()

	r.logger.Info("agent registered", map[string]interface{}{"agent_id": def.ID.String(), "name": def.Name})
	_ = r.events.Publish(ctx, "registered", def)

	return def.ID, nil
}

// Resolve read-through resolves an AgentDefinition: cache hit returns
// immediately; on miss, loads from the store and populates the cache.
func (r *Registry) Resolve(ctx context.Context, id core.AgentId) (core.AgentDefinition, error) {
	r.mu.RLock()
	e, ok := r.cache[id]
	r.mu.RUnlock()
	if ok {
		e.mu.RLock()
		def := e.runtime.Definition
		e.mu.RUnlock()
		return def, nil
	}

	rec, err := r.store.Get(ctx, id)
	if err == store.ErrNotExist {
		return core.AgentDefinition{}, core.NewError("registry.Resolve", core.ErrNotFound, id.String(), nil)
	}
	if err != nil {
		return core.AgentDefinition{}, core.NewError("registry.Resolve", core.ErrUnavailable, id.String(), err)
	}

	r.mu.Lock()
	r.cache[id] = &entry{runtime: core.AgentRuntime{
		Definition: rec.Definition, ExecCount: rec.ExecCount, ErrCount: rec.ErrCount,
		AvgExecMs: rec.AvgExecMs, HealthScore: rec.HealthScore, QualityWindow: rec.QualityWindow,
	}}
	if rec.Definition.Status != core.StatusOffline {
		r.index.Add(rec.Definition)
	}
	r.mu.Unlock()

	return rec.Definition, nil
}

// Patch is the permitted set of mutable AgentDefinition fields for Update.
type Patch struct {
	Description  *string
	Capabilities []core.Capability
	Config       map[string]interface{}
	Status       *core.AgentStatus
}

// Update merges permitted fields into the agent's definition. Capability
// changes re-index; status changes are validated against the transition
// table and acquire the record lock before the index lock (spec §5).
func (r *Registry) Update(ctx context.Context, id core.AgentId, patch Patch) (core.AgentDefinition, error) {
	r.mu.RLock()
	e, ok := r.cache[id]
	r.mu.RUnlock()
	if !ok {
		if _, err := r.Resolve(ctx, id); err != nil {
			return core.AgentDefinition{}, err
		}
		r.mu.RLock()
		e = r.cache[id]
		r.mu.RUnlock()
	}

	e.mu.Lock()
	before := e.runtime.Definition
	after := before

	if patch.Description != nil {
		after.Description = *patch.Description
	}
	if patch.Capabilities != nil {
		after.Capabilities = patch.Capabilities
	}
	if patch.Config != nil {
		after.Config = patch.Config
	}
	if patch.Status != nil {
		if !core.CanTransition(after.Status, *patch.Status) {
			e.mu.Unlock()
			return core.AgentDefinition{}, core.NewError("registry.Update", core.ErrConflict, id.String(), nil)
		}
		after.Status = *patch.Status
	}
	after.UpdatedAt = time.Now()

	if err := r.store.Put(ctx, store.Record{
		Definition: after, ExecCount: e.runtime.ExecCount, ErrCount: e.runtime.ErrCount,
		AvgExecMs: e.runtime.AvgExecMs, HealthScore: e.runtime.HealthScore, QualityWindow: e.runtime.QualityWindow,
	}); err != nil {
		e.mu.Unlock()
		return core.AgentDefinition{}, core.NewError("registry.Update", core.ErrStorage, id.String(), err)
	}
	e.runtime.Definition = after
	e.mu.Unlock()

	// Index lock acquired after the record lock is released (record -> index order).
	r.mu.Lock()
	r.index.Remove(before)
	if after.Status != core.StatusOffline {
		r.index.Add(after)
	} else if key := nameVersionKey(after.Name, after.Version); r.nameVersion[key] == after.ID {
		delete(r.nameVersion, key)
	}
	r.mu.Unlock()

	_ = r.events.Publish(ctx, "updated", after)
	return after, nil
}

// Retire transitions the agent to Offline and removes it from the live
// indexes, keeping the persisted record for history.
func (r *Registry) Retire(ctx context.Context, id core.AgentId) error {
	def, err := r.Resolve(ctx, id)
	if err != nil {
		return err
	}
	// Offline is only reachable from ShuttingDown or Error; pass through
	// ShuttingDown first when the current state does not allow Offline.
	if !core.CanTransition(def.Status, core.StatusOffline) {
		shuttingDown := core.StatusShuttingDown
		if _, err := r.Update(ctx, id, Patch{Status: &shuttingDown}); err != nil {
			return err
		}
	}
	status := core.StatusOffline
	_, err = r.Update(ctx, id, Patch{Status: &status})
	if err != nil {
		return err
	}
	_ = r.events.Publish(ctx, "retired", core.AgentDefinition{ID: id})
	return nil
}

// ListPage is one page of a List result.
type ListPage struct {
	Items      []core.AgentDefinition
	NextOffset *int
}

// List returns agents matching the given filters, sorted by CreatedAt
// descending, with stable offset-based pagination.
func (r *Registry) List(ctx context.Context, kind, capability string, status *core.AgentStatus, offset, limit int) (ListPage, error) {
	r.mu.RLock()
	var caps []string
	if capability != "" {
		caps = []string{capability}
	}
	candidateIds := r.index.Candidates(kind, caps)
	if candidateIds == nil {
		// No filter narrowed the set: every cached agent is a candidate.
		candidateIds = make([]core.AgentId, 0, len(r.cache))
		for id := range r.cache {
			candidateIds = append(candidateIds, id)
		}
	}
	defs := make([]core.AgentDefinition, 0, len(candidateIds))
	for _, id := range candidateIds {
		if e, ok := r.cache[id]; ok {
			e.mu.RLock()
			d := e.runtime.Definition
			e.mu.RUnlock()
			if status == nil || d.Status == *status {
				defs = append(defs, d)
			}
		}
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool {
		if defs[i].CreatedAt.Equal(defs[j].CreatedAt) {
			return defs[i].ID.String() < defs[j].ID.String()
		}
		return defs[i].CreatedAt.After(defs[j].CreatedAt)
	})

	if offset > len(defs) {
		offset = len(defs)
	}
	end := offset + limit
	if limit <= 0 || end > len(defs) {
		end = len(defs)
	}
	page := ListPage{Items: defs[offset:end]}
	if end < len(defs) {
		next := end
		page.NextOffset = &next
	}
	return page, nil
}

// Search is a case-insensitive substring match over name, description,
// and capability tags.
func (r *Registry) Search(ctx context.Context, query string) ([]core.AgentDefinition, error) {
	q := strings.ToLower(query)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []core.AgentDefinition
	for _, e := range r.cache {
		e.mu.RLock()
		d := e.runtime.Definition
		e.mu.RUnlock()

		if strings.Contains(strings.ToLower(d.Name), q) || strings.Contains(strings.ToLower(d.Description), q) {
			matches = append(matches, d)
			continue
		}
		for _, c := range d.Capabilities {
			if strings.Contains(strings.ToLower(c.Tag()), q) {
				matches = append(matches, d)
				break
			}
		}
	}
	return matches, nil
}

// RecordExecution updates an agent's running averages per spec §4.8 and
// persists the updated runtime. Execution results for the same AgentId
// are applied in call order (caller must serialize calls per agent, which
// the Executor does by awaiting each dispatch before reporting the next).
func (r *Registry) RecordExecution(ctx context.Context, id core.AgentId, result core.ExecutionResult) error {
	r.mu.RLock()
	e, ok := r.cache[id]
	r.mu.RUnlock()
	if !ok {
		if _, err := r.Resolve(ctx, id); err != nil {
			return err
		}
		r.mu.RLock()
		e = r.cache[id]
		r.mu.RUnlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rt := &e.runtime
	rt.ExecCount++
	if !result.Success {
		rt.ErrCount++
	}
	n := float64(rt.ExecCount)
	rt.AvgExecMs = (rt.AvgExecMs*(n-1) + result.DurationMs) / n

	if result.Quality != nil {
		rt.QualityWindow = append(rt.QualityWindow, *result.Quality)
		if len(rt.QualityWindow) > core.QualityWindowSize {
			rt.QualityWindow = rt.QualityWindow[len(rt.QualityWindow)-core.QualityWindowSize:]
		}
	}

	rt.HealthScore = HealthScore(rt.ErrCount, rt.ExecCount, rt.QualityWindow)
	rt.LastMetricsAt = time.Now()

	if r.telemetry != nil {
		labels := map[string]string{"agent_id": id.String(), "agent_name": rt.Definition.Name}
		r.telemetry.RecordMetric("orchcore.agent.health_score", rt.HealthScore, labels)
		r.telemetry.RecordMetric("orchcore.agent.exec_count", float64(rt.ExecCount), labels)
		r.telemetry.RecordMetric("orchcore.agent.avg_exec_ms", rt.AvgExecMs, labels)
	}

	return r.store.Put(ctx, store.Record{
		Definition: rt.Definition, ExecCount: rt.ExecCount, ErrCount: rt.ErrCount,
		AvgExecMs: rt.AvgExecMs, HealthScore: rt.HealthScore, QualityWindow: rt.QualityWindow,
	})
}

// HealthScore implements the blended health-score formula from spec §4.8/§9:
// health_score = clip(0.5·(1 − err_count/exec_count) + 0.5·mean(quality_window), 0, 1).
// This is the canonical rule this implementation picked among the source's
// several divergent running-average formulas (spec §9 design note).
func HealthScore(errCount, execCount uint64, qualityWindow []float64) float64 {
	if execCount == 0 {
		return 0
	}
	reliability := 1 - float64(errCount)/float64(execCount)
	meanQuality := 0.5 // neutral prior when no quality samples have been recorded yet
	if len(qualityWindow) > 0 {
		var sum float64
		for _, q := range qualityWindow {
			sum += q
		}
		meanQuality = sum / float64(len(qualityWindow))
	}
	score := 0.5*reliability + 0.5*meanQuality
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Runtime returns a snapshot of the AgentRuntime for id, for callers
// (router, feedback) that need execution-accounting fields beyond the
// definition.
func (r *Registry) Runtime(id core.AgentId) (core.AgentRuntime, bool) {
	r.mu.RLock()
	e, ok := r.cache[id]
	r.mu.RUnlock()
	if !ok {
		return core.AgentRuntime{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runtime, true
}
