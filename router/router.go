// Package router implements the Adaptive Router (C6): weighted candidate
// scoring and selection, per spec §4.6.
package router

import (
	"context"
	"sort"

	"github.com/agentmesh/orchestrator-core/contextwindow"
	"github.com/agentmesh/orchestrator-core/core"
)

// SpeedTier is the candidate's declared dispatch latency class.
type SpeedTier string

const (
	SpeedFast   SpeedTier = "fast"
	SpeedMedium SpeedTier = "medium"
	SpeedSlow   SpeedTier = "slow"
)

func speedScore(s SpeedTier) float64 {
	switch s {
	case SpeedFast:
		return 1.0
	case SpeedMedium:
		return 0.7
	default:
		return 0.4
	}
}

// Candidate is a routing candidate: an agent plus the signals the score
// function needs. Capability match and specialist status are supplied by
// the caller (the registry/index already computed them during candidate
// generation).
type Candidate struct {
	AgentID         core.AgentId
	Speed           SpeedTier
	CapabilityMatch float64 // match_quality(required_work_kind, agent.kind_level) in [0,1]
	IsSpecialist    bool
	RecentQuality   []float64 // last k=10 samples, most recent last
	StaticQuality   float64   // fallback when RecentQuality is empty
}

func (c Candidate) perf() float64 {
	if len(c.RecentQuality) == 0 {
		return c.StaticQuality
	}
	k := c.RecentQuality
	if len(k) > 10 {
		k = k[len(k)-10:]
	}
	var sum float64
	for _, q := range k {
		sum += q
	}
	return sum / float64(len(k))
}

// score computes the weighted score for a candidate per spec §4.6.
func score(c Candidate, load float64, urgent bool, prioritize core.RouterPreference) float64 {
	speed := speedScore(c.Speed)
	capability := c.CapabilityMatch
	specialty := 0.6
	if c.IsSpecialist {
		specialty = 1.0
	}
	perf := c.perf()

	loadFactor := 1.0
	switch {
	case load > 0.8 && c.Speed == SpeedFast:
		loadFactor = 1.2
	case load > 0.8 && c.Speed == SpeedSlow:
		loadFactor = 0.6
	}

	timeFactor := 1.0
	switch {
	case urgent && c.Speed == SpeedFast:
		timeFactor = 1.3
	case urgent && c.Speed == SpeedSlow:
		timeFactor = 0.5
	}

	prefFactor := 1.0
	switch prioritize {
	case core.PreferSpeed:
		prefFactor = speed
	case core.PreferQuality:
		prefFactor = capability * perf
	}

	base := 0.20*speed + 0.30*capability + 0.20*specialty + 0.20*perf + 0.05*loadFactor + 0.05*timeFactor
	return base * prefFactor
}

// ContextPreparer is the subset of the Context Window Manager (C7) the
// router consults when a selected target declares a maximum input budget.
type ContextPreparer interface {
	Prepare(ctx context.Context, sessionID string, messages []contextwindow.Message, target string) ([]contextwindow.Message, error)
}

// Router selects the best candidate for a WorkItem.
type Router struct {
	cache    *lruCache
	preparer ContextPreparer
	logger   core.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithCache enables a routing-plan LRU cache of the given size.
func WithCache(size int) Option {
	return func(r *Router) {
		if size > 0 {
			r.cache = newLRUCache(size)
		}
	}
}

// WithContextPreparer wires the Context Window Manager for context-bounded
// dispatch (spec §4.6 "Context-bounded targets").
func WithContextPreparer(p ContextPreparer) Option {
	return func(r *Router) { r.preparer = p }
}

// WithLogger attaches a logger.
func WithLogger(l core.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New constructs a Router.
func New(opts ...Option) *Router {
	r := &Router{logger: &core.NoOpLogger{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Select runs spec §4.6's scoring function over candidates and returns the
// argmax, breaking ties by higher perf then insertion order. If candidates
// is empty, fallback is tried in its place; if fallback is also empty,
// fails NoAgent.
func (r *Router) Select(candidates []Candidate, fallback []Candidate, load float64, urgent bool, prioritize core.RouterPreference) (core.AgentId, error) {
	pool := candidates
	if len(pool) == 0 {
		pool = fallback
	}
	if len(pool) == 0 {
		return core.AgentId{}, core.NewError("router.Select", core.ErrNoAgent, "", nil)
	}

	type scored struct {
		c Candidate
		s float64
		i int
	}
	scoredList := make([]scored, len(pool))
	for i, c := range pool {
		scoredList[i] = scored{c: c, s: score(c, load, urgent, prioritize), i: i}
	}

	sort.SliceStable(scoredList, func(i, j int) bool {
		if scoredList[i].s != scoredList[j].s {
			return scoredList[i].s > scoredList[j].s
		}
		if scoredList[i].c.perf() != scoredList[j].c.perf() {
			return scoredList[i].c.perf() > scoredList[j].c.perf()
		}
		return scoredList[i].i < scoredList[j].i
	})

	return scoredList[0].c.AgentID, nil
}

// SelectCached wraps Select with the routing-plan LRU cache, when one is
// configured. cacheKey should identify the work kind and candidate set
// (e.g. a hash of sorted agent ids plus the work item's kind); repeated
// calls with the same key and pool bypass rescoring.
func (r *Router) SelectCached(cacheKey string, candidates []Candidate, fallback []Candidate, load float64, urgent bool, prioritize core.RouterPreference) (core.AgentId, error) {
	if r.cache != nil {
		if id, ok := r.cache.Get(cacheKey); ok {
			return id, nil
		}
	}
	id, err := r.Select(candidates, fallback, load, urgent, prioritize)
	if err != nil {
		return id, err
	}
	if r.cache != nil {
		r.cache.Set(cacheKey, id)
	}
	return id, nil
}

// PrepareForTarget asks the Context Window Manager to fit messages to a
// target model's budget, when a preparer is configured.
func (r *Router) PrepareForTarget(ctx context.Context, sessionID string, messages []contextwindow.Message, target string) ([]contextwindow.Message, error) {
	if r.preparer == nil {
		return messages, nil
	}
	return r.preparer.Prepare(ctx, sessionID, messages, target)
}
