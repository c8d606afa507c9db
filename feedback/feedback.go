// Package feedback implements Feedback & Optimization (C8): per-(agent,
// task kind, parameter fingerprint) effectiveness tracking and a bounded
// parameter-variation search for improving them, per spec §4.8.
package feedback

import (
	"fmt"
	"sort"
	"sync"

	"github.com/agentmesh/orchestrator-core/core"
)

// Key identifies one effectiveness record.
type Key struct {
	AgentID              core.AgentId
	TaskKind             string
	ParameterFingerprint string
}

// Record holds the running statistics for a Key, updated the same way the
// registry tracks per-agent running averages (spec §4.8.1).
type Record struct {
	SampleCount    uint64
	MeanQuality    float64
	MeanDurationMs float64
	LastUpdated    int64 // unix millis, set by the caller to keep the package Date-free
}

// Parameters is the tunable parameter set an optimizer searches over.
type Parameters struct {
	Temperature   float64
	ContextLength int
	MaxTokens     int
}

// Bounds clip a candidate Parameters set to what the caller's provider
// actually accepts.
type Bounds struct {
	MinTemperature, MaxTemperature     float64
	MinContextLength, MaxContextLength int
	MinMaxTokens, MaxMaxTokens         int
}

func (b Bounds) clip(p Parameters) Parameters {
	clipFloat := func(v, lo, hi float64) float64 {
		if v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
		return v
	}
	clipInt := func(v, lo, hi int) int {
		if v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
		return v
	}
	return Parameters{
		Temperature:   clipFloat(p.Temperature, b.MinTemperature, b.MaxTemperature),
		ContextLength: clipInt(p.ContextLength, b.MinContextLength, b.MaxContextLength),
		MaxTokens:     clipInt(p.MaxTokens, b.MinMaxTokens, b.MaxMaxTokens),
	}
}

// Fingerprint renders a Parameters set into the ParameterFingerprint a Key
// is keyed by, so that distinct parameter choices accumulate distinct
// effectiveness history.
func Fingerprint(p Parameters) string {
	return fmt.Sprintf("t=%.2f;c=%d;m=%d", p.Temperature, p.ContextLength, p.MaxTokens)
}

// Store tracks effectiveness records in this process's memory.
type Store struct {
	mu      sync.RWMutex
	records map[Key]*Record

	minSampleSize int
	telemetry     core.Telemetry
}

// Option configures a Store.
type Option func(*Store)

// WithMinSampleSize sets how many samples a (agent, task, params) tuple
// needs before the optimizer will consider it (spec §4.8.3's training
// gate). Default 20.
func WithMinSampleSize(n int) Option {
	return func(s *Store) { s.minSampleSize = n }
}

// WithTelemetry wires an emitter for per-update effectiveness metrics
// (spec §4.8a). Without it, Record still updates the running averages —
// it just has nothing to report the update to.
func WithTelemetry(t core.Telemetry) Option {
	return func(s *Store) { s.telemetry = t }
}

// New constructs an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		records:       make(map[Key]*Record),
		minSampleSize: 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record updates the running averages for key (spec §4.8.1: identical
// incremental-mean formula to the registry's per-agent health tracking).
func (s *Store) Record(key Key, quality, durationMs float64, observedAtMillis int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		rec = &Record{}
		s.records[key] = rec
	}
	rec.SampleCount++
	n := float64(rec.SampleCount)
	rec.MeanQuality = (rec.MeanQuality*(n-1) + quality) / n
	rec.MeanDurationMs = (rec.MeanDurationMs*(n-1) + durationMs) / n
	rec.LastUpdated = observedAtMillis

	if s.telemetry != nil {
		labels := map[string]string{
			"agent_id":  key.AgentID.String(),
			"task_kind": key.TaskKind,
		}
		s.telemetry.RecordMetric("orchcore.feedback.mean_quality", rec.MeanQuality, labels)
		s.telemetry.RecordMetric("orchcore.feedback.mean_duration_ms", rec.MeanDurationMs, labels)
		s.telemetry.RecordMetric("orchcore.feedback.sample_count", float64(rec.SampleCount), labels)
	}
}

// Get returns a copy of the record for key, if any samples exist.
func (s *Store) Get(key Key) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// variant is one candidate parameter perturbation considered by Recommend.
type variant struct {
	label string
	apply func(Parameters) Parameters
}

// gridVariants enumerates the bounded parameter-variation grid from spec
// §4.8.3: temperature +/-{0.1,0.2}, context length x{0.8,1.2,1.5}, max
// tokens x{0.7,1.3,1.6}.
func gridVariants() []variant {
	var variants []variant
	for _, d := range []float64{-0.2, -0.1, 0.1, 0.2} {
		delta := d
		variants = append(variants, variant{
			label: fmt.Sprintf("temperature%+.1f", delta),
			apply: func(p Parameters) Parameters { p.Temperature += delta; return p },
		})
	}
	for _, mult := range []float64{0.8, 1.2, 1.5} {
		m := mult
		variants = append(variants, variant{
			label: fmt.Sprintf("context_length*%.1f", m),
			apply: func(p Parameters) Parameters { p.ContextLength = int(float64(p.ContextLength) * m); return p },
		})
	}
	for _, mult := range []float64{0.7, 1.3, 1.6} {
		m := mult
		variants = append(variants, variant{
			label: fmt.Sprintf("max_tokens*%.1f", m),
			apply: func(p Parameters) Parameters { p.MaxTokens = int(float64(p.MaxTokens) * m); return p },
		})
	}
	return variants
}

// Recommendation is one candidate parameter set the optimizer proposes,
// with the effectiveness evidence backing it (if any has been observed
// yet for that exact fingerprint).
type Recommendation struct {
	Parameters  Parameters
	Fingerprint string
	Record      Record
	HasEvidence bool
}

// Recommend explores the bounded parameter-variation grid around current,
// for the given agent/task, and returns recommendations ranked by observed
// mean quality (best first). Variants with fewer than minSampleSize
// samples are still returned (so the caller can choose to explore them)
// but sorted after ones with sufficient evidence, per spec §4.8.3's
// training-gate note.
func (s *Store) Recommend(agentID core.AgentId, taskKind string, current Parameters, bounds Bounds) []Recommendation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	base := bounds.clip(current)
	candidates := []Parameters{base}
	for _, v := range gridVariants() {
		candidates = append(candidates, bounds.clip(v.apply(base)))
	}

	seen := make(map[string]bool)
	var recs []Recommendation
	for _, p := range candidates {
		fp := Fingerprint(p)
		if seen[fp] {
			continue
		}
		seen[fp] = true

		key := Key{AgentID: agentID, TaskKind: taskKind, ParameterFingerprint: fp}
		rec, ok := s.records[key]
		reco := Recommendation{Parameters: p, Fingerprint: fp}
		if ok {
			reco.Record = *rec
			reco.HasEvidence = rec.SampleCount >= uint64(s.minSampleSize)
		}
		recs = append(recs, reco)
	}

	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].HasEvidence != recs[j].HasEvidence {
			return recs[i].HasEvidence
		}
		if recs[i].HasEvidence {
			return recs[i].Record.MeanQuality > recs[j].Record.MeanQuality
		}
		return false
	})
	return recs
}
