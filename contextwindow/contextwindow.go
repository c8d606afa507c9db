// Package contextwindow implements the Context Window Manager (C7):
// token-budget-aware message preparation, compression tiering, and
// archival, per spec §4.7.
package contextwindow

import (
	"context"
	"strings"

	"github.com/agentmesh/orchestrator-core/core"
)

// Message is one conversational turn.
type Message struct {
	Role    string
	Content string
}

// ModelLimits are the per-target-model budget parameters (spec §4.7).
type ModelLimits struct {
	MaxTokens        int
	ReservedTokens   int
	SafetyMargin     int
	DynamicThreshold float64
}

// EffectiveInputBudget is max_tokens - reserved - safety_margin.
func (l ModelLimits) EffectiveInputBudget() int {
	return l.MaxTokens - l.ReservedTokens - l.SafetyMargin
}

// DynamicThresholdTokens is effective * dynamic_threshold.
func (l ModelLimits) DynamicThresholdTokens() float64 {
	return float64(l.EffectiveInputBudget()) * l.DynamicThreshold
}

// CompressionTier is the selected compression action (spec §4.7 step 3).
type CompressionTier string

const (
	TierNone      CompressionTier = "none"
	TierLight     CompressionTier = "light"
	TierModerate  CompressionTier = "moderate"
	TierHeavy     CompressionTier = "heavy"
	TierEmergency CompressionTier = "emergency" // keep last turn only
)

// targetFraction is how far below the effective budget this tier aims to
// bring the kept message set, expressed as a fraction of the effective
// budget. Each value sits comfortably under any reasonable dynamic
// threshold so that a second prepare() call over the result is a no-op —
// the fixpoint law required by spec §4.7.
func (t CompressionTier) targetFraction() float64 {
	switch t {
	case TierLight:
		return 0.5
	case TierModerate:
		return 0.35
	case TierHeavy:
		return 0.2
	default:
		return 0
	}
}

// EstimateTokens implements spec §4.7 step 1: Σ len(content)/4 + 3·len(messages).
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content) / 4
	}
	return total + 3*len(messages)
}

// QualityFunc computes a scalar quality score q in [0,1] from token
// utilization u and the message set; it must be monotonically
// non-increasing in u (spec §4.7 step 2, §9 "injected policy ... monotone
// in token utilization"). Additional signals (novelty drop, topic drift)
// are this function's prerogative.
type QualityFunc func(messages []Message, u float64) float64

// DefaultQuality is the built-in degradation policy: starts at 1.0 and
// degrades linearly with utilization, with an additional penalty for long
// turn counts. Monotone in u by construction.
func DefaultQuality(messages []Message, u float64) float64 {
	q := 1.0 - 0.6*u
	turnPenalty := float64(len(messages)) * 0.005
	q -= turnPenalty
	if q < 0 {
		q = 0
	}
	if q > 1 {
		q = 1
	}
	return q
}

// Summarizer is an archival service: it summarizes a contiguous prefix of
// dropped messages and returns a Dump describing it.
type Summarizer interface {
	Summarize(ctx context.Context, sessionID string, dropped []Message, startIdx, endIdx int) (Dump, error)
}

// Dump is a compressed archival summary of a contiguous message prefix
// (spec §3).
type Dump struct {
	ID         string
	RangeStart int
	RangeEnd   int
	Summary    string
	Topics     map[string]struct{}
	Entities   map[string]struct{}
	ArchiveRef string
}

// Manager implements prepare() for a set of named target models.
type Manager struct {
	limits     map[string]ModelLimits
	quality    QualityFunc
	summarizer Summarizer
	vocabulary []string // keyword vocabulary for topic/entity extraction
	logger     core.Logger

	archives map[string]Dump // archive_ref -> Dump, for reconstitution
}

// Option configures a Manager.
type Option func(*Manager)

// WithSummarizer registers an archival service used at Moderate+ tiers.
func WithSummarizer(s Summarizer) Option {
	return func(m *Manager) { m.summarizer = s }
}

// WithQualityFunc overrides the default degradation policy.
func WithQualityFunc(f QualityFunc) Option {
	return func(m *Manager) { m.quality = f }
}

// WithVocabulary sets the keyword vocabulary used by
// ExtractTopicsAndEntities.
func WithVocabulary(words []string) Option {
	return func(m *Manager) { m.vocabulary = words }
}

// WithLogger attaches a logger.
func WithLogger(l core.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New constructs a Manager over the given per-target-model limits.
func New(limits map[string]ModelLimits, opts ...Option) *Manager {
	m := &Manager{
		limits:   limits,
		quality:  DefaultQuality,
		archives: make(map[string]Dump),
		logger:   &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Prepare implements the §4.7 prepare() contract for a named target model.
func (m *Manager) Prepare(ctx context.Context, sessionID string, messages []Message, target string) ([]Message, error) {
	limits, ok := m.limits[target]
	if !ok {
		return nil, core.NewError("contextwindow.Prepare", core.ErrInvalidRequest, target, nil)
	}

	effective := limits.EffectiveInputBudget()
	tokens := EstimateTokens(messages)
	u := float64(tokens) / float64(effective)
	q := m.quality(messages, u)

	tier := m.selectTier(u, q, limits)
	if tier == TierNone {
		if EstimateTokens(messages) <= effective {
			return messages, nil
		}
		// A quality policy judged this fine despite exceeding the budget;
		// the hard token ceiling still wins.
		tier = TierModerate
	}

	prepared, err := m.compress(ctx, sessionID, messages, tier, effective)
	if err != nil {
		return nil, err
	}

	// Invariant: estimated_tokens(messages') <= effective. If compression
	// alone did not suffice (pathological single oversized turn), fall
	// back to emergency (keep last 1) which always fits short of a
	// single turn exceeding the whole budget.
	if EstimateTokens(prepared) > effective && tier != TierEmergency {
		return m.compress(ctx, sessionID, messages, TierEmergency, effective)
	}
	return prepared, nil
}

// selectTier implements spec §4.7 step 3. Utilization below the
// dynamic_threshold never needs checking. Above it, the quality/degradation
// score (monotone in utilization) decides how aggressively to compress — a
// policy that still judges the context healthy (q >= 0.8) despite crossing
// the threshold is honored, not overridden by utilization alone.
func (m *Manager) selectTier(u, q float64, limits ModelLimits) CompressionTier {
	if u < limits.DynamicThreshold {
		return TierNone
	}
	switch {
	case q >= 0.8:
		return TierNone
	case q >= 0.6:
		return TierLight
	case q >= 0.4:
		return TierModerate
	case q >= 0.2:
		return TierHeavy
	default:
		return TierEmergency
	}
}

func (m *Manager) compress(ctx context.Context, sessionID string, messages []Message, tier CompressionTier, effective int) ([]Message, error) {
	if tier == TierEmergency || len(messages) <= 1 {
		if len(messages) == 0 {
			return messages, nil
		}
		return messages[len(messages)-1:], nil
	}

	target := int(float64(effective) * tier.targetFraction())
	if target < 1 {
		target = 1
	}

	// Drop oldest-first until the kept tail fits the tier's target budget.
	dropCount := 0
	for dropCount < len(messages)-1 && EstimateTokens(messages[dropCount:]) > target {
		dropCount++
	}
	if dropCount == 0 {
		return messages, nil
	}

	dropped := messages[:dropCount]
	kept := messages[dropCount:]

	if m.summarizer == nil {
		return kept, nil
	}

	dump, err := m.summarizer.Summarize(ctx, sessionID, dropped, 0, dropCount-1)
	if err != nil {
		// Archival is best-effort: fall back to positional truncation
		// rather than failing prepare() outright.
		m.logger.Error("summarizer failed, falling back to truncation", map[string]interface{}{"error": err.Error()})
		return kept, nil
	}
	m.archives[dump.ArchiveRef] = dump

	memoryTurn := Message{Role: "system", Content: "memory-dump: " + dump.Summary}
	result := append([]Message{memoryTurn}, kept...)
	return result, nil
}

// Reconstitute retrieves a previously archived Dump by its reference.
func (m *Manager) Reconstitute(archiveRef string) (Dump, bool) {
	d, ok := m.archives[archiveRef]
	return d, ok
}

// ExtractTopicsAndEntities does simple case-insensitive keyword matching
// against the configured vocabulary and returns the matched words as topics.
// The entities set is always returned empty, and the archival path does not
// call this function, so archived Dumps get no topics or entities from it.
func (m *Manager) ExtractTopicsAndEntities(messages []Message) (topics, entities map[string]struct{}) {
	topics = make(map[string]struct{})
	entities = make(map[string]struct{})
	for _, msg := range messages {
		lower := strings.ToLower(msg.Content)
		for _, word := range m.vocabulary {
			if strings.Contains(lower, strings.ToLower(word)) {
				topics[word] = struct{}{}
			}
		}
	}
	return topics, entities
}
