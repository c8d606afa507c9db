// Package planner implements the Planner (C4): Monte Carlo Tree Search
// over the action space in types.go, per spec §4.4.
package planner

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmesh/orchestrator-core/core"
)

// priorWeight is λ in the UCB1 + prior formula (spec §4.4).
const priorWeight = 0.1

// PriorFunc supplies an optional scalar prior in [0,1] for (state, action),
// cached on the child node at expansion time.
type PriorFunc func(state State, action Action) float64

// Config is the Planner's enumerated configuration (spec §4.4).
type Config struct {
	Simulations         int
	ParallelSimulations int
	MaxDepth            int
	Timeout             time.Duration
	ExplorationConstant float64
	UsePrior            bool
}

// Planner runs MCTS searches. A Planner is stateless across calls to
// Search; each call builds its own arena-allocated tree, owned by that call
// and freed when it returns (spec §9).
type Planner struct {
	cfg    Config
	prior  PriorFunc
	logger core.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithPrior installs a prior evaluator, used only if cfg.UsePrior is true.
func WithPrior(f PriorFunc) Option {
	return func(p *Planner) { p.prior = f }
}

// WithLogger attaches a logger.
func WithLogger(l core.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

// New constructs a Planner with cfg.
func New(cfg Config, opts ...Option) *Planner {
	p := &Planner{cfg: cfg, logger: &core.NoOpLogger{}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Result is the outcome of a Search call: the best-effort action path plus
// root.visits, exposed for the testable invariant root.visits == N
// completed rollouts (spec §8).
type Result struct {
	Actions    []Action
	RootVisits uint64
}

// Search runs up to cfg.Simulations rollouts (bounded by cfg.Timeout and
// ctx) from initial, then extracts and returns the best action path.
func (p *Planner) Search(ctx context.Context, initial State) (Result, error) {
	if p.cfg.Simulations <= 0 {
		return Result{}, core.NewError("planner.Search", core.ErrNoPlan, "", nil)
	}

	searchCtx := ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		searchCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	t := newTree(initial)

	parallel := p.cfg.ParallelSimulations
	if parallel < 1 {
		parallel = 1
	}
	sem := make(chan struct{}, parallel)

	var claimed int64
	var wg sync.WaitGroup

claimLoop:
	for {
		c := atomic.AddInt64(&claimed, 1)
		if c > int64(p.cfg.Simulations) {
			atomic.AddInt64(&claimed, -1)
			break
		}
		select {
		case <-searchCtx.Done():
			atomic.AddInt64(&claimed, -1)
			break claimLoop
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			p.runOne(t)
		}()
	}
	wg.Wait()

	root := t.get(0)
	root.mu.RLock()
	rootVisits := root.visits
	root.mu.RUnlock()

	actions, err := p.bestPath(t)
	if err != nil {
		return Result{RootVisits: rootVisits}, err
	}
	return Result{Actions: actions, RootVisits: rootVisits}, nil
}

// runOne executes one simulation: selection, expansion, rollout, backprop.
func (p *Planner) runOne(t *tree) {
	leaf := p.selectLeaf(t)

	n := t.get(leaf)
	n.mu.RLock()
	terminal := n.terminal
	n.mu.RUnlock()

	rolloutStart := leaf
	if !terminal {
		child := p.expand(t, leaf)
		if child != leaf {
			rolloutStart = child
		} else {
			// Another goroutine expanded or terminated this node first
			// (idempotent expansion guard); re-select instead of
			// re-expanding.
			rolloutStart = p.selectLeaf(t)
		}
	}

	value := p.rollout(t, rolloutStart)
	p.backprop(t, rolloutStart, value)
}

// selectLeaf descends from the root choosing the UCB1-maximizing child at
// each step, holding at most one node's read lock at a time (spec §5).
func (p *Planner) selectLeaf(t *tree) int {
	idx := 0
	for {
		n := t.get(idx)
		n.mu.RLock()
		terminal := n.terminal
		children := append([]int(nil), n.children...)
		parentVisits := n.visits
		n.mu.RUnlock()

		if terminal || len(children) == 0 {
			return idx
		}
		idx = p.bestChild(t, children, parentVisits)
	}
}

func (p *Planner) bestChild(t *tree, children []int, parentVisits uint64) int {
	best := children[0]
	bestScore := math.Inf(-1)

	for _, c := range children {
		cn := t.get(c)
		cn.mu.RLock()
		visits := cn.visits
		totalValue := cn.totalValue
		prior := cn.prior
		cn.mu.RUnlock()

		var score float64
		if visits == 0 {
			score = math.Inf(1)
		} else {
			exploit := totalValue / float64(visits)
			explore := p.cfg.ExplorationConstant * math.Sqrt(math.Log(float64(parentVisits))/float64(visits))
			score = exploit + explore + priorWeight*prior
		}

		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	return best
}

// expand enumerates legal actions from the leaf's state under its write
// lock, attaching one child per action. Returns the insertion-order-first
// child for rollout, or leaf itself if the node was concurrently expanded
// or found terminal (idempotent guard, spec §4.4).
func (p *Planner) expand(t *tree, idx int) int {
	n := t.get(idx)
	n.mu.Lock()
	if n.terminal || len(n.children) > 0 {
		n.mu.Unlock()
		return idx
	}

	actions := Actions(n.state)
	childIdxs := make([]int, 0, len(actions))
	for _, a := range actions {
		successor := Apply(n.state, a)
		var prior float64
		if p.cfg.UsePrior && p.prior != nil {
			prior = p.prior(n.state, a)
		}
		childIdxs = append(childIdxs, t.addChild(idx, a, successor, prior))
	}
	n.children = childIdxs
	n.childActions = actions
	n.mu.Unlock()

	if len(childIdxs) == 0 {
		return idx
	}
	return childIdxs[0]
}

// rollout applies random legal actions from startIdx's state until
// terminal or cfg.MaxDepth is reached, accumulating step rewards plus the
// terminal reward.
func (p *Planner) rollout(t *tree, startIdx int) float64 {
	n := t.get(startIdx)
	n.mu.RLock()
	state := n.state
	n.mu.RUnlock()

	var total float64
	depth := 0
	for !state.IsTerminal() && depth < p.cfg.MaxDepth {
		actions := Actions(state)
		a := actions[rand.Intn(len(actions))]
		total += StepReward(a)
		state = Apply(state, a)
		depth++
	}
	total += TerminalReward(state)
	return total
}

// backprop walks from idx to the root along stored parent links,
// incrementing visits and adding value to total_value at each node. The
// write-lock release at each step publishes both fields together
// (happens-before per spec §5).
func (p *Planner) backprop(t *tree, idx int, value float64) {
	for idx != noParent {
		n := t.get(idx)
		n.mu.Lock()
		n.visits++
		n.totalValue += value
		parent := n.parent
		n.mu.Unlock()
		idx = parent
	}
}

// bestPath traverses from the root choosing the highest-visit child at
// each step (tie-break: highest mean value, then insertion order), up to
// cfg.MaxDepth. Fails NoPlan if the root has no children.
func (p *Planner) bestPath(t *tree) ([]Action, error) {
	root := t.get(0)
	root.mu.RLock()
	rootChildren := len(root.children)
	root.mu.RUnlock()
	if rootChildren == 0 {
		return nil, core.NewError("planner.bestPath", core.ErrNoPlan, "", nil)
	}

	var path []Action
	idx := 0
	for len(path) < p.cfg.MaxDepth {
		n := t.get(idx)
		n.mu.RLock()
		children := append([]int(nil), n.children...)
		childActions := append([]Action(nil), n.childActions...)
		n.mu.RUnlock()
		if len(children) == 0 {
			break
		}

		bestI := 0
		var bestVisits uint64
		var bestMean float64
		for i, c := range children {
			cn := t.get(c)
			cn.mu.RLock()
			v := cn.visits
			var mean float64
			if v > 0 {
				mean = cn.totalValue / float64(v)
			}
			cn.mu.RUnlock()

			if i == 0 || v > bestVisits || (v == bestVisits && mean > bestMean) {
				bestI = i
				bestVisits = v
				bestMean = mean
			}
		}

		path = append(path, childActions[bestI])
		idx = children[bestI]
	}

	return path, nil
}
