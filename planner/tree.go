package planner

import "sync"

const noParent = -1

// node is one arena-allocated tree node. Parent links are indices, not
// ownership pointers, so the tree has no cycles and frees as a unit when
// the arena goes out of scope (spec §9).
type node struct {
	mu sync.RWMutex

	parent   int
	action   Action // the action that produced this node from its parent; zero for root
	state    State
	prior    float64
	terminal bool

	children     []int
	childActions []Action // same indices as children; insertion order

	visits     uint64
	totalValue float64
}

// tree is the arena: nodes are referred to by index, append-only.
type tree struct {
	mu    sync.Mutex // guards append to nodes only
	nodes []*node
}

func newTree(root State) *tree {
	t := &tree{}
	t.nodes = append(t.nodes, &node{parent: noParent, state: root, terminal: root.IsTerminal()})
	return t
}

func (t *tree) get(i int) *node {
	t.mu.Lock()
	n := t.nodes[i]
	t.mu.Unlock()
	return n
}

// addChild appends a new node and returns its index. Caller must hold the
// parent's write lock while calling this (expansion only).
func (t *tree) addChild(parentIdx int, action Action, state State, prior float64) int {
	t.mu.Lock()
	idx := len(t.nodes)
	t.nodes = append(t.nodes, &node{
		parent: parentIdx, action: action, state: state, prior: prior, terminal: state.IsTerminal(),
	})
	t.mu.Unlock()
	return idx
}

func (t *tree) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}
