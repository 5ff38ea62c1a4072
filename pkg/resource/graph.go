package resource

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cdlib/journal-transporter/pkg/errors"
)

// graphKey addresses one node in the arena index.
type graphKey struct {
	typ Type
	id  uuid.UUID
}

// Graph is the full forest of nodes for one transfer run. Nodes live in an
// insertion-ordered arena; parent/child links are arena indices rather than
// pointers, which keeps persistence and concurrent traversal simple. A
// child is always added after its parent, so iterating the arena in order
// is a valid topological walk.
//
// A Graph is owned by exactly one Session and is safe for concurrent use
// by that session's worker pool.
type Graph struct {
	mu       sync.RWMutex
	nodes    []*Node
	index    map[graphKey]int
	children map[int][]int
	roots    []int
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		index:    make(map[graphKey]int),
		children: make(map[int][]int),
	}
}

// Add inserts a node and returns its arena id. The parent, when set, must
// already be present; children never precede their parents. Adding a
// (type, uuid) pair that already exists returns the existing id without
// overwriting, preserving any stage progress the node has made.
func (g *Graph) Add(n *Node) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := graphKey{n.Type, n.UUID}
	if id, ok := g.index[key]; ok {
		return id, nil
	}

	if n.Parent != NoParent {
		if n.Parent < 0 || n.Parent >= len(g.nodes) {
			return 0, errors.New(errors.ErrorTypeInternal,
				fmt.Sprintf("parent %d does not exist for %s %s", n.Parent, n.Type, n.UUID))
		}
	}

	id := len(g.nodes)
	g.nodes = append(g.nodes, n)
	g.index[key] = id
	if n.Parent == NoParent {
		g.roots = append(g.roots, id)
	} else {
		g.children[n.Parent] = append(g.children[n.Parent], id)
	}
	return id, nil
}

// Lookup returns the arena id for a (type, uuid) pair.
func (g *Graph) Lookup(t Type, id uuid.UUID) (int, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	idx, ok := g.index[graphKey{t, id}]
	return idx, ok
}

// Node returns the node at an arena id. The returned pointer is shared;
// callers mutate stage state through Advance and MarkFailed only.
func (g *Graph) Node(id int) *Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

// Len returns the number of nodes in the arena.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Roots returns the arena ids of all root nodes in insertion order.
func (g *Graph) Roots() []int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]int, len(g.roots))
	copy(out, g.roots)
	return out
}

// Children returns the arena ids of a node's children in insertion order.
func (g *Graph) Children(id int) []int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]int, len(g.children[id]))
	copy(out, g.children[id])
	return out
}

// ChildrenOfType filters a node's children by resource type.
func (g *Graph) ChildrenOfType(id int, t Type) []int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []int
	for _, c := range g.children[id] {
		if g.nodes[c].Type == t {
			out = append(out, c)
		}
	}
	return out
}

// Advance moves a node to the next stage state, enforcing stage ordering
// and the parent-not-outrun invariant: a child may only reach a state its
// parent has already reached.
func (g *Graph) Advance(id int, next StageState) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := g.nodes[id]
	if err := validateTransition(n.State, next); err != nil {
		return err
	}
	if n.Parent != NoParent && next != StateFailed {
		parent := g.nodes[n.Parent]
		if parent.State != StateFailed && parent.State < next {
			return errors.New(errors.ErrorTypeInternal,
				fmt.Sprintf("%s %s cannot reach %s before its parent %s (%s)",
					n.Type, n.UUID, next, parent.Type, parent.State))
		}
	}
	n.State = next
	return nil
}

// MarkFailed records a per-resource failure on the node.
func (g *Graph) MarkFailed(id int, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.nodes[id]
	n.State = StateFailed
	if err != nil {
		n.LastError = err.Error()
	}
}

// WalkTopological visits every node with parents strictly before children.
// The walk stops early when fn returns false.
func (g *Graph) WalkTopological(fn func(id int, n *Node) bool) {
	g.mu.RLock()
	snapshot := make([]*Node, len(g.nodes))
	copy(snapshot, g.nodes)
	g.mu.RUnlock()

	for id, n := range snapshot {
		if !fn(id, n) {
			return
		}
	}
}

// NodesInState returns arena ids of all nodes currently in the given
// state, in topological order.
func (g *Graph) NodesInState(state StageState) []int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []int
	for id, n := range g.nodes {
		if n.State == state {
			out = append(out, id)
		}
	}
	return out
}

// Lineage returns the chain of arena ids from the root down to id,
// inclusive. Used for composing store paths and remote request paths.
func (g *Graph) Lineage(id int) []int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var chain []int
	for cur := id; cur != NoParent; cur = g.nodes[cur].Parent {
		chain = append(chain, cur)
	}
	// reverse to root-first order
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}
