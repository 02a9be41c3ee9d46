package dag

import (
	"errors"
	"fmt"

	"github.com/tm1ddleton/analytics-sub001/internal/timeseries"
)

// Sentinel errors per spec §7's taxonomy.
var (
	ErrUnknownNode    = errors.New("dag: unknown node")
	ErrWouldCycle     = errors.New("dag: edge would close a cycle")
	ErrHasDescendants = errors.New("dag: node has descendants")
	ErrInvalidParams  = errors.New("dag: invalid node parameters")
)

// DAG is a directed acyclic graph of analytics nodes. The zero value is not
// ready for use; construct with New. A DAG is not safe for concurrent
// mutation; callers (the push/pull engines, the session manager) own it
// exclusively.
type DAG struct {
	nodes    map[NodeID]*Node
	order    []NodeID // insertion order, used as the topo-sort tie-break
	children map[NodeID][]NodeID
	parents  map[NodeID][]NodeID
	next     NodeID
}

// New returns an empty DAG.
func New() *DAG {
	return &DAG{
		nodes:    make(map[NodeID]*Node),
		children: make(map[NodeID][]NodeID),
		parents:  make(map[NodeID][]NodeID),
	}
}

// AddNode inserts a new node and returns its id. Nodes may be added at any
// time — the DAG only ever grows except via RemoveNode.
func (g *DAG) AddNode(typ NodeType, params Params, assets map[timeseries.AssetKey]struct{}) (NodeID, error) {
	if typ == NodeVolatility && params.Window < 1 {
		return 0, fmt.Errorf("%w: volatility window must be >= 1", ErrInvalidParams)
	}
	if assets == nil {
		assets = make(map[timeseries.AssetKey]struct{})
	}
	id := g.next
	g.next++
	g.nodes[id] = &Node{ID: id, Type: typ, Params: params, Assets: assets}
	g.order = append(g.order, id)
	return id, nil
}

// Node returns the node with the given id.
func (g *DAG) Node(id NodeID) (*Node, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return n, nil
}

// Nodes returns every node id in insertion order.
func (g *DAG) Nodes() []NodeID {
	out := make([]NodeID, len(g.order))
	copy(out, g.order)
	return out
}

// AddEdge adds a directed edge parent -> child. The edge is rejected with
// ErrWouldCycle if child already reaches parent (i.e. parent is a
// descendant of child), and with ErrUnknownNode if either id is unknown.
// Cycle prevention happens here, at insertion time, not as a post-hoc check.
func (g *DAG) AddEdge(parent, child NodeID) error {
	if _, ok := g.nodes[parent]; !ok {
		return fmt.Errorf("%w: parent %d", ErrUnknownNode, parent)
	}
	if _, ok := g.nodes[child]; !ok {
		return fmt.Errorf("%w: child %d", ErrUnknownNode, child)
	}
	if parent == child || g.reaches(child, parent) {
		return fmt.Errorf("%w: %d -> %d", ErrWouldCycle, parent, child)
	}
	g.children[parent] = append(g.children[parent], child)
	g.parents[child] = append(g.parents[child], parent)
	return nil
}

// reaches reports whether from can reach to by following child edges.
func (g *DAG) reaches(from, to NodeID) bool {
	if from == to {
		return true
	}
	visited := make(map[NodeID]bool)
	stack := []NodeID{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		for _, c := range g.children[cur] {
			if c == to {
				return true
			}
			if !visited[c] {
				stack = append(stack, c)
			}
		}
	}
	return false
}

// RemoveNode deletes a node that currently has no descendants. Removal by
// rejection (rather than cascade) keeps the invariant that a node can only
// disappear once nothing depends on it, per spec §9.
func (g *DAG) RemoveNode(id NodeID) error {
	if _, ok := g.nodes[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	if len(g.children[id]) > 0 {
		return fmt.Errorf("%w: %d", ErrHasDescendants, id)
	}
	for _, p := range g.parents[id] {
		g.children[p] = removeID(g.children[p], id)
	}
	delete(g.nodes, id)
	delete(g.children, id)
	delete(g.parents, id)
	g.order = removeID(g.order, id)
	return nil
}

func removeID(list []NodeID, target NodeID) []NodeID {
	out := list[:0]
	for _, id := range list {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// Parents returns id's direct parents, in the order edges were added.
func (g *DAG) Parents(id NodeID) ([]NodeID, error) {
	if _, ok := g.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return append([]NodeID(nil), g.parents[id]...), nil
}

// Children returns id's direct children, in the order edges were added.
func (g *DAG) Children(id NodeID) ([]NodeID, error) {
	if _, ok := g.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return append([]NodeID(nil), g.children[id]...), nil
}

// Ancestors returns every node that can reach id, in no particular order.
func (g *DAG) Ancestors(id NodeID) ([]NodeID, error) {
	if _, ok := g.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	visited := make(map[NodeID]bool)
	var walk func(NodeID)
	walk = func(cur NodeID) {
		for _, p := range g.parents[cur] {
			if !visited[p] {
				visited[p] = true
				walk(p)
			}
		}
	}
	walk(id)
	out := make([]NodeID, 0, len(visited))
	for _, id := range g.order {
		if visited[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// Descendants returns every node reachable from id, in no particular order.
func (g *DAG) Descendants(id NodeID) ([]NodeID, error) {
	if _, ok := g.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	visited := make(map[NodeID]bool)
	var walk func(NodeID)
	walk = func(cur NodeID) {
		for _, c := range g.children[cur] {
			if !visited[c] {
				visited[c] = true
				walk(c)
			}
		}
	}
	walk(id)
	out := make([]NodeID, 0, len(visited))
	for _, id := range g.order {
		if visited[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// TopologicalOrder returns every node in dependency order: every ancestor
// of n precedes n. Ties (nodes simultaneously ready) are broken by
// insertion order so the result is deterministic across calls.
func (g *DAG) TopologicalOrder() []NodeID {
	indegree := make(map[NodeID]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = len(g.parents[id])
	}
	remaining := make(map[NodeID]bool, len(g.nodes))
	for id := range g.nodes {
		remaining[id] = true
	}

	out := make([]NodeID, 0, len(g.nodes))
	for len(out) < len(g.nodes) {
		progressed := false
		for _, id := range g.order {
			if !remaining[id] || indegree[id] != 0 {
				continue
			}
			out = append(out, id)
			delete(remaining, id)
			for _, c := range g.children[id] {
				indegree[c]--
			}
			progressed = true
		}
		if !progressed {
			// Cannot happen for a DAG built exclusively through AddEdge's
			// cycle check; guards against a fatal precondition violation
			// per spec §4.4.
			break
		}
	}
	return out
}

// SubgraphFrom returns the topological order restricted to the union of
// the given node ids and all of their ancestors.
func (g *DAG) SubgraphFrom(ids []NodeID) ([]NodeID, error) {
	include := make(map[NodeID]bool, len(ids))
	for _, id := range ids {
		if _, ok := g.nodes[id]; !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
		}
		include[id] = true
		ancestors, err := g.Ancestors(id)
		if err != nil {
			return nil, err
		}
		for _, a := range ancestors {
			include[a] = true
		}
	}
	full := g.TopologicalOrder()
	out := make([]NodeID, 0, len(include))
	for _, id := range full {
		if include[id] {
			out = append(out, id)
		}
	}
	return out, nil
}
