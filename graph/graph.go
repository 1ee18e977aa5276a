// Package graph implements an immutable directed graph with named node groups
// and the DAG algorithms the workflow layer builds on.
//
// Every mutating method returns a new Graph and leaves the receiver untouched,
// so a Graph value can be shared between goroutines without locking.
package graph

import (
	"cmp"
	"slices"
)

// Edge is an outgoing edge as stored on its source node.
type Edge[K cmp.Ordered] struct {
	From K
	To   K
	Data any
}

// Graph is a directed graph keyed by K with node data V.
// The zero value is not usable; call New.
type Graph[K cmp.Ordered, V any] struct {
	nodes   map[K]V
	edges   map[K][]Edge[K] // insertion ordered, unique by To
	reverse map[K]map[K]struct{}
	groups  map[string]map[K]struct{}
}

// New returns an empty graph.
func New[K cmp.Ordered, V any]() *Graph[K, V] {
	return &Graph[K, V]{
		nodes:   make(map[K]V),
		edges:   make(map[K][]Edge[K]),
		reverse: make(map[K]map[K]struct{}),
		groups:  make(map[string]map[K]struct{}),
	}
}

func (g *Graph[K, V]) clone() *Graph[K, V] {
	c := &Graph[K, V]{
		nodes:   make(map[K]V, len(g.nodes)),
		edges:   make(map[K][]Edge[K], len(g.edges)),
		reverse: make(map[K]map[K]struct{}, len(g.reverse)),
		groups:  make(map[string]map[K]struct{}, len(g.groups)),
	}
	for id, v := range g.nodes {
		c.nodes[id] = v
	}
	for id, out := range g.edges {
		c.edges[id] = slices.Clone(out)
	}
	for id, in := range g.reverse {
		set := make(map[K]struct{}, len(in))
		for p := range in {
			set[p] = struct{}{}
		}
		c.reverse[id] = set
	}
	for name, members := range g.groups {
		set := make(map[K]struct{}, len(members))
		for m := range members {
			set[m] = struct{}{}
		}
		c.groups[name] = set
	}
	return c
}

// AddNode returns a graph with id set to data, replacing existing data.
func (g *Graph[K, V]) AddNode(id K, data V) *Graph[K, V] {
	c := g.clone()
	c.nodes[id] = data
	return c
}

// AddEdge returns a graph with the edge from -> to. Missing endpoints are
// created with zero data; an existing edge has its data replaced.
func (g *Graph[K, V]) AddEdge(from, to K, data any) *Graph[K, V] {
	c := g.clone()
	var zero V
	if _, ok := c.nodes[from]; !ok {
		c.nodes[from] = zero
	}
	if _, ok := c.nodes[to]; !ok {
		c.nodes[to] = zero
	}
	out := c.edges[from]
	for i := range out {
		if out[i].To == to {
			out[i].Data = data
			return c
		}
	}
	c.edges[from] = append(out, Edge[K]{From: from, To: to, Data: data})
	if c.reverse[to] == nil {
		c.reverse[to] = make(map[K]struct{})
	}
	c.reverse[to][from] = struct{}{}
	return c
}

// RemoveNode returns a graph without id, its edges, and its group memberships.
func (g *Graph[K, V]) RemoveNode(id K) *Graph[K, V] {
	if _, ok := g.nodes[id]; !ok {
		return g
	}
	c := g.clone()
	delete(c.nodes, id)
	for _, e := range c.edges[id] {
		delete(c.reverse[e.To], id)
	}
	delete(c.edges, id)
	for p := range c.reverse[id] {
		c.edges[p] = slices.DeleteFunc(c.edges[p], func(e Edge[K]) bool { return e.To == id })
	}
	delete(c.reverse, id)
	for _, members := range c.groups {
		delete(members, id)
	}
	return c
}

// RemoveEdge returns a graph without the edge from -> to.
func (g *Graph[K, V]) RemoveEdge(from, to K) *Graph[K, V] {
	if !g.HasEdge(from, to) {
		return g
	}
	c := g.clone()
	c.edges[from] = slices.DeleteFunc(c.edges[from], func(e Edge[K]) bool { return e.To == to })
	delete(c.reverse[to], from)
	return c
}

// AddToGroup returns a graph where ids belong to group name. Unknown ids are
// created with zero data.
func (g *Graph[K, V]) AddToGroup(name string, ids ...K) *Graph[K, V] {
	c := g.clone()
	set := c.groups[name]
	if set == nil {
		set = make(map[K]struct{})
		c.groups[name] = set
	}
	var zero V
	for _, id := range ids {
		if _, ok := c.nodes[id]; !ok {
			c.nodes[id] = zero
		}
		set[id] = struct{}{}
	}
	return c
}

// RemoveFromGroup returns a graph where id no longer belongs to group name.
func (g *Graph[K, V]) RemoveFromGroup(name string, id K) *Graph[K, V] {
	if _, ok := g.groups[name][id]; !ok {
		return g
	}
	c := g.clone()
	delete(c.groups[name], id)
	return c
}

// RemoveGroup returns a graph without group name. Member nodes are kept.
func (g *Graph[K, V]) RemoveGroup(name string) *Graph[K, V] {
	if _, ok := g.groups[name]; !ok {
		return g
	}
	c := g.clone()
	delete(c.groups, name)
	return c
}

// Len returns the number of nodes.
func (g *Graph[K, V]) Len() int { return len(g.nodes) }

// HasNode reports whether id exists.
func (g *Graph[K, V]) HasNode(id K) bool {
	_, ok := g.nodes[id]
	return ok
}

// Node returns the data stored for id.
func (g *Graph[K, V]) Node(id K) (V, bool) {
	v, ok := g.nodes[id]
	return v, ok
}

// MustNode is Node that panics with *NodeNotFoundError.
func (g *Graph[K, V]) MustNode(id K) V {
	v, ok := g.nodes[id]
	if !ok {
		panic(&NodeNotFoundError{ID: idString(id)})
	}
	return v
}

// HasEdge reports whether the edge from -> to exists.
func (g *Graph[K, V]) HasEdge(from, to K) bool {
	_, ok := g.Edge(from, to)
	return ok
}

// Edge returns the data stored on from -> to.
func (g *Graph[K, V]) Edge(from, to K) (any, bool) {
	for _, e := range g.edges[from] {
		if e.To == to {
			return e.Data, true
		}
	}
	return nil, false
}

// MustEdge is Edge that panics with *EdgeNotFoundError.
func (g *Graph[K, V]) MustEdge(from, to K) any {
	d, ok := g.Edge(from, to)
	if !ok {
		panic(&EdgeNotFoundError{From: idString(from), To: idString(to)})
	}
	return d
}

// Nodes returns all node ids in ascending order.
func (g *Graph[K, V]) Nodes() []K {
	ids := make([]K, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Edges returns every edge, ordered by source id then insertion.
func (g *Graph[K, V]) Edges() []Edge[K] {
	var out []Edge[K]
	for _, id := range g.Nodes() {
		out = append(out, g.edges[id]...)
	}
	return out
}

// Successors returns the targets of id's outgoing edges in insertion order.
func (g *Graph[K, V]) Successors(id K) []K {
	out := make([]K, 0, len(g.edges[id]))
	for _, e := range g.edges[id] {
		out = append(out, e.To)
	}
	return out
}

// Predecessors returns the sources of id's incoming edges in ascending order.
func (g *Graph[K, V]) Predecessors(id K) []K {
	return sortedKeys(g.reverse[id])
}

// InDegree returns the number of incoming edges of id.
func (g *Graph[K, V]) InDegree(id K) int { return len(g.reverse[id]) }

// OutDegree returns the number of outgoing edges of id.
func (g *Graph[K, V]) OutDegree(id K) int { return len(g.edges[id]) }

// Roots returns nodes without incoming edges.
func (g *Graph[K, V]) Roots() []K {
	var out []K
	for _, id := range g.Nodes() {
		if g.InDegree(id) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Leaves returns nodes without outgoing edges.
func (g *Graph[K, V]) Leaves() []K {
	var out []K
	for _, id := range g.Nodes() {
		if g.OutDegree(id) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Group returns the members of group name in ascending order.
func (g *Graph[K, V]) Group(name string) ([]K, bool) {
	set, ok := g.groups[name]
	if !ok {
		return nil, false
	}
	return sortedKeys(set), true
}

// Groups returns all group names in ascending order.
func (g *Graph[K, V]) Groups() []string {
	names := make([]string, 0, len(g.groups))
	for name := range g.groups {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// RequireNodes returns *MissingNodesError naming every id not in the graph.
func (g *Graph[K, V]) RequireNodes(ids ...K) error {
	var missing []K
	for _, id := range ids {
		if !g.HasNode(id) {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return &MissingNodesError{IDs: idStrings(slices.Compact(missing))}
}

func sortedKeys[K cmp.Ordered](set map[K]struct{}) []K {
	out := make([]K, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
