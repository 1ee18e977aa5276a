package graph

import "cmp"

// EdgeRecord is the serializable form of an edge.
type EdgeRecord[K cmp.Ordered] struct {
	From K   `json:"from" yaml:"from"`
	To   K   `json:"to" yaml:"to"`
	Data any `json:"data,omitempty" yaml:"data,omitempty"`
}

// Map is the plain-data form of a Graph.
type Map[K cmp.Ordered, V any] struct {
	Nodes  map[K]V         `json:"nodes" yaml:"nodes"`
	Edges  []EdgeRecord[K] `json:"edges" yaml:"edges"`
	Groups map[string][]K  `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// ToMap exports the graph. FromMap(g.ToMap()) reproduces the same node, edge
// and group sets.
func (g *Graph[K, V]) ToMap() Map[K, V] {
	m := Map[K, V]{
		Nodes:  make(map[K]V, len(g.nodes)),
		Groups: make(map[string][]K, len(g.groups)),
	}
	for id, v := range g.nodes {
		m.Nodes[id] = v
	}
	for _, e := range g.Edges() {
		m.Edges = append(m.Edges, EdgeRecord[K]{From: e.From, To: e.To, Data: e.Data})
	}
	for _, name := range g.Groups() {
		members, _ := g.Group(name)
		m.Groups[name] = members
	}
	return m
}

// FromMap builds a graph from its exported form.
func FromMap[K cmp.Ordered, V any](m Map[K, V]) *Graph[K, V] {
	g := New[K, V]()
	for id, v := range m.Nodes {
		g.nodes[id] = v
	}
	for _, e := range m.Edges {
		g = g.AddEdge(e.From, e.To, e.Data)
	}
	for name, members := range m.Groups {
		g = g.AddToGroup(name, members...)
	}
	return g
}
