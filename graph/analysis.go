package graph

import "slices"

// TransitiveReduction returns a graph without redundant edges: an edge a -> c
// is dropped when another path a -> ... -> c of two or more hops exists.
// Nodes, node data, groups and the data of kept edges are preserved.
func (g *Graph[K, V]) TransitiveReduction() (*Graph[K, V], error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	reach := make(map[K]map[K]struct{}, len(g.nodes))
	for id := range g.nodes {
		set := map[K]struct{}{}
		for _, d := range g.Descendants(id) {
			set[d] = struct{}{}
		}
		reach[id] = set
	}
	out := g
	for _, e := range g.Edges() {
		for _, mid := range g.Successors(e.From) {
			if mid == e.To {
				continue
			}
			if _, ok := reach[mid][e.To]; ok {
				out = out.RemoveEdge(e.From, e.To)
				break
			}
		}
	}
	return out, nil
}

// IsForest reports whether the graph is acyclic and no node has more than one
// parent.
func (g *Graph[K, V]) IsForest() bool {
	for id := range g.nodes {
		if g.InDegree(id) > 1 {
			return false
		}
	}
	_, cyclic := g.DetectCycle()
	return !cyclic
}

// IsTree reports whether the graph is a forest with exactly one root.
func (g *Graph[K, V]) IsTree() bool {
	return g.IsForest() && len(g.Roots()) == 1
}

// ConnectedComponents returns the weakly connected components, each sorted,
// ordered by their smallest id.
func (g *Graph[K, V]) ConnectedComponents() [][]K {
	seen := make(map[K]bool, len(g.nodes))
	var out [][]K
	for _, id := range g.Nodes() {
		if seen[id] {
			continue
		}
		var comp []K
		stack := []K{id}
		seen[id] = true
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			comp = append(comp, n)
			next := append(g.Successors(n), g.Predecessors(n)...)
			for _, m := range next {
				if !seen[m] {
					seen[m] = true
					stack = append(stack, m)
				}
			}
		}
		slices.Sort(comp)
		out = append(out, comp)
	}
	return out
}
