package graph

import (
	"cmp"
	"container/heap"
	"slices"
)

// WeightFunc returns the weight of an edge. A nil WeightFunc weighs every edge 1.
type WeightFunc[K cmp.Ordered] func(e Edge[K]) float64

// Path is an ordered node sequence with its accumulated weight.
type Path[K cmp.Ordered] struct {
	Nodes  []K
	Weight float64
}

// TopologicalSort orders nodes so that every edge's source precedes its
// target (Kahn's algorithm, ties broken by ascending id). A graph containing a
// cycle yields *CycleDetectedError and no order.
func (g *Graph[K, V]) TopologicalSort() ([]K, error) {
	indeg := make(map[K]int, len(g.nodes))
	for id := range g.nodes {
		indeg[id] = len(g.reverse[id])
	}
	var ready []K
	for _, id := range g.Nodes() {
		if indeg[id] == 0 {
			ready = append(ready, id)
		}
	}
	order := make([]K, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		added := false
		for _, e := range g.edges[id] {
			indeg[e.To]--
			if indeg[e.To] == 0 {
				ready = append(ready, e.To)
				added = true
			}
		}
		if added {
			slices.Sort(ready)
		}
	}
	if len(order) != len(g.nodes) {
		cycle, _ := g.DetectCycle()
		return nil, &CycleDetectedError{Path: idStrings(cycle)}
	}
	return order, nil
}

// MustTopologicalSort is TopologicalSort that panics on a cycle.
func (g *Graph[K, V]) MustTopologicalSort() []K {
	order, err := g.TopologicalSort()
	if err != nil {
		panic(err)
	}
	return order
}

// DetectCycle returns the first cycle found by depth-first search, closed on
// its starting node (a self-loop on n is [n n]).
func (g *Graph[K, V]) DetectCycle() ([]K, bool) {
	const (
		unvisited = iota
		onStack
		done
	)
	mark := make(map[K]int, len(g.nodes))
	var stack []K
	var cycle []K

	var visit func(id K) bool
	visit = func(id K) bool {
		mark[id] = onStack
		stack = append(stack, id)
		for _, e := range g.edges[id] {
			switch mark[e.To] {
			case onStack:
				start := slices.Index(stack, e.To)
				cycle = append(slices.Clone(stack[start:]), e.To)
				return true
			case unvisited:
				if visit(e.To) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		mark[id] = done
		return false
	}

	for _, id := range g.Nodes() {
		if mark[id] == unvisited && visit(id) {
			return cycle, true
		}
	}
	return nil, false
}

// Validate returns *CycleDetectedError when the graph is not acyclic.
func (g *Graph[K, V]) Validate() error {
	if cycle, ok := g.DetectCycle(); ok {
		return &CycleDetectedError{Path: idStrings(cycle)}
	}
	return nil
}

// ShortestPath returns the path from -> to with the fewest hops (BFS).
func (g *Graph[K, V]) ShortestPath(from, to K) ([]K, error) {
	if err := g.RequireNodes(from, to); err != nil {
		return nil, err
	}
	if from == to {
		return []K{from}, nil
	}
	prev := map[K]K{}
	seen := map[K]bool{from: true}
	queue := []K{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.edges[id] {
			if seen[e.To] {
				continue
			}
			seen[e.To] = true
			prev[e.To] = id
			if e.To == to {
				return walkBack(prev, from, to), nil
			}
			queue = append(queue, e.To)
		}
	}
	return nil, &NoPathError{From: idString(from), To: idString(to)}
}

// MustShortestPath is ShortestPath that panics on error.
func (g *Graph[K, V]) MustShortestPath(from, to K) []K {
	p, err := g.ShortestPath(from, to)
	if err != nil {
		panic(err)
	}
	return p
}

// Distance returns the hop count of the shortest path from -> to.
func (g *Graph[K, V]) Distance(from, to K) (int, error) {
	p, err := g.ShortestPath(from, to)
	if err != nil {
		return 0, err
	}
	return len(p) - 1, nil
}

// AllPaths enumerates every simple path from -> to. The number of paths can
// grow exponentially with graph size; prefer ShortestPath on large graphs.
func (g *Graph[K, V]) AllPaths(from, to K) [][]K {
	if !g.HasNode(from) || !g.HasNode(to) {
		return nil
	}
	var out [][]K
	onPath := map[K]bool{}
	var path []K
	var walk func(id K)
	walk = func(id K) {
		path = append(path, id)
		onPath[id] = true
		if id == to {
			out = append(out, slices.Clone(path))
		} else {
			for _, e := range g.edges[id] {
				if !onPath[e.To] {
					walk(e.To)
				}
			}
		}
		onPath[id] = false
		path = path[:len(path)-1]
	}
	walk(from)
	return out
}

// CriticalPath returns the heaviest path in the DAG, computed by dynamic
// programming over the topological order.
func (g *Graph[K, V]) CriticalPath(weight WeightFunc[K]) (Path[K], error) {
	order, err := g.TopologicalSort()
	if err != nil {
		return Path[K]{}, err
	}
	if len(order) == 0 {
		return Path[K]{}, nil
	}
	weight = orUnit(weight)
	dist := make(map[K]float64, len(order))
	prev := make(map[K]K, len(order))
	for _, id := range order {
		for _, e := range g.edges[id] {
			if d := dist[id] + weight(e); d > dist[e.To] {
				dist[e.To] = d
				prev[e.To] = id
			}
		}
	}
	end := order[0]
	for _, id := range order {
		if dist[id] > dist[end] {
			end = id
		}
	}
	nodes := []K{end}
	for cur := end; ; {
		p, ok := prev[cur]
		if !ok {
			break
		}
		nodes = append(nodes, p)
		cur = p
	}
	slices.Reverse(nodes)
	return Path[K]{Nodes: nodes, Weight: dist[end]}, nil
}

// ShortestWeightedPath runs Dijkstra from -> to. Edge weights must be non-negative.
func (g *Graph[K, V]) ShortestWeightedPath(from, to K, weight WeightFunc[K]) (Path[K], error) {
	if err := g.RequireNodes(from, to); err != nil {
		return Path[K]{}, err
	}
	weight = orUnit(weight)
	dist := map[K]float64{from: 0}
	prev := map[K]K{}
	settled := map[K]bool{}
	pq := &queue[K]{{id: from}}
	for pq.Len() > 0 {
		item := heap.Pop(pq).(entry[K])
		if settled[item.id] {
			continue
		}
		settled[item.id] = true
		if item.id == to {
			return Path[K]{Nodes: walkBack(prev, from, to), Weight: item.dist}, nil
		}
		for _, e := range g.edges[item.id] {
			d := item.dist + weight(e)
			if old, ok := dist[e.To]; !ok || d < old {
				dist[e.To] = d
				prev[e.To] = item.id
				heap.Push(pq, entry[K]{id: e.To, dist: d})
			}
		}
	}
	return Path[K]{}, &NoPathError{From: idString(from), To: idString(to)}
}

// Descendants returns every node reachable from id, excluding id itself.
func (g *Graph[K, V]) Descendants(id K) []K {
	return g.reach(id, func(n K) []K { return g.Successors(n) })
}

// Ancestors returns every node that can reach id, excluding id itself.
func (g *Graph[K, V]) Ancestors(id K) []K {
	return g.reach(id, g.Predecessors)
}

func (g *Graph[K, V]) reach(id K, next func(K) []K) []K {
	seen := map[K]struct{}{}
	stack := []K{id}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, m := range next(n) {
			if _, ok := seen[m]; ok || m == id {
				continue
			}
			seen[m] = struct{}{}
			stack = append(stack, m)
		}
	}
	return sortedKeys(seen)
}

func walkBack[K cmp.Ordered](prev map[K]K, from, to K) []K {
	path := []K{to}
	for cur := to; cur != from; {
		cur = prev[cur]
		path = append(path, cur)
	}
	slices.Reverse(path)
	return path
}

func orUnit[K cmp.Ordered](w WeightFunc[K]) WeightFunc[K] {
	if w != nil {
		return w
	}
	return func(Edge[K]) float64 { return 1 }
}

type entry[K cmp.Ordered] struct {
	id   K
	dist float64
}

type queue[K cmp.Ordered] []entry[K]

func (q queue[K]) Len() int { return len(q) }
func (q queue[K]) Less(i, j int) bool {
	if q[i].dist != q[j].dist {
		return q[i].dist < q[j].dist
	}
	return q[i].id < q[j].id
}
func (q queue[K]) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *queue[K]) Push(x any)   { *q = append(*q, x.(entry[K])) }
func (q *queue[K]) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}
