package builder

import "container/heap"

// intMinHeap gives a deterministic ready-queue ordering for Kahn's
// algorithm, so cycle detection and topological ordering never depend on
// map iteration order.
type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (g *TaskGraph) validateAcyclic() error {
	order := g.topoOrder()
	if len(order) == len(g.tasks) {
		return nil
	}
	return cycleBuildError(g.findCycleDeterministic())
}

// topoOrder returns a deterministic topological ordering of task ids.
func (g *TaskGraph) topoOrder() []int {
	indeg := make(map[int]int, len(g.tasks))
	for _, t := range g.tasks {
		indeg[t.ID] = len(g.incoming[t.ID])
	}

	ready := &intMinHeap{}
	heap.Init(ready)
	for _, t := range g.tasks {
		if indeg[t.ID] == 0 {
			heap.Push(ready, t.ID)
		}
	}

	out := make([]int, 0, len(g.tasks))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(int)
		out = append(out, id)
		for _, m := range g.outgoing[id] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// findCycleDeterministic performs a deterministic DFS (by ascending id) to
// extract one witness cycle path.
func (g *TaskGraph) findCycleDeterministic() []int {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[int]int, len(g.tasks))
	parent := make(map[int]int, len(g.tasks))
	for _, t := range g.tasks {
		parent[t.ID] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.outgoing[u] {
			if color[v] == white {
				parent[v] = u
				if dfs(v) {
					return true
				}
				continue
			}
			if color[v] == gray {
				cycle = append(cycle, v)
				cur := u
				for cur != -1 && cur != v {
					cycle = append(cycle, cur)
					cur = parent[cur]
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for _, t := range g.tasks {
		if color[t.ID] != white {
			continue
		}
		if dfs(t.ID) {
			break
		}
	}

	if len(cycle) == 0 {
		return nil
	}
	rev := make([]int, len(cycle))
	for i := range cycle {
		rev[i] = cycle[len(cycle)-1-i]
	}
	return rev
}
