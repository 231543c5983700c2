package engine

import "flowtrader/internal/graph"

// walk 在可达子图上做 Kahn 拓扑排序。只剩环上节点时，取最早发现的一个继续。
type walk struct {
	g       *graph.Graph
	order   []graph.NodeID
	index   map[graph.NodeID]int
	pending map[graph.NodeID]int
	visited map[graph.NodeID]bool
}

func newWalk(g *graph.Graph, start graph.NodeID) *walk {
	w := &walk{
		g:       g,
		index:   make(map[graph.NodeID]int),
		pending: make(map[graph.NodeID]int),
		visited: make(map[graph.NodeID]bool),
	}

	queue := []graph.NodeID{start}
	w.index[start] = 0
	w.order = append(w.order, start)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, c := range g.Outgoing(id) {
			if _, seen := w.index[c.To.Node]; seen {
				continue
			}
			w.index[c.To.Node] = len(w.order)
			w.order = append(w.order, c.To.Node)
			queue = append(queue, c.To.Node)
		}
	}

	for _, id := range w.order {
		for _, c := range g.Outgoing(id) {
			w.pending[c.To.Node]++
		}
	}
	// 起点作为入口，不等待回流到它的连线。
	w.pending[start] = 0
	return w
}

// next 返回下一个要执行的节点。
func (w *walk) next() (graph.NodeID, bool) {
	var (
		fallback graph.NodeID
		found    bool
	)
	for _, id := range w.order {
		if w.visited[id] {
			continue
		}
		if w.pending[id] <= 0 {
			return id, true
		}
		if !found {
			fallback, found = id, true
		}
	}
	return fallback, found
}

func (w *walk) done(id graph.NodeID) {
	w.visited[id] = true
	for _, c := range w.g.Outgoing(id) {
		if !w.visited[c.To.Node] {
			w.pending[c.To.Node]--
		}
	}
}
