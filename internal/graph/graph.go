package graph

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrInvalidReference 表示引用了不存在的节点或插槽。
	ErrInvalidReference = errors.New("invalid graph reference")
	// ErrTypeIncompatible 表示连接两端类型不兼容。
	ErrTypeIncompatible = errors.New("socket types incompatible")
	// ErrSelfLoop 表示连接两端为同一节点。
	ErrSelfLoop = errors.New("self loop not allowed")
	// ErrSocketOccupied 表示目标输入插槽已有连接。
	ErrSocketOccupied = errors.New("input socket already connected")
	// ErrDuplicateNode 表示节点标识重复。
	ErrDuplicateNode = errors.New("duplicate node id")
)

// Graph 为节点与连接的内存模型，按节点标识索引。所有方法并发安全。
type Graph struct {
	mu    sync.RWMutex
	nodes map[NodeID]*Node
	order []NodeID
	conns []Connection
}

// New 创建空图。
func New() *Graph {
	return &Graph{nodes: make(map[NodeID]*Node)}
}

// AddNode 加入节点，插槽序号按切片下标重新编号。
func (g *Graph) AddNode(n Node) error {
	if n.ID == "" {
		return fmt.Errorf("%w: 节点标识为空", ErrInvalidReference)
	}
	if n.Tag == "" {
		return fmt.Errorf("%w: 节点 %s 缺少行为标签", ErrInvalidReference, n.ID)
	}
	for _, s := range append(append([]Socket(nil), n.Inputs...), n.Outputs...) {
		if !s.Type.Valid() {
			return fmt.Errorf("%w: 节点 %s 插槽类型 %q 未定义", ErrInvalidReference, n.ID, s.Type)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[n.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
	}

	stored := n.clone()
	for i := range stored.Inputs {
		stored.Inputs[i].Ordinal = i
		stored.Inputs[i].Dir = DirInput
	}
	for i := range stored.Outputs {
		stored.Outputs[i].Ordinal = i
		stored.Outputs[i].Dir = DirOutput
	}
	stored.Params = normalizeParams(stored.Params)

	g.nodes[n.ID] = stored
	g.order = append(g.order, n.ID)
	return nil
}

// RemoveNode 删除节点及其所有关联连接。节点不存在时返回 false。
func (g *Graph) RemoveNode(id NodeID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[id]; !ok {
		return false
	}
	delete(g.nodes, id)

	for i, nid := range g.order {
		if nid == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}

	kept := g.conns[:0]
	for _, c := range g.conns {
		if c.From.Node == id || c.To.Node == id {
			continue
		}
		kept = append(kept, c)
	}
	g.conns = kept
	return true
}

// Node 返回节点副本。
func (g *Graph) Node(id NodeID) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n.clone(), true
}

// Nodes 按加入顺序返回全部节点副本。
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, *g.nodes[id].clone())
	}
	return out
}

// Len 返回节点数量。
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Connect 建立连接。校验失败时图保持不变。
func (g *Graph) Connect(from, to Endpoint) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.checkConnection(from, to); err != nil {
		return err
	}
	g.conns = append(g.conns, Connection{From: from, To: to})
	return nil
}

func (g *Graph) checkConnection(from, to Endpoint) error {
	src, ok := g.nodes[from.Node]
	if !ok {
		return fmt.Errorf("%w: 源节点 %s 不存在", ErrInvalidReference, from.Node)
	}
	dst, ok := g.nodes[to.Node]
	if !ok {
		return fmt.Errorf("%w: 目标节点 %s 不存在", ErrInvalidReference, to.Node)
	}
	if from.Node == to.Node {
		return fmt.Errorf("%w: %s", ErrSelfLoop, from.Node)
	}
	out, ok := src.Output(from.Socket)
	if !ok {
		return fmt.Errorf("%w: 节点 %s 无输出插槽 %d", ErrInvalidReference, from.Node, from.Socket)
	}
	in, ok := dst.Input(to.Socket)
	if !ok {
		return fmt.Errorf("%w: 节点 %s 无输入插槽 %d", ErrInvalidReference, to.Node, to.Socket)
	}
	if !Compatible(out.Type, in.Type) {
		return fmt.Errorf("%w: %s -> %s", ErrTypeIncompatible, out.Type, in.Type)
	}
	for _, c := range g.conns {
		if c.To == to {
			return fmt.Errorf("%w: %s[%d]", ErrSocketOccupied, to.Node, to.Socket)
		}
	}
	return nil
}

// RemoveConnection 删除指定连接，不存在时返回 false。
func (g *Graph) RemoveConnection(c Connection) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, existing := range g.conns {
		if existing == c {
			g.conns = append(g.conns[:i], g.conns[i+1:]...)
			return true
		}
	}
	return false
}

// Connections 按创建顺序返回全部连接。
func (g *Graph) Connections() []Connection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Connection(nil), g.conns...)
}

// Incoming 返回连入某输入插槽的连接。
func (g *Graph) Incoming(to Endpoint) (Connection, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, c := range g.conns {
		if c.To == to {
			return c, true
		}
	}
	return Connection{}, false
}

// Outgoing 返回从节点任意输出插槽发出的连接。
func (g *Graph) Outgoing(id NodeID) []Connection {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Connection
	for _, c := range g.conns {
		if c.From.Node == id {
			out = append(out, c)
		}
	}
	return out
}

// SetSocketType 修改插槽类型，若会使已有连接失效则拒绝。
func (g *Graph) SetSocketType(id NodeID, dir Direction, ordinal int, t DataType) error {
	if !t.Valid() {
		return fmt.Errorf("%w: 类型 %q 未定义", ErrInvalidReference, t)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: 节点 %s 不存在", ErrInvalidReference, id)
	}

	var sockets []Socket
	switch dir {
	case DirInput:
		sockets = n.Inputs
	case DirOutput:
		sockets = n.Outputs
	default:
		return fmt.Errorf("%w: 插槽方向 %q 无效", ErrInvalidReference, dir)
	}
	if ordinal < 0 || ordinal >= len(sockets) {
		return fmt.Errorf("%w: 节点 %s 无 %s 插槽 %d", ErrInvalidReference, id, dir, ordinal)
	}

	ep := Endpoint{Node: id, Socket: ordinal}
	for _, c := range g.conns {
		switch {
		case dir == DirOutput && c.From == ep:
			peer := g.nodes[c.To.Node].Inputs[c.To.Socket]
			if !Compatible(t, peer.Type) {
				return fmt.Errorf("%w: %s -> %s", ErrTypeIncompatible, t, peer.Type)
			}
		case dir == DirInput && c.To == ep:
			peer := g.nodes[c.From.Node].Outputs[c.From.Socket]
			if !Compatible(peer.Type, t) {
				return fmt.Errorf("%w: %s -> %s", ErrTypeIncompatible, peer.Type, t)
			}
		}
	}

	sockets[ordinal].Type = t
	return nil
}

// SetParam 设置节点参数。
func (g *Graph) SetParam(id NodeID, key string, value interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: 节点 %s 不存在", ErrInvalidReference, id)
	}
	if n.Params == nil {
		n.Params = make(map[string]interface{})
	}
	n.Params[key] = normalizeValue(value)
	return nil
}

// Clone 返回结构上独立的副本，执行引擎在一次传播中使用它以免受并发编辑影响。
func (g *Graph) Clone() *Graph {
	g.mu.RLock()
	defer g.mu.RUnlock()

	c := &Graph{
		nodes: make(map[NodeID]*Node, len(g.nodes)),
		order: append([]NodeID(nil), g.order...),
		conns: append([]Connection(nil), g.conns...),
	}
	for id, n := range g.nodes {
		c.nodes[id] = n.clone()
	}
	return c
}

// Replace 以 src 的内容整体替换当前图，已持有该图指针的调用方随之可见。
func (g *Graph) Replace(src *Graph) {
	if src == g {
		return
	}
	c := src.Clone()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes, g.order, g.conns = c.nodes, c.order, c.conns
}

func normalizeParams(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = normalizeValue(v)
	}
	return out
}

// 数值统一为 float64，保证 JSON 与 YAML 快照往返后参数一致。
func normalizeValue(v interface{}) interface{} {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}
