package app

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"flowtrader/internal/engine"
	"flowtrader/internal/execution"
	"flowtrader/internal/gateway"
	"flowtrader/internal/graph"
	"flowtrader/internal/monitor"
	"flowtrader/internal/node"
	"flowtrader/internal/store"
)

// GraphDocument 为持久化图快照的文档键。
const GraphDocument = "graph"

// workspace 持有唯一的可编辑图，负责结构修改后的持久化与单次执行。
type workspace struct {
	graph  *graph.Graph
	engine *engine.Engine
	gw     gateway.Gateway
	orders execution.Trader
	docs   store.DocumentStore
	events *monitor.Service
	logger *zap.Logger

	live      atomic.Bool
	persistMu sync.Mutex
}

func newWorkspace(gw gateway.Gateway, orders execution.Trader, docs store.DocumentStore, events *monitor.Service, live bool, logger *zap.Logger) *workspace {
	w := &workspace{
		graph:  graph.New(),
		engine: engine.New(logger.Named("engine")),
		gw:     gw,
		orders: orders,
		docs:   docs,
		events: events,
		logger: logger,
	}
	w.live.Store(live)
	return w
}

func (w *workspace) Graph() *graph.Graph { return w.graph }

func (w *workspace) Live() bool { return w.live.Load() }

func (w *workspace) SetLive(v bool) {
	if w.live.Swap(v) != v {
		w.logger.Warn("实盘开关已切换", zap.Bool("live", v))
	}
}

// Import 校验全部节点后整体替换当前图。
func (w *workspace) Import(ctx context.Context, g *graph.Graph) error {
	if err := node.ValidateGraph(g); err != nil {
		return fmt.Errorf("app: 导入图失败: %w", err)
	}
	w.graph.Replace(g)
	w.logger.Info("已导入图",
		zap.Int("nodes", g.Len()),
		zap.Int("connections", len(g.Connections())),
	)
	w.persist(ctx)
	return nil
}

func (w *workspace) AddNode(ctx context.Context, id graph.NodeID, tag string, params map[string]interface{}) (graph.Node, error) {
	n, err := node.NewNode(id, tag, params)
	if err != nil {
		return graph.Node{}, err
	}
	if err := w.graph.AddNode(n); err != nil {
		return graph.Node{}, err
	}
	w.persist(ctx)
	stored, _ := w.graph.Node(id)
	return stored, nil
}

func (w *workspace) RemoveNode(ctx context.Context, id graph.NodeID) bool {
	if !w.graph.RemoveNode(id) {
		return false
	}
	w.persist(ctx)
	return true
}

// SetParams 先按合并后的参数校验，通过后再逐项写入。
func (w *workspace) SetParams(ctx context.Context, id graph.NodeID, params map[string]interface{}) error {
	n, ok := w.graph.Node(id)
	if !ok {
		return fmt.Errorf("%w: 节点 %s 不存在", graph.ErrInvalidReference, id)
	}
	merged := make(map[string]interface{}, len(n.Params)+len(params))
	for k, v := range n.Params {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	if _, err := node.NewNode(id, n.Tag, merged); err != nil {
		return err
	}

	for k, v := range params {
		if err := w.graph.SetParam(id, k, v); err != nil {
			return err
		}
	}
	w.persist(ctx)
	return nil
}

func (w *workspace) Connect(ctx context.Context, c graph.Connection) error {
	if err := w.graph.Connect(c.From, c.To); err != nil {
		return err
	}
	w.persist(ctx)
	return nil
}

func (w *workspace) Disconnect(ctx context.Context, c graph.Connection) bool {
	if !w.graph.RemoveConnection(c) {
		return false
	}
	w.persist(ctx)
	return true
}

// Execute 从触发节点执行一次图并记录报告。
func (w *workspace) Execute(ctx context.Context, start graph.NodeID) (*engine.Report, error) {
	report, err := w.engine.Execute(ctx, w.graph, start, engine.ExecContext{
		Live:    w.Live(),
		Gateway: w.gw,
		Orders:  w.orders,
	})
	if report != nil || err != nil {
		w.events.RecordReport(context.WithoutCancel(ctx), report, err)
	}
	return report, err
}

// load 优先读取已保存的图，其次读取配置中的 YAML 文件。
func (w *workspace) load(ctx context.Context, path string) error {
	var snap graph.Snapshot
	found, err := w.docs.Load(ctx, GraphDocument, &snap)
	if err != nil {
		return fmt.Errorf("app: 读取图快照失败: %w", err)
	}

	switch {
	case found:
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("app: 读取图文件失败: %w", err)
		}
		if snap, err = graph.ParseYAML(data); err != nil {
			return err
		}
		snap = node.CompleteSnapshot(snap)
	default:
		return nil
	}

	g, err := graph.FromSnapshot(snap)
	if err != nil {
		return err
	}
	if err := node.ValidateGraph(g); err != nil {
		return fmt.Errorf("app: 图校验失败: %w", err)
	}

	w.graph.Replace(g)
	w.logger.Info("已加载图", zap.Bool("from_store", found), zap.Int("nodes", g.Len()))
	return nil
}

// persist 保存图快照，失败只记日志，内存中的图为准。
func (w *workspace) persist(ctx context.Context) {
	w.persistMu.Lock()
	defer w.persistMu.Unlock()

	if err := w.docs.Save(context.WithoutCancel(ctx), GraphDocument, w.graph.Snapshot()); err != nil {
		w.logger.Warn("保存图快照失败", zap.Error(err))
	}
}
