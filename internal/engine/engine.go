package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowtrader/internal/execution"
	"flowtrader/internal/gateway"
	"flowtrader/internal/graph"
	"flowtrader/internal/indicator"
	"flowtrader/internal/node"
)

// ErrInvalidStart 表示起始节点不存在或不是触发节点。
var ErrInvalidStart = errors.New("engine: invalid start node")

// ExecContext 为一次执行提供外部依赖。
type ExecContext struct {
	Live    bool
	Gateway gateway.Gateway
	Orders  execution.Trader
}

// Engine 从触发节点出发沿连线前向遍历，每个可达节点最多执行一次。
type Engine struct {
	logger     *zap.Logger
	indicators *indicator.Calculator
	now        func() time.Time
}

// New 创建执行引擎。
func New(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		logger:     logger,
		indicators: indicator.NewCalculator(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Execute 在图的快照上执行一次。节点失败只记录在报告中，不中断遍历。
func (e *Engine) Execute(ctx context.Context, g *graph.Graph, start graph.NodeID, ec ExecContext) (*Report, error) {
	snap := g.Clone()

	startNode, ok := snap.Node(start)
	if !ok {
		return nil, fmt.Errorf("%w: 节点 %s 不存在", ErrInvalidStart, start)
	}
	if !node.IsTrigger(startNode.Tag) {
		return nil, fmt.Errorf("%w: 节点 %s (%s) 不是触发节点", ErrInvalidStart, start, startNode.Tag)
	}

	report := &Report{
		ID:        uuid.NewString(),
		StartNode: start,
		Live:      ec.Live,
		StartedAt: e.now(),
	}

	env := node.Env{
		Live:       ec.Live,
		Gateway:    ec.Gateway,
		Orders:     ec.Orders,
		Indicators: e.indicators,
	}

	plan := newWalk(snap, start)
	outputs := make(map[graph.NodeID][]interface{}, len(plan.order))

	var walkErr error
	for {
		id, ok := plan.next()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			walkErr = err
			break
		}

		n, _ := snap.Node(id)
		entry := e.runNode(ctx, snap, n, outputs, env)
		if entry.Success {
			outputs[id] = entry.Outputs
		}
		report.Entries = append(report.Entries, entry)
		plan.done(id)
	}

	report.FinishedAt = e.now()

	failed := report.Failed()
	e.logger.Info("图执行完成",
		zap.String("report_id", report.ID),
		zap.String("start", string(start)),
		zap.Bool("live", ec.Live),
		zap.Int("nodes", len(report.Entries)),
		zap.Int("failed", len(failed)),
		zap.Duration("duration", report.Duration()),
	)

	return report, walkErr
}

func (e *Engine) runNode(ctx context.Context, g *graph.Graph, n graph.Node, outputs map[graph.NodeID][]interface{}, env node.Env) (entry Entry) {
	entry = Entry{NodeID: n.ID, Tag: n.Tag}

	call := node.Call{
		Node:      n,
		Inputs:    make([]interface{}, len(n.Inputs)),
		Connected: make([]bool, len(n.Inputs)),
		Env:       env,
	}
	for i, in := range n.Inputs {
		call.Inputs[i] = in.Type.Zero()
		conn, ok := g.Incoming(graph.Endpoint{Node: n.ID, Socket: i})
		if !ok {
			continue
		}
		call.Connected[i] = true
		if produced, ok := outputs[conn.From.Node]; ok && conn.From.Socket < len(produced) {
			call.Inputs[i] = produced[conn.From.Socket]
		}
	}

	defer func() {
		if r := recover(); r != nil {
			entry.Success = false
			entry.Outputs = nil
			entry.Message = fmt.Sprintf("节点异常: %v", r)
			e.logger.Error("节点执行异常", zap.String("node", string(n.ID)), zap.Any("panic", r))
		}
	}()

	res, err := node.Run(ctx, call)
	if err != nil {
		entry.Message = err.Error()
		e.logger.Warn("节点执行失败",
			zap.String("node", string(n.ID)),
			zap.String("tag", n.Tag),
			zap.Error(err),
		)
		return entry
	}

	entry.Success = true
	entry.Outputs = res.Outputs
	entry.Message = res.Message
	e.logger.Debug("节点执行成功",
		zap.String("node", string(n.ID)),
		zap.String("tag", n.Tag),
		zap.String("message", res.Message),
	)
	return entry
}
