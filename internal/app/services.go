package app

import (
	"context"

	"flowtrader/internal/alert"
	"flowtrader/internal/execution"
	"flowtrader/internal/gateway"
	"flowtrader/internal/graph"
	"flowtrader/internal/monitor"
	"flowtrader/internal/scheduler"
	"flowtrader/internal/trailing"
)

// flowService 在调度器之上记录流程启停事件。
type flowService struct {
	*scheduler.Scheduler
	events *monitor.Service
}

func (f flowService) StartFlow(triggers []graph.NodeID, cadence scheduler.Cadence) (scheduler.FlowID, error) {
	id, err := f.Scheduler.StartFlow(triggers, cadence)
	if err != nil {
		return 0, err
	}
	nodes := make([]string, 0, len(triggers))
	for _, t := range triggers {
		nodes = append(nodes, string(t))
	}
	f.events.RecordFlow(context.Background(), monitor.FlowPayload{
		Action:  "start",
		FlowID:  int64(id),
		Cadence: cadence.String(),
		Nodes:   nodes,
	})
	return id, nil
}

func (f flowService) StopFlow(id scheduler.FlowID) bool {
	if !f.Scheduler.StopFlow(id) {
		return false
	}
	f.events.RecordFlow(context.Background(), monitor.FlowPayload{Action: "stop", FlowID: int64(id)})
	return true
}

func (f flowService) StopAll() {
	f.Scheduler.StopAll()
	f.events.RecordFlow(context.Background(), monitor.FlowPayload{Action: "stop_all"})
}

// trailingService 在控制器之上记录策略变更事件。
type trailingService struct {
	*trailing.Controller
	events *monitor.Service
}

func (t trailingService) Enable(ctx context.Context, ticket gateway.Ticket, s trailing.Settings) (trailing.Policy, error) {
	p, err := t.Controller.Enable(ctx, ticket, s)
	if err != nil {
		return p, err
	}
	t.events.RecordPolicy(ctx, "enable", int64(ticket), &p)
	return p, nil
}

func (t trailingService) Disable(ctx context.Context, ticket gateway.Ticket) bool {
	if !t.Controller.Disable(ctx, ticket) {
		return false
	}
	t.events.RecordPolicy(ctx, "disable", int64(ticket), nil)
	return true
}

// alertingTrader 在委托成交后发送开仓提醒。
type alertingTrader struct {
	execution.Trader
	alerts *alert.Notifier
}

func (t alertingTrader) Place(ctx context.Context, gw gateway.Gateway, req gateway.OrderRequest, live bool) (execution.Outcome, error) {
	outcome, err := t.Trader.Place(ctx, gw, req, live)
	if err == nil && outcome.Submitted {
		t.alerts.PositionOpened(ctx, outcome.Request, outcome.Ticket, outcome.Price)
	}
	return outcome, err
}
