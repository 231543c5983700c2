package execution

import (
	"context"

	"flowtrader/internal/gateway"
)

// Trader 抽象终端节点的下单与平仓能力，方便切换真实或模拟实现。
type Trader interface {
	Place(ctx context.Context, gw gateway.Gateway, req gateway.OrderRequest, live bool) (Outcome, error)
	Close(ctx context.Context, gw gateway.Gateway, target CloseTarget, live bool) (Outcome, error)
}

var _ Trader = (*Executor)(nil)
