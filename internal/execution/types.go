package execution

import (
	"errors"
	"time"

	"flowtrader/internal/gateway"
)

// ErrRiskRejected 表示委托被风控限制拒绝。
var ErrRiskRejected = errors.New("execution: risk rejected")

// CloseTarget 指定平仓目标：Ticket 优先，否则平掉 Symbol 的全部持仓。
type CloseTarget struct {
	Ticket gateway.Ticket
	Symbol string
}

// Outcome 为一次终端节点动作的执行摘要。
type Outcome struct {
	DryRun     bool
	Submitted  bool
	Request    gateway.OrderRequest
	Ticket     gateway.Ticket
	Price      float64
	Closed     []gateway.Ticket
	Message    string
	ExecutedAt time.Time
}
