package scheduler

import (
	"fmt"
	"time"

	"flowtrader/internal/graph"
	"flowtrader/internal/node"
)

// Cadence 描述流程的执行节奏，Interval 为0表示单次执行。
type Cadence struct {
	Interval time.Duration `json:"interval"`
}

// Once 立即执行一次后自动退出。
func Once() Cadence { return Cadence{} }

// Periodic 立即执行，之后每隔 d 执行一次直到停止。
func Periodic(d time.Duration) Cadence { return Cadence{Interval: d} }

// IsPeriodic 判断是否为周期执行。
func (c Cadence) IsPeriodic() bool { return c.Interval > 0 }

func (c Cadence) String() string {
	if !c.IsPeriodic() {
		return "单次"
	}
	return fmt.Sprintf("每 %s", c.Interval)
}

// CadenceFromNode 由 trigger.periodic 节点的 interval 参数推导节奏，其他触发节点为单次。
func CadenceFromNode(n graph.Node) (Cadence, error) {
	if n.Tag != "trigger.periodic" {
		return Once(), nil
	}
	d, err := node.Interval(n.Params)
	if err != nil {
		return Cadence{}, err
	}
	return Periodic(d), nil
}
