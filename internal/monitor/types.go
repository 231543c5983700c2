package monitor

import (
	"time"

	"flowtrader/internal/engine"
	"flowtrader/internal/trailing"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventEngineRun     EventType = "engine_run"
	EventFlow          EventType = "flow"
	EventTrailingCycle EventType = "trailing_cycle"
	EventTrailingRule  EventType = "trailing_policy"
	EventError         EventType = "error"
)

// ParseEventType 解析查询参数中的事件类型，空串表示全部。
func ParseEventType(s string) (EventType, bool) {
	switch t := EventType(s); t {
	case "", EventEngineRun, EventFlow, EventTrailingCycle, EventTrailingRule, EventError:
		return t, true
	default:
		return "", false
	}
}

// Event 封装通用监控事件。
type Event struct {
	ID        int64       `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// EngineRunPayload 记录一次图执行。
type EngineRunPayload struct {
	Report *engine.Report `json:"report"`
	Failed int            `json:"failed"`
	Error  string         `json:"error,omitempty"`
}

// FlowPayload 记录流程的启停。
type FlowPayload struct {
	Action  string   `json:"action"`
	FlowID  int64    `json:"flow_id"`
	Cadence string   `json:"cadence,omitempty"`
	Nodes   []string `json:"nodes,omitempty"`
}

// TrailingCyclePayload 记录一轮移动止损。
type TrailingCyclePayload struct {
	Result trailing.CycleResult `json:"result"`
	Error  string               `json:"error,omitempty"`
}

// TrailingPolicyPayload 记录策略启用或停用。
type TrailingPolicyPayload struct {
	Action string           `json:"action"`
	Ticket int64            `json:"ticket"`
	Policy *trailing.Policy `json:"policy,omitempty"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
