package node

import (
	"context"

	"flowtrader/internal/graph"
)

type manualTrigger struct{}

func (manualTrigger) Tag() string            { return "trigger.manual" }
func (manualTrigger) Inputs() []graph.Socket { return nil }
func (manualTrigger) Outputs() []graph.Socket {
	return []graph.Socket{socket("trigger", graph.TypeTrigger)}
}
func (manualTrigger) Validate(map[string]interface{}) error { return nil }

func (manualTrigger) Execute(context.Context, Call) (Result, error) {
	return Result{Outputs: []interface{}{true}}, nil
}

// periodicTrigger 与手动触发相同，interval 参数供调度器决定节奏。
type periodicTrigger struct{}

func (periodicTrigger) Tag() string            { return "trigger.periodic" }
func (periodicTrigger) Inputs() []graph.Socket { return nil }
func (periodicTrigger) Outputs() []graph.Socket {
	return []graph.Socket{socket("trigger", graph.TypeTrigger)}
}

func (periodicTrigger) Validate(params map[string]interface{}) error {
	_, err := Interval(params)
	return err
}

func (periodicTrigger) Execute(context.Context, Call) (Result, error) {
	return Result{Outputs: []interface{}{true}}, nil
}
