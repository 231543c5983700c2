package node

import (
	"context"
	"fmt"
	"math"
	"strings"

	"flowtrader/internal/gateway"
	"flowtrader/internal/graph"
)

const compareEpsilon = 1e-9

type compareParams struct {
	Op string   `mapstructure:"op"`
	B  *float64 `mapstructure:"b"`
}

func (p *compareParams) validate() error {
	switch p.Op {
	case ">", ">=", "<", "<=", "==", "!=":
		return nil
	case "":
		p.Op = ">"
		return nil
	default:
		return fmt.Errorf("node: logic.compare 不支持的运算符 %q", p.Op)
	}
}

// compare 比较两个数值。输入 b 未连接时使用参数 b。结果同时作为输出触发。
type compare struct{}

func (compare) Tag() string { return "logic.compare" }
func (compare) Inputs() []graph.Socket {
	return []graph.Socket{
		socket("trigger", graph.TypeTrigger),
		socket("a", graph.TypeNumber),
		socket("b", graph.TypeNumber),
	}
}
func (compare) Outputs() []graph.Socket {
	return []graph.Socket{socket("trigger", graph.TypeTrigger), socket("result", graph.TypeBoolean)}
}

func (compare) Validate(params map[string]interface{}) error {
	var p compareParams
	if err := decodeParams(params, &p); err != nil {
		return err
	}
	return p.validate()
}

func (compare) Execute(_ context.Context, call Call) (Result, error) {
	var p compareParams
	if err := decodeParams(call.Node.Params, &p); err != nil {
		return Result{}, err
	}
	if err := p.validate(); err != nil {
		return Result{}, err
	}

	a, err := inputFloat(call, 1)
	if err != nil {
		return Result{}, err
	}
	b, err := inputFloat(call, 2)
	if err != nil {
		return Result{}, err
	}
	if !connected(call, 2) && p.B != nil {
		b = *p.B
	}

	var ok bool
	switch p.Op {
	case ">":
		ok = a > b
	case ">=":
		ok = a >= b
	case "<":
		ok = a < b
	case "<=":
		ok = a <= b
	case "==":
		ok = math.Abs(a-b) < compareEpsilon
	case "!=":
		ok = math.Abs(a-b) >= compareEpsilon
	}
	return Result{
		Outputs: []interface{}{ok, ok},
		Message: fmt.Sprintf("%g %s %g = %t", a, p.Op, b, ok),
	}, nil
}

type gateParams struct {
	Op string `mapstructure:"op"`
}

func (p *gateParams) validate() error {
	p.Op = strings.ToLower(strings.TrimSpace(p.Op))
	switch p.Op {
	case "and", "or", "not", "xor":
		return nil
	case "":
		p.Op = "and"
		return nil
	default:
		return fmt.Errorf("node: logic.gate 不支持的运算 %q", p.Op)
	}
}

// gate 组合布尔值，not 只看输入 a。
type gate struct{}

func (gate) Tag() string { return "logic.gate" }
func (gate) Inputs() []graph.Socket {
	return []graph.Socket{
		socket("trigger", graph.TypeTrigger),
		socket("a", graph.TypeBoolean),
		socket("b", graph.TypeBoolean),
	}
}
func (gate) Outputs() []graph.Socket {
	return []graph.Socket{socket("trigger", graph.TypeTrigger), socket("result", graph.TypeBoolean)}
}

func (gate) Validate(params map[string]interface{}) error {
	var p gateParams
	if err := decodeParams(params, &p); err != nil {
		return err
	}
	return p.validate()
}

func (gate) Execute(_ context.Context, call Call) (Result, error) {
	var p gateParams
	if err := decodeParams(call.Node.Params, &p); err != nil {
		return Result{}, err
	}
	if err := p.validate(); err != nil {
		return Result{}, err
	}

	a, err := inputBool(call, 1)
	if err != nil {
		return Result{}, err
	}
	b, err := inputBool(call, 2)
	if err != nil {
		return Result{}, err
	}

	var ok bool
	switch p.Op {
	case "and":
		ok = a && b
	case "or":
		ok = a || b
	case "xor":
		ok = a != b
	case "not":
		ok = !a
	}
	return Result{Outputs: []interface{}{ok, ok}}, nil
}

// signal 把买卖条件合成为方向信号，两者同时成立视为无信号。
type signal struct{}

func (signal) Tag() string { return "logic.signal" }
func (signal) Inputs() []graph.Socket {
	return []graph.Socket{
		socket("trigger", graph.TypeTrigger),
		socket("buy", graph.TypeBoolean),
		socket("sell", graph.TypeBoolean),
	}
}
func (signal) Outputs() []graph.Socket {
	return []graph.Socket{socket("trigger", graph.TypeTrigger), socket("signal", graph.TypeSignal)}
}
func (signal) Validate(map[string]interface{}) error { return nil }

func (signal) Execute(_ context.Context, call Call) (Result, error) {
	buy, err := inputBool(call, 1)
	if err != nil {
		return Result{}, err
	}
	sell, err := inputBool(call, 2)
	if err != nil {
		return Result{}, err
	}

	var out string
	switch {
	case buy && !sell:
		out = string(gateway.SideBuy)
	case sell && !buy:
		out = string(gateway.SideSell)
	}
	return Result{Outputs: []interface{}{out != "", out}}, nil
}
