package node

import (
	"context"
	"errors"
	"strings"

	"flowtrader/internal/execution"
	"flowtrader/internal/gateway"
	"flowtrader/internal/graph"
)

var errNoTrader = errors.New("node: 未配置下单执行器")

type placeParams struct {
	Symbol     string  `mapstructure:"symbol"`
	Side       string  `mapstructure:"side"`
	Volume     float64 `mapstructure:"volume"`
	StopLoss   float64 `mapstructure:"stop_loss"`
	TakeProfit float64 `mapstructure:"take_profit"`
	Comment    string  `mapstructure:"comment"`
}

func (p placeParams) validate() error {
	if strings.TrimSpace(p.Symbol) == "" {
		return errors.New("node: order.place 缺少 symbol")
	}
	if p.Volume <= 0 {
		return errors.New("node: order.place volume 必须大于0")
	}
	if p.Side != "" {
		if _, err := gateway.ParseSide(p.Side); err != nil {
			return err
		}
	}
	return nil
}

// placeOrder 为终端节点：有信号输入时按信号方向下单，否则使用参数 side。
type placeOrder struct{}

func (placeOrder) Tag() string { return "order.place" }
func (placeOrder) Inputs() []graph.Socket {
	return []graph.Socket{socket("trigger", graph.TypeTrigger), socket("signal", graph.TypeSignal)}
}
func (placeOrder) Outputs() []graph.Socket { return nil }

func (placeOrder) Validate(params map[string]interface{}) error {
	var p placeParams
	if err := decodeParams(params, &p); err != nil {
		return err
	}
	return p.validate()
}

func (placeOrder) Execute(ctx context.Context, call Call) (Result, error) {
	var p placeParams
	if err := decodeParams(call.Node.Params, &p); err != nil {
		return Result{}, err
	}
	if err := p.validate(); err != nil {
		return Result{}, err
	}

	raw := p.Side
	if connected(call, 1) {
		sig, err := inputString(call, 1)
		if err != nil {
			return Result{}, err
		}
		raw = sig
	}
	if strings.TrimSpace(raw) == "" {
		return Result{Message: "无交易信号"}, nil
	}
	side, err := gateway.ParseSide(raw)
	if err != nil {
		return Result{}, err
	}

	if call.Env.Orders == nil {
		return Result{}, errNoTrader
	}
	outcome, err := call.Env.Orders.Place(ctx, call.Env.Gateway, gateway.OrderRequest{
		Symbol:     p.Symbol,
		Side:       side,
		Volume:     p.Volume,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
		Comment:    p.Comment,
	}, call.Env.Live)
	if err != nil {
		return Result{}, err
	}
	return Result{Message: outcome.Message}, nil
}

type closeParams struct {
	Ticket int64  `mapstructure:"ticket"`
	Symbol string `mapstructure:"symbol"`
}

func (p closeParams) validate() error {
	if p.Ticket <= 0 && strings.TrimSpace(p.Symbol) == "" {
		return errors.New("node: order.close 需要 ticket 或 symbol")
	}
	return nil
}

// closePosition 为终端节点，按 ticket 或品种平仓。
type closePosition struct{}

func (closePosition) Tag() string { return "order.close" }
func (closePosition) Inputs() []graph.Socket {
	return []graph.Socket{socket("trigger", graph.TypeTrigger)}
}
func (closePosition) Outputs() []graph.Socket { return nil }

func (closePosition) Validate(params map[string]interface{}) error {
	var p closeParams
	if err := decodeParams(params, &p); err != nil {
		return err
	}
	return p.validate()
}

func (closePosition) Execute(ctx context.Context, call Call) (Result, error) {
	var p closeParams
	if err := decodeParams(call.Node.Params, &p); err != nil {
		return Result{}, err
	}
	if err := p.validate(); err != nil {
		return Result{}, err
	}
	if call.Env.Orders == nil {
		return Result{}, errNoTrader
	}

	outcome, err := call.Env.Orders.Close(ctx, call.Env.Gateway, execution.CloseTarget{
		Ticket: gateway.Ticket(p.Ticket),
		Symbol: p.Symbol,
	}, call.Env.Live)
	if err != nil {
		return Result{}, err
	}
	return Result{Message: outcome.Message}, nil
}
