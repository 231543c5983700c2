package node

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"flowtrader/internal/gateway"
	"flowtrader/internal/graph"
	"flowtrader/internal/indicator"
)

type marketParams struct {
	Symbol string `mapstructure:"symbol"`
	Field  string `mapstructure:"field"`
}

func (p *marketParams) validate() error {
	if strings.TrimSpace(p.Symbol) == "" {
		return errors.New("node: data.market 缺少 symbol")
	}
	p.Field = strings.ToLower(strings.TrimSpace(p.Field))
	switch p.Field {
	case "":
		p.Field = "mid"
	case "bid", "ask", "mid":
	default:
		return fmt.Errorf("node: data.market 不支持的 field %q", p.Field)
	}
	return nil
}

// marketData 读取最新报价。
type marketData struct{}

func (marketData) Tag() string { return "data.market" }
func (marketData) Inputs() []graph.Socket {
	return []graph.Socket{socket("trigger", graph.TypeTrigger)}
}
func (marketData) Outputs() []graph.Socket {
	return []graph.Socket{socket("trigger", graph.TypeTrigger), socket("price", graph.TypePrice)}
}

func (marketData) Validate(params map[string]interface{}) error {
	var p marketParams
	if err := decodeParams(params, &p); err != nil {
		return err
	}
	return p.validate()
}

func (marketData) Execute(ctx context.Context, call Call) (Result, error) {
	var p marketParams
	if err := decodeParams(call.Node.Params, &p); err != nil {
		return Result{}, err
	}
	if err := p.validate(); err != nil {
		return Result{}, err
	}
	if call.Env.Gateway == nil {
		return Result{}, gateway.ErrUnavailable
	}

	quote, err := call.Env.Gateway.GetMarketData(ctx, p.Symbol)
	if err != nil {
		return Result{}, err
	}

	price := quote.Mid()
	switch p.Field {
	case "bid":
		price = quote.Bid
	case "ask":
		price = quote.Ask
	}
	return Result{
		Outputs: []interface{}{true, price},
		Message: fmt.Sprintf("%s %s=%g", p.Symbol, p.Field, price),
	}, nil
}

type constantParams struct {
	Value float64 `mapstructure:"value"`
}

// constant 输出固定数值。
type constant struct{}

func (constant) Tag() string            { return "data.constant" }
func (constant) Inputs() []graph.Socket { return []graph.Socket{socket("trigger", graph.TypeTrigger)} }
func (constant) Outputs() []graph.Socket {
	return []graph.Socket{socket("trigger", graph.TypeTrigger), socket("value", graph.TypeNumber)}
}

func (constant) Validate(params map[string]interface{}) error {
	var p constantParams
	return decodeParams(params, &p)
}

func (constant) Execute(_ context.Context, call Call) (Result, error) {
	var p constantParams
	if err := decodeParams(call.Node.Params, &p); err != nil {
		return Result{}, err
	}
	return Result{Outputs: []interface{}{true, p.Value}}, nil
}

type indicatorParams struct {
	Symbol    string `mapstructure:"symbol"`
	Timeframe string `mapstructure:"timeframe"`
	Kind      string `mapstructure:"kind"`
	Period    int    `mapstructure:"period"`
	Bars      int    `mapstructure:"bars"`
}

func (p *indicatorParams) resolve() (indicator.Kind, error) {
	if strings.TrimSpace(p.Symbol) == "" {
		return "", errors.New("node: indicator 缺少 symbol")
	}
	if p.Timeframe == "" {
		p.Timeframe = "H1"
	}
	if p.Kind == "" {
		p.Kind = string(indicator.KindSMA)
	}
	kind, err := indicator.ParseKind(p.Kind)
	if err != nil {
		return "", err
	}
	if p.Period == 0 {
		p.Period = 14
	}
	if p.Period < 0 {
		return "", fmt.Errorf("node: indicator 周期无效 %d", p.Period)
	}
	need := indicator.RequiredBars(kind, p.Period)
	if p.Bars < need {
		p.Bars = need * 3
	}
	return kind, nil
}

// indicatorNode 基于历史K线计算技术指标。
type indicatorNode struct{}

func (indicatorNode) Tag() string { return "indicator" }
func (indicatorNode) Inputs() []graph.Socket {
	return []graph.Socket{socket("trigger", graph.TypeTrigger)}
}
func (indicatorNode) Outputs() []graph.Socket {
	return []graph.Socket{socket("trigger", graph.TypeTrigger), socket("value", graph.TypeIndicator)}
}

func (indicatorNode) Validate(params map[string]interface{}) error {
	var p indicatorParams
	if err := decodeParams(params, &p); err != nil {
		return err
	}
	_, err := p.resolve()
	return err
}

func (indicatorNode) Execute(ctx context.Context, call Call) (Result, error) {
	var p indicatorParams
	if err := decodeParams(call.Node.Params, &p); err != nil {
		return Result{}, err
	}
	kind, err := p.resolve()
	if err != nil {
		return Result{}, err
	}
	if call.Env.Gateway == nil {
		return Result{}, gateway.ErrUnavailable
	}

	candles, err := call.Env.Gateway.GetHistoricalData(ctx, p.Symbol, p.Timeframe, p.Bars)
	if err != nil {
		return Result{}, err
	}

	calc := call.Env.Indicators
	if calc == nil {
		calc = indicator.NewCalculator()
	}
	scope := strings.ToUpper(p.Symbol) + ":" + strings.ToUpper(p.Timeframe)
	value, err := calc.Compute(scope, kind, p.Period, candles)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Outputs: []interface{}{true, value},
		Message: fmt.Sprintf("%s(%d) %s=%g", kind, p.Period, scope, value),
	}, nil
}
