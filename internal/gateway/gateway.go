package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnavailable 表示与交易终端之间没有可用连接。
	ErrUnavailable = errors.New("gateway unavailable")
	// ErrCallFailed 表示某个网关操作返回失败。
	ErrCallFailed = errors.New("gateway call failed")
)

// CallError 记录失败的网关操作及终端返回的消息。
type CallError struct {
	Op      string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("gateway %s: %s", e.Op, e.Message)
}

// Is 让 errors.Is(err, ErrCallFailed) 成立。
func (e *CallError) Is(target error) bool {
	return target == ErrCallFailed
}

func callFailed(op, format string, args ...interface{}) error {
	return &CallError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// Side 为持仓或委托方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide 解析方向，兼容 long/short 写法。
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG":
		return SideBuy, nil
	case "SELL", "SHORT":
		return SideSell, nil
	default:
		return "", fmt.Errorf("gateway: 无法识别的方向 %q", s)
	}
}

// Ticket 为终端分配的持仓编号。
type Ticket int64

// Position 为一笔未平仓持仓。
type Position struct {
	Ticket       Ticket    `json:"ticket"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"type"`
	Volume       float64   `json:"volume"`
	OpenPrice    float64   `json:"open_price"`
	CurrentPrice float64   `json:"current_price"`
	StopLoss     float64   `json:"stop_loss"`
	TakeProfit   float64   `json:"take_profit"`
	Profit       float64   `json:"profit"`
	OpenTime     time.Time `json:"open_time,omitempty"`
}

// IsLong 判断是否为多头持仓。
func (p Position) IsLong() bool {
	return p.Side != SideSell
}

// Quote 为某品种的最新买卖价。
type Quote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// Mid 返回中间价。
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// OrderRequest 描述一笔市价委托。
type OrderRequest struct {
	Symbol     string
	Side       Side
	Volume     float64
	StopLoss   float64
	TakeProfit float64
	Comment    string
}

// OrderResult 为委托成交回报。
type OrderResult struct {
	Ticket  Ticket
	Price   float64
	Message string
}

// Gateway 为核心依赖的交易终端能力。
type Gateway interface {
	Connected() bool
	GetOpenPositions(ctx context.Context) ([]Position, error)
	GetMarketData(ctx context.Context, symbol string) (Quote, error)
	GetHistoricalData(ctx context.Context, symbol, timeframe string, bars int) ([]Candle, error)
	ModifyPosition(ctx context.Context, ticket Ticket, stopLoss, takeProfit float64) error
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	ClosePosition(ctx context.Context, ticket Ticket) error
}

// PriceFeed 为模拟账户提供行情。
type PriceFeed interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
	Candles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
}
