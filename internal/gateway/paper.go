package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"flowtrader/internal/config"
)

// ClosedPosition 记录已平仓持仓。
type ClosedPosition struct {
	Position
	ClosePrice float64   `json:"close_price"`
	CloseTime  time.Time `json:"close_time"`
	Reason     string    `json:"reason"`
}

// Paper 为进程内模拟账户，价格来自 PriceFeed，盈亏按合约乘数计算。
type Paper struct {
	feed         PriceFeed
	contractSize float64
	logger       *zap.Logger

	mu         sync.Mutex
	connected  bool
	balance    float64
	nextTicket Ticket
	positions  []Position
	closed     []ClosedPosition
}

var _ Gateway = (*Paper)(nil)

// NewPaper 创建模拟账户。
func NewPaper(cfg config.PaperConfig, feed PriceFeed, logger *zap.Logger) (*Paper, error) {
	if feed == nil {
		return nil, errors.New("gateway: 模拟账户需要行情源")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContractSize <= 0 {
		cfg.ContractSize = 100000
	}
	if cfg.FirstTicket <= 0 {
		cfg.FirstTicket = 1000000
	}
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = 10000
	}
	return &Paper{
		feed:         feed,
		contractSize: cfg.ContractSize,
		logger:       logger,
		connected:    true,
		balance:      cfg.InitialBalance,
		nextTicket:   Ticket(cfg.FirstTicket),
	}, nil
}

// SetConnected 切换连接状态，用于模拟终端断线。
func (p *Paper) SetConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

// Connected 实现 Gateway。
func (p *Paper) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *Paper) ensureConnected() error {
	if !p.Connected() {
		return ErrUnavailable
	}
	return nil
}

// GetOpenPositions 刷新持仓现价后返回副本。
func (p *Paper) GetOpenPositions(ctx context.Context) ([]Position, error) {
	if err := p.ensureConnected(); err != nil {
		return nil, err
	}
	if err := p.RefreshPrices(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Position(nil), p.positions...), nil
}

// GetMarketData 实现 Gateway。
func (p *Paper) GetMarketData(ctx context.Context, symbol string) (Quote, error) {
	if err := p.ensureConnected(); err != nil {
		return Quote{}, err
	}
	return p.feed.Quote(ctx, symbol)
}

// GetHistoricalData 实现 Gateway。
func (p *Paper) GetHistoricalData(ctx context.Context, symbol, timeframe string, bars int) ([]Candle, error) {
	if err := p.ensureConnected(); err != nil {
		return nil, err
	}
	return p.feed.Candles(ctx, symbol, timeframe, bars)
}

// ModifyPosition 实现 Gateway。
func (p *Paper) ModifyPosition(_ context.Context, ticket Ticket, stopLoss, takeProfit float64) error {
	if err := p.ensureConnected(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.positions {
		if p.positions[i].Ticket == ticket {
			p.positions[i].StopLoss = stopLoss
			p.positions[i].TakeProfit = takeProfit
			return nil
		}
	}
	return callFailed("modify_position", "持仓 %d 不存在", ticket)
}

// PlaceOrder 以当前买卖价开仓：买单按 ask 成交，卖单按 bid 成交。
func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := p.ensureConnected(); err != nil {
		return OrderResult{}, err
	}
	if req.Volume <= 0 {
		return OrderResult{}, callFailed("place_order", "手数无效 %.4f", req.Volume)
	}

	quote, err := p.feed.Quote(ctx, req.Symbol)
	if err != nil {
		return OrderResult{}, err
	}
	price := quote.Ask
	if req.Side == SideSell {
		price = quote.Bid
	}

	p.mu.Lock()
	ticket := p.nextTicket
	p.nextTicket++
	p.positions = append(p.positions, Position{
		Ticket:       ticket,
		Symbol:       strings.ToUpper(req.Symbol),
		Side:         req.Side,
		Volume:       req.Volume,
		OpenPrice:    price,
		CurrentPrice: price,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		OpenTime:     time.Now().UTC(),
	})
	p.mu.Unlock()

	p.logger.Info("模拟委托已成交",
		zap.Int64("ticket", int64(ticket)),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("volume", req.Volume),
		zap.Float64("price", price),
	)

	return OrderResult{Ticket: ticket, Price: price, Message: "模拟委托已成交"}, nil
}

// ClosePosition 以当前价格平仓。
func (p *Paper) ClosePosition(ctx context.Context, ticket Ticket) error {
	if err := p.ensureConnected(); err != nil {
		return err
	}

	p.mu.Lock()
	var (
		pos   Position
		found bool
	)
	for _, existing := range p.positions {
		if existing.Ticket == ticket {
			pos, found = existing, true
			break
		}
	}
	p.mu.Unlock()
	if !found {
		return callFailed("close_position", "持仓 %d 不存在", ticket)
	}

	quote, err := p.feed.Quote(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	_, err = p.closeAt(ticket, exitPrice(pos, quote), "manual")
	return err
}

// RefreshPrices 按行情更新持仓现价与浮动盈亏。
func (p *Paper) RefreshPrices(ctx context.Context) error {
	p.mu.Lock()
	symbols := make(map[string]struct{}, len(p.positions))
	for _, pos := range p.positions {
		symbols[pos.Symbol] = struct{}{}
	}
	p.mu.Unlock()

	quotes := make(map[string]Quote, len(symbols))
	for symbol := range symbols {
		q, err := p.feed.Quote(ctx, symbol)
		if err != nil {
			return fmt.Errorf("gateway: 刷新 %s 行情失败: %w", symbol, err)
		}
		quotes[symbol] = q
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.positions {
		pos := &p.positions[i]
		q, ok := quotes[pos.Symbol]
		if !ok {
			continue
		}
		pos.CurrentPrice = exitPrice(*pos, q)
		pos.Profit = p.profit(*pos, pos.CurrentPrice)
	}
	return nil
}

// CheckProtectiveHits 平掉触及止损或止盈的持仓，返回被平仓的记录。
func (p *Paper) CheckProtectiveHits(ctx context.Context) ([]ClosedPosition, error) {
	if err := p.RefreshPrices(ctx); err != nil {
		return nil, err
	}

	type hit struct {
		ticket Ticket
		price  float64
		reason string
	}

	p.mu.Lock()
	var hits []hit
	for _, pos := range p.positions {
		price := pos.CurrentPrice
		switch {
		case pos.IsLong() && pos.TakeProfit > 0 && price >= pos.TakeProfit,
			!pos.IsLong() && pos.TakeProfit > 0 && price <= pos.TakeProfit:
			hits = append(hits, hit{pos.Ticket, price, "take_profit"})
		case pos.IsLong() && pos.StopLoss > 0 && price <= pos.StopLoss,
			!pos.IsLong() && pos.StopLoss > 0 && price >= pos.StopLoss:
			hits = append(hits, hit{pos.Ticket, price, "stop_loss"})
		}
	}
	p.mu.Unlock()

	closed := make([]ClosedPosition, 0, len(hits))
	for _, h := range hits {
		record, err := p.closeAt(h.ticket, h.price, h.reason)
		if err != nil {
			continue
		}
		closed = append(closed, record)
	}
	return closed, nil
}

// Closed 返回已平仓记录。
func (p *Paper) Closed() []ClosedPosition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ClosedPosition(nil), p.closed...)
}

// Balance 返回已实现余额。
func (p *Paper) Balance() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance
}

// closeAt 平仓并返回本次生成的平仓记录。
func (p *Paper) closeAt(ticket Ticket, price float64, reason string) (ClosedPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, pos := range p.positions {
		if pos.Ticket != ticket {
			continue
		}
		pos.CurrentPrice = price
		pos.Profit = p.profit(pos, price)
		p.balance += pos.Profit
		p.positions = append(p.positions[:i], p.positions[i+1:]...)
		record := ClosedPosition{
			Position:   pos,
			ClosePrice: price,
			CloseTime:  time.Now().UTC(),
			Reason:     reason,
		}
		p.closed = append(p.closed, record)
		p.logger.Info("模拟持仓已平仓",
			zap.Int64("ticket", int64(ticket)),
			zap.String("reason", reason),
			zap.Float64("price", price),
			zap.Float64("profit", pos.Profit),
		)
		return record, nil
	}
	return ClosedPosition{}, callFailed("close_position", "持仓 %d 不存在", ticket)
}

func (p *Paper) profit(pos Position, price float64) float64 {
	diff := price - pos.OpenPrice
	if !pos.IsLong() {
		diff = -diff
	}
	return diff * pos.Volume * p.contractSize
}

// 多头按 bid 离场，空头按 ask 离场。
func exitPrice(pos Position, q Quote) float64 {
	if pos.IsLong() {
		return q.Bid
	}
	return q.Ask
}
