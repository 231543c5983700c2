package gateway

import (
	"context"
	"errors"
	"math"
	"testing"

	"flowtrader/internal/config"
)

func newTestPaper(t *testing.T, prices map[string]float64) (*Paper, *StaticFeed) {
	t.Helper()
	feed := NewStaticFeed(prices, 0)
	p, err := NewPaper(config.PaperConfig{InitialBalance: 10000, ContractSize: 100000}, feed, nil)
	if err != nil {
		t.Fatalf("NewPaper returned error: %v", err)
	}
	return p, feed
}

func TestPaper_PlaceOrderAssignsSequentialTickets(t *testing.T) {
	p, _ := newTestPaper(t, map[string]float64{"EURUSD": 1.1})
	ctx := context.Background()

	first, err := p.PlaceOrder(ctx, OrderRequest{Symbol: "eurusd", Side: SideBuy, Volume: 0.1})
	if err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}
	second, err := p.PlaceOrder(ctx, OrderRequest{Symbol: "EURUSD", Side: SideSell, Volume: 0.2})
	if err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}
	if first.Ticket != 1000000 || second.Ticket != 1000001 {
		t.Errorf("unexpected tickets %d, %d", first.Ticket, second.Ticket)
	}

	positions, err := p.GetOpenPositions(ctx)
	if err != nil {
		t.Fatalf("GetOpenPositions returned error: %v", err)
	}
	if len(positions) != 2 || positions[0].Symbol != "EURUSD" {
		t.Fatalf("unexpected positions %+v", positions)
	}
}

func TestPaper_ProfitFollowsContractSize(t *testing.T) {
	p, feed := newTestPaper(t, map[string]float64{"EURUSD": 1.1})
	ctx := context.Background()

	res, _ := p.PlaceOrder(ctx, OrderRequest{Symbol: "EURUSD", Side: SideBuy, Volume: 0.1})
	feed.SetPrice("EURUSD", 1.101)

	positions, _ := p.GetOpenPositions(ctx)
	if got := positions[0].Profit; math.Abs(got-10) > 1e-6 {
		t.Errorf("expected profit 10, got %f", got)
	}

	if err := p.ClosePosition(ctx, res.Ticket); err != nil {
		t.Fatalf("ClosePosition returned error: %v", err)
	}
	if math.Abs(p.Balance()-10010) > 1e-6 {
		t.Errorf("expected balance 10010, got %f", p.Balance())
	}
	if err := p.ClosePosition(ctx, res.Ticket); !errors.Is(err, ErrCallFailed) {
		t.Errorf("expected ErrCallFailed for closed ticket, got %v", err)
	}
}

func TestPaper_CheckProtectiveHitsClosesStops(t *testing.T) {
	p, feed := newTestPaper(t, map[string]float64{"EURUSD": 100, "GBPUSD": 100})
	ctx := context.Background()

	long, _ := p.PlaceOrder(ctx, OrderRequest{Symbol: "EURUSD", Side: SideBuy, Volume: 1, StopLoss: 95})
	short, _ := p.PlaceOrder(ctx, OrderRequest{Symbol: "GBPUSD", Side: SideSell, Volume: 1, TakeProfit: 90})

	feed.SetPrice("EURUSD", 94)
	feed.SetPrice("GBPUSD", 89)

	closed, err := p.CheckProtectiveHits(ctx)
	if err != nil {
		t.Fatalf("CheckProtectiveHits returned error: %v", err)
	}
	if len(closed) != 2 {
		t.Fatalf("expected 2 closed positions, got %d", len(closed))
	}
	reasons := map[Ticket]string{}
	for _, c := range closed {
		reasons[c.Ticket] = c.Reason
	}
	if reasons[long.Ticket] != "stop_loss" || reasons[short.Ticket] != "take_profit" {
		t.Errorf("unexpected close reasons %v", reasons)
	}
}

func TestPaper_CloseAtReturnsOwnRecord(t *testing.T) {
	p, _ := newTestPaper(t, map[string]float64{"EURUSD": 100, "GBPUSD": 100})
	ctx := context.Background()

	first, _ := p.PlaceOrder(ctx, OrderRequest{Symbol: "EURUSD", Side: SideBuy, Volume: 1})
	second, _ := p.PlaceOrder(ctx, OrderRequest{Symbol: "GBPUSD", Side: SideSell, Volume: 1})

	record, err := p.closeAt(second.Ticket, 99, "stop_loss")
	if err != nil {
		t.Fatalf("closeAt returned error: %v", err)
	}
	if err := p.ClosePosition(ctx, first.Ticket); err != nil {
		t.Fatalf("ClosePosition returned error: %v", err)
	}
	if record.Ticket != second.Ticket || record.Reason != "stop_loss" || record.ClosePrice != 99 {
		t.Errorf("closeAt returned wrong record %+v", record)
	}
	if last := p.Closed()[1]; last.Ticket != first.Ticket {
		t.Errorf("later close should not alter returned record, history %+v", p.Closed())
	}
	if _, err := p.closeAt(second.Ticket, 99, "stop_loss"); !errors.Is(err, ErrCallFailed) {
		t.Errorf("closing twice should fail, got %v", err)
	}
}

func TestPaper_CheckProtectiveHitsRecordsMatchHits(t *testing.T) {
	p, feed := newTestPaper(t, map[string]float64{"EURUSD": 100, "GBPUSD": 100})
	ctx := context.Background()

	long, _ := p.PlaceOrder(ctx, OrderRequest{Symbol: "EURUSD", Side: SideBuy, Volume: 1, TakeProfit: 105})
	short, _ := p.PlaceOrder(ctx, OrderRequest{Symbol: "GBPUSD", Side: SideSell, Volume: 1, StopLoss: 103})
	feed.SetPrice("EURUSD", 106)
	feed.SetPrice("GBPUSD", 104)

	closed, err := p.CheckProtectiveHits(ctx)
	if err != nil {
		t.Fatalf("CheckProtectiveHits returned error: %v", err)
	}
	byTicket := map[Ticket]ClosedPosition{}
	for _, c := range closed {
		byTicket[c.Ticket] = c
	}
	if c := byTicket[long.Ticket]; c.Reason != "take_profit" || c.ClosePrice != 106 {
		t.Errorf("unexpected long record %+v", c)
	}
	if c := byTicket[short.Ticket]; c.Reason != "stop_loss" || c.ClosePrice != 104 {
		t.Errorf("unexpected short record %+v", c)
	}
}

func TestPaper_DisconnectedReturnsUnavailable(t *testing.T) {
	p, _ := newTestPaper(t, map[string]float64{"EURUSD": 1.1})
	p.SetConnected(false)

	if _, err := p.GetOpenPositions(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if err := p.ModifyPosition(context.Background(), 1, 1, 1); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestParseSide(t *testing.T) {
	if s, err := ParseSide("long"); err != nil || s != SideBuy {
		t.Errorf("long should parse as BUY, got %s %v", s, err)
	}
	if s, err := ParseSide(" Sell "); err != nil || s != SideSell {
		t.Errorf("sell should parse as SELL, got %s %v", s, err)
	}
	if _, err := ParseSide("hold"); err == nil {
		t.Errorf("expected error for unknown side")
	}
}
