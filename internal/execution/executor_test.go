package execution

import (
	"context"
	"errors"
	"strings"
	"testing"

	"flowtrader/internal/config"
	"flowtrader/internal/gateway"
)

func TestExecutorPlace_DryRunSkipsGateway(t *testing.T) {
	gw := &mockGateway{}
	exec := NewExecutor(config.RiskConfig{MaxRetry: 1}, nil)

	outcome, err := exec.Place(context.Background(), gw, gateway.OrderRequest{
		Symbol: "eurusd", Side: gateway.SideBuy, Volume: 0.123,
	}, false)
	if err != nil {
		t.Fatalf("Place returned error: %v", err)
	}
	if !outcome.DryRun || outcome.Submitted {
		t.Errorf("expected dry-run outcome, got %+v", outcome)
	}
	if outcome.Request.Volume != 0.12 || outcome.Request.Symbol != "EURUSD" {
		t.Errorf("request not normalized: %+v", outcome.Request)
	}
	if len(gw.calls) != 0 {
		t.Errorf("dry-run must not call gateway, got %v", gw.calls)
	}
}

func TestExecutorPlace_SubmitsLiveOrder(t *testing.T) {
	gw := &mockGateway{placeResult: gateway.OrderResult{Ticket: 7, Price: 1.1}}
	exec := NewExecutor(config.RiskConfig{MaxRetry: 1, MaxOpenPositions: 5}, nil)

	outcome, err := exec.Place(context.Background(), gw, gateway.OrderRequest{
		Symbol: "EURUSD", Side: gateway.SideSell, Volume: 1,
	}, true)
	if err != nil {
		t.Fatalf("Place returned error: %v", err)
	}
	if !outcome.Submitted || outcome.Ticket != 7 {
		t.Errorf("unexpected outcome %+v", outcome)
	}

	expected := []string{"GetOpenPositions", "PlaceOrder"}
	if len(gw.calls) != len(expected) {
		t.Fatalf("unexpected call count: got %v want %v", gw.calls, expected)
	}
	for i, call := range expected {
		if gw.calls[i] != call {
			t.Errorf("call %d mismatch: got %s want %s", i, gw.calls[i], call)
		}
	}
}

func TestExecutorPlace_RiskLimits(t *testing.T) {
	gw := &mockGateway{positions: []gateway.Position{{Ticket: 1}, {Ticket: 2}}}
	exec := NewExecutor(config.RiskConfig{MaxRetry: 1, MaxOrderVolume: 1, MaxOpenPositions: 2}, nil)
	ctx := context.Background()

	_, err := exec.Place(ctx, gw, gateway.OrderRequest{Symbol: "EURUSD", Side: gateway.SideBuy, Volume: 2}, true)
	if !errors.Is(err, ErrRiskRejected) {
		t.Fatalf("expected volume rejection, got %v", err)
	}
	_, err = exec.Place(ctx, gw, gateway.OrderRequest{Symbol: "EURUSD", Side: gateway.SideBuy, Volume: 0.5}, true)
	if !errors.Is(err, ErrRiskRejected) || !strings.Contains(err.Error(), "持仓数") {
		t.Fatalf("expected position count rejection, got %v", err)
	}
	for _, c := range gw.calls {
		if c == "PlaceOrder" {
			t.Errorf("rejected order must not reach gateway")
		}
	}
}

func TestExecutorPlace_RetriesOnlyUnavailable(t *testing.T) {
	gw := &mockGateway{placeErrs: []error{gateway.ErrUnavailable, nil}}
	exec := NewExecutor(config.RiskConfig{MaxRetry: 3}, nil)
	exec.backoff = 0

	if _, err := exec.Place(context.Background(), gw, gateway.OrderRequest{Symbol: "X", Side: gateway.SideBuy, Volume: 1}, true); err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if gw.count("PlaceOrder") != 2 {
		t.Errorf("expected 2 attempts, got %d", gw.count("PlaceOrder"))
	}

	gw = &mockGateway{placeErrs: []error{&gateway.CallError{Op: "executeOrder", Message: "no money"}}}
	if _, err := exec.Place(context.Background(), gw, gateway.OrderRequest{Symbol: "X", Side: gateway.SideBuy, Volume: 1}, true); !errors.Is(err, gateway.ErrCallFailed) {
		t.Fatalf("expected call failure, got %v", err)
	}
	if gw.count("PlaceOrder") != 1 {
		t.Errorf("rejected call must not retry, got %d attempts", gw.count("PlaceOrder"))
	}
}

func TestExecutorClose_BySymbol(t *testing.T) {
	gw := &mockGateway{positions: []gateway.Position{
		{Ticket: 1, Symbol: "EURUSD"},
		{Ticket: 2, Symbol: "GBPUSD"},
		{Ticket: 3, Symbol: "eurusd"},
	}}
	exec := NewExecutor(config.RiskConfig{MaxRetry: 1}, nil)

	outcome, err := exec.Close(context.Background(), gw, CloseTarget{Symbol: "EURUSD"}, true)
	if err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if len(outcome.Closed) != 2 || outcome.Closed[0] != 1 || outcome.Closed[1] != 3 {
		t.Errorf("unexpected closed tickets %v", outcome.Closed)
	}

	if _, err := exec.Close(context.Background(), gw, CloseTarget{}, true); err == nil {
		t.Errorf("expected error for empty target")
	}
}

type mockGateway struct {
	calls       []string
	positions   []gateway.Position
	placeResult gateway.OrderResult
	placeErrs   []error
}

func (m *mockGateway) count(name string) int {
	n := 0
	for _, c := range m.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (m *mockGateway) Connected() bool { return true }

func (m *mockGateway) GetOpenPositions(context.Context) ([]gateway.Position, error) {
	m.calls = append(m.calls, "GetOpenPositions")
	return m.positions, nil
}

func (m *mockGateway) GetMarketData(context.Context, string) (gateway.Quote, error) {
	m.calls = append(m.calls, "GetMarketData")
	return gateway.Quote{}, nil
}

func (m *mockGateway) GetHistoricalData(context.Context, string, string, int) ([]gateway.Candle, error) {
	m.calls = append(m.calls, "GetHistoricalData")
	return nil, nil
}

func (m *mockGateway) ModifyPosition(context.Context, gateway.Ticket, float64, float64) error {
	m.calls = append(m.calls, "ModifyPosition")
	return nil
}

func (m *mockGateway) PlaceOrder(context.Context, gateway.OrderRequest) (gateway.OrderResult, error) {
	m.calls = append(m.calls, "PlaceOrder")
	if len(m.placeErrs) > 0 {
		err := m.placeErrs[0]
		m.placeErrs = m.placeErrs[1:]
		if err != nil {
			return gateway.OrderResult{}, err
		}
	}
	return m.placeResult, nil
}

func (m *mockGateway) ClosePosition(context.Context, gateway.Ticket) error {
	m.calls = append(m.calls, "ClosePosition")
	return nil
}
