package node

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/multierr"

	"flowtrader/internal/config"
	"flowtrader/internal/execution"
	"flowtrader/internal/gateway"
	"flowtrader/internal/graph"
)

func mustNode(t *testing.T, tag string, params map[string]interface{}) graph.Node {
	t.Helper()
	n, err := NewNode(graph.NodeID(tag), tag, params)
	if err != nil {
		t.Fatalf("NewNode(%s) returned error: %v", tag, err)
	}
	return n
}

func TestNewNode_DeclaresSockets(t *testing.T) {
	n := mustNode(t, "logic.compare", map[string]interface{}{"op": ">="})
	if len(n.Inputs) != 3 || len(n.Outputs) != 2 {
		t.Fatalf("unexpected sockets %+v", n)
	}
	if n.Inputs[1].Type != graph.TypeNumber || n.Outputs[1].Type != graph.TypeBoolean {
		t.Errorf("unexpected socket types %+v", n)
	}

	if _, err := NewNode("x", "http.request", nil); !errors.Is(err, ErrUnknownTag) {
		t.Errorf("expected ErrUnknownTag, got %v", err)
	}
	if _, err := NewNode("x", "logic.compare", map[string]interface{}{"op": "~"}); err == nil {
		t.Errorf("expected invalid operator error")
	}
	if _, err := NewNode("x", "trigger.periodic", nil); err == nil {
		t.Errorf("expected missing interval error")
	}
}

func TestValidateGraph_AggregatesProblems(t *testing.T) {
	g := graph.New()
	_ = g.AddNode(mustNode(t, "trigger.manual", nil))
	_ = g.AddNode(graph.Node{ID: "bad-tag", Tag: "http.request"})
	_ = g.AddNode(graph.Node{ID: "bad-op", Tag: "logic.compare", Params: map[string]interface{}{"op": "~"}})

	err := ValidateGraph(g)
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	if !errors.Is(err, ErrUnknownTag) {
		t.Errorf("expected ErrUnknownTag in %v", err)
	}
	if n := len(multierr.Errors(err)); n != 2 {
		t.Errorf("expected 2 aggregated errors, got %d: %v", n, err)
	}
}

func TestDescriptors_ListsTriggers(t *testing.T) {
	var triggers int
	for _, d := range Descriptors() {
		if d.Trigger {
			triggers++
		}
	}
	if triggers != 2 {
		t.Errorf("expected 2 trigger descriptors, got %d", triggers)
	}
}

func TestCompleteSnapshot_FillsMissingSockets(t *testing.T) {
	snap := graph.Snapshot{
		Nodes: []graph.NodeSnapshot{
			{ID: "t", Tag: "trigger.manual"},
			{ID: "sig", Tag: "logic.signal", Inputs: []graph.Socket{{Type: graph.TypeTrigger}}},
			{ID: "x", Tag: "http.request"},
		},
		Connections: []graph.Connection{{From: graph.Endpoint{Node: "t"}, To: graph.Endpoint{Node: "sig"}}},
	}

	out := CompleteSnapshot(snap)
	if len(out.Nodes[0].Outputs) != 1 || out.Nodes[0].Outputs[0].Type != graph.TypeTrigger {
		t.Errorf("trigger outputs not filled: %+v", out.Nodes[0])
	}
	if len(out.Nodes[1].Inputs) != 1 || len(out.Nodes[1].Outputs) != 0 {
		t.Errorf("declared sockets must be kept: %+v", out.Nodes[1])
	}
	if len(out.Nodes[2].Inputs) != 0 || len(out.Nodes[2].Outputs) != 0 {
		t.Errorf("unknown tag must be left alone: %+v", out.Nodes[2])
	}
	if len(snap.Nodes[0].Outputs) != 0 {
		t.Errorf("input snapshot must not be modified")
	}
}

func TestIsTrigger(t *testing.T) {
	if !IsTrigger("trigger.manual") || !IsTrigger("trigger.periodic") {
		t.Errorf("trigger tags not recognised")
	}
	if IsTrigger("data.constant") || IsTrigger("nope") {
		t.Errorf("non-trigger tag reported as trigger")
	}
}

func TestInterval_AcceptsDurationsAndSeconds(t *testing.T) {
	cases := map[interface{}]time.Duration{
		"5s":       5 * time.Second,
		"1m30s":    90 * time.Second,
		float64(2): 2 * time.Second,
	}
	for in, want := range cases {
		got, err := Interval(map[string]interface{}{"interval": in})
		if err != nil || got != want {
			t.Errorf("Interval(%v) = %s, %v; want %s", in, got, err, want)
		}
	}
	if _, err := Interval(map[string]interface{}{"interval": "-1s"}); err == nil {
		t.Errorf("negative interval must be rejected")
	}
}

func TestRun_FalseTriggerIsNoOp(t *testing.T) {
	n := mustNode(t, "data.market", map[string]interface{}{"symbol": "EURUSD"})
	res, err := Run(context.Background(), Call{
		Node:   n,
		Inputs: []interface{}{false},
		Env:    Env{},
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if res.Outputs[0] != false || res.Outputs[1] != 0.0 {
		t.Errorf("expected zero outputs, got %v", res.Outputs)
	}
}

func TestCompare_UsesParamWhenInputUnconnected(t *testing.T) {
	n := mustNode(t, "logic.compare", map[string]interface{}{"op": ">", "b": 1.5})
	res, err := Run(context.Background(), Call{
		Node:      n,
		Inputs:    []interface{}{true, 2.0, 0.0},
		Connected: []bool{true, true, false},
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if res.Outputs[0] != true || res.Outputs[1] != true {
		t.Errorf("expected 2 > 1.5, got %v", res.Outputs)
	}

	res, _ = Run(context.Background(), Call{
		Node:      n,
		Inputs:    []interface{}{true, 2.0, 3.0},
		Connected: []bool{true, true, true},
	})
	if res.Outputs[1] != false {
		t.Errorf("connected input b must win over param, got %v", res.Outputs)
	}
}

func TestGateAndSignal(t *testing.T) {
	gateNode := mustNode(t, "logic.gate", map[string]interface{}{"op": "xor"})
	res, _ := Run(context.Background(), Call{Node: gateNode, Inputs: []interface{}{true, true, false}})
	if res.Outputs[1] != true {
		t.Errorf("xor(true,false) should be true")
	}

	sig := mustNode(t, "logic.signal", nil)
	for _, tc := range []struct {
		buy, sell bool
		want      string
	}{
		{true, false, "BUY"},
		{false, true, "SELL"},
		{true, true, ""},
		{false, false, ""},
	} {
		res, err := Run(context.Background(), Call{Node: sig, Inputs: []interface{}{true, tc.buy, tc.sell}})
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
		if res.Outputs[1] != tc.want || res.Outputs[0] != (tc.want != "") {
			t.Errorf("signal(%t,%t) = %v, want %q", tc.buy, tc.sell, res.Outputs, tc.want)
		}
	}
}

func TestMarketData_SelectsField(t *testing.T) {
	gw := &stubGateway{quote: gateway.Quote{Bid: 1.0, Ask: 1.2}}
	n := mustNode(t, "data.market", map[string]interface{}{"symbol": "EURUSD", "field": "ask"})
	res, err := Run(context.Background(), Call{Node: n, Inputs: []interface{}{true}, Env: Env{Gateway: gw}})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if res.Outputs[1] != 1.2 {
		t.Errorf("expected ask 1.2, got %v", res.Outputs[1])
	}
}

func TestIndicatorNode_ComputesFromHistory(t *testing.T) {
	candles := make([]gateway.Candle, 5)
	for i := range candles {
		c := float64(i + 1)
		candles[i] = gateway.Candle{Timestamp: time.Unix(int64(i)*3600, 0), Open: c, High: c, Low: c, Close: c}
	}
	gw := &stubGateway{candles: candles}
	n := mustNode(t, "indicator", map[string]interface{}{"symbol": "EURUSD", "kind": "sma", "period": 5})

	res, err := Run(context.Background(), Call{Node: n, Inputs: []interface{}{true}, Env: Env{Gateway: gw}})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if v, _ := res.Outputs[1].(float64); v != 3 {
		t.Errorf("expected sma 3, got %v", res.Outputs[1])
	}
	if gw.bars != 15 {
		t.Errorf("expected default bars 15, got %d", gw.bars)
	}
}

func TestPlaceOrder_DryRunAndSignal(t *testing.T) {
	gw := &stubGateway{}
	env := Env{Gateway: gw, Orders: execution.NewExecutor(config.RiskConfig{MaxRetry: 1}, nil)}
	n := mustNode(t, "order.place", map[string]interface{}{"symbol": "EURUSD", "volume": 0.1})

	res, err := Run(context.Background(), Call{
		Node: n, Inputs: []interface{}{true, "SELL"}, Connected: []bool{true, true}, Env: env,
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if res.Message == "" || gw.placed != 0 {
		t.Errorf("dry-run should report intent without placing, got %q placed=%d", res.Message, gw.placed)
	}

	env.Live = true
	if _, err := Run(context.Background(), Call{
		Node: n, Inputs: []interface{}{true, ""}, Connected: []bool{true, true}, Env: env,
	}); err != nil {
		t.Fatalf("empty signal should be a no-op, got %v", err)
	}
	if gw.placed != 0 {
		t.Errorf("empty signal must not place orders")
	}

	if _, err := Run(context.Background(), Call{
		Node: n, Inputs: []interface{}{true, "BUY"}, Connected: []bool{true, true}, Env: env,
	}); err != nil {
		t.Fatalf("live order failed: %v", err)
	}
	if gw.placed != 1 || gw.lastSide != gateway.SideBuy {
		t.Errorf("expected one BUY order, got %d %s", gw.placed, gw.lastSide)
	}
}

type stubGateway struct {
	quote    gateway.Quote
	candles  []gateway.Candle
	bars     int
	placed   int
	lastSide gateway.Side
}

func (s *stubGateway) Connected() bool { return true }

func (s *stubGateway) GetOpenPositions(context.Context) ([]gateway.Position, error) {
	return nil, nil
}

func (s *stubGateway) GetMarketData(context.Context, string) (gateway.Quote, error) {
	return s.quote, nil
}

func (s *stubGateway) GetHistoricalData(_ context.Context, _ string, _ string, bars int) ([]gateway.Candle, error) {
	s.bars = bars
	return s.candles, nil
}

func (s *stubGateway) ModifyPosition(context.Context, gateway.Ticket, float64, float64) error {
	return nil
}

func (s *stubGateway) PlaceOrder(_ context.Context, req gateway.OrderRequest) (gateway.OrderResult, error) {
	s.placed++
	s.lastSide = req.Side
	return gateway.OrderResult{Ticket: 1}, nil
}

func (s *stubGateway) ClosePosition(context.Context, gateway.Ticket) error { return nil }
