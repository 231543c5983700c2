package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"flowtrader/internal/config"
)

// fakeBridge 模拟终端桥接进程，按 action 返回预设响应。
type fakeBridge struct {
	mu      sync.Mutex
	actions []string
	reply   func(msg map[string]interface{}) map[string]interface{}
}

func (f *fakeBridge) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]interface{}
			if err := json.Unmarshal(payload, &msg); err != nil {
				t.Errorf("bad request payload: %v", err)
				return
			}
			f.mu.Lock()
			f.actions = append(f.actions, msg["action"].(string))
			f.mu.Unlock()

			resp := f.reply(msg)
			resp["action"] = msg["action"]
			resp["messageId"] = msg["messageId"]
			out, _ := json.Marshal(resp)
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}
}

func startBridge(t *testing.T, fb *fakeBridge, login int64) *Bridge {
	t.Helper()
	srv := httptest.NewServer(fb.handler(t))
	t.Cleanup(srv.Close)

	b := NewBridge(config.BridgeConfig{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		Login:          login,
		RequestTimeout: 2 * time.Second,
	}, nil)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBridge_ConnectAndFetchPositions(t *testing.T) {
	fb := &fakeBridge{reply: func(msg map[string]interface{}) map[string]interface{} {
		switch msg["action"] {
		case "connect":
			return map[string]interface{}{"success": true}
		case "getPositions":
			return map[string]interface{}{"data": []map[string]interface{}{{
				"ticket": 123456, "symbol": "EURUSD", "type": "SELL", "volume": 0.1,
				"open_price": 1.1, "current_price": 1.09, "profit": 100,
				"stop_loss": 1.12, "take_profit": 1.05,
			}}}
		}
		return map[string]interface{}{"error": "unknown"}
	}}
	b := startBridge(t, fb, 5001)

	if !b.Connected() {
		t.Fatalf("expected connected bridge")
	}
	positions, err := b.GetOpenPositions(context.Background())
	if err != nil {
		t.Fatalf("GetOpenPositions returned error: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	p := positions[0]
	if p.Ticket != 123456 || p.Side != SideSell || p.IsLong() || p.StopLoss != 1.12 {
		t.Errorf("unexpected position %+v", p)
	}
	if fb.actions[0] != "connect" || fb.actions[1] != "getPositions" {
		t.Errorf("unexpected action sequence %v", fb.actions)
	}
}

func TestBridge_DataErrorsBecomeCallFailed(t *testing.T) {
	fb := &fakeBridge{reply: func(msg map[string]interface{}) map[string]interface{} {
		switch msg["action"] {
		case "modifyPosition":
			return map[string]interface{}{"data": map[string]interface{}{"success": false, "error": "Position not found"}}
		case "getMarketData":
			return map[string]interface{}{"data": map[string]interface{}{"error": "Failed to get tick"}}
		}
		return map[string]interface{}{"error": "Unknown action"}
	}}
	b := startBridge(t, fb, 0)
	ctx := context.Background()

	err := b.ModifyPosition(ctx, 1, 1.0, 2.0)
	if !errors.Is(err, ErrCallFailed) || !strings.Contains(err.Error(), "Position not found") {
		t.Errorf("expected call failure, got %v", err)
	}
	if _, err := b.GetMarketData(ctx, "EURUSD"); !errors.Is(err, ErrCallFailed) {
		t.Errorf("expected call failure, got %v", err)
	}
	if err := b.ClosePosition(ctx, 1); !errors.Is(err, ErrCallFailed) {
		t.Errorf("expected top-level error to fail, got %v", err)
	}
}

func TestBridge_OrderAndHistory(t *testing.T) {
	fb := &fakeBridge{reply: func(msg map[string]interface{}) map[string]interface{} {
		switch msg["action"] {
		case "executeOrder":
			if msg["type"] != "BUY" {
				return map[string]interface{}{"data": map[string]interface{}{"success": false, "error": "bad side"}}
			}
			return map[string]interface{}{"data": map[string]interface{}{"success": true, "ticket": 42, "price": 1.2345}}
		case "getHistoricalData":
			return map[string]interface{}{"data": map[string]interface{}{
				"symbol": "EURUSD", "timeframe": "H1", "bars": 2,
				"data": []map[string]interface{}{
					{"time": "2024-01-01T10:00:00", "open": 1, "high": 2, "low": 0.5, "close": 1.5, "volume": 10},
					{"time": "2024-01-01T11:00:00.250000", "open": 1.5, "high": 2, "low": 1, "close": 1.8, "volume": 12},
				},
			}}
		}
		return map[string]interface{}{"error": "Unknown action"}
	}}
	b := startBridge(t, fb, 0)
	ctx := context.Background()

	res, err := b.PlaceOrder(ctx, OrderRequest{Symbol: "EURUSD", Side: SideBuy, Volume: 0.1})
	if err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}
	if res.Ticket != 42 || res.Price != 1.2345 {
		t.Errorf("unexpected order result %+v", res)
	}

	candles, err := b.GetHistoricalData(ctx, "EURUSD", "h1", 2)
	if err != nil {
		t.Fatalf("GetHistoricalData returned error: %v", err)
	}
	if len(candles) != 2 || candles[1].Close != 1.8 {
		t.Fatalf("unexpected candles %+v", candles)
	}
	if candles[0].Timestamp.Hour() != 10 || candles[1].Timestamp.IsZero() {
		t.Errorf("timestamps not parsed: %v %v", candles[0].Timestamp, candles[1].Timestamp)
	}
}

func TestBridge_CallWithoutConnection(t *testing.T) {
	b := NewBridge(config.BridgeConfig{URL: "ws://127.0.0.1:1"}, nil)
	if b.Connected() {
		t.Fatalf("new bridge must not report connected")
	}
	if _, err := b.GetOpenPositions(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}
