package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"flowtrader/internal/config"
)

// 终端桥接返回的时间不带时区，小数秒可选。
const bridgeTimeLayout = "2006-01-02T15:04:05.999999999"

type bridgeResponse struct {
	Action    string          `json:"action"`
	MessageID string          `json:"messageId"`
	Success   *bool           `json:"success,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// 终端在 data 内返回的操作结果。
type bridgeOutcome struct {
	Success *bool   `json:"success"`
	Error   string  `json:"error"`
	Message string  `json:"message"`
	Ticket  int64   `json:"ticket"`
	Price   float64 `json:"price"`
}

type bridgeQuote struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Time   string  `json:"time"`
}

type bridgeBar struct {
	Time   string  `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

type bridgeHistory struct {
	Symbol    string      `json:"symbol"`
	Timeframe string      `json:"timeframe"`
	Bars      int         `json:"bars"`
	Data      []bridgeBar `json:"data"`
	Error     string      `json:"error"`
}

// Bridge 通过 websocket 与终端桥接进程通信，按 messageId 关联请求与响应。
type Bridge struct {
	cfg    config.BridgeConfig
	logger *zap.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu        sync.Mutex
	pending   map[string]chan bridgeResponse
	connected bool
}

var _ Gateway = (*Bridge)(nil)

// NewBridge 创建桥接客户端，需要调用 Connect 建立连接。
func NewBridge(cfg config.BridgeConfig, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &Bridge{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]chan bridgeResponse),
	}
}

// Connect 建立 websocket 连接并登录终端账户。
func (b *Bridge) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: b.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, b.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: 连接桥接 %s 失败: %v", ErrUnavailable, b.cfg.URL, err)
	}

	b.writeMu.Lock()
	b.conn = conn
	b.writeMu.Unlock()

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()

	go b.readLoop(conn)

	if b.cfg.Login == 0 {
		b.logger.Info("已连接终端桥接（未配置登录）", zap.String("url", b.cfg.URL))
		return nil
	}

	resp, err := b.call(ctx, "connect", map[string]interface{}{
		"login":    b.cfg.Login,
		"password": b.cfg.Password,
		"server":   b.cfg.Server,
	})
	if err != nil {
		_ = b.Close()
		return err
	}
	if resp.Success == nil || !*resp.Success {
		_ = b.Close()
		return fmt.Errorf("%w: 终端登录失败", ErrUnavailable)
	}

	b.logger.Info("已连接终端桥接",
		zap.String("url", b.cfg.URL),
		zap.Int64("login", b.cfg.Login),
		zap.String("server", b.cfg.Server),
	)
	return nil
}

// Close 关闭连接，所有等待中的请求以 ErrUnavailable 结束。
func (b *Bridge) Close() error {
	b.writeMu.Lock()
	conn := b.conn
	b.conn = nil
	b.writeMu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}

// Connected 实现 Gateway。
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Bridge) readLoop(conn *websocket.Conn) {
	defer b.markDisconnected()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				b.logger.Warn("终端桥接连接中断", zap.Error(err))
			}
			return
		}

		var resp bridgeResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			b.logger.Warn("无法解析桥接消息", zap.Error(err))
			continue
		}

		b.mu.Lock()
		ch, ok := b.pending[resp.MessageID]
		if ok {
			delete(b.pending, resp.MessageID)
		}
		b.mu.Unlock()

		if !ok {
			b.logger.Debug("忽略未关联的桥接消息",
				zap.String("action", resp.Action),
				zap.String("message_id", resp.MessageID),
			)
			continue
		}
		ch <- resp
	}
}

func (b *Bridge) markDisconnected() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
}

func (b *Bridge) call(ctx context.Context, action string, fields map[string]interface{}) (bridgeResponse, error) {
	id := uuid.NewString()
	ch := make(chan bridgeResponse, 1)

	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return bridgeResponse{}, ErrUnavailable
	}
	b.pending[id] = ch
	b.mu.Unlock()

	msg := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		msg[k] = v
	}
	msg["action"] = action
	msg["messageId"] = id

	payload, err := json.Marshal(msg)
	if err != nil {
		b.forget(id)
		return bridgeResponse{}, fmt.Errorf("gateway: 编码 %s 请求失败: %w", action, err)
	}

	b.writeMu.Lock()
	conn := b.conn
	if conn == nil {
		b.writeMu.Unlock()
		b.forget(id)
		return bridgeResponse{}, ErrUnavailable
	}
	err = conn.WriteMessage(websocket.TextMessage, payload)
	b.writeMu.Unlock()
	if err != nil {
		b.forget(id)
		return bridgeResponse{}, fmt.Errorf("%w: 发送 %s 失败: %v", ErrUnavailable, action, err)
	}

	timer := time.NewTimer(b.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return bridgeResponse{}, fmt.Errorf("%w: 等待 %s 响应时连接断开", ErrUnavailable, action)
		}
		if resp.Error != "" {
			return resp, callFailed(action, "%s", resp.Error)
		}
		return resp, nil
	case <-timer.C:
		b.forget(id)
		return bridgeResponse{}, callFailed(action, "等待响应超时 %s", b.cfg.RequestTimeout)
	case <-ctx.Done():
		b.forget(id)
		return bridgeResponse{}, ctx.Err()
	}
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// decodeData 解析 data 字段，data 为对象且携带 error 或 success=false 时视为失败。
func decodeData(action string, resp bridgeResponse, out interface{}) error {
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		if out == nil {
			return nil
		}
		return callFailed(action, "响应缺少 data")
	}

	trimmed := strings.TrimSpace(string(resp.Data))
	if strings.HasPrefix(trimmed, "{") {
		var outcome bridgeOutcome
		if err := json.Unmarshal(resp.Data, &outcome); err == nil {
			if outcome.Error != "" {
				return callFailed(action, "%s", outcome.Error)
			}
			if outcome.Success != nil && !*outcome.Success {
				return callFailed(action, "终端返回失败")
			}
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return callFailed(action, "无法解析响应: %v", err)
	}
	return nil
}

// GetOpenPositions 实现 Gateway。
func (b *Bridge) GetOpenPositions(ctx context.Context) ([]Position, error) {
	resp, err := b.call(ctx, "getPositions", nil)
	if err != nil {
		return nil, err
	}
	var positions []Position
	if err := decodeData("getPositions", resp, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// GetMarketData 实现 Gateway。
func (b *Bridge) GetMarketData(ctx context.Context, symbol string) (Quote, error) {
	resp, err := b.call(ctx, "getMarketData", map[string]interface{}{"symbol": symbol})
	if err != nil {
		return Quote{}, err
	}
	var raw bridgeQuote
	if err := decodeData("getMarketData", resp, &raw); err != nil {
		return Quote{}, err
	}
	return Quote{
		Symbol: raw.Symbol,
		Bid:    raw.Bid,
		Ask:    raw.Ask,
		Time:   parseBridgeTime(raw.Time),
	}, nil
}

// GetHistoricalData 实现 Gateway。
func (b *Bridge) GetHistoricalData(ctx context.Context, symbol, timeframe string, bars int) ([]Candle, error) {
	resp, err := b.call(ctx, "getHistoricalData", map[string]interface{}{
		"symbol":    symbol,
		"timeframe": strings.ToUpper(timeframe),
		"bars":      bars,
	})
	if err != nil {
		return nil, err
	}
	var raw bridgeHistory
	if err := decodeData("getHistoricalData", resp, &raw); err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(raw.Data))
	for _, bar := range raw.Data {
		candles = append(candles, Candle{
			Timestamp: parseBridgeTime(bar.Time),
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			Volume:    bar.Volume,
		})
	}
	return candles, nil
}

// ModifyPosition 实现 Gateway。
func (b *Bridge) ModifyPosition(ctx context.Context, ticket Ticket, stopLoss, takeProfit float64) error {
	resp, err := b.call(ctx, "modifyPosition", map[string]interface{}{
		"ticket":     int64(ticket),
		"stopLoss":   stopLoss,
		"takeProfit": takeProfit,
	})
	if err != nil {
		return err
	}
	return decodeData("modifyPosition", resp, nil)
}

// PlaceOrder 实现 Gateway。
func (b *Bridge) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	resp, err := b.call(ctx, "executeOrder", map[string]interface{}{
		"symbol":     req.Symbol,
		"type":       string(req.Side),
		"volume":     req.Volume,
		"stopLoss":   req.StopLoss,
		"takeProfit": req.TakeProfit,
	})
	if err != nil {
		return OrderResult{}, err
	}
	var outcome bridgeOutcome
	if err := decodeData("executeOrder", resp, &outcome); err != nil {
		return OrderResult{}, err
	}
	return OrderResult{
		Ticket:  Ticket(outcome.Ticket),
		Price:   outcome.Price,
		Message: outcome.Message,
	}, nil
}

// ClosePosition 实现 Gateway。
func (b *Bridge) ClosePosition(ctx context.Context, ticket Ticket) error {
	resp, err := b.call(ctx, "closePosition", map[string]interface{}{"ticket": int64(ticket)})
	if err != nil {
		return err
	}
	return decodeData("closePosition", resp, nil)
}

func parseBridgeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(bridgeTimeLayout, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
