package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// StaticFeed 为手工设定价格的行情源，用于模拟与测试。
type StaticFeed struct {
	mu      sync.RWMutex
	quotes  map[string]Quote
	candles map[string][]Candle
	spread  float64
}

var _ PriceFeed = (*StaticFeed)(nil)

// NewStaticFeed 以给定中间价初始化行情源，spread 为买卖价差。
func NewStaticFeed(prices map[string]float64, spread float64) *StaticFeed {
	f := &StaticFeed{
		quotes:  make(map[string]Quote, len(prices)),
		candles: make(map[string][]Candle),
		spread:  spread,
	}
	for symbol, price := range prices {
		f.SetPrice(symbol, price)
	}
	return f
}

// SetPrice 设定中间价，并把它作为一根收盘K线追加到历史。
func (f *StaticFeed) SetPrice(symbol string, price float64) {
	key := strings.ToUpper(symbol)
	now := time.Now().UTC()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[key] = Quote{
		Symbol: key,
		Bid:    price - f.spread/2,
		Ask:    price + f.spread/2,
		Time:   now,
	}
	f.candles[key] = append(f.candles[key], Candle{
		Timestamp: now,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
	})
}

// SetCandles 直接设定历史K线。
func (f *StaticFeed) SetCandles(symbol string, candles []Candle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candles[strings.ToUpper(symbol)] = append([]Candle(nil), candles...)
}

// Quote 实现 PriceFeed。
func (f *StaticFeed) Quote(_ context.Context, symbol string) (Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.quotes[strings.ToUpper(symbol)]
	if !ok {
		return Quote{}, callFailed("quote", "品种 %s 无行情", symbol)
	}
	return q, nil
}

// Candles 实现 PriceFeed，timeframe 对静态源无意义。
func (f *StaticFeed) Candles(_ context.Context, symbol, _ string, limit int) ([]Candle, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	data, ok := f.candles[strings.ToUpper(symbol)]
	if !ok || len(data) == 0 {
		return nil, fmt.Errorf("%w: 品种 %s 无历史数据", ErrCallFailed, symbol)
	}
	if limit > 0 && len(data) > limit {
		data = data[len(data)-limit:]
	}
	return append([]Candle(nil), data...), nil
}
