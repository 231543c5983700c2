package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"flowtrader/internal/config"
)

// ErrMaintenance 表示交易所处于维护状态。
var ErrMaintenance = errors.New("exchange on maintenance")

// 终端周期写法到 ccxt 周期写法的映射。
var timeframeMap = map[string]string{
	"M1":  "1m",
	"M5":  "5m",
	"M15": "15m",
	"M30": "30m",
	"H1":  "1h",
	"H4":  "4h",
	"D1":  "1d",
	"W1":  "1w",
}

type bookFunc func(symbol string, depth int64) (ccxt.OrderBook, error)
type ohlcvFunc func(symbol, timeframe string, limit int64) ([]ccxt.OHLCV, error)

// CCXTFeed 从 ccxt 交易所拉取行情，并带指数退避重试。
type CCXTFeed struct {
	cfg    config.ExchangeConfig
	logger *zap.Logger

	loadMarkets func() error
	fetchBook   bookFunc
	fetchOHLCV  ohlcvFunc
	sleep       func(ctx context.Context, d time.Duration) error

	marketsMu     sync.Mutex
	marketsLoaded bool
}

var _ PriceFeed = (*CCXTFeed)(nil)

// NewCCXTFeed 构造 Binance USDⓈ-M 行情源。
func NewCCXTFeed(cfg config.ExchangeConfig, logger *zap.Logger) (*CCXTFeed, error) {
	if !strings.EqualFold(cfg.Name, "binanceusdm") {
		return nil, fmt.Errorf("gateway: 暂不支持的行情交易所 %q", cfg.Name)
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return newCCXTFeed(cfg, logger,
		func() error {
			_, err := ex.LoadMarkets()
			return err
		},
		func(symbol string, depth int64) (ccxt.OrderBook, error) {
			return ex.FetchOrderBook(symbol, ccxt.WithFetchOrderBookLimit(depth))
		},
		func(symbol, timeframe string, limit int64) ([]ccxt.OHLCV, error) {
			return ex.FetchOHLCV(
				symbol,
				ccxt.WithFetchOHLCVTimeframe(timeframe),
				ccxt.WithFetchOHLCVLimit(limit),
			)
		},
	), nil
}

func newCCXTFeed(cfg config.ExchangeConfig, logger *zap.Logger, load func() error, book bookFunc, ohlcv ohlcvFunc) *CCXTFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CCXTFeed{
		cfg:         cfg,
		logger:      logger,
		loadMarkets: load,
		fetchBook:   book,
		fetchOHLCV:  ohlcv,
		sleep:       sleepContext,
	}
}

// Quote 以订单簿最优档作为买卖价。
func (f *CCXTFeed) Quote(ctx context.Context, symbol string) (Quote, error) {
	market := f.marketSymbol(symbol)

	var raw ccxt.OrderBook
	err := f.callWithRetry(ctx, "fetch_order_book", func() error {
		if err := f.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		ob, err := f.fetchBook(market, 5)
		if err != nil {
			return err
		}
		raw = ob
		return nil
	})
	if err != nil {
		return Quote{}, err
	}

	bid, ask := bestLevel(raw.Bids), bestLevel(raw.Asks)
	if bid <= 0 || ask <= 0 {
		return Quote{}, callFailed("fetch_order_book", "品种 %s 无有效报价", market)
	}

	ts := time.Now().UTC()
	if raw.Timestamp != nil {
		ts = time.UnixMilli(*raw.Timestamp).UTC()
	}
	return Quote{Symbol: strings.ToUpper(symbol), Bid: bid, Ask: ask, Time: ts}, nil
}

// Candles 实现 PriceFeed。
func (f *CCXTFeed) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	if limit <= 0 {
		limit = 1
	}
	market := f.marketSymbol(symbol)
	tf := convertTimeframe(timeframe)

	var raw []ccxt.OHLCV
	err := f.callWithRetry(ctx, fmt.Sprintf("fetch_ohlcv_%s", tf), func() error {
		if err := f.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := f.fetchOHLCV(market, tf, int64(limit))
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(raw))
	for _, item := range raw {
		candles = append(candles, Candle{
			Timestamp: time.UnixMilli(item.Timestamp).UTC(),
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}
	return candles, nil
}

func (f *CCXTFeed) marketSymbol(symbol string) string {
	if mapped, ok := f.cfg.Symbols[strings.ToLower(symbol)]; ok && mapped != "" {
		return mapped
	}
	if mapped, ok := f.cfg.Symbols[symbol]; ok && mapped != "" {
		return mapped
	}
	return symbol
}

func convertTimeframe(tf string) string {
	if mapped, ok := timeframeMap[strings.ToUpper(tf)]; ok {
		return mapped
	}
	if tf == "" {
		return "1h"
	}
	return tf
}

func (f *CCXTFeed) ensureMarketsLoaded(ctx context.Context) error {
	f.marketsMu.Lock()
	defer f.marketsMu.Unlock()

	if f.marketsLoaded {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.loadMarkets(); err != nil {
		return err
	}

	f.marketsLoaded = true
	f.logger.Info("已完成市场元数据加载", zap.String("exchange", f.cfg.Name))
	return nil
}

func (f *CCXTFeed) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	maxAttempts := f.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	delay := f.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := f.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				f.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			f.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return fmt.Errorf("%w: %v", ErrUnavailable, normalizedErr)
		}

		if !retry || attempt >= maxAttempts {
			f.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return &CallError{Op: operation, Message: normalizedErr.Error()}
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		f.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		if err := f.sleep(ctx, wait); err != nil {
			return err
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return err, true
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		default:
			return err, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func bestLevel(levels [][]float64) float64 {
	for _, level := range levels {
		if len(level) >= 2 && level[0] > 0 {
			return level[0]
		}
	}
	return 0
}
