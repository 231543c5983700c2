package indicator

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	talib "github.com/markcheno/go-talib"

	"flowtrader/internal/gateway"
)

// ErrInsufficientData 表示K线数量不足以计算指标。
var ErrInsufficientData = errors.New("indicator: insufficient candles")

// Kind 为支持的指标类型。
type Kind string

const (
	KindSMA Kind = "sma"
	KindEMA Kind = "ema"
	KindWMA Kind = "wma"
	KindRSI Kind = "rsi"
	KindATR Kind = "atr"
	KindADX Kind = "adx"
	// KindROC 为相对 period 根之前收盘价的百分比变化。
	KindROC Kind = "roc"
)

// ParseKind 解析指标类型，大小写不敏感。
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindSMA, KindEMA, KindWMA, KindRSI, KindATR, KindADX, KindROC:
		return k, nil
	default:
		return "", fmt.Errorf("indicator: 不支持的指标 %q", s)
	}
}

// RequiredBars 返回计算该指标所需的最少K线数。
func RequiredBars(kind Kind, period int) int {
	switch kind {
	case KindRSI, KindATR, KindROC:
		return period + 1
	case KindADX:
		return 2 * period
	default:
		return period
	}
}

type cacheEntry struct {
	key   string
	value float64
}

// Calculator 计算单值指标，并按 K线末尾时间做简单缓存。
type Calculator struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewCalculator 创建 Calculator。
func NewCalculator() *Calculator {
	return &Calculator{
		cache: make(map[string]cacheEntry),
	}
}

// Compute 计算指标最新值。scope 用于区分缓存槽位，通常为 品种:周期。
func (c *Calculator) Compute(scope string, kind Kind, period int, candles []gateway.Candle) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("indicator: 周期必须大于0: %d", period)
	}
	need := RequiredBars(kind, period)
	if len(candles) < need {
		return 0, fmt.Errorf("%w: %s(%d) 需要 %d 根，实际 %d", ErrInsufficientData, kind, period, need, len(candles))
	}

	cols := toColumns(candles)
	slot := fmt.Sprintf("%s:%s:%d", scope, kind, period)
	cacheKey := cols.fingerprint()

	c.mu.Lock()
	if entry, ok := c.cache[slot]; ok && entry.key == cacheKey {
		c.mu.Unlock()
		return entry.value, nil
	}
	c.mu.Unlock()

	value, err := calculate(kind, period, cols)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.cache[slot] = cacheEntry{key: cacheKey, value: value}
	c.mu.Unlock()

	return value, nil
}

func calculate(kind Kind, period int, cols columns) (float64, error) {
	var out []float64
	switch kind {
	case KindSMA:
		out = talib.Sma(cols.close, period)
	case KindEMA:
		out = talib.Ema(cols.close, period)
	case KindWMA:
		out = talib.Wma(cols.close, period)
	case KindRSI:
		out = talib.Rsi(cols.close, period)
	case KindATR:
		out = talib.Atr(cols.high, cols.low, cols.close, period)
	case KindADX:
		out = talib.Adx(cols.high, cols.low, cols.close, period)
	case KindROC:
		out = talib.Roc(cols.close, period)
	default:
		return 0, fmt.Errorf("indicator: 不支持的指标 %q", kind)
	}

	value := tail(out)
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%w: %s(%d) 结果无效", ErrInsufficientData, kind, period)
	}
	return value, nil
}
