package indicator

import (
	"fmt"
	"math"

	"flowtrader/internal/gateway"
)

// columns 为 talib 需要的按列排列的K线，顺序与输入一致。
type columns struct {
	high, low, close []float64
	lastUnix         int64
}

func toColumns(candles []gateway.Candle) columns {
	cols := columns{
		high:  make([]float64, len(candles)),
		low:   make([]float64, len(candles)),
		close: make([]float64, len(candles)),
	}
	for i, c := range candles {
		cols.high[i], cols.low[i], cols.close[i] = c.High, c.Low, c.Close
	}
	if n := len(candles); n > 0 {
		cols.lastUnix = candles[n-1].Timestamp.UnixNano()
	}
	return cols
}

// fingerprint 标识一段K线：长度、末根时间与收盘价都不变时视为同一输入。
func (c columns) fingerprint() string {
	return fmt.Sprintf("%d:%d:%g", len(c.close), c.lastUnix, tail(c.close))
}

func tail(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}
