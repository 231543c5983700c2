package indicator

import (
	"errors"
	"math"
	"testing"
	"time"

	"flowtrader/internal/gateway"
)

func makeCandles(closes ...float64) []gateway.Candle {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]gateway.Candle, len(closes))
	for i, c := range closes {
		candles[i] = gateway.Candle{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
		}
	}
	return candles
}

func TestCompute_SMAUsesLastPeriod(t *testing.T) {
	calc := NewCalculator()
	got, err := calc.Compute("EURUSD:H1", KindSMA, 3, makeCandles(1, 2, 3, 4, 5))
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	if math.Abs(got-4) > 1e-9 {
		t.Errorf("expected sma 4, got %f", got)
	}
}

func TestCompute_ATRConstantRange(t *testing.T) {
	calc := NewCalculator()
	got, err := calc.Compute("EURUSD:H1", KindATR, 3, makeCandles(10, 10, 10, 10, 10, 10))
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	if math.Abs(got-2) > 1e-9 {
		t.Errorf("expected atr 2, got %f", got)
	}
}

func TestCompute_InsufficientData(t *testing.T) {
	calc := NewCalculator()
	_, err := calc.Compute("EURUSD:H1", KindRSI, 14, makeCandles(1, 2, 3))
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestCompute_CacheInvalidatesOnNewCandle(t *testing.T) {
	calc := NewCalculator()
	candles := makeCandles(1, 2, 3)
	first, _ := calc.Compute("X", KindSMA, 3, candles)

	candles = append(candles, makeCandles(1, 2, 3, 9)[3])
	second, _ := calc.Compute("X", KindSMA, 3, candles)
	if first == second {
		t.Errorf("expected cache miss after new candle, got %f twice", first)
	}
}

func TestCompute_ROCIsPercentChange(t *testing.T) {
	calc := NewCalculator()
	got, err := calc.Compute("EURUSD:M1", KindROC, 1, makeCandles(100, 200, 250))
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	if math.Abs(got-25) > 1e-9 {
		t.Errorf("expected 25%% change over the last bar, got %f", got)
	}
	if _, err := calc.Compute("EURUSD:M1", KindROC, 1, makeCandles(100)); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("roc needs two bars, got %v", err)
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind(" EMA "); err != nil || k != KindEMA {
		t.Errorf("expected ema, got %s %v", k, err)
	}
	if _, err := ParseKind("macd"); err == nil {
		t.Errorf("expected unsupported kind error")
	}
}
