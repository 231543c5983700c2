package trailing

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"flowtrader/internal/gateway"
)

// Settings 为用户配置的移动止损参数，0 表示未设置。
type Settings struct {
	SLDistance   float64 `json:"sl_distance"`
	SLPercent    float64 `json:"sl_percent"`
	TPDistance   float64 `json:"tp_distance"`
	TPPercent    float64 `json:"tp_percent"`
	TriggerPrice float64 `json:"trigger_price"`
	MaxSL        float64 `json:"max_sl"`
	MaxTP        float64 `json:"max_tp"`
	Digits       int     `json:"digits"`
}

// Validate 检查参数取值范围。
func (s Settings) Validate() error {
	var err error
	for name, v := range map[string]float64{
		"sl_distance":   s.SLDistance,
		"tp_distance":   s.TPDistance,
		"trigger_price": s.TriggerPrice,
		"max_sl":        s.MaxSL,
		"max_tp":        s.MaxTP,
	} {
		if v < 0 {
			err = multierr.Append(err, errors.New(name+" 不能为负"))
		}
	}
	if s.SLPercent < 0 || s.SLPercent >= 100 {
		err = multierr.Append(err, errors.New("sl_percent 必须位于[0,100)"))
	}
	if s.TPPercent < 0 {
		err = multierr.Append(err, errors.New("tp_percent 不能为负"))
	}
	if s.Digits < 0 || s.Digits > 10 {
		err = multierr.Append(err, errors.New("digits 必须位于[0,10]"))
	}
	return err
}

// Policy 为某个持仓的移动止损状态。
type Policy struct {
	Ticket gateway.Ticket `json:"ticket"`
	Settings
	// Activated 在价格首次越过触发价后锁定为 true。
	Activated      bool      `json:"activated"`
	LastPrice      float64   `json:"last_price"`
	LastUpdate     time.Time `json:"last_update"`
	LastAdjustment time.Time `json:"last_adjustment"`
	CreatedAt      time.Time `json:"created_at"`
}

// Levels 为止损止盈价位。
type Levels struct {
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
}

// Decision 为一次计算的结果，Changed 为 false 时不应调用网关。
type Decision struct {
	Activated bool
	Levels    Levels
	Changed   bool
}

// Compute 根据策略、持仓和现价计算新的止损止盈。
//
// 止损先棘轮（只向有利方向移动）再按上限收紧，收紧结果不会越过已持有的止损。
// 止盈每次按现价重算，只受上限约束。
func Compute(p Policy, pos gateway.Position, price float64) Decision {
	d := Decision{Activated: p.Activated}
	if price <= 0 {
		return d
	}

	long := pos.IsLong()
	if !d.Activated {
		switch {
		case p.TriggerPrice <= 0:
			d.Activated = true
		case long && price >= p.TriggerPrice:
			d.Activated = true
		case !long && price <= p.TriggerPrice:
			d.Activated = true
		}
	}
	if !d.Activated {
		return d
	}

	slDist := resolveDistance(price, p.SLPercent, p.SLDistance)
	tpDist := resolveDistance(price, p.TPPercent, p.TPDistance)
	if slDist <= 0 && tpDist <= 0 {
		return d
	}

	digits := p.Digits
	current := Levels{
		StopLoss:   round(pos.StopLoss, digits),
		TakeProfit: round(pos.TakeProfit, digits),
	}
	next := current

	if slDist > 0 {
		next.StopLoss = round(nextStopLoss(long, price, slDist, current.StopLoss, p.MaxSL), digits)
	}
	if tpDist > 0 {
		if tp := nextTakeProfit(long, price, tpDist, p.MaxTP); tp > 0 {
			next.TakeProfit = round(tp, digits)
		}
	}

	d.Levels = next
	d.Changed = next != current
	return d
}

func resolveDistance(price, pct, abs float64) float64 {
	if pct > 0 {
		return price * pct / 100
	}
	return abs
}

func nextStopLoss(long bool, price, dist, held, maxSL float64) float64 {
	if long {
		sl := price - dist
		if sl <= 0 {
			return held
		}
		if held > 0 && sl < held {
			sl = held
		}
		if maxSL > 0 && sl > maxSL {
			sl = maxSL
			if held > 0 && sl < held {
				sl = held
			}
		}
		return sl
	}

	sl := price + dist
	if held > 0 && sl > held {
		sl = held
	}
	if maxSL > 0 && sl < maxSL {
		sl = maxSL
		if held > 0 && sl > held {
			sl = held
		}
	}
	return sl
}

func nextTakeProfit(long bool, price, dist, maxTP float64) float64 {
	if long {
		tp := price + dist
		if maxTP > 0 && tp > maxTP {
			tp = maxTP
		}
		return tp
	}
	tp := price - dist
	if maxTP > 0 && tp < maxTP {
		tp = maxTP
	}
	return tp
}

func round(v float64, digits int) float64 {
	return decimal.NewFromFloat(v).Round(int32(digits)).InexactFloat64()
}
