package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"flowtrader/internal/config"
	"flowtrader/internal/gateway"
)

// 手数按 0.01 步进取整。
const volumeDigits = 2

// Executor 把终端节点的意图转化为网关委托，负责试运行拦截、风控与重试。
type Executor struct {
	cfg      config.RiskConfig
	logger   *zap.Logger
	maxRetry int
	backoff  time.Duration
}

// NewExecutor 创建执行器。
func NewExecutor(cfg config.RiskConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRetry := cfg.MaxRetry
	if maxRetry <= 0 {
		maxRetry = 3
	}
	return &Executor{
		cfg:      cfg,
		logger:   logger,
		maxRetry: maxRetry,
		backoff:  time.Second,
	}
}

// Place 校验并提交市价委托。live=false 时只返回意图，不触达网关。
func (e *Executor) Place(ctx context.Context, gw gateway.Gateway, req gateway.OrderRequest, live bool) (Outcome, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return Outcome{}, err
	}

	outcome := Outcome{
		DryRun:     !live,
		Request:    req,
		ExecutedAt: time.Now().UTC(),
	}

	if e.cfg.MaxOrderVolume > 0 && req.Volume > e.cfg.MaxOrderVolume {
		return outcome, fmt.Errorf("%w: 手数 %.2f 超过上限 %.2f", ErrRiskRejected, req.Volume, e.cfg.MaxOrderVolume)
	}

	if !live {
		outcome.Message = fmt.Sprintf("试运行: %s %s %.2f 手", req.Side, req.Symbol, req.Volume)
		e.logger.Info("试运行委托已拦截",
			zap.String("symbol", req.Symbol),
			zap.String("side", string(req.Side)),
			zap.Float64("volume", req.Volume),
		)
		return outcome, nil
	}

	if gw == nil {
		return outcome, gateway.ErrUnavailable
	}

	if e.cfg.MaxOpenPositions > 0 {
		positions, err := gw.GetOpenPositions(ctx)
		if err != nil {
			return outcome, fmt.Errorf("execution: 获取持仓失败: %w", err)
		}
		if len(positions) >= e.cfg.MaxOpenPositions {
			return outcome, fmt.Errorf("%w: 持仓数 %d 已达上限 %d", ErrRiskRejected, len(positions), e.cfg.MaxOpenPositions)
		}
	}

	var result gateway.OrderResult
	err = e.withRetry(ctx, "place_order", func() error {
		r, err := gw.PlaceOrder(ctx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return outcome, err
	}

	outcome.Submitted = true
	outcome.Ticket = result.Ticket
	outcome.Price = result.Price
	outcome.Message = fmt.Sprintf("已成交 ticket=%d price=%g", result.Ticket, result.Price)

	e.logger.Info("委托已提交",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("volume", req.Volume),
		zap.Int64("ticket", int64(result.Ticket)),
		zap.Float64("price", result.Price),
	)
	return outcome, nil
}

// Close 平掉指定持仓，或某品种的全部持仓。
func (e *Executor) Close(ctx context.Context, gw gateway.Gateway, target CloseTarget, live bool) (Outcome, error) {
	target.Symbol = strings.ToUpper(strings.TrimSpace(target.Symbol))
	if target.Ticket <= 0 && target.Symbol == "" {
		return Outcome{}, errors.New("execution: 平仓需要 ticket 或 symbol")
	}

	outcome := Outcome{DryRun: !live, ExecutedAt: time.Now().UTC()}

	if !live {
		if target.Ticket > 0 {
			outcome.Message = fmt.Sprintf("试运行: 平仓 ticket=%d", target.Ticket)
		} else {
			outcome.Message = fmt.Sprintf("试运行: 平仓 %s 全部持仓", target.Symbol)
		}
		return outcome, nil
	}

	if gw == nil {
		return outcome, gateway.ErrUnavailable
	}

	tickets := []gateway.Ticket{target.Ticket}
	if target.Ticket <= 0 {
		positions, err := gw.GetOpenPositions(ctx)
		if err != nil {
			return outcome, fmt.Errorf("execution: 获取持仓失败: %w", err)
		}
		tickets = tickets[:0]
		for _, pos := range positions {
			if strings.EqualFold(pos.Symbol, target.Symbol) {
				tickets = append(tickets, pos.Ticket)
			}
		}
	}

	var errs error
	for _, ticket := range tickets {
		err := e.withRetry(ctx, "close_position", func() error {
			return gw.ClosePosition(ctx, ticket)
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("ticket %d: %w", ticket, err))
			continue
		}
		outcome.Closed = append(outcome.Closed, ticket)
	}

	outcome.Submitted = len(outcome.Closed) > 0
	outcome.Message = fmt.Sprintf("已平仓 %d/%d", len(outcome.Closed), len(tickets))
	if errs != nil {
		return outcome, errs
	}
	return outcome, nil
}

// 仅在连接不可用时重试，终端明确拒绝的操作不重复提交。
func (e *Executor) withRetry(ctx context.Context, operation string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= e.maxRetry; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, gateway.ErrUnavailable) || attempt == e.maxRetry {
			break
		}

		wait := time.Duration(attempt) * e.backoff
		e.logger.Warn("网关调用失败，准备重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("execution: %s 失败: %w", operation, err)
}

func normalizeRequest(req gateway.OrderRequest) (gateway.OrderRequest, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Symbol == "" {
		return req, errors.New("execution: 缺少交易品种")
	}
	if req.Side != gateway.SideBuy && req.Side != gateway.SideSell {
		return req, fmt.Errorf("execution: 无效方向 %q", req.Side)
	}

	req.Volume = decimal.NewFromFloat(req.Volume).Round(volumeDigits).InexactFloat64()
	if req.Volume <= 0 {
		return req, fmt.Errorf("execution: 计算下单手数无效 volume=%.4f", req.Volume)
	}
	if req.StopLoss < 0 || req.TakeProfit < 0 {
		return req, errors.New("execution: 止损止盈不能为负")
	}
	return req, nil
}
