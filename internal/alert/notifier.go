package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"flowtrader/internal/config"
	"flowtrader/internal/gateway"
	"flowtrader/internal/trailing"
)

const (
	channelWhatsApp = "whatsapp"
	whatsAppPrefix  = "whatsapp:"
	timeLayout      = "2006-01-02 15:04:05"
	signature       = "flowtrader 交易提醒"
)

// ErrDisabled 表示通知未启用或未配置发送器。
var ErrDisabled = errors.New("alert: notifier disabled")

// Notifier 把交易事件格式化为消息并发给全部接收人。
type Notifier struct {
	cfg    config.AlertsConfig
	sender Sender
	logger *zap.Logger
	now    func() time.Time
}

// New 创建通知器。sender 为空时通知器处于停用状态。
func New(cfg config.AlertsConfig, sender Sender, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		cfg:    cfg,
		sender: sender,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// NewFromConfig 按配置创建通知器，启用时使用 Twilio 发送。
func NewFromConfig(cfg config.AlertsConfig, logger *zap.Logger) *Notifier {
	var sender Sender
	if cfg.Enabled {
		sender = NewTwilioSender(cfg.AccountSID, cfg.AuthToken)
	}
	return New(cfg, sender, logger)
}

// Enabled 判断通知是否可用。
func (n *Notifier) Enabled() bool {
	return n != nil && n.cfg.Enabled && n.sender != nil
}

// Send 发送自定义消息，末尾附加时间与署名。
func (n *Notifier) Send(ctx context.Context, message string) error {
	if !n.Enabled() {
		return ErrDisabled
	}
	return n.deliver(ctx, message+"\n\n"+n.footer())
}

// ProtectiveHits 按平仓原因发送止盈或止损提醒，失败只记日志。
func (n *Notifier) ProtectiveHits(ctx context.Context, closed []gateway.ClosedPosition) {
	if !n.Enabled() {
		return
	}
	for _, c := range closed {
		var body string
		switch {
		case c.Reason == "take_profit" && n.cfg.TakeProfit:
			body = n.takeProfitMessage(c)
		case c.Reason == "stop_loss" && n.cfg.StopLoss:
			body = n.stopLossMessage(c)
		default:
			continue
		}
		if err := n.deliver(ctx, body); err != nil {
			n.logger.Warn("发送平仓提醒失败", zap.Int64("ticket", int64(c.Ticket)), zap.Error(err))
		}
	}
}

// PositionOpened 发送开仓提醒，失败只记日志。
func (n *Notifier) PositionOpened(ctx context.Context, req gateway.OrderRequest, ticket gateway.Ticket, price float64) {
	if !n.Enabled() || !n.cfg.PositionOpened {
		return
	}
	var b strings.Builder
	b.WriteString("已开仓\n\n")
	fmt.Fprintf(&b, "品种: %s\n", req.Symbol)
	fmt.Fprintf(&b, "编号: %d\n", ticket)
	fmt.Fprintf(&b, "方向: %s\n", req.Side)
	fmt.Fprintf(&b, "手数: %g\n", req.Volume)
	fmt.Fprintf(&b, "开仓价: %g\n", price)
	fmt.Fprintf(&b, "止损: %s\n", levelOrNone(req.StopLoss))
	fmt.Fprintf(&b, "止盈: %s\n\n", levelOrNone(req.TakeProfit))
	b.WriteString(n.footer())

	if err := n.deliver(ctx, b.String()); err != nil {
		n.logger.Warn("发送开仓提醒失败", zap.Int64("ticket", int64(ticket)), zap.Error(err))
	}
}

// OnCycle 为移动止损轮次回调，每次成功调整发送一条提醒。
func (n *Notifier) OnCycle(ctx context.Context, res trailing.CycleResult) {
	if !n.Enabled() || !n.cfg.TrailingAdjusted {
		return
	}
	for _, adj := range res.Adjustments {
		var b strings.Builder
		b.WriteString("移动止损已调整\n\n")
		fmt.Fprintf(&b, "品种: %s\n", adj.Symbol)
		fmt.Fprintf(&b, "编号: %d\n", adj.Ticket)
		fmt.Fprintf(&b, "现价: %g\n", adj.Price)
		fmt.Fprintf(&b, "止损: %s -> %s\n", levelOrNone(adj.From.StopLoss), levelOrNone(adj.To.StopLoss))
		fmt.Fprintf(&b, "止盈: %s -> %s\n\n", levelOrNone(adj.From.TakeProfit), levelOrNone(adj.To.TakeProfit))
		b.WriteString(n.footer())

		if err := n.deliver(ctx, b.String()); err != nil {
			n.logger.Warn("发送移动止损提醒失败", zap.Int64("ticket", int64(adj.Ticket)), zap.Error(err))
		}
	}
}

func (n *Notifier) takeProfitMessage(c gateway.ClosedPosition) string {
	var b strings.Builder
	b.WriteString("止盈触发\n\n")
	n.closedLines(&b, c)
	fmt.Fprintf(&b, "盈利: %.2f\n", c.Profit)
	fmt.Fprintf(&b, "止盈价: %g\n", c.TakeProfit)
	fmt.Fprintf(&b, "成交价: %g\n\n", c.ClosePrice)
	b.WriteString(n.footer())
	return b.String()
}

func (n *Notifier) stopLossMessage(c gateway.ClosedPosition) string {
	var b strings.Builder
	b.WriteString("止损触发\n\n")
	n.closedLines(&b, c)
	fmt.Fprintf(&b, "亏损: %.2f\n", c.Profit)
	fmt.Fprintf(&b, "止损价: %g\n", c.StopLoss)
	fmt.Fprintf(&b, "成交价: %g\n\n", c.ClosePrice)
	b.WriteString(n.footer())
	return b.String()
}

func (n *Notifier) closedLines(b *strings.Builder, c gateway.ClosedPosition) {
	fmt.Fprintf(b, "品种: %s\n", c.Symbol)
	fmt.Fprintf(b, "编号: %d\n", c.Ticket)
	fmt.Fprintf(b, "方向: %s\n", c.Side)
	fmt.Fprintf(b, "手数: %g\n", c.Volume)
}

func (n *Notifier) footer() string {
	return "时间: " + n.now().Format(timeLayout) + "\n" + signature
}

// deliver 发给每个接收人，汇总全部失败。
func (n *Notifier) deliver(ctx context.Context, body string) error {
	from := n.address(n.cfg.From)
	var errs error
	for _, to := range n.cfg.To {
		to = n.address(to)
		sid, err := n.sender.Send(ctx, from, to, body)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", to, err))
			continue
		}
		n.logger.Info("提醒已发送", zap.String("to", to), zap.String("sid", sid))
	}
	return errs
}

func (n *Notifier) address(number string) string {
	number = strings.TrimSpace(number)
	if strings.EqualFold(n.cfg.Channel, channelWhatsApp) && !strings.HasPrefix(number, whatsAppPrefix) {
		return whatsAppPrefix + number
	}
	return number
}

func levelOrNone(v float64) string {
	if v <= 0 {
		return "无"
	}
	return fmt.Sprintf("%g", v)
}
