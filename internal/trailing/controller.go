package trailing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flowtrader/internal/config"
	"flowtrader/internal/gateway"
	"flowtrader/internal/store"
)

const (
	// PoliciesDocument 为持久化移动止损策略的文档键。
	PoliciesDocument = "trailing_policies"
	// DefaultInterval 为未配置 update_interval 时的调整周期。
	DefaultInterval = 300 * time.Second
)

var (
	// ErrAlreadyRunning 表示后台循环已启动。
	ErrAlreadyRunning = errors.New("trailing: loop already running")
	// ErrInvalidSettings 表示策略参数不合法。
	ErrInvalidSettings = errors.New("trailing: invalid settings")
	// ErrInvalidInterval 表示循环间隔不合法。
	ErrInvalidInterval = errors.New("trailing: interval must be positive")
)

// Adjustment 为一次成功的止损止盈修改。
type Adjustment struct {
	Ticket gateway.Ticket `json:"ticket"`
	Symbol string         `json:"symbol"`
	Price  float64        `json:"price"`
	From   Levels         `json:"from"`
	To     Levels         `json:"to"`
}

// Failure 为某个持仓或整轮的失败原因，Ticket 为 0 表示整轮失败。
type Failure struct {
	Ticket gateway.Ticket `json:"ticket,omitempty"`
	Reason string         `json:"reason"`
}

// CycleResult 为一轮移动止损的执行结果。
type CycleResult struct {
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
	Skipped     bool             `json:"skipped"`
	Checked     int              `json:"checked"`
	Adjustments []Adjustment     `json:"adjustments"`
	Failures    []Failure        `json:"failures"`
	Removed     []gateway.Ticket `json:"removed,omitempty"`
	Err         error            `json:"-"`
}

// Status 为控制器状态快照。
type Status struct {
	Running   bool          `json:"running"`
	Interval  time.Duration `json:"interval"`
	Policies  int           `json:"policies"`
	LastCycle *CycleResult  `json:"last_cycle,omitempty"`
}

// Option 调整 Controller。
type Option func(*Controller)

// WithCycleHook 在每轮结束后回调，被跳过的轮次不回调。
func WithCycleHook(fn func(context.Context, CycleResult)) Option {
	return func(c *Controller) { c.onCycle = fn }
}

// Controller 周期性地为启用了移动止损的持仓收紧止损。
type Controller struct {
	gw     gateway.Gateway
	docs   store.DocumentStore
	cfg    config.TrailingConfig
	logger *zap.Logger
	now    func() time.Time

	onCycle func(context.Context, CycleResult)

	mu       sync.RWMutex
	policies map[gateway.Ticket]*Policy
	interval time.Duration
	last     *CycleResult

	inCycle atomic.Bool

	loopMu sync.Mutex
	cancel context.CancelFunc
	reset  chan time.Duration
	wg     sync.WaitGroup

	persistMu sync.Mutex
}

// New 创建控制器。docs 可为空，此时策略仅保存在内存。
func New(gw gateway.Gateway, docs store.DocumentStore, cfg config.TrailingConfig, logger *zap.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.UpdateInterval
	if interval <= 0 {
		interval = DefaultInterval
	}
	c := &Controller{
		gw:       gw,
		docs:     docs,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		policies: make(map[gateway.Ticket]*Policy),
		interval: interval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enable 为持仓启用或覆盖移动止损策略，并立即持久化。
func (c *Controller) Enable(ctx context.Context, ticket gateway.Ticket, s Settings) (Policy, error) {
	if ticket <= 0 {
		return Policy{}, fmt.Errorf("%w: 持仓编号无效 %d", ErrInvalidSettings, ticket)
	}
	if err := s.Validate(); err != nil {
		return Policy{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if s.Digits == 0 {
		s.Digits = c.cfg.DefaultDigits
	}

	now := c.now()
	p := &Policy{Ticket: ticket, Settings: s, CreatedAt: now, LastUpdate: now}

	c.mu.Lock()
	c.policies[ticket] = p
	out := *p
	c.mu.Unlock()

	c.logger.Info("已启用移动止损",
		zap.Int64("ticket", int64(ticket)),
		zap.Float64("sl_distance", s.SLDistance),
		zap.Float64("sl_percent", s.SLPercent),
		zap.Float64("tp_distance", s.TPDistance),
		zap.Float64("trigger_price", s.TriggerPrice),
	)
	c.persist(ctx)
	return out, nil
}

// Disable 移除持仓的策略，不存在时返回 false。
func (c *Controller) Disable(ctx context.Context, ticket gateway.Ticket) bool {
	c.mu.Lock()
	_, ok := c.policies[ticket]
	delete(c.policies, ticket)
	c.mu.Unlock()
	if !ok {
		return false
	}

	c.logger.Info("已停用移动止损", zap.Int64("ticket", int64(ticket)))
	c.persist(ctx)
	return true
}

// Get 返回单个策略。
func (c *Controller) Get(ticket gateway.Ticket) (Policy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.policies[ticket]
	if !ok {
		return Policy{}, false
	}
	return *p, true
}

// List 返回按编号排序的策略副本。
func (c *Controller) List() []Policy {
	c.mu.RLock()
	out := make([]Policy, 0, len(c.policies))
	for _, p := range c.policies {
		out = append(out, *p)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

// Status 返回运行状态。
func (c *Controller) Status() Status {
	c.loopMu.Lock()
	running := c.cancel != nil
	c.loopMu.Unlock()

	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Status{Running: running, Interval: c.interval, Policies: len(c.policies)}
	if c.last != nil {
		last := *c.last
		st.LastCycle = &last
	}
	return st
}

// SetInterval 修改循环间隔，运行中的循环会按新间隔重建定时器。
func (c *Controller) SetInterval(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidInterval
	}
	c.mu.Lock()
	c.interval = d
	c.mu.Unlock()

	c.loopMu.Lock()
	reset := c.reset
	c.loopMu.Unlock()
	if reset != nil {
		select {
		case reset <- d:
		default:
		}
	}
	c.logger.Info("移动止损间隔已更新", zap.Duration("interval", d))
	return nil
}

// Start 启动后台循环，立即执行第一轮。
func (c *Controller) Start(ctx context.Context) error {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.cancel != nil {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.reset = make(chan time.Duration, 1)

	c.mu.RLock()
	interval := c.interval
	c.mu.RUnlock()

	c.wg.Add(1)
	go c.loop(loopCtx, interval, c.reset)

	c.logger.Info("移动止损循环已启动", zap.Duration("interval", interval))
	return nil
}

// Stop 停止后台循环，正在进行的一轮会继续完成。
func (c *Controller) Stop() {
	c.loopMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.reset = nil
	c.loopMu.Unlock()

	if cancel != nil {
		cancel()
		c.logger.Info("移动止损循环已停止")
	}
}

// Wait 阻塞直到后台循环退出。
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) loop(ctx context.Context, interval time.Duration, reset <-chan time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.RunCycle(context.WithoutCancel(ctx))

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-reset:
			ticker.Reset(d)
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			c.RunCycle(context.WithoutCancel(ctx))
		}
	}
}

// RunCycle 执行一轮移动止损。上一轮尚未结束时直接返回 Skipped。
func (c *Controller) RunCycle(ctx context.Context) CycleResult {
	if !c.inCycle.CompareAndSwap(false, true) {
		c.logger.Debug("上一轮移动止损尚未完成，跳过本轮")
		return CycleResult{StartedAt: c.now(), FinishedAt: c.now(), Skipped: true}
	}
	defer c.inCycle.Store(false)

	result := c.cycle(ctx)
	result.FinishedAt = c.now()

	c.mu.Lock()
	last := result
	c.last = &last
	c.mu.Unlock()

	fields := []zap.Field{
		zap.Int("checked", result.Checked),
		zap.Int("adjusted", len(result.Adjustments)),
		zap.Int("failed", len(result.Failures)),
		zap.Int("removed", len(result.Removed)),
	}
	if result.Err != nil {
		c.logger.Warn("移动止损轮次存在失败", append(fields, zap.Error(result.Err))...)
	} else if len(result.Adjustments) > 0 {
		c.logger.Info("移动止损轮次完成", fields...)
	}
	if c.onCycle != nil {
		c.onCycle(ctx, result)
	}
	return result
}

func (c *Controller) cycle(ctx context.Context) CycleResult {
	result := CycleResult{StartedAt: c.now()}

	if c.gw == nil || !c.gw.Connected() {
		result.Failures = append(result.Failures, Failure{Reason: "交易终端未连接"})
		result.Err = gateway.ErrUnavailable
		return result
	}

	positions, err := c.gw.GetOpenPositions(ctx)
	if err != nil {
		result.Failures = append(result.Failures, Failure{Reason: fmt.Sprintf("获取持仓失败: %v", err)})
		result.Err = err
		return result
	}

	open := make([]gateway.Ticket, 0, len(positions))
	for _, pos := range positions {
		open = append(open, pos.Ticket)
	}
	result.Removed = c.reconcile(open)

	c.mu.RLock()
	type target struct {
		pos    gateway.Position
		policy Policy
		orig   *Policy
	}
	targets := make([]target, 0, len(positions))
	for _, pos := range positions {
		if p, ok := c.policies[pos.Ticket]; ok {
			targets = append(targets, target{pos: pos, policy: *p, orig: p})
		}
	}
	c.mu.RUnlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].pos.Ticket < targets[j].pos.Ticket })

	var needQuote []string
	for _, t := range targets {
		if t.pos.CurrentPrice <= 0 {
			needQuote = append(needQuote, t.pos.Symbol)
		}
	}
	quotes, quoteErrs := c.fetchQuotes(ctx, needQuote)

	type update struct {
		orig *Policy
		next Policy
	}
	var errs error
	updates := make([]update, 0, len(targets))
	for _, t := range targets {
		result.Checked++

		price := t.pos.CurrentPrice
		if price <= 0 {
			if qerr, ok := quoteErrs[t.pos.Symbol]; ok {
				result.Failures = append(result.Failures, Failure{Ticket: t.pos.Ticket, Reason: fmt.Sprintf("获取行情失败: %v", qerr)})
				errs = multierr.Append(errs, fmt.Errorf("ticket %d: %w", t.pos.Ticket, qerr))
				continue
			}
			q := quotes[t.pos.Symbol]
			if t.pos.IsLong() {
				price = q.Bid
			} else {
				price = q.Ask
			}
		}

		now := c.now()
		d := Compute(t.policy, t.pos, price)
		p := t.policy
		p.Activated = d.Activated
		p.LastPrice = price
		p.LastUpdate = now

		if d.Changed {
			if err := c.gw.ModifyPosition(ctx, t.pos.Ticket, d.Levels.StopLoss, d.Levels.TakeProfit); err != nil {
				result.Failures = append(result.Failures, Failure{Ticket: t.pos.Ticket, Reason: err.Error()})
				errs = multierr.Append(errs, fmt.Errorf("ticket %d: %w", t.pos.Ticket, err))
				c.logger.Warn("修改止损止盈失败",
					zap.Int64("ticket", int64(t.pos.Ticket)),
					zap.Error(err),
				)
			} else {
				p.LastAdjustment = now
				result.Adjustments = append(result.Adjustments, Adjustment{
					Ticket: t.pos.Ticket,
					Symbol: t.pos.Symbol,
					Price:  price,
					From:   Levels{StopLoss: t.pos.StopLoss, TakeProfit: t.pos.TakeProfit},
					To:     d.Levels,
				})
				c.logger.Info("已调整止损止盈",
					zap.Int64("ticket", int64(t.pos.Ticket)),
					zap.Float64("price", price),
					zap.Float64("stop_loss", d.Levels.StopLoss),
					zap.Float64("take_profit", d.Levels.TakeProfit),
				)
			}
		}
		updates = append(updates, update{orig: t.orig, next: p})
	}
	result.Err = errs

	// 只写回本轮开始时读取的那条策略，期间被停用或重新启用的编号保持新状态。
	c.mu.Lock()
	for _, u := range updates {
		existing, ok := c.policies[u.next.Ticket]
		if !ok || existing != u.orig {
			continue
		}
		existing.Activated = u.next.Activated
		existing.LastPrice = u.next.LastPrice
		existing.LastUpdate = u.next.LastUpdate
		if !u.next.LastAdjustment.IsZero() {
			existing.LastAdjustment = u.next.LastAdjustment
		}
	}
	c.mu.Unlock()

	if len(updates) > 0 || len(result.Removed) > 0 {
		c.persist(ctx)
	}
	return result
}

// fetchQuotes 并发获取各品种行情，单个品种失败不影响其他品种。
func (c *Controller) fetchQuotes(ctx context.Context, symbols []string) (map[string]gateway.Quote, map[string]error) {
	quotes := make(map[string]gateway.Quote)
	failed := make(map[string]error)
	if len(symbols) == 0 {
		return quotes, failed
	}

	seen := make(map[string]struct{}, len(symbols))
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(4)
	for _, symbol := range symbols {
		if _, ok := seen[symbol]; ok {
			continue
		}
		seen[symbol] = struct{}{}

		g.Go(func() error {
			q, err := c.gw.GetMarketData(ctx, symbol)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[symbol] = err
				return nil
			}
			quotes[symbol] = q
			return nil
		})
	}
	_ = g.Wait()
	return quotes, failed
}

// Reconcile 删除已不在持仓列表中的策略，返回被删除的编号。
func (c *Controller) Reconcile(ctx context.Context, open []gateway.Ticket) []gateway.Ticket {
	removed := c.reconcile(open)
	if len(removed) > 0 {
		c.persist(ctx)
	}
	return removed
}

func (c *Controller) reconcile(open []gateway.Ticket) []gateway.Ticket {
	live := make(map[gateway.Ticket]struct{}, len(open))
	for _, t := range open {
		live[t] = struct{}{}
	}

	c.mu.Lock()
	var removed []gateway.Ticket
	for ticket := range c.policies {
		if _, ok := live[ticket]; !ok {
			removed = append(removed, ticket)
			delete(c.policies, ticket)
		}
	}
	c.mu.Unlock()

	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	for _, ticket := range removed {
		c.logger.Info("持仓已关闭，移除移动止损策略", zap.Int64("ticket", int64(ticket)))
	}
	return removed
}

// Load 从存储恢复策略，替换内存中的全部策略。
func (c *Controller) Load(ctx context.Context) (int, error) {
	if c.docs == nil {
		return 0, nil
	}

	var saved []Policy
	found, err := c.docs.Load(ctx, PoliciesDocument, &saved)
	if err != nil {
		return 0, fmt.Errorf("trailing: 读取策略失败: %w", err)
	}
	if !found {
		return 0, nil
	}

	policies := make(map[gateway.Ticket]*Policy, len(saved))
	for i := range saved {
		p := saved[i]
		if p.Ticket <= 0 {
			continue
		}
		policies[p.Ticket] = &p
	}

	c.mu.Lock()
	c.policies = policies
	c.mu.Unlock()

	c.logger.Info("已恢复移动止损策略", zap.Int("count", len(policies)))
	return len(policies), nil
}

// persist 保存全部策略，失败只记日志，内存状态为准。
func (c *Controller) persist(ctx context.Context) {
	if c.docs == nil {
		return
	}

	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	if err := c.docs.Save(context.WithoutCancel(ctx), PoliciesDocument, c.List()); err != nil {
		c.logger.Warn("保存移动止损策略失败", zap.Error(err))
	}
}
