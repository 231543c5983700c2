package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flowtrader/internal/alert"
	"flowtrader/internal/api"
	"flowtrader/internal/config"
	"flowtrader/internal/execution"
	"flowtrader/internal/gateway"
	"flowtrader/internal/graph"
	"flowtrader/internal/monitor"
	"flowtrader/internal/scheduler"
	"flowtrader/internal/store"
	"flowtrader/internal/trailing"
)

const (
	housekeepingInterval = 5 * time.Second
	pruneEvery           = time.Hour
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store

	gw     gateway.Gateway
	bridge *gateway.Bridge
	paper  *gateway.Paper

	events    *monitor.Service
	alerts    *alert.Notifier
	workspace *workspace
	flows     *scheduler.Scheduler
	trailing  *trailing.Controller
	server    *api.Server

	lastPrune time.Time
}

// New 创建 App 实例并完成组件装配，不发起任何网络连接。
func New(cfg *config.Config, logger *zap.Logger, st *store.Store) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	docs, err := store.NewDocuments(st)
	if err != nil {
		return nil, fmt.Errorf("初始化文档存储失败: %w", err)
	}
	events, err := monitor.NewService(st, logger.Named("monitor"))
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		store:  st,
		events: events,
		alerts: alert.NewFromConfig(cfg.Alerts, logger.Named("alert")),
	}
	if err := a.buildGateway(); err != nil {
		return nil, err
	}

	orders := alertingTrader{
		Trader: execution.NewExecutor(cfg.Risk, logger.Named("execution")),
		alerts: a.alerts,
	}
	a.workspace = newWorkspace(a.gw, orders, docs, events, cfg.Engine.Live, logger.Named("workspace"))
	a.flows = scheduler.New(a.workspace.Graph(), a.workspace.Execute, docs, cfg.Scheduler, logger.Named("scheduler"))
	a.trailing = trailing.New(a.gw, docs, cfg.Trailing, logger.Named("trailing"),
		trailing.WithCycleHook(a.onTrailingCycle))

	if cfg.Server.Enabled {
		a.server = api.NewServer(cfg.Server, api.Deps{
			Graph:     a.workspace,
			Flows:     flowService{Scheduler: a.flows, events: events},
			Trailing:  trailingService{Controller: a.trailing, events: events},
			Events:    events,
			Positions: a.gw,
		}, logger.Named("api"))
	}
	return a, nil
}

func (a *App) buildGateway() error {
	switch strings.ToLower(a.cfg.Gateway.Kind) {
	case "bridge":
		a.bridge = gateway.NewBridge(a.cfg.Gateway.Bridge, a.logger.Named("bridge"))
		a.gw = a.bridge
	case "paper", "":
		var feed gateway.PriceFeed
		if strings.EqualFold(a.cfg.Gateway.Paper.Feed, "ccxt") {
			ccxtFeed, err := gateway.NewCCXTFeed(a.cfg.Exchange, a.logger.Named("ccxt"))
			if err != nil {
				return fmt.Errorf("初始化行情源失败: %w", err)
			}
			feed = ccxtFeed
		} else {
			feed = gateway.NewStaticFeed(a.cfg.Gateway.Paper.StaticPrices, 0)
		}
		paper, err := gateway.NewPaper(a.cfg.Gateway.Paper, feed, a.logger.Named("paper"))
		if err != nil {
			return fmt.Errorf("初始化模拟账户失败: %w", err)
		}
		a.paper = paper
		a.gw = paper
	default:
		return fmt.Errorf("不支持的网关类型 %q", a.cfg.Gateway.Kind)
	}
	return nil
}

// Run 恢复持久化状态，启动各组件，并阻塞直到收到退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("gateway", a.cfg.Gateway.Kind),
		zap.Bool("live", a.cfg.Engine.Live),
	)

	if a.bridge != nil {
		if err := a.bridge.Connect(ctx); err != nil {
			a.logger.Warn("连接终端桥接失败，稍后重试", zap.Error(err))
		}
	}

	if err := a.restore(ctx); err != nil {
		return err
	}

	if a.cfg.Trailing.Enabled {
		if err := a.trailing.Start(ctx); err != nil {
			return fmt.Errorf("启动移动止损失败: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.server != nil {
		g.Go(func() error { return a.server.Run(gctx) })
	}
	g.Go(func() error { return a.housekeeping(gctx) })

	runErr := g.Wait()
	a.shutdown()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", runErr)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

func (a *App) restore(ctx context.Context) error {
	if err := a.workspace.load(ctx, a.cfg.App.GraphPath); err != nil {
		return err
	}
	if _, err := a.trailing.Load(ctx); err != nil {
		a.logger.Warn("恢复移动止损策略失败", zap.Error(err))
	}
	if a.cfg.Scheduler.RestoreOnStart {
		if _, err := a.flows.Restore(ctx); err != nil {
			a.logger.Warn("恢复流程失败", zap.Error(err))
		}
	}
	return nil
}

// housekeeping 负责断线重连、模拟账户止损止盈撮合与事件清理。
func (a *App) housekeeping(ctx context.Context) error {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.housekeep(ctx)
		}
	}
}

func (a *App) housekeep(ctx context.Context) {
	if a.bridge != nil && !a.bridge.Connected() {
		if err := a.bridge.Connect(ctx); err != nil {
			a.logger.Debug("终端桥接重连失败", zap.Error(err))
		}
	}

	if a.paper != nil {
		closed, err := a.paper.CheckProtectiveHits(ctx)
		if err != nil {
			a.logger.Debug("模拟账户撮合失败", zap.Error(err))
		}
		for _, c := range closed {
			a.logger.Info("模拟持仓触发保护价",
				zap.Int64("ticket", int64(c.Ticket)),
				zap.String("reason", c.Reason),
				zap.Float64("profit", c.Profit),
			)
		}
		a.alerts.ProtectiveHits(ctx, closed)
	}

	if retention := a.cfg.App.EventRetention; retention > 0 && time.Since(a.lastPrune) >= pruneEvery {
		a.lastPrune = time.Now()
		if n, err := a.events.Prune(ctx, time.Now().Add(-retention)); err != nil {
			a.logger.Warn("清理监控事件失败", zap.Error(err))
		} else if n > 0 {
			a.logger.Info("已清理过期监控事件", zap.Int64("count", n))
		}
	}
}

func (a *App) onTrailingCycle(ctx context.Context, res trailing.CycleResult) {
	a.events.RecordCycle(ctx, res)
	a.alerts.OnCycle(ctx, res)
}

// shutdown 停止后续调度，等待进行中的执行完成后关闭网关。
func (a *App) shutdown() {
	a.flows.Shutdown()
	a.trailing.Stop()
	a.flows.Wait()
	a.trailing.Wait()

	if a.bridge != nil {
		if err := a.bridge.Close(); err != nil {
			a.logger.Warn("关闭终端桥接失败", zap.Error(err))
		}
	}
}

// Graph 返回当前可编辑的图。
func (a *App) Graph() *graph.Graph {
	return a.workspace.Graph()
}
