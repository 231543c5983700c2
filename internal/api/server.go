package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"flowtrader/internal/config"
	"flowtrader/internal/engine"
	"flowtrader/internal/gateway"
	"flowtrader/internal/graph"
	"flowtrader/internal/monitor"
	"flowtrader/internal/scheduler"
	"flowtrader/internal/trailing"
)

// GraphService 为图编辑与单次执行能力。
type GraphService interface {
	Graph() *graph.Graph
	Live() bool
	SetLive(v bool)
	Import(ctx context.Context, g *graph.Graph) error
	AddNode(ctx context.Context, id graph.NodeID, tag string, params map[string]interface{}) (graph.Node, error)
	RemoveNode(ctx context.Context, id graph.NodeID) bool
	SetParams(ctx context.Context, id graph.NodeID, params map[string]interface{}) error
	Connect(ctx context.Context, c graph.Connection) error
	Disconnect(ctx context.Context, c graph.Connection) bool
	Execute(ctx context.Context, start graph.NodeID) (*engine.Report, error)
}

// FlowService 为流程调度能力。
type FlowService interface {
	StartFlow(triggers []graph.NodeID, cadence scheduler.Cadence) (scheduler.FlowID, error)
	StopFlow(id scheduler.FlowID) bool
	StopAll()
	ListFlows() []scheduler.FlowStatus
}

// TrailingService 为移动止损控制能力。
type TrailingService interface {
	Enable(ctx context.Context, ticket gateway.Ticket, s trailing.Settings) (trailing.Policy, error)
	Disable(ctx context.Context, ticket gateway.Ticket) bool
	List() []trailing.Policy
	Status() trailing.Status
	SetInterval(d time.Duration) error
	RunCycle(ctx context.Context) trailing.CycleResult
	Reconcile(ctx context.Context, open []gateway.Ticket) []gateway.Ticket
}

// PositionService 为持仓查询能力。
type PositionService interface {
	GetOpenPositions(ctx context.Context) ([]gateway.Position, error)
}

// EventService 为监控事件查询能力。
type EventService interface {
	ListEvents(ctx context.Context, eventType monitor.EventType, limit int) ([]monitor.Event, error)
}

// Deps 为控制接口依赖的服务，Events 与 Positions 可为空。
type Deps struct {
	Graph     GraphService
	Flows     FlowService
	Trailing  TrailingService
	Events    EventService
	Positions PositionService
}

// Server 为 HTTP 控制接口。
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	logger *zap.Logger
	engine *gin.Engine
}

// NewServer 创建控制接口并注册路由。
func NewServer(cfg config.ServerConfig, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	g := gin.New()
	g.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{cfg: cfg, deps: deps, logger: logger, engine: g}
	s.routes()
	return s
}

// Handler 返回 http.Handler，便于测试。
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run 启动 HTTP 服务，ctx 结束后优雅关闭。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Listen, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("控制接口已启动", zap.String("addr", s.cfg.Listen))

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("api: 控制接口异常: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("关闭控制接口失败", zap.Error(err))
		return err
	}
	s.logger.Info("控制接口已关闭")
	return nil
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("处理请求",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()),
		)
	}
}
