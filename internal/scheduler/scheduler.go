package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"flowtrader/internal/config"
	"flowtrader/internal/engine"
	"flowtrader/internal/graph"
	"flowtrader/internal/node"
	"flowtrader/internal/store"
)

// ErrUnknownNode 表示流程引用了不存在或非触发的节点。
var ErrUnknownNode = errors.New("scheduler: unknown trigger node")

// FlowsDocument 为持久化活动流程定义的文档键。
const FlowsDocument = "flows"

// FlowID 单调递增，进程内不复用。
type FlowID int64

// RunFunc 从一个触发节点执行一次图。
type RunFunc func(ctx context.Context, trigger graph.NodeID) (*engine.Report, error)

// FlowStatus 为流程状态快照。
type FlowStatus struct {
	ID           FlowID         `json:"id"`
	Label        string         `json:"label"`
	Cadence      string         `json:"cadence"`
	Triggers     []graph.NodeID `json:"triggers"`
	StartedAt    time.Time      `json:"started_at"`
	Elapsed      time.Duration  `json:"elapsed"`
	Runs         int64          `json:"runs"`
	LastReportID string         `json:"last_report_id,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
}

type flowDefinition struct {
	Triggers []graph.NodeID `json:"triggers"`
	Cadence  Cadence        `json:"cadence"`
}

type flow struct {
	id        FlowID
	triggers  []graph.NodeID
	cadence   Cadence
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	mu         sync.Mutex
	runs       int64
	lastReport string
	lastErr    string
}

// Option 调整 Scheduler。
type Option func(*Scheduler)

// WithClock 替换时间源。
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// Scheduler 管理多个互不阻塞的流程，每个流程拥有自己的 goroutine 与定时器。
type Scheduler struct {
	graph  *graph.Graph
	run    RunFunc
	docs   store.DocumentStore
	clock  Clock
	cfg    config.SchedulerConfig
	logger *zap.Logger

	mu     sync.RWMutex
	flows  map[FlowID]*flow
	nextID FlowID
	wg     sync.WaitGroup

	persistMu sync.Mutex
}

// New 创建调度器。docs 可为空，此时不持久化流程定义。
func New(g *graph.Graph, run RunFunc, docs store.DocumentStore, cfg config.SchedulerConfig, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		graph:  g,
		run:    run,
		docs:   docs,
		clock:  realClock{},
		cfg:    cfg,
		logger: logger,
		flows:  make(map[FlowID]*flow),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartFlow 校验触发节点并启动流程，立即执行第一轮。
func (s *Scheduler) StartFlow(triggers []graph.NodeID, cadence Cadence) (FlowID, error) {
	if len(triggers) == 0 {
		return 0, fmt.Errorf("%w: 未指定触发节点", ErrUnknownNode)
	}
	for _, id := range triggers {
		n, ok := s.graph.Node(id)
		if !ok {
			return 0, fmt.Errorf("%w: %s 不存在", ErrUnknownNode, id)
		}
		if !node.IsTrigger(n.Tag) {
			return 0, fmt.Errorf("%w: %s (%s) 不是触发节点", ErrUnknownNode, id, n.Tag)
		}
	}

	if cadence.IsPeriodic() && s.cfg.MinInterval > 0 && cadence.Interval < s.cfg.MinInterval {
		s.logger.Warn("流程间隔低于下限，已调整",
			zap.Duration("requested", cadence.Interval),
			zap.Duration("min", s.cfg.MinInterval),
		)
		cadence.Interval = s.cfg.MinInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &flow{
		triggers:  append([]graph.NodeID(nil), triggers...),
		cadence:   cadence,
		startedAt: s.clock.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	// 定时器在启动 goroutine 前创建，保证首轮之后的节拍不会丢失。
	var ticker Ticker
	if cadence.IsPeriodic() {
		ticker = s.clock.NewTicker(cadence.Interval)
	}

	s.mu.Lock()
	s.nextID++
	f.id = s.nextID
	s.flows[f.id] = f
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("流程已启动",
		zap.Int64("flow_id", int64(f.id)),
		zap.Int("triggers", len(triggers)),
		zap.String("cadence", cadence.String()),
	)

	go s.loop(ctx, f, ticker)

	if cadence.IsPeriodic() {
		s.persist()
	}
	return f.id, nil
}

func (s *Scheduler) loop(ctx context.Context, f *flow, ticker Ticker) {
	defer s.wg.Done()
	defer close(f.done)

	s.tick(ctx, f)

	if ticker == nil {
		s.retire(f.id)
		return
	}
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if ctx.Err() != nil {
				return
			}
			s.tick(ctx, f)
		}
	}
}

// tick 依次从流程的每个触发节点执行一次，停止流程不会打断正在进行的一轮。
func (s *Scheduler) tick(ctx context.Context, f *flow) {
	runCtx := context.WithoutCancel(ctx)
	for _, trigger := range f.triggers {
		report, err := s.run(runCtx, trigger)

		f.mu.Lock()
		f.runs++
		if report != nil {
			f.lastReport = report.ID
		}
		if err != nil {
			f.lastErr = err.Error()
		} else {
			f.lastErr = ""
		}
		f.mu.Unlock()

		if err != nil {
			s.logger.Error("流程执行失败",
				zap.Int64("flow_id", int64(f.id)),
				zap.String("trigger", string(trigger)),
				zap.Error(err),
			)
		}
	}
}

func (s *Scheduler) retire(id FlowID) {
	s.mu.Lock()
	_, ok := s.flows[id]
	delete(s.flows, id)
	s.mu.Unlock()
	if ok {
		s.logger.Info("单次流程已完成", zap.Int64("flow_id", int64(id)))
	}
}

// StopFlow 取消流程后续的执行，正在进行的一轮会继续完成。
func (s *Scheduler) StopFlow(id FlowID) bool {
	s.mu.Lock()
	f, ok := s.flows[id]
	delete(s.flows, id)
	s.mu.Unlock()
	if !ok {
		return false
	}

	f.cancel()
	s.logger.Info("流程已停止", zap.Int64("flow_id", int64(id)))
	if f.cadence.IsPeriodic() {
		s.persist()
	}
	return true
}

// StopAll 停止全部流程。
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	flows := s.flows
	s.flows = make(map[FlowID]*flow)
	s.mu.Unlock()

	for _, f := range flows {
		f.cancel()
	}
	if len(flows) > 0 {
		s.logger.Info("已停止全部流程", zap.Int("count", len(flows)))
		s.persist()
	}
}

// Shutdown 在进程退出时停止全部流程，保留已持久化的定义供下次恢复。
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	flows := s.flows
	s.flows = make(map[FlowID]*flow)
	s.mu.Unlock()

	for _, f := range flows {
		f.cancel()
	}
}

// Wait 阻塞直到所有流程 goroutine 退出。
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// ListFlows 返回按编号排序的流程状态。
func (s *Scheduler) ListFlows() []FlowStatus {
	now := s.clock.Now()

	s.mu.RLock()
	flows := make([]*flow, 0, len(s.flows))
	for _, f := range s.flows {
		flows = append(flows, f)
	}
	s.mu.RUnlock()

	sort.Slice(flows, func(i, j int) bool { return flows[i].id < flows[j].id })

	out := make([]FlowStatus, 0, len(flows))
	for _, f := range flows {
		f.mu.Lock()
		out = append(out, FlowStatus{
			ID:           f.id,
			Label:        fmt.Sprintf("Flow #%d (%d triggers)", f.id, len(f.triggers)),
			Cadence:      f.cadence.String(),
			Triggers:     append([]graph.NodeID(nil), f.triggers...),
			StartedAt:    f.startedAt,
			Elapsed:      now.Sub(f.startedAt),
			Runs:         f.runs,
			LastReportID: f.lastReport,
			LastError:    f.lastErr,
		})
		f.mu.Unlock()
	}
	return out
}

// persist 保存周期流程定义，失败只记日志，内存状态为准。
func (s *Scheduler) persist() {
	if s.docs == nil {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	ids := make([]FlowID, 0, len(s.flows))
	for id, f := range s.flows {
		if f.cadence.IsPeriodic() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	defs := make([]flowDefinition, 0, len(ids))
	for _, id := range ids {
		f := s.flows[id]
		defs = append(defs, flowDefinition{Triggers: f.triggers, Cadence: f.cadence})
	}
	s.mu.RUnlock()

	if err := s.docs.Save(context.Background(), FlowsDocument, defs); err != nil {
		s.logger.Warn("保存流程定义失败", zap.Error(err))
	}
}

// Restore 按持久化的定义重新启动周期流程，无效定义会被跳过。
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	if s.docs == nil {
		return 0, nil
	}

	var defs []flowDefinition
	found, err := s.docs.Load(ctx, FlowsDocument, &defs)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}

	restored := 0
	for _, def := range defs {
		if _, err := s.StartFlow(def.Triggers, def.Cadence); err != nil {
			s.logger.Warn("跳过无法恢复的流程", zap.Error(err))
			continue
		}
		restored++
	}
	s.logger.Info("已恢复流程", zap.Int("count", restored))
	return restored, nil
}
