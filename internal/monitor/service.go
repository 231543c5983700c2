package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"flowtrader/internal/engine"
	"flowtrader/internal/store"
	"flowtrader/internal/trailing"
)

// 固定宽度的 UTC 时间格式，保证按字符串比较即按时间比较。
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// 事件表沿用单表结构，按类型与写入时间各建一个索引，分别服务查询与清理。
const schema = `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
CREATE INDEX IF NOT EXISTS idx_monitor_events_created ON monitor_events(created_at);
`

// Service 为执行报告、流程与移动止损事件的流水账。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewService 在共享连接上建表并返回事件服务。
func NewService(st *store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, errors.New("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := st.DB().Exec(schema); err != nil {
		return nil, fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return &Service{
		db:     st.DB(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Record 写入单个事件，未指定时间时使用当前时间。
func (s *Service) Record(ctx context.Context, event Event) error {
	body, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化 %s 事件失败: %w", event.Type, err)
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(body), ts.UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("monitor: 写入 %s 事件失败: %w", event.Type, err)
	}
	return nil
}

func (s *Service) recordQuietly(ctx context.Context, typ EventType, payload interface{}, what string) {
	if err := s.Record(ctx, Event{Type: typ, Payload: payload}); err != nil {
		s.logger.Warn("记录"+what+"事件失败", zap.Error(err))
	}
}

// RecordReport 记录图执行报告，runErr 为执行被中断时的错误。
func (s *Service) RecordReport(ctx context.Context, report *engine.Report, runErr error) {
	payload := EngineRunPayload{Report: report}
	if report != nil {
		payload.Failed = len(report.Failed())
	}
	if runErr != nil {
		payload.Error = runErr.Error()
	}
	s.recordQuietly(ctx, EventEngineRun, payload, "执行")
}

// RecordFlow 记录流程启停。
func (s *Service) RecordFlow(ctx context.Context, payload FlowPayload) {
	s.recordQuietly(ctx, EventFlow, payload, "流程")
}

// RecordCycle 记录移动止损轮次，跳过的轮次与无变化的轮次不记录。
func (s *Service) RecordCycle(ctx context.Context, result trailing.CycleResult) {
	if result.Skipped || (len(result.Adjustments) == 0 && len(result.Failures) == 0 && len(result.Removed) == 0) {
		return
	}
	payload := TrailingCyclePayload{Result: result}
	if result.Err != nil {
		payload.Error = result.Err.Error()
	}
	s.recordQuietly(ctx, EventTrailingCycle, payload, "移动止损")
}

// RecordPolicy 记录移动止损策略变更。
func (s *Service) RecordPolicy(ctx context.Context, action string, ticket int64, policy *trailing.Policy) {
	s.recordQuietly(ctx, EventTrailingRule, TrailingPolicyPayload{Action: action, Ticket: ticket, Policy: policy}, "策略")
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	s.recordQuietly(ctx, EventError, payload, "异常")
}

// ListEvents 按类型检索最近事件，最新的在前。类型为空时不过滤。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if eventType == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, event_type, payload, created_at FROM monitor_events ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, event_type, payload, created_at FROM monitor_events WHERE event_type = ? ORDER BY id DESC LIMIT ?`,
			string(eventType), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}
	if events == nil {
		events = []Event{}
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var (
		ev               Event
		typ, body, stamp string
	)
	if err := rows.Scan(&ev.ID, &typ, &body, &stamp); err != nil {
		return Event{}, fmt.Errorf("monitor: 解析事件失败: %w", err)
	}
	ev.Type = EventType(typ)
	ev.Timestamp, _ = time.Parse(timeLayout, stamp)
	ev.Payload = json.RawMessage(body)
	return ev, nil
}

// Prune 删除早于 before 的事件，返回删除条数。
func (s *Service) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM monitor_events WHERE created_at < ?`, before.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("monitor: 清理事件失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("monitor: 清理事件失败: %w", err)
	}
	return n, nil
}
