package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"flowtrader/internal/config"
	"flowtrader/internal/engine"
	"flowtrader/internal/graph"
	"flowtrader/internal/node"
)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time, 1), period: d, next: c.now.Add(d)}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance 推进时间并触发到期的定时器，与 time.Ticker 一样丢弃来不及消费的节拍。
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	for _, t := range c.tickers {
		if t.stopped.Load() {
			continue
		}
		for !t.next.After(c.now) {
			select {
			case t.ch <- t.next:
			default:
			}
			t.next = t.next.Add(t.period)
		}
	}
}

type fakeTicker struct {
	ch      chan time.Time
	period  time.Duration
	next    time.Time
	stopped atomic.Bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               { t.stopped.Store(true) }

type counter struct {
	mu    sync.Mutex
	calls map[graph.NodeID]int
}

func (c *counter) run(_ context.Context, id graph.NodeID) (*engine.Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[graph.NodeID]int)
	}
	c.calls[id]++
	return &engine.Report{ID: string(id)}, nil
}

func (c *counter) get(id graph.NodeID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func triggerGraph(t *testing.T, ids ...string) *graph.Graph {
	t.Helper()
	g := graph.New()
	for _, id := range ids {
		n, err := node.NewNode(graph.NodeID(id), "trigger.manual", nil)
		if err != nil {
			t.Fatalf("NewNode: %v", err)
		}
		if err := g.AddNode(n); err != nil {
			t.Fatalf("AddNode: %v", err)
		}
	}
	k, _ := node.NewNode("k", "data.constant", map[string]interface{}{"value": 1})
	_ = g.AddNode(k)
	return g
}

func TestScheduler_FlowsRunIndependently(t *testing.T) {
	clock := newFakeClock()
	c := &counter{}
	s := New(triggerGraph(t, "fast", "slow"), c.run, nil, config.SchedulerConfig{}, nil, WithClock(clock))
	defer s.Wait()
	defer s.StopAll()

	if _, err := s.StartFlow([]graph.NodeID{"fast"}, Periodic(time.Second)); err != nil {
		t.Fatalf("StartFlow fast: %v", err)
	}
	if _, err := s.StartFlow([]graph.NodeID{"slow"}, Periodic(5*time.Second)); err != nil {
		t.Fatalf("StartFlow slow: %v", err)
	}
	waitFor(t, "initial runs", func() bool { return c.get("fast") == 1 && c.get("slow") == 1 })

	for step := 1; step <= 6; step++ {
		clock.Advance(time.Second)
		wantSlow := 1 + step/5
		waitFor(t, "tick", func() bool { return c.get("fast") == step+1 && c.get("slow") == wantSlow })
	}

	if got := c.get("fast"); got < 6 || got > 7 {
		t.Errorf("expected about 6 fast runs, got %d", got)
	}
	if got := c.get("slow"); got != 2 {
		t.Errorf("expected 2 slow runs, got %d", got)
	}
}

func TestScheduler_SlowFlowDoesNotDelayOthers(t *testing.T) {
	clock := newFakeClock()
	c := &counter{}
	release := make(chan struct{})
	run := func(ctx context.Context, id graph.NodeID) (*engine.Report, error) {
		if id == "blocked" {
			<-release
		}
		return c.run(ctx, id)
	}
	s := New(triggerGraph(t, "blocked", "free"), run, nil, config.SchedulerConfig{}, nil, WithClock(clock))

	_, _ = s.StartFlow([]graph.NodeID{"blocked"}, Periodic(time.Second))
	_, _ = s.StartFlow([]graph.NodeID{"free"}, Periodic(time.Second))

	for step := 1; step <= 3; step++ {
		clock.Advance(time.Second)
		waitFor(t, "free flow tick", func() bool { return c.get("free") == step+1 })
	}
	if c.get("blocked") != 0 {
		t.Errorf("blocked flow should still be in its first tick")
	}

	s.StopAll()
	close(release)
	s.Wait()
	if c.get("blocked") != 1 {
		t.Errorf("in-flight tick should finish after stop, got %d runs", c.get("blocked"))
	}
}

func TestScheduler_OnceRetiresAndIDsIncrease(t *testing.T) {
	c := &counter{}
	s := New(triggerGraph(t, "a"), c.run, nil, config.SchedulerConfig{}, nil, WithClock(newFakeClock()))

	first, err := s.StartFlow([]graph.NodeID{"a"}, Once())
	if err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	s.Wait()
	if c.get("a") != 1 {
		t.Errorf("once flow should run exactly once, got %d", c.get("a"))
	}
	if len(s.ListFlows()) != 0 {
		t.Errorf("once flow should self-retire")
	}

	second, _ := s.StartFlow([]graph.NodeID{"a"}, Once())
	s.Wait()
	if second <= first {
		t.Errorf("flow ids must increase, got %d then %d", first, second)
	}
}

func TestScheduler_StopFlowAndList(t *testing.T) {
	clock := newFakeClock()
	c := &counter{}
	s := New(triggerGraph(t, "a", "b"), c.run, nil, config.SchedulerConfig{}, nil, WithClock(clock))
	defer s.Wait()

	idA, _ := s.StartFlow([]graph.NodeID{"a", "b"}, Periodic(time.Second))
	idB, _ := s.StartFlow([]graph.NodeID{"b"}, Periodic(2*time.Second))
	waitFor(t, "initial runs", func() bool { return c.get("a") == 1 && c.get("b") == 2 })

	flows := s.ListFlows()
	if len(flows) != 2 || flows[0].ID != idA || flows[0].Label != "Flow #1 (2 triggers)" {
		t.Fatalf("unexpected flows %+v", flows)
	}

	if !s.StopFlow(idA) {
		t.Fatalf("StopFlow returned false")
	}
	if s.StopFlow(idA) {
		t.Errorf("second StopFlow should return false")
	}

	clock.Advance(2 * time.Second)
	waitFor(t, "flow b tick", func() bool { return c.get("b") == 3 })
	if c.get("a") != 1 {
		t.Errorf("stopped flow must not run again, got %d", c.get("a"))
	}
	if flows := s.ListFlows(); len(flows) != 1 || flows[0].ID != idB {
		t.Errorf("expected only flow %d, got %+v", idB, flows)
	}
	s.StopAll()
}

func TestScheduler_RejectsUnknownOrNonTrigger(t *testing.T) {
	s := New(triggerGraph(t, "a"), (&counter{}).run, nil, config.SchedulerConfig{}, nil)
	if _, err := s.StartFlow([]graph.NodeID{"missing"}, Once()); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode, got %v", err)
	}
	if _, err := s.StartFlow([]graph.NodeID{"k"}, Once()); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode for non-trigger, got %v", err)
	}
	if _, err := s.StartFlow(nil, Once()); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode for empty trigger list, got %v", err)
	}
}

func TestScheduler_PersistAndRestore(t *testing.T) {
	docs := &memoryDocs{data: map[string][]byte{}}
	g := triggerGraph(t, "a")
	c := &counter{}

	s := New(g, c.run, docs, config.SchedulerConfig{MinInterval: 2 * time.Second}, nil, WithClock(newFakeClock()))
	if _, err := s.StartFlow([]graph.NodeID{"a"}, Periodic(time.Second)); err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	if flows := s.ListFlows(); flows[0].Cadence != "每 2s" {
		t.Errorf("interval should be clamped to min, got %s", flows[0].Cadence)
	}
	s.Shutdown()
	s.Wait()

	var defs []flowDefinition
	if found, err := docs.Load(context.Background(), FlowsDocument, &defs); !found || err != nil || len(defs) != 1 {
		t.Fatalf("Shutdown must keep persisted definitions, got %+v found=%v err=%v", defs, found, err)
	}

	// 追加一条引用不存在节点的定义，恢复时应被跳过。
	defs[0].Cadence = Periodic(3 * time.Second)
	defs = append(defs, flowDefinition{Triggers: []graph.NodeID{"gone"}, Cadence: Periodic(3 * time.Second)})
	_ = docs.Save(context.Background(), FlowsDocument, defs)

	restoredSched := New(g, c.run, docs, config.SchedulerConfig{}, nil, WithClock(newFakeClock()))
	n, err := restoredSched.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	defer restoredSched.Wait()
	defer restoredSched.StopAll()
	if n != 1 {
		t.Fatalf("expected 1 restored flow, got %d", n)
	}
	if flows := restoredSched.ListFlows(); len(flows) != 1 || flows[0].Cadence != "每 3s" {
		t.Errorf("unexpected restored flows %+v", flows)
	}
}

func TestCadenceFromNode(t *testing.T) {
	periodic, _ := node.NewNode("p", "trigger.periodic", map[string]interface{}{"interval": "5s"})
	c, err := CadenceFromNode(periodic)
	if err != nil || c.Interval != 5*time.Second {
		t.Errorf("expected 5s cadence, got %+v %v", c, err)
	}
	manual, _ := node.NewNode("m", "trigger.manual", nil)
	if c, _ := CadenceFromNode(manual); c.IsPeriodic() {
		t.Errorf("manual trigger should run once")
	}
}

type memoryDocs struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memoryDocs) Load(_ context.Context, key string, out interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (m *memoryDocs) Save(_ context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = raw
	m.mu.Unlock()
	return nil
}
