package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"flowtrader/internal/gateway"
	"flowtrader/internal/graph"
	"flowtrader/internal/monitor"
	"flowtrader/internal/node"
	"flowtrader/internal/scheduler"
	"flowtrader/internal/trailing"
)

func (s *Server) routes() {
	s.engine.GET("/ping", func(c *gin.Context) { JSON(c, nil, "pong") })

	base := s.engine.Group("/api/v1")

	base.GET("/node-types", func(c *gin.Context) { JSON(c, nil, node.Descriptors()) })
	base.GET("/engine", s.engineGet())
	base.PUT("/engine/live", s.engineLive())

	g := base.Group("/graph")
	{
		g.GET("", s.graphGet())
		g.PUT("", s.graphPut())
		g.POST("/nodes", s.nodeAdd())
		g.DELETE("/nodes/:id", s.nodeRemove())
		g.PATCH("/nodes/:id/params", s.nodeParams())
		g.POST("/nodes/:id/execute", s.nodeExecute())
		g.POST("/connections", s.connectionAdd())
		g.DELETE("/connections", s.connectionRemove())
	}

	f := base.Group("/flows")
	{
		f.GET("", s.flowList())
		f.POST("", s.flowStart())
		f.DELETE("", s.flowStopAll())
		f.DELETE("/:id", s.flowStop())
	}

	t := base.Group("/trailing")
	{
		t.GET("", s.trailingList())
		t.GET("/status", s.trailingStatus())
		t.PUT("/interval", s.trailingInterval())
		t.POST("/run", s.trailingRun())
		t.PUT("/:ticket", s.trailingEnable())
		t.DELETE("/:ticket", s.trailingDisable())
	}

	base.GET("/positions", s.positionList())
	base.GET("/events", s.eventList())
}

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{errBadRequest}, args...)...)
}

type liveRequest struct {
	Live *bool `json:"live" binding:"required"`
}

func (s *Server) engineGet() gin.HandlerFunc {
	return func(c *gin.Context) { JSON(c, nil, gin.H{"live": s.deps.Graph.Live()}) }
}

func (s *Server) engineLive() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req liveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			JSON(c, badRequest("%v", err), nil)
			return
		}
		s.deps.Graph.SetLive(*req.Live)
		JSON(c, nil, gin.H{"live": s.deps.Graph.Live()})
	}
}

func (s *Server) graphGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		g := s.deps.Graph.Graph()
		if strings.EqualFold(c.Query("format"), "yaml") {
			body, err := g.EncodeYAML()
			if err != nil {
				JSON(c, err, nil)
				return
			}
			c.Data(http.StatusOK, "application/yaml; charset=utf-8", body)
			return
		}
		JSON(c, nil, g.Snapshot())
	}
}

func (s *Server) graphPut() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil || len(body) == 0 {
			JSON(c, badRequest("请求体为空"), nil)
			return
		}

		var snap graph.Snapshot
		if strings.Contains(c.ContentType(), "yaml") {
			snap, err = graph.ParseYAML(body)
		} else {
			snap, err = graph.ParseJSON(body)
		}
		if err != nil {
			JSON(c, badRequest("%v", err), nil)
			return
		}
		g, err := graph.FromSnapshot(node.CompleteSnapshot(snap))
		if err != nil {
			JSON(c, err, nil)
			return
		}
		if err := s.deps.Graph.Import(c.Request.Context(), g); err != nil {
			JSON(c, err, nil)
			return
		}
		JSON(c, nil, s.deps.Graph.Graph().Snapshot())
	}
}

type nodeRequest struct {
	ID     string                 `json:"id" binding:"required"`
	Tag    string                 `json:"tag" binding:"required"`
	Params map[string]interface{} `json:"params"`
}

func (s *Server) nodeAdd() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req nodeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			JSON(c, badRequest("%v", err), nil)
			return
		}
		n, err := s.deps.Graph.AddNode(c.Request.Context(), graph.NodeID(req.ID), req.Tag, req.Params)
		if err != nil {
			JSON(c, err, nil)
			return
		}
		JSON(c, nil, graph.NodeSnapshot{ID: n.ID, Tag: n.Tag, Params: n.Params, Inputs: n.Inputs, Outputs: n.Outputs})
	}
}

func (s *Server) nodeRemove() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := graph.NodeID(c.Param("id"))
		if !s.deps.Graph.RemoveNode(c.Request.Context(), id) {
			JSON(c, fmt.Errorf("%w: 节点 %s", errNotFound, id), nil)
			return
		}
		JSON(c, nil, gin.H{"removed": id})
	}
}

func (s *Server) nodeParams() gin.HandlerFunc {
	return func(c *gin.Context) {
		var params map[string]interface{}
		if err := c.ShouldBindJSON(&params); err != nil || len(params) == 0 {
			JSON(c, badRequest("参数为空"), nil)
			return
		}
		id := graph.NodeID(c.Param("id"))
		if err := s.deps.Graph.SetParams(c.Request.Context(), id, params); err != nil {
			JSON(c, err, nil)
			return
		}
		n, _ := s.deps.Graph.Graph().Node(id)
		JSON(c, nil, n.Params)
	}
}

func (s *Server) nodeExecute() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := s.deps.Graph.Execute(c.Request.Context(), graph.NodeID(c.Param("id")))
		JSON(c, err, report)
	}
}

func (s *Server) connectionAdd() gin.HandlerFunc {
	return func(c *gin.Context) {
		var conn graph.Connection
		if err := c.ShouldBindJSON(&conn); err != nil {
			JSON(c, badRequest("%v", err), nil)
			return
		}
		if err := s.deps.Graph.Connect(c.Request.Context(), conn); err != nil {
			JSON(c, err, nil)
			return
		}
		JSON(c, nil, conn)
	}
}

func (s *Server) connectionRemove() gin.HandlerFunc {
	return func(c *gin.Context) {
		var conn graph.Connection
		if err := c.ShouldBindJSON(&conn); err != nil {
			JSON(c, badRequest("%v", err), nil)
			return
		}
		if !s.deps.Graph.Disconnect(c.Request.Context(), conn) {
			JSON(c, fmt.Errorf("%w: 连接 %s[%d] -> %s[%d]", errNotFound, conn.From.Node, conn.From.Socket, conn.To.Node, conn.To.Socket), nil)
			return
		}
		JSON(c, nil, conn)
	}
}

type flowRequest struct {
	Triggers []string `json:"triggers" binding:"required"`
	// Interval 为空表示单次执行。
	Interval string `json:"interval"`
}

func (s *Server) flowStart() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req flowRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			JSON(c, badRequest("%v", err), nil)
			return
		}

		cadence := scheduler.Once()
		if req.Interval != "" {
			d, err := time.ParseDuration(req.Interval)
			if err != nil || d <= 0 {
				JSON(c, badRequest("间隔无效 %q", req.Interval), nil)
				return
			}
			cadence = scheduler.Periodic(d)
		}

		triggers := make([]graph.NodeID, 0, len(req.Triggers))
		for _, id := range req.Triggers {
			triggers = append(triggers, graph.NodeID(id))
		}
		id, err := s.deps.Flows.StartFlow(triggers, cadence)
		if err != nil {
			JSON(c, err, nil)
			return
		}
		JSON(c, nil, gin.H{"id": id, "cadence": cadence.String()})
	}
}

func (s *Server) flowList() gin.HandlerFunc {
	return func(c *gin.Context) { JSON(c, nil, s.deps.Flows.ListFlows()) }
}

func (s *Server) flowStop() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			JSON(c, badRequest("流程编号无效 %q", c.Param("id")), nil)
			return
		}
		if !s.deps.Flows.StopFlow(scheduler.FlowID(id)) {
			JSON(c, fmt.Errorf("%w: 流程 %d", errNotFound, id), nil)
			return
		}
		JSON(c, nil, gin.H{"stopped": id})
	}
}

func (s *Server) flowStopAll() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.deps.Flows.StopAll()
		JSON(c, nil, gin.H{"stopped": "all"})
	}
}

func parseTicket(c *gin.Context) (gateway.Ticket, error) {
	v, err := strconv.ParseInt(c.Param("ticket"), 10, 64)
	if err != nil || v <= 0 {
		return 0, badRequest("持仓编号无效 %q", c.Param("ticket"))
	}
	return gateway.Ticket(v), nil
}

func (s *Server) trailingList() gin.HandlerFunc {
	return func(c *gin.Context) { JSON(c, nil, s.deps.Trailing.List()) }
}

func (s *Server) trailingStatus() gin.HandlerFunc {
	return func(c *gin.Context) { JSON(c, nil, s.deps.Trailing.Status()) }
}

func (s *Server) trailingEnable() gin.HandlerFunc {
	return func(c *gin.Context) {
		ticket, err := parseTicket(c)
		if err != nil {
			JSON(c, err, nil)
			return
		}
		var settings trailing.Settings
		if err := c.ShouldBindJSON(&settings); err != nil {
			JSON(c, badRequest("%v", err), nil)
			return
		}
		p, err := s.deps.Trailing.Enable(c.Request.Context(), ticket, settings)
		JSON(c, err, p)
	}
}

func (s *Server) trailingDisable() gin.HandlerFunc {
	return func(c *gin.Context) {
		ticket, err := parseTicket(c)
		if err != nil {
			JSON(c, err, nil)
			return
		}
		if !s.deps.Trailing.Disable(c.Request.Context(), ticket) {
			JSON(c, fmt.Errorf("%w: 持仓 %d 未启用移动止损", errNotFound, ticket), nil)
			return
		}
		JSON(c, nil, gin.H{"disabled": ticket})
	}
}

type intervalRequest struct {
	Interval string `json:"interval" binding:"required"`
}

func (s *Server) trailingInterval() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req intervalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			JSON(c, badRequest("%v", err), nil)
			return
		}
		d, err := time.ParseDuration(req.Interval)
		if err != nil {
			JSON(c, badRequest("间隔无效 %q", req.Interval), nil)
			return
		}
		if err := s.deps.Trailing.SetInterval(d); err != nil {
			JSON(c, err, nil)
			return
		}
		JSON(c, nil, s.deps.Trailing.Status())
	}
}

func (s *Server) trailingRun() gin.HandlerFunc {
	return func(c *gin.Context) {
		res := s.deps.Trailing.RunCycle(c.Request.Context())
		resp := gin.H{"result": res}
		if res.Err != nil {
			resp["error"] = res.Err.Error()
		}
		JSON(c, nil, resp)
	}
}

// positionList 返回当前持仓，并清理已平仓持仓上的移动止损策略。
func (s *Server) positionList() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Positions == nil {
			JSON(c, fmt.Errorf("%w: 未配置交易终端", gateway.ErrUnavailable), nil)
			return
		}
		positions, err := s.deps.Positions.GetOpenPositions(c.Request.Context())
		if err != nil {
			JSON(c, err, nil)
			return
		}

		open := make([]gateway.Ticket, 0, len(positions))
		for _, p := range positions {
			open = append(open, p.Ticket)
		}
		removed := s.deps.Trailing.Reconcile(c.Request.Context(), open)
		if removed == nil {
			removed = []gateway.Ticket{}
		}
		JSON(c, nil, gin.H{"positions": positions, "removed": removed})
	}
}

func (s *Server) eventList() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Events == nil {
			JSON(c, nil, []monitor.Event{})
			return
		}

		typ, ok := monitor.ParseEventType(strings.ToLower(strings.TrimSpace(c.Query("type"))))
		if !ok {
			JSON(c, badRequest("事件类型无效 %q", c.Query("type")), nil)
			return
		}
		limit := 200
		if qs := c.Query("limit"); qs != "" {
			if v, err := strconv.Atoi(qs); err == nil && v > 0 {
				if v > 1000 {
					v = 1000
				}
				limit = v
			}
		}

		events, err := s.deps.Events.ListEvents(c.Request.Context(), typ, limit)
		JSON(c, err, events)
	}
}
