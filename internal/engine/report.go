package engine

import (
	"time"

	"flowtrader/internal/graph"
)

// Entry 记录单个节点的执行结果。失败节点没有输出。
type Entry struct {
	NodeID  graph.NodeID  `json:"node_id"`
	Tag     string        `json:"tag"`
	Success bool          `json:"success"`
	Outputs []interface{} `json:"outputs,omitempty"`
	Message string        `json:"message,omitempty"`
}

// Report 为一次图执行的完整报告，Entries 按执行顺序排列。
type Report struct {
	ID         string       `json:"id"`
	StartNode  graph.NodeID `json:"start_node"`
	Live       bool         `json:"live"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Entries    []Entry      `json:"entries"`
}

// Failed 返回执行失败的节点。
func (r *Report) Failed() []graph.NodeID {
	var failed []graph.NodeID
	for _, e := range r.Entries {
		if !e.Success {
			failed = append(failed, e.NodeID)
		}
	}
	return failed
}

// Entry 按节点查找执行记录。
func (r *Report) Entry(id graph.NodeID) (Entry, bool) {
	for _, e := range r.Entries {
		if e.NodeID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Duration 返回执行耗时。
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
