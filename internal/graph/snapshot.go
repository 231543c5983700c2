package graph

import (
	"fmt"

	"github.com/goccy/go-json"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// SnapshotVersion 为当前快照结构版本。
const SnapshotVersion = 1

// Snapshot 为图的结构化导出，可经 JSON 或 YAML 往返。
type Snapshot struct {
	Version     int            `json:"version" yaml:"version"`
	Nodes       []NodeSnapshot `json:"nodes" yaml:"nodes"`
	Connections []Connection   `json:"connections" yaml:"connections"`
}

// NodeSnapshot 描述单个节点。
type NodeSnapshot struct {
	ID      NodeID                 `json:"id" yaml:"id"`
	Tag     string                 `json:"tag" yaml:"tag"`
	Params  map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
	Inputs  []Socket               `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs []Socket               `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// Snapshot 导出当前图结构。
func (g *Graph) Snapshot() Snapshot {
	nodes := g.Nodes()
	snap := Snapshot{
		Version:     SnapshotVersion,
		Nodes:       make([]NodeSnapshot, 0, len(nodes)),
		Connections: g.Connections(),
	}
	for _, n := range nodes {
		snap.Nodes = append(snap.Nodes, NodeSnapshot{
			ID:      n.ID,
			Tag:     n.Tag,
			Params:  n.Params,
			Inputs:  n.Inputs,
			Outputs: n.Outputs,
		})
	}
	return snap
}

// FromSnapshot 依据快照重建图。节点与连接的全部错误会被汇总返回，任何错误都不返回部分结果。
func FromSnapshot(snap Snapshot) (*Graph, error) {
	if snap.Version != 0 && snap.Version > SnapshotVersion {
		return nil, fmt.Errorf("graph: 不支持的快照版本 %d", snap.Version)
	}

	g := New()
	var errs error
	for _, ns := range snap.Nodes {
		n := Node{
			ID:      ns.ID,
			Tag:     ns.Tag,
			Inputs:  ns.Inputs,
			Outputs: ns.Outputs,
			Params:  ns.Params,
		}
		if err := g.AddNode(n); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	for _, c := range snap.Connections {
		if err := g.Connect(c.From, c.To); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		return nil, fmt.Errorf("graph: 导入快照失败: %w", errs)
	}
	return g, nil
}

// MarshalJSON 以快照形式编码图。
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.Snapshot())
}

// DecodeJSON 从 JSON 快照重建图。
func DecodeJSON(data []byte) (*Graph, error) {
	snap, err := ParseJSON(data)
	if err != nil {
		return nil, err
	}
	return FromSnapshot(snap)
}

// ParseJSON 只解析 JSON 快照，不重建图。
func ParseJSON(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("graph: 解析 JSON 快照失败: %w", err)
	}
	return snap, nil
}

// EncodeYAML 以 YAML 编码图快照。
func (g *Graph) EncodeYAML() ([]byte, error) {
	return yaml.Marshal(g.Snapshot())
}

// DecodeYAML 从 YAML 快照重建图。
func DecodeYAML(data []byte) (*Graph, error) {
	snap, err := ParseYAML(data)
	if err != nil {
		return nil, err
	}
	return FromSnapshot(snap)
}

// ParseYAML 只解析 YAML 快照，不重建图。
func ParseYAML(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("graph: 解析 YAML 快照失败: %w", err)
	}
	return snap, nil
}
