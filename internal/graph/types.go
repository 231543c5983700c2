package graph

import (
	"fmt"
	"strings"
)

// DataType 为插槽声明的数据类型标签。
type DataType string

const (
	TypeTrigger   DataType = "trigger"
	TypePrice     DataType = "price"
	TypeNumber    DataType = "number"
	TypeBoolean   DataType = "boolean"
	TypeSignal    DataType = "signal"
	TypeIndicator DataType = "indicator"
	TypeAny       DataType = "any"
)

var knownTypes = map[DataType]struct{}{
	TypeTrigger:   {},
	TypePrice:     {},
	TypeNumber:    {},
	TypeBoolean:   {},
	TypeSignal:    {},
	TypeIndicator: {},
	TypeAny:       {},
}

// ParseDataType 解析类型名，大小写不敏感。
func ParseDataType(s string) (DataType, error) {
	t := DataType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := knownTypes[t]; !ok {
		return "", fmt.Errorf("graph: 未知数据类型 %q", s)
	}
	return t, nil
}

// Valid 判断是否为已定义的类型。
func (t DataType) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Zero 返回该类型输入缺失时使用的零值。
func (t DataType) Zero() interface{} {
	switch t {
	case TypeTrigger, TypeBoolean:
		return false
	case TypePrice, TypeNumber, TypeIndicator:
		return 0.0
	case TypeSignal:
		return ""
	default:
		return nil
	}
}

// Compatible 判断 src 输出能否连接到 dst 输入。
// 规则：类型相同；任一方为 any；price/indicator 可流入 number。该关系不对称。
func Compatible(src, dst DataType) bool {
	if src == dst {
		return true
	}
	if src == TypeAny || dst == TypeAny {
		return true
	}
	if dst == TypeNumber && (src == TypePrice || src == TypeIndicator) {
		return true
	}
	return false
}

// Direction 表示插槽方向。
type Direction string

const (
	DirInput  Direction = "input"
	DirOutput Direction = "output"
)

// Socket 为节点上的类型化连接点，Ordinal 在同方向内唯一。
type Socket struct {
	Name    string    `json:"name,omitempty" yaml:"name,omitempty"`
	Type    DataType  `json:"type" yaml:"type"`
	Ordinal int       `json:"-" yaml:"-"`
	Dir     Direction `json:"-" yaml:"-"`
}

// NodeID 为节点的稳定标识。
type NodeID string

// Node 为图中的一个行为单元。
type Node struct {
	ID      NodeID
	Tag     string
	Inputs  []Socket
	Outputs []Socket
	Params  map[string]interface{}
}

// Input 返回第 i 个输入插槽。
func (n *Node) Input(i int) (Socket, bool) {
	if i < 0 || i >= len(n.Inputs) {
		return Socket{}, false
	}
	return n.Inputs[i], true
}

// Output 返回第 i 个输出插槽。
func (n *Node) Output(i int) (Socket, bool) {
	if i < 0 || i >= len(n.Outputs) {
		return Socket{}, false
	}
	return n.Outputs[i], true
}

func (n *Node) clone() *Node {
	c := &Node{
		ID:      n.ID,
		Tag:     n.Tag,
		Inputs:  append([]Socket(nil), n.Inputs...),
		Outputs: append([]Socket(nil), n.Outputs...),
		Params:  make(map[string]interface{}, len(n.Params)),
	}
	for k, v := range n.Params {
		c.Params[k] = v
	}
	return c
}

// Endpoint 指向某节点的某个插槽序号。
type Endpoint struct {
	Node   NodeID `json:"node" yaml:"node"`
	Socket int    `json:"socket" yaml:"socket"`
}

// Connection 由输出插槽指向输入插槽。
type Connection struct {
	From Endpoint `json:"from" yaml:"from"`
	To   Endpoint `json:"to" yaml:"to"`
}
