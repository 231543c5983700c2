package node

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cast"
	"go.uber.org/multierr"

	"flowtrader/internal/execution"
	"flowtrader/internal/gateway"
	"flowtrader/internal/graph"
	"flowtrader/internal/indicator"
)

// ErrUnknownTag 表示节点标签没有对应的行为。
var ErrUnknownTag = errors.New("node: unknown tag")

// Env 为节点执行时可用的外部能力。
type Env struct {
	Live       bool
	Gateway    gateway.Gateway
	Orders     execution.Trader
	Indicators *indicator.Calculator
}

// Call 为单个节点的一次执行输入。Inputs 与 Connected 按输入插槽序号对齐。
type Call struct {
	Node      graph.Node
	Inputs    []interface{}
	Connected []bool
	Env       Env
}

// Result 为节点执行输出，Outputs 按输出插槽序号对齐。
type Result struct {
	Outputs []interface{}
	Message string
}

// Behavior 为一种节点的执行语义。
type Behavior interface {
	Tag() string
	Inputs() []graph.Socket
	Outputs() []graph.Socket
	Validate(params map[string]interface{}) error
	Execute(ctx context.Context, call Call) (Result, error)
}

var registry = map[string]Behavior{}

func register(b Behavior) {
	registry[b.Tag()] = b
}

func init() {
	register(manualTrigger{})
	register(periodicTrigger{})
	register(marketData{})
	register(constant{})
	register(indicatorNode{})
	register(compare{})
	register(gate{})
	register(signal{})
	register(placeOrder{})
	register(closePosition{})
}

// Lookup 按标签查找行为。
func Lookup(tag string) (Behavior, bool) {
	b, ok := registry[tag]
	return b, ok
}

// Tags 返回全部已注册标签。
func Tags() []string {
	tags := make([]string, 0, len(registry))
	for tag := range registry {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// IsTrigger 判断标签是否为触发类节点：没有输入且首个输出为 trigger。
func IsTrigger(tag string) bool {
	b, ok := registry[tag]
	if !ok {
		return false
	}
	outs := b.Outputs()
	return len(b.Inputs()) == 0 && len(outs) > 0 && outs[0].Type == graph.TypeTrigger
}

// NewNode 按行为声明的插槽构造节点，并校验参数。
func NewNode(id graph.NodeID, tag string, params map[string]interface{}) (graph.Node, error) {
	b, ok := registry[tag]
	if !ok {
		return graph.Node{}, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	if err := b.Validate(params); err != nil {
		return graph.Node{}, err
	}
	return graph.Node{
		ID:      id,
		Tag:     tag,
		Inputs:  append([]graph.Socket(nil), b.Inputs()...),
		Outputs: append([]graph.Socket(nil), b.Outputs()...),
		Params:  params,
	}, nil
}

// Descriptor 描述一种节点的插槽声明。
type Descriptor struct {
	Tag     string         `json:"tag"`
	Trigger bool           `json:"trigger"`
	Inputs  []graph.Socket `json:"inputs"`
	Outputs []graph.Socket `json:"outputs"`
}

// Descriptors 按标签排序返回全部节点声明。
func Descriptors() []Descriptor {
	tags := Tags()
	out := make([]Descriptor, 0, len(tags))
	for _, tag := range tags {
		b := registry[tag]
		out = append(out, Descriptor{
			Tag:     tag,
			Trigger: IsTrigger(tag),
			Inputs:  b.Inputs(),
			Outputs: b.Outputs(),
		})
	}
	return out
}

// ValidateGraph 检查图中每个节点的标签与参数，汇总全部错误。
func ValidateGraph(g *graph.Graph) error {
	var errs error
	for _, n := range g.Nodes() {
		b, ok := registry[n.Tag]
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("%w: 节点 %s 标签 %q", ErrUnknownTag, n.ID, n.Tag))
			continue
		}
		if err := b.Validate(n.Params); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("node: 节点 %s 参数无效: %w", n.ID, err))
		}
	}
	return errs
}

// CompleteSnapshot 为未声明插槽的节点补全行为默认插槽，已声明的插槽保持不变。
func CompleteSnapshot(snap graph.Snapshot) graph.Snapshot {
	nodes := make([]graph.NodeSnapshot, len(snap.Nodes))
	for i, ns := range snap.Nodes {
		if b, ok := registry[ns.Tag]; ok && len(ns.Inputs) == 0 && len(ns.Outputs) == 0 {
			ns.Inputs = append([]graph.Socket(nil), b.Inputs()...)
			ns.Outputs = append([]graph.Socket(nil), b.Outputs()...)
		}
		nodes[i] = ns
	}
	snap.Nodes = nodes
	return snap
}

// Run 执行节点。首个输入为 trigger 且为 false 时不调用行为，直接输出零值。
func Run(ctx context.Context, call Call) (Result, error) {
	b, ok := registry[call.Node.Tag]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownTag, call.Node.Tag)
	}

	if len(call.Node.Inputs) > 0 && call.Node.Inputs[0].Type == graph.TypeTrigger {
		if len(call.Inputs) == 0 || !cast.ToBool(call.Inputs[0]) {
			return Result{Outputs: zeroOutputs(call.Node), Message: "未触发"}, nil
		}
	}

	res, err := b.Execute(ctx, call)
	if err != nil {
		return Result{}, err
	}
	if len(res.Outputs) != len(call.Node.Outputs) {
		return Result{}, fmt.Errorf("node: %s 输出数量 %d 与插槽数 %d 不一致", call.Node.Tag, len(res.Outputs), len(call.Node.Outputs))
	}
	return res, nil
}

func zeroOutputs(n graph.Node) []interface{} {
	out := make([]interface{}, len(n.Outputs))
	for i, s := range n.Outputs {
		out[i] = s.Type.Zero()
	}
	return out
}

func socket(name string, t graph.DataType) graph.Socket {
	return graph.Socket{Name: name, Type: t}
}
