// Package autodiff 基于 gorgonia 的反向模式自动微分，为训练引擎计算梯度
package autodiff

import (
	"github.com/cockroachdb/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Node 计算图节点
type Node = gorgonia.Node

// Variable 参与求导的具名标量变量
type Variable struct {
	Name  string
	Value float32
}

// Result 一次前向+反向计算的结果，Gradients 与传入变量按位置对齐
type Result struct {
	Loss      float32
	Gradients []float32
}

// LossFunc 在图上用给定变量节点构造标量损失
type LossFunc func(g *Graph, vars []*Node) (*Node, error)

// Context 梯度计算能力
type Context interface {
	Gradients(loss LossFunc, vars ...Variable) (Result, error)
}

// Graph 对 gorgonia 表达式图的薄封装，只暴露线性模型需要的算子
type Graph struct {
	g *gorgonia.ExprGraph
}

// Input 标量输入（不求导）
func (g *Graph) Input(name string, v float32) *Node {
	return gorgonia.NewScalar(g.g, tensor.Float32, gorgonia.WithName(name), gorgonia.WithValue(v))
}

// Inputs 向量输入（不求导）
func (g *Graph) Inputs(name string, values []float32) *Node {
	backing := append([]float32(nil), values...)
	t := tensor.New(tensor.WithBacking(backing), tensor.WithShape(len(backing)))
	return gorgonia.NewVector(g.g, tensor.Float32,
		gorgonia.WithShape(len(backing)), gorgonia.WithName(name), gorgonia.WithValue(t))
}

// Linear x*w + b，x 可以是标量或向量，w、b 为标量
func (g *Graph) Linear(x, w, b *Node) (*Node, error) {
	xw, err := gorgonia.Mul(x, w)
	if err != nil {
		return nil, errors.Wrap(err, "linear: mul")
	}
	out, err := gorgonia.Add(xw, b)
	if err != nil {
		return nil, errors.Wrap(err, "linear: add")
	}
	return out, nil
}

// SquaredError (pred - target)^2，标量
func (g *Graph) SquaredError(pred, target *Node) (*Node, error) {
	diff, err := gorgonia.Sub(pred, target)
	if err != nil {
		return nil, errors.Wrap(err, "squared error: sub")
	}
	sq, err := gorgonia.Square(diff)
	if err != nil {
		return nil, errors.Wrap(err, "squared error: square")
	}
	return sq, nil
}

// MeanSquaredError mean((pred - target)^2)
func (g *Graph) MeanSquaredError(pred, target *Node) (*Node, error) {
	sq, err := g.SquaredError(pred, target)
	if err != nil {
		return nil, err
	}
	mean, err := gorgonia.Mean(sq)
	if err != nil {
		return nil, errors.Wrap(err, "mean squared error: mean")
	}
	return mean, nil
}

// TapeContext 每次调用构建新图并用 tape machine 执行
type TapeContext struct {
	opts []gorgonia.VMOpt
}

// NewTapeContext 创建梯度计算上下文，使用 Init 设置的运行时选项
func NewTapeContext() *TapeContext {
	return &TapeContext{opts: runtimeOptions()}
}

// Gradients 计算损失对各变量的梯度
func (c *TapeContext) Gradients(loss LossFunc, vars ...Variable) (res Result, err error) {
	if len(vars) == 0 {
		return Result{}, errors.New("autodiff: no variables to differentiate")
	}

	// gorgonia 在形状不匹配等情况下会 panic
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("autodiff: panic during gradient computation: %v", r)
		}
	}()

	g := &Graph{g: gorgonia.NewGraph()}
	nodes := make([]*Node, len(vars))
	for i, v := range vars {
		nodes[i] = gorgonia.NewScalar(g.g, tensor.Float32, gorgonia.WithName(v.Name), gorgonia.WithValue(v.Value))
	}

	cost, err := loss(g, nodes)
	if err != nil {
		return Result{}, errors.Wrap(err, "autodiff: build loss")
	}
	grads, err := gorgonia.Grad(cost, nodes...)
	if err != nil {
		return Result{}, errors.Wrap(err, "autodiff: symbolic gradient")
	}

	vm := gorgonia.NewTapeMachine(g.g, c.opts...)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return Result{}, errors.Wrap(err, "autodiff: run graph")
	}

	res.Loss, err = scalarOf(cost)
	if err != nil {
		return Result{}, err
	}
	res.Gradients = make([]float32, len(grads))
	for i, gn := range grads {
		if res.Gradients[i], err = scalarOf(gn); err != nil {
			return Result{}, errors.Wrapf(err, "gradient of %s", vars[i].Name)
		}
	}
	return res, nil
}

func scalarOf(n *Node) (float32, error) {
	v := n.Value()
	if v == nil {
		return 0, errors.Newf("autodiff: node %s has no value", n.Name())
	}
	switch d := v.Data().(type) {
	case float32:
		return d, nil
	case []float32:
		if len(d) == 1 {
			return d[0], nil
		}
	}
	return 0, errors.Newf("autodiff: node %s is not a float32 scalar (%T)", n.Name(), v.Data())
}
