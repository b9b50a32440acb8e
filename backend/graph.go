package backend

import (
	"fmt"
	"slices"

	"github.com/gomlx/gowhisper/dtypes"
	"github.com/pkg/errors"
)

// OpType enumerates the operations a graph node can hold. They are opaque to the scheduler: only
// backends know how to execute them, and they report which ones they support with Device.SupportsOp.
type OpType int

const (
	// OpNone is a leaf: an input, a weight or a constant set by the caller.
	OpNone OpType = iota
	// OpCopy copies (and converts the dtype of) its input.
	OpCopy
	// OpAdd adds its two inputs, broadcasting the second over the leading axes of the first.
	OpAdd
	// OpMul multiplies its two inputs element-wise, broadcasting the second like OpAdd.
	OpMul
	// OpScale multiplies its input by the constant in Param(0).
	OpScale
	// OpGELU applies the tanh approximation of the Gaussian Error Linear Unit.
	OpGELU
	// OpSoftMax normalizes each row (last axis) of its input.
	OpSoftMax
	// OpSumRows reduces the last axis of its input to size 1.
	OpSumRows
	// OpMatMul multiplies a [M, K] matrix by a [K, N] matrix.
	OpMatMul

	// OpTypeLast marks the number of operations.
	OpTypeLast
)

var opTypeNames = [...]string{
	OpNone:    "None",
	OpCopy:    "Copy",
	OpAdd:     "Add",
	OpMul:     "Mul",
	OpScale:   "Scale",
	OpGELU:    "GELU",
	OpSoftMax: "SoftMax",
	OpSumRows: "SumRows",
	OpMatMul:  "MatMul",
}

// String implements fmt.Stringer.
func (op OpType) String() string {
	if op < 0 || op >= OpTypeLast {
		return fmt.Sprintf("OpType(%d)", int(op))
	}
	return opTypeNames[op]
}

// Graph is a directed acyclic graph of tensors. Nodes are kept in the order they were created,
// and since an operation can only take as input tensors already created, the graph is acyclic by
// construction and Nodes is a valid topological order.
//
// A Graph can also be a view over a sub-range of the nodes of another graph (see View), in which
// case some inputs may be substituted: that is how the scheduler redirects inputs to copies
// living in another backend, without changing the original nodes.
type Graph struct {
	name  string
	nodes []*Tensor

	// version is incremented at every change, so users can detect changes in the graph topology.
	version int

	// substitutions maps original inputs to the tensors to be used instead, for views.
	substitutions map[*Tensor]*Tensor
	isView        bool
}

// NewGraph creates a new empty graph.
func NewGraph(name string) *Graph {
	return &Graph{name: name}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// Nodes returns the nodes of the graph, in topological order. The returned slice must not be changed.
func (g *Graph) Nodes() []*Tensor { return g.nodes }

// NumNodes returns the number of nodes in the graph.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Node returns the i-th node.
func (g *Graph) Node(i int) *Tensor { return g.nodes[i] }

// Version is incremented whenever a node is added or its flags or shapes change through the graph.
func (g *Graph) Version() int { return g.version }

// IsView returns whether the graph is a view over nodes of another graph.
func (g *Graph) IsView() bool { return g.isView }

// View creates a graph over the given nodes, where inputs found in substitutions are replaced by
// their mapped value when read with Src. The nodes themselves are not changed.
func (g *Graph) View(name string, nodes []*Tensor, substitutions map[*Tensor]*Tensor) *Graph {
	return &Graph{
		name:          name,
		nodes:         nodes,
		version:       g.version,
		substitutions: substitutions,
		isView:        true,
	}
}

// Src returns the i-th input of node, after substitutions. Backends must read inputs with Src.
func (g *Graph) Src(node *Tensor, i int) *Tensor {
	input := node.inputs[i]
	if g.substitutions != nil {
		if substitute, found := g.substitutions[input]; found {
			return substitute
		}
	}
	return input
}

// String implements fmt.Stringer, listing one node per line.
func (g *Graph) String() string {
	s := fmt.Sprintf("Graph %q (%d nodes):\n", g.name, len(g.nodes))
	for ii, node := range g.nodes {
		s += fmt.Sprintf("\t#%d: %s\n", ii, node)
	}
	return s
}

// Outputs returns the nodes whose values must be preserved after the computation: the ones marked
// with FlagOutput and the ones not consumed by any other node.
func (g *Graph) Outputs() []*Tensor {
	used := make(map[*Tensor]bool, len(g.nodes))
	for _, node := range g.nodes {
		for _, input := range node.inputs {
			used[input] = true
		}
	}
	var outputs []*Tensor
	for _, node := range g.nodes {
		if node.flags&FlagOutput != 0 || (!used[node] && !node.IsLeaf()) {
			outputs = append(outputs, node)
		}
	}
	return outputs
}

func (g *Graph) addNode(t *Tensor) *Tensor {
	if g.isView {
		panic(errors.Errorf("cannot add node %s to view graph %q", t, g.name))
	}
	t.graph = g
	t.id = len(g.nodes)
	if t.name == "" {
		t.name = fmt.Sprintf("%s#%d", t.op, t.id)
	}
	g.nodes = append(g.nodes, t)
	g.version++
	return t
}

func (g *Graph) checkInputs(op OpType, inputs ...*Tensor) error {
	for ii, input := range inputs {
		if input == nil {
			return errors.Errorf("%s: input #%d is nil", op, ii)
		}
		if input.graph != g {
			return errors.Errorf("%s: input #%d (%s) belongs to a different graph", op, ii, input)
		}
	}
	return nil
}

// Input creates a leaf tensor whose value is set by the caller (TensorSet) after the scheduler
// allocates the graph and before it is computed.
func (g *Graph) Input(name string, shape Shape) *Tensor {
	return g.addNode(&Tensor{name: name, op: OpNone, shape: shape, flags: FlagInput})
}

// Leaf creates a leaf tensor with no flags: usually a weight allocated by the caller with
// AllocTensors before the graph is scheduled.
func (g *Graph) Leaf(name string, shape Shape) *Tensor {
	return g.addNode(&Tensor{name: name, op: OpNone, shape: shape})
}

// MarkOutput flags the tensor so its value is preserved and can be read after the computation.
func (g *Graph) MarkOutput(t *Tensor) {
	t.flags |= FlagOutput
	g.version++
}

func (g *Graph) elementwise(op OpType, a, b *Tensor) (*Tensor, error) {
	if err := g.checkInputs(op, a, b); err != nil {
		return nil, err
	}
	if a.DType() != dtypes.Float32 || b.DType() != dtypes.Float32 {
		return nil, errors.Errorf("%s: only Float32 operands supported, got %s and %s", op, a.shape, b.shape)
	}
	rankA, rankB := a.shape.Rank(), b.shape.Rank()
	if rankB > rankA || !slices.Equal(a.shape.Dimensions[rankA-rankB:], b.shape.Dimensions) {
		return nil, errors.Errorf("%s: shape %s cannot be broadcast to %s", op, b.shape, a.shape)
	}
	return g.addNode(&Tensor{op: op, shape: MakeShape(dtypes.Float32, a.shape.Dimensions...), inputs: []*Tensor{a, b}}), nil
}

// Add returns a+b. The dimensions of b must match the trailing dimensions of a.
func (g *Graph) Add(a, b *Tensor) (*Tensor, error) {
	return g.elementwise(OpAdd, a, b)
}

// Mul returns a*b element-wise. The dimensions of b must match the trailing dimensions of a.
func (g *Graph) Mul(a, b *Tensor) (*Tensor, error) {
	return g.elementwise(OpMul, a, b)
}

func (g *Graph) unary(op OpType, x *Tensor, outputShape Shape, params ...float32) (*Tensor, error) {
	if err := g.checkInputs(op, x); err != nil {
		return nil, err
	}
	if x.DType() != dtypes.Float32 {
		return nil, errors.Errorf("%s: only Float32 operand supported, got %s", op, x.shape)
	}
	return g.addNode(&Tensor{op: op, shape: outputShape, inputs: []*Tensor{x}, params: params}), nil
}

// Scale returns x*factor.
func (g *Graph) Scale(x *Tensor, factor float32) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("Scale: input is nil")
	}
	return g.unary(OpScale, x, x.shape, factor)
}

// GELU returns the tanh approximation of the Gaussian Error Linear Unit of x.
func (g *Graph) GELU(x *Tensor) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("GELU: input is nil")
	}
	return g.unary(OpGELU, x, x.shape)
}

// SoftMax normalizes the rows (the last axis) of x.
func (g *Graph) SoftMax(x *Tensor) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("SoftMax: input is nil")
	}
	return g.unary(OpSoftMax, x, x.shape)
}

// SumRows reduces the last axis of x, keeping it with dimension 1.
func (g *Graph) SumRows(x *Tensor) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("SumRows: input is nil")
	}
	dims := slices.Clone(x.shape.Dimensions)
	if len(dims) == 0 {
		dims = []int{1}
	}
	dims[len(dims)-1] = 1
	return g.unary(OpSumRows, x, MakeShape(dtypes.Float32, dims...))
}

// MatMul returns the matrix multiplication of a ([M, K], Float32) by b ([K, N], Float32 or Float16).
func (g *Graph) MatMul(a, b *Tensor) (*Tensor, error) {
	if err := g.checkInputs(OpMatMul, a, b); err != nil {
		return nil, err
	}
	if a.shape.Rank() != 2 || b.shape.Rank() != 2 || a.shape.Dimensions[1] != b.shape.Dimensions[0] {
		return nil, errors.Errorf("MatMul: incompatible shapes %s and %s", a.shape, b.shape)
	}
	if a.DType() != dtypes.Float32 || !b.DType().IsFloat() {
		return nil, errors.Errorf("MatMul: unsupported dtypes %s and %s", a.DType(), b.DType())
	}
	shape := MakeShape(dtypes.Float32, a.shape.Dimensions[0], b.shape.Dimensions[1])
	return g.addNode(&Tensor{op: OpMatMul, shape: shape, inputs: []*Tensor{a, b}}), nil
}

// Copy returns a copy of x converted to dtype.
func (g *Graph) Copy(x *Tensor, dtype dtypes.DType) (*Tensor, error) {
	if err := g.checkInputs(OpCopy, x); err != nil {
		return nil, err
	}
	shape, err := MakeShapeOrError(dtype, x.shape.Dimensions...)
	if err != nil {
		return nil, errors.WithMessagef(err, "Copy(%s)", x)
	}
	if dtype != x.DType() && !(dtype.IsFloat() && x.DType().IsFloat()) {
		return nil, errors.Errorf("Copy: conversion from %s to %s not supported", x.DType(), dtype)
	}
	return g.addNode(&Tensor{op: OpCopy, shape: shape, inputs: []*Tensor{x}}), nil
}
