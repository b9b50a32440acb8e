package backend

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gowhisper/dtypes"
	"github.com/pkg/errors"
)

// Shape is a minimalistic shape representation of a tensor: the underlying data type and the dimensions
// of each axis. Axes are in row-major order: the last axis is contiguous in memory.
// If len(Dimensions) is 0, it represents a scalar.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// MakeShape filled with the values given.
//
// The dimensions must be >= 1, it panics otherwise. See MakeShapeOrError for a version that returns an error.
func MakeShape(dtype dtypes.DType, dimensions ...int) Shape {
	s, err := MakeShapeOrError(dtype, dimensions...)
	if err != nil {
		panic(err)
	}
	return s
}

// MakeShapeOrError is the same as MakeShape, but it returns an error instead if the dimensions are <= 0.
func MakeShapeOrError(dtype dtypes.DType, dimensions ...int) (Shape, error) {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	if !dtype.IsValid() {
		return Shape{}, errors.Errorf("MakeShape(%s): invalid dtype", s)
	}
	for _, dim := range dimensions {
		if dim <= 0 {
			return Shape{}, errors.Errorf("MakeShape(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s, nil
}

// Rank of a shape is the number of axes. Scalar values have rank 0.
func (s Shape) Rank() int {
	return len(s.Dimensions)
}

// Size returns the number of elements. A scalar has size 1.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory returns the number of bytes needed to store the shape, unpadded.
func (s Shape) Memory() int {
	return s.DType.Size() * s.Size()
}

// RowLength returns the dimension of the last axis (1 for scalars).
func (s Shape) RowLength() int {
	if len(s.Dimensions) == 0 {
		return 1
	}
	return s.Dimensions[len(s.Dimensions)-1]
}

// NumRows returns the number of rows, that is Size()/RowLength().
func (s Shape) NumRows() int {
	return s.Size() / s.RowLength()
}

// Equal returns whether both shapes have the same dtype and dimensions.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// String implements fmt.Stringer. E.g.: "(Float32)[3 5]".
func (s Shape) String() string {
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// TensorFlags mark tensors with special roles in the graph.
type TensorFlags int

const (
	// FlagInput marks a tensor whose data is set by the caller before computing: its memory is never reused.
	FlagInput TensorFlags = 1 << iota

	// FlagOutput marks a tensor that is read by the caller after computing: its memory is never reused.
	FlagOutput
)

// Tensor is a node in a Graph: either a leaf (OpNone), whose data is given by the caller, or
// the output of an operation over its inputs.
//
// A tensor may live in a Buffer (after it has been allocated) at a given offset. The scheduler
// allocates intermediate tensors of a graph; leaves holding weights are usually allocated by the
// graph builder with AllocTensors.
type Tensor struct {
	name   string
	op     OpType
	shape  Shape
	inputs []*Tensor
	params []float32
	flags  TensorFlags

	// graph is the graph that created the tensor and id its index in Graph.Nodes.
	graph *Graph
	id    int

	buffer *Buffer
	offset int
}

// Name of the tensor, set at creation or by SetName.
func (t *Tensor) Name() string { return t.name }

// SetName changes the name of the tensor. It returns the tensor itself, so it can be chained.
func (t *Tensor) SetName(name string) *Tensor {
	t.name = name
	return t
}

// Op returns the operation that computes the tensor. Leaves have OpNone.
func (t *Tensor) Op() OpType { return t.op }

// Shape returns the shape of the tensor. The returned value must not be changed.
func (t *Tensor) Shape() Shape { return t.shape }

// DType is a shortcut to Shape().DType.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// NumInputs returns the number of inputs of the operation.
func (t *Tensor) NumInputs() int { return len(t.inputs) }

// Input returns the i-th input of the operation, as defined when the graph was built.
//
// Backends executing a graph should use Graph.Src instead, since the scheduler may redirect the input
// to a copy living in another backend.
func (t *Tensor) Input(i int) *Tensor { return t.inputs[i] }

// Param returns the i-th float parameter of the operation (e.g. the factor of OpScale).
func (t *Tensor) Param(i int) float32 { return t.params[i] }

// Flags returns the flags of the tensor.
func (t *Tensor) Flags() TensorFlags { return t.flags }

// SetFlags adds the given flags to the tensor. It returns the tensor itself, so it can be chained.
//
// If the flags change, the version of the graph that created the tensor is incremented.
func (t *Tensor) SetFlags(flags TensorFlags) *Tensor {
	if t.flags|flags == t.flags {
		return t
	}
	t.flags |= flags
	if t.graph != nil {
		t.graph.version++
	}
	return t
}

// IsLeaf returns whether the tensor is a leaf (OpNone): its value is not computed by the graph.
func (t *Tensor) IsLeaf() bool { return t.op == OpNone }

// ID returns the index of the tensor in its graph's Nodes, or -1 for tensors not created by a Graph.
func (t *Tensor) ID() int { return t.id }

// Buffer where the tensor is allocated, or nil if it is not allocated yet.
func (t *Tensor) Buffer() *Buffer { return t.buffer }

// Offset of the tensor in its buffer.
func (t *Tensor) Offset() int { return t.offset }

// NumBytes returns the number of bytes of the tensor data.
func (t *Tensor) NumBytes() int { return t.shape.Memory() }

// IsAllocated returns whether the tensor has been placed in a live Buffer.
func (t *Tensor) IsAllocated() bool { return t.buffer != nil && t.buffer.IsValid() }

// Bind places the tensor in the buffer at the given offset.
// It returns an error if the tensor doesn't fit in the buffer or the offset is not aligned.
func (t *Tensor) Bind(buffer *Buffer, offset int) error {
	if !buffer.IsValid() {
		return errors.Errorf("cannot bind tensor %q to a freed buffer", t.name)
	}
	if align := buffer.bufferType.Alignment(); align > 1 && offset%align != 0 {
		return errors.Errorf("cannot bind tensor %q at offset %d of buffer %q: not aligned to %d bytes",
			t.name, offset, buffer.Name(), align)
	}
	if offset < 0 || offset+t.NumBytes() > buffer.Size() {
		return errors.Errorf("cannot bind tensor %q (%d bytes) at offset %d of buffer %q with %d bytes",
			t.name, t.NumBytes(), offset, buffer.Name(), buffer.Size())
	}
	t.buffer = buffer
	t.offset = offset
	return nil
}

// Unbind removes the tensor from its buffer.
func (t *Tensor) Unbind() {
	t.buffer = nil
	t.offset = 0
}

// Data returns the bytes of the tensor if it lives in addressable (Go) memory, or nil otherwise.
//
// Only backends should write to it directly: callers should use TensorSet and TensorGet.
func (t *Tensor) Data() []byte {
	if !t.IsAllocated() {
		return nil
	}
	bytes := t.buffer.memory.Bytes()
	if bytes == nil {
		return nil
	}
	return bytes[t.offset : t.offset+t.NumBytes()]
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	var sb strings.Builder
	name := t.name
	if name == "" {
		name = fmt.Sprintf("#%d", t.id)
	}
	fmt.Fprintf(&sb, "%s=%s%s", name, t.op, t.shape)
	if len(t.inputs) > 0 {
		inputNames := make([]string, len(t.inputs))
		for ii, input := range t.inputs {
			inputNames[ii] = input.name
		}
		fmt.Fprintf(&sb, "(%s)", strings.Join(inputNames, ", "))
	}
	return sb.String()
}

// NewTensor creates a stand-alone tensor not attached to any graph. Used for temporary tensors,
// like the copies the scheduler inserts between backends.
func NewTensor(name string, op OpType, shape Shape, inputs ...*Tensor) *Tensor {
	return &Tensor{name: name, op: op, shape: shape, inputs: inputs, id: -1}
}
