// Package blas implements a matrix-only accelerator: it executes large Float32 matrix multiplications
// with gonum's BLAS, asynchronously, on tensors in host memory. Graphs must be scheduled with a full
// device (the CPU) that takes the remaining operations.
package blas

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/gomlx/gowhisper/backend"
	"github.com/gomlx/gowhisper/dtypes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"k8s.io/klog/v2"
)

const (
	// ImplementationName is the name of the BLAS implementation in a backend.Registry.
	ImplementationName = "blas"

	// DeviceName is the name of the BLAS device.
	DeviceName = "BLAS"

	// DefaultMinRows is the default minimum number of rows of the left operand of a matrix
	// multiplication for the device to take it.
	DefaultMinRows = 32
)

type blasImpl struct {
	device *Device
}

var theImplementation = newImplementation()

func newImplementation() *blasImpl {
	impl := &blasImpl{}
	impl.device = &Device{impl: impl}
	impl.device.minRows.Store(DefaultMinRows)
	impl.device.bufferType = backend.NewHostBufferType(DeviceName, impl.device, backend.BufferAlignment, 0)
	return impl
}

// Implementation returns the BLAS implementation, to be registered in a backend.Registry.
func Implementation() backend.Implementation {
	return theImplementation
}

func (impl *blasImpl) Name() string { return ImplementationName }

func (impl *blasImpl) Devices() []backend.Device { return []backend.Device{impl.device} }

// Device is the BLAS device.
type Device struct {
	impl       *blasImpl
	bufferType *backend.HostBufferType
	minRows    atomic.Int64
}

var _ backend.Device = (*Device)(nil)

// GetDevice returns the BLAS device.
func GetDevice() *Device {
	return theImplementation.device
}

func (d *Device) Name() string { return DeviceName }

func (d *Device) Description() string {
	return fmt.Sprintf("gonum BLAS on %s/%s", runtime.GOOS, runtime.GOARCH)
}

// Memory returns 0s: the device uses host memory, reported by the CPU device.
func (d *Device) Memory() (free, total uint64) { return 0, 0 }

func (d *Device) Type() backend.DeviceType { return backend.DeviceCPU }

func (d *Device) Caps() backend.DeviceCaps {
	return backend.DeviceCaps{Async: true, Events: true}
}

func (d *Device) BufferType() backend.BufferType { return d.bufferType }

func (d *Device) HostBufferType() backend.BufferType { return nil }

// MinRows returns the minimum number of rows of a matrix multiplication for the device to support it.
func (d *Device) MinRows() int { return int(d.minRows.Load()) }

// SetMinRows changes the minimum number of rows of a matrix multiplication for the device to support it.
// It affects all backends of the device.
func (d *Device) SetMinRows(n int) { d.minRows.Store(int64(n)) }

// SupportsOp implements backend.Device: only Float32 matrix multiplications with enough rows.
func (d *Device) SupportsOp(node *backend.Tensor) bool {
	switch node.Op() {
	case backend.OpNone:
		return true
	case backend.OpMatMul:
		a, b := node.Input(0), node.Input(1)
		return a.DType() == dtypes.Float32 && b.DType() == dtypes.Float32 &&
			a.Shape().Dimensions[0] >= d.MinRows()
	default:
		return false
	}
}

// SupportsBufferType implements backend.Device: any buffer in host memory.
func (d *Device) SupportsBufferType(bt backend.BufferType) bool { return bt.IsHost() }

// OffloadOp implements backend.Device: matrix multiplications it supports are worth taking
// from the device holding the weights, since they are in host memory anyway.
func (d *Device) OffloadOp(node *backend.Tensor) bool {
	return node.Op() == backend.OpMatMul && d.SupportsOp(node)
}

// NewEvent implements backend.Device.
func (d *Device) NewEvent() (backend.Event, error) {
	return backend.NewStreamEvent(d), nil
}

func (d *Device) Implementation() backend.Implementation { return d.impl }

// ParamMinRows is the Init parameter that sets MinRows.
const ParamMinRows = "min_rows"

// Init implements backend.Device. The only parameter accepted is "min_rows", see New.
func (d *Device) Init(params string) (backend.Backend, error) {
	return New(params)
}

// Backend executes matrix multiplications on a backend.Stream.
type Backend struct {
	device *Device
	stream *backend.Stream
	closed atomic.Bool
}

var (
	_ backend.AsyncBackend  = (*Backend)(nil)
	_ backend.StreamBackend = (*Backend)(nil)
)

// New creates a BLAS backend. The only parameter accepted is "min_rows".
//
// There is only one BLAS device, and the placement of nodes depends on it, not on the backend: so "min_rows"
// calls Device.SetMinRows, changing MinRows for all BLAS backends and schedulers of the process, including
// the ones created before. If not given, MinRows is left as is.
func New(params string) (*Backend, error) {
	p, err := backend.ParseParams(params)
	if err != nil {
		return nil, err
	}
	if err := p.CheckKnown(ParamMinRows); err != nil {
		return nil, errors.WithMessage(err, "blas.New")
	}
	d := GetDevice()
	if _, found := p[ParamMinRows]; found {
		minRows, err := p.Int(ParamMinRows, DefaultMinRows)
		if err != nil {
			return nil, err
		}
		d.SetMinRows(minRows)
	}
	klog.V(1).Infof("blas: backend created, min_rows=%d", d.MinRows())
	return &Backend{device: d, stream: backend.NewStream(DeviceName)}, nil
}

func (b *Backend) Name() string { return DeviceName }

func (b *Backend) Device() backend.Device { return b.device }

// Stream implements backend.StreamBackend.
func (b *Backend) Stream() *backend.Stream { return b.stream }

func (b *Backend) checkOpen() error {
	if b.closed.Load() {
		return errors.Wrap(backend.ErrMisuse, "blas: backend used after Close")
	}
	return nil
}

// SetTensorAsync implements backend.AsyncBackend.
func (b *Backend) SetTensorAsync(t *backend.Tensor, data []byte, offset int) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	b.stream.Enqueue(func() error { return backend.TensorSet(t, data, offset) })
	return nil
}

// GetTensorAsync implements backend.AsyncBackend.
func (b *Backend) GetTensorAsync(t *backend.Tensor, dst []byte, offset int) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	b.stream.Enqueue(func() error { return backend.TensorGet(t, dst, offset) })
	return nil
}

// CopyTensorAsync implements backend.AsyncBackend, for tensors in Go addressable memory.
func (b *Backend) CopyTensorAsync(src, dst *backend.Tensor) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if src.Data() == nil || dst.Data() == nil {
		return errors.Wrapf(backend.ErrUnsupported, "blas: asynchronous copy from %s to %s", src, dst)
	}
	b.stream.Enqueue(func() error { return backend.TensorCopy(src, dst) })
	return nil
}

// GraphComputeAsync implements backend.AsyncBackend. The context is checked between nodes.
func (b *Backend) GraphComputeAsync(ctx context.Context, g *backend.Graph) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	for _, node := range g.Nodes() {
		if !b.device.SupportsOp(node) {
			return errors.Wrapf(backend.ErrUnsupported, "blas: node %s not supported", node)
		}
	}
	b.stream.Enqueue(func() error {
		for _, node := range g.Nodes() {
			if node.Op() != backend.OpMatMul {
				continue
			}
			if err := ctx.Err(); err != nil {
				return errors.Wrapf(backend.ErrAborted, "blas: graph %q: %v", g.Name(), err)
			}
			if err := matMul(g.Src(node, 0), g.Src(node, 1), node); err != nil {
				return err
			}
		}
		return nil
	})
	return nil
}

// GraphCompute implements backend.Backend.
func (b *Backend) GraphCompute(ctx context.Context, g *backend.Graph) error {
	if err := b.GraphComputeAsync(ctx, g); err != nil {
		return err
	}
	return b.Synchronize()
}

// Synchronize implements backend.Backend.
func (b *Backend) Synchronize() error {
	return b.stream.Synchronize()
}

// Close implements backend.Backend: it waits for the queued work.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.stream.Close()
}

// matMul computes dst = a x b with blas32.Gemm.
func matMul(a, b, dst *backend.Tensor) error {
	aData, bData, dstData := a.Data(), b.Data(), dst.Data()
	if aData == nil || bData == nil || dstData == nil {
		return errors.Errorf("blas: MatMul %s requires tensors in host memory", dst)
	}
	m, k := a.Shape().Dimensions[0], a.Shape().Dimensions[1]
	n := b.Shape().Dimensions[1]
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: m, Cols: k, Data: backend.BytesAsFloat32(aData), Stride: k},
		blas32.General{Rows: k, Cols: n, Data: backend.BytesAsFloat32(bData), Stride: n},
		0,
		blas32.General{Rows: m, Cols: n, Data: backend.BytesAsFloat32(dstData), Stride: n})
	return nil
}
