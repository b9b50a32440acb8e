package backend

import (
	"context"
	"unsafe"

	"github.com/gomlx/gowhisper/dtypes"
	"github.com/pkg/errors"
)

// Backend is a live execution context bound to one Device: it executes graphs and copies data.
//
// Backends are created with Device.Init and must be released with Close. Closing a Backend while a graph
// is being computed on it returns ErrMisuse.
type Backend interface {
	// Name of the backend, usually the name of its device.
	Name() string

	// Device the backend is bound to.
	Device() Device

	// GraphCompute executes all the nodes of the graph, in order, and returns when they are done.
	// Inputs must be read with Graph.Src. The nodes and their inputs are already allocated.
	//
	// It returns an error wrapping ErrAborted if it was interrupted: either the context was cancelled, or
	// some implementation specific callback requested it.
	GraphCompute(ctx context.Context, g *Graph) error

	// Synchronize blocks until all the asynchronous work queued in the backend is done, and returns the
	// first error it encountered, if any.
	Synchronize() error

	// Close releases the resources of the backend. It is safe to call it more than once.
	Close() error
}

// AsyncBackend is implemented by backends whose devices report the Async capability: operations are
// queued and executed in order, and one must call Synchronize before reading the results.
type AsyncBackend interface {
	Backend

	// SetTensorAsync queues the copy of data into the tensor, starting at the byte offset.
	// The data must not be changed until the next Synchronize.
	SetTensorAsync(t *Tensor, data []byte, offset int) error

	// GetTensorAsync queues the copy of the tensor, starting at byte offset, into dst.
	// dst must not be read until the next Synchronize.
	GetTensorAsync(t *Tensor, dst []byte, offset int) error

	// CopyTensorAsync queues the copy of src into dst, where one of them lives in a buffer of this backend.
	// It returns an error wrapping ErrUnsupported if it can't do the copy asynchronously, in which case the
	// caller should fall back to TensorCopy.
	CopyTensorAsync(src, dst *Tensor) error

	// GraphComputeAsync queues the computation of the graph. See Backend.GraphCompute.
	GraphComputeAsync(ctx context.Context, g *Graph) error
}

func checkTensorRange(t *Tensor, offset, size int) error {
	if !t.IsAllocated() {
		return errors.Errorf("tensor %s is not allocated", t)
	}
	if offset < 0 || size < 0 || offset+size > t.NumBytes() {
		return errors.Errorf("tensor %s: %d bytes at offset %d is out of bounds of the %d bytes of the tensor",
			t, size, offset, t.NumBytes())
	}
	return nil
}

// TensorSet copies data into the tensor, starting at the byte offset. It is synchronous.
func TensorSet(t *Tensor, data []byte, offset int) error {
	if err := checkTensorRange(t, offset, len(data)); err != nil {
		return errors.WithMessage(err, "TensorSet")
	}
	return t.buffer.memory.Write(t.offset+offset, data)
}

// TensorGet copies len(dst) bytes of the tensor, starting at the byte offset, into dst. It is synchronous.
func TensorGet(t *Tensor, dst []byte, offset int) error {
	if err := checkTensorRange(t, offset, len(dst)); err != nil {
		return errors.WithMessage(err, "TensorGet")
	}
	return t.buffer.memory.Read(t.offset+offset, dst)
}

// TensorSetAsync queues the copy of data into the tensor on the backend, if it is an AsyncBackend.
// Otherwise, it is the same as TensorSet. Either way, call b.Synchronize before reusing data.
func TensorSetAsync(b Backend, t *Tensor, data []byte, offset int) error {
	if async, ok := b.(AsyncBackend); ok {
		if err := checkTensorRange(t, offset, len(data)); err != nil {
			return errors.WithMessagef(err, "TensorSetAsync(%s)", b.Name())
		}
		return async.SetTensorAsync(t, data, offset)
	}
	return TensorSet(t, data, offset)
}

// TensorGetAsync queues the copy of the tensor into dst on the backend, if it is an AsyncBackend.
// Otherwise, it is the same as TensorGet. Either way, call b.Synchronize before reading dst.
func TensorGetAsync(b Backend, t *Tensor, dst []byte, offset int) error {
	if async, ok := b.(AsyncBackend); ok {
		if err := checkTensorRange(t, offset, len(dst)); err != nil {
			return errors.WithMessagef(err, "TensorGetAsync(%s)", b.Name())
		}
		return async.GetTensorAsync(t, dst, offset)
	}
	return TensorGet(t, dst, offset)
}

// TensorCopy copies the contents of src into dst, which must have the same number of bytes.
// If both live in Go addressable memory it copies directly, otherwise it stages the data in host memory.
func TensorCopy(src, dst *Tensor) error {
	if src == dst {
		return nil
	}
	if src.NumBytes() != dst.NumBytes() {
		return errors.Errorf("TensorCopy: src %s and dst %s have different sizes", src, dst)
	}
	if !src.IsAllocated() || !dst.IsAllocated() {
		return errors.Errorf("TensorCopy: src %s or dst %s not allocated", src, dst)
	}
	if srcData, dstData := src.Data(), dst.Data(); srcData != nil && dstData != nil {
		copy(dstData, srcData)
		return nil
	}
	if srcData := src.Data(); srcData != nil {
		return TensorSet(dst, srcData, 0)
	}
	if dstData := dst.Data(); dstData != nil {
		return TensorGet(src, dstData, 0)
	}
	staging := make([]byte, src.NumBytes())
	if err := TensorGet(src, staging, 0); err != nil {
		return errors.WithMessage(err, "TensorCopy")
	}
	return TensorSet(dst, staging, 0)
}

// Float32Bytes reinterprets the slice of float32 as bytes (in the native byte order), without copying.
func Float32Bytes(values []float32) []byte {
	if len(values) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&values[0])), len(values)*4)
}

// BytesAsFloat32 reinterprets the bytes as a slice of float32, without copying. The data must be aligned.
func BytesAsFloat32(data []byte) []float32 {
	if len(data) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&data[0])), len(data)/4)
}

// BytesAsUint16 reinterprets the bytes as a slice of uint16, without copying. The data must be aligned.
func BytesAsUint16(data []byte) []uint16 {
	if len(data) < 2 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&data[0])), len(data)/2)
}

// BytesAsInt32 reinterprets the bytes as a slice of int32, without copying. The data must be aligned.
func BytesAsInt32(data []byte) []int32 {
	if len(data) < 4 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&data[0])), len(data)/4)
}

// SetFloat32s sets the whole contents of the tensor from values, converting to the tensor dtype
// (Float32, Float16 or Int32, truncating) if needed.
func SetFloat32s(t *Tensor, values []float32) error {
	if len(values) != t.shape.Size() {
		return errors.Errorf("SetFloat32s(%s): got %d values, expected %d", t, len(values), t.shape.Size())
	}
	switch t.DType() {
	case dtypes.Float32:
		return TensorSet(t, Float32Bytes(values), 0)
	case dtypes.Float16:
		halfs := make([]uint16, len(values))
		dtypes.Float32ToFloat16(halfs, values)
		return TensorSet(t, unsafe.Slice((*byte)(unsafe.Pointer(&halfs[0])), len(halfs)*2), 0)
	case dtypes.Int32:
		ints := make([]int32, len(values))
		for ii, v := range values {
			ints[ii] = int32(v)
		}
		return TensorSet(t, unsafe.Slice((*byte)(unsafe.Pointer(&ints[0])), len(ints)*4), 0)
	default:
		return errors.Errorf("SetFloat32s(%s): dtype not supported", t)
	}
}

// Float32s returns the contents of the tensor converted to float32.
func Float32s(t *Tensor) ([]float32, error) {
	data := make([]byte, AlignUp(t.NumBytes(), 4))
	if err := TensorGet(t, data[:t.NumBytes()], 0); err != nil {
		return nil, err
	}
	values := make([]float32, t.shape.Size())
	switch t.DType() {
	case dtypes.Float32:
		copy(values, BytesAsFloat32(data))
	case dtypes.Float16:
		dtypes.Float16ToFloat32(values, BytesAsUint16(data)[:len(values)])
	case dtypes.Int32:
		for ii, v := range BytesAsInt32(data)[:len(values)] {
			values[ii] = float32(v)
		}
	default:
		return nil, errors.Errorf("Float32s(%s): dtype not supported", t)
	}
	return values, nil
}
