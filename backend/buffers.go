package backend

import (
	"fmt"
	"math"
	"runtime"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BufferUsage is a hint of what a Buffer holds. The scheduler uses it to bias the placement of
// operations: nodes consuming tensors in a UsageWeights buffer are placed on the backend owning it.
type BufferUsage int

const (
	UsageAny BufferUsage = iota
	UsageWeights
	UsageCompute
)

// String implements fmt.Stringer.
func (u BufferUsage) String() string {
	switch u {
	case UsageAny:
		return "any"
	case UsageWeights:
		return "weights"
	case UsageCompute:
		return "compute"
	default:
		return fmt.Sprintf("BufferUsage(%d)", int(u))
	}
}

// BufferType is the device-specific allocation policy of buffers. It holds no data.
type BufferType interface {
	// Name of the buffer type, used in logs.
	Name() string

	// Alloc allocates a new Buffer of the given size in bytes.
	// It returns an error wrapping ErrAllocFailed if the memory is not available.
	Alloc(size int) (*Buffer, error)

	// Alignment of the tensors placed in buffers of this type.
	Alignment() int

	// MaxSize is the largest single allocation supported.
	MaxSize() int

	// AllocSize returns the number of bytes to reserve for the tensor: it may include padding.
	AllocSize(t *Tensor) int

	// IsHost returns whether the memory is visible to the host, that is, whether a tensor in it can be
	// read by another backend without a transfer.
	IsHost() bool

	// Device that owns the memory.
	Device() Device
}

// Memory is the storage of a Buffer, implemented by each buffer type.
type Memory interface {
	// Size in bytes.
	Size() int

	// Write copies src into the memory starting at offset.
	Write(offset int, src []byte) error

	// Read copies len(dst) bytes, starting at offset, into dst.
	Read(offset int, dst []byte) error

	// Clear sets all bytes to value.
	Clear(value byte)

	// Bytes returns the memory as a Go slice if it is addressable from Go, or nil otherwise.
	Bytes() []byte

	// Free releases the memory. It is called at most once.
	Free() error
}

// Buffer is a single allocation drawn from a BufferType. It exclusively owns its memory until Free is
// called, or until the Buffer is garbage collected.
type Buffer struct {
	wrapper    *bufferWrapper
	bufferType BufferType
	size       int
	usage      BufferUsage
	memory     Memory
}

// bufferWrapper holds what needs clean up, so it can be referenced by the cleanup function without
// keeping the Buffer alive.
type bufferWrapper struct {
	memory Memory
	name   string
	freed  atomic.Bool
}

func (wrapper *bufferWrapper) Free() error {
	if wrapper == nil || !wrapper.freed.CompareAndSwap(false, true) {
		// Already freed, no-op.
		return nil
	}
	buffersAlive.Add(-1)
	return wrapper.memory.Free()
}

var buffersAlive atomic.Int64

// BuffersAlive returns the number of Buffers allocated and not yet freed.
func BuffersAlive() int64 {
	return buffersAlive.Load()
}

// NewBuffer creates a Buffer for the given memory. It is meant to be called by BufferType implementations.
//
// The memory is freed exactly once: with Buffer.Free or, if it is never called, when the Buffer
// is garbage collected.
func NewBuffer(bufferType BufferType, memory Memory) *Buffer {
	b := &Buffer{
		bufferType: bufferType,
		size:       memory.Size(),
		memory:     memory,
		wrapper:    &bufferWrapper{memory: memory, name: bufferType.Name()},
	}
	buffersAlive.Add(1)
	runtime.AddCleanup(b, func(wrapper *bufferWrapper) {
		if err := wrapper.Free(); err != nil {
			klog.Errorf("Buffer %q free failed: %v", wrapper.name, err)
		}
	}, b.wrapper)
	return b
}

// Free releases the memory of the buffer. Tensors placed in it become invalid. It is safe to call more than once.
func (b *Buffer) Free() error {
	if b == nil {
		return nil
	}
	return b.wrapper.Free()
}

// IsValid returns whether the buffer is still allocated.
func (b *Buffer) IsValid() bool {
	return b != nil && !b.wrapper.freed.Load()
}

// Name returns the name of the buffer type, used in logs.
func (b *Buffer) Name() string { return b.bufferType.Name() }

// Type returns the BufferType that allocated the buffer.
func (b *Buffer) Type() BufferType { return b.bufferType }

// Size of the buffer in bytes.
func (b *Buffer) Size() int { return b.size }

// Usage returns the usage hint of the buffer.
func (b *Buffer) Usage() BufferUsage { return b.usage }

// SetUsage sets the usage hint of the buffer. It should be set before the tensors in the buffer are scheduled.
func (b *Buffer) SetUsage(usage BufferUsage) { b.usage = usage }

// IsHost returns whether the memory is visible to the host.
func (b *Buffer) IsHost() bool { return b.bufferType.IsHost() }

// Clear sets all the bytes of the buffer to value.
func (b *Buffer) Clear(value byte) error {
	if !b.IsValid() {
		return errors.Errorf("Buffer %q used after being freed", b.Name())
	}
	b.memory.Clear(value)
	return nil
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer[%s, %s, %s]", b.Name(), humanize.IBytes(uint64(b.size)), b.usage)
}

// hostMemory is a Memory backed by an aligned Go slice.
type hostMemory struct {
	data []byte
}

func (m *hostMemory) Size() int { return len(m.data) }

func (m *hostMemory) Write(offset int, src []byte) error {
	if offset < 0 || offset+len(src) > len(m.data) {
		return errors.Errorf("write of %d bytes at offset %d out of bounds of %d bytes", len(src), offset, len(m.data))
	}
	copy(m.data[offset:], src)
	return nil
}

func (m *hostMemory) Read(offset int, dst []byte) error {
	if offset < 0 || offset+len(dst) > len(m.data) {
		return errors.Errorf("read of %d bytes at offset %d out of bounds of %d bytes", len(dst), offset, len(m.data))
	}
	copy(dst, m.data[offset:])
	return nil
}

func (m *hostMemory) Clear(value byte) {
	for ii := range m.data {
		m.data[ii] = value
	}
}

func (m *hostMemory) Bytes() []byte { return m.data }

func (m *hostMemory) Free() error {
	m.data = nil
	return nil
}

// NewHostMemory allocates size bytes of Go memory with the given alignment.
func NewHostMemory(size, alignment int) Memory {
	return &hostMemory{data: AlignedAlloc(size, alignment)}
}

// HostBufferType is the allocation policy of buffers in Go (host) memory. It is used by the CPU
// backend, and by any other backend that computes on host memory.
type HostBufferType struct {
	name      string
	device    Device
	alignment int
	maxSize   int
	isHost    bool
}

var _ BufferType = (*HostBufferType)(nil)

// NewHostBufferType creates a buffer type that allocates aligned Go memory.
// If maxSize <= 0, there is no limit on the size of a single allocation.
func NewHostBufferType(name string, device Device, alignment, maxSize int) *HostBufferType {
	if maxSize <= 0 {
		maxSize = math.MaxInt
	}
	return &HostBufferType{name: name, device: device, alignment: alignment, maxSize: maxSize, isHost: true}
}

// NewDeviceBufferType creates a buffer type that allocates Go memory, but that reports not being visible
// to the host: the scheduler copies tensors in and out of it as if it were in a separate device.
// It is useful for implementations that keep their own copy of the data, and for testing.
func NewDeviceBufferType(name string, device Device, alignment, maxSize int) *HostBufferType {
	bt := NewHostBufferType(name, device, alignment, maxSize)
	bt.isHost = false
	return bt
}

// Name implements BufferType.
func (bt *HostBufferType) Name() string { return bt.name }

// Alignment implements BufferType.
func (bt *HostBufferType) Alignment() int { return bt.alignment }

// MaxSize implements BufferType.
func (bt *HostBufferType) MaxSize() int { return bt.maxSize }

// IsHost implements BufferType.
func (bt *HostBufferType) IsHost() bool { return bt.isHost }

// Device implements BufferType.
func (bt *HostBufferType) Device() Device { return bt.device }

// AllocSize implements BufferType: the tensor size padded to the alignment.
func (bt *HostBufferType) AllocSize(t *Tensor) int {
	return AlignUp(t.NumBytes(), bt.alignment)
}

// Alloc implements BufferType.
func (bt *HostBufferType) Alloc(size int) (*Buffer, error) {
	if size < 0 {
		return nil, errors.Errorf("%s: invalid buffer size %d", bt.name, size)
	}
	if size > bt.maxSize {
		return nil, errors.Wrapf(ErrAllocFailed, "%s: requested %s, larger than the maximum buffer size %s",
			bt.name, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(bt.maxSize)))
	}
	klog.V(2).Infof("%s: allocating buffer of %s", bt.name, humanize.IBytes(uint64(size)))
	return NewBuffer(bt, NewHostMemory(size, bt.alignment)), nil
}

// AllocTensors allocates one Buffer of type bt holding all the given tensors, placed contiguously
// with the alignment required by the buffer type, and binds the tensors to it.
//
// It is how graph builders place weights: use UsageWeights so the scheduler keeps the operations
// consuming them on the backend owning the buffer.
func AllocTensors(bt BufferType, usage BufferUsage, tensors ...*Tensor) (*Buffer, error) {
	offsets := make([]int, len(tensors))
	var total int
	for ii, t := range tensors {
		offsets[ii] = total
		total += AlignUp(bt.AllocSize(t), bt.Alignment())
	}
	buffer, err := bt.Alloc(total)
	if err != nil {
		return nil, errors.WithMessagef(err, "allocating %d tensors", len(tensors))
	}
	buffer.SetUsage(usage)
	arena := newArena(buffer)
	for _, t := range tensors {
		offset, err := arena.alloc(bt.AllocSize(t))
		if err == nil {
			err = t.Bind(buffer, offset)
		}
		if err != nil {
			_ = buffer.Free()
			return nil, errors.WithMessagef(err, "placing tensor %s", t)
		}
	}
	return buffer, nil
}
