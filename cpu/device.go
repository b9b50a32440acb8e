// Package cpu implements the CPU backend: the mandatory fallback device that can execute any graph,
// parallelizing each node over a pool of threads.
package cpu

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/gomlx/gowhisper/backend"
	"github.com/gomlx/gowhisper/dtypes"
)

const (
	// ImplementationName is the name of the CPU implementation in a backend.Registry.
	ImplementationName = "cpu"

	// DeviceName is the name of the CPU device.
	DeviceName = "CPU"

	// NumThreadsEnv is the environment variable with the default number of threads of new backends.
	NumThreadsEnv = "GOWHISPER_NUM_THREADS"
)

// cpuImpl is the backend.Implementation of the CPU backend.
type cpuImpl struct {
	device *Device
}

var theImplementation = newImplementation()

func newImplementation() *cpuImpl {
	impl := &cpuImpl{}
	impl.device = &Device{impl: impl}
	impl.device.bufferType = backend.NewHostBufferType(DeviceName, impl.device, backend.BufferAlignment, 0)
	return impl
}

// Implementation returns the CPU implementation, to be registered in a backend.Registry.
// It always returns the same instance.
func Implementation() backend.Implementation {
	return theImplementation
}

// Name implements backend.Implementation.
func (impl *cpuImpl) Name() string { return ImplementationName }

// Devices implements backend.Implementation.
func (impl *cpuImpl) Devices() []backend.Device { return []backend.Device{impl.device} }

// Device is the CPU device. Its tensors live in Go memory.
type Device struct {
	backend.NoEvents
	impl       *cpuImpl
	bufferType *backend.HostBufferType
}

var _ backend.Device = (*Device)(nil)

// GetDevice returns the CPU device.
func GetDevice() *Device {
	return theImplementation.device
}

// Name implements backend.Device.
func (d *Device) Name() string { return DeviceName }

// Description implements backend.Device.
func (d *Device) Description() string {
	return fmt.Sprintf("%s/%s CPU with %d cores", runtime.GOOS, runtime.GOARCH, runtime.NumCPU())
}

// Memory implements backend.Device.
func (d *Device) Memory() (free, total uint64) {
	return systemMemory()
}

// Type implements backend.Device.
func (d *Device) Type() backend.DeviceType { return backend.DeviceCPUFull }

// Caps implements backend.Device.
func (d *Device) Caps() backend.DeviceCaps {
	return backend.DeviceCaps{HostBuffer: true}
}

// BufferType implements backend.Device.
func (d *Device) BufferType() backend.BufferType { return d.bufferType }

// HostBufferType implements backend.Device: for the CPU it is the same as its BufferType.
func (d *Device) HostBufferType() backend.BufferType { return d.bufferType }

// SupportsOp implements backend.Device: all operations are supported.
func (d *Device) SupportsOp(node *backend.Tensor) bool {
	switch node.Op() {
	case backend.OpNone, backend.OpCopy:
		return true
	case backend.OpMatMul:
		return node.Input(0).DType() == dtypes.Float32 && node.Input(1).DType().IsFloat()
	case backend.OpAdd, backend.OpMul, backend.OpScale, backend.OpGELU, backend.OpSoftMax, backend.OpSumRows:
		return node.DType() == dtypes.Float32
	default:
		return false
	}
}

// SupportsBufferType implements backend.Device: any buffer in host memory can be used.
func (d *Device) SupportsBufferType(bt backend.BufferType) bool {
	return bt.IsHost()
}

// OffloadOp implements backend.Device.
func (d *Device) OffloadOp(node *backend.Tensor) bool { return false }

// Implementation implements backend.Device.
func (d *Device) Implementation() backend.Implementation { return d.impl }

// Init implements backend.Device. See New for the parameters accepted.
func (d *Device) Init(params string) (backend.Backend, error) {
	return New(params)
}

// defaultNumThreads returns the value of GOWHISPER_NUM_THREADS, if set, or the number of CPUs.
func defaultNumThreads() int {
	if str := os.Getenv(NumThreadsEnv); str != "" {
		if n, err := strconv.Atoi(str); err == nil && n > 0 {
			return n
		}
	}
	return runtime.NumCPU()
}
