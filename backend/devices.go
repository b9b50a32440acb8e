package backend

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// DeviceType classifies devices. The "full" types can execute any graph, while the others
// (accelerators) support only a subset of the operations and depend on a full device for the rest.
type DeviceType int

const (
	// DeviceCPU is a CPU accelerator that supports only some operations (e.g. a matrix-only library).
	DeviceCPU DeviceType = iota
	// DeviceGPU is a GPU that supports only some operations.
	DeviceGPU
	// DeviceCPUFull is a CPU device that supports all operations.
	DeviceCPUFull
	// DeviceGPUFull is a GPU device that supports all operations.
	DeviceGPUFull
)

// IsFull returns whether the device type can execute any graph.
func (t DeviceType) IsFull() bool {
	return t == DeviceCPUFull || t == DeviceGPUFull
}

// String implements fmt.Stringer.
func (t DeviceType) String() string {
	switch t {
	case DeviceCPU:
		return "CPU"
	case DeviceGPU:
		return "GPU"
	case DeviceCPUFull:
		return "CPU_FULL"
	case DeviceGPUFull:
		return "GPU_FULL"
	default:
		return fmt.Sprintf("DeviceType(%d)", int(t))
	}
}

// DeviceCaps is the set of capabilities reported by a device.
type DeviceCaps struct {
	// Async operations: the backends created from the device implement AsyncBackend.
	Async bool

	// HostBuffer means the device has a buffer type in host memory (pinned), usable for faster transfers.
	HostBuffer bool

	// Events means the device can create Events for synchronization across backends.
	Events bool
}

// String implements fmt.Stringer.
func (c DeviceCaps) String() string {
	var parts []string
	if c.Async {
		parts = append(parts, "async")
	}
	if c.HostBuffer {
		parts = append(parts, "host_buffer")
	}
	if c.Events {
		parts = append(parts, "events")
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Device is an enumerable compute target (CPU, GPU, accelerator).
//
// Devices are owned by their Implementation, and live as long as their Implementation is registered.
// They are safe for concurrent use.
type Device interface {
	// Name of the device, unique in a Registry (case-insensitive).
	Name() string

	// Description is a human-readable description of the hardware.
	Description() string

	// Memory returns the free and total memory of the device in bytes.
	Memory() (free, total uint64)

	// Type classifies the device.
	Type() DeviceType

	// Caps returns the capabilities of the device.
	Caps() DeviceCaps

	// Init creates a new Backend (execution context) bound to the device.
	// The params string holds implementation specific "key=value" pairs separated by ",", see ParseParams.
	Init(params string) (Backend, error)

	// BufferType is the default buffer type of the device, where its scheduled tensors are allocated.
	BufferType() BufferType

	// HostBufferType is a buffer type in host memory suited for fast transfers to the device, or nil if not available.
	HostBufferType() BufferType

	// SupportsOp returns whether the device can execute the node.
	SupportsOp(node *Tensor) bool

	// SupportsBufferType returns whether the device can use tensors stored in buffers of the given type directly.
	SupportsBufferType(bt BufferType) bool

	// OffloadOp returns whether the device prefers to execute the node, even when its weights are in the host memory
	// of another backend. Usually true only for large batches, where the cost of copying the weights is offset.
	OffloadOp(node *Tensor) bool

	// NewEvent creates an Event bound to the device. It returns an error wrapping ErrUnsupported if
	// the device has no Events capability.
	NewEvent() (Event, error)

	// Implementation that owns the device.
	Implementation() Implementation
}

// Implementation is a family of devices provided by one backend library (e.g. "cpu", "cuda").
// It is the unit of registration in a Registry, and of dynamic loading.
type Implementation interface {
	// Name of the implementation, e.g. "cpu".
	Name() string

	// Devices enumerates the devices provided by the implementation. The list must not change after the
	// implementation is registered.
	Devices() []Device
}

// DeviceString returns a one-line description of the device for diagnostics.
func DeviceString(d Device) string {
	free, total := d.Memory()
	return fmt.Sprintf("%s (%s, type=%s, caps=%s, memory=%s free of %s)", d.Name(), d.Description(), d.Type(), d.Caps(),
		humanize.IBytes(free), humanize.IBytes(total))
}
