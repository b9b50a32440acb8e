// Package engine creates the backend.Registry of the process, with the implementations compiled in, and
// the backends to schedule graphs over.
//
// The CPU implementation is always compiled in. The BLAS implementation is compiled unless the build tag
// "noblas" is given. Other implementations are loaded as plugins, see LoadAll.
package engine

import (
	"cmp"
	"slices"

	"github.com/gomlx/gowhisper/backend"
	"github.com/gomlx/gowhisper/cpu"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// staticImplementations are the implementations compiled in, in registration order.
var staticImplementations = []func() backend.Implementation{cpu.Implementation}

// StaticImplementations returns the names of the implementations compiled in.
func StaticImplementations() []string {
	names := make([]string, len(staticImplementations))
	for ii, implFn := range staticImplementations {
		names[ii] = implFn().Name()
	}
	return names
}

// NewRegistry creates a registry with the implementations compiled in.
func NewRegistry() (*backend.Registry, error) {
	r := backend.NewRegistry()
	for _, implFn := range staticImplementations {
		impl := implFn()
		if err := r.Register(impl); err != nil {
			return nil, errors.WithMessagef(err, "engine: registering implementation %q", impl.Name())
		}
	}
	return r, nil
}

// LoadAll loads the backend plugins found in the plugin search paths into the registry. Implementations
// already registered are skipped.
//
// It returns the implementations loaded.
func LoadAll(r *backend.Registry) []backend.Implementation {
	loaded := r.LoadAll()
	for _, impl := range loaded {
		klog.V(1).Infof("engine: loaded backend plugin %q with %d device(s)", impl.Name(), len(impl.Devices()))
	}
	return loaded
}

// devicePriority orders devices for the scheduler: GPUs before CPU accelerators, and the full CPU device last.
func devicePriority(d backend.Device) int {
	switch d.Type() {
	case backend.DeviceGPUFull:
		return 0
	case backend.DeviceGPU:
		return 1
	case backend.DeviceCPU:
		return 2
	default:
		return 3
	}
}

// NewBackends initializes one backend for each device of the registry, except for the full CPU devices
// after the first, and returns them in scheduling priority: GPUs first and the full CPU device last,
// as sched.New requires.
//
// params maps device names (case-sensitive, as reported by the device) to their initialization parameters.
// On error, the backends already created are closed.
func NewBackends(r *backend.Registry, params map[string]string) ([]backend.Backend, error) {
	devices := r.Devices()
	slices.SortStableFunc(devices, func(a, b backend.Device) int {
		return cmp.Compare(devicePriority(a), devicePriority(b))
	})
	var backends []backend.Backend
	closeAll := func() {
		for _, b := range backends {
			if err := b.Close(); err != nil {
				klog.Errorf("engine: closing backend %q: %v", b.Name(), err)
			}
		}
	}
	hasCPU := false
	for _, d := range devices {
		if d.Type() == backend.DeviceCPUFull {
			if hasCPU {
				continue
			}
			hasCPU = true
		}
		b, err := d.Init(params[d.Name()])
		if err != nil {
			closeAll()
			return nil, errors.WithMessagef(err, "engine: initializing device %q", d.Name())
		}
		klog.V(1).Infof("engine: initialized backend %q (%s)", b.Name(), d.Type())
		backends = append(backends, b)
	}
	if !hasCPU {
		closeAll()
		return nil, errors.Wrap(backend.ErrMisuse, "engine: no full CPU device registered")
	}
	return backends, nil
}
