package backend

import (
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Registry is the catalogue of the backend implementations available and their Devices.
//
// It is meant to be created once at start up (see package engine for one with the statically
// compiled implementations), and passed along to whoever needs to create backends.
//
// It is safe for concurrent use: mutations (Register, Load, Unload) are serialized against lookups.
type Registry struct {
	mu      sync.RWMutex
	entries []*registryEntry
	devices []Device
}

type registryEntry struct {
	impl   Implementation
	handle dllHandleWrapper // nil for statically registered implementations.
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) findEntryLocked(impl Implementation) int {
	return slices.IndexFunc(r.entries, func(e *registryEntry) bool { return e.impl == impl })
}

// Register adds the implementation and all its devices to the registry.
// Registering the same implementation instance again is a no-op.
//
// It returns an error if a device has the same name (case-insensitive) as one already registered.
func (r *Registry) Register(impl Implementation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(impl, nil)
}

func (r *Registry) registerLocked(impl Implementation, handle dllHandleWrapper) error {
	if impl == nil {
		return errors.New("Registry.Register: nil implementation")
	}
	if r.findEntryLocked(impl) >= 0 {
		return nil
	}
	devices := impl.Devices()
	for _, device := range devices {
		if r.deviceByNameLocked(device.Name()) != nil {
			return errors.Errorf("Registry.Register(%q): device %q already registered", impl.Name(), device.Name())
		}
	}
	r.entries = append(r.entries, &registryEntry{impl: impl, handle: handle})
	r.devices = append(r.devices, devices...)
	klog.V(1).Infof("registered backend implementation %q with %d device(s)", impl.Name(), len(devices))
	return nil
}

// Load dynamically loads a backend plugin and registers its implementation.
//
// The name can be an absolute path to the plugin file, or the name of a plugin searched with AvailablePlugins
// (e.g. "cuda" for "libgowhisper-cuda.so"). Failures are logged and returned, and nothing is registered.
func (r *Registry) Load(name string) (Implementation, error) {
	impl, err := r.load(name)
	if err != nil {
		klog.Warningf("Failed to load backend plugin %q: %v", name, err)
	}
	return impl, err
}

// LoadSilently is like Load, but it doesn't log failures. Used to probe for plugins that may not exist.
func (r *Registry) LoadSilently(name string) (Implementation, error) {
	return r.load(name)
}

func (r *Registry) load(name string) (Implementation, error) {
	pluginPath := name
	if !filepath.IsAbs(pluginPath) {
		var found bool
		pluginPath, found = searchPlugin(name)
		if !found {
			return nil, errors.Errorf("plugin name %q not found in paths %v: set %s to specific path(s) to search; "+
				"plugins should be named libgowhisper-<name>.so (or .dylib for Darwin)",
				name, pluginSearchPaths, PluginPathsEnv)
		}
	}
	handle, err := loadPlugin(pluginPath)
	if err != nil {
		return nil, err
	}
	return r.registerHandle(handle)
}

// registerHandle validates the entry symbol of the opened plugin and registers its implementation.
// The handle is closed if anything fails.
func (r *Registry) registerHandle(handle dllHandleWrapper) (impl Implementation, err error) {
	defer func() {
		if err != nil {
			if err2 := handle.Close(); err2 != nil {
				klog.Warningf("Failed to close plugin %q: %v", handle.Path(), err2)
			}
		}
	}()
	symbol, err := handle.Lookup(PluginEntrySymbol)
	if err != nil {
		return nil, err
	}
	impl, err = registrationFromSymbol(handle.Path(), symbol)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx := r.findEntryLocked(impl); idx >= 0 {
		// Loaded twice: keep the first handle.
		return nil, errors.Errorf("plugin %q: implementation %q already registered", handle.Path(), impl.Name())
	}
	if err = r.registerLocked(impl, handle); err != nil {
		return nil, errors.WithMessagef(err, "plugin %q", handle.Path())
	}
	return impl, nil
}

// Unload removes the implementation and its devices from the registry and releases the plugin handle,
// if it was dynamically loaded.
//
// Backends created from its devices must have been closed before.
func (r *Registry) Unload(impl Implementation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.findEntryLocked(impl)
	if idx < 0 {
		return errors.Wrapf(ErrMisuse, "Registry.Unload(%q): implementation not registered", impl.Name())
	}
	entry := r.entries[idx]
	r.entries = slices.Delete(r.entries, idx, idx+1)
	r.devices = slices.DeleteFunc(r.devices, func(d Device) bool { return d.Implementation() == impl })
	klog.V(1).Infof("unregistered backend implementation %q", impl.Name())
	if entry.handle != nil {
		return entry.handle.Close()
	}
	return nil
}

// LoadAll probes the KnownPlugins names in the plugin search paths and loads the ones found.
// Names that are already registered (e.g. statically) are skipped, and failures are silently ignored.
//
// It returns the implementations loaded.
func (r *Registry) LoadAll() []Implementation {
	available := AvailablePlugins()
	var loaded []Implementation
	for _, name := range KnownPlugins {
		if r.ImplementationByName(name) != nil {
			continue
		}
		pluginPath, found := available[name]
		if !found {
			continue
		}
		impl, err := r.LoadSilently(pluginPath)
		if err != nil {
			klog.V(1).Infof("skipping backend plugin %q: %v", pluginPath, err)
			continue
		}
		loaded = append(loaded, impl)
	}
	return loaded
}

// Implementations returns the registered implementations, in registration order.
func (r *Registry) Implementations() []Implementation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	impls := make([]Implementation, len(r.entries))
	for ii, e := range r.entries {
		impls[ii] = e.impl
	}
	return impls
}

// ImplementationByName returns the registered implementation with the given name (case-insensitive), or nil.
func (r *Registry) ImplementationByName(name string) Implementation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if strings.EqualFold(e.impl.Name(), name) {
			return e.impl
		}
	}
	return nil
}

// Devices returns all registered devices, in registration order.
func (r *Registry) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.devices)
}

// DeviceByName returns the device with the given name (case-insensitive), or nil if not found.
func (r *Registry) DeviceByName(name string) Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deviceByNameLocked(name)
}

func (r *Registry) deviceByNameLocked(name string) Device {
	for _, d := range r.devices {
		if strings.EqualFold(d.Name(), name) {
			return d
		}
	}
	return nil
}

// DeviceByType returns the first device of the given type, or nil if there is none.
func (r *Registry) DeviceByType(deviceType DeviceType) Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if d.Type() == deviceType {
			return d
		}
	}
	return nil
}

// InitByName creates a backend from the device with the given name.
func (r *Registry) InitByName(name, params string) (Backend, error) {
	device := r.DeviceByName(name)
	if device == nil {
		return nil, errors.Errorf("device %q not found", name)
	}
	return device.Init(params)
}

// InitByType creates a backend from the first device of the given type.
func (r *Registry) InitByType(deviceType DeviceType, params string) (Backend, error) {
	device := r.DeviceByType(deviceType)
	if device == nil {
		return nil, errors.Errorf("no device of type %s found", deviceType)
	}
	return device.Init(params)
}

// InitBest creates a backend from the first full GPU device if there is one, or from the full CPU device otherwise.
func (r *Registry) InitBest() (Backend, error) {
	device := r.DeviceByType(DeviceGPUFull)
	if device == nil {
		device = r.DeviceByType(DeviceCPUFull)
	}
	if device == nil {
		return nil, errors.New("no device registered")
	}
	klog.V(1).Infof("InitBest: using device %s", device.Name())
	return device.Init("")
}
