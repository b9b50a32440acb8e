package backend

import (
	"github.com/pkg/errors"
)

// APIVersion of the plugin interface. Plugins built against a different version are rejected when loaded.
const APIVersion = 1

// PluginEntrySymbol is the name of the symbol exported by backend plugins. It must be a function of type
// func() *PluginRegistration.
//
// A plugin is a Go package main built with `go build -buildmode=plugin`, e.g.:
//
//	func GoWhisperBackendEntry() *backend.PluginRegistration {
//		return &backend.PluginRegistration{APIVersion: backend.APIVersion, Implementation: myImpl}
//	}
const PluginEntrySymbol = "GoWhisperBackendEntry"

// PluginRegistration is returned by the entry symbol of plugins.
type PluginRegistration struct {
	// APIVersion must be the first field and be set to the APIVersion the plugin was built with.
	APIVersion int

	// Implementation provided by the plugin.
	Implementation Implementation
}

// registrationFromSymbol validates the symbol found in a plugin and returns its implementation.
func registrationFromSymbol(pluginPath string, symbol any) (Implementation, error) {
	var entry func() *PluginRegistration
	switch fn := symbol.(type) {
	case func() *PluginRegistration:
		entry = fn
	case *func() *PluginRegistration:
		entry = *fn
	default:
		return nil, errors.Errorf("plugin %q: symbol %q has type %T, expected func() *backend.PluginRegistration",
			pluginPath, PluginEntrySymbol, symbol)
	}
	if entry == nil {
		return nil, errors.Errorf("plugin %q: symbol %q is nil", pluginPath, PluginEntrySymbol)
	}
	registration := entry()
	if registration == nil {
		return nil, errors.Errorf("plugin %q: entry function returned a nil registration", pluginPath)
	}
	if registration.APIVersion != APIVersion {
		return nil, errors.Errorf("plugin %q: API version %d does not match the running version %d",
			pluginPath, registration.APIVersion, APIVersion)
	}
	if registration.Implementation == nil {
		return nil, errors.Errorf("plugin %q: registration has no implementation", pluginPath)
	}
	return registration.Implementation, nil
}
