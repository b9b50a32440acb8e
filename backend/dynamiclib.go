/*
 *	Copyright 2024 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package backend

import (
	"os"
	"path/filepath"
	"plugin"
	"regexp"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// This file holds common definitions for the different implementations of dynamiclib (linux, darwin, others).

const (
	// PluginPathsEnv is the name of the environment variable that define the search paths for plugins.
	PluginPathsEnv = "GOWHISPER_BACKEND_PATH"
)

// KnownPlugins is the list of backend names probed by Registry.LoadAll.
var KnownPlugins = []string{
	"cpu", "cuda", "metal", "vulkan", "sycl", "blas", "rpc", "amx", "kompute", "cann", "hip", "musa",
}

var (
	// pluginSearchPaths is set during initialization.
	//
	// Plugins are searched in the directory of the executable, the GOWHISPER_BACKEND_PATH directory -- or
	// directories, if it is a ":" separated list -- and the standard library directories of the system
	// (in linux in LD_LIBRARY_PATH and /etc/ld.so.conf file).
	pluginSearchPaths []string
)

// dllHandleWrapper encapsulates a handle to the plugin and provides a minimal interface to get
// the entry symbol and to close it.
type dllHandleWrapper interface {
	// Lookup returns the exported symbol.
	Lookup(symbol string) (any, error)

	// Path from where the plugin was loaded.
	Path() string

	// Close the handle, after which symbols from it should no longer be used.
	Close() error
}

func init() {
	pluginSearchPaths = defaultPluginSearchPaths()
}

func defaultPluginSearchPaths() []string {
	var paths []string
	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Dir(exe))
	} else {
		klog.V(1).Infof("Couldn't get the executable path, it won't be searched for backend plugins: %v", err)
	}
	if envPaths, found := os.LookupEnv(PluginPathsEnv); found {
		paths = append(paths, slices.DeleteFunc(strings.Split(envPaths, string(os.PathListSeparator)), func(p string) bool {
			return p == "" // Remove empty paths.
		})...)
	}
	paths = append(paths, osDefaultLibraryPaths()...)
	return slices.Compact(paths)
}

// PluginSearchPaths returns the directories where plugins are searched, in order.
func PluginSearchPaths() []string {
	return slices.Clone(pluginSearchPaths)
}

// SetPluginSearchPaths replaces the directories where plugins are searched.
// It is not safe to call concurrently with plugin loading.
func SetPluginSearchPaths(paths ...string) {
	pluginSearchPaths = slices.Clone(paths)
}

var (
	// Patterns to extract the name from the plugins.
	rePluginName = []*regexp.Regexp{
		regexp.MustCompile(`^.*/libgowhisper-(\w+)\.(so|dylib)$`),
		regexp.MustCompile(`^.*/gowhisper[-_]backend[-_](\w+)\.(so|dylib)$`),
	}
)

// pathToPluginName returns the name of the plugin if it's a matching plugin path, otherwise returns "".
func pathToPluginName(pPath string) string {
	for _, re := range rePluginName {
		if subMatches := re.FindStringSubmatch(pPath); len(subMatches) > 0 {
			return subMatches[1]
		}
	}
	return ""
}

// AvailablePlugins searches for available plugins in the search paths and returns a map from their name to their paths.
//
// If there are plugins with the same name in different directories, it respects the order of the
// directories given by PluginSearchPaths.
func AvailablePlugins() (pluginsPaths map[string]string) {
	return searchPlugins("")
}

func searchPlugin(searchName string) (path string, found bool) {
	path, found = searchPlugins(searchName)[searchName]
	return
}

func searchPlugins(searchName string) (pluginsPaths map[string]string) {
	pluginsPaths = make(map[string]string)
	for _, pluginPath := range pluginSearchPaths {
		for _, pattern := range []string{
			"libgowhisper-*.so", "gowhisper-backend-*.so", "gowhisper_backend_*.so",
			"libgowhisper-*.dylib", "gowhisper-backend-*.dylib", "gowhisper_backend_*.dylib"} {
			candidates, err := filepath.Glob(filepath.Join(pluginPath, pattern))
			if err != nil {
				continue
			}
			for _, candidate := range candidates {
				name := pathToPluginName(candidate)
				if name == "" {
					continue
				}
				if searchName != "" && searchName != name {
					continue
				}
				if _, found := pluginsPaths[name]; found {
					// We already have a plugin with that name.
					continue
				}
				pluginsPaths[name] = candidate
			}
		}
	}
	return
}

// goPluginHandle is a dllHandleWrapper over a Go plugin.
//
// Go plugins can't be unloaded: Close only drops the reference, and the code stays mapped until the
// process exits.
type goPluginHandle struct {
	p    *plugin.Plugin
	path string
}

func (h *goPluginHandle) Lookup(symbol string) (any, error) {
	if h.p == nil {
		return nil, errors.Errorf("plugin %q already closed", h.path)
	}
	sym, err := h.p.Lookup(symbol)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find symbol %q in %q", symbol, h.path)
	}
	return sym, nil
}

func (h *goPluginHandle) Path() string { return h.path }

func (h *goPluginHandle) Close() error {
	h.p = nil
	return nil
}

// loadPlugin opens the plugin and returns a handle to it.
func loadPlugin(pluginPath string) (dllHandleWrapper, error) {
	info, err := os.Stat(pluginPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat %q", pluginPath)
	}
	if info.IsDir() {
		return nil, errors.Errorf("plugin path %q is a directory!?", pluginPath)
	}
	klog.V(2).Infof("trying to load plugin %s", pluginPath)
	p, err := plugin.Open(pluginPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dynamically load backend plugin from %q", pluginPath)
	}
	klog.V(1).Infof("loaded plugin %s", pluginPath)
	return &goPluginHandle{p: p, path: pluginPath}, nil
}
