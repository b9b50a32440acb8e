//go:build !linux && !darwin

package backend

// osDefaultLibraryPaths has no system library directories to offer on this platform: plugins are
// only searched in the executable directory and in GOWHISPER_BACKEND_PATH.
func osDefaultLibraryPaths() []string {
	return nil
}
