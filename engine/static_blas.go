//go:build !noblas

package engine

import "github.com/gomlx/gowhisper/blas"

func init() {
	staticImplementations = append(staticImplementations, blas.Implementation)
}
