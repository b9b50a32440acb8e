package backend

// This file defines alignedAlloc, modelled after mm_malloc, but backed by Go memory.

import (
	"fmt"
	"unsafe"
)

// BufferAlignment is the default alignment of host buffers, large enough for any SIMD load.
const BufferAlignment = 64

// AlignedAlloc returns a zero-filled slice of size bytes whose first element is aligned to alignment,
// which must be a power of 2.
//
// It over-allocates by alignment bytes and re-slices: the memory is owned by the Go runtime and is
// released when the returned slice is no longer referenced.
func AlignedAlloc(size, alignment int) []byte {
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		panic(fmt.Sprintf("AlignedAlloc: alignment must be a power of 2, got %d", alignment))
	}
	if size == 0 {
		return []byte{}
	}
	raw := make([]byte, size+alignment)
	offset := 0
	if misalignment := int(uintptr(unsafe.Pointer(&raw[0])) % uintptr(alignment)); misalignment != 0 {
		offset = alignment - misalignment
	}
	return raw[offset : offset+size : offset+size]
}

// IsAligned returns whether the first element of data is aligned to alignment bytes.
func IsAligned(data []byte, alignment int) bool {
	if len(data) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&data[0]))%uintptr(alignment) == 0
}
