package backend

import (
	"github.com/pkg/errors"
)

// arena implements a trivial bump allocator of offsets within a Buffer, used to place tensors
// contiguously.
//
// It provides fast sub-allocations, which can only be freed all at once, with reset.
type arena struct {
	buffer        *Buffer
	alignment     int
	size, current int
}

// newArena creates an arena over the whole buffer, using the alignment of its BufferType.
func newArena(buffer *Buffer) *arena {
	return &arena{
		buffer:    buffer,
		alignment: buffer.Type().Alignment(),
		size:      buffer.Size(),
	}
}

// alloc reserves size bytes and returns their offset in the buffer.
// It returns an error if the arena runs out of memory.
func (a *arena) alloc(size int) (offset int, err error) {
	if a.current+size > a.size {
		return 0, errors.Wrapf(ErrAllocFailed, "arena of buffer %q out of memory while allocating %d bytes (%d of %d used)",
			a.buffer.Name(), size, a.current, a.size)
	}
	offset = a.current
	a.current = AlignUp(a.current+size, a.alignment)
	return offset, nil
}

// used returns the number of bytes allocated so far, including alignment padding.
func (a *arena) used() int {
	return a.current
}

// reset invalidates all previous allocations, so the arena can be re-used.
func (a *arena) reset() {
	a.current = 0
}
