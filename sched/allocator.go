package sched

import (
	"slices"
)

// block is a free range of a buffer.
type block struct {
	offset, size int
}

// allocator plans the placement of tensors in one buffer: it hands out aligned ranges, reusing the
// ones released with the best fit, and keeps track of the peak size needed.
//
// It only computes offsets: no memory is touched.
type allocator struct {
	alignment int

	// free blocks, sorted by offset and never adjacent (adjacent blocks are merged).
	free []block

	// top is the end of the highest range handed out so far: the size of the buffer needed.
	top int
}

func newAllocator(alignment int) *allocator {
	return &allocator{alignment: max(alignment, 1)}
}

func (a *allocator) alignUp(size int) int {
	return (size + a.alignment - 1) / a.alignment * a.alignment
}

// alloc returns the offset of a range of size bytes.
//
// The smallest free block that fits is used. If none fits and the last free block ends at the top, it is
// extended. Otherwise, the range is taken from the top.
func (a *allocator) alloc(size int) int {
	size = a.alignUp(max(size, 1))
	best := -1
	for ii, b := range a.free {
		if b.size >= size && (best < 0 || b.size < a.free[best].size) {
			best = ii
		}
	}
	if best >= 0 {
		b := &a.free[best]
		offset := b.offset
		b.offset += size
		b.size -= size
		if b.size == 0 {
			a.free = slices.Delete(a.free, best, best+1)
		}
		return offset
	}
	if n := len(a.free); n > 0 && a.free[n-1].offset+a.free[n-1].size == a.top {
		last := a.free[n-1]
		a.free = a.free[:n-1]
		a.top = last.offset + size
		return last.offset
	}
	offset := a.top
	a.top += size
	return offset
}

// release returns the range to the free list, merging it with its neighbors.
func (a *allocator) release(offset, size int) {
	size = a.alignUp(max(size, 1))
	idx, _ := slices.BinarySearchFunc(a.free, offset, func(b block, offset int) int { return b.offset - offset })
	a.free = slices.Insert(a.free, idx, block{offset: offset, size: size})
	// Merge with the next block, then with the previous.
	if idx+1 < len(a.free) && a.free[idx].offset+a.free[idx].size == a.free[idx+1].offset {
		a.free[idx].size += a.free[idx+1].size
		a.free = slices.Delete(a.free, idx+1, idx+2)
	}
	if idx > 0 && a.free[idx-1].offset+a.free[idx-1].size == a.free[idx].offset {
		a.free[idx-1].size += a.free[idx].size
		a.free = slices.Delete(a.free, idx, idx+1)
	}
}

// peak returns the size of the buffer needed for all the ranges handed out.
func (a *allocator) peak() int { return a.top }
