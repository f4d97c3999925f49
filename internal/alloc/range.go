package alloc

import (
	"sort"

	"github.com/pkg/errors"
)

// Range allocator errors.
var (
	// ErrOutOfSpace is returned when no contiguous free span can hold a request.
	ErrOutOfSpace = errors.New("alloc: no contiguous free range large enough")

	// ErrInvalidAlignment is returned for alignments that are not a power of two.
	ErrInvalidAlignment = errors.New("alloc: alignment must be a power of two")

	// ErrZeroSize is returned for empty allocation requests.
	ErrZeroSize = errors.New("alloc: size must be positive")

	// ErrUnknownRange is returned when freeing a range that is not live.
	ErrUnknownRange = errors.New("alloc: range is not a live allocation")
)

// Range is the half-open interval [Offset, Offset+Size) within a heap.
type Range struct {
	Offset uint64
	Size   uint64
}

// End returns the first offset past the range.
func (r Range) End() uint64 { return r.Offset + r.Size }

// Overlaps reports whether r and o share at least one byte.
func (r Range) Overlaps(o Range) bool {
	return r.Offset < o.End() && o.Offset < r.End()
}

// RangeAllocator sub-allocates linear ranges from a fixed-size block.
//
// Free spans are kept sorted by offset and are always fully coalesced, so two
// free spans are never adjacent. Allocation is best-fit: the smallest span that
// can hold the aligned request wins, ties go to the lowest offset.
//
// RangeAllocator is not safe for concurrent use; Pool serializes access.
type RangeAllocator struct {
	size uint64
	free []Range
	live map[uint64]uint64
	used uint64
}

// NewRangeAllocator creates an allocator covering [0, size).
func NewRangeAllocator(size uint64) *RangeAllocator {
	a := &RangeAllocator{
		size: size,
		live: make(map[uint64]uint64),
	}
	if size > 0 {
		a.free = []Range{{Offset: 0, Size: size}}
	}
	return a
}

// Allocate reserves size bytes at an offset that is a multiple of alignment.
// An alignment of zero is treated as one. Alignment padding stays free.
func (a *RangeAllocator) Allocate(size, alignment uint64) (Range, error) {
	if size == 0 {
		return Range{}, ErrZeroSize
	}
	if alignment == 0 {
		alignment = 1
	}
	if alignment&(alignment-1) != 0 {
		return Range{}, errors.Wrapf(ErrInvalidAlignment, "alignment %d", alignment)
	}

	best := -1
	var bestWaste uint64
	for i, span := range a.free {
		aligned, ok := alignUp(span.Offset, alignment)
		if !ok {
			continue
		}
		pad := aligned - span.Offset
		if pad >= span.Size || span.Size-pad < size {
			continue
		}
		waste := span.Size - pad - size
		if best < 0 || waste < bestWaste {
			best, bestWaste = i, waste
		}
	}
	if best < 0 {
		return Range{}, errors.Wrapf(ErrOutOfSpace, "request %d bytes (align %d), largest free span %d of %d",
			size, alignment, a.LargestFree(), a.size)
	}

	span := a.free[best]
	aligned, _ := alignUp(span.Offset, alignment)
	r := Range{Offset: aligned, Size: size}

	var pieces []Range
	if pad := aligned - span.Offset; pad > 0 {
		pieces = append(pieces, Range{Offset: span.Offset, Size: pad})
	}
	if tail := span.End() - r.End(); tail > 0 {
		pieces = append(pieces, Range{Offset: r.End(), Size: tail})
	}
	a.free = append(a.free[:best], append(pieces, a.free[best+1:]...)...)

	a.live[r.Offset] = r.Size
	a.used += r.Size
	return r, nil
}

// Free releases a live range and merges it with its free neighbours.
func (a *RangeAllocator) Free(r Range) error {
	size, ok := a.live[r.Offset]
	if !ok || size != r.Size {
		return errors.Wrapf(ErrUnknownRange, "range [%d, %d)", r.Offset, r.End())
	}
	delete(a.live, r.Offset)
	a.used -= r.Size

	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].Offset > r.Offset })
	mergePrev := i > 0 && a.free[i-1].End() == r.Offset
	mergeNext := i < len(a.free) && r.End() == a.free[i].Offset

	switch {
	case mergePrev && mergeNext:
		a.free[i-1].Size += r.Size + a.free[i].Size
		a.free = append(a.free[:i], a.free[i+1:]...)
	case mergePrev:
		a.free[i-1].Size += r.Size
	case mergeNext:
		a.free[i].Offset = r.Offset
		a.free[i].Size += r.Size
	default:
		a.free = append(a.free, Range{})
		copy(a.free[i+1:], a.free[i:])
		a.free[i] = r
	}
	return nil
}

// Size returns the total size managed by the allocator.
func (a *RangeAllocator) Size() uint64 { return a.size }

// UsedBytes returns the sum of live allocation sizes.
func (a *RangeAllocator) UsedBytes() uint64 { return a.used }

// FreeBytes returns the total free space, padding included.
func (a *RangeAllocator) FreeBytes() uint64 { return a.size - a.used }

// LiveCount returns the number of live allocations.
func (a *RangeAllocator) LiveCount() int { return len(a.live) }

// IsEmpty reports whether no allocation is live.
func (a *RangeAllocator) IsEmpty() bool { return len(a.live) == 0 }

// FreeSpans returns the number of free spans, a direct fragmentation measure.
func (a *RangeAllocator) FreeSpans() int { return len(a.free) }

// LargestFree returns the size of the largest free span.
func (a *RangeAllocator) LargestFree() uint64 {
	var largest uint64
	for _, span := range a.free {
		if span.Size > largest {
			largest = span.Size
		}
	}
	return largest
}

// Visit calls fn for every live and free range in offset order.
func (a *RangeAllocator) Visit(fn func(r Range, free bool)) {
	offsets := make([]uint64, 0, len(a.live))
	for off := range a.live {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	fi := 0
	for _, off := range offsets {
		for fi < len(a.free) && a.free[fi].Offset < off {
			fn(a.free[fi], true)
			fi++
		}
		fn(Range{Offset: off, Size: a.live[off]}, false)
	}
	for ; fi < len(a.free); fi++ {
		fn(a.free[fi], true)
	}
}

// alignUp rounds offset up to a power-of-two alignment.
// It reports false when the result would overflow.
func alignUp(offset, alignment uint64) (uint64, bool) {
	aligned := (offset + alignment - 1) &^ (alignment - 1)
	return aligned, aligned >= offset
}
