package alloc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/gogpu/gfxbridge/gpucore"
)

// Pool errors.
var (
	// ErrOutOfMemory is returned when no heap can hold a request and growing
	// the pool by one heap failed.
	ErrOutOfMemory = errors.New("alloc: out of heap memory")

	// ErrHeapInUse is returned when destroying a heap with live ranges.
	ErrHeapInUse = errors.New("alloc: heap has live allocations")

	// ErrUnknownHeap is returned for heaps that do not belong to the pool.
	ErrUnknownHeap = errors.New("alloc: heap does not belong to this pool")
)

// DefaultHeapSize is the preferred size of heaps created by pool growth.
const DefaultHeapSize = 64 << 20

// Backing creates and destroys the native memory behind heaps.
type Backing interface {
	CreateHeap(size uint64, class gpucore.MemoryClass) (any, error)
	DestroyHeap(native any)
}

// Heap is one contiguous native allocation carved into ranges.
type Heap struct {
	id       uint64
	class    gpucore.MemoryClass
	native   any
	explicit bool
	ranges   *RangeAllocator
}

// ID returns the pool-unique heap number.
func (h *Heap) ID() uint64 { return h.id }

// Class returns the memory class of the heap.
func (h *Heap) Class() gpucore.MemoryClass { return h.class }

// Size returns the heap size in bytes.
func (h *Heap) Size() uint64 { return h.ranges.Size() }

// Native returns the backend object created by Backing.CreateHeap.
func (h *Heap) Native() any { return h.native }

// Explicit reports whether the heap was created by the caller rather than by growth.
func (h *Heap) Explicit() bool { return h.explicit }

// Allocations returns the number of live ranges in the heap.
func (h *Heap) Allocations() int { return h.ranges.LiveCount() }

// Allocation is a live range within a heap.
type Allocation struct {
	Heap  *Heap
	Range Range
}

// Stats summarizes pool usage.
type Stats struct {
	Heaps         int
	ExplicitHeaps int
	TotalBytes    uint64
	UsedBytes     uint64
	Allocations   int
	Grows         int
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("heaps=%d (explicit %d) total=%s used=%s allocations=%s grows=%d",
		s.Heaps, s.ExplicitHeaps, humanize.Bytes(s.TotalBytes), humanize.Bytes(s.UsedBytes),
		humanize.Comma(int64(s.Allocations)), s.Grows)
}

// Pool manages heaps per memory class.
//
// Allocate tries the existing growth heaps of a class, fullest first, and grows the
// pool by exactly one heap before giving up. Growth heaps are destroyed when their
// last range is freed and another empty heap of the same class is still around.
// Explicit heaps are only destroyed by DestroyHeap.
//
// Pool is safe for concurrent use.
type Pool struct {
	mu        sync.Mutex
	backing   Backing
	preferred uint64
	heaps     []*Heap
	nextID    uint64
	grows     int
}

// NewPool creates a pool. A preferredHeapSize of zero selects DefaultHeapSize.
func NewPool(backing Backing, preferredHeapSize uint64) *Pool {
	if preferredHeapSize == 0 {
		preferredHeapSize = DefaultHeapSize
	}
	return &Pool{
		backing:   backing,
		preferred: preferredHeapSize,
	}
}

// PreferredHeapSize returns the size used when the pool grows.
func (p *Pool) PreferredHeapSize() uint64 { return p.preferred }

// CreateHeap creates an explicit heap owned by the caller.
func (p *Pool) CreateHeap(size uint64, class gpucore.MemoryClass) (*Heap, error) {
	if size == 0 {
		return nil, ErrZeroSize
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createHeapLocked(size, class, true)
}

// DestroyHeap destroys an explicit heap. It fails with ErrHeapInUse while ranges are live.
func (p *Pool) DestroyHeap(h *Heap) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexLocked(h)
	if i < 0 {
		return ErrUnknownHeap
	}
	if n := h.ranges.LiveCount(); n > 0 {
		return errors.Wrapf(ErrHeapInUse, "heap %d has %d live ranges", h.id, n)
	}
	p.destroyLocked(i)
	return nil
}

// AllocateFrom sub-allocates from a specific heap without growing the pool.
func (p *Pool) AllocateFrom(h *Heap, size, alignment uint64) (Allocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.indexLocked(h) < 0 {
		return Allocation{}, ErrUnknownHeap
	}
	r, err := h.ranges.Allocate(size, alignment)
	if err != nil {
		return Allocation{}, errors.WithMessagef(err, "heap %d", h.id)
	}
	return Allocation{Heap: h, Range: r}, nil
}

// Allocate sub-allocates size bytes from a growth heap of the given class.
func (p *Pool) Allocate(class gpucore.MemoryClass, size, alignment uint64) (Allocation, error) {
	if size == 0 {
		return Allocation{}, ErrZeroSize
	}
	if alignment == 0 {
		alignment = 1
	}
	if alignment&(alignment-1) != 0 {
		return Allocation{}, errors.Wrapf(ErrInvalidAlignment, "alignment %d", alignment)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]*Heap, 0, len(p.heaps))
	for _, h := range p.heaps {
		if !h.explicit && h.class == class {
			candidates = append(candidates, h)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].ranges.FreeBytes() < candidates[j].ranges.FreeBytes()
	})
	for _, h := range candidates {
		r, err := h.ranges.Allocate(size, alignment)
		if err == nil {
			return Allocation{Heap: h, Range: r}, nil
		}
		if !errors.Is(err, ErrOutOfSpace) {
			return Allocation{}, err
		}
	}

	heapSize := p.preferred
	if need := size + alignment; need > heapSize {
		heapSize = need
	}
	h, err := p.createHeapLocked(heapSize, class, false)
	if err != nil {
		return Allocation{}, err
	}
	r, err := h.ranges.Allocate(size, alignment)
	if err != nil {
		p.destroyLocked(p.indexLocked(h))
		return Allocation{}, errors.Wrapf(ErrOutOfMemory, "fresh %s heap rejected %d bytes: %v", class, size, err)
	}
	p.grows++
	return Allocation{Heap: h, Range: r}, nil
}

// Free releases an allocation.
func (p *Pool) Free(a Allocation) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexLocked(a.Heap)
	if i < 0 {
		return ErrUnknownHeap
	}
	if err := a.Heap.ranges.Free(a.Range); err != nil {
		return errors.WithMessagef(err, "heap %d", a.Heap.id)
	}
	if a.Heap.explicit || !a.Heap.ranges.IsEmpty() {
		return nil
	}
	for _, other := range p.heaps {
		if other != a.Heap && !other.explicit && other.class == a.Heap.class && other.ranges.IsEmpty() {
			p.destroyLocked(i)
			break
		}
	}
	return nil
}

// Trim destroys every empty growth heap and returns how many were destroyed.
func (p *Pool) Trim() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for i := len(p.heaps) - 1; i >= 0; i-- {
		if h := p.heaps[i]; !h.explicit && h.ranges.IsEmpty() {
			p.destroyLocked(i)
			n++
		}
	}
	return n
}

// Heaps returns the number of heaps currently alive.
func (p *Pool) Heaps() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.heaps)
}

// Stats returns current usage.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Heaps: len(p.heaps), Grows: p.grows}
	for _, h := range p.heaps {
		if h.explicit {
			s.ExplicitHeaps++
		}
		s.TotalBytes += h.ranges.Size()
		s.UsedBytes += h.ranges.UsedBytes()
		s.Allocations += h.ranges.LiveCount()
	}
	return s
}

// Close destroys every heap regardless of live ranges.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := len(p.heaps) - 1; i >= 0; i-- {
		p.destroyLocked(i)
	}
}

func (p *Pool) createHeapLocked(size uint64, class gpucore.MemoryClass, explicit bool) (*Heap, error) {
	native, err := p.backing.CreateHeap(size, class)
	if err != nil {
		return nil, errors.Wrapf(ErrOutOfMemory, "create %s heap of %s: %v", class, humanize.Bytes(size), err)
	}
	p.nextID++
	h := &Heap{
		id:       p.nextID,
		class:    class,
		native:   native,
		explicit: explicit,
		ranges:   NewRangeAllocator(size),
	}
	p.heaps = append(p.heaps, h)
	slogger().Debug("alloc: heap created",
		"heap", h.id, "size", size, "class", class.String(), "explicit", explicit)
	return h, nil
}

func (p *Pool) destroyLocked(i int) {
	h := p.heaps[i]
	p.heaps = append(p.heaps[:i], p.heaps[i+1:]...)
	p.backing.DestroyHeap(h.native)
	slogger().Debug("alloc: heap destroyed", "heap", h.id, "class", h.class.String())
}

func (p *Pool) indexLocked(h *Heap) int {
	for i, candidate := range p.heaps {
		if candidate == h {
			return i
		}
	}
	return -1
}
