package state

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/gogpu/gfxbridge/gpucore"
)

// Table errors.
var (
	// ErrUnknownHandle is returned for identifiers that never named a table slot.
	ErrUnknownHandle = errors.New("state: unknown handle")

	// ErrStaleHandle is returned for identifiers whose object has been destroyed.
	ErrStaleHandle = errors.New("state: stale handle")
)

type slot[T any] struct {
	generation uint32
	value      T
	live       bool
}

// Table maps generation-checked identifiers to values.
//
// Destroying an entry bumps its slot generation, so identifiers held elsewhere
// (descriptor sets, recorded commands) are detected as stale instead of aliasing a
// newer object in the same slot.
//
// Table is safe for concurrent use.
type Table[T any] struct {
	mu    sync.RWMutex
	slots []slot[T]
	free  []uint32
	live  int
}

// NewTable creates an empty table.
func NewTable[T any]() *Table[T] {
	// Index 0 is reserved so that no identifier equals gpucore.InvalidID.
	return &Table[T]{slots: make([]slot[T], 1)}
}

// Insert stores v and returns its identifier.
func (t *Table[T]) Insert(v T) gpucore.ResourceID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var index uint32
	if n := len(t.free); n > 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		index = uint32(len(t.slots))
		t.slots = append(t.slots, slot[T]{})
	}
	s := &t.slots[index]
	s.generation++
	s.value = v
	s.live = true
	t.live++
	return gpucore.MakeResourceID(index, s.generation)
}

// Get returns the value stored under id.
func (t *Table[T]) Get(id gpucore.ResourceID) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, err := t.lookupLocked(id)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.value, nil
}

// Contains reports whether id names a live entry.
func (t *Table[T]) Contains(id gpucore.ResourceID) bool {
	_, err := t.Get(id)
	return err == nil
}

// Remove deletes the entry and returns its value.
func (t *Table[T]) Remove(id gpucore.ResourceID) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	s, err := t.lookupLocked(id)
	if err != nil {
		return zero, err
	}
	v := s.value
	s.value = zero
	s.live = false
	t.free = append(t.free, id.Index())
	t.live--
	return v, nil
}

// Len returns the number of live entries.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}

// Each calls fn for every live entry. fn must not modify the table.
func (t *Table[T]) Each(fn func(id gpucore.ResourceID, v T)) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i := 1; i < len(t.slots); i++ {
		if s := t.slots[i]; s.live {
			fn(gpucore.MakeResourceID(uint32(i), s.generation), s.value)
		}
	}
}

func (t *Table[T]) lookupLocked(id gpucore.ResourceID) (*slot[T], error) {
	index := id.Index()
	if !id.IsValid() || index == 0 || int(index) >= len(t.slots) {
		return nil, errors.Wrapf(ErrUnknownHandle, "handle %s", id)
	}
	s := &t.slots[index]
	if !s.live || s.generation != id.Generation() {
		return nil, errors.Wrapf(ErrStaleHandle, "handle %s (slot generation %d)", id, s.generation)
	}
	return s, nil
}
