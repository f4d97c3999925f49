package state

import (
	"errors"
	"testing"

	"github.com/gogpu/gfxbridge/gpucore"
)

func TestTable_InsertGetRemove(t *testing.T) {
	tab := NewTable[string]()

	a := tab.Insert("a")
	b := tab.Insert("b")
	if a == b || !a.IsValid() || !b.IsValid() {
		t.Fatalf("ids a=%s b=%s", a, b)
	}
	if v, err := tab.Get(a); err != nil || v != "a" {
		t.Fatalf("Get(a) = %q, %v", v, err)
	}
	if tab.Len() != 2 {
		t.Errorf("Len = %d, want 2", tab.Len())
	}

	if _, err := tab.Remove(a); err != nil {
		t.Fatalf("Remove(a): %v", err)
	}
	if _, err := tab.Get(a); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Get(removed) error = %v, want ErrStaleHandle", err)
	}

	// The slot is reused with a new generation; the old id stays stale.
	c := tab.Insert("c")
	if c.Index() != a.Index() {
		t.Errorf("slot not reused: a=%s c=%s", a, c)
	}
	if c.Generation() == a.Generation() {
		t.Errorf("generation not bumped: a=%s c=%s", a, c)
	}
	if _, err := tab.Get(a); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Get(old id) error = %v, want ErrStaleHandle", err)
	}
	if !tab.Contains(c) {
		t.Error("Contains(c) = false")
	}
}

func TestTable_UnknownHandles(t *testing.T) {
	tab := NewTable[int]()
	for _, id := range []gpucore.ResourceID{gpucore.InvalidID, gpucore.MakeResourceID(0, 1), gpucore.MakeResourceID(99, 1)} {
		if _, err := tab.Get(id); !errors.Is(err, ErrUnknownHandle) {
			t.Errorf("Get(%s) error = %v, want ErrUnknownHandle", id, err)
		}
	}
}

func TestTable_Each(t *testing.T) {
	tab := NewTable[int]()
	for i := 0; i < 5; i++ {
		tab.Insert(i)
	}
	sum := 0
	tab.Each(func(_ gpucore.ResourceID, v int) { sum += v })
	if sum != 10 {
		t.Errorf("sum = %d, want 10", sum)
	}
}

func TestResource_Pending(t *testing.T) {
	r := &Resource{Kind: gpucore.KindBuffer, Size: 64}
	if r.IsBound() {
		t.Error("new resource reports bound")
	}
	r.Acquire()
	r.Acquire()
	r.Release()
	if r.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", r.Pending())
	}
	r.Release()
	r.Release()
	if r.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", r.Pending())
	}
	r.SetState(gpucore.UsageCopyDst)
	if r.State() != gpucore.UsageCopyDst {
		t.Errorf("State = %s", r.State())
	}
}
