package host

import (
	"sync"
	"time"
)

// Timeline is a monotonically increasing 64-bit payload that host code can
// wait on, the software form of a timeline fence.
type Timeline struct {
	mu      sync.Mutex
	value   uint64
	changed chan struct{}
}

// NewTimeline returns a timeline at zero.
func NewTimeline() *Timeline {
	return &Timeline{changed: make(chan struct{})}
}

// Value returns the current payload.
func (t *Timeline) Value() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// Signal raises the payload to v. Lower values are ignored.
func (t *Timeline) Signal(v uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v <= t.value {
		return
	}
	t.value = v
	close(t.changed)
	t.changed = make(chan struct{})
}

// Wait blocks until the payload reaches v, timeout elapses or abort is closed.
// A zero timeout polls. It reports whether v was reached.
func (t *Timeline) Wait(v uint64, timeout time.Duration, abort <-chan struct{}) bool {
	var deadline <-chan time.Time
	for {
		t.mu.Lock()
		if t.value >= v {
			t.mu.Unlock()
			return true
		}
		ch := t.changed
		t.mu.Unlock()

		if timeout <= 0 {
			return false
		}
		if deadline == nil {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			deadline = timer.C
		}
		select {
		case <-ch:
		case <-deadline:
			return t.Value() >= v
		case <-abort:
			return false
		}
	}
}
