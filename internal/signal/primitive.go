package signal

import "fmt"

// Kind is the portable kind of a synchronization primitive.
type Kind uint8

const (
	// KindFence is signaled by submissions and waited on by the host.
	KindFence Kind = iota
	// KindSemaphore orders submissions. Each wait consumes one signal.
	KindSemaphore
	// KindEvent is set and reset by command buffers and polled by the host.
	KindEvent
)

var kindNames = [...]string{
	KindFence:     "fence",
	KindSemaphore: "semaphore",
	KindEvent:     "event",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Status is the host-observed state of a primitive.
type Status uint8

const (
	StatusPending Status = iota
	StatusSignaled
)

func (s Status) String() string {
	if s == StatusSignaled {
		return "signaled"
	}
	return "pending"
}

// Primitive is a fence, semaphore or event.
//
// Every primitive carries a monotonic timeline. Signal values are assigned when
// the signaling submission is handed to the device, so native timeline payloads
// only ever increase. All fields are guarded by the owning Mapper.
type Primitive struct {
	kind  Kind
	label string

	// native is the strategy's per-primitive state (a timeline fence on
	// explicit devices).
	native any

	attached  int    // signals attached to submissions that are not dispatched yet
	issued    uint64 // last signal value assigned at dispatch
	submitted uint64 // last value whose signaler reached the device
	completed uint64 // last value known complete
	consumed  uint64 // semaphores: last value handed to a wait
	base      uint64 // fences: issued value at the last reset

	eventOps map[uint64]bool // events: set (true) or reset (false) per pending value
	eventSet bool

	destroyed bool
}

// Kind returns the primitive kind.
func (p *Primitive) Kind() Kind { return p.kind }

// Label returns the debug label.
func (p *Primitive) Label() string { return p.label }

// Native returns the strategy state attached to p, nil for emulated primitives.
func (p *Primitive) Native() any { return p.native }

func (p *Primitive) String() string {
	if p.label != "" {
		return fmt.Sprintf("%s %q", p.kind, p.label)
	}
	return p.kind.String()
}

func (p *Primitive) status() Status {
	switch p.kind {
	case KindFence:
		if p.attached == 0 && p.issued > p.base && p.completed >= p.issued {
			return StatusSignaled
		}
	case KindSemaphore:
		if p.completed > p.consumed {
			return StatusSignaled
		}
	case KindEvent:
		if p.eventSet {
			return StatusSignaled
		}
	}
	return StatusPending
}

func (p *Primitive) busy() bool {
	return p.attached > 0 || p.completed < p.submitted || (p.kind == KindSemaphore && p.consumed > p.completed)
}

func (p *Primitive) complete(v uint64) {
	if v <= p.completed {
		return
	}
	p.completed = v
	if p.kind != KindEvent {
		return
	}
	var last uint64
	for value, set := range p.eventOps {
		if value > v {
			continue
		}
		if value > last {
			last = value
			p.eventSet = set
		}
		delete(p.eventOps, value)
	}
}

// Point is one value on a primitive timeline.
type Point struct {
	Primitive *Primitive
	Value     uint64
}

// IsZero reports whether pt names no point.
func (pt Point) IsZero() bool { return pt.Primitive == nil }

// EventOp is a set or reset of an event performed by a submission.
type EventOp struct {
	Event *Primitive
	Set   bool
}
