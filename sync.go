package gfxbridge

import (
	"time"

	"github.com/gogpu/gfxbridge/internal/signal"
)

// Status is the host-observed state of a synchronization primitive.
type Status = signal.Status

// Primitive states.
const (
	StatusPending  = signal.StatusPending
	StatusSignaled = signal.StatusSignaled
)

// Primitive is a Fence, Semaphore or Event.
type Primitive interface {
	primitive() (*Device, *signal.Primitive)
}

// Fence is signaled by a submission and waited on by the host.
// A fence stays signaled until ResetFence.
type Fence struct {
	dev *Device
	p   *signal.Primitive
}

// Semaphore orders submissions on the device. It is binary: every wait
// consumes exactly one signal, in submission order.
type Semaphore struct {
	dev *Device
	p   *signal.Primitive
}

// Event is set and reset by command buffers and observed by the host.
type Event struct {
	dev *Device
	p   *signal.Primitive
}

func (f *Fence) primitive() (*Device, *signal.Primitive) {
	if f == nil {
		return nil, nil
	}
	return f.dev, f.p
}

func (s *Semaphore) primitive() (*Device, *signal.Primitive) {
	if s == nil {
		return nil, nil
	}
	return s.dev, s.p
}

func (e *Event) primitive() (*Device, *signal.Primitive) {
	if e == nil {
		return nil, nil
	}
	return e.dev, e.p
}

// CreateFence creates an unsignaled fence.
func (d *Device) CreateFence(label string) (*Fence, error) {
	p, err := d.newPrimitive(signal.KindFence, label)
	if err != nil {
		return nil, err
	}
	return &Fence{dev: d, p: p}, nil
}

// CreateSemaphore creates a semaphore with no pending signal.
func (d *Device) CreateSemaphore(label string) (*Semaphore, error) {
	p, err := d.newPrimitive(signal.KindSemaphore, label)
	if err != nil {
		return nil, err
	}
	return &Semaphore{dev: d, p: p}, nil
}

// CreateEvent creates an event in the reset state.
func (d *Device) CreateEvent(label string) (*Event, error) {
	p, err := d.newPrimitive(signal.KindEvent, label)
	if err != nil {
		return nil, err
	}
	return &Event{dev: d, p: p}, nil
}

func (d *Device) newPrimitive(kind signal.Kind, label string) (*signal.Primitive, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	p, err := d.mapper.NewPrimitive(kind, label)
	if err != nil {
		return nil, d.nativeErr(err)
	}
	return p, nil
}

func (d *Device) own(p Primitive) (*signal.Primitive, error) {
	if p == nil {
		return nil, failf(ErrInvalidHandle, "nil primitive")
	}
	owner, sp := p.primitive()
	if owner != d || sp == nil {
		return nil, failf(ErrInvalidHandle, "primitive of another device")
	}
	return sp, nil
}

// Poll reports the status of p without blocking. After device loss every
// primitive reports StatusSignaled together with ErrDeviceLost.
func (d *Device) Poll(p Primitive) (Status, error) {
	sp, err := d.own(p)
	if err != nil {
		return StatusPending, err
	}
	st, err := d.mapper.Poll(sp)
	return st, classify(err)
}

// BlockUntil waits until p is signaled or timeout elapses. A zero timeout
// polls and returns ErrTimedOut when p is not signaled.
func (d *Device) BlockUntil(p Primitive, timeout time.Duration) error {
	sp, err := d.own(p)
	if err != nil {
		return err
	}
	return classify(d.mapper.BlockUntil(sp, timeout))
}

// ResetFence returns f to the unsignaled state. A fence attached to a
// submission that has not completed is still in use.
func (d *Device) ResetFence(f *Fence) error {
	sp, err := d.own(f)
	if err != nil {
		return err
	}
	return classify(d.mapper.Reset(sp))
}

// EventStatus reports whether e is set.
func (d *Device) EventStatus(e *Event) (Status, error) {
	return d.Poll(e)
}

// ResetEvent resets e from the host. Events with set or reset operations
// still pending on the device are in use.
func (d *Device) ResetEvent(e *Event) error {
	sp, err := d.own(e)
	if err != nil {
		return err
	}
	return classify(d.mapper.Reset(sp))
}

// DestroyPrimitive releases p. Primitives attached to incomplete
// submissions are still in use.
func (d *Device) DestroyPrimitive(p Primitive) error {
	sp, err := d.own(p)
	if err != nil {
		return err
	}
	return classify(d.mapper.Destroy(sp))
}
