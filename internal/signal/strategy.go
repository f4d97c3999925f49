package signal

import (
	"time"

	"github.com/pkg/errors"

	"github.com/gogpu/gfxbridge/backend"
)

// Strategy maps primitives onto one native synchronization model.
// A Mapper holds exactly one strategy for its lifetime.
type Strategy interface {
	Name() string
	// Prepare attaches native state to a new primitive.
	Prepare(p *Primitive) error
	// Release frees the native state of p.
	Release(p *Primitive)
	// Dispatchable reports whether a submission waiting on pt may be handed
	// to the device now.
	Dispatchable(pt Point) bool
	// Token returns the completion token a submission about to be dispatched
	// must carry to the device.
	Token() (any, error)
	// Done reports whether the submission that signaled pt has completed.
	Done(pt Point, token any) (bool, error)
	// Block waits up to d for pt. It returns handled=false when the strategy has
	// no native way to block.
	Block(pt Point, token any, d time.Duration) (handled bool, err error)
	// Retire recycles a token once its submission completed.
	Retire(token any)
}

// FenceDevice is the part of an explicit device the native strategy uses.
type FenceDevice interface {
	CreateFence() (backend.Fence, error)
	DestroyFence(f backend.Fence)
	WaitFence(f backend.Fence, value uint64, timeout time.Duration) (bool, error)
}

// NativeStrategy backs every primitive with a native timeline fence.
//
// The native queue waits on fence values itself, so a wait is dispatchable as
// soon as its signaler has been submitted.
type NativeStrategy struct {
	dev FenceDevice
}

// NewNativeStrategy returns the strategy for explicit devices.
func NewNativeStrategy(dev FenceDevice) *NativeStrategy {
	return &NativeStrategy{dev: dev}
}

// Name implements Strategy.
func (s *NativeStrategy) Name() string { return "native" }

// Prepare implements Strategy.
func (s *NativeStrategy) Prepare(p *Primitive) error {
	f, err := s.dev.CreateFence()
	if err != nil {
		return errors.Wrapf(err, "create native fence for %s", p)
	}
	p.native = f
	return nil
}

// Release implements Strategy.
func (s *NativeStrategy) Release(p *Primitive) {
	if p.native != nil {
		s.dev.DestroyFence(p.native)
		p.native = nil
	}
}

// Dispatchable implements Strategy.
func (s *NativeStrategy) Dispatchable(pt Point) bool {
	return pt.Primitive.submitted >= pt.Value
}

// Token implements Strategy.
func (s *NativeStrategy) Token() (any, error) { return nil, nil }

// Done implements Strategy.
func (s *NativeStrategy) Done(pt Point, _ any) (bool, error) {
	return s.dev.WaitFence(pt.Primitive.native, pt.Value, 0)
}

// Block implements Strategy.
func (s *NativeStrategy) Block(pt Point, _ any, d time.Duration) (bool, error) {
	_, err := s.dev.WaitFence(pt.Primitive.native, pt.Value, d)
	return true, err
}

// Retire implements Strategy.
func (s *NativeStrategy) Retire(any) {}

// QueryDevice creates and destroys completion queries.
type QueryDevice interface {
	CreateQuery() (backend.Query, error)
	DestroyQuery(q backend.Query)
}

// QueryPoller reports query completion.
type QueryPoller interface {
	QueryDone(q backend.Query) (bool, error)
}

// EmulatedStrategy emulates primitives with host counters.
//
// Every submission ends with a completion query; counters advance when the host
// observes the query done. A wait is dispatchable only once its counter value
// has been reached.
type EmulatedStrategy struct {
	dev   QueryDevice
	ctx   QueryPoller
	free  []backend.Query
	count int
}

// NewEmulatedStrategy returns the strategy for deferred devices.
func NewEmulatedStrategy(dev QueryDevice, ctx QueryPoller) *EmulatedStrategy {
	return &EmulatedStrategy{dev: dev, ctx: ctx}
}

// Name implements Strategy.
func (s *EmulatedStrategy) Name() string { return "emulated" }

// Prepare implements Strategy.
func (s *EmulatedStrategy) Prepare(*Primitive) error { return nil }

// Release implements Strategy.
func (s *EmulatedStrategy) Release(*Primitive) {}

// Dispatchable implements Strategy.
func (s *EmulatedStrategy) Dispatchable(pt Point) bool {
	return pt.Primitive.completed >= pt.Value
}

// Token implements Strategy. Tokens are pooled queries.
func (s *EmulatedStrategy) Token() (any, error) {
	if n := len(s.free); n > 0 {
		q := s.free[n-1]
		s.free = s.free[:n-1]
		return q, nil
	}
	q, err := s.dev.CreateQuery()
	if err != nil {
		return nil, errors.Wrap(err, "create completion query")
	}
	s.count++
	return q, nil
}

// Done implements Strategy.
func (s *EmulatedStrategy) Done(_ Point, token any) (bool, error) {
	return s.ctx.QueryDone(token)
}

// Block implements Strategy. Queries cannot be waited on natively.
func (s *EmulatedStrategy) Block(Point, any, time.Duration) (bool, error) {
	return false, nil
}

// Retire implements Strategy.
func (s *EmulatedStrategy) Retire(token any) {
	if token != nil {
		s.free = append(s.free, token)
	}
}

// Queries returns the number of queries created so far.
func (s *EmulatedStrategy) Queries() int { return s.count }

// Close destroys pooled queries.
func (s *EmulatedStrategy) Close() {
	for _, q := range s.free {
		s.dev.DestroyQuery(q)
	}
	s.free = nil
}
