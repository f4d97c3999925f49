package signal

import (
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/gogpu/gfxbridge/backend"
)

// Errors returned by the mapper.
var (
	// ErrTimedOut is returned when a wait exceeds its timeout.
	ErrTimedOut = errors.New("signal: timed out")

	// ErrDeviceLost is returned by every wait after the device was lost.
	ErrDeviceLost = errors.New("signal: device lost")

	// ErrStillInUse is returned when resetting or destroying a primitive with
	// outstanding signals or waits.
	ErrStillInUse = errors.New("signal: primitive still in use")

	// ErrWrongKind is returned when a primitive is used in a role its kind
	// does not support.
	ErrWrongKind = errors.New("signal: wrong primitive kind")

	// ErrDestroyed is returned for primitives that were destroyed.
	ErrDestroyed = errors.New("signal: primitive destroyed")
)

// WaitPolicy configures host waits: Spin polls with runtime.Gosched, after
// which the waiter parks for at most Park between polls.
type WaitPolicy struct {
	Spin int
	Park time.Duration
}

// DefaultWaitPolicy returns the policy used when none is configured.
func DefaultWaitPolicy() WaitPolicy {
	return WaitPolicy{Spin: 64, Park: 250 * time.Microsecond}
}

// Submission is the synchronization side of one queue submission.
type Submission struct {
	waits   []Point
	signals []*Primitive
	events  []EventOp

	points     []Point
	dispatched bool
}

// Waits returns the points the submission waits on.
func (s *Submission) Waits() []Point { return s.waits }

// Points returns the signal points assigned at dispatch, in signal order then
// event order.
func (s *Submission) Points() []Point { return s.points }

// Dispatched reports whether the submission reached the device.
func (s *Submission) Dispatched() bool { return s.dispatched }

type flight struct {
	token  any
	points []Point
}

// Mapper translates portable primitives onto a Strategy and tracks
// completion of dispatched submissions.
//
// The mapper never reorders a signaler: a waiting submission stays held by its
// queue until Ready reports every wait dispatchable.
type Mapper struct {
	mu       sync.Mutex
	strategy Strategy
	policy   WaitPolicy
	inflight []flight
	notify   chan struct{}
	lost     error
	live     map[*Primitive]struct{}

	onProgress func()
	onLost     func(error)
}

// NewMapper returns a mapper over strategy.
func NewMapper(strategy Strategy, policy WaitPolicy) *Mapper {
	if policy.Park <= 0 {
		policy.Park = DefaultWaitPolicy().Park
	}
	return &Mapper{
		strategy: strategy,
		policy:   policy,
		notify:   make(chan struct{}),
		live:     make(map[*Primitive]struct{}),
	}
}

// SetHooks installs callbacks. onProgress runs after completions were
// observed so the queue can dispatch held submissions; onLost runs once when
// the device is lost. Both run without the mapper lock held.
func (m *Mapper) SetHooks(onProgress func(), onLost func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onProgress = onProgress
	m.onLost = onLost
}

// Strategy returns the strategy chosen at construction.
func (m *Mapper) Strategy() Strategy { return m.strategy }

// Policy returns the wait policy.
func (m *Mapper) Policy() WaitPolicy { return m.policy }

// NewPrimitive creates a primitive.
func (m *Mapper) NewPrimitive(kind Kind, label string) (*Primitive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lost != nil {
		return nil, m.lostErr()
	}
	p := &Primitive{kind: kind, label: label}
	if kind == KindEvent {
		p.eventOps = make(map[uint64]bool)
	}
	if err := m.strategy.Prepare(p); err != nil {
		return nil, err
	}
	m.live[p] = struct{}{}
	return p, nil
}

// Destroy releases p. It fails with ErrStillInUse while signals or waits on p
// are outstanding.
func (m *Mapper) Destroy(p *Primitive) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.destroyed {
		return ErrDestroyed
	}
	if m.lost == nil {
		m.progressLocked()
		if p.busy() {
			return errors.Wrapf(ErrStillInUse, "destroy %s", p)
		}
	}
	p.destroyed = true
	delete(m.live, p)
	m.strategy.Release(p)
	return nil
}

// NewSubmission attaches waits, signals and event operations to a new
// submission. Waits must be semaphores; each wait consumes the next signal of
// its semaphore, whichever submission provides it.
func (m *Mapper) NewSubmission(waits, signals []*Primitive, events []EventOp) (*Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lost != nil {
		return nil, m.lostErr()
	}
	for _, p := range waits {
		if err := checkUsable(p, KindSemaphore); err != nil {
			return nil, err
		}
	}
	for _, p := range signals {
		if p.destroyed {
			return nil, errors.Wrapf(ErrDestroyed, "signal %s", p)
		}
		if p.kind == KindEvent {
			return nil, errors.Wrapf(ErrWrongKind, "signal %s", p)
		}
	}
	for _, op := range events {
		if err := checkUsable(op.Event, KindEvent); err != nil {
			return nil, err
		}
	}

	s := &Submission{
		signals: append([]*Primitive(nil), signals...),
		events:  append([]EventOp(nil), events...),
	}
	for _, p := range waits {
		p.consumed++
		s.waits = append(s.waits, Point{Primitive: p, Value: p.consumed})
	}
	for _, p := range signals {
		p.attached++
	}
	for _, op := range events {
		op.Event.attached++
	}
	return s, nil
}

func checkUsable(p *Primitive, kind Kind) error {
	if p.destroyed {
		return errors.Wrapf(ErrDestroyed, "%s", p)
	}
	if p.kind != kind {
		return errors.Wrapf(ErrWrongKind, "%s used as %s", p, kind)
	}
	return nil
}

// Ready reports whether every wait of s is dispatchable.
func (m *Mapper) Ready(s *Submission) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lost != nil {
		return true
	}
	m.progressLocked()
	for _, w := range s.waits {
		if !m.strategy.Dispatchable(w) {
			return false
		}
	}
	return true
}

// Dispatch assigns signal values for s and calls submit with them and the
// strategy's completion token. submit runs with the mapper locked so native
// timeline values reach the device in increasing order; it must not call back
// into the mapper.
func (m *Mapper) Dispatch(s *Submission, submit func(points []Point, token any) error) error {
	m.mu.Lock()
	if m.lost != nil {
		m.mu.Unlock()
		return m.lostErr()
	}
	if s.dispatched {
		m.mu.Unlock()
		return errors.New("signal: submission dispatched twice")
	}
	token, err := m.strategy.Token()
	if err != nil {
		m.mu.Unlock()
		return err
	}

	points := make([]Point, 0, len(s.signals)+len(s.events))
	for _, p := range s.signals {
		p.issued++
		points = append(points, Point{Primitive: p, Value: p.issued})
	}
	for _, op := range s.events {
		op.Event.issued++
		op.Event.eventOps[op.Event.issued] = op.Set
		points = append(points, Point{Primitive: op.Event, Value: op.Event.issued})
	}

	if err := submit(points, token); err != nil {
		for i := len(points) - 1; i >= 0; i-- {
			p := points[i].Primitive
			p.issued--
			if p.kind == KindEvent {
				delete(p.eventOps, points[i].Value)
			}
		}
		m.strategy.Retire(token)
		lost := errors.Is(err, backend.ErrDeviceLost)
		m.mu.Unlock()
		if lost {
			m.MarkLost(err)
		}
		return err
	}

	for _, pt := range points {
		pt.Primitive.attached--
		pt.Primitive.submitted = pt.Value
	}
	s.points = points
	s.dispatched = true
	if len(points) == 0 {
		m.strategy.Retire(token)
	} else {
		m.inflight = append(m.inflight, flight{token: token, points: points})
	}
	m.wakeLocked()
	m.mu.Unlock()
	return nil
}

// Abandon detaches a submission that will never be dispatched.
func (m *Mapper) Abandon(s *Submission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.dispatched {
		return
	}
	for _, p := range s.signals {
		p.attached--
	}
	for _, op := range s.events {
		op.Event.attached--
	}
	s.dispatched = true
}

// progressLocked retires completed flights in submission order.
func (m *Mapper) progressLocked() bool {
	advanced := false
	for len(m.inflight) > 0 && m.lost == nil {
		f := m.inflight[0]
		done, err := m.strategy.Done(f.points[0], f.token)
		if err != nil {
			if errors.Is(err, backend.ErrDeviceLost) {
				m.markLostLocked(err)
			}
			break
		}
		if !done {
			break
		}
		for _, pt := range f.points {
			pt.Primitive.complete(pt.Value)
		}
		m.strategy.Retire(f.token)
		m.inflight = m.inflight[1:]
		advanced = true
	}
	if advanced {
		m.wakeLocked()
	}
	return advanced
}

func (m *Mapper) wakeLocked() {
	close(m.notify)
	m.notify = make(chan struct{})
}

// Progress polls for completed submissions and runs the progress hook when
// any completed.
func (m *Mapper) Progress() error {
	m.mu.Lock()
	advanced := m.progressLocked()
	hook, lost := m.onProgress, m.lost
	m.mu.Unlock()
	m.afterProgress(advanced, hook, lost)
	if lost != nil {
		return m.lostErrUnlocked(lost)
	}
	return nil
}

func (m *Mapper) afterProgress(advanced bool, hook func(), lost error) {
	if lost != nil {
		m.fireLost(lost)
		return
	}
	if advanced && hook != nil {
		hook()
	}
}

// Poll reports the status of p without blocking.
//
// After device loss every primitive reports signaled together with ErrDeviceLost.
func (m *Mapper) Poll(p *Primitive) (Status, error) {
	st, _, err := m.check(func() (Status, error) { return p.status(), m.usable(p) })
	return st, err
}

// PollPoint reports whether pt has completed.
func (m *Mapper) PollPoint(pt Point) (bool, error) {
	st, _, err := m.check(func() (Status, error) { return pointStatus(pt), nil })
	return st == StatusSignaled, err
}

// Reached reports whether pt is known to be complete. Unlike PollPoint it does
// not poll the device and never runs hooks, so callers may hold their own locks.
func (m *Mapper) Reached(pt Point) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lost != nil || pointStatus(pt) == StatusSignaled
}

func pointStatus(pt Point) Status {
	if pt.Primitive == nil || pt.Primitive.completed >= pt.Value {
		return StatusSignaled
	}
	return StatusPending
}

func (m *Mapper) usable(p *Primitive) error {
	if p.destroyed {
		return errors.Wrapf(ErrDestroyed, "%s", p)
	}
	return nil
}

// check evaluates cond after polling for progress. It returns the notify
// channel of the observed state for parking.
func (m *Mapper) check(cond func() (Status, error)) (Status, <-chan struct{}, error) {
	m.mu.Lock()
	advanced := m.progressLocked()
	hook, lost := m.onProgress, m.lost
	var (
		st     Status
		err    error
		notify <-chan struct{}
	)
	if lost == nil {
		st, err = cond()
		notify = m.notify
	}
	m.mu.Unlock()

	m.afterProgress(advanced, hook, lost)
	if lost != nil {
		return StatusSignaled, nil, m.lostErrUnlocked(lost)
	}
	if advanced && st != StatusSignaled && err == nil {
		// The hook may have dispatched work that changes the answer.
		m.mu.Lock()
		if m.lost == nil {
			st, err = cond()
			notify = m.notify
		}
		m.mu.Unlock()
	}
	return st, notify, err
}

// BlockUntil waits until p is signaled or timeout elapses. A zero timeout is a
// non-blocking poll that returns ErrTimedOut when p is not signaled.
func (m *Mapper) BlockUntil(p *Primitive, timeout time.Duration) error {
	return m.block(func() (Status, error) { return p.status(), m.usable(p) }, timeout)
}

// BlockUntilPoint waits until pt has completed.
func (m *Mapper) BlockUntilPoint(pt Point, timeout time.Duration) error {
	return m.block(func() (Status, error) { return pointStatus(pt), nil }, timeout)
}

func (m *Mapper) block(cond func() (Status, error), timeout time.Duration) error {
	start := time.Now()
	deadline := start.Add(timeout)
	for i := 0; ; i++ {
		st, notify, err := m.check(cond)
		if err != nil {
			return err
		}
		if st == StatusSignaled {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errors.Wrapf(ErrTimedOut, "after %v", time.Since(start))
		}
		if i < m.policy.Spin {
			runtime.Gosched()
			continue
		}
		m.park(notify, min(remaining, m.policy.Park))
	}
}

// park sleeps until progress is announced, the oldest in-flight submission
// completes natively, or d elapses.
func (m *Mapper) park(notify <-chan struct{}, d time.Duration) {
	m.mu.Lock()
	var (
		oldest flight
		ok     bool
	)
	if len(m.inflight) > 0 {
		oldest, ok = m.inflight[0], true
	}
	m.mu.Unlock()

	if ok {
		handled, err := m.strategy.Block(oldest.points[0], oldest.token, d)
		if handled || err != nil {
			return
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-notify:
	case <-timer.C:
	}
}

// Reset returns a fence or event to the unsignaled state.
func (m *Mapper) Reset(p *Primitive) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lost != nil {
		return m.lostErr()
	}
	if err := m.usable(p); err != nil {
		return err
	}
	m.progressLocked()
	switch p.kind {
	case KindFence:
		if p.attached > 0 || p.completed < p.issued {
			return errors.Wrapf(ErrStillInUse, "reset %s", p)
		}
		p.base = p.issued
	case KindEvent:
		if p.attached > 0 || len(p.eventOps) > 0 {
			return errors.Wrapf(ErrStillInUse, "reset %s", p)
		}
		p.eventSet = false
	default:
		return errors.Wrapf(ErrWrongKind, "reset %s", p)
	}
	return nil
}

// Idle reports whether no dispatched submission is outstanding.
func (m *Mapper) Idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progressLocked()
	return len(m.inflight) == 0
}

// MarkLost records device loss. Every primitive is considered signaled with
// error and every waiter returns ErrDeviceLost.
func (m *Mapper) MarkLost(cause error) {
	m.mu.Lock()
	first := m.markLostLocked(cause)
	lost := m.lost
	m.mu.Unlock()
	if first {
		m.fireLost(lost)
	}
}

func (m *Mapper) markLostLocked(cause error) bool {
	if m.lost != nil {
		return false
	}
	if cause == nil {
		cause = ErrDeviceLost
	}
	m.lost = cause
	for _, f := range m.inflight {
		m.strategy.Retire(f.token)
	}
	m.inflight = nil
	m.wakeLocked()
	slogger().Warn("gfxbridge: device lost, releasing waiters",
		slog.String("cause", cause.Error()),
		slog.Int("primitives", len(m.live)))
	return true
}

// fireLost runs the lost hook exactly once.
func (m *Mapper) fireLost(cause error) {
	m.mu.Lock()
	hook := m.onLost
	m.onLost = nil
	m.mu.Unlock()
	if hook != nil {
		hook(cause)
	}
}

// Lost returns the device loss cause, nil while the device is healthy.
func (m *Mapper) Lost() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lost
}

func (m *Mapper) lostErr() error { return m.lostErrUnlocked(m.lost) }

func (m *Mapper) lostErrUnlocked(cause error) error {
	if errors.Is(cause, ErrDeviceLost) {
		return cause
	}
	return errors.Wrapf(ErrDeviceLost, "%v", cause)
}
