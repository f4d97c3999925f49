package gfxbridge

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gogpu/gfxbridge/gpucore"
	"github.com/gogpu/gfxbridge/internal/command"
	"github.com/gogpu/gfxbridge/internal/signal"
	"github.com/gogpu/gfxbridge/internal/state"
)

// waitForever is the timeout of unbounded host waits.
const waitForever = time.Duration(math.MaxInt64 / 2)

// SubmitInfo is one submission: command buffers executed in order after every
// Wait semaphore was signaled, followed by the Signal semaphores and Fence.
type SubmitInfo struct {
	CommandBuffers []*CommandBuffer
	Wait           []*Semaphore
	Signal         []*Semaphore
	Fence          *Fence
}

// Queue is the single in-order device queue.
//
// Submissions that wait on semaphores nobody has signaled yet are held on the
// host and handed to the native device once their signalers were, so a wait is
// never ahead of its signal natively. Submissions without pending waits are
// dispatched at once, which may overtake held ones.
type Queue struct {
	dev      *Device
	timeline *signal.Primitive

	// submitMu serializes Submit. It is never taken by pump.
	submitMu sync.Mutex

	mu       sync.Mutex
	held     []*work
	inflight []*work
	last     signal.Point
	closed   bool
}

// work is one submission on its way through the queue.
type work struct {
	sub       *signal.Submission
	buffers   []*command.Buffer
	resources []*state.Resource
	signals   int
	done      signal.Point
	err       error
}

func newQueue(d *Device) (*Queue, error) {
	timeline, err := d.mapper.NewPrimitive(signal.KindFence, "queue")
	if err != nil {
		return nil, err
	}
	return &Queue{dev: d, timeline: timeline}, nil
}

// Submit enqueues submissions in order. Errors reported here concern
// submissions that could be dispatched during the call; submissions held on
// semaphores report dispatch failures through their fences.
func (q *Queue) Submit(infos ...SubmitInfo) error {
	q.submitMu.Lock()
	defer q.submitMu.Unlock()
	d := q.dev
	if err := d.alive(); err != nil {
		return err
	}

	seen := make(map[*command.Buffer]bool)
	for _, info := range infos {
		for _, cb := range info.CommandBuffers {
			if cb == nil || cb.dev != d {
				return failf(ErrInvalidHandle, "submit foreign command buffer")
			}
			if seen[cb.buf] {
				return failf(ErrInvalidState, "command buffer %q submitted twice", cb.buf.Label())
			}
			seen[cb.buf] = true
			if err := cb.buf.CheckSubmittable(); err != nil {
				return classify(err)
			}
		}
	}

	batch := make([]*work, 0, len(infos))
	abandon := func() {
		for _, w := range batch {
			d.mapper.Abandon(w.sub)
		}
	}
	for _, info := range infos {
		w, err := q.prepare(info)
		if err != nil {
			abandon()
			return classify(err)
		}
		batch = append(batch, w)
	}

	for _, w := range batch {
		for _, b := range w.buffers {
			b.MarkPending(signal.Point{})
		}
		for _, r := range w.resources {
			r.Acquire()
		}
	}

	q.mu.Lock()
	q.held = append(q.held, batch...)
	q.mu.Unlock()
	q.pump()

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, w := range batch {
		if w.err != nil {
			return w.err
		}
	}
	return nil
}

// prepare attaches the primitives of info to a new submission. The queue
// timeline is always the first signal; completion is tracked on it.
func (q *Queue) prepare(info SubmitInfo) (*work, error) {
	d := q.dev
	waits := make([]*signal.Primitive, 0, len(info.Wait))
	for _, s := range info.Wait {
		if s == nil {
			return nil, failf(ErrInvalidHandle, "nil wait semaphore")
		}
		waits = append(waits, s.p)
	}
	signals := []*signal.Primitive{q.timeline}
	for _, s := range info.Signal {
		if s == nil {
			return nil, failf(ErrInvalidHandle, "nil signal semaphore")
		}
		signals = append(signals, s.p)
	}
	if info.Fence != nil {
		signals = append(signals, info.Fence.p)
	}

	w := &work{signals: len(signals)}
	var events []signal.EventOp
	for _, cb := range info.CommandBuffers {
		w.buffers = append(w.buffers, cb.buf)
		events = append(events, cb.buf.Events()...)
		for _, id := range cb.buf.Resources() {
			r, err := d.resources.Get(id)
			if err != nil {
				return nil, err
			}
			w.resources = append(w.resources, r)
		}
	}
	sub, err := d.mapper.NewSubmission(waits, signals, events)
	if err != nil {
		return nil, err
	}
	w.sub = sub
	return w, nil
}

// pump retires completed submissions and dispatches every held submission
// that became ready. It runs as the mapper's progress hook, so it only uses
// mapper calls that never run hooks.
func (q *Queue) pump() {
	q.mu.Lock()
	defer q.mu.Unlock()
	d := q.dev

	q.retireLocked()
	if d.mapper.Lost() != nil {
		for _, w := range q.held {
			d.mapper.Abandon(w.sub)
			q.failLocked(w, d.Lost())
		}
		q.held = nil
		return
	}

	for progressed := true; progressed; {
		progressed = false
		kept := q.held[:0]
		for _, w := range q.held {
			if !d.mapper.Ready(w.sub) {
				kept = append(kept, w)
				continue
			}
			q.dispatchLocked(w)
			progressed = true
		}
		clear(q.held[len(kept):])
		q.held = kept
	}
	d.collect(false)
}

func (q *Queue) dispatchLocked(w *work) {
	d := q.dev
	err := d.mapper.Dispatch(w.sub, func(points []signal.Point, token any) error {
		return q.execute(w, points[:w.signals], token)
	})
	if err != nil {
		d.mapper.Abandon(w.sub)
		q.failLocked(w, d.nativeErr(err))
		d.log.Warn("gfxbridge: submission failed", slog.String("err", err.Error()))
		return
	}
	w.done = w.sub.Points()[0]
	for _, b := range w.buffers {
		b.MarkPending(w.done)
	}
	q.last = w.done
	q.inflight = append(q.inflight, w)
}

// execute resolves every buffer's entry state against the global resource
// state and hands the batch to the recording strategy. Global states move to
// the exit states; they are rolled back when the native submit fails.
func (q *Queue) execute(w *work, signals []signal.Point, token any) error {
	d := q.dev
	var undo []savedState
	batch := make([]command.Execution, 0, len(w.buffers))
	for _, b := range w.buffers {
		exec := command.Execution{Buffer: b}
		for _, u := range b.Entry() {
			r, err := d.resources.Get(u.ID)
			if err != nil {
				restore(undo)
				return err
			}
			if spec, ok := state.Resolve(u.ID, u.Kind, r.State(), u.Usage); ok {
				exec.Patch = append(exec.Patch, spec)
			}
		}
		for _, u := range b.Exit() {
			r, err := d.resources.Get(u.ID)
			if err != nil {
				restore(undo)
				return err
			}
			undo = append(undo, savedState{r: r, usage: r.State()})
			r.SetState(u.Usage)
		}
		batch = append(batch, exec)
	}
	if err := d.strategy.Execute(batch, w.sub.Waits(), signals, token); err != nil {
		restore(undo)
		return err
	}
	return nil
}

type savedState struct {
	r     *state.Resource
	usage gpucore.Usage
}

// restore undoes global state changes, newest first.
func restore(undo []savedState) {
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i].r.SetState(undo[i].usage)
	}
}

// failLocked ends a submission that will not complete.
func (q *Queue) failLocked(w *work, err error) {
	for _, r := range w.resources {
		r.Release()
	}
	w.resources = nil
	for _, b := range w.buffers {
		b.Invalidate()
	}
	w.err = classify(err)
}

// retireLocked releases the submissions whose timeline point was reached, in
// dispatch order.
func (q *Queue) retireLocked() {
	d := q.dev
	lost := d.mapper.Lost() != nil
	n := 0
	for _, w := range q.inflight {
		if !lost && !d.mapper.Reached(w.done) {
			break
		}
		for _, r := range w.resources {
			r.Release()
		}
		for _, b := range w.buffers {
			if lost {
				b.Invalidate()
			} else {
				b.Complete(w.done)
			}
		}
		n++
	}
	clear(q.inflight[:n])
	q.inflight = q.inflight[n:]
}

// lastPoint returns the timeline point of the last dispatched submission.
func (q *Queue) lastPoint() signal.Point {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.last
}

// waitIdle blocks until every dispatched submission completed and nothing
// is held.
func (q *Queue) waitIdle() error {
	d := q.dev
	for {
		last := q.lastPoint()
		if err := d.mapper.BlockUntilPoint(last, waitForever); err != nil {
			return classify(err)
		}
		q.pump()
		q.mu.Lock()
		held, moved := len(q.held), q.last != last
		q.mu.Unlock()
		if err := d.Lost(); err != nil {
			return err
		}
		if held == 0 && !moved {
			return nil
		}
		if held > 0 && !moved {
			return failf(ErrInvalidState, "%d submissions wait on semaphores that are never signaled", held)
		}
	}
}

// close abandons held submissions and destroys the queue timeline.
func (q *Queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, w := range q.held {
		q.dev.mapper.Abandon(w.sub)
		q.failLocked(w, failf(ErrInvalidState, "device closed"))
	}
	q.held = nil
	for _, w := range q.inflight {
		for _, r := range w.resources {
			r.Release()
		}
	}
	q.inflight = nil
	_ = q.dev.mapper.Destroy(q.timeline)
}
