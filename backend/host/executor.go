package host

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrStopped is returned when work is submitted to a stopped executor.
var ErrStopped = errors.New("host: executor stopped")

// Executor runs device work on one goroutine in submission order.
//
// It models a single in-order hardware queue: work is accepted without
// blocking the submitter and runs asynchronously relative to it.
//
// Thread safety: Executor is safe for concurrent use.
type Executor struct {
	mu    sync.Mutex
	queue []func()
	busy  int
	idle  chan struct{}

	// wake is signaled whenever work is queued.
	wake chan struct{}

	// done signals the worker to stop.
	done chan struct{}

	// gate is held by Hold to pause execution between jobs.
	gate sync.Mutex

	wg      sync.WaitGroup
	running atomic.Bool
}

// NewExecutor starts an executor.
func NewExecutor() *Executor {
	e := &Executor{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	e.running.Store(true)
	e.wg.Add(1)
	go e.worker()
	return e
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		job, ok := e.next()
		if !ok {
			return
		}
		e.gate.Lock()
		e.gate.Unlock() //nolint:staticcheck // empty critical section waits for Hold release
		select {
		case <-e.done:
			e.finish()
			return
		default:
		}
		job()
		e.finish()
	}
}

// next blocks until a job is queued or the executor stops.
func (e *Executor) next() (func(), bool) {
	for {
		e.mu.Lock()
		if len(e.queue) > 0 {
			job := e.queue[0]
			e.queue[0] = nil
			e.queue = e.queue[1:]
			e.mu.Unlock()
			return job, true
		}
		e.mu.Unlock()

		select {
		case <-e.wake:
		case <-e.done:
			return nil, false
		}
	}
}

func (e *Executor) finish() {
	e.mu.Lock()
	if e.busy > 0 {
		e.busy--
	}
	if e.busy == 0 && e.idle != nil {
		close(e.idle)
		e.idle = nil
	}
	e.mu.Unlock()
}

// Submit queues job. It never blocks on running work.
func (e *Executor) Submit(job func()) error {
	if !e.running.Load() {
		return ErrStopped
	}
	e.mu.Lock()
	e.queue = append(e.queue, job)
	e.busy++
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued or running jobs.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}

// WaitIdle blocks until every job submitted so far has run or the executor
// stops. It reports false when the executor stopped first.
func (e *Executor) WaitIdle() bool {
	e.mu.Lock()
	if e.busy == 0 {
		e.mu.Unlock()
		return e.running.Load()
	}
	if e.idle == nil {
		e.idle = make(chan struct{})
	}
	ch := e.idle
	e.mu.Unlock()

	select {
	case <-ch:
		return e.running.Load()
	case <-e.done:
		return false
	}
}

// Hold pauses execution before the next job until release is called.
// Jobs can still be submitted while the executor is held.
func (e *Executor) Hold() (release func()) {
	e.gate.Lock()
	var once sync.Once
	return func() { once.Do(e.gate.Unlock) }
}

// Stop stops the executor, dropping queued work. It does not wait for the
// worker to exit; Close does.
func (e *Executor) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	close(e.done)
	e.mu.Lock()
	e.queue = nil
	e.busy = 0
	if e.idle != nil {
		close(e.idle)
		e.idle = nil
	}
	e.mu.Unlock()
}

// Done is closed once the executor stops.
func (e *Executor) Done() <-chan struct{} { return e.done }

// Close stops the executor and waits for the worker to exit. Every Hold must
// have been released.
func (e *Executor) Close() {
	e.Stop()
	e.wg.Wait()
}
