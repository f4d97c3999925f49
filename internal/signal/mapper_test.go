package signal

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gfxbridge/backend"
)

// fakeFence is a host timeline the test advances by hand.
type fakeFence struct{ value atomic.Uint64 }

type fakeFenceDevice struct{}

func (fakeFenceDevice) CreateFence() (backend.Fence, error) { return &fakeFence{}, nil }
func (fakeFenceDevice) DestroyFence(backend.Fence)          {}
func (fakeFenceDevice) WaitFence(f backend.Fence, v uint64, timeout time.Duration) (bool, error) {
	ff := f.(*fakeFence)
	deadline := time.Now().Add(timeout)
	for {
		if ff.value.Load() >= v {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		time.Sleep(50 * time.Microsecond)
	}
}

type fakeQuery struct{ done atomic.Bool }

type fakeQueries struct {
	created int
	lost    atomic.Bool
}

func (q *fakeQueries) CreateQuery() (backend.Query, error) { q.created++; return &fakeQuery{}, nil }
func (q *fakeQueries) DestroyQuery(backend.Query)          {}
func (q *fakeQueries) QueryDone(query backend.Query) (bool, error) {
	if q.lost.Load() {
		return false, backend.ErrDeviceLost
	}
	return query.(*fakeQuery).done.Load(), nil
}

func newEmulated() (*Mapper, *fakeQueries) {
	q := &fakeQueries{}
	return NewMapper(NewEmulatedStrategy(q, q), WaitPolicy{Spin: 4, Park: 100 * time.Microsecond}), q
}

func newNative() *Mapper {
	return NewMapper(NewNativeStrategy(fakeFenceDevice{}), WaitPolicy{Spin: 4, Park: 100 * time.Microsecond})
}

// dispatch hands s to a fake device and returns the completion handle.
func dispatch(t *testing.T, m *Mapper, s *Submission) (complete func()) {
	t.Helper()
	var (
		pts []Point
		tok any
	)
	require.NoError(t, m.Dispatch(s, func(points []Point, token any) error {
		pts, tok = points, token
		if q, ok := token.(*fakeQuery); ok {
			q.done.Store(false) // End re-arms a pooled query
		}
		return nil
	}))
	return func() {
		if q, ok := tok.(*fakeQuery); ok {
			q.done.Store(true)
			return
		}
		for _, pt := range pts {
			pt.Primitive.native.(*fakeFence).value.Store(pt.Value)
		}
	}
}

func TestBlockUntilZeroTimeout(t *testing.T) {
	for name, m := range map[string]*Mapper{"native": newNative(), "emulated": func() *Mapper { m, _ := newEmulated(); return m }()} {
		t.Run(name, func(t *testing.T) {
			f, err := m.NewPrimitive(KindFence, "f")
			require.NoError(t, err)

			start := time.Now()
			err = m.BlockUntil(f, 0)
			require.ErrorIs(t, err, ErrTimedOut)
			assert.Less(t, time.Since(start), 50*time.Millisecond)

			st, err := m.Poll(f)
			require.NoError(t, err)
			assert.Equal(t, StatusPending, st)
		})
	}
}

func TestFenceSignal(t *testing.T) {
	m, _ := newEmulated()
	f, err := m.NewPrimitive(KindFence, "frame")
	require.NoError(t, err)

	s, err := m.NewSubmission(nil, []*Primitive{f}, nil)
	require.NoError(t, err)
	require.ErrorIs(t, m.BlockUntil(f, time.Millisecond), ErrTimedOut, "held submission must not signal")

	complete := dispatch(t, m, s)
	require.ErrorIs(t, m.BlockUntil(f, 0), ErrTimedOut)
	require.ErrorIs(t, m.Reset(f), ErrStillInUse)

	go func() {
		time.Sleep(2 * time.Millisecond)
		complete()
	}()
	require.NoError(t, m.BlockUntil(f, 5*time.Second))
	assert.True(t, m.Idle())

	require.NoError(t, m.Reset(f))
	st, err := m.Poll(f)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st)
}

func TestSemaphoreWaitBeforeSignal(t *testing.T) {
	t.Run("emulated", func(t *testing.T) {
		m, _ := newEmulated()
		sem, err := m.NewPrimitive(KindSemaphore, "a-to-b")
		require.NoError(t, err)

		// B is submitted first and waits on the semaphore A will signal.
		b, err := m.NewSubmission([]*Primitive{sem}, nil, nil)
		require.NoError(t, err)
		assert.False(t, m.Ready(b))

		a, err := m.NewSubmission(nil, []*Primitive{sem}, nil)
		require.NoError(t, err)
		require.True(t, m.Ready(a))
		complete := dispatch(t, m, a)

		assert.False(t, m.Ready(b), "emulated waits need the counter reached")
		complete()
		assert.True(t, m.Ready(b))
	})

	t.Run("native", func(t *testing.T) {
		m := newNative()
		sem, err := m.NewPrimitive(KindSemaphore, "a-to-b")
		require.NoError(t, err)

		b, err := m.NewSubmission([]*Primitive{sem}, nil, nil)
		require.NoError(t, err)
		assert.False(t, m.Ready(b))

		a, err := m.NewSubmission(nil, []*Primitive{sem}, nil)
		require.NoError(t, err)
		dispatch(t, m, a)
		assert.True(t, m.Ready(b), "native waits only need the signaler submitted")
		assert.Equal(t, uint64(1), b.Waits()[0].Value)
	})
}

func TestSemaphoreWaitsConsumeSignals(t *testing.T) {
	m, _ := newEmulated()
	sem, err := m.NewPrimitive(KindSemaphore, "")
	require.NoError(t, err)

	w1, err := m.NewSubmission([]*Primitive{sem}, nil, nil)
	require.NoError(t, err)
	w2, err := m.NewSubmission([]*Primitive{sem}, nil, nil)
	require.NoError(t, err)

	s1, err := m.NewSubmission(nil, []*Primitive{sem}, nil)
	require.NoError(t, err)
	dispatch(t, m, s1)()

	assert.True(t, m.Ready(w1))
	assert.False(t, m.Ready(w2), "second wait needs a second signal")
	require.ErrorIs(t, m.Destroy(sem), ErrStillInUse)
}

func TestEventOps(t *testing.T) {
	m, _ := newEmulated()
	ev, err := m.NewPrimitive(KindEvent, "upload-done")
	require.NoError(t, err)

	_, err = m.NewSubmission(nil, []*Primitive{ev}, nil)
	require.ErrorIs(t, err, ErrWrongKind)

	s, err := m.NewSubmission(nil, nil, []EventOp{{Event: ev, Set: true}})
	require.NoError(t, err)
	dispatch(t, m, s)()

	st, err := m.Poll(ev)
	require.NoError(t, err)
	assert.Equal(t, StatusSignaled, st)

	// Set then reset in one submission ends unset.
	s, err = m.NewSubmission(nil, nil, []EventOp{{Event: ev, Set: true}, {Event: ev, Set: false}})
	require.NoError(t, err)
	dispatch(t, m, s)()
	st, err = m.Poll(ev)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st)

	s, err = m.NewSubmission(nil, nil, []EventOp{{Event: ev, Set: true}})
	require.NoError(t, err)
	dispatch(t, m, s)()
	require.NoError(t, m.BlockUntil(ev, time.Second))
	require.NoError(t, m.Reset(ev))
	st, _ = m.Poll(ev)
	assert.Equal(t, StatusPending, st)
}

func TestMarkLost(t *testing.T) {
	m, q := newEmulated()
	f, err := m.NewPrimitive(KindFence, "")
	require.NoError(t, err)

	var lostCalls atomic.Int32
	m.SetHooks(nil, func(error) { lostCalls.Add(1) })

	s, err := m.NewSubmission(nil, []*Primitive{f}, nil)
	require.NoError(t, err)
	dispatch(t, m, s)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.BlockUntil(f, 10*time.Second)
		}(i)
	}
	time.Sleep(2 * time.Millisecond)
	q.lost.Store(true)
	wg.Wait()

	for _, err := range errs {
		require.ErrorIs(t, err, ErrDeviceLost)
	}
	st, err := m.Poll(f)
	require.ErrorIs(t, err, ErrDeviceLost)
	assert.Equal(t, StatusSignaled, st)
	assert.Equal(t, int32(1), lostCalls.Load())

	_, err = m.NewSubmission(nil, nil, nil)
	require.ErrorIs(t, err, ErrDeviceLost)
}

func TestDispatchFailureRollsBack(t *testing.T) {
	m := newNative()
	f, err := m.NewPrimitive(KindFence, "")
	require.NoError(t, err)
	s, err := m.NewSubmission(nil, []*Primitive{f}, nil)
	require.NoError(t, err)

	failed := errors.New("submit rejected")
	err = m.Dispatch(s, func([]Point, any) error { return failed })
	require.ErrorIs(t, err, failed)
	assert.Equal(t, uint64(0), f.issued)
	assert.False(t, s.Dispatched())

	dispatch(t, m, s)()
	assert.Equal(t, uint64(1), s.Points()[0].Value)
	require.NoError(t, m.BlockUntil(f, time.Second))
}

func TestProgressHookRunsOnCompletion(t *testing.T) {
	m, _ := newEmulated()
	f, err := m.NewPrimitive(KindFence, "")
	require.NoError(t, err)

	var calls atomic.Int32
	m.SetHooks(func() { calls.Add(1) }, nil)

	s, err := m.NewSubmission(nil, []*Primitive{f}, nil)
	require.NoError(t, err)
	complete := dispatch(t, m, s)
	require.NoError(t, m.Progress())
	assert.Equal(t, int32(0), calls.Load())

	complete()
	require.NoError(t, m.Progress())
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmulatedQueriesArePooled(t *testing.T) {
	m, q := newEmulated()
	f, err := m.NewPrimitive(KindFence, "")
	require.NoError(t, err)
	for range 5 {
		s, err := m.NewSubmission(nil, []*Primitive{f}, nil)
		require.NoError(t, err)
		dispatch(t, m, s)()
		require.NoError(t, m.BlockUntil(f, time.Second))
	}
	assert.Equal(t, 1, q.created)
}
