package gfxbridge

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/gogpu/gfxbridge/backend"
	"github.com/gogpu/gfxbridge/gpucore"
	"github.com/gogpu/gfxbridge/internal/alloc"
	"github.com/gogpu/gfxbridge/internal/binding"
	"github.com/gogpu/gfxbridge/internal/command"
	"github.com/gogpu/gfxbridge/internal/signal"
	"github.com/gogpu/gfxbridge/internal/state"
	"github.com/gogpu/gfxbridge/shader"
)

// Device is the portable device. It translates the explicit API onto one
// native device whose model is chosen once, when the Device is created.
//
// Thread safety: Device methods are safe for concurrent use. Command buffers
// are single-writer; see CommandBuffer.
type Device struct {
	id     uuid.UUID
	native backend.Device
	info   backend.AdapterInfo
	log    *slog.Logger

	// Exactly one of explicit and deferred is set.
	explicit backend.ExplicitDevice
	deferred backend.DeferredDevice

	limits     gpucore.Limits
	pool       *alloc.Pool
	resources  *state.Table[*state.Resource]
	samplers   *state.Table[backend.Sampler]
	translator binding.Translator
	strategy   command.Strategy
	mapper     *signal.Mapper
	compiler   shader.Compiler
	queue      *Queue

	mu      sync.Mutex
	buffers map[*command.Buffer]struct{}
	retired []retiree
	closed  bool
}

// retiree is a native object whose destruction waits for the queue to pass pt.
type retiree struct {
	pt      signal.Point
	destroy func()
}

// Capabilities describes the native device and the translation chosen for it.
type Capabilities struct {
	// Adapter and Driver name the native device.
	Adapter string
	Driver  string
	Model   backend.Model
	Limits  gpucore.Limits
	// Features are the native features; Names lists them.
	Features gpucore.Features
	// Recording names the command recording strategy: explicit,
	// deferred-context or replay.
	Recording string
	// Sync names the synchronization strategy: native or emulated.
	Sync string
	// Binding names the binding model: sets or flat-registers.
	Binding string
}

// hostBacking gives deferred devices heap bookkeeping without native heaps:
// their resources are dedicated allocations.
type hostBacking struct{}

type hostHeap struct {
	size  uint64
	class gpucore.MemoryClass
}

func (hostBacking) CreateHeap(size uint64, class gpucore.MemoryClass) (any, error) {
	return &hostHeap{size: size, class: class}, nil
}

func (hostBacking) DestroyHeap(any) {}

type explicitBacking struct {
	dev backend.ExplicitDevice
}

func (b explicitBacking) CreateHeap(size uint64, class gpucore.MemoryClass) (any, error) {
	return b.dev.CreateHeap(size, class)
}

func (b explicitBacking) DestroyHeap(h any) { b.dev.DestroyHeap(h) }

// NewDevice wraps a native device. The device must implement
// backend.ExplicitDevice or backend.DeferredDevice; the Device takes
// ownership and destroys it on Close.
func NewDevice(native backend.Device, opts ...Option) (*Device, error) {
	if native == nil {
		return nil, failf(ErrInvalidState, "nil native device")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	d := &Device{
		id:        uuid.New(),
		native:    native,
		info:      native.Info(),
		resources: state.NewTable[*state.Resource](),
		samplers:  state.NewTable[backend.Sampler](),
		buffers:   make(map[*command.Buffer]struct{}),
	}
	base := o.logger
	if base == nil {
		base = Logger()
	}
	d.log = base.With(slog.String("device", d.id.String()))
	d.limits = d.info.Limits
	if o.limits != nil {
		d.limits = *o.limits
	}

	var timeline signal.Strategy
	switch n := native.(type) {
	case backend.ExplicitDevice:
		d.explicit = n
		d.pool = alloc.NewPool(explicitBacking{dev: n}, o.heapSize)
		d.translator = binding.New(binding.ModelSets, d.limits)
		d.strategy = command.NewExplicitStrategy(n, d)
		timeline = signal.NewNativeStrategy(n)
	case backend.DeferredDevice:
		d.deferred = n
		d.pool = alloc.NewPool(hostBacking{}, o.heapSize)
		d.translator = binding.New(binding.ModelFlat, d.limits)
		if o.replay || !d.info.Features.Has(gpucore.FeatureDeferredContexts) {
			d.strategy = command.NewReplayStrategy(n, d)
		} else {
			d.strategy = command.NewDeferredContextStrategy(n, d)
		}
		timeline = signal.NewEmulatedStrategy(n, n.Immediate())
	default:
		return nil, failf(ErrUnsupported, "native device %T implements neither model", native)
	}

	d.mapper = signal.NewMapper(timeline, o.policy)
	d.compiler = o.compiler
	if d.compiler == nil {
		d.compiler = shader.NewNagaCompiler(shader.DefaultCacheSize, d.log)
	}
	q, err := newQueue(d)
	if err != nil {
		d.pool.Close()
		return nil, classify(err)
	}
	d.queue = q
	d.mapper.SetHooks(q.pump, d.onLost)

	d.log.Info("gfxbridge: device opened",
		slog.String("adapter", d.info.Name),
		slog.String("model", d.info.Model.String()),
		slog.String("recording", d.strategy.Name()),
		slog.String("sync", timeline.Name()))
	return d, nil
}

// Open creates the registered backend name and wraps it. The native device
// is destroyed when wrapping fails.
func Open(name string, opts ...Option) (*Device, error) {
	native, err := backend.Open(name)
	if err != nil {
		return nil, classify(err)
	}
	d, err := NewDevice(native, opts...)
	if err != nil {
		native.Destroy()
		return nil, err
	}
	return d, nil
}

// ID returns the identifier the device logs with.
func (d *Device) ID() uuid.UUID { return d.id }

// Native returns the wrapped native device.
func (d *Device) Native() backend.Device { return d.native }

// Queue returns the device queue.
func (d *Device) Queue() *Queue { return d.queue }

// Capabilities reports the native device and the chosen translation.
func (d *Device) Capabilities() Capabilities {
	return Capabilities{
		Adapter:   d.info.Name,
		Driver:    d.info.Driver,
		Model:     d.info.Model,
		Limits:    d.limits,
		Features:  d.info.Features,
		Recording: d.strategy.Name(),
		Sync:      d.mapper.Strategy().Name(),
		Binding:   d.translator.Model().String(),
	}
}

// Lost returns the device loss cause, nil while the device is healthy.
func (d *Device) Lost() error {
	if cause := d.mapper.Lost(); cause != nil {
		return classify(cause)
	}
	return nil
}

// alive reports why the device cannot take new work.
func (d *Device) alive() error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return failf(ErrInvalidState, "device is closed")
	}
	return d.Lost()
}

// nativeErr classifies an error of the native device and records device loss.
func (d *Device) nativeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, backend.ErrDeviceLost) {
		d.mapper.MarkLost(err)
	}
	return classify(err)
}

// settle observes completed work and retires what it released.
func (d *Device) settle() {
	_ = d.mapper.Progress()
	d.queue.pump()
}

func (d *Device) onLost(cause error) {
	d.mu.Lock()
	for b := range d.buffers {
		b.Invalidate()
	}
	d.mu.Unlock()
	d.log.Warn("gfxbridge: device lost", slog.String("cause", cause.Error()))
}

// retire destroys an object once the queue passed every dispatched submission.
func (d *Device) retire(destroy func()) {
	pt := d.queue.lastPoint()
	if pt.IsZero() || d.mapper.Reached(pt) {
		destroy()
		return
	}
	d.mu.Lock()
	d.retired = append(d.retired, retiree{pt: pt, destroy: destroy})
	d.mu.Unlock()
}

// collect runs the retirees whose point was reached. all forces every one.
func (d *Device) collect(all bool) {
	d.mu.Lock()
	var due []retiree
	kept := d.retired[:0]
	for _, r := range d.retired {
		if all || d.mapper.Reached(r.pt) {
			due = append(due, r)
		} else {
			kept = append(kept, r)
		}
	}
	d.retired = kept
	d.mu.Unlock()
	for _, r := range due {
		r.destroy()
	}
}

// Resource implements command.Resolver.
func (d *Device) Resource(id gpucore.ResourceID) (*state.Resource, error) {
	return d.resources.Get(id)
}

// Sampler implements command.Resolver.
func (d *Device) Sampler(id gpucore.ResourceID) (backend.Sampler, error) {
	return d.samplers.Get(id)
}

// WaitIdle blocks until every submission completed. Submissions held on
// semaphores that no submission signals make WaitIdle fail with
// ErrInvalidState instead of blocking forever.
func (d *Device) WaitIdle() error {
	return d.queue.waitIdle()
}

// Close waits for the queue, releases every object created through d and
// destroys the native device. Close after device loss skips the wait.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	err := d.WaitIdle()
	if d.mapper.Lost() != nil {
		err = nil
	}

	d.mu.Lock()
	d.closed = true
	buffers := make([]*command.Buffer, 0, len(d.buffers))
	for b := range d.buffers {
		buffers = append(buffers, b)
	}
	clear(d.buffers)
	d.mu.Unlock()

	for _, b := range buffers {
		b.Invalidate()
		_ = b.Free()
	}
	d.queue.close()
	d.collect(true)

	if s, ok := d.strategy.(*command.ExplicitStrategy); ok {
		s.Close()
	}
	if s, ok := d.mapper.Strategy().(*signal.EmulatedStrategy); ok {
		s.Close()
	}

	var ids []gpucore.ResourceID
	d.resources.Each(func(id gpucore.ResourceID, _ *state.Resource) { ids = append(ids, id) })
	for _, id := range ids {
		if r, rerr := d.resources.Remove(id); rerr == nil {
			d.release(r)
		}
	}
	var samplers []gpucore.ResourceID
	d.samplers.Each(func(id gpucore.ResourceID, _ backend.Sampler) { samplers = append(samplers, id) })
	for _, id := range samplers {
		if s, serr := d.samplers.Remove(id); serr == nil {
			d.destroySampler(s)
		}
	}

	stats := d.pool.Stats()
	d.pool.Close()
	d.native.Destroy()
	d.log.Info("gfxbridge: device closed", slog.String("memory", stats.String()))
	return err
}
