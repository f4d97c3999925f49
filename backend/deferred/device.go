package deferred

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/gfxbridge/backend"
	"github.com/gogpu/gfxbridge/backend/host"
	"github.com/gogpu/gfxbridge/gpucore"
)

const spirvMagic = 0x07230203

// Errors returned by the deferred reference device.
var (
	// ErrWrongHandle is returned when a handle of another device or type is passed.
	ErrWrongHandle = errors.New("deferred: handle of wrong type")

	// ErrOutOfRange is returned for host accesses outside a buffer.
	ErrOutOfRange = errors.New("deferred: range outside buffer")

	// ErrReleased is returned for released contexts and command lists.
	ErrReleased = errors.New("deferred: object released")
)

// Device is a host-memory implementation of the deferred native model.
//
// Resources are dedicated byte slices. Work reaches the queue only through
// the immediate context, batched until Flush, and the only completion signal
// is an event query. Deferred contexts record command lists that the
// immediate context executes.
//
// The device emulates the register binding hazard of the model: a resource
// bound for unordered access or as a render target is forced off every input
// register at draw and dispatch time, and the conflict is recorded as a
// violation.
//
// Thread safety: Device is safe for concurrent use; each deferred context is
// single-writer.
type Device struct {
	info    backend.AdapterInfo
	log     *slog.Logger
	exec    *host.Executor
	kernels host.Kernels
	imm     *immediateContext

	// state is the immediate context register state, owned by the queue.
	state *regState

	mu         sync.Mutex
	lost       error
	lostCh     chan struct{}
	violations []string
	lists      uint64
}

var _ backend.DeferredDevice = (*Device)(nil)

// Option configures a Device.
type Option func(*Device)

// WithoutDeferredContexts creates a device that only has an immediate context.
func WithoutDeferredContexts() Option {
	return func(d *Device) { d.info.Features &^= gpucore.FeatureDeferredContexts }
}

// WithLimits overrides the reported limits.
func WithLimits(l gpucore.Limits) Option {
	return func(d *Device) { d.info.Limits = l }
}

// WithLogger sets the device logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

// New creates a device and starts its queue.
func New(opts ...Option) *Device {
	d := &Device{
		info: backend.AdapterInfo{
			Name:     "deferred reference device",
			Driver:   "host memory",
			Model:    backend.ModelDeferred,
			Limits:   gpucore.DefaultRegisterLimits(),
			Features: gpucore.FeatureDeferredContexts | gpucore.FeatureGraphics | gpucore.FeatureImageBindings,
		},
		log:    slog.New(slog.DiscardHandler),
		lostCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.state = newRegState(d)
	d.imm = &immediateContext{recorder: recorder{dev: d}}
	d.exec = host.NewExecutor()
	return d
}

func init() {
	backend.Register(backend.NameDeferred, func() (backend.Device, error) {
		return New(), nil
	})
	backend.Register(backend.NameDeferredImmediate, func() (backend.Device, error) {
		return New(WithoutDeferredContexts()), nil
	})
}

// Info implements backend.Device.
func (d *Device) Info() backend.AdapterInfo { return d.info }

// Destroy stops the queue. Queued work is dropped.
func (d *Device) Destroy() { d.exec.Close() }

// RegisterKernel installs the host implementation of a shader entry point.
// Kernels address bindings by register class and register.
func (d *Device) RegisterKernel(entry string, k host.Kernel) {
	d.kernels.Register(entry, k)
}

// Hold pauses the queue before its next batch until release is called.
func (d *Device) Hold() (release func()) { return d.exec.Hold() }

// Lose simulates an unrecoverable device failure.
func (d *Device) Lose(cause error) {
	d.mu.Lock()
	if d.lost != nil {
		d.mu.Unlock()
		return
	}
	if cause == nil {
		cause = backend.ErrDeviceLost
	}
	if !errors.Is(cause, backend.ErrDeviceLost) {
		cause = fmt.Errorf("%w: %w", backend.ErrDeviceLost, cause)
	}
	d.lost = cause
	close(d.lostCh)
	d.mu.Unlock()

	d.exec.Stop()
	d.log.Warn("deferred device lost", slog.String("cause", cause.Error()))
}

func (d *Device) lostErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

func (d *Device) violate(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	d.mu.Lock()
	d.violations = append(d.violations, msg)
	d.mu.Unlock()
	d.log.Warn("deferred validation", slog.String("violation", msg))
}

// Violations returns the validation messages recorded so far.
func (d *Device) Violations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.violations...)
}

func (d *Device) countList() {
	d.mu.Lock()
	d.lists++
	d.mu.Unlock()
}

// CommandLists returns the number of executed command lists.
func (d *Device) CommandLists() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lists
}

// CreateBuffer implements backend.DeferredDevice.
func (d *Device) CreateBuffer(desc backend.BufferDesc) (backend.Buffer, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	if desc.Size == 0 || desc.Size > d.info.Limits.MaxBufferSize {
		return nil, fmt.Errorf("%w: buffer %q size %d", ErrOutOfRange, desc.Label, desc.Size)
	}
	return &buffer{label: desc.Label, size: desc.Size, usage: desc.Usage, data: make([]byte, desc.Size)}, nil
}

// DestroyBuffer implements backend.DeferredDevice.
func (d *Device) DestroyBuffer(b backend.Buffer) {
	if buf, ok := b.(*buffer); ok {
		buf.freed = true
	}
}

// CreateImage implements backend.DeferredDevice.
func (d *Device) CreateImage(desc backend.ImageDesc) (backend.Image, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	texel, ok := gpucore.BytesPerTexel(desc.Format)
	if !ok {
		return nil, fmt.Errorf("%w: image format %v", backend.ErrUnsupported, desc.Format)
	}
	limit := d.info.Limits.MaxImageDimension
	if desc.Extent.Width == 0 || desc.Extent.Height == 0 || desc.Extent.Width > limit || desc.Extent.Height > limit {
		return nil, fmt.Errorf("%w: image %q extent %dx%d", ErrOutOfRange, desc.Label, desc.Extent.Width, desc.Extent.Height)
	}
	size, _ := host.ImageSize(desc.Extent, desc.Format)
	return &image{label: desc.Label, usage: desc.Usage, img: host.Image{
		Width:  desc.Extent.Width,
		Height: desc.Extent.Height,
		Format: desc.Format,
		Texel:  texel,
		Data:   make([]byte, size),
	}}, nil
}

// DestroyImage implements backend.DeferredDevice.
func (d *Device) DestroyImage(i backend.Image) {
	if img, ok := i.(*image); ok {
		img.freed = true
	}
}

// CreateSampler implements backend.DeferredDevice.
func (d *Device) CreateSampler(desc backend.SamplerDesc) (backend.Sampler, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	return &sampler{label: desc.Label, linear: desc.Linear}, nil
}

// DestroySampler implements backend.DeferredDevice.
func (d *Device) DestroySampler(backend.Sampler) {}

// mapBuffer flushes the immediate context and waits for the queue, the way a
// map of a resource in use stalls.
func (d *Device) mapBuffer(b backend.Buffer, offset uint64, n int) ([]byte, error) {
	buf, ok := b.(*buffer)
	if !ok || buf.freed {
		return nil, fmt.Errorf("%w: buffer %T", ErrWrongHandle, b)
	}
	data, ok := buf.rangeOf(offset, uint64(n))
	if !ok || n == 0 {
		return nil, fmt.Errorf("%w: map [%d, +%d) of buffer %q size %d", ErrOutOfRange, offset, n, buf.label, buf.size)
	}
	if err := d.imm.Flush(); err != nil {
		return nil, err
	}
	d.exec.WaitIdle()
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteBuffer implements backend.DeferredDevice.
func (d *Device) WriteBuffer(b backend.Buffer, offset uint64, data []byte) error {
	dst, err := d.mapBuffer(b, offset, len(data))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// ReadBuffer implements backend.DeferredDevice.
func (d *Device) ReadBuffer(b backend.Buffer, offset uint64, dst []byte) error {
	src, err := d.mapBuffer(b, offset, len(dst))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// CreateShaderModule implements backend.DeferredDevice.
func (d *Device) CreateShaderModule(label string, code []uint32) (backend.ShaderModule, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	if len(code) < 5 || code[0] != spirvMagic {
		return nil, fmt.Errorf("%w: shader module %q is not SPIR-V", backend.ErrUnsupported, label)
	}
	return &shaderModule{label: label}, nil
}

// DestroyShaderModule implements backend.DeferredDevice.
func (d *Device) DestroyShaderModule(backend.ShaderModule) {}

// CreateComputePipeline implements backend.DeferredDevice.
func (d *Device) CreateComputePipeline(label string, module backend.ShaderModule, entryPoint string) (backend.Pipeline, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	if _, ok := module.(*shaderModule); !ok {
		return nil, fmt.Errorf("%w: shader module %T", ErrWrongHandle, module)
	}
	return &pipeline{label: label, compute: true, entry: entryPoint}, nil
}

// CreateRenderPipeline implements backend.DeferredDevice.
func (d *Device) CreateRenderPipeline(label string, vertex backend.ShaderModule, _ string, fragment backend.ShaderModule, fragmentEntry string) (backend.Pipeline, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	for _, m := range []backend.ShaderModule{vertex, fragment} {
		if _, ok := m.(*shaderModule); !ok {
			return nil, fmt.Errorf("%w: shader module %T", ErrWrongHandle, m)
		}
	}
	return &pipeline{label: label, entry: fragmentEntry}, nil
}

// DestroyPipeline implements backend.DeferredDevice.
func (d *Device) DestroyPipeline(backend.Pipeline) {}

// CreateQuery implements backend.DeferredDevice.
func (d *Device) CreateQuery() (backend.Query, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	return &query{}, nil
}

// DestroyQuery implements backend.DeferredDevice.
func (d *Device) DestroyQuery(backend.Query) {}

// Immediate implements backend.DeferredDevice.
func (d *Device) Immediate() backend.ImmediateContext { return d.imm }

// CreateDeferredContext implements backend.DeferredDevice.
func (d *Device) CreateDeferredContext() (backend.DeferredContext, error) {
	if err := d.lostErr(); err != nil {
		return nil, err
	}
	if !d.info.Features.Has(gpucore.FeatureDeferredContexts) {
		return nil, fmt.Errorf("%w: deferred contexts", backend.ErrUnsupported)
	}
	return &deferredContext{recorder: recorder{dev: d}}, nil
}
