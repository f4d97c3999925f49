package gfxbridge

import (
	"log/slog"
	"time"

	"github.com/gogpu/gfxbridge/gpucore"
	"github.com/gogpu/gfxbridge/internal/alloc"
	"github.com/gogpu/gfxbridge/internal/signal"
	"github.com/gogpu/gfxbridge/shader"
)

// Option configures a Device during creation.
// Use functional options to customize Device behavior.
//
// Example:
//
//	// Defaults: 64 MiB heaps, native recording strategy
//	dev, err := gfxbridge.Open(backend.NameExplicit)
//
//	// Smaller heaps and replayed recording on deferred devices
//	dev, err := gfxbridge.Open(backend.NameDeferred,
//	    gfxbridge.WithPreferredHeapSize(4<<20),
//	    gfxbridge.WithReplayRecording())
type Option func(*options)

// options holds optional configuration for Device creation.
type options struct {
	heapSize uint64
	policy   signal.WaitPolicy
	replay   bool
	compiler shader.Compiler
	limits   *gpucore.Limits
	logger   *slog.Logger
}

// defaultOptions returns the default device options.
func defaultOptions() options {
	return options{
		heapSize: alloc.DefaultHeapSize,
		policy:   signal.DefaultWaitPolicy(),
	}
}

// WithPreferredHeapSize sets the size of heaps the memory pool creates when
// it grows. Requests larger than the preferred size get a heap of their own.
func WithPreferredHeapSize(size uint64) Option {
	return func(o *options) {
		if size > 0 {
			o.heapSize = size
		}
	}
}

// WithWaitPolicy configures host waits: spin polls with runtime.Gosched
// before the waiter parks for at most park between polls.
func WithWaitPolicy(spin int, park time.Duration) Option {
	return func(o *options) {
		o.policy = signal.WaitPolicy{Spin: spin, Park: park}
	}
}

// WithReplayRecording forces deferred devices to keep command buffers in host
// memory and replay them on the immediate context at submission, even when
// the device offers deferred contexts. It has no effect on explicit devices.
func WithReplayRecording() Option {
	return func(o *options) {
		o.replay = true
	}
}

// WithShaderCompiler sets the service that compiles WGSL shader modules.
// The default compiles with gogpu/naga.
func WithShaderCompiler(c shader.Compiler) Option {
	return func(o *options) {
		o.compiler = c
	}
}

// WithLimits overrides the native limits used to validate layouts and
// resources. It is mostly useful to test capability checks.
func WithLimits(l gpucore.Limits) Option {
	return func(o *options) {
		o.limits = &l
	}
}

// WithLogger sets the logger for device lifecycle messages. Internal packages
// keep logging through the logger installed with SetLogger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}
