package gfxbridge

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/gogpu/gfxbridge/backend"
	"github.com/gogpu/gfxbridge/internal/alloc"
	"github.com/gogpu/gfxbridge/internal/binding"
	"github.com/gogpu/gfxbridge/internal/command"
	"github.com/gogpu/gfxbridge/internal/signal"
	"github.com/gogpu/gfxbridge/internal/state"
	"github.com/gogpu/gfxbridge/shader"
)

// Errors returned by gfxbridge. Every error returned by a Device carries one of
// these kinds; errors.Is also matches the underlying cause.
var (
	// ErrAllocationFailure is returned when device memory cannot satisfy a request.
	ErrAllocationFailure = errors.New("gfxbridge: allocation failure")

	// ErrCapabilityExceeded is returned when a request exceeds native limits.
	ErrCapabilityExceeded = errors.New("gfxbridge: capability exceeded")

	// ErrInvalidState is returned for operations illegal in an object's state.
	ErrInvalidState = errors.New("gfxbridge: invalid state")

	// ErrStillInUse is returned when an object is referenced by pending work.
	ErrStillInUse = errors.New("gfxbridge: still in use")

	// ErrDeviceLost is returned by every operation after the native device was lost.
	ErrDeviceLost = errors.New("gfxbridge: device lost")

	// ErrTimedOut is returned when a wait exceeds its timeout.
	ErrTimedOut = errors.New("gfxbridge: timed out")

	// ErrInvalidHandle is returned for destroyed, stale or foreign handles.
	ErrInvalidHandle = errors.New("gfxbridge: invalid handle")

	// ErrLayoutMismatch is returned when shader usage or a set does not match a layout.
	ErrLayoutMismatch = errors.New("gfxbridge: layout mismatch")

	// ErrUnsupported is returned for operations the native device cannot perform.
	ErrUnsupported = errors.New("gfxbridge: unsupported")
)

var kinds = []error{
	ErrAllocationFailure, ErrCapabilityExceeded, ErrInvalidState, ErrStillInUse,
	ErrDeviceLost, ErrTimedOut, ErrInvalidHandle, ErrLayoutMismatch, ErrUnsupported,
}

// classes maps internal sentinels onto error kinds. Order matters: the first
// match wins, so device loss is listed first.
var classes = []struct {
	cause error
	kind  error
}{
	{signal.ErrDeviceLost, ErrDeviceLost},
	{backend.ErrDeviceLost, ErrDeviceLost},
	{signal.ErrTimedOut, ErrTimedOut},

	{alloc.ErrOutOfSpace, ErrAllocationFailure},
	{alloc.ErrOutOfMemory, ErrAllocationFailure},
	{backend.ErrOutOfMemory, ErrAllocationFailure},
	{alloc.ErrHeapInUse, ErrStillInUse},
	{alloc.ErrUnknownHeap, ErrInvalidHandle},
	{alloc.ErrUnknownRange, ErrInvalidHandle},
	{alloc.ErrInvalidAlignment, ErrInvalidState},
	{alloc.ErrZeroSize, ErrInvalidState},

	{binding.ErrCapabilityExceeded, ErrCapabilityExceeded},
	{binding.ErrLayoutMismatch, ErrLayoutMismatch},
	{binding.ErrSlotMismatch, ErrLayoutMismatch},
	{binding.ErrInvalidEntry, ErrInvalidState},

	{command.ErrStillInUse, ErrStillInUse},
	{command.ErrInvalidState, ErrInvalidState},
	{command.ErrUsage, ErrInvalidState},
	{command.ErrOutOfBounds, ErrInvalidState},

	{signal.ErrStillInUse, ErrStillInUse},
	{signal.ErrWrongKind, ErrInvalidHandle},
	{signal.ErrDestroyed, ErrInvalidHandle},

	{state.ErrUnknownHandle, ErrInvalidHandle},
	{state.ErrStaleHandle, ErrInvalidHandle},

	{shader.ErrCompile, ErrUnsupported},
	{shader.ErrEmptySource, ErrInvalidState},
	{shader.ErrReflection, ErrUnsupported},

	{backend.ErrUnsupported, ErrUnsupported},
	{backend.ErrBackendNotAvailable, ErrUnsupported},
	{backend.ErrNotRecording, ErrInvalidState},
}

// classify attaches the error kind of err. Errors that already carry a kind
// are returned unchanged; unknown native errors become ErrInvalidState.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return err
		}
	}
	for _, c := range classes {
		if errors.Is(err, c.cause) {
			return fmt.Errorf("%w: %w", c.kind, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrInvalidState, err)
}

// failf returns a new error of kind with a formatted message.
func failf(kind error, format string, args ...any) error {
	return errors.Wrapf(kind, format, args...)
}
