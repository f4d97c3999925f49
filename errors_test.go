package gfxbridge

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gogpu/gfxbridge/backend"
	"github.com/gogpu/gfxbridge/internal/alloc"
	"github.com/gogpu/gfxbridge/internal/binding"
	"github.com/gogpu/gfxbridge/internal/command"
	"github.com/gogpu/gfxbridge/internal/signal"
	"github.com/gogpu/gfxbridge/internal/state"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		cause error
		want  error
	}{
		{signal.ErrDeviceLost, ErrDeviceLost},
		{backend.ErrDeviceLost, ErrDeviceLost},
		{signal.ErrTimedOut, ErrTimedOut},
		{alloc.ErrOutOfSpace, ErrAllocationFailure},
		{backend.ErrOutOfMemory, ErrAllocationFailure},
		{alloc.ErrHeapInUse, ErrStillInUse},
		{binding.ErrCapabilityExceeded, ErrCapabilityExceeded},
		{binding.ErrSlotMismatch, ErrLayoutMismatch},
		{command.ErrStillInUse, ErrStillInUse},
		{command.ErrOutOfBounds, ErrInvalidState},
		{signal.ErrDestroyed, ErrInvalidHandle},
		{state.ErrStaleHandle, ErrInvalidHandle},
		{backend.ErrUnsupported, ErrUnsupported},
		{errors.New("driver said no"), ErrInvalidState},
	}
	for _, tt := range tests {
		t.Run(tt.cause.Error(), func(t *testing.T) {
			err := classify(fmt.Errorf("op: %w", tt.cause))
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, tt.cause)
		})
	}
}

func TestClassifyKeepsKind(t *testing.T) {
	assert.NoError(t, classify(nil))

	err := failf(ErrStillInUse, "buffer %q", "x")
	assert.Same(t, err, classify(err))
	assert.Equal(t, `buffer "x": gfxbridge: still in use`, err.Error())
}

func TestClassifyLostWins(t *testing.T) {
	err := classify(fmt.Errorf("%w: %w", backend.ErrDeviceLost, backend.ErrOutOfMemory))
	assert.ErrorIs(t, err, ErrDeviceLost)
	assert.NotErrorIs(t, err, ErrAllocationFailure)
}
