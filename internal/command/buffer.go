package command

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/gogpu/gfxbridge/gpucore"
	"github.com/gogpu/gfxbridge/internal/binding"
	"github.com/gogpu/gfxbridge/internal/signal"
	"github.com/gogpu/gfxbridge/internal/state"
)

// Errors returned by command buffers.
var (
	// ErrInvalidState is returned for operations illegal in the buffer's state.
	ErrInvalidState = errors.New("command: invalid buffer state")

	// ErrStillInUse is returned when resetting or freeing a pending buffer.
	ErrStillInUse = errors.New("command: buffer still in use")

	// ErrUsage is returned when a command accesses a resource in a way it was
	// not created for.
	ErrUsage = errors.New("command: usage not allowed for resource")

	// ErrOutOfBounds is returned for copy regions outside a resource.
	ErrOutOfBounds = errors.New("command: region out of bounds")
)

// State is the lifecycle state of a command buffer.
type State uint8

const (
	StateInitial State = iota
	StateRecording
	StateExecutable
	StatePending
	StateInvalid
)

var stateNames = [...]string{
	StateInitial:    "initial",
	StateRecording:  "recording",
	StateExecutable: "executable",
	StatePending:    "pending",
	StateInvalid:    "invalid",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// Config wires a buffer to its device.
type Config struct {
	Strategy   Strategy
	Translator binding.Translator
	Resolver   Resolver
	// Completed reports whether a submission point was reached.
	Completed func(signal.Point) (bool, error)
	// OneShot buffers become invalid after their submission completes.
	OneShot bool
}

// Stats counts what recording produced.
type Stats struct {
	Commands    int
	Barriers    int
	Unbinds     int
	ElidedBinds int
}

type boundSet struct {
	set     *binding.Set
	version uint64
	ops     []binding.BindOp
	// dirty sets had registers cleared by a hazard unbind and are bound
	// again before the next dispatch or draw.
	dirty bool
}

type uavSlot struct {
	set    uint32
	stages gpucore.ShaderStage
	reg    uint32
}

// Buffer is a portable command buffer.
//
// A Buffer is single-writer: recording calls must come from one goroutine at a
// time. Two buffers recording the same resource concurrently need external
// synchronization by the caller. Recording calls do not return errors; the
// first failure is reported by End and the buffer becomes invalid.
type Buffer struct {
	label string
	cfg   Config

	mu         sync.Mutex
	state      State
	commands   []Command
	tracker    *state.Tracker
	err        error
	events     []signal.EventOp
	refs       map[gpucore.ResourceID]struct{}
	sets       map[*binding.Set]uint64
	completion signal.Point
	stats      Stats

	// native is owned by the strategy.
	native any

	pipeline *Pipeline
	bound    []*boundSet
	inPass   bool
	uav      map[gpucore.ResourceID][]uavSlot
}

// New returns a buffer in the Initial state.
func New(label string, cfg Config) *Buffer {
	return &Buffer{
		label:   label,
		cfg:     cfg,
		tracker: state.NewTracker(),
		refs:    make(map[gpucore.ResourceID]struct{}),
		sets:    make(map[*binding.Set]uint64),
		uav:     make(map[gpucore.ResourceID][]uavSlot),
	}
}

// Label returns the debug label.
func (b *Buffer) Label() string { return b.label }

// OneShot reports whether the buffer is invalidated after one submission.
func (b *Buffer) OneShot() bool { return b.cfg.OneShot }

// State returns the current state, observing completion of a pending submission.
func (b *Buffer) State() State {
	b.settle()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// settle moves a pending buffer on once its submission completed. The
// completion check runs unlocked because it may dispatch queued work.
func (b *Buffer) settle() {
	b.mu.Lock()
	if b.state != StatePending || b.cfg.Completed == nil {
		b.mu.Unlock()
		return
	}
	pt := b.completion
	b.mu.Unlock()

	done, err := b.cfg.Completed(pt)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StatePending || b.completion != pt {
		return
	}
	switch {
	case err != nil:
		b.state = StateInvalid
	case done:
		b.finishLocked()
	}
}

func (b *Buffer) finishLocked() {
	if b.cfg.OneShot {
		b.state = StateInvalid
		return
	}
	b.state = StateExecutable
}

// Begin starts recording. Only Initial buffers can begin; Executable buffers
// must be reset first.
func (b *Buffer) Begin() error {
	b.settle()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateInitial {
		return errors.Wrapf(ErrInvalidState, "begin %s buffer %q", b.state, b.label)
	}
	if err := b.cfg.Strategy.Begin(b); err != nil {
		return errors.WithMessagef(err, "begin buffer %q", b.label)
	}
	b.state = StateRecording
	return nil
}

// End finishes recording and reports the first recording failure.
func (b *Buffer) End() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateRecording {
		return errors.Wrapf(ErrInvalidState, "end %s buffer %q without begin", b.state, b.label)
	}
	if b.inPass && b.err == nil {
		b.err = errors.Wrap(ErrInvalidState, "render pass still open at end")
	}
	if b.err == nil {
		b.err = b.cfg.Strategy.End(b)
	}
	if b.err != nil {
		b.state = StateInvalid
		slogger().Debug("command buffer invalid at end",
			slog.String("label", b.label), slog.String("err", b.err.Error()))
		return b.err
	}
	b.state = StateExecutable
	slogger().Debug("command buffer recorded",
		slog.String("label", b.label),
		slog.String("strategy", b.cfg.Strategy.Name()),
		slog.Int("commands", b.stats.Commands),
		slog.Int("barriers", b.stats.Barriers),
		slog.Int("elided_binds", b.stats.ElidedBinds))
	return nil
}

// Reset returns the buffer to Initial. A pending buffer cannot be reset until
// its submission completes.
func (b *Buffer) Reset() error {
	b.settle()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StatePending {
		return errors.Wrapf(ErrStillInUse, "reset buffer %q", b.label)
	}
	if err := b.cfg.Strategy.Reset(b); err != nil {
		return errors.WithMessagef(err, "reset buffer %q", b.label)
	}
	b.commands = b.commands[:0]
	b.tracker.Reset()
	b.err = nil
	b.events = nil
	clear(b.refs)
	clear(b.sets)
	clear(b.uav)
	b.stats = Stats{}
	b.pipeline = nil
	b.bound = nil
	b.inPass = false
	b.state = StateInitial
	return nil
}

// Free releases native recording state. Pending buffers cannot be freed.
func (b *Buffer) Free() error {
	b.settle()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StatePending {
		return errors.Wrapf(ErrStillInUse, "free buffer %q", b.label)
	}
	b.cfg.Strategy.Release(b)
	b.native = nil
	b.state = StateInvalid
	return nil
}

// --------------------------------------------------------------------------
// Submission
// --------------------------------------------------------------------------

// CheckSubmittable verifies b can be submitted. A buffer whose sets were
// updated or whose resources were destroyed after recording becomes invalid.
func (b *Buffer) CheckSubmittable() error {
	b.settle()
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateExecutable:
	case StatePending:
		return errors.Wrapf(ErrStillInUse, "submit buffer %q", b.label)
	default:
		return errors.Wrapf(ErrInvalidState, "submit %s buffer %q", b.state, b.label)
	}
	for set, v := range b.sets {
		if set.Version() != v {
			b.state = StateInvalid
			return errors.Wrapf(ErrInvalidState, "buffer %q: descriptor set updated after recording", b.label)
		}
	}
	for id := range b.refs {
		if _, err := b.cfg.Resolver.Resource(id); err != nil {
			b.state = StateInvalid
			return errors.Wrapf(ErrInvalidState, "buffer %q: resource %s destroyed after recording: %v", b.label, id, err)
		}
	}
	return nil
}

// MarkPending records the submission point b completes with.
func (b *Buffer) MarkPending(pt signal.Point) {
	b.mu.Lock()
	b.state = StatePending
	b.completion = pt
	b.mu.Unlock()
}

// Complete moves a pending buffer on after the submission that completes with
// pt finished. A buffer that was resubmitted since stays pending.
func (b *Buffer) Complete(pt signal.Point) {
	b.mu.Lock()
	if b.state == StatePending && b.completion == pt {
		b.finishLocked()
	}
	b.mu.Unlock()
}

// Invalidate makes the buffer invalid, used on device loss.
func (b *Buffer) Invalidate() {
	b.mu.Lock()
	b.state = StateInvalid
	b.mu.Unlock()
}

// Completion returns the point of the last submission.
func (b *Buffer) Completion() signal.Point {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completion
}

// Entry returns the first use of every resource, in first-use order.
func (b *Buffer) Entry() []state.Use { return b.tracker.Entry() }

// Exit returns the last use of every resource.
func (b *Buffer) Exit() []state.Use { return b.tracker.Exit() }

// Events returns the event operations recorded, in order.
func (b *Buffer) Events() []signal.EventOp { return b.events }

// Resources returns every resource the buffer references.
func (b *Buffer) Resources() []gpucore.ResourceID {
	ids := make([]gpucore.ResourceID, 0, len(b.refs))
	for _, u := range b.tracker.Entry() {
		ids = append(ids, u.ID)
	}
	return ids
}

// Commands returns the recorded command stream.
func (b *Buffer) Commands() []Command { return b.commands }

// Stats returns recording counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Native returns the strategy-owned recording object.
func (b *Buffer) Native() any { return b.native }

// --------------------------------------------------------------------------
// Recording helpers
// --------------------------------------------------------------------------

func (b *Buffer) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// recordable reports whether a recording call may proceed.
func (b *Buffer) recordable(what CommandType) bool {
	if b.state != StateRecording {
		b.fail(errors.Wrapf(ErrInvalidState, "%s into %s buffer %q", what, b.state, b.label))
		return false
	}
	return b.err == nil
}

func (b *Buffer) append(cmd Command) {
	b.commands = append(b.commands, cmd)
	b.stats.Commands++
	switch cmd.Type() {
	case CmdBarrier:
		b.stats.Barriers++
	case CmdUnbind:
		b.stats.Unbinds++
	}
	b.cfg.Strategy.Record(b, cmd)
}

type use struct {
	id      gpucore.ResourceID
	usage   gpucore.Usage
	kind    gpucore.ResourceKind
	anyKind bool
}

func (b *Buffer) resource(id gpucore.ResourceID, kind gpucore.ResourceKind) (*state.Resource, bool) {
	r, err := b.cfg.Resolver.Resource(id)
	if err != nil {
		b.fail(err)
		return nil, false
	}
	if r.Kind != kind {
		b.fail(errors.Wrapf(ErrInvalidState, "resource %s is a %s, want %s", id, r.Kind, kind))
		return nil, false
	}
	return r, true
}

// access runs every use through the tracker and records the barriers the
// uses need ahead of the command that performs them.
func (b *Buffer) access(uses ...use) bool {
	merged := make([]use, 0, len(uses))
	index := make(map[gpucore.ResourceID]int, len(uses))
	for _, u := range uses {
		if i, ok := index[u.id]; ok {
			merged[i].usage |= u.usage
			continue
		}
		index[u.id] = len(merged)
		merged = append(merged, u)
	}

	var specs []gpucore.BarrierSpec
	for _, u := range merged {
		r, err := b.cfg.Resolver.Resource(u.id)
		if err != nil {
			b.fail(err)
			return false
		}
		if !u.anyKind && r.Kind != u.kind {
			b.fail(errors.Wrapf(ErrInvalidState, "resource %s is a %s, want %s", u.id, r.Kind, u.kind))
			return false
		}
		if !r.Allowed.Contains(u.usage) {
			b.fail(errors.Wrapf(ErrUsage, "%s %q used as %s, allowed %s", r.Kind, r.Label, u.usage, r.Allowed))
			return false
		}
		b.refs[u.id] = struct{}{}
		if spec, ok := b.tracker.Transition(u.id, r.Kind, u.usage); ok {
			specs = append(specs, spec)
		}
	}
	if len(specs) == 0 {
		return true
	}
	if b.inPass {
		b.fail(errors.Wrapf(ErrInvalidState, "%s needs a barrier inside a render pass", specs[0]))
		return false
	}
	b.unbindHazards(specs)
	b.append(BarrierCommand{Specs: specs})
	return true
}

// unbindHazards clears unordered registers still holding resources that are
// about to be accessed another way. Only the flat binding model needs it.
func (b *Buffer) unbindHazards(specs []gpucore.BarrierSpec) {
	if b.cfg.Translator.Model() != binding.ModelFlat {
		return
	}
	for _, spec := range specs {
		slots, ok := b.uav[spec.Resource]
		// Another unordered access keeps using the register.
		if !ok || !spec.SrcUsage.Contains(gpucore.UsageShaderWrite) || spec.DstUsage.Contains(gpucore.UsageShaderWrite) {
			continue
		}
		for _, s := range slots {
			b.append(UnbindCommand{Resource: spec.Resource, Stages: s.stages, Class: gpucore.RegisterUnordered, Register: s.reg})
			if int(s.set) < len(b.bound) && b.bound[s.set] != nil {
				b.bound[s.set].dirty = true
			}
		}
		delete(b.uav, spec.Resource)
	}
}

func checkRange(what string, r *state.Resource, offset, size uint64) error {
	if size == 0 || offset+size < offset || offset+size > r.Size {
		return errors.Wrapf(ErrOutOfBounds, "%s [%d, +%d) of buffer %q size %d", what, offset, size, r.Label, r.Size)
	}
	return nil
}

func checkImageCopy(buf, img *state.Resource, c gpucore.BufferImageCopy) error {
	bpt, ok := gpucore.BytesPerTexel(img.Format)
	if !ok {
		return errors.Wrapf(ErrInvalidState, "image %q format %v cannot be copied", img.Label, img.Format)
	}
	if c.Width == 0 || c.Height == 0 || c.X+c.Width > img.Extent.Width || c.Y+c.Height > img.Extent.Height {
		return errors.Wrapf(ErrOutOfBounds, "region %dx%d at (%d,%d) of image %q %dx%d",
			c.Width, c.Height, c.X, c.Y, img.Label, img.Extent.Width, img.Extent.Height)
	}
	pitch := c.RowPitch(bpt)
	if pitch < c.Width*bpt {
		return errors.Wrapf(ErrOutOfBounds, "bytes per row %d below row size %d", pitch, c.Width*bpt)
	}
	need := uint64(pitch)*uint64(c.Height-1) + uint64(c.Width*bpt)
	return checkRange("image copy", buf, c.BufferOffset, need)
}

// --------------------------------------------------------------------------
// Transfer Commands
// --------------------------------------------------------------------------

// CopyBuffer copies regions from src to dst.
func (b *Buffer) CopyBuffer(src, dst gpucore.ResourceID, regions ...gpucore.BufferCopy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.recordable(CmdCopyBuffer) {
		return
	}
	if len(regions) == 0 {
		b.fail(errors.Wrap(ErrOutOfBounds, "copy without regions"))
		return
	}
	s, ok := b.resource(src, gpucore.KindBuffer)
	if !ok {
		return
	}
	d, ok := b.resource(dst, gpucore.KindBuffer)
	if !ok {
		return
	}
	for _, r := range regions {
		if err := checkRange("copy source", s, r.SrcOffset, r.Size); err != nil {
			b.fail(err)
			return
		}
		if err := checkRange("copy destination", d, r.DstOffset, r.Size); err != nil {
			b.fail(err)
			return
		}
		if src == dst && r.SrcOffset < r.DstOffset+r.Size && r.DstOffset < r.SrcOffset+r.Size {
			b.fail(errors.Wrap(ErrOutOfBounds, "overlapping copy within one buffer"))
			return
		}
	}
	if !b.access(use{id: src, usage: gpucore.UsageCopySrc}, use{id: dst, usage: gpucore.UsageCopyDst}) {
		return
	}
	b.append(CopyBufferCommand{Src: src, Dst: dst, Regions: append([]gpucore.BufferCopy(nil), regions...)})
}

// CopyBufferToImage copies buffer rows into an image region.
func (b *Buffer) CopyBufferToImage(src, dst gpucore.ResourceID, region gpucore.BufferImageCopy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.recordable(CmdCopyBufferToImage) {
		return
	}
	s, ok := b.resource(src, gpucore.KindBuffer)
	if !ok {
		return
	}
	d, ok := b.resource(dst, gpucore.KindImage)
	if !ok {
		return
	}
	if err := checkImageCopy(s, d, region); err != nil {
		b.fail(err)
		return
	}
	if !b.access(use{id: src, usage: gpucore.UsageCopySrc}, use{id: dst, kind: gpucore.KindImage, usage: gpucore.UsageCopyDst}) {
		return
	}
	b.append(CopyBufferToImageCommand{Src: src, Dst: dst, Region: region})
}

// CopyImageToBuffer copies an image region into buffer rows.
func (b *Buffer) CopyImageToBuffer(src, dst gpucore.ResourceID, region gpucore.BufferImageCopy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.recordable(CmdCopyImageToBuffer) {
		return
	}
	s, ok := b.resource(src, gpucore.KindImage)
	if !ok {
		return
	}
	d, ok := b.resource(dst, gpucore.KindBuffer)
	if !ok {
		return
	}
	if err := checkImageCopy(d, s, region); err != nil {
		b.fail(err)
		return
	}
	if !b.access(use{id: src, kind: gpucore.KindImage, usage: gpucore.UsageCopySrc}, use{id: dst, usage: gpucore.UsageCopyDst}) {
		return
	}
	b.append(CopyImageToBufferCommand{Src: src, Dst: dst, Region: region})
}

// FillBuffer fills [offset, offset+size) of dst with value. Offset and size
// must be multiples of 4.
func (b *Buffer) FillBuffer(dst gpucore.ResourceID, offset, size uint64, value uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.recordable(CmdFillBuffer) {
		return
	}
	d, ok := b.resource(dst, gpucore.KindBuffer)
	if !ok {
		return
	}
	if offset%4 != 0 || size%4 != 0 {
		b.fail(errors.Wrapf(ErrOutOfBounds, "fill [%d, +%d) is not 4-byte aligned", offset, size))
		return
	}
	if err := checkRange("fill", d, offset, size); err != nil {
		b.fail(err)
		return
	}
	if !b.access(use{id: dst, usage: gpucore.UsageCopyDst}) {
		return
	}
	b.append(FillBufferCommand{Dst: dst, Offset: offset, Size: size, Value: value})
}

// UpdateBuffer writes data into dst at offset. The data is copied at record time.
func (b *Buffer) UpdateBuffer(dst gpucore.ResourceID, offset uint64, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.recordable(CmdUpdateBuffer) {
		return
	}
	d, ok := b.resource(dst, gpucore.KindBuffer)
	if !ok {
		return
	}
	if err := checkRange("update", d, offset, uint64(len(data))); err != nil {
		b.fail(err)
		return
	}
	if !b.access(use{id: dst, usage: gpucore.UsageCopyDst}) {
		return
	}
	b.append(UpdateBufferCommand{Dst: dst, Offset: offset, Data: append([]byte(nil), data...)})
}

// --------------------------------------------------------------------------
// Synchronization Commands
// --------------------------------------------------------------------------

// Transition moves a resource into usage, recording a barrier when needed.
func (b *Buffer) Transition(id gpucore.ResourceID, usage gpucore.Usage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.recordable(CmdBarrier) {
		return
	}
	b.access(use{id: id, usage: usage, anyKind: true})
}

// Barrier makes every write recorded so far visible to everything after it.
func (b *Buffer) Barrier() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.recordable(CmdBarrier) {
		return
	}
	if b.inPass {
		b.fail(errors.Wrap(ErrInvalidState, "barrier inside a render pass"))
		return
	}
	var specs []gpucore.BarrierSpec
	for _, u := range b.tracker.Exit() {
		if !u.Usage.IsWrite() {
			continue
		}
		if spec, ok := state.Resolve(u.ID, u.Kind, u.Usage, u.Usage); ok {
			specs = append(specs, spec)
		}
	}
	if len(specs) == 0 {
		return
	}
	b.unbindHazards(specs)
	b.append(BarrierCommand{Specs: specs})
}

// SetEvent sets event once the submission completes.
func (b *Buffer) SetEvent(event *signal.Primitive) {
	b.eventOp(event, true)
}

// ResetEvent resets event once the submission completes.
func (b *Buffer) ResetEvent(event *signal.Primitive) {
	b.eventOp(event, false)
}

func (b *Buffer) eventOp(event *signal.Primitive, set bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	typ := CmdResetEvent
	if set {
		typ = CmdSetEvent
	}
	if !b.recordable(typ) {
		return
	}
	if event == nil || event.Kind() != signal.KindEvent {
		b.fail(errors.Wrapf(ErrInvalidState, "%s needs an event", typ))
		return
	}
	b.events = append(b.events, signal.EventOp{Event: event, Set: set})
	if set {
		b.append(SetEventCommand{Event: event})
	} else {
		b.append(ResetEventCommand{Event: event})
	}
}

// --------------------------------------------------------------------------
// Pipeline Commands
// --------------------------------------------------------------------------

// BindPipeline binds p. Binding a pipeline with a different layout unbinds
// every set.
func (b *Buffer) BindPipeline(p *Pipeline) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.recordable(CmdBindPipeline) {
		return
	}
	if p == nil {
		b.fail(errors.Wrap(ErrInvalidState, "bind nil pipeline"))
		return
	}
	if b.inPass == p.IsCompute() {
		b.fail(errors.Wrapf(ErrInvalidState, "pipeline %q cannot be bound %s a render pass", p.Label, passWord(b.inPass)))
		return
	}
	if b.pipeline == p {
		return
	}
	if b.pipeline == nil || b.pipeline.Layout != p.Layout {
		b.bound = make([]*boundSet, len(p.Layout.Sets()))
		clear(b.uav)
	}
	b.pipeline = p
	b.append(BindPipelineCommand{Pipeline: p})
}

func passWord(inPass bool) string {
	if inPass {
		return "inside"
	}
	return "outside"
}

// BindSet binds set at index of the bound pipeline layout. Re-binding the set
// already bound at index with unchanged contents is elided.
func (b *Buffer) BindSet(index uint32, set *binding.Set) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.recordable(CmdBindSet) {
		return
	}
	if b.pipeline == nil {
		b.fail(errors.Wrap(ErrInvalidState, "bind set without a pipeline"))
		return
	}
	if set == nil {
		b.fail(errors.Wrap(ErrInvalidState, "bind nil set"))
		return
	}
	if int(index) < len(b.bound) {
		if cur := b.bound[index]; cur != nil && !cur.dirty && cur.set == set && cur.version == set.Version() {
			b.stats.ElidedBinds++
			return
		}
	}
	ops, err := b.cfg.Translator.Bind(b.pipeline.Layout, index, set)
	if err != nil {
		b.fail(err)
		return
	}
	if !b.resolvable(index, ops) {
		return
	}
	if b.cfg.Translator.Model() == binding.ModelSets && set.Native == nil {
		b.fail(errors.Wrapf(ErrInvalidState, "set %d has no native descriptor set", index))
		return
	}
	version := set.Version()
	b.bound[index] = &boundSet{set: set, version: version, ops: ops}
	b.sets[set] = version
	if b.cfg.Translator.Model() == binding.ModelFlat {
		b.trackUnordered(index, ops)
	}
	b.append(BindSetCommand{Index: index, Set: set, Version: version, Ops: ops})
}

// resolvable reports whether every resource written into ops still exists.
func (b *Buffer) resolvable(index uint32, ops []binding.BindOp) bool {
	for _, op := range ops {
		for _, s := range op.Slots {
			if !s.Written {
				continue
			}
			var err error
			if s.Type == gpucore.BindingSampler {
				_, err = b.cfg.Resolver.Sampler(s.Sampler)
			} else {
				_, err = b.cfg.Resolver.Resource(s.Resource)
			}
			if err != nil {
				b.fail(errors.Wrapf(ErrInvalidState, "set %d binding %d references a destroyed object: %v", index, s.Binding, err))
				return false
			}
		}
	}
	return true
}

// rebindDirty binds again every set whose registers a hazard unbind cleared.
func (b *Buffer) rebindDirty() {
	for i, bs := range b.bound {
		if bs == nil || !bs.dirty {
			continue
		}
		bs.dirty = false
		for id, slots := range b.uav {
			kept := slots[:0]
			for _, s := range slots {
				if s.set != uint32(i) {
					kept = append(kept, s)
				}
			}
			if len(kept) == 0 {
				delete(b.uav, id)
			} else {
				b.uav[id] = kept
			}
		}
		b.trackUnordered(uint32(i), bs.ops)
		b.append(BindSetCommand{Index: uint32(i), Set: bs.set, Version: bs.version, Ops: bs.ops})
	}
}

func (b *Buffer) trackUnordered(index uint32, ops []binding.BindOp) {
	for _, op := range ops {
		if op.Class != gpucore.RegisterUnordered {
			continue
		}
		for i, s := range op.Slots {
			if !s.Written {
				continue
			}
			b.uav[s.Resource] = append(b.uav[s.Resource], uavSlot{set: index, stages: op.Stages, reg: op.Start + uint32(i)})
		}
	}
}

// usesForBound collects the resource accesses of every set bound for stages.
func (b *Buffer) usesForBound(stages gpucore.ShaderStage) ([]use, bool) {
	var uses []use
	for i, bs := range b.bound {
		if bs == nil {
			b.fail(errors.Wrapf(ErrInvalidState, "set %d of pipeline %q is not bound", i, b.pipeline.Label))
			return nil, false
		}
		for _, op := range bs.ops {
			if op.Stages&stages == 0 {
				continue
			}
			for _, s := range op.Slots {
				if !s.Written {
					b.fail(errors.Wrapf(ErrInvalidState, "set %d binding %d element %d was never written", i, s.Binding, s.Element))
					return nil, false
				}
				if s.Type == gpucore.BindingSampler {
					if _, err := b.cfg.Resolver.Sampler(s.Sampler); err != nil {
						b.fail(errors.Wrapf(ErrInvalidState, "set %d binding %d: sampler destroyed: %v", i, s.Binding, err))
						return nil, false
					}
					continue
				}
				if _, err := b.cfg.Resolver.Resource(s.Resource); err != nil {
					b.fail(errors.Wrapf(ErrInvalidState, "set %d binding %d references destroyed resource %s: %v", i, s.Binding, s.Resource, err))
					return nil, false
				}
				kind := gpucore.KindBuffer
				if s.Type.IsImage() {
					kind = gpucore.KindImage
				}
				uses = append(uses, use{id: s.Resource, kind: kind, usage: s.Type.Usage()})
			}
		}
	}
	return uses, true
}

// Dispatch dispatches compute workgroups with the bound pipeline and sets.
func (b *Buffer) Dispatch(x, y, z uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.recordable(CmdDispatch) {
		return
	}
	if b.pipeline == nil || !b.pipeline.IsCompute() || b.inPass {
		b.fail(errors.Wrap(ErrInvalidState, "dispatch needs a compute pipeline outside a render pass"))
		return
	}
	uses, ok := b.usesForBound(gpucore.ShaderCompute)
	if !ok || !b.access(uses...) {
		return
	}
	b.rebindDirty()
	b.append(DispatchCommand{X: x, Y: y, Z: z})
}

// BeginRenderPass starts rendering to targets, clearing them when clearColor is set.
func (b *Buffer) BeginRenderPass(targets []gpucore.ResourceID, clearColor *gpucore.Color) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.recordable(CmdBeginRenderPass) {
		return
	}
	if b.inPass || len(targets) == 0 {
		b.fail(errors.Wrap(ErrInvalidState, "render pass needs targets and no open pass"))
		return
	}
	uses := make([]use, len(targets))
	for i, id := range targets {
		uses[i] = use{id: id, kind: gpucore.KindImage, usage: gpucore.UsageColorTarget}
	}
	if !b.access(uses...) {
		return
	}
	cmd := BeginRenderPassCommand{Targets: append([]gpucore.ResourceID(nil), targets...)}
	if clearColor != nil {
		c := *clearColor
		cmd.Clear = &c
	}
	b.inPass = true
	if b.pipeline != nil && b.pipeline.IsCompute() {
		b.pipeline = nil
		b.bound = nil
	}
	b.append(cmd)
}

// EndRenderPass ends the open render pass.
func (b *Buffer) EndRenderPass() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.recordable(CmdEndRenderPass) {
		return
	}
	if !b.inPass {
		b.fail(errors.Wrap(ErrInvalidState, "end render pass without begin"))
		return
	}
	b.inPass = false
	b.pipeline = nil
	b.bound = nil
	b.append(EndRenderPassCommand{})
}

// Draw draws with the bound render pipeline inside a render pass.
func (b *Buffer) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.recordable(CmdDraw) {
		return
	}
	if b.pipeline == nil || b.pipeline.IsCompute() || !b.inPass {
		b.fail(errors.Wrap(ErrInvalidState, "draw needs a render pipeline inside a render pass"))
		return
	}
	uses, ok := b.usesForBound(gpucore.ShaderGraphics)
	if !ok || !b.access(uses...) {
		return
	}
	b.rebindDirty()
	b.append(DrawCommand{VertexCount: vertexCount, InstanceCount: instanceCount, FirstVertex: firstVertex, FirstInstance: firstInstance})
}
