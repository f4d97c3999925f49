package gpucore

import (
	"fmt"
	"strings"
)

// Usage is a bit set describing how a command accesses a resource.
type Usage uint32

const (
	// UsageNone means the resource has not been touched.
	UsageNone Usage = 0

	UsageCopySrc Usage = 1 << (iota - 1)
	UsageCopyDst
	UsageVertex
	UsageIndex
	UsageIndirect
	UsageUniform
	UsageShaderRead
	UsageShaderWrite
	UsageColorTarget
	UsageDepthRead
	UsageDepthWrite
	UsageHostRead
	UsageHostWrite
	UsagePresent
)

// WriteUsages is the set of usage bits that modify resource contents.
const WriteUsages = UsageCopyDst | UsageShaderWrite | UsageColorTarget | UsageDepthWrite | UsageHostWrite

var usageNames = []struct {
	bit  Usage
	name string
}{
	{UsageCopySrc, "copy-src"},
	{UsageCopyDst, "copy-dst"},
	{UsageVertex, "vertex"},
	{UsageIndex, "index"},
	{UsageIndirect, "indirect"},
	{UsageUniform, "uniform"},
	{UsageShaderRead, "shader-read"},
	{UsageShaderWrite, "shader-write"},
	{UsageColorTarget, "color-target"},
	{UsageDepthRead, "depth-read"},
	{UsageDepthWrite, "depth-write"},
	{UsageHostRead, "host-read"},
	{UsageHostWrite, "host-write"},
	{UsagePresent, "present"},
}

// IsWrite reports whether any write bit is set.
func (u Usage) IsWrite() bool { return u&WriteUsages != 0 }

// IsReadOnly reports whether u is a non-empty read-only usage.
func (u Usage) IsReadOnly() bool { return u != UsageNone && !u.IsWrite() }

// Contains reports whether all bits of o are set in u.
func (u Usage) Contains(o Usage) bool { return u&o == o }

func (u Usage) String() string {
	if u == UsageNone {
		return "none"
	}
	var parts []string
	for _, n := range usageNames {
		if u&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Stages returns the pipeline stages that perform the accesses in u.
// Shader accesses are attributed to every shader stage.
func (u Usage) Stages() Stage {
	var s Stage
	if u&(UsageCopySrc|UsageCopyDst) != 0 {
		s |= StageTransfer
	}
	if u&(UsageVertex|UsageIndex|UsageIndirect) != 0 {
		s |= StageVertexInput
	}
	if u&(UsageUniform|UsageShaderRead|UsageShaderWrite) != 0 {
		s |= StageVertexShader | StageFragmentShader | StageComputeShader
	}
	if u&UsageColorTarget != 0 {
		s |= StageColorOutput
	}
	if u&(UsageDepthRead|UsageDepthWrite) != 0 {
		s |= StageDepth
	}
	if u&(UsageHostRead|UsageHostWrite) != 0 {
		s |= StageHost
	}
	if u&UsagePresent != 0 {
		s |= StageBottom
	}
	return s
}

// Stage is a bit set of pipeline stages.
type Stage uint16

const (
	StageTop Stage = 1 << iota
	StageHost
	StageTransfer
	StageVertexInput
	StageVertexShader
	StageFragmentShader
	StageComputeShader
	StageColorOutput
	StageDepth
	StageBottom
)

// Layout is the memory layout an image is kept in.
type Layout uint8

const (
	LayoutUndefined Layout = iota
	LayoutGeneral
	LayoutTransferSrc
	LayoutTransferDst
	LayoutShaderReadOnly
	LayoutColorAttachment
	LayoutDepthAttachment
	LayoutDepthReadOnly
	LayoutPresent
)

var layoutNames = [...]string{
	LayoutUndefined:       "undefined",
	LayoutGeneral:         "general",
	LayoutTransferSrc:     "transfer-src",
	LayoutTransferDst:     "transfer-dst",
	LayoutShaderReadOnly:  "shader-read-only",
	LayoutColorAttachment: "color-attachment",
	LayoutDepthAttachment: "depth-attachment",
	LayoutDepthReadOnly:   "depth-read-only",
	LayoutPresent:         "present",
}

func (l Layout) String() string {
	if int(l) < len(layoutNames) {
		return layoutNames[l]
	}
	return fmt.Sprintf("Layout(%d)", l)
}

// LayoutFor returns the image layout that satisfies every access in u.
// Combinations without a dedicated layout fall back to LayoutGeneral.
func LayoutFor(u Usage) Layout {
	switch u {
	case UsageNone:
		return LayoutUndefined
	case UsageCopySrc:
		return LayoutTransferSrc
	case UsageCopyDst:
		return LayoutTransferDst
	case UsageShaderRead:
		return LayoutShaderReadOnly
	case UsageColorTarget:
		return LayoutColorAttachment
	case UsageDepthWrite, UsageDepthRead | UsageDepthWrite:
		return LayoutDepthAttachment
	case UsageDepthRead, UsageDepthRead | UsageShaderRead:
		return LayoutDepthReadOnly
	case UsagePresent:
		return LayoutPresent
	default:
		return LayoutGeneral
	}
}

// Hazard classifies the dependency a barrier resolves.
type Hazard uint8

const (
	HazardNone Hazard = iota
	HazardReadAfterWrite
	HazardWriteAfterRead
	HazardWriteAfterWrite
	// HazardLayout is a read-after-read dependency that still needs an image layout change.
	HazardLayout
)

var hazardNames = [...]string{
	HazardNone:            "none",
	HazardReadAfterWrite:  "RAW",
	HazardWriteAfterRead:  "WAR",
	HazardWriteAfterWrite: "WAW",
	HazardLayout:          "layout",
}

func (h Hazard) String() string {
	if int(h) < len(hazardNames) {
		return hazardNames[h]
	}
	return fmt.Sprintf("Hazard(%d)", h)
}

// BarrierSpec describes one hazard-resolving operation on a resource.
// It is a description only; backends translate it into native calls.
type BarrierSpec struct {
	Resource  ResourceID
	Kind      ResourceKind
	Hazard    Hazard
	SrcUsage  Usage
	DstUsage  Usage
	SrcStages Stage
	DstStages Stage
	// OldLayout and NewLayout are meaningful for images only.
	OldLayout Layout
	NewLayout Layout
}

// LayoutChange reports whether the barrier transitions an image layout.
func (b BarrierSpec) LayoutChange() bool {
	return b.Kind == KindImage && b.OldLayout != b.NewLayout
}

func (b BarrierSpec) String() string {
	s := fmt.Sprintf("%s %s %s: %s -> %s", b.Kind, b.Resource, b.Hazard, b.SrcUsage, b.DstUsage)
	if b.LayoutChange() {
		s += fmt.Sprintf(" (%s -> %s)", b.OldLayout, b.NewLayout)
	}
	return s
}
