package state

import (
	"testing"

	"github.com/gogpu/gfxbridge/gpucore"
)

var (
	bufID = gpucore.MakeResourceID(1, 1)
	imgID = gpucore.MakeResourceID(2, 1)
)

func TestTracker_WriteReadRead(t *testing.T) {
	for _, kind := range []gpucore.ResourceKind{gpucore.KindBuffer, gpucore.KindImage} {
		t.Run(kind.String(), func(t *testing.T) {
			tr := NewTracker()
			seq := []gpucore.Usage{gpucore.UsageCopyDst, gpucore.UsageShaderRead, gpucore.UsageShaderRead}

			var barriers []gpucore.BarrierSpec
			for _, u := range seq {
				if b, ok := tr.Transition(bufID, kind, u); ok {
					barriers = append(barriers, b)
				}
			}
			if len(barriers) != 1 {
				t.Fatalf("got %d barriers, want 1: %v", len(barriers), barriers)
			}
			b := barriers[0]
			if b.Hazard != gpucore.HazardReadAfterWrite {
				t.Errorf("Hazard = %s, want RAW", b.Hazard)
			}
			if b.SrcUsage != gpucore.UsageCopyDst || b.DstUsage != gpucore.UsageShaderRead {
				t.Errorf("barrier %s -> %s, want copy-dst -> shader-read", b.SrcUsage, b.DstUsage)
			}
		})
	}
}

func TestTracker_Hazards(t *testing.T) {
	tests := []struct {
		name   string
		kind   gpucore.ResourceKind
		prev   gpucore.Usage
		next   gpucore.Usage
		want   bool
		hazard gpucore.Hazard
	}{
		{"RAW", gpucore.KindBuffer, gpucore.UsageCopyDst, gpucore.UsageCopySrc, true, gpucore.HazardReadAfterWrite},
		{"WAR", gpucore.KindBuffer, gpucore.UsageCopySrc, gpucore.UsageCopyDst, true, gpucore.HazardWriteAfterRead},
		{"WAW same usage", gpucore.KindBuffer, gpucore.UsageCopyDst, gpucore.UsageCopyDst, true, gpucore.HazardWriteAfterWrite},
		{"WAW storage", gpucore.KindBuffer, gpucore.UsageShaderWrite, gpucore.UsageShaderRead | gpucore.UsageShaderWrite, true, gpucore.HazardWriteAfterWrite},
		{"RAR buffer", gpucore.KindBuffer, gpucore.UsageCopySrc, gpucore.UsageUniform, false, gpucore.HazardNone},
		{"RAR identical", gpucore.KindBuffer, gpucore.UsageUniform, gpucore.UsageUniform, false, gpucore.HazardNone},
		{"RAR image same layout", gpucore.KindImage, gpucore.UsageShaderRead, gpucore.UsageShaderRead, false, gpucore.HazardNone},
		{"RAR image layout change", gpucore.KindImage, gpucore.UsageShaderRead, gpucore.UsageCopySrc, true, gpucore.HazardLayout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker()
			if _, ok := tr.Transition(imgID, tt.kind, tt.prev); ok {
				t.Fatal("first use must not barrier")
			}
			b, ok := tr.Transition(imgID, tt.kind, tt.next)
			if ok != tt.want {
				t.Fatalf("barrier = %v, want %v", ok, tt.want)
			}
			if ok && b.Hazard != tt.hazard {
				t.Errorf("Hazard = %s, want %s", b.Hazard, tt.hazard)
			}
		})
	}
}

func TestTracker_ReadsMerge(t *testing.T) {
	tr := NewTracker()
	tr.Transition(bufID, gpucore.KindBuffer, gpucore.UsageCopySrc)
	tr.Transition(bufID, gpucore.KindBuffer, gpucore.UsageUniform)

	cur, ok := tr.Current(bufID)
	if !ok || cur != gpucore.UsageCopySrc|gpucore.UsageUniform {
		t.Fatalf("Current = %s, want copy-src|uniform", cur)
	}

	b, ok := tr.Transition(bufID, gpucore.KindBuffer, gpucore.UsageCopyDst)
	if !ok {
		t.Fatal("write after merged reads must barrier")
	}
	if b.SrcUsage != gpucore.UsageCopySrc|gpucore.UsageUniform {
		t.Errorf("SrcUsage = %s, want merged reads", b.SrcUsage)
	}
	if b.SrcStages&gpucore.StageTransfer == 0 || b.SrcStages&gpucore.StageComputeShader == 0 {
		t.Errorf("SrcStages = %#x, want transfer and shader stages", b.SrcStages)
	}
}

func TestTracker_EntryExit(t *testing.T) {
	tr := NewTracker()
	tr.Transition(bufID, gpucore.KindBuffer, gpucore.UsageCopySrc)
	tr.Transition(imgID, gpucore.KindImage, gpucore.UsageCopyDst)
	tr.Transition(imgID, gpucore.KindImage, gpucore.UsageShaderRead)

	entry := tr.Entry()
	exit := tr.Exit()
	if len(entry) != 2 || len(exit) != 2 {
		t.Fatalf("entry=%d exit=%d, want 2 each", len(entry), len(exit))
	}
	if entry[1].ID != imgID || entry[1].Usage != gpucore.UsageCopyDst {
		t.Errorf("entry[1] = %+v, want image copy-dst", entry[1])
	}
	if exit[1].Usage != gpucore.UsageShaderRead {
		t.Errorf("exit[1].Usage = %s, want shader-read", exit[1].Usage)
	}

	tr.Reset()
	if tr.Len() != 0 {
		t.Errorf("Len after Reset = %d", tr.Len())
	}
}

func TestResolve_SubmissionPatch(t *testing.T) {
	// A fresh image needs a layout transition before its first use.
	b, ok := Resolve(imgID, gpucore.KindImage, gpucore.UsageNone, gpucore.UsageCopyDst)
	if !ok || b.OldLayout != gpucore.LayoutUndefined || b.NewLayout != gpucore.LayoutTransferDst {
		t.Errorf("fresh image patch = (%v, %s), want undefined -> transfer-dst", ok, b)
	}
	// A fresh buffer needs nothing.
	if _, ok := Resolve(bufID, gpucore.KindBuffer, gpucore.UsageNone, gpucore.UsageCopyDst); ok {
		t.Error("fresh buffer should not need a patch barrier")
	}
	// A buffer written by the previous submission and read by the next one.
	b, ok = Resolve(bufID, gpucore.KindBuffer, gpucore.UsageCopyDst, gpucore.UsageCopySrc)
	if !ok || b.Hazard != gpucore.HazardReadAfterWrite {
		t.Errorf("cross-buffer patch = (%v, %s), want RAW", ok, b)
	}
}

func TestTracker_ImageReadLayouts(t *testing.T) {
	tr := NewTracker()
	tr.Transition(imgID, gpucore.KindImage, gpucore.UsageCopySrc)

	b, ok := tr.Transition(imgID, gpucore.KindImage, gpucore.UsageShaderRead)
	if !ok || b.Hazard != gpucore.HazardLayout {
		t.Fatalf("copy-src -> shader-read = (%v, %s), want layout barrier", ok, b)
	}
	if b.OldLayout != gpucore.LayoutTransferSrc || b.NewLayout != gpucore.LayoutShaderReadOnly {
		t.Errorf("layouts %s -> %s, want transfer-src -> shader-read-only", b.OldLayout, b.NewLayout)
	}
	if cur, _ := tr.Current(imgID); cur != gpucore.UsageShaderRead {
		t.Errorf("Current = %s, want shader-read", cur)
	}

	b, ok = tr.Transition(imgID, gpucore.KindImage, gpucore.UsageCopyDst)
	if !ok || b.Hazard != gpucore.HazardWriteAfterRead {
		t.Fatalf("write after read = (%v, %s), want WAR", ok, b)
	}
	if b.SrcStages&gpucore.StageComputeShader == 0 {
		t.Errorf("SrcStages = %#x, want shader stages", b.SrcStages)
	}
}

func TestTracker_ImageReadsMerge(t *testing.T) {
	tr := NewTracker()
	tr.Transition(imgID, gpucore.KindImage, gpucore.UsageDepthRead)
	if _, ok := tr.Transition(imgID, gpucore.KindImage, gpucore.UsageDepthRead|gpucore.UsageShaderRead); ok {
		t.Fatal("reads sharing a layout must not barrier")
	}
	cur, _ := tr.Current(imgID)
	if cur != gpucore.UsageDepthRead|gpucore.UsageShaderRead {
		t.Fatalf("Current = %s, want depth-read|shader-read", cur)
	}

	b, ok := tr.Transition(imgID, gpucore.KindImage, gpucore.UsageDepthWrite)
	if !ok {
		t.Fatal("write after merged reads must barrier")
	}
	if b.SrcStages&gpucore.StageDepth == 0 || b.SrcStages&gpucore.StageFragmentShader == 0 {
		t.Errorf("SrcStages = %#x, want depth and shader stages", b.SrcStages)
	}
}
