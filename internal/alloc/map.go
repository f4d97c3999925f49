package alloc

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// WriteDetailedMap writes one JSON object per heap into json, keyed by heap id.
// Each heap lists its ranges in offset order.
func (p *Pool) WriteDetailedMap(json jwriter.ObjectState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, h := range p.heaps {
		heapObj := json.Name(strconv.FormatUint(h.id, 10)).Object()

		heapObj.Name("Class").String(h.class.String())
		heapObj.Name("Explicit").Bool(h.explicit)
		heapObj.Name("Size").Int(int(h.ranges.Size()))
		heapObj.Name("Used").Int(int(h.ranges.UsedBytes()))
		heapObj.Name("Allocations").Int(h.ranges.LiveCount())
		heapObj.Name("FreeSpans").Int(h.ranges.FreeSpans())

		writeRanges(h.ranges, heapObj)

		heapObj.End()
	}
}

func writeRanges(ranges *RangeAllocator, json jwriter.ObjectState) {
	arrayState := json.Name("Ranges").Array()
	defer arrayState.End()

	ranges.Visit(func(r Range, free bool) {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(int(r.Offset))
		obj.Name("Size").Int(int(r.Size))
		if free {
			obj.Name("Type").String("FREE")
		} else {
			obj.Name("Type").String("USED")
		}
	})
}

// DetailedMapJSON renders WriteDetailedMap as a standalone JSON document.
func (p *Pool) DetailedMapJSON() ([]byte, error) {
	w := jwriter.NewWriter()
	root := w.Object()
	root.Name("PreferredHeapSize").Int(int(p.preferred))
	heaps := root.Name("Heaps").Object()
	p.WriteDetailedMap(heaps)
	heaps.End()
	root.End()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}
