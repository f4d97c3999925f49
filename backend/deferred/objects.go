package deferred

import (
	"sync"

	"github.com/gogpu/gfxbridge/backend/host"
	"github.com/gogpu/gfxbridge/gpucore"
)

type buffer struct {
	label string
	size  uint64
	usage gpucore.Usage
	data  []byte
	freed bool
}

func (b *buffer) rangeOf(offset, size uint64) ([]byte, bool) {
	if size == 0 {
		if offset > b.size {
			return nil, false
		}
		size = b.size - offset
	}
	if offset+size > b.size || offset+size < offset {
		return nil, false
	}
	return b.data[offset : offset+size], true
}

type image struct {
	label string
	usage gpucore.Usage
	img   host.Image
	freed bool
}

type sampler struct {
	label  string
	linear bool
}

type shaderModule struct {
	label string
}

type pipeline struct {
	label   string
	compute bool
	entry   string
}

// query is an event query. It is armed when End is recorded and reports done
// once the queue reaches that End.
type query struct {
	mu   sync.Mutex
	gen  uint64
	done bool
}

func (q *query) arm() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.gen++
	q.done = false
	return q.gen
}

func (q *query) reach(gen uint64) {
	q.mu.Lock()
	if q.gen == gen {
		q.done = true
	}
	q.mu.Unlock()
}

func (q *query) isDone() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done
}

type commandList struct {
	calls    []call
	released bool
}

// regKey addresses one register of one shader stage.
type regKey struct {
	stage gpucore.ShaderStage
	class gpucore.RegisterClass
	reg   uint32
}
