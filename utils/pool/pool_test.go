package pool

import (
	"sync"
	"testing"

	"github.com/linchenxuan/openplay/metrics"
	"github.com/stretchr/testify/assert"
)

type countingReporter struct {
	mu    sync.Mutex
	count map[string]float64
}

func (r *countingReporter) Report(rec metrics.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.Name == metrics.NamePoolCreateTotal {
		r.count[rec.Dimensions[metrics.DimPoolName]] += float64(rec.Value)
	}
}

func TestPool(t *testing.T) {
	rep := &countingReporter{count: map[string]float64{}}
	metrics.AddReporter(rep)
	defer metrics.RemoveReporter(rep)

	t.Run("GetAllocatesWhenEmpty", func(t *testing.T) {
		p := NewPool("test_pool_alloc", func() *int { v := 7; return &v })
		v := p.Get()
		assert.Equal(t, 7, *v)
		rep.mu.Lock()
		assert.GreaterOrEqual(t, rep.count["test_pool_alloc"], float64(1))
		rep.mu.Unlock()
	})

	t.Run("BufferCapacity", func(t *testing.T) {
		bp := NewBufferPool("test_buffers", 64, 0)
		b := bp.Get(16)
		assert.Equal(t, 0, len(b))
		assert.GreaterOrEqual(t, cap(b), 16)
		bp.Put(append(b, 1, 2, 3))

		big := bp.Get(1024)
		assert.GreaterOrEqual(t, cap(big), 1024)
		// oversize buffers are not recycled
		bp.Put(big)
	})
}
