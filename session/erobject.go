package session

import (
	"github.com/linchenxuan/openplay/metrics"
	"github.com/linchenxuan/openplay/utils/lifo"
)

// Buffer is the storage behind one message.
type Buffer interface {
	Bytes() []byte
	// Fixed reports whether the buffer is a recyclable standard-size buffer.
	Fixed() bool
}

// FixedBuffer is a standard-size buffer that cycles through the free queue.
type FixedBuffer struct{ b []byte }

func newFixedBuffer(size int) *FixedBuffer { return &FixedBuffer{b: make([]byte, size)} }

func (f *FixedBuffer) Bytes() []byte { return f.b }
func (f *FixedBuffer) Fixed() bool   { return true }

// DynamicBuffer holds one oversized message and is dropped after use.
type DynamicBuffer struct{ b []byte }

func (d *DynamicBuffer) Bytes() []byte { return d.b }
func (d *DynamicBuffer) Fixed() bool   { return false }

// ERObject wraps one inbound message on its way to the event queue. A wrapper
// without a buffer waits in the cookie queue.
type ERObject struct {
	node     *lifo.Node[*ERObject]
	buf      Buffer
	length   int
	received uint32
	peer     *peer
	// registered is set for messages that arrived on the reliable stream.
	registered bool
}

// MaxLen is the capacity of the attached buffer.
func (e *ERObject) MaxLen() int {
	if e.buf == nil {
		return 0
	}
	return len(e.buf.Bytes())
}

// Len is the length of the message held.
func (e *ERObject) Len() int { return e.length }

// Received is the local timestamp of arrival.
func (e *ERObject) Received() uint32 { return e.received }

func (e *ERObject) bytes() []byte { return e.buf.Bytes()[:e.length] }

func (e *ERObject) clear() {
	e.length = 0
	e.received = 0
	e.peer = nil
	e.registered = false
}

// queues owns the free, cookie and event queues of one game. Every ERObject
// is on exactly one of them or held by the code currently handling it.
type queues struct {
	standard int
	growth   int

	free   lifo.Queue[*ERObject]
	cookie lifo.Queue[*ERObject]
	event  lifo.Queue[*ERObject]
}

func newQueues(standard, growth int) *queues {
	q := &queues{standard: standard, growth: growth}
	q.grow(true)
	q.report()
	return q
}

func (q *queues) grow(free bool) {
	name := "cookie"
	for i := 0; i < q.growth; i++ {
		e := &ERObject{}
		e.node = lifo.NewNode(e)
		if free {
			e.buf = newFixedBuffer(q.standard)
			q.free.Enqueue(e.node)
		} else {
			q.cookie.Enqueue(e.node)
		}
	}
	if free {
		name = "free"
	}
	metrics.IncrCounterWithDimGroup(metrics.NameSessionQueueGrowTotal, metrics.GroupNetSprocket, 1,
		metrics.Dimension{metrics.DimQueue: name})
}

func (q *queues) report() {
	for name, n := range map[string]int{"free": q.free.Len(), "cookie": q.cookie.Len(), "event": q.event.Len()} {
		metrics.UpdateGaugeWithDimGroup(metrics.NameSessionQueueLen, metrics.GroupNetSprocket, metrics.Value(n),
			metrics.Dimension{metrics.DimQueue: name})
	}
}

// getFree returns a wrapper able to hold size bytes. Standard sizes come off
// the free queue; larger ones get a cookie wrapper and a dedicated buffer.
func (q *queues) getFree(size int) *ERObject {
	if size > q.standard {
		e := q.getCookie()
		e.buf = &DynamicBuffer{b: make([]byte, size)}
		e.length = size
		return e
	}
	for {
		if n := q.free.Dequeue(); n != nil {
			n.Value.length = size
			return n.Value
		}
		q.grow(true)
	}
}

// getCookie returns an empty wrapper.
func (q *queues) getCookie() *ERObject {
	for {
		if n := q.cookie.Dequeue(); n != nil {
			return n.Value
		}
		q.grow(false)
	}
}

// release hands e back after use. Standard buffers stay attached.
func (q *queues) release(e *ERObject) {
	e.clear()
	if e.buf != nil && e.buf.Fixed() {
		q.free.Enqueue(e.node)
		return
	}
	e.buf = nil
	q.cookie.Enqueue(e.node)
}

// extract detaches the buffer of e for the consumer and parks e in the
// cookie queue.
func (q *queues) extract(e *ERObject) Buffer {
	buf := e.buf
	e.buf = nil
	e.clear()
	q.cookie.Enqueue(e.node)
	return buf
}

// freeMessage takes a consumed buffer back. A standard buffer is paired with
// a cookie wrapper and returns to the free queue; an oversized one is dropped.
func (q *queues) freeMessage(buf Buffer) {
	if buf == nil || !buf.Fixed() {
		return
	}
	e := q.getCookie()
	e.buf = buf
	q.free.Enqueue(e.node)
}
