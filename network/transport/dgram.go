package transport

import "sync"

// DatagramQueue buffers inbound datagrams until the application reads them.
type DatagramQueue struct {
	mu    sync.Mutex
	items [][]byte
	max   int
}

// NewDatagramQueue returns a queue holding at most max datagrams.
func NewDatagramQueue(max int) *DatagramQueue {
	return &DatagramQueue{max: max}
}

// Push appends d and reports whether it was kept and whether the queue was
// empty before, which is when a DatagramData event is due.
func (q *DatagramQueue) Push(d []byte) (kept, wasEmpty bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.max > 0 && len(q.items) >= q.max {
		return false, false
	}
	wasEmpty = len(q.items) == 0
	q.items = append(q.items, d)
	return true, wasEmpty
}

// Pop removes the oldest datagram.
func (q *DatagramQueue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	d := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return d, true
}

// Len returns the number of queued datagrams.
func (q *DatagramQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
