// Package lifo provides a lock-protected singly-linked stack that can be shared
// between transport callback goroutines and the application's own goroutine.
//
// Producers push nodes with Enqueue. A consumer either pops one node at a time
// with Dequeue, or detaches everything accumulated so far with StealList and
// walks it without holding the lock. Nodes come off the stack newest first;
// Reverse turns a detached list back into arrival order.
package lifo

import (
	"sync"
	"sync/atomic"
)

// Node is a single link in a Queue. A node must belong to at most one queue
// (or one detached list) at a time.
type Node[T any] struct {
	next  *Node[T]
	Value T
}

// NewNode returns a detached node carrying v.
func NewNode[T any](v T) *Node[T] {
	return &Node[T]{Value: v}
}

// Next returns the following node of a detached list, or nil at the tail.
func (n *Node[T]) Next() *Node[T] {
	return n.next
}

// Queue is the stack itself. The zero value is an empty queue ready for use.
type Queue[T any] struct {
	mu   sync.Mutex
	head *Node[T]
	size atomic.Int64
}

// Enqueue pushes n onto the head of the queue.
func (q *Queue[T]) Enqueue(n *Node[T]) {
	if n == nil {
		return
	}
	q.mu.Lock()
	n.next = q.head
	q.head = n
	q.size.Add(1)
	q.mu.Unlock()
}

// Dequeue pops the head node, or returns nil when the queue is empty.
func (q *Queue[T]) Dequeue() *Node[T] {
	q.mu.Lock()
	n := q.head
	if n != nil {
		q.head = n.next
		n.next = nil
		q.size.Add(-1)
	}
	q.mu.Unlock()
	return n
}

// StealList detaches every node at once and leaves the queue empty. The
// returned list is newest first.
func (q *Queue[T]) StealList() *Node[T] {
	q.mu.Lock()
	head := q.head
	q.head = nil
	q.size.Store(0)
	q.mu.Unlock()
	return head
}

// IsEmpty reports whether the queue holds no nodes.
func (q *Queue[T]) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head == nil
}

// Len returns the number of queued nodes. It is a snapshot and may be stale by
// the time the caller looks at it.
func (q *Queue[T]) Len() int {
	return int(q.size.Load())
}

// Reverse flips the link order of a detached list and returns the new head.
// It runs in constant stack space regardless of list length.
func Reverse[T any](head *Node[T]) *Node[T] {
	var prev *Node[T]
	for head != nil {
		next := head.next
		head.next = prev
		prev = head
		head = next
	}
	return prev
}

// Count walks a detached list and returns its length.
func Count[T any](head *Node[T]) int {
	n := 0
	for ; head != nil; head = head.next {
		n++
	}
	return n
}

// Unlink splits the first node off a detached list. The returned node has no
// successor and can be enqueued elsewhere.
func Unlink[T any](head *Node[T]) (first, rest *Node[T]) {
	if head == nil {
		return nil, nil
	}
	rest = head.next
	head.next = nil
	return head, rest
}
