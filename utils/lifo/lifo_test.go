package lifo

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildList(n int) *Node[int] {
	var head *Node[int]
	for i := n - 1; i >= 0; i-- {
		node := NewNode(i)
		node.next = head
		head = node
	}
	return head
}

func TestQueueBasic(t *testing.T) {
	t.Run("EmptyQueue", func(t *testing.T) {
		var q Queue[int]
		assert.True(t, q.IsEmpty())
		assert.Nil(t, q.Dequeue())
		assert.Nil(t, q.StealList())
		assert.Equal(t, 0, q.Len())
	})

	t.Run("PushPopIsLastInFirstOut", func(t *testing.T) {
		var q Queue[int]
		for i := 1; i <= 3; i++ {
			q.Enqueue(NewNode(i))
		}
		assert.False(t, q.IsEmpty())
		assert.Equal(t, 3, q.Len())

		for _, want := range []int{3, 2, 1} {
			n := q.Dequeue()
			require.NotNil(t, n)
			assert.Equal(t, want, n.Value)
			assert.Nil(t, n.Next(), "dequeued node must be detached")
		}
		assert.True(t, q.IsEmpty())
	})

	t.Run("EnqueueNilIsIgnored", func(t *testing.T) {
		var q Queue[int]
		q.Enqueue(nil)
		assert.True(t, q.IsEmpty())
	})

	t.Run("StealListEmptiesQueue", func(t *testing.T) {
		var q Queue[int]
		for i := 1; i <= 4; i++ {
			q.Enqueue(NewNode(i))
		}
		head := q.StealList()
		assert.True(t, q.IsEmpty())
		assert.Equal(t, 0, q.Len())
		assert.Equal(t, 4, Count(head))
		assert.Equal(t, 4, head.Value)

		fifo := Reverse(head)
		var got []int
		for n := fifo; n != nil; n = n.Next() {
			got = append(got, n.Value)
		}
		assert.Equal(t, []int{1, 2, 3, 4}, got)
	})
}

func TestReverse(t *testing.T) {
	for _, n := range []int{0, 1, 2, 1000, 200000} {
		head := Reverse(buildList(n))
		assert.Equal(t, n, Count(head))

		want := n - 1
		for node := head; node != nil; node = node.Next() {
			if node.Value != want {
				t.Fatalf("n=%d: got %d want %d", n, node.Value, want)
			}
			want--
		}
		assert.Equal(t, -1, want, "n=%d", n)
	}
}

func TestUnlink(t *testing.T) {
	first, rest := Unlink(buildList(3))
	require.NotNil(t, first)
	assert.Equal(t, 0, first.Value)
	assert.Nil(t, first.Next())
	assert.Equal(t, 2, Count(rest))

	first, rest = Unlink[int](nil)
	assert.Nil(t, first)
	assert.Nil(t, rest)
}

func TestQueueConcurrent(t *testing.T) {
	const producers = 8
	const perProducer = 2000

	var q Queue[int]
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(NewNode(base*perProducer + i))
			}
		}(p)
	}

	seen := make([]int32, producers*perProducer)
	var mu sync.Mutex
	record := func(n *Node[int]) {
		mu.Lock()
		seen[n.Value]++
		mu.Unlock()
	}

	var consumers sync.WaitGroup
	done := make(chan struct{})
	for c := 0; c < 4; c++ {
		consumers.Add(1)
		go func(steal bool) {
			defer consumers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if steal {
					for n := q.StealList(); n != nil; {
						var first *Node[int]
						first, n = Unlink(n)
						record(first)
					}
					continue
				}
				if n := q.Dequeue(); n != nil {
					record(n)
				}
			}
		}(c%2 == 0)
	}

	wg.Wait()
	close(done)
	consumers.Wait()

	for n := q.StealList(); n != nil; n = n.Next() {
		seen[n.Value]++
	}

	for v, c := range seen {
		if c != 1 {
			t.Fatalf("value %d observed %d times", v, c)
		}
	}
	assert.True(t, q.IsEmpty())
	assert.Equal(t, 0, q.Len())
}
