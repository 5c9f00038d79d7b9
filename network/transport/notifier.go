package transport

import (
	"sync"
	"sync/atomic"

	"github.com/linchenxuan/openplay/plugin"
)

type event struct {
	code   plugin.Code
	err    error
	cookie any
}

// Notifier delivers the callbacks of one connection in order on its own
// goroutine. The callback runs with the notifier lock held, which is also the
// lock EnterNotifier takes, so a caller inside Enter/Leave never overlaps a
// callback of the same connection.
type Notifier struct {
	conn plugin.Conn
	cb   plugin.Callback

	lock sync.Mutex
	held atomic.Bool

	qmu   sync.Mutex
	queue []event
	wake  chan struct{}
	final bool
	done  chan struct{}
}

// NewNotifier starts the delivery goroutine for conn.
func NewNotifier(conn plugin.Conn, cb plugin.Callback) *Notifier {
	n := &Notifier{
		conn: conn,
		cb:   cb,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go n.run()
	return n
}

// Post queues an event. Events posted after Finish are dropped.
func (n *Notifier) Post(code plugin.Code, err error, cookie any) {
	n.push(event{code: code, err: err, cookie: cookie}, false)
}

// Finish queues a last event; the goroutine exits after delivering it.
func (n *Notifier) Finish(code plugin.Code, err error, cookie any) {
	n.push(event{code: code, err: err, cookie: cookie}, true)
}

func (n *Notifier) push(ev event, last bool) {
	n.qmu.Lock()
	if n.final {
		n.qmu.Unlock()
		return
	}
	n.queue = append(n.queue, ev)
	if last {
		n.final = true
	}
	n.qmu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Stop ends delivery after the events already queued.
func (n *Notifier) Stop() {
	n.qmu.Lock()
	n.final = true
	n.qmu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the final event has been delivered.
func (n *Notifier) Done() <-chan struct{} { return n.done }

func (n *Notifier) run() {
	defer close(n.done)
	for range n.wake {
		for {
			n.qmu.Lock()
			if len(n.queue) == 0 {
				final := n.final
				n.qmu.Unlock()
				if final {
					return
				}
				break
			}
			ev := n.queue[0]
			n.queue[0] = event{}
			n.queue = n.queue[1:]
			n.qmu.Unlock()

			n.lock.Lock()
			if n.cb != nil {
				n.cb(n.conn, ev.code, ev.err, ev.cookie)
			}
			n.lock.Unlock()
		}
	}
}

// Enter takes the notifier lock without waiting. It reports false while a
// callback is running or another caller holds it.
func (n *Notifier) Enter() bool {
	if !n.lock.TryLock() {
		return false
	}
	n.held.Store(true)
	return true
}

// Leave releases a successful Enter. Unmatched calls are ignored.
func (n *Notifier) Leave() {
	if n.held.CompareAndSwap(true, false) {
		n.lock.Unlock()
	}
}
