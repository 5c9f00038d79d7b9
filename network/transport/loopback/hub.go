package loopback

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/linchenxuan/openplay/plugin"
)

type pipeAddr uint16

func (a pipeAddr) Network() string { return "loopback" }
func (a pipeAddr) String() string  { return "loop:" + strconv.Itoa(int(a)) }

// pipeListener is an in-memory net.Listener fed by dial.
type pipeListener struct {
	addr  pipeAddr
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func (l *pipeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *pipeListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		_hub.remove(l)
	})
	return nil
}

func (l *pipeListener) Addr() net.Addr { return l.addr }

// hub is the process wide port table, so separate module instances in one
// process can reach each other.
type hub struct {
	mu        sync.Mutex
	listeners map[pipeAddr]*pipeListener
}

var _hub = &hub{listeners: make(map[pipeAddr]*pipeListener)}

func (h *hub) listen(port uint16) (*pipeListener, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	addr := pipeAddr(port)
	if _, ok := h.listeners[addr]; ok {
		return nil, fmt.Errorf("%w: loopback port %d in use", plugin.ErrOpenFailed, port)
	}
	l := &pipeListener{addr: addr, conns: make(chan net.Conn, 16), done: make(chan struct{})}
	h.listeners[addr] = l
	return l, nil
}

func (h *hub) remove(l *pipeListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listeners[l.addr] == l {
		delete(h.listeners, l.addr)
	}
}

func (h *hub) dial(port uint16) (net.Conn, error) {
	h.mu.Lock()
	l, ok := h.listeners[pipeAddr(port)]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: nothing listening on loopback port %d", plugin.ErrOpenFailed, port)
	}
	local, remote := net.Pipe()
	select {
	case l.conns <- remote:
		return local, nil
	case <-l.done:
	default:
	}
	_ = local.Close()
	_ = remote.Close()
	return nil, fmt.Errorf("%w: loopback port %d refused", plugin.ErrOpenFailed, port)
}
