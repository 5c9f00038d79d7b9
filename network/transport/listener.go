package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linchenxuan/openplay/log"
	"github.com/linchenxuan/openplay/plugin"
)

// ErrUnknownCookie is returned when Accept or Reject names no pending connection.
var ErrUnknownCookie = errors.New("no pending connection for cookie")

type deadlineListener interface {
	net.Listener
	SetDeadline(t time.Time) error
}

// Acceptor runs the accept loop of a listening endpoint. Every inbound
// connection is parked under a numeric cookie and announced with
// ConnectRequest; the application then accepts or rejects it.
type Acceptor struct {
	typ      plugin.Type
	ln       net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	notifier *Notifier

	mu      sync.Mutex
	pending map[uint64]net.Conn
	next    atomic.Uint64

	closeOnce sync.Once
	loopEnd   chan struct{}

	// Value is free for the owning module.
	Value any
}

// NewAcceptor wraps ln. Callbacks report owner as their Conn, or the
// Acceptor itself when owner is nil. Start begins accepting.
func NewAcceptor(owner plugin.Conn, typ plugin.Type, ln net.Listener, cb plugin.Callback) *Acceptor {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Acceptor{
		typ:     typ,
		ln:      ln,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[uint64]net.Conn),
		loopEnd: make(chan struct{}),
	}
	if owner == nil {
		owner = a
	}
	a.notifier = NewNotifier(owner, cb)
	return a
}

// Type implements plugin.Conn.
func (a *Acceptor) Type() plugin.Type { return a.typ }

// Addr returns the listening address.
func (a *Acceptor) Addr() net.Addr { return a.ln.Addr() }

// Notifier returns the callback queue of the listener.
func (a *Acceptor) Notifier() *Notifier { return a.notifier }

// Start launches the accept loop.
func (a *Acceptor) Start() {
	go a.serve()
}

func (a *Acceptor) serve() {
	defer close(a.loopEnd)
	dl, hasDeadline := a.ln.(deadlineListener)
	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}

		if hasDeadline {
			// A deadline lets the loop notice cancellation.
			_ = dl.SetDeadline(time.Now().Add(time.Second))
		}
		conn, err := a.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if a.ctx.Err() == nil {
				log.Error().Err(err).Str("module", a.typ.String()).Msg("accept failed")
				a.notifier.Post(plugin.EndpointDied, err, nil)
			}
			return
		}

		cookie := a.next.Add(1)
		a.mu.Lock()
		a.pending[cookie] = conn
		a.mu.Unlock()
		log.Debug().Str("module", a.typ.String()).Str("remote", conn.RemoteAddr().String()).Uint64("cookie", cookie).Msg("connection pending")
		a.notifier.Post(plugin.ConnectRequest, nil, cookie)
	}
}

func cookieID(cookie any) (uint64, error) {
	switch v := cookie.(type) {
	case uint64:
		return v, nil
	case int:
		return uint64(v), nil
	}
	return 0, fmt.Errorf("%w: %v", ErrUnknownCookie, cookie)
}

// Take removes and returns the pending connection for cookie.
func (a *Acceptor) Take(cookie any) (net.Conn, error) {
	id, err := cookieID(cookie)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	conn, ok := a.pending[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCookie, id)
	}
	delete(a.pending, id)
	return conn, nil
}

// Reject closes the pending connection for cookie.
func (a *Acceptor) Reject(cookie any) error {
	conn, err := a.Take(cookie)
	if err != nil {
		return err
	}
	return conn.Close()
}

// PendingLen returns the number of connections waiting for accept.
func (a *Acceptor) PendingLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Close stops accepting, drops pending connections and delivers
// CloseComplete.
func (a *Acceptor) Close() {
	a.closeOnce.Do(func() {
		a.cancel()
		_ = a.ln.Close()
		go func() {
			<-a.loopEnd
			a.mu.Lock()
			for id, conn := range a.pending {
				_ = conn.Close()
				delete(a.pending, id)
			}
			a.mu.Unlock()
			a.notifier.Finish(plugin.CloseComplete, nil, nil)
		}()
	})
}
