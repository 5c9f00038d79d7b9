package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linchenxuan/openplay/protocol"
	"github.com/linchenxuan/openplay/plugin"
)

// eventSink is the side of a game that consumes what a peer receives.
type eventSink interface {
	handleNewEvent(e *ERObject)
	handleDisconnect(p *peer)
}

// peer is one protocol endpoint carrying session messages. Stream data is
// reassembled into whole messages by their header length; datagrams carry
// exactly one message each.
type peer struct {
	g    *Game
	sink eventSink
	ep   atomic.Pointer[protocol.Endpoint]

	// player is the id assigned to the remote side, host side only.
	player atomic.Int32
	name   atomic.Pointer[string]

	// in, rbuf and dbuf belong to the callback goroutine.
	in   []byte
	rbuf []byte
	dbuf []byte

	lastSent  atomic.Uint32
	dead      atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
}

func newPeer(g *Game, sink eventSink) *peer {
	return &peer{
		g:      g,
		sink:   sink,
		rbuf:   make([]byte, 4096),
		dbuf:   make([]byte, g.cfg.MaxMessageSize),
		closed: make(chan struct{}),
	}
}

func (p *peer) endpoint() *protocol.Endpoint { return p.ep.Load() }

func (p *peer) playerID() PlayerID { return PlayerID(p.player.Load()) }

func (p *peer) callback(ep *protocol.Endpoint, code plugin.Code, err error, _ any, _ any) {
	p.ep.CompareAndSwap(nil, ep)
	switch code {
	case plugin.StreamData:
		p.drainStream(ep)
	case plugin.DatagramData:
		p.drainDatagrams(ep)
	case plugin.EndpointDied:
		if p.dead.CompareAndSwap(false, true) {
			p.g.notify(code, err)
			p.sink.handleDisconnect(p)
		}
	case plugin.CloseComplete:
		p.closeOnce.Do(func() { close(p.closed) })
	case plugin.FlowClear:
		p.g.notify(code, err)
	}
}

func (p *peer) drainStream(ep *protocol.Endpoint) {
	for {
		n, err := ep.Receive(p.rbuf)
		if n > 0 {
			p.in = append(p.in, p.rbuf[:n]...)
		}
		if err != nil || n == 0 {
			if err != nil && !errors.Is(err, plugin.ErrNoData) {
				p.g.log.Debug().Err(err).Msg("stream receive failed")
			}
			break
		}
	}

	off := 0
	for len(p.in)-off >= HeaderSize {
		size, err := frameLen(p.in[off:])
		if err == nil && size > p.g.cfg.MaxMessageSize {
			err = ErrBadMessage
		}
		if err != nil {
			p.g.log.Warn().Err(err).Int32("player", int32(p.playerID())).Msg("dropping peer after a bad stream message")
			p.in = p.in[:0]
			p.abort()
			return
		}
		if len(p.in)-off < size {
			break
		}
		p.deliver(p.in[off:off+size], true)
		off += size
	}
	p.in = p.in[:copy(p.in, p.in[off:])]
}

func (p *peer) drainDatagrams(ep *protocol.Endpoint) {
	for {
		n, err := ep.ReceiveDatagram(p.dbuf)
		if err != nil {
			if errors.Is(err, plugin.ErrTooMuchData) {
				p.g.log.Debug().Msg("dropping truncated datagram")
				continue
			}
			return
		}
		if n < HeaderSize {
			continue
		}
		if size, err := frameLen(p.dbuf[:n]); err != nil || size != n {
			p.g.log.Debug().Int("bytes", n).Msg("dropping malformed datagram")
			continue
		}
		p.deliver(p.dbuf[:n], false)
	}
}

func (p *peer) deliver(raw []byte, registered bool) {
	e := p.g.q.getFree(len(raw))
	copy(e.buf.Bytes(), raw)
	e.received = p.g.rawNow()
	e.peer = p
	e.registered = registered
	if _, err := normalize(e.bytes()); err != nil {
		p.g.log.Debug().Err(err).Msg("dropping undecodable message")
		p.g.q.release(e)
		return
	}
	p.sink.handleNewEvent(e)
}

// send writes one encoded message. Unregistered messages go as datagrams and
// fall back to the stream when the module has none or the message is too big.
func (p *peer) send(msg []byte, registered bool) error {
	ep := p.endpoint()
	if ep == nil || p.dead.Load() {
		return plugin.ErrBadState
	}
	p.lastSent.Store(p.g.rawNow())
	if !registered {
		err := ep.SendDatagram(msg)
		if err == nil || (!errors.Is(err, plugin.ErrNotSupported) && !errors.Is(err, plugin.ErrTooMuchData)) {
			return err
		}
	}
	_, err := ep.Send(msg)
	return err
}

// close starts closing the endpoint; CloseComplete ends it.
func (p *peer) close(orderly bool) {
	ep := p.endpoint()
	if ep == nil {
		p.closeOnce.Do(func() { close(p.closed) })
		return
	}
	if err := ep.Close(orderly); err != nil {
		p.g.log.Debug().Err(err).Msg("peer close")
		if errors.Is(err, protocol.ErrInvalidEndpoint) {
			p.closeOnce.Do(func() { close(p.closed) })
		}
	}
}

func (p *peer) abort() {
	if p.dead.CompareAndSwap(false, true) {
		p.sink.handleDisconnect(p)
	}
	p.close(false)
}

// waitClosed waits for CloseComplete up to d.
func (p *peer) waitClosed(d time.Duration) bool {
	select {
	case <-p.closed:
		return true
	case <-time.After(d):
		return false
	}
}
