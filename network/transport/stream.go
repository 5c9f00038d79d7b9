package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linchenxuan/openplay/log"
	"github.com/linchenxuan/openplay/metrics"
	"github.com/linchenxuan/openplay/plugin"
)

// FrameHandler sees every inbound control frame (anything but FrameData).
type FrameHandler func(kind uint32, body []byte)

// StreamConn runs one framed stream connection. A reader goroutine unframes
// inbound data into a receive buffer and a writer goroutine drains the send
// queue; the module reads and writes through Send and Receive.
type StreamConn struct {
	typ  plugin.Type
	cfg  *StreamCfg
	conn net.Conn

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closing   atomic.Bool
	died      atomic.Bool
	sendCh    chan []byte
	drainCh   chan struct{}
	writerEnd chan struct{}
	readerEnd chan struct{}

	inMu  sync.Mutex
	inBuf bytes.Buffer
	dgram *DatagramQueue

	blocked  atomic.Bool
	timeout  atomic.Int64
	notifier *Notifier
	control  FrameHandler
	capture  *Capture
	drain    func(deadline time.Time)

	// Value is free for the owning module.
	Value any
}

// NewStreamConn wraps conn. Callbacks report owner as their Conn, or the
// StreamConn itself when owner is nil. Start must be called to begin I/O;
// control may be nil when the module has no control frames.
func NewStreamConn(owner plugin.Conn, typ plugin.Type, cfg *StreamCfg, conn net.Conn, cb plugin.Callback, control FrameHandler, capture *Capture) *StreamConn {
	ctx, cancel := context.WithCancel(context.Background())
	s := &StreamConn{
		typ:       typ,
		cfg:       cfg,
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
		sendCh:    make(chan []byte, cfg.SendChannelSize),
		drainCh:   make(chan struct{}),
		writerEnd: make(chan struct{}),
		readerEnd: make(chan struct{}),
		dgram:     NewDatagramQueue(cfg.MaxQueuedDatagrams),
		control:   control,
		capture:   capture,
	}
	if owner == nil {
		owner = s
	}
	s.notifier = NewNotifier(owner, cb)
	return s
}

// Type implements plugin.Conn.
func (s *StreamConn) Type() plugin.Type { return s.typ }

// LocalAddr returns the local socket address.
func (s *StreamConn) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// RemoteAddr returns the peer socket address.
func (s *StreamConn) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Notifier returns the callback queue of the connection.
func (s *StreamConn) Notifier() *Notifier { return s.notifier }

// SetDrain installs a hook an orderly close runs after the writer has
// handed its last frame to the socket and before the socket is closed. It
// lets a module flush data its connection still buffers. Call it before
// Start.
func (s *StreamConn) SetDrain(fn func(deadline time.Time)) { s.drain = fn }

// Start launches the reader and writer goroutines.
func (s *StreamConn) Start() {
	trackConn(s.typ, 1)
	go s.serveSend()
	go s.serveRecv()
}

var liveConns sync.Map // plugin.Type -> *atomic.Int64

// trackConn maintains the live connection gauge of a module type.
func trackConn(typ plugin.Type, delta int64) {
	v, _ := liveConns.LoadOrStore(typ, new(atomic.Int64))
	n := v.(*atomic.Int64).Add(delta)
	metrics.UpdateGaugeWithDimGroup(metrics.NameTransportConnections, metrics.GroupOpenPlay, metrics.Value(n), metrics.Dimension{
		metrics.DimModuleType: typ.String(),
	})
}

func (s *StreamConn) dims() metrics.Dimension {
	return metrics.Dimension{metrics.DimModuleType: s.typ.String()}
}

// Send queues data as one FrameData frame.
func (s *StreamConn) Send(data []byte) (int, error) {
	if err := s.SendFrame(FrameData, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// SendFrame queues a frame of any kind. A full queue reports
// plugin.ErrFlowBlocked and a FlowClear event follows once it drains.
func (s *StreamConn) SendFrame(kind uint32, body []byte) error {
	if s.closing.Load() || s.died.Load() {
		return plugin.ErrBadState
	}
	frame := EncodeFrame(kind, body)
	select {
	case s.sendCh <- frame:
		return nil
	default:
		s.blocked.Store(true)
		log.Warn().Str("module", s.typ.String()).Str("remote", s.conn.RemoteAddr().String()).Msg("send channel is full")
		metrics.IncrCounterWithDimGroup(metrics.NameTransportSendChannelFullTotal, metrics.GroupOpenPlay, 1, s.dims())
		return plugin.ErrFlowBlocked
	}
}

// Receive copies buffered stream data into buf.
func (s *StreamConn) Receive(buf []byte) (int, error) {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	if s.inBuf.Len() == 0 {
		return 0, plugin.ErrNoData
	}
	return s.inBuf.Read(buf)
}

// Datagrams returns the inbound datagram queue.
func (s *StreamConn) Datagrams() *DatagramQueue { return s.dgram }

// PushDatagram queues an inbound datagram and raises DatagramData when the
// queue goes from empty to non-empty.
func (s *StreamConn) PushDatagram(d []byte) {
	if s.closing.Load() {
		return
	}
	kept, wasEmpty := s.dgram.Push(d)
	if !kept {
		log.Debug().Str("module", s.typ.String()).Msg("datagram queue full, dropping")
		return
	}
	if wasEmpty {
		s.notifier.Post(plugin.DatagramData, nil, nil)
	}
}

// ReceiveDatagram pops one datagram into buf. A datagram larger than buf is
// truncated and reported with plugin.ErrTooMuchData.
func (s *StreamConn) ReceiveDatagram(buf []byte) (int, error) {
	d, ok := s.dgram.Pop()
	if !ok {
		return 0, plugin.ErrNoData
	}
	n := copy(buf, d)
	if n < len(d) {
		return n, plugin.ErrTooMuchData
	}
	return n, nil
}

// SetTimeout sets the write deadline applied to each frame.
func (s *StreamConn) SetTimeout(d time.Duration) {
	s.timeout.Store(int64(d))
}

// IsAlive reports whether the connection is neither closing nor dead.
func (s *StreamConn) IsAlive() bool {
	return !s.closing.Load() && !s.died.Load()
}

// Close starts closing. An orderly close lets queued frames go out first,
// bounded by the linger time. CloseComplete is delivered last.
func (s *StreamConn) Close(orderly bool) {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		if orderly {
			select {
			case s.sendCh <- EncodeFrame(FrameClose, nil):
			default:
			}
			close(s.drainCh)
		} else {
			s.cancel()
		}
		go func() {
			if orderly {
				deadline := time.Now().Add(s.cfg.linger())
				select {
				case <-s.writerEnd:
					if s.drain != nil {
						s.drain(deadline)
					}
				case <-time.After(time.Until(deadline)):
				}
			}
			s.cancel()
			_ = s.conn.Close()
			<-s.writerEnd
			<-s.readerEnd
			trackConn(s.typ, -1)
			s.notifier.Finish(plugin.CloseComplete, nil, nil)
		}()
	})
}

// Abort closes the socket without any event; used when a connection never
// reached the application.
func (s *StreamConn) Abort() {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.cancel()
		_ = s.conn.Close()
		s.notifier.Stop()
	})
}

func (s *StreamConn) serveRecv() {
	defer close(s.readerEnd)
	for {
		if d := s.cfg.idle(); d > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(d))
		}
		kind, body, err := ReadFrame(s.conn, s.cfg.MaxFrameSize)
		if err != nil {
			s.lost(err)
			return
		}
		metrics.IncrCounterWithDimGroup(metrics.NameTransportRecvBytes, metrics.GroupOpenPlay,
			metrics.Value(len(body)+PRE_HEAD_SIZE), s.dims())

		switch kind {
		case FrameData:
			s.capture.WriteStream(s.conn.RemoteAddr(), s.conn.LocalAddr(), body)
			s.inMu.Lock()
			wasEmpty := s.inBuf.Len() == 0
			s.inBuf.Write(body)
			s.inMu.Unlock()
			ReleaseFrame(body)
			if wasEmpty && !s.closing.Load() {
				s.notifier.Post(plugin.StreamData, nil, nil)
			}
		case FrameDatagram:
			s.PushDatagram(body)
		case FrameClose:
			s.lost(io.EOF)
			return
		default:
			if s.control != nil {
				s.control(kind, body)
			} else {
				log.Debug().Uint32("kind", kind).Msg("unexpected control frame")
			}
		}
	}
}

// lost reports a read failure as EndpointDied unless we are closing.
func (s *StreamConn) lost(err error) {
	if s.closing.Load() {
		return
	}
	if !s.died.CompareAndSwap(false, true) {
		return
	}
	if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		log.Debug().Err(err).Str("module", s.typ.String()).Msg("stream connection lost")
	}
	s.notifier.Post(plugin.EndpointDied, err, nil)
}

func (s *StreamConn) serveSend() {
	defer close(s.writerEnd)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.drainCh:
			for {
				select {
				case frame := <-s.sendCh:
					if err := s.write(frame); err != nil {
						return
					}
				default:
					return
				}
			}
		case frame := <-s.sendCh:
			if err := s.write(frame); err != nil {
				s.lost(err)
				return
			}
			if len(s.sendCh) == 0 && s.blocked.CompareAndSwap(true, false) {
				s.notifier.Post(plugin.FlowClear, nil, nil)
			}
		}
	}
}

func (s *StreamConn) write(frame []byte) error {
	if d := time.Duration(s.timeout.Load()); d > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(d))
	}
	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	metrics.IncrCounterWithDimGroup(metrics.NameTransportSendBytes, metrics.GroupOpenPlay, metrics.Value(len(frame)), s.dims())
	if len(frame) > PRE_HEAD_SIZE {
		hdr, err := DecodePreHead(frame)
		if err == nil && hdr.Kind == FrameData {
			s.capture.WriteStream(s.conn.LocalAddr(), s.conn.RemoteAddr(), frame[PRE_HEAD_SIZE:])
		}
	}
	return nil
}
