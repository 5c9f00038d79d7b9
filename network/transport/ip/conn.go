package ip

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/linchenxuan/openplay/log"
	"github.com/linchenxuan/openplay/network/transport"
	"github.com/linchenxuan/openplay/plugin"
)

// conn is one endpoint: a framed TCP connection plus a UDP socket for
// datagrams. The two sides tell each other their UDP port in a handshake
// frame; until that arrives datagrams ride the stream.
//
// The connection mode trims the endpoint. A stream-only endpoint has no UDP
// socket. A datagram-only endpoint keeps the TCP connection for the
// handshake and the connection lifetime but refuses stream data.
type conn struct {
	m      *Module
	mode   plugin.Mode
	stream *transport.StreamConn
	udp    *net.UDPConn
	peer   atomic.Pointer[net.UDPAddr]
}

var _ plugin.Conn = (*conn)(nil)

func (c *conn) Type() plugin.Type { return ModuleType }

// newConn wraps an established TCP connection. The caller posts any initial
// event and then calls start.
func (m *Module) newConn(raw net.Conn, cb plugin.Callback, mode plugin.Mode) (*conn, error) {
	if mode&plugin.ModeNormal == 0 {
		mode = plugin.ModeNormal
	}
	c := &conn{m: m, mode: mode}
	if c.datagrams() {
		local, _ := raw.LocalAddr().(*net.TCPAddr)
		laddr := &net.UDPAddr{}
		if local != nil {
			laddr.IP = local.IP
		}
		udp, err := net.ListenUDP("udp", laddr)
		if err != nil {
			return nil, err
		}
		c.udp = udp
	}
	c.stream = transport.NewStreamConn(c, ModuleType, &m.cfg.StreamCfg, raw, cb, c.onControl, m.capture)
	return c, nil
}

func (c *conn) streams() bool   { return c.mode&plugin.ModeStream != 0 }
func (c *conn) datagrams() bool { return c.mode&plugin.ModeDatagram != 0 }

func (c *conn) start() {
	c.stream.Start()
	if c.udp != nil {
		go c.serveUDP()
		if err := c.stream.SendFrame(transport.FrameHandshake, marshalHandshake(c.udpPort())); err != nil {
			log.Warn().Err(err).Msg("ip handshake not sent")
		}
	}
	c.m.track(c, true)
}

func (c *conn) onControl(kind uint32, body []byte) {
	if kind != transport.FrameHandshake {
		log.Debug().Uint32("kind", kind).Msg("ip: unknown control frame")
		return
	}
	port, err := unmarshalHandshake(body)
	if err != nil {
		log.Warn().Err(err).Msg("ip: bad handshake")
		return
	}
	remote, ok := c.stream.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return
	}
	c.peer.Store(&net.UDPAddr{IP: remote.IP, Port: port, Zone: remote.Zone})
}

func (c *conn) serveUDP() {
	buf := make([]byte, c.m.cfg.MaxPacketSize+1)
	for {
		n, from, err := c.udp.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("ip: udp read stopped")
			}
			return
		}
		peer := c.peer.Load()
		if peer == nil || !peer.IP.Equal(from.IP) || peer.Port != from.Port {
			continue
		}
		if n > c.m.cfg.MaxPacketSize {
			continue
		}
		d := append([]byte(nil), buf[:n]...)
		c.m.capture.WriteDatagram(from, c.udp.LocalAddr(), d)
		c.stream.PushDatagram(d)
	}
}

func (c *conn) send(data []byte) (int, error) {
	if !c.streams() {
		return 0, fmt.Errorf("%w: datagram-only endpoint", plugin.ErrNotSupported)
	}
	return c.stream.Send(data)
}

func (c *conn) sendDatagram(data []byte) error {
	if c.udp == nil {
		return fmt.Errorf("%w: stream-only endpoint", plugin.ErrNotSupported)
	}
	peer := c.peer.Load()
	if peer == nil {
		return c.stream.SendFrame(transport.FrameDatagram, data)
	}
	if _, err := c.udp.WriteToUDP(data, peer); err != nil {
		return err
	}
	c.m.capture.WriteDatagram(c.udp.LocalAddr(), peer, data)
	return nil
}

func (c *conn) udpPort() int {
	if c.udp == nil {
		return 0
	}
	return c.udp.LocalAddr().(*net.UDPAddr).Port
}

func (c *conn) close(orderly bool) {
	if c.udp != nil {
		_ = c.udp.Close()
	}
	c.stream.Close(orderly)
	c.m.track(c, false)
}

// listener is a passive endpoint. It may also answer enumeration requests.
type listener struct {
	m        *Module
	cfg      *transport.NetConfig
	acceptor *transport.Acceptor

	advMu sync.Mutex
	adv   *responder
}

var _ plugin.Conn = (*listener)(nil)

func (l *listener) Type() plugin.Type { return ModuleType }

func (l *listener) port() int {
	if a, ok := l.acceptor.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return int(l.cfg.Port)
}

func (l *listener) close() {
	l.stopAdvertising()
	l.acceptor.Close()
	l.m.track(l, false)
}
