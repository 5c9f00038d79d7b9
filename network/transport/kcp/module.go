// Package kcp is a stream-only network module running the shared framing over
// KCP sessions. It suits lossy links where TCP head-of-line blocking hurts.
package kcp

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/linchenxuan/openplay/log"
	"github.com/linchenxuan/openplay/network/transport"
	"github.com/linchenxuan/openplay/plugin"
	kcpgo "github.com/xtaci/kcp-go/v5"
	"golang.org/x/crypto/sha3"
)

const ModuleName = "kcp"

// ModuleType is the type tag of the KCP module.
var ModuleType = plugin.MakeType("Kcp")

type conn struct {
	stream *transport.StreamConn
}

func (c *conn) Type() plugin.Type { return ModuleType }

type listener struct {
	acceptor *transport.Acceptor
}

func (l *listener) Type() plugin.Type { return ModuleType }

// Module implements plugin.Module over kcp-go.
type Module struct {
	cfg   *Cfg
	block kcpgo.BlockCrypt

	mu   sync.Mutex
	live map[plugin.Conn]struct{}
}

var _ plugin.Module = (*Module)(nil)

// NewModule validates cfg and prepares the cipher.
func NewModule(cfg *Cfg) (*Module, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Module{cfg: cfg, live: make(map[plugin.Conn]struct{})}
	if cfg.Key != "" {
		key := sha3.Sum256([]byte(cfg.Key))
		block, err := kcpgo.NewAESBlockCrypt(key[:])
		if err != nil {
			return nil, err
		}
		m.block = block
	}
	return m, nil
}

func (m *Module) FactoryName() string { return ModuleName }

// Info implements plugin.InfoProvider.
func (m *Module) Info() plugin.Info {
	return plugin.Info{
		Type:      ModuleType,
		Name:      "KCP",
		Copyright: "openplay",
		Flags:     plugin.CapStream,
	}
}

func (m *Module) track(c plugin.Conn, add bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if add {
		m.live[c] = struct{}{}
	} else {
		delete(m.live, c)
	}
}

func (m *Module) shutdown() {
	m.mu.Lock()
	live := make([]plugin.Conn, 0, len(m.live))
	for c := range m.live {
		live = append(live, c)
	}
	m.mu.Unlock()
	for _, c := range live {
		_ = m.Close(c, false)
	}
}

func (m *Module) tune(s *kcpgo.UDPSession) {
	nodelay, nc := 0, 0
	if m.cfg.NoDelay {
		nodelay = 1
	}
	if m.cfg.NoCongestion {
		nc = 1
	}
	s.SetStreamMode(true)
	s.SetWriteDelay(false)
	s.SetNoDelay(nodelay, m.cfg.IntervalMs, m.cfg.Resend, nc)
	s.SetWindowSize(m.cfg.SendWindow, m.cfg.RecvWindow)
	s.SetMtu(m.cfg.MTU)
	s.SetACKNoDelay(m.cfg.NoDelay)
}

func (m *Module) wrap(raw net.Conn, cb plugin.Callback) *conn {
	c := &conn{}
	c.stream = transport.NewStreamConn(c, ModuleType, &m.cfg.StreamCfg, raw, cb, nil, nil)
	if s, ok := raw.(*kcpgo.UDPSession); ok {
		m.tune(s)
		c.stream.SetDrain(func(deadline time.Time) { flush(s, deadline) })
	}
	return c
}

// flush waits until every queued segment of s has been acknowledged.
// UDPSession.Close discards whatever is still unsent.
func flush(s *kcpgo.UDPSession, deadline time.Time) {
	for s.WaitSnd() > 0 && time.Now().Before(deadline) {
		time.Sleep(flushPoll)
	}
}

const flushPoll = 5 * time.Millisecond

func (m *Module) start(c *conn) {
	c.stream.Start()
	// A KCP listener only learns about a session from its first segment.
	if err := c.stream.SendFrame(transport.FrameHandshake, nil); err != nil {
		log.Warn().Err(err).Msg("kcp hello not sent")
	}
	m.track(c, true)
}

func netConfig(cfg plugin.Config) (*transport.NetConfig, error) {
	nc, ok := cfg.(*transport.NetConfig)
	if !ok || nc == nil || nc.Type != ModuleType {
		return nil, fmt.Errorf("%w: not a kcp config", plugin.ErrTypeMismatch)
	}
	return nc, nil
}

func asConn(c plugin.Conn) (*conn, error) {
	v, ok := c.(*conn)
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: not a kcp connection", plugin.ErrTypeMismatch)
	}
	return v, nil
}

// CreateConfig implements plugin.Module.
func (m *Module) CreateConfig(gameID uint32, gameName string, enumData []byte, configStr string) (plugin.Config, error) {
	return transport.NewNetConfig(ModuleType, 1, gameID, gameName, enumData, configStr)
}

// DeleteConfig implements plugin.Module.
func (m *Module) DeleteConfig(cfg plugin.Config) error {
	_, err := netConfig(cfg)
	return err
}

// Open dials or listens on cfg's address.
func (m *Module) Open(cfg plugin.Config, cb plugin.Callback, active bool) (plugin.Conn, error) {
	nc, err := netConfig(cfg)
	if err != nil {
		return nil, err
	}
	if active {
		s, err := kcpgo.DialWithOptions(nc.Address(), m.block, m.cfg.DataShards, m.cfg.ParityShards)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", plugin.ErrOpenFailed, nc.Address(), err)
		}
		c := m.wrap(s, cb)
		m.start(c)
		return c, nil
	}

	ln, err := kcpgo.ListenWithOptions(nc.Address(), m.block, m.cfg.DataShards, m.cfg.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", plugin.ErrOpenFailed, nc.Address(), err)
	}
	l := &listener{}
	// Hide SetDeadline: kcp deadline errors are not net.Error timeouts, and
	// closing the listener is enough to unblock Accept.
	l.acceptor = transport.NewAcceptor(l, ModuleType, struct{ net.Listener }{ln}, cb)
	l.acceptor.Start()
	m.track(l, true)
	log.Info().Str("addr", ln.Addr().String()).Msg("kcp listener opened")
	return l, nil
}

// Close implements plugin.Module.
func (m *Module) Close(c plugin.Conn, orderly bool) error {
	switch v := c.(type) {
	case *conn:
		v.stream.Close(orderly)
	case *listener:
		v.acceptor.Close()
	default:
		return fmt.Errorf("%w: not a kcp connection", plugin.ErrTypeMismatch)
	}
	m.track(c, false)
	return nil
}

// Accept implements plugin.Module.
func (m *Module) Accept(lc plugin.Conn, cookie any, cb plugin.Callback) (plugin.Conn, error) {
	l, ok := lc.(*listener)
	if !ok || l == nil {
		return nil, fmt.Errorf("%w: not a kcp listener", plugin.ErrTypeMismatch)
	}
	raw, err := l.acceptor.Take(cookie)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plugin.ErrParam, err)
	}
	c := m.wrap(raw, cb)
	c.stream.Notifier().Post(plugin.AcceptComplete, nil, l)
	m.start(c)
	return c, nil
}

// Reject implements plugin.Module.
func (m *Module) Reject(lc plugin.Conn, cookie any) error {
	l, ok := lc.(*listener)
	if !ok || l == nil {
		return fmt.Errorf("%w: not a kcp listener", plugin.ErrTypeMismatch)
	}
	if err := l.acceptor.Reject(cookie); err != nil {
		return fmt.Errorf("%w: %v", plugin.ErrParam, err)
	}
	return nil
}

func (m *Module) Send(c plugin.Conn, data []byte) (int, error) {
	v, err := asConn(c)
	if err != nil {
		return 0, err
	}
	return v.stream.Send(data)
}

func (m *Module) Receive(c plugin.Conn, buf []byte) (int, error) {
	v, err := asConn(c)
	if err != nil {
		return 0, err
	}
	return v.stream.Receive(buf)
}

// SendDatagram is not supported; KCP sessions are reliable streams only.
func (m *Module) SendDatagram(plugin.Conn, []byte) error { return plugin.ErrNotSupported }

// ReceiveDatagram is not supported.
func (m *Module) ReceiveDatagram(plugin.Conn, []byte) (int, error) {
	return 0, plugin.ErrNotSupported
}

func (m *Module) SetTimeout(c plugin.Conn, d time.Duration) error {
	v, err := asConn(c)
	if err != nil {
		return err
	}
	v.stream.SetTimeout(d)
	return nil
}

func (m *Module) IsAlive(c plugin.Conn) bool {
	switch v := c.(type) {
	case *conn:
		return v.stream.IsAlive()
	case *listener:
		return true
	}
	return false
}

func (m *Module) Idle(plugin.Conn) error { return nil }

// PassThrough has no selectors.
func (m *Module) PassThrough(_ plugin.Conn, selector uint32, _ any) (any, error) {
	return nil, fmt.Errorf("%w: selector %d", plugin.ErrUnknownPassThrough, selector)
}

func notifierOf(c plugin.Conn) *transport.Notifier {
	switch v := c.(type) {
	case *conn:
		return v.stream.Notifier()
	case *listener:
		return v.acceptor.Notifier()
	}
	return nil
}

func (m *Module) EnterNotifier(c plugin.Conn) bool {
	n := notifierOf(c)
	return n != nil && n.Enter()
}

func (m *Module) LeaveNotifier(c plugin.Conn) {
	if n := notifierOf(c); n != nil {
		n.Leave()
	}
}
