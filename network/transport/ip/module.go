package ip

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/linchenxuan/openplay/log"
	"github.com/linchenxuan/openplay/network/transport"
	"github.com/linchenxuan/openplay/plugin"
)

const (
	// ModuleName is the factory name.
	ModuleName = "ip"
	// DefaultMaxPacketSize keeps datagrams below a typical path MTU.
	DefaultMaxPacketSize = 1400
)

// ModuleType is the type tag of the IP module.
var ModuleType = plugin.MakeType("Inet")

// PassThrough selectors understood by the IP module.
const (
	PassLocalAddr uint32 = iota + 1
	PassRemoteAddr
	PassUDPPort
)

// Module is the reference TCP/UDP transport.
type Module struct {
	cfg     *Cfg
	capture *transport.Capture

	mu    sync.Mutex
	live  map[plugin.Conn]struct{}
	enums map[*transport.NetConfig]*enumeration
}

var (
	_ plugin.Module     = (*Module)(nil)
	_ plugin.Advertiser = (*Module)(nil)
	_ plugin.Enumerator = (*Module)(nil)
)

// NewModule validates cfg and opens the capture file if one is configured.
func NewModule(cfg *Cfg) (*Module, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Module{
		cfg:   cfg,
		live:  make(map[plugin.Conn]struct{}),
		enums: make(map[*transport.NetConfig]*enumeration),
	}
	if cfg.CaptureFile != "" {
		c, err := transport.OpenCapture(cfg.CaptureFile)
		if err != nil {
			return nil, err
		}
		m.capture = c
	}
	return m, nil
}

// FactoryName implements plugin.Plugin.
func (m *Module) FactoryName() string { return ModuleName }

// Info implements plugin.InfoProvider.
func (m *Module) Info() plugin.Info {
	return plugin.Info{
		Type:          ModuleType,
		Name:          "TCP/IP",
		Copyright:     "openplay",
		MaxPacketSize: m.cfg.MaxPacketSize,
		Flags:         plugin.CapStream | plugin.CapDatagram | plugin.CapAdvertise | plugin.CapEnumerate,
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
	enums := m.enums
	m.enums = make(map[*transport.NetConfig]*enumeration)
	m.mu.Unlock()

	for _, c := range live {
		switch v := c.(type) {
		case *conn:
			v.close(false)
		case *listener:
			v.close()
		}
	}
	for _, e := range enums {
		e.stop()
	}
	if m.capture != nil {
		_ = m.capture.Close()
	}
}

func netConfig(cfg plugin.Config) (*transport.NetConfig, error) {
	nc, ok := cfg.(*transport.NetConfig)
	if !ok || nc == nil {
		return nil, fmt.Errorf("%w: not an ip config", plugin.ErrTypeMismatch)
	}
	if nc.Type != ModuleType {
		return nil, fmt.Errorf("%w: config type %q", plugin.ErrTypeMismatch, nc.Type)
	}
	return nc, nil
}

func asConn(c plugin.Conn) (*conn, error) {
	v, ok := c.(*conn)
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: not an ip stream connection", plugin.ErrTypeMismatch)
	}
	return v, nil
}

func asListener(c plugin.Conn) (*listener, error) {
	v, ok := c.(*listener)
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: not an ip listener", plugin.ErrTypeMismatch)
	}
	return v, nil
}

// CreateConfig implements plugin.Module.
func (m *Module) CreateConfig(gameID uint32, gameName string, enumData []byte, configStr string) (plugin.Config, error) {
	return transport.NewNetConfig(ModuleType, 1, gameID, gameName, enumData, configStr)
}

// DeleteConfig ends any enumeration still running on cfg.
func (m *Module) DeleteConfig(cfg plugin.Config) error {
	nc, err := netConfig(cfg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	e := m.enums[nc]
	delete(m.enums, nc)
	m.mu.Unlock()
	if e != nil {
		e.stop()
	}
	return nil
}

// Open dials cfg's address when active and listens on its port otherwise.
// The configuration's connection mode decides whether the endpoint carries
// streams, datagrams or both; accepted endpoints take the listener's mode.
func (m *Module) Open(cfg plugin.Config, cb plugin.Callback, active bool) (plugin.Conn, error) {
	nc, err := netConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !active {
		return m.listen(nc, cb)
	}

	timeout := time.Duration(m.cfg.DialTimeoutMs) * time.Millisecond
	raw, err := net.DialTimeout("tcp", nc.Address(), timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", plugin.ErrOpenFailed, nc.Address(), err)
	}
	c, err := m.newConn(raw, cb, nc.Mode)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("%w: %v", plugin.ErrOpenFailed, err)
	}
	c.start()
	log.Debug().Str("remote", nc.Address()).Msg("ip connection opened")
	return c, nil
}

func (m *Module) listen(nc *transport.NetConfig, cb plugin.Callback) (plugin.Conn, error) {
	ln, err := net.Listen("tcp", nc.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", plugin.ErrOpenFailed, nc.Address(), err)
	}
	l := &listener{m: m, cfg: nc}
	l.acceptor = transport.NewAcceptor(l, ModuleType, ln, cb)
	l.acceptor.Start()
	m.track(l, true)
	log.Info().Str("addr", ln.Addr().String()).Msg("ip listener opened")
	return l, nil
}

// Close implements plugin.Module.
func (m *Module) Close(c plugin.Conn, orderly bool) error {
	switch v := c.(type) {
	case *conn:
		v.close(orderly)
	case *listener:
		v.close()
	default:
		return fmt.Errorf("%w: not an ip connection", plugin.ErrTypeMismatch)
	}
	return nil
}

// Accept turns the pending connection into a stream endpoint. Its first event
// is AcceptComplete carrying the listener.
func (m *Module) Accept(lc plugin.Conn, cookie any, cb plugin.Callback) (plugin.Conn, error) {
	l, err := asListener(lc)
	if err != nil {
		return nil, err
	}
	raw, err := l.acceptor.Take(cookie)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plugin.ErrParam, err)
	}
	c, err := m.newConn(raw, cb, l.cfg.Mode)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("%w: %v", plugin.ErrOpenFailed, err)
	}
	c.stream.Notifier().Post(plugin.AcceptComplete, nil, l)
	c.start()
	return c, nil
}

// Reject implements plugin.Module.
func (m *Module) Reject(lc plugin.Conn, cookie any) error {
	l, err := asListener(lc)
	if err != nil {
		return err
	}
	if err := l.acceptor.Reject(cookie); err != nil {
		return fmt.Errorf("%w: %v", plugin.ErrParam, err)
	}
	return nil
}

// Send implements plugin.Module.
func (m *Module) Send(c plugin.Conn, data []byte) (int, error) {
	v, err := asConn(c)
	if err != nil {
		return 0, err
	}
	return v.send(data)
}

// Receive implements plugin.Module.
func (m *Module) Receive(c plugin.Conn, buf []byte) (int, error) {
	v, err := asConn(c)
	if err != nil {
		return 0, err
	}
	return v.stream.Receive(buf)
}

// SendDatagram implements plugin.Module.
func (m *Module) SendDatagram(c plugin.Conn, data []byte) error {
	v, err := asConn(c)
	if err != nil {
		return err
	}
	if len(data) > m.cfg.MaxPacketSize {
		return plugin.ErrTooMuchData
	}
	if !v.stream.IsAlive() {
		return plugin.ErrBadState
	}
	return v.sendDatagram(data)
}

// ReceiveDatagram implements plugin.Module.
func (m *Module) ReceiveDatagram(c plugin.Conn, buf []byte) (int, error) {
	v, err := asConn(c)
	if err != nil {
		return 0, err
	}
	return v.stream.ReceiveDatagram(buf)
}

// SetTimeout implements plugin.Module.
func (m *Module) SetTimeout(c plugin.Conn, d time.Duration) error {
	v, err := asConn(c)
	if err != nil {
		return err
	}
	v.stream.SetTimeout(d)
	return nil
}

// IsAlive implements plugin.Module.
func (m *Module) IsAlive(c plugin.Conn) bool {
	switch v := c.(type) {
	case *conn:
		return v.stream.IsAlive()
	case *listener:
		return true
	}
	return false
}

// Idle has nothing to do; the connection goroutines make progress alone.
func (m *Module) Idle(plugin.Conn) error { return nil }

// PassThrough answers the PassLocalAddr, PassRemoteAddr and PassUDPPort
// selectors.
func (m *Module) PassThrough(c plugin.Conn, selector uint32, _ any) (any, error) {
	switch v := c.(type) {
	case *conn:
		switch selector {
		case PassLocalAddr:
			return v.stream.LocalAddr().String(), nil
		case PassRemoteAddr:
			return v.stream.RemoteAddr().String(), nil
		case PassUDPPort:
			return v.udpPort(), nil
		}
	case *listener:
		if selector == PassLocalAddr {
			return v.acceptor.Addr().String(), nil
		}
	default:
		return nil, fmt.Errorf("%w: not an ip connection", plugin.ErrTypeMismatch)
	}
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

// EnterNotifier implements plugin.Module.
func (m *Module) EnterNotifier(c plugin.Conn) bool {
	n := notifierOf(c)
	return n != nil && n.Enter()
}

// LeaveNotifier implements plugin.Module.
func (m *Module) LeaveNotifier(c plugin.Conn) {
	if n := notifierOf(c); n != nil {
		n.Leave()
	}
}
