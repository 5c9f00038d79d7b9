// Package loopback is an in-process network module. Streams run over
// net.Pipe and datagrams ride the same pipe as datagram frames, so delivery
// is reliable and ordered. It serves tests and single-process demos.
package loopback

import (
	"fmt"
	"sync"
	"time"

	"github.com/linchenxuan/openplay/network/transport"
	"github.com/linchenxuan/openplay/plugin"
)

const ModuleName = "loopback"

// ModuleType is the type tag of the loopback module.
var ModuleType = plugin.MakeType("Loop")

// Cfg is the manifest configuration of the loopback module.
type Cfg struct {
	transport.StreamCfg `mapstructure:",squash"`
	MaxPacketSize       int `mapstructure:"maxPacketSize"`
}

// Validate fills defaults.
func (c *Cfg) Validate() error {
	if err := c.StreamCfg.Validate(); err != nil {
		return err
	}
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = 1400
	}
	return nil
}

type factory struct{}

// NewFactory creates the loopback module factory.
func NewFactory() plugin.Factory { return &factory{} }

func (f *factory) Type() plugin.Type { return ModuleType }
func (f *factory) Name() string      { return ModuleName }
func (f *factory) ConfigType() any   { return &Cfg{} }

func (f *factory) Setup(cfgAny any) (plugin.Plugin, error) {
	cfg, ok := cfgAny.(*Cfg)
	if !ok || cfg == nil {
		cfg = &Cfg{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("loopback setup failed: %w", err)
	}
	return &Module{cfg: cfg, live: make(map[plugin.Conn]struct{})}, nil
}

func (f *factory) Destroy(p plugin.Plugin) {
	if m, ok := p.(*Module); ok && m != nil {
		m.shutdown()
	}
}

type conn struct {
	stream *transport.StreamConn
}

func (c *conn) Type() plugin.Type { return ModuleType }

type listener struct {
	acceptor *transport.Acceptor
}

func (l *listener) Type() plugin.Type { return ModuleType }

// Module implements plugin.Module in memory.
type Module struct {
	cfg *Cfg

	mu   sync.Mutex
	live map[plugin.Conn]struct{}
}

var _ plugin.Module = (*Module)(nil)

func (m *Module) FactoryName() string { return ModuleName }

func (m *Module) Info() plugin.Info {
	return plugin.Info{
		Type:          ModuleType,
		Name:          "Loopback",
		Copyright:     "openplay",
		MaxPacketSize: m.cfg.MaxPacketSize,
		Flags:         plugin.CapStream | plugin.CapDatagram,
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

func netConfig(cfg plugin.Config) (*transport.NetConfig, error) {
	nc, ok := cfg.(*transport.NetConfig)
	if !ok || nc == nil || nc.Type != ModuleType {
		return nil, fmt.Errorf("%w: not a loopback config", plugin.ErrTypeMismatch)
	}
	return nc, nil
}

func asConn(c plugin.Conn) (*conn, error) {
	v, ok := c.(*conn)
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: not a loopback connection", plugin.ErrTypeMismatch)
	}
	return v, nil
}

func (m *Module) CreateConfig(gameID uint32, gameName string, enumData []byte, configStr string) (plugin.Config, error) {
	return transport.NewNetConfig(ModuleType, 1, gameID, gameName, enumData, configStr)
}

func (m *Module) DeleteConfig(cfg plugin.Config) error {
	_, err := netConfig(cfg)
	return err
}

// Open connects to, or listens on, cfg's port. The host is ignored.
func (m *Module) Open(cfg plugin.Config, cb plugin.Callback, active bool) (plugin.Conn, error) {
	nc, err := netConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !active {
		ln, err := _hub.listen(nc.Port)
		if err != nil {
			return nil, err
		}
		l := &listener{}
		l.acceptor = transport.NewAcceptor(l, ModuleType, ln, cb)
		l.acceptor.Start()
		m.track(l, true)
		return l, nil
	}

	raw, err := _hub.dial(nc.Port)
	if err != nil {
		return nil, err
	}
	c := &conn{}
	c.stream = transport.NewStreamConn(c, ModuleType, &m.cfg.StreamCfg, raw, cb, nil, nil)
	c.stream.Start()
	m.track(c, true)
	return c, nil
}

func (m *Module) Close(c plugin.Conn, orderly bool) error {
	switch v := c.(type) {
	case *conn:
		v.stream.Close(orderly)
	case *listener:
		v.acceptor.Close()
	default:
		return fmt.Errorf("%w: not a loopback connection", plugin.ErrTypeMismatch)
	}
	m.track(c, false)
	return nil
}

func (m *Module) Accept(lc plugin.Conn, cookie any, cb plugin.Callback) (plugin.Conn, error) {
	l, ok := lc.(*listener)
	if !ok || l == nil {
		return nil, fmt.Errorf("%w: not a loopback listener", plugin.ErrTypeMismatch)
	}
	raw, err := l.acceptor.Take(cookie)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plugin.ErrParam, err)
	}
	c := &conn{}
	c.stream = transport.NewStreamConn(c, ModuleType, &m.cfg.StreamCfg, raw, cb, nil, nil)
	c.stream.Notifier().Post(plugin.AcceptComplete, nil, l)
	c.stream.Start()
	m.track(c, true)
	return c, nil
}

func (m *Module) Reject(lc plugin.Conn, cookie any) error {
	l, ok := lc.(*listener)
	if !ok || l == nil {
		return fmt.Errorf("%w: not a loopback listener", plugin.ErrTypeMismatch)
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

func (m *Module) SendDatagram(c plugin.Conn, data []byte) error {
	v, err := asConn(c)
	if err != nil {
		return err
	}
	if len(data) > m.cfg.MaxPacketSize {
		return plugin.ErrTooMuchData
	}
	return v.stream.SendFrame(transport.FrameDatagram, data)
}

func (m *Module) ReceiveDatagram(c plugin.Conn, buf []byte) (int, error) {
	v, err := asConn(c)
	if err != nil {
		return 0, err
	}
	return v.stream.ReceiveDatagram(buf)
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
