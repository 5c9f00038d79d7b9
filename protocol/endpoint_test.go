package protocol_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linchenxuan/openplay/plugin"
	"github.com/linchenxuan/openplay/protocol"
	"github.com/linchenxuan/openplay/utils/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stubType = plugin.MakeType("Stub")

type stubConn struct {
	typ plugin.Type
	cb  plugin.Callback
}

func (c *stubConn) Type() plugin.Type { return c.typ }

// fire delivers a module event the way a module goroutine would.
func (c *stubConn) fire(code plugin.Code, cookie any) {
	c.cb(c, code, nil, cookie)
}

type stubConfig struct {
	common  plugin.CommonConfig
	cleared bool
}

func (c *stubConfig) Common() *plugin.CommonConfig { return &c.common }
func (c *stubConfig) ClearRemote()                 { c.cleared = true }
func (c *stubConfig) String() string {
	var w token.Writer
	c.common.Encode(&w)
	return w.String()
}

// stubModule records calls and lets the test drive callbacks by hand.
type stubModule struct {
	mu         sync.Mutex
	openErr    error
	foreign    bool
	asyncClose bool
	closes     int
	datagrams  int
	conns      []*stubConn
}

func (m *stubModule) FactoryName() string { return "stub" }
func (m *stubModule) Info() plugin.Info {
	return plugin.Info{Type: stubType, Name: "stub", MaxPacketSize: 100, Flags: plugin.CapStream | plugin.CapDatagram}
}

func (m *stubModule) CreateConfig(gameID uint32, gameName string, enumData []byte, configStr string) (plugin.Config, error) {
	common, err := plugin.NewCommonConfig(stubType, 1, gameID, gameName, enumData)
	if err != nil {
		return nil, err
	}
	cfg := &stubConfig{common: common}
	if configStr != "" {
		tk, err := token.Parse(configStr)
		if err != nil {
			return nil, err
		}
		if err := cfg.common.Decode(tk); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (m *stubModule) DeleteConfig(plugin.Config) error { return nil }

func (m *stubModule) newConn(cb plugin.Callback) *stubConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &stubConn{typ: stubType, cb: cb}
	if m.foreign {
		c.typ = plugin.MakeType("Othr")
	}
	m.conns = append(m.conns, c)
	return c
}

func (m *stubModule) Open(_ plugin.Config, cb plugin.Callback, _ bool) (plugin.Conn, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	return m.newConn(cb), nil
}

func (m *stubModule) Close(conn plugin.Conn, _ bool) error {
	m.mu.Lock()
	m.closes++
	async := m.asyncClose
	m.mu.Unlock()
	if c, ok := conn.(*stubConn); ok && !async {
		c.fire(plugin.CloseComplete, nil)
	}
	return nil
}

func (m *stubModule) Accept(_ plugin.Conn, _ any, cb plugin.Callback) (plugin.Conn, error) {
	return m.newConn(cb), nil
}

func (m *stubModule) Reject(plugin.Conn, any) error { return nil }
func (m *stubModule) Send(_ plugin.Conn, data []byte) (int, error) {
	return len(data), nil
}
func (m *stubModule) Receive(plugin.Conn, []byte) (int, error) { return 0, plugin.ErrNoData }
func (m *stubModule) SendDatagram(plugin.Conn, []byte) error {
	m.mu.Lock()
	m.datagrams++
	m.mu.Unlock()
	return nil
}
func (m *stubModule) ReceiveDatagram(plugin.Conn, []byte) (int, error) { return 0, plugin.ErrNoData }
func (m *stubModule) SetTimeout(plugin.Conn, time.Duration) error      { return nil }
func (m *stubModule) IsAlive(plugin.Conn) bool                         { return true }
func (m *stubModule) Idle(plugin.Conn) error                           { return nil }
func (m *stubModule) PassThrough(plugin.Conn, uint32, any) (any, error) {
	return nil, plugin.ErrUnknownPassThrough
}
func (m *stubModule) EnterNotifier(plugin.Conn) bool { return true }
func (m *stubModule) LeaveNotifier(plugin.Conn)      {}

func (m *stubModule) lastConn() *stubConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[len(m.conns)-1]
}

type stubFactory struct{ mod *stubModule }

func (f *stubFactory) Type() plugin.Type                 { return stubType }
func (f *stubFactory) Name() string                      { return "stub" }
func (f *stubFactory) ConfigType() any                   { return nil }
func (f *stubFactory) Setup(any) (plugin.Plugin, error) { return f.mod, nil }
func (f *stubFactory) Destroy(plugin.Plugin)             {}

type recorded struct {
	who    string
	code   plugin.Code
	cookie any
}

type recorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *recorder) callback(who string) protocol.Callback {
	return func(_ *protocol.Endpoint, code plugin.Code, _ error, cookie any, _ any) {
		r.mu.Lock()
		r.events = append(r.events, recorded{who: who, code: code, cookie: cookie})
		r.mu.Unlock()
	}
}

func (r *recorder) list() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.events...)
}

func newStub(t *testing.T, maxCached int) (*protocol.Context, *plugin.Manager, *stubModule, *protocol.Config) {
	t.Helper()
	mod := &stubModule{}
	m := plugin.NewManager("")
	m.RegisterFactory(&stubFactory{mod: mod})
	ctx := protocol.NewContext(m, maxCached)
	cfg, err := ctx.CreateConfig(stubType, 12, "stub-game", nil, "")
	require.NoError(t, err)
	return ctx, m, mod, cfg
}

func TestConfig(t *testing.T) {
	ctx, m, _, cfg := newStub(t, 0)

	s, err := protocol.ConfigString(cfg)
	require.NoError(t, err)
	n, err := protocol.ConfigStringLen(cfg)
	require.NoError(t, err)
	assert.Equal(t, len(s), n)
	typ, err := protocol.ConfigType(cfg)
	require.NoError(t, err)
	assert.Equal(t, stubType, typ)
	assert.Equal(t, "stub-game", cfg.Common().GameName)

	again, err := ctx.CreateConfig(stubType, 0, "", nil, s)
	require.NoError(t, err)
	assert.Equal(t, cfg.Module(), again.Module())
	assert.Equal(t, 2, m.RefCount(stubType))

	require.NoError(t, ctx.DisposeConfig(again))
	assert.ErrorIs(t, ctx.DisposeConfig(again), protocol.ErrInvalidConfigRef)
	_, err = protocol.ConfigString(again)
	assert.ErrorIs(t, err, protocol.ErrInvalidConfigRef)
	assert.Equal(t, 1, m.RefCount(stubType))

	_, err = ctx.CreateConfig(plugin.MakeType("None"), 1, "x", nil, "")
	assert.ErrorIs(t, err, protocol.ErrModuleNotFound)

	_, err = ctx.CreateConfig(stubType, 1, "x", make([]byte, plugin.EnumDataLen+1), "")
	assert.ErrorIs(t, err, plugin.ErrInvalidConfig)
	assert.Equal(t, 1, m.RefCount(stubType))

	require.NoError(t, ctx.DisposeConfig(cfg))
	assert.Equal(t, 0, m.RefCount(stubType))
}

func TestOpen(t *testing.T) {
	t.Run("PassiveClearsRemote", func(t *testing.T) {
		ctx, m, _, cfg := newStub(t, 0)
		var rec recorder
		ep, err := ctx.Open(cfg, rec.callback("l"), "user", false)
		require.NoError(t, err)
		assert.True(t, cfg.Module().(*stubConfig).cleared)
		assert.Equal(t, protocol.StateListening, ep.State())
		assert.Equal(t, protocol.CookieLive, ep.Cookie())
		assert.Equal(t, protocol.FlagPassive, ep.Flags())
		assert.Equal(t, "user", ep.Context())
		assert.Equal(t, 2, m.RefCount(stubType))
		assert.Len(t, ctx.Endpoints(), 1)
	})

	t.Run("NilCallback", func(t *testing.T) {
		ctx, _, _, cfg := newStub(t, 0)
		_, err := ctx.Open(cfg, nil, nil, true)
		assert.ErrorIs(t, err, protocol.ErrParam)
		_, err = ctx.Open(nil, func(*protocol.Endpoint, plugin.Code, error, any, any) {}, nil, true)
		assert.ErrorIs(t, err, protocol.ErrInvalidConfigRef)
	})

	t.Run("FailureUndoesEverything", func(t *testing.T) {
		ctx, m, mod, cfg := newStub(t, 0)
		mod.openErr = errors.New("no route")
		var rec recorder
		_, err := ctx.Open(cfg, rec.callback("a"), nil, true)
		assert.ErrorContains(t, err, "no route")
		assert.Equal(t, 1, m.RefCount(stubType))
		assert.Empty(t, ctx.Endpoints())
		assert.Equal(t, 1, ctx.CacheLen())
	})

	t.Run("TypeMismatch", func(t *testing.T) {
		ctx, m, mod, cfg := newStub(t, 0)
		mod.foreign = true
		var rec recorder
		_, err := ctx.Open(cfg, rec.callback("a"), nil, true)
		assert.ErrorIs(t, err, protocol.ErrTypeMismatch)
		assert.Equal(t, 1, m.RefCount(stubType))
		assert.Empty(t, ctx.Endpoints())
	})
}

func TestClose(t *testing.T) {
	t.Run("DoubleClose", func(t *testing.T) {
		ctx, m, mod, cfg := newStub(t, 0)
		mod.asyncClose = true
		var rec recorder
		ep, err := ctx.Open(cfg, rec.callback("a"), nil, true)
		require.NoError(t, err)

		require.NoError(t, ep.Close(true))
		assert.Equal(t, protocol.StateClosing, ep.State())
		assert.ErrorIs(t, ep.Close(true), protocol.ErrBadState)
		assert.Equal(t, 1, mod.closes)

		// Only CloseComplete gets through while closing.
		conn := mod.lastConn()
		conn.fire(plugin.StreamData, nil)
		assert.Empty(t, rec.list())

		conn.fire(plugin.CloseComplete, nil)
		events := rec.list()
		require.Len(t, events, 1)
		assert.Equal(t, plugin.CloseComplete, events[0].code)
		assert.Equal(t, protocol.CookieBad, ep.Cookie())
		assert.Equal(t, 1, m.RefCount(stubType))

		err = ep.Close(true)
		assert.ErrorIs(t, err, protocol.ErrBadState)
		assert.ErrorIs(t, err, protocol.ErrInvalidEndpoint)
		assert.Equal(t, 1, mod.closes)
	})

	t.Run("StaleEndpoint", func(t *testing.T) {
		ctx, _, _, cfg := newStub(t, 0)
		var rec recorder
		ep, err := ctx.Open(cfg, rec.callback("a"), nil, true)
		require.NoError(t, err)
		require.NoError(t, ep.Close(false))

		_, err = ep.Send([]byte("x"))
		assert.ErrorIs(t, err, protocol.ErrInvalidEndpoint)
		assert.ErrorIs(t, ep.SendDatagram([]byte("x")), protocol.ErrInvalidEndpoint)
		assert.False(t, ep.IsAlive())

		var nilEP *protocol.Endpoint
		_, err = nilEP.Send([]byte("x"))
		assert.ErrorIs(t, err, protocol.ErrInvalidEndpoint)
	})

	t.Run("CacheAndDoomed", func(t *testing.T) {
		ctx, _, _, cfg := newStub(t, 1)
		var rec recorder
		var eps []*protocol.Endpoint
		for i := 0; i < 4; i++ {
			ep, err := ctx.Open(cfg, rec.callback("a"), nil, true)
			require.NoError(t, err)
			eps = append(eps, ep)
		}
		for _, ep := range eps[:3] {
			require.NoError(t, ep.Close(false))
		}
		assert.Equal(t, 1, ctx.CacheLen())
		assert.Equal(t, 2, ctx.DoomedLen())

		require.NoError(t, eps[3].Idle())
		assert.Equal(t, 0, ctx.DoomedLen())

		// A cached wrapper is reused.
		again, err := ctx.Open(cfg, rec.callback("b"), nil, true)
		require.NoError(t, err)
		assert.Equal(t, 0, ctx.CacheLen())
		assert.Equal(t, protocol.CookieLive, again.Cookie())
	})
}

func TestAcceptHandoff(t *testing.T) {
	ctx, m, mod, cfg := newStub(t, 0)
	var rec recorder
	listener, err := ctx.Open(cfg, rec.callback("listener"), nil, false)
	require.NoError(t, err)

	child, err := ctx.AcceptConnection(listener, uint64(1), rec.callback("child"), "child-ctx")
	require.NoError(t, err)
	assert.Equal(t, listener.ID(), child.Parent())
	assert.Equal(t, protocol.FlagPassive|protocol.FlagAccepted, child.Flags())
	assert.Equal(t, protocol.StateRunning, child.State())
	assert.Equal(t, 3, m.RefCount(stubType))

	mod.lastConn().fire(plugin.AcceptComplete, nil)
	events := rec.list()
	require.Len(t, events, 2)
	assert.Equal(t, recorded{who: "listener", code: plugin.HandoffComplete, cookie: child}, events[0])
	assert.Equal(t, recorded{who: "child", code: plugin.AcceptComplete, cookie: listener}, events[1])

	t.Run("NotListening", func(t *testing.T) {
		_, err := ctx.AcceptConnection(child, uint64(2), rec.callback("x"), nil)
		assert.ErrorIs(t, err, protocol.ErrBadState)
	})

	t.Run("Reject", func(t *testing.T) {
		assert.NoError(t, ctx.RejectConnection(listener, uint64(3)))
	})
}

func TestDatagramSize(t *testing.T) {
	ctx, _, mod, cfg := newStub(t, 0)
	var rec recorder
	ep, err := ctx.Open(cfg, rec.callback("a"), nil, true)
	require.NoError(t, err)

	assert.ErrorIs(t, ep.SendDatagram(make([]byte, 101)), protocol.ErrTooMuchData)
	assert.Equal(t, 0, mod.datagrams)
	assert.NoError(t, ep.SendDatagram(make([]byte, 100)))
	assert.Equal(t, 1, mod.datagrams)
	assert.ErrorIs(t, ep.SendDatagram(nil), protocol.ErrParam)
	_, err = ep.Send(nil)
	assert.ErrorIs(t, err, protocol.ErrParam)
	assert.ErrorIs(t, ep.SetTimeout(-time.Second), protocol.ErrParam)
}

func TestOptionalEntryPoints(t *testing.T) {
	ctx, _, _, cfg := newStub(t, 0)
	var rec recorder
	ep, err := ctx.Open(cfg, rec.callback("l"), nil, false)
	require.NoError(t, err)

	assert.ErrorIs(t, ep.StartAdvertising(), protocol.ErrFunctionNotBound)
	assert.ErrorIs(t, ep.StopAdvertising(), protocol.ErrFunctionNotBound)
	assert.ErrorIs(t, ctx.StartEnumeration(cfg, func(plugin.EnumCode, plugin.EnumItem) {}), protocol.ErrFunctionNotBound)
	assert.ErrorIs(t, ctx.SetupDialog(cfg), protocol.ErrFunctionNotBound)
	_, err = ctx.HandleDialogEvent(cfg, nil)
	assert.ErrorIs(t, err, protocol.ErrFunctionNotBound)

	_, err = ep.FunctionPassThrough(7, nil)
	assert.ErrorIs(t, err, plugin.ErrUnknownPassThrough)
	ok, err := ep.EnterNotifier()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, ep.LeaveNotifier())
}
