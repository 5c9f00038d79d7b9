package ip

import (
	"net"
	"testing"
	"time"

	"github.com/linchenxuan/openplay/network/transport"
	"github.com/linchenxuan/openplay/plugin"
	"github.com/linchenxuan/openplay/protocol"
	"github.com/linchenxuan/openplay/utils/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	code   plugin.Code
	err    error
	cookie any
}

func recorder() (protocol.Callback, chan event) {
	ch := make(chan event, 64)
	return func(_ *protocol.Endpoint, code plugin.Code, err error, cookie any, _ any) {
		ch <- event{code: code, err: err, cookie: cookie}
	}, ch
}

func waitFor(t *testing.T, ch chan event, code plugin.Code) event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.code == code {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", code)
		}
	}
}

func freePort(t *testing.T) uint32 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return uint32(port)
}

func portConfig(port uint32) string {
	var w token.Writer
	w.PutString(transport.KeyAddr, "127.0.0.1")
	w.PutUint32(transport.KeyPort, port)
	return w.String()
}

func newContext(t *testing.T) *protocol.Context {
	t.Helper()
	m := plugin.NewManager("")
	m.RegisterFactory(NewFactory())
	ctx := protocol.NewContext(m, 4)
	t.Cleanup(ctx.Shutdown)
	return ctx
}

func TestBeacon(t *testing.T) {
	b := &beacon{Kind: beaconReply, GameID: 42, GameName: "tanks", Port: 9000, EnumData: []byte{1, 2}}
	got, err := unmarshalBeacon(b.marshal())
	require.NoError(t, err)
	assert.Equal(t, b, got)

	_, err = unmarshalBeacon([]byte{0xff})
	assert.ErrorIs(t, err, errBadBeacon)

	_, err = unmarshalBeacon((&beacon{Kind: 9}).marshal())
	assert.ErrorIs(t, err, errBadBeacon)

	port, err := unmarshalHandshake(marshalHandshake(5123))
	require.NoError(t, err)
	assert.Equal(t, 5123, port)
}

func TestConfig(t *testing.T) {
	ctx := newContext(t)

	t.Run("Defaults", func(t *testing.T) {
		cfg, err := ctx.CreateConfig(ModuleType, 5000, "tanks", nil, "")
		require.NoError(t, err)
		defer ctx.DisposeConfig(cfg)

		nc := cfg.Module().(*transport.NetConfig)
		assert.Equal(t, transport.DefaultHost, nc.Host)
		assert.Equal(t, uint16(5000%(32760-1024)+1024), nc.Port)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		cfg, err := ctx.CreateConfig(ModuleType, 77, "racer", []byte("custom"), portConfig(6000))
		require.NoError(t, err)
		defer ctx.DisposeConfig(cfg)

		s, err := protocol.ConfigString(cfg)
		require.NoError(t, err)
		again, err := ctx.CreateConfig(ModuleType, 0, "", nil, s)
		require.NoError(t, err)
		defer ctx.DisposeConfig(again)
		assert.Equal(t, cfg.Module(), again.Module())
	})

	t.Run("EnumDataTooLong", func(t *testing.T) {
		_, err := ctx.CreateConfig(ModuleType, 1, "x", make([]byte, plugin.EnumDataLen+1), "")
		assert.ErrorIs(t, err, plugin.ErrInvalidConfig)
	})
}

func TestStreamAndDatagram(t *testing.T) {
	ctx := newContext(t)
	port := freePort(t)

	hostCfg, err := ctx.CreateConfig(ModuleType, 9, "ip-test", nil, portConfig(port))
	require.NoError(t, err)
	defer ctx.DisposeConfig(hostCfg)
	joinCfg, err := ctx.CreateConfig(ModuleType, 9, "ip-test", nil, portConfig(port))
	require.NoError(t, err)
	defer ctx.DisposeConfig(joinCfg)

	lcb, lch := recorder()
	listener, err := ctx.Open(hostCfg, lcb, nil, false)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateListening, listener.State())

	ccb, cch := recorder()
	client, err := ctx.Open(joinCfg, ccb, nil, true)
	require.NoError(t, err)

	req := waitFor(t, lch, plugin.ConnectRequest)
	scb, sch := recorder()
	server, err := ctx.AcceptConnection(listener, req.cookie, scb, nil)
	require.NoError(t, err)
	assert.Equal(t, listener.ID(), server.Parent())

	handoff := waitFor(t, lch, plugin.HandoffComplete)
	assert.Equal(t, server, handoff.cookie)
	accepted := waitFor(t, sch, plugin.AcceptComplete)
	assert.Equal(t, listener, accepted.cookie)

	t.Run("Stream", func(t *testing.T) {
		_, err := client.Send([]byte("hello"))
		require.NoError(t, err)
		waitFor(t, sch, plugin.StreamData)
		buf := make([]byte, 64)
		n, err := server.Receive(buf)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(buf[:n]))

		_, err = server.Send([]byte("world"))
		require.NoError(t, err)
		waitFor(t, cch, plugin.StreamData)
		n, err = client.Receive(buf)
		require.NoError(t, err)
		assert.Equal(t, "world", string(buf[:n]))

		_, err = server.Receive(buf)
		assert.ErrorIs(t, err, plugin.ErrNoData)
	})

	t.Run("Datagram", func(t *testing.T) {
		buf := make([]byte, DefaultMaxPacketSize)
		got := ""
		require.Eventually(t, func() bool {
			_ = client.SendDatagram([]byte("ping"))
			n, err := server.ReceiveDatagram(buf)
			if err != nil {
				return false
			}
			got = string(buf[:n])
			return true
		}, 5*time.Second, 20*time.Millisecond)
		assert.Equal(t, "ping", got)
	})

	t.Run("OversizedDatagram", func(t *testing.T) {
		err := client.SendDatagram(make([]byte, DefaultMaxPacketSize+1))
		assert.ErrorIs(t, err, plugin.ErrTooMuchData)
	})

	t.Run("PassThrough", func(t *testing.T) {
		v, err := client.FunctionPassThrough(PassUDPPort, nil)
		require.NoError(t, err)
		assert.Positive(t, v.(int))

		v, err = client.FunctionPassThrough(PassRemoteAddr, nil)
		require.NoError(t, err)
		assert.Contains(t, v.(string), ":")

		_, err = client.FunctionPassThrough(99, nil)
		assert.ErrorIs(t, err, plugin.ErrUnknownPassThrough)
	})

	t.Run("Close", func(t *testing.T) {
		require.NoError(t, client.Close(true))
		waitFor(t, cch, plugin.CloseComplete)
		waitFor(t, sch, plugin.EndpointDied)
		assert.Equal(t, protocol.StateDead, server.State())

		require.NoError(t, server.Close(false))
		waitFor(t, sch, plugin.CloseComplete)
		require.NoError(t, listener.Close(false))
		waitFor(t, lch, plugin.CloseComplete)
	})
}

func modeConfig(port uint32, mode plugin.Mode) string {
	var w token.Writer
	w.PutString(transport.KeyAddr, "127.0.0.1")
	w.PutUint32(transport.KeyPort, port)
	w.PutUint32(token.KeyMode, uint32(mode))
	return w.String()
}

// connectPair opens a listener and a client with the given mode and accepts
// the client.
func connectPair(t *testing.T, mode plugin.Mode) (client, server *protocol.Endpoint, sch chan event) {
	t.Helper()
	ctx := newContext(t)
	port := freePort(t)

	hostCfg, err := ctx.CreateConfig(ModuleType, 9, "ip-mode", nil, modeConfig(port, mode))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.DisposeConfig(hostCfg) })
	joinCfg, err := ctx.CreateConfig(ModuleType, 9, "ip-mode", nil, modeConfig(port, mode))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.DisposeConfig(joinCfg) })

	lcb, lch := recorder()
	listener, err := ctx.Open(hostCfg, lcb, nil, false)
	require.NoError(t, err)
	ccb, _ := recorder()
	client, err = ctx.Open(joinCfg, ccb, nil, true)
	require.NoError(t, err)

	req := waitFor(t, lch, plugin.ConnectRequest)
	var scb protocol.Callback
	scb, sch = recorder()
	server, err = ctx.AcceptConnection(listener, req.cookie, scb, nil)
	require.NoError(t, err)
	waitFor(t, sch, plugin.AcceptComplete)
	return client, server, sch
}

func TestConnectionMode(t *testing.T) {
	t.Run("StreamOnly", func(t *testing.T) {
		client, server, sch := connectPair(t, plugin.ModeStream)

		err := client.SendDatagram([]byte("x"))
		assert.ErrorIs(t, err, plugin.ErrNotSupported)
		assert.ErrorIs(t, server.SendDatagram([]byte("x")), plugin.ErrNotSupported)

		v, err := client.FunctionPassThrough(PassUDPPort, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, v.(int))

		_, err = client.Send([]byte("stream"))
		require.NoError(t, err)
		waitFor(t, sch, plugin.StreamData)
		buf := make([]byte, 16)
		n, err := server.Receive(buf)
		require.NoError(t, err)
		assert.Equal(t, "stream", string(buf[:n]))
	})

	t.Run("DatagramOnly", func(t *testing.T) {
		client, server, _ := connectPair(t, plugin.ModeDatagram)

		_, err := client.Send([]byte("stream"))
		assert.ErrorIs(t, err, plugin.ErrNotSupported)

		buf := make([]byte, DefaultMaxPacketSize)
		got := ""
		require.Eventually(t, func() bool {
			_ = client.SendDatagram([]byte("ping"))
			n, err := server.ReceiveDatagram(buf)
			if err != nil {
				return false
			}
			got = string(buf[:n])
			return true
		}, 5*time.Second, 20*time.Millisecond)
		assert.Equal(t, "ping", got)
	})
}

func TestEnumeration(t *testing.T) {
	ctx := newContext(t)
	port := freePort(t)

	hostCfg, err := ctx.CreateConfig(ModuleType, 31, "lobby", []byte{7}, portConfig(port))
	require.NoError(t, err)
	defer ctx.DisposeConfig(hostCfg)
	lcb, lch := recorder()
	listener, err := ctx.Open(hostCfg, lcb, nil, false)
	require.NoError(t, err)
	require.NoError(t, listener.StartAdvertising())

	enumCfg, err := ctx.CreateConfig(ModuleType, 31, "lobby", nil, portConfig(port))
	require.NoError(t, err)
	defer ctx.DisposeConfig(enumCfg)

	var items []plugin.EnumItem
	var cleared bool
	require.NoError(t, ctx.StartEnumeration(enumCfg, func(code plugin.EnumCode, item plugin.EnumItem) {
		switch code {
		case plugin.EnumAdd:
			items = append(items, item)
		case plugin.EnumClear:
			cleared = true
		}
	}))
	assert.ErrorIs(t, ctx.StartEnumeration(enumCfg, func(plugin.EnumCode, plugin.EnumItem) {}), plugin.ErrBadState)

	require.Eventually(t, func() bool {
		require.NoError(t, ctx.IdleEnumeration(enumCfg))
		return len(items) > 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "lobby", items[0].Name)
	assert.Equal(t, []byte{7}, items[0].CustomData)

	require.NoError(t, ctx.BindEnumerationItemToConfig(enumCfg, items[0].ID))
	assert.Equal(t, uint16(port), enumCfg.Module().(*transport.NetConfig).Port)
	assert.ErrorIs(t, ctx.BindEnumerationItemToConfig(enumCfg, 999), plugin.ErrParam)

	require.NoError(t, ctx.EndEnumeration(enumCfg))
	assert.True(t, cleared)
	assert.ErrorIs(t, ctx.IdleEnumeration(enumCfg), plugin.ErrBadState)

	require.NoError(t, listener.StopAdvertising())
	require.NoError(t, listener.Close(true))
	waitFor(t, lch, plugin.CloseComplete)
}
